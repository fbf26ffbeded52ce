// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"codeberg.org/readeck/pagespeed/internal/metrics"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
	"codeberg.org/readeck/pagespeed/pkg/css/stylesheet"
	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

const flatteningPrefix = "Flattening failed: "

// hierarchy is a stylesheet with the stylesheets it imports. The root is
// the stylesheet being rewritten, every child is one of its @import
// rules. A child is flattened by its own nested context, whose result is
// the child's text with absolute URLs.
type hierarchy struct {
	filter *Filter
	stats  *metrics.Stats

	parent   *hierarchy
	children []*hierarchy
	depth    int

	// url is the absolute URL of the stylesheet, empty for inline CSS and
	// for imports that are skipped. location names it in messages.
	url      string
	location string
	base     *url.URL
	trim     *url.URL
	trimURLs bool

	contents         []byte
	sheet            *stylesheet.Stylesheet
	declarationsOnly bool
	unparseable      bool

	charset       string
	charsetSource string
	media         []string

	flattenLimit int64
	maxDepth     int
	minify       bool

	flatteningSucceeded bool
	reason              string
	minified            string
	hasMinified         bool

	// resolved is set once the flattening result of a child was
	// rendered into it.
	resolved bool

	rendered  map[*stylesheet.Value]struct{}
	slotCount int
}

func (h *hierarchy) newChild() *hierarchy {
	return &hierarchy{
		filter:              h.filter,
		stats:               h.stats,
		parent:              h,
		depth:               h.depth + 1,
		trim:                h.trim,
		trimURLs:            h.trimURLs,
		flattenLimit:        h.flattenLimit,
		maxDepth:            h.maxDepth,
		minify:              h.minify,
		flatteningSucceeded: true,
		rendered:            map[*stylesheet.Value]struct{}{},
	}
}

func (h *hierarchy) root() *hierarchy {
	for h.parent != nil {
		h = h.parent
	}
	return h
}

// needsRewriting returns true for a child that must be flattened by a
// nested context.
func (h *hierarchy) needsRewriting() bool {
	return h.url != "" && h.flatteningSucceeded
}

func (h *hierarchy) pending() bool {
	return h.parent != nil && h.needsRewriting() && !h.resolved
}

// addFailureReason records why flattening failed, or why something could
// not be rewritten when flattening still succeeds. Reasons are joined
// with " AND ", a reason already present is ignored.
func (h *hierarchy) addFailureReason(reason string) {
	reason = strings.TrimPrefix(reason, flatteningPrefix)
	if reason != "" && !strings.Contains(strings.ToLower(h.reason), strings.ToLower(reason)) {
		if h.reason == "" {
			h.reason = reason
		} else {
			h.reason = strings.TrimPrefix(h.reason, flatteningPrefix) + " AND " + reason
		}
	}
	if !h.flatteningSucceeded && h.reason != "" && !strings.HasPrefix(h.reason, flatteningPrefix) {
		h.reason = flatteningPrefix + h.reason
	}
}

func (h *hierarchy) fail(reason string) {
	h.flatteningSucceeded = false
	h.addFailureReason(reason)
}

// nextLocation returns a unique slot location in the stylesheet.
func (h *hierarchy) nextLocation() string {
	h.slotCount++
	return fmt.Sprintf("%s#%d", h.location, h.slotCount)
}

// checkCharset determines the charset of a child, from the response
// headers, its @charset rule or its parent, and checks it is the one of
// its parent.
func (h *hierarchy) checkCharset(res *resource.Resource) (bool, string) {
	switch {
	case res != nil && res.Charset() != "":
		h.charset, h.charsetSource = res.Charset(), "from headers"
	case h.sheet != nil && len(h.sheet.Charsets) > 0:
		h.charset, h.charsetSource = h.sheet.Charsets[0], "from an @charset"
	default:
		if h.parent != nil {
			h.charset = h.parent.charset
		}
		h.charsetSource = "from the enclosing CSS"
		return true, ""
	}

	if h.parent == nil || h.parent.charset == "" || sameCharset(h.charset, h.parent.charset) {
		return true, ""
	}
	return false, fmt.Sprintf("The charset of %s (%s %s) is different from that of its parent (%s): %s %s",
		h.location, h.charset, h.charsetSource,
		h.parent.location, h.parent.charset, h.parent.charsetSource,
	)
}

func sameCharset(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	ea, err := htmlindex.Get(a)
	if err != nil {
		return false
	}
	eb, err := htmlindex.Get(b)
	if err != nil {
		return false
	}
	na, _ := htmlindex.Name(ea)
	nb, _ := htmlindex.Name(eb)
	return na != "" && na == nb
}

// parse parses the contents of a child and reduces the media of its
// rulesets to the import media. Rulesets reduced to nothing are dropped.
func (h *hierarchy) parse() bool {
	if h.sheet != nil {
		return true
	}
	sheet, err := stylesheet.Parse(h.contents)
	if err != nil {
		return false
	}
	h.unparseable = h.unparseable || sheet.Unparseables

	reduce := true
	kept := sheet.Rulesets[:0]
	for _, rs := range sheet.Rulesets {
		if !reduce {
			kept = append(kept, rs)
			continue
		}
		media, ok := stylesheet.NormalizeMedia(rs.Media)
		if !ok {
			h.stats.FlattenComplexQueries.Inc()
			h.fail("A media query is too complex in " + h.location)
			reduce = false
			kept = append(kept, rs)
			continue
		}
		if media, ok = stylesheet.IntersectMedia(media, h.media); !ok {
			continue
		}
		rs.Media = media
		kept = append(kept, rs)
	}
	sheet.Rulesets = kept
	h.sheet = sheet
	return true
}

// importMedia returns the media of an import in a stylesheet with the
// given media. It returns false when they have nothing in common.
func importMedia(containing, media []string) ([]string, bool) {
	if len(media) == 0 {
		return containing, true
	}
	return stylesheet.IntersectMedia(media, containing)
}

func (h *hierarchy) isAncestor(u string) bool {
	for x := h; x != nil; x = x.parent {
		if x.url == u {
			return true
		}
	}
	return false
}

// expandChildren creates a child for every @import rule. It returns true
// when a child must be flattened.
func (h *hierarchy) expandChildren() bool {
	if h.sheet == nil {
		return false
	}
	res := false
	h.children = make([]*hierarchy, len(h.sheet.Imports))
	for i, imp := range h.sheet.Imports {
		child := h.newChild()
		h.children[i] = child

		abs, ok := urlutil.Resolve(h.base, imp.Link)
		if !ok || !urlutil.IsWebOrData(abs) {
			h.stats.FlattenInvalidURL.Inc()
			h.fail(fmt.Sprintf("Invalid import URL %s in %s", imp.Link, h.location))
			continue
		}
		media, ok := stylesheet.NormalizeMedia(imp.Media)
		if !ok {
			h.stats.FlattenComplexQueries.Inc()
			h.fail("Complex media queries in the @import of " + abs.String())
			continue
		}
		if media, ok = importMedia(h.media, media); !ok {
			// Nothing of the import applies.
			continue
		}
		if h.isAncestor(abs.String()) {
			h.stats.FlattenRecursion.Inc()
			h.fail("Recursive @import of " + abs.String())
			continue
		}
		if child.depth > h.maxDepth {
			h.stats.FlattenRecursion.Inc()
			h.fail(fmt.Sprintf("Maximum @import depth (%d) exceeded by %s", h.maxDepth, abs.String()))
			continue
		}

		child.url = abs.String()
		child.location = child.url
		child.base = abs
		child.media = media
		res = true
	}
	return res
}

// checkChildren fails the flattening when a child failed.
func (h *hierarchy) checkChildren(roll func(*hierarchy) bool) {
	for _, c := range h.children {
		switch {
		case c.pending():
			h.fail(cannotImportMessage("import", c.location, true))
		case !roll(c):
			h.fail("")
		case !c.flatteningSucceeded:
			h.fail(c.reason)
		}
	}
}

// ownText serializes the stylesheet, without its @charset and @import
// rules when they were flattened.
func (h *hierarchy) ownText(flattened bool) (string, error) {
	sheet := *h.sheet
	if flattened {
		sheet.Charsets, sheet.Imports = nil, nil
	}
	return h.filter.minifyText(sheet.String(), false, h.minify)
}

// rollUpContents computes the flattened text of the hierarchy and checks
// it fits in the flattening limit.
func (h *hierarchy) rollUpContents() bool {
	if h.hasMinified {
		return true
	}
	if h.sheet == nil {
		if len(h.contents) == 0 {
			return true
		}
		if !h.parse() {
			return false
		}
	}

	h.checkChildren((*hierarchy).rollUpContents)

	sb := new(strings.Builder)
	if h.flatteningSucceeded {
		for _, c := range h.children {
			sb.WriteString(c.minified)
		}
	}
	text, err := h.ownText(h.flatteningSucceeded)
	if err != nil {
		h.stats.FlattenMinifyFailed.Inc()
		h.fail("Minification failed for " + h.location)
		return false
	}
	sb.WriteString(text)
	h.minified, h.hasMinified = sb.String(), true

	if h.flatteningSucceeded && h.flattenLimit > 0 && int64(len(h.minified)) >= h.flattenLimit {
		h.stats.FlattenLimitExceeded.Inc()
		h.fail(fmt.Sprintf("Flattening limit (%d) exceeded (%d)", h.flattenLimit, len(h.minified)))
		if h.minified, err = h.ownText(false); err != nil {
			return false
		}
	}
	return true
}

// rollUpStylesheets merges the rulesets of the children, in document
// order, before the hierarchy's own rulesets.
func (h *hierarchy) rollUpStylesheets() bool {
	if h.sheet == nil {
		if len(h.contents) == 0 {
			return true
		}
		if !h.parse() {
			return false
		}
		// A child holding @charset or @import rules was not flattened.
		if len(h.sheet.Charsets) > 0 || len(h.sheet.Imports) > 0 {
			h.flatteningSucceeded = false
		}
	}
	if !h.flatteningSucceeded {
		return true
	}

	h.checkChildren((*hierarchy).rollUpStylesheets)
	if !h.flatteningSucceeded {
		return true
	}

	rulesets := []*stylesheet.Ruleset{}
	for _, c := range h.children {
		if c.sheet == nil {
			continue
		}
		rulesets = append(rulesets, c.sheet.Rulesets...)
		h.unparseable = h.unparseable || c.unparseable
	}
	h.sheet.Rulesets = append(rulesets, h.sheet.Rulesets...)
	h.sheet.Imports = nil
	if h.parent != nil {
		h.sheet.Charsets = nil
	}
	return true
}

// absolutify moves the URLs that were not rendered with t. Raw sections
// are scanned for URLs. It fails when t relocates URLs and one of them
// cannot be decoded, the URL would otherwise silently point elsewhere.
func (h *hierarchy) absolutify(t scanner.Transformer) error {
	if h.sheet == nil {
		return nil
	}
	strict := false
	if r, ok := t.(scanner.Relocator); ok {
		strict = r.Relocates()
	}

	for _, imp := range h.sheet.Imports {
		if v, st := t.Transform(imp.Link); st == scanner.Success {
			imp.Link = v
		}
	}
	for _, rs := range h.sheet.Rulesets {
		if rs.Type == stylesheet.RawType {
			v, err := scanner.TransformString(rs.Raw, t)
			if err != nil && strict {
				return err
			}
			if err == nil {
				rs.Raw = v
			}
			continue
		}
		for _, d := range rs.Declarations {
			if d.Raw != "" {
				v, err := scanner.TransformString(d.Raw, t)
				if err != nil && strict {
					return err
				}
				if err == nil {
					d.Raw = v
				}
				continue
			}
			for _, v := range d.Values {
				if strict && isUndecodedURL(v) {
					return fmt.Errorf("%w: cannot decode %s", scanner.ErrTransformFailed, v.Text)
				}
				if !v.IsURI() {
					continue
				}
				if _, ok := h.rendered[v]; ok {
					continue
				}
				if x, st := t.Transform(v.Text); st == scanner.Success {
					v.Text = x
				}
			}
		}
	}
	return nil
}

// isUndecodedURL returns true for a url() token the parser kept as text.
func isUndecodedURL(v *stylesheet.Value) bool {
	return v.Kind == stylesheet.OtherValue && len(v.Text) >= 4 && strings.EqualFold(v.Text[:4], "url(")
}

// cannotImportMessage explains why a resource was not imported or
// rewritten.
func cannotImportMessage(action, u string, authorized bool) string {
	if authorized {
		return fmt.Sprintf("Cannot %s %s for an unknown reason", action, u)
	}
	return fmt.Sprintf("Cannot %s %s as it is on an unauthorized domain", action, u)
}
