// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter

import (
	"context"
	"strconv"
	"strings"

	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
)

// FlattenID is the identifier of the contexts flattening an @import.
const FlattenID = "cfi"

// flattenRewriter rewrites an imported stylesheet. Its result is the
// flattened text of the import, with absolute URLs, that the parent
// merges in its own stylesheet.
type flattenRewriter struct {
	f     *Filter
	h     *hierarchy
	limit int64
}

func (f *Filter) newFlattenContext(parent *rewrite.Context, h *hierarchy, res *resource.Resource, limit int64) *rewrite.Context {
	c := rewrite.NewContext(parent.Driver(), parent, &flattenRewriter{f: f, h: h, limit: limit})
	c.AddSlot(rewrite.NewNullSlot(res, h.location)) //nolint:errcheck
	return c
}

func (r *flattenRewriter) ID() string {
	return FlattenID
}

// UserAgentCacheKey implements [rewrite.CacheKeyer].
func (r *flattenRewriter) UserAgentCacheKey(c *rewrite.Context) string {
	return userAgentCacheKey(c)
}

// CacheKeySuffix implements [rewrite.CacheKeyer]. The result depends on
// the import's ancestors, its media and the charset it must match.
func (r *flattenRewriter) CacheKeySuffix(_ *rewrite.Context) string {
	ancestors := []string{}
	for x := r.h.parent; x != nil; x = x.parent {
		ancestors = append(ancestors, x.url)
	}
	return strings.Join([]string{
		strings.Join(ancestors, " "),
		strings.Join(r.h.media, ","),
		r.h.parent.charset,
		strconv.FormatInt(r.limit, 10),
		strconv.FormatInt(r.h.flattenLimit, 10),
	}, "|")
}

func (r *flattenRewriter) RewriteSingle(_ context.Context, c *rewrite.Context, p *rewrite.Partition) rewrite.Status {
	if c.ShouldDrop() {
		return rewrite.TooBusy
	}

	h := r.h
	input := p.Input()
	h.contents, _ = stripBOM(input.Contents())

	if !h.parse() {
		h.fail("Cannot parse the CSS in " + h.location)
		p.Result.AddDebugMessage(h.reason)
		return rewrite.RewriteFailed
	}
	if ok, reason := h.checkCharset(input); !ok {
		h.stats.FlattenCharsetMismatch.Inc()
		h.fail(reason)
		p.Result.AddDebugMessage(h.reason)
		return rewrite.RewriteFailed
	}

	r.f.rewriteCSS(c, h, r.limit)
	return rewrite.RewriteOK
}

// Harvest implements [rewrite.Harvester].
func (r *flattenRewriter) Harvest(_ context.Context, c *rewrite.Context) rewrite.Status {
	h := r.h
	p := c.Partitions()[0]

	if h.flatteningSucceeded && h.flattenLimit > 0 {
		h.rollUpContents()
	}
	h.rollUpStylesheets()
	if err := h.absolutify(scanner.NewAbsolutifier(h.base, nil, false)); err != nil {
		h.stats.FlattenInvalidURL.Inc()
		h.fail("Cannot move the URLs of " + h.location)
	}

	text, err := r.f.minifyText(h.sheet.String(), false, h.minify)
	if err != nil {
		h.stats.FlattenMinifyFailed.Inc()
		h.fail("Minification failed for " + h.location)
		p.Result.AddDebugMessage(h.reason)
		return rewrite.RewriteFailed
	}

	p.Result.Optimizable = h.flatteningSucceeded
	p.Result.InlinedData = text
	p.Result.AddDebugMessage(h.reason)
	return rewrite.RewriteOK
}

// Render implements [rewrite.Renderer]. It replaces the import's
// stylesheet with the flattened text, the parent parses it again when it
// merges its imports.
func (r *flattenRewriter) Render(c *rewrite.Context) {
	h := r.h
	h.resolved = true
	h.hasMinified = true
	h.sheet = nil
	h.children = nil
	h.contents = nil
	h.minified = ""

	res := c.Result()
	if c.Status() == rewrite.RewriteOK && res != nil {
		h.contents = []byte(res.InlinedData)
		h.flatteningSucceeded = res.Optimizable
		if h.flatteningSucceeded {
			h.minified = res.InlinedData
		}
	} else {
		h.flatteningSucceeded = false
	}
	if res != nil {
		for _, m := range res.DebugMessages {
			h.addFailureReason(m)
		}
	}

	if !h.flatteningSucceeded {
		if h.reason == "" {
			h.fail(cannotImportMessage("import", h.location, true))
		}
		return
	}
	c.Slot(0).SetWasOptimized(true)
}
