// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
	"codeberg.org/readeck/pagespeed/pkg/css/stylesheet"
	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

type kind uint8

const (
	externalKind kind = iota
	styleTagKind
	attributeKind
)

type mode uint8

const (
	astMode mode = iota
	fallbackMode
)

// cssRewriter rewrites one stylesheet: an external stylesheet, the
// content of a <style> element or a style attribute.
type cssRewriter struct {
	f    *Filter
	kind kind
	slot rewrite.Slot

	// base resolves the stylesheet URLs, trim is the location of the
	// rewritten stylesheet.
	base     *url.URL
	trim     *url.URL
	trimURLs bool
	location string

	media   string
	charset string
	inPlace bool
	limit   int64
	suffix  string

	mode      mode
	bom       bool
	inputSize int
	root      *hierarchy
	fallback  *fallback
}

// ContextOption is an option of the stylesheet contexts.
type ContextOption func(r *cssRewriter)

// WithMedia sets the media attribute of the element using the
// stylesheet.
func WithMedia(media string) ContextOption {
	return func(r *cssRewriter) {
		r.media = media
	}
}

// WithCharset sets the charset that applies to the stylesheet, from its
// element or its document.
func WithCharset(charset string) ContextOption {
	return func(r *cssRewriter) {
		r.charset = charset
	}
}

// InPlace keeps the URLs of an external stylesheet relative to its own
// location, for a stylesheet that is served at its original URL.
func InPlace() ContextOption {
	return func(r *cssRewriter) {
		r.inPlace = true
	}
}

func (r *cssRewriter) ID() string {
	return ID
}

func userAgentCacheKey(c *rewrite.Context) string {
	key := "A"
	if c.Options().CSSImageInlineMaxBytes() != 0 && c.Driver().SupportsImageInlining() {
		key = "I"
	}
	if c.Driver().SupportsWebP() {
		key += "W"
	}
	return key
}

func hashString(s string) string {
	return strconv.FormatUint(xxhash.Sum64String(s), 36)
}

// UserAgentCacheKey implements [rewrite.CacheKeyer].
func (r *cssRewriter) UserAgentCacheKey(c *rewrite.Context) string {
	return userAgentCacheKey(c)
}

// CacheKeySuffix implements [rewrite.CacheKeyer].
func (r *cssRewriter) CacheKeySuffix(_ *rewrite.Context) string {
	return r.suffix
}

// PolicyPermitsRendering implements [rewrite.RenderPolicy]. Inline
// styles are left alone when a content security policy forbids them.
func (r *cssRewriter) PolicyPermitsRendering(c *rewrite.Context) bool {
	if r.kind == externalKind {
		return true
	}
	if !c.Driver().CSP().PermitsInlineStyle() {
		c.Logger().Debug("Avoiding modifying inline style with CSP present")
		return false
	}
	return true
}

func (r *cssRewriter) RewriteSingle(_ context.Context, c *rewrite.Context, p *rewrite.Partition) rewrite.Status {
	if c.ShouldDrop() {
		return rewrite.TooBusy
	}

	o := c.Options()
	stats := c.Driver().Server().Stats()
	input := p.Input()
	r.inputSize = len(input.Contents())
	contents, bom := stripBOM(input.Contents())
	r.bom = bom

	var sheet *stylesheet.Stylesheet
	var err error
	if r.kind == attributeKind {
		sheet, err = stylesheet.ParseInline(contents)
	} else {
		sheet, err = stylesheet.Parse(contents)
	}

	fallbackEnabled := o.Enabled(options.FallbackRewriteCSSURLs)
	if err == nil && !(o.PreferFallbackCSS() && fallbackEnabled) {
		r.startAST(c, input, sheet, contents)
		return rewrite.RewriteOK
	}

	if err != nil {
		stats.CSSParseFailures.Inc()
		c.Logger().Warn("CSS parse error",
			slog.Any("url", resource.URLLogValue(r.location)),
			slog.Any("err", err),
		)
		p.Result.AddDebugMessage("CSS rewrite failed: Parse error in " + r.location)
	}
	if fallbackEnabled {
		return r.startFallback(c, p, contents)
	}
	return rewrite.RewriteFailed
}

func (r *cssRewriter) startAST(c *rewrite.Context, input *resource.Resource, sheet *stylesheet.Stylesheet, contents []byte) {
	o := c.Options()
	h := &hierarchy{
		filter:              r.f,
		stats:               c.Driver().Server().Stats(),
		location:            r.location,
		base:                r.base,
		trim:                r.trim,
		trimURLs:            r.trimURLs,
		contents:            contents,
		sheet:               sheet,
		declarationsOnly:    r.kind == attributeKind,
		unparseable:         sheet.Unparseables,
		flattenLimit:        o.CSSFlattenMaxBytes(),
		maxDepth:            o.CSSFlattenMaxDepth(),
		minify:              o.Enabled(options.MinifyCSS),
		flatteningSucceeded: true,
		rendered:            map[*stylesheet.Value]struct{}{},
	}
	if r.kind == externalKind {
		h.url = r.location
	}
	r.root = h

	// The applicable charset wins, the resource's one must agree with it.
	switch {
	case r.charset != "":
		h.charset, h.charsetSource = r.charset, "from the enclosing document"
		if cs := input.Charset(); r.kind == externalKind && cs != "" && !sameCharset(cs, r.charset) {
			h.stats.FlattenCharsetMismatch.Inc()
			h.fail("The charset of " + r.location + " (" + cs + " from headers) is different from that of its document: " + r.charset)
		}
	case r.kind == externalKind && input.Charset() != "":
		h.charset, h.charsetSource = input.Charset(), "from headers"
	case len(sheet.Charsets) > 0:
		h.charset, h.charsetSource = sheet.Charsets[0], "from an @charset"
	}

	if r.media != "" {
		media, ok := stylesheet.NormalizeMedia(stylesheet.SplitMediaQueries(r.media))
		if ok {
			h.media = media
		} else {
			h.stats.FlattenComplexQueries.Inc()
			h.fail("A media query is too complex in " + r.location)
		}
	}

	r.mode = astMode
	r.f.rewriteCSS(c, h, r.limit)
}

// Harvest implements [rewrite.Harvester].
func (r *cssRewriter) Harvest(ctx context.Context, c *rewrite.Context) rewrite.Status {
	if r.mode == fallbackMode {
		return r.harvestFallback(ctx, c)
	}
	return r.harvestAST(ctx, c)
}

func (r *cssRewriter) harvestAST(ctx context.Context, c *rewrite.Context) rewrite.Status {
	h := r.root
	p := c.Partitions()[0]

	if h.flatteningSucceeded && h.flattenLimit > 0 {
		h.rollUpContents()
	}
	h.rollUpStylesheets()

	previouslyOptimized := false
	for _, n := range c.Nested() {
		for _, s := range n.Slots() {
			previouslyOptimized = previouslyOptimized || s.WasOptimized()
		}
	}

	if r.trimURLs || r.base.String() != r.trim.String() {
		if err := h.absolutify(scanner.NewAbsolutifier(r.base, r.trim, r.trimURLs)); err != nil {
			c.Logger().Warn("cannot move CSS URLs",
				slog.Any("url", resource.URLLogValue(r.location)),
				slog.Any("err", err),
			)
			p.Result.AddDebugMessage("CSS rewrite failed: Cannot move URLs of " + r.location)
			return rewrite.RewriteFailed
		}
	}

	var text string
	var err error
	if h.declarationsOnly {
		text, err = r.f.minifyText(h.sheet.Rulesets[0].Declarations.String(), true, h.minify)
	} else {
		text, err = r.f.minifyText(h.sheet.String(), false, h.minify)
	}
	if err != nil {
		c.Logger().Warn("CSS minification failed",
			slog.Any("url", resource.URLLogValue(r.location)),
			slog.Any("err", err),
		)
		return rewrite.RewriteFailed
	}

	out, ok := r.serialize(c, p, text, previouslyOptimized)
	p.Result.AddDebugMessage(h.reason)
	if !ok {
		return rewrite.RewriteFailed
	}
	return r.write(ctx, c, p, out)
}

// write saves the rewritten stylesheet: inline CSS goes in the result,
// an external stylesheet is written to the output store.
func (r *cssRewriter) write(ctx context.Context, c *rewrite.Context, p *rewrite.Partition, out string) rewrite.Status {
	if r.kind != externalKind {
		p.Result.Optimizable = true
		p.Result.InlinedData = out
		return rewrite.RewriteOK
	}

	u, err := c.Driver().WriteOutput(ctx, p.Input(), ID, "text/css", []byte(out))
	if err != nil {
		c.Logger().Error("cannot write stylesheet", slog.Any("err", err))
		return rewrite.RewriteFailed
	}
	p.Result.Optimizable = true
	p.Result.URL = u
	return rewrite.RewriteOK
}

// Render implements [rewrite.Renderer].
func (r *cssRewriter) Render(c *rewrite.Context) {
	res := c.Result()
	if c.Status() != rewrite.RewriteOK || res == nil || !res.Optimizable {
		return
	}
	c.Driver().Server().Stats().CSSUses.Inc()

	if r.kind == externalKind {
		c.RenderSlots()
		return
	}
	slot, ok := r.slot.(InlineSlot)
	if !ok || slot.RenderingDisabled() {
		return
	}
	slot.SetCSS(res.InlinedData)
	slot.SetWasOptimized(true)
}

// inlineSuffix returns the cache key suffix of inline CSS. Style
// elements depend on the document directory, style attributes on their
// absolute URLs.
func inlineSuffix(k kind, base *url.URL, contents []byte) string {
	if k == styleTagKind {
		return "_@" + hashString(urlutil.AllExceptLeaf(base))
	}
	if !scanner.HasURL(contents) {
		return ""
	}
	abs, err := scanner.TransformString(string(contents), scanner.NewAbsolutifier(base, nil, false))
	if err != nil {
		abs = base.String() + "\n" + string(contents)
	}
	return "_@" + hashString(abs)
}

func (r *cssRewriter) externalSuffix() string {
	parts := []string{r.trim.String(), r.media, r.charset}
	if r.inPlace {
		parts = append(parts, "p")
	}
	return strings.Join(parts, "|")
}
