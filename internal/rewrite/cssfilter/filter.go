// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package cssfilter rewrites stylesheets: external stylesheets, <style>
// elements and style attributes.
//
// A stylesheet that parses is rewritten through its object model. Its
// imports are flattened, its images are optimized by nested contexts and
// the result is serialized and kept only when it is smaller. A stylesheet
// the parser cannot handle has its URLs rewritten by a scanner instead.
package cssfilter

import (
	"context"
	"errors"
	"net/url"
	"path"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

// ID is the filter identifier used in output names.
const ID = "cf"

// ErrInvalidURL is returned for a stylesheet URL that cannot be
// resolved.
var ErrInvalidURL = errors.New("invalid stylesheet URL")

// inlineURL is the URL of inline CSS resources. Their cache key relies on
// their content and the context suffix.
const inlineURL = "data:text/css,"

// Filter creates the stylesheet contexts.
type Filter struct {
	minifier *minify.M
}

// New returns a new [Filter].
func New() *Filter {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	return &Filter{minifier: m}
}

// NewExternalContext returns a top-level context rewriting the
// stylesheet of a slot. The rewritten stylesheet is an output resource
// whose URL is rendered in the slot.
func (f *Filter) NewExternalContext(d *rewrite.Driver, slot rewrite.Slot, opts ...ContextOption) *rewrite.Context {
	o := d.Options()
	r := &cssRewriter{
		f:        f,
		kind:     externalKind,
		slot:     slot,
		trimURLs: o.Enabled(options.TrimURLs),
		limit:    o.CSSImageInlineMaxBytes(),
	}
	for _, fn := range opts {
		fn(r)
	}

	r.location = slot.Resource().URL()
	r.base, _ = url.Parse(r.location)
	switch {
	case o.CSSPreserveURLs():
		slot.SetPreserveURLs(true)
		r.trim = r.base
	case r.inPlace:
		r.trim = r.base
	default:
		r.trim, _ = url.Parse(d.OutputURL("x.css"))
	}
	r.suffix = r.externalSuffix()

	c := rewrite.NewContext(d, nil, r)
	c.AddSlot(slot) //nolint:errcheck
	return c
}

// NewStyleTagContext returns a top-level context rewriting the content
// of a <style> element.
func (f *Filter) NewStyleTagContext(d *rewrite.Driver, slot InlineSlot, opts ...ContextOption) *rewrite.Context {
	return f.newInlineContext(d, styleTagKind, slot, opts)
}

// NewAttributeContext returns a top-level context rewriting a style
// attribute.
func (f *Filter) NewAttributeContext(d *rewrite.Driver, slot InlineSlot, opts ...ContextOption) *rewrite.Context {
	return f.newInlineContext(d, attributeKind, slot, opts)
}

func (f *Filter) newInlineContext(d *rewrite.Driver, k kind, slot InlineSlot, opts []ContextOption) *rewrite.Context {
	o := d.Options()
	r := &cssRewriter{
		f:        f,
		kind:     k,
		slot:     slot,
		base:     d.BaseURL(),
		trim:     d.BaseURL(),
		trimURLs: o.Enabled(options.TrimURLs),
		location: d.DocumentURL().String(),
		limit:    min(o.ImageInlineMaxBytes(), o.CSSImageInlineMaxBytes()),
	}
	for _, fn := range opts {
		fn(r)
	}
	var contents []byte
	if res := slot.Resource(); res != nil {
		contents = res.Contents()
	}
	r.suffix = inlineSuffix(k, r.base, contents)

	c := rewrite.NewContext(d, nil, r)
	c.AddSlot(slot) //nolint:errcheck
	return c
}

// NewInlineResource returns the resource of inline CSS.
func NewInlineResource(contents string) *resource.Resource {
	return resource.NewDataResource(inlineURL, "text/css", []byte(contents))
}

// Result is the result of [Filter.RewriteStylesheet].
type Result struct {
	// CSS is the rewritten stylesheet, or the original one when it
	// could not be rewritten.
	CSS           []byte
	Status        rewrite.Status
	Optimizable   bool
	URL           string
	DebugMessages []string
}

// RewriteStylesheet rewrites a stylesheet served at cssURL, whose
// content is already known. URLs stay relative to cssURL.
func (f *Filter) RewriteStylesheet(ctx context.Context, d *rewrite.Driver, cssURL string, contents []byte) (*Result, error) {
	u, ok := urlutil.Resolve(d.BaseURL(), cssURL)
	if !ok || !urlutil.IsWebOrData(u) {
		return nil, ErrInvalidURL
	}

	res := resource.NewDataResource(u.String(), "text/css", contents)
	c := f.NewExternalContext(d, rewrite.NewNullSlot(res, u.String()), InPlace())
	d.InitiateRewrite(ctx, c)

	result := &Result{CSS: contents, Status: rewrite.TooBusy}
	if !d.Wait(ctx) {
		return result, nil
	}
	c.Render()

	result.Status = c.Status()
	r := c.Result()
	if r == nil {
		return result, nil
	}
	result.DebugMessages = r.DebugMessages
	if result.Status != rewrite.RewriteOK || !r.Optimizable {
		return result, nil
	}

	out, err := d.Server().Store().Get(ctx, path.Base(r.URL))
	if err != nil {
		return nil, err
	}
	result.CSS = out.Contents
	result.Optimizable = true
	result.URL = r.URL
	return result, nil
}
