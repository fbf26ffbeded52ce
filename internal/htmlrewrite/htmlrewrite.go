// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package htmlrewrite rewrites the resources of an HTML document.
//
// The document is parsed, then every node is dispatched to a list of
// filters. Filters start rewrite contexts for the resources they handle.
// Once every context finished, or the deadline expired, the results are
// rendered into the document, in document order.
package htmlrewrite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/go-shiori/dom"
	"golang.org/x/net/html"

	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cssfilter"
)

// ErrInvalidURL is returned for a document URL that is not absolute.
var ErrInvalidURL = errors.New("invalid document URL")

// defaultCharset applies to stylesheets when neither their element nor
// their document declare one.
const defaultCharset = "iso-8859-1"

// Option is a function that sets a [Driver] property.
type Option func(d *Driver)

// WithHeader sets the response headers of the document. The charset of
// its Content-Type and its Content-Security-Policy apply to the
// document.
func WithHeader(h http.Header) Option {
	return func(d *Driver) {
		d.header = h
	}
}

// WithDriverOptions adds options to the rewrite driver of every
// document.
func WithDriverOptions(opts ...rewrite.DriverOption) Option {
	return func(d *Driver) {
		d.driverOptions = append(d.driverOptions, opts...)
	}
}

// WithFilters replaces the document filters.
func WithFilters(filters ...Filter) Option {
	return func(d *Driver) {
		d.filters = filters
	}
}

// Driver rewrites HTML documents.
type Driver struct {
	server        *rewrite.Server
	documentURL   string
	header        http.Header
	driverOptions []rewrite.DriverOption
	filters       []Filter
}

// NewDriver returns a [Driver] for the document at documentURL. The
// default filters are, in this order, the CSS filter, the image filter
// and the cache extender.
func NewDriver(s *rewrite.Server, documentURL string, opts ...Option) *Driver {
	d := &Driver{
		server:      s,
		documentURL: documentURL,
		header:      http.Header{},
	}
	d.filters = []Filter{
		NewCSSFilter(cssfilter.New()),
		NewImageFilter(),
		NewCacheExtender(),
	}
	for _, fn := range opts {
		fn(d)
	}
	return d
}

// Rewrite parses the document from r, rewrites its resources and writes
// the result to w.
func (d *Driver) Rewrite(ctx context.Context, r io.Reader, w io.Writer) error {
	root, err := html.Parse(r)
	if err != nil {
		return err
	}

	doc, err := d.prepare(ctx, root)
	if err != nil {
		return err
	}

	for _, f := range d.filters {
		f.StartDocument(doc)
	}
	doc.walk(root, d.filters)
	for _, f := range d.filters {
		f.EndDocument(doc)
	}

	doc.rw.Wait(ctx)
	doc.rw.Render()
	if doc.rw.Debug() {
		doc.insertDebugComments()
	}

	doc.rw.Logger().Debug("document rewritten",
		slog.Int("contexts", len(doc.entries)),
		slog.Int("slots", doc.slots.Len()),
	)
	return html.Render(w, root)
}

// prepare reads the base URL, the content security policies and the
// charset of a document and returns its rewrite state.
func (d *Driver) prepare(ctx context.Context, root *html.Node) (*Document, error) {
	opts := append([]rewrite.DriverOption{}, d.driverOptions...)

	policies := d.header.Values("Content-Security-Policy")
	for _, n := range htmlquery.Find(root, "//meta[@http-equiv]") {
		if strings.EqualFold(strings.TrimSpace(dom.GetAttribute(n, "http-equiv")), "content-security-policy") {
			policies = append(policies, dom.GetAttribute(n, "content"))
		}
	}
	if len(policies) > 0 {
		opts = append(opts, rewrite.WithCSP(policies...))
	}

	rw, err := d.server.NewDriver(d.documentURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	// Only the first <base> element counts.
	if n := htmlquery.FindOne(root, "//base[@href]"); n != nil {
		rw.SetBaseURL(strings.TrimSpace(dom.GetAttribute(n, "href")))
	}

	return &Document{
		ctx:     ctx,
		rw:      rw,
		root:    root,
		charset: documentCharset(d.header, root),
		slots:   rewrite.NewSlotIndex(),
	}, nil
}

// documentCharset returns the charset declared by the Content-Type
// header, or by a meta element.
func documentCharset(h http.Header, root *html.Node) string {
	if cs := contentTypeCharset(h.Get("Content-Type")); cs != "" {
		return cs
	}
	if n := htmlquery.FindOne(root, "//meta[@charset]"); n != nil {
		if cs := strings.TrimSpace(dom.GetAttribute(n, "charset")); cs != "" {
			return cs
		}
	}
	for _, n := range htmlquery.Find(root, "//meta[@http-equiv]") {
		if strings.EqualFold(strings.TrimSpace(dom.GetAttribute(n, "http-equiv")), "content-type") {
			if cs := contentTypeCharset(dom.GetAttribute(n, "content")); cs != "" {
				return cs
			}
		}
	}
	return ""
}

func contentTypeCharset(value string) string {
	if value == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(value)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["charset"])
}

// entry is a top-level context started for a node.
type entry struct {
	node   *html.Node
	ctx    *rewrite.Context
	inline bool
}

// Document is the rewrite state of one HTML document.
type Document struct {
	ctx      context.Context
	rw       *rewrite.Driver
	root     *html.Node
	charset  string
	slots    *rewrite.SlotIndex
	elements int
	entries  []*entry
	debug    map[*html.Node][]string
}

// Driver returns the document's rewrite driver.
func (doc *Document) Driver() *rewrite.Driver {
	return doc.rw
}

// Charset returns the charset declared by the document, or an empty
// string.
func (doc *Document) Charset() string {
	return doc.charset
}

// ApplicableCharset returns the charset that applies to a resource
// referenced by an element: its charset attribute, or the document's
// one.
func (doc *Document) ApplicableCharset(n *html.Node) string {
	if n != nil {
		if cs := strings.TrimSpace(dom.GetAttribute(n, "charset")); cs != "" {
			return cs
		}
	}
	if doc.charset != "" {
		return doc.charset
	}
	return defaultCharset
}

// BaseURL returns the URL the document's URLs resolve against.
func (doc *Document) BaseURL() *url.URL {
	return doc.rw.BaseURL()
}

// Location returns a location string for the current element.
func (doc *Document) Location() string {
	return fmt.Sprintf("%s:%d", doc.rw.DocumentURL(), doc.elements)
}

// Claim registers a slot. It returns false when another filter already
// claimed the same location.
func (doc *Document) Claim(s rewrite.Slot) bool {
	return doc.slots.GetOrAdd(s) == s
}

// Initiate starts a top-level context for a node.
func (doc *Document) Initiate(n *html.Node, c *rewrite.Context, inline bool) {
	doc.entries = append(doc.entries, &entry{node: n, ctx: c, inline: inline})
	doc.rw.InitiateRewrite(doc.ctx, c)
}

// AddDebugMessage adds a message, shown in a comment after n when debug
// is enabled.
func (doc *Document) AddDebugMessage(n *html.Node, msg string) {
	if !doc.rw.Debug() {
		return
	}
	if doc.debug == nil {
		doc.debug = map[*html.Node][]string{}
	}
	doc.debug[n] = append(doc.debug[n], msg)
}

// walk dispatches the events of a node and its descendants.
func (doc *Document) walk(n *html.Node, filters []Filter) {
	switch n.Type {
	case html.ElementNode:
		doc.elements++
		for _, f := range filters {
			f.StartElement(doc, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			doc.walk(c, filters)
		}
		for _, f := range filters {
			f.EndElement(doc, n)
		}
	case html.TextNode:
		for _, f := range filters {
			f.Characters(doc, n)
		}
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			doc.walk(c, filters)
		}
	}
}

// insertDebugComments adds a comment after every node with debug
// messages.
func (doc *Document) insertDebugComments() {
	csp := doc.rw.CSP()
	for _, e := range doc.entries {
		switch {
		case !e.ctx.IsDone():
			doc.AddDebugMessage(e.node, "Rewrite deadline exceeded")
			continue
		case e.inline && !csp.PermitsInlineStyle():
			doc.AddDebugMessage(e.node, "Avoiding modifying inline style with CSP present")
		}
		for _, p := range e.ctx.Partitions() {
			for _, msg := range p.Result.DebugMessages {
				doc.AddDebugMessage(e.node, msg)
			}
		}
	}

	// Comments go after the node, in document order.
	ordered := []*html.Node{}
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if _, ok := doc.debug[n]; ok {
			ordered = append(ordered, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(doc.root)

	for _, n := range ordered {
		target := n
		// Text nodes of style elements get their comment after the element.
		if n.Type == html.TextNode && n.Parent != nil {
			target = n.Parent
		}
		if target.Parent == nil {
			continue
		}
		seen := map[string]struct{}{}
		for i := len(doc.debug[n]) - 1; i >= 0; i-- {
			msg := doc.debug[n][i]
			if _, ok := seen[msg]; ok {
				continue
			}
			seen[msg] = struct{}{}
			target.Parent.InsertBefore(&html.Node{
				Type: html.CommentNode,
				Data: msg,
			}, target.NextSibling)
		}
	}
}

// NodeLogValue is a [slog.LogValuer] for nodes. It renders the opening
// tag of an element.
type NodeLogValue struct {
	*html.Node
}

// LogValue implements [slog.LogValuer].
func (n NodeLogValue) LogValue() slog.Value {
	if n.Node == nil {
		return slog.StringValue("")
	}
	if n.Type != html.ElementNode {
		s := n.Data
		if len(s) > 40 {
			s = s[:40] + "..."
		}
		return slog.StringValue(s)
	}

	b := new(strings.Builder)
	b.WriteString("<" + n.Data)
	for _, a := range n.Attr {
		v := a.Val
		if len(v) > 40 {
			v = v[:40] + "..."
		}
		fmt.Fprintf(b, " %s=%q", a.Key, v)
	}
	b.WriteString(">")
	return slog.StringValue(b.String())
}
