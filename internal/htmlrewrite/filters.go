// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package htmlrewrite

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/go-shiori/dom"
	"golang.org/x/net/html"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cacheextend"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cssfilter"
	"codeberg.org/readeck/pagespeed/internal/rewrite/imagerewrite"
	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
)

const levelTrace = slog.LevelDebug - 10

// Filter receives the events of a document.
type Filter interface {
	StartDocument(doc *Document)
	StartElement(doc *Document, n *html.Node)
	EndElement(doc *Document, n *html.Node)
	Characters(doc *Document, n *html.Node)
	EndDocument(doc *Document)
}

// BaseFilter implements every [Filter] method with no operation.
type BaseFilter struct{}

// StartDocument implements [Filter].
func (BaseFilter) StartDocument(_ *Document) {}

// StartElement implements [Filter].
func (BaseFilter) StartElement(_ *Document, _ *html.Node) {}

// EndElement implements [Filter].
func (BaseFilter) EndElement(_ *Document, _ *html.Node) {}

// Characters implements [Filter].
func (BaseFilter) Characters(_ *Document, _ *html.Node) {}

// EndDocument implements [Filter].
func (BaseFilter) EndDocument(_ *Document) {}

// createResource returns the resource of an element's URL attribute. It
// returns nil when the URL cannot be rewritten and leaves a debug message
// for an unauthorized domain.
func createResource(doc *Document, n *html.Node, attr string, role resource.Role) *resource.Resource {
	ref := strings.TrimSpace(dom.GetAttribute(n, attr))
	if ref == "" {
		return nil
	}
	res, authorized := doc.Driver().CreateInputResource(ref, role)
	if res == nil {
		return nil
	}
	if !authorized {
		host := res.URL()
		if u, err := url.Parse(host); err == nil {
			host = u.Host
		}
		doc.AddDebugMessage(n, fmt.Sprintf(
			"The preceding resource was not rewritten because its domain (%s) is not authorized", host,
		))
		return nil
	}
	return res
}

// CSSFilter rewrites stylesheets: <link rel="stylesheet">, <style>
// elements and style attributes.
type CSSFilter struct {
	BaseFilter
	css *cssfilter.Filter
}

// NewCSSFilter returns a [CSSFilter].
func NewCSSFilter(f *cssfilter.Filter) *CSSFilter {
	return &CSSFilter{css: f}
}

// StartElement implements [Filter].
func (f *CSSFilter) StartElement(doc *Document, n *html.Node) {
	o := doc.Driver().Options()
	if !o.Enabled(options.RewriteCSS) {
		return
	}

	if style, ok := attribute(n, "style"); ok && strings.TrimSpace(style) != "" {
		f.styleAttribute(doc, n, style)
	}

	if dom.TagName(n) != "link" || !scanner.IsStylesheet(dom.GetAttribute(n, "rel")) {
		return
	}
	if o.CSSPreserveURLs() {
		return
	}
	res := createResource(doc, n, "href", resource.RoleStyle)
	if res == nil {
		return
	}
	slot := NewAttributeSlot(res, n, "href", doc.BaseURL(), doc.Location())
	if !doc.Claim(slot) {
		return
	}

	c := f.css.NewExternalContext(doc.Driver(), slot,
		cssfilter.WithMedia(dom.GetAttribute(n, "media")),
		cssfilter.WithCharset(doc.ApplicableCharset(n)),
	)
	doc.Initiate(n, c, false)
}

// Characters implements [Filter]. The text of a <style> element is
// rewritten when its type is CSS.
func (f *CSSFilter) Characters(doc *Document, n *html.Node) {
	if !doc.Driver().Options().Enabled(options.RewriteCSS) {
		return
	}
	p := n.Parent
	if p == nil || dom.TagName(p) != "style" || strings.TrimSpace(n.Data) == "" {
		return
	}
	if t := strings.TrimSpace(dom.GetAttribute(p, "type")); t != "" && !strings.EqualFold(t, "text/css") {
		return
	}

	slot := NewTextSlot(cssfilter.NewInlineResource(n.Data), n, doc.Location())
	if !doc.Claim(slot) {
		return
	}
	c := f.css.NewStyleTagContext(doc.Driver(), slot,
		cssfilter.WithMedia(dom.GetAttribute(p, "media")),
		cssfilter.WithCharset(doc.ApplicableCharset(nil)),
	)
	doc.Initiate(n, c, true)
}

func (f *CSSFilter) styleAttribute(doc *Document, n *html.Node, style string) {
	o := doc.Driver().Options()
	switch {
	case o.Enabled(options.RewriteStyleAttributes):
	case o.Enabled(options.RewriteStyleAttributesWithURL) && scanner.HasURL([]byte(style)):
	default:
		return
	}

	slot := NewStyleAttributeSlot(cssfilter.NewInlineResource(style), n, doc.Location())
	if !doc.Claim(slot) {
		return
	}
	c := f.css.NewAttributeContext(doc.Driver(), slot,
		cssfilter.WithCharset(doc.ApplicableCharset(nil)),
	)
	doc.Initiate(n, c, true)
}

// ImageFilter recompresses and inlines the images of <img> elements.
type ImageFilter struct {
	BaseFilter
}

// NewImageFilter returns an [ImageFilter].
func NewImageFilter() *ImageFilter {
	return &ImageFilter{}
}

// StartElement implements [Filter].
func (f *ImageFilter) StartElement(doc *Document, n *html.Node) {
	o := doc.Driver().Options()
	if dom.TagName(n) != "img" || !imagerewrite.Enabled(o, o.ImageInlineMaxBytes()) {
		return
	}
	res := createResource(doc, n, "src", resource.RoleImage)
	if res == nil {
		return
	}
	slot := NewAttributeSlot(res, n, "src", doc.BaseURL(), doc.Location())
	if o.ImagePreserveURLs() {
		slot.SetPreserveURLs(true)
	}
	if !doc.Claim(slot) {
		return
	}
	doc.Initiate(n, imagerewrite.NewContext(doc.Driver(), slot), false)
}

// CacheExtender gives content hashed URLs to the resources no other
// filter rewrote: images, stylesheets and scripts.
type CacheExtender struct {
	BaseFilter
}

// NewCacheExtender returns a [CacheExtender].
func NewCacheExtender() *CacheExtender {
	return &CacheExtender{}
}

// StartElement implements [Filter].
func (f *CacheExtender) StartElement(doc *Document, n *html.Node) {
	o := doc.Driver().Options()

	var attr string
	var role resource.Role
	switch dom.TagName(n) {
	case "img":
		if !o.Enabled(options.ExtendCacheImages) || o.ImagePreserveURLs() {
			return
		}
		attr, role = "src", resource.RoleImage
	case "link":
		if !o.Enabled(options.ExtendCacheCSS) || o.CSSPreserveURLs() ||
			!scanner.IsStylesheet(dom.GetAttribute(n, "rel")) {
			return
		}
		attr, role = "href", resource.RoleStyle
	case "script":
		if !o.Enabled(options.ExtendCacheScripts) {
			return
		}
		attr, role = "src", resource.RoleScript
	default:
		return
	}

	res := createResource(doc, n, attr, role)
	if res == nil {
		return
	}
	slot := NewAttributeSlot(res, n, attr, doc.BaseURL(), doc.Location())
	if !doc.Claim(slot) {
		return
	}
	doc.Driver().Logger().Log(doc.ctx, levelTrace, "cache extension",
		slog.Any("node", NodeLogValue{n}),
	)
	doc.Initiate(n, cacheextend.NewContext(doc.Driver(), slot), false)
}

func attribute(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}
