// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package htmlrewrite

import (
	"net/url"

	"github.com/go-shiori/dom"
	"golang.org/x/net/html"

	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

// AttributeSlot is an URL attribute of an element (href, src...). A
// rendered URL keeps the form of the original one.
type AttributeSlot struct {
	*rewrite.SlotBase
	node     *html.Node
	attr     string
	original string
	base     *url.URL
	location string
}

// NewAttributeSlot returns the slot of an element's attribute.
func NewAttributeSlot(res *resource.Resource, n *html.Node, attr string, base *url.URL, location string) *AttributeSlot {
	return &AttributeSlot{
		SlotBase: rewrite.NewSlotBase(res),
		node:     n,
		attr:     attr,
		original: dom.GetAttribute(n, attr),
		base:     base,
		location: location,
	}
}

// Render implements [rewrite.Slot].
func (s *AttributeSlot) Render(u string) {
	dom.SetAttribute(s.node, s.attr, urlutil.Relativize(u, urlutil.RelativityOf(s.original), s.base))
}

// DirectSetURL implements [rewrite.Slot].
func (s *AttributeSlot) DirectSetURL(u string) {
	dom.SetAttribute(s.node, s.attr, u)
}

// LocationString implements [rewrite.Slot].
func (s *AttributeSlot) LocationString() string {
	return s.location + ":" + s.attr
}

// TextSlot is the text content of a <style> element.
type TextSlot struct {
	*rewrite.SlotBase
	node     *html.Node
	location string
}

// NewTextSlot returns the slot of a text node.
func NewTextSlot(res *resource.Resource, n *html.Node, location string) *TextSlot {
	return &TextSlot{
		SlotBase: rewrite.NewSlotBase(res),
		node:     n,
		location: location,
	}
}

// Render implements [rewrite.Slot]. The text is set by SetCSS.
func (s *TextSlot) Render(_ string) {}

// DirectSetURL implements [rewrite.Slot].
func (s *TextSlot) DirectSetURL(_ string) {}

// LocationString implements [rewrite.Slot].
func (s *TextSlot) LocationString() string {
	return s.location + ":text"
}

// SetCSS replaces the text.
func (s *TextSlot) SetCSS(css string) {
	s.node.Data = css
}

// StyleAttributeSlot is the style attribute of an element.
type StyleAttributeSlot struct {
	*rewrite.SlotBase
	node     *html.Node
	location string
}

// NewStyleAttributeSlot returns the slot of an element's style
// attribute.
func NewStyleAttributeSlot(res *resource.Resource, n *html.Node, location string) *StyleAttributeSlot {
	return &StyleAttributeSlot{
		SlotBase: rewrite.NewSlotBase(res),
		node:     n,
		location: location,
	}
}

// Render implements [rewrite.Slot]. The attribute is set by SetCSS.
func (s *StyleAttributeSlot) Render(_ string) {}

// DirectSetURL implements [rewrite.Slot].
func (s *StyleAttributeSlot) DirectSetURL(_ string) {}

// LocationString implements [rewrite.Slot].
func (s *StyleAttributeSlot) LocationString() string {
	return s.location + ":style"
}

// SetCSS replaces the attribute value.
func (s *StyleAttributeSlot) SetCSS(css string) {
	dom.SetAttribute(s.node, "style", css)
}
