// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter

import (
	"net/url"

	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
	"codeberg.org/readeck/pagespeed/pkg/css/stylesheet"
	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

// InlineSlot is the slot of a <style> element or a style attribute. It
// receives the rewritten CSS text.
type InlineSlot interface {
	rewrite.Slot
	SetCSS(css string)
}

// ValueSlot is a url() value of a parsed stylesheet.
type ValueSlot struct {
	*rewrite.SlotBase
	h        *hierarchy
	decls    *stylesheet.Declarations
	value    *stylesheet.Value
	original string
	location string
}

func newValueSlot(res *resource.Resource, h *hierarchy, decls *stylesheet.Declarations, v *stylesheet.Value) *ValueSlot {
	return &ValueSlot{
		SlotBase: rewrite.NewSlotBase(res),
		h:        h,
		decls:    decls,
		value:    v,
		original: v.Text,
		location: h.nextLocation(),
	}
}

// Render writes the URL in the value. Values of the root stylesheet keep
// the form of their original URL, values of imported stylesheets are
// absolute.
func (s *ValueSlot) Render(u string) {
	if s.h.parent == nil {
		if s.h.trimURLs {
			u = urlutil.Trim(s.h.trim, u)
		} else {
			u = urlutil.Relativize(u, urlutil.RelativityOf(s.original), s.h.trim)
		}
	}
	s.set(u)
}

// DirectSetURL implements [rewrite.Slot].
func (s *ValueSlot) DirectSetURL(u string) {
	s.set(u)
}

func (s *ValueSlot) set(u string) {
	s.value.Text = u
	s.h.rendered[s.value] = struct{}{}
}

// LocationString implements [rewrite.Slot].
func (s *ValueSlot) LocationString() string {
	return s.location
}

// Declarations implements [sprite.Candidate].
func (s *ValueSlot) Declarations() *stylesheet.Declarations {
	return s.decls
}

// AssociationSlot records the rewritten URL of a resource in an
// association map. Nothing is recorded for unauthorized resources.
type AssociationSlot struct {
	*rewrite.SlotBase
	m        *scanner.AssociationMap
	key      string
	trim     *url.URL
	trimURLs bool
	location string
}

// NewAssociationSlot returns a slot writing to m under key, the resource's
// absolute URL.
func NewAssociationSlot(res *resource.Resource, m *scanner.AssociationMap, trim *url.URL, trimURLs bool, location string) *AssociationSlot {
	return &AssociationSlot{
		SlotBase: rewrite.NewSlotBase(res),
		m:        m,
		key:      res.URL(),
		trim:     trim,
		trimURLs: trimURLs,
		location: location,
	}
}

// Render implements [rewrite.Slot]. Nothing is recorded when the slot
// preserves URLs.
func (s *AssociationSlot) Render(u string) {
	if s.PreserveURLs() {
		return
	}
	if s.trimURLs {
		u = urlutil.Trim(s.trim, u)
	}
	s.set(u)
}

// DirectSetURL implements [rewrite.Slot]. It ignores URL preservation,
// inlined data replaces the URL anyway.
func (s *AssociationSlot) DirectSetURL(u string) {
	s.set(u)
}

func (s *AssociationSlot) set(u string) {
	if s.RenderingDisabled() || !s.Resource().IsAuthorized() {
		return
	}
	s.m.Set(s.key, u)
}

// LocationString implements [rewrite.Slot].
func (s *AssociationSlot) LocationString() string {
	return s.location
}
