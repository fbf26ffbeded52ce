// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package rewrite

import (
	"sync"

	"codeberg.org/readeck/pagespeed/internal/resource"
)

// Slot is a location where an input resource is used: an HTML attribute,
// a CSS value, a text node... A slot renders the URL of the rewritten
// resource at its location.
//
// Slot implementations embed a [*SlotBase].
type Slot interface {
	Resource() *resource.Resource

	// Render writes url at the slot location.
	Render(url string)

	// DirectSetURL writes url at the slot location, even when the slot
	// preserves its URL. It is used for inlined data: URLs.
	DirectSetURL(url string)

	// LocationString identifies the slot location. Two slots with the same
	// location are the same slot.
	LocationString() string

	PreserveURLs() bool
	SetPreserveURLs(v bool)
	DisableRendering()
	RenderingDisabled() bool
	WasOptimized() bool
	SetWasOptimized(v bool)

	slotBase() *SlotBase
}

// SlotBase holds the state shared by every slot.
type SlotBase struct {
	mu               sync.Mutex
	res              *resource.Resource
	preserveURLs     bool
	disableRendering bool
	wasOptimized     bool
	renders          int
}

// NewSlotBase returns a [SlotBase] for a resource.
func NewSlotBase(res *resource.Resource) *SlotBase {
	return &SlotBase{res: res}
}

func (s *SlotBase) slotBase() *SlotBase {
	return s
}

// Resource returns the slot's input resource.
func (s *SlotBase) Resource() *resource.Resource {
	return s.res
}

// PreserveURLs returns true when the slot's URL must not change.
func (s *SlotBase) PreserveURLs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preserveURLs
}

// SetPreserveURLs sets the preserve URLs flag.
func (s *SlotBase) SetPreserveURLs(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preserveURLs = v
}

// DisableRendering prevents any further rendering of the slot.
func (s *SlotBase) DisableRendering() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableRendering = true
}

// RenderingDisabled returns true when the slot cannot render.
func (s *SlotBase) RenderingDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disableRendering
}

// WasOptimized returns true once a rewrite optimized the slot resource.
func (s *SlotBase) WasOptimized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasOptimized
}

// SetWasOptimized sets the optimized flag.
func (s *SlotBase) SetWasOptimized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wasOptimized = v
}

// Renders returns the number of times the slot was rendered.
func (s *SlotBase) Renders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renders
}

func (s *SlotBase) countRender() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renders++
}

// RenderSlot renders a partition result into a slot. The slot is marked
// as optimized. Nothing is written when rendering is disabled or, except
// for data: URLs, when the slot preserves its URL.
func RenderSlot(s Slot, r *CachedResult) {
	if r == nil || !r.Optimizable {
		return
	}
	if s.RenderingDisabled() {
		return
	}
	s.SetWasOptimized(true)

	switch {
	case r.InlinedData != "":
		s.DirectSetURL(r.InlinedData)
	case r.URL == "" || s.PreserveURLs():
		return
	default:
		s.Render(r.URL)
	}
	s.slotBase().countRender()
}

// NullSlot is a slot that renders nothing. It holds the input of
// contexts whose result is consumed by their parent.
type NullSlot struct {
	*SlotBase
	location string
}

// NewNullSlot returns a [NullSlot].
func NewNullSlot(res *resource.Resource, location string) *NullSlot {
	return &NullSlot{SlotBase: NewSlotBase(res), location: location}
}

// Render implements [Slot].
func (s *NullSlot) Render(_ string) {}

// DirectSetURL implements [Slot].
func (s *NullSlot) DirectSetURL(_ string) {}

// LocationString implements [Slot].
func (s *NullSlot) LocationString() string {
	return "null:" + s.location
}

// SlotIndex de-duplicates slots by location.
type SlotIndex struct {
	mu    sync.Mutex
	slots map[string]Slot
}

// NewSlotIndex returns an empty [SlotIndex].
func NewSlotIndex() *SlotIndex {
	return &SlotIndex{slots: map[string]Slot{}}
}

// GetOrAdd returns the slot already registered for s location, or
// registers and returns s.
func (i *SlotIndex) GetOrAdd(s Slot) Slot {
	i.mu.Lock()
	defer i.mu.Unlock()
	key := s.LocationString()
	if x, ok := i.slots[key]; ok {
		return x
	}
	i.slots[key] = s
	return s
}

// Len returns the number of registered slots.
func (i *SlotIndex) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.slots)
}
