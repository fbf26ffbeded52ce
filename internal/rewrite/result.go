// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package rewrite

import (
	"slices"

	"codeberg.org/readeck/pagespeed/internal/resource"
)

// CachedResult is the result of a partition, as stored in the metadata
// cache.
type CachedResult struct {
	Optimizable      bool        `json:"optimizable"`
	URL              string      `json:"url,omitempty"`
	DebugMessages    []string    `json:"debug,omitempty"`
	InlinedData      string      `json:"inlined_data,omitempty"`
	InlinedImageType string      `json:"inlined_image_type,omitempty"`
	ImageInfo        []ImageInfo `json:"image_info,omitempty"`
	Inputs           []InputInfo `json:"inputs,omitempty"`
}

// ImageInfo describes an image used by a rewritten resource.
type ImageInfo struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// InputInfo describes one input of a partition. Offsets are used by
// image sprites.
type InputInfo struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	X     int    `json:"x,omitempty"`
	Y     int    `json:"y,omitempty"`
}

// AddDebugMessage appends a debug message. Messages already present are
// ignored.
func (r *CachedResult) AddDebugMessage(msg string) {
	if msg == "" || slices.Contains(r.DebugMessages, msg) {
		return
	}
	r.DebugMessages = append(r.DebugMessages, msg)
}

// AddImageInfo records information about an image. An existing entry
// for the same URL is replaced.
func (r *CachedResult) AddImageInfo(info ImageInfo) {
	for i := range r.ImageInfo {
		if r.ImageInfo[i].URL == info.URL {
			r.ImageInfo[i] = info
			return
		}
	}
	r.ImageInfo = append(r.ImageInfo, info)
}

// Partition is a group of slots rewritten together. Most contexts have a
// single partition holding every slot.
type Partition struct {
	Status Status
	Result *CachedResult

	slots  []int
	inputs []*resource.Resource
}

// NewPartition returns a partition for the given slot indexes.
func NewPartition(slots ...int) *Partition {
	return &Partition{
		Result: &CachedResult{},
		slots:  slots,
	}
}

// Slots returns the slot indexes of the partition.
func (p *Partition) Slots() []int {
	return p.slots
}

// Inputs returns the input resources of the partition, in slot order.
func (p *Partition) Inputs() []*resource.Resource {
	return p.inputs
}

// Input returns the first input resource.
func (p *Partition) Input() *resource.Resource {
	if len(p.inputs) == 0 {
		return nil
	}
	return p.inputs[0]
}

type cachedPartition struct {
	Status Status        `json:"status"`
	Slots  []int         `json:"slots"`
	Result *CachedResult `json:"result"`
}

// cacheEntry is the metadata cache value of a context.
type cacheEntry struct {
	Partitions []cachedPartition `json:"partitions"`
}
