// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package img provides a small abstraction over decoded images, so the
// rewriters can resize and re-encode them without knowing their format.
package img

import (
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"
)

// ErrUnsupported is returned by [New] for a content type without handler.
var ErrUnsupported = errors.New("unsupported image type")

// ErrTooBig is returned when an image has too many pixels.
var ErrTooBig = errors.New("image is too big")

// MaxPixels is the biggest image we accept (30Mpx).
const MaxPixels = 30000000

// ImageCompression is the encoding effort of lossless formats.
type ImageCompression uint8

const (
	// CompressionFast favors encoding speed.
	CompressionFast ImageCompression = iota
	// CompressionBest favors the output size.
	CompressionBest
)

// Image is a decoded image.
type Image interface {
	Close() error
	Format() string
	ContentType() string
	Width() uint
	Height() uint
	SetFormat(string) error
	SetCompression(ImageCompression) error
	SetQuality(uint8) error
	Clean() error
	Resize(uint, uint) error
	Encode(io.Writer) (string, error)
	Image() image.Image
}

// MultiFrameImage is an [Image] with several frames.
type MultiFrameImage interface {
	Image
	Frames() uint
	FirstFrame() Image
}

// ImageOpener decodes an image.
type ImageOpener func(io.Reader) (Image, error)

var handlers = struct {
	sync.RWMutex
	m map[string]ImageOpener
}{m: map[string]ImageOpener{}}

// AddImageHandler registers an [ImageOpener] for content types.
func AddImageHandler(fn ImageOpener, contentTypes ...string) {
	handlers.Lock()
	defer handlers.Unlock()
	for _, ct := range contentTypes {
		handlers.m[ct] = fn
	}
}

// CanDecode returns true when a handler exists for the content type.
func CanDecode(contentType string) bool {
	handlers.RLock()
	defer handlers.RUnlock()
	_, ok := handlers.m[baseType(contentType)]
	return ok
}

// New decodes an image of the given content type.
func New(contentType string, r io.Reader) (Image, error) {
	handlers.RLock()
	fn, ok := handlers.m[baseType(contentType)]
	handlers.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, contentType)
	}
	return fn(r)
}

func baseType(contentType string) string {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(ct))
}

func checkSize(c image.Config) error {
	if c.Width*c.Height > MaxPixels {
		return ErrTooBig
	}
	return nil
}
