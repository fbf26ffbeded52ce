// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package img

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"

	_ "image/jpeg" // JPEG decoder

	_ "golang.org/x/image/bmp"  // BMP decoder
	_ "golang.org/x/image/tiff" // TIFF decoder
	_ "golang.org/x/image/webp" // WEBP decoder

	"github.com/anthonynsimon/bild/imgio"
	"github.com/anthonynsimon/bild/transform"
)

var _ Image = &NativeImage{}

func init() {
	AddImageHandler(
		func(r io.Reader) (Image, error) {
			return NewNativeImage(r)
		},
		"image/jpeg",
		"image/png",
		"image/webp",
		"image/bmp",
		"image/tiff",
	)
}

var formatTypes = map[string]string{
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"bmp":  "image/bmp",
	"tiff": "image/tiff",
}

// NativeImage is the [Image] implementation for single frame formats.
// It decodes with the standard and x/image decoders and encodes JPEG
// and PNG. Other formats are encoded as PNG.
type NativeImage struct {
	m           image.Image
	format      string
	quality     uint8
	compression ImageCompression
}

// NewNativeImage decodes an image.
func NewNativeImage(r io.Reader) (*NativeImage, error) {
	buf := new(bytes.Buffer)
	c, _, err := image.DecodeConfig(io.TeeReader(r, buf))
	if err != nil {
		return nil, err
	}
	if err = checkSize(c); err != nil {
		return nil, err
	}

	m, format, err := image.Decode(io.MultiReader(buf, r))
	if err != nil {
		return nil, err
	}

	return &NativeImage{m: m, format: format, quality: 85}, nil
}

// FromImage returns a [NativeImage] wrapping an existing image.
func FromImage(m image.Image, format string) *NativeImage {
	return &NativeImage{m: m, format: format, quality: 85}
}

// Close frees the resources used by the image.
func (im *NativeImage) Close() error {
	im.m = nil
	return nil
}

// Format returns the image format.
func (im *NativeImage) Format() string {
	return im.format
}

// ContentType returns the image mimetype.
func (im *NativeImage) ContentType() string {
	return formatTypes[im.format]
}

// Width returns the image width.
func (im *NativeImage) Width() uint {
	return uint(im.m.Bounds().Dx())
}

// Height returns the image height.
func (im *NativeImage) Height() uint {
	return uint(im.m.Bounds().Dy())
}

// SetFormat sets the output format ("jpeg" or "png").
func (im *NativeImage) SetFormat(f string) error {
	switch f {
	case "jpeg", "png":
		im.format = f
		return nil
	}
	return fmt.Errorf("%w: cannot encode %s", ErrUnsupported, f)
}

// SetCompression sets the compression level of PNG encoding.
func (im *NativeImage) SetCompression(c ImageCompression) error {
	im.compression = c
	return nil
}

// SetQuality sets the JPEG quality.
func (im *NativeImage) SetQuality(q uint8) error {
	im.quality = min(max(q, 1), 100)
	return nil
}

// Clean is a noop, metadata is never encoded.
func (im *NativeImage) Clean() error {
	return nil
}

// Resize resizes the image to the given width and height.
func (im *NativeImage) Resize(w, h uint) error {
	im.m = transform.Resize(im.m, int(w), int(h), transform.Linear)
	return nil
}

// Image returns the decoded image.
func (im *NativeImage) Image() image.Image {
	return im.m
}

// Encode encodes the image and returns the resulting content type.
func (im *NativeImage) Encode(w io.Writer) (string, error) {
	if im.format == "jpeg" {
		return "image/jpeg", imgio.JPEGEncoder(int(im.quality))(w, im.m)
	}

	if im.compression == CompressionBest {
		encoder := &png.Encoder{CompressionLevel: png.BestCompression}
		return "image/png", encoder.Encode(w, im.m)
	}
	return "image/png", imgio.PNGEncoder()(w, im.m)
}
