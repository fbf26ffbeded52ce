// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package img

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"io"
)

var _ MultiFrameImage = &GIFImage{}

func init() {
	AddImageHandler(
		func(r io.Reader) (Image, error) {
			return NewGIFImage(r)
		},
		"image/gif",
	)
}

// GIFImage is a decoded GIF file. A still GIF is a [NativeImage] that
// encodes as PNG. An animation is kept as is: it can only be encoded
// back to GIF, and its first frame can be extracted.
type GIFImage struct {
	*NativeImage
	anim *gif.GIF
}

// NewGIFImage decodes every frame of a GIF image.
func NewGIFImage(r io.Reader) (*GIFImage, error) {
	buf := new(bytes.Buffer)
	c, err := gif.DecodeConfig(io.TeeReader(r, buf))
	if err != nil {
		return nil, err
	}
	if err = checkSize(c); err != nil {
		return nil, err
	}

	g, err := gif.DecodeAll(io.MultiReader(buf, r))
	if err != nil {
		return nil, err
	}

	im := &GIFImage{NativeImage: FromImage(firstFrame(g), "png")}
	if len(g.Image) > 1 {
		im.anim = g
	}
	return im, nil
}

// firstFrame draws the first frame on the logical screen.
func firstFrame(g *gif.GIF) image.Image {
	frame := g.Image[0]
	if g.Config.Width == 0 || g.Config.Height == 0 || frame.Bounds() == image.Rect(0, 0, g.Config.Width, g.Config.Height) {
		return frame
	}
	m := image.NewNRGBA(image.Rect(0, 0, g.Config.Width, g.Config.Height))
	draw.Draw(m, frame.Bounds(), frame, frame.Bounds().Min, draw.Src)
	return m
}

// Frames returns the number of frames.
func (im *GIFImage) Frames() uint {
	if im.anim == nil {
		return 1
	}
	return uint(len(im.anim.Image))
}

// FirstFrame returns the first frame as a still image.
func (im *GIFImage) FirstFrame() Image {
	return FromImage(im.NativeImage.Image(), "png")
}

// Close frees the decoded frames.
func (im *GIFImage) Close() error {
	im.anim = nil
	return im.NativeImage.Close()
}

// Format returns the image format.
func (im *GIFImage) Format() string {
	return "gif"
}

// ContentType returns the image mimetype.
func (im *GIFImage) ContentType() string {
	return "image/gif"
}

// SetFormat sets the output format of a still GIF. An animation only
// accepts "gif".
func (im *GIFImage) SetFormat(f string) error {
	if im.anim != nil {
		if f == "gif" {
			return nil
		}
		return fmt.Errorf("%w: cannot encode an animation as %s", ErrUnsupported, f)
	}
	if f == "gif" {
		return nil
	}
	return im.NativeImage.SetFormat(f)
}

// Resize resizes a still GIF. Animations cannot be resized.
func (im *GIFImage) Resize(w, h uint) error {
	if im.anim != nil {
		return fmt.Errorf("%w: cannot resize an animation", ErrUnsupported)
	}
	return im.NativeImage.Resize(w, h)
}

// Encode encodes an animation as GIF and a still image as PNG (or JPEG
// when requested).
func (im *GIFImage) Encode(w io.Writer) (string, error) {
	if im.anim != nil {
		return "image/gif", gif.EncodeAll(w, im.anim)
	}
	return im.NativeImage.Encode(w)
}
