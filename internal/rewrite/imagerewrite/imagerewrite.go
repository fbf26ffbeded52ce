// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package imagerewrite recompresses images and inlines the small ones as
// data: URLs. It rewrites images of HTML elements and images referenced
// by stylesheets.
package imagerewrite

import (
	"bytes"
	"context"
	"errors"
	"image"
	"log/slog"
	"strconv"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cacheextend"
	"codeberg.org/readeck/pagespeed/pkg/img"
)

// ID is the filter identifier used in output names.
const ID = "ic"

type imageRewriter struct {
	maxInline int64
}

// MakeNestedRewriteContextForCSS returns a context, nested in parent,
// rewriting the image of a stylesheet slot. The image is inlined when it
// is smaller than maxInline. The caller adds it to parent.
func MakeNestedRewriteContextForCSS(maxInline int64, parent *rewrite.Context, slot rewrite.Slot) *rewrite.Context {
	c := rewrite.NewContext(parent.Driver(), parent, &imageRewriter{maxInline: maxInline})
	c.AddSlot(slot) //nolint:errcheck
	return c
}

// NewContext returns a top-level context rewriting the image of an HTML
// element slot.
func NewContext(d *rewrite.Driver, slot rewrite.Slot) *rewrite.Context {
	c := rewrite.NewContext(d, nil, &imageRewriter{maxInline: d.Options().ImageInlineMaxBytes()})
	c.AddSlot(slot) //nolint:errcheck
	return c
}

// Enabled returns true when images can be rewritten with the given
// inlining limit.
func Enabled(o rewrite.Options, maxInline int64) bool {
	return maxInline > 0 || o.Enabled(options.RecompressImages)
}

func (r *imageRewriter) ID() string {
	return ID
}

// UserAgentCacheKey implements [rewrite.CacheKeyer].
func (r *imageRewriter) UserAgentCacheKey(c *rewrite.Context) string {
	key := ""
	if r.maxInline > 0 && c.Driver().SupportsImageInlining() {
		key += "i"
	}
	if c.Driver().SupportsWebP() {
		key += "w"
	}
	return key
}

// CacheKeySuffix implements [rewrite.CacheKeyer].
func (r *imageRewriter) CacheKeySuffix(_ *rewrite.Context) string {
	return strconv.FormatInt(r.maxInline, 10)
}

func (r *imageRewriter) RewriteSingle(ctx context.Context, c *rewrite.Context, p *rewrite.Partition) rewrite.Status {
	if c.ShouldDrop() {
		return rewrite.TooBusy
	}

	input := p.Input()
	if !input.IsImage() {
		p.Result.AddDebugMessage("Not an image: " + input.URL())
		return rewrite.RewriteFailed
	}

	d := c.Driver()
	stats := d.Server().Stats()
	contents := input.Contents()
	ct := input.ContentType()

	w, h := dimensions(input)
	if w > 0 && h > 0 {
		p.Result.AddImageInfo(rewrite.ImageInfo{URL: input.URL(), Width: w, Height: h})
	}

	optimized := false
	if c.Options().Enabled(options.RecompressImages) && img.CanDecode(ct) {
		var out []byte
		var outType string
		var err error
		if xerr := d.Server().RunExpensive(func() {
			out, outType, err = recompressImage(ct, contents, c.Options().ImageJPEGQuality())
		}); xerr != nil {
			if errors.Is(xerr, rewrite.ErrTooBusy) {
				return rewrite.TooBusy
			}
			if errors.Is(xerr, rewrite.ErrPanic) {
				p.Result.AddDebugMessage("Cannot recompress " + input.URL())
				return rewrite.RewriteFailed
			}
			err = xerr
		}

		switch {
		case err != nil:
			c.Logger().Debug("image recompression failed",
				slog.Any("url", resource.URLLogValue(input.URL())),
				slog.Any("err", err),
			)
		case len(out) == 0:
			c.Logger().Debug("image recompression returned no data",
				slog.Any("url", resource.URLLogValue(input.URL())),
			)
		case len(out) < len(contents):
			stats.ImagesRecompressed.Inc()
			stats.ImageBytesSaved.Add(float64(len(contents) - len(out)))
			contents, ct = out, outType
			optimized = true
		}
	}

	if r.canInline(d, ct, contents) {
		stats.ImagesInlined.Inc()
		p.Result.Optimizable = true
		p.Result.InlinedData = resource.DataURL(ct, contents)
		p.Result.InlinedImageType = ct
		return rewrite.RewriteOK
	}

	if optimized {
		u, err := d.WriteOutput(ctx, input, ID, ct, contents)
		if err != nil {
			c.Logger().Error("cannot write image", slog.Any("err", err))
			return rewrite.RewriteFailed
		}
		p.Result.Optimizable = true
		p.Result.URL = u
		return rewrite.RewriteOK
	}

	// The image is kept, it can still get a content hashed name.
	if c.Options().Enabled(options.ExtendCacheImages) {
		if u, err := cacheextend.Extend(ctx, d, input); err == nil {
			p.Result.Optimizable = true
			p.Result.URL = u
			return rewrite.RewriteOK
		}
	}

	return rewrite.RewriteFailed
}

func (r *imageRewriter) canInline(d *rewrite.Driver, ct string, contents []byte) bool {
	if r.maxInline <= 0 || int64(len(contents)) >= r.maxInline {
		return false
	}
	if !d.SupportsImageInlining() {
		return false
	}
	if ct == "image/webp" && !d.SupportsWebP() {
		return false
	}
	return true
}

var recompressImage = recompress

// recompress re-encodes an image. JPEG images use the given quality,
// other formats are encoded as PNG. Animated GIF images are kept.
func recompress(ct string, contents []byte, quality int) ([]byte, string, error) {
	m, err := img.New(ct, bytes.NewReader(contents))
	if err != nil {
		return nil, "", err
	}
	defer m.Close() //nolint:errcheck

	if mf, ok := m.(img.MultiFrameImage); ok && mf.Frames() > 1 {
		return contents, ct, nil
	}

	if m.Format() != "jpeg" {
		if err = m.SetFormat("png"); err != nil && !errors.Is(err, img.ErrUnsupported) {
			return nil, "", err
		}
	}
	if err = m.SetQuality(uint8(min(max(quality, 1), 100))); err != nil {
		return nil, "", err
	}
	if err = m.SetCompression(img.CompressionBest); err != nil {
		return nil, "", err
	}
	if err = m.Clean(); err != nil {
		return nil, "", err
	}

	buf := new(bytes.Buffer)
	outType, err := m.Encode(buf)
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), outType, nil
}

func dimensions(res *resource.Resource) (int, int) {
	if res.Width() > 0 {
		return res.Width(), res.Height()
	}
	c, _, err := image.DecodeConfig(bytes.NewReader(res.Contents()))
	if err != nil {
		return 0, 0
	}
	return c.Width, c.Height
}
