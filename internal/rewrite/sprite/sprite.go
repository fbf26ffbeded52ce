// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package sprite combines the background images of a stylesheet into
// one vertical sprite.
//
// Only backgrounds that show the whole image are combined: the ruleset
// sets "no-repeat", a width and a height in pixels equal to the image
// size, and no background position.
package sprite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"strconv"
	"strings"

	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/pkg/css/stylesheet"
	"codeberg.org/readeck/pagespeed/pkg/img"
)

// ID is the filter identifier used in output names.
const ID = "is"

var spriteTypes = map[string]struct{}{
	"image/png":  {},
	"image/gif":  {},
	"image/jpeg": {},
}

// Candidate is a stylesheet slot that can receive a sprite.
type Candidate interface {
	rewrite.Slot

	// Declarations returns the declarations of the ruleset holding the
	// slot. A background-position is appended to them on rendering.
	Declarations() *stylesheet.Declarations
}

type entry struct {
	width  int
	height int
}

// Combiner collects the sprite candidates of one stylesheet.
type Combiner struct {
	parent  *rewrite.Context
	ctx     *rewrite.Context
	entries []entry
}

// NewCombiner returns a [Combiner] whose context is nested in parent.
func NewCombiner(parent *rewrite.Context) *Combiner {
	cb := &Combiner{parent: parent}
	cb.ctx = rewrite.NewContext(parent.Driver(), parent, &combineRewriter{cb: cb})
	return cb
}

// Add adds a slot to the sprite. It returns false when its ruleset
// cannot use a sprite.
func (cb *Combiner) Add(slot Candidate) bool {
	w, h, ok := Dimensions(*slot.Declarations())
	if !ok {
		return false
	}
	if err := cb.ctx.AddSlot(slot); err != nil {
		return false
	}
	cb.entries = append(cb.entries, entry{w, h})
	return true
}

// Len returns the number of candidates.
func (cb *Combiner) Len() int {
	return len(cb.entries)
}

// Register adds the combiner's context to its parent, when there are at
// least two candidates. It must be called after every other nested
// context of the parent was added, so the sprite renders last.
func (cb *Combiner) Register() bool {
	if len(cb.entries) < 2 {
		return false
	}
	return cb.parent.AddNestedContext(cb.ctx) == nil
}

// Dimensions returns the width and height of a ruleset that can use a
// sprite.
func Dimensions(decls stylesheet.Declarations) (int, int, bool) {
	if decls.Has("background-position", "background-position-x", "background-position-y") {
		return 0, 0, false
	}

	noRepeat := false
	if d := decls.Find("background-repeat"); d != nil {
		noRepeat = d.Values.HasIdent("no-repeat")
	}
	if d := decls.Find("background"); d != nil {
		for _, v := range d.Values {
			if v.Kind == stylesheet.NumberValue {
				return 0, 0, false
			}
			if v.Kind == stylesheet.IdentValue {
				switch strings.ToLower(v.Text) {
				case "left", "right", "top", "bottom", "center":
					return 0, 0, false
				case "no-repeat":
					noRepeat = true
				}
			}
		}
	}
	if !noRepeat {
		return 0, 0, false
	}

	w, ok := pixels(decls.Find("width"))
	if !ok {
		return 0, 0, false
	}
	h, ok := pixels(decls.Find("height"))
	if !ok {
		return 0, 0, false
	}
	return w, h, true
}

func pixels(d *stylesheet.Declaration) (int, bool) {
	if d == nil || d.Important || len(d.Values) != 1 || d.Values[0].Kind != stylesheet.NumberValue {
		return 0, false
	}
	s, ok := strings.CutSuffix(strings.ToLower(d.Values[0].Text), "px")
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

type combineRewriter struct {
	cb *Combiner
}

func (r *combineRewriter) ID() string {
	return ID
}

// UserAgentCacheKey implements [rewrite.CacheKeyer].
func (r *combineRewriter) UserAgentCacheKey(_ *rewrite.Context) string {
	return ""
}

// CacheKeySuffix implements [rewrite.CacheKeyer].
func (r *combineRewriter) CacheKeySuffix(_ *rewrite.Context) string {
	parts := make([]string, len(r.cb.entries))
	for i, e := range r.cb.entries {
		parts[i] = strconv.Itoa(e.width) + "x" + strconv.Itoa(e.height)
	}
	return strings.Join(parts, ",")
}

// Partition implements [rewrite.Partitioner]. Every usable image goes
// to a single partition.
func (r *combineRewriter) Partition(_ context.Context, c *rewrite.Context) ([]*rewrite.Partition, error) {
	urls := map[string]struct{}{}
	indexes := []int{}
	for i, s := range c.Slots() {
		res := s.Resource()
		if res == nil || !res.LoadedOK() {
			continue
		}
		if _, ok := spriteTypes[res.ContentType()]; !ok {
			continue
		}
		e := r.cb.entries[i]
		if res.Width() != e.width || res.Height() != e.height {
			continue
		}
		urls[res.URL()] = struct{}{}
		indexes = append(indexes, i)
	}

	if len(urls) < 2 {
		return nil, nil
	}
	return []*rewrite.Partition{rewrite.NewPartition(indexes...)}, nil
}

func (r *combineRewriter) RewriteSingle(ctx context.Context, c *rewrite.Context, p *rewrite.Partition) rewrite.Status {
	if c.ShouldDrop() {
		return rewrite.TooBusy
	}

	var contents []byte
	var offsets map[string]int
	var err error
	if xerr := c.Driver().Server().RunExpensive(func() {
		contents, offsets, err = combine(p)
	}); xerr != nil {
		if errors.Is(xerr, rewrite.ErrTooBusy) {
			return rewrite.TooBusy
		}
		err = xerr
	}
	if err != nil {
		c.Logger().Debug("cannot combine images", slog.Any("err", err))
		return rewrite.RewriteFailed
	}

	u, err := c.Driver().WriteOutput(ctx, p.Input(), ID, "image/png", contents)
	if err != nil {
		c.Logger().Error("cannot write sprite", slog.Any("err", err))
		return rewrite.RewriteFailed
	}

	p.Result.Optimizable = true
	p.Result.URL = u
	for i, x := range p.Slots() {
		res := p.Inputs()[i]
		p.Result.Inputs = append(p.Result.Inputs, rewrite.InputInfo{
			Index: x,
			URL:   res.URL(),
			X:     0,
			Y:     offsets[res.URL()],
		})
	}
	c.Driver().Server().Stats().ImagesSprited.Add(float64(len(offsets)))
	return rewrite.RewriteOK
}

// combine draws the images of a partition from top to bottom. It returns
// the PNG image and the vertical offset of every image URL.
func combine(p *rewrite.Partition) ([]byte, map[string]int, error) {
	offsets := map[string]int{}
	images := []image.Image{}
	width, height := 0, 0

	for _, res := range p.Inputs() {
		if _, ok := offsets[res.URL()]; ok {
			continue
		}
		m, err := img.New(res.ContentType(), bytes.NewReader(res.Contents()))
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", res.URL(), err)
		}
		if mf, ok := m.(img.MultiFrameImage); ok {
			m = mf.FirstFrame()
		}
		offsets[res.URL()] = height
		images = append(images, m.Image())
		width = max(width, int(m.Width()))
		height += int(m.Height())
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	y := 0
	for _, m := range images {
		b := m.Bounds()
		draw.Draw(canvas, image.Rect(0, y, b.Dx(), y+b.Dy()), m, b.Min, draw.Src)
		y += b.Dy()
	}

	out := img.FromImage(canvas, "png")
	if err := out.SetCompression(img.CompressionBest); err != nil {
		return nil, nil, err
	}
	buf := new(bytes.Buffer)
	if _, err := out.Encode(buf); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), offsets, nil
}

// Render implements [rewrite.Renderer]. Every slot gets the sprite URL
// and a background position.
func (r *combineRewriter) Render(c *rewrite.Context) {
	for _, p := range c.Partitions() {
		if p.Status != rewrite.RewriteOK || !p.Result.Optimizable {
			continue
		}
		for _, info := range p.Result.Inputs {
			if info.Index >= len(c.Slots()) {
				continue
			}
			slot, ok := c.Slot(info.Index).(Candidate)
			if !ok || slot.RenderingDisabled() || slot.PreserveURLs() {
				continue
			}
			slot.Render(p.Result.URL)
			slot.SetWasOptimized(true)

			decls := slot.Declarations()
			*decls = append(*decls, &stylesheet.Declaration{
				Property: "background-position",
				Values: stylesheet.Values{
					{Kind: stylesheet.NumberValue, Text: position(info.X)},
					{Kind: stylesheet.SpaceValue, Text: " "},
					{Kind: stylesheet.NumberValue, Text: position(info.Y)},
				},
			})
		}
	}
}

func position(v int) string {
	if v == 0 {
		return "0"
	}
	return strconv.Itoa(-v) + "px"
}
