// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter

import (
	"log/slog"
	"net/url"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cacheextend"
	"codeberg.org/readeck/pagespeed/internal/rewrite/imagerewrite"
	"codeberg.org/readeck/pagespeed/internal/rewrite/sprite"
	"codeberg.org/readeck/pagespeed/pkg/css/stylesheet"
	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

// imageProperties are the properties whose URLs are images.
var imageProperties = map[string]struct{}{
	"background":       {},
	"background-image": {},
	"content":          {},
	"cursor":           {},
	"list-style":       {},
	"list-style-image": {},
}

// rewritesEnabled returns true when the images of a stylesheet can be
// rewritten.
func rewritesEnabled(o rewrite.Options, limit int64) bool {
	return limit > 0 ||
		o.Enabled(options.RecompressImages) ||
		o.Enabled(options.TrimURLs) ||
		o.Enabled(options.ExtendCacheImages) ||
		o.Enabled(options.SpriteImages)
}

// rewriteCSS adds the nested contexts of a stylesheet to c: one for every
// import to flatten, one for every image and the sprite context last.
func (f *Filter) rewriteCSS(c *rewrite.Context, h *hierarchy, limit int64) {
	o := c.Options()

	switch {
	case !o.Enabled(options.FlattenCSSImports):
		h.flatteningSucceeded = false
	case h.flatteningSucceeded && h.expandChildren() && h.flatteningSucceeded:
		for _, child := range h.children {
			if !child.needsRewriting() {
				continue
			}
			if ok, authorized := f.rewriteImport(c, child, limit); !ok {
				h.fail(cannotImportMessage("import", child.location, authorized))
				break
			}
		}
	}

	if !rewritesEnabled(o, limit) {
		c.Logger().Debug("image rewriting and cache extension not enabled",
			slog.Any("url", resource.URLLogValue(h.location)),
		)
		return
	}

	spriting := o.Enabled(options.SpriteImages)
	var combiner *sprite.Combiner
	if spriting {
		combiner = sprite.NewCombiner(c)
	}

	for _, rs := range h.sheet.Rulesets {
		if rs.Type != stylesheet.RuleType {
			continue
		}
		bgPosition, bgImage := false, false
		for _, d := range rs.Declarations {
			if d.Raw != "" {
				continue
			}
			switch d.Property {
			case "background-position", "background-position-x", "background-position-y":
				bgPosition = true
			}
			if _, ok := imageProperties[d.Property]; !ok {
				continue
			}
			for _, v := range d.Values {
				if !v.IsURI() {
					continue
				}
				abs, ok := urlutil.Resolve(h.base, v.Text)
				if !ok || !urlutil.IsWebOrData(abs) || !o.IsAllowed(abs.String()) {
					continue
				}
				if d.Property == "background" || d.Property == "background-image" {
					bgImage = true
				}
				f.rewriteImage(c, h, combiner, spriting, &rs.Declarations, v, abs, limit)
			}
		}

		// A lone background position can move a sprite defined by
		// another ruleset, no sprite is safe from there on.
		if spriting && bgPosition && !bgImage {
			c.Logger().Info("Lone background-position found: Cannot sprite.")
			spriting = false
		}
	}

	if combiner != nil {
		combiner.Register()
	}
}

// rewriteImport adds the context flattening a child.
func (f *Filter) rewriteImport(c *rewrite.Context, child *hierarchy, limit int64) (bool, bool) {
	res, authorized := c.Driver().CreateInputResource(child.url, resource.RoleStyle)
	if res == nil || !authorized {
		return false, authorized
	}
	if err := c.AddNestedContext(f.newFlattenContext(c, child, res, limit)); err != nil {
		return false, true
	}
	return true, true
}

func (f *Filter) rewriteImage(
	c *rewrite.Context, h *hierarchy,
	combiner *sprite.Combiner, spriting bool,
	decls *stylesheet.Declarations, v *stylesheet.Value, abs *url.URL, limit int64,
) {
	res, authorized := c.Driver().CreateInputResource(abs.String(), resource.RoleImage)
	if res == nil || !authorized {
		h.addFailureReason(cannotImportMessage("rewrite", abs.String(), authorized))
		return
	}

	slot := newValueSlot(res, h, decls, v)
	if c.Options().ImagePreserveURLs() {
		slot.SetPreserveURLs(true)
	}
	if spriting && combiner != nil {
		combiner.Add(slot)
	}
	rewriteSlot(c, slot, limit)
}

// rewriteSlot adds the context rewriting the image of a slot: image
// optimization when enabled, cache extension otherwise.
func rewriteSlot(c *rewrite.Context, slot rewrite.Slot, limit int64) {
	o := c.Options()
	switch {
	case imagerewrite.Enabled(o, limit):
		// A preserved URL can still be inlined.
		if !slot.PreserveURLs() || limit > 0 {
			c.AddNestedContext(imagerewrite.MakeNestedRewriteContextForCSS(limit, c, slot)) //nolint:errcheck
		}
	case o.Enabled(options.ExtendCacheImages):
		c.AddNestedContext(cacheextend.MakeNestedContext(c, slot)) //nolint:errcheck
	}
}
