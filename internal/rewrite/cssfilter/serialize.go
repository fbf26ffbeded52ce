// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter

import (
	"bytes"
	"fmt"
	"log/slog"

	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
)

const utf8BOM = "\ufeff"

func stripBOM(b []byte) ([]byte, bool) {
	if rest, ok := bytes.CutPrefix(b, []byte(utf8BOM)); ok {
		return rest, true
	}
	return b, false
}

// minifyText minifies CSS text when enabled. inline is for the content of
// a style attribute.
func (f *Filter) minifyText(text string, inline, enabled bool) (string, error) {
	if !enabled {
		return text, nil
	}
	mediatype := "text/css"
	if inline {
		mediatype += ";inline=1"
	}
	return f.minifier.String(mediatype, text)
}

// serialize prepends the BOM of the input and applies the byte savings
// gate: a rewritten stylesheet is kept when it is smaller, when one of
// its resources was optimized, or when always rewriting.
func (r *cssRewriter) serialize(c *rewrite.Context, p *rewrite.Partition, text string, previouslyOptimized bool) (string, bool) {
	if r.bom {
		text = utf8BOM + text
	}
	stats := c.Driver().Server().Stats()
	saved := int64(r.inputSize) - int64(len(text))

	if !c.Options().AlwaysRewriteCSS() && !previouslyOptimized && saved <= 0 {
		stats.CSSRewritesDropped.Inc()
		p.Result.AddDebugMessage("CSS rewrite failed: Cannot improve " + r.location)
		return "", false
	}
	if saved < 0 {
		c.Logger().Info(
			fmt.Sprintf("CSS parser increased size of CSS file %s by %d bytes.", r.location, -saved),
			slog.Any("url", resource.URLLogValue(r.location)),
		)
	}

	stats.CSSBlocksRewritten.Inc()
	stats.CSSTotalBytesSaved.Add(float64(saved))
	stats.CSSTotalOriginalBytes.Add(float64(r.inputSize))
	return text, true
}
