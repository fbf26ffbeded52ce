// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package options

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownFilter is returned by [ParseFilters] for a name that is
// not in the filter table.
var ErrUnknownFilter = errors.New("unknown filter")

// Filter is a rewriting feature that can be switched on or off.
type Filter uint8

const (
	// RewriteCSS rewrites external stylesheets and <style> blocks.
	RewriteCSS Filter = iota
	// FallbackRewriteCSSURLs rewrites the URLs of stylesheets the parser
	// cannot handle.
	FallbackRewriteCSSURLs
	// RewriteStyleAttributes rewrites every style attribute.
	RewriteStyleAttributes
	// RewriteStyleAttributesWithURL rewrites the style attributes
	// containing url().
	RewriteStyleAttributesWithURL
	// FlattenCSSImports replaces @import rules with the imported content.
	FlattenCSSImports
	// RecompressImages re-encodes images.
	RecompressImages
	// InlineImages turns small images into data: URLs.
	InlineImages
	// ExtendCacheImages renames images to a content hashed name.
	ExtendCacheImages
	// ExtendCacheCSS renames stylesheets to a content hashed name.
	ExtendCacheCSS
	// ExtendCacheScripts renames scripts to a content hashed name.
	ExtendCacheScripts
	// SpriteImages combines CSS background images.
	SpriteImages
	// TrimURLs shortens absolute URLs.
	TrimURLs
	// MinifyCSS minifies the serialized CSS.
	MinifyCSS
	// Debug adds debug messages to the output.
	Debug

	filterCount
)

var filterNames = [filterCount]string{
	RewriteCSS:                    "rewrite_css",
	FallbackRewriteCSSURLs:        "fallback_rewrite_css_urls",
	RewriteStyleAttributes:        "rewrite_style_attributes",
	RewriteStyleAttributesWithURL: "rewrite_style_attributes_with_url",
	FlattenCSSImports:             "flatten_css_imports",
	RecompressImages:              "recompress_images",
	InlineImages:                  "inline_images",
	ExtendCacheImages:             "extend_cache_images",
	ExtendCacheCSS:                "extend_cache_css",
	ExtendCacheScripts:            "extend_cache_scripts",
	SpriteImages:                  "sprite_images",
	TrimURLs:                      "trim_urls",
	MinifyCSS:                     "minify_css",
	Debug:                         "debug",
}

var filterIndex = func() map[string]Filter {
	res := make(map[string]Filter, filterCount)
	for i, name := range filterNames {
		res[name] = Filter(i)
	}
	return res
}()

// String returns the filter name.
func (f Filter) String() string {
	if f >= filterCount {
		return fmt.Sprintf("filter(%d)", f)
	}
	return filterNames[f]
}

// FilterByName returns the filter with the given name.
func FilterByName(name string) (Filter, bool) {
	f, ok := filterIndex[strings.ToLower(strings.TrimSpace(name))]
	return f, ok
}

// AllFilters returns every known filter, in table order.
func AllFilters() []Filter {
	res := make([]Filter, filterCount)
	for i := range res {
		res[i] = Filter(i)
	}
	return res
}

// ParseFilters converts a list of names to filters. Items can hold
// comma separated names.
func ParseFilters(names ...string) ([]Filter, error) {
	res := []Filter{}
	var errs []error
	for _, item := range names {
		for name := range strings.SplitSeq(item, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			f, ok := FilterByName(name)
			if !ok {
				errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownFilter, strings.TrimSpace(name)))
				continue
			}
			res = append(res, f)
		}
	}
	return res, errors.Join(errs...)
}

type filterSet uint32

func (s filterSet) has(f Filter) bool {
	return s&(1<<f) != 0
}

func (s *filterSet) add(filters ...Filter) {
	for _, f := range filters {
		*s |= 1 << f
	}
}

func (s *filterSet) remove(filters ...Filter) {
	for _, f := range filters {
		*s &^= 1 << f
	}
}
