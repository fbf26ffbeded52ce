// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package options provides the resolved rewriting options.
//
// An [Options] value is built once with [New] and never changes
// afterwards, so it can be shared by every rewrite running concurrently.
package options

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultFilters is the filter set enabled by [New] when no
// [WithFilters] option is given.
var DefaultFilters = []Filter{
	RewriteCSS,
	FallbackRewriteCSSURLs,
	RewriteStyleAttributesWithURL,
	FlattenCSSImports,
	RecompressImages,
	InlineImages,
	ExtendCacheImages,
}

// Default values.
const (
	DefaultCSSImageInlineMaxBytes = 2048
	DefaultImageInlineMaxBytes    = 3072
	DefaultCSSFlattenMaxBytes     = 100 << 10
	DefaultCSSFlattenMaxDepth     = 10
	DefaultImageJPEGQuality       = 85
	DefaultRewriteDeadline        = 10 * time.Millisecond
)

// Options holds the rewriting options.
type Options struct {
	filters                filterSet
	cssImageInlineMaxBytes int64
	imageInlineMaxBytes    int64
	cssFlattenMaxBytes     int64
	cssFlattenMaxDepth     int
	alwaysRewriteCSS       bool
	preferFallbackCSS      bool
	randomDropPercentage   int
	cssPreserveURLs        bool
	imagePreserveURLs      bool
	imageJPEGQuality       int
	rewriteDeadline        time.Duration
	allow                  []allowRule
	signature              string
}

type allowRule struct {
	allow   bool
	pattern string
}

// Option is a function that sets an [Options] property.
type Option func(o *Options)

// WithFilters replaces the enabled filters.
func WithFilters(filters ...Filter) Option {
	return func(o *Options) {
		o.filters = 0
		o.filters.add(filters...)
	}
}

// WithEnabled enables filters on top of the current set.
func WithEnabled(filters ...Filter) Option {
	return func(o *Options) {
		o.filters.add(filters...)
	}
}

// WithoutFilters disables filters.
func WithoutFilters(filters ...Filter) Option {
	return func(o *Options) {
		o.filters.remove(filters...)
	}
}

// WithCSSImageInlineMaxBytes sets the inlining limit of images
// referenced by stylesheets.
func WithCSSImageInlineMaxBytes(v int64) Option {
	return func(o *Options) {
		o.cssImageInlineMaxBytes = v
	}
}

// WithImageInlineMaxBytes sets the inlining limit of images
// referenced by HTML elements.
func WithImageInlineMaxBytes(v int64) Option {
	return func(o *Options) {
		o.imageInlineMaxBytes = v
	}
}

// WithCSSFlattenMaxBytes sets the maximum size of a flattened
// stylesheet. Zero or less disables the size check.
func WithCSSFlattenMaxBytes(v int64) Option {
	return func(o *Options) {
		o.cssFlattenMaxBytes = v
	}
}

// WithCSSFlattenMaxDepth sets how deep @import rules are followed.
func WithCSSFlattenMaxDepth(v int) Option {
	return func(o *Options) {
		o.cssFlattenMaxDepth = v
	}
}

// WithAlwaysRewriteCSS accepts rewritten stylesheets even when they
// are not smaller than the original.
func WithAlwaysRewriteCSS(v bool) Option {
	return func(o *Options) {
		o.alwaysRewriteCSS = v
	}
}

// WithPreferFallbackCSS skips the parser and always uses the URL
// rewriting fallback.
func WithPreferFallbackCSS(v bool) Option {
	return func(o *Options) {
		o.preferFallbackCSS = v
	}
}

// WithRewriteRandomDropPercentage sets the percentage of rewrites that
// are dropped before any work.
func WithRewriteRandomDropPercentage(v int) Option {
	return func(o *Options) {
		o.randomDropPercentage = min(max(v, 0), 100)
	}
}

// WithCSSPreserveURLs keeps the URLs of stylesheets.
func WithCSSPreserveURLs(v bool) Option {
	return func(o *Options) {
		o.cssPreserveURLs = v
	}
}

// WithImagePreserveURLs keeps the URLs of images.
func WithImagePreserveURLs(v bool) Option {
	return func(o *Options) {
		o.imagePreserveURLs = v
	}
}

// WithImageJPEGQuality sets the JPEG recompression quality (1-100).
func WithImageJPEGQuality(v int) Option {
	return func(o *Options) {
		o.imageJPEGQuality = min(max(v, 1), 100)
	}
}

// WithRewriteDeadline sets how long a document waits for its rewrites.
func WithRewriteDeadline(v time.Duration) Option {
	return func(o *Options) {
		o.rewriteDeadline = v
	}
}

// WithAllow adds URL patterns that can be rewritten. A "*" matches any
// sequence of characters.
func WithAllow(patterns ...string) Option {
	return func(o *Options) {
		for _, p := range patterns {
			o.allow = append(o.allow, allowRule{true, p})
		}
	}
}

// WithDisallow adds URL patterns that must not be rewritten.
func WithDisallow(patterns ...string) Option {
	return func(o *Options) {
		for _, p := range patterns {
			o.allow = append(o.allow, allowRule{false, p})
		}
	}
}

// New returns a new [Options] instance.
func New(options ...Option) *Options {
	o := &Options{
		cssImageInlineMaxBytes: DefaultCSSImageInlineMaxBytes,
		imageInlineMaxBytes:    DefaultImageInlineMaxBytes,
		cssFlattenMaxBytes:     DefaultCSSFlattenMaxBytes,
		cssFlattenMaxDepth:     DefaultCSSFlattenMaxDepth,
		imageJPEGQuality:       DefaultImageJPEGQuality,
		rewriteDeadline:        DefaultRewriteDeadline,
	}
	o.filters.add(DefaultFilters...)

	for _, fn := range options {
		fn(o)
	}

	o.signature = o.computeSignature()
	return o
}

// Enabled returns true when the filter is enabled.
func (o *Options) Enabled(f Filter) bool {
	return o.filters.has(f)
}

// EnabledFilters returns the enabled filters, in table order.
func (o *Options) EnabledFilters() []Filter {
	res := []Filter{}
	for _, f := range AllFilters() {
		if o.Enabled(f) {
			res = append(res, f)
		}
	}
	return res
}

// CSSImageInlineMaxBytes returns the inlining limit of images
// referenced by stylesheets. It is zero when [InlineImages] is off.
func (o *Options) CSSImageInlineMaxBytes() int64 {
	if !o.Enabled(InlineImages) {
		return 0
	}
	return o.cssImageInlineMaxBytes
}

// ImageInlineMaxBytes returns the inlining limit of images referenced
// by HTML elements. It is zero when [InlineImages] is off.
func (o *Options) ImageInlineMaxBytes() int64 {
	if !o.Enabled(InlineImages) {
		return 0
	}
	return o.imageInlineMaxBytes
}

// CSSFlattenMaxBytes returns the flattened stylesheet size limit.
func (o *Options) CSSFlattenMaxBytes() int64 {
	return o.cssFlattenMaxBytes
}

// CSSFlattenMaxDepth returns how deep @import rules are followed.
func (o *Options) CSSFlattenMaxDepth() int {
	return o.cssFlattenMaxDepth
}

// AlwaysRewriteCSS returns true when rewritten stylesheets are always
// accepted.
func (o *Options) AlwaysRewriteCSS() bool {
	return o.alwaysRewriteCSS
}

// PreferFallbackCSS returns true when the parser must be skipped.
func (o *Options) PreferFallbackCSS() bool {
	return o.preferFallbackCSS
}

// RewriteRandomDropPercentage returns the percentage of dropped rewrites.
func (o *Options) RewriteRandomDropPercentage() int {
	return o.randomDropPercentage
}

// CSSPreserveURLs returns true when stylesheet URLs are kept.
func (o *Options) CSSPreserveURLs() bool {
	return o.cssPreserveURLs
}

// ImagePreserveURLs returns true when image URLs are kept.
func (o *Options) ImagePreserveURLs() bool {
	return o.imagePreserveURLs
}

// ImageJPEGQuality returns the JPEG recompression quality.
func (o *Options) ImageJPEGQuality() int {
	return o.imageJPEGQuality
}

// RewriteDeadline returns how long a document waits for its rewrites.
func (o *Options) RewriteDeadline() time.Duration {
	return o.rewriteDeadline
}

// IsAllowed returns true when the URL can be rewritten. The last
// matching rule wins. Without any allow rule, every URL is allowed.
func (o *Options) IsAllowed(u string) bool {
	res := true
	for i, r := range o.allow {
		if i == 0 && r.allow {
			res = false
		}
		if matchWildcard(r.pattern, u) {
			res = r.allow
		}
	}
	return res
}

// Signature returns a hash of every option that changes a rewrite
// output. It is part of every cache key.
func (o *Options) Signature() string {
	return o.signature
}

func (o *Options) computeSignature() string {
	h := xxhash.New()
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.filters))
	for _, v := range []int64{
		o.cssImageInlineMaxBytes,
		o.imageInlineMaxBytes,
		o.cssFlattenMaxBytes,
		int64(o.cssFlattenMaxDepth),
		int64(o.imageJPEGQuality),
	} {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
	for _, v := range []bool{o.alwaysRewriteCSS, o.preferFallbackCSS, o.cssPreserveURLs, o.imagePreserveURLs} {
		if v {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	h.Write(buf) //nolint:errcheck

	for _, r := range o.allow {
		if r.allow {
			h.WriteString("+") //nolint:errcheck
		} else {
			h.WriteString("-") //nolint:errcheck
		}
		h.WriteString(r.pattern) //nolint:errcheck
		h.WriteString("\x00")    //nolint:errcheck
	}

	return strconv.FormatUint(h.Sum64(), 36)
}

// matchWildcard matches s against a pattern where "*" stands for any
// sequence of characters.
func matchWildcard(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, last)
}
