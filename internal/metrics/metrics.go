// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package metrics provides the rewriting statistics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pagespeed"

// Rewrite statuses, used as label values.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusTooBusy = "too_busy"
	StatusCached  = "cached"
)

// Stats holds every statistic of a rewrite server. Counters are safe
// for concurrent use.
type Stats struct {
	registry *prometheus.Registry

	// CSS filter
	CSSBlocksRewritten     prometheus.Counter
	CSSParseFailures       prometheus.Counter
	CSSFallbackRewrites    prometheus.Counter
	CSSFallbackFailures    prometheus.Counter
	CSSRewritesDropped     prometheus.Counter
	CSSTotalBytesSaved     prometheus.Gauge
	CSSTotalOriginalBytes  prometheus.Counter
	CSSUses                prometheus.Counter
	FlattenCharsetMismatch prometheus.Counter
	FlattenInvalidURL      prometheus.Counter
	FlattenLimitExceeded   prometheus.Counter
	FlattenMinifyFailed    prometheus.Counter
	FlattenRecursion       prometheus.Counter
	FlattenComplexQueries  prometheus.Counter

	// Images
	ImagesRecompressed prometheus.Counter
	ImagesInlined      prometheus.Counter
	ImageBytesSaved    prometheus.Counter
	ImagesSprited      prometheus.Counter

	// Cache extension
	CacheExtensions prometheus.Counter

	// Framework
	Rewrites    *prometheus.CounterVec
	CacheLookup *prometheus.CounterVec
	Fetches     *prometheus.CounterVec
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// New returns a [Stats] instance with its own registry. When
// withRuntime is true, the registry also exposes the Go and process
// collectors.
func New(withRuntime bool) *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),

		CSSBlocksRewritten:     counter("css_filter_blocks_rewritten", "Number of stylesheets rewritten."),
		CSSParseFailures:       counter("css_filter_parse_failures", "Number of stylesheets the parser could not handle."),
		CSSFallbackRewrites:    counter("css_filter_fallback_rewrites", "Number of stylesheets rewritten with the URL fallback."),
		CSSFallbackFailures:    counter("css_filter_fallback_failures", "Number of stylesheets the URL fallback could not handle."),
		CSSRewritesDropped:     counter("css_filter_rewrites_dropped", "Number of rewritten stylesheets dropped because they were not smaller."),
		CSSTotalBytesSaved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "css_filter_total_bytes_saved",
			Help:      "Bytes saved by stylesheet rewriting. It decreases when a forced rewrite grows a stylesheet.",
		}),
		CSSTotalOriginalBytes:  counter("css_filter_total_original_bytes", "Original size of the rewritten stylesheets."),
		CSSUses:                counter("css_filter_uses", "Number of rewritten stylesheets used in a document."),
		FlattenCharsetMismatch: counter("flatten_imports_charset_mismatch", "Imports not flattened because of a charset mismatch."),
		FlattenInvalidURL:      counter("flatten_imports_invalid_url", "Imports not flattened because of an invalid URL."),
		FlattenLimitExceeded:   counter("flatten_imports_limit_exceeded", "Imports not flattened because of the size limit."),
		FlattenMinifyFailed:    counter("flatten_imports_minify_failed", "Imports not flattened because they could not be serialized."),
		FlattenRecursion:       counter("flatten_imports_recursion", "Imports not flattened because of a recursion."),
		FlattenComplexQueries:  counter("flatten_imports_complex_queries", "Imports not flattened because of complex media queries."),

		ImagesRecompressed: counter("image_rewrites", "Number of recompressed images."),
		ImagesInlined:      counter("image_inline", "Number of images inlined as data: URLs."),
		ImageBytesSaved:    counter("image_rewrite_total_bytes_saved", "Bytes saved by image recompression."),
		ImagesSprited:      counter("image_combine_total_images", "Number of images combined in sprites."),

		CacheExtensions: counter("cache_extensions", "Number of resources renamed for cache extension."),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrites_total",
			Help:      "Number of finished rewrites, by filter and status.",
		}, []string{"filter", "status"}),
		CacheLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Number of metadata cache lookups, by result.",
		}, []string{"result"}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Number of resources loaded, by result.",
		}, []string{"result"}),
	}

	s.registry.MustRegister(
		s.CSSBlocksRewritten,
		s.CSSParseFailures,
		s.CSSFallbackRewrites,
		s.CSSFallbackFailures,
		s.CSSRewritesDropped,
		s.CSSTotalBytesSaved,
		s.CSSTotalOriginalBytes,
		s.CSSUses,
		s.FlattenCharsetMismatch,
		s.FlattenInvalidURL,
		s.FlattenLimitExceeded,
		s.FlattenMinifyFailed,
		s.FlattenRecursion,
		s.FlattenComplexQueries,
		s.ImagesRecompressed,
		s.ImagesInlined,
		s.ImageBytesSaved,
		s.ImagesSprited,
		s.CacheExtensions,
		s.Rewrites,
		s.CacheLookup,
		s.Fetches,
	)

	if withRuntime {
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return s
}

// Registry returns the stats registry.
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Handler returns an [http.Handler] exposing the statistics.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// RecordRewrite counts a finished rewrite.
func (s *Stats) RecordRewrite(filter, status string) {
	s.Rewrites.WithLabelValues(filter, status).Inc()
}

// RecordCacheLookup counts a metadata cache lookup.
func (s *Stats) RecordCacheLookup(hit bool) {
	if hit {
		s.CacheLookup.WithLabelValues("hit").Inc()
		return
	}
	s.CacheLookup.WithLabelValues("miss").Inc()
}

// RecordFetch counts a resource load.
func (s *Stats) RecordFetch(err error) {
	if err != nil {
		s.Fetches.WithLabelValues("error").Inc()
		return
	}
	s.Fetches.WithLabelValues("ok").Inc()
}
