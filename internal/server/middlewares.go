// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"net/http"

	"github.com/klauspost/compress/gzhttp"
)

const gzipEtagSuffix = "-gzip"

// CompressResponse returns a gzipped response for some content types.
// It uses gzhttp that provides a BREACH mittigation.
func CompressResponse(next http.Handler) http.Handler {
	w, err := gzhttp.NewWrapper(
		gzhttp.CompressionLevel(5),
		gzhttp.ContentTypes([]string{
			"application/json", "text/css", "text/html", "text/plain",
			"application/javascript", "image/svg+xml",
		}),
		gzhttp.SuffixETag(gzipEtagSuffix),
		gzhttp.MinSize(1024),
		gzhttp.RandomJitter(32, 0, false),
	)
	if err != nil {
		panic(err)
	}
	return w(next)
}

// WithCacheControl sets the cache headers of output resources. Their
// names depend on their content so they never change.
func WithCacheControl(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		next.ServeHTTP(w, r)
	})
}

// limitBody limits the size of posted documents.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
		next.ServeHTTP(w, r)
	})
}
