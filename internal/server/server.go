// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package server is the HTTP surface of the rewriter. It rewrites
// stylesheets and documents posted to it and serves the rewritten
// resources.
package server

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cssfilter"
	"codeberg.org/readeck/pagespeed/pkg/http/request"
)

// DefaultMaxBodySize is the default size limit of posted documents.
const DefaultMaxBodySize = 4 << 20

// Option is a function that sets a [Server] property.
type Option func(s *Server)

// WithTrustedProxies sets the networks whose X-Forwarded headers are
// trusted.
func WithTrustedProxies(networks ...*net.IPNet) Option {
	return func(s *Server) {
		s.trustedProxies = networks
	}
}

// WithMaxBodySize sets the size limit of posted documents.
func WithMaxBodySize(v int64) Option {
	return func(s *Server) {
		s.maxBodySize = v
	}
}

// Server is a wrapper around chi router.
type Server struct {
	*chi.Mux
	rw             *rewrite.Server
	css            *cssfilter.Filter
	logger         *slog.Logger
	trustedProxies []*net.IPNet
	maxBodySize    int64
}

// New returns a [Server] with every route.
func New(rw *rewrite.Server, opts ...Option) *Server {
	s := &Server{
		Mux:         chi.NewRouter(),
		rw:          rw,
		css:         cssfilter.New(),
		logger:      rw.Logger(),
		maxBodySize: DefaultMaxBodySize,
	}
	for _, fn := range opts {
		fn(s)
	}

	s.Use(
		middleware.Recoverer,
		request.InitRequest(s.trustedProxies...),
		s.Logger(),
		CompressResponse,
	)

	s.Route("/rewrite", func(r chi.Router) {
		r.Use(s.limitBody)
		r.Post("/css", s.rewriteCSS)
		r.Post("/html", s.rewriteHTML)
	})
	s.With(WithCacheControl).Get(rewrite.DefaultOutputBase+"{name}", s.output)
	s.Method(http.MethodGet, "/metrics", rw.Stats().Handler())

	return s
}

// Log returns a logger including the request ID.
func (s *Server) Log(r *http.Request) *slog.Logger {
	return s.logger.With(slog.String("@id", request.GetReqID(r.Context())))
}
