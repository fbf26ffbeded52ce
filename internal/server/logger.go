// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"codeberg.org/readeck/pagespeed/pkg/http/request"
)

// Logger is a middleware that logs requests.
func (s *Server) Logger() func(next http.Handler) http.Handler {
	return middleware.RequestLogger(&httpLogger{logger: s.logger})
}

type httpLogger struct {
	logger *slog.Logger
}

func (hl *httpLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	attrs := []slog.Attr{
		slog.String("@id", request.GetReqID(r.Context())),
		slog.Group("request",
			slog.String("method", r.Method),
			slog.String("path", r.RequestURI),
			slog.String("proto", r.Proto),
			slog.String("remote_addr", request.GetRealIP(r.Context()).String()),
		),
	}
	hl.logger.LogAttrs(context.TODO(), slog.LevelDebug,
		"http "+r.Method,
		attrs...,
	)

	return &logEntry{logger: hl.logger, attrs: attrs}
}

type logEntry struct {
	logger *slog.Logger
	attrs  []slog.Attr
}

func (e *logEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ any) {
	e.logger.LogAttrs(context.TODO(), slog.LevelInfo,
		"http "+strconv.Itoa(status)+" "+http.StatusText(status),
		append(e.attrs,
			slog.Group("response",
				slog.Int("status", status),
				slog.Int("length", bytes),
				slog.Float64("elapsed_ms", float64(elapsed.Nanoseconds())/1000000.0),
			),
		)...,
	)
}

func (e *logEntry) Panic(v any, _ []byte) {
	e.logger.LogAttrs(context.TODO(), slog.LevelError, "http panic",
		append(e.attrs, slog.Any("err", v))...,
	)
}
