// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"codeberg.org/readeck/pagespeed/internal/htmlrewrite"
	"codeberg.org/readeck/pagespeed/internal/metrics"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cssfilter"
)

// rewriteHeader is the response header carrying the rewrite status.
const rewriteHeader = "X-Rewrite-Status"

type cssResult struct {
	Optimizable bool     `json:"optimizable"`
	CSS         string   `json:"css"`
	Debug       []string `json:"debug"`
}

func (s *Server) driverOptions(r *http.Request) []rewrite.DriverOption {
	return []rewrite.DriverOption{
		rewrite.WithUserAgent(r.UserAgent()),
		rewrite.WithAccept(r.Header.Get("Accept")),
	}
}

// rewriteCSS rewrites the stylesheet in the request body. The "url"
// query parameter is the stylesheet location.
func (s *Server) rewriteCSS(w http.ResponseWriter, r *http.Request) {
	cssURL := r.URL.Query().Get("url")
	if cssURL == "" {
		s.TextMsg(w, r, http.StatusBadRequest, "missing url parameter")
		return
	}

	contents, err := io.ReadAll(r.Body)
	if err != nil {
		s.Err(w, r, err)
		return
	}

	d, err := s.rw.NewDriver(cssURL, s.driverOptions(r)...)
	if err != nil {
		s.TextMsg(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.css.RewriteStylesheet(r.Context(), d, cssURL, contents)
	if errors.Is(err, cssfilter.ErrInvalidURL) {
		s.TextMsg(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.Err(w, r, err)
		return
	}

	status := res.Status.String()
	if res.Status == rewrite.RewriteOK && !res.Optimizable {
		status = metrics.StatusFailed
	}
	s.Log(r).Debug("stylesheet rewritten",
		slog.Any("url", resource.URLLogValue(cssURL)),
		slog.String("status", status),
		slog.Int("original", len(contents)),
		slog.Int("rewritten", len(res.CSS)),
	)

	w.Header().Set(rewriteHeader, status)
	if r.URL.Query().Get("format") == "json" {
		debug := res.DebugMessages
		if debug == nil {
			debug = []string{}
		}
		s.Render(w, r, http.StatusOK, cssResult{
			Optimizable: res.Optimizable,
			CSS:         string(res.CSS),
			Debug:       debug,
		})
		return
	}

	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.CSS)))
	w.WriteHeader(http.StatusOK)
	w.Write(res.CSS) //nolint:errcheck
}

// rewriteHTML rewrites the document in the request body. The "url"
// query parameter is the document location.
func (s *Server) rewriteHTML(w http.ResponseWriter, r *http.Request) {
	docURL := r.URL.Query().Get("url")
	if docURL == "" {
		s.TextMsg(w, r, http.StatusBadRequest, "missing url parameter")
		return
	}

	header := http.Header{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	for _, v := range r.Header.Values("Content-Security-Policy") {
		header.Add("Content-Security-Policy", v)
	}

	d := htmlrewrite.NewDriver(s.rw, docURL,
		htmlrewrite.WithHeader(header),
		htmlrewrite.WithDriverOptions(s.driverOptions(r)...),
	)

	buf := new(bytes.Buffer)
	err := d.Rewrite(r.Context(), r.Body, buf)
	if errors.Is(err, htmlrewrite.ErrInvalidURL) {
		s.TextMsg(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.Err(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes()) //nolint:errcheck
}

// output serves an output resource.
func (s *Server) output(w http.ResponseWriter, r *http.Request) {
	out, err := s.rw.Store().Get(r.Context(), chi.URLParam(r, "name"))
	if errors.Is(err, resource.ErrNotFound) {
		Status(w, r, http.StatusNotFound)
		return
	}
	if err != nil {
		s.Err(w, r, err)
		return
	}

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Contents)))
	w.WriteHeader(http.StatusOK)
	w.Write(out.Contents) //nolint:errcheck
}
