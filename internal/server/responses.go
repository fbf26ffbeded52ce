// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Message is a JSON message response.
type Message struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Render converts any value to JSON and sends the response.
func (s *Server) Render(w http.ResponseWriter, r *http.Request, status int, value any) {
	b := &bytes.Buffer{}
	enc := json.NewEncoder(b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		s.Log(r).Error("encoding error", slog.Any("err", err))
		http.Error(w, http.StatusText(500), 500)
		return
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	if status >= 100 {
		w.WriteHeader(status)
	}
	w.Write(b.Bytes()) //nolint:errcheck
}

// TextMsg sends a JSON formatted message response with a status and a
// message.
func (s *Server) TextMsg(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.Render(w, r, status, &Message{
		Status:  status,
		Message: msg,
	})
}

// Status sends a text plain response with the given status code.
func Status(w http.ResponseWriter, _ *http.Request, status int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	fmt.Fprintln(w, http.StatusText(status)) //nolint:errcheck
}

// Err renders an error. A body over the size limit yields a 413
// response, any other error a 500 response.
func (s *Server) Err(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.Log(r).Warn("request body too large", slog.Int64("limit", maxErr.Limit))
		Status(w, r, http.StatusRequestEntityTooLarge)
		return
	}

	s.Log(r).Error("server error", slog.Any("err", err))
	Status(w, r, http.StatusInternalServerError)
}
