// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package scanner finds the URLs of a CSS document without parsing its
// grammar. It works on the token stream: url() tokens and the string
// following an @import keyword are handed to a [Transformer], every other
// byte is copied verbatim.
package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// TransformStatus is the result of a single URL transformation.
type TransformStatus uint8

const (
	// Success means the URL was replaced.
	Success TransformStatus = iota
	// NoChange means the URL is kept as is.
	NoChange
	// Failure aborts the whole scan.
	Failure
)

func (s TransformStatus) String() string {
	switch s {
	case Success:
		return "success"
	case NoChange:
		return "no change"
	}
	return "failure"
}

// ErrTransformFailed is returned when a transformer reports a [Failure].
var ErrTransformFailed = errors.New("url transform failed")

// Transformer rewrites one URL found in a CSS document. The URL it
// receives is unescaped and never empty.
type Transformer interface {
	Transform(u string) (string, TransformStatus)
}

// Relocator is implemented by transformers that move URLs to another
// base. A scan with a relocating transformer fails on a URL it cannot
// decode, since the URL would be kept relative to the wrong base.
type Relocator interface {
	Relocates() bool
}

func relocates(t Transformer) bool {
	r, ok := t.(Relocator)
	return ok && r.Relocates()
}

// TransformFunc is a function implementing [Transformer].
type TransformFunc func(u string) (string, TransformStatus)

// Transform calls f(u).
func (f TransformFunc) Transform(u string) (string, TransformStatus) {
	return f(u)
}

// TransformURLs copies contents to w, replacing every URL with the
// transformer's result. One failing URL fails the whole document: the
// error wraps [ErrTransformFailed] and w must be considered garbage.
func TransformURLs(contents []byte, w io.Writer, t Transformer) error {
	return scan(contents, w, t)
}

// TransformString is a convenience wrapper over [TransformURLs].
func TransformString(contents string, t Transformer) (string, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(contents))
	if err := scan([]byte(contents), buf, t); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// scan walks the token stream. The lexer works on a copy of contents so
// the caller's buffer is never touched.
func scan(contents []byte, w io.Writer, t Transformer) error {
	ew := &errWriter{w: w}
	l := css.NewLexer(parse.NewInputString(string(contents)))
	importPending := false
	strict := relocates(t)

	for {
		tt, data := l.Next()
		switch tt {
		case css.ErrorToken:
			if l.Err() != nil && !errors.Is(l.Err(), io.EOF) {
				return l.Err()
			}
			return ew.err
		case css.URLToken:
			importPending = false
			tok, ok := splitURLToken(data)
			if !ok {
				if tok.undecodable && strict {
					return fmt.Errorf("%w: cannot decode %q", ErrTransformFailed, data)
				}
				ew.Write(data)
				continue
			}
			if err := tok.transform(ew, data, t); err != nil {
				return err
			}
		case css.BadURLToken:
			importPending = false
			if strict {
				return fmt.Errorf("%w: bad url %q", ErrTransformFailed, data)
			}
			ew.Write(data)
		case css.AtKeywordToken:
			importPending = bytes.EqualFold(data, []byte("@import"))
			ew.Write(data)
		case css.WhitespaceToken, css.CommentToken:
			ew.Write(data)
		case css.StringToken:
			if !importPending {
				ew.Write(data)
				continue
			}
			importPending = false
			tok, ok := splitImportString(data)
			if !ok {
				if tok.undecodable && strict {
					return fmt.Errorf("%w: cannot decode %q", ErrTransformFailed, data)
				}
				ew.Write(data)
				continue
			}
			if err := tok.transform(ew, data, t); err != nil {
				return err
			}
		default:
			importPending = false
			ew.Write(data)
		}
	}
}

// urlToken is a decomposed url() or @import string token.
type urlToken struct {
	prefix string // "url(" or ""
	quote  string
	value  string // unescaped URL
	// closing quote and parenthesis found in the source
	quoteClosed bool
	parenClosed bool
	undecodable bool
}

func (tok urlToken) transform(w io.Writer, original []byte, t Transformer) error {
	res, status := t.Transform(tok.value)
	switch status {
	case Failure:
		return fmt.Errorf("%w: %q", ErrTransformFailed, tok.value)
	case NoChange:
		_, err := w.Write(original)
		return err
	}

	buf := make([]byte, 0, len(res)+8)
	buf = append(buf, tok.prefix...)
	buf = append(buf, tok.quote...)
	buf = append(buf, EscapeURL(res)...)
	if tok.quoteClosed {
		buf = append(buf, tok.quote...)
	}
	if tok.parenClosed {
		buf = append(buf, ')')
	}
	_, err := w.Write(buf)
	return err
}

// splitURLToken extracts the URL of a url() token. It returns false when
// the token holds no URL or cannot be decoded.
func splitURLToken(data []byte) (urlToken, bool) {
	tok := urlToken{prefix: "url("}
	i := bytes.IndexByte(data, '(')
	if i < 0 {
		return tok, false
	}
	inner := data[i+1:]
	if len(inner) > 0 && inner[len(inner)-1] == ')' {
		inner = inner[:len(inner)-1]
		tok.parenClosed = true
	}
	inner = parse.TrimWhitespace(inner)
	if len(inner) > 0 && (inner[0] == '"' || inner[0] == '\'') {
		q := inner[0]
		tok.quote = string(q)
		inner = inner[1:]
		if len(inner) > 0 && inner[len(inner)-1] == q {
			inner = inner[:len(inner)-1]
			tok.quoteClosed = true
		}
	}
	if len(inner) == 0 {
		return tok, false
	}
	value, ok := Unescape(inner)
	if !ok {
		tok.undecodable = true
		return tok, false
	}
	tok.value = value
	return tok, true
}

// splitImportString extracts the URL of the string following @import.
func splitImportString(data []byte) (urlToken, bool) {
	tok := urlToken{}
	if len(data) < 1 {
		return tok, false
	}
	q := data[0]
	tok.quote = string(q)
	inner := data[1:]
	if len(inner) > 0 && inner[len(inner)-1] == q {
		inner = inner[:len(inner)-1]
		tok.quoteClosed = true
	}
	if len(inner) == 0 {
		return tok, false
	}
	value, ok := Unescape(inner)
	if !ok {
		tok.undecodable = true
		return tok, false
	}
	tok.value = value
	return tok, true
}

type errWriter struct {
	w   io.Writer
	err error
}

func (w *errWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.w.Write(p)
	w.err = err
	return n, err
}
