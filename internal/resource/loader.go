// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package resource

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	_ "image/gif"  // GIF decoder
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder

	_ "golang.org/x/image/bmp"  // BMP decoder
	_ "golang.org/x/image/tiff" // TIFF decoder
	_ "golang.org/x/image/webp" // WEBP decoder

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/gabriel-vasile/mimetype"

	"codeberg.org/readeck/pagespeed/internal/httpclient"
	"codeberg.org/readeck/pagespeed/pkg/ctxr"
)

const levelTrace = slog.LevelDebug - 10

var errInvalidDataURI = errors.New("invalid data URI")

var referrerKey = ctxr.NewKey[string]("referrer")

// WithReferrer returns a context with the referrer sent by every fetch.
func WithReferrer(ctx context.Context, referrer string) context.Context {
	return referrerKey.With(ctx, referrer)
}

// FetchObserver receives the result of every fetch.
type FetchObserver interface {
	RecordFetch(err error)
}

// Loader loads the contents of input resources.
type Loader struct {
	client   *http.Client
	maxSize  int64
	logger   *slog.Logger
	observer FetchObserver

	fetchGroup     *singleflight.Group
	fetchSemaphore *semaphore.Weighted
}

// LoaderOption is a function that sets a [Loader] property.
type LoaderOption func(l *Loader)

// WithClient sets the HTTP client.
func WithClient(client *http.Client) LoaderOption {
	return func(l *Loader) {
		l.client = client
	}
}

// WithConcurrency sets the maximum number of concurrent fetches.
func WithConcurrency(v int64) LoaderOption {
	return func(l *Loader) {
		l.fetchSemaphore = semaphore.NewWeighted(v)
	}
}

// WithMaxSize sets the maximum size of a resource.
func WithMaxSize(v int64) LoaderOption {
	return func(l *Loader) {
		l.maxSize = v
	}
}

// WithLogger sets the loader's logger.
func WithLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithObserver sets a [FetchObserver].
func WithObserver(o FetchObserver) LoaderOption {
	return func(l *Loader) {
		l.observer = o
	}
}

// NewLoader returns a new [Loader].
func NewLoader(options ...LoaderOption) *Loader {
	l := &Loader{
		maxSize:    10 << 20,
		logger:     slog.Default(),
		fetchGroup: &singleflight.Group{},
	}

	for _, fn := range options {
		fn(l)
	}

	if l.client == nil {
		l.client = httpclient.New()
	}
	if l.fetchSemaphore == nil {
		l.fetchSemaphore = semaphore.NewWeighted(6)
	}

	return l
}

// Client returns the loader's HTTP client.
func (l *Loader) Client() *http.Client {
	return l.client
}

type fetchResult struct {
	status   int
	header   http.Header
	contents []byte
	width    int
	height   int
}

// Load fetches a resource. The resource is always marked as loaded
// afterwards, with its error when the fetch failed.
func (l *Loader) Load(ctx context.Context, res *Resource) error {
	if res.Loaded() {
		return res.Err()
	}
	if !res.IsAuthorized() {
		res.setError(fmt.Errorf("%w: %s", ErrUnauthorized, res.URL()))
		return res.Err()
	}

	result, err := l.fetch(ctx, res.URL(), res.Role())
	if l.observer != nil {
		l.observer.RecordFetch(err)
	}
	if err != nil {
		l.logger.LogAttrs(ctx, slog.LevelDebug, "cannot load resource",
			slog.Any("url", URLLogValue(res.URL())),
			slog.Any("err", err),
		)
		res.setError(err)
		return err
	}

	res.setLoaded(result.status, result.header, result.contents)
	res.width, res.height = result.width, result.height
	return nil
}

// fetch fetches an URL. Any concurrent call for the same URL waits for
// the first one to finish.
func (l *Loader) fetch(ctx context.Context, uri string, role Role) (*fetchResult, error) {
	// "#" is data in a data: URI.
	if !strings.HasPrefix(uri, "data:") {
		uri, _, _ = strings.Cut(uri, "#")
	}

	result, err, _ := l.fetchGroup.Do(uri, func() (any, error) {
		if err := l.fetchSemaphore.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer l.fetchSemaphore.Release(1)

		var rsp *http.Response
		var err error
		if strings.HasPrefix(uri, "data:") {
			if rsp, err = loadDataURI(uri); err != nil {
				return nil, err
			}
		} else {
			l.logger.LogAttrs(ctx, levelTrace, "fetch", slog.Any("url", URLLogValue(uri)))
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
			if err != nil {
				return nil, err
			}
			if referrer, ok := referrerKey.Value(ctx); ok && referrer != "" {
				req.Header.Set("Referer", referrer)
			}
			req.Header.Set("Sec-Fetch-Dest", fetchDest(role))
			if rsp, err = l.client.Do(req); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
			}
		}
		defer rsp.Body.Close() //nolint:errcheck

		switch {
		case rsp.StatusCode == http.StatusNotFound || rsp.StatusCode == http.StatusGone:
			return nil, fmt.Errorf("%w: %w (status %d)", ErrFetchFailed, ErrNotFound, rsp.StatusCode)
		case rsp.StatusCode/100 != 2:
			return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, rsp.StatusCode)
		}

		if l.maxSize > 0 && rsp.ContentLength > l.maxSize {
			return nil, ErrTooLarge
		}
		body := io.Reader(rsp.Body)
		if l.maxSize > 0 {
			body = io.LimitReader(rsp.Body, l.maxSize+1)
		}
		contents, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		if l.maxSize > 0 && int64(len(contents)) > l.maxSize {
			return nil, ErrTooLarge
		}

		header := rsp.Header.Clone()
		if header == nil {
			header = http.Header{}
		}

		// Try to detect binary or unspecified types
		contentType, _ := parseContentType(header.Get("Content-Type"))
		if contentType == "" || contentType == "binary/octet-stream" || contentType == "application/octet-stream" {
			contentType = mimetype.Detect(contents).String()
			header.Set("Content-Type", contentType)
			contentType, _ = parseContentType(contentType)
		}

		// Collect image dimensions
		w, h := 0, 0
		if strings.HasPrefix(contentType, "image/") && contentType != "image/svg+xml" {
			if c, _, err := image.DecodeConfig(bytes.NewReader(contents)); err == nil {
				w, h = c.Width, c.Height
			}
		}

		return &fetchResult{
			status:   rsp.StatusCode,
			header:   header,
			contents: contents,
			width:    w,
			height:   h,
		}, nil
	})
	l.fetchGroup.Forget(uri)

	if err != nil {
		return nil, err
	}
	return result.(*fetchResult), nil
}

// loadDataURI returns an [http.Response] from a "data:" URI.
// If the URI defines a "base64" encoding, it's decoded using
// [base64.StdEncoding]. The result response has always a status 200,
// a content-type header and an [io.NopCloser] body that wraps
// a buffer with the content.
func loadDataURI(uri string) (*http.Response, error) {
	if !strings.HasPrefix(uri, "data:") {
		return nil, errInvalidDataURI
	}

	prefix, data, found := strings.Cut(uri, ",")
	if !found {
		return nil, errInvalidDataURI
	}
	prefix = strings.TrimSpace(prefix)
	data = strings.TrimSpace(data)
	contentType := strings.TrimPrefix(prefix, "data:")

	var res []byte
	if ct, ok := strings.CutSuffix(contentType, ";base64"); ok {
		contentType = ct
		var err error
		if res, err = base64.StdEncoding.DecodeString(data); err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidDataURI, err)
		}
	} else {
		p, err := url.PathUnescape(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidDataURI, err)
		}
		res = []byte(p)
	}
	if contentType == "" {
		contentType = "text/plain;charset=US-ASCII"
	}

	return &http.Response{
		StatusCode:    http.StatusOK,
		ContentLength: int64(len(res)),
		Header: http.Header{
			"Content-Type": {contentType},
		},
		Body:    io.NopCloser(bytes.NewReader(res)),
		Request: &http.Request{},
	}, nil
}

// DataURL returns a base64 data: URL.
func DataURL(contentType string, contents []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(contents)
}

// fetchDest returns the Sec-Fetch-Dest header value of a role.
func fetchDest(r Role) string {
	if r == RoleOther {
		return "empty"
	}
	return r.String()
}
