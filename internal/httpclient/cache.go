// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package httpclient

import (
	"bytes"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"sync"
)

// maxCacheEntrySize is the size above which a response body is passed
// through without being cached.
const maxCacheEntrySize = 4 << 20

// CacheTransport is a [Transport] that keeps the successful responses it
// receives in memory. Entries never expire: a cache client lives for one
// command run.
type CacheTransport struct {
	*Transport

	mu        sync.RWMutex
	entries   map[string]*cacheEntry
	checkFunc func(*http.Request) bool
}

type cacheEntry struct {
	header http.Header
	body   []byte
}

// cacheable returns true when a request can be answered from, or stored
// into, the cache.
func (t *CacheTransport) cacheable(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	return t.checkFunc == nil || t.checkFunc(req)
}

// RoundTrip implements [http.RoundTripper].
func (t *CacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.cacheable(req) {
		return t.Transport.RoundTrip(req)
	}

	key := req.URL.String()
	if e := t.get(key); e != nil {
		t.Log().Debug("cache hit", slog.String("url", key))
		return e.response(req), nil
	}

	rsp, err := t.Transport.RoundTrip(req)
	if err != nil || req.Method != http.MethodGet || rsp.StatusCode != http.StatusOK {
		return rsp, err
	}

	// Read one byte over the limit to tell a large body from a full one.
	body, err := io.ReadAll(io.LimitReader(rsp.Body, maxCacheEntrySize+1))
	if err != nil {
		rsp.Body.Close() //nolint:errcheck
		return nil, err
	}
	if len(body) > maxCacheEntrySize {
		rsp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), rsp.Body), rsp.Body}
		return rsp, nil
	}
	rsp.Body.Close() //nolint:errcheck

	t.set(key, rsp.Header, body)
	rsp.Body = io.NopCloser(bytes.NewReader(body))
	return rsp, nil
}

// response builds a response from a cache entry. HEAD requests get an
// empty body.
func (e *cacheEntry) response(req *http.Request) *http.Response {
	rsp := &http.Response{
		Status:     strconv.Itoa(http.StatusOK) + " " + http.StatusText(http.StatusOK),
		StatusCode: http.StatusOK,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     e.header.Clone(),
		Request:    req,
		Body:       http.NoBody,
	}
	rsp.ContentLength = int64(len(e.body))
	if req.Method == http.MethodGet {
		rsp.Body = io.NopCloser(bytes.NewReader(e.body))
	}
	return rsp
}

func (t *CacheTransport) get(key string) *cacheEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[key]
}

func (t *CacheTransport) set(key string, header http.Header, body []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = &cacheEntry{header: maps.Clone(header), body: body}
}

// Len returns the number of cached responses.
func (t *CacheTransport) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// NewCacheClient returns a new [http.Client] with a [CacheTransport] round
// tripper. When check is not nil, requests for which it returns false
// bypass the cache.
func NewCacheClient(check func(*http.Request) bool, options ...Option) *http.Client {
	client := New(options...)
	client.Transport = &CacheTransport{
		Transport: client.Transport.(*Transport),
		entries:   map[string]*cacheEntry{},
		checkFunc: check,
	}

	return client
}

// AddToCache preloads a response into a client's cache. It does nothing
// when the client has no [CacheTransport].
func AddToCache(client *http.Client, url string, header http.Header, body []byte) {
	if t, ok := client.Transport.(*CacheTransport); ok {
		if header == nil {
			header = http.Header{}
		}
		t.set(url, header, body)
	}
}

// IsInCache returns true if a URL exists in a client's cache.
func IsInCache(client *http.Client, url string) bool {
	if t, ok := client.Transport.(*CacheTransport); ok {
		return t.get(url) != nil
	}
	return false
}
