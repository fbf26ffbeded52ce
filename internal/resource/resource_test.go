// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package resource_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"codeberg.org/readeck/pagespeed/internal/resource"
)

type fetchCounter struct {
	sync.Mutex
	ok     int
	failed int
}

func (c *fetchCounter) RecordFetch(err error) {
	c.Lock()
	defer c.Unlock()
	if err != nil {
		c.failed++
		return
	}
	c.ok++
}

func pngImage(w, h int) []byte {
	m := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			m.Set(x, y, color.RGBA{uint8(x), uint8(y), 0x80, 0xff})
		}
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, m); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func newLoader(options ...resource.LoaderOption) (*resource.Loader, *httpmock.MockTransport) {
	mt := httpmock.NewMockTransport()
	mt.RegisterResponder("GET", "https://example.net/style.css",
		httpmock.NewStringResponder(200, "body{color:red}").
			HeaderSet(http.Header{"Content-Type": {"text/css; charset=UTF-8"}}),
	)
	mt.RegisterResponder("GET", "https://example.net/image.png",
		httpmock.NewBytesResponder(200, pngImage(12, 8)).
			HeaderSet(http.Header{"Content-Type": {"image/png"}}),
	)
	mt.RegisterResponder("GET", "https://example.net/noext",
		httpmock.NewBytesResponder(200, pngImage(4, 4)),
	)
	mt.RegisterResponder("GET", "https://example.net/gone",
		httpmock.NewStringResponder(410, ""),
	)
	mt.RegisterResponder("GET", "https://example.net/error",
		httpmock.NewStringResponder(500, ""),
	)
	mt.RegisterResponder("GET", "https://example.net/big",
		httpmock.NewStringResponder(200, strings.Repeat("a", 1024)),
	)
	mt.RegisterResponder("GET", "https://example.net/referrer",
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewStringResponse(200, req.Header.Get("Referer")), nil
		},
	)

	options = append([]resource.LoaderOption{
		resource.WithClient(&http.Client{Transport: mt}),
	}, options...)
	return resource.NewLoader(options...), mt
}

func TestLoader(t *testing.T) {
	t.Run("css", func(t *testing.T) {
		assert := require.New(t)
		counter := &fetchCounter{}
		l, _ := newLoader(resource.WithObserver(counter))

		res := resource.New("https://example.net/style.css", resource.RoleStyle, true)
		assert.False(res.Loaded())
		assert.NoError(l.Load(context.Background(), res))
		assert.True(res.LoadedOK())
		assert.Equal(200, res.Status())
		assert.Equal("text/css", res.ContentType())
		assert.Equal("utf-8", res.Charset())
		assert.Equal("body{color:red}", string(res.Contents()))
		assert.False(res.IsImage())
		assert.Equal(1, counter.ok)

		// Loading twice does nothing
		assert.NoError(l.Load(context.Background(), res))
		assert.Equal(1, counter.ok)
	})

	t.Run("image", func(t *testing.T) {
		assert := require.New(t)
		l, _ := newLoader()

		res := resource.New("https://example.net/image.png", resource.RoleImage, true)
		assert.NoError(l.Load(context.Background(), res))
		assert.True(res.IsImage())
		assert.Equal(12, res.Width())
		assert.Equal(8, res.Height())
	})

	t.Run("sniff", func(t *testing.T) {
		assert := require.New(t)
		l, _ := newLoader()

		res := resource.New("https://example.net/noext", resource.RoleImage, true)
		assert.NoError(l.Load(context.Background(), res))
		assert.Equal("image/png", res.ContentType())
		assert.Equal(4, res.Width())
	})

	t.Run("unauthorized", func(t *testing.T) {
		assert := require.New(t)
		l, mt := newLoader()

		res := resource.New("https://example.net/style.css", resource.RoleStyle, false)
		err := l.Load(context.Background(), res)
		assert.ErrorIs(err, resource.ErrUnauthorized)
		assert.True(res.Loaded())
		assert.False(res.LoadedOK())
		assert.Equal(0, mt.GetTotalCallCount())
	})

	t.Run("not found", func(t *testing.T) {
		assert := require.New(t)
		counter := &fetchCounter{}
		l, _ := newLoader(resource.WithObserver(counter))

		res := resource.New("https://example.net/gone", resource.RoleStyle, true)
		err := l.Load(context.Background(), res)
		assert.ErrorIs(err, resource.ErrFetchFailed)
		assert.ErrorIs(err, resource.ErrNotFound)
		assert.ErrorIs(res.Err(), resource.ErrNotFound)
		assert.Equal(1, counter.failed)
	})

	t.Run("server error", func(t *testing.T) {
		assert := require.New(t)
		l, _ := newLoader()

		res := resource.New("https://example.net/error", resource.RoleStyle, true)
		err := l.Load(context.Background(), res)
		assert.ErrorIs(err, resource.ErrFetchFailed)
		assert.NotErrorIs(err, resource.ErrNotFound)
	})

	t.Run("no responder", func(t *testing.T) {
		assert := require.New(t)
		l, _ := newLoader()

		res := resource.New("https://example.org/nothing", resource.RoleStyle, true)
		assert.ErrorIs(l.Load(context.Background(), res), resource.ErrFetchFailed)
	})

	t.Run("too large", func(t *testing.T) {
		assert := require.New(t)
		l, _ := newLoader(resource.WithMaxSize(512))

		res := resource.New("https://example.net/big", resource.RoleOther, true)
		assert.ErrorIs(l.Load(context.Background(), res), resource.ErrTooLarge)

		l, _ = newLoader(resource.WithMaxSize(1024))
		res = resource.New("https://example.net/big", resource.RoleOther, true)
		assert.NoError(l.Load(context.Background(), res))
		assert.Len(res.Contents(), 1024)
	})

	t.Run("referrer", func(t *testing.T) {
		assert := require.New(t)
		l, _ := newLoader()

		ctx := resource.WithReferrer(context.Background(), "https://example.net/page")
		res := resource.New("https://example.net/referrer", resource.RoleOther, true)
		assert.NoError(l.Load(ctx, res))
		assert.Equal("https://example.net/page", string(res.Contents()))
	})

	t.Run("concurrent", func(t *testing.T) {
		assert := require.New(t)
		l, mt := newLoader(resource.WithConcurrency(2))

		wg := sync.WaitGroup{}
		resources := make([]*resource.Resource, 10)
		for i := range resources {
			resources[i] = resource.New("https://example.net/style.css", resource.RoleStyle, true)
			wg.Add(1)
			go func(r *resource.Resource) {
				defer wg.Done()
				l.Load(context.Background(), r) //nolint:errcheck
			}(resources[i])
		}
		wg.Wait()

		for _, r := range resources {
			assert.True(r.LoadedOK())
			assert.Equal("body{color:red}", string(r.Contents()))
		}
		assert.LessOrEqual(mt.GetTotalCallCount(), 10)
	})

	t.Run("data", func(t *testing.T) {
		tests := []struct {
			uri         string
			contentType string
			contents    string
			err         bool
		}{
			{"data:text/css,a%7Bcolor:red%7D", "text/css", "a{color:red}", false},
			{"data:text/css;base64,YXtjb2xvcjpyZWR9", "text/css", "a{color:red}", false},
			{"data:,hello", "text/plain", "hello", false},
			{"data:text/css;base64,###", "", "", true},
			{"data:text/plain,a#b", "text/plain", "a#b", false},
			{"data:text/css", "", "", true},
		}

		for _, test := range tests {
			t.Run(test.uri, func(t *testing.T) {
				assert := require.New(t)
				l, mt := newLoader()

				res := resource.New(test.uri, resource.RoleOther, true)
				err := l.Load(context.Background(), res)
				assert.Equal(0, mt.GetTotalCallCount())
				if test.err {
					assert.Error(err)
					return
				}
				assert.NoError(err)
				assert.Equal(test.contentType, res.ContentType())
				assert.Equal(test.contents, string(res.Contents()))
			})
		}
	})
}

func TestDataResource(t *testing.T) {
	assert := require.New(t)

	res := resource.NewDataResource("https://example.net/", "text/css; charset=iso-8859-1", []byte("a{}"))
	assert.True(res.LoadedOK())
	assert.True(res.IsAuthorized())
	assert.Equal("text/css", res.ContentType())
	assert.Equal("iso-8859-1", res.Charset())
	assert.Equal(resource.RoleOther, res.Role())

	assert.Equal(
		"data:text/css;base64,YXt9",
		resource.DataURL("text/css", []byte("a{}")),
	)
}

func TestDomainLawyer(t *testing.T) {
	parse := func(s string) *url.URL {
		u, err := url.Parse(s)
		if err != nil {
			panic(err)
		}
		return u
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := resource.NewDomainLawyer("-bad.example")
		require.Error(t, err)
	})

	tests := []struct {
		domains  []string
		base     string
		target   string
		expected bool
	}{
		{nil, "https://example.net/", "https://example.net/a.css", true},
		{nil, "https://example.net/", "http://example.net/a.css", false},
		{nil, "https://example.net/", "https://cdn.example.net/a.css", false},
		{nil, "https://example.net/", "data:image/png;base64,AA==", true},
		{nil, "https://example.net/", "ftp://example.net/a.css", false},
		{[]string{"cdn.example.net"}, "https://example.net/", "https://cdn.example.net/a.css", true},
		{[]string{"CDN.Example.net"}, "https://example.net/", "https://cdn.example.net/a.css", true},
		{[]string{"*.example.org"}, "https://example.net/", "https://a.b.example.org/a.css", true},
		{[]string{"*.example.org"}, "https://example.net/", "https://example.org/a.css", true},
		{[]string{"*.example.org"}, "https://example.net/", "https://badexample.org/a.css", false},
		{[]string{"*"}, "https://example.net/", "https://anything.example.com/a.css", true},
		{[]string{"*"}, "https://example.net/", "file:///etc/passwd", false},
		{[]string{"bücher.example"}, "https://example.net/", "https://xn--bcher-kva.example/a.css", true},
	}

	for _, test := range tests {
		t.Run(test.target, func(t *testing.T) {
			l, err := resource.NewDomainLawyer(test.domains...)
			require.NoError(t, err)
			require.Equal(t, test.expected, l.IsAuthorized(parse(test.base), parse(test.target)))
		})
	}

	t.Run("nil lawyer", func(t *testing.T) {
		var l *resource.DomainLawyer
		require.True(t, l.IsAuthorized(parse("https://example.net/"), parse("https://example.net/x")))
		require.False(t, l.IsAuthorized(parse("https://example.net/"), parse("https://example.org/x")))
	})
}

func TestOutputName(t *testing.T) {
	assert := require.New(t)

	name := resource.OutputName("https://example.net/img/a b.png?x=1", "ic", "image/png", []byte("abc"))
	assert.True(strings.HasPrefix(name, "a_b.png.pagespeed.ic."))
	assert.True(strings.HasSuffix(name, ".png"))
	assert.Len(strings.TrimSuffix(strings.TrimPrefix(name, "a_b.png.pagespeed.ic."), ".png"), 10)
	assert.True(resource.IsOutputName(name))

	// Same contents, same name
	assert.Equal(name, resource.OutputName("https://example.net/img/a b.png", "ic", "image/png", []byte("abc")))
	// Different contents, different name
	assert.NotEqual(name, resource.OutputName("https://example.net/img/a b.png", "ic", "image/png", []byte("abcd")))

	// Rewriting an output name does not stack suffixes
	again := resource.OutputName("https://example.net/"+name, "ce", "image/png", []byte("abc"))
	assert.True(strings.HasPrefix(again, "a_b.png.pagespeed.ce."))

	assert.True(strings.HasPrefix(
		resource.OutputName("data:image/png;base64,AA==", "ic", "image/png", []byte("x")),
		"resource.pagespeed.ic.",
	))
	assert.True(strings.HasSuffix(
		resource.OutputName("https://example.net/", "cf", "text/css", []byte("x")),
		".css",
	))
}

func TestStore(t *testing.T) {
	stores := map[string]func(t *testing.T) resource.Store{
		"mem": func(_ *testing.T) resource.Store {
			return resource.NewMemStore()
		},
		"file": func(t *testing.T) resource.Store {
			s, err := resource.NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}

	for name, fn := range stores {
		t.Run(name, func(t *testing.T) {
			assert := require.New(t)
			s := fn(t)
			ctx := context.Background()

			_, err := s.Get(ctx, "nothing.css")
			assert.ErrorIs(err, resource.ErrNotFound)

			assert.NoError(s.Put(ctx, &resource.Output{
				Name:        "a.pagespeed.cf.0123456789.css",
				ContentType: "text/css",
				Contents:    []byte("a{}"),
			}))

			out, err := s.Get(ctx, "a.pagespeed.cf.0123456789.css")
			assert.NoError(err)
			assert.Equal("text/css", out.ContentType)
			assert.Equal("a{}", string(out.Contents))
		})
	}

	t.Run("file invalid name", func(t *testing.T) {
		assert := require.New(t)
		s, err := resource.NewFileStore(t.TempDir())
		assert.NoError(err)

		_, err = s.Get(context.Background(), "../etc/passwd")
		assert.ErrorIs(err, resource.ErrNotFound)
		assert.Error(s.Put(context.Background(), &resource.Output{Name: "a/b"}))
	})

	t.Run("type by extension", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal("text/css", resource.TypeByExtension(".CSS"))
		assert.Equal("image/jpeg", resource.TypeByExtension(".jpg"))
		assert.Equal("application/octet-stream", resource.TypeByExtension(".nope-nope"))
		assert.Equal(".jpg", resource.GetExtension("image/jpeg"))
		assert.Equal(".css", resource.GetExtension("text/css; charset=utf-8"))
		assert.Equal(".bin", resource.GetExtension("application/x-nope-nope"))
	})
}
