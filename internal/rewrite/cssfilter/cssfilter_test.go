// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
	"codeberg.org/readeck/pagespeed/internal/rewrite/cssfilter"
	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
)

func pngImage(w, h int, c color.Color) []byte {
	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			m.Set(x, y, c)
		}
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, m); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

type testEnv struct {
	t      *testing.T
	server *rewrite.Server
	mt     *httpmock.MockTransport
	filter *cssfilter.Filter
}

func newTestEnv(t *testing.T, opts ...options.Option) *testEnv {
	mt := httpmock.NewMockTransport()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := resource.NewLoader(
		resource.WithClient(&http.Client{Transport: mt}),
		resource.WithLogger(logger),
	)
	s, err := rewrite.NewServer(
		rewrite.WithLogger(logger),
		rewrite.WithLoader(loader),
		rewrite.WithOptions(options.New(opts...)),
		rewrite.WithRandSeed(1),
	)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return &testEnv{t: t, server: s, mt: mt, filter: cssfilter.New()}
}

func (e *testEnv) css(u, body string) {
	e.mt.RegisterResponder("GET", u,
		httpmock.NewStringResponder(200, body).
			HeaderSet(http.Header{"Content-Type": {"text/css"}}),
	)
}

func (e *testEnv) png(u string, w, h int, c color.Color) {
	e.mt.RegisterResponder("GET", u,
		httpmock.NewBytesResponder(200, pngImage(w, h, c)).
			HeaderSet(http.Header{"Content-Type": {"image/png"}}),
	)
}

func (e *testEnv) driver(opts ...rewrite.DriverOption) *rewrite.Driver {
	opts = append([]rewrite.DriverOption{rewrite.WithDeadline(0)}, opts...)
	d, err := e.server.NewDriver("https://example.net/page.html", opts...)
	require.NoError(e.t, err)
	return d
}

func (e *testEnv) rewrite(u, contents string) *cssfilter.Result {
	res, err := e.filter.RewriteStylesheet(context.Background(), e.driver(), u, []byte(contents))
	require.NoError(e.t, err)
	return res
}

func hasMessage(messages []string, text string) bool {
	for _, m := range messages {
		if strings.Contains(m, text) {
			return true
		}
	}
	return false
}

type inlineSlot struct {
	*rewrite.SlotBase
	mu       sync.Mutex
	location string
	css      string
}

func newInlineSlot(location, css string) *inlineSlot {
	return &inlineSlot{
		SlotBase: rewrite.NewSlotBase(cssfilter.NewInlineResource(css)),
		location: location,
		css:      css,
	}
}

func (s *inlineSlot) Render(_ string)       {}
func (s *inlineSlot) DirectSetURL(_ string) {}

func (s *inlineSlot) LocationString() string {
	return s.location
}

func (s *inlineSlot) SetCSS(css string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.css = css
}

func (s *inlineSlot) CSS() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.css
}

func TestSavingsGate(t *testing.T) {
	t.Run("not smaller", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS))

		res := e.rewrite("https://example.net/a.css", "a{color:red}")
		assert.Equal(rewrite.RewriteFailed, res.Status)
		assert.False(res.Optimizable)
		assert.Equal("a{color:red}", string(res.CSS))
		assert.Contains(res.DebugMessages, "CSS rewrite failed: Cannot improve https://example.net/a.css")
		assert.Equal(1.0, testutil.ToFloat64(e.server.Stats().CSSRewritesDropped))
		assert.Equal(0.0, testutil.ToFloat64(e.server.Stats().CSSBlocksRewritten))
	})

	t.Run("always rewrite", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t,
			options.WithFilters(options.RewriteCSS),
			options.WithAlwaysRewriteCSS(true),
		)

		res := e.rewrite("https://example.net/a.css", "a{color:red}")
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.True(res.Optimizable)
		assert.Equal("a{color:red}", string(res.CSS))
		assert.Regexp(`^https://example\.net/pagespeed/a\.css\.pagespeed\.cf\.[0-9a-f]{10}\.css$`, res.URL)
		assert.Equal(1.0, testutil.ToFloat64(e.server.Stats().CSSBlocksRewritten))
	})

	t.Run("smaller", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS))

		src := "a { color : red }\n"
		res := e.rewrite("https://example.net/a.css", src)
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Equal("a{color:red}", string(res.CSS))

		stats := e.server.Stats()
		assert.Equal(float64(len(src)-len("a{color:red}")), testutil.ToFloat64(stats.CSSTotalBytesSaved))
		assert.Equal(float64(len(src)), testutil.ToFloat64(stats.CSSTotalOriginalBytes))
		assert.Equal(1.0, testutil.ToFloat64(stats.CSSUses))
	})

	t.Run("bom", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS))

		res := e.rewrite("https://example.net/a.css", "\ufeffa { color: red }")
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Equal("\ufeffa{color:red}", string(res.CSS))
	})

	t.Run("minify", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS, options.MinifyCSS))

		res := e.rewrite("https://example.net/a.css", "a { color: #ff0000; margin: 0px }")
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Equal("a{color:red;margin:0}", string(res.CSS))
	})

	t.Run("random drop", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithRewriteRandomDropPercentage(100))

		res := e.rewrite("https://example.net/a.css", "a { color: red }")
		assert.Equal(rewrite.TooBusy, res.Status)
		assert.Equal("a { color: red }", string(res.CSS))
	})
}

func TestURLs(t *testing.T) {
	t.Run("moved to output", func(t *testing.T) {
		tests := []struct {
			trim     bool
			expected string
		}{
			{false, "a{background:url(https://example.net/img/x.png)}b{background:url(https://cdn.example.org/y.png)}"},
			{true, "a{background:url(/img/x.png)}b{background:url(//cdn.example.org/y.png)}"},
		}

		for _, test := range tests {
			t.Run("", func(t *testing.T) {
				assert := require.New(t)
				filters := []options.Filter{options.RewriteCSS}
				if test.trim {
					filters = append(filters, options.TrimURLs)
				}
				e := newTestEnv(t, options.WithFilters(filters...), options.WithAlwaysRewriteCSS(true))
				d := e.driver()

				res := resource.NewDataResource("https://example.net/css/style.css", "text/css",
					[]byte("a{background:url(../img/x.png)}b{background:url(https://cdn.example.org/y.png)}"),
				)
				c := e.filter.NewExternalContext(d, rewrite.NewNullSlot(res, "style"))
				d.InitiateRewrite(context.Background(), c)
				assert.True(d.Wait(context.Background()))
				assert.Equal(rewrite.RewriteOK, c.Status())

				u, err := url.Parse(c.Result().URL)
				assert.NoError(err)
				out, err := e.server.Store().Get(context.Background(), u.Path[len("/pagespeed/"):])
				assert.NoError(err)
				assert.Equal(test.expected, string(out.Contents))
			})
		}
	})

	t.Run("escaped url moved to output", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS), options.WithAlwaysRewriteCSS(true))
		d := e.driver()

		res := resource.NewDataResource("https://example.net/css/style.css", "text/css",
			[]byte(`a{background:url(img/x\2e png)}b{background:url(img/y.png)}`),
		)
		c := e.filter.NewExternalContext(d, rewrite.NewNullSlot(res, "style"))
		d.InitiateRewrite(context.Background(), c)
		assert.True(d.Wait(context.Background()))
		assert.Equal(rewrite.RewriteOK, c.Status())

		u, err := url.Parse(c.Result().URL)
		assert.NoError(err)
		out, err := e.server.Store().Get(context.Background(), u.Path[len("/pagespeed/"):])
		assert.NoError(err)
		assert.Equal(
			"a{background:url(https://example.net/css/img/x.png)}b{background:url(https://example.net/css/img/y.png)}",
			string(out.Contents),
		)
	})

	t.Run("cache extended image", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS, options.ExtendCacheImages))
		e.png("https://example.net/img/b.png", 2, 2, color.Black)

		res := e.rewrite("https://example.net/style.css", "a { background: url(img/b.png) }")
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Regexp(`^a\{background:url\(pagespeed/b\.png\.pagespeed\.ce\.[0-9a-f]{10}\.png\)\}$`, string(res.CSS))
		assert.Equal(1.0, testutil.ToFloat64(e.server.Stats().CacheExtensions))
	})

	t.Run("inlined image", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS, options.InlineImages))
		e.png("https://example.net/a.png", 2, 2, color.White)

		res := e.rewrite("https://example.net/style.css", "body{background:url(a.png) no-repeat}")
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Contains(string(res.CSS), "body{background:url(data:image/png;base64,")
		assert.Equal(1.0, testutil.ToFloat64(e.server.Stats().ImagesInlined))
	})

	t.Run("missing image", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS, options.InlineImages))
		e.mt.RegisterResponder("GET", "https://example.net/a.png", httpmock.NewStringResponder(404, ""))

		res := e.rewrite("https://example.net/style.css", "body { background: url(a.png) }")
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Equal("body{background:url(a.png)}", string(res.CSS))
	})

	t.Run("unauthorized image", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t,
			options.WithFilters(options.RewriteCSS, options.InlineImages),
			options.WithAlwaysRewriteCSS(true),
		)

		res := e.rewrite("https://example.net/style.css", "body{background:url(https://other.example.org/a.png)}")
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Equal("body{background:url(https://other.example.org/a.png)}", string(res.CSS))
		assert.True(hasMessage(res.DebugMessages,
			"Cannot rewrite https://other.example.org/a.png as it is on an unauthorized domain"))
		assert.Equal(0, e.mt.GetTotalCallCount())
	})
}

func TestFallback(t *testing.T) {
	t.Run("inlined image", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t)
		e.png("https://example.net/a.png", 2, 2, color.White)
		e.mt.RegisterResponder("GET", "https://example.net/before.css", httpmock.NewStringResponder(404, ""))

		src := "a{background:url('a.png')} @import url(before.css); b{color:red"
		res := e.rewrite("https://example.net/style.css", src)
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Contains(string(res.CSS), "a{background:url('data:image/png;base64,")
		assert.Contains(string(res.CSS), "@import url(before.css); b{color:red")
		assert.Contains(res.DebugMessages, "CSS rewrite failed: Parse error in https://example.net/style.css")

		stats := e.server.Stats()
		assert.Equal(1.0, testutil.ToFloat64(stats.CSSParseFailures))
		assert.Equal(1.0, testutil.ToFloat64(stats.CSSFallbackRewrites))
		assert.Equal(0.0, testutil.ToFloat64(stats.CSSFallbackFailures))
	})

	t.Run("nothing rewritten", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t)
		e.mt.RegisterResponder("GET", "https://example.net/image.gif", httpmock.NewStringResponder(404, ""))

		src := "a{background:url('image.gif')} b{color:red"
		res := e.rewrite("https://example.net/style.css", src)
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Equal(src, string(res.CSS))
	})

	t.Run("disabled", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithoutFilters(options.FallbackRewriteCSSURLs))

		src := "a{background:url(a.png)} b{color:red"
		res := e.rewrite("https://example.net/style.css", src)
		assert.Equal(rewrite.RewriteFailed, res.Status)
		assert.Equal(src, string(res.CSS))
		assert.Equal(0.0, testutil.ToFloat64(e.server.Stats().CSSFallbackRewrites))
	})

	t.Run("bad url", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t)

		src := "a{background:url(http://[bad)} b{color:red"
		res := e.rewrite("https://example.net/style.css", src)
		assert.Equal(rewrite.RewriteFailed, res.Status)
		assert.Equal(src, string(res.CSS))
		assert.Contains(res.DebugMessages, "CSS rewrite failed: Fallback transformer error in https://example.net/style.css")
		assert.Equal(1.0, testutil.ToFloat64(e.server.Stats().CSSFallbackFailures))
	})

	t.Run("bad url moved to output", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithAlwaysRewriteCSS(true))
		d := e.driver()

		res := resource.NewDataResource("https://example.net/css/style.css", "text/css",
			[]byte("a{background:url(img/x y.png)}b{background:url(img/y.png)}"),
		)
		c := e.filter.NewExternalContext(d, rewrite.NewNullSlot(res, "style"))
		d.InitiateRewrite(context.Background(), c)
		assert.True(d.Wait(context.Background()))
		assert.Equal(rewrite.RewriteFailed, c.Status())
		assert.Empty(c.Result().URL)
		assert.Contains(c.Result().DebugMessages,
			"CSS rewrite failed: Fallback transformer error in https://example.net/css/style.css")
	})

	t.Run("unauthorized", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t)

		src := "a{background:url(https://other.example.org/a.png)} b{color:red"
		res := e.rewrite("https://example.net/style.css", src)
		assert.Equal(src, string(res.CSS))
		assert.Contains(res.DebugMessages,
			"A resource was not rewritten because other.example.org is not an authorized domain")
		assert.Equal(0, e.mt.GetTotalCallCount())
	})

	t.Run("preferred", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithPreferFallbackCSS(true))
		e.png("https://example.net/a.png", 2, 2, color.White)

		res := e.rewrite("https://example.net/style.css", "a { background: url(a.png) }")
		assert.Equal(rewrite.RewriteOK, res.Status)
		assert.Contains(string(res.CSS), "a { background: url(data:image/png;base64,")
		assert.Equal(0.0, testutil.ToFloat64(e.server.Stats().CSSParseFailures))
	})
}

func TestAssociationSlot(t *testing.T) {
	trim, _ := url.Parse("https://example.net/css/style.css")

	t.Run("authorized", func(t *testing.T) {
		assert := require.New(t)
		m := scanner.NewAssociationMap()
		res := resource.New("https://example.net/css/a.png", resource.RoleImage, true)

		cssfilter.NewAssociationSlot(res, m, trim, false, "a").Render("https://example.net/css/b.png")
		v, ok := m.Get("https://example.net/css/a.png")
		assert.True(ok)
		assert.Equal("https://example.net/css/b.png", v)

		cssfilter.NewAssociationSlot(res, m, trim, true, "a").Render("https://example.net/css/b.png")
		v, _ = m.Get("https://example.net/css/a.png")
		assert.Equal("b.png", v)
	})

	t.Run("unauthorized", func(t *testing.T) {
		assert := require.New(t)
		m := scanner.NewAssociationMap()
		res := resource.New("https://other.example.org/a.png", resource.RoleImage, false)
		slot := cssfilter.NewAssociationSlot(res, m, trim, false, "a")

		slot.Render("https://example.net/b.png")
		slot.DirectSetURL("data:image/png;base64,AAAA")
		rewrite.RenderSlot(slot, &rewrite.CachedResult{Optimizable: true, URL: "https://example.net/b.png"})
		assert.Equal(0, m.Len())
	})
}

func TestAssociationSlotFlags(t *testing.T) {
	trim, _ := url.Parse("https://example.net/css/style.css")
	newSlot := func(m *scanner.AssociationMap) *cssfilter.AssociationSlot {
		res := resource.New("https://example.net/css/a.png", resource.RoleImage, true)
		return cssfilter.NewAssociationSlot(res, m, trim, false, "a")
	}

	t.Run("preserve urls", func(t *testing.T) {
		assert := require.New(t)
		m := scanner.NewAssociationMap()
		slot := newSlot(m)
		slot.SetPreserveURLs(true)

		slot.Render("https://example.net/css/b.png")
		assert.Equal(0, m.Len())

		slot.DirectSetURL("data:image/png;base64,AAAA")
		v, ok := m.Get("https://example.net/css/a.png")
		assert.True(ok)
		assert.Equal("data:image/png;base64,AAAA", v)
	})

	t.Run("rendering disabled", func(t *testing.T) {
		assert := require.New(t)
		m := scanner.NewAssociationMap()
		slot := newSlot(m)
		slot.DisableRendering()

		slot.Render("https://example.net/css/b.png")
		slot.DirectSetURL("data:image/png;base64,AAAA")
		assert.Equal(0, m.Len())
	})
}

func TestInline(t *testing.T) {
	t.Run("attribute", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS, options.InlineImages))
		e.png("https://example.net/a.png", 2, 2, color.White)
		d := e.driver()

		slot := newInlineSlot("style:1", "color: red; background: url(a.png)")
		c := e.filter.NewAttributeContext(d, slot)
		d.InitiateRewrite(context.Background(), c)
		assert.True(d.Wait(context.Background()))
		d.Render()

		assert.Equal(rewrite.RewriteOK, c.Status())
		assert.Contains(slot.CSS(), "color:red;background:url(data:image/png;base64,")
		assert.True(slot.WasOptimized())
	})

	t.Run("style tag", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS, options.ExtendCacheImages))
		e.png("https://example.net/img/b.png", 2, 2, color.Black)
		d := e.driver()

		slot := newInlineSlot("style:1", "a { background: url(/img/b.png) }\n")
		c := e.filter.NewStyleTagContext(d, slot)
		d.InitiateRewrite(context.Background(), c)
		assert.True(d.Wait(context.Background()))
		d.Render()

		assert.Regexp(`^a\{background:url\(/pagespeed/b\.png\.pagespeed\.ce\.[0-9a-f]{10}\.png\)\}$`, slot.CSS())
	})

	t.Run("csp", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS))
		d := e.driver(rewrite.WithCSP("default-src 'self'"))

		slot := newInlineSlot("style:1", "a { color: red }")
		c := e.filter.NewStyleTagContext(d, slot)
		d.InitiateRewrite(context.Background(), c)
		assert.True(d.Wait(context.Background()))
		d.Render()

		assert.Equal(rewrite.RewriteOK, c.Status())
		assert.Equal("a { color: red }", slot.CSS())
		assert.False(slot.WasOptimized())
	})

	t.Run("cache key", func(t *testing.T) {
		assert := require.New(t)
		e := newTestEnv(t, options.WithFilters(options.RewriteCSS))
		d := e.driver()

		key := func(css string) string {
			return e.filter.NewAttributeContext(d, newInlineSlot("x", css)).CacheKey()
		}
		assert.Equal(key("color:red"), key("color:red"))
		assert.NotEqual(key("color:red"), key("color:blue"))

		d2, err := e.server.NewDriver("https://example.net/sub/page.html")
		assert.NoError(err)
		k1 := e.filter.NewAttributeContext(d, newInlineSlot("x", "background:url(a.png)")).CacheKey()
		k2 := e.filter.NewAttributeContext(d2, newInlineSlot("x", "background:url(a.png)")).CacheKey()
		assert.NotEqual(k1, k2)

		k1 = e.filter.NewAttributeContext(d, newInlineSlot("x", "color:red")).CacheKey()
		k2 = e.filter.NewAttributeContext(d2, newInlineSlot("x", "color:red")).CacheKey()
		assert.Equal(k1, k2)
	})
}
