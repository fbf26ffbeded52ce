// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package cssfilter_test

import (
	"image/color"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
)

func TestSprite(t *testing.T) {
	newEnv := func(t *testing.T) *testEnv {
		e := newTestEnv(t,
			options.WithFilters(options.RewriteCSS, options.SpriteImages),
			options.WithAlwaysRewriteCSS(true),
		)
		e.png("https://example.net/css/a.png", 4, 4, color.White)
		e.png("https://example.net/css/b.png", 4, 4, color.Black)
		return e
	}

	t.Run("combined", func(t *testing.T) {
		assert := require.New(t)
		e := newEnv(t)

		res := e.rewrite("https://example.net/css/style.css",
			"a{background:url(a.png) no-repeat;width:4px;height:4px}\n"+
				"b{background:url(b.png) no-repeat;width:4px;height:4px}")
		assert.Equal(rewrite.RewriteOK, res.Status)

		css := string(res.CSS)
		assert.Contains(css, ".pagespeed.is.")
		assert.NotContains(css, "url(a.png)")
		assert.NotContains(css, "url(b.png)")
		assert.Contains(css, "background-position:0 0")
		assert.Contains(css, "background-position:0 -4px")
		assert.Equal(2.0, testutil.ToFloat64(e.server.Stats().ImagesSprited))
	})

	t.Run("single image", func(t *testing.T) {
		assert := require.New(t)
		e := newEnv(t)

		res := e.rewrite("https://example.net/css/style.css",
			"a{background:url(a.png) no-repeat;width:4px;height:4px}")
		assert.NotContains(string(res.CSS), "pagespeed")
		assert.Equal(0.0, testutil.ToFloat64(e.server.Stats().ImagesSprited))
	})

	t.Run("wrong size", func(t *testing.T) {
		assert := require.New(t)
		e := newEnv(t)

		res := e.rewrite("https://example.net/css/style.css",
			"a{background:url(a.png) no-repeat;width:4px;height:4px}\n"+
				"b{background:url(b.png) no-repeat;width:8px;height:4px}")
		assert.NotContains(string(res.CSS), "pagespeed")
	})

	t.Run("lone background-position", func(t *testing.T) {
		assert := require.New(t)
		e := newEnv(t)

		res := e.rewrite("https://example.net/css/style.css",
			"a{background-position:0 0}\n"+
				"b{background:url(a.png) no-repeat;width:4px;height:4px}\n"+
				"c{background:url(b.png) no-repeat;width:4px;height:4px}")
		assert.False(strings.Contains(string(res.CSS), "pagespeed"))
		assert.Equal(0, e.mt.GetCallCountInfo()["GET https://example.net/css/a.png"])
	})
}
