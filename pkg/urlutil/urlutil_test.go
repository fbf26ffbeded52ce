// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package urlutil_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

func mustParse(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func TestResolve(t *testing.T) {
	base := mustParse("http://example.com/css/main.css")

	tests := []struct {
		ref      string
		expected string
		ok       bool
	}{
		{"image.gif", "http://example.com/css/image.gif", true},
		{"../img/a.png", "http://example.com/img/a.png", true},
		{"/a.png", "http://example.com/a.png", true},
		{"//cdn.example.net/a.png", "http://cdn.example.net/a.png", true},
		{"https://other.net/x.css", "https://other.net/x.css", true},
		{"data:image/png;base64,AAAA", "data:image/png;base64,AAAA", true},
		{"////", "", false},
		{"http://", "", false},
		{"data:", "", false},
		{"%zz", "", false},
	}

	for _, test := range tests {
		t.Run(test.ref, func(t *testing.T) {
			assert := require.New(t)
			u, ok := urlutil.Resolve(base, test.ref)
			assert.Equal(test.ok, ok)
			if test.ok {
				assert.Equal(test.expected, u.String())
			}
			assert.Equal(test.expected, urlutil.ResolveString(base, test.ref))
		})
	}
}

func TestAllExceptLeaf(t *testing.T) {
	assert := require.New(t)
	assert.Equal("http://example.com/css/", urlutil.AllExceptLeaf(mustParse("http://example.com/css/main.css?v=1")))
	assert.Equal("http://example.com/", urlutil.AllExceptLeaf(mustParse("http://example.com")))
	assert.Equal("", urlutil.AllExceptLeaf(nil))
}

func TestTrim(t *testing.T) {
	base := mustParse("http://example.com/css/main.css")

	tests := []struct {
		target   string
		expected string
	}{
		{"http://example.com/css/img/a.png", "img/a.png"},
		{"http://example.com/css/a.png?v=2", "a.png?v=2"},
		{"http://example.com/other/a.png", "/other/a.png"},
		{"http://cdn.example.net/a.png", "//cdn.example.net/a.png"},
		{"https://example.com/a.png", "https://example.com/a.png"},
		{"data:image/png;base64,AAAA", "data:image/png;base64,AAAA"},
		{"img/a.png", "img/a.png"},
	}

	for _, test := range tests {
		t.Run(test.target, func(t *testing.T) {
			require.Equal(t, test.expected, urlutil.Trim(base, test.target))
		})
	}
}

func TestRelativize(t *testing.T) {
	base := mustParse("http://example.com/css/main.css")
	abs := "http://example.com/css/img/a.png"

	t.Run("relativity", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal(urlutil.Absolute, urlutil.RelativityOf("http://example.com/a"))
		assert.Equal(urlutil.NetPath, urlutil.RelativityOf("//example.com/a"))
		assert.Equal(urlutil.AbsolutePath, urlutil.RelativityOf("/a"))
		assert.Equal(urlutil.Relative, urlutil.RelativityOf("a/b.png"))
	})

	t.Run("relativize", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal(abs, urlutil.Relativize(abs, urlutil.Absolute, base))
		assert.Equal("//example.com/css/img/a.png", urlutil.Relativize(abs, urlutil.NetPath, base))
		assert.Equal("/css/img/a.png", urlutil.Relativize(abs, urlutil.AbsolutePath, base))
		assert.Equal("img/a.png", urlutil.Relativize(abs, urlutil.Relative, base))
		assert.Equal("//cdn.example.net/a.png",
			urlutil.Relativize("http://cdn.example.net/a.png", urlutil.Relative, base))
	})
}
