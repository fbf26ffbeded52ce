// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package scanner_test

import (
	"bytes"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
)

func mustParse(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// replacer replaces URLs from a fixed table and records every URL it saw.
type replacer struct {
	table map[string]string
	seen  []string
}

func (r *replacer) Transform(u string) (string, scanner.TransformStatus) {
	r.seen = append(r.seen, u)
	if v, ok := r.table[u]; ok {
		return v, scanner.Success
	}
	return u, scanner.NoChange
}

func TestTransformURLsVerbatim(t *testing.T) {
	inputs := []string{
		"",
		"a{color:red}",
		"/* url(x.png) */ body { margin: 0 }",
		`@media screen and (max-width: 100px) { .a::before { content: "url(x)"; } }`,
		"@importx 'a.css';",
		`.a{background:urlx(a.png);font-family:"Some Font", serif}`,
		"@charset \"utf-8\";\n\n.x  >  .y{ }",
		"weird ;;; }}} {{ @@ \\",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			assert := require.New(t)
			r := &replacer{}
			out, err := scanner.TransformString(input, r)
			assert.NoError(err)
			assert.Equal(input, out)
			assert.Empty(r.seen)
		})
	}
}

func TestTransformURLs(t *testing.T) {
	r := &replacer{table: map[string]string{
		"a.png":    "b.png",
		"a(b).png": "c.png",
		"a.css":    "b.css",
		"x y.png":  "z.png",
	}}

	tests := []struct {
		input    string
		expected string
	}{
		{"a{background:url(a.png)}", "a{background:url(b.png)}"},
		{`a{background:url("a.png") no-repeat}`, `a{background:url("b.png") no-repeat}`},
		{"a{background:url( 'a.png' )}", "a{background:url('b.png')}"},
		{"a{background:URL(a.png)}", "a{background:url(b.png)}"},
		{`a{background:url(a\(b\).png)}`, "a{background:url(c.png)}"},
		{`a{background:url("x y.png")}`, `a{background:url("z.png")}`},
		{`a{background:url("a.png`, `a{background:url("b.png`},
		{`a{background:url(a.png`, `a{background:url(b.png`},
		{"@import 'a.css';", "@import 'b.css';"},
		{"@IMPORT /* c */ \"a.css\" screen;", "@IMPORT /* c */ \"b.css\" screen;"},
		{"@import url(a.css) print;", "@import url(b.css) print;"},
		{"a{content:'a.png'}", "a{content:'a.png'}"},
		{"a{background:url(other.png)}", "a{background:url(other.png)}"},
		{"a{background:url()}", "a{background:url()}"},
		{"a{background:url('')}", "a{background:url('')}"},
		{`a{background:url(\61 .png)}`, "a{background:url(b.png)}"},
		{`a{background:url("\000061.png")}`, `a{background:url("b.png")}`},
		{"a{background:url(a b)}", "a{background:url(a b)}"},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			assert := require.New(t)
			buf := new(bytes.Buffer)
			assert.NoError(scanner.TransformURLs([]byte(test.input), buf, r))
			assert.Equal(test.expected, buf.String())
		})
	}

	t.Run("empty urls never reach the transformer", func(t *testing.T) {
		assert := require.New(t)
		rec := &replacer{}
		_, err := scanner.TransformString("a{b:url()}c{d:url('')}e{f:url(\"\")}", rec)
		assert.NoError(err)
		assert.Empty(rec.seen)
	})

	t.Run("escaped replacement", func(t *testing.T) {
		assert := require.New(t)
		out, err := scanner.TransformString("a{b:url('a.png')}", scanner.TransformFunc(
			func(string) (string, scanner.TransformStatus) {
				return "it's (1).png", scanner.Success
			},
		))
		assert.NoError(err)
		assert.Equal(`a{b:url('it\'s\ \(1\).png')}`, out)
	})
}

func TestTransformURLsFailure(t *testing.T) {
	assert := require.New(t)
	base := mustParse("http://example.com/css/main.css")
	m := scanner.NewAssociationMap()
	m.Set("http://example.com/css/a.png", "http://cdn.example.net/a.png")
	m.Set("http://example.com/css/c.png", "http://cdn.example.net/c.png")
	tr := scanner.NewAssociationTransformer(base, m, nil)

	input := "a{background:url(a.png)} b{background:url(////)} c{background:url(c.png)}"
	buf := new(bytes.Buffer)
	err := scanner.TransformURLs([]byte(input), buf, tr)
	assert.ErrorIs(err, scanner.ErrTransformFailed)
	assert.Contains(err.Error(), "////")

	_, err = scanner.TransformString(input, tr)
	assert.ErrorIs(err, scanner.ErrTransformFailed)

	err = scanner.NewCounter(base).Count([]byte(input))
	assert.ErrorIs(err, scanner.ErrTransformFailed)
}

func TestTransformURLsRelocation(t *testing.T) {
	oldBase := mustParse("http://example.com/css/main.css")
	newBase := mustParse("http://example.com/pagespeed/main.css")

	t.Run("escaped urls are moved", func(t *testing.T) {
		assert := require.New(t)
		out, err := scanner.TransformString(`a{background:url(img/x\2e png)}b{background:url(img/y.png)}`,
			scanner.NewAbsolutifier(oldBase, newBase, false))
		assert.NoError(err)
		assert.Equal("a{background:url(http://example.com/css/img/x.png)}b{background:url(http://example.com/css/img/y.png)}", out)
	})

	t.Run("bad url", func(t *testing.T) {
		assert := require.New(t)
		input := "a{background:url(img/x y.png)}b{background:url(img/y.png)}"

		_, err := scanner.TransformString(input, scanner.NewAbsolutifier(oldBase, newBase, false))
		assert.ErrorIs(err, scanner.ErrTransformFailed)

		tr := scanner.NewAssociationTransformer(oldBase, nil, scanner.NewAbsolutifier(oldBase, nil, false))
		_, err = scanner.TransformString(input, tr)
		assert.ErrorIs(err, scanner.ErrTransformFailed)

		// Same directory, relative URLs still work.
		out, err := scanner.TransformString(input, scanner.NewAbsolutifier(oldBase, oldBase, false))
		assert.NoError(err)
		assert.Equal(input, out)

		out, err = scanner.TransformString(input, scanner.NewAssociationTransformer(oldBase, nil, nil))
		assert.NoError(err)
		assert.Equal(input, out)
	})
}

func TestFallbackScenario(t *testing.T) {
	assert := require.New(t)
	base := mustParse("http://example.com/")
	input := []byte("url('image.gif') url('http://example.com/before.css')")
	original := bytes.Clone(input)

	counter := scanner.NewCounter(base)
	assert.NoError(counter.Count(input))
	assert.Equal(map[string]int{
		"http://example.com/image.gif":  1,
		"http://example.com/before.css": 1,
	}, counter.Counts())
	assert.Equal([]string{
		"http://example.com/image.gif",
		"http://example.com/before.css",
	}, counter.URLs())

	tr := scanner.NewAssociationTransformer(base, nil, scanner.NewAbsolutifier(base, base, false))
	tr.Map().Set("http://example.com/before.css", "after.css")

	buf := new(bytes.Buffer)
	assert.NoError(scanner.TransformURLs(input, buf, tr))
	assert.Equal("url('image.gif') url('after.css')", buf.String())
	assert.Equal(original, input)
}

func TestCounter(t *testing.T) {
	assert := require.New(t)
	c := scanner.NewCounter(mustParse("http://example.com/css/"))
	assert.NoError(c.Count([]byte(`@import "a.css"; a{background:url(i.png)} b{background:url(../css/i.png)} c{background:url()}`)))
	assert.Equal(map[string]int{
		"http://example.com/css/a.css": 1,
		"http://example.com/css/i.png": 2,
	}, c.Counts())
}

func TestAssociationTransformer(t *testing.T) {
	base := mustParse("http://example.com/css/main.css")

	t.Run("round trip", func(t *testing.T) {
		assert := require.New(t)
		tr := scanner.NewAssociationTransformer(base, nil, nil)
		tr.Map().Set("http://example.com/css/A.png", "B.png")
		assert.Equal(1, tr.Map().Len())

		input := "x{background:url(A.png)} y{background:url(a.png)} z{color:A}"
		out, err := scanner.TransformString(input, tr)
		assert.NoError(err)
		assert.Equal(strings.Replace(input, "url(A.png)", "url(B.png)", 1), out)
	})

	t.Run("status", func(t *testing.T) {
		assert := require.New(t)
		tr := scanner.NewAssociationTransformer(base, nil, nil)
		tr.Map().Set("http://example.com/a.png", "http://cdn/a.png")

		res, status := tr.Transform("../a.png")
		assert.Equal(scanner.Success, status)
		assert.Equal("http://cdn/a.png", res)

		res, status = tr.Transform("b.png")
		assert.Equal(scanner.NoChange, status)
		assert.Equal("b.png", res)

		_, status = tr.Transform("////")
		assert.Equal(scanner.Failure, status)

		_, status = tr.Transform("")
		assert.Equal(scanner.NoChange, status)
	})
}

func TestAbsolutifier(t *testing.T) {
	oldBase := mustParse("http://example.com/css/a.css")
	newBase := mustParse("http://example.com/out/b.css")

	tests := []struct {
		name     string
		tr       *scanner.Absolutifier
		input    string
		expected string
		status   scanner.TransformStatus
	}{
		{"trim", scanner.NewAbsolutifier(oldBase, newBase, true), "img/x.png", "/css/img/x.png", scanner.Success},
		{"trim same dir", scanner.NewAbsolutifier(oldBase, oldBase, true), "img/x.png", "img/x.png", scanner.NoChange},
		{"absolute", scanner.NewAbsolutifier(oldBase, newBase, false), "img/x.png", "http://example.com/css/img/x.png", scanner.Success},
		{"same dir", scanner.NewAbsolutifier(oldBase, oldBase, false), "img/x.png", "img/x.png", scanner.NoChange},
		{"no base", scanner.NewAbsolutifier(oldBase, nil, true), "x.png", "http://example.com/css/x.png", scanner.Success},
		{"invalid", scanner.NewAbsolutifier(oldBase, newBase, false), "////", "////", scanner.Failure},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert := require.New(t)
			res, status := test.tr.Transform(test.input)
			assert.Equal(test.status, status)
			assert.Equal(test.expected, res)
		})
	}
}

func TestDetect(t *testing.T) {
	assert := require.New(t)
	assert.True(scanner.HasImport([]byte("@IMPORT 'a.css';")))
	assert.False(scanner.HasImport([]byte("a{color:red}")))
	assert.True(scanner.HasURL([]byte("a{b:URL(x)}")))
	assert.False(scanner.HasURL([]byte("a{b:c}")))

	assert.True(scanner.IsStylesheet("stylesheet"))
	assert.True(scanner.IsStylesheet("StyleSheet preload"))
	assert.False(scanner.IsStylesheet("alternate stylesheet"))
	assert.True(scanner.IsAlternateStylesheet("alternate stylesheet"))
	assert.True(scanner.IsStylesheetOrAlternate("alternate stylesheet"))
	assert.False(scanner.IsStylesheetOrAlternate("icon"))
}

func TestEscape(t *testing.T) {
	t.Run("escape", func(t *testing.T) {
		assert := require.New(t)
		assert.Equal("a.png", scanner.EscapeURL("a.png"))
		assert.Equal(`a\"b\ c%0A`, scanner.EscapeURL("a\"b c\n"))
		assert.Equal("data:image/png;base64,AAAA", scanner.EscapeURL("data:image/png;base64,AAAA"))
	})

	t.Run("unescape", func(t *testing.T) {
		tests := []struct {
			input    string
			expected string
		}{
			{`a.png`, "a.png"},
			{`a\(b\)\,c`, "a(b),c"},
			{`\41`, "A"},
			{`x\2e png`, "x.png"},
			{"x\\2E\tpng", "x.png"},
			{`\00004142`, "A42"},
			{`\0 x`, "\uFFFDx"},
			{`\d800`, "\uFFFD"},
			{`\110000`, "\uFFFD"},
			{`\e9t\E9 `, "été"},
			{"a\\\nb", "ab"},
			{`\z`, "z"},
		}
		for _, test := range tests {
			t.Run(test.input, func(t *testing.T) {
				assert := require.New(t)
				s, ok := scanner.Unescape([]byte(test.input))
				assert.True(ok)
				assert.Equal(test.expected, s)
			})
		}
	})

	t.Run("lone backslash", func(t *testing.T) {
		assert := require.New(t)
		_, ok := scanner.Unescape([]byte(`a\`))
		assert.False(ok)
	})
}
