// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package stylesheet

import (
	"io"
	"slices"
	"strings"

	"github.com/tdewolff/parse/v2/css"
)

// String returns the compact CSS text of the stylesheet.
func (s *Stylesheet) String() string {
	sb := new(strings.Builder)
	s.write(sb)
	return sb.String()
}

// WriteTo writes the compact CSS text of the stylesheet to w.
func (s *Stylesheet) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, s.String())
	return int64(n), err
}

func (s *Stylesheet) write(sb *strings.Builder) {
	if len(s.Charsets) > 0 {
		sb.WriteString(`@charset "`)
		sb.WriteString(escapeString(s.Charsets[0]))
		sb.WriteString(`";`)
	}
	for _, imp := range s.Imports {
		sb.WriteString(imp.String())
	}

	var media []string
	open := false
	for i, rs := range s.Rulesets {
		if i == 0 || !slices.Equal(media, rs.Media) {
			if open {
				sb.WriteByte('}')
				open = false
			}
			media = rs.Media
			if len(media) > 0 {
				sb.WriteString("@media ")
				sb.WriteString(strings.Join(media, ","))
				sb.WriteByte('{')
				open = true
			}
		}
		rs.write(sb)
	}
	if open {
		sb.WriteByte('}')
	}
}

// String returns the @import rule text.
func (imp *Import) String() string {
	sb := new(strings.Builder)
	sb.WriteString("@import ")
	sb.WriteString(FormatURL(imp.Link))
	if len(imp.Media) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(imp.Media, ","))
	}
	sb.WriteByte(';')
	return sb.String()
}

// String returns the ruleset text, without its media.
func (rs *Ruleset) String() string {
	sb := new(strings.Builder)
	rs.write(sb)
	return sb.String()
}

func (rs *Ruleset) write(sb *strings.Builder) {
	switch rs.Type {
	case RawType:
		sb.WriteString(rs.Raw)
		return
	case FontFaceType:
		sb.WriteString("@font-face")
	default:
		sb.WriteString(rs.Selectors)
	}
	sb.WriteByte('{')
	rs.Declarations.write(sb)
	sb.WriteByte('}')
}

// String returns the declarations separated by semicolons, suitable for
// a style attribute.
func (d Declarations) String() string {
	sb := new(strings.Builder)
	d.write(sb)
	return sb.String()
}

func (d Declarations) write(sb *strings.Builder) {
	for i, decl := range d {
		if i > 0 {
			sb.WriteByte(';')
		}
		decl.write(sb)
	}
}

// String returns "property:values".
func (d *Declaration) String() string {
	sb := new(strings.Builder)
	d.write(sb)
	return sb.String()
}

func (d *Declaration) write(sb *strings.Builder) {
	if d.Raw != "" {
		sb.WriteString(d.Raw)
		return
	}
	sb.WriteString(d.Property)
	sb.WriteByte(':')
	d.Values.write(sb)
	if d.Important {
		sb.WriteString("!important")
	}
}

// String returns the values text.
func (v Values) String() string {
	sb := new(strings.Builder)
	v.write(sb)
	return sb.String()
}

func (v Values) write(sb *strings.Builder) {
	for _, x := range v {
		if x.IsURI() {
			sb.WriteString(FormatURL(x.Text))
			continue
		}
		sb.WriteString(x.Text)
	}
}

// FormatURL returns a url() token for u, quoted only when needed.
func FormatURL(u string) string {
	if u != "" && css.IsURLUnquoted([]byte(u)) {
		return "url(" + u + ")"
	}
	return `url("` + escapeString(u) + `")`
}

func escapeString(s string) string {
	if !strings.ContainsAny(s, "\"\\\n\r\f") {
		return s
	}
	sb := new(strings.Builder)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\a `)
		case '\r':
			sb.WriteString(`\d `)
		case '\f':
			sb.WriteString(`\c `)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
