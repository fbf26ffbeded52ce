// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package scanner

import (
	"bytes"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"
)

// Unescape decodes the CSS escapes of a string or url() token content.
// A backslash followed by 1 to 6 hex digits (and one optional white
// space) is a code point, an escaped newline is removed and any other
// escaped character stands for itself. It returns false when the text
// ends with a lone backslash.
func Unescape(b []byte) (string, bool) {
	if bytes.IndexByte(b, '\\') < 0 {
		return string(b), true
	}

	sb := new(strings.Builder)
	sb.Grow(len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(b) {
			return "", false
		}

		switch n := b[i]; {
		case n == '\n' || n == '\f':
		case n == '\r':
			if i+1 < len(b) && b[i+1] == '\n' {
				i++
			}
		case isHex(n):
			j := i
			for j < len(b) && j-i < 6 && isHex(b[j]) {
				j++
			}
			cp, _ := strconv.ParseUint(string(b[i:j]), 16, 32)
			r := rune(cp)
			if cp == 0 || cp > unicode.MaxRune || utf16.IsSurrogate(r) {
				r = utf8.RuneError
			}
			sb.WriteRune(r)
			i = j - 1
			if j < len(b) {
				switch b[j] {
				case ' ', '\t', '\n', '\f':
					i = j
				case '\r':
					i = j
					if j+1 < len(b) && b[j+1] == '\n' {
						i++
					}
				}
			}
		default:
			sb.WriteByte(n)
		}
	}
	return sb.String(), true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// EscapeURL escapes a URL so it can be written between quotes or in an
// unquoted url() token. Commas are valid in both and kept as is.
func EscapeURL(u string) string {
	if !strings.ContainsAny(u, "\\\"'() \t\r\n\f") {
		return u
	}

	sb := new(strings.Builder)
	sb.Grow(len(u) + 4)
	for i := 0; i < len(u); i++ {
		switch c := u[i]; c {
		case '\\', '"', '\'', '(', ')', ' ':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\t':
			sb.WriteString("%09")
		case '\n':
			sb.WriteString("%0A")
		case '\f':
			sb.WriteString("%0C")
		case '\r':
			sb.WriteString("%0D")
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// URLFromToken returns the unescaped URL of a url() token. It returns
// false for empty URLs and undecodable escapes.
func URLFromToken(data []byte) (string, bool) {
	tok, ok := splitURLToken(data)
	return tok.value, ok
}
