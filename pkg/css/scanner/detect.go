// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package scanner

import (
	"bytes"
	"strings"
)

var (
	importKeyword = []byte("@import")
	urlFunction   = []byte("url(")
)

// HasImport returns true if contents may contain an @import rule.
func HasImport(contents []byte) bool {
	return containsFold(contents, importKeyword)
}

// HasURL returns true if contents may contain a url() token.
func HasURL(contents []byte) bool {
	return containsFold(contents, urlFunction)
}

func containsFold(s, sub []byte) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if bytes.EqualFold(s[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}

// IsStylesheetOrAlternate returns true when a link "rel" attribute
// designates a stylesheet, alternate or not.
func IsStylesheetOrAlternate(rel string) bool {
	for _, v := range strings.Fields(rel) {
		if strings.EqualFold(v, "stylesheet") {
			return true
		}
	}
	return false
}

// IsAlternateStylesheet returns true for "alternate stylesheet" links.
func IsAlternateStylesheet(rel string) bool {
	alternate := false
	for _, v := range strings.Fields(rel) {
		if strings.EqualFold(v, "alternate") {
			alternate = true
		}
	}
	return alternate && IsStylesheetOrAlternate(rel)
}

// IsStylesheet returns true for a link "rel" attribute designating a
// regular stylesheet.
func IsStylesheet(rel string) bool {
	return IsStylesheetOrAlternate(rel) && !IsAlternateStylesheet(rel)
}
