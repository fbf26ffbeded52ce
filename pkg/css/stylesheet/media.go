// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package stylesheet

import (
	"slices"
	"strings"

	"github.com/tdewolff/parse/v2/css"
)

// SplitMediaQueries splits a media query list on its top level commas.
func SplitMediaQueries(s string) []string {
	var res []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				if q := strings.TrimSpace(s[start:i]); q != "" {
					res = append(res, q)
				}
				start = i + 1
			}
		}
	}
	if q := strings.TrimSpace(s[start:]); q != "" {
		res = append(res, q)
	}
	return res
}

// IsSimpleMedia returns true when every query is a plain media type
// ("screen", "print"...). Only those can be merged when flattening.
func IsSimpleMedia(queries []string) bool {
	for _, q := range queries {
		if !css.IsIdent([]byte(q)) {
			return false
		}
		switch strings.ToLower(q) {
		case "not", "only", "and":
			return false
		}
	}
	return true
}

// NormalizeMedia returns a sorted, lower case, de-duplicated copy of a
// simple media list. A list containing "all" is the same as no list.
// The second value is false when the list is not simple.
func NormalizeMedia(queries []string) ([]string, bool) {
	if !IsSimpleMedia(queries) {
		return nil, false
	}
	res := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.ToLower(q)
		if q == "all" {
			return []string{}, true
		}
		res = append(res, q)
	}
	slices.Sort(res)
	return slices.Compact(res), true
}

// IntersectMedia returns the media types of a that are also in b. Both
// lists must be normalized, an empty list meaning "all media". The second
// value is false when the lists have nothing in common.
func IntersectMedia(a, b []string) ([]string, bool) {
	if len(a) == 0 {
		return slices.Clone(b), true
	}
	if len(b) == 0 {
		return slices.Clone(a), true
	}
	res := []string{}
	for _, x := range a {
		if _, ok := slices.BinarySearch(b, x); ok {
			res = append(res, x)
		}
	}
	return res, len(res) > 0
}
