// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package urlutil provides the URL helpers shared by the CSS and HTML
// rewriters: resolution against a base, validity checks, left trimming
// and relativity preservation.
package urlutil

import (
	"net/url"
	"strings"
)

// Relativity is the form a URL was written in.
type Relativity uint8

const (
	// Absolute is a full URL with a scheme.
	Absolute Relativity = iota
	// NetPath is a scheme relative URL ("//host/path").
	NetPath
	// AbsolutePath is a host relative URL ("/path").
	AbsolutePath
	// Relative is a path relative URL ("img/a.png").
	Relative
)

// RelativityOf returns the form of a URL reference.
func RelativityOf(ref string) Relativity {
	switch {
	case strings.HasPrefix(ref, "//"):
		return NetPath
	case strings.HasPrefix(ref, "/"):
		return AbsolutePath
	}
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		return Absolute
	}
	return Relative
}

// IsValid returns true when u is an absolute URL that can be fetched
// or inlined.
func IsValid(u *url.URL) bool {
	if u == nil || u.Scheme == "" {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return u.Host != ""
	case "data":
		return u.Opaque != ""
	}
	return u.Opaque != "" || u.Host != "" || u.Path != ""
}

// Resolve resolves ref against base. The second return value is false when
// ref cannot be parsed or the result is not a valid URL.
func Resolve(base *url.URL, ref string) (*url.URL, bool) {
	r, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	// "////" and friends: an authority marker without a host.
	if strings.HasPrefix(ref, "//") && r.Host == "" {
		return nil, false
	}
	if base != nil && !r.IsAbs() {
		r = base.ResolveReference(r)
	}
	if !IsValid(r) {
		return nil, false
	}
	return r, true
}

// ResolveString is [Resolve] returning a string, empty when invalid.
func ResolveString(base *url.URL, ref string) string {
	if u, ok := Resolve(base, ref); ok {
		return u.String()
	}
	return ""
}

// AllExceptLeaf returns the URL of the directory containing u, without
// query or fragment.
func AllExceptLeaf(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.Opaque != "" {
		return u.Scheme + ":"
	}
	return u.ResolveReference(&url.URL{Path: "./"}).String()
}

// Trim left-trims target against base. Same origin URLs lose their scheme
// and host, and URLs below the base directory become path relative.
// The target is returned unchanged when it cannot be shortened.
func Trim(base *url.URL, target string) string {
	if base == nil {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() || u.Opaque != "" || u.User != nil {
		return target
	}
	if u.Scheme != base.Scheme {
		return target
	}
	if u.Host != base.Host {
		return strings.TrimPrefix(target, u.Scheme+":")
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	rest := ""
	if u.ForceQuery || u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rest += "#" + u.EscapedFragment()
	}

	dir := base.EscapedPath()
	if i := strings.LastIndexByte(dir, '/'); i >= 0 {
		dir = dir[:i+1]
	} else {
		dir = "/"
	}
	if strings.HasPrefix(p, dir) && len(p) > len(dir) {
		rel := p[len(dir):]
		first, _, _ := strings.Cut(rel, "/")
		if !strings.Contains(first, ":") {
			return rel + rest
		}
	}
	return p + rest
}

// Relativize returns abs written with the given relativity against base.
// Absolute URLs pass through unchanged.
func Relativize(abs string, rel Relativity, base *url.URL) string {
	if base == nil || rel == Absolute {
		return abs
	}
	u, err := url.Parse(abs)
	if err != nil || !u.IsAbs() || u.Opaque != "" || u.Scheme != base.Scheme {
		return abs
	}
	switch rel {
	case NetPath:
		return strings.TrimPrefix(abs, u.Scheme+":")
	case AbsolutePath:
		if u.Host != base.Host {
			return strings.TrimPrefix(abs, u.Scheme+":")
		}
		trimmed := Trim(base, abs)
		if strings.HasPrefix(trimmed, "/") {
			return trimmed
		}
		return strings.TrimPrefix(abs, u.Scheme+"://"+u.Host)
	}
	return Trim(base, abs)
}

// IsWebOrData returns true for valid http, https and data URLs.
func IsWebOrData(u *url.URL) bool {
	if !IsValid(u) {
		return false
	}
	switch u.Scheme {
	case "http", "https", "data":
		return true
	}
	return false
}
