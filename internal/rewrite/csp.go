// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package rewrite

import (
	"strings"
)

type cspPolicy map[string][]string

// CSP is a set of content security policies, from response headers and
// meta elements. Every policy must allow an operation.
type CSP struct {
	policies []cspPolicy
}

// AddPolicy parses a policy and adds it to the set.
func (c *CSP) AddPolicy(value string) {
	p := cspPolicy{}
	for _, directive := range strings.Split(value, ";") {
		fields := strings.Fields(directive)
		if len(fields) == 0 {
			continue
		}
		name := strings.ToLower(fields[0])
		if _, ok := p[name]; ok {
			// Only the first occurrence of a directive counts.
			continue
		}
		sources := make([]string, len(fields)-1)
		for i, s := range fields[1:] {
			sources[i] = strings.ToLower(s)
		}
		p[name] = sources
	}
	if len(p) > 0 {
		c.policies = append(c.policies, p)
	}
}

// Present returns true when at least one policy applies.
func (c *CSP) Present() bool {
	return c != nil && len(c.policies) > 0
}

// PermitsInlineStyle returns true when inline styles (style elements and
// attributes) are allowed.
func (c *CSP) PermitsInlineStyle() bool {
	if c == nil {
		return true
	}
	for _, p := range c.policies {
		if !p.permitsInline("style-src-attr", "style-src-elem", "style-src", "default-src") {
			return false
		}
	}
	return true
}

func (p cspPolicy) permitsInline(directives ...string) bool {
	for _, d := range directives {
		sources, ok := p[d]
		if !ok {
			continue
		}
		inline := false
		for _, s := range sources {
			switch {
			case s == "'unsafe-inline'":
				inline = true
			case strings.HasPrefix(s, "'nonce-"), strings.HasPrefix(s, "'sha"):
				// 'unsafe-inline' is ignored when a nonce or a hash is present.
				return false
			}
		}
		return inline
	}
	return true
}
