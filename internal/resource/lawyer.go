// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package resource

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// DomainLawyer decides which hosts resources can be loaded from. The
// host of the document being rewritten is always authorized.
type DomainLawyer struct {
	all      bool
	hosts    map[string]struct{}
	suffixes []string
}

// NewDomainLawyer returns a [DomainLawyer] authorizing the given domains.
// A domain starting with "*." authorizes every sub domain, and "*"
// authorizes everything.
func NewDomainLawyer(domains ...string) (*DomainLawyer, error) {
	l := &DomainLawyer{hosts: map[string]struct{}{}}
	for _, d := range domains {
		d = strings.TrimSpace(d)
		switch {
		case d == "":
			continue
		case d == "*":
			l.all = true
		case strings.HasPrefix(d, "*."):
			h, err := normalizeHost(d[2:])
			if err != nil {
				return nil, err
			}
			l.suffixes = append(l.suffixes, "."+h)
		default:
			h, err := normalizeHost(d)
			if err != nil {
				return nil, err
			}
			l.hosts[h] = struct{}{}
		}
	}
	return l, nil
}

func normalizeHost(h string) (string, error) {
	res, err := idna.Lookup.ToASCII(strings.ToLower(h))
	if err != nil {
		return "", fmt.Errorf("invalid domain %q: %w", h, err)
	}
	return res, nil
}

// IsAuthorized returns true when target can be loaded for a document
// at base. data: URLs are always authorized.
func (l *DomainLawyer) IsAuthorized(base, target *url.URL) bool {
	if target.Scheme == "data" {
		return true
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return false
	}

	host, err := normalizeHost(target.Hostname())
	if err != nil {
		return false
	}
	if base != nil && strings.EqualFold(base.Host, target.Host) && base.Scheme == target.Scheme {
		return true
	}
	if l == nil {
		return false
	}
	if l.all {
		return true
	}
	if _, ok := l.hosts[host]; ok {
		return true
	}
	for _, s := range l.suffixes {
		if strings.HasSuffix(host, s) || host == s[1:] {
			return true
		}
	}
	return false
}
