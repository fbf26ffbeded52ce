// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package scanner

import (
	"io"
	"net/url"
	"sync"

	"codeberg.org/readeck/pagespeed/pkg/urlutil"
)

// Counter records how many times each absolute URL occurs in a document.
// It writes nothing.
type Counter struct {
	base   *url.URL
	counts map[string]int
	order  []string
}

// NewCounter returns a [Counter] resolving URLs against base.
func NewCounter(base *url.URL) *Counter {
	return &Counter{base: base, counts: map[string]int{}}
}

// Transform implements [Transformer].
func (c *Counter) Transform(u string) (string, TransformStatus) {
	if u == "" {
		return u, NoChange
	}
	abs, ok := urlutil.Resolve(c.base, u)
	if !ok || !urlutil.IsWebOrData(abs) {
		return u, Failure
	}
	s := abs.String()
	if _, seen := c.counts[s]; !seen {
		c.order = append(c.order, s)
	}
	c.counts[s]++
	return u, NoChange
}

// Count scans contents. It fails when one URL cannot be resolved.
func (c *Counter) Count(contents []byte) error {
	return scan(contents, io.Discard, c)
}

// Counts returns the absolute URL occurrences.
func (c *Counter) Counts() map[string]int {
	return c.counts
}

// URLs returns the absolute URLs in order of first occurrence.
func (c *Counter) URLs() []string {
	return c.order
}

// AssociationMap maps absolute input URLs to their rewritten URLs.
// Entries are written by the nested rewrites once they render and read by
// an [AssociationTransformer]. It is safe for concurrent use.
type AssociationMap struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewAssociationMap returns an empty map.
func NewAssociationMap() *AssociationMap {
	return &AssociationMap{m: map[string]string{}}
}

// Set associates key to value.
func (m *AssociationMap) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
}

// Get returns the value for key.
func (m *AssociationMap) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	return v, ok
}

// Len returns the number of associations.
func (m *AssociationMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// AssociationTransformer replaces URLs that have an entry in its map and
// hands the others to an optional backup transformer.
type AssociationTransformer struct {
	base   *url.URL
	m      *AssociationMap
	backup Transformer
}

// NewAssociationTransformer returns an [AssociationTransformer]. backup
// can be nil.
func NewAssociationTransformer(base *url.URL, m *AssociationMap, backup Transformer) *AssociationTransformer {
	if m == nil {
		m = NewAssociationMap()
	}
	return &AssociationTransformer{base: base, m: m, backup: backup}
}

// Map returns the transformer's association map.
func (t *AssociationTransformer) Map() *AssociationMap {
	return t.m
}

// Transform implements [Transformer].
func (t *AssociationTransformer) Transform(u string) (string, TransformStatus) {
	if u == "" {
		return u, NoChange
	}
	abs, ok := urlutil.Resolve(t.base, u)
	if !ok || !urlutil.IsWebOrData(abs) {
		return u, Failure
	}
	if v, ok := t.m.Get(abs.String()); ok {
		return v, Success
	}
	if t.backup != nil {
		return t.backup.Transform(u)
	}
	return u, NoChange
}

// Relocates implements [Relocator]. It is true when the backup
// transformer relocates.
func (t *AssociationTransformer) Relocates() bool {
	return t.backup != nil && relocates(t.backup)
}

// Absolutifier moves URLs from one base to another. URLs are resolved
// against the old base then, when trimming is on, left-trimmed against the
// new one. Relative URLs are kept when both bases share a directory.
type Absolutifier struct {
	oldBase *url.URL
	newBase *url.URL
	trim    bool
	sameDir bool
}

// NewAbsolutifier returns an [Absolutifier]. newBase can be nil, URLs are
// then made absolute.
func NewAbsolutifier(oldBase, newBase *url.URL, trim bool) *Absolutifier {
	return &Absolutifier{
		oldBase: oldBase,
		newBase: newBase,
		trim:    trim && newBase != nil,
		sameDir: newBase != nil && urlutil.AllExceptLeaf(oldBase) == urlutil.AllExceptLeaf(newBase),
	}
}

// Transform implements [Transformer].
func (t *Absolutifier) Transform(u string) (string, TransformStatus) {
	if u == "" {
		return u, NoChange
	}
	abs, ok := urlutil.Resolve(t.oldBase, u)
	if !ok {
		return u, Failure
	}

	res := abs.String()
	switch {
	case t.trim:
		res = urlutil.Trim(t.newBase, res)
	case t.sameDir:
		res = u
	}
	if res == u {
		return u, NoChange
	}
	return res, Success
}

// Relocates implements [Relocator]. Relative URLs stay valid when both
// bases share a directory.
func (t *Absolutifier) Relocates() bool {
	return !t.sameDir
}
