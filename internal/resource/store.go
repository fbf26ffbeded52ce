// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package resource

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Output is a rewritten resource, served under its output name.
type Output struct {
	Name        string
	ContentType string
	Contents    []byte
}

// Store keeps output resources.
type Store interface {
	Put(ctx context.Context, out *Output) error
	Get(ctx context.Context, name string) (*Output, error)
}

// OutputName returns the name of a rewritten resource:
// "<leaf>.pagespeed.<filter id>.<hash><ext>". The hash only depends on
// the contents, so an output name changes when its contents change.
func OutputName(inputURL, filterID, contentType string, contents []byte) string {
	leaf := "resource"
	if u, err := url.Parse(inputURL); err == nil && u.Scheme != "data" {
		if p := path.Base(u.Path); p != "." && p != "/" && p != "" {
			leaf = p
		}
	}
	if l, _, ok := strings.Cut(leaf, ".pagespeed."); ok {
		leaf = l
	}
	leaf = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, leaf)

	id := uuid.NewSHA1(uuid.NameSpaceURL, contents)
	hash := strings.ReplaceAll(id.String(), "-", "")[:10]

	return leaf + ".pagespeed." + filterID + "." + hash + GetExtension(contentType)
}

// IsOutputName returns true when the URL was produced by [OutputName].
func IsOutputName(u string) bool {
	return strings.Contains(u, ".pagespeed.")
}

// MemStore is an in memory [Store].
type MemStore struct {
	sync.RWMutex
	items map[string]*Output
}

// NewMemStore returns a new [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{items: map[string]*Output{}}
}

// Put implements [Store].
func (s *MemStore) Put(_ context.Context, out *Output) error {
	s.Lock()
	defer s.Unlock()
	s.items[out.Name] = out
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, name string) (*Output, error) {
	s.RLock()
	defer s.RUnlock()
	out, ok := s.items[name]
	if !ok {
		return nil, ErrNotFound
	}
	return out, nil
}

// Len returns the number of stored outputs.
func (s *MemStore) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.items)
}

// FileStore is a [Store] that saves outputs in a directory. The content
// type is given by the file extension.
type FileStore struct {
	root string
}

// NewFileStore returns a [FileStore]. The directory is created when
// missing.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", ErrNotFound
	}
	return filepath.Join(s.root, name), nil
}

// Put implements [Store]. Files are written to a temporary file first
// and then renamed.
func (s *FileStore) Put(_ context.Context, out *Output) error {
	dest, err := s.path(out.Name)
	if err != nil {
		return err
	}
	fd, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err = fd.Write(out.Contents); err != nil {
		fd.Close()           //nolint:errcheck
		os.Remove(fd.Name()) //nolint:errcheck
		return err
	}
	if err = fd.Close(); err != nil {
		os.Remove(fd.Name()) //nolint:errcheck
		return err
	}
	return os.Rename(fd.Name(), dest)
}

// Get implements [Store].
func (s *FileStore) Get(_ context.Context, name string) (*Output, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Output{
		Name:        name,
		ContentType: TypeByExtension(path.Ext(name)),
		Contents:    contents,
	}, nil
}
