// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package cache provides the key/value stores used to keep rewrite
// results between requests, and a typed cache storing compressed JSON
// documents on top of them.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"
)

// Key returns a short key made of the hash of every part.
func Key(parts ...string) string {
	h := xxhash.New()
	for _, p := range parts {
		h.WriteString(p)      //nolint:errcheck
		h.WriteString("\x1f") //nolint:errcheck
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

// Metadata is a typed cache. Values are stored as s2 compressed JSON.
type Metadata[T any] struct {
	store Store
	ttl   time.Duration
}

// NewMetadata returns a [Metadata] cache on top of a [Store]. A zero
// ttl keeps entries forever.
func NewMetadata[T any](store Store, ttl time.Duration) *Metadata[T] {
	return &Metadata[T]{store: store, ttl: ttl}
}

// Get returns the value stored for a key, or [ErrNotFound].
func (m *Metadata[T]) Get(ctx context.Context, key string) (*T, error) {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	if data, err = s2.Decode(nil, data); err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", key, err)
	}

	res := new(T)
	if err = json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("cache entry %s: %w", key, err)
	}
	return res, nil
}

// Put stores a value.
func (m *Metadata[T]) Put(ctx context.Context, key string, value *T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, s2.Encode(nil, data), m.ttl)
}

// Delete removes a value.
func (m *Metadata[T]) Delete(ctx context.Context, key string) error {
	return m.store.Del(ctx, key)
}
