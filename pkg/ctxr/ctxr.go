// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package ctxr provides typed context storage.
package ctxr

import (
	"context"
)

// Key is a typed context key. Two keys never collide, even with the
// same name.
type Key[T any] struct {
	name string
}

// NewKey returns a new [Key]. The name is only used for debugging.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

// String returns the key name.
func (k *Key[T]) String() string {
	return "ctxr." + k.name
}

// With returns a new context holding the value.
func (k *Key[T]) With(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

// Value returns the context value, and true when it was present.
func (k *Key[T]) Value(ctx context.Context) (v T, ok bool) {
	v, ok = ctx.Value(k).(T)
	return
}

// Get returns the context value, or the zero value of T.
func (k *Key[T]) Get(ctx context.Context) T {
	v, _ := k.Value(ctx)
	return v
}

// MustGet returns the context value and panics when it is missing.
func (k *Key[T]) MustGet(ctx context.Context) T {
	v, ok := k.Value(ctx)
	if !ok {
		panic(k.String() + " not found in context")
	}
	return v
}
