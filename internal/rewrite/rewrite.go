// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package rewrite is the asynchronous rewriting framework.
//
// A [Server] holds what is shared by every request: options, resource
// loader, output store, metadata cache and statistics. A [Driver] is
// created for each document and starts top-level [Context] instances.
// Each context owns slots (where its input resources are used) and may
// create nested contexts. A context is harvested once all its nested
// contexts are finished, and its results are then rendered into its
// slots.
package rewrite

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"codeberg.org/readeck/pagespeed/internal/metrics"
	"codeberg.org/readeck/pagespeed/internal/options"
)

const levelTrace = slog.LevelDebug - 10

var (
	// ErrTooBusy is returned when the server cannot accept more work.
	ErrTooBusy = errors.New("server too busy")
	// ErrPartitioned is returned when adding a slot to a context that
	// already started.
	ErrPartitioned = errors.New("context already partitioned")
	// ErrHarvested is returned when adding a nested context to a context
	// that is harvesting.
	ErrHarvested = errors.New("context already harvested")
	// ErrPanic is returned when an expensive operation panics.
	ErrPanic = errors.New("expensive operation panic")
)

// Status is the result of a rewrite.
type Status uint8

const (
	// Pending is the status of a partition that was not rewritten yet.
	Pending Status = iota
	// RewriteOK is a successful rewrite.
	RewriteOK
	// RewriteFailed is a failed rewrite. The original content is kept.
	RewriteFailed
	// TooBusy is a rewrite that was not attempted because of the load.
	// It is never cached.
	TooBusy
)

func (s Status) String() string {
	switch s {
	case RewriteOK:
		return metrics.StatusOK
	case RewriteFailed:
		return metrics.StatusFailed
	case TooBusy:
		return metrics.StatusTooBusy
	}
	return "pending"
}

// Options are the resolved and immutable rewriting options.
// [options.Options] implements it.
type Options interface {
	Enabled(f options.Filter) bool
	CSSImageInlineMaxBytes() int64
	ImageInlineMaxBytes() int64
	CSSFlattenMaxBytes() int64
	CSSFlattenMaxDepth() int
	AlwaysRewriteCSS() bool
	PreferFallbackCSS() bool
	RewriteRandomDropPercentage() int
	CSSPreserveURLs() bool
	ImagePreserveURLs() bool
	ImageJPEGQuality() int
	RewriteDeadline() time.Duration
	IsAllowed(u string) bool
	Signature() string
}

// Rewriter is the filter specific part of a [Context].
type Rewriter interface {
	// ID is a short identifier of the rewriter, used in cache keys, output
	// names and statistics.
	ID() string

	// RewriteSingle rewrites one partition of the context. Nested contexts
	// added during the call start once it returns.
	RewriteSingle(ctx context.Context, c *Context, p *Partition) Status
}

// Harvester is implemented by rewriters that have work to do once every
// nested context is finished. The returned status replaces the status of
// the successful partitions.
type Harvester interface {
	Harvest(ctx context.Context, c *Context) Status
}

// Renderer is implemented by rewriters that render their results
// themselves. [Context.RenderSlots] provides the default rendering.
type Renderer interface {
	Render(c *Context)
}

// RenderPolicy is implemented by rewriters that can be forbidden to
// render (ie. by a content security policy).
type RenderPolicy interface {
	PolicyPermitsRendering(c *Context) bool
}

// CacheKeyer is implemented by rewriters whose results depend on more
// than their options and input URLs.
type CacheKeyer interface {
	UserAgentCacheKey(c *Context) string
	CacheKeySuffix(c *Context) string
}

// Partitioner is implemented by rewriters that split their inputs. It is
// called once the inputs are loaded.
type Partitioner interface {
	Partition(ctx context.Context, c *Context) ([]*Partition, error)
}
