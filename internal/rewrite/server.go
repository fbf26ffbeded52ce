// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"codeberg.org/readeck/pagespeed/internal/cache"
	"codeberg.org/readeck/pagespeed/internal/metrics"
	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
)

// DefaultOutputBase is the default base URL of output resources.
const DefaultOutputBase = "/pagespeed/"

// Server holds everything shared by the rewrites of every document.
type Server struct {
	options    Options
	loader     *resource.Loader
	lawyer     *resource.DomainLawyer
	store      resource.Store
	outputBase *url.URL
	cache      *cache.Metadata[cacheEntry]
	stats      *metrics.Stats
	logger     *slog.Logger
	workers    int

	pool *ants.Pool

	randMu sync.Mutex
	rand   *rand.Rand
}

// ServerOption is a function that sets a [Server] property.
type ServerOption func(s *Server)

// WithOptions sets the rewriting options.
func WithOptions(o Options) ServerOption {
	return func(s *Server) {
		s.options = o
	}
}

// WithLoader sets the resource loader.
func WithLoader(l *resource.Loader) ServerOption {
	return func(s *Server) {
		s.loader = l
	}
}

// WithDomainLawyer sets the domains resources can be loaded from.
func WithDomainLawyer(l *resource.DomainLawyer) ServerOption {
	return func(s *Server) {
		s.lawyer = l
	}
}

// WithStore sets the output resource store.
func WithStore(store resource.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithOutputBase sets the base URL of output resources. A relative URL
// is resolved against each document URL.
func WithOutputBase(u *url.URL) ServerOption {
	return func(s *Server) {
		s.outputBase = u
	}
}

// WithCache sets the metadata cache store. A nil store disables the
// metadata cache.
func WithCache(store cache.Store, ttl time.Duration) ServerOption {
	return func(s *Server) {
		if store == nil {
			s.cache = nil
			return
		}
		s.cache = cache.NewMetadata[cacheEntry](store, ttl)
	}
}

// WithStats sets the statistics.
func WithStats(stats *metrics.Stats) ServerOption {
	return func(s *Server) {
		s.stats = stats
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWorkers sets the number of concurrent expensive operations.
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		s.workers = n
	}
}

// WithRandSeed sets the seed of the random source used by the random
// drop of rewrites.
func WithRandSeed(seed uint64) ServerOption {
	return func(s *Server) {
		s.rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

type poolLogger struct {
	logger *slog.Logger
}

func (l poolLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

// NewServer returns a new [Server].
func NewServer(opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:  slog.Default(),
		workers: runtime.NumCPU(),
	}
	WithCache(cache.NewMemStore(), 24*time.Hour)(s)

	for _, fn := range opts {
		fn(s)
	}

	if s.options == nil {
		s.options = options.New()
	}
	if s.stats == nil {
		s.stats = metrics.New(false)
	}
	if s.loader == nil {
		s.loader = resource.NewLoader(
			resource.WithLogger(s.logger),
			resource.WithObserver(s.stats),
		)
	}
	if s.store == nil {
		s.store = resource.NewMemStore()
	}
	if s.outputBase == nil {
		s.outputBase, _ = url.Parse(DefaultOutputBase)
	}
	if s.rand == nil {
		WithRandSeed(uint64(time.Now().UnixNano()))(s) //nolint:gosec
	}
	if s.workers < 1 {
		s.workers = 1
	}

	var err error
	s.pool, err = ants.NewPool(s.workers,
		ants.WithMaxBlockingTasks(s.workers*4),
		ants.WithLogger(poolLogger{s.logger}),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Close releases the server's workers.
func (s *Server) Close() {
	s.pool.Release()
}

// Options returns the rewriting options.
func (s *Server) Options() Options {
	return s.options
}

// Loader returns the resource loader.
func (s *Server) Loader() *resource.Loader {
	return s.loader
}

// Store returns the output resource store.
func (s *Server) Store() resource.Store {
	return s.store
}

// Stats returns the server statistics.
func (s *Server) Stats() *metrics.Stats {
	return s.stats
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// OutputBase returns the base URL of output resources.
func (s *Server) OutputBase() *url.URL {
	return s.outputBase
}

// RandomIntN returns a random number in [0,n).
func (s *Server) RandomIntN(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.IntN(n)
}

// RunExpensive runs fn in the expensive operation pool and waits for it.
// It returns [ErrTooBusy] when the pool is overloaded and an error
// wrapping [ErrPanic] when fn panics.
func (s *Server) RunExpensive(fn func()) error {
	done := make(chan struct{})
	var perr error
	err := s.pool.Submit(func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("expensive operation panic", slog.Any("err", r))
				perr = fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		fn()
	})
	if errors.Is(err, ants.ErrPoolOverload) {
		return ErrTooBusy
	}
	if err != nil {
		return err
	}
	<-done
	return perr
}

func (s *Server) lookup(ctx context.Context, key string) (*cacheEntry, bool) {
	if s.cache == nil {
		return nil, false
	}
	entry, err := s.cache.Get(ctx, key)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn("metadata cache", slog.Any("err", err))
	}
	s.stats.RecordCacheLookup(err == nil)
	return entry, err == nil
}

func (s *Server) remember(ctx context.Context, key string, entry *cacheEntry) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, key, entry); err != nil {
		s.logger.Warn("metadata cache", slog.Any("err", err))
	}
}
