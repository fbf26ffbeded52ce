// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package rewrite

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"codeberg.org/readeck/pagespeed/internal/cache"
	"codeberg.org/readeck/pagespeed/internal/resource"
)

// State is the state of a [Context].
type State uint8

// Context states.
const (
	Created State = iota
	Partitioned
	AwaitingNested
	Harvesting
	Done
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Partitioned:
		return "partitioned"
	case AwaitingNested:
		return "awaiting nested"
	case Harvesting:
		return "harvesting"
	}
	return "done"
}

// Context is a unit of rewriting work. It owns slots and nested contexts.
// Its [Rewriter] does the filter specific work.
type Context struct {
	driver   *Driver
	parent   *Context
	rewriter Rewriter
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	slots      []Slot
	nested     []*Context
	partitions []*Partition
	cached     bool
	harvested  bool
	rendered   bool

	// renderMu is held while nested contexts render into this context.
	renderMu sync.Mutex

	started  atomic.Bool
	detached atomic.Bool
	done     chan struct{}
}

// NewContext returns a new [Context]. parent is nil for top-level
// contexts.
func NewContext(d *Driver, parent *Context, rw Rewriter) *Context {
	return &Context{
		driver:   d,
		parent:   parent,
		rewriter: rw,
		logger:   d.logger.With(slog.String("filter", rw.ID())),
		done:     make(chan struct{}),
	}
}

// Driver returns the context's driver.
func (c *Context) Driver() *Driver {
	return c.driver
}

// Options returns the rewriting options.
func (c *Context) Options() Options {
	return c.driver.server.options
}

// Logger returns the context's logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Parent returns the parent context, or nil.
func (c *Context) Parent() *Context {
	return c.parent
}

// Rewriter returns the context's rewriter.
func (c *Context) Rewriter() Rewriter {
	return c.rewriter
}

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed once the context is finished.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// IsDone returns true once the context is finished.
func (c *Context) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// IsCached returns true when the results came from the metadata cache.
func (c *Context) IsCached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

// AddSlot adds a slot. It fails once the context started.
func (c *Context) AddSlot(s Slot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Created || c.started.Load() {
		return ErrPartitioned
	}
	c.slots = append(c.slots, s)
	return nil
}

// Slots returns the context's slots.
func (c *Context) Slots() []Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots
}

// Slot returns the slot at index i.
func (c *Context) Slot(i int) Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[i]
}

// AddNestedContext adds a nested context. It starts once the current
// [Rewriter.RewriteSingle] call returns, and the context is harvested
// only after the nested context is finished.
func (c *Context) AddNestedContext(n *Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= Harvesting {
		return ErrHarvested
	}
	c.nested = append(c.nested, n)
	return nil
}

// Nested returns the nested contexts.
func (c *Context) Nested() []*Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nested
}

// Partitions returns the output partitions.
func (c *Context) Partitions() []*Partition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partitions
}

// Result returns the result of the first partition, or nil.
func (c *Context) Result() *CachedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.partitions) == 0 {
		return nil
	}
	return c.partitions[0].Result
}

// Status returns the status of the first partition. A context without
// partitions has a [RewriteFailed] status.
func (c *Context) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.partitions) == 0 {
		return RewriteFailed
	}
	return c.partitions[0].Status
}

// ShouldDrop returns true when the rewrite should be dropped, according
// to the random drop percentage.
func (c *Context) ShouldDrop() bool {
	p := c.Options().RewriteRandomDropPercentage()
	if p <= 0 {
		return false
	}
	return p > c.driver.server.RandomIntN(100)
}

// CacheKey returns the metadata cache key of the context.
func (c *Context) CacheKey() string {
	parts := []string{c.rewriter.ID(), c.Options().Signature()}
	keyer, isKeyer := c.rewriter.(CacheKeyer)
	if isKeyer {
		parts = append(parts, keyer.UserAgentCacheKey(c))
	}
	for _, s := range c.Slots() {
		res := s.Resource()
		if res == nil {
			continue
		}
		parts = append(parts, res.URL())
		if res.LoadedOK() {
			parts = append(parts, strconv.FormatUint(xxhash.Sum64(res.Contents()), 36))
		}
	}
	if isKeyer {
		parts = append(parts, keyer.CacheKeySuffix(c))
	}
	return cache.Key(parts...)
}

// Start runs the context in the background. It is used by contexts that
// are neither top-level nor nested.
func (c *Context) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Context) run(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	defer close(c.done)

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("rewrite panic",
					slog.Any("err", fmt.Errorf("%v", r)),
					slog.String("stack", string(debug.Stack())),
				)
				c.failPending()
			}
		}()
		c.execute(ctx)
	}()

	c.mu.Lock()
	c.state = Done
	c.mu.Unlock()

	stats := c.driver.server.stats
	if c.IsCached() {
		stats.RecordRewrite(c.rewriter.ID(), "cached")
	} else {
		stats.RecordRewrite(c.rewriter.ID(), c.Status().String())
	}
}

func (c *Context) execute(ctx context.Context) {
	c.setState(Partitioned)
	key := c.CacheKey()

	if entry, ok := c.driver.server.lookup(ctx, key); ok {
		c.restore(entry)
		c.logger.LogAttrs(ctx, levelTrace, "cache hit", slog.String("key", key))
		return
	}

	c.loadInputs(ctx)

	partitions, err := c.partition(ctx)
	if err != nil {
		c.logger.Debug("partition failed", slog.Any("err", err))
	}
	c.mu.Lock()
	c.partitions = partitions
	c.mu.Unlock()

	ok := false
	for _, p := range partitions {
		if p.Status != Pending {
			continue
		}
		p.Status = c.rewriter.RewriteSingle(ctx, c, p)
		ok = ok || p.Status == RewriteOK
	}

	c.setState(AwaitingNested)
	c.runNested(ctx)

	c.setState(Harvesting)
	if h, isHarvester := c.rewriter.(Harvester); isHarvester && ok {
		c.harvest(ctx, h)
	}

	if c.tooBusy() {
		return
	}
	c.driver.server.remember(ctx, key, c.entry())
}

// tooBusy returns true when the context or one of its nested contexts
// did not do its work because of the load, or was detached.
func (c *Context) tooBusy() bool {
	for _, p := range c.Partitions() {
		if p.Status == TooBusy {
			return true
		}
	}
	for _, n := range c.Nested() {
		if n.detached.Load() || n.tooBusy() {
			return true
		}
	}
	return false
}

func (c *Context) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// loadInputs loads every slot resource concurrently. Load errors are kept
// in the resources.
func (c *Context) loadInputs(ctx context.Context) {
	g := new(errgroup.Group)
	seen := map[*resource.Resource]struct{}{}
	for _, s := range c.Slots() {
		res := s.Resource()
		if res == nil || res.Loaded() {
			continue
		}
		if _, ok := seen[res]; ok {
			continue
		}
		seen[res] = struct{}{}
		g.Go(func() error {
			c.driver.server.loader.Load(ctx, res) //nolint:errcheck
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

func (c *Context) partition(ctx context.Context) ([]*Partition, error) {
	slots := c.Slots()
	var partitions []*Partition

	if p, ok := c.rewriter.(Partitioner); ok {
		var err error
		if partitions, err = p.Partition(ctx, c); err != nil {
			return nil, err
		}
	} else {
		indexes := make([]int, len(slots))
		for i := range slots {
			indexes[i] = i
		}
		p := NewPartition(indexes...)
		for _, s := range slots {
			if res := s.Resource(); res != nil && !res.LoadedOK() {
				p.Status = RewriteFailed
				break
			}
		}
		partitions = []*Partition{p}
	}

	for _, p := range partitions {
		if p.Result == nil {
			p.Result = &CachedResult{}
		}
		p.inputs = make([]*resource.Resource, len(p.slots))
		for i, x := range p.slots {
			p.inputs[i] = slots[x].Resource()
		}
	}
	return partitions, nil
}

// runNested starts the nested contexts and waits for all of them. Their
// results are then rendered in the order they were added.
func (c *Context) runNested(ctx context.Context) {
	nested := c.Nested()
	if len(nested) == 0 {
		return
	}

	for _, n := range nested {
		go n.run(ctx)
	}
	for _, n := range nested {
		select {
		case <-n.done:
		case <-ctx.Done():
			n.detach()
		}
	}

	c.renderMu.Lock()
	defer c.renderMu.Unlock()
	for _, n := range nested {
		if n.detached.Load() {
			continue
		}
		n.Render()
	}
}

func (c *Context) harvest(ctx context.Context, h Harvester) {
	c.mu.Lock()
	if c.harvested {
		c.mu.Unlock()
		return
	}
	c.harvested = true
	c.mu.Unlock()

	status := h.Harvest(ctx, c)
	for _, p := range c.Partitions() {
		if p.Status == RewriteOK {
			p.Status = status
		}
	}
}

func (c *Context) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.partitions) == 0 {
		c.partitions = []*Partition{NewPartition()}
	}
	for _, p := range c.partitions {
		if p.Status == Pending || p.Status == RewriteOK {
			p.Status = RewriteFailed
		}
	}
}

func (c *Context) detach() {
	c.detached.Store(true)
	for _, n := range c.Nested() {
		n.detach()
	}
}

func (c *Context) entry() *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &cacheEntry{Partitions: make([]cachedPartition, len(c.partitions))}
	for i, p := range c.partitions {
		e.Partitions[i] = cachedPartition{
			Status: p.Status,
			Slots:  p.slots,
			Result: p.Result,
		}
	}
	return e
}

func (c *Context) restore(e *cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = true
	c.partitions = make([]*Partition, len(e.Partitions))
	for i, x := range e.Partitions {
		p := &Partition{Status: x.Status, Result: x.Result, slots: x.Slots}
		if p.Result == nil {
			p.Result = &CachedResult{}
		}
		p.inputs = make([]*resource.Resource, 0, len(x.Slots))
		for _, s := range x.Slots {
			if s < len(c.slots) {
				p.inputs = append(p.inputs, c.slots[s].Resource())
			}
		}
		c.partitions[i] = p
	}
}

// Render renders the context's results, once. Nothing is rendered before
// the context is finished, after it was detached, or when the render
// policy forbids it.
func (c *Context) Render() {
	if !c.IsDone() || c.detached.Load() {
		return
	}

	c.mu.Lock()
	if c.rendered {
		c.mu.Unlock()
		return
	}
	c.rendered = true
	c.mu.Unlock()

	if rp, ok := c.rewriter.(RenderPolicy); ok && !rp.PolicyPermitsRendering(c) {
		return
	}
	if r, ok := c.rewriter.(Renderer); ok {
		r.Render(c)
		return
	}
	c.RenderSlots()
}

// RenderSlots renders every successful partition result into its slots.
func (c *Context) RenderSlots() {
	slots := c.Slots()
	for _, p := range c.Partitions() {
		if p.Status != RewriteOK {
			continue
		}
		for _, i := range p.slots {
			if i < len(slots) {
				RenderSlot(slots[i], p.Result)
			}
		}
	}
}
