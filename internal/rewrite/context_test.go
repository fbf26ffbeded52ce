// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package rewrite_test

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"codeberg.org/readeck/pagespeed/internal/cache"
	"codeberg.org/readeck/pagespeed/internal/options"
	"codeberg.org/readeck/pagespeed/internal/resource"
	"codeberg.org/readeck/pagespeed/internal/rewrite"
)

type testSlot struct {
	*rewrite.SlotBase
	mu       sync.Mutex
	location string
	value    string
}

func newTestSlot(location string) *testSlot {
	return &testSlot{
		SlotBase: rewrite.NewSlotBase(resource.NewDataResource(
			"https://example.net/"+location, "image/png", []byte(location),
		)),
		location: location,
		value:    location,
	}
}

func (s *testSlot) Render(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = u
}

func (s *testSlot) DirectSetURL(u string) {
	s.Render(u)
}

func (s *testSlot) LocationString() string {
	return "test:" + s.location
}

func (s *testSlot) Value() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

type testRewriter struct {
	id     string
	delay  time.Duration
	status rewrite.Status
	url    string
	panics bool
	nested func(ctx context.Context, c *rewrite.Context)

	calls atomic.Int32
}

func (r *testRewriter) ID() string {
	return r.id
}

func (r *testRewriter) RewriteSingle(ctx context.Context, c *rewrite.Context, p *rewrite.Partition) rewrite.Status {
	r.calls.Add(1)
	if r.panics {
		panic("boom")
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.nested != nil {
		r.nested(ctx, c)
	}
	if c.ShouldDrop() {
		return rewrite.TooBusy
	}
	p.Result.Optimizable = r.status == rewrite.RewriteOK
	p.Result.URL = r.url
	return r.status
}

type harvestingRewriter struct {
	*testRewriter
	harvests atomic.Int32
	onHarvest func(c *rewrite.Context) rewrite.Status
}

func (r *harvestingRewriter) Harvest(_ context.Context, c *rewrite.Context) rewrite.Status {
	r.harvests.Add(1)
	return r.onHarvest(c)
}

func newTestServer(t *testing.T, opts ...rewrite.ServerOption) *rewrite.Server {
	opts = append([]rewrite.ServerOption{
		rewrite.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		rewrite.WithRandSeed(1),
	}, opts...)
	s, err := rewrite.NewServer(opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestDriver(t *testing.T, s *rewrite.Server, opts ...rewrite.DriverOption) *rewrite.Driver {
	d, err := s.NewDriver("https://example.net/page.html", opts...)
	require.NoError(t, err)
	return d
}

func TestContext(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		assert := require.New(t)
		s := newTestServer(t)
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		rw := &testRewriter{id: "ts", status: rewrite.RewriteOK, url: "https://example.net/new.png"}
		slot := newTestSlot("a.png")
		c := rewrite.NewContext(d, nil, rw)
		assert.NoError(c.AddSlot(slot))

		d.InitiateRewrite(context.Background(), c)
		assert.True(d.Wait(context.Background()))
		assert.Equal("a.png", slot.Value())

		d.Render()
		assert.Equal("https://example.net/new.png", slot.Value())
		assert.True(slot.WasOptimized())
		assert.Equal(1, slot.Renders())
		assert.Equal(rewrite.Done, c.State())
		assert.Equal(rewrite.RewriteOK, c.Status())

		// Rendering happens only once
		d.Render()
		assert.Equal(1, slot.Renders())

		assert.ErrorIs(c.AddSlot(newTestSlot("b.png")), rewrite.ErrPartitioned)
		assert.Equal(1.0, testutil.ToFloat64(s.Stats().Rewrites.WithLabelValues("ts", "ok")))
	})

	t.Run("failed", func(t *testing.T) {
		assert := require.New(t)
		s := newTestServer(t)
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		rw := &testRewriter{id: "ts", status: rewrite.RewriteFailed, url: "https://example.net/new.png"}
		slot := newTestSlot("a.png")
		c := rewrite.NewContext(d, nil, rw)
		assert.NoError(c.AddSlot(slot))

		d.InitiateRewrite(context.Background(), c)
		d.Wait(context.Background())
		d.Render()
		assert.Equal("a.png", slot.Value())
		assert.False(slot.WasOptimized())
	})

	t.Run("input load failure", func(t *testing.T) {
		assert := require.New(t)
		s := newTestServer(t)
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		rw := &testRewriter{id: "ts", status: rewrite.RewriteOK, url: "https://example.net/new.png"}
		res, authorized := d.CreateInputResource("https://example.org/a.png", resource.RoleImage)
		assert.False(authorized)
		slot := &testSlot{SlotBase: rewrite.NewSlotBase(res), location: "x", value: "x"}
		c := rewrite.NewContext(d, nil, rw)
		assert.NoError(c.AddSlot(slot))

		d.InitiateRewrite(context.Background(), c)
		d.Wait(context.Background())
		d.Render()
		assert.Equal(int32(0), rw.calls.Load())
		assert.Equal(rewrite.RewriteFailed, c.Status())
		assert.ErrorIs(res.Err(), resource.ErrUnauthorized)
		assert.Equal("x", slot.Value())
	})

	t.Run("panic", func(t *testing.T) {
		assert := require.New(t)
		s := newTestServer(t)
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		rw := &testRewriter{id: "ts", status: rewrite.RewriteOK, url: "x", panics: true}
		slot := newTestSlot("a.png")
		c := rewrite.NewContext(d, nil, rw)
		assert.NoError(c.AddSlot(slot))

		d.InitiateRewrite(context.Background(), c)
		assert.True(d.Wait(context.Background()))
		d.Render()
		assert.Equal(rewrite.RewriteFailed, c.Status())
		assert.Equal("a.png", slot.Value())
	})

	t.Run("cache", func(t *testing.T) {
		assert := require.New(t)
		store := cache.NewMemStore()
		s := newTestServer(t, rewrite.WithCache(store, time.Hour))

		run := func(rw *testRewriter) (*rewrite.Context, *testSlot) {
			d := newTestDriver(t, s, rewrite.WithDeadline(0))
			slot := newTestSlot("a.png")
			c := rewrite.NewContext(d, nil, rw)
			assert.NoError(c.AddSlot(slot))
			d.InitiateRewrite(context.Background(), c)
			d.Wait(context.Background())
			d.Render()
			return c, slot
		}

		rw := &testRewriter{id: "ts", status: rewrite.RewriteOK, url: "https://example.net/new.png"}
		c, slot := run(rw)
		assert.False(c.IsCached())
		assert.Equal("https://example.net/new.png", slot.Value())
		assert.Equal(1, store.Len())

		c, slot = run(rw)
		assert.True(c.IsCached())
		assert.Equal(int32(1), rw.calls.Load())
		assert.Equal("https://example.net/new.png", slot.Value())
		assert.Equal(c.CacheKey(), c.CacheKey())

		// Another rewriter has another key
		other := &testRewriter{id: "ot", status: rewrite.RewriteOK, url: "https://example.net/other.png"}
		c, slot = run(other)
		assert.False(c.IsCached())
		assert.Equal("https://example.net/other.png", slot.Value())
		assert.Equal(2, store.Len())
	})

	t.Run("too busy is not cached", func(t *testing.T) {
		assert := require.New(t)
		store := cache.NewMemStore()
		s := newTestServer(t,
			rewrite.WithCache(store, time.Hour),
			rewrite.WithOptions(options.New(options.WithRewriteRandomDropPercentage(100))),
		)
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		rw := &testRewriter{id: "ts", status: rewrite.RewriteOK, url: "https://example.net/new.png"}
		slot := newTestSlot("a.png")
		c := rewrite.NewContext(d, nil, rw)
		assert.NoError(c.AddSlot(slot))
		d.InitiateRewrite(context.Background(), c)
		d.Wait(context.Background())
		d.Render()

		assert.Equal(rewrite.TooBusy, c.Status())
		assert.Equal("a.png", slot.Value())
		assert.Equal(0, store.Len())
		assert.Equal(1.0, testutil.ToFloat64(s.Stats().Rewrites.WithLabelValues("ts", "too_busy")))
	})

	t.Run("deadline", func(t *testing.T) {
		assert := require.New(t)
		store := cache.NewMemStore()
		s := newTestServer(t, rewrite.WithCache(store, time.Hour))
		d := newTestDriver(t, s, rewrite.WithDeadline(5*time.Millisecond))

		fast := &testRewriter{id: "fast", status: rewrite.RewriteOK, url: "https://example.net/fast.png"}
		slow := &testRewriter{id: "slow", status: rewrite.RewriteOK, url: "https://example.net/slow.png", delay: 100 * time.Millisecond}

		s1, s2 := newTestSlot("a.png"), newTestSlot("b.png")
		c1 := rewrite.NewContext(d, nil, fast)
		c2 := rewrite.NewContext(d, nil, slow)
		assert.NoError(c1.AddSlot(s1))
		assert.NoError(c2.AddSlot(s2))
		d.InitiateRewrite(context.Background(), c1)
		d.InitiateRewrite(context.Background(), c2)

		assert.False(d.Wait(context.Background()))
		d.Render()
		assert.Equal("https://example.net/fast.png", s1.Value())
		assert.Equal("b.png", s2.Value())

		// The slow context finishes in the background and fills the cache
		<-c2.Done()
		assert.Equal(rewrite.RewriteOK, c2.Status())
		assert.Equal(2, store.Len())
		c2.Render()
		assert.Equal("b.png", s2.Value())
	})
}

func TestNested(t *testing.T) {
	// The parent is harvested once, after every nested context finished,
	// whatever their completion order.
	orders := map[string]func(i, n int) time.Duration{
		"sequential": func(i, _ int) time.Duration {
			return time.Duration(i) * time.Millisecond
		},
		"reverse": func(i, n int) time.Duration {
			return time.Duration(n-i) * time.Millisecond
		},
		"random": func(_, _ int) time.Duration {
			return time.Duration(rand.IntN(5)) * time.Millisecond //nolint:gosec
		},
	}

	for name, delay := range orders {
		t.Run(name, func(t *testing.T) {
			assert := require.New(t)
			s := newTestServer(t)
			d := newTestDriver(t, s, rewrite.WithDeadline(0))

			const n = 6
			slots := make([]*testSlot, n)
			nestedRewriters := make([]*testRewriter, n)
			for i := range n {
				slots[i] = newTestSlot(string(rune('a'+i)) + ".png")
				nestedRewriters[i] = &testRewriter{
					id:     "nt",
					status: rewrite.RewriteOK,
					url:    "https://example.net/" + string(rune('a'+i)) + ".opt.png",
					delay:  delay(i, n),
				}
			}

			var seen []string
			parent := &harvestingRewriter{
				testRewriter: &testRewriter{
					id:     "pt",
					status: rewrite.RewriteOK,
					nested: func(_ context.Context, c *rewrite.Context) {
						for i := range n {
							nc := rewrite.NewContext(d, c, nestedRewriters[i])
							assert.NoError(nc.AddSlot(slots[i]))
							assert.NoError(c.AddNestedContext(nc))
						}
					},
				},
			}
			parent.onHarvest = func(c *rewrite.Context) rewrite.Status {
				assert.Equal(rewrite.Harvesting, c.State())
				for _, nc := range c.Nested() {
					assert.True(nc.IsDone())
				}
				for _, s := range slots {
					seen = append(seen, s.Value())
				}
				c.Result().Optimizable = true
				return rewrite.RewriteOK
			}

			c := rewrite.NewContext(d, nil, parent)
			assert.NoError(c.AddSlot(newTestSlot("style.css")))
			d.InitiateRewrite(context.Background(), c)
			assert.True(d.Wait(context.Background()))

			assert.Equal(int32(1), parent.harvests.Load())
			assert.Len(c.Nested(), n)
			for i := range n {
				assert.Equal(nestedRewriters[i].url, seen[i])
			}
			assert.ErrorIs(c.AddNestedContext(rewrite.NewContext(d, c, &testRewriter{id: "x"})), rewrite.ErrHarvested)
		})
	}

	t.Run("no harvest when rewrite failed", func(t *testing.T) {
		assert := require.New(t)
		s := newTestServer(t)
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		parent := &harvestingRewriter{
			testRewriter: &testRewriter{id: "pt", status: rewrite.RewriteFailed},
			onHarvest: func(_ *rewrite.Context) rewrite.Status {
				return rewrite.RewriteOK
			},
		}
		c := rewrite.NewContext(d, nil, parent)
		assert.NoError(c.AddSlot(newTestSlot("style.css")))
		d.InitiateRewrite(context.Background(), c)
		d.Wait(context.Background())
		assert.Equal(int32(0), parent.harvests.Load())
		assert.Equal(rewrite.RewriteFailed, c.Status())
	})

	t.Run("too busy nested is not cached", func(t *testing.T) {
		assert := require.New(t)
		store := cache.NewMemStore()
		s := newTestServer(t, rewrite.WithCache(store, time.Hour))
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		parent := &harvestingRewriter{
			testRewriter: &testRewriter{
				id:     "pt",
				status: rewrite.RewriteOK,
				nested: func(_ context.Context, c *rewrite.Context) {
					nc := rewrite.NewContext(d, c, &testRewriter{id: "nt", status: rewrite.TooBusy})
					assert.NoError(nc.AddSlot(newTestSlot("a.png")))
					assert.NoError(c.AddNestedContext(nc))
				},
			},
			onHarvest: func(_ *rewrite.Context) rewrite.Status {
				return rewrite.RewriteOK
			},
		}
		c := rewrite.NewContext(d, nil, parent)
		assert.NoError(c.AddSlot(newTestSlot("style.css")))
		d.InitiateRewrite(context.Background(), c)
		d.Wait(context.Background())
		assert.Equal(rewrite.RewriteOK, c.Status())
		assert.Equal(0, store.Len())
	})
}

type sliceRewriter struct {
	*testRewriter
}

func (r *sliceRewriter) Partition(_ context.Context, c *rewrite.Context) ([]*rewrite.Partition, error) {
	res := []*rewrite.Partition{}
	for i := range c.Slots() {
		res = append(res, rewrite.NewPartition(i))
	}
	return res, nil
}

type policyRewriter struct {
	*testRewriter
	permits bool
}

func (r *policyRewriter) PolicyPermitsRendering(_ *rewrite.Context) bool {
	return r.permits
}

func TestHooks(t *testing.T) {
	t.Run("partitioner", func(t *testing.T) {
		assert := require.New(t)
		s := newTestServer(t)
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		rw := &sliceRewriter{&testRewriter{id: "sl", status: rewrite.RewriteOK, url: "https://example.net/x.png"}}
		c := rewrite.NewContext(d, nil, rw)
		s1, s2 := newTestSlot("a.png"), newTestSlot("b.png")
		assert.NoError(c.AddSlot(s1))
		assert.NoError(c.AddSlot(s2))
		d.InitiateRewrite(context.Background(), c)
		d.Wait(context.Background())
		d.Render()

		assert.Len(c.Partitions(), 2)
		assert.Equal(int32(2), rw.calls.Load())
		assert.Equal(s2.Resource(), c.Partitions()[1].Input())
		assert.Equal("https://example.net/x.png", s1.Value())
		assert.Equal("https://example.net/x.png", s2.Value())
	})

	t.Run("render policy", func(t *testing.T) {
		assert := require.New(t)
		s := newTestServer(t)
		d := newTestDriver(t, s, rewrite.WithDeadline(0))

		rw := &policyRewriter{testRewriter: &testRewriter{id: "pl", status: rewrite.RewriteOK, url: "https://example.net/x.png"}}
		c := rewrite.NewContext(d, nil, rw)
		slot := newTestSlot("a.png")
		assert.NoError(c.AddSlot(slot))
		d.InitiateRewrite(context.Background(), c)
		d.Wait(context.Background())
		d.Render()
		assert.Equal("a.png", slot.Value())
	})
}
