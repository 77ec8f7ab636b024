package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/cache"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/notify"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store/memstore"
)

type node struct {
	engine *Engine
	cache  *cache.Cache
}

func testConfig() Config {
	cfg := DefaultConfig()
	// cycles are driven by the tests
	cfg.FlushInterval = time.Hour
	cfg.PullInterval = time.Hour
	cfg.RegistryRefresh = time.Hour
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond
	cfg.ShutdownGrace = time.Second
	cfg.WorkerCount = 2
	return cfg
}

func startNode(t *testing.T, name string, s store.Backend, bus notify.Bus, tune ...func(*Config)) node {
	t.Helper()
	cfg := testConfig()
	for _, fn := range tune {
		fn(&cfg)
	}
	c := cache.New(stats.NewClock(name))
	e := New(cfg, c, s, bus, logger.NewNop())
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return node{engine: e, cache: c}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestConcurrentIncrementsConverge(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil)
	b := startNode(t, "node-b", s, nil)
	c := ctx(t)
	p := uuid.New()

	require.NoError(t, a.engine.ResolveNow(c, p))
	require.NoError(t, b.engine.ResolveNow(c, p))

	a.cache.Increment(p, "kills", 5)
	require.NoError(t, a.engine.Flush(c))

	require.NoError(t, b.engine.Pull(c))
	entry, ok := b.cache.Lookup(p, "kills")
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.Value)
	assert.Equal(t, int64(1), entry.Base)

	b.cache.Increment(p, "kills", 1)
	a.cache.Increment(p, "kills", 2)
	require.NoError(t, a.engine.Flush(c))

	row, _ := s.Row(p, "kills")
	assert.Equal(t, int64(7), row.Value)
	assert.Equal(t, int64(2), row.Version)
	assert.Equal(t, "node-a", row.Origin)

	// B's write is stale; it resolves and, if it kept its value, writes again
	require.NoError(t, b.engine.Flush(c))
	require.NoError(t, b.engine.Flush(c))
	require.NoError(t, a.engine.Pull(c))
	require.NoError(t, b.engine.Pull(c))

	row, _ = s.Row(p, "kills")
	assert.Equal(t, row.Value, a.cache.Get(p, "kills"))
	assert.Equal(t, row.Value, b.cache.Get(p, "kills"))
	assert.Contains(t, []int64{6, 7}, row.Value)

	for _, n := range []node{a, b} {
		_, dirty := n.cache.Stats()
		assert.Zero(t, dirty)
	}
}

func TestSumPolicyKeepsBothIncrements(t *testing.T) {
	s := memstore.New()
	_, err := s.Track(context.Background(), "coins", stats.PolicySum)
	require.NoError(t, err)

	a := startNode(t, "node-a", s, nil)
	b := startNode(t, "node-b", s, nil)
	c := ctx(t)
	p := uuid.New()
	require.NoError(t, a.engine.ResolveNow(c, p))
	require.NoError(t, b.engine.ResolveNow(c, p))
	assert.Equal(t, stats.PolicySum, b.engine.Policy("coins"))

	a.cache.Increment(p, "coins", 3)
	b.cache.Increment(p, "coins", 4)

	require.NoError(t, a.engine.Flush(c))
	require.NoError(t, b.engine.Flush(c))
	assert.Equal(t, int64(7), b.cache.Get(p, "coins"))

	require.NoError(t, b.engine.Flush(c))
	require.NoError(t, a.engine.Pull(c))

	row, _ := s.Row(p, "coins")
	assert.Equal(t, int64(7), row.Value)
	assert.Equal(t, int64(7), a.cache.Get(p, "coins"))
}

func TestStoreOutageKeepsPendingDelta(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil, func(c *Config) {
		c.DegradedAfter = 2
		c.BackoffInitial = time.Minute
		c.BackoffMax = time.Minute
	})
	c := ctx(t)
	p := uuid.New()
	require.NoError(t, a.engine.ResolveNow(c, p))

	var (
		mu          sync.Mutex
		transitions []Status
	)
	a.engine.OnStatus(func(st Status) {
		mu.Lock()
		transitions = append(transitions, st)
		mu.Unlock()
	})

	outage := store.Transient("apply_batch", errors.New("connection refused"))
	a.cache.Increment(p, "kills", 5)

	s.FailNext(1, outage)
	assert.ErrorIs(t, a.engine.Flush(c), ErrFlushFailed)
	assert.Equal(t, Healthy, a.engine.Status())
	assert.True(t, a.engine.flushBackedOff())

	a.cache.Increment(p, "kills", 3)
	s.FailNext(1, outage)
	assert.ErrorIs(t, a.engine.Flush(c), ErrFlushFailed)
	assert.Equal(t, Degraded, a.engine.Status())

	entry, _ := a.cache.Lookup(p, "kills")
	assert.True(t, entry.Dirty)
	assert.Zero(t, s.AppliedWrites())

	require.NoError(t, a.engine.Flush(c))
	assert.Equal(t, Healthy, a.engine.Status())
	assert.False(t, a.engine.flushBackedOff())

	row, ok := s.Row(p, "kills")
	require.True(t, ok)
	assert.Equal(t, int64(8), row.Value)
	assert.Equal(t, 1, s.AppliedWrites())

	entry, _ = a.cache.Lookup(p, "kills")
	assert.False(t, entry.Dirty)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{Degraded, Healthy}, transitions)
}

func TestLostAcknowledgementIsNotRewritten(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil)
	c := ctx(t)
	p := uuid.New()
	require.NoError(t, a.engine.ResolveNow(c, p))

	a.cache.Increment(p, "kills", 5)
	pending := a.cache.SnapshotDirty()
	require.Len(t, pending, 1)

	// the write committed but the node never saw the result
	_, err := s.ApplyBatch(c, p, []stats.Write{pending[0].Write()})
	require.NoError(t, err)

	require.NoError(t, a.engine.Flush(c))

	entry, _ := a.cache.Lookup(p, "kills")
	assert.False(t, entry.Dirty)
	assert.Equal(t, int64(5), entry.Value)
	assert.Equal(t, 1, s.AppliedWrites())
}

func TestLostAcknowledgementThenIncrement(t *testing.T) {
	tests := []struct {
		name   string
		policy stats.Policy
		load   bool
	}{
		{name: "player not loaded yet", policy: stats.PolicyLWW},
		{name: "loaded player under sum", policy: stats.PolicySum, load: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memstore.New()
			_, err := s.Track(context.Background(), "kills", tt.policy)
			require.NoError(t, err)
			a := startNode(t, "node-a", s, nil)
			c := ctx(t)
			p := uuid.New()
			if tt.load {
				require.NoError(t, a.engine.ResolveNow(c, p))
			}

			a.cache.Increment(p, "kills", 5)
			pending := a.cache.SnapshotDirty()
			require.Len(t, pending, 1)
			_, err = s.ApplyBatch(c, p, []stats.Write{pending[0].Write()})
			require.NoError(t, err)

			a.cache.Increment(p, "kills", 1)
			require.NoError(t, a.engine.Flush(c))
			require.NoError(t, a.engine.Flush(c))

			row, _ := s.Row(p, "kills")
			assert.Equal(t, int64(6), row.Value)
			assert.Equal(t, int64(6), a.cache.Get(p, "kills"))
			assert.Equal(t, 2, s.AppliedWrites())
			_, dirty := a.cache.Stats()
			assert.Zero(t, dirty)
		})
	}
}

func TestFatalErrorHoldsPlayerOff(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil, func(c *Config) {
		c.BackoffInitial = time.Minute
		c.BackoffMax = time.Minute
	})
	c := ctx(t)
	p := uuid.New()
	require.NoError(t, a.engine.ResolveNow(c, p))

	a.cache.Increment(p, "kills", 5)
	s.FailNext(1, store.Fatal("apply_batch", errors.New("check constraint violated")))
	assert.ErrorIs(t, a.engine.Flush(c), ErrFlushFailed)
	assert.True(t, a.engine.heldOff(p))
	assert.Equal(t, Healthy, a.engine.Status())

	// held off: nothing is attempted
	require.NoError(t, a.engine.Flush(c))
	assert.Zero(t, s.AppliedWrites())

	a.engine.mu.Lock()
	a.engine.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	a.engine.mu.Unlock()

	require.NoError(t, a.engine.Flush(c))
	assert.Equal(t, 1, s.AppliedWrites())
	assert.False(t, a.engine.heldOff(p))
}

func TestPullIsIdempotent(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil)
	b := startNode(t, "node-b", s, nil)
	c := ctx(t)
	p := uuid.New()
	require.NoError(t, b.engine.ResolveNow(c, p))

	a.cache.Increment(p, "kills", 5)
	a.cache.Increment(p, "wins", 1)
	require.NoError(t, a.engine.Flush(c))

	require.NoError(t, b.engine.Pull(c))
	first := b.cache.Snapshot(p)
	cursor := b.engine.Cursor()
	entry, _ := b.cache.Lookup(p, "kills")

	require.NoError(t, b.engine.Pull(c))
	assert.Equal(t, first, b.cache.Snapshot(p))
	assert.Equal(t, cursor, b.engine.Cursor())
	again, _ := b.cache.Lookup(p, "kills")
	assert.Equal(t, entry, again)

	assert.Equal(t, map[string]int64{"kills": 5, "wins": 1}, first)
}

func TestPullAdvancesCursorWithoutResidents(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil)
	b := startNode(t, "node-b", s, nil)
	c := ctx(t)

	a.cache.Increment(uuid.New(), "kills", 1)
	require.NoError(t, a.engine.Flush(c))

	require.NoError(t, b.engine.Pull(c))
	head, err := s.Head(c)
	require.NoError(t, err)
	assert.Equal(t, head, b.engine.Cursor())
}

func TestPullPagesThroughLargeWindows(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil)
	b := startNode(t, "node-b", s, nil, func(c *Config) { c.PullBatchSize = 2 })
	c := ctx(t)

	players := make([]stats.PlayerID, 5)
	for i := range players {
		players[i] = uuid.New()
		require.NoError(t, b.engine.ResolveNow(c, players[i]))
		a.cache.Increment(players[i], "kills", int64(i+1))
		a.cache.Increment(players[i], "wins", 1)
	}
	require.NoError(t, a.engine.Flush(c))

	require.NoError(t, b.engine.Pull(c))
	for i, p := range players {
		assert.Equal(t, int64(i+1), b.cache.Get(p, "kills"))
		assert.Equal(t, int64(1), b.cache.Get(p, "wins"))
	}
}

func TestIncrementsBeforeLoadAreRebased(t *testing.T) {
	s := memstore.New()
	c := ctx(t)
	p := uuid.New()
	_, err := s.ApplyBatch(c, p, []stats.Write{{
		Row: stats.Row{Player: p, Key: "kills", Value: 10, Version: 1, ModifiedAt: 1, Origin: "node-x"},
	}})
	require.NoError(t, err)

	a := startNode(t, "node-a", s, nil)
	a.cache.Increment(p, "kills", 2)
	assert.False(t, a.cache.IsLoaded(p))

	require.NoError(t, a.engine.ResolveNow(c, p))
	assert.Equal(t, int64(12), a.cache.Get(p, "kills"))

	require.NoError(t, a.engine.Flush(c))
	row, _ := s.Row(p, "kills")
	assert.Equal(t, int64(12), row.Value)
	assert.Equal(t, int64(2), row.Version)
}

func TestReleasedPlayerEvictedAfterFlush(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil)
	c := ctx(t)
	p := uuid.New()
	require.NoError(t, a.engine.ResolveNow(c, p))

	a.cache.Increment(p, "kills", 1)
	assert.False(t, a.cache.Release(p))

	players, _ := a.cache.Stats()
	assert.Equal(t, 1, players)

	require.NoError(t, a.engine.Flush(c))
	players, _ = a.cache.Stats()
	assert.Zero(t, players)

	row, ok := s.Row(p, "kills")
	require.True(t, ok)
	assert.Equal(t, int64(1), row.Value)
}

func TestStartPositionsCursorAtHead(t *testing.T) {
	s := memstore.New()
	c := ctx(t)
	p := uuid.New()
	for i := int64(1); i <= 3; i++ {
		_, err := s.ApplyBatch(c, p, []stats.Write{{
			Row:      stats.Row{Player: p, Key: "kills", Value: i, Version: i, ModifiedAt: i, Origin: "node-x"},
			Expected: i - 1,
		}})
		require.NoError(t, err)
	}

	a := startNode(t, "node-a", s, nil)
	assert.Equal(t, int64(3), a.engine.Cursor())
}

func TestStartToleratesUnreachableStore(t *testing.T) {
	s := memstore.New()
	s.FailNext(2, store.Transient("head", errors.New("connection refused")))

	a := startNode(t, "node-a", s, nil)
	assert.Zero(t, a.engine.Cursor())
	assert.Empty(t, a.engine.Tracked())
	assert.Equal(t, stats.PolicyLWW, a.engine.Policy("kills"))
}

func TestRegistryTrackAndUntrack(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil)
	c := ctx(t)

	created, err := a.engine.Track(c, "kills", stats.PolicyMax)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, a.engine.IsTracked("kills"))
	assert.Equal(t, stats.PolicyMax, a.engine.Policy("kills"))

	removed, err := a.engine.Untrack(c, "kills")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, a.engine.IsTracked("kills"))
	assert.Equal(t, stats.PolicyLWW, a.engine.Policy("kills"))
}

func TestNoticeTriggersTargetedPull(t *testing.T) {
	s := memstore.New()
	hub := notify.NewHub()
	a := startNode(t, "node-a", s, hub.Bus("node-a"))
	b := startNode(t, "node-b", s, hub.Bus("node-b"))
	c := ctx(t)
	p := uuid.New()
	require.NoError(t, b.engine.ResolveNow(c, p))

	a.cache.Increment(p, "kills", 9)
	require.NoError(t, a.engine.Flush(c))

	assert.Eventually(t, func() bool {
		return b.cache.Get(p, "kills") == 9
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestLoadIsAsynchronous(t *testing.T) {
	s := memstore.New()
	c := ctx(t)
	p := uuid.New()
	_, err := s.ApplyBatch(c, p, []stats.Write{{
		Row: stats.Row{Player: p, Key: "kills", Value: 4, Version: 1, ModifiedAt: 1, Origin: "node-x"},
	}})
	require.NoError(t, err)

	a := startNode(t, "node-a", s, nil)
	a.cache.Ensure(p)
	a.engine.RequestLoad(p)

	assert.Eventually(t, func() bool {
		return a.cache.IsLoaded(p) && a.cache.Get(p, "kills") == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopFlushesPendingWrites(t *testing.T) {
	s := memstore.New()
	c := cache.New(stats.NewClock("node-a"))
	e := New(testConfig(), c, s, nil, logger.NewNop())
	require.NoError(t, e.Start(context.Background()))

	p := uuid.New()
	c.Increment(p, "kills", 3)
	require.NoError(t, e.Stop(context.Background()))

	row, ok := s.Row(p, "kills")
	require.True(t, ok)
	assert.Equal(t, int64(3), row.Value)

	// stopping twice is a no-op
	require.NoError(t, e.Stop(context.Background()))
}

func TestResolveNowTimesOut(t *testing.T) {
	s := memstore.New()
	a := startNode(t, "node-a", s, nil, func(c *Config) { c.ResolveTimeout = 20 * time.Millisecond })
	p := uuid.New()

	// hold the cycle lock so the targeted pull cannot run
	require.NoError(t, a.engine.acquire(context.Background()))
	err := a.engine.ResolveNow(context.Background(), p)
	a.engine.release()

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, a.cache.IsLoaded(p))
}

// loseAcknowledgement commits a node's dirty entries without telling it
func loseAcknowledgement(ctx context.Context, s *memstore.Store, n node) {
	writes := make(map[stats.PlayerID][]stats.Write)
	for _, p := range n.cache.SnapshotDirty() {
		writes[p.Player] = append(writes[p.Player], p.Write())
	}
	for id, w := range writes {
		_, _ = s.ApplyBatch(ctx, id, w)
	}
}

func TestConvergenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("every node holds the stored value after a final flush and pull", prop.ForAll(
		func(nodes int, ops []int) bool {
			c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			s := memstore.New()
			p := uuid.New()
			keys := []string{"kills", "deaths"}
			cluster := make([]node, nodes)
			for i := range cluster {
				cc := cache.New(stats.NewClock(fmt.Sprintf("node-%d", i)))
				e := New(testConfig(), cc, s, nil, logger.NewNop())
				if err := e.Start(c); err != nil {
					return false
				}
				defer func() { _ = e.Stop(context.Background()) }()
				if err := e.ResolveNow(c, p); err != nil {
					return false
				}
				cluster[i] = node{engine: e, cache: cc}
			}

			for _, op := range ops {
				n := cluster[op%nodes]
				key := keys[(op/nodes)%len(keys)]
				switch (op / (nodes * len(keys))) % 5 {
				case 0:
					n.cache.Increment(p, key, int64(op%5+1))
				case 1:
					n.cache.Set(p, key, int64(op%11))
				case 2:
					if err := n.engine.Flush(c); err != nil {
						return false
					}
				case 3:
					if err := n.engine.Pull(c); err != nil {
						return false
					}
				case 4:
					loseAcknowledgement(c, s, n)
				}
			}

			for round := 0; round <= 2*nodes+2; round++ {
				for _, n := range cluster {
					if err := n.engine.Flush(c); err != nil {
						return false
					}
				}
				for _, n := range cluster {
					if err := n.engine.Pull(c); err != nil {
						return false
					}
				}
				clean := true
				for _, n := range cluster {
					if _, dirty := n.cache.Stats(); dirty > 0 {
						clean = false
					}
				}
				if clean {
					break
				}
			}

			for _, n := range cluster {
				if _, dirty := n.cache.Stats(); dirty > 0 {
					return false
				}
			}
			for _, key := range keys {
				var want int64
				if row, ok := s.Row(p, key); ok {
					want = row.Value
				}
				for _, n := range cluster {
					if n.cache.Get(p, key) != want {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(2, 4),
		gen.SliceOf(gen.IntRange(0, 199)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff never exceeds the ceiling", prop.ForAll(
		func(n int, initialMs, ceilingMs int) bool {
			initial := time.Duration(initialMs) * time.Millisecond
			ceiling := time.Duration(ceilingMs) * time.Millisecond
			return backoff(n, initial, ceiling) <= ceiling
		},
		gen.IntRange(1, 64),
		gen.IntRange(1, 1000),
		gen.IntRange(1000, 60000),
	))

	properties.Property("backoff is non-decreasing in failures", prop.ForAll(
		func(n int, initialMs int) bool {
			initial := time.Duration(initialMs) * time.Millisecond
			return backoff(n, initial, time.Minute) <= backoff(n+1, initial, time.Minute)
		},
		gen.IntRange(1, 64),
		gen.IntRange(1, 1000),
	))

	properties.TestingRun(t)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "degraded", Degraded.String())
}
