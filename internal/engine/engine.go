// Package engine keeps the local statistic cache and the shared store in
// agreement: it flushes dirty entries with conditional writes, pulls rows
// changed by other nodes and merges them under each key's policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/cache"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/metrics"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/notify"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/retry"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/worker"
)

// cycleTimeout bounds one flush or pull once started
const cycleTimeout = 30 * time.Second

// Config tunes the synchronization cycles
type Config struct {
	FlushInterval   time.Duration
	PullInterval    time.Duration
	PullBatchSize   int
	PullOverlap     int64
	ResolveTimeout  time.Duration
	DegradedAfter   int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	ShutdownGrace   time.Duration
	WorkerCount     int
	DefaultPolicy   stats.Policy
	RegistryRefresh time.Duration
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		FlushInterval:   5 * time.Second,
		PullInterval:    5 * time.Second,
		PullBatchSize:   500,
		PullOverlap:     256,
		ResolveTimeout:  2 * time.Second,
		DegradedAfter:   3,
		BackoffInitial:  time.Second,
		BackoffMax:      time.Minute,
		ShutdownGrace:   10 * time.Second,
		WorkerCount:     8,
		DefaultPolicy:   stats.PolicyLWW,
		RegistryRefresh: 30 * time.Second,
	}
}

// Status is the cross-node synchronization health reported to the host
type Status = stats.Status

const (
	Healthy  = stats.Healthy
	Degraded = stats.Degraded
)

type holdoff struct {
	until    time.Time
	failures int
}

// Engine drives flush and pull cycles for one node
type Engine struct {
	cfg    Config
	cache  *cache.Cache
	store  store.Backend
	bus    notify.Bus
	pool   *worker.WorkerPool
	logger *logger.Logger
	node   string
	now    func() time.Time

	// cycle serializes flush, pull and targeted pulls; it is a channel so
	// acquisition can honour a context
	cycle    chan struct{}
	cursor   atomic.Int64
	policies atomic.Pointer[map[string]stats.Policy]
	loads    chan stats.PlayerID

	mu           sync.Mutex
	status       Status
	failures     int
	flushBlocked time.Time
	holdoffs     map[stats.PlayerID]holdoff
	listeners    []func(Status)

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires an engine; call Start to begin cycling
func New(cfg Config, c *cache.Cache, s store.Backend, bus notify.Bus, l *logger.Logger) *Engine {
	if bus == nil {
		bus = notify.Nop{}
	}
	if cfg.PullBatchSize < 1 {
		cfg.PullBatchSize = 500
	}
	if cfg.DegradedAfter < 1 {
		cfg.DegradedAfter = 1
	}
	e := &Engine{
		cfg:      cfg,
		cache:    c,
		store:    s,
		bus:      bus,
		pool:     worker.NewWorkerPool(l.Named("worker"), s, cfg.WorkerCount),
		logger:   l,
		node:     c.Node(),
		now:      time.Now,
		cycle:    make(chan struct{}, 1),
		loads:    make(chan stats.PlayerID, 1024),
		holdoffs: make(map[stats.PlayerID]holdoff),
	}
	empty := map[string]stats.Policy{}
	e.policies.Store(&empty)
	return e
}

// Start positions the cursor, loads the registry and launches the loop.
// Store failures here are logged, not returned: the node starts cache-only.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}

	e.pool.Start()

	head, err := e.store.Head(ctx)
	if err != nil {
		e.logger.Warn("failed to read store head, pulling from the beginning", zap.Error(err))
	} else {
		e.advanceCursor(head)
	}
	if err := e.RefreshRegistry(ctx); err != nil {
		e.logger.Warn("failed to load tracked statistics", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	notices, err := e.bus.Subscribe(loopCtx)
	if err != nil {
		e.logger.Warn("change notices unavailable, relying on periodic pulls", zap.Error(err))
		notices = nil
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true
	go e.run(loopCtx, notices)

	e.logger.Info("engine started",
		zap.Int64("cursor", e.Cursor()),
		zap.Duration("flush_interval", e.cfg.FlushInterval),
		zap.Duration("pull_interval", e.cfg.PullInterval))
	return nil
}

// Stop halts the timers, waits for the in-flight cycle and runs a final
// flush, all within the shutdown grace. Whatever is still dirty afterwards
// is abandoned.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	done := e.done
	e.runMu.Unlock()

	if e.cfg.ShutdownGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownGrace)
		defer cancel()
	}

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for in-flight cycle: %w", ctx.Err()))
	}

	if err := e.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
	}
	if _, dirty := e.cache.Stats(); dirty > 0 {
		e.logger.Warn("abandoning unflushed statistics", zap.Int("dirty_keys", dirty))
	}

	if err := e.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("worker pool: %w", err))
	}
	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) run(ctx context.Context, notices <-chan notify.Notice) {
	defer close(e.done)

	flushTicker := time.NewTicker(positive(e.cfg.FlushInterval))
	defer flushTicker.Stop()
	pullTicker := time.NewTicker(positive(e.cfg.PullInterval))
	defer pullTicker.Stop()
	registryTicker := time.NewTicker(positive(e.cfg.RegistryRefresh))
	defer registryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-flushTicker.C:
			if e.flushBackedOff() {
				metrics.FlushCyclesTotal.WithLabelValues("skipped").Inc()
				continue
			}
			e.background(ctx, func(c context.Context) error { return e.Flush(c) })

		case <-pullTicker.C:
			e.background(ctx, e.loadPending)
			e.background(ctx, func(c context.Context) error { return e.Pull(c) })

		case <-registryTicker.C:
			e.background(ctx, e.RefreshRegistry)

		case id := <-e.loads:
			e.background(ctx, func(c context.Context) error { return e.load(c, []stats.PlayerID{id}, "load") })

		case n, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			e.background(ctx, func(c context.Context) error { return e.handleNotice(c, n) })
		}
	}
}

// background runs one cycle to completion even if the loop is cancelled meanwhile
func (e *Engine) background(ctx context.Context, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), cycleTimeout)
	defer cancel()
	if err := fn(c); err != nil {
		e.logger.Debug("cycle failed", zap.Error(err))
	}
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.cycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.cycle }

// RequestLoad schedules an asynchronous first load of a player
func (e *Engine) RequestLoad(id stats.PlayerID) {
	select {
	case e.loads <- id:
	default:
		// queue full: the next pull tick loads every unloaded player
	}
}

// ResolveNow pulls the given players from the store before returning,
// bounded by the resolve timeout. On timeout the cache keeps what it has.
func (e *Engine) ResolveNow(ctx context.Context, players ...stats.PlayerID) error {
	if len(players) == 0 {
		return nil
	}
	if e.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ResolveTimeout)
		defer cancel()
	}
	for _, id := range players {
		e.cache.Ensure(id)
	}
	return e.load(ctx, players, "targeted")
}

// Cursor returns the store sequence this node has pulled up to
func (e *Engine) Cursor() int64 {
	return e.cursor.Load()
}

func (e *Engine) advanceCursor(seq int64) {
	for {
		cur := e.cursor.Load()
		if seq <= cur {
			return
		}
		if e.cursor.CompareAndSwap(cur, seq) {
			metrics.SyncCursor.Set(float64(seq))
			return
		}
	}
}

// Status returns the current synchronization health
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// OnStatus registers a listener called on every health transition
func (e *Engine) OnStatus(fn func(Status)) {
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

// recordCycle updates the consecutive failure count, flush backoff and status
func (e *Engine) recordCycle(failed bool) {
	e.mu.Lock()
	prev := e.status
	if failed {
		e.failures++
		e.flushBlocked = e.now().Add(backoff(e.failures, e.cfg.BackoffInitial, e.cfg.BackoffMax))
		if e.failures >= e.cfg.DegradedAfter {
			e.status = Degraded
		}
	} else {
		e.failures = 0
		e.flushBlocked = time.Time{}
		e.status = Healthy
	}
	next := e.status
	failures := e.failures
	listeners := append([]func(Status){}, e.listeners...)
	e.mu.Unlock()

	if prev == next {
		return
	}
	if next == Degraded {
		metrics.Degraded.Set(1)
		e.logger.Warn("synchronization degraded", zap.Int("consecutive_failures", failures))
	} else {
		metrics.Degraded.Set(0)
		e.logger.Info("synchronization recovered")
	}
	for _, fn := range listeners {
		fn(next)
	}
}

func (e *Engine) flushBackedOff() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now().Before(e.flushBlocked)
}

func (e *Engine) heldOff(id stats.PlayerID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.holdoffs[id]
	return ok && e.now().Before(h.until)
}

func (e *Engine) holdOff(id stats.PlayerID) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.holdoffs[id]
	h.failures++
	wait := backoff(h.failures, e.cfg.BackoffInitial, e.cfg.BackoffMax)
	h.until = e.now().Add(wait)
	e.holdoffs[id] = h
	return wait
}

func (e *Engine) clearHoldOff(id stats.PlayerID) {
	e.mu.Lock()
	delete(e.holdoffs, id)
	e.mu.Unlock()
}

// backoff doubles initial for every consecutive failure after the first,
// capped at ceiling
func backoff(n int, initial, ceiling time.Duration) time.Duration {
	return retry.CalculateBackoff(n, retry.RetryOptions{
		InitialInterval: initial,
		MaxInterval:     ceiling,
		Multiplier:      2,
	})
}

func positive(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

func (e *Engine) updateGauges() {
	players, dirty := e.cache.Stats()
	metrics.ResidentPlayers.Set(float64(players))
	metrics.DirtyKeys.Set(float64(dirty))
}
