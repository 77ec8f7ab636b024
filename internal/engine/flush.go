package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/metrics"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/notify"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/worker"
)

// ErrFlushFailed reports a flush cycle in which some player batch failed
var ErrFlushFailed = errors.New("flush failed")

// Flush writes every dirty entry to the store, one transaction per player.
// Applied writes clear the markers of keys untouched since the snapshot;
// stale writes merge the row that beat them.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	start := time.Now()
	defer func() {
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
		e.updateGauges()
	}()

	pending := e.cache.SnapshotDirty()
	if len(pending) == 0 {
		metrics.FlushCyclesTotal.WithLabelValues("empty").Inc()
		e.cache.EvictReleased()
		return nil
	}

	jobs, byPlayer := e.batches(pending)
	if len(jobs) == 0 {
		metrics.FlushCyclesTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	var (
		failed  int
		fatal   int
		applied []stats.PlayerID
		maxSeq  int64
	)
	for _, res := range e.pool.ApplyAll(ctx, jobs) {
		id := res.Job.Player
		if res.Err != nil {
			if e.handleBatchError(id, res.Err) {
				fatal++
			} else {
				failed++
			}
			continue
		}
		e.clearHoldOff(id)

		wrote := false
		for i, r := range res.Results {
			p := byPlayer[id][i]
			switch r.Outcome {
			case stats.Applied:
				e.cache.ConfirmFlushed(p)
				wrote = true
				if r.Seq > maxSeq {
					maxSeq = r.Seq
				}
			case stats.Stale:
				e.resolveStale(r.Current)
			}
		}
		if wrote {
			applied = append(applied, id)
		}
	}

	e.cache.EvictReleased()

	if ctx.Err() == nil || failed == 0 {
		e.recordCycle(failed > 0)
	}
	if len(applied) > 0 {
		e.publish(applied, maxSeq)
	}

	e.logger.Debug("flush cycle complete",
		zap.Int("keys", len(pending)),
		zap.Int("players", len(jobs)),
		zap.Int("failed_players", failed),
		zap.Int("fatal_players", fatal),
		zap.Duration("duration", time.Since(start)))

	if failed > 0 || fatal > 0 {
		metrics.FlushCyclesTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("%w: %d transient, %d fatal player batches", ErrFlushFailed, failed, fatal)
	}
	metrics.FlushCyclesTotal.WithLabelValues("ok").Inc()
	return nil
}

// batches groups pending entries per player, skipping players held off
// after a fatal error. The returned map keeps each player's entries in
// write order so results can be matched by index.
func (e *Engine) batches(pending []stats.Pending) ([]worker.Job, map[stats.PlayerID][]stats.Pending) {
	byPlayer := make(map[stats.PlayerID][]stats.Pending)
	var order []stats.PlayerID
	for _, p := range pending {
		if _, seen := byPlayer[p.Player]; !seen {
			if e.heldOff(p.Player) {
				continue
			}
			order = append(order, p.Player)
		}
		byPlayer[p.Player] = append(byPlayer[p.Player], p)
	}

	jobs := make([]worker.Job, 0, len(order))
	for _, id := range order {
		entries := byPlayer[id]
		writes := make([]stats.Write, len(entries))
		for i, p := range entries {
			writes[i] = p.Write()
		}
		jobs = append(jobs, worker.Job{Player: id, Writes: writes})
	}
	return jobs, byPlayer
}

// handleBatchError keeps the player's markers set and reports whether the
// error was fatal to the player's batch
func (e *Engine) handleBatchError(id stats.PlayerID, err error) bool {
	if store.IsFatal(err) {
		wait := e.holdOff(id)
		metrics.StoreFatalTotal.Inc()
		e.logger.Error("player batch rejected by store", err,
			zap.String("player", id.String()),
			zap.Duration("holdoff", wait))
		return true
	}
	e.logger.Warn("player batch failed",
		zap.String("player", id.String()),
		zap.Error(err))
	return false
}

// resolveStale merges the row that won a compare-and-set. When that row is
// one of this node's own earlier writes the cache confirms it instead.
func (e *Engine) resolveStale(current *stats.Row) {
	if current == nil {
		return
	}
	e.merge(*current)
}

func (e *Engine) publish(players []stats.PlayerID, seq int64) {
	n := notify.Notice{Origin: e.node, Players: players, Seq: seq}
	ctx, cancel := context.WithTimeout(context.Background(), e.publishTimeout())
	delivered := notify.PublishAsync(ctx, e.bus, n)
	go func() {
		defer cancel()
		if err := <-delivered; err != nil {
			e.logger.Debug("failed to publish change notice", zap.Error(err))
		}
	}()
}

func (e *Engine) publishTimeout() time.Duration {
	if e.cfg.ResolveTimeout > 0 {
		return e.cfg.ResolveTimeout
	}
	return 2 * time.Second
}
