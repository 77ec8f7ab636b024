package engine

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/metrics"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/notify"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// Pull merges rows changed since the cursor for every resident player.
// The window starts pull_overlap sequences before the cursor so rows that
// committed out of sequence order are still seen; re-merging a row is a no-op.
func (e *Engine) Pull(ctx context.Context) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	defer e.updateGauges()

	residents := e.cache.Residents()
	if len(residents) == 0 {
		head, err := e.store.Head(ctx)
		if err != nil {
			metrics.PullCyclesTotal.WithLabelValues("periodic", "failed").Inc()
			return err
		}
		e.advanceCursor(head)
		metrics.PullCyclesTotal.WithLabelValues("periodic", "empty").Inc()
		return nil
	}

	cursor := e.Cursor()
	from := cursor - e.cfg.PullOverlap
	if from < 0 {
		from = 0
	}

	limit := e.cfg.PullBatchSize
	highest := cursor
	merged := 0
	for start := 0; start < len(residents); start += limit {
		end := start + limit
		if end > len(residents) {
			end = len(residents)
		}
		chunk := residents[start:end]

		after := from
		for {
			rows, err := e.store.FetchChangedSince(ctx, after, chunk, limit)
			if err != nil {
				metrics.PullCyclesTotal.WithLabelValues("periodic", "failed").Inc()
				e.logger.Warn("pull failed", zap.Int64("cursor", cursor), zap.Error(err))
				return err
			}
			for _, row := range rows {
				e.merge(row)
				if row.Seq > highest {
					highest = row.Seq
				}
			}
			merged += len(rows)
			if len(rows) < limit {
				break
			}
			after = rows[len(rows)-1].Seq
		}
	}

	e.advanceCursor(highest)
	metrics.PullCyclesTotal.WithLabelValues("periodic", "ok").Inc()
	metrics.PullRowsTotal.Add(float64(merged))
	e.logger.Debug("pull cycle complete",
		zap.Int("players", len(residents)),
		zap.Int("rows", merged),
		zap.Int64("cursor", e.Cursor()))
	return nil
}

// load fetches the full stored set of each player and merges it.
// It serves first loads, joins and notice-triggered pulls.
func (e *Engine) load(ctx context.Context, players []stats.PlayerID, kind string) error {
	if err := e.acquire(ctx); err != nil {
		metrics.PullCyclesTotal.WithLabelValues(kind, "timeout").Inc()
		return err
	}
	defer e.release()
	defer e.updateGauges()

	for _, id := range players {
		set, _, err := e.store.FetchOne(ctx, id)
		if err != nil {
			metrics.PullCyclesTotal.WithLabelValues(kind, "failed").Inc()
			e.logger.Warn("failed to load player",
				zap.String("player", id.String()),
				zap.String("kind", kind),
				zap.Error(err))
			return err
		}

		keys := make([]string, 0, len(set.Rows))
		for k := range set.Rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.merge(set.Rows[k])
		}
		e.cache.MarkLoaded(id)
		metrics.PullRowsTotal.Add(float64(len(keys)))
	}
	metrics.PullCyclesTotal.WithLabelValues(kind, "ok").Inc()
	return nil
}

// loadPending loads players that became resident without a completed load
func (e *Engine) loadPending(ctx context.Context) error {
	unloaded := e.cache.Unloaded()
	if len(unloaded) == 0 {
		return nil
	}
	return e.load(ctx, unloaded, "load")
}

// handleNotice pulls the announced players this node holds
func (e *Engine) handleNotice(ctx context.Context, n notify.Notice) error {
	var resident []stats.PlayerID
	for _, id := range n.Players {
		if e.cache.IsLoaded(id) {
			resident = append(resident, id)
		}
	}
	if len(resident) == 0 {
		return nil
	}
	e.logger.Debug("change notice",
		zap.String("origin", n.Origin),
		zap.Int64("seq", n.Seq),
		zap.Int("players", len(resident)))
	return e.load(ctx, resident, "notice")
}

// merge resolves one store row against the cache under the key's policy
func (e *Engine) merge(row stats.Row) stats.Decision {
	policy := e.Policy(row.Key)
	d := e.cache.ApplyRemote(row, policy)
	metrics.MergeDecisionsTotal.WithLabelValues(d.Action.String()).Inc()

	if d.Conflict != nil {
		winner := "local"
		switch d.Action {
		case stats.AcceptRemote:
			winner = "remote"
		case stats.Rebase:
			winner = "merged"
		}
		metrics.ConflictsTotal.WithLabelValues(policy.String(), winner).Inc()
		e.logger.Debug("conflict resolved",
			zap.String("player", row.Player.String()),
			zap.String("key", row.Key),
			zap.String("policy", policy.String()),
			zap.String("winner", winner),
			zap.Int64("local_value", d.Conflict.Local.Value),
			zap.Int64("remote_value", row.Value),
			zap.Int64("remote_version", row.Version),
			zap.String("remote_origin", row.Origin))
	}
	return d
}
