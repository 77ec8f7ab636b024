// Package memstore is an in-process backend shared by every node that holds
// a reference to it. It backs the memory driver and multi-node tests, and
// can inject failures.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
)

// Store holds statistic rows in memory
type Store struct {
	mu      sync.Mutex
	rows    map[stats.PlayerID]map[string]stats.Row
	tracked map[string]stats.Policy
	seq     int64
	closed  bool
	faults  []error
	writes  int
}

var _ store.Backend = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		rows:    make(map[stats.PlayerID]map[string]stats.Row),
		tracked: make(map[string]stats.Policy),
	}
}

// FailNext makes the next n operations fail with err
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, err)
	}
}

// Heal drops every pending injected failure
func (s *Store) Heal() {
	s.mu.Lock()
	s.faults = nil
	s.mu.Unlock()
}

// Row returns the stored row of one key
func (s *Store) Row(player stats.PlayerID, key string) (stats.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[player][key]
	return r, ok
}

// AppliedWrites counts committed writes since creation
func (s *Store) AppliedWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// begin checks cancellation, closure and injected faults; s.mu must be held
func (s *Store) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return store.Fatal(op, store.ErrClosed)
	}
	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		return err
	}
	return nil
}

func (s *Store) ApplyBatch(ctx context.Context, player stats.PlayerID, writes []stats.Write) ([]stats.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "apply_batch"); err != nil {
		return nil, err
	}
	if err := store.CheckBatch("apply_batch", player, writes); err != nil {
		return nil, err
	}

	rows, ok := s.rows[player]
	if !ok {
		rows = make(map[string]stats.Row)
		s.rows[player] = rows
	}

	results := make([]stats.Result, len(writes))
	for i, w := range writes {
		current, exists := rows[w.Row.Key]
		if exists && current.Version > w.Expected {
			c := current
			results[i] = stats.Result{Key: w.Row.Key, Outcome: stats.Stale, Current: &c}
			continue
		}
		s.seq++
		row := w.Row
		row.Seq = s.seq
		rows[row.Key] = row
		s.writes++
		results[i] = stats.Result{Key: row.Key, Outcome: stats.Applied, Seq: row.Seq}
	}
	return results, nil
}

func (s *Store) UpsertIfVersionAtMost(ctx context.Context, w stats.Write) (stats.Result, error) {
	return store.Single(ctx, s, w)
}

func (s *Store) FetchChangedSince(ctx context.Context, cursor int64, players []stats.PlayerID, limit int) ([]stats.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "fetch_changed"); err != nil {
		return nil, err
	}

	var out []stats.Row
	for _, p := range players {
		for _, r := range s.rows[p] {
			if r.Seq > cursor {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FetchOne(ctx context.Context, player stats.PlayerID) (stats.PlayerSet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "fetch_one"); err != nil {
		return stats.PlayerSet{}, false, err
	}

	rows, ok := s.rows[player]
	if !ok || len(rows) == 0 {
		return stats.PlayerSet{Player: player}, false, nil
	}
	set := stats.PlayerSet{Player: player, Rows: make(map[string]stats.Row, len(rows))}
	for k, r := range rows {
		set.Rows[k] = r
	}
	return set, true, nil
}

func (s *Store) Head(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "head"); err != nil {
		return 0, err
	}
	return s.seq, nil
}

func (s *Store) Track(ctx context.Context, key string, policy stats.Policy) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "track"); err != nil {
		return false, err
	}
	_, exists := s.tracked[key]
	s.tracked[key] = policy
	return !exists, nil
}

func (s *Store) Untrack(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "untrack"); err != nil {
		return false, err
	}
	_, exists := s.tracked[key]
	delete(s.tracked, key)
	return exists, nil
}

func (s *Store) Tracked(ctx context.Context) (map[string]stats.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, "tracked"); err != nil {
		return nil, err
	}
	out := make(map[string]stats.Policy, len(s.tracked))
	for k, p := range s.tracked {
		out[k] = p
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
