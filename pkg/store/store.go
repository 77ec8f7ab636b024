package store

import (
	"context"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// Store is the narrow contract over the shared backing store
type Store interface {
	// ApplyBatch runs every conditional write of one player in a single
	// transaction. Writes whose stored version exceeds Expected come back
	// Stale with the current row; the applied ones commit together.
	ApplyBatch(ctx context.Context, player stats.PlayerID, writes []stats.Write) ([]stats.Result, error)

	// UpsertIfVersionAtMost is ApplyBatch for a single key
	UpsertIfVersionAtMost(ctx context.Context, w stats.Write) (stats.Result, error)

	// FetchChangedSince returns rows of the given players whose change
	// sequence is above cursor, ordered by sequence, at most limit rows
	FetchChangedSince(ctx context.Context, cursor int64, players []stats.PlayerID, limit int) ([]stats.Row, error)

	// FetchOne returns every stored statistic of a player
	FetchOne(ctx context.Context, player stats.PlayerID) (stats.PlayerSet, bool, error)

	// Head returns the highest change sequence in the store
	Head(ctx context.Context) (int64, error)

	// Close releases the underlying connections
	Close() error
}

// Registry persists which statistics are tracked and their merge policy
type Registry interface {
	// Track registers a key, updating its policy if it is already tracked
	Track(ctx context.Context, key string, policy stats.Policy) (bool, error)

	// Untrack removes a key from the registry; stored values are kept
	Untrack(ctx context.Context, key string) (bool, error)

	// Tracked lists every tracked key with its policy
	Tracked(ctx context.Context) (map[string]stats.Policy, error)
}

// Backend is a store that also carries the registry
type Backend interface {
	Store
	Registry
}

// Single adapts a one-element ApplyBatch to UpsertIfVersionAtMost
func Single(ctx context.Context, s Store, w stats.Write) (stats.Result, error) {
	results, err := s.ApplyBatch(ctx, w.Row.Player, []stats.Write{w})
	if err != nil {
		return stats.Result{}, err
	}
	return results[0], nil
}
