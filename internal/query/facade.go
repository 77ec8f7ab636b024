// Package query is the synchronous statistic surface used by game logic and
// placeholder expansion. Every call is served from the local cache; only
// Join and ResolveNow wait on the store, and only up to the resolve timeout.
package query

import (
	"context"

	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/internal/engine"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/cache"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// Syncer is the part of the synchronization engine the facade drives
type Syncer interface {
	ResolveNow(ctx context.Context, players ...stats.PlayerID) error
	RequestLoad(id stats.PlayerID)
	Status() engine.Status
	OnStatus(fn func(engine.Status))
}

// Facade serves statistic reads and writes for one node
type Facade struct {
	cache  *cache.Cache
	sync   Syncer
	logger *logger.Logger
}

// NewFacade creates a facade over the node cache and its engine
func NewFacade(c *cache.Cache, s Syncer, l *logger.Logger) *Facade {
	return &Facade{cache: c, sync: s, logger: l}
}

// Get returns the cached value, zero when absent or when key is invalid
func (f *Facade) Get(player stats.PlayerID, key string) int64 {
	k, err := stats.NormalizeKey(key)
	if err != nil {
		return 0
	}
	return f.cache.Get(player, k)
}

// Lookup returns the cached entry with its version and dirty state
func (f *Facade) Lookup(player stats.PlayerID, key string) (cache.Entry, bool) {
	k, err := stats.NormalizeKey(key)
	if err != nil {
		return cache.Entry{}, false
	}
	return f.cache.Lookup(player, k)
}

// Snapshot returns every cached statistic of a player
func (f *Facade) Snapshot(player stats.PlayerID) map[string]int64 {
	return f.cache.Snapshot(player)
}

// Increment adds delta to a statistic and returns the new local value
func (f *Facade) Increment(player stats.PlayerID, key string, delta int64) (int64, error) {
	k, err := stats.NormalizeKey(key)
	if err != nil {
		return 0, err
	}
	v, created := f.cache.Increment(player, k, delta)
	if created {
		f.sync.RequestLoad(player)
	}
	return v, nil
}

// Set overwrites a statistic
func (f *Facade) Set(player stats.PlayerID, key string, value int64) error {
	k, err := stats.NormalizeKey(key)
	if err != nil {
		return err
	}
	if f.cache.Set(player, k, value) {
		f.sync.RequestLoad(player)
	}
	return nil
}

// Join makes a player resident and pulls their stored statistics before
// returning. It reports whether the cache is fresh; on false the player is
// served from whatever is cached and loaded in the background.
func (f *Facade) Join(ctx context.Context, player stats.PlayerID) bool {
	return f.ResolveNow(ctx, player)
}

// ResolveNow pulls the given players, bounded by the resolve timeout
func (f *Facade) ResolveNow(ctx context.Context, players ...stats.PlayerID) bool {
	if err := f.sync.ResolveNow(ctx, players...); err != nil {
		f.logger.Warn("resolve fell back to cached statistics",
			zap.Int("players", len(players)),
			zap.Error(err))
		for _, id := range players {
			f.sync.RequestLoad(id)
		}
		return false
	}
	return true
}

// Leave marks a player offline. The entry is evicted now if nothing is
// pending, otherwise after the flush that makes it durable.
func (f *Facade) Leave(player stats.PlayerID) bool {
	return f.cache.Release(player)
}

// Status reports cross-node synchronization health
func (f *Facade) Status() engine.Status {
	return f.sync.Status()
}

// OnStatus registers a listener for health transitions
func (f *Facade) OnStatus(fn func(engine.Status)) {
	f.sync.OnStatus(fn)
}
