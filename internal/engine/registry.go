package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// RefreshRegistry reloads tracked statistics and their merge policies
func (e *Engine) RefreshRegistry(ctx context.Context) error {
	tracked, err := e.store.Tracked(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tracked statistics: %w", err)
	}
	e.policies.Store(&tracked)
	e.logger.Debug("tracked statistics refreshed", zap.Int("count", len(tracked)))
	return nil
}

// Policy returns the merge policy of a key, falling back to the default
func (e *Engine) Policy(key string) stats.Policy {
	if p, ok := (*e.policies.Load())[key]; ok {
		return p
	}
	return e.cfg.DefaultPolicy
}

// Tracked returns a copy of the tracked statistics known to this node
func (e *Engine) Tracked() map[string]stats.Policy {
	current := *e.policies.Load()
	out := make(map[string]stats.Policy, len(current))
	for k, p := range current {
		out[k] = p
	}
	return out
}

// IsTracked reports whether a key is registered for placeholders
func (e *Engine) IsTracked(key string) bool {
	_, ok := (*e.policies.Load())[key]
	return ok
}

// Track registers a key in the shared registry and refreshes the local view
func (e *Engine) Track(ctx context.Context, key string, policy stats.Policy) (bool, error) {
	created, err := e.store.Track(ctx, key, policy)
	if err != nil {
		return false, err
	}
	if err := e.RefreshRegistry(ctx); err != nil {
		e.logger.Warn("tracked but failed to refresh registry", zap.String("key", key), zap.Error(err))
	}
	return created, nil
}

// Untrack removes a key from the shared registry; stored values are kept
func (e *Engine) Untrack(ctx context.Context, key string) (bool, error) {
	removed, err := e.store.Untrack(ctx, key)
	if err != nil {
		return false, err
	}
	if err := e.RefreshRegistry(ctx); err != nil {
		e.logger.Warn("untracked but failed to refresh registry", zap.String("key", key), zap.Error(err))
	}
	return removed, nil
}
