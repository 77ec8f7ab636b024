package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/metrics"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/retry"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
)

// Retrying retries transient failures of the wrapped backend with
// exponential backoff. Fatal errors are returned on the first attempt.
type Retrying struct {
	inner  Backend
	opts   retry.RetryOptions
	logger *logger.Logger
}

var _ Backend = (*Retrying)(nil)

// WithRetry decorates a backend with transparent transient-error retries
func WithRetry(inner Backend, opts retry.RetryOptions, l *logger.Logger) *Retrying {
	opts.Classifier = IsTransient
	return &Retrying{inner: inner, opts: opts, logger: l}
}

func (r *Retrying) options(op string) retry.RetryOptions {
	opts := r.opts
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.StoreRetriesTotal.WithLabelValues(op).Inc()
		r.logger.Debug("retrying store operation",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return opts
}

func (r *Retrying) ApplyBatch(ctx context.Context, player stats.PlayerID, writes []stats.Write) ([]stats.Result, error) {
	return retry.DoValue(ctx, func(ctx context.Context) ([]stats.Result, error) {
		return r.inner.ApplyBatch(ctx, player, writes)
	}, r.options("apply_batch"))
}

func (r *Retrying) UpsertIfVersionAtMost(ctx context.Context, w stats.Write) (stats.Result, error) {
	return retry.DoValue(ctx, func(ctx context.Context) (stats.Result, error) {
		return r.inner.UpsertIfVersionAtMost(ctx, w)
	}, r.options("upsert"))
}

func (r *Retrying) FetchChangedSince(ctx context.Context, cursor int64, players []stats.PlayerID, limit int) ([]stats.Row, error) {
	return retry.DoValue(ctx, func(ctx context.Context) ([]stats.Row, error) {
		return r.inner.FetchChangedSince(ctx, cursor, players, limit)
	}, r.options("fetch_changed"))
}

func (r *Retrying) FetchOne(ctx context.Context, player stats.PlayerID) (stats.PlayerSet, bool, error) {
	var found bool
	set, err := retry.DoValue(ctx, func(ctx context.Context) (stats.PlayerSet, error) {
		s, ok, err := r.inner.FetchOne(ctx, player)
		found = ok
		return s, err
	}, r.options("fetch_one"))
	return set, found, err
}

func (r *Retrying) Head(ctx context.Context) (int64, error) {
	return retry.DoValue(ctx, r.inner.Head, r.options("head"))
}

func (r *Retrying) Track(ctx context.Context, key string, policy stats.Policy) (bool, error) {
	return retry.DoValue(ctx, func(ctx context.Context) (bool, error) {
		return r.inner.Track(ctx, key, policy)
	}, r.options("track"))
}

func (r *Retrying) Untrack(ctx context.Context, key string) (bool, error) {
	return retry.DoValue(ctx, func(ctx context.Context) (bool, error) {
		return r.inner.Untrack(ctx, key)
	}, r.options("untrack"))
}

func (r *Retrying) Tracked(ctx context.Context) (map[string]stats.Policy, error) {
	return retry.DoValue(ctx, r.inner.Tracked, r.options("tracked"))
}

func (r *Retrying) Close() error {
	return r.inner.Close()
}
