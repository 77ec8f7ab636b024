// Package postgres is the shared multi-node backend built on pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/logger"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
)

//go:embed schema.sql
var schema string

// Config holds database connection settings
type Config struct {
	URI             string
	MinConns        int32
	MaxConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements store.Backend on a pgxpool
type Store struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

var _ store.Backend = (*Store)(nil)

const (
	upsertQuery = `
		INSERT INTO mss_statistics (player_id, stat_key, value, version, modified_at, origin, seq)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, nextval('mss_statistics_seq'))
		ON CONFLICT (player_id, stat_key) DO UPDATE SET
			value = EXCLUDED.value,
			version = EXCLUDED.version,
			modified_at = EXCLUDED.modified_at,
			origin = EXCLUDED.origin,
			seq = EXCLUDED.seq
		WHERE mss_statistics.version <= $7
		RETURNING seq
	`
	selectColumns = `player_id::text, stat_key, value, version, modified_at, origin, seq`
)

// New connects the pool and makes sure the schema exists
func New(ctx context.Context, cfg Config, l *logger.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = 30 * time.Minute
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool, logger: l}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// ApplyBatch sends every conditional upsert of the player in one round trip
// inside a transaction, then reads back the rows that refused the write.
func (s *Store) ApplyBatch(ctx context.Context, player stats.PlayerID, writes []stats.Write) ([]stats.Result, error) {
	const op = "apply_batch"
	if err := store.CheckBatch(op, player, writes); err != nil {
		return nil, err
	}
	if len(writes) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	defer tx.Rollback(ctx)

	id := player.String()
	batch := &pgx.Batch{}
	for _, w := range writes {
		r := w.Row
		batch.Queue(upsertQuery, id, r.Key, r.Value, r.Version, r.ModifiedAt, r.Origin, w.Expected)
	}

	results := make([]stats.Result, len(writes))
	var stale []int
	br := tx.SendBatch(ctx, batch)
	for i, w := range writes {
		var seq int64
		err := br.QueryRow().Scan(&seq)
		switch {
		case err == nil:
			results[i] = stats.Result{Key: w.Row.Key, Outcome: stats.Applied, Seq: seq}
		case errors.Is(err, pgx.ErrNoRows):
			stale = append(stale, i)
		default:
			br.Close()
			return nil, classify(op, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, classify(op, err)
	}

	for _, i := range stale {
		key := writes[i].Row.Key
		current, err := scanRow(tx.QueryRow(ctx,
			`SELECT `+selectColumns+` FROM mss_statistics WHERE player_id = $1::uuid AND stat_key = $2`, id, key))
		if err != nil {
			return nil, classify(op, err)
		}
		results[i] = stats.Result{Key: key, Outcome: stats.Stale, Current: &current}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(op, err)
	}

	s.logger.Debug("batch applied",
		zap.String("player", id),
		zap.Int("writes", len(writes)),
		zap.Int("stale", len(stale)))
	return results, nil
}

func (s *Store) UpsertIfVersionAtMost(ctx context.Context, w stats.Write) (stats.Result, error) {
	return store.Single(ctx, s, w)
}

func (s *Store) FetchChangedSince(ctx context.Context, cursor int64, players []stats.PlayerID, limit int) ([]stats.Row, error) {
	const op = "fetch_changed"
	if len(players) == 0 {
		return nil, nil
	}
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.String()
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM mss_statistics
		WHERE seq > $1 AND player_id = ANY($2::uuid[])
		ORDER BY seq
		LIMIT $3`, cursor, ids, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []stats.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *Store) FetchOne(ctx context.Context, player stats.PlayerID) (stats.PlayerSet, bool, error) {
	const op = "fetch_one"
	set := stats.PlayerSet{Player: player}

	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM mss_statistics WHERE player_id = $1::uuid`, player.String())
	if err != nil {
		return set, false, classify(op, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return set, false, classify(op, err)
		}
		if set.Rows == nil {
			set.Rows = make(map[string]stats.Row)
		}
		set.Rows[r.Key] = r
	}
	if err := rows.Err(); err != nil {
		return set, false, classify(op, err)
	}
	return set, len(set.Rows) > 0, nil
}

// Head reads the highest committed sequence; in-flight transactions holding
// lower values are covered by the pull overlap
func (s *Store) Head(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM mss_statistics`).Scan(&seq); err != nil {
		return 0, classify("head", err)
	}
	return seq, nil
}

func (s *Store) Track(ctx context.Context, key string, policy stats.Policy) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mss_tracked_statistics (stat_key, policy) VALUES ($1, $2)
		ON CONFLICT (stat_key) DO UPDATE SET policy = EXCLUDED.policy
		RETURNING (xmax = 0) AS inserted`, key, policy.String()).Scan(&inserted)
	if err != nil {
		return false, classify("track", err)
	}
	return inserted, nil
}

func (s *Store) Untrack(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM mss_tracked_statistics WHERE stat_key = $1`, key)
	if err != nil {
		return false, classify("untrack", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Tracked(ctx context.Context) (map[string]stats.Policy, error) {
	const op = "tracked"
	rows, err := s.pool.Query(ctx, `SELECT stat_key, policy FROM mss_tracked_statistics`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	out := make(map[string]stats.Policy)
	for rows.Next() {
		var key, name string
		if err := rows.Scan(&key, &name); err != nil {
			return nil, classify(op, err)
		}
		policy, err := stats.ParsePolicy(name)
		if err != nil {
			return nil, store.Fatal(op, err)
		}
		out[key] = policy
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRow(row pgx.Row) (stats.Row, error) {
	var (
		r      stats.Row
		player string
	)
	if err := row.Scan(&player, &r.Key, &r.Value, &r.Version, &r.ModifiedAt, &r.Origin, &r.Seq); err != nil {
		return stats.Row{}, err
	}
	id, err := uuid.Parse(player)
	if err != nil {
		return stats.Row{}, store.Fatal("scan", fmt.Errorf("malformed player id %q: %w", player, err))
	}
	r.Player = id
	return r, nil
}

// classify maps pgx errors onto the store taxonomy by SQLSTATE class
func classify(op string, err error) error {
	if err == nil || store.IsFatal(err) || store.IsTransient(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientState(pgErr.Code) {
			return store.Transient(op, err)
		}
		return store.Fatal(op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || store.IsNetwork(err) {
		return store.Transient(op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return store.Transient(op, err)
	}
	return store.Fatal(op, err)
}

func transientState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "40001", code == "40P01": // serialization failure, deadlock
		return true
	case code == "57P01", code == "57P02", code == "57P03": // shutdown, cannot connect now
		return true
	case code == "55P03": // lock not available
		return true
	}
	return false
}
