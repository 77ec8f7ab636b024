// Package sqlite is the single-host backend built on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/stats"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store"
	"github.com/LaoMaoBoss/MultiSync-Stats/pkg/store/sqlite/migrations"
)

// Config holds SQLite connection settings
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Store persists statistics in a SQLite database file
type Store struct {
	db *sql.DB
}

var _ store.Backend = (*Store)(nil)

// Open opens the database file and applies migrations
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	dsn := filepath.Clean(cfg.Path) + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) ApplyBatch(ctx context.Context, player stats.PlayerID, writes []stats.Write) ([]stats.Result, error) {
	const op = "apply_batch"
	if err := store.CheckBatch(op, player, writes); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM mss_sequence WHERE id = 1`).Scan(&seq); err != nil {
		return nil, classify(op, err)
	}

	results := make([]stats.Result, len(writes))
	applied := false
	for i, w := range writes {
		r := w.Row
		var committed int64
		err := tx.QueryRowContext(ctx, `
INSERT INTO mss_statistics (player_id, stat_key, value, version, modified_at, origin, seq)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (player_id, stat_key) DO UPDATE SET
    value = excluded.value,
    version = excluded.version,
    modified_at = excluded.modified_at,
    origin = excluded.origin,
    seq = excluded.seq
WHERE mss_statistics.version <= ?
RETURNING seq`,
			player.String(), r.Key, r.Value, r.Version, r.ModifiedAt, r.Origin, seq+1, w.Expected,
		).Scan(&committed)

		switch {
		case err == nil:
			seq = committed
			applied = true
			results[i] = stats.Result{Key: r.Key, Outcome: stats.Applied, Seq: committed}
		case errors.Is(err, sql.ErrNoRows):
			current, err := scanRow(tx.QueryRowContext(ctx, `
SELECT player_id, stat_key, value, version, modified_at, origin, seq
FROM mss_statistics WHERE player_id = ? AND stat_key = ?`, player.String(), r.Key))
			if err != nil {
				return nil, classify(op, err)
			}
			results[i] = stats.Result{Key: r.Key, Outcome: stats.Stale, Current: &current}
		default:
			return nil, classify(op, err)
		}
	}

	if applied {
		if _, err := tx.ExecContext(ctx, `UPDATE mss_sequence SET seq = ? WHERE id = 1`, seq); err != nil {
			return nil, classify(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(op, err)
	}
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

	args := make([]any, 0, len(players)+2)
	args = append(args, cursor)
	for _, p := range players {
		args = append(args, p.String())
	}
	query := `
SELECT player_id, stat_key, value, version, modified_at, origin, seq
FROM mss_statistics
WHERE seq > ? AND player_id IN (?` + strings.Repeat(", ?", len(players)-1) + `)
ORDER BY seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

	rows, err := s.db.QueryContext(ctx, `
SELECT player_id, stat_key, value, version, modified_at, origin, seq
FROM mss_statistics WHERE player_id = ?`, player.String())
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

func (s *Store) Head(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT seq FROM mss_sequence WHERE id = 1`).Scan(&seq); err != nil {
		return 0, classify("head", err)
	}
	return seq, nil
}

func (s *Store) Track(ctx context.Context, key string, policy stats.Policy) (bool, error) {
	const op = "track"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(op, err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM mss_tracked_statistics WHERE stat_key = ?`, key).Scan(&count); err != nil {
		return false, classify(op, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO mss_tracked_statistics (stat_key, policy, created_at) VALUES (?, ?, ?)
ON CONFLICT (stat_key) DO UPDATE SET policy = excluded.policy`,
		key, policy.String(), time.Now().UTC().UnixMilli()); err != nil {
		return false, classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return false, classify(op, err)
	}
	return count == 0, nil
}

func (s *Store) Untrack(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mss_tracked_statistics WHERE stat_key = ?`, key)
	if err != nil {
		return false, classify("untrack", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("untrack", err)
	}
	return n > 0, nil
}

func (s *Store) Tracked(ctx context.Context) (map[string]stats.Policy, error) {
	const op = "tracked"
	rows, err := s.db.QueryContext(ctx, `SELECT stat_key, policy FROM mss_tracked_statistics`)
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

// Close releases the database handle
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (stats.Row, error) {
	var (
		r      stats.Row
		player string
	)
	if err := sc.Scan(&player, &r.Key, &r.Value, &r.Version, &r.ModifiedAt, &r.Origin, &r.Seq); err != nil {
		return stats.Row{}, err
	}
	id, err := uuid.Parse(player)
	if err != nil {
		return stats.Row{}, store.Fatal("scan", fmt.Errorf("malformed player id %q: %w", player, err))
	}
	r.Player = id
	return r, nil
}

// classify maps driver errors onto the store taxonomy
func classify(op string, err error) error {
	if err == nil || store.IsFatal(err) || store.IsTransient(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_PROTOCOL:
			return store.Transient(op, err)
		}
		return store.Fatal(op, err)
	}
	if errors.Is(err, sql.ErrConnDone) || store.IsNetwork(err) {
		return store.Transient(op, err)
	}
	return store.Fatal(op, err)
}
