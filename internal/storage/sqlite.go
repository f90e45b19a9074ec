package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hnwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const metaBaselineKey = "baseline"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the sqlite state database.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("state db ready", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadMonitoredItems(ctx context.Context) (map[int64]KidSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.item_id, k.kid_id
		   FROM monitored_items m
		   LEFT JOIN item_kids k ON k.item_id = m.item_id
		  ORDER BY m.item_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]KidSet)
	for rows.Next() {
		var itemID int64
		var kidID sql.NullInt64
		if err := rows.Scan(&itemID, &kidID); err != nil {
			return nil, err
		}
		set, ok := out[itemID]
		if !ok {
			set = NewKidSet()
			out[itemID] = set
		}
		if kidID.Valid {
			set.Add(kidID.Int64)
		}
	}
	return out, rows.Err()
}

func (s *sqliteStore) BaselineEstablished(ctx context.Context) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, metaBaselineKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != "", nil
}

func (s *sqliteStore) EstablishBaseline(ctx context.Context, items map[int64]KidSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Idempotent: a completed baseline is never overwritten.
	var v string
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, metaBaselineKey).Scan(&v)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	for itemID, kids := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO monitored_items(item_id) VALUES (?)`, itemID); err != nil {
			return err
		}
		for _, kid := range kids.Sorted() {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO item_kids(item_id, kid_id) VALUES (?, ?)`, itemID, kid); err != nil {
				return err
			}
		}
	}

	at := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES (?, ?)`, metaBaselineKey, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) UpsertItemKids(ctx context.Context, itemID int64, kids ...int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO monitored_items(item_id) VALUES (?)`, itemID); err != nil {
		return err
	}
	for _, kid := range kids {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO item_kids(item_id, kid_id) VALUES (?, ?)`, itemID, kid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PruneMissingItems(ctx context.Context, current KidSet) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT item_id FROM monitored_items`)
	if err != nil {
		return 0, err
	}
	var stale []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if !current.Has(id) {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_kids WHERE item_id = ?`, id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM monitored_items WHERE item_id = ?`, id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (s *sqliteStore) IsNotified(ctx context.Context, kidID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM notified_kids WHERE kid_id = ?`, kidID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkNotified(ctx context.Context, kidID, itemID int64) error {
	// OR IGNORE keeps the ledger append-only: a second mark for the same kid
	// (retried cycle) changes nothing.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notified_kids(kid_id, item_id, notified_at) VALUES (?, ?, ?)`,
		kidID, itemID, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) CountNotifiedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notified_kids WHERE notified_at >= ?`, since.UnixMilli()).Scan(&n)
	return n, err
}

func (s *sqliteStore) RecentNotified(ctx context.Context, since time.Time, limit int) ([]NotifiedEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kid_id, item_id, notified_at FROM notified_kids
		  WHERE notified_at >= ? ORDER BY notified_at DESC LIMIT ?`,
		since.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotifiedEntry
	for rows.Next() {
		var e NotifiedEntry
		var ms int64
		if err := rows.Scan(&e.KidID, &e.ItemID, &ms); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}
