package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "groupcast/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

func (s *sqliteStore) PutSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	key := strings.TrimSpace(snap.Key)
	if key == "" {
		return nil
	}
	ids, err := json.Marshal(snap.GroupIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recipient_cache(key, group_ids, fetched_at, until) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET group_ids=excluded.group_ids, fetched_at=excluded.fetched_at, until=excluded.until`,
		key, string(ids), snap.FetchedAt.UnixMilli(), snap.Until.UnixMilli(),
	)
	if err == nil {
		// keep the table tiny; a failed prune is harmless
		_, _ = s.db.ExecContext(ctx, `DELETE FROM recipient_cache WHERE until > 0 AND until <= ?`, time.Now().UnixMilli())
	}
	return err
}

func (s *sqliteStore) GetSnapshot(ctx context.Context, key string) (Snapshot, bool, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, false, ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Snapshot{}, false, nil
	}
	var (
		raw              string
		fetchedAt, until int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT group_ids, fetched_at, until FROM recipient_cache WHERE key = ?`, key,
	).Scan(&raw, &fetchedAt, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap := Snapshot{Key: key, FetchedAt: time.UnixMilli(fetchedAt)}
	if until > 0 {
		snap.Until = time.UnixMilli(until)
	}
	if err := json.Unmarshal([]byte(raw), &snap.GroupIDs); err != nil {
		return Snapshot{}, false, fmt.Errorf("recipient_cache %s: %w", key, err)
	}
	if snap.Expired(time.Now()) {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *sqliteStore) DeleteSnapshot(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM recipient_cache WHERE key = ?`, strings.TrimSpace(key))
	return err
}
