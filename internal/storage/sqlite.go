//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "pixiwatch/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d;", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrations: %w", err)
	}

	return st, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendRun(ctx context.Context, e RunEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, trigger_kind, started_at, ended_at, outcome, error, fetched, pushed, took_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Trigger, e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(),
		e.Outcome, e.Error, e.Fetched, e.Pushed, e.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, n int) ([]RunEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trigger_kind, started_at, ended_at, outcome, error, fetched, pushed, took_ms
		 FROM runs ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var e RunEntry
		var startMS, endMS int64
		if err := rows.Scan(&e.ID, &e.Trigger, &startMS, &endMS, &e.Outcome, &e.Error, &e.Fetched, &e.Pushed, &e.TookMS); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(startMS)
		e.EndedAt = time.UnixMilli(endMS)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutSeen(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen (key, until) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if s.opCount.Add(1)%s.pruneEvery == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE until < ?`, time.Now().UnixMilli()); err != nil {
			s.log.Debug("seen prune failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *sqliteStore) WasSeen(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	var until int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM seen WHERE key = ?`, key).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return until >= time.Now().UnixMilli(), nil
}
