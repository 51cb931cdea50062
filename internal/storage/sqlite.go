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
	"time"

	logx "ctfsentinel/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite storage opened", logx.String("path", path))
	return &sqliteBackend{db: db, log: log}, nil
}

func (s *sqliteBackend) Name() string { return "sqlite" }

func (s *sqliteBackend) Read(ctx context.Context, ds Dataset) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM datasets WHERE name = ?`, string(ds)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return body, err
}

func (s *sqliteBackend) Write(ctx context.Context, ds Dataset, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets(name, body, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		string(ds), body, time.Now().Unix())
	return err
}

// Quarantine copies the row under "<name>.corrupt" so the next save does not
// destroy the only copy.
func (s *sqliteBackend) Quarantine(ctx context.Context, ds Dataset) (string, error) {
	dst := string(ds) + ".corrupt"
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datasets(name, body, updated_at)
		 SELECT ?, body, updated_at FROM datasets WHERE name = ?
		 ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		dst, string(ds))
	if err != nil {
		return "", err
	}
	return dst, nil
}

func (s *sqliteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
