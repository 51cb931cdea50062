package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "ctfsentinel/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations_postgres.sql
var postgresSchema string

type postgresBackend struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	pcfg.MaxConns = 4
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres storage opened", logx.String("host", pcfg.ConnConfig.Host))
	return &postgresBackend{pool: pool, log: log}, nil
}

func (p *postgresBackend) Name() string { return "postgres" }

func (p *postgresBackend) Read(ctx context.Context, ds Dataset) ([]byte, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT body FROM ctfsentinel_datasets WHERE name = $1`, string(ds)).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return body, err
}

func (p *postgresBackend) Write(ctx context.Context, ds Dataset, body []byte) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ctfsentinel_datasets(name, body, updated_at) VALUES($1, $2, now())
		 ON CONFLICT(name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		string(ds), body)
	return err
}

func (p *postgresBackend) Quarantine(ctx context.Context, ds Dataset) (string, error) {
	dst := string(ds) + ".corrupt"
	_, err := p.pool.Exec(ctx,
		`INSERT INTO ctfsentinel_datasets(name, body, updated_at)
		 SELECT $1, body, updated_at FROM ctfsentinel_datasets WHERE name = $2
		 ON CONFLICT(name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		dst, string(ds))
	if err != nil {
		return "", err
	}
	return dst, nil
}

func (p *postgresBackend) Close() error {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
	return nil
}
