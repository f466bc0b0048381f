// Package postgres provides a PostgreSQL-backed key/value store for engine state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/pricewatch/internal/infra/persistence"
)

const (
	kvSelectSQL = `SELECT value FROM kv_state WHERE key = $1;`
	kvUpsertSQL = `
INSERT INTO kv_state (key, value, updated_at)
VALUES ($1, $2::jsonb, NOW())
ON CONFLICT (key) DO UPDATE SET
    value = EXCLUDED.value,
    updated_at = NOW();
`
)

// Store persists state documents in the kv_state table.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store backed by the provided pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Config tunes the pgx pool backing a Store. Zero values keep the pgx defaults.
type Config struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// Open dials dsn and returns a Store owning the resulting pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	return OpenConfig(ctx, Config{DSN: dsn})
}

// OpenConfig dials cfg.DSN with the configured pool limits and registers pool gauges.
func OpenConfig(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres store: dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	ObservePoolMetrics(pool, "state")
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pgx pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Get loads the document stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres store: nil pool")
	}
	var value []byte
	if err := s.pool.QueryRow(ctx, kvSelectSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("select state: %w", err)
	}
	return value, nil
}

// Put upserts the document stored under key. value must be valid JSON.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if s.pool == nil {
		return fmt.Errorf("postgres store: nil pool")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("postgres store: key required")
	}
	if _, err := s.pool.Exec(ctx, kvUpsertSQL, key, string(value)); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}
