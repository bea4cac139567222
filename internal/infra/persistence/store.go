// Package persistence exposes shared wiring for database-backed repositories.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultConnectAttempts = 10

// Store holds the pgx pool shared by repository implementations. Concrete
// repositories live in subpackages (e.g. postgres).
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// PoolSettings sizes the pgx pool.
type PoolSettings struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	// ConnectAttempts bounds the initial ping retries. Zero uses the default.
	ConnectAttempts uint
}

// Open builds a pool from settings and waits until the database answers a ping.
func Open(ctx context.Context, settings PoolSettings) (*Store, error) {
	cfg, err := poolConfig(settings)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("persistence: create pool: %w", err)
	}

	attempts := settings.ConnectAttempts
	if attempts == 0 {
		attempts = defaultConnectAttempts
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(attempts))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("persistence: connect: %w", err)
	}
	return NewStore(pool), nil
}

func poolConfig(settings PoolSettings) (*pgxpool.Config, error) {
	dsn := strings.TrimSpace(settings.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("persistence: dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: parse dsn: %w", err)
	}
	if settings.MaxConns > 0 {
		cfg.MaxConns = settings.MaxConns
	}
	if settings.MinConns > 0 {
		cfg.MinConns = settings.MinConns
	}
	if settings.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = settings.MaxConnLifetime
	}
	if settings.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = settings.MaxConnIdleTime
	}
	if settings.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = settings.HealthCheckPeriod
	}
	return cfg, nil
}

// Pool exposes the underlying pgx pool for repository implementations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pool := s.Pool()
	if pool == nil {
		return fmt.Errorf("persistence: nil pool")
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("persistence: ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if pool := s.Pool(); pool != nil {
		pool.Close()
	}
}
