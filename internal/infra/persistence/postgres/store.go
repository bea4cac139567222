// Package postgres implements the paybridge unit of work on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/paybridge/internal/domain/uow"
	"github.com/coachpo/paybridge/internal/infra/persistence"
	"github.com/coachpo/paybridge/internal/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	uniqueViolation = "23505"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL uow.Store. Row locks taken with SELECT ... FOR
// UPDATE serialize concurrent units of work touching the same user, order or
// payout.
type Store struct {
	*persistence.Store
	txDuration metric.Float64Histogram
}

var _ uow.Store = (*Store)(nil)

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	histogram, _ := otel.Meter("persistence.postgres").Float64Histogram("paybridge_store_tx_duration",
		metric.WithDescription("Unit-of-work transaction duration"),
		metric.WithUnit("ms"))
	return &Store{Store: persistence.NewStore(pool), txDuration: histogram}
}

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.Pool() == nil {
		return nil, fmt.Errorf("postgres store: nil pool")
	}
	return s.Pool(), nil
}

// WithTransaction executes fn within a read-committed transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, uow.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("postgres store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	started := time.Now()
	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("postgres store: begin tx: %w", err)
	}
	runErr := fn(ctx, &pgTx{tx: tx})
	if runErr != nil {
		s.observe(ctx, started, telemetry.ResultError)
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("postgres store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.observe(ctx, started, telemetry.ResultError)
		return fmt.Errorf("postgres store: commit tx: %w", err)
	}
	s.observe(ctx, started, telemetry.ResultOK)
	return nil
}

func (s *Store) observe(ctx context.Context, started time.Time, result string) {
	if s.txDuration == nil {
		return
	}
	s.txDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000,
		metric.WithAttributes(telemetry.OperationResultAttributes("transaction", result)...))
}

// pgTx implements uow.Tx on an open transaction.
type pgTx struct {
	tx pgx.Tx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
