package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the subset of pgxpool.Pool the repositories use; tests provide
// fakes against it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewPool creates a pgx connection pool from the provided DSN and returns it.
// The pool is configured with sane defaults for this application.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.parse_config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.new_pool: %w", err)
	}
	return pool, nil
}

// WaitReady pings the pool until the database accepts connections or the
// backoff budget runs out. Startup calls this before serving.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, maxElapsed time.Duration) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = maxElapsed
	op := func() error { return pool.Ping(ctx) }
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return fmt.Errorf("op=postgres.wait_ready: %w", err)
	}
	return nil
}
