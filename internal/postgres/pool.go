package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tune NewPool.
type PoolOptions struct {
	// MaxConns caps the pool size. 0 keeps the pgxpool default.
	MaxConns int32
	// MinQueryLogDuration suppresses log lines for successful queries faster
	// than this. 0 logs every query.
	MinQueryLogDuration time.Duration
}

// NewPool parses databaseURL, installs the otelpgx + logging query tracer
// and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		pc.MaxConns = opts.MaxConns
	}
	pc.ConnConfig.Tracer = wrapQueryTracer(otelpgx.NewTracer(), opts.MinQueryLogDuration)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
