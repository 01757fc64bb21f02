package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

type PoolConfig struct {
	MaxOpenConnection  int
	MaxIdleConnection  int
	ConnectionLifetime time.Duration
}

// NewDB opens a lib/pq connection pool and checks it answers.
func NewDB(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if pool.MaxOpenConnection > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConnection)
	}
	if pool.MaxIdleConnection > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConnection)
	}
	if pool.ConnectionLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnectionLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
