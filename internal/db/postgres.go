package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	historyMaxConns    = 10
	historyIdleConns   = 1
	historyConnMaxIdle = 5 * time.Minute
	postgresPingWait   = 5 * time.Second
)

// OpenPostgres opens the history database on PostgreSQL through pgx.
// History writes are rare (one per session or thread binding), so the
// pool is small; zero sizes fall back to 10 open and 1 idle connection.
func OpenPostgres(dsn string, maxConns, idleConns int) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres history store needs a DSN")
	}
	conn, err := sql.Open(PGX, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres history store: %w", err)
	}

	if maxConns <= 0 {
		maxConns = historyMaxConns
	}
	if idleConns <= 0 {
		idleConns = historyIdleConns
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(min(idleConns, maxConns))
	conn.SetConnMaxIdleTime(historyConnMaxIdle)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingWait)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reach postgres history store: %w", err)
	}
	return conn, nil
}
