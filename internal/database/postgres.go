package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hewjoe/storied-life/pkg/logger"
	_ "github.com/lib/pq"
)

// OpenPostgres opens a pooled connection and verifies it with a ping.
func OpenPostgres(ctx context.Context, dsn string, maxOpen int, maxLifetime time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// OpenPostgresWithRetry retries OpenPostgres with exponential backoff to
// tolerate the database starting after the service.
func OpenPostgresWithRetry(ctx context.Context, dsn string, maxOpen int, maxLifetime time.Duration, attempts uint) (*sql.DB, error) {
	n := 0
	return backoff.Retry(ctx, func() (*sql.DB, error) {
		n++
		db, err := OpenPostgres(ctx, dsn, maxOpen, maxLifetime)
		if err != nil {
			logger.Warnf("attempt %d/%d: failed to connect to Postgres: %v", n, attempts, err)
		}
		return db, err
	}, backoff.WithBackOff(startupBackOff()), backoff.WithMaxTries(attempts))
}

func startupBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	return b
}
