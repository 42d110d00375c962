// Package postgres opens the shared database handle used by the pgvector
// store, the staleness tracker and the domain datastore.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
)

// ErrNoDSN is returned when no connection string is configured.
var ErrNoDSN = errors.New("postgres dsn not configured")

// Open connects and pings the database.
func Open(ctx context.Context, cfg config.PostgresConfig) (*sqlx.DB, error) {
	dsn := cfg.DSN.Value()
	if dsn == "" {
		return nil, ErrNoDSN
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// IsConflict reports a unique violation.
func IsConflict(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
