package staleness

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS vectorization_status (
	user_id            TEXT NOT NULL,
	data_type          TEXT NOT NULL,
	last_vectorized_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, data_type)
)`

// PGTracker stores records in Postgres so they survive restarts and are
// shared between replicas.
type PGTracker struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewPGTracker creates the status table if needed.
func NewPGTracker(ctx context.Context, db *sqlx.DB) (*PGTracker, error) {
	if db == nil {
		return nil, errors.New("staleness: database handle required")
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		return nil, fmt.Errorf("creating vectorization_status: %w", err)
	}
	return &PGTracker{db: db, now: time.Now}, nil
}

// ShouldRebuild implements Tracker.
func (t *PGTracker) ShouldRebuild(ctx context.Context, userID string, dataType nutrition.DataType, ttl time.Duration) (bool, error) {
	rec, ok, err := t.Get(ctx, userID, dataType)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return isStale(rec.LastVectorizedAt, t.now(), ttl), nil
}

// MarkRebuilt implements Tracker. GREATEST keeps the newest timestamp when
// marks race or arrive out of order.
func (t *PGTracker) MarkRebuilt(ctx context.Context, userID string, dataType nutrition.DataType, at time.Time) error {
	if err := nutrition.ValidateUserID(userID); err != nil {
		return err
	}
	const query = `
		INSERT INTO vectorization_status (user_id, data_type, last_vectorized_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, data_type) DO UPDATE SET
			last_vectorized_at = GREATEST(vectorization_status.last_vectorized_at, EXCLUDED.last_vectorized_at)`
	if _, err := t.db.ExecContext(ctx, query, userID, string(dataType), at.UTC()); err != nil {
		return fmt.Errorf("marking %s/%s rebuilt: %w", userID, dataType, err)
	}
	return nil
}

type pgRecord struct {
	UserID           string    `db:"user_id"`
	DataType         string    `db:"data_type"`
	LastVectorizedAt time.Time `db:"last_vectorized_at"`
}

// Get implements Tracker.
func (t *PGTracker) Get(ctx context.Context, userID string, dataType nutrition.DataType) (Record, bool, error) {
	const query = `
		SELECT user_id, data_type, last_vectorized_at
		FROM vectorization_status
		WHERE user_id = $1 AND data_type = $2`
	var row pgRecord
	if err := t.db.GetContext(ctx, &row, query, userID, string(dataType)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("reading %s/%s status: %w", userID, dataType, err)
	}
	return Record{
		UserID:           row.UserID,
		DataType:         nutrition.DataType(row.DataType),
		LastVectorizedAt: row.LastVectorizedAt.UTC(),
	}, true, nil
}

// Forget implements Tracker.
func (t *PGTracker) Forget(ctx context.Context, userID string, dataType nutrition.DataType) error {
	const query = `DELETE FROM vectorization_status WHERE user_id = $1 AND data_type = $2`
	if _, err := t.db.ExecContext(ctx, query, userID, string(dataType)); err != nil {
		return fmt.Errorf("forgetting %s/%s: %w", userID, dataType, err)
	}
	return nil
}

// Users implements Tracker.
func (t *PGTracker) Users(ctx context.Context) ([]string, error) {
	var users []string
	if err := t.db.SelectContext(ctx, &users, `SELECT DISTINCT user_id FROM vectorization_status ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}
