package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// Tables maps each data type to the application table holding it. Each table
// has id, user_id, payload (JSONB) and updated_at columns.
var Tables = map[nutrition.DataType]string{
	nutrition.TypeFoodLog:          "food_logs",
	nutrition.TypeMealPlan:         "meal_plans",
	nutrition.TypeFavoriteFood:     "favorite_foods",
	nutrition.TypeNutritionSummary: "nutrition_summaries",
	nutrition.TypeChatTurn:         "chat_turns",
}

// PGDatastore reads entities from the application's Postgres tables.
type PGDatastore struct {
	db *sqlx.DB
}

// NewPGDatastore wraps db.
func NewPGDatastore(db *sqlx.DB) *PGDatastore {
	return &PGDatastore{db: db}
}

type pgRow struct {
	ID      string `db:"id"`
	Payload []byte `db:"payload"`
}

func table(dataType nutrition.DataType) (string, error) {
	t, ok := Tables[dataType]
	if !ok {
		return "", fmt.Errorf("%w: %q", nutrition.ErrUnknownDataType, dataType)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// List implements Datastore.
func (d *PGDatastore) List(ctx context.Context, userID string, dataType nutrition.DataType, r Range) ([]nutrition.Entity, error) {
	tbl, err := table(dataType)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT id, payload FROM ` + tbl + `
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR updated_at >= $2)
		  AND ($3::timestamptz IS NULL OR updated_at < $3)
		ORDER BY updated_at, id`
	args := []any{userID, nullTime(r.Since), nullTime(r.Until)}
	if r.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, r.Limit)
	}

	var rows []pgRow
	if err := d.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing %s for %s: %w", dataType, userID, err)
	}

	out := make([]nutrition.Entity, 0, len(rows))
	for _, row := range rows {
		e, err := nutrition.DecodeEntity(dataType, row.Payload)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", row.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Get implements Datastore.
func (d *PGDatastore) Get(ctx context.Context, userID string, dataType nutrition.DataType, id string) (nutrition.Entity, error) {
	tbl, err := table(dataType)
	if err != nil {
		return nil, err
	}
	var row pgRow
	err = d.db.GetContext(ctx, &row, `SELECT id, payload FROM `+tbl+` WHERE user_id = $1 AND id = $2`, userID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s/%s: %w", dataType, userID, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s %s: %w", dataType, id, err)
	}
	return nutrition.DecodeEntity(dataType, row.Payload)
}
