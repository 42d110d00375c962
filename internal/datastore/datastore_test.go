package datastore

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/postgres"
)

var t0 = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

func logAt(user, id string, hours int) *nutrition.FoodLog {
	return &nutrition.FoodLog{ID: id, UserID: user, FoodName: "Oats", LoggedAt: t0.Add(time.Duration(hours) * time.Hour)}
}

func runDatastoreContract(t *testing.T, ds Datastore) {
	ctx := context.Background()

	all, err := ds.List(ctx, "u1", nutrition.TypeFoodLog, Range{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].EntityID(), "oldest first")
	assert.Equal(t, "c", all[2].EntityID())

	ranged, err := ds.List(ctx, "u1", nutrition.TypeFoodLog, Range{Since: t0.Add(time.Hour), Until: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, "b", ranged[0].EntityID())

	limited, err := ds.List(ctx, "u1", nutrition.TypeFoodLog, Range{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := ds.List(ctx, "u1", nutrition.TypeMealPlan, Range{})
	require.NoError(t, err)
	assert.Empty(t, none)

	e, err := ds.Get(ctx, "u1", nutrition.TypeFoodLog, "b")
	require.NoError(t, err)
	assert.Equal(t, "Oats", e.(*nutrition.FoodLog).FoodName)

	_, err = ds.Get(ctx, "u2", nutrition.TypeFoodLog, "b")
	assert.ErrorIs(t, err, ErrNotFound, "entities are scoped to their owner")

	_, err = ds.List(ctx, "u1", "recipes", Range{})
	assert.ErrorIs(t, err, nutrition.ErrUnknownDataType)
}

func TestMemoryDatastore(t *testing.T) {
	ds := NewMemoryDatastore()
	ds.Put(logAt("u1", "c", 5), logAt("u1", "a", 0), logAt("u1", "b", 2), logAt("u3", "z", 1))
	runDatastoreContract(t, ds)

	ds.Remove("u1", nutrition.TypeFoodLog, "a")
	all, err := ds.List(context.Background(), "u1", nutrition.TypeFoodLog, Range{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTimestamp(t *testing.T) {
	assert.Equal(t, t0, Timestamp(&nutrition.ChatTurn{CreatedAt: t0}))
	assert.Equal(t, t0, Timestamp(&nutrition.NutritionSummary{PeriodStart: t0}))
	assert.True(t, Timestamp(nil).IsZero())
}

func TestPGDatastore(t *testing.T) {
	dsn := os.Getenv("NUTRICTX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NUTRICTX_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, config.PostgresConfig{DSN: config.Secret(dsn)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, tbl := range Tables {
		_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+tbl)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `CREATE TABLE `+tbl+` (
			id TEXT NOT NULL, user_id TEXT NOT NULL, payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL, PRIMARY KEY (user_id, id))`)
		require.NoError(t, err)
	}
	for _, f := range []*nutrition.FoodLog{logAt("u1", "c", 5), logAt("u1", "a", 0), logAt("u1", "b", 2)} {
		payload, err := json.Marshal(f)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, `INSERT INTO food_logs (id, user_id, payload, updated_at) VALUES ($1, $2, $3, $4)`,
			f.ID, f.UserID, payload, f.LoggedAt)
		require.NoError(t, err)
	}

	runDatastoreContract(t, NewPGDatastore(db))
}
