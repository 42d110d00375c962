package staleness

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/postgres"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func runTrackerContract(t *testing.T, tr Tracker, setNow func(time.Time)) {
	ctx := context.Background()
	ttl := 24 * time.Hour
	setNow(base)

	stale, err := tr.ShouldRebuild(ctx, "u1", nutrition.TypeFoodLog, ttl)
	require.NoError(t, err)
	assert.True(t, stale, "never vectorized is stale")

	require.NoError(t, tr.MarkRebuilt(ctx, "u1", nutrition.TypeFoodLog, base))

	stale, err = tr.ShouldRebuild(ctx, "u1", nutrition.TypeFoodLog, ttl)
	require.NoError(t, err)
	assert.False(t, stale)

	stale, err = tr.ShouldRebuild(ctx, "u1", nutrition.TypeMealPlan, ttl)
	require.NoError(t, err)
	assert.True(t, stale, "types are tracked independently")

	setNow(base.Add(25 * time.Hour))
	stale, err = tr.ShouldRebuild(ctx, "u1", nutrition.TypeFoodLog, ttl)
	require.NoError(t, err)
	assert.True(t, stale, "older than ttl")

	// An older mark does not move the timestamp back.
	require.NoError(t, tr.MarkRebuilt(ctx, "u1", nutrition.TypeFoodLog, base.Add(-time.Hour)))
	rec, ok, err := tr.Get(ctx, "u1", nutrition.TypeFoodLog)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.LastVectorizedAt.Equal(base), "got %v", rec.LastVectorizedAt)

	require.NoError(t, tr.MarkRebuilt(ctx, "u2", nutrition.TypeChatTurn, base))
	users, err := tr.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	require.NoError(t, tr.Forget(ctx, "u1", nutrition.TypeFoodLog))
	_, ok, err = tr.Get(ctx, "u1", nutrition.TypeFoodLog)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, tr.MarkRebuilt(ctx, "", nutrition.TypeFoodLog, base))
}

func TestMemoryTracker(t *testing.T) {
	tr := NewMemoryTracker()
	runTrackerContract(t, tr, func(now time.Time) { tr.now = func() time.Time { return now } })
}

func TestMemoryTracker_ConcurrentMarksKeepNewest(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = tr.MarkRebuilt(ctx, "u1", nutrition.TypeFoodLog, base.Add(time.Duration(i)*time.Second))
		}(i)
	}
	wg.Wait()

	rec, ok, err := tr.Get(ctx, "u1", nutrition.TypeFoodLog)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.LastVectorizedAt.Equal(base.Add(99*time.Second)))
}

func TestPGTracker(t *testing.T) {
	dsn := os.Getenv("NUTRICTX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NUTRICTX_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, config.PostgresConfig{DSN: config.Secret(dsn)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS vectorization_status")
	tr, err := NewPGTracker(ctx, db)
	require.NoError(t, err)

	runTrackerContract(t, tr, func(now time.Time) { tr.now = func() time.Time { return now } })
}
