package services

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/nutrictx/internal/assemble"
	"github.com/fyrsmithlabs/nutrictx/internal/bulk"
	"github.com/fyrsmithlabs/nutrictx/internal/datastore"
	"github.com/fyrsmithlabs/nutrictx/internal/embeddings"
	"github.com/fyrsmithlabs/nutrictx/internal/ingest"
	"github.com/fyrsmithlabs/nutrictx/internal/normalize"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/retrieval"
	"github.com/fyrsmithlabs/nutrictx/internal/staleness"
	"github.com/fyrsmithlabs/nutrictx/internal/vectorstore"
)

const testDim = 6

// topics places related words on the same axis so similarity is predictable.
var topics = map[string]int{
	"breakfast": 0, "eat": 0, "ate": 0, "yogurt": 0,
	"dinner": 1, "salmon": 1,
	"plan": 2, "week": 2,
	"favorite": 3, "mango": 3, "kiwi": 3,
	"trend": 4,
}

// topicProvider embeds text as a normalized bag of topic axes.
type topicProvider struct{}

func (topicProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = topicVector(t)
	}
	return out, nil
}

func (topicProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return topicVector(text), nil
}

func (topicProvider) Dimension() int { return testDim }
func (topicProvider) Close() error   { return nil }

func topicVector(text string) []float32 {
	v := make([]float32, testDim)
	v[testDim-1] = 0.05
	for _, tok := range embeddings.Tokenize(text) {
		if axis, ok := topics[tok]; ok {
			v[axis]++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v
}

var day = time.Date(2025, 1, 2, 7, 30, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	store    vectorstore.Store
	source   *datastore.MemoryDatastore
	tracker  *staleness.MemoryTracker
	pipeline *ingest.Pipeline
	queue    *ingest.Queue
}

type fixtureOptions struct {
	ttl  time.Duration
	bulk bulk.Config
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{VectorSize: testDim}, nil)
	require.NoError(t, err)
	client := embeddings.NewClient(topicProvider{}, embeddings.ClientConfig{}, nil)

	f := &fixture{
		store:   store,
		source:  datastore.NewMemoryDatastore(),
		tracker: staleness.NewMemoryTracker(),
	}
	f.pipeline = ingest.NewPipeline(normalize.New(), client, store, ingest.Config{}, nil)
	f.queue = ingest.NewQueue(f.pipeline, ingest.QueueConfig{Workers: 2, Size: 16}, nil)
	f.queue.Start()
	coordinator := bulk.NewCoordinator(f.pipeline, f.source, f.tracker, opts.bulk, nil)

	f.svc, err = New(Options{
		Router:       retrieval.NewRouter(client, store, retrieval.Config{}, nil),
		Assembler:    assemble.New(assemble.Config{}),
		Pipeline:     f.pipeline,
		Coordinator:  coordinator,
		Tracker:      f.tracker,
		Store:        store,
		Sink:         f.queue,
		StalenessTTL: opts.ttl,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.queue.Close(ctx)
		f.svc.Wait()
		_ = coordinator.Close(ctx)
	})
	return f
}

func (f *fixture) count(t *testing.T, user string, dt nutrition.DataType) int {
	t.Helper()
	n, err := f.store.Count(context.Background(), nutrition.Namespace(user, dt))
	require.NoError(t, err)
	return n
}

func greekYogurt(user string) *nutrition.FoodLog {
	return &nutrition.FoodLog{
		ID: "log-1", UserID: user, FoodName: "Greek Yogurt", MealType: "Breakfast",
		Quantity: 150, Unit: "g", Calories: 146, ProteinG: 15, CarbsG: 6, FatG: 6,
		LoggedAt: day,
	}
}

func favorite(user, id, name string) *nutrition.FavoriteFood {
	return &nutrition.FavoriteFood{ID: id, UserID: user, FoodName: name, Category: "fruit", CreatedAt: day}
}

func TestGetRelevantContext_BreakfastQueryFindsRecentMeal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	ev, err := ingest.UpsertEvent(greekYogurt("u1"))
	require.NoError(t, err)
	require.NoError(t, f.svc.OnEntityChanged(ctx, ev))
	require.Eventually(t, func() bool {
		return f.count(t, "u1", nutrition.TypeFoodLog) == 1
	}, 2*time.Second, 5*time.Millisecond)

	out, err := f.svc.GetRelevantContext(ctx, "u1", "what did I eat for breakfast", nil)
	require.NoError(t, err)

	top, ok := out.TopBucket()
	require.True(t, ok)
	assert.Equal(t, assemble.BucketRecentMeals, top)
	require.NotEmpty(t, out.RawContext[assemble.BucketRecentMeals])
	item := out.RawContext[assemble.BucketRecentMeals][0]
	assert.Contains(t, item.Text, "Greek Yogurt")
	assert.Equal(t, "log-1", item.EntityID)
	assert.Equal(t, assemble.RelevanceHigh, item.Relevance)
	assert.Contains(t, out.Summary, "Greek Yogurt")
	assert.False(t, out.Stats.Degraded)
}

func TestGetRelevantContext_EmptyMealPlanNamespace(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	out, err := f.svc.GetRelevantContext(context.Background(), "u1", "suggest a meal plan",
		[]nutrition.DataType{nutrition.TypeMealPlan})
	require.NoError(t, err)

	assert.Empty(t, out.RawContext[assemble.BucketMealPlans])
	assert.Equal(t, assemble.EmptySummary, out.Summary)
	assert.Zero(t, out.Stats.TotalItems)
	assert.False(t, out.Stats.Degraded)
}

func TestInvalidate_OneTypeLeavesOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	f.source.Put(greekYogurt("u1"), favorite("u1", "fav-1", "Mango"), favorite("u1", "fav-2", "Kiwi"))

	_, err := f.svc.BulkVectorizeSync(ctx, "u1", nil, false)
	require.NoError(t, err)

	before, err := f.svc.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, before.TotalVectors)
	assert.Equal(t, 2, before.DataTypes[nutrition.TypeFavoriteFood])
	require.NotNil(t, before.LastUpdated[nutrition.TypeFavoriteFood])

	dt := nutrition.TypeFavoriteFood
	require.NoError(t, f.svc.Invalidate(ctx, "u1", &dt))

	after, err := f.svc.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, after.DataTypes[nutrition.TypeFavoriteFood])
	assert.Nil(t, after.LastUpdated[nutrition.TypeFavoriteFood])
	assert.Equal(t, 1, after.DataTypes[nutrition.TypeFoodLog])
	assert.Equal(t, before.LastUpdated[nutrition.TypeFoodLog], after.LastUpdated[nutrition.TypeFoodLog])
	assert.Equal(t, 1, after.TotalVectors)

	stale, err := f.tracker.ShouldRebuild(ctx, "u1", nutrition.TypeFavoriteFood, time.Hour)
	require.NoError(t, err)
	assert.True(t, stale, "an invalidated type is rebuilt on the next check")
}

func TestInvalidate_AllTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	f.source.Put(greekYogurt("u1"), favorite("u1", "fav-1", "Mango"), greekYogurt("u2"))
	_, err := f.svc.BulkVectorizeSync(ctx, "u1", nil, false)
	require.NoError(t, err)
	_, err = f.svc.BulkVectorizeSync(ctx, "u2", nil, false)
	require.NoError(t, err)

	require.NoError(t, f.svc.Invalidate(ctx, "u1", nil))

	st, err := f.svc.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, st.TotalVectors)
	assert.Equal(t, 1, f.count(t, "u2", nutrition.TypeFoodLog), "other users are untouched")
}

func TestInvalidate_StopsRunningRebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{bulk: bulk.Config{BatchSize: 1, InterBatchDelay: time.Second}})
	f.source.Put(favorite("u1", "fav-1", "Mango"), favorite("u1", "fav-2", "Kiwi"))

	_, err := f.svc.BulkVectorize(ctx, "u1", []nutrition.DataType{nutrition.TypeFavoriteFood}, false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.count(t, "u1", nutrition.TypeFavoriteFood) == 1
	}, 2*time.Second, 5*time.Millisecond, "first batch lands before the paced second one")

	fav := nutrition.TypeFavoriteFood
	require.NoError(t, f.svc.Invalidate(ctx, "u1", &fav))

	st, ok := f.svc.BulkStatus("u1")
	require.True(t, ok)
	assert.Equal(t, bulk.JobCancelled, st.State, "the job has returned before the wipe")
	assert.Zero(t, f.count(t, "u1", nutrition.TypeFavoriteFood))

	stats, err := f.svc.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, stats.LastUpdated[nutrition.TypeFavoriteFood])
}

func TestInvalidRequests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})

	_, err := f.svc.GetRelevantContext(ctx, "bad:user", "breakfast", nil)
	assert.ErrorIs(t, err, nutrition.ErrInvalidUser)

	unknown := nutrition.DataType("recipes")
	assert.ErrorIs(t, f.svc.Invalidate(ctx, "u1", &unknown), nutrition.ErrUnknownDataType)

	_, err = f.svc.Stats(ctx, "_global")
	assert.ErrorIs(t, err, nutrition.ErrInvalidUser)

	assert.Error(t, f.svc.OnEntityChanged(ctx, ingest.Event{Op: ingest.OpUpsert}))

	_, err = New(Options{})
	assert.Error(t, err)
}

func TestOnEntityChanged_NoSink(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.svc.sink = nil
	ev := ingest.DeleteEvent("u1", nutrition.TypeFoodLog, "log-1")
	assert.ErrorIs(t, f.svc.OnEntityChanged(context.Background(), ev), ErrNoSink)
}

func TestOnEntityChanged_Delete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	ev, err := ingest.UpsertEvent(greekYogurt("u1"))
	require.NoError(t, err)
	require.NoError(t, f.svc.OnEntityChanged(ctx, ev))
	require.Eventually(t, func() bool { return f.count(t, "u1", nutrition.TypeFoodLog) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.OnEntityChanged(ctx, ingest.DeleteEvent("u1", nutrition.TypeFoodLog, "log-1")))
	require.Eventually(t, func() bool { return f.count(t, "u1", nutrition.TypeFoodLog) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBulkVectorize_Background(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{})
	f.source.Put(favorite("u1", "fav-1", "Mango"))

	id, err := f.svc.BulkVectorize(ctx, "u1", []nutrition.DataType{nutrition.TypeFavoriteFood}, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, ok := f.svc.BulkStatus("u1")
		return ok && st.State == bulk.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := f.svc.BulkStatus("u1")
	assert.Equal(t, id, st.JobID)
	assert.Equal(t, 1, f.count(t, "u1", nutrition.TypeFavoriteFood))
	assert.False(t, f.svc.CancelBulk("u1"), "nothing left to cancel")
}

func TestScheduleRebuildIfStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{ttl: time.Hour})
	f.source.Put(favorite("u1", "fav-1", "Mango"))

	id, err := f.svc.ScheduleRebuildIfStale(ctx, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, id, "a user with no records is stale")
	require.Eventually(t, func() bool {
		st, _ := f.svc.BulkStatus("u1")
		return st.State == bulk.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)

	id, err = f.svc.ScheduleRebuildIfStale(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, id)

	users, err := f.svc.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}

func TestScheduleRebuildIfStale_JobAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{ttl: time.Hour, bulk: bulk.Config{BatchSize: 1, InterBatchDelay: time.Second}})
	f.source.Put(favorite("u1", "fav-1", "Mango"), favorite("u1", "fav-2", "Kiwi"))

	_, err := f.svc.BulkVectorize(ctx, "u1", []nutrition.DataType{nutrition.TypeFavoriteFood}, false)
	require.NoError(t, err)

	id, err := f.svc.ScheduleRebuildIfStale(ctx, "u1")
	require.NoError(t, err, "a running job is not an error")
	assert.Empty(t, id)
	assert.True(t, f.svc.CancelBulk("u1"))
}

func TestScheduleRebuildIfStale_DisabledWithoutTTL(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	id, err := f.svc.ScheduleRebuildIfStale(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, id)
	_, ok := f.svc.BulkStatus("u1")
	assert.False(t, ok)
}

func TestGetRelevantContext_TriggersStaleRebuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOptions{ttl: time.Hour})
	f.source.Put(favorite("u1", "fav-1", "Mango"))

	_, err := f.svc.GetRelevantContext(ctx, "u1", "my favorite fruit", nil)
	require.NoError(t, err)
	f.svc.Wait()

	require.Eventually(t, func() bool {
		st, ok := f.svc.BulkStatus("u1")
		return ok && st.State == bulk.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.count(t, "u1", nutrition.TypeFavoriteFood))
}
