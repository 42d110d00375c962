package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/nutrictx/internal/embeddings"
	"github.com/fyrsmithlabs/nutrictx/internal/normalize"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/vectorstore"
)

const testDim = 64

var day = time.Date(2025, 1, 2, 8, 0, 0, 0, time.UTC)

// poisonProvider fails every call whose input mentions "Poison".
type poisonProvider struct {
	*embeddings.HashProvider

	mu           sync.Mutex
	singleCalls  int
	batchCalls   int
	poisonSingle int
}

func newPoisonProvider() *poisonProvider {
	return &poisonProvider{HashProvider: embeddings.NewHashProvider(testDim)}
}

func (p *poisonProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	if len(texts) == 1 {
		p.singleCalls++
	} else {
		p.batchCalls++
	}
	poisoned := false
	for _, t := range texts {
		if strings.Contains(t, "Poison") {
			poisoned = true
		}
	}
	if poisoned && len(texts) == 1 {
		p.poisonSingle++
	}
	p.mu.Unlock()

	if poisoned {
		return nil, &embeddings.StatusError{StatusCode: 503, Body: "model overloaded"}
	}
	return p.HashProvider.EmbedDocuments(ctx, texts)
}

func newClient(p embeddings.Provider) *embeddings.Client {
	return embeddings.NewClient(p, embeddings.ClientConfig{
		BaseBackoff: time.Microsecond,
		MaxBackoff:  time.Microsecond,
		BatchSize:   64,
	}, nil)
}

func newStore(t *testing.T) vectorstore.Store {
	t.Helper()
	s, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{VectorSize: testDim}, nil)
	require.NoError(t, err)
	return s
}

func foodLog(user, id, name string) *nutrition.FoodLog {
	return &nutrition.FoodLog{
		ID:       id,
		UserID:   user,
		FoodName: name,
		MealType: "lunch",
		Calories: 200,
		ProteinG: 10,
		CarbsG:   20,
		FatG:     5,
		LoggedAt: day,
	}
}

func TestIngestBatch_OneEmbedFailureDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	provider := newPoisonProvider()
	store := newStore(t)
	p := NewPipeline(normalize.New(), newClient(provider), store, Config{}, nil)

	entities := make([]nutrition.Entity, 50)
	for i := range entities {
		name := fmt.Sprintf("Food %d", i)
		if i == 13 {
			name = "Poison Apple"
		}
		entities[i] = foodLog("u1", fmt.Sprintf("log-%d", i), name)
	}

	res, err := p.IngestBatch(ctx, "u1", nutrition.TypeFoodLog, entities)
	require.NoError(t, err)

	assert.Equal(t, 49, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Skipped)
	assert.True(t, res.Complete, "embed failures do not make the batch incomplete")
	require.Contains(t, res.Errors, "log-13")
	assert.ErrorIs(t, res.Errors["log-13"], nutrition.ErrEmbeddingUnavailable)
	assert.Equal(t, 3, provider.poisonSingle, "the failing entity is attempted three times on its own")

	n, err := store.Count(ctx, nutrition.Namespace("u1", nutrition.TypeFoodLog))
	require.NoError(t, err)
	assert.Equal(t, 49, n)
}

func TestIngestBatch_CountsSkippedAndInvalid(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := NewPipeline(normalize.New(), newClient(embeddings.NewHashProvider(testDim)), store, Config{}, nil)

	entities := []nutrition.Entity{
		&nutrition.ChatTurn{ID: "c1", UserID: "u1", Role: nutrition.RoleAssistant, Content: "Try more fiber at breakfast.", CreatedAt: day},
		&nutrition.ChatTurn{ID: "c2", UserID: "u1", Role: nutrition.RoleUser, Content: "What should I eat?", CreatedAt: day},
		&nutrition.ChatTurn{ID: "c3", UserID: "u1", Role: nutrition.RoleAssistant, CreatedAt: day},
		&nutrition.ChatTurn{ID: "c4", UserID: "u2", Role: nutrition.RoleAssistant, Content: "Not yours.", CreatedAt: day},
		nil,
	}

	res, err := p.IngestBatch(ctx, "u1", nutrition.TypeChatTurn, entities)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 3, res.Failed)
	assert.True(t, res.Complete)
	assert.ErrorIs(t, res.Errors["c3"], nutrition.ErrInvalidEntity)
	assert.ErrorIs(t, res.Errors["c4"], nutrition.ErrInvalidEntity)
	assert.Contains(t, res.Errors, "#4")
}

func TestIngestBatch_UpsertsInStoreBatches(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: newStore(t)}
	p := NewPipeline(normalize.New(), newClient(embeddings.NewHashProvider(testDim)), store, Config{StoreBatchSize: 50}, nil)

	entities := make([]nutrition.Entity, 120)
	for i := range entities {
		entities[i] = foodLog("u1", fmt.Sprintf("log-%d", i), fmt.Sprintf("Food %d", i))
	}

	res, err := p.IngestBatch(ctx, "u1", nutrition.TypeFoodLog, entities)
	require.NoError(t, err)
	assert.Equal(t, 120, res.Succeeded)
	assert.Equal(t, []int{50, 50, 20}, store.upserts)
}

func TestIngestBatch_UpsertFailureIsIncomplete(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: newStore(t), failUpsert: true}
	p := NewPipeline(normalize.New(), newClient(embeddings.NewHashProvider(testDim)), store, Config{}, nil)

	res, err := p.IngestBatch(ctx, "u1", nutrition.TypeFoodLog, []nutrition.Entity{foodLog("u1", "log-1", "Oats")})
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Errors["log-1"], nutrition.ErrStoreUnavailable)
}

func TestIngestBatch_CancelledIsIncomplete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPipeline(normalize.New(), newClient(embeddings.NewHashProvider(testDim)), newStore(t), Config{}, nil)

	res, err := p.IngestBatch(ctx, "u1", nutrition.TypeFoodLog, []nutrition.Entity{foodLog("u1", "log-1", "Oats")})
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Zero(t, res.Succeeded)
}

func TestIngestBatch_RejectsInvalidCalls(t *testing.T) {
	p := NewPipeline(normalize.New(), newClient(embeddings.NewHashProvider(testDim)), newStore(t), Config{}, nil)

	_, err := p.IngestBatch(context.Background(), "", nutrition.TypeFoodLog, nil)
	assert.ErrorIs(t, err, nutrition.ErrInvalidUser)

	_, err = p.IngestBatch(context.Background(), "u1", "recipes", nil)
	assert.ErrorIs(t, err, nutrition.ErrUnknownDataType)
}

func TestIngest_UpsertThenDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := NewPipeline(normalize.New(), newClient(embeddings.NewHashProvider(testDim)), store, Config{}, nil)
	ns := nutrition.Namespace("u1", nutrition.TypeFoodLog)

	ev, err := UpsertEvent(foodLog("u1", "log-1", "Greek Yogurt"))
	require.NoError(t, err)

	job := p.Ingest(ctx, ev)
	require.Equal(t, StateDone, job.State, "err: %v", job.Err)
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.FinishedAt.IsZero())

	// Same id path for updates.
	job = p.Ingest(ctx, ev)
	require.Equal(t, StateDone, job.State)
	n, err := store.Count(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job = p.Ingest(ctx, DeleteEvent("u1", nutrition.TypeFoodLog, "log-1"))
	require.Equal(t, StateDone, job.State)
	n, err = store.Count(ctx, ns)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngest_FailureStates(t *testing.T) {
	ctx := context.Background()
	p := NewPipeline(normalize.New(), newClient(newPoisonProvider()), newStore(t), Config{}, nil)

	t.Run("invalid event", func(t *testing.T) {
		job := p.Ingest(ctx, Event{Op: OpUpsert, UserID: "u1", DataType: nutrition.TypeFoodLog})
		assert.Equal(t, StateFailed, job.State)
		assert.ErrorIs(t, job.Err, ErrInvalidEvent)
	})

	t.Run("entity does not match envelope", func(t *testing.T) {
		ev, err := UpsertEvent(foodLog("u1", "log-1", "Oats"))
		require.NoError(t, err)
		ev.EntityID = "log-2"
		job := p.Ingest(ctx, ev)
		assert.Equal(t, StateFailed, job.State)
		assert.ErrorIs(t, job.Err, nutrition.ErrInvalidEntity)
	})

	t.Run("embedding unavailable", func(t *testing.T) {
		ev, err := UpsertEvent(foodLog("u1", "log-1", "Poison Apple"))
		require.NoError(t, err)
		job := p.Ingest(ctx, ev)
		assert.Equal(t, StateFailed, job.State)
		assert.ErrorIs(t, job.Err, nutrition.ErrEmbeddingUnavailable)
	})

	t.Run("skipped entity", func(t *testing.T) {
		ev, err := UpsertEvent(&nutrition.ChatTurn{ID: "c1", UserID: "u1", Role: nutrition.RoleUser, Content: "hi", CreatedAt: day})
		require.NoError(t, err)
		job := p.Ingest(ctx, ev)
		assert.Equal(t, StateDone, job.State)
		assert.True(t, job.Skipped)
	})
}

func TestInvalidateType(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	p := NewPipeline(normalize.New(), newClient(embeddings.NewHashProvider(testDim)), store, Config{}, nil)

	_, err := p.IngestBatch(ctx, "u1", nutrition.TypeFoodLog, []nutrition.Entity{foodLog("u1", "log-1", "Oats")})
	require.NoError(t, err)

	require.NoError(t, p.InvalidateType(ctx, "u1", nutrition.TypeFoodLog))
	n, err := store.Count(ctx, nutrition.Namespace("u1", nutrition.TypeFoodLog))
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, p.InvalidateType(ctx, "", nutrition.TypeFoodLog), nutrition.ErrInvalidUser)
}

func TestJobAdvance(t *testing.T) {
	j := newJob(Event{})
	j.advance(StateEmbedding)
	assert.Equal(t, StateEmbedding, j.State)

	j.advance(StateNormalizing)
	assert.Equal(t, StateEmbedding, j.State, "no backward moves")

	j.fail(errors.New("boom"))
	assert.Equal(t, StateFailed, j.State)
	j.advance(StateDone)
	assert.Equal(t, StateFailed, j.State, "terminal states are final")
}

// countingStore records upsert batch sizes and can fail upserts.
type countingStore struct {
	vectorstore.Store
	failUpsert bool

	mu      sync.Mutex
	upserts []int
	calls   atomic.Int32
}

func (s *countingStore) Upsert(ctx context.Context, ns string, chunks []vectorstore.Chunk) (int, error) {
	s.calls.Add(1)
	if s.failUpsert {
		return 0, fmt.Errorf("upsert: %w", nutrition.ErrStoreUnavailable)
	}
	s.mu.Lock()
	s.upserts = append(s.upserts, len(chunks))
	s.mu.Unlock()
	return s.Store.Upsert(ctx, ns, chunks)
}
