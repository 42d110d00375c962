package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/nutrictx/internal/bulk"
	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/datastore"
	"github.com/fyrsmithlabs/nutrictx/internal/ingest"
	"github.com/fyrsmithlabs/nutrictx/internal/logging"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/retrieval"
	"github.com/fyrsmithlabs/nutrictx/internal/services"
)

type testEnv struct {
	server *Server
	reg    *services.Registry
	source *datastore.MemoryDatastore
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.Embeddings.Dimension = 64
	cfg.Embeddings.RateLimit = 0
	cfg.Bulk.InterBatchDelay = 0
	cfg.Staleness.TTL = 0

	reg, err := services.NewRegistry(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})

	server, err := NewServer(reg.Service(), zap.NewNop(), nil)
	require.NoError(t, err)
	return &testEnv{server: server, reg: reg, source: reg.Datastore().(*datastore.MemoryDatastore)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// contextBody decodes only the parts of assemble.Context the tests check.
type contextBody struct {
	Summary    string                       `json:"summary"`
	RawContext map[string][]json.RawMessage `json:"raw_context"`
}

func foodLog(user, id string) *nutrition.FoodLog {
	return &nutrition.FoodLog{
		ID: id, UserID: user, FoodName: "Greek Yogurt", MealType: "breakfast",
		Calories: 146, LoggedAt: time.Date(2025, 1, 2, 7, 30, 0, 0, time.UTC),
	}
}

func TestNewServer(t *testing.T) {
	env := setupTestServer(t)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		assert.Equal(t, "127.0.0.1", env.server.config.Host)
		assert.Equal(t, 8087, env.server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(env.reg.Service(), nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when service is nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "service cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleMetrics(t *testing.T) {
	env := setupTestServer(t)
	env.do(t, http.MethodGet, "/api/v1/users/u1/stats", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nutrictx_vectorstore_operations_total")
}

func TestHandleContext(t *testing.T) {
	env := setupTestServer(t)

	t.Run("returns every bucket for an empty index", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/users/u1/context", ContextRequest{
			Query:     "suggest a meal plan",
			DataTypes: []string{"meal_plan"},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		body := decode[contextBody](t, rec)
		assert.Equal(t, "No personalized context available.", body.Summary)
		assert.Contains(t, body.RawContext, "meal_plans")
		assert.Empty(t, body.RawContext["meal_plans"])
	})

	tests := []struct {
		name string
		path string
		body any
	}{
		{"malformed body", "/api/v1/users/u1/context", "{not json"},
		{"unknown data type", "/api/v1/users/u1/context", ContextRequest{Query: "x", DataTypes: []string{"recipes"}}},
		{"empty query", "/api/v1/users/u1/context", ContextRequest{Query: "  "}},
		{"reserved user id", "/api/v1/users/_global/context", ContextRequest{Query: "breakfast"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestVectorizeStatsInvalidate(t *testing.T) {
	env := setupTestServer(t)
	env.source.Put(foodLog("u1", "log-1"), foodLog("u1", "log-2"))

	rec := env.do(t, http.MethodPost, "/api/v1/users/u1/vectorize", VectorizeRequest{Wait: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[ReportResponse](t, rec)
	assert.Equal(t, 2, report.Types[nutrition.TypeFoodLog].Succeeded)
	assert.True(t, report.Types[nutrition.TypeFoodLog].Rebuilt)

	rec = env.do(t, http.MethodGet, "/api/v1/users/u1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[services.Stats](t, rec)
	assert.Equal(t, 2, stats.TotalVectors)
	assert.Equal(t, 2, stats.DataTypes[nutrition.TypeFoodLog])
	assert.NotNil(t, stats.LastUpdated[nutrition.TypeFoodLog])

	rec = env.do(t, http.MethodDelete, "/api/v1/users/u1/vectors?data_type=recipes", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/users/u1/vectors?data_type=food_log", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	stats = decode[services.Stats](t, env.do(t, http.MethodGet, "/api/v1/users/u1/stats", nil))
	assert.Zero(t, stats.DataTypes[nutrition.TypeFoodLog])
	assert.Nil(t, stats.LastUpdated[nutrition.TypeFoodLog])
}

func TestVectorizeBackground(t *testing.T) {
	env := setupTestServer(t)
	env.source.Put(foodLog("u1", "log-1"))

	rec := env.do(t, http.MethodGet, "/api/v1/users/u1/vectorize", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/users/u1/vectorize", VectorizeRequest{DataTypes: []string{"food_log"}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID := decode[VectorizeResponse](t, rec).JobID
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/v1/users/u1/vectorize", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return decode[StatusResponse](t, rec).State == bulk.JobCompleted
	}, 2*time.Second, 10*time.Millisecond)

	st := decode[StatusResponse](t, env.do(t, http.MethodGet, "/api/v1/users/u1/vectorize", nil))
	assert.Equal(t, jobID, st.JobID)
	require.NotNil(t, st.Report)
	assert.Equal(t, 1, st.Report.Types[nutrition.TypeFoodLog].Succeeded)

	rec = env.do(t, http.MethodDelete, "/api/v1/users/u1/vectorize", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing running to cancel")
}

func TestHandleEvent(t *testing.T) {
	env := setupTestServer(t)

	ev, err := ingest.UpsertEvent(foodLog("u1", "log-1"))
	require.NoError(t, err)
	rec := env.do(t, http.MethodPost, "/api/v1/events", ev)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.True(t, decode[EventResponse](t, rec).Accepted)

	require.Eventually(t, func() bool {
		stats := decode[services.Stats](t, env.do(t, http.MethodGet, "/api/v1/users/u1/stats", nil))
		return stats.DataTypes[nutrition.TypeFoodLog] == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec = env.do(t, http.MethodPost, "/api/v1/events", ingest.Event{Op: ingest.OpUpsert, UserID: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nutrition.ErrInvalidUser, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", nutrition.ErrUnknownDataType), http.StatusBadRequest},
		{retrieval.ErrEmptyQuery, http.StatusBadRequest},
		{ingest.ErrInvalidEvent, http.StatusBadRequest},
		{fmt.Errorf("%w: job-1", bulk.ErrJobRunning), http.StatusConflict},
		{ingest.ErrQueueFull, http.StatusServiceUnavailable},
		{services.ErrNoSink, http.StatusServiceUnavailable},
		{fmt.Errorf("upsert: %w", nutrition.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestRequestLogsCarryCorrelationIDs(t *testing.T) {
	env := setupTestServer(t)
	tl := logging.NewTestLogger()
	server, err := NewServer(env.reg.Service(), tl.Underlying(), nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/u1/context", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(echo.HeaderXRequestID, "req-123")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	tl.AssertLogged(t, zapcore.WarnLevel, "invalid context request")
	for _, msg := range []string{"invalid context request", "http request"} {
		tl.AssertField(t, msg, "request.id", "req-123")
		tl.AssertField(t, msg, "user.id", "u1")
	}
}
