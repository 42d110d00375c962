package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
)

func TestTEIProvider_EmbedDocuments(t *testing.T) {
	var got teiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode([][]float32{{1, 0}, {0, 1}})
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", APIKey: "secret", Dimension: 2})
	require.NoError(t, err)

	vs, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vs)
	assert.True(t, got.Truncate)
	assert.Equal(t, 2, p.Dimension())
}

func TestTEIProvider_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "oats")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, 2*time.Second, se.RetryAfter)
	assert.Equal(t, "slow down", se.Body)
	assert.True(t, se.Temporary())
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestTEIProvider_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([][]float32{{1}})
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = p.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestTEIProvider_RequiresBaseURL(t *testing.T) {
	_, err := NewTEIProvider(TEIConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClient_RetriesTEIServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([][]float32{{0.6, 0.8}})
	}))
	defer srv.Close()

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL, Dimension: 2})
	require.NoError(t, err)
	c, _ := newTestClient(p, ClientConfig{MaxAttempts: 3})

	v, err := c.EmbedQuery(context.Background(), "oats")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, v)
	assert.Equal(t, 3, calls)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(context.Background(), config.EmbeddingsConfig{Provider: "hash", Dimension: 64})
	require.NoError(t, err)
	assert.Equal(t, 64, p.Dimension())

	_, err = NewProvider(context.Background(), config.EmbeddingsConfig{Provider: "tei"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewProvider(context.Background(), config.EmbeddingsConfig{Provider: "gemini"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewProvider(context.Background(), config.EmbeddingsConfig{Provider: "word2vec"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDetectDimensionFromModel(t *testing.T) {
	assert.Equal(t, 384, detectDimensionFromModel("BAAI/bge-small-en-v1.5"))
	assert.Equal(t, 768, detectDimensionFromModel("BAAI/bge-base-en-v1.5"))
	assert.Equal(t, 768, detectDimensionFromModel("text-embedding-004"))
	assert.Equal(t, 1024, detectDimensionFromModel("some-large-model"))
	assert.Equal(t, 384, detectDimensionFromModel("unknown"))
}

func TestHashProvider(t *testing.T) {
	p := NewHashProvider(128)
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "Greek yogurt breakfast")
	require.NoError(t, err)
	b, err := p.EmbedQuery(ctx, "greek YOGURT, breakfast!")
	require.NoError(t, err)
	assert.Equal(t, a, b, "case and punctuation are ignored")
	assert.Len(t, a, 128)

	var norm float32
	for _, x := range a {
		norm += x * x
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	docs, err := p.EmbedDocuments(ctx, []string{"oats", "salmon"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.NotEqual(t, docs[0], docs[1])
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"what", "did", "i", "eat", "for", "breakfast"}, Tokenize("What did I eat for breakfast?"))
	assert.Empty(t, Tokenize(" ,.! "))
}
