package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const backendChromem = "chromem"

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps everything in memory.
	Path string

	// Compress enables gzip compression for persisted data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	VectorSize int
}

// Validate validates the configuration.
func (c *ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store with one chromem collection per namespace.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// errNoEmbedding is returned if chromem is ever asked to embed text itself.
// Chunks always arrive with vectors.
var errNoEmbedding = errors.New("chromem store does not embed text")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// NewChromemStore opens a persistent store at config.Path, or an in-memory
// store when the path is empty.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = path
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
		zap.Bool("compress", config.Compress),
		zap.Int("vector_size", config.VectorSize),
	)

	return &ChromemStore{db: db, config: config, logger: logger}, nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// Upsert adds chunks to the namespace's collection, creating it if needed.
func (s *ChromemStore) Upsert(ctx context.Context, namespace string, chunks []Chunk) (n int, err error) {
	ctx, done := observe(ctx, backendChromem, "upsert", namespace)
	defer func() { done(err) }()

	if len(chunks) == 0 {
		return 0, nil
	}
	if err := validateUpsert(namespace, chunks, s.config.VectorSize); err != nil {
		return 0, err
	}

	collection, err := s.db.GetOrCreateCollection(namespace, nil, noEmbedding)
	if err != nil {
		return 0, unavailable("upsert", err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Text,
			Metadata:  c.Metadata.ToMap(),
			Embedding: c.Vector,
		}
	}

	// Concurrency of 1 since embeddings are already present.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		return 0, unavailable("upsert", err)
	}
	ChunksWritten.WithLabelValues(backendChromem).Add(float64(len(docs)))

	s.logger.Debug("upserted chunks",
		zap.String("namespace", namespace),
		zap.Int("count", len(docs)))
	return len(docs), nil
}

// Query searches one namespace's collection.
func (s *ChromemStore) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) (matches []Match, err error) {
	ctx, done := observe(ctx, backendChromem, "query", namespace)
	defer func() { done(err) }()

	if err := validateQuery(namespace, vector, topK, s.config.VectorSize); err != nil {
		return nil, err
	}

	collection := s.db.GetCollection(namespace, noEmbedding)
	if collection == nil {
		return []Match{}, nil
	}

	// chromem requires nResults <= document count.
	count := collection.Count()
	if count == 0 {
		return []Match{}, nil
	}
	if topK > count {
		topK = count
	}

	results, err := collection.QueryEmbedding(ctx, vector, topK, filter, nil)
	if err != nil {
		return nil, unavailable("query", err)
	}

	matches = make([]Match, len(results))
	for i, r := range results {
		matches[i] = toMatch(r.ID, r.Similarity, r.Content, r.Metadata)
	}
	return matches, nil
}

// Delete removes chunks by id from a namespace.
func (s *ChromemStore) Delete(ctx context.Context, namespace string, ids []string) (err error) {
	ctx, done := observe(ctx, backendChromem, "delete", namespace)
	defer func() { done(err) }()

	if len(ids) == 0 {
		return nil
	}
	collection := s.db.GetCollection(namespace, noEmbedding)
	if collection == nil {
		return nil
	}
	if err := collection.Delete(ctx, nil, nil, ids...); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// DeleteAll drops the namespace's collection.
func (s *ChromemStore) DeleteAll(ctx context.Context, namespace string) (err error) {
	_, done := observe(ctx, backendChromem, "delete_all", namespace)
	defer func() { done(err) }()

	if err := s.db.DeleteCollection(namespace); err != nil {
		return unavailable("delete_all", err)
	}
	s.logger.Info("deleted namespace", zap.String("namespace", namespace))
	return nil
}

// Count returns the number of chunks in a namespace.
func (s *ChromemStore) Count(ctx context.Context, namespace string) (n int, err error) {
	_, done := observe(ctx, backendChromem, "count", namespace)
	defer func() { done(err) }()

	collection := s.db.GetCollection(namespace, noEmbedding)
	if collection == nil {
		return 0, nil
	}
	return collection.Count(), nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}
