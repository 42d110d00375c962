package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

const backendPostgres = "postgres"

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGConfig configures the pgvector store.
type PGConfig struct {
	// Table holds every namespace; (namespace, id) is the primary key.
	Table      string
	VectorSize int
}

// PGStore implements Store on a single pgvector table. The namespace column
// is part of the key and of every statement's WHERE clause.
type PGStore struct {
	db     *sqlx.DB
	config PGConfig
	logger *zap.Logger
}

// NewPGStore creates the table and index if they do not exist.
func NewPGStore(ctx context.Context, db *sqlx.DB, config PGConfig, logger *zap.Logger) (*PGStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Table == "" {
		config.Table = "vector_chunks"
	}
	if !tableNamePattern.MatchString(config.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrInvalidConfig, config.Table)
	}
	if config.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if db == nil {
		return nil, fmt.Errorf("%w: database handle required", ErrInvalidConfig)
	}

	s := &PGStore{db: db, config: config, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, unavailable("migrate", err)
	}
	logger.Info("postgres vector store initialized",
		zap.String("table", config.Table),
		zap.Int("vector_size", config.VectorSize))
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	t := s.config.Table
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace  TEXT NOT NULL,
			id         TEXT NOT NULL,
			embedding  vector(%d) NOT NULL,
			content    TEXT NOT NULL,
			metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, id)
		)`, t, s.config.VectorSize),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, t, t),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Upsert writes chunks in one transaction.
func (s *PGStore) Upsert(ctx context.Context, namespace string, chunks []Chunk) (n int, err error) {
	ctx, done := observe(ctx, backendPostgres, "upsert", namespace)
	defer func() { done(err) }()

	if len(chunks) == 0 {
		return 0, nil
	}
	if err := validateUpsert(namespace, chunks, s.config.VectorSize); err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, id, embedding, content, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (namespace, id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`, s.config.Table)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, unavailable("upsert", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		md, err := json.Marshal(c.Metadata.ToMap())
		if err != nil {
			return 0, fmt.Errorf("encoding metadata for %s: %w", c.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query, namespace, c.ID, pgvector.NewVector(c.Vector), c.Text, md); err != nil {
			return 0, unavailable("upsert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("upsert", err)
	}
	ChunksWritten.WithLabelValues(backendPostgres).Add(float64(len(chunks)))
	return len(chunks), nil
}

type pgRow struct {
	ID       string  `db:"id"`
	Distance float64 `db:"distance"`
	Content  string  `db:"content"`
	Metadata []byte  `db:"metadata"`
}

// Query orders by cosine distance; score is 1 - distance.
func (s *PGStore) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) (matches []Match, err error) {
	ctx, done := observe(ctx, backendPostgres, "query", namespace)
	defer func() { done(err) }()

	if err := validateQuery(namespace, vector, topK, s.config.VectorSize); err != nil {
		return nil, err
	}

	args := []interface{}{pgvector.NewVector(vector), namespace, topK}
	where := "namespace = $2"
	if len(filter) > 0 {
		f, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("encoding filter: %w", err)
		}
		args = append(args, f)
		where += " AND metadata @> $4::jsonb"
	}

	query := fmt.Sprintf(`
		SELECT id, embedding <=> $1 AS distance, content, metadata
		FROM %s
		WHERE %s
		ORDER BY distance ASC
		LIMIT $3`, s.config.Table, where)

	var rows []pgRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, unavailable("query", err)
	}

	matches = make([]Match, 0, len(rows))
	for _, r := range rows {
		var md map[string]string
		if err := json.Unmarshal(r.Metadata, &md); err != nil {
			s.logger.Warn("skipping row with unreadable metadata",
				zap.String("namespace", namespace),
				zap.String("id", r.ID),
				zap.Error(err))
			continue
		}
		matches = append(matches, toMatch(r.ID, float32(1-r.Distance), r.Content, md))
	}
	return matches, nil
}

// Delete removes rows by id within the namespace.
func (s *PGStore) Delete(ctx context.Context, namespace string, ids []string) (err error) {
	ctx, done := observe(ctx, backendPostgres, "delete", namespace)
	defer func() { done(err) }()

	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND id = ANY($2)`, s.config.Table)
	if _, err := s.db.ExecContext(ctx, query, namespace, pq.Array(ids)); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// DeleteAll removes every row in the namespace.
func (s *PGStore) DeleteAll(ctx context.Context, namespace string) (err error) {
	ctx, done := observe(ctx, backendPostgres, "delete_all", namespace)
	defer func() { done(err) }()

	query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1`, s.config.Table)
	if _, err := s.db.ExecContext(ctx, query, namespace); err != nil {
		return unavailable("delete_all", err)
	}
	return nil
}

// Count returns the number of rows in the namespace.
func (s *PGStore) Count(ctx context.Context, namespace string) (n int, err error) {
	ctx, done := observe(ctx, backendPostgres, "count", namespace)
	defer func() { done(err) }()

	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE namespace = $1`, s.config.Table)
	if err := s.db.GetContext(ctx, &n, query, namespace); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

// Close is a no-op; the shared database handle is owned by the caller.
func (s *PGStore) Close() error {
	return nil
}
