package vectorstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
)

// NewStore creates the Store selected by cfg.Provider:
//   - "chromem" (default): embedded chromem-go, in memory unless chromem_path is set
//   - "qdrant": external Qdrant over gRPC
//   - "postgres": pgvector table on db, which must be non-nil
//
// dim is the system-wide embedding dimension; every backend rejects vectors
// of any other length.
func NewStore(ctx context.Context, cfg config.VectorStoreConfig, dim int, db *sqlx.DB, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		s, err := NewChromemStore(ChromemConfig{
			Path:       cfg.ChromemPath,
			Compress:   cfg.ChromemCompress,
			VectorSize: dim,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil

	case "qdrant":
		s, err := NewQdrantStore(QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey.Value(),
			UseTLS:     cfg.QdrantUseTLS,
			VectorSize: uint64(dim),
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil

	case "postgres":
		s, err := NewPGStore(ctx, db, PGConfig{Table: cfg.PostgresTable, VectorSize: dim}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider %q (supported: chromem, qdrant, postgres)", ErrInvalidConfig, cfg.Provider)
	}
}
