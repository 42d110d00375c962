// Package vectorstore stores embedded chunks in per-namespace collections.
//
// Every namespace maps to its own physical collection, table partition or
// point set, so a query against one namespace can never see another's data.
// All backend failures wrap nutrition.ErrStoreUnavailable.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNamespaceMismatch is returned when a chunk targets a different namespace
	// than the call.
	ErrNamespaceMismatch = errors.New("chunk namespace does not match target namespace")

	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Chunk is one embedded unit of a source entity.
type Chunk struct {
	ID        string
	Namespace string
	Vector    []float32
	Text      string
	Metadata  nutrition.Metadata
}

// Match is a query hit. Score is cosine similarity, higher is closer.
type Match struct {
	ID       string
	Score    float32
	Text     string
	Metadata nutrition.Metadata
}

// Store is the interface for vector storage operations.
type Store interface {
	// Upsert writes chunks into namespace, replacing any with the same id.
	// It returns the number of chunks written.
	Upsert(ctx context.Context, namespace string, chunks []Chunk) (int, error)

	// Query returns up to topK chunks closest to vector, best first. A missing
	// or empty namespace returns no matches and no error. filter restricts
	// matches to chunks whose flattened metadata has every key/value given.
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) ([]Match, error)

	// Delete removes chunks by id. Unknown ids are ignored.
	Delete(ctx context.Context, namespace string, ids []string) error

	// DeleteAll removes the namespace and everything in it.
	DeleteAll(ctx context.Context, namespace string) error

	// Count returns the number of chunks in namespace.
	Count(ctx context.Context, namespace string) (int, error)

	// Close releases backend resources.
	Close() error
}

// validateUpsert checks every chunk belongs to namespace and has the
// configured dimension.
func validateUpsert(namespace string, chunks []Chunk, dim int) error {
	if namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrNamespaceMismatch)
	}
	for i, c := range chunks {
		if c.Namespace != namespace {
			return fmt.Errorf("%w: chunk %d has %q, target %q", ErrNamespaceMismatch, i, c.Namespace, namespace)
		}
		if c.ID == "" {
			return fmt.Errorf("%w: chunk %d has no id", nutrition.ErrInvalidEntity, i)
		}
		if dim > 0 && len(c.Vector) != dim {
			return fmt.Errorf("%w: chunk %s has %d, want %d", ErrDimensionMismatch, c.ID, len(c.Vector), dim)
		}
	}
	return nil
}

func validateQuery(namespace string, vector []float32, topK, dim int) error {
	if namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrNamespaceMismatch)
	}
	if topK <= 0 {
		return fmt.Errorf("topK must be positive, got %d", topK)
	}
	if dim > 0 && len(vector) != dim {
		return fmt.Errorf("%w: query has %d, want %d", ErrDimensionMismatch, len(vector), dim)
	}
	return nil
}

// unavailable wraps a backend error.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", nutrition.ErrStoreUnavailable, op, err)
}

func toMatch(id string, score float32, text string, md map[string]string) Match {
	meta, err := nutrition.MetadataFromMap(md)
	if err != nil {
		// Chunks written by this package always carry a data type, so this only
		// happens for foreign rows; keep what can be read.
		meta = nutrition.Metadata{Envelope: nutrition.Envelope{
			UserID:   md[nutrition.KeyUserID],
			EntityID: md[nutrition.KeyEntityID],
		}}
	}
	return Match{ID: id, Score: score, Text: text, Metadata: meta}
}
