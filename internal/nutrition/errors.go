package nutrition

import "errors"

var (
	// ErrInvalidEntity means a record is missing fields required to describe it.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrSkippedEntity means a record is valid but intentionally not vectorized.
	ErrSkippedEntity = errors.New("entity not vectorized")

	// ErrEmbeddingUnavailable means the embedding provider failed after all retries.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrStoreUnavailable means the vector store could not complete an operation.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrNamespaceQueryFailed marks a single namespace that failed during fan-out.
	ErrNamespaceQueryFailed = errors.New("namespace query failed")

	// ErrInvalidUser means a user id cannot be used to build a namespace.
	ErrInvalidUser = errors.New("invalid user id")

	// ErrUnknownDataType means a data type string is not recognized.
	ErrUnknownDataType = errors.New("unknown data type")
)
