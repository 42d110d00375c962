package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	backendQdrant = "qdrant"

	// payloadText holds the chunk text next to the flattened metadata.
	payloadText = "_text"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname or IP address.
	Host string

	// Port is the Qdrant gRPC port, not the HTTP REST port.
	Port int

	APIKey string
	UseTLS bool

	// VectorSize is the dimensionality of embeddings.
	VectorSize uint64

	// MaxRetries is the maximum number of retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry.
	// Default: 500ms
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of failures before opening the circuit.
	// Default: 5
	CircuitBreakerThreshold int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// CollectionName maps a namespace to a Qdrant collection name. The readable
// prefix is lowercased and sanitized; the hash suffix keeps distinct
// namespaces distinct after sanitizing.
func CollectionName(namespace string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(namespace) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= 40 {
			break
		}
	}
	sum := sha256.Sum256([]byte(namespace))
	return "nutrictx_" + b.String() + "_" + hex.EncodeToString(sum[:8])
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// QdrantStore implements Store with one Qdrant collection per namespace.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// collections caches names known to exist.
	collections sync.Map

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore connects to Qdrant and performs a health check.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, unavailable("connect", err)
	}

	store := &QdrantStore{client: client, config: config, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, unavailable("health check", err)
	}

	logger.Info("qdrant store initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.Uint64("vector_size", config.VectorSize))
	return store, nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// retryOperation retries transient failures with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open", operationName)
		}

		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}
		if !IsTransientError(err) {
			return err
		}
		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		s.logger.Warn("qdrant operation failed, retrying",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Half-open after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string) error {
	if _, ok := s.collections.Load(name); ok {
		return nil
	}
	return s.retryOperation(ctx, "ensure_collection", func() error {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: name,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     s.config.VectorSize,
					Distance: qdrant.Distance_Cosine,
				}),
			})
			if err != nil && status.Code(err) != grpccodes.AlreadyExists {
				return err
			}
			s.logger.Info("created qdrant collection", zap.String("collection", name))
		}
		s.collections.Store(name, true)
		return nil
	})
}

// Upsert writes chunks as points keyed by their UUID ids.
func (s *QdrantStore) Upsert(ctx context.Context, namespace string, chunks []Chunk) (n int, err error) {
	ctx, done := observe(ctx, backendQdrant, "upsert", namespace)
	defer func() { done(err) }()

	if len(chunks) == 0 {
		return 0, nil
	}
	if err := validateUpsert(namespace, chunks, int(s.config.VectorSize)); err != nil {
		return 0, err
	}

	name := CollectionName(namespace)
	if err := s.ensureCollection(ctx, name); err != nil {
		return 0, unavailable("upsert", err)
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		payload := make(map[string]*qdrant.Value)
		for k, v := range c.Metadata.ToMap() {
			payload[k] = qdrant.NewValueString(v)
		}
		payload[payloadText] = qdrant.NewValueString(c.Text)

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(c.ID),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: payload,
		}
	}

	wait := true
	err = s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Wait:           &wait,
			Points:         points,
		})
		return err
	})
	if err != nil {
		return 0, unavailable("upsert", err)
	}
	ChunksWritten.WithLabelValues(backendQdrant).Add(float64(len(points)))
	return len(points), nil
}

// Query searches one namespace's collection.
func (s *QdrantStore) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) (matches []Match, err error) {
	ctx, done := observe(ctx, backendQdrant, "query", namespace)
	defer func() { done(err) }()

	if err := validateQuery(namespace, vector, topK, int(s.config.VectorSize)); err != nil {
		return nil, err
	}

	var qfilter *qdrant.Filter
	if len(filter) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			conditions = append(conditions, qdrant.NewMatch(k, v))
		}
		qfilter = &qdrant.Filter{Must: conditions}
	}

	limit := uint64(topK)
	var points []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "query", func() error {
		var qerr error
		points, qerr = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: CollectionName(namespace),
			Query:          qdrant.NewQuery(vector...),
			Limit:          &limit,
			Filter:         qfilter,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return qerr
	})
	if err != nil {
		if isNotFound(err) {
			return []Match{}, nil
		}
		return nil, unavailable("query", err)
	}

	matches = make([]Match, 0, len(points))
	for _, p := range points {
		md := make(map[string]string, len(p.GetPayload()))
		var text string
		for k, v := range p.GetPayload() {
			if k == payloadText {
				text = v.GetStringValue()
				continue
			}
			md[k] = v.GetStringValue()
		}
		matches = append(matches, toMatch(p.GetId().GetUuid(), p.GetScore(), text, md))
	}
	return matches, nil
}

// Delete removes points by id.
func (s *QdrantStore) Delete(ctx context.Context, namespace string, ids []string) (err error) {
	ctx, done := observe(ctx, backendQdrant, "delete", namespace)
	defer func() { done(err) }()

	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}

	wait := true
	err = s.retryOperation(ctx, "delete", func() error {
		_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: CollectionName(namespace),
			Wait:           &wait,
			Points:         qdrant.NewPointsSelectorIDs(pointIDs),
		})
		return err
	})
	if err != nil && !isNotFound(err) {
		return unavailable("delete", err)
	}
	return nil
}

// DeleteAll drops the namespace's collection.
func (s *QdrantStore) DeleteAll(ctx context.Context, namespace string) (err error) {
	ctx, done := observe(ctx, backendQdrant, "delete_all", namespace)
	defer func() { done(err) }()

	name := CollectionName(namespace)
	err = s.retryOperation(ctx, "delete_all", func() error {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil || !exists {
			return err
		}
		return s.client.DeleteCollection(ctx, name)
	})
	s.collections.Delete(name)
	if err != nil && !isNotFound(err) {
		return unavailable("delete_all", err)
	}
	return nil
}

// Count returns the exact number of points in the namespace.
func (s *QdrantStore) Count(ctx context.Context, namespace string) (n int, err error) {
	ctx, done := observe(ctx, backendQdrant, "count", namespace)
	defer func() { done(err) }()

	exact := true
	var count uint64
	err = s.retryOperation(ctx, "count", func() error {
		var cerr error
		count, cerr = s.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: CollectionName(namespace),
			Exact:          &exact,
		})
		return cerr
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, unavailable("count", err)
	}
	return int(count), nil
}
