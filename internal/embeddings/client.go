package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
)

// ClientConfig holds the resilience settings applied around a Provider.
type ClientConfig struct {
	// Model labels metrics.
	Model string
	// Timeout bounds each attempt.
	Timeout time.Duration
	// MaxAttempts includes the first call.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// BatchSize caps texts per provider call.
	BatchSize int
	// RateLimit is provider calls per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// CacheSize is the number of query embeddings kept. Zero disables the cache.
	CacheSize int
	CacheTTL  time.Duration
}

// ClientConfigFrom maps the embeddings section of the service config.
func ClientConfigFrom(cfg config.EmbeddingsConfig) ClientConfig {
	return ClientConfig{
		Model:       cfg.Model,
		Timeout:     cfg.Timeout.Duration(),
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff.Duration(),
		MaxBackoff:  cfg.MaxBackoff.Duration(),
		BatchSize:   cfg.BatchSize,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
		CacheSize:   cfg.CacheSize,
		CacheTTL:    cfg.CacheTTL.Duration(),
	}
}

func (c *ClientConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = "default"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// errInvalidVector marks responses that repeating the call will not fix.
var errInvalidVector = errors.New("invalid embedding vector")

// Client adds per-attempt timeouts, bounded retries with jittered backoff,
// rate limiting, batching and a query cache to a Provider. Once attempts are
// exhausted it returns an error wrapping nutrition.ErrEmbeddingUnavailable.
type Client struct {
	provider Provider
	cfg      ClientConfig
	limiter  *rate.Limiter
	cache    *expirable.LRU[string, []float32]
	metrics  *Metrics
	logger   *zap.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// NewClient wraps p. A nil logger is replaced with a no-op logger.
func NewClient(p Provider, cfg ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	c := &Client{
		provider: p,
		cfg:      cfg,
		metrics:  NewMetrics(logger),
		logger:   logger.Named("embeddings"),
		sleep:    sleepContext,
		jitter:   rand.Int64N,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}
	if cfg.CacheSize > 0 && cfg.CacheTTL > 0 {
		c.cache = expirable.NewLRU[string, []float32](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	return c
}

// EmbedQuery embeds a search query, consulting the cache first.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	if c.cache != nil {
		if cached, ok := c.cache.Get(text); ok {
			c.metrics.recordCacheHit(ctx)
			return cloneVector(cached), nil
		}
	}

	var vector []float32
	err := c.retry(ctx, "embed_query", 1, func(actx context.Context) error {
		v, err := c.provider.EmbedQuery(actx, text)
		if err != nil {
			return err
		}
		if err := c.check(v); err != nil {
			return err
		}
		vector = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Add(text, cloneVector(vector))
	}
	return vector, nil
}

// EmbedDocuments embeds texts in batches of at most BatchSize. Any batch
// failing after all attempts fails the call.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(texts))
		batch := texts[start:end]

		var vectors [][]float32
		err := c.retry(ctx, "embed_documents", len(batch), func(actx context.Context) error {
			vs, err := c.provider.EmbedDocuments(actx, batch)
			if err != nil {
				return err
			}
			if len(vs) != len(batch) {
				return fmt.Errorf("%w: got %d vectors for %d texts", errInvalidVector, len(vs), len(batch))
			}
			for _, v := range vs {
				if err := c.check(v); err != nil {
					return err
				}
			}
			vectors = vs
			return nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// Dimension returns the provider's dimension.
func (c *Client) Dimension() int {
	return c.provider.Dimension()
}

// Close closes the provider.
func (c *Client) Close() error {
	return c.provider.Close()
}

func (c *Client) retry(ctx context.Context, op string, n int, fn func(ctx context.Context) error) error {
	var lastErr error
	attempts := 0
	for attempts < c.cfg.MaxAttempts {
		if attempts > 0 {
			c.metrics.recordRetry(ctx, op)
			delay := c.backoff(attempts-1, lastErr)
			c.logger.Warn("embedding call failed, retrying",
				zap.String("operation", op),
				zap.Int("attempt", attempts),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}
		attempts++

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %s: %v", nutrition.ErrEmbeddingUnavailable, op, err)
			}
		}

		actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		start := time.Now()
		err := fn(actx)
		cancel()
		c.metrics.RecordGeneration(ctx, c.cfg.Model, op, time.Since(start), n, err)

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return fmt.Errorf("%w: %s failed after %d attempt(s): %v", nutrition.ErrEmbeddingUnavailable, op, attempts, lastErr)
}

// backoff returns a full-jitter delay for the given retry, or the server's
// Retry-After when that is longer.
func (c *Client) backoff(retry int, lastErr error) time.Duration {
	ceiling := c.cfg.MaxBackoff
	if retry < 30 {
		if d := c.cfg.BaseBackoff << retry; d < ceiling {
			ceiling = d
		}
	}
	delay := time.Duration(c.jitter(int64(ceiling)) + 1)

	var se *StatusError
	if errors.As(lastErr, &se) && se.RetryAfter > delay {
		delay = se.RetryAfter
	}
	return delay
}

func (c *Client) check(v []float32) error {
	if dim := c.provider.Dimension(); dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: dimension %d, want %d", errInvalidVector, len(v), dim)
	}
	for _, x := range v {
		if x != 0 {
			return nil
		}
	}
	return fmt.Errorf("%w: zero vector", errInvalidVector)
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrInvalidConfig), errors.Is(err, errInvalidVector):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
