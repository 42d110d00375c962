// Package retrieval answers free-text queries with ranked chunks from a
// user's namespaces.
//
// A query is embedded once and the vector is sent to every selected
// namespace concurrently. Provider and store failures degrade the outcome
// instead of failing it; only structurally invalid requests return errors.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/logging"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/vectorstore"
)

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("query cannot be empty")

// DefaultRelevanceFloor is the floor used when Config.RelevanceFloor is nil.
const DefaultRelevanceFloor = 0.3

// Config tunes fan-out and ranking. Zero fields take defaults.
type Config struct {
	// RelevanceFloor drops results scoring below it. Nil means
	// DefaultRelevanceFloor; a pointer to 0 keeps everything.
	RelevanceFloor   *float64
	TopK             int
	PerNamespaceTopK int
	NamespaceTimeout time.Duration
	// QueryEmbedTimeout bounds embedding the query, retries included.
	QueryEmbedTimeout time.Duration
	MaxParallel       int
}

// ConfigFrom maps the retrieval section of the service config.
func ConfigFrom(cfg config.RetrievalConfig) Config {
	floor := cfg.RelevanceFloor
	return Config{
		RelevanceFloor:    &floor,
		TopK:              cfg.TopK,
		PerNamespaceTopK:  cfg.PerNamespaceTopK,
		NamespaceTimeout:  cfg.NamespaceTimeout.Duration(),
		QueryEmbedTimeout: cfg.QueryEmbedTimeout.Duration(),
		MaxParallel:       cfg.MaxParallel,
	}
}

func (c *Config) applyDefaults() {
	if c.RelevanceFloor == nil {
		floor := DefaultRelevanceFloor
		c.RelevanceFloor = &floor
	}
	if c.TopK <= 0 {
		c.TopK = 15
	}
	if c.PerNamespaceTopK <= 0 {
		c.PerNamespaceTopK = c.TopK
	}
	if c.NamespaceTimeout <= 0 {
		c.NamespaceTimeout = 5 * time.Second
	}
	if c.QueryEmbedTimeout <= 0 {
		c.QueryEmbedTimeout = 5 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = len(nutrition.AllDataTypes())
	}
}

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Request is one retrieval.
type Request struct {
	UserID string
	Query  string
	// DataTypes restricts the search. Empty means classify the query.
	DataTypes []nutrition.DataType
	// Filter restricts matches by flattened metadata.
	Filter map[string]string
}

// Result is one ranked chunk.
type Result struct {
	ID        string
	Score     float32
	Namespace string
	Text      string
	Metadata  nutrition.Metadata
}

// Outcome is the merged answer to a Request.
type Outcome struct {
	Results []Result
	// Failures holds the error for each namespace that was dropped.
	Failures map[string]error
	// Degraded is true when the embedder or any namespace failed.
	Degraded bool
	// DataTypes are the types that were searched.
	DataTypes []nutrition.DataType
}

// Router fans queries out across namespaces.
type Router struct {
	embedder QueryEmbedder
	store    vectorstore.Store
	cfg      Config
	logger   *logging.Logger
}

// NewRouter creates a router. A nil logger is replaced with a no-op logger.
func NewRouter(e QueryEmbedder, s vectorstore.Store, cfg Config, logger *zap.Logger) *Router {
	cfg.applyDefaults()
	return &Router{embedder: e, store: s, cfg: cfg, logger: logging.Wrap(logger).Named("retrieval")}
}

// Retrieve runs req. It returns an error only for an invalid user, an empty
// query or an unknown data type.
func (r *Router) Retrieve(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	defer func() { Duration.Observe(time.Since(start).Seconds()) }()

	if err := nutrition.ValidateUserID(req.UserID); err != nil {
		RequestsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if strings.TrimSpace(req.Query) == "" {
		RequestsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrEmptyQuery
	}
	for _, dt := range req.DataTypes {
		if !dt.Valid() {
			RequestsTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: %q", nutrition.ErrUnknownDataType, dt)
		}
	}

	types := req.DataTypes
	if len(types) == 0 {
		types = Classify(req.Query)
	}

	ctx = logging.WithUserID(ctx, req.UserID)
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve",
		trace.WithAttributes(
			attribute.String("user.id", req.UserID),
			attribute.Int("namespaces", len(types)),
		))
	defer span.End()

	out := &Outcome{DataTypes: types, Failures: make(map[string]error)}

	ectx, cancel := context.WithTimeout(ctx, r.cfg.QueryEmbedTimeout)
	vector, err := r.embedder.EmbedQuery(ectx, req.Query)
	cancel()
	if err != nil {
		out.Degraded = true
		out.Results = []Result{}
		span.SetStatus(codes.Error, "query embedding failed")
		span.RecordError(err)
		r.logger.Warn(ctx, "query embedding failed, returning empty context", zap.Error(err))
		RequestsTotal.WithLabelValues("degraded").Inc()
		ResultsReturned.Observe(0)
		return out, nil
	}

	namespaces := nutrition.Namespaces(req.UserID, types)
	perNS := make([][]Result, len(namespaces))
	errs := make([]error, len(namespaces))

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxParallel)
	for i, ns := range namespaces {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, r.cfg.NamespaceTimeout)
			defer cancel()

			matches, err := r.store.Query(qctx, ns, vector, r.cfg.PerNamespaceTopK, req.Filter)
			if err != nil {
				errs[i] = err
				return nil
			}
			r.logger.Trace(ctx, "namespace queried", zap.String("namespace", ns), zap.Int("matches", len(matches)))
			results := make([]Result, len(matches))
			for j, m := range matches {
				results[j] = Result{ID: m.ID, Score: m.Score, Namespace: ns, Text: m.Text, Metadata: m.Metadata}
			}
			perNS[i] = results
			return nil
		})
	}
	_ = g.Wait()

	var merged []Result
	for i, ns := range namespaces {
		if errs[i] != nil {
			out.Degraded = true
			out.Failures[ns] = fmt.Errorf("%w: %s: %w", nutrition.ErrNamespaceQueryFailed, ns, errs[i])
			NamespaceFailuresTotal.WithLabelValues(string(types[i])).Inc()
			r.logger.Warn(ctx, "namespace query failed",
				zap.String("namespace", ns),
				zap.Error(errs[i]))
			continue
		}
		merged = append(merged, perNS[i]...)
	}

	out.Results = rank(merged, *r.cfg.RelevanceFloor, r.cfg.TopK)

	result := "ok"
	if out.Degraded {
		result = "degraded"
		span.SetStatus(codes.Error, "namespace failures")
	}
	span.SetAttributes(attribute.Int("results", len(out.Results)), attribute.Bool("degraded", out.Degraded))
	RequestsTotal.WithLabelValues(result).Inc()
	ResultsReturned.Observe(float64(len(out.Results)))

	r.logger.Debug(ctx, "retrieval complete",
		zap.Int("namespaces", len(namespaces)),
		zap.Int("candidates", len(merged)),
		zap.Int("results", len(out.Results)),
		zap.Bool("degraded", out.Degraded))
	return out, nil
}
