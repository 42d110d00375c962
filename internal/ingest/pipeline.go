package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/embeddings"
	"github.com/fyrsmithlabs/nutrictx/internal/normalize"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/vectorstore"
)

// Config tunes the pipeline.
type Config struct {
	// StoreBatchSize caps chunks per embed call and per store upsert.
	StoreBatchSize int
	// Timeout bounds a single event.
	Timeout time.Duration
}

// ConfigFrom maps the ingest section of the service config.
func ConfigFrom(cfg config.IngestConfig) Config {
	return Config{
		StoreBatchSize: cfg.StoreBatchSize,
		Timeout:        cfg.Timeout.Duration(),
	}
}

func (c *Config) applyDefaults() {
	if c.StoreBatchSize <= 0 {
		c.StoreBatchSize = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// BatchResult summarizes IngestBatch. Errors is keyed by entity id.
type BatchResult struct {
	Succeeded int
	Failed    int
	Skipped   int
	Errors    map[string]error
	// Complete is true when every upsert succeeded and the batch was not
	// interrupted. Per-entity normalize or embed failures do not clear it.
	Complete bool
}

func (r *BatchResult) fail(entityID string, err error) {
	r.Failed++
	if r.Errors == nil {
		r.Errors = make(map[string]error)
	}
	r.Errors[entityID] = err
}

// Pipeline normalizes, embeds and stores entities.
type Pipeline struct {
	normalizer *normalize.Normalizer
	embedder   embeddings.Embedder
	store      vectorstore.Store
	cfg        Config
	logger     *zap.Logger
}

// NewPipeline wires a pipeline. A nil logger is replaced with a no-op logger.
func NewPipeline(n *normalize.Normalizer, e embeddings.Embedder, s vectorstore.Store, cfg Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Pipeline{
		normalizer: n,
		embedder:   e,
		store:      s,
		cfg:        cfg,
		logger:     logger.Named("ingest"),
	}
}

// Ingest processes one event synchronously and returns its finished job.
// It does not touch staleness records.
func (p *Pipeline) Ingest(ctx context.Context, ev Event) Job {
	job := newJob(ev)
	start := time.Now()
	defer func() {
		JobDuration.WithLabelValues(string(ev.Op), string(job.State)).Observe(time.Since(start).Seconds())
	}()

	if err := ev.Validate(); err != nil {
		job.fail(err)
		return *job
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	ns := nutrition.Namespace(ev.UserID, ev.DataType)
	chunkID := nutrition.ChunkID(ev.UserID, ev.DataType, ev.EntityID)

	if ev.Op == OpDelete {
		job.advance(StateUpserting)
		if err := p.store.Delete(ctx, ns, []string{chunkID}); err != nil {
			job.fail(fmt.Errorf("deleting %s: %w", chunkID, err))
			p.logFailure(job)
			return *job
		}
		EntitiesTotal.WithLabelValues(string(ev.DataType), "deleted").Inc()
		job.advance(StateDone)
		return *job
	}

	job.advance(StateNormalizing)
	entity, err := ev.decode()
	if err != nil {
		job.fail(err)
		p.logFailure(job)
		return *job
	}
	draft, err := p.normalizer.Normalize(ev.DataType, entity)
	if errors.Is(err, nutrition.ErrSkippedEntity) {
		job.Skipped = true
		EntitiesTotal.WithLabelValues(string(ev.DataType), "skipped").Inc()
		job.advance(StateDone)
		return *job
	}
	if err != nil {
		job.fail(err)
		p.logFailure(job)
		return *job
	}

	job.advance(StateEmbedding)
	vectors, err := p.embedder.EmbedDocuments(ctx, []string{draft.Text})
	if err != nil {
		job.fail(fmt.Errorf("embedding %s: %w", draft.ID, err))
		p.logFailure(job)
		return *job
	}

	job.advance(StateUpserting)
	if _, err := p.store.Upsert(ctx, ns, []vectorstore.Chunk{toChunk(draft, vectors[0])}); err != nil {
		job.fail(fmt.Errorf("upserting %s: %w", draft.ID, err))
		p.logFailure(job)
		return *job
	}

	EntitiesTotal.WithLabelValues(string(ev.DataType), "succeeded").Inc()
	job.advance(StateDone)
	p.logger.Debug("ingested entity",
		zap.String("job.id", job.ID),
		zap.String("user.id", ev.UserID),
		zap.String("data_type", string(ev.DataType)),
		zap.String("entity_id", ev.EntityID))
	return *job
}

func (p *Pipeline) logFailure(job *Job) {
	p.logger.Warn("ingest job failed",
		zap.String("job.id", job.ID),
		zap.String("op", string(job.Event.Op)),
		zap.String("user.id", job.Event.UserID),
		zap.String("data_type", string(job.Event.DataType)),
		zap.String("entity_id", job.Event.EntityID),
		zap.Error(job.Err))
}

// IngestBatch indexes entities of one type for one user. Chunks are embedded
// and upserted StoreBatchSize at a time. When a batch embed fails, each chunk
// in it is embedded alone so one bad entity fails by itself. The error is
// only set for an invalid user or data type.
func (p *Pipeline) IngestBatch(ctx context.Context, userID string, dataType nutrition.DataType, entities []nutrition.Entity) (BatchResult, error) {
	if err := nutrition.ValidateUserID(userID); err != nil {
		return BatchResult{}, err
	}
	if !dataType.Valid() {
		return BatchResult{}, fmt.Errorf("%w: %q", nutrition.ErrUnknownDataType, dataType)
	}

	res := BatchResult{Errors: make(map[string]error)}
	ns := nutrition.Namespace(userID, dataType)

	drafts := make([]normalize.Draft, 0, len(entities))
	for i, e := range entities {
		d, err := p.normalizeOwned(userID, dataType, e)
		switch {
		case errors.Is(err, nutrition.ErrSkippedEntity):
			res.Skipped++
		case err != nil:
			res.fail(entityKey(e, i), err)
		default:
			drafts = append(drafts, d)
		}
	}

	upsertFailed := false
	for start := 0; start < len(drafts); start += p.cfg.StoreBatchSize {
		end := min(start+p.cfg.StoreBatchSize, len(drafts))
		if err := ctx.Err(); err != nil {
			for _, d := range drafts[start:] {
				res.fail(d.Metadata.EntityID, err)
			}
			break
		}

		chunks := p.embedBatch(ctx, dataType, drafts[start:end], &res)
		if len(chunks) == 0 {
			continue
		}
		n, err := p.store.Upsert(ctx, ns, chunks)
		if err != nil {
			upsertFailed = true
			p.logger.Warn("batch upsert failed",
				zap.String("namespace", ns),
				zap.Int("chunks", len(chunks)),
				zap.Error(err))
			for _, c := range chunks {
				res.fail(c.Metadata.EntityID, err)
			}
			continue
		}
		res.Succeeded += n
	}

	res.Complete = !upsertFailed && ctx.Err() == nil

	EntitiesTotal.WithLabelValues(string(dataType), "succeeded").Add(float64(res.Succeeded))
	EntitiesTotal.WithLabelValues(string(dataType), "failed").Add(float64(res.Failed))
	EntitiesTotal.WithLabelValues(string(dataType), "skipped").Add(float64(res.Skipped))

	p.logger.Info("batch ingested",
		zap.String("user.id", userID),
		zap.String("data_type", string(dataType)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Bool("complete", res.Complete))
	return res, nil
}

// embedBatch returns chunks for every draft that embedded, recording the
// rest as failures.
func (p *Pipeline) embedBatch(ctx context.Context, dataType nutrition.DataType, batch []normalize.Draft, res *BatchResult) []vectorstore.Chunk {
	texts := make([]string, len(batch))
	for i, d := range batch {
		texts[i] = d.Text
	}

	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			for _, d := range batch {
				res.fail(d.Metadata.EntityID, err)
			}
			return nil
		}

		EmbedFallbacksTotal.WithLabelValues(string(dataType)).Inc()
		p.logger.Warn("batch embed failed, embedding individually",
			zap.String("data_type", string(dataType)),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))

		vectors = make([][]float32, len(batch))
		for i, d := range batch {
			v, err := p.embedder.EmbedDocuments(ctx, []string{d.Text})
			if err != nil {
				res.fail(d.Metadata.EntityID, fmt.Errorf("embedding %s: %w", d.ID, err))
				continue
			}
			vectors[i] = v[0]
		}
	}

	chunks := make([]vectorstore.Chunk, 0, len(batch))
	for i, d := range batch {
		if vectors[i] == nil {
			continue
		}
		chunks = append(chunks, toChunk(d, vectors[i]))
	}
	return chunks
}

func (p *Pipeline) normalizeOwned(userID string, dataType nutrition.DataType, e nutrition.Entity) (normalize.Draft, error) {
	if e != nil && e.OwnerID() != userID {
		return normalize.Draft{}, fmt.Errorf("%w: %s %s belongs to another user", nutrition.ErrInvalidEntity, dataType, e.EntityID())
	}
	return p.normalizer.Normalize(dataType, e)
}

// InvalidateType removes every vector of one type for a user.
func (p *Pipeline) InvalidateType(ctx context.Context, userID string, dataType nutrition.DataType) error {
	if err := nutrition.ValidateUserID(userID); err != nil {
		return err
	}
	if !dataType.Valid() {
		return fmt.Errorf("%w: %q", nutrition.ErrUnknownDataType, dataType)
	}
	ns := nutrition.Namespace(userID, dataType)
	if err := p.store.DeleteAll(ctx, ns); err != nil {
		return fmt.Errorf("invalidating %s: %w", ns, err)
	}
	p.logger.Info("namespace invalidated", zap.String("namespace", ns))
	return nil
}

func toChunk(d normalize.Draft, vector []float32) vectorstore.Chunk {
	return vectorstore.Chunk{
		ID:        d.ID,
		Namespace: d.Namespace,
		Vector:    vector,
		Text:      d.Text,
		Metadata:  d.Metadata,
	}
}

func entityKey(e nutrition.Entity, i int) string {
	if e == nil || e.EntityID() == "" {
		return fmt.Sprintf("#%d", i)
	}
	return e.EntityID()
}
