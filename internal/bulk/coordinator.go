// Package bulk rebuilds a user's vectors from the primary datastore.
//
// A rebuild walks each requested data type, optionally wiping its namespace
// first, and re-ingests every entity in paced batches. A type is marked
// rebuilt only when all of its batches completed; one failing type never
// stops the others.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/datastore"
	"github.com/fyrsmithlabs/nutrictx/internal/ingest"
	"github.com/fyrsmithlabs/nutrictx/internal/logging"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/staleness"
)

// ErrJobRunning is returned by Start when the user already has a job.
var ErrJobRunning = errors.New("bulk job already running for user")

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nutrictx",
			Subsystem: "bulk",
			Name:      "jobs_total",
			Help:      "Bulk vectorization jobs by final state",
		},
		[]string{"state"},
	)
	jobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nutrictx",
			Subsystem: "bulk",
			Name:      "jobs_running",
			Help:      "Bulk vectorization jobs currently running",
		},
	)
)

// Ingester is the part of the ingest pipeline a rebuild needs.
type Ingester interface {
	IngestBatch(ctx context.Context, userID string, dataType nutrition.DataType, entities []nutrition.Entity) (ingest.BatchResult, error)
	InvalidateType(ctx context.Context, userID string, dataType nutrition.DataType) error
}

// Config tunes batching.
type Config struct {
	// BatchSize is entities per IngestBatch call.
	BatchSize int
	// InterBatchDelay spaces batches across all jobs.
	InterBatchDelay time.Duration
}

// ConfigFrom maps the bulk section of the service config.
func ConfigFrom(cfg config.BulkConfig) Config {
	return Config{BatchSize: cfg.BatchSize, InterBatchDelay: cfg.InterBatchDelay.Duration()}
}

// Request describes one rebuild.
type Request struct {
	UserID string
	// DataTypes to rebuild. Empty means all.
	DataTypes    []nutrition.DataType
	ForceRebuild bool
}

// TypeReport is the outcome for one data type.
type TypeReport struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Skipped   int              `json:"skipped"`
	Errors    map[string]error `json:"-"`
	// Err is set when the type could not be fully processed.
	Err error `json:"-"`
	// Rebuilt is true when the staleness record was updated.
	Rebuilt bool `json:"rebuilt"`
}

// Report is the outcome of a rebuild.
type Report struct {
	JobID      string                            `json:"job_id"`
	UserID     string                            `json:"user_id"`
	Types      map[nutrition.DataType]TypeReport `json:"types"`
	Cancelled  bool                              `json:"cancelled"`
	StartedAt  time.Time                         `json:"started_at"`
	FinishedAt time.Time                         `json:"finished_at"`
}

// JobState is a background job's lifecycle position.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobCancelled JobState = "cancelled"
)

// Status describes a user's latest background job.
type Status struct {
	JobID     string               `json:"job_id"`
	UserID    string               `json:"user_id"`
	State     JobState             `json:"state"`
	DataTypes []nutrition.DataType `json:"data_types"`
	StartedAt time.Time            `json:"started_at"`
	// Report is set once the job finishes.
	Report *Report `json:"report,omitempty"`
}

type job struct {
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator runs rebuilds synchronously or as per-user background jobs.
type Coordinator struct {
	ingester Ingester
	source   datastore.Datastore
	tracker  staleness.Tracker
	cfg      Config
	limiter  *rate.Limiter
	logger   *logging.Logger
	now      func() time.Time

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// NewCoordinator wires a coordinator. A nil logger is replaced with a no-op logger.
func NewCoordinator(ing Ingester, source datastore.Datastore, tracker staleness.Tracker, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	limit := rate.Inf
	if cfg.InterBatchDelay > 0 {
		limit = rate.Every(cfg.InterBatchDelay)
	}
	return &Coordinator{
		ingester: ing,
		source:   source,
		tracker:  tracker,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logging.Wrap(logger).Named("bulk"),
		now:      time.Now,
		jobs:     make(map[string]*job),
	}
}

func normalizeRequest(req Request) (Request, error) {
	if err := nutrition.ValidateUserID(req.UserID); err != nil {
		return req, err
	}
	if len(req.DataTypes) == 0 {
		req.DataTypes = nutrition.AllDataTypes()
		return req, nil
	}
	for _, dt := range req.DataTypes {
		if !dt.Valid() {
			return req, fmt.Errorf("%w: %q", nutrition.ErrUnknownDataType, dt)
		}
	}
	return req, nil
}

// Run rebuilds synchronously. The error is set only for invalid requests;
// per-type failures are in the report.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Report, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	jobID := uuid.NewString()
	return c.run(logging.WithJobID(ctx, jobID), jobID, req), nil
}

func (c *Coordinator) run(ctx context.Context, jobID string, req Request) *Report {
	report := &Report{
		JobID:     jobID,
		UserID:    req.UserID,
		Types:     make(map[nutrition.DataType]TypeReport, len(req.DataTypes)),
		StartedAt: c.now(),
	}
	ctx = logging.WithUserID(ctx, req.UserID)
	c.logger.Info(ctx, "bulk vectorization started",
		zap.Int("data_types", len(req.DataTypes)),
		zap.Bool("force_rebuild", req.ForceRebuild))

	for _, dt := range req.DataTypes {
		tr := c.runType(ctx, req.UserID, dt, req.ForceRebuild)
		report.Types[dt] = tr
		if tr.Err != nil {
			c.logger.Warn(ctx, "data type not fully rebuilt",
				zap.String("data_type", string(dt)),
				zap.Int("succeeded", tr.Succeeded),
				zap.Int("failed", tr.Failed),
				zap.Error(tr.Err))
		}
	}

	report.Cancelled = ctx.Err() != nil
	report.FinishedAt = c.now()
	c.logger.Info(ctx, "bulk vectorization finished",
		zap.Bool("cancelled", report.Cancelled),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report
}

func (c *Coordinator) runType(ctx context.Context, userID string, dt nutrition.DataType, force bool) TypeReport {
	var tr TypeReport
	if err := ctx.Err(); err != nil {
		tr.Err = err
		return tr
	}
	startedAt := c.now()

	if force {
		if err := c.ingester.InvalidateType(ctx, userID, dt); err != nil {
			tr.Err = err
			return tr
		}
	}

	entities, err := c.source.List(ctx, userID, dt, datastore.Range{})
	if err != nil {
		tr.Err = fmt.Errorf("listing %s: %w", dt, err)
		return tr
	}

	complete := true
	for start := 0; start < len(entities); start += c.cfg.BatchSize {
		if err := c.limiter.Wait(ctx); err != nil {
			tr.Err = err
			if ctx.Err() != nil {
				tr.Err = ctx.Err()
			}
			complete = false
			break
		}
		end := min(start+c.cfg.BatchSize, len(entities))
		res, err := c.ingester.IngestBatch(ctx, userID, dt, entities[start:end])
		if err != nil {
			tr.Err = err
			complete = false
			break
		}
		tr.Succeeded += res.Succeeded
		tr.Failed += res.Failed
		tr.Skipped += res.Skipped
		for id, e := range res.Errors {
			if tr.Errors == nil {
				tr.Errors = make(map[string]error)
			}
			tr.Errors[id] = e
		}
		if !res.Complete {
			complete = false
		}
	}

	if !complete || ctx.Err() != nil {
		if tr.Err == nil {
			tr.Err = errors.New("incomplete: not every batch was stored")
			if ctx.Err() != nil {
				tr.Err = ctx.Err()
			}
		}
		return tr
	}

	if err := c.tracker.MarkRebuilt(ctx, userID, dt, startedAt); err != nil {
		tr.Err = fmt.Errorf("marking rebuilt: %w", err)
		return tr
	}
	tr.Rebuilt = true
	return tr
}

// Start runs a rebuild in the background and returns its job id. The job
// outlives ctx; use Cancel to stop it.
func (c *Coordinator) Start(ctx context.Context, req Request) (string, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if j, ok := c.jobs[req.UserID]; ok && j.status.State == JobRunning {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobRunning, j.status.JobID)
	}
	jobID := uuid.NewString()
	jobCtx, cancel := context.WithCancel(logging.WithJobID(context.WithoutCancel(ctx), jobID))
	j := &job{
		status: Status{
			JobID:     jobID,
			UserID:    req.UserID,
			State:     JobRunning,
			DataTypes: req.DataTypes,
			StartedAt: c.now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.jobs[req.UserID] = j
	c.wg.Add(1)
	c.mu.Unlock()

	jobsRunning.Inc()
	go func() {
		defer c.wg.Done()
		defer close(j.done)
		defer jobsRunning.Dec()
		defer cancel()

		report := c.run(jobCtx, j.status.JobID, req)

		c.mu.Lock()
		j.status.Report = report
		j.status.State = JobCompleted
		if report.Cancelled {
			j.status.State = JobCancelled
		}
		state := j.status.State
		c.mu.Unlock()
		jobsTotal.WithLabelValues(string(state)).Inc()
	}()
	return j.status.JobID, nil
}

// Cancel stops the user's running job. It reports whether one was running.
func (c *Coordinator) Cancel(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[userID]
	if !ok || j.status.State != JobRunning {
		return false
	}
	j.cancel()
	return true
}

// CancelAndWait stops the user's running job and waits until it has
// returned, so nothing it started is still writing. It is a no-op when no
// job is running.
func (c *Coordinator) CancelAndWait(ctx context.Context, userID string) error {
	c.mu.Lock()
	j, ok := c.jobs[userID]
	if !ok || j.status.State != JobRunning {
		c.mu.Unlock()
		return nil
	}
	j.cancel()
	c.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the user's latest job.
func (c *Coordinator) Status(userID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[userID]
	if !ok {
		return Status{}, false
	}
	return j.status, true
}

// StaleTypes returns the types whose vectors are older than ttl.
func (c *Coordinator) StaleTypes(ctx context.Context, userID string, ttl time.Duration) ([]nutrition.DataType, error) {
	var stale []nutrition.DataType
	for _, dt := range nutrition.AllDataTypes() {
		ok, err := c.tracker.ShouldRebuild(ctx, userID, dt, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			stale = append(stale, dt)
		}
	}
	return stale, nil
}

// RebuildStale starts a background rebuild of the user's stale types. It
// returns an empty job id when nothing is stale.
func (c *Coordinator) RebuildStale(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if err := nutrition.ValidateUserID(userID); err != nil {
		return "", err
	}
	stale, err := c.StaleTypes(ctx, userID, ttl)
	if err != nil {
		return "", fmt.Errorf("checking staleness: %w", err)
	}
	if len(stale) == 0 {
		return "", nil
	}
	return c.Start(ctx, Request{UserID: userID, DataTypes: stale})
}

// Close cancels running jobs and waits for them to stop.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	for _, j := range c.jobs {
		if j.status.State == JobRunning {
			j.cancel()
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
