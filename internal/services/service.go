package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/assemble"
	"github.com/fyrsmithlabs/nutrictx/internal/bulk"
	"github.com/fyrsmithlabs/nutrictx/internal/ingest"
	"github.com/fyrsmithlabs/nutrictx/internal/logging"
	"github.com/fyrsmithlabs/nutrictx/internal/nutrition"
	"github.com/fyrsmithlabs/nutrictx/internal/retrieval"
	"github.com/fyrsmithlabs/nutrictx/internal/staleness"
	"github.com/fyrsmithlabs/nutrictx/internal/vectorstore"
)

// ErrNoSink is returned by OnEntityChanged when no ingest sink is wired.
var ErrNoSink = errors.New("no ingest sink configured")

// Stats describes a user's vector index.
type Stats struct {
	UserID       string                            `json:"user_id"`
	TotalVectors int                               `json:"total_vectors"`
	DataTypes    map[nutrition.DataType]int        `json:"data_types"`
	LastUpdated  map[nutrition.DataType]*time.Time `json:"last_updated"`
}

// Options wires a Service. Router, Assembler, Pipeline, Coordinator,
// Tracker and Store are required.
type Options struct {
	Router      *retrieval.Router
	Assembler   *assemble.Assembler
	Pipeline    *ingest.Pipeline
	Coordinator *bulk.Coordinator
	Tracker     staleness.Tracker
	Store       vectorstore.Store
	// Sink receives change events. Nil disables OnEntityChanged.
	Sink ingest.Sink
	// StalenessTTL is the age after which a type is rebuilt following a
	// query. Zero disables rebuilds on the query path.
	StalenessTTL time.Duration
	Logger       *zap.Logger
}

// Service is the exposed API of the context subsystem.
type Service struct {
	router      *retrieval.Router
	assembler   *assemble.Assembler
	pipeline    *ingest.Pipeline
	coordinator *bulk.Coordinator
	tracker     staleness.Tracker
	store       vectorstore.Store
	sink        ingest.Sink
	ttl         time.Duration
	logger      *logging.Logger

	// background holds query-triggered staleness checks.
	background sync.WaitGroup
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Router == nil:
		return nil, errors.New("router is required")
	case opts.Assembler == nil:
		return nil, errors.New("assembler is required")
	case opts.Pipeline == nil:
		return nil, errors.New("pipeline is required")
	case opts.Coordinator == nil:
		return nil, errors.New("coordinator is required")
	case opts.Tracker == nil:
		return nil, errors.New("tracker is required")
	case opts.Store == nil:
		return nil, errors.New("store is required")
	}
	return &Service{
		router:      opts.Router,
		assembler:   opts.Assembler,
		pipeline:    opts.Pipeline,
		coordinator: opts.Coordinator,
		tracker:     opts.Tracker,
		store:       opts.Store,
		sink:        opts.Sink,
		ttl:         opts.StalenessTTL,
		logger:      logging.Wrap(opts.Logger).Named("service"),
	}, nil
}

// GetRelevantContext retrieves and assembles context for query. dataTypes
// restricts the search; empty lets the query decide. Provider failures
// yield a degraded context, not an error.
func (s *Service) GetRelevantContext(ctx context.Context, userID, query string, dataTypes []nutrition.DataType) (*assemble.Context, error) {
	ctx = logging.WithUserID(ctx, userID)
	out, err := s.router.Retrieve(ctx, retrieval.Request{UserID: userID, Query: query, DataTypes: dataTypes})
	if err != nil {
		return nil, err
	}
	result := s.assembler.Assemble(query, out)

	if s.ttl > 0 {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			bctx := context.WithoutCancel(ctx)
			if _, err := s.ScheduleRebuildIfStale(bctx, userID); err != nil {
				s.logger.Warn(bctx, "staleness check failed", zap.Error(err))
			}
		}()
	}
	return result, nil
}

// BulkVectorize starts a background rebuild and returns its job id.
// Empty dataTypes rebuilds every type.
func (s *Service) BulkVectorize(ctx context.Context, userID string, dataTypes []nutrition.DataType, force bool) (string, error) {
	id, err := s.coordinator.Start(ctx, bulk.Request{UserID: userID, DataTypes: dataTypes, ForceRebuild: force})
	if err != nil {
		return "", err
	}
	s.logger.Info(logging.WithJobID(logging.WithUserID(ctx, userID), id), "bulk vectorization requested",
		zap.Bool("force", force))
	return id, nil
}

// BulkVectorizeSync rebuilds in the caller's goroutine and returns the report.
func (s *Service) BulkVectorizeSync(ctx context.Context, userID string, dataTypes []nutrition.DataType, force bool) (*bulk.Report, error) {
	return s.coordinator.Run(ctx, bulk.Request{UserID: userID, DataTypes: dataTypes, ForceRebuild: force})
}

// BulkStatus returns the user's latest bulk job.
func (s *Service) BulkStatus(userID string) (bulk.Status, bool) {
	return s.coordinator.Status(userID)
}

// CancelBulk stops the user's running bulk job.
func (s *Service) CancelBulk(userID string) bool {
	return s.coordinator.Cancel(userID)
}

// Invalidate deletes the user's vectors for dataType, or for every type
// when dataType is nil, and forgets their staleness records so the next
// check rebuilds them. A bulk job running for the user is cancelled and
// awaited first; a job started after that can still refill the namespace.
func (s *Service) Invalidate(ctx context.Context, userID string, dataType *nutrition.DataType) error {
	if err := nutrition.ValidateUserID(userID); err != nil {
		return err
	}
	ctx = logging.WithUserID(ctx, userID)
	types := nutrition.AllDataTypes()
	if dataType != nil {
		if !dataType.Valid() {
			return fmt.Errorf("%w: %q", nutrition.ErrUnknownDataType, *dataType)
		}
		types = []nutrition.DataType{*dataType}
	}

	if err := s.coordinator.CancelAndWait(ctx, userID); err != nil {
		return fmt.Errorf("stopping running job: %w", err)
	}

	var errs []error
	for _, dt := range types {
		if err := s.pipeline.InvalidateType(ctx, userID, dt); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.tracker.Forget(ctx, userID, dt); err != nil {
			errs = append(errs, fmt.Errorf("forget %s: %w", dt, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info(ctx, "vectors invalidated", zap.Int("types", len(types)))
	return nil
}

// Stats counts the user's vectors per type.
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	if err := nutrition.ValidateUserID(userID); err != nil {
		return nil, err
	}
	st := &Stats{
		UserID:      userID,
		DataTypes:   make(map[nutrition.DataType]int),
		LastUpdated: make(map[nutrition.DataType]*time.Time),
	}
	for _, dt := range nutrition.AllDataTypes() {
		n, err := s.store.Count(ctx, nutrition.Namespace(userID, dt))
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", dt, err)
		}
		st.DataTypes[dt] = n
		st.TotalVectors += n

		rec, ok, err := s.tracker.Get(ctx, userID, dt)
		if err != nil {
			return nil, fmt.Errorf("staleness %s: %w", dt, err)
		}
		if ok {
			at := rec.LastVectorizedAt
			st.LastUpdated[dt] = &at
		} else {
			st.LastUpdated[dt] = nil
		}
	}
	return st, nil
}

// OnEntityChanged hands a domain change to the ingest sink. It never waits
// for the entity to be embedded.
func (s *Service) OnEntityChanged(ctx context.Context, ev ingest.Event) error {
	if s.sink == nil {
		return ErrNoSink
	}
	if err := s.sink.Enqueue(ev); err != nil {
		s.logger.Warn(logging.WithUserID(ctx, ev.UserID), "entity change dropped",
			zap.String("data_type", string(ev.DataType)),
			zap.String("entity.id", ev.EntityID),
			zap.Error(err))
		return err
	}
	return nil
}

// RebuildStale starts a rebuild of the user's types older than ttl. A job
// already running for the user is not an error; it returns no job id.
func (s *Service) RebuildStale(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	id, err := s.coordinator.RebuildStale(ctx, userID, ttl)
	if errors.Is(err, bulk.ErrJobRunning) {
		return "", nil
	}
	return id, err
}

// ScheduleRebuildIfStale applies RebuildStale with the configured TTL.
func (s *Service) ScheduleRebuildIfStale(ctx context.Context, userID string) (string, error) {
	if s.ttl <= 0 {
		return "", nil
	}
	id, err := s.RebuildStale(ctx, userID, s.ttl)
	if err != nil {
		return "", err
	}
	if id != "" {
		s.logger.Info(logging.WithJobID(logging.WithUserID(ctx, userID), id), "stale vectors scheduled for rebuild")
	}
	return id, nil
}

// Users lists users with staleness records.
func (s *Service) Users(ctx context.Context) ([]string, error) {
	return s.tracker.Users(ctx)
}

// Wait blocks until query-triggered staleness checks have returned.
func (s *Service) Wait() {
	s.background.Wait()
}
