package ingest

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
)

var (
	// ErrQueueFull is returned by Enqueue when the buffer is full.
	ErrQueueFull = errors.New("ingest queue full")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("ingest queue closed")
)

// Sink accepts events for asynchronous processing.
type Sink interface {
	Enqueue(ev Event) error
}

// Processor handles one event. *Pipeline implements it.
type Processor interface {
	Ingest(ctx context.Context, ev Event) Job
}

// QueueConfig sizes the worker pool.
type QueueConfig struct {
	Workers int
	Size    int
}

// QueueConfigFrom maps the ingest section of the service config.
func QueueConfigFrom(cfg config.IngestConfig) QueueConfig {
	return QueueConfig{Workers: cfg.Workers, Size: cfg.QueueSize}
}

// Queue is a bounded buffer drained by a fixed pool of workers.
type Queue struct {
	processor Processor
	workers   int
	events    chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	logger *zap.Logger
}

// NewQueue creates a queue. Call Start to launch the workers.
func NewQueue(p Processor, cfg QueueConfig, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Size <= 0 {
		cfg.Size = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		processor: p,
		workers:   cfg.Workers,
		events:    make(chan Event, cfg.Size),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("ingest.queue"),
	}
}

// Start launches the workers.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work()
		}()
	}
	q.logger.Info("ingest workers started", zap.Int("workers", q.workers), zap.Int("capacity", cap(q.events)))
}

func (q *Queue) work() {
	for ev := range q.events {
		QueueDepth.Dec()
		job := q.processor.Ingest(q.ctx, ev)
		if job.State == StateFailed {
			q.logger.Debug("queued event failed",
				zap.String("job.id", job.ID),
				zap.String("user.id", ev.UserID),
				zap.Error(job.Err))
		}
	}
}

// Enqueue adds an event without blocking. Invalid events are rejected
// immediately.
func (q *Queue) Enqueue(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.events <- ev:
		QueueDepth.Inc()
		return nil
	default:
		QueueDroppedTotal.Inc()
		q.logger.Warn("ingest queue full, dropping event",
			zap.String("user.id", ev.UserID),
			zap.String("data_type", string(ev.DataType)),
			zap.String("entity_id", ev.EntityID))
		return ErrQueueFull
	}
}

// Len returns the number of events waiting.
func (q *Queue) Len() int {
	return len(q.events)
}

// Close stops accepting events and waits for queued ones to finish. If ctx
// ends first, in-flight jobs are cancelled and ctx.Err() is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
