package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/nutrictx/internal/assemble"
	"github.com/fyrsmithlabs/nutrictx/internal/bulk"
	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/fyrsmithlabs/nutrictx/internal/datastore"
	"github.com/fyrsmithlabs/nutrictx/internal/embeddings"
	"github.com/fyrsmithlabs/nutrictx/internal/ingest"
	"github.com/fyrsmithlabs/nutrictx/internal/normalize"
	"github.com/fyrsmithlabs/nutrictx/internal/postgres"
	"github.com/fyrsmithlabs/nutrictx/internal/retrieval"
	"github.com/fyrsmithlabs/nutrictx/internal/staleness"
	"github.com/fyrsmithlabs/nutrictx/internal/vectorstore"
)

// Registry owns every component built from configuration.
type Registry struct {
	service     *Service
	db          *sqlx.DB
	embedder    *embeddings.Client
	store       vectorstore.Store
	tracker     staleness.Tracker
	source      datastore.Datastore
	coordinator *bulk.Coordinator
	queue       *ingest.Queue
	nc          *nats.Conn
	transport   *ingest.NATSTransport
	logger      *zap.Logger
}

// NewRegistry builds the component graph described by cfg. On error every
// component built so far is closed.
func NewRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Registry, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	defer func() {
		if err != nil {
			_ = r.Close(context.Background())
		}
	}()

	if needsPostgres(cfg) {
		if r.db, err = postgres.Open(ctx, cfg.Postgres); err != nil {
			return nil, err
		}
	}

	provider, err := embeddings.NewProvider(ctx, cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	r.embedder = embeddings.NewClient(provider, embeddings.ClientConfigFrom(cfg.Embeddings), logger)

	if r.store, err = vectorstore.NewStore(ctx, cfg.VectorStore, r.embedder.Dimension(), r.db, logger); err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}

	switch cfg.Staleness.Backend {
	case "postgres":
		tracker, err := staleness.NewPGTracker(ctx, r.db)
		if err != nil {
			return nil, fmt.Errorf("staleness tracker: %w", err)
		}
		r.tracker = tracker
	default:
		r.tracker = staleness.NewMemoryTracker()
	}

	switch cfg.Datastore.Backend {
	case "postgres":
		r.source = datastore.NewPGDatastore(r.db)
	default:
		r.source = datastore.NewMemoryDatastore()
	}

	pipeline := ingest.NewPipeline(normalize.New(), r.embedder, r.store, ingest.ConfigFrom(cfg.Ingest), logger)
	router := retrieval.NewRouter(r.embedder, r.store, retrieval.ConfigFrom(cfg.Retrieval), logger)
	r.coordinator = bulk.NewCoordinator(pipeline, r.source, r.tracker, bulk.ConfigFrom(cfg.Bulk), logger)

	r.queue = ingest.NewQueue(pipeline, ingest.QueueConfigFrom(cfg.Ingest), logger)
	r.queue.Start()
	var sink ingest.Sink = r.queue
	if cfg.NATS.Enabled {
		if r.nc, err = ingest.Connect(cfg.NATS); err != nil {
			return nil, err
		}
		r.transport = ingest.NewNATSTransport(r.nc, cfg.NATS, logger)
		if err = r.transport.Subscribe(r.queue); err != nil {
			return nil, err
		}
		sink = r.transport
	}

	r.service, err = New(Options{
		Router:       router,
		Assembler:    assemble.New(assemble.ConfigFrom(cfg.Assemble)),
		Pipeline:     pipeline,
		Coordinator:  r.coordinator,
		Tracker:      r.tracker,
		Store:        r.store,
		Sink:         sink,
		StalenessTTL: cfg.Staleness.TTL.Duration(),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("services ready",
		zap.String("embeddings.provider", cfg.Embeddings.Provider),
		zap.Int("embeddings.dimension", r.embedder.Dimension()),
		zap.String("vectorstore.provider", cfg.VectorStore.Provider),
		zap.String("staleness.backend", cfg.Staleness.Backend),
		zap.String("datastore.backend", cfg.Datastore.Backend),
		zap.Bool("nats.enabled", cfg.NATS.Enabled))
	return r, nil
}

func needsPostgres(cfg *config.Config) bool {
	return cfg.VectorStore.Provider == "postgres" ||
		cfg.Staleness.Backend == "postgres" ||
		cfg.Datastore.Backend == "postgres"
}

func (r *Registry) Service() *Service              { return r.service }
func (r *Registry) Store() vectorstore.Store       { return r.store }
func (r *Registry) Tracker() staleness.Tracker     { return r.tracker }
func (r *Registry) Datastore() datastore.Datastore { return r.source }
func (r *Registry) Coordinator() *bulk.Coordinator { return r.coordinator }
func (r *Registry) Embedder() *embeddings.Client   { return r.embedder }

// Close shuts components down in reverse dependency order. Queued events
// are drained before bulk jobs are cancelled.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	if r.transport != nil {
		errs = append(errs, r.transport.Close())
	}
	if r.nc != nil {
		r.nc.Close()
	}
	if r.queue != nil {
		errs = append(errs, r.queue.Close(ctx))
	}
	if r.service != nil {
		r.service.Wait()
	}
	if r.coordinator != nil {
		errs = append(errs, r.coordinator.Close(ctx))
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.embedder != nil {
		errs = append(errs, r.embedder.Close())
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
	}
	return errors.Join(errs...)
}
