// Package config loads nutrictx configuration from defaults, a YAML file, and the environment.
package config

import (
	"errors"
	"fmt"
)

// Config holds the complete nutrictx configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Assemble    AssembleConfig    `koanf:"assemble"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Bulk        BulkConfig        `koanf:"bulk"`
	Staleness   StalenessConfig   `koanf:"staleness"`
	Datastore   DatastoreConfig   `koanf:"datastore"`
	NATS        NATSConfig        `koanf:"nats"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Schedule    ScheduleConfig    `koanf:"schedule"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects level, format and outputs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// EmbeddingsConfig selects the embedding provider and its resilience settings.
type EmbeddingsConfig struct {
	Provider    string   `koanf:"provider"` // hash, tei, gemini, fastembed
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	CacheDir    string   `koanf:"cache_dir"`
	Dimension   int      `koanf:"dimension"`
	Timeout     Duration `koanf:"timeout"`
	MaxAttempts int      `koanf:"max_attempts"`
	BaseBackoff Duration `koanf:"base_backoff"`
	MaxBackoff  Duration `koanf:"max_backoff"`
	BatchSize   int      `koanf:"batch_size"`
	RateLimit   float64  `koanf:"rate_limit"` // requests per second, 0 disables
	RateBurst   int      `koanf:"rate_burst"`
	CacheSize   int      `koanf:"cache_size"` // query embedding cache entries, 0 disables
	CacheTTL    Duration `koanf:"cache_ttl"`
}

// VectorStoreConfig selects the vector store backend.
type VectorStoreConfig struct {
	Provider        string `koanf:"provider"` // chromem, qdrant, postgres
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`
	QdrantHost      string `koanf:"qdrant_host"`
	QdrantPort      int    `koanf:"qdrant_port"`
	QdrantAPIKey    Secret `koanf:"qdrant_api_key"`
	QdrantUseTLS    bool   `koanf:"qdrant_use_tls"`
	PostgresTable   string `koanf:"postgres_table"`
}

// RetrievalConfig tunes the query fan-out and ranking.
type RetrievalConfig struct {
	RelevanceFloor    float64  `koanf:"relevance_floor"`
	TopK              int      `koanf:"top_k"`
	PerNamespaceTopK  int      `koanf:"per_namespace_top_k"`
	NamespaceTimeout  Duration `koanf:"namespace_timeout"`
	QueryEmbedTimeout Duration `koanf:"query_embed_timeout"`
	MaxParallel       int      `koanf:"max_parallel"`
}

// AssembleConfig tunes context summary construction.
type AssembleConfig struct {
	MaxChars     int     `koanf:"max_chars"`
	MaxPerBucket int     `koanf:"max_per_bucket"`
	HighBand     float64 `koanf:"high_band"`
	MediumBand   float64 `koanf:"medium_band"`
}

// IngestConfig tunes the event worker pool.
type IngestConfig struct {
	Workers        int      `koanf:"workers"`
	QueueSize      int      `koanf:"queue_size"`
	Timeout        Duration `koanf:"timeout"`
	StoreBatchSize int      `koanf:"store_batch_size"`
}

// BulkConfig tunes bulk vectorization.
type BulkConfig struct {
	BatchSize       int      `koanf:"batch_size"`
	InterBatchDelay Duration `koanf:"inter_batch_delay"`
}

// StalenessConfig selects the staleness tracker backend.
type StalenessConfig struct {
	Backend string   `koanf:"backend"` // memory, postgres
	TTL     Duration `koanf:"ttl"`
}

// DatastoreConfig selects where source entities are read from.
type DatastoreConfig struct {
	Backend string `koanf:"backend"` // memory, postgres
}

// NATSConfig enables message-based ingestion.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	QueueGroup    string `koanf:"queue_group"`
}

// PostgresConfig holds the shared database connection.
type PostgresConfig struct {
	DSN          Secret `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

// ScheduleConfig controls the periodic staleness sweep.
type ScheduleConfig struct {
	Enabled   bool   `koanf:"enabled"`
	SweepSpec string `koanf:"sweep_spec"`
}

// usesPostgres reports whether any component is backed by Postgres.
func (c *Config) usesPostgres() bool {
	return c.VectorStore.Provider == "postgres" ||
		c.Staleness.Backend == "postgres" ||
		c.Datastore.Backend == "postgres"
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	switch c.Embeddings.Provider {
	case "hash", "fastembed":
	case "tei":
		if c.Embeddings.BaseURL == "" {
			errs = append(errs, errors.New("embeddings.base_url is required for tei"))
		}
	case "gemini":
		if !c.Embeddings.APIKey.IsSet() {
			errs = append(errs, errors.New("embeddings.api_key is required for gemini"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimension <= 0 {
		errs = append(errs, errors.New("embeddings.dimension must be positive"))
	}
	if c.Embeddings.MaxAttempts < 1 {
		errs = append(errs, errors.New("embeddings.max_attempts must be at least 1"))
	}

	switch c.VectorStore.Provider {
	case "chromem", "postgres":
	case "qdrant":
		if c.VectorStore.QdrantHost == "" {
			errs = append(errs, errors.New("vectorstore.qdrant_host is required for qdrant"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider))
	}

	if c.Retrieval.RelevanceFloor < 0 || c.Retrieval.RelevanceFloor > 1 {
		errs = append(errs, fmt.Errorf("retrieval.relevance_floor must be in [0,1], got %v", c.Retrieval.RelevanceFloor))
	}
	if c.Retrieval.NamespaceTimeout <= 0 || c.Retrieval.QueryEmbedTimeout <= 0 {
		errs = append(errs, errors.New("retrieval.namespace_timeout and retrieval.query_embed_timeout must be positive"))
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, errors.New("retrieval.top_k must be positive"))
	}
	if c.Assemble.MediumBand > c.Assemble.HighBand {
		errs = append(errs, errors.New("assemble.medium_band must not exceed assemble.high_band"))
	}
	if c.Assemble.MaxChars < 1 || c.Assemble.MaxPerBucket < 1 {
		errs = append(errs, errors.New("assemble.max_chars and assemble.max_per_bucket must be positive"))
	}
	if c.Ingest.Workers < 1 || c.Ingest.QueueSize < 1 {
		errs = append(errs, errors.New("ingest.workers and ingest.queue_size must be positive"))
	}
	if c.Bulk.BatchSize < 1 {
		errs = append(errs, errors.New("bulk.batch_size must be positive"))
	}

	for _, backend := range []string{c.Staleness.Backend, c.Datastore.Backend} {
		if backend != "memory" && backend != "postgres" {
			errs = append(errs, fmt.Errorf("unknown backend %q (must be memory or postgres)", backend))
		}
	}
	if c.usesPostgres() && !c.Postgres.DSN.IsSet() {
		errs = append(errs, errors.New("postgres.dsn is required when a postgres backend is selected"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
