package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024
	envPrefix         = "NUTRICTX_"
)

// defaults is loaded before the config file so every key has a value.
const defaults = `
server:
  host: 127.0.0.1
  http_port: 8087
  shutdown_timeout: 10s
logging:
  level: info
  format: json
  otel: false
telemetry:
  enabled: false
  endpoint: localhost:4317
  protocol: grpc
  insecure: true
  service_name: nutrictx
  service_version: 0.1.0
  sampling_rate: 1.0
  metrics_enabled: true
  export_interval: 15s
embeddings:
  provider: hash
  base_url: http://localhost:8080
  model: BAAI/bge-small-en-v1.5
  dimension: 384
  timeout: 10s
  max_attempts: 3
  base_backoff: 200ms
  max_backoff: 2s
  batch_size: 32
  rate_limit: 20
  rate_burst: 10
  cache_size: 1024
  cache_ttl: 10m
vectorstore:
  provider: chromem
  chromem_compress: false
  qdrant_host: localhost
  qdrant_port: 6334
  qdrant_use_tls: false
  postgres_table: vector_chunks
retrieval:
  relevance_floor: 0.3
  top_k: 15
  per_namespace_top_k: 10
  namespace_timeout: 5s
  query_embed_timeout: 5s
  max_parallel: 5
assemble:
  max_chars: 8000
  max_per_bucket: 5
  high_band: 0.8
  medium_band: 0.6
ingest:
  workers: 4
  queue_size: 256
  timeout: 30s
  store_batch_size: 50
bulk:
  batch_size: 50
  inter_batch_delay: 100ms
staleness:
  backend: memory
  ttl: 24h
datastore:
  backend: memory
nats:
  enabled: false
  url: nats://127.0.0.1:4222
  subject_prefix: nutrictx.ingest
  queue_group: nutrictx-ingest
postgres:
  max_open_conns: 10
schedule:
  enabled: false
  sweep_spec: "*/30 * * * *"
`

// Default returns the built-in configuration without reading files or env.
func Default() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal defaults: %w", err)
	}
	return &cfg, nil
}

// LoadWithFile loads defaults, then the YAML file, then NUTRICTX_* environment variables.
//
// Environment variables map SECTION_FIELD to section.field, splitting on the first
// underscore after the prefix:
//
//	NUTRICTX_RETRIEVAL_RELEVANCE_FLOOR -> retrieval.relevance_floor
//	NUTRICTX_VECTORSTORE_QDRANT_HOST   -> vectorstore.qdrant_host
//
// An empty configPath uses ~/.config/nutrictx/config.yaml. Config files must live
// under ~/.config/nutrictx/ or /etc/nutrictx/, be at most 1MB, and have 0600 or 0400
// permissions. A missing file is not an error.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaults)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "nutrictx", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps NUTRICTX_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Stat the open descriptor, not the path, so the checked file is the read file.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/nutrictx with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "nutrictx")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	for _, dir := range []string{filepath.Join(home, ".config", "nutrictx"), "/etc/nutrictx"} {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/nutrictx/ or /etc/nutrictx/")
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
