package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/nutrictx/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())

	require.NoError(t, tel.ForceFlush(context.Background()))
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_LogExport(t *testing.T) {
	t.Run("disabled telemetry has no log provider", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.LogsEnabled = true
		tel, err := New(context.Background(), cfg, nil)
		require.NoError(t, err)
		assert.Nil(t, tel.LoggerProvider())
	})

	for _, protocol := range []string{"grpc", "http/protobuf"} {
		t.Run(protocol, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			cfg.Endpoint = "localhost:4317"
			cfg.Protocol = protocol
			cfg.Insecure = true
			cfg.MetricsEnabled = false
			cfg.LogsEnabled = true
			cfg.ShutdownTimeout = time.Second

			tel, err := New(context.Background(), cfg, nil)
			require.NoError(t, err)
			assert.Empty(t, tel.Health().Reasons)

			lp := tel.LoggerProvider()
			require.NotNil(t, lp)
			assert.Same(t, lp, global.GetLoggerProvider())

			_ = tel.Shutdown(context.Background())
			assert.False(t, tel.Health().Healthy)
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""

	tel, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled skips checks", mutate: func(c *Config) { c.Endpoint = "" }},
		{name: "local insecure", mutate: func(c *Config) { c.Enabled = true }},
		{name: "remote insecure", mutate: func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, wantErr: "insecure"},
		{name: "remote tls", mutate: func(c *Config) { c.Enabled = true; c.Insecure = false; c.Endpoint = "otel.example.com:4317" }},
		{name: "bad protocol", mutate: func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, wantErr: "protocol"},
		{name: "bad sampling", mutate: func(c *Config) { c.Enabled = true; c.SamplingRate = 2 }, wantErr: "sampling rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.TelemetryConfig{
		Enabled:        true,
		Endpoint:       "https://collector:4318",
		Protocol:       "http/protobuf",
		ServiceName:    "nutrictx",
		ServiceVersion: "1.2.3",
		SamplingRate:   0.5,
		ExportInterval: config.Duration(30 * time.Second),
	})

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, 30*time.Second, cfg.ExportInterval)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.True(t, isLocalEndpoint("http://localhost:4318"))
	assert.False(t, isLocalEndpoint("collector.prod:4317"))
}

func TestNewResource(t *testing.T) {
	res := newResource(NewDefaultConfig())

	var found bool
	for _, attr := range res.Attributes() {
		if attr.Key == "service.name" {
			assert.Equal(t, "nutrictx", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.Equal(t, HealthStatus{Degraded: true}, tel.Health())
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "retrieval.query")
	span.SetAttributes(attribute.String("user.id", "u1"), attribute.Int64("namespaces", 5))
	span.End()

	tt.AssertSpanExists(t, "retrieval.query")
	tt.AssertSpanAttribute(t, "retrieval.query", "user.id", "u1")
	tt.AssertSpanAttribute(t, "retrieval.query", "namespaces", int64(5))

	counter, err := tt.Meter("test").Int64Counter("nutrictx.test.count")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	assert.Contains(t, tt.MetricNames(context.Background()), "nutrictx.test.count")
	require.NoError(t, tt.Shutdown(context.Background()))
}
