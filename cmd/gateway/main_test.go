package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/internal/infra/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fieldgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRunStartsAndStopsOnCancel(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, fmt.Sprintf(`
environment: dev
dataFolder: %s
logging:
  level: info
  format: json
apiServer:
  addr: 127.0.0.1:0
database:
  driver: memory
engine:
  shutdownTimeout: 5s
scanModes:
  - id: every-second
    name: Every second
    cron: "* * * * * *"
north:
  - id: console
    type: console
    subscriptions: [plc]
    caching:
      trigger:
        scanModeId: every-second
south:
  - id: plc
    type: fake
    items:
      - id: t1
        name: temperature
        scanModeId: every-second
`, dataDir))

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	var logs bytes.Buffer
	require.NoError(t, run(ctx, path, &logs))

	out := logs.String()
	require.Contains(t, out, "control API listening")
	require.Contains(t, out, "gateway started")
	require.Contains(t, out, "shutdown completed")
	require.DirExists(t, filepath.Join(dataDir, "cache"))
}

func TestRunRejectsUnknownConnectorType(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(`
dataFolder: %s
database:
  driver: memory
north:
  - id: sink
    type: carrier-pigeon
    caching:
      trigger:
        numberOfElements: 10
`, t.TempDir()))

	var logs bytes.Buffer
	err := run(context.Background(), path, &logs)
	require.Error(t, err)
	require.Contains(t, err.Error(), "north sink")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "environment: moon\n")
	err := run(context.Background(), path, &bytes.Buffer{})
	require.ErrorContains(t, err, "load config")
}

func TestTelemetryConfigPrefersFileSettings(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := telemetryConfig(config.AppConfig{Environment: config.EnvStaging})
	require.False(t, cfg.Enabled)
	require.Equal(t, "staging", cfg.Environment)

	cfg = telemetryConfig(config.AppConfig{
		Environment: config.EnvProd,
		Telemetry: config.TelemetryConfig{
			OTLPEndpoint:   "collector:4318",
			ServiceName:    "edge-gw",
			EnableMetrics:  true,
			ExportInterval: 10 * time.Second,
		},
	})
	require.True(t, cfg.Enabled)
	require.Equal(t, "collector:4318", cfg.OTLPEndpoint)
	require.Equal(t, "edge-gw", cfg.ServiceName)
	require.Equal(t, 10*time.Second, cfg.MetricInterval)
}
