package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "ledger.jsonl", cfg.Ledger.Path)
	assert.Equal(t, "policy.yaml", cfg.Policy.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1, cfg.Loop.Iterations)
	assert.Equal(t, 3, cfg.Loop.MaxRetries)
	assert.Equal(t, 1, cfg.Loop.RetryDelaySecs)
	assert.Equal(t, 30, cfg.Loop.MaxRetryDelaySecs)
	assert.Equal(t, "out", cfg.Loop.OutRoot)
	assert.Equal(t, 1, cfg.Campaign.Batches)
	assert.Equal(t, 1, cfg.Campaign.IterationsPerBatch)
	assert.Equal(t, 10, cfg.Signals.TimeoutSecs)
	assert.Equal(t, 10000, cfg.Baseline.MaxEntries)
	assert.Equal(t, []string{".git", "out"}, cfg.Baseline.Excludes)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Monitor.IntervalSecs)
	assert.Equal(t, "monitor.jsonl", cfg.Monitor.StreamPath)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/evidence
log:
  level: debug
  format: console
loop:
  iterations: 10
  max_retries: 5
signals:
  tcp_probes:
    - name: db
      address: localhost:5432
  http_probes:
    - name: api
      url: http://localhost:8080/healthz
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/evidence", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Loop.Iterations)
	assert.Equal(t, 5, cfg.Loop.MaxRetries)
	require.Len(t, cfg.Signals.TCPProbes, 1)
	assert.Equal(t, "db", cfg.Signals.TCPProbes[0].Name)
	assert.Equal(t, "localhost:5432", cfg.Signals.TCPProbes[0].Address)
	require.Len(t, cfg.Signals.HTTPProbes, 1)
	assert.Equal(t, "http://localhost:8080/healthz", cfg.Signals.HTTPProbes[0].URL)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Signals.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
ledger:
  path: file-ledger.jsonl
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))
	t.Setenv("STABILIZER_LEDGER_PATH", "env-ledger.jsonl")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-ledger.jsonl", cfg.Ledger.Path)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "not-a-level", Format: "json"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse log level")
}
