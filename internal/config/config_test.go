package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	content := `
base_url: http://geo.local:9000/
mode: SYNC
concurrency: 3
request_timeout: 5s
offline:
  scale: 20
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cadastral.yaml"), []byte(content), 0o644))
	t.Setenv("CADASTRAL_CONCURRENCY", "4")
	t.Setenv("CADASTRAL_LOG_FILE", "batch.log")
	t.Setenv("CADASTRAL_OUTPUT_DIR", "salida")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://geo.local:9000", cfg.BaseURL)
	assert.Equal(t, ModeSync, cfg.Mode)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 20.0, cfg.Offline.Scale)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "batch.log", cfg.Log.File)
	assert.Equal(t, "salida", cfg.OutputDir)
	assert.Equal(t, DefaultResultSuffix, cfg.ResultSuffix)
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: batch\n"), 0o644))
	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid mode")
}

func TestNormalize(t *testing.T) {
	got := Normalize(Config{Mode: " Offline ", Concurrency: -2, Offline: OfflineConfig{Scale: -1}, Log: LogConfig{Level: "WARN"}})
	assert.Equal(t, ModeOffline, got.Mode)
	assert.Equal(t, DefaultConcurrency, got.Concurrency)
	assert.Equal(t, DefaultOfflineScale, got.Offline.Scale)
	assert.Equal(t, DefaultBaseURL, got.BaseURL)
	assert.Equal(t, DefaultRequestTimeout, got.RequestTimeout)
	assert.Equal(t, "warn", got.Log.Level)
	assert.NoError(t, got.Validate())
}
