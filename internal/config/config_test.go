package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://graph.facebook.com", cfg.Graph.BaseURL)
	assert.Equal(t, 3, cfg.Extractor.MaxRetries)
	assert.Equal(t, 1500*time.Millisecond, cfg.Extractor.BaseDelay)
	assert.Equal(t, time.Second, cfg.Extractor.InterPageDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Extractor.InterPageJitter)
	assert.Equal(t, 2, cfg.Extractor.StallThreshold)
	assert.Equal(t, 10, cfg.Extractor.EstimateFactor)
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.Elasticsearch.Addresses)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.True(t, cfg.Export.BOM)
	assert.False(t, cfg.Pipeline.Queue)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extractor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
graph:
  access_token: from-file
  page_size: 25
extractor:
  max_retries: 5
  base_delay: 2s
export:
  columns: [key, message]
postgres:
  enabled: true
`), 0o644))

	t.Setenv("EXTRACTOR_GRAPH_ACCESS_TOKEN", "from-env")
	t.Setenv("EXTRACTOR_EXTRACTOR_INTER_PAGE_DELAY", "250ms")
	t.Setenv("EXTRACTOR_REDIS_ADDR", "redis:6380")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Graph.AccessToken, "env overrides file")
	assert.Equal(t, 25, cfg.Graph.PageSize)
	assert.Equal(t, 5, cfg.Extractor.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Extractor.BaseDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Extractor.InterPageDelay)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"key", "message"}, cfg.Export.Columns)
	assert.True(t, cfg.Postgres.Enabled)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("EXTRACTOR_EXTRACTOR_STALL_THRESHOLD", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stall_threshold")
}

func TestExtractorOptions(t *testing.T) {
	cfg := &Config{Extractor: ExtractorConfig{
		MaxRetries:      4,
		BaseDelay:       time.Second,
		InterPageDelay:  2 * time.Second,
		InterPageJitter: 3 * time.Second,
		StallThreshold:  5,
		EstimateFactor:  6,
	}}

	opts := cfg.ExtractorOptions()
	assert.Equal(t, 4, opts.MaxRetries)
	assert.Equal(t, time.Second, opts.BaseDelay)
	assert.Equal(t, 2*time.Second, opts.InterPageDelay)
	assert.Equal(t, 3*time.Second, opts.InterPageJitter)
	assert.Equal(t, 5, opts.StallThreshold)
	assert.Equal(t, 6, opts.EstimateFactor)
	assert.Nil(t, opts.Observer)
}
