package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "auto", cfg.Backend)
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, DefaultMaxTokens, cfg.MaxTokens)
	assert.False(t, cfg.Thinking.Enabled)

	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 15*time.Second, cfg.Poll.BackoffBase)
	assert.Equal(t, 1.7, cfg.Poll.BackoffFactor)
	assert.Equal(t, 300*time.Second, cfg.Poll.BackoffCap)
	assert.Equal(t, 0.25, cfg.Poll.BackoffJitter)

	assert.Equal(t, 120*time.Second, cfg.Direct.Timeout)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.NotEmpty(t, cfg.BaseDir)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gobatch.yaml")
	content := `
base_dir: /var/lib/gobatch
backend: direct
model: claude-haiku-4-5
max_tokens: 2048
thinking:
  enabled: true
  budget_tokens: 1024
poll:
  interval: 10s
  rate_limit: 2.5
direct:
  api_key: sk-test
  timeout: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/gobatch", cfg.BaseDir)
	assert.Equal(t, "direct", cfg.Backend)
	assert.Equal(t, "claude-haiku-4-5", cfg.Model)
	assert.Equal(t, 2048, cfg.MaxTokens)
	assert.True(t, cfg.Thinking.Enabled)
	assert.Equal(t, 1024, cfg.Thinking.BudgetTokens)
	assert.Equal(t, 10*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 2.5, cfg.Poll.RateLimit)
	assert.Equal(t, "sk-test", cfg.Direct.APIKey)
	assert.Equal(t, 45*time.Second, cfg.Direct.Timeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GOBATCH_DIRECT_API_KEY", "sk-from-env")
	t.Setenv("GOBATCH_MAX_TOKENS", "512")
	t.Setenv("GOBATCH_STAGED_BUCKET", "batch-artifacts")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-from-env", cfg.Direct.APIKey)
	assert.Equal(t, 512, cfg.MaxTokens)
	assert.Equal(t, "batch-artifacts", cfg.Staged.Bucket)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("invalid backend", func(t *testing.T) {
		t.Setenv("GOBATCH_BACKEND", "carrier-pigeon")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backend")
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
}

func TestBackendAvailability(t *testing.T) {
	cfg := &Config{}
	assert.False(t, cfg.HasDirect())
	assert.False(t, cfg.HasStaged())

	cfg.Direct.APIKey = "sk-x"
	assert.True(t, cfg.HasDirect())

	cfg.Staged = StagedConfig{Project: "p", Location: "us-central1", Token: "tok"}
	assert.False(t, cfg.HasStaged(), "bucket is required for staging")
	cfg.Staged.Bucket = "b"
	assert.True(t, cfg.HasStaged())
}
