package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.InDelta(t, 0.3, cfg.Lifecycle.EMAAlpha, 1e-9)
	assert.Equal(t, 5, cfg.Lifecycle.SoftLimit)
	assert.Equal(t, 10, cfg.Lifecycle.HardLimit)
	assert.Equal(t, 2000, cfg.Distill.TokenBudget)
	assert.InDelta(t, 0.05, cfg.Fraud.PriorFraudRate, 1e-9)
	assert.Equal(t, 5000, cfg.Context.MaxTokens)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout())
	assert.Equal(t, 600*time.Second, cfg.MaxTimeout())
	assert.Contains(t, cfg.DatabasePath(), filepath.Join("memory", "index.db"))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Distill.TokenBudget)
}

func TestLoadAndProjectOverride(t *testing.T) {
	dir := t.TempDir()
	global := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(global, []byte(`
data_root: /tmp/elf-global
distill:
  token_budget: 3000
  half_life_days: 14
context:
  max_tokens: 4000
`), 0o644))

	project := filepath.Join(dir, ".elf.yaml")
	require.NoError(t, os.WriteFile(project, []byte(`
distill:
  token_budget: 1500
`), 0o644))

	cfg, err := LoadWithProjectOverride(global, project)
	require.NoError(t, err)

	// Project wins where it speaks; global survives where it does not.
	assert.Equal(t, 1500, cfg.Distill.TokenBudget)
	assert.InDelta(t, 14.0, cfg.Distill.HalfLifeDays, 1e-9)
	assert.Equal(t, 4000, cfg.Context.MaxTokens)
	assert.Equal(t, "/tmp/elf-global", cfg.DataRoot)
	// Untouched sections keep their defaults.
	assert.InDelta(t, 0.05, cfg.Fraud.PriorFraudRate, 1e-9)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ELF_DATA_ROOT", "/tmp/elf-env")
	t.Setenv("ELF_EMBEDDING_ENDPOINT", "http://localhost:9999")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/elf-env", cfg.DataRoot)
	assert.Equal(t, "http://localhost:9999", cfg.Embedding.Endpoint)
	assert.Equal(t, "local", cfg.Embedding.Provider)
}
