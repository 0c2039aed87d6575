// Package config models the service configuration as plain structs loaded
// once at startup. A global file under the data root is merged with an
// optional per-project override (project wins).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"elfcore/internal/logging"
)

// Config holds all knowledge-core configuration.
type Config struct {
	// DataRoot is the directory holding the store, golden rules, and logs.
	DataRoot string `yaml:"data_root"`

	Lifecycle    LifecycleConfig    `yaml:"lifecycle"`
	Distill      DistillConfig      `yaml:"distill"`
	Fraud        FraudConfig        `yaml:"fraud"`
	MetaObserver MetaObserverConfig `yaml:"meta_observer"`
	Context      ContextConfig      `yaml:"context"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	Query        QueryConfig        `yaml:"query"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// LifecycleConfig tunes the confidence engine.
type LifecycleConfig struct {
	EMAAlpha        float64 `yaml:"ema_alpha"`
	EMAWarmup       int     `yaml:"ema_warmup"`
	MinApplications int     `yaml:"min_applications"`
	DormancyFloor   float64 `yaml:"dormancy_floor"`
	SoftLimit       int     `yaml:"domain_soft_limit"`
	HardLimit       int     `yaml:"domain_hard_limit"`
}

// DistillConfig tunes pattern decay and promotion.
type DistillConfig struct {
	HalfLifeDays  float64 `yaml:"half_life_days"`
	StrengthFloor float64 `yaml:"strength_floor"`
	TokenBudget   int     `yaml:"token_budget"`
	AutoAppend    bool    `yaml:"auto_append"`
}

// FraudConfig tunes the anomaly detectors and fusion.
type FraudConfig struct {
	PriorFraudRate     float64 `yaml:"prior_fraud_rate"`
	SuccessZThreshold  float64 `yaml:"success_z_threshold"`
	SweepBatchSize     int     `yaml:"sweep_batch_size"`
	SweepStaleAfterHrs int     `yaml:"sweep_stale_after_hours"`
	ContextRetainDays  int     `yaml:"context_retain_days"`
}

// MetaObserverConfig tunes trend/anomaly detection and alerting.
type MetaObserverConfig struct {
	ZWarning          float64 `yaml:"z_warning"`
	ZCritical         float64 `yaml:"z_critical"`
	DeclineSlopePerDay float64 `yaml:"decline_slope_per_day"`
	FPRTolerance      float64 `yaml:"fpr_tolerance"`
	BootstrapDays     int     `yaml:"bootstrap_days"`
}

// ContextConfig tunes the context builder.
type ContextConfig struct {
	MaxTokens         int `yaml:"max_tokens"`
	ReserveTokens     int `yaml:"reserve_tokens"`
	GoldenCacheTTLSec int `yaml:"golden_cache_ttl_sec"`
}

// EmbeddingConfig selects the optional semantic backend.
type EmbeddingConfig struct {
	// Provider: "local" (Ollama-style HTTP endpoint) or "" (disabled,
	// bag-of-words fallback).
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	CacheDir string `yaml:"cache_dir"`
}

// QueryConfig bounds Query API calls.
type QueryConfig struct {
	DefaultTimeout string `yaml:"default_timeout"`
	MaxTimeout     string `yaml:"max_timeout"`
}

// SchedulerConfig carries cron specs for the periodic tasks.
type SchedulerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FraudSweep       string `yaml:"fraud_sweep"`
	BaselineRefresh  string `yaml:"baseline_refresh"`
	ContextCleanup   string `yaml:"context_cleanup"`
	Distillation     string `yaml:"distillation"`
	MetaObserverTick string `yaml:"meta_observer_tick"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Level     string `yaml:"level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataRoot: filepath.Join(home, ".claude", "emergent-learning"),
		Lifecycle: LifecycleConfig{
			EMAAlpha:        0.3,
			EMAWarmup:       3,
			MinApplications: 10,
			DormancyFloor:   0.20,
			SoftLimit:       5,
			HardLimit:       10,
		},
		Distill: DistillConfig{
			HalfLifeDays:  7,
			StrengthFloor: 0.01,
			TokenBudget:   2000,
			AutoAppend:    true,
		},
		Fraud: FraudConfig{
			PriorFraudRate:     0.05,
			SuccessZThreshold:  2.5,
			SweepBatchSize:     50,
			SweepStaleAfterHrs: 24,
			ContextRetainDays:  7,
		},
		MetaObserver: MetaObserverConfig{
			ZWarning:          3.0,
			ZCritical:         4.0,
			DeclineSlopePerDay: 0.02,
			FPRTolerance:      0.05,
			BootstrapDays:     7,
		},
		Context: ContextConfig{
			MaxTokens:         5000,
			ReserveTokens:     500,
			GoldenCacheTTLSec: 300,
		},
		Embedding: EmbeddingConfig{
			Provider: "",
			Endpoint: "http://localhost:11434",
			Model:    "embeddinggemma",
		},
		Query: QueryConfig{
			DefaultTimeout: "30s",
			MaxTimeout:     "600s",
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			FraudSweep:       "15 */6 * * *",
			BaselineRefresh:  "45 3 * * *",
			ContextCleanup:   "30 4 * * *",
			Distillation:     "0 */4 * * *",
			MetaObserverTick: "@every 1h",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file, tolerating a missing file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	logging.BootDebug("Loading config from: %s", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Boot("Config file not found, using defaults: %s", path)
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		logging.BootError("Failed to read config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		logging.BootError("Failed to parse config file %s: %v", path, err)
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	logging.Boot("Config loaded: data_root=%s", cfg.DataRoot)
	return cfg, nil
}

// LoadWithProjectOverride loads the global config and deep-merges an
// optional per-project override file over it. Project values win.
func LoadWithProjectOverride(globalPath, projectPath string) (*Config, error) {
	cfg, err := Load(globalPath)
	if err != nil {
		return nil, err
	}
	if projectPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(projectPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read project config: %w", err)
	}
	// Unmarshal onto the already-populated struct: yaml.v3 only touches
	// keys present in the override document, which is the deep merge we
	// want for nested sections.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse project config: %w", err)
	}
	cfg.applyEnvOverrides()
	logging.Boot("Project config override applied: %s", projectPath)
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("ELF_DATA_ROOT"); root != "" {
		c.DataRoot = root
	}
	if endpoint := os.Getenv("ELF_EMBEDDING_ENDPOINT"); endpoint != "" {
		c.Embedding.Endpoint = endpoint
		if c.Embedding.Provider == "" {
			c.Embedding.Provider = "local"
		}
	}
	if model := os.Getenv("ELF_EMBEDDING_MODEL"); model != "" {
		c.Embedding.Model = model
	}
	if os.Getenv("ELF_DEBUG") == "1" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// DatabasePath returns the location of the embedded store. The path is
// derived from the data root, never from user input.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataRoot, "memory", "index.db")
}

// GoldenRulesPath returns the tier-1 context source file.
func (c *Config) GoldenRulesPath() string {
	return filepath.Join(c.DataRoot, "memory", "golden-rules.md")
}

// HeuristicsDir returns the per-domain markdown rollup directory.
func (c *Config) HeuristicsDir() string {
	return filepath.Join(c.DataRoot, "memory", "heuristics")
}

// EmbeddingCacheDir returns the on-disk embedding cache location.
func (c *Config) EmbeddingCacheDir() string {
	if c.Embedding.CacheDir != "" {
		return c.Embedding.CacheDir
	}
	return filepath.Join(c.DataRoot, "cache", "embeddings")
}

// DefaultTimeout returns the Query API default timeout as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.Query.DefaultTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// MaxTimeout returns the Query API timeout ceiling as a duration.
func (c *Config) MaxTimeout() time.Duration {
	d, err := time.ParseDuration(c.Query.MaxTimeout)
	if err != nil {
		return 600 * time.Second
	}
	return d
}
