package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codesweep/codesweep/internal/cache"
	"github.com/codesweep/codesweep/internal/incremental"
	"github.com/codesweep/codesweep/internal/pool"
	"github.com/codesweep/codesweep/internal/stream"
	"github.com/codesweep/codesweep/internal/watcher"
)

// Config is the full engine configuration: one section per subsystem plus
// host-level settings.
type Config struct {
	// Pool configures the worker pool scheduler
	Pool pool.Config `yaml:"pool"`
	// Analyzer configures incremental analysis
	Analyzer incremental.Config `yaml:"analyzer"`
	// Cache configures the two-tier cache manager
	Cache cache.Config `yaml:"cache"`
	// Stream configures progressive result delivery
	Stream stream.Config `yaml:"stream"`
	// Watcher configures file-tree watching
	Watcher watcher.Config `yaml:"watcher"`

	// CacheDir is where the persistent cache database lives; empty keeps
	// the cache memory-only
	CacheDir string `yaml:"cache_dir"`
	// LogLevel is one of debug, info, warn, error. Default: info
	LogLevel string `yaml:"log_level"`
}

// Default returns the full default configuration
func Default() *Config {
	return &Config{
		Pool:     *pool.DefaultConfig(),
		Analyzer: *incremental.DefaultConfig(),
		Cache:    *cache.DefaultConfig(),
		Stream:   *stream.DefaultConfig(),
		Watcher:  *watcher.DefaultConfig(),
		LogLevel: "info",
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides, and validates the result. An empty path skips the file and
// uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv layers CODESWEEP_* environment variables over the file values.
func (c *Config) applyEnv() error {
	if err := parseEnvString("CODESWEEP_LOG_LEVEL", &c.LogLevel); err != nil {
		return err
	}
	if err := parseEnvString("CODESWEEP_CACHE_DIR", &c.CacheDir); err != nil {
		return err
	}
	if err := parseEnvInt("CODESWEEP_MIN_WORKERS", &c.Pool.MinWorkers); err != nil {
		return err
	}
	if err := parseEnvInt("CODESWEEP_MAX_WORKERS", &c.Pool.MaxWorkers); err != nil {
		return err
	}
	if err := parseEnvDuration("CODESWEEP_TASK_TIMEOUT", &c.Pool.TaskTimeout); err != nil {
		return err
	}
	if err := parseEnvDuration("CODESWEEP_DEBOUNCE_DELAY", &c.Analyzer.DebounceDelay); err != nil {
		return err
	}
	if err := parseEnvString("CODESWEEP_EVICTION_POLICY", (*string)(&c.Cache.EvictionPolicy)); err != nil {
		return err
	}
	return nil
}

// Validate checks every section for positive sizes and known enum values.
func (c *Config) Validate() error {
	if c.Pool.MinWorkers < 1 {
		return fmt.Errorf("pool.min_workers must be at least 1 (got %d)", c.Pool.MinWorkers)
	}
	if c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("pool.max_workers (%d) must be >= pool.min_workers (%d)",
			c.Pool.MaxWorkers, c.Pool.MinWorkers)
	}
	if c.Pool.MaxQueueSize < 1 {
		return fmt.Errorf("pool.max_queue_size must be positive (got %d)", c.Pool.MaxQueueSize)
	}
	if c.Pool.TaskTimeout <= 0 {
		return fmt.Errorf("pool.task_timeout must be positive (got %v)", c.Pool.TaskTimeout)
	}
	if c.Pool.MaxRetries < 0 {
		return fmt.Errorf("pool.max_retries cannot be negative (got %d)", c.Pool.MaxRetries)
	}
	if c.Pool.ScaleUpThreshold <= 0 || c.Pool.ScaleUpThreshold > 1 {
		return fmt.Errorf("pool.scale_up_threshold must be in (0,1] (got %v)", c.Pool.ScaleUpThreshold)
	}

	if c.Analyzer.DebounceDelay <= 0 {
		return fmt.Errorf("analyzer.debounce_delay must be positive (got %v)", c.Analyzer.DebounceDelay)
	}
	if c.Analyzer.ExpansionMargin < 0 {
		return fmt.Errorf("analyzer.expansion_margin cannot be negative (got %d)", c.Analyzer.ExpansionMargin)
	}
	if c.Analyzer.CacheCapacity < 1 {
		return fmt.Errorf("analyzer.cache_capacity must be at least 1 (got %d)", c.Analyzer.CacheCapacity)
	}

	if c.Cache.MaxMemorySize <= 0 {
		return fmt.Errorf("cache.max_memory_size must be positive (got %d)", c.Cache.MaxMemorySize)
	}
	if c.Cache.MaxPersistentSize <= 0 {
		return fmt.Errorf("cache.max_persistent_size must be positive (got %d)", c.Cache.MaxPersistentSize)
	}
	if !c.Cache.EvictionPolicy.IsValid() {
		return fmt.Errorf("cache.eviction_policy must be one of lru, lfu, arc, smart (got %q)",
			c.Cache.EvictionPolicy)
	}

	if c.Stream.BatchSize < 1 {
		return fmt.Errorf("stream.batch_size must be at least 1 (got %d)", c.Stream.BatchSize)
	}
	if c.Stream.BatchInterval <= 0 {
		return fmt.Errorf("stream.batch_interval must be positive (got %v)", c.Stream.BatchInterval)
	}
	if c.Stream.HighWatermark < 1 {
		return fmt.Errorf("stream.high_watermark must be at least 1 (got %d)", c.Stream.HighWatermark)
	}
	if c.Stream.LowWatermark < 0 || c.Stream.LowWatermark >= c.Stream.HighWatermark {
		return fmt.Errorf("stream.low_watermark (%d) must be below stream.high_watermark (%d)",
			c.Stream.LowWatermark, c.Stream.HighWatermark)
	}

	if c.Watcher.DebounceDelay <= 0 {
		return fmt.Errorf("watcher.debounce_delay must be positive (got %v)", c.Watcher.DebounceDelay)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	return nil
}

// SlogLevel maps the configured level name to a slog.Level. Validate has
// already rejected unknown names; anything else falls back to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseEnvString overrides dest when the variable is set and non-empty.
func parseEnvString(key string, dest *string) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	*dest = value
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a duration from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
