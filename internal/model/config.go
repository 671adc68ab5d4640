package model

import (
	"fmt"
	"time"
)

type Config struct {
	Flow       FlowConfig       `yaml:"flow"`
	Cache      CacheConfig      `yaml:"cache"`
	Model      ModelConfig      `yaml:"model"`
	Warehouse  WarehouseConfig  `yaml:"warehouse"`
	Validation ValidationConfig `yaml:"validation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type FlowConfig struct {
	MaxRevisions   int `yaml:"max_revisions"`
	QueryTimeoutMs int `yaml:"query_timeout_ms"`
	MaxActiveTasks int `yaml:"max_active_tasks"`
	// Terminal tasks are retained for observability before the store
	// sweeps them.
	RetentionSec int `yaml:"retention_sec"`
}

type CacheConfig struct {
	Capacity int `yaml:"capacity"`
	TTLMs    int `yaml:"ttl_ms"`
	// Context keys included in fingerprints. Empty means query+tenant only.
	FingerprintContextKeys []string `yaml:"fingerprint_context_keys"`
}

type ModelConfig struct {
	Provider      string `yaml:"provider"` // "gemini" or "stub"
	ModelName     string `yaml:"model_name"`
	CallTimeoutMs int    `yaml:"call_timeout_ms"`
	MaxAttempts   int    `yaml:"max_attempts"`
	// APIKey is only ever taken from the environment, never from the file.
	APIKey string `yaml:"-"`
}

type WarehouseConfig struct {
	Driver          string `yaml:"driver"` // "sqlite" or "stub"
	DSN             string `yaml:"dsn"`
	CallTimeoutMs   int    `yaml:"call_timeout_ms"`
	MaxRows         int    `yaml:"max_rows"`
	MaxBytes        int    `yaml:"max_bytes"`
	MaxRowsInPrompt int    `yaml:"max_rows_in_prompt"`
}

type ValidationConfig struct {
	MinAxisScore float64 `yaml:"min_axis_score"`
	// Thresholds maps complexity to the minimum quality score for
	// approval. Missing entries fall back to the defaults.
	Thresholds map[Complexity]float64 `yaml:"thresholds"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() Config {
	return Config{
		Flow: FlowConfig{
			MaxRevisions:   2,
			QueryTimeoutMs: 30_000,
			MaxActiveTasks: 256,
			RetentionSec:   600,
		},
		Cache: CacheConfig{
			Capacity: 1024,
			TTLMs:    3_600_000,
		},
		Model: ModelConfig{
			Provider:      "stub",
			ModelName:     "gemini-2.0-flash",
			CallTimeoutMs: 12_000,
			MaxAttempts:   3,
		},
		Warehouse: WarehouseConfig{
			Driver:          "stub",
			CallTimeoutMs:   15_000,
			MaxRows:         10_000,
			MaxBytes:        4 << 20,
			MaxRowsInPrompt: 200,
		},
		Validation: ValidationConfig{
			MinAxisScore: 0.60,
			Thresholds: map[Complexity]float64{
				ComplexitySimple:   0.80,
				ComplexityStandard: 0.85,
				ComplexityComplex:  0.90,
				ComplexityCritical: 0.95,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Normalize fills zero values with defaults and validates ranges.
func (c *Config) Normalize() error {
	def := DefaultConfig()
	if c.Flow.MaxRevisions < 0 {
		return fmt.Errorf("flow.max_revisions must be >= 0")
	}
	if c.Flow.QueryTimeoutMs <= 0 {
		c.Flow.QueryTimeoutMs = def.Flow.QueryTimeoutMs
	}
	if c.Flow.MaxActiveTasks <= 0 {
		c.Flow.MaxActiveTasks = def.Flow.MaxActiveTasks
	}
	if c.Flow.RetentionSec <= 0 {
		c.Flow.RetentionSec = def.Flow.RetentionSec
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = def.Cache.Capacity
	}
	if c.Cache.TTLMs <= 0 {
		c.Cache.TTLMs = def.Cache.TTLMs
	}
	if c.Model.CallTimeoutMs <= 0 {
		c.Model.CallTimeoutMs = def.Model.CallTimeoutMs
	}
	if c.Model.MaxAttempts <= 0 {
		c.Model.MaxAttempts = def.Model.MaxAttempts
	}
	if c.Model.ModelName == "" {
		c.Model.ModelName = def.Model.ModelName
	}
	if c.Warehouse.CallTimeoutMs <= 0 {
		c.Warehouse.CallTimeoutMs = def.Warehouse.CallTimeoutMs
	}
	if c.Warehouse.MaxRows <= 0 {
		c.Warehouse.MaxRows = def.Warehouse.MaxRows
	}
	if c.Warehouse.MaxBytes <= 0 {
		c.Warehouse.MaxBytes = def.Warehouse.MaxBytes
	}
	if c.Warehouse.MaxRowsInPrompt <= 0 {
		c.Warehouse.MaxRowsInPrompt = def.Warehouse.MaxRowsInPrompt
	}
	if c.Validation.MinAxisScore <= 0 {
		c.Validation.MinAxisScore = def.Validation.MinAxisScore
	}
	if c.Validation.MinAxisScore > 1 {
		return fmt.Errorf("validation.min_axis_score must be in (0,1]")
	}
	if c.Validation.Thresholds == nil {
		c.Validation.Thresholds = map[Complexity]float64{}
	}
	for cpx, v := range def.Validation.Thresholds {
		if _, ok := c.Validation.Thresholds[cpx]; !ok {
			c.Validation.Thresholds[cpx] = v
		}
	}
	for cpx, v := range c.Validation.Thresholds {
		if !ValidComplexity(cpx) {
			return fmt.Errorf("validation.thresholds: unknown complexity %q", cpx)
		}
		if v <= 0 || v > 1 {
			return fmt.Errorf("validation.thresholds[%s] must be in (0,1]", cpx)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	return nil
}

// ThresholdFor returns the approval threshold for a complexity.
func (c *Config) ThresholdFor(cpx Complexity) float64 {
	if v, ok := c.Validation.Thresholds[cpx]; ok {
		return v
	}
	return DefaultConfig().Validation.Thresholds[cpx]
}

func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.Flow.QueryTimeoutMs) * time.Millisecond
}

func (c *Config) ModelCallTimeout() time.Duration {
	return time.Duration(c.Model.CallTimeoutMs) * time.Millisecond
}

func (c *Config) WarehouseCallTimeout() time.Duration {
	return time.Duration(c.Warehouse.CallTimeoutMs) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLMs) * time.Millisecond
}
