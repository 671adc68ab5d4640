// Package config loads the engine configuration from YAML with
// environment overrides, and optionally watches the file so validation
// thresholds and cache TTL can be retuned without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/copp1723/unified-vendora-final/internal/model"
)

const envPrefix = "VENDORA_"

// Load reads the config file, applies environment overrides, and
// normalises defaults. A missing file is not an error: defaults apply.
func Load(path string) (model.Config, error) {
	cfg := model.DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.Normalize(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *model.Config) {
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "MODEL_PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := os.Getenv(envPrefix + "MODEL_NAME"); v != "" {
		cfg.Model.ModelName = v
	}
	if v := os.Getenv(envPrefix + "GEMINI_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv(envPrefix + "WAREHOUSE_DRIVER"); v != "" {
		cfg.Warehouse.Driver = v
	}
	if v := os.Getenv(envPrefix + "WAREHOUSE_DSN"); v != "" {
		cfg.Warehouse.DSN = v
	}
	if v, ok := envInt(envPrefix + "MAX_REVISIONS"); ok {
		cfg.Flow.MaxRevisions = v
	}
	if v, ok := envInt(envPrefix + "QUERY_TIMEOUT_MS"); ok {
		cfg.Flow.QueryTimeoutMs = v
	}
	if v, ok := envInt(envPrefix + "MAX_ACTIVE_TASKS"); ok {
		cfg.Flow.MaxActiveTasks = v
	}
	if v, ok := envInt(envPrefix + "CACHE_CAPACITY"); ok {
		cfg.Cache.Capacity = v
	}
	if v, ok := envInt(envPrefix + "CACHE_TTL_MS"); ok {
		cfg.Cache.TTLMs = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Runtime holds the live configuration for hot-reloadable settings.
// Readers call Load on every use; Watch swaps the value atomically.
type Runtime struct {
	v atomic.Value
}

func NewRuntime(cfg model.Config) *Runtime {
	r := &Runtime{}
	r.v.Store(cfg)
	return r
}

func (r *Runtime) Load() model.Config {
	return r.v.Load().(model.Config)
}

func (r *Runtime) store(cfg model.Config) {
	r.v.Store(cfg)
}

// ThresholdFor reads the live approval threshold for a complexity.
func (r *Runtime) ThresholdFor(c model.Complexity) float64 {
	cfg := r.Load()
	return cfg.ThresholdFor(c)
}

// Watch re-reads the config file on change and publishes it to the
// runtime, notifying onReload. Returns a stop function. Only the
// hot-reloadable settings take effect on running components; everything
// else applies at next startup.
func Watch(path string, rt *Runtime, onReload func(model.Config), logger *zap.Logger) (func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload rejected", zap.String("path", path), zap.Error(err))
					continue
				}
				rt.store(cfg)
				if onReload != nil {
					onReload(cfg)
				}
				logger.Info("config reloaded", zap.String("path", path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	return func() error {
		err := watcher.Close()
		<-done
		return err
	}, nil
}
