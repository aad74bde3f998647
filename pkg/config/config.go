package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level framework configuration, loaded from a YAML
// file with every field optional.
type Config struct {
	PlansDir    string `yaml:"plans_dir"`
	PackagesDir string `yaml:"packages_dir"`
	DataDir     string `yaml:"data_dir"` // enables the durable store when set

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`

	Scheduler struct {
		EventConsumers  int `yaml:"event_consumers"`
		ReloadDebounceMS int `yaml:"reload_debounce_ms"`
	} `yaml:"scheduler"`

	Executor struct {
		GlobalCap      int64            `yaml:"global_cap"`
		DefaultTagCap  int64            `yaml:"default_tag_cap"`
		TagCaps        map[string]int64 `yaml:"tag_caps"`
		IOWorkers      int              `yaml:"io_workers"`
		CPUWorkers     int              `yaml:"cpu_workers"`
		PoolGraceSecs  int              `yaml:"pool_grace_seconds"`
	} `yaml:"executor"`

	Planner struct {
		VerifyRetries   int `yaml:"verify_retries"`
		VerifyBackoffMS int `yaml:"verify_backoff_ms"`
		MaxReplans      int `yaml:"max_replans"`
	} `yaml:"planner"`
}

// Default returns the built-in configuration
func Default() *Config {
	cfg := &Config{
		PlansDir:    "plans",
		PackagesDir: "packages",
	}
	cfg.Log.Level = "info"
	cfg.API.Listen = ":8900"
	cfg.Scheduler.EventConsumers = 4
	cfg.Scheduler.ReloadDebounceMS = 300
	cfg.Executor.GlobalCap = 4
	cfg.Executor.DefaultTagCap = 1
	cfg.Executor.PoolGraceSecs = 5
	cfg.Planner.VerifyRetries = 3
	cfg.Planner.VerifyBackoffMS = 500
	cfg.Planner.MaxReplans = 5
	return cfg
}

// Load reads a config file over the defaults. A missing file yields the
// defaults unchanged; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// PoolGrace returns the pool cancellation grace as a duration
func (c *Config) PoolGrace() time.Duration {
	return time.Duration(c.Executor.PoolGraceSecs) * time.Second
}

// ReloadDebounce returns the hot-reload debounce window
func (c *Config) ReloadDebounce() time.Duration {
	return time.Duration(c.Scheduler.ReloadDebounceMS) * time.Millisecond
}

// VerifyBackoff returns the planner verification backoff
func (c *Config) VerifyBackoff() time.Duration {
	return time.Duration(c.Planner.VerifyBackoffMS) * time.Millisecond
}
