// Package config loads the agx.json configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ramarlina/agx/internal/engine"
	"github.com/ramarlina/agx/internal/fsio"
)

// Config is the agx.json configuration file.
type Config struct {
	Version      string `json:"version"`
	ProjectsRoot string `json:"projects_root"`

	Queue  Queue  `json:"queue"`
	Daemon Daemon `json:"daemon"`
	Loop   Loop   `json:"loop"`

	DefaultEngine string                        `json:"default_engine"`
	Engines       map[string]engine.CommandSpec `json:"engines,omitempty"`

	Swarm Swarm `json:"swarm"`
}

// Queue configures the remote queue API client.
type Queue struct {
	BaseURL string `json:"base_url"`
	// Token is normally supplied via AGX_QUEUE_TOKEN rather than the file.
	Token string `json:"token,omitempty"`
}

// Daemon configures the scheduler.
type Daemon struct {
	Workers          int `json:"workers"`
	PollIntervalMS   int `json:"poll_interval_ms"`
	MaxPollBackoffMS int `json:"max_poll_backoff_ms"`
}

// Loop configures per-task iteration behavior.
type Loop struct {
	MaxIterations     int `json:"max_iterations"`
	KeepRuns          int `json:"keep_runs"`
	EngineTimeoutS    int `json:"engine_timeout_s"`
	EngineMaxAttempts int `json:"engine_max_attempts"`
	CancelPollS       int `json:"cancel_poll_s"`
	GraceS            int `json:"grace_s"`
	MaxVerifyCommands int `json:"max_verify_commands"`
	VerifyTimeoutS    int `json:"verify_timeout_s"`
	VerifyOutputBytes int `json:"verify_output_bytes"`
}

// Swarm configures multi-provider execution.
type Swarm struct {
	Enabled    bool     `json:"enabled"`
	Engines    []string `json:"engines,omitempty"`
	Aggregator string   `json:"aggregator,omitempty"`
}

// GenerateDefault returns a config with working defaults.
func GenerateDefault() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Version:      "1.0",
		ProjectsRoot: filepath.Join(home, ".agx", "projects"),
		Queue: Queue{
			BaseURL: "http://127.0.0.1:8787",
		},
		Daemon: Daemon{
			Workers:          2,
			PollIntervalMS:   3000,
			MaxPollBackoffMS: 60000,
		},
		Loop: Loop{
			MaxIterations:     10,
			KeepRuns:          25,
			EngineTimeoutS:    900,
			EngineMaxAttempts: 3,
			CancelPollS:       5,
			GraceS:            5,
			MaxVerifyCommands: 3,
			VerifyTimeoutS:    120,
			VerifyOutputBytes: 16 * 1024,
		},
		DefaultEngine: "claude",
		Swarm: Swarm{
			Enabled:    false,
			Aggregator: "claude",
		},
	}
}

// Load reads config from path, or generates and persists the default when the
// file does not exist. The queue token may always be supplied through
// AGX_QUEUE_TOKEN, which takes precedence over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := GenerateDefault()
			if err := Save(cfg, path); err != nil {
				return nil, err
			}
			return applyEnv(cfg), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return applyEnv(&cfg), nil
}

// Save writes config to path atomically.
func Save(cfg *Config, path string) error {
	if err := fsio.AtomicWriteJSON(path, cfg); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) *Config {
	if token := os.Getenv("AGX_QUEUE_TOKEN"); token != "" {
		cfg.Queue.Token = token
	}
	return cfg
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.ProjectsRoot == "" {
		return fmt.Errorf("projects_root is required")
	}
	if c.Queue.BaseURL == "" {
		return fmt.Errorf("queue.base_url is required")
	}
	if c.Daemon.Workers < 1 {
		return fmt.Errorf("daemon.workers must be >= 1")
	}
	if c.Loop.MaxIterations < 1 {
		return fmt.Errorf("loop.max_iterations must be >= 1")
	}
	if c.DefaultEngine == "" {
		return fmt.Errorf("default_engine is required")
	}
	if c.Swarm.Enabled {
		if len(c.Swarm.Engines) < 2 {
			return fmt.Errorf("swarm.engines needs at least two providers")
		}
		if c.Swarm.Aggregator == "" {
			return fmt.Errorf("swarm.aggregator is required when swarm is enabled")
		}
	}
	return nil
}

// EngineCommands merges the built-in command table with config overrides.
func (c *Config) EngineCommands() map[string]engine.CommandSpec {
	commands := engine.DefaultCommands()
	for name, spec := range c.Engines {
		commands[name] = spec
	}
	return commands
}
