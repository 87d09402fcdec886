// Package config provides configuration loading for loopd.
//
// Configuration comes from a YAML file overlaid with LOOPD_* environment
// variables. Defaults are applied after both, then the result is
// validated.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Config holds the complete loopd configuration.
type Config struct {
	Runner    RunnerConfig             `koanf:"runner"`
	Worker    WorkerConfig             `koanf:"worker"`
	Projects  map[string]ProjectConfig `koanf:"projects"`
	Guardrail GuardrailConfig          `koanf:"guardrail"`
	History   HistoryConfig            `koanf:"history"`
	Operator  OperatorConfig           `koanf:"operator"`
	Events    EventsConfig             `koanf:"events"`
	Logging   LoggingConfig            `koanf:"logging"`
	Telemetry TelemetryConfig          `koanf:"telemetry"`
}

// RunnerConfig controls how tasks are driven.
type RunnerConfig struct {
	StateDir      string   `koanf:"state_dir"`
	MaxIterations int      `koanf:"max_iterations"`
	Concurrency   int      `koanf:"concurrency"`
	Autonomy      string   `koanf:"autonomy"`
	WorkerRate    float64  `koanf:"worker_rate"` // worker invocations per second; 0 is unlimited
	HaltFile      string   `koanf:"halt_file"`
	Hints         bool     `koanf:"hints"`
	Shutdown      Duration `koanf:"shutdown_timeout"`
}

// WorkerConfig describes the external worker command.
type WorkerConfig struct {
	Command    string   `koanf:"command"`
	Timeout    Duration `koanf:"timeout"`
	Env        []string `koanf:"env"`
	PromptFile string   `koanf:"prompt_file"`
}

// ProjectConfig is the verification setup for one project.
type ProjectConfig struct {
	Workspace string        `koanf:"workspace"`
	Checks    []CheckConfig `koanf:"checks"`
}

// CheckConfig is one quality command.
type CheckConfig struct {
	Name    string   `koanf:"name"`
	Command string   `koanf:"command"`
	Format  string   `koanf:"format"`
	Timeout Duration `koanf:"timeout"`
}

// GuardrailConfig controls the diff scanner.
type GuardrailConfig struct {
	SecretScan bool `koanf:"secret_scan"`
}

// HistoryConfig controls the iteration log.
type HistoryConfig struct {
	Path       string `koanf:"path"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// OperatorConfig controls the operator HTTP API.
type OperatorConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	URL     string `koanf:"url"` // where CLI commands reach a running API
}

// EventsConfig controls side-effect publishing.
type EventsConfig struct {
	NATSURL   string `koanf:"nats_url"`
	Token     Secret `koanf:"token"`
	QueueSize int    `koanf:"queue_size"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Endpoint   string  `koanf:"endpoint"`
	Protocol   string  `koanf:"protocol"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	home, _ := os.UserHomeDir()

	if cfg.Runner.StateDir == "" {
		cfg.Runner.StateDir = filepath.Join(home, ".local", "state", "loopd")
	}
	cfg.Runner.StateDir = expandHome(cfg.Runner.StateDir, home)
	if cfg.Runner.MaxIterations == 0 {
		cfg.Runner.MaxIterations = 10
	}
	if cfg.Runner.Concurrency == 0 {
		cfg.Runner.Concurrency = 2
	}
	if cfg.Runner.Autonomy == "" {
		cfg.Runner.Autonomy = "autonomous"
	}
	if cfg.Runner.HaltFile == "" {
		cfg.Runner.HaltFile = filepath.Join(cfg.Runner.StateDir, "HALT")
	}
	cfg.Runner.HaltFile = expandHome(cfg.Runner.HaltFile, home)
	if cfg.Runner.Shutdown == 0 {
		cfg.Runner.Shutdown = Duration(10 * time.Second)
	}

	if cfg.Worker.Timeout == 0 {
		cfg.Worker.Timeout = Duration(30 * time.Minute)
	}

	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.Runner.StateDir, "history")
	}
	cfg.History.Path = expandHome(cfg.History.Path, home)

	if cfg.Operator.Host == "" {
		cfg.Operator.Host = "localhost"
	}
	if cfg.Operator.Port == 0 {
		cfg.Operator.Port = 9191
	}
	if cfg.Operator.URL == "" {
		cfg.Operator.URL = fmt.Sprintf("http://%s:%d", cfg.Operator.Host, cfg.Operator.Port)
	}

	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 256
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	for name, p := range cfg.Projects {
		p.Workspace = expandHome(p.Workspace, home)
		cfg.Projects[name] = p
	}
}

func expandHome(path, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Runner.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("runner.max_iterations must be >= 1, got %d", c.Runner.MaxIterations))
	}
	if c.Runner.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("runner.concurrency must be >= 1, got %d", c.Runner.Concurrency))
	}
	if c.Runner.Autonomy != "autonomous" && c.Runner.Autonomy != "supervised" {
		errs = append(errs, fmt.Errorf("runner.autonomy must be autonomous or supervised, got %q", c.Runner.Autonomy))
	}
	if c.Runner.WorkerRate < 0 {
		errs = append(errs, errors.New("runner.worker_rate must not be negative"))
	}
	if c.Operator.Port < 1 || c.Operator.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid operator port: %d (must be 1-65535)", c.Operator.Port))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	for _, name := range c.ProjectNames() {
		p := c.Projects[name]
		if p.Workspace == "" {
			errs = append(errs, fmt.Errorf("project %s: workspace is required", name))
		}
		seen := map[string]bool{}
		for _, chk := range p.Checks {
			if chk.Name == "" || chk.Command == "" {
				errs = append(errs, fmt.Errorf("project %s: every check needs a name and command", name))
				continue
			}
			if seen[chk.Name] {
				errs = append(errs, fmt.Errorf("project %s: duplicate check %q", name, chk.Name))
			}
			seen[chk.Name] = true
		}
	}
	return errors.Join(errs...)
}

// ProjectNames returns the configured project names, sorted.
func (c *Config) ProjectNames() []string {
	names := make([]string, 0, len(c.Projects))
	for name := range c.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SnapshotDir is where task snapshots live.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.Runner.StateDir, "snapshots")
}

// BaselineDir is where project baselines live.
func (c *Config) BaselineDir() string {
	return filepath.Join(c.Runner.StateDir, "baselines")
}
