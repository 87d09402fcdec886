package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp dir and returns the loopd config
// directory inside it.
func setupTestHome(t *testing.T) (home, configDir string) {
	t.Helper()

	home = t.TempDir()
	t.Setenv("HOME", home)

	configDir = filepath.Join(home, ".config", "loopd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return home, configDir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	// WriteFile is subject to umask.
	if err := os.Chmod(path, perm); err != nil {
		t.Fatalf("Failed to chmod test config: %v", err)
	}
	return path
}

// TestLoadWithFile_ValidYAML tests loading configuration from a valid YAML file.
func TestLoadWithFile_ValidYAML(t *testing.T) {
	_, configDir := setupTestHome(t)

	configPath := writeConfig(t, configDir, `runner:
  max_iterations: 5
  autonomy: supervised
  worker_rate: 0.5

worker:
  command: "agent --print"
  timeout: 10m
  env:
    - AGENT_MODE=batch

projects:
  api:
    workspace: ~/src/api
    checks:
      - name: lint
        command: golangci-lint run --out-format json
        format: golangci
        timeout: 2m
      - name: test
        command: go test ./...

events:
  nats_url: nats://localhost:4222
  token: s3cret
`, 0600)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Runner.MaxIterations != 5 {
		t.Errorf("Runner.MaxIterations = %d, want 5", cfg.Runner.MaxIterations)
	}
	if cfg.Runner.Autonomy != "supervised" {
		t.Errorf("Runner.Autonomy = %q, want supervised", cfg.Runner.Autonomy)
	}
	if cfg.Runner.WorkerRate != 0.5 {
		t.Errorf("Runner.WorkerRate = %v, want 0.5", cfg.Runner.WorkerRate)
	}
	if cfg.Worker.Timeout.Duration() != 10*time.Minute {
		t.Errorf("Worker.Timeout = %v, want 10m", cfg.Worker.Timeout.Duration())
	}
	if len(cfg.Worker.Env) != 1 || cfg.Worker.Env[0] != "AGENT_MODE=batch" {
		t.Errorf("Worker.Env = %v", cfg.Worker.Env)
	}

	api, ok := cfg.Projects["api"]
	if !ok {
		t.Fatal("project api missing")
	}
	if !strings.HasSuffix(api.Workspace, filepath.Join("src", "api")) || strings.HasPrefix(api.Workspace, "~") {
		t.Errorf("Workspace = %q, want home-expanded path", api.Workspace)
	}
	if len(api.Checks) != 2 {
		t.Fatalf("len(Checks) = %d, want 2", len(api.Checks))
	}
	if api.Checks[0].Timeout.Duration() != 2*time.Minute {
		t.Errorf("Checks[0].Timeout = %v, want 2m", api.Checks[0].Timeout.Duration())
	}
	if api.Checks[1].Format != "" {
		t.Errorf("Checks[1].Format = %q, want empty", api.Checks[1].Format)
	}

	if cfg.Events.Token.Value() != "s3cret" {
		t.Error("Events.Token not loaded")
	}
	if cfg.Events.Token.String() == "s3cret" {
		t.Error("Events.Token must be redacted when printed")
	}
}

// TestLoadWithFile_Defaults tests that a missing file yields defaults.
func TestLoadWithFile_Defaults(t *testing.T) {
	home, configDir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(configDir, "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Runner.MaxIterations != 10 {
		t.Errorf("Runner.MaxIterations = %d, want 10", cfg.Runner.MaxIterations)
	}
	if cfg.Runner.Concurrency != 2 {
		t.Errorf("Runner.Concurrency = %d, want 2", cfg.Runner.Concurrency)
	}
	if cfg.Runner.Autonomy != "autonomous" {
		t.Errorf("Runner.Autonomy = %q, want autonomous", cfg.Runner.Autonomy)
	}
	wantState := filepath.Join(home, ".local", "state", "loopd")
	if cfg.Runner.StateDir != wantState {
		t.Errorf("Runner.StateDir = %q, want %q", cfg.Runner.StateDir, wantState)
	}
	if cfg.Runner.HaltFile != filepath.Join(wantState, "HALT") {
		t.Errorf("Runner.HaltFile = %q", cfg.Runner.HaltFile)
	}
	if cfg.History.Path != filepath.Join(wantState, "history") {
		t.Errorf("History.Path = %q", cfg.History.Path)
	}
	if cfg.Worker.Timeout.Duration() != 30*time.Minute {
		t.Errorf("Worker.Timeout = %v, want 30m", cfg.Worker.Timeout.Duration())
	}
	if cfg.Operator.Port != 9191 {
		t.Errorf("Operator.Port = %d, want 9191", cfg.Operator.Port)
	}
	if cfg.Operator.URL != "http://localhost:9191" {
		t.Errorf("Operator.URL = %q", cfg.Operator.URL)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false")
	}
	if cfg.Telemetry.Protocol != "grpc" {
		t.Errorf("Telemetry.Protocol = %q, want grpc", cfg.Telemetry.Protocol)
	}
	if cfg.SnapshotDir() != filepath.Join(wantState, "snapshots") {
		t.Errorf("SnapshotDir() = %q", cfg.SnapshotDir())
	}
}

// TestLoadWithFile_EnvOverride tests that environment variables override YAML values.
func TestLoadWithFile_EnvOverride(t *testing.T) {
	_, configDir := setupTestHome(t)

	configPath := writeConfig(t, configDir, `runner:
  max_iterations: 5
worker:
  command: agent
`, 0600)

	t.Setenv("LOOPD_RUNNER_MAX_ITERATIONS", "7")
	t.Setenv("LOOPD_WORKER_TIMEOUT", "90s")
	t.Setenv("LOOPD_EVENTS_NATS_URL", "nats://bus:4222")
	t.Setenv("LOOPD_OPERATOR_PORT", "9300")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Runner.MaxIterations != 7 {
		t.Errorf("Runner.MaxIterations = %d, want 7 (from env)", cfg.Runner.MaxIterations)
	}
	if cfg.Worker.Command != "agent" {
		t.Errorf("Worker.Command = %q, want agent (from YAML)", cfg.Worker.Command)
	}
	if cfg.Worker.Timeout.Duration() != 90*time.Second {
		t.Errorf("Worker.Timeout = %v, want 90s", cfg.Worker.Timeout.Duration())
	}
	if cfg.Events.NATSURL != "nats://bus:4222" {
		t.Errorf("Events.NATSURL = %q", cfg.Events.NATSURL)
	}
	if cfg.Operator.URL != "http://localhost:9300" {
		t.Errorf("Operator.URL = %q, want derived from port", cfg.Operator.URL)
	}
}

// TestLoadWithFile_InvalidYAML tests error handling for malformed YAML.
func TestLoadWithFile_InvalidYAML(t *testing.T) {
	_, configDir := setupTestHome(t)
	configPath := writeConfig(t, configDir, "runner:\n  max_iterations: [unclosed\n", 0600)

	if _, err := LoadWithFile(configPath); err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

// TestLoadWithFile_Validation tests configuration validation.
func TestLoadWithFile_Validation(t *testing.T) {
	_, configDir := setupTestHome(t)
	configPath := writeConfig(t, configDir, `runner:
  autonomy: reckless
operator:
  port: 99999
projects:
  api:
    checks:
      - name: lint
`, 0600)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("LoadWithFile() should error on invalid config, got nil")
	}
	for _, want := range []string{"autonomy", "port", "workspace is required", "name and command"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

// TestLoadWithFile_PathTraversal tests path traversal attack prevention.
func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile("/etc/passwd")
	if err == nil {
		t.Fatal("Expected error for path outside allowed dirs, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/loopd/") {
		t.Errorf("Expected path validation error, got: %v", err)
	}
}

// TestLoadWithFile_InsecurePermissions tests file permission enforcement.
func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}
	_, configDir := setupTestHome(t)
	configPath := writeConfig(t, configDir, "worker:\n  command: agent\n", 0666)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("Expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Errorf("Expected 'insecure permissions' error, got: %v", err)
	}
}

// TestLoadWithFile_SecurePermissions tests that owner-only write is accepted.
func TestLoadWithFile_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping permission test on Windows")
	}
	_, configDir := setupTestHome(t)

	for _, perm := range []os.FileMode{0600, 0644} {
		configPath := writeConfig(t, configDir, "worker:\n  command: agent\n", perm)
		cfg, err := LoadWithFile(configPath)
		if err != nil {
			t.Fatalf("LoadWithFile() should succeed with %v, got error: %v", perm, err)
		}
		if cfg.Worker.Command != "agent" {
			t.Errorf("Worker.Command = %q, want agent", cfg.Worker.Command)
		}
	}
}

// TestLoadWithFile_FileTooLarge tests file size limit enforcement.
func TestLoadWithFile_FileTooLarge(t *testing.T) {
	_, configDir := setupTestHome(t)

	configPath := filepath.Join(configDir, "config.yaml")
	largeContent := bytes.Repeat([]byte("# comment line\n"), 150000)
	if err := os.WriteFile(configPath, largeContent, 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("Expected error for large file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("Expected 'too large' error, got: %v", err)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".config", "loopd"))
	if err != nil {
		t.Fatalf("config dir not created: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0700 {
		t.Errorf("config dir perm = %v, want 0700", info.Mode().Perm())
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"LOOPD_RUNNER_MAX_ITERATIONS": "runner.max_iterations",
		"LOOPD_WORKER_COMMAND":        "worker.command",
		"LOOPD_EVENTS_NATS_URL":       "events.nats_url",
		"LOOPD_DEBUG":                 "debug",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
