package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Projects = map[string]ProjectConfig{
		"api": {
			Workspace: "/src/api",
			Checks: []CheckConfig{
				{Name: "lint", Command: "golangci-lint run"},
				{Name: "test", Command: "go test ./..."},
			},
		},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "zero budget", mutate: func(c *Config) { c.Runner.MaxIterations = 0 }, wantErr: "max_iterations"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Runner.Concurrency = 0 }, wantErr: "concurrency"},
		{name: "unknown autonomy", mutate: func(c *Config) { c.Runner.Autonomy = "yolo" }, wantErr: "autonomy"},
		{name: "negative rate", mutate: func(c *Config) { c.Runner.WorkerRate = -1 }, wantErr: "worker_rate"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "bad otlp protocol", mutate: func(c *Config) { c.Telemetry.Protocol = "udp" }, wantErr: "protocol"},
		{name: "sample rate above one", mutate: func(c *Config) { c.Telemetry.SampleRate = 2 }, wantErr: "sample_rate"},
		{
			name: "duplicate check",
			mutate: func(c *Config) {
				p := c.Projects["api"]
				p.Checks = append(p.Checks, CheckConfig{Name: "lint", Command: "true"})
				c.Projects["api"] = p
			},
			wantErr: `duplicate check "lint"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProjectNames(t *testing.T) {
	cfg := Default()
	cfg.Projects = map[string]ProjectConfig{"web": {}, "api": {}, "db": {}}
	got := strings.Join(cfg.ProjectNames(), ",")
	if got != "api,db,web" {
		t.Errorf("ProjectNames() = %s, want api,db,web", got)
	}
}

func TestDefault_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := &Config{
		Runner:   RunnerConfig{StateDir: "~/state"},
		Projects: map[string]ProjectConfig{"api": {Workspace: "~/src/api"}},
	}
	applyDefaults(cfg)

	if cfg.Runner.StateDir != home+"/state" {
		t.Errorf("StateDir = %q", cfg.Runner.StateDir)
	}
	if cfg.Projects["api"].Workspace != home+"/src/api" {
		t.Errorf("Workspace = %q", cfg.Projects["api"].Workspace)
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "10m", want: 10 * time.Minute},
		{in: "90s", want: 90 * time.Second},
		{in: "120", want: 2 * time.Minute},
		{in: "", want: 0},
		{in: "-5s", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalText(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && d.Duration() != tt.want {
				t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, d.Duration(), tt.want)
			}
		})
	}
}

func TestSecret_Redacted(t *testing.T) {
	ev := EventsConfig{NATSURL: "nats://localhost:4222", Token: Secret("s3cret")}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "s3cret") {
		t.Errorf("token leaked in JSON: %s", data)
	}
	if got := fmt.Sprintf("%v %s %#v", ev.Token, ev.Token, ev.Token); strings.Contains(got, "s3cret") {
		t.Errorf("token leaked in formatting: %s", got)
	}
	if ev.Token.Value() != "s3cret" || !ev.Token.IsSet() {
		t.Error("Value() must return the configured token")
	}

	var empty Secret
	if empty.IsSet() || empty.String() != "" {
		t.Errorf("empty secret = %q, set %v", empty.String(), empty.IsSet())
	}
}
