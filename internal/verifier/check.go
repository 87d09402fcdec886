package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Output formats understood by the issue parsers.
const (
	FormatGolangCI = "golangci-lint"
	FormatRuff     = "ruff"
	FormatESLint   = "eslint"
	FormatGoTest   = "go-test-json"
	FormatLine     = "line"
	FormatExitCode = "exitcode"
)

// DefaultCheckTimeout applies when a check does not set its own timeout.
const DefaultCheckTimeout = 5 * time.Minute

// Check is one configured quality command for a project.
type Check struct {
	Name    string        `koanf:"name" json:"name"`
	Command string        `koanf:"command" json:"command"`
	Format  string        `koanf:"format" json:"format"`
	Timeout time.Duration `koanf:"timeout" json:"timeout"`
}

// Validate checks the check definition.
func (c Check) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("check name is required")
	}
	if c.Command == "" {
		return fmt.Errorf("check %q: command is required", c.Name)
	}
	if _, ok := parsers[c.format()]; !ok {
		return fmt.Errorf("check %q: unknown format %q", c.Name, c.Format)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("check %q: timeout must not be negative", c.Name)
	}
	return nil
}

func (c Check) format() string {
	if c.Format == "" {
		return FormatLine
	}
	return c.Format
}

func (c Check) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultCheckTimeout
	}
	return c.Timeout
}

// CheckResult is the raw outcome of running one check command.
type CheckResult struct {
	Name     string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	TimedOut bool
	// StartErr is set when the command could not be started at all.
	StartErr error
}

// CommandRunner executes a check command in a workspace.
type CommandRunner interface {
	Run(ctx context.Context, dir string, check Check) CheckResult
}

// ShellRunner runs checks through sh -c.
type ShellRunner struct {
	// Env is appended to the inherited environment.
	Env []string
}

// Run implements CommandRunner. It never blocks past the check timeout plus
// a short grace period for the process to exit.
func (r ShellRunner) Run(ctx context.Context, dir string, check Check) CheckResult {
	timeout := check.timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, "sh", "-c", check.Command)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	start := time.Now()
	err := cmd.Run()
	res := CheckResult{
		Name:     check.Name,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.StartErr = err
		res.ExitCode = -1
	}
	return res
}
