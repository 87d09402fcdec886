// Package worker invokes the external code-modifying process.
//
// The worker is any shell command. It receives the rendered prompt on
// stdin, runs in the task workspace, and its combined output is what the
// loop inspects for a completion claim.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"text/template"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds one worker invocation.
const DefaultTimeout = 30 * time.Minute

var (
	// ErrTimeout is returned when the worker exceeds its timeout.
	ErrTimeout = errors.New("worker timed out")
	// ErrExit is returned when the worker exits non-zero.
	ErrExit = errors.New("worker exited with error")
)

// Command runs a worker through sh -c.
type Command struct {
	command string
	timeout time.Duration
	env     []string
	prompt  *template.Template
	logger  *zap.Logger
}

// Option configures a Command.
type Option func(*Command)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Command) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEnv adds KEY=VALUE pairs to the worker environment.
func WithEnv(env ...string) Option {
	return func(c *Command) { c.env = append(c.env, env...) }
}

// WithPrompt sets the prompt template.
func WithPrompt(t *template.Template) Option {
	return func(c *Command) { c.prompt = t }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Command) { c.logger = l }
}

// NewCommand creates a worker that runs command.
func NewCommand(command string, opts ...Option) (*Command, error) {
	if command == "" {
		return nil, errors.New("worker command is required")
	}
	c := &Command{command: command, timeout: DefaultTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.prompt == nil {
		t, err := ParsePrompt("")
		if err != nil {
			return nil, err
		}
		c.prompt = t
	}
	return c, nil
}

// Invoke runs one attempt. On failure the output captured so far is
// returned alongside the error.
func (c *Command) Invoke(ctx context.Context, req Request) (string, error) {
	prompt, err := Render(c.prompt, req)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", c.command)
	cmd.Dir = req.Task.Workspace
	cmd.Stdin = bytes.NewBufferString(prompt)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Env = append(cmd.Env,
		"LOOPD_TASK_ID="+req.Task.ID,
		"LOOPD_PROJECT="+req.Task.Project,
		"LOOPD_ITERATION="+strconv.Itoa(req.Iteration),
		"LOOPD_COMPLETION_PROMISE="+req.Task.CompletionPromise,
	)
	cmd.WaitDelay = 5 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err = cmd.Run()
	c.logger.Debug("worker finished",
		zap.String("task.id", req.Task.ID),
		zap.Int("task.iteration", req.Iteration),
		zap.Duration("duration", time.Since(start)),
		zap.Int("output_bytes", out.Len()))

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return out.String(), ctx.Err()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return out.String(), fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out.String(), fmt.Errorf("%w: code %d", ErrExit, exitErr.ExitCode())
		}
		return out.String(), fmt.Errorf("starting worker: %w", err)
	}
	return out.String(), nil
}
