package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/operator"
	"github.com/fyrsmithlabs/loopd/internal/runner"
	"github.com/fyrsmithlabs/loopd/internal/task"
)

var (
	runTaskFile        string
	runTaskID          string
	runDescription     string
	runDescriptionFile string
	runProject         string
	runWorkspace       string
	runPromise         string
	runMaxIterations   int

	runResume   bool
	runForce    bool
	runServe    bool
	runNoPrompt bool
	runJSON     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive one task to completion",
	Long: `Run one task: invoke the worker, verify the result, and repeat until the
task is verified complete, blocked, escalated or halted.

Examples:
  # Describe the task on the command line
  loopd run --task-id fix-login --project api \
    --description "Fix the failing login test" --promise DONE

  # Load the task from YAML
  loopd run --task-file fix-login.yaml

  # Continue an interrupted task
  loopd run --task-file fix-login.yaml --resume`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var batchCmd = &cobra.Command{
	Use:   "batch <tasks.yaml>",
	Short: "Drive many tasks concurrently",
	Long: `Run every task in a YAML file. Tasks run concurrently up to
runner.concurrency; tasks sharing a workspace run one after another.

The exit code is the most severe task outcome.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	addLoopFlags(runCmd)
	addLoopFlags(batchCmd)

	f := runCmd.Flags()
	f.StringVar(&runTaskFile, "task-file", "", "YAML file holding the task")
	f.StringVar(&runTaskID, "task-id", "", "task id (letters, digits, '.', '_', '-')")
	f.StringVar(&runDescription, "description", "", "task description given to the worker")
	f.StringVar(&runDescriptionFile, "description-file", "", "read the description from a file ('-' for stdin)")
	f.StringVar(&runProject, "project", "", "configured project to verify against")
	f.StringVar(&runWorkspace, "workspace", "", "workspace (default: the project's workspace)")
	f.StringVar(&runPromise, "promise", "DONE", "completion promise the worker emits as <promise>X</promise>")
	f.IntVar(&runMaxIterations, "max-iterations", 0, "iteration budget (default runner.max_iterations)")
	runCmd.MarkFlagsMutuallyExclusive("task-file", "task-id")
	runCmd.MarkFlagsMutuallyExclusive("description", "description-file")
}

func addLoopFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.BoolVar(&runResume, "resume", false, "continue from the saved snapshot")
	f.BoolVar(&runForce, "force", false, "discard any saved snapshot and start fresh")
	f.BoolVar(&runServe, "serve", false, "serve the operator API while running (default operator.enabled)")
	f.BoolVar(&runNoPrompt, "no-prompt", false, "never prompt on the terminal for escalations")
	f.BoolVar(&runJSON, "json", false, "print outcomes as JSON")
	cmd.MarkFlagsMutuallyExclusive("resume", "force")
}

// taskFromFlags builds the task described by the run flags.
func taskFromFlags(stdin io.Reader) (task.Task, error) {
	if runTaskFile != "" {
		tasks, err := task.LoadFile(runTaskFile)
		if err != nil {
			return task.Task{}, err
		}
		if len(tasks) != 1 {
			return task.Task{}, fmt.Errorf("%s holds %d tasks; use loopd batch", runTaskFile, len(tasks))
		}
		t := tasks[0]
		if runMaxIterations > 0 {
			t.MaxIterations = runMaxIterations
		}
		return t, nil
	}

	desc := runDescription
	if runDescriptionFile != "" {
		var (
			data []byte
			err  error
		)
		if runDescriptionFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(runDescriptionFile)
		}
		if err != nil {
			return task.Task{}, fmt.Errorf("reading description: %w", err)
		}
		desc = string(data)
	}
	if runTaskID == "" {
		return task.Task{}, fmt.Errorf("either --task-file or --task-id is required")
	}
	return task.Task{
		ID:                runTaskID,
		Description:       strings.TrimSpace(desc),
		Project:           runProject,
		Workspace:         runWorkspace,
		CompletionPromise: runPromise,
		MaxIterations:     runMaxIterations,
	}, nil
}

// pendingResolver leaves every escalation pending for a later resume.
type pendingResolver struct{}

func (pendingResolver) Resolve(context.Context, task.Escalation) (task.Resolution, error) {
	return "", loop.ErrNoResolver
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// session is a runner plus the optional operator API around it.
type session struct {
	app    *app
	runner *runner.Runner
	cancel context.CancelFunc
	wait   func()
}

// startSession builds the runner and picks who answers escalations: the
// terminal when interactive, else the operator API when served, else
// nobody and escalations stay pending.
func startSession(ctx context.Context, serve bool) (*session, context.Context, error) {
	a, err := newApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	serve = serve || a.cfg.Operator.Enabled

	var opts []runner.Option
	term := operator.NewTerminal(os.Stdin, os.Stderr)
	switch {
	case !runNoPrompt && term.Interactive():
		opts = append(opts, runner.WithResolver(term))
	case serve:
		// the runner's broker answers through the API
	default:
		opts = append(opts, runner.WithResolver(pendingResolver{}))
	}

	r, err := a.runner(ctx, opts...)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	s := &session{app: a, runner: r, wait: func() {}}
	ctx, s.cancel = context.WithCancel(ctx)
	if serve {
		wait, err := a.operatorServer(ctx, r)
		if err != nil {
			s.Close()
			return nil, nil, &exitError{code: 1, err: err}
		}
		s.wait = wait
	}
	return s, ctx, nil
}

// Close stops the API and releases every service.
func (s *session) Close() {
	s.cancel()
	s.wait()
	if err := s.runner.Close(); err != nil {
		s.app.logger.Warn(context.Background(), "closing runner", zap.Error(err))
	}
	s.app.Close()
}

func runOptions() loop.RunOptions {
	return loop.RunOptions{Resume: runResume, Force: runForce}
}

func runRun(cmd *cobra.Command, _ []string) error {
	t, err := taskFromFlags(cmd.InOrStdin())
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	ctx, stop := signalContext()
	defer stop()
	s, ctx, err := startSession(ctx, runServe)
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.runner.Run(ctx, t, runOptions())
	if err != nil {
		return &exitError{code: loop.ExitFailure, err: err}
	}
	if err := printOutcomes(cmd.OutOrStdout(), []runner.Result{{Task: t, Outcome: out}}, runJSON); err != nil {
		return err
	}
	if code := out.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	tasks, err := task.LoadFile(args[0])
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	ctx, stop := signalContext()
	defer stop()
	s, ctx, err := startSession(ctx, runServe)
	if err != nil {
		return err
	}
	defer s.Close()

	results := s.runner.RunBatch(ctx, tasks, runOptions())
	if err := printOutcomes(cmd.OutOrStdout(), results, runJSON); err != nil {
		return err
	}
	if code := runner.BatchExitCode(results); code != 0 {
		return &exitError{code: code, err: runner.Errors(results)}
	}
	return nil
}

// outcomeLine is the JSON form of one result.
type outcomeLine struct {
	loop.Outcome
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func printOutcomes(w io.Writer, results []runner.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, res := range results {
			line := outcomeLine{Outcome: res.Outcome, ExitCode: res.ExitCode()}
			if line.TaskID == "" {
				line.TaskID = res.Task.ID
			}
			if res.Err != nil {
				line.Error = res.Err.Error()
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
		return nil
	}
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(w, "%-24s %-18s %s\n", res.Task.ID, "error", res.Err)
			continue
		}
		o := res.Outcome
		budget := o.Task.MaxIterations
		if budget == 0 {
			budget = res.Task.MaxIterations
		}
		fmt.Fprintf(w, "%-24s %-18s %d/%d  %s\n", res.Task.ID, o.Status, o.Iterations, budget, o.Reason)
	}
	return nil
}
