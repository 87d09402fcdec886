package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/runner"
	"github.com/fyrsmithlabs/loopd/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve [tasks.yaml]",
	Short: "Run headless with the operator API",
	Long: `Serve the operator API and, when a task file is given, run its tasks.
Escalations wait for an answer through the API (loopd resolve). The
process keeps serving until interrupted.

Examples:
  # Run a batch headless and answer escalations remotely
  loopd serve tasks.yaml
  loopd resolve fix-login revert`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServeCmd,
}

func init() {
	serveCmd.Flags().BoolVar(&runResume, "resume", false, "continue tasks from their saved snapshots")
	serveCmd.Flags().BoolVar(&runForce, "force", false, "discard saved snapshots and start fresh")
	serveCmd.MarkFlagsMutuallyExclusive("resume", "force")
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	var tasks []task.Task
	if len(args) == 1 {
		var err error
		if tasks, err = task.LoadFile(args[0]); err != nil {
			return &exitError{code: 1, err: err}
		}
	}

	ctx, stop := signalContext()
	defer stop()
	// Escalations must reach the API, never the terminal.
	runNoPrompt = true
	s, ctx, err := startSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(tasks) > 0 {
		results := s.runner.RunBatch(ctx, tasks, runOptions())
		if err := printOutcomes(cmd.OutOrStdout(), results, runJSON); err != nil {
			return err
		}
		s.app.logger.Info(ctx, "batch done, still serving", zap.Int("exit_code", runner.BatchExitCode(results)))
	}
	<-ctx.Done()
	return nil
}
