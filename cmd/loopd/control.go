package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/loopd/internal/config"
	api "github.com/fyrsmithlabs/loopd/internal/http"
	"github.com/fyrsmithlabs/loopd/internal/monitor"
	"github.com/fyrsmithlabs/loopd/internal/task"
)

var (
	haltLocal     bool
	watchInterval time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <task-id> <revert|override|abort>",
	Short: "Answer a task waiting on an operator",
	Long: `Answer an escalation raised by a running loopd through its operator API.

  revert    reset the workspace to the task base and retry
  override  accept the current state as complete
  abort     stop the task as blocked

Without a choice, the pending escalations are listed.`,
	Args: cobra.RangeArgs(0, 2),
	RunE: runResolve,
}

var haltCmd = &cobra.Command{
	Use:   "halt [reason]",
	Short: "Stop every task at its next iteration boundary",
	Long: `Halt a running loopd through its operator API. Tasks stop before their next
iteration and keep their snapshots; resume them later with loopd run --resume.

With --file, the halt file in the state directory is written instead. Every
loopd process sharing the state directory watches it.`,
	Args: cobra.ArbitraryArgs,
	RunE: runHalt,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a halt",
	Args:  cobra.NoArgs,
	RunE:  runResumeCmd,
}

var autonomyCmd = &cobra.Command{
	Use:   "autonomy <autonomous|supervised>",
	Short: "Change how often a running loopd asks for an operator",
	Long: `In supervised mode every blocked attempt waits for an operator decision.
In autonomous mode only budget exhaustion and unverifiable attempts do.`,
	Args: cobra.ExactArgs(1),
	RunE: runAutonomy,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of a running loopd",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	haltCmd.Flags().BoolVar(&haltLocal, "file", false, "write the halt file instead of calling the API")
	resumeCmd.Flags().BoolVar(&haltLocal, "file", false, "remove the halt file instead of calling the API")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "refresh interval")
}

// client returns an operator API client for the configured URL.
func client() (*api.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	return api.NewClient(cfg.Operator.URL), cfg, nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	c, _, err := client()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if len(args) < 2 {
		escs, err := c.Escalations(ctx)
		if err != nil {
			return &exitError{code: 1, err: err}
		}
		writeEscalations(cmd.OutOrStdout(), escs, args)
		return nil
	}

	res, err := task.ParseResolution(args[1])
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if err := c.Resolve(ctx, args[0], res); err != nil {
		return &exitError{code: 1, err: err}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], res)
	return nil
}

func writeEscalations(w io.Writer, escs []task.Escalation, filter []string) {
	shown := 0
	for _, esc := range escs {
		if len(filter) == 1 && esc.TaskID != filter[0] {
			continue
		}
		shown++
		fmt.Fprintf(w, "%s (iteration %d): %s\n", esc.TaskID, esc.Iteration, esc.Decision.Reason)
		choices := make([]string, len(esc.Choices))
		for i, c := range esc.Choices {
			choices[i] = string(c)
		}
		fmt.Fprintf(w, "  loopd resolve %s <%s>\n", esc.TaskID, strings.Join(choices, "|"))
	}
	if shown == 0 {
		fmt.Fprintln(w, "no pending escalations")
	}
}

func runHalt(cmd *cobra.Command, args []string) error {
	reason := strings.Join(args, " ")
	c, cfg, err := client()
	if err != nil {
		return err
	}
	if haltLocal {
		if err := writeHaltFile(cfg.Runner.HaltFile, reason); err != nil {
			return &exitError{code: 1, err: err}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "halt file written: %s\n", cfg.Runner.HaltFile)
		return nil
	}
	resp, err := c.Halt(context.Background(), reason)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	writeControl(cmd.OutOrStdout(), resp)
	return nil
}

func runResumeCmd(cmd *cobra.Command, _ []string) error {
	c, cfg, err := client()
	if err != nil {
		return err
	}
	if haltLocal {
		if err := os.Remove(cfg.Runner.HaltFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &exitError{code: 1, err: err}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "halt file removed: %s\n", cfg.Runner.HaltFile)
		return nil
	}
	resp, err := c.Resume(context.Background())
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	writeControl(cmd.OutOrStdout(), resp)
	return nil
}

func runAutonomy(cmd *cobra.Command, args []string) error {
	c, _, err := client()
	if err != nil {
		return err
	}
	resp, err := c.SetAutonomy(context.Background(), args[0])
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	writeControl(cmd.OutOrStdout(), resp)
	return nil
}

func writeHaltFile(path, reason string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	if reason == "" {
		reason = "halted from the command line"
	}
	return os.WriteFile(path, []byte(reason+"\n"), 0o600)
}

func writeControl(w io.Writer, resp api.ControlResponse) {
	state := "running"
	if resp.Halted {
		state = "halted"
		if resp.HaltReason != "" {
			state += " (" + resp.HaltReason + ")"
		}
	}
	fmt.Fprintf(w, "%s, autonomy %s\n", state, resp.Autonomy)
}

func runWatch(_ *cobra.Command, _ []string) error {
	c, cfg, err := client()
	if err != nil {
		return err
	}
	model := monitor.NewModel(c, cfg.Operator.URL, watchInterval)
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		return &exitError{code: 1, err: fmt.Errorf("dashboard: %w", err)}
	}
	return nil
}
