// Package main implements the loopd CLI: it drives coding tasks through a
// verify-and-retry loop and talks to the operator API of running loops.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the config file lookup
	configPath string
	// logLevel overrides logging.level from config
	logLevel string
	// serverURL overrides operator.url for client commands
	serverURL string

	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(rootCmd))
}

// execute runs cmd and maps its error to an exit code.
func execute(cmd *cobra.Command) int {
	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "loopd",
	Short: "Drive coding tasks through a verify-and-retry loop",
	Long: `loopd repeatedly invokes a coding worker on a task, independently verifies
every attempt against the project's quality checks and a pre-existing issue
baseline, and decides whether to continue, stop, or escalate to a human.

Exit codes:
  0  task completed
  1  hard failure (configuration, I/O)
  2  blocked, or waiting for a human decision
  3  halted by the operator`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("loopd %s (commit %s, built %s)\n", version, gitCommit, buildDate))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./loopd.yaml or ~/.config/loopd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "operator API URL (default operator.url)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(baselineCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(haltCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(autonomyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(scanCmd)
}
