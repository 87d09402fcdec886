package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/runner"
	"github.com/fyrsmithlabs/loopd/internal/verifier"
)

var (
	baselineProject string
	baselineJSON    bool
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Inspect or reset a project's pre-existing issue baseline",
	Long: `Each project has a baseline: the issues its checks reported before any task
touched it. Issues in the baseline are pre-existing and never block a task.

The baseline is captured automatically the first time a task runs on the
project. Reset it to have the next task capture it again, or refresh it to
capture it now from the current tree.`,
}

var baselineShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored baseline",
	Args:  cobra.NoArgs,
	RunE:  runBaselineShow,
}

var baselineResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the stored baseline",
	Args:  cobra.NoArgs,
	RunE:  runBaselineReset,
}

var baselineRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run the project's checks now and store the result as the baseline",
	Args:  cobra.NoArgs,
	RunE:  runBaselineRefresh,
}

func init() {
	baselineCmd.PersistentFlags().StringVar(&baselineProject, "project", "", "project name (required)")
	_ = baselineCmd.MarkPersistentFlagRequired("project")
	baselineShowCmd.Flags().BoolVar(&baselineJSON, "json", false, "print JSON")

	baselineCmd.AddCommand(baselineShowCmd)
	baselineCmd.AddCommand(baselineResetCmd)
	baselineCmd.AddCommand(baselineRefreshCmd)
}

// baselineVerifier builds the verifier for the selected project.
func baselineVerifier() (*verifier.Verifier, *verifier.FileBaselineStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if _, ok := cfg.Projects[baselineProject]; !ok {
		return nil, nil, &exitError{code: 1, err: fmt.Errorf("%w: %s", verifier.ErrUnknownProject, baselineProject)}
	}
	logCfg, err := logging.FromConfig(cfg.Logging, false)
	if err != nil {
		return nil, nil, &exitError{code: 1, err: err}
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, nil, &exitError{code: 1, err: err}
	}
	ver, store, err := runner.NewVerifier(cfg, logger.Underlying().Named("verifier"))
	if err != nil {
		return nil, nil, &exitError{code: 1, err: err}
	}
	return ver, store, nil
}

func runBaselineShow(cmd *cobra.Command, _ []string) error {
	ver, _, err := baselineVerifier()
	if err != nil {
		return err
	}
	b, err := ver.Baseline(baselineProject)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if b == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "no baseline for %s; the next task will capture it\n", baselineProject)
		return nil
	}
	if baselineJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	}
	writeBaseline(cmd.OutOrStdout(), b)
	return nil
}

func writeBaseline(w io.Writer, b *verifier.Baseline) {
	fmt.Fprintf(w, "project %s: %d pre-existing issues, captured %s\n",
		b.Project, len(b.Entries), b.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if len(b.Entries) == 0 {
		return
	}
	entries := make([]verifier.Entry, 0, len(b.Entries))
	for _, e := range b.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].File != entries[j].File {
			return entries[i].File < entries[j].File
		}
		return entries[i].Line < entries[j].Line
	})
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tLINE\tRULE\tMESSAGE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.File, e.Line, e.Rule, e.Message)
	}
	_ = tw.Flush()
}

func runBaselineReset(cmd *cobra.Command, _ []string) error {
	_, store, err := baselineVerifier()
	if err != nil {
		return err
	}
	if err := store.Delete(baselineProject); err != nil {
		return &exitError{code: 1, err: err}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "baseline for %s reset\n", baselineProject)
	return nil
}

func runBaselineRefresh(cmd *cobra.Command, _ []string) error {
	ver, _, err := baselineVerifier()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	b, err := ver.Rebaseline(ctx, baselineProject)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	writeBaseline(cmd.OutOrStdout(), b)
	return nil
}
