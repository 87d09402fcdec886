package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/guardrail"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/verifier"
)

var (
	scanProject   string
	scanWorkspace string
	scanJSON      bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [patch|-]",
	Short: "Run the guardrails over a unified diff",
	Long: `Scan the lines a unified diff (git diff output) adds with the guardrails
loopd applies to every attempt: suppression comments, disabled or focused
tests, and secrets when guardrail.secret_scan is on. Removed and context
lines are never reported.

The diff is read from the named file, or from stdin when the argument is
'-' or missing. Overrides come from .loopd/guardrails.toml in --workspace,
or in the workspace of --project.

Exits 2 when any guardrail is hit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanProject, "project", "", "use this project's workspace for overrides")
	scanCmd.Flags().StringVar(&scanWorkspace, "workspace", "", "workspace holding .loopd/guardrails.toml (default .)")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print JSON")
	scanCmd.MarkFlagsMutuallyExclusive("project", "workspace")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workspace, err := scanDir(cfg, scanProject, scanWorkspace)
	if err != nil {
		return &exitError{code: loop.ExitFailure, err: err}
	}
	text, err := readPatch(cmd.InOrStdin(), args)
	if err != nil {
		return &exitError{code: loop.ExitFailure, err: err}
	}
	hits, err := scanPatch(text, workspace, cfg.Guardrail.SecretScan)
	if err != nil {
		return &exitError{code: loop.ExitFailure, err: err}
	}

	if scanJSON {
		if hits == nil {
			hits = []guardrail.Hit{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(hits); err != nil {
			return err
		}
	} else {
		writeHits(cmd.OutOrStdout(), hits)
	}
	if len(hits) > 0 {
		return &exitError{code: loop.ExitBlockedForHuman}
	}
	return nil
}

// scanDir picks the workspace whose overrides apply.
func scanDir(cfg *config.Config, project, workspace string) (string, error) {
	switch {
	case workspace != "":
		return workspace, nil
	case project != "":
		pc, ok := cfg.Projects[project]
		if !ok {
			return "", fmt.Errorf("%w: %s", verifier.ErrUnknownProject, project)
		}
		if pc.Workspace == "" {
			return "", fmt.Errorf("project %s has no workspace", project)
		}
		return pc.Workspace, nil
	default:
		return ".", nil
	}
}

func readPatch(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading diff from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading diff: %w", err)
	}
	return string(data), nil
}

// scanPatch parses a unified diff and scans its added lines with the
// scanner configured for workspace.
func scanPatch(text, workspace string, secretScan bool) ([]guardrail.Hit, error) {
	diffs, err := guardrail.ParseUnifiedDiff(text)
	if err != nil {
		return nil, err
	}
	scanner, err := guardrail.ForWorkspace(workspace, secretScan)
	if err != nil {
		return nil, err
	}
	return scanner.Scan(diffs), nil
}

func writeHits(w io.Writer, hits []guardrail.Hit) {
	if len(hits) == 0 {
		fmt.Fprintln(w, "no guardrail hits")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tLINE\tPATTERN\tMATCH")
	for _, h := range hits {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", h.File, h.Line, h.PatternID, h.MatchedText)
	}
	_ = tw.Flush()
}
