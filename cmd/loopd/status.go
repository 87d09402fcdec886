package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/loopd/internal/history"
	"github.com/fyrsmithlabs/loopd/internal/monitor"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/task"
)

var (
	statusTask string
	statusLast int
	statusJSON bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show in-flight tasks and iteration history",
	Long: `Show every task with a saved snapshot (running, halted, or waiting on an
operator), read from the local state directory. With --task, print the
iterations of the task's latest run, including finished runs.

The history log is opened read-only; while another loopd process holds it,
only snapshots are shown.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTask, "task", "", "show iteration history for one task")
	statusCmd.Flags().IntVar(&statusLast, "last", 10, "iterations to show with --task (0 for all)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
}

// taskReport is one task in status output.
type taskReport struct {
	TaskID     string                 `json:"task_id"`
	Project    string                 `json:"project,omitempty"`
	RunID      string                 `json:"run_id,omitempty"`
	Iteration  int                    `json:"iteration"`
	Budget     int                    `json:"max_iterations,omitempty"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	InFlight   bool                   `json:"in_flight"`
	Last       *task.IterationRecord  `json:"last,omitempty"`
	Iterations []task.IterationRecord `json:"iterations,omitempty"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	snaps, err := snapshot.NewStore(cfg.SnapshotDir()).List()
	if err != nil {
		// Unreadable snapshots are reported; readable ones are still shown.
		fmt.Fprintln(cmd.ErrOrStderr(), "warning:", err)
	}
	var log iterationLog
	if hist, err := history.Open(history.Config{Path: cfg.History.Path, ReadOnly: true}, nil); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: history unavailable:", err)
	} else {
		defer hist.Close()
		log = hist
	}

	reports, err := buildReports(ctx, snaps, log, statusTask, statusLast)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	writeStatus(cmd.OutOrStdout(), reports, time.Now())
	return nil
}

// iterationLog is the part of the history store status reads.
type iterationLog interface {
	List(ctx context.Context, taskID, runID string) ([]task.IterationRecord, error)
	Runs(ctx context.Context, taskID string) ([]string, error)
}

// buildReports joins snapshots with history. With only set, the report
// is for that task alone and carries up to last iterations.
func buildReports(ctx context.Context, snaps []snapshot.Snapshot, hist iterationLog, only string, last int) ([]taskReport, error) {
	var reports []taskReport
	for _, s := range snaps {
		if only != "" && s.TaskID != only {
			continue
		}
		t := task.FromSnapshot(s)
		reports = append(reports, taskReport{
			TaskID:    t.ID,
			Project:   t.Project,
			RunID:     t.RunID(),
			Iteration: s.Iteration,
			Budget:    s.MaxIterations,
			StartedAt: s.StartedAt,
			InFlight:  true,
		})
	}
	if only != "" && len(reports) == 0 {
		// Finished tasks leave no snapshot; fall back to the latest run.
		if hist == nil {
			return nil, fmt.Errorf("no saved state for task %s", only)
		}
		runs, err := hist.Runs(ctx, only)
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, fmt.Errorf("no saved state or history for task %s", only)
		}
		reports = append(reports, taskReport{TaskID: only, RunID: runs[len(runs)-1]})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].TaskID < reports[j].TaskID })

	if hist == nil {
		return reports, nil
	}
	for i := range reports {
		recs, err := hist.List(ctx, reports[i].TaskID, reports[i].RunID)
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			continue
		}
		lastRec := recs[len(recs)-1]
		reports[i].Last = &lastRec
		if !reports[i].InFlight {
			reports[i].Iteration = lastRec.Iteration
		}
		if only != "" {
			if last > 0 && len(recs) > last {
				recs = recs[len(recs)-last:]
			}
			reports[i].Iterations = recs
		}
	}
	return reports, nil
}

func writeStatus(w io.Writer, reports []taskReport, now time.Time) {
	if len(reports) == 0 {
		fmt.Fprintln(w, "no tasks in flight")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPROJECT\tSTATE\tITERATIONS\tAGE\tLAST DECISION")
	for _, r := range reports {
		state := "finished"
		if r.InFlight {
			state = "in flight"
		}
		iterations := fmt.Sprint(r.Iteration)
		if r.Budget > 0 {
			iterations = monitor.FormatIterations(r.Iteration, r.Budget)
		}
		age := "-"
		if !r.StartedAt.IsZero() {
			age = monitor.FormatAge(r.StartedAt, now)
		}
		decision := "-"
		if r.Last != nil {
			decision = monitor.Truncate(r.Last.Decision.String(), 60)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.TaskID, r.Project, state, iterations, age, decision)
	}
	_ = tw.Flush()

	for _, r := range reports {
		if len(r.Iterations) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s run %s\n", r.TaskID, r.RunID)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tVERDICT\tDECISION\tCLAIM\tFILES\tRESOLUTION\tREASON")
		for _, rec := range r.Iterations {
			resolution := string(rec.Resolution)
			if resolution == "" {
				resolution = "-"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%d\t%s\t%s\n",
				rec.Iteration, rec.Verdict.Kind, rec.Decision.Decision, rec.CompletionSignal,
				len(rec.ChangedFiles), resolution, monitor.Truncate(rec.Decision.Reason, 60))
		}
		_ = tw.Flush()
	}
}
