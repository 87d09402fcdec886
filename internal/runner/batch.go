package runner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/task"
)

// Result pairs a batch task with its outcome. Err is set when the task
// could not be driven at all.
type Result struct {
	Task    task.Task
	Outcome loop.Outcome
	Err     error
}

// ExitCode is the process exit code this result maps to.
func (r Result) ExitCode() int {
	if r.Err != nil {
		return loop.ExitFailure
	}
	return r.Outcome.ExitCode()
}

// RunBatch drives tasks concurrently, at most Runner.Concurrency at a
// time. Tasks sharing a workspace run one after another in file order
// since they edit the same tree. Results keep the input order.
func (r *Runner) RunBatch(ctx context.Context, tasks []task.Task, opts loop.RunOptions) []Result {
	results := make([]Result, len(tasks))
	lanes := map[string][]int{}
	var order []string
	for i, t := range tasks {
		results[i].Task = t
		prepared, err := r.Prepare(t)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Task = prepared
		if _, ok := lanes[prepared.Workspace]; !ok {
			order = append(order, prepared.Workspace)
		}
		lanes[prepared.Workspace] = append(lanes[prepared.Workspace], i)
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Runner.Concurrency)
	for _, ws := range order {
		idx := lanes[ws]
		g.Go(func() error {
			for _, i := range idx {
				if err := ctx.Err(); err != nil {
					results[i].Err = fmt.Errorf("not started: %w", err)
					continue
				}
				out, err := r.Run(ctx, results[i].Task, opts)
				results[i].Outcome, results[i].Err = out, err
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info(ctx, "batch finished", zap.Int("tasks", len(tasks)), zap.Int("exit_code", BatchExitCode(results)))
	return results
}

// BatchExitCode folds results into one exit code: a failure wins, then
// halted, then anything needing a human, then success.
func BatchExitCode(results []Result) int {
	code := loop.ExitCompleted
	rank := map[int]int{loop.ExitCompleted: 0, loop.ExitBlockedForHuman: 1, loop.ExitHalted: 2, loop.ExitFailure: 3}
	for _, res := range results {
		if c := res.ExitCode(); rank[c] > rank[code] {
			code = c
		}
	}
	return code
}

// Errors joins the per-task errors of a batch.
func Errors(results []Result) error {
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Task.ID, res.Err))
		}
	}
	return errors.Join(errs...)
}
