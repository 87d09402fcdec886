package loop

import (
	"context"

	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/guardrail"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/task"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
	"github.com/fyrsmithlabs/loopd/internal/verifier"
	"github.com/fyrsmithlabs/loopd/internal/worker"
)

// Verifier produces a verdict for the current workspace state.
type Verifier interface {
	Verify(ctx context.Context, req verifier.Request) (verdict.Verdict, error)
	EnsureBaseline(ctx context.Context, project, workspace string) (*verifier.Baseline, error)
}

// SnapshotStore persists resumable task state.
type SnapshotStore interface {
	Write(taskID string, snap snapshot.Snapshot) error
	Read(taskID string) (*snapshot.Snapshot, error)
	Clear(taskID string) error
}

// VCSQuery reports what changed in the task workspace.
type VCSQuery interface {
	Head(ctx context.Context) (string, error)
	ChangedFilesSince(ctx context.Context, ref string) ([]string, error)
	Diff(ctx context.Context, ref string, files []string) ([]guardrail.FileDiff, error)
	Revert(ctx context.Context, ref string) error
}

// WorkerInvoker runs one worker attempt and returns its output.
type WorkerInvoker interface {
	Invoke(ctx context.Context, req worker.Request) (string, error)
}

// HistoryRecorder is the append-only iteration log.
type HistoryRecorder interface {
	Append(ctx context.Context, rec task.IterationRecord) error
	List(ctx context.Context, taskID, runID string) ([]task.IterationRecord, error)
	Resolve(ctx context.Context, taskID, runID string, iteration int, res task.Resolution) error
}

// Resolver blocks until an operator answers an escalation or ctx ends.
type Resolver interface {
	Resolve(ctx context.Context, esc task.Escalation) (task.Resolution, error)
}

// HintProvider supplies prior-learning hints for a task.
type HintProvider interface {
	Hints(ctx context.Context, t task.Task) ([]string, error)
}

// Publisher receives fire-and-forget side-effect events.
type Publisher interface {
	Publish(ev events.Event)
}
