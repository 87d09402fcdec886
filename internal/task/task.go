// Package task defines the unit of retried work and its iteration records.
package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/loopd/internal/gate"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
)

// ErrNoVerdict is returned when completing a task that was never verified.
var ErrNoVerdict = errors.New("task cannot complete without a verdict")

// Task is one unit of retried work.
type Task struct {
	ID                 string   `json:"id" yaml:"id"`
	Description        string   `json:"description" yaml:"description"`
	Project            string   `json:"project" yaml:"project"`
	Workspace          string   `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	TargetFilePatterns []string `json:"target_file_patterns,omitempty" yaml:"target_file_patterns,omitempty"`
	TestFilePatterns   []string `json:"test_file_patterns,omitempty" yaml:"test_file_patterns,omitempty"`
	CompletionPromise  string   `json:"completion_promise" yaml:"completion_promise"`
	MaxIterations      int      `json:"max_iterations" yaml:"max_iterations"`

	AttemptsUsed         int              `json:"attempts_used" yaml:"-"`
	Status               Status           `json:"status" yaml:"-"`
	LastVerdict          *verdict.Verdict `json:"last_verdict,omitempty" yaml:"-"`
	FilesActuallyChanged []string         `json:"files_actually_changed,omitempty" yaml:"-"`
	BaseRef              string           `json:"base_ref,omitempty" yaml:"-"`
	Resolution           Resolution       `json:"resolution,omitempty" yaml:"-"`
	Reason               string           `json:"reason,omitempty" yaml:"-"`
	StartedAt            time.Time        `json:"started_at" yaml:"-"`
}

// Validate checks the fields a task must have before it can run.
func (t *Task) Validate() error {
	if err := snapshot.ValidateTaskID(t.ID); err != nil {
		return err
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("task %s: description is required", t.ID)
	}
	if t.Project == "" {
		return fmt.Errorf("task %s: project is required", t.ID)
	}
	if t.CompletionPromise == "" {
		return fmt.Errorf("task %s: completion promise is required", t.ID)
	}
	if t.MaxIterations < 1 {
		return fmt.Errorf("task %s: max iterations must be >= 1, got %d", t.ID, t.MaxIterations)
	}
	return nil
}

// Terminal reports whether the task reached a final status with a verdict.
func (t *Task) Terminal() bool {
	return (t.Status == StatusCompleted || t.Status == StatusBlocked) && t.LastVerdict != nil
}

// RemainingBudget is the number of attempts left.
func (t *Task) RemainingBudget() int {
	if n := t.MaxIterations - t.AttemptsUsed; n > 0 {
		return n
	}
	return 0
}

// Record applies one iteration's outcome.
func (t *Task) Record(rec IterationRecord) {
	v := rec.Verdict
	t.AttemptsUsed = rec.Iteration
	t.LastVerdict = &v
	t.FilesActuallyChanged = rec.ChangedFiles
	t.Status = StatusInProgress
}

// MarkCompleted finishes the task successfully. A task is never completed
// without a verdict.
func (t *Task) MarkCompleted(reason string) error {
	if t.LastVerdict == nil {
		return ErrNoVerdict
	}
	t.Status = StatusCompleted
	t.Reason = reason
	return nil
}

// MarkBlocked finishes the task without success.
func (t *Task) MarkBlocked(reason string) {
	if t.LastVerdict == nil {
		v := verdict.NewBlocked(reason)
		t.LastVerdict = &v
	}
	t.Status = StatusBlocked
	t.Reason = reason
}

// runIDLayout sorts lexically in start order.
const runIDLayout = "20060102T150405.000000000Z"

// RunID identifies one start of the task. A resumed task keeps its run;
// a forced fresh start begins a new one.
func (t *Task) RunID() string {
	return t.StartedAt.UTC().Format(runIDLayout)
}

// Snapshot renders the resumable view of the task.
func (t *Task) Snapshot() snapshot.Snapshot {
	return snapshot.Snapshot{
		TaskID:            t.ID,
		Iteration:         t.AttemptsUsed,
		MaxIterations:     t.MaxIterations,
		CompletionPromise: t.CompletionPromise,
		StartedAt:         t.StartedAt,
		ProjectName:       t.Project,
		BaseRef:           t.BaseRef,
		Workspace:         t.Workspace,
		Description:       t.Description,
	}
}

// FromSnapshot rebuilds an in-progress task from its snapshot.
func FromSnapshot(s snapshot.Snapshot) Task {
	return Task{
		ID:                s.TaskID,
		Description:       s.Description,
		Project:           s.ProjectName,
		Workspace:         s.Workspace,
		CompletionPromise: s.CompletionPromise,
		MaxIterations:     s.MaxIterations,
		AttemptsUsed:      s.Iteration,
		Status:            StatusInProgress,
		BaseRef:           s.BaseRef,
		StartedAt:         s.StartedAt,
	}
}

// Resolution is the operator's answer to an ASK_HUMAN escalation.
type Resolution string

const (
	ResolutionRevert   Resolution = "revert"
	ResolutionOverride Resolution = "override"
	ResolutionAbort    Resolution = "abort"
)

// Resolutions lists every choice offered on escalation.
func Resolutions() []Resolution {
	return []Resolution{ResolutionRevert, ResolutionOverride, ResolutionAbort}
}

// ParseResolution accepts the short and long operator spellings.
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "revert", "revert-and-retry", "r":
		return ResolutionRevert, nil
	case "override", "override-and-accept", "accept", "o":
		return ResolutionOverride, nil
	case "abort", "a":
		return ResolutionAbort, nil
	default:
		return "", fmt.Errorf("unknown resolution %q (want revert, override or abort)", s)
	}
}

// Escalation is an ASK_HUMAN decision waiting for an operator.
type Escalation struct {
	TaskID    string            `json:"task_id"`
	Project   string            `json:"project"`
	Iteration int               `json:"iteration"`
	Decision  gate.StopDecision `json:"decision"`
	Verdict   *verdict.Verdict  `json:"verdict,omitempty"`
	Choices   []Resolution      `json:"choices"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEscalation builds the escalation for a task's current state.
func NewEscalation(t *Task, d gate.StopDecision, now time.Time) Escalation {
	return Escalation{
		TaskID:    t.ID,
		Project:   t.Project,
		Iteration: t.AttemptsUsed,
		Decision:  d,
		Verdict:   t.LastVerdict,
		Choices:   Resolutions(),
		CreatedAt: now.UTC(),
	}
}

// IterationRecord is the immutable audit entry for one attempt.
type IterationRecord struct {
	TaskID              string            `json:"task_id"`
	RunID               string            `json:"run_id"`
	Iteration           int               `json:"iteration"`
	WorkerOutputExcerpt string            `json:"worker_output_excerpt"`
	ChangedFiles        []string          `json:"changed_files"`
	Verdict             verdict.Verdict   `json:"verdict"`
	Decision            gate.StopDecision `json:"decision"`
	CompletionSignal    bool              `json:"completion_signal"`
	WorkerError         string            `json:"worker_error,omitempty"`
	Resolution          Resolution        `json:"resolution,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
}

// ExcerptLimit bounds the stored worker output.
const ExcerptLimit = 4096

// Excerpt keeps the tail of worker output, where completion claims and
// final summaries usually are.
func Excerpt(output string) string {
	if len(output) <= ExcerptLimit {
		return output
	}
	start := len(output) - ExcerptLimit
	for start < len(output) && !utf8.RuneStart(output[start]) {
		start++
	}
	return "..." + output[start:]
}
