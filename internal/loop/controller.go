// Package loop drives one task through repeated worker attempts.
//
// Each iteration invokes the worker, detects what changed, verifies the
// workspace, asks the gate whether the task may stop, and persists the
// outcome before anything else happens. Only the gate (or an operator
// answering an ASK_HUMAN escalation) can end a task.
package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/loopd/internal/control"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/gate"
	"github.com/fyrsmithlabs/loopd/internal/metrics"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/task"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
	"github.com/fyrsmithlabs/loopd/internal/verifier"
	"github.com/fyrsmithlabs/loopd/internal/worker"
)

const instrumentationName = "github.com/fyrsmithlabs/loopd/internal/loop"

var (
	// ErrWorkerInvocation marks an attempt whose worker did not run to
	// completion. It is recorded, never returned.
	ErrWorkerInvocation = errors.New("worker invocation failed")
	// ErrSnapshotExists is returned when a fresh start would discard an
	// in-flight task.
	ErrSnapshotExists = errors.New("snapshot exists for task; resume it or force a fresh start")
	// ErrNoResolver is returned by the default resolver.
	ErrNoResolver = errors.New("no operator resolver configured")
)

// Status is how a Run ended.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusBlocked         Status = "blocked"
	StatusBlockedForHuman Status = "blocked_for_human"
	StatusHalted          Status = "halted"
)

// Outcome is the result of Run.
type Outcome struct {
	TaskID      string            `json:"task_id"`
	Status      Status            `json:"status"`
	Reason      string            `json:"reason"`
	Iterations  int               `json:"iterations"`
	LastVerdict *verdict.Verdict  `json:"last_verdict,omitempty"`
	Decision    gate.StopDecision `json:"decision"`
	Task        task.Task         `json:"-"`
}

// Exit codes reported by the command surface.
const (
	ExitCompleted       = 0
	ExitFailure         = 1
	ExitBlockedForHuman = 2
	ExitHalted          = 3
)

// ExitCode maps the outcome to a process exit code.
func (o Outcome) ExitCode() int {
	switch o.Status {
	case StatusCompleted:
		return ExitCompleted
	case StatusHalted:
		return ExitHalted
	default:
		return ExitBlockedForHuman
	}
}

// Deps are the controller's collaborators. Verifier, Snapshots, VCS and
// Worker are required.
type Deps struct {
	Verifier  Verifier
	Snapshots SnapshotStore
	VCS       VCSQuery
	Worker    WorkerInvoker
	History   HistoryRecorder
	Resolver  Resolver
	Hints     HintProvider
	Events    Publisher
}

// Controller runs tasks. One controller serves one workspace; run
// concurrent tasks on separate controllers.
type Controller struct {
	deps     Deps
	controls *control.Controls
	limiter  *rate.Limiter
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithControls shares process-wide switches with the controller.
func WithControls(c *control.Controls) Option {
	return func(ctl *Controller) { ctl.controls = c }
}

// WithLimiter paces worker invocations. The limiter may be shared between
// controllers.
func WithLimiter(l *rate.Limiter) Option {
	return func(ctl *Controller) { ctl.limiter = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(ctl *Controller) { ctl.tracer = tp.Tracer(instrumentationName) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(ctl *Controller) { ctl.now = now }
}

// New creates a controller.
func New(deps Deps, opts ...Option) (*Controller, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("loop: verifier is required")
	case deps.Snapshots == nil:
		return nil, errors.New("loop: snapshot store is required")
	case deps.VCS == nil:
		return nil, errors.New("loop: vcs is required")
	case deps.Worker == nil:
		return nil, errors.New("loop: worker is required")
	}
	if deps.History == nil {
		deps.History = nopHistory{}
	}
	if deps.Resolver == nil {
		deps.Resolver = noResolver{}
	}
	if deps.Hints == nil {
		deps.Hints = NopHints{}
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	c := &Controller{
		deps:     deps,
		controls: control.New(control.Autonomous),
		limiter:  rate.NewLimiter(rate.Inf, 1),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		metrics:  metrics.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RunOptions selects how a task starts.
type RunOptions struct {
	// Resume continues from an existing snapshot.
	Resume bool
	// Force starts fresh even if a snapshot exists.
	Force bool
}

// run is the state of one Run call.
type run struct {
	c       *Controller
	t       task.Task
	history []task.IterationRecord
	// pending is a decision recovered on resume that still needs acting on.
	pending *gate.StopDecision
	log     *zap.Logger
}

// Run drives t until it completes, is blocked, waits on an operator or is
// halted. The returned error is reserved for failures that prevent the
// task from running at all.
func (c *Controller) Run(ctx context.Context, t task.Task, opts RunOptions) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "loop.run", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.project", t.Project),
	))
	defer span.End()

	if err := t.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	c.metrics.TasksActive.Inc()
	defer c.metrics.TasksActive.Dec()

	r := &run{
		c:   c,
		t:   t,
		log: c.logger.With(zap.String("task.id", t.ID), zap.String("task.project", t.Project)),
	}
	if err := r.init(ctx, opts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	out := r.loop(ctx)
	c.metrics.TaskOutcomesTotal.WithLabelValues(string(out.Status)).Inc()
	span.SetAttributes(
		attribute.String("outcome", string(out.Status)),
		attribute.Int("iterations", out.Iterations),
	)
	r.log.Info("task finished",
		zap.String("status", string(out.Status)),
		zap.String("reason", out.Reason),
		zap.Int("iterations", out.Iterations))
	return out, nil
}

func (r *run) init(ctx context.Context, opts RunOptions) error {
	snap, err := r.c.deps.Snapshots.Read(r.t.ID)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	switch {
	case snap != nil && opts.Resume:
		return r.resume(ctx, *snap)
	case snap != nil && !opts.Force:
		return fmt.Errorf("%w: %s", ErrSnapshotExists, r.t.ID)
	case snap == nil && opts.Resume:
		r.log.Info("no snapshot found, starting fresh")
	}
	return r.start(ctx)
}

func (r *run) start(ctx context.Context) error {
	r.t.AttemptsUsed = 0
	r.t.Status = task.StatusInProgress
	r.t.StartedAt = r.c.now().UTC()

	head, err := r.c.deps.VCS.Head(ctx)
	if err != nil {
		r.log.Warn("no base revision, revert will be unavailable", zap.Error(err))
		head = ""
	}
	r.t.BaseRef = head

	if _, err := r.c.deps.Verifier.EnsureBaseline(ctx, r.t.Project, r.t.Workspace); err != nil {
		if errors.Is(err, verifier.ErrUnknownProject) {
			return err
		}
		r.log.Warn("baseline not captured at start, first verification will establish it", zap.Error(err))
	}

	r.log.Info("task started",
		zap.Int("max_iterations", r.t.MaxIterations),
		zap.String("base_ref", r.t.BaseRef))
	r.writeSnapshot(0)
	return nil
}

func (r *run) resume(ctx context.Context, snap snapshot.Snapshot) error {
	restored := task.FromSnapshot(snap)
	// Configuration the snapshot does not carry comes from the caller.
	restored.TargetFilePatterns = r.t.TargetFilePatterns
	restored.TestFilePatterns = r.t.TestFilePatterns
	if restored.Workspace == "" {
		restored.Workspace = r.t.Workspace
	}
	if r.t.Project != "" && r.t.Project != restored.Project {
		r.log.Warn("resuming with the snapshot's project",
			zap.String("requested", r.t.Project), zap.String("snapshot", restored.Project))
	}
	r.t = restored
	r.log = r.c.logger.With(zap.String("task.id", r.t.ID), zap.String("task.project", r.t.Project))

	history, err := r.c.deps.History.List(ctx, r.t.ID, r.t.RunID())
	if err != nil {
		r.log.Warn("loading iteration history", zap.Error(err))
	}
	r.history = history

	if n := len(history); n > 0 {
		last := history[n-1]
		// A crash between the history append and the snapshot write leaves
		// the log one iteration ahead.
		if last.Iteration > r.t.AttemptsUsed {
			r.log.Warn("history is ahead of snapshot",
				zap.Int("snapshot_iteration", r.t.AttemptsUsed),
				zap.Int("history_iteration", last.Iteration))
			r.t.AttemptsUsed = last.Iteration
		}
		if last.Iteration == r.t.AttemptsUsed {
			v := last.Verdict
			r.t.LastVerdict = &v
			r.t.FilesActuallyChanged = last.ChangedFiles
			if last.Resolution == "" && last.Decision.Decision != gate.Block {
				d := last.Decision
				r.pending = &d
			}
		}
	}

	r.log.Info("task resumed",
		zap.Int("task.iteration", r.t.AttemptsUsed),
		zap.Int("max_iterations", r.t.MaxIterations))
	return nil
}

func (r *run) loop(ctx context.Context) Outcome {
	for {
		if r.pending != nil {
			d := *r.pending
			r.pending = nil
			if out, done := r.act(ctx, d); done {
				return out
			}
			continue
		}

		if r.t.AttemptsUsed >= r.t.MaxIterations {
			// Only reachable on resume of an exhausted task.
			d := gate.StopDecision{Decision: gate.AskHuman, Reason: fmt.Sprintf("%s (%d/%d)",
				gate.ReasonBudgetExhausted, r.t.AttemptsUsed, r.t.MaxIterations)}
			if out, done := r.act(ctx, d); done {
				return out
			}
			continue
		}

		if halted, reason := r.c.controls.Halted(); halted {
			return r.halt(reason)
		}
		if err := ctx.Err(); err != nil {
			return r.halt("interrupted: " + err.Error())
		}
		if err := r.c.limiter.Wait(ctx); err != nil {
			return r.halt("interrupted while waiting for a worker slot: " + err.Error())
		}
		// A halt raised while waiting for the limiter applies to this attempt.
		if halted, reason := r.c.controls.Halted(); halted {
			return r.halt(reason)
		}

		d, ok := r.iterate(ctx, r.t.AttemptsUsed+1)
		if !ok {
			return r.halt("interrupted: " + context.Cause(ctx).Error())
		}
		if out, done := r.act(ctx, d); done {
			return out
		}
	}
}

// iterate runs one attempt and persists its record. It returns the
// decision to act on, or false when ctx ended during the worker call; an
// interrupted attempt is not recorded and does not consume budget.
func (r *run) iterate(ctx context.Context, iteration int) (gate.StopDecision, bool) {
	c := r.c
	ctx, span := c.tracer.Start(ctx, "loop.iteration", trace.WithAttributes(
		attribute.String("task.id", r.t.ID),
		attribute.Int("task.iteration", iteration),
	))
	defer span.End()
	log := r.log.With(zap.Int("task.iteration", iteration))
	c.metrics.IterationsTotal.WithLabelValues(r.t.Project).Inc()

	hints, err := c.deps.Hints.Hints(ctx, r.t)
	if err != nil {
		log.Warn("loading hints", zap.Error(err))
	}

	output, werr := c.deps.Worker.Invoke(ctx, worker.Request{
		Task:      r.t,
		Iteration: iteration,
		History:   r.history,
		Hints:     hints,
	})

	if werr != nil && ctx.Err() != nil {
		log.Warn("worker interrupted", zap.Error(werr))
		return gate.StopDecision{}, false
	}

	rec := task.IterationRecord{
		TaskID:              r.t.ID,
		RunID:               r.t.RunID(),
		Iteration:           iteration,
		WorkerOutputExcerpt: task.Excerpt(output),
	}

	if werr != nil {
		werr = fmt.Errorf("%w: %v", ErrWorkerInvocation, werr)
		log.Warn("worker invocation failed", zap.Error(werr))
		span.RecordError(werr)
		rec.WorkerError = werr.Error()
		rec.Verdict = verdict.NewBlocked(werr.Error())
	} else {
		rec.CompletionSignal = CompletionSignalSeen(output, r.t.CompletionPromise)
		rec.ChangedFiles, rec.Verdict = r.verify(ctx, log)
	}

	d := gate.Decide(gate.Input{
		CompletionSignalSeen: rec.CompletionSignal,
		FilesChanged:         rec.ChangedFiles,
		Verdict:              rec.Verdict,
		IterationsUsed:       iteration,
		MaxIterations:        r.t.MaxIterations,
	})
	d = r.escalate(d, iteration)
	rec.Decision = d
	rec.Timestamp = c.now().UTC()

	r.t.Record(rec)
	r.history = append(r.history, rec)

	c.metrics.DecisionsTotal.WithLabelValues(string(d.Decision)).Inc()
	c.metrics.VerdictsTotal.WithLabelValues(string(rec.Verdict.Kind), string(rec.Verdict.FailClass)).Inc()
	span.SetAttributes(
		attribute.String("verdict", string(rec.Verdict.Kind)),
		attribute.String("decision", string(d.Decision)),
		attribute.Int("files_changed", len(rec.ChangedFiles)),
	)
	log.Info("iteration finished",
		zap.Bool("completion_signal", rec.CompletionSignal),
		zap.Int("files_changed", len(rec.ChangedFiles)),
		zap.Stringer("verdict", rec.Verdict),
		zap.Stringer("decision", d))

	r.persist(ctx, rec)
	c.deps.Events.Publish(events.Event{
		Type:      events.IterationCompleted,
		TaskID:    r.t.ID,
		Iteration: iteration,
		Data: map[string]any{
			"decision":      string(d.Decision),
			"reason":        d.Reason,
			"verdict":       verdictData(rec.Verdict),
			"files_changed": len(rec.ChangedFiles),
		},
	})
	return d, true
}

// verify detects changes and, when there are any, asks the verifier for a
// verdict. Collaborator failures become BLOCKED verdicts.
func (r *run) verify(ctx context.Context, log *zap.Logger) ([]string, verdict.Verdict) {
	c := r.c
	files, err := c.deps.VCS.ChangedFilesSince(ctx, r.t.BaseRef)
	if err != nil {
		log.Error("detecting changed files", zap.Error(err))
		return nil, verdict.NewBlocked("change detection failed: " + err.Error())
	}
	if len(files) == 0 {
		return nil, verdict.NewBlocked("not verified: no files changed")
	}

	diffs, err := c.deps.VCS.Diff(ctx, r.t.BaseRef, files)
	if err != nil {
		log.Error("computing diff for guardrail scan", zap.Error(err))
		return files, verdict.NewBlocked("guardrail scan unavailable: " + err.Error())
	}

	v, err := c.deps.Verifier.Verify(ctx, verifier.Request{
		Project:      r.t.Project,
		Workspace:    r.t.Workspace,
		ChangedFiles: files,
		Diffs:        diffs,
	})
	if err != nil {
		log.Error("verification failed", zap.Error(err))
		return files, verdict.NewBlocked("verification error: " + err.Error())
	}
	v, err = verdict.Normalize(v)
	if err != nil {
		return files, verdict.NewBlocked(err.Error())
	}
	return files, v
}

// escalate applies the policies layered over the gate: an exhausted
// budget never ends in a silent BLOCK, and supervised autonomy sends every
// BLOCK to an operator.
func (r *run) escalate(d gate.StopDecision, iteration int) gate.StopDecision {
	if d.Decision != gate.Block {
		return d
	}
	if iteration >= r.t.MaxIterations {
		return gate.StopDecision{Decision: gate.AskHuman, Reason: fmt.Sprintf("%s (%d/%d) after: %s",
			gate.ReasonBudgetExhausted, iteration, r.t.MaxIterations, d.Reason)}
	}
	if r.c.controls.Autonomy() == control.Supervised {
		return gate.StopDecision{Decision: gate.AskHuman, Reason: "supervised: " + d.Reason}
	}
	return d
}

// persist appends the record, then overwrites the snapshot, so the
// snapshot never runs ahead of the history.
func (r *run) persist(ctx context.Context, rec task.IterationRecord) {
	if err := r.c.deps.History.Append(ctx, rec); err != nil {
		r.log.Error("appending iteration record; snapshot not advanced",
			zap.Int("task.iteration", rec.Iteration), zap.Error(err))
		r.persistFailed(rec.Iteration, fmt.Errorf("history: %w", err))
		return
	}
	r.writeSnapshot(rec.Iteration)
}

func (r *run) writeSnapshot(iteration int) {
	if err := r.c.deps.Snapshots.Write(r.t.ID, r.t.Snapshot()); err != nil {
		r.log.Error("writing snapshot", zap.Int("task.iteration", iteration), zap.Error(err))
		r.persistFailed(iteration, err)
	}
}

func (r *run) persistFailed(iteration int, err error) {
	r.c.metrics.SnapshotErrorsTotal.Inc()
	r.c.deps.Events.Publish(events.Event{
		Type:      events.SnapshotPersistFailed,
		TaskID:    r.t.ID,
		Iteration: iteration,
		Data:      map[string]any{"error": err.Error()},
	})
}

// act carries out a decision. done reports whether the run is over.
func (r *run) act(ctx context.Context, d gate.StopDecision) (Outcome, bool) {
	switch d.Decision {
	case gate.Allow:
		return r.complete(d, d.Reason), true
	case gate.AskHuman:
		return r.askHuman(ctx, d)
	default:
		return Outcome{}, false
	}
}

func (r *run) complete(d gate.StopDecision, reason string) Outcome {
	if err := r.t.MarkCompleted(reason); err != nil {
		// Unreachable through the gate: ALLOW always follows a verdict.
		r.t.MarkBlocked(err.Error())
		return r.finish(StatusBlocked, d, events.TaskBlocked)
	}
	return r.finish(StatusCompleted, d, events.TaskCompleted)
}

// finish ends the task for good and clears its snapshot.
func (r *run) finish(status Status, d gate.StopDecision, eventType string) Outcome {
	if err := r.c.deps.Snapshots.Clear(r.t.ID); err != nil {
		r.log.Error("clearing snapshot", zap.Error(err))
		r.persistFailed(r.t.AttemptsUsed, err)
	}
	r.c.deps.Events.Publish(events.Event{
		Type:      eventType,
		TaskID:    r.t.ID,
		Iteration: r.t.AttemptsUsed,
		Data:      map[string]any{"reason": r.t.Reason},
	})
	return r.outcome(status, r.t.Reason, d)
}

func (r *run) halt(reason string) Outcome {
	r.log.Warn("task halted; snapshot retained", zap.String("reason", reason))
	r.c.deps.Events.Publish(events.Event{
		Type:      events.TaskHalted,
		TaskID:    r.t.ID,
		Iteration: r.t.AttemptsUsed,
		Data:      map[string]any{"reason": reason},
	})
	return r.outcome(StatusHalted, reason, gate.StopDecision{})
}

func (r *run) outcome(status Status, reason string, d gate.StopDecision) Outcome {
	return Outcome{
		TaskID:      r.t.ID,
		Status:      status,
		Reason:      reason,
		Iterations:  r.t.AttemptsUsed,
		LastVerdict: r.t.LastVerdict,
		Decision:    d,
		Task:        r.t,
	}
}

// askHuman suspends on the resolver. No iteration is consumed while
// waiting.
func (r *run) askHuman(ctx context.Context, d gate.StopDecision) (Outcome, bool) {
	c := r.c
	esc := task.NewEscalation(&r.t, d, c.now())
	r.log.Warn("escalating to operator", zap.String("reason", d.Reason))
	c.deps.Events.Publish(events.Event{
		Type:      events.TaskEscalated,
		TaskID:    r.t.ID,
		Iteration: r.t.AttemptsUsed,
		Data:      escalationData(d.Reason, esc.Choices, r.t.LastVerdict),
	})

	c.metrics.EscalationsPending.Inc()
	res, err := c.deps.Resolver.Resolve(ctx, esc)
	c.metrics.EscalationsPending.Dec()
	if err != nil {
		r.log.Info("escalation left pending; snapshot retained", zap.Error(err))
		return r.outcome(StatusBlockedForHuman, d.Reason+" (pending operator resolution)", d), true
	}

	r.log.Info("operator resolved escalation", zap.String("resolution", string(res)))
	r.t.Resolution = res
	if r.t.AttemptsUsed > 0 {
		if err := c.deps.History.Resolve(ctx, r.t.ID, r.t.RunID(), r.t.AttemptsUsed, res); err != nil {
			r.log.Warn("recording resolution", zap.Error(err))
		}
	}

	switch res {
	case task.ResolutionOverride:
		return r.complete(d, "override: operator accepted after "+d.Reason), true
	case task.ResolutionAbort:
		r.t.MarkBlocked("aborted by operator after " + d.Reason)
		return r.finish(StatusBlocked, d, events.TaskBlocked), true
	case task.ResolutionRevert:
		if err := c.deps.VCS.Revert(ctx, r.t.BaseRef); err != nil {
			r.log.Error("revert failed", zap.Error(err))
			return r.outcome(StatusBlockedForHuman, "revert failed: "+err.Error(), d), true
		}
		if r.t.AttemptsUsed >= r.t.MaxIterations {
			// The retry needs a budget; grant exactly one attempt.
			r.t.MaxIterations = r.t.AttemptsUsed + 1
		}
		r.t.FilesActuallyChanged = nil
		r.log.Info("workspace reverted, retrying",
			zap.String("base_ref", r.t.BaseRef),
			zap.Int("max_iterations", r.t.MaxIterations))
		r.writeSnapshot(r.t.AttemptsUsed)
		return Outcome{}, false
	default:
		return r.outcome(StatusBlockedForHuman, fmt.Sprintf("unknown resolution %q", res), d), true
	}
}

// CompletionSignalSeen reports whether output carries the literal
// completion claim for promise.
func CompletionSignalSeen(output, promise string) bool {
	if promise == "" {
		return false
	}
	return strings.Contains(output, "<promise>"+promise+"</promise>")
}

type nopHistory struct{}

func (nopHistory) Append(context.Context, task.IterationRecord) error { return nil }
func (nopHistory) List(context.Context, string, string) ([]task.IterationRecord, error) {
	return nil, nil
}
func (nopHistory) Resolve(context.Context, string, string, int, task.Resolution) error { return nil }

type noResolver struct{}

func (noResolver) Resolve(context.Context, task.Escalation) (task.Resolution, error) {
	return "", ErrNoResolver
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// verdictData is the verdict as event consumers see it: the same map form
// the verifier's normalizer accepts. The kind alone stands in if encoding
// fails.
func verdictData(v verdict.Verdict) any {
	m, err := verdict.ToMap(v)
	if err != nil {
		return string(v.Kind)
	}
	return m
}

func escalationData(reason string, choices []task.Resolution, last *verdict.Verdict) map[string]any {
	data := map[string]any{
		"reason":  reason,
		"choices": choices,
	}
	if last != nil {
		data["verdict"] = verdictData(*last)
	}
	return data
}
