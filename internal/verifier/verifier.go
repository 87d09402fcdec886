// Package verifier runs a project's check commands and turns their output
// into a Verdict, separating regressions from known pre-existing issues.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/guardrail"
	"github.com/fyrsmithlabs/loopd/internal/metrics"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
)

const instrumentationName = "github.com/fyrsmithlabs/loopd/internal/verifier"

var (
	// ErrUnknownProject is returned for a project with no configuration.
	ErrUnknownProject = errors.New("unknown project")
	// ErrCheckTimeout marks a check that exceeded its time budget.
	ErrCheckTimeout = errors.New("check timed out")
)

// Project is the verification configuration for one project.
type Project struct {
	Name      string
	Workspace string
	Checks    []Check
}

// Request asks for a verdict on the current state of a project.
type Request struct {
	Project string
	// Workspace is the tree the checks run in. Empty means the project's
	// configured workspace.
	Workspace    string
	ChangedFiles []string
	// Diffs carries the added lines of the change for the guardrail scan.
	Diffs []guardrail.FileDiff
}

// GuardrailScanner is the subset of guardrail.Scanner the verifier uses.
type GuardrailScanner interface {
	Scan(diffs []guardrail.FileDiff) []guardrail.Hit
}

// Verifier produces verdicts. It is safe for concurrent use across
// projects; baseline writes are serialized per project by the store.
type Verifier struct {
	projects map[string]Project
	store    BaselineStore
	runner   CommandRunner
	scanners map[string]GuardrailScanner
	fallback GuardrailScanner

	// scannerFor builds the scanner for a workspace; results are cached.
	scannerFor func(workspace string) (GuardrailScanner, error)
	mu         sync.Mutex
	byDir      map[string]GuardrailScanner

	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithRunner replaces the shell command runner.
func WithRunner(r CommandRunner) Option {
	return func(v *Verifier) { v.runner = r }
}

// WithScanner sets the guardrail scanner for one project.
func WithScanner(project string, s GuardrailScanner) Option {
	return func(v *Verifier) { v.scanners[project] = s }
}

// WithWorkspaceScanners builds each workspace's scanner on first use, so
// project overrides are read from the tree being verified. It takes
// precedence over WithScanner.
func WithWorkspaceScanners(fn func(workspace string) (GuardrailScanner, error)) Option {
	return func(v *Verifier) { v.scannerFor = fn }
}

// WithDefaultScanner sets the scanner used for projects without their own.
func WithDefaultScanner(s GuardrailScanner) Option {
	return func(v *Verifier) { v.fallback = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New creates a Verifier for the given projects.
func New(store BaselineStore, projects []Project, opts ...Option) (*Verifier, error) {
	v := &Verifier{
		projects: make(map[string]Project, len(projects)),
		store:    store,
		runner:   ShellRunner{},
		scanners: make(map[string]GuardrailScanner),
		byDir:    make(map[string]GuardrailScanner),
		logger:   zap.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
		metrics:  metrics.Default(),
		now:      time.Now,
	}
	for _, p := range projects {
		if p.Name == "" {
			return nil, fmt.Errorf("project name is required")
		}
		for _, c := range p.Checks {
			if err := c.Validate(); err != nil {
				return nil, fmt.Errorf("project %s: %w", p.Name, err)
			}
		}
		v.projects[p.Name] = p
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.fallback == nil {
		s, err := guardrail.NewScanner()
		if err != nil {
			return nil, err
		}
		v.fallback = s
	}
	return v, nil
}

// runOutcome is the aggregated result of running every check once.
type runOutcome struct {
	issues   []verdict.Issue
	timedOut []string
	failed   []string
}

func (o runOutcome) complete() bool {
	return len(o.timedOut) == 0 && len(o.failed) == 0
}

// Verify runs the project's checks and derives a verdict.
func (v *Verifier) Verify(ctx context.Context, req Request) (verdict.Verdict, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.verify", trace.WithAttributes(
		attribute.String("project", req.Project),
		attribute.Int("changed_files", len(req.ChangedFiles)),
	))
	defer span.End()

	p, ok := v.projects[req.Project]
	if !ok {
		span.SetStatus(codes.Error, "unknown project")
		return verdict.Verdict{}, fmt.Errorf("%w: %s", ErrUnknownProject, req.Project)
	}

	dir := req.Workspace
	if dir == "" {
		dir = p.Workspace
	}
	span.SetAttributes(attribute.String("workspace", dir))

	scanner, err := v.scanner(p, dir)
	if err != nil {
		span.RecordError(err)
		return verdict.Verdict{}, fmt.Errorf("loading guardrails for %s: %w", dir, err)
	}
	hits := scanner.Scan(req.Diffs)
	for _, h := range hits {
		v.metrics.GuardrailHitsTotal.WithLabelValues(h.PatternID).Inc()
	}

	out, err := v.runChecks(ctx, p, dir)
	if err != nil {
		span.RecordError(err)
		return verdict.Verdict{}, err
	}

	baseline, err := v.store.Load(p.Name)
	if err != nil {
		span.RecordError(err)
		return verdict.Verdict{}, fmt.Errorf("loading baseline: %w", err)
	}

	var vd verdict.Verdict
	if baseline == nil && out.complete() {
		created, err := v.store.Create(NewBaseline(p.Name, out.issues, v.now()))
		if err != nil {
			span.RecordError(err)
			return verdict.Verdict{}, fmt.Errorf("creating baseline: %w", err)
		}
		if created {
			v.logger.Info("baseline established",
				zap.String("project", p.Name),
				zap.Int("issues", len(out.issues)))
			vd = firstRun(hits, out)
		} else {
			// Another task created it first; compare against theirs.
			if baseline, err = v.store.Load(p.Name); err != nil {
				return verdict.Verdict{}, fmt.Errorf("loading baseline: %w", err)
			}
		}
	}
	if vd.Kind == "" {
		newIssues, preexisting := partition(baseline, out.issues)
		vd = derive(hits, out, preexisting, newIssues)
	}

	v.metrics.VerdictsTotal.WithLabelValues(string(vd.Kind), string(vd.FailClass)).Inc()
	span.SetAttributes(
		attribute.String("verdict", string(vd.Kind)),
		attribute.Int("new_issues", vd.NewIssueCount),
		attribute.Int("preexisting_issues", vd.PreexistingIssueCount),
		attribute.Int("guardrail_hits", len(vd.GuardrailHits)),
	)
	v.logger.Debug("verification complete",
		zap.String("project", p.Name),
		zap.Stringer("verdict", vd))
	return vd, nil
}

// derive applies the verdict priority: guardrail hits, then incomplete
// checks, then new issues, then pre-existing issues.
func derive(hits []guardrail.Hit, out runOutcome, preexisting int, newIssues []verdict.Issue) verdict.Verdict {
	var vd verdict.Verdict
	switch {
	case len(hits) > 0:
		vd = verdict.NewBlocked(fmt.Sprintf("%d guardrail violation(s) introduced: %s", len(hits), hitSummary(hits)))
	case len(out.timedOut) > 0:
		vd = verdict.NewBlocked(fmt.Sprintf("check(s) exceeded time budget: %s", strings.Join(out.timedOut, ", ")))
	case len(out.failed) > 0:
		vd = verdict.NewBlocked(fmt.Sprintf("check(s) failed to run: %s", strings.Join(out.failed, ", ")))
	case len(newIssues) > 0:
		vd = verdict.NewFail(fmt.Sprintf("%d new issue(s) introduced", len(newIssues)), len(newIssues), preexisting)
	case preexisting > 0:
		vd = verdict.NewFail(fmt.Sprintf("%d pre-existing issue(s), none new", preexisting), 0, preexisting)
	default:
		vd = verdict.NewPass("all checks clean")
	}
	if vd.Kind == verdict.Blocked {
		vd.NewIssueCount = len(newIssues)
		vd.PreexistingIssueCount = preexisting
	}
	vd.GuardrailHits = hits
	vd.NewIssues = newIssues
	vd.TimedOutChecks = out.timedOut
	return vd
}

// firstRun is the verdict for the run that created the baseline: every
// issue is pre-existing by definition, so only guardrail hits can block.
func firstRun(hits []guardrail.Hit, out runOutcome) verdict.Verdict {
	if len(hits) > 0 {
		return derive(hits, out, len(out.issues), nil)
	}
	vd := verdict.NewPass("baseline established")
	vd.PreexistingIssueCount = len(out.issues)
	return vd
}

func hitSummary(hits []guardrail.Hit) string {
	parts := make([]string, 0, len(hits))
	for i, h := range hits {
		if i == 5 {
			parts = append(parts, fmt.Sprintf("and %d more", len(hits)-5))
			break
		}
		parts = append(parts, fmt.Sprintf("%s at %s:%d", h.PatternID, h.File, h.Line))
	}
	return strings.Join(parts, "; ")
}

func partition(b *Baseline, issues []verdict.Issue) (newIssues []verdict.Issue, preexisting int) {
	for _, i := range issues {
		if b != nil && b.Contains(i) {
			preexisting++
			continue
		}
		newIssues = append(newIssues, i)
	}
	return newIssues, preexisting
}

func (v *Verifier) scanner(p Project, dir string) (GuardrailScanner, error) {
	if v.scannerFor == nil {
		if s, ok := v.scanners[p.Name]; ok {
			return s, nil
		}
		return v.fallback, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.byDir[dir]; ok {
		return s, nil
	}
	s, err := v.scannerFor(dir)
	if err != nil {
		return nil, err
	}
	v.byDir[dir] = s
	return s, nil
}

// runChecks executes every check sequentially in dir and returns a
// de-duplicated, sorted issue set with paths relative to dir.
func (v *Verifier) runChecks(ctx context.Context, p Project, dir string) (runOutcome, error) {
	var out runOutcome
	seen := make(map[string]bool)

	for _, c := range p.Checks {
		if err := ctx.Err(); err != nil {
			return runOutcome{}, err
		}
		res := v.runner.Run(ctx, dir, c)
		v.metrics.CheckDuration.WithLabelValues(c.Name).Observe(res.Duration.Seconds())

		switch {
		case res.TimedOut:
			v.metrics.CheckTimeoutsTotal.WithLabelValues(c.Name).Inc()
			v.logger.Warn("check timed out",
				zap.String("project", p.Name),
				zap.String("check", c.Name),
				zap.Duration("timeout", c.timeout()),
				zap.Error(ErrCheckTimeout))
			out.timedOut = append(out.timedOut, c.Name)
			continue
		case res.StartErr != nil:
			v.logger.Warn("check failed to start",
				zap.String("project", p.Name),
				zap.String("check", c.Name),
				zap.Error(res.StartErr))
			out.failed = append(out.failed, c.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return runOutcome{}, err
		}

		issues, err := ParseIssues(c, res)
		if err != nil {
			v.logger.Warn("check output unparseable",
				zap.String("project", p.Name),
				zap.String("check", c.Name),
				zap.Error(err))
			out.failed = append(out.failed, c.Name)
			continue
		}
		for _, i := range issues {
			i.File = relativeTo(dir, i.File)
			fp := Fingerprint(i)
			if seen[fp] {
				continue
			}
			seen[fp] = true
			out.issues = append(out.issues, i)
		}
	}

	sort.Slice(out.issues, func(a, b int) bool {
		x, y := out.issues[a], out.issues[b]
		if x.File != y.File {
			return x.File < y.File
		}
		if x.Line != y.Line {
			return x.Line < y.Line
		}
		return x.Rule < y.Rule
	})
	return out, nil
}

func relativeTo(workspace, file string) string {
	if workspace == "" || !filepath.IsAbs(file) {
		return filepath.ToSlash(filepath.Clean(file))
	}
	rel, err := filepath.Rel(workspace, file)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(file)
	}
	return filepath.ToSlash(rel)
}

// EnsureBaseline records the baseline for a project if it has none, running
// the checks in workspace (the project's own when empty). It is called
// before a task's first iteration so the baseline reflects the tree as it
// was before the worker touched it.
func (v *Verifier) EnsureBaseline(ctx context.Context, project, workspace string) (*Baseline, error) {
	p, ok := v.projects[project]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}
	existing, err := v.store.Load(project)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if workspace == "" {
		workspace = p.Workspace
	}
	return v.capture(ctx, p, workspace, false)
}

// Rebaseline replaces a project's baseline with the current issue set.
func (v *Verifier) Rebaseline(ctx context.Context, project string) (*Baseline, error) {
	p, ok := v.projects[project]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, project)
	}
	return v.capture(ctx, p, p.Workspace, true)
}

// Baseline returns the stored baseline for a project, or nil.
func (v *Verifier) Baseline(project string) (*Baseline, error) {
	return v.store.Load(project)
}

func (v *Verifier) capture(ctx context.Context, p Project, dir string, replace bool) (*Baseline, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.baseline", trace.WithAttributes(
		attribute.String("project", p.Name),
		attribute.Bool("replace", replace),
	))
	defer span.End()

	out, err := v.runChecks(ctx, p, dir)
	if err != nil {
		return nil, err
	}
	if !out.complete() {
		return nil, fmt.Errorf("baseline for %s incomplete: timed out %v, failed %v",
			p.Name, out.timedOut, out.failed)
	}

	b := NewBaseline(p.Name, out.issues, v.now())
	if replace {
		if err := v.store.Replace(b); err != nil {
			return nil, err
		}
	} else {
		created, err := v.store.Create(b)
		if err != nil {
			return nil, err
		}
		if !created {
			return v.store.Load(p.Name)
		}
	}
	v.logger.Info("baseline recorded",
		zap.String("project", p.Name),
		zap.Int("issues", len(b.Entries)),
		zap.Bool("replaced", replace))
	return b, nil
}
