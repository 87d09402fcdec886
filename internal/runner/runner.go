// Package runner builds loopd's services from configuration and drives
// tasks through loop controllers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/control"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/guardrail"
	"github.com/fyrsmithlabs/loopd/internal/history"
	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/operator"
	"github.com/fyrsmithlabs/loopd/internal/services"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/task"
	"github.com/fyrsmithlabs/loopd/internal/vcs"
	"github.com/fyrsmithlabs/loopd/internal/verifier"
	"github.com/fyrsmithlabs/loopd/internal/worker"
)

var (
	// ErrNoWorker is returned when a task is run without a worker command.
	ErrNoWorker = errors.New("no worker command configured")
	// ErrNoWorkspace is returned when neither the task nor its project names
	// a workspace.
	ErrNoWorkspace = errors.New("no workspace for task")
)

// Runner owns the services built from one configuration.
type Runner struct {
	cfg      *config.Config
	reg      services.Registry
	logger   *logging.Logger
	limiter  *rate.Limiter
	resolver loop.Resolver
	hints    loop.HintProvider
	tracer   trace.TracerProvider
	clock    func() time.Time

	nc    *nats.Conn
	watch *control.HaltWatcher

	mu    sync.Mutex
	repos map[string]*vcs.Repo
}

// Option configures a Runner.
type Option func(*Runner)

// WithResolver sets who answers escalations. The registry's broker is
// used otherwise.
func WithResolver(r loop.Resolver) Option {
	return func(rn *Runner) { rn.resolver = r }
}

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(rn *Runner) { rn.tracer = tp }
}

// WithWorker replaces the configured worker command.
func WithWorker(w loop.WorkerInvoker) Option {
	return func(rn *Runner) { rn.reg = withWorker(rn.reg, w) }
}

// WithClock overrides time.Now for controllers.
func WithClock(now func() time.Time) Option {
	return func(rn *Runner) { rn.clock = now }
}

// New builds every service cfg describes. Close releases them.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (_ *Runner, err error) {
	if logger == nil {
		logger = logging.Nop()
	}
	zl := logger.Underlying()
	r := &Runner{
		cfg:    cfg,
		logger: logger,
		tracer: otel.GetTracerProvider(),
		clock:  time.Now,
		repos:  map[string]*vcs.Repo{},
	}
	var cleanup []func() error
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				_ = cleanup[i]()
			}
		}
	}()

	for _, dir := range []string{cfg.Runner.StateDir, cfg.SnapshotDir(), cfg.BaselineDir(), filepath.Dir(cfg.Runner.HaltFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	ver, baselines, err := NewVerifier(cfg, zl.Named("verifier"))
	if err != nil {
		return nil, err
	}

	hist, err := history.Open(history.Config{Path: cfg.History.Path, SyncWrites: cfg.History.SyncWrites}, zl.Named("history"))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, hist.Close)

	var sink events.Sink
	if cfg.Events.NATSURL != "" {
		var natsOpts []nats.Option
		if cfg.Events.Token.IsSet() {
			natsOpts = append(natsOpts, nats.Token(cfg.Events.Token.Value()))
		}
		r.nc, err = events.Connect(cfg.Events.NATSURL, natsOpts...)
		if err != nil {
			return nil, err
		}
		cleanup = append(cleanup, func() error { r.nc.Close(); return nil })
		zl.Info("publishing events to NATS",
			zap.String("url", cfg.Events.NATSURL),
			logging.Secret("token", cfg.Events.Token))
		sink = events.NATSSink{Conn: r.nc}
	}
	bus := events.NewBus(sink, events.WithLogger(zl.Named("events")), events.WithQueueSize(cfg.Events.QueueSize))
	cleanup = append(cleanup, func() error { bus.Close(); return nil })

	autonomy, err := control.ParseAutonomy(cfg.Runner.Autonomy)
	if err != nil {
		return nil, err
	}
	controls := control.New(autonomy)
	r.watch, err = control.WatchHaltFile(ctx, cfg.Runner.HaltFile, controls, zl.Named("control"))
	if err != nil {
		return nil, err
	}
	cleanup = append(cleanup, r.watch.Close)

	var w loop.WorkerInvoker
	if cfg.Worker.Command != "" {
		cmd, err := workerFromConfig(cfg.Worker, zl.Named("worker"))
		if err != nil {
			return nil, err
		}
		w = cmd
	}

	r.reg = services.NewRegistry(services.Options{
		Verifier:  ver,
		Baselines: baselines,
		Snapshots: snapshot.NewStore(cfg.SnapshotDir()),
		History:   hist,
		Events:    bus,
		Controls:  controls,
		Broker:    operator.NewBroker(zl.Named("operator")),
		Worker:    w,
	})

	r.limiter = rate.NewLimiter(rate.Inf, 1)
	if cfg.Runner.WorkerRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.Runner.WorkerRate), 1)
	}
	r.hints = loop.NopHints{}
	if cfg.Runner.Hints {
		r.hints = loop.StaticHints{}
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.resolver == nil {
		r.resolver = r.reg.Broker()
	}
	return r, nil
}

// NewVerifier builds the verifier and baseline store for the configured
// projects without the rest of the runner's services.
func NewVerifier(cfg *config.Config, logger *zap.Logger) (*verifier.Verifier, *verifier.FileBaselineStore, error) {
	baselines := verifier.NewFileBaselineStore(cfg.BaselineDir())
	projects, opts, err := projectsFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, verifier.WithLogger(logger))
	ver, err := verifier.New(baselines, projects, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("building verifier: %w", err)
	}
	return ver, baselines, nil
}

func projectsFromConfig(cfg *config.Config) ([]verifier.Project, []verifier.Option, error) {
	var (
		projects []verifier.Project
		opts     []verifier.Option
	)
	for _, name := range cfg.ProjectNames() {
		pc := cfg.Projects[name]
		p := verifier.Project{Name: name, Workspace: pc.Workspace}
		for _, c := range pc.Checks {
			p.Checks = append(p.Checks, verifier.Check{
				Name:    c.Name,
				Command: c.Command,
				Format:  c.Format,
				Timeout: c.Timeout.Duration(),
			})
		}
		projects = append(projects, p)

		// Fail fast on a broken override file in a configured workspace.
		if pc.Workspace != "" {
			if _, err := guardrail.LoadOverrides(pc.Workspace); err != nil {
				return nil, nil, fmt.Errorf("project %s: %w", name, err)
			}
		}
	}
	secretScan := cfg.Guardrail.SecretScan
	opts = append(opts, verifier.WithWorkspaceScanners(func(workspace string) (verifier.GuardrailScanner, error) {
		return guardrail.ForWorkspace(workspace, secretScan)
	}))
	return projects, opts, nil
}

func workerFromConfig(wc config.WorkerConfig, logger *zap.Logger) (*worker.Command, error) {
	opts := []worker.Option{
		worker.WithTimeout(wc.Timeout.Duration()),
		worker.WithEnv(wc.Env...),
		worker.WithLogger(logger),
	}
	if wc.PromptFile != "" {
		text, err := os.ReadFile(wc.PromptFile)
		if err != nil {
			return nil, fmt.Errorf("reading prompt file: %w", err)
		}
		tmpl, err := worker.ParsePrompt(string(text))
		if err != nil {
			return nil, err
		}
		opts = append(opts, worker.WithPrompt(tmpl))
	}
	return worker.NewCommand(wc.Command, opts...)
}

// Services exposes the shared services.
func (r *Runner) Services() services.Registry { return r.reg }

// Config returns the configuration the runner was built from.
func (r *Runner) Config() *config.Config { return r.cfg }

// Prepare fills a task's defaults from configuration: the project's
// workspace and the default iteration budget.
func (r *Runner) Prepare(t task.Task) (task.Task, error) {
	if t.Workspace == "" {
		t.Workspace = r.cfg.Projects[t.Project].Workspace
	}
	if t.Workspace == "" {
		return t, fmt.Errorf("%w %s: project %q has no workspace", ErrNoWorkspace, t.ID, t.Project)
	}
	if t.MaxIterations == 0 {
		t.MaxIterations = r.cfg.Runner.MaxIterations
	}
	return t, nil
}

// Run drives one task to an outcome.
func (r *Runner) Run(ctx context.Context, t task.Task, opts loop.RunOptions) (loop.Outcome, error) {
	if r.reg.Worker() == nil {
		return loop.Outcome{}, ErrNoWorker
	}
	t, err := r.Prepare(t)
	if err != nil {
		return loop.Outcome{}, err
	}
	repo, err := r.repo(t.Workspace)
	if err != nil {
		return loop.Outcome{}, err
	}

	ctl, err := loop.New(loop.Deps{
		Verifier:  r.reg.Verifier(),
		Snapshots: r.reg.Snapshots(),
		VCS:       repo,
		Worker:    r.reg.Worker(),
		History:   r.reg.History(),
		Resolver:  r.resolver,
		Hints:     r.hints,
		Events:    r.reg.Events(),
	},
		loop.WithControls(r.reg.Controls()),
		loop.WithLimiter(r.limiter),
		loop.WithLogger(r.logger.Underlying().Named("loop")),
		loop.WithTracerProvider(r.tracer),
		loop.WithClock(r.clock),
	)
	if err != nil {
		return loop.Outcome{}, err
	}

	ctx = logging.WithTask(ctx, logging.TaskInfo{ID: t.ID, Project: t.Project})
	r.logger.Info(ctx, "running task", zap.String("workspace", t.Workspace), zap.Int("max_iterations", t.MaxIterations))
	out, err := ctl.Run(ctx, t, opts)
	if err != nil {
		r.logger.Error(ctx, "task failed", zap.Error(err))
		return out, err
	}
	r.logger.Info(ctx, "task outcome", zap.String("status", string(out.Status)), zap.String("reason", out.Reason))
	return out, nil
}

// repo opens each workspace once.
func (r *Runner) repo(workspace string) (*vcs.Repo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if repo, ok := r.repos[workspace]; ok {
		return repo, nil
	}
	repo, err := vcs.Open(workspace)
	if err != nil {
		return nil, err
	}
	r.repos[workspace] = repo
	return repo, nil
}

// Close releases every service. Safe to call once.
func (r *Runner) Close() error {
	var errs []error
	if r.watch != nil {
		errs = append(errs, r.watch.Close())
	}
	r.reg.Events().Close()
	if r.nc != nil {
		if err := r.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	errs = append(errs, r.reg.History().Close())
	return errors.Join(errs...)
}

// withWorker returns reg with its worker replaced.
func withWorker(reg services.Registry, w loop.WorkerInvoker) services.Registry {
	return services.NewRegistry(services.Options{
		Verifier:  reg.Verifier(),
		Baselines: reg.Baselines(),
		Snapshots: reg.Snapshots(),
		History:   reg.History(),
		Events:    reg.Events(),
		Controls:  reg.Controls(),
		Broker:    reg.Broker(),
		Worker:    w,
	})
}
