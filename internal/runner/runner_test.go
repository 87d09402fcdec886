package runner

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/task"
	"github.com/fyrsmithlabs/loopd/internal/worker"
)

func newWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# api\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "loopd", Email: "loopd@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func testConfig(t *testing.T, workspace, command string) *config.Config {
	t.Helper()
	state := t.TempDir()
	cfg := config.Default()
	cfg.Runner.StateDir = state
	cfg.Runner.HaltFile = filepath.Join(state, "HALT")
	cfg.History.Path = filepath.Join(state, "history")
	cfg.Worker.Command = command
	cfg.Worker.Timeout = config.Duration(10 * time.Second)
	cfg.Projects = map[string]config.ProjectConfig{
		"api": {
			Workspace: workspace,
			Checks:    []config.CheckConfig{{Name: "ok", Command: "true", Format: "exitcode"}},
		},
	}
	return cfg
}

func newTask(id string) task.Task {
	return task.Task{
		ID:                id,
		Description:       "add a main package",
		Project:           "api",
		CompletionPromise: "DONE",
	}
}

func newRunner(t *testing.T, cfg *config.Config, opts ...Option) *Runner {
	t.Helper()
	r, err := New(context.Background(), cfg, logging.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// fileWorker writes one file named after the task and claims completion.
type fileWorker struct {
	mu    sync.Mutex
	calls []string
}

func (w *fileWorker) Invoke(_ context.Context, req worker.Request) (string, error) {
	w.mu.Lock()
	w.calls = append(w.calls, req.Task.ID)
	w.mu.Unlock()
	path := filepath.Join(req.Task.Workspace, req.Task.ID+".go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		return "", err
	}
	return "wrote " + req.Task.ID + ".go <promise>DONE</promise>", nil
}

func (w *fileWorker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func TestRunner_RunCompletes(t *testing.T) {
	ws := newWorkspace(t)
	cfg := testConfig(t, ws, `printf 'package main\n' > main.go && echo 'done <promise>DONE</promise>'`)
	r := newRunner(t, cfg)

	out, err := r.Run(context.Background(), newTask("add-main"), loop.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusCompleted, out.Status)
	assert.Equal(t, 1, out.Iterations)
	assert.Equal(t, loop.ExitCompleted, out.ExitCode())
	assert.FileExists(t, filepath.Join(ws, "main.go"))

	recs, err := r.Services().History().List(context.Background(), "add-main", out.Task.RunID())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].ChangedFiles, "main.go")

	assert.Equal(t, task.StatusCompleted, out.Task.Status)
	snap, err := r.Services().Snapshots().Read("add-main")
	require.NoError(t, err)
	assert.Nil(t, snap, "a finished task leaves no snapshot")
}

// abortResolver answers every escalation with abort.
type abortResolver struct{}

func (abortResolver) Resolve(context.Context, task.Escalation) (task.Resolution, error) {
	return task.ResolutionAbort, nil
}

func commitFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "loopd", Email: "loopd@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func TestRunner_ChecksRunInTaskWorkspace(t *testing.T) {
	projectWS := newWorkspace(t)
	taskWS := newWorkspace(t)
	cfg := testConfig(t, projectWS, "")
	cfg.Projects["api"] = config.ProjectConfig{
		Workspace: projectWS,
		Checks: []config.CheckConfig{{
			Name:    "forbidden",
			Command: `if [ -f bad.go ]; then echo 'bad.go:1: error: forbidden file [no-bad]'; fi`,
			Format:  "line",
		}},
	}
	r := newRunner(t, cfg, WithWorker(&fileWorker{}), WithResolver(abortResolver{}))

	tk := newTask("bad")
	tk.Workspace = taskWS
	tk.MaxIterations = 1
	out, err := r.Run(context.Background(), tk, loop.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, loop.StatusBlocked, out.Status)
	recs, err := r.Services().History().List(context.Background(), "bad", out.Task.RunID())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Verdict.IsRegression(), "verdict: %s", recs[0].Verdict)
	require.Len(t, recs[0].Verdict.NewIssues, 1)
	assert.Equal(t, "bad.go", recs[0].Verdict.NewIssues[0].File)
	assert.NoFileExists(t, filepath.Join(projectWS, "bad.go"))
}

func TestRunner_GuardrailOverridesFromTaskWorkspace(t *testing.T) {
	projectWS := newWorkspace(t)
	taskWS := newWorkspace(t)
	commitFile(t, taskWS, ".loopd/guardrails.toml", "[[rules]]\nid = \"no-main\"\npattern = '^package main$'\n")
	r := newRunner(t, testConfig(t, projectWS, ""), WithWorker(&fileWorker{}), WithResolver(abortResolver{}))

	tk := newTask("cmd")
	tk.Workspace = taskWS
	tk.MaxIterations = 1
	out, err := r.Run(context.Background(), tk, loop.RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, loop.StatusBlocked, out.Status)
	recs, err := r.Services().History().List(context.Background(), "cmd", out.Task.RunID())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Verdict.IsBlocked(), "verdict: %s", recs[0].Verdict)
	require.NotEmpty(t, recs[0].Verdict.GuardrailHits)
	assert.Equal(t, "no-main", recs[0].Verdict.GuardrailHits[0].PatternID)
}

func TestRunner_NoWorker(t *testing.T) {
	r := newRunner(t, testConfig(t, newWorkspace(t), ""))
	_, err := r.Run(context.Background(), newTask("no-worker"), loop.RunOptions{})
	assert.ErrorIs(t, err, ErrNoWorker)
}

func TestRunner_Prepare(t *testing.T) {
	ws := newWorkspace(t)
	cfg := testConfig(t, ws, "true")
	cfg.Runner.MaxIterations = 4
	r := newRunner(t, cfg)

	got, err := r.Prepare(newTask("p"))
	require.NoError(t, err)
	assert.Equal(t, ws, got.Workspace)
	assert.Equal(t, 4, got.MaxIterations)

	explicit := newTask("q")
	explicit.Workspace = "/elsewhere"
	explicit.MaxIterations = 2
	got, err = r.Prepare(explicit)
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", got.Workspace)
	assert.Equal(t, 2, got.MaxIterations)

	unknown := newTask("r")
	unknown.Project = "web"
	_, err = r.Prepare(unknown)
	assert.ErrorIs(t, err, ErrNoWorkspace)
}

func TestRunner_HaltFileStopsRun(t *testing.T) {
	ws := newWorkspace(t)
	cfg := testConfig(t, ws, "true")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Runner.HaltFile), 0o700))
	require.NoError(t, os.WriteFile(cfg.Runner.HaltFile, []byte("deploy freeze\n"), 0o600))

	w := &fileWorker{}
	r := newRunner(t, cfg, WithWorker(w))
	halted, reason := r.Services().Controls().Halted()
	require.True(t, halted)
	assert.Equal(t, "deploy freeze", reason)

	out, err := r.Run(context.Background(), newTask("frozen"), loop.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusHalted, out.Status)
	assert.Equal(t, loop.ExitHalted, out.ExitCode())
	assert.Empty(t, w.Calls())
}

func TestRunner_PublishesToNATS(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	msgs := make(chan *nats.Msg, 16)
	_, err = sub.ChanSubscribe(events.SubjectPrefix+".notify.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	cfg := testConfig(t, newWorkspace(t), "true")
	cfg.Events.NATSURL = srv.ClientURL()
	r := newRunner(t, cfg, WithWorker(&fileWorker{}))

	out, err := r.Run(context.Background(), newTask("notify"), loop.RunOptions{})
	require.NoError(t, err)
	require.Equal(t, loop.StatusCompleted, out.Status)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-msgs:
			var ev events.Event
			require.NoError(t, json.Unmarshal(m.Data, &ev))
			if ev.Type == events.TaskCompleted {
				assert.Equal(t, "notify", ev.TaskID)
				return
			}
		case <-deadline:
			t.Fatal("no task.completed event published")
		}
	}
}

func TestRunBatch_KeepsOrderAndSerializesWorkspace(t *testing.T) {
	wsA := newWorkspace(t)
	wsB := newWorkspace(t)
	cfg := testConfig(t, wsA, "true")
	cfg.Runner.Concurrency = 2
	w := &fileWorker{}
	r := newRunner(t, cfg, WithWorker(w))

	other := newTask("b-one")
	other.Workspace = wsB
	missing := newTask("lost")
	missing.Project = "web"
	tasks := []task.Task{newTask("a-one"), other, missing, newTask("a-two")}

	results := r.RunBatch(context.Background(), tasks, loop.RunOptions{})
	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, tasks[i].ID, res.Task.ID)
	}
	assert.Equal(t, loop.StatusCompleted, results[0].Outcome.Status)
	assert.Equal(t, loop.StatusCompleted, results[1].Outcome.Status)
	assert.ErrorIs(t, results[2].Err, ErrNoWorkspace)
	assert.Equal(t, loop.StatusCompleted, results[3].Outcome.Status)
	assert.Equal(t, wsB, results[1].Task.Workspace)

	calls := w.Calls()
	assert.Len(t, calls, 3)
	var a []string
	for _, id := range calls {
		if id != "b-one" {
			a = append(a, id)
		}
	}
	assert.Equal(t, []string{"a-one", "a-two"}, a)

	assert.Equal(t, loop.ExitFailure, BatchExitCode(results))
	assert.ErrorContains(t, Errors(results), "lost")
}

func TestRunBatch_CanceledBeforeStart(t *testing.T) {
	cfg := testConfig(t, newWorkspace(t), "true")
	w := &fileWorker{}
	r := newRunner(t, cfg, WithWorker(w))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := r.RunBatch(ctx, []task.Task{newTask("x"), newTask("y")}, loop.RunOptions{})
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Empty(t, w.Calls())
}

func TestBatchExitCode(t *testing.T) {
	completed := Result{Outcome: loop.Outcome{Status: loop.StatusCompleted}}
	blocked := Result{Outcome: loop.Outcome{Status: loop.StatusBlocked}}
	human := Result{Outcome: loop.Outcome{Status: loop.StatusBlockedForHuman}}
	halted := Result{Outcome: loop.Outcome{Status: loop.StatusHalted}}
	failed := Result{Err: errors.New("boom")}

	tests := []struct {
		name    string
		results []Result
		want    int
	}{
		{"empty", nil, loop.ExitCompleted},
		{"all completed", []Result{completed, completed}, loop.ExitCompleted},
		{"blocked", []Result{completed, blocked}, loop.ExitBlockedForHuman},
		{"awaiting human", []Result{human, completed}, loop.ExitBlockedForHuman},
		{"halted beats blocked", []Result{blocked, halted}, loop.ExitHalted},
		{"failure beats all", []Result{halted, failed, human}, loop.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BatchExitCode(tt.results))
		})
	}
}
