package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/gate"
	"github.com/fyrsmithlabs/loopd/internal/guardrail"
	api "github.com/fyrsmithlabs/loopd/internal/http"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/runner"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/task"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
	"github.com/fyrsmithlabs/loopd/internal/verifier"
)

func TestExecute_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "plain error", err: errors.New("boom"), want: 1},
		{name: "blocked", err: &exitError{code: loop.ExitBlockedForHuman}, want: 2},
		{name: "halted", err: &exitError{code: loop.ExitHalted}, want: 3},
		{name: "wrapped", err: &exitError{code: 1, err: errors.New("bad config")}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{
				Use:           "x",
				SilenceUsage:  true,
				SilenceErrors: true,
				RunE:          func(*cobra.Command, []string) error { return tt.err },
			}
			cmd.SetArgs([]string{})
			if got := execute(cmd); got != tt.want {
				t.Errorf("execute() = %d, want %d", got, tt.want)
			}
		})
	}
}

func resetRunFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		runTaskFile, runTaskID, runDescription, runDescriptionFile = "", "", "", ""
		runProject, runWorkspace, runPromise, runMaxIterations = "", "", "DONE", 0
	})
}

func TestTaskFromFlags(t *testing.T) {
	resetRunFlags(t)
	runTaskID = "fix-login"
	runDescription = "  Fix the login test\n"
	runProject = "api"
	runPromise = "DONE"
	runMaxIterations = 3

	got, err := taskFromFlags(strings.NewReader(""))
	if err != nil {
		t.Fatalf("taskFromFlags() error = %v", err)
	}
	if got.ID != "fix-login" || got.Project != "api" || got.MaxIterations != 3 {
		t.Errorf("taskFromFlags() = %+v", got)
	}
	if got.Description != "Fix the login test" {
		t.Errorf("Description = %q, want trimmed", got.Description)
	}
}

func TestTaskFromFlags_DescriptionFromStdin(t *testing.T) {
	resetRunFlags(t)
	runTaskID = "t1"
	runDescriptionFile = "-"

	got, err := taskFromFlags(strings.NewReader("from stdin\n"))
	if err != nil {
		t.Fatalf("taskFromFlags() error = %v", err)
	}
	if got.Description != "from stdin" {
		t.Errorf("Description = %q, want %q", got.Description, "from stdin")
	}
}

func TestTaskFromFlags_TaskFile(t *testing.T) {
	resetRunFlags(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	content := "id: fix-db\ndescription: fix the migration\nproject: db\ncompletion_promise: OK\nworkspace: repo\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	runTaskFile = path
	runMaxIterations = 7

	got, err := taskFromFlags(strings.NewReader(""))
	if err != nil {
		t.Fatalf("taskFromFlags() error = %v", err)
	}
	if got.ID != "fix-db" || got.CompletionPromise != "OK" {
		t.Errorf("taskFromFlags() = %+v", got)
	}
	if got.Workspace != filepath.Join(dir, "repo") {
		t.Errorf("Workspace = %q, want it resolved against the file", got.Workspace)
	}
	if got.MaxIterations != 7 {
		t.Errorf("MaxIterations = %d, want flag override 7", got.MaxIterations)
	}
}

func TestTaskFromFlags_Errors(t *testing.T) {
	resetRunFlags(t)
	if _, err := taskFromFlags(strings.NewReader("")); err == nil {
		t.Error("expected error without --task-id or --task-file")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	content := "tasks:\n  - {id: a, description: a, project: p, completion_promise: D}\n  - {id: b, description: b, project: p, completion_promise: D}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	runTaskFile = path
	if _, err := taskFromFlags(strings.NewReader("")); err == nil || !strings.Contains(err.Error(), "loopd batch") {
		t.Errorf("expected a pointer to loopd batch, got %v", err)
	}
}

func TestPendingResolver(t *testing.T) {
	_, err := pendingResolver{}.Resolve(context.Background(), task.Escalation{TaskID: "t"})
	if !errors.Is(err, loop.ErrNoResolver) {
		t.Errorf("Resolve() error = %v, want ErrNoResolver", err)
	}
}

func sampleResults() []runner.Result {
	done := task.Task{ID: "fix-auth", MaxIterations: 5}
	return []runner.Result{
		{Task: done, Outcome: loop.Outcome{TaskID: "fix-auth", Status: loop.StatusCompleted, Iterations: 2, Reason: "verified", Task: done}},
		{Task: task.Task{ID: "lost"}, Err: runner.ErrNoWorkspace},
	}
}

func TestPrintOutcomes_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := printOutcomes(&buf, sampleResults(), false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"fix-auth", "completed", "2/5", "verified", "lost", "error"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintOutcomes_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := printOutcomes(&buf, sampleResults(), true); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var second outcomeLine
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second.TaskID != "lost" || second.ExitCode != loop.ExitFailure || second.Error == "" {
		t.Errorf("second line = %+v", second)
	}
}

type fakeLog struct {
	runs map[string][]string
	recs map[string][]task.IterationRecord
}

func (f fakeLog) List(_ context.Context, taskID, runID string) ([]task.IterationRecord, error) {
	return f.recs[taskID+"/"+runID], nil
}

func (f fakeLog) Runs(_ context.Context, taskID string) ([]string, error) {
	return f.runs[taskID], nil
}

func TestBuildReports(t *testing.T) {
	started := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	inflight := task.Task{ID: "fix-auth", Project: "api", MaxIterations: 5, AttemptsUsed: 2, StartedAt: started}
	run := inflight.RunID()
	rec := func(n int, d gate.Decision) task.IterationRecord {
		return task.IterationRecord{TaskID: "fix-auth", RunID: run, Iteration: n,
			Verdict: verdict.NewFail("1 new issue", 1, 0), Decision: gate.StopDecision{Decision: d, Reason: "regression"}}
	}
	log := fakeLog{
		runs: map[string][]string{"old": {"20250101T000000.000000000Z", "20250201T000000.000000000Z"}},
		recs: map[string][]task.IterationRecord{
			"fix-auth/" + run:                  {rec(1, gate.Block), rec(2, gate.Block)},
			"old/20250201T000000.000000000Z": {{TaskID: "old", Iteration: 4, Decision: gate.StopDecision{Decision: gate.Allow}}},
		},
	}
	snaps := []snapshot.Snapshot{inflight.Snapshot()}

	all, err := buildReports(context.Background(), snaps, log, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Last == nil || all[0].Last.Iteration != 2 || len(all[0].Iterations) != 0 {
		t.Errorf("buildReports(all) = %+v", all)
	}

	one, err := buildReports(context.Background(), snaps, log, "fix-auth", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(one) != 1 || len(one[0].Iterations) != 1 || one[0].Iterations[0].Iteration != 2 {
		t.Errorf("buildReports(fix-auth, last 1) = %+v", one)
	}

	finished, err := buildReports(context.Background(), snaps, log, "old", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(finished) != 1 || finished[0].InFlight || finished[0].Iteration != 4 {
		t.Errorf("buildReports(old) = %+v", finished)
	}

	if _, err := buildReports(context.Background(), snaps, log, "missing", 0); err == nil {
		t.Error("expected error for a task with no state")
	}
	if _, err := buildReports(context.Background(), nil, nil, "missing", 0); err == nil {
		t.Error("expected error without history")
	}

	var buf bytes.Buffer
	writeStatus(&buf, one, started.Add(90*time.Minute))
	for _, want := range []string{"fix-auth", "in flight", "2/5", "BLOCK", "run " + run} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestWriteStatus_Empty(t *testing.T) {
	var buf bytes.Buffer
	writeStatus(&buf, nil, time.Now())
	if !strings.Contains(buf.String(), "no tasks in flight") {
		t.Errorf("got %q", buf.String())
	}
}

func TestWriteEscalations(t *testing.T) {
	escs := []task.Escalation{
		{TaskID: "fix-db", Iteration: 3, Decision: gate.StopDecision{Decision: gate.AskHuman, Reason: "budget exhausted (3/3)"}, Choices: task.Resolutions()},
		{TaskID: "fix-ui", Iteration: 1, Decision: gate.StopDecision{Decision: gate.AskHuman, Reason: "verification blocked"}, Choices: task.Resolutions()},
	}

	var buf bytes.Buffer
	writeEscalations(&buf, escs, nil)
	if !strings.Contains(buf.String(), "loopd resolve fix-db <revert|override|abort>") {
		t.Errorf("missing resolve hint:\n%s", buf.String())
	}

	buf.Reset()
	writeEscalations(&buf, escs, []string{"fix-ui"})
	if strings.Contains(buf.String(), "fix-db") || !strings.Contains(buf.String(), "fix-ui") {
		t.Errorf("filter not applied:\n%s", buf.String())
	}

	buf.Reset()
	writeEscalations(&buf, nil, nil)
	if !strings.Contains(buf.String(), "no pending escalations") {
		t.Errorf("got %q", buf.String())
	}
}

func TestWriteControl(t *testing.T) {
	tests := []struct {
		resp api.ControlResponse
		want string
	}{
		{api.ControlResponse{Autonomy: "autonomous"}, "running, autonomy autonomous\n"},
		{api.ControlResponse{Halted: true, HaltReason: "freeze", Autonomy: "supervised"}, "halted (freeze), autonomy supervised\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		writeControl(&buf, tt.resp)
		if buf.String() != tt.want {
			t.Errorf("writeControl(%+v) = %q, want %q", tt.resp, buf.String(), tt.want)
		}
	}
}

func TestWriteHaltFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "HALT")
	if err := writeHaltFile(path, ""); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "halted from the command line\n" {
		t.Errorf("halt file = %q", data)
	}
}

func TestWriteBaseline(t *testing.T) {
	b := verifier.NewBaseline("api", []verdict.Issue{
		{File: "b.go", Line: 2, Rule: "errcheck", Message: "unchecked error"},
		{File: "a.go", Line: 9, Rule: "unused", Message: "unused var"},
	}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	var buf bytes.Buffer
	writeBaseline(&buf, b)
	out := buf.String()
	if !strings.Contains(out, "project api: 2 pre-existing issues") {
		t.Errorf("missing header:\n%s", out)
	}
	if strings.Index(out, "a.go") > strings.Index(out, "b.go") {
		t.Errorf("entries not sorted by file:\n%s", out)
	}
}

const nolintPatch = `diff --git a/handler.go b/handler.go
index 1111111..2222222 100644
--- a/handler.go
+++ b/handler.go
@@ -1,3 +1,4 @@
 package api
-func old() {}
+
+func handle() error { return nil } //nolint:errcheck
 // end
`

func TestScanPatch(t *testing.T) {
	hits, err := scanPatch(nolintPatch, t.TempDir(), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %+v, want one", hits)
	}
	if hits[0].PatternID != "go-nolint" || hits[0].File != "handler.go" || hits[0].Line != 3 {
		t.Errorf("hit = %+v", hits[0])
	}

	hits, err = scanPatch("", t.TempDir(), false)
	if err != nil || len(hits) != 0 {
		t.Errorf("empty diff: hits = %v, err = %v", hits, err)
	}
}

func TestScanPatch_WorkspaceAllowlist(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, ".loopd"), 0o755); err != nil {
		t.Fatal(err)
	}
	overrides := "[allowlist]\npaths = ['^handler\\.go$']\n"
	if err := os.WriteFile(filepath.Join(ws, ".loopd", "guardrails.toml"), []byte(overrides), 0o644); err != nil {
		t.Fatal(err)
	}
	hits, err := scanPatch(nolintPatch, ws, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("allowlisted file reported: %+v", hits)
	}
}

func TestReadPatch(t *testing.T) {
	got, err := readPatch(strings.NewReader(nolintPatch), []string{"-"})
	if err != nil || got != nolintPatch {
		t.Errorf("stdin: got %q, err %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "change.patch")
	if err := os.WriteFile(path, []byte(nolintPatch), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err = readPatch(strings.NewReader("ignored"), []string{path})
	if err != nil || got != nolintPatch {
		t.Errorf("file: got %q, err %v", got, err)
	}
}

func TestScanDir(t *testing.T) {
	cfg := config.Default()
	cfg.Projects = map[string]config.ProjectConfig{"api": {Workspace: "/src/api"}}

	tests := []struct {
		name      string
		project   string
		workspace string
		want      string
		wantErr   bool
	}{
		{name: "default", want: "."},
		{name: "explicit workspace", workspace: "/tmp/wt", want: "/tmp/wt"},
		{name: "project workspace", project: "api", want: "/src/api"},
		{name: "unknown project", project: "web", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scanDir(cfg, tt.project, tt.workspace)
			if (err != nil) != tt.wantErr {
				t.Fatalf("scanDir() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("scanDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteHits(t *testing.T) {
	var buf bytes.Buffer
	writeHits(&buf, nil)
	if buf.String() != "no guardrail hits\n" {
		t.Errorf("empty = %q", buf.String())
	}
	buf.Reset()
	writeHits(&buf, []guardrail.Hit{{PatternID: "go-nolint", File: "handler.go", Line: 3, MatchedText: "//nolint"}})
	if !strings.Contains(buf.String(), "handler.go") || !strings.Contains(buf.String(), "go-nolint") {
		t.Errorf("table missing hit:\n%s", buf.String())
	}
}
