package loop

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/guardrail"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/task"
	"github.com/fyrsmithlabs/loopd/internal/verdict"
	"github.com/fyrsmithlabs/loopd/internal/verifier"
	"github.com/fyrsmithlabs/loopd/internal/worker"
)

type MockWorker struct {
	mock.Mock
}

func (m *MockWorker) Invoke(ctx context.Context, req worker.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type MockVCS struct {
	mock.Mock
}

func (m *MockVCS) Head(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockVCS) ChangedFilesSince(ctx context.Context, ref string) ([]string, error) {
	args := m.Called(ctx, ref)
	files, _ := args.Get(0).([]string)
	return files, args.Error(1)
}

func (m *MockVCS) Diff(ctx context.Context, ref string, files []string) ([]guardrail.FileDiff, error) {
	args := m.Called(ctx, ref, files)
	diffs, _ := args.Get(0).([]guardrail.FileDiff)
	return diffs, args.Error(1)
}

func (m *MockVCS) Revert(ctx context.Context, ref string) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}

type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, req verifier.Request) (verdict.Verdict, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(verdict.Verdict), args.Error(1)
}

func (m *MockVerifier) EnsureBaseline(ctx context.Context, project, workspace string) (*verifier.Baseline, error) {
	args := m.Called(ctx, project, workspace)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*verifier.Baseline), args.Error(1)
}

type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, esc task.Escalation) (task.Resolution, error) {
	args := m.Called(ctx, esc)
	return args.Get(0).(task.Resolution), args.Error(1)
}

type MockSnapshots struct {
	mock.Mock
}

func (m *MockSnapshots) Write(taskID string, snap snapshot.Snapshot) error {
	return m.Called(taskID, snap).Error(0)
}

func (m *MockSnapshots) Read(taskID string) (*snapshot.Snapshot, error) {
	args := m.Called(taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*snapshot.Snapshot), args.Error(1)
}

func (m *MockSnapshots) Clear(taskID string) error {
	return m.Called(taskID).Error(0)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
