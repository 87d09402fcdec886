package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/control"
	"github.com/fyrsmithlabs/loopd/internal/gate"
	"github.com/fyrsmithlabs/loopd/internal/operator"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/task"
)

type staticTasks []snapshot.Snapshot

func (s staticTasks) List() ([]snapshot.Snapshot, error) { return s, nil }

type fixture struct {
	server   *Server
	broker   *operator.Broker
	controls *control.Controls
}

func setupTestServer(t *testing.T) *fixture {
	t.Helper()

	broker := operator.NewBroker(nil)
	controls := control.New(control.Autonomous)
	tasks := staticTasks{{
		TaskID:        "fix-auth",
		ProjectName:   "api",
		Iteration:     2,
		MaxIterations: 5,
		StartedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}}

	server, err := NewServer(broker, controls, tasks, zap.NewNop(), &Config{Host: "localhost", Port: 9191})
	require.NoError(t, err)
	return &fixture{server: server, broker: broker, controls: controls}
}

// escalate parks an escalation on the broker until the test ends.
func (f *fixture) escalate(t *testing.T, id string) <-chan task.Resolution {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	got := make(chan task.Resolution, 1)
	go func() {
		res, err := f.broker.Resolve(ctx, task.Escalation{
			TaskID:    id,
			Iteration: 2,
			Decision:  gate.StopDecision{Decision: gate.AskHuman, Reason: gate.ReasonBlockedVerdict},
			Choices:   task.Resolutions(),
			CreatedAt: time.Now(),
		})
		if err == nil {
			got <- res
		}
	}()
	require.Eventually(t, func() bool { return len(f.broker.Pending()) > 0 }, time.Second, 5*time.Millisecond)
	return got
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	broker := operator.NewBroker(nil)
	controls := control.New(control.Autonomous)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(broker, controls, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(broker, controls, nil, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when escalations is nil", func(t *testing.T) {
		_, err := NewServer(nil, controls, nil, zap.NewNop(), nil)
		assert.ErrorContains(t, err, "escalations cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	f := setupTestServer(t)
	rec := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	f := setupTestServer(t)
	rec := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loopd_")
}

func TestHandleStatus(t *testing.T) {
	f := setupTestServer(t)
	f.escalate(t, "fix-auth")

	rec := f.do(http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "autonomous", resp.Autonomy)
	assert.Equal(t, 1, resp.PendingEscalations)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, 2, resp.Tasks[0].Iteration)
	assert.True(t, resp.Tasks[0].AwaitingHuman)
}

func TestHandleResolve(t *testing.T) {
	t.Run("delivers the resolution", func(t *testing.T) {
		f := setupTestServer(t)
		got := f.escalate(t, "fix-auth")

		rec := f.do(http.MethodPost, "/api/v1/escalations/fix-auth/resolve", ResolveRequest{Resolution: "revert"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		select {
		case res := <-got:
			assert.Equal(t, task.ResolutionRevert, res)
		case <-time.After(time.Second):
			t.Fatal("resolution not delivered")
		}
	})

	t.Run("unknown task is 404", func(t *testing.T) {
		f := setupTestServer(t)
		rec := f.do(http.MethodPost, "/api/v1/escalations/nope/resolve", ResolveRequest{Resolution: "abort"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad resolution is 400", func(t *testing.T) {
		f := setupTestServer(t)
		f.escalate(t, "fix-auth")
		rec := f.do(http.MethodPost, "/api/v1/escalations/fix-auth/resolve", ResolveRequest{Resolution: "shrug"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Len(t, f.broker.Pending(), 1)
	})
}

func TestHandleHaltAndResume(t *testing.T) {
	f := setupTestServer(t)

	rec := f.do(http.MethodPost, "/api/v1/halt", HaltRequest{Reason: "deploy freeze"})
	require.Equal(t, http.StatusOK, rec.Code)
	halted, reason := f.controls.Halted()
	assert.True(t, halted)
	assert.Equal(t, "deploy freeze", reason)

	rec = f.do(http.MethodGet, "/api/v1/status", nil)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "halted", status.Status)

	rec = f.do(http.MethodPost, "/api/v1/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	halted, _ = f.controls.Halted()
	assert.False(t, halted)

	// Empty body uses the default reason.
	rec = f.do(http.MethodPost, "/api/v1/halt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, reason = f.controls.Halted()
	assert.NotEmpty(t, reason)
}

func TestHandleAutonomy(t *testing.T) {
	f := setupTestServer(t)

	rec := f.do(http.MethodPut, "/api/v1/autonomy", AutonomyRequest{Level: "supervised"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, control.Supervised, f.controls.Autonomy())

	rec = f.do(http.MethodPut, "/api/v1/autonomy", AutonomyRequest{Level: "yolo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClient_RoundTrip(t *testing.T) {
	f := setupTestServer(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	ctx := context.Background()
	c := NewClient(ts.URL + "/")
	got := f.escalate(t, "fix-auth")

	escs, err := c.Escalations(ctx)
	require.NoError(t, err)
	require.Len(t, escs, 1)
	assert.Equal(t, "fix-auth", escs[0].TaskID)

	require.NoError(t, c.Resolve(ctx, "fix-auth", task.ResolutionOverride))
	assert.Equal(t, task.ResolutionOverride, <-got)

	err = c.Resolve(ctx, "fix-auth", task.ResolutionOverride)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	ctl, err := c.Halt(ctx, "stop")
	require.NoError(t, err)
	assert.True(t, ctl.Halted)

	ctl, err = c.SetAutonomy(ctx, "supervised")
	require.NoError(t, err)
	assert.Equal(t, "supervised", ctl.Autonomy)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "halted", status.Status)

	ctl, err = c.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, ctl.Halted)
}
