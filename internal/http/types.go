package http

import (
	"time"

	"github.com/fyrsmithlabs/loopd/internal/task"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status             string       `json:"status"`
	Version            string       `json:"version,omitempty"`
	Halted             bool         `json:"halted"`
	HaltReason         string       `json:"halt_reason,omitempty"`
	Autonomy           string       `json:"autonomy"`
	Tasks              []TaskStatus `json:"tasks"`
	PendingEscalations int          `json:"pending_escalations"`
}

// TaskStatus summarizes one in-flight task from its snapshot.
type TaskStatus struct {
	TaskID        string    `json:"task_id"`
	Project       string    `json:"project"`
	Description   string    `json:"description,omitempty"`
	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	StartedAt     time.Time `json:"started_at"`
	AwaitingHuman bool      `json:"awaiting_human"`
}

// EscalationsResponse is the response body for GET /api/v1/escalations.
type EscalationsResponse struct {
	Escalations []task.Escalation `json:"escalations"`
}

// ResolveRequest is the request body for
// POST /api/v1/escalations/:task_id/resolve.
type ResolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveResponse confirms a delivered resolution.
type ResolveResponse struct {
	TaskID     string          `json:"task_id"`
	Resolution task.Resolution `json:"resolution"`
}

// HaltRequest is the request body for POST /api/v1/halt.
type HaltRequest struct {
	Reason string `json:"reason"`
}

// AutonomyRequest is the request body for PUT /api/v1/autonomy.
type AutonomyRequest struct {
	Level string `json:"level"`
}

// ControlResponse reports the global switches after a change.
type ControlResponse struct {
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
	Autonomy   string `json:"autonomy"`
}
