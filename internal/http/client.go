package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/task"
)

// Client talks to a running operator API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for baseURL (for example http://localhost:9191).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("operator api: %d %s", e.StatusCode, e.Message)
}

// Status fetches GET /api/v1/status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

// Escalations fetches the pending escalations.
func (c *Client) Escalations(ctx context.Context) ([]task.Escalation, error) {
	var out EscalationsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/escalations", nil, &out)
	return out.Escalations, err
}

// Resolve answers a pending escalation.
func (c *Client) Resolve(ctx context.Context, taskID string, res task.Resolution) error {
	return c.do(ctx, http.MethodPost, "/api/v1/escalations/"+taskID+"/resolve",
		ResolveRequest{Resolution: string(res)}, nil)
}

// Halt stops new iterations across the process.
func (c *Client) Halt(ctx context.Context, reason string) (ControlResponse, error) {
	var out ControlResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/halt", HaltRequest{Reason: reason}, &out)
	return out, err
}

// Resume clears a halt.
func (c *Client) Resume(ctx context.Context) (ControlResponse, error) {
	var out ControlResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/resume", nil, &out)
	return out, err
}

// SetAutonomy switches between autonomous and supervised operation.
func (c *Client) SetAutonomy(ctx context.Context, level string) (ControlResponse, error) {
	var out ControlResponse
	err := c.do(ctx, http.MethodPut, "/api/v1/autonomy", AutonomyRequest{Level: level}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
