// Package http provides the operator API for loopd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/control"
	"github.com/fyrsmithlabs/loopd/internal/metrics"
	"github.com/fyrsmithlabs/loopd/internal/operator"
	"github.com/fyrsmithlabs/loopd/internal/snapshot"
	"github.com/fyrsmithlabs/loopd/internal/task"
)

// Escalations is the set of tasks waiting on an operator.
type Escalations interface {
	Pending() []task.Escalation
	Answer(taskID string, res task.Resolution) error
}

// TaskLister lists in-flight tasks.
type TaskLister interface {
	List() ([]snapshot.Snapshot, error)
}

// Server provides HTTP endpoints for operators.
type Server struct {
	echo        *echo.Echo
	escalations Escalations
	controls    *control.Controls
	tasks       TaskLister
	logger      *zap.Logger
	config      *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// NewServer creates a new HTTP server. tasks may be nil.
func NewServer(escalations Escalations, controls *control.Controls, tasks TaskLister, logger *zap.Logger, cfg *Config) (*Server, error) {
	if escalations == nil {
		return nil, fmt.Errorf("escalations cannot be nil")
	}
	if controls == nil {
		return nil, fmt.Errorf("controls cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:        e,
		escalations: escalations,
		controls:    controls,
		tasks:       tasks,
		logger:      logger,
		config:      cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/escalations", s.handleEscalations)
	v1.POST("/escalations/:task_id/resolve", s.handleResolve)
	v1.POST("/halt", s.handleHalt)
	v1.POST("/resume", s.handleResume)
	v1.PUT("/autonomy", s.handleAutonomy)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	halted, reason := s.controls.Halted()
	pending := s.escalations.Pending()
	waiting := make(map[string]bool, len(pending))
	for _, esc := range pending {
		waiting[esc.TaskID] = true
	}

	resp := StatusResponse{
		Status:             "ok",
		Version:            s.config.Version,
		Halted:             halted,
		Autonomy:           string(s.controls.Autonomy()),
		Tasks:              []TaskStatus{},
		PendingEscalations: len(pending),
	}
	if halted {
		resp.Status = "halted"
		resp.HaltReason = reason
	}

	if s.tasks != nil {
		snaps, err := s.tasks.List()
		if err != nil {
			// Corrupt snapshots are reported, readable ones still listed.
			s.logger.Warn("listing snapshots", zap.Error(err))
		}
		for _, snap := range snaps {
			resp.Tasks = append(resp.Tasks, TaskStatus{
				TaskID:        snap.TaskID,
				Project:       snap.ProjectName,
				Description:   snap.Description,
				Iteration:     snap.Iteration,
				MaxIterations: snap.MaxIterations,
				StartedAt:     snap.StartedAt,
				AwaitingHuman: waiting[snap.TaskID],
			})
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEscalations(c echo.Context) error {
	return c.JSON(http.StatusOK, EscalationsResponse{Escalations: s.escalations.Pending()})
}

func (s *Server) handleResolve(c echo.Context) error {
	taskID := c.Param("task_id")
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid resolve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := task.ParseResolution(req.Resolution)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	switch err := s.escalations.Answer(taskID, res); {
	case errors.Is(err, operator.ErrNoEscalation):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, operator.ErrInvalidChoice):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ResolveResponse{TaskID: taskID, Resolution: res})
}

func (s *Server) handleHalt(c echo.Context) error {
	var req HaltRequest
	// An empty body is a halt with the default reason.
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	s.controls.Halt(req.Reason)
	s.logger.Warn("halt requested", zap.String("reason", req.Reason))
	return c.JSON(http.StatusOK, s.controlResponse())
}

func (s *Server) handleResume(c echo.Context) error {
	s.controls.Resume()
	s.logger.Info("halt cleared")
	return c.JSON(http.StatusOK, s.controlResponse())
}

func (s *Server) handleAutonomy(c echo.Context) error {
	var req AutonomyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	level, err := control.ParseAutonomy(req.Level)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.controls.SetAutonomy(level)
	s.logger.Info("autonomy changed", zap.String("level", string(level)))
	return c.JSON(http.StatusOK, s.controlResponse())
}

func (s *Server) controlResponse() ControlResponse {
	halted, reason := s.controls.Halted()
	resp := ControlResponse{Halted: halted, Autonomy: string(s.controls.Autonomy())}
	if halted {
		resp.HaltReason = reason
	}
	return resp
}

// Handler exposes the router, mostly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
