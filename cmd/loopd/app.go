package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/config"
	api "github.com/fyrsmithlabs/loopd/internal/http"
	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/runner"
	"github.com/fyrsmithlabs/loopd/internal/telemetry"
)

// app is the process-wide setup shared by commands that run tasks.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
}

// loadConfig reads configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if serverURL != "" {
		cfg.Operator.URL = serverURL
	}
	return cfg, nil
}

// newApp loads configuration and starts logging and telemetry.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logCfg, err := logging.FromConfig(cfg.Logging, false)
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, &exitError{code: 1, err: fmt.Errorf("failed to initialize logger: %w", err)}
	}
	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version), logger.Underlying().Named("telemetry"))
	if err != nil {
		_ = logger.Sync()
		return nil, &exitError{code: 1, err: err}
	}
	return &app{cfg: cfg, logger: logger, tel: tel}, nil
}

// runner builds the task runner with telemetry wired in.
func (a *app) runner(ctx context.Context, opts ...runner.Option) (*runner.Runner, error) {
	opts = append([]runner.Option{runner.WithTracerProvider(a.tel.TracerProvider())}, opts...)
	r, err := runner.New(ctx, a.cfg, a.logger, opts...)
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	return r, nil
}

// Close flushes telemetry and logs.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Runner.Shutdown.Duration())
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// operatorServer serves the operator API for r until ctx ends. It returns
// a function that waits for shutdown.
func (a *app) operatorServer(ctx context.Context, r *runner.Runner) (func(), error) {
	reg := r.Services()
	srv, err := api.NewServer(reg.Broker(), reg.Controls(), reg.Snapshots(), a.logger.Underlying().Named("http"), &api.Config{
		Host:    a.cfg.Operator.Host,
		Port:    a.cfg.Operator.Port,
		Version: version,
	})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(ctx, "operator api stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Runner.Shutdown.Duration())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn(shutdownCtx, "operator api shutdown", zap.Error(err))
		}
	}()
	return func() { <-done }, nil
}
