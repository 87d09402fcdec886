package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/loopd/internal/http"

// operatorActions maps the routes that change a running loop to the action
// recorded for them. Read-only routes are not actions.
var operatorActions = map[string]string{
	"/api/v1/escalations/:task_id/resolve": "resolve",
	"/api/v1/halt":                         "halt",
	"/api/v1/resume":                       "resume",
	"/api/v1/autonomy":                     "autonomy",
}

// HTTPMetrics records operator API traffic.
type HTTPMetrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	requests metric.Int64Counter
	duration metric.Float64Histogram
	actions  metric.Int64Counter
}

// NewHTTPMetrics creates the instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requests, err = m.meter.Int64Counter(
		"loopd.http.requests_total",
		metric.WithDescription("Operator API requests by method, route template and status class"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	m.duration, err = m.meter.Float64Histogram(
		"loopd.http.request_duration_seconds",
		metric.WithDescription("Operator API request duration by method and route template"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.actions, err = m.meter.Int64Counter(
		"loopd.operator.actions_total",
		metric.WithDescription("Operator interventions (resolve, halt, resume, autonomy) by outcome: ok, rejected or error"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		m.logger.Warn("failed to create actions counter", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records request
// metrics and operator actions.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			ctx := c.Request().Context()
			route := routeLabel(c.Path())
			status := responseStatus(c, err)
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.String("status_class", statusClass(status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if action, ok := operatorActions[route]; ok && m.actions != nil {
				m.actions.Add(ctx, 1, metric.WithAttributes(
					attribute.String("action", action),
					attribute.String("outcome", actionOutcome(status)),
				))
			}
			return err
		}
	}
}

// routeLabel is the matched route template, so task IDs never become label
// values. Unmatched requests share one label.
func routeLabel(path string) string {
	if path == "" || path == "/*" {
		return "unmatched"
	}
	return path
}

// responseStatus is the status the client will see. A handler error is
// written by echo's error handler after the middleware chain returns.
func responseStatus(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func actionOutcome(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}
