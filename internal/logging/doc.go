// Package logging provides structured logging for loopd on top of Zap.
//
// Loggers add a Trace level below Debug, write to stderr and optionally
// an OpenTelemetry log provider, sample below error level, and redact
// sensitive keys and credential-shaped values before encoding.
//
// Correlation fields come from the context:
//
//	ctx = logging.WithTask(ctx, logging.TaskInfo{ID: "fix-auth", Project: "api"})
//	ctx = logging.WithIteration(ctx, 3)
//	logger.Info(ctx, "attempt verified", zap.String("verdict", "PASS"))
//
// produces task.id, task.project and task.iteration alongside trace_id
// and span_id when a span is active.
//
// Packages that only need a *zap.Logger receive Underlying().
package logging
