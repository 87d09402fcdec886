package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type taskCtxKey struct{}
type iterationCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// TaskInfo identifies the task a log line belongs to.
type TaskInfo struct {
	ID      string
	Project string
	RunID   string
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 7)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if t, ok := TaskFromContext(ctx); ok {
		fields = append(fields, zap.String("task.id", t.ID))
		if t.Project != "" {
			fields = append(fields, zap.String("task.project", t.Project))
		}
		if t.RunID != "" {
			fields = append(fields, zap.String("task.run", t.RunID))
		}
	}
	if n, ok := ctx.Value(iterationCtxKey{}).(int); ok {
		fields = append(fields, zap.Int("task.iteration", n))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	return fields
}

// WithTask tags the context with the task being driven.
func WithTask(ctx context.Context, t TaskInfo) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, t)
}

// TaskFromContext returns the task set by WithTask.
func TaskFromContext(ctx context.Context) (TaskInfo, bool) {
	t, ok := ctx.Value(taskCtxKey{}).(TaskInfo)
	return t, ok
}

// WithIteration tags the context with the current attempt number.
func WithIteration(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, iterationCtxKey{}, n)
}

// WithRequestID tags the context with an operator API request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return Nop()
}
