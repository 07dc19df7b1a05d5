package handlers

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
)

// TracerName is the instrumentation scope used for handler spans.
const TracerName = "cfxflow"

type sourceKey struct{}

type contextKey struct{}

// WithSource records the id of the node that sent the event being handled.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the sender id stored by WithSource.
func SourceFrom(ctx context.Context) (string, bool) {
	source, ok := ctx.Value(sourceKey{}).(string)
	return source, ok && source != ""
}

// Context is handed to handlers whose declaration requested one. It carries
// the handler's span and helpers to trace sub-operations.
type Context struct {
	Name   string
	Kind   string
	Logger loggingpkg.ServiceLogger

	tracer trace.Tracer
	span   trace.Span
}

// NewContext starts a span for the named handler and returns the context
// carrying both the span and the Context value. Callers must call End.
func NewContext(ctx context.Context, kind, name string, logger loggingpkg.ServiceLogger) (context.Context, *Context) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, kind+" "+name, trace.WithAttributes(
		attribute.String("cfxflow.kind", kind),
		attribute.String("cfxflow.name", name),
	))
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	hc := &Context{
		Name:   name,
		Kind:   kind,
		Logger: logger.With(loggingpkg.LogFields{"handler": name, "kind": kind}),
		tracer: tracer,
		span:   span,
	}
	return context.WithValue(ctx, contextKey{}, hc), hc
}

// FromContext returns the handler Context, if the handler requested one.
func FromContext(ctx context.Context) (*Context, bool) {
	hc, ok := ctx.Value(contextKey{}).(*Context)
	return hc, ok
}

// Span returns the span covering the handler invocation.
func (c *Context) Span() trace.Span { return c.span }

// End finishes the handler span, recording err when non-nil.
func (c *Context) End(err error) {
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
}

// Trace runs fn inside a child span. Errors are recorded on the span and
// returned unchanged.
func (c *Context) Trace(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, name)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.Logger.Debug("traced operation failed", loggingpkg.LogFields{"operation": name, "error": err.Error()})
		return err
	}
	return nil
}

// Wait blocks for d or until ctx is done.
func (c *Context) Wait(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

// Sleep blocks for d or until ctx is done, returning the context error in the
// latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
