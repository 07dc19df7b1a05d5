package runtime

import (
	"context"
	"time"

	"github.com/drblury/cfxflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// Kind is the declaration kind: event, tick, once or rpc.
	Kind metadata.Kind
	// Name is the event, tick, step or rpc name.
	Name string
	// Method is the provider method serving the invocation.
	Method string
	// Source is the sender id for events received from the other side.
	Source string
	// Context is the context the handler runs with.
	Context context.Context
	// StartedAt is when the invocation started.
	StartedAt time.Time
	// Duration is how long the handler took (only set in OnJobDone and OnJobError).
	Duration time.Duration
}

// JobHooks defines callbacks around handler invocations.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after the hooks
// from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware registers hooks as an extra middleware on every chain.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) Middleware {
	return func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
		return func(ctx context.Context, args ...any) (any, error) {
			jobCtx := JobContext{
				Kind:      md.Kind(),
				Name:      md.Label(),
				Method:    md.Method(),
				Context:   ctx,
				StartedAt: time.Now(),
			}
			jobCtx.Source, _ = handlers.SourceFrom(ctx)

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			result, err := next(ctx, args...)
			jobCtx.Duration = time.Since(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return result, err
		}
	}
}

// LoggingHooks returns hooks that log every invocation.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"kind":   string(ctx.Kind),
			"name":   ctx.Name,
			"method": ctx.Method,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks adapts plain counters to hooks.
func MetricsHooks(onStart, onDone, onError func(kind metadata.Kind, name string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Kind, ctx.Name)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Kind, ctx.Name)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Kind, ctx.Name)
			}
		},
	}
}

// AlertingHooks returns hooks that only fire on errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alertFunc}
}
