package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	"github.com/drblury/cfxflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

// Middleware wraps a handler for the given declaration.
type Middleware func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc

// MiddlewareBuilder constructs a middleware from the dependency context.
// Returning a nil middleware skips the registration.
type MiddlewareBuilder func(*Env) (Middleware, error)

// MiddlewareRegistration captures how a middleware is added to the chains.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

func (r MiddlewareRegistration) resolve(env *Env) (Middleware, error) {
	switch {
	case r.Middleware != nil:
		return r.Middleware, nil
	case r.Builder != nil:
		return r.Builder(env)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

// Chain is an ordered list of middlewares; the first one is the outermost.
type Chain []Middleware

// Wrap nests h inside every middleware of the chain.
func (c Chain) Wrap(md metadata.Metadata, h handlers.HandlerFunc) handlers.HandlerFunc {
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](md, h)
	}
	return h
}

// With returns a new chain with extra appended.
func (c Chain) With(extra ...Middleware) Chain {
	out := make(Chain, 0, len(c)+len(extra))
	out = append(out, c...)
	return append(out, extra...)
}

// DefaultChain returns the built-in chain for a side and declaration kind.
//
//	server event: log, stats, metrics, context, source, recoverer
//	client event: log, stats, context, recoverer
//	server tick/rpc: log, stats, metrics, context, recoverer
//	client tick/rpc: log, stats, context, recoverer
//	once: log, stats, recoverer
func DefaultChain(env *Env, side configpkg.Side, kind metadata.Kind) Chain {
	server := side != configpkg.SideClient
	chain := Chain{LogMiddleware(env.Logger), StatsMiddleware(env.Stats)}

	switch kind {
	case metadata.KindEvent, metadata.KindTick, metadata.KindRpc:
		if server {
			chain = append(chain, MetricsMiddleware(env.Metrics))
		}
		chain = append(chain, ContextMiddleware(env.Logger))
		if server && kind == metadata.KindEvent {
			chain = append(chain, SourceMiddleware())
		}
	}
	return append(chain, RecovererMiddleware())
}

func kindPrefix(kind metadata.Kind) string {
	switch kind {
	case metadata.KindEvent:
		return "[events]"
	case metadata.KindOnce:
		return "[once]"
	default:
		return "[" + string(kind) + "]"
	}
}

// LogMiddleware logs failures with their error chain and returns them
// unchanged.
func LogMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
		fields := loggingpkg.LogFields{"name": md.Label(), "method": md.Method()}
		return func(ctx context.Context, args ...any) (any, error) {
			logger.Trace(kindPrefix(md.Kind())+" invoking handler", fields)
			result, err := next(ctx, args...)
			if err != nil {
				errFields := loggingpkg.LogFields{"name": md.Label(), "method": md.Method(), "error_chain": fmt.Sprintf("%+v", err)}
				var panicErr *PanicError
				if errors.As(err, &panicErr) {
					errFields["stack"] = string(panicErr.Stack)
				}
				logger.Error(fmt.Sprintf("%s Error in %s %s", kindPrefix(md.Kind()), md.Kind(), md.Label()), err, errFields)
			}
			return result, err
		}
	}
}

// MetricsMiddleware records handler durations. The timer is stopped on both
// the success and the error path.
func MetricsMiddleware(metrics *Metrics) Middleware {
	return func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
		if metrics == nil {
			return next
		}
		return func(ctx context.Context, args ...any) (result any, err error) {
			start := time.Now()
			defer func() {
				metrics.ObserveHandler(md.Kind(), md.Label(), time.Since(start), err)
			}()
			return next(ctx, args...)
		}
	}
}

func wantsContext(md metadata.Metadata) bool {
	switch m := md.(type) {
	case metadata.EventMetadata:
		return m.Context
	case metadata.TickMetadata:
		return m.Context
	case metadata.RpcMetadata:
		return true
	}
	return false
}

// ContextMiddleware opens a span and hands a handlers.Context to handlers
// whose declaration asks for one. Errors are recorded and returned.
func ContextMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
		if !wantsContext(md) {
			return next
		}
		return func(ctx context.Context, args ...any) (any, error) {
			ctx, hc := handlers.NewContext(ctx, string(md.Kind()), md.Label(), logger)
			result, err := next(ctx, args...)
			hc.End(err)
			return result, err
		}
	}
}

// SourceMiddleware prepends the sender id to the arguments of networked
// events. Local triggers get an empty source.
func SourceMiddleware() Middleware {
	return func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
		event, ok := md.(metadata.EventMetadata)
		if !ok || !event.Networked {
			return next
		}
		return func(ctx context.Context, args ...any) (any, error) {
			source, _ := handlers.SourceFrom(ctx)
			withSource := make([]any, 0, len(args)+1)
			withSource = append(withSource, source)
			withSource = append(withSource, args...)
			return next(ctx, withSource...)
		}
	}
}

// PanicError is returned by RecovererMiddleware when a handler panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// RecovererMiddleware converts handler panics into PanicError values.
func RecovererMiddleware() Middleware {
	return func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
		return func(ctx context.Context, args ...any) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r, Stack: debug.Stack()}
				}
			}()
			return next(ctx, args...)
		}
	}
}

// StatsMiddleware feeds the in-memory handler statistics used by the
// introspection API.
func StatsMiddleware(stats *StatsRegistry) Middleware {
	return func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
		if stats == nil {
			return next
		}
		handlerStats := stats.For(md)
		return func(ctx context.Context, args ...any) (any, error) {
			handlerStats.onStart()
			start := time.Now()
			result, err := next(ctx, args...)
			handlerStats.onFinish(time.Since(start), err, stats.classifier)
			return result, err
		}
	}
}

// ConditionMiddleware skips event deliveries rejected by the declared
// condition.
func ConditionMiddleware() Middleware {
	return func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
		event, ok := md.(metadata.EventMetadata)
		if !ok || event.Condition == nil {
			return next
		}
		return func(ctx context.Context, args ...any) (any, error) {
			if !event.Condition(args) {
				return nil, nil
			}
			return next(ctx, args...)
		}
	}
}
