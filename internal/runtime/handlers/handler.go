package handlers

import (
	"context"
	"fmt"
	"reflect"

	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/cfxflow/internal/runtime/jsoncodec"
)

// HandlerFunc is the signature every event, tick, once and rpc handler is
// reduced to. Arguments arrive as delivered by the bus: values decoded from
// JSON are float64, string, bool, []any or map[string]any.
type HandlerFunc func(ctx context.Context, args ...any) (any, error)

// Func adapts a handler that produces no result.
func Func(fn func(ctx context.Context, args ...any) error) HandlerFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, args ...any) (any, error) {
		return nil, fn(ctx, args...)
	}
}

// Typed adapts a handler taking a single JSON-compatible argument. The first
// argument is decoded into T, so a map received from the bus can be consumed
// as a struct.
func Typed[T any, R any](fn func(ctx context.Context, in T) (R, error)) HandlerFunc {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, args ...any) (any, error) {
		in, err := DecodeArg[T](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// DecodeArg converts args[index] into T. Values that already have type T are
// returned as is; anything else goes through a JSON round trip.
func DecodeArg[T any](args []any, index int) (T, error) {
	var zero T
	if index < 0 || index >= len(args) {
		return zero, fmt.Errorf("%w: argument %d missing (got %d)", errspkg.ErrValidation, index, len(args))
	}
	return Decode[T](args[index])
}

// Decode converts an arbitrary bus value into T.
func Decode[T any](value any) (T, error) {
	var out T
	if typed, ok := value.(T); ok {
		return typed, nil
	}
	if value == nil {
		return out, nil
	}
	data, err := jsoncodec.Marshal(value)
	if err != nil {
		return out, fmt.Errorf("encode %T: %w", value, err)
	}
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode into %s: %w", reflect.TypeOf(out), err)
	}
	return out, nil
}

// Number reports the numeric value of v for any Go integer or float type.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// IsFalse reports whether a handler result asks to stop further ticks.
func IsFalse(result any) bool {
	b, ok := result.(bool)
	return ok && !b
}
