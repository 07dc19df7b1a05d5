package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/handlers"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

func sum(_ context.Context, args ...any) (any, error) {
	total := 0.0
	for _, arg := range args {
		n, isNumber := handlers.Number(arg)
		if !isNumber {
			return nil, fmt.Errorf("%w: %v is not a number", errspkg.ErrValidation, arg)
		}
		total += n
	}
	return total, nil
}

// mathProvider declares the same rpc methods on both sides: the callee
// serves them and the caller needs the declaration to call them.
func mathProvider(name string) *testProvider {
	return newProvider(name, func(reg *metadata.Registry) {
		reg.Method("Sum", sum).Rpc("ping")
		reg.Method("Pair", sum).Rpc("pair", metadata.Validator(func(params []any) bool { return len(params) == 2 }))
		reg.Method("Fail", func(context.Context, ...any) (any, error) {
			return nil, errors.New("database unavailable")
		}).Rpc("fail")
		reg.Method("Reject", func(context.Context, ...any) (any, error) {
			return nil, errspkg.NewRpcError("FORBIDDEN", "not allowed", map[string]any{"role": "guest"})
		}).Rpc("reject")
		reg.Method("Explode", func(context.Context, ...any) (any, error) {
			panic("boom")
		}).Rpc("explode")
	})
}

func loadRpc(t *testing.T, env *Env, p metadata.Provider) *RpcLoader {
	t.Helper()
	loader := NewRpcLoader(env)
	require.NoError(t, loader.Load(p))
	t.Cleanup(func() { loader.Unload(nil) })
	return loader
}

func TestRpcClientCallsServer(t *testing.T) {
	server, client := newServerClient(t)
	loadRpc(t, server, mathProvider("Math"))
	caller := loadRpc(t, client, mathProvider("Math"))

	got, err := CallAs[int](context.Background(), caller, "ping", []any{1, 2}, WithCallTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, 0, caller.PendingCalls())
}

func TestRpcServerCallsClient(t *testing.T) {
	server, client := newServerClient(t)
	loadRpc(t, client, newProvider("Profile", func(reg *metadata.Registry) {
		reg.Method("WhoAmI", func(context.Context, ...any) (any, error) {
			return map[string]any{"name": "alice", "level": 12}, nil
		}).Rpc("whoami")
	}))
	caller := loadRpc(t, server, newProvider("Profile", func(reg *metadata.Registry) {
		reg.Method("WhoAmI", noopHandler).Rpc("whoami")
	}))

	type profile struct {
		Name  string `json:"name"`
		Level int    `json:"level"`
	}
	got, err := CallAs[profile](context.Background(), caller, "whoami", nil, WithTarget("client-1"), WithCallTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, profile{Name: "alice", Level: 12}, got)
}

func TestRpcServerCallRequiresTarget(t *testing.T) {
	server, _ := newServerClient(t)
	caller := loadRpc(t, server, mathProvider("Math"))

	_, err := caller.Call(context.Background(), "ping", []any{1})
	assert.ErrorIs(t, err, errspkg.ErrTargetRequired)
}

func TestRpcUnknownMethod(t *testing.T) {
	_, client := newServerClient(t)
	caller := loadRpc(t, client, mathProvider("Math"))

	_, err := caller.Call(context.Background(), "missing", nil)
	var rpcErr *errspkg.RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, errspkg.CodeMethodNotFound, rpcErr.Code)
	assert.Equal(t, "RPC method 'missing' not found", rpcErr.Message)
}

func TestRpcTimeoutRemovesPendingCall(t *testing.T) {
	_, client := newServerClient(t)
	caller := loadRpc(t, client, newProvider("Slow", func(reg *metadata.Registry) {
		reg.Method("Never", noopHandler).Rpc("never")
	}))

	start := time.Now()
	_, err := caller.Call(context.Background(), "never", nil, WithCallTimeout(50*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrTimeout)
	var rpcErr *errspkg.RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, errspkg.CodeTimeout, rpcErr.Code)
	assert.Equal(t, "RPC call 'never' timed out after 50ms", rpcErr.Message)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, 0, caller.PendingCalls())
}

func TestRpcTimeoutRetries(t *testing.T) {
	_, client := newServerClient(t)
	caller := loadRpc(t, client, newProvider("Slow", func(reg *metadata.Registry) {
		reg.Method("Never", noopHandler).Rpc("never", metadata.RpcTimeout(10*time.Millisecond), metadata.RpcRetries(2))
	}))

	start := time.Now()
	_, err := caller.Call(context.Background(), "never", nil)
	assert.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	start = time.Now()
	_, err = caller.Call(context.Background(), "never", nil, WithCallRetries(0))
	assert.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestRpcErrorsArePropagated(t *testing.T) {
	server, client := newServerClient(t)
	loadRpc(t, server, mathProvider("Math"))
	caller := loadRpc(t, client, mathProvider("Math"))
	ctx := context.Background()

	t.Run("validator rejects params", func(t *testing.T) {
		_, err := caller.Call(ctx, "pair", []any{1}, WithCallTimeout(time.Second))
		assert.ErrorIs(t, err, errspkg.ErrValidation)
		var rpcErr *errspkg.RpcError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, errspkg.CodeValidation, rpcErr.Code)
		assert.Equal(t, "Validation failed for RPC 'pair'", rpcErr.Message)
	})

	t.Run("validator accepts params", func(t *testing.T) {
		got, err := CallAs[float64](ctx, caller, "pair", []any{1.5, 2}, WithCallTimeout(time.Second))
		require.NoError(t, err)
		assert.Equal(t, 3.5, got)
	})

	t.Run("plain handler error is internal", func(t *testing.T) {
		_, err := caller.Call(ctx, "fail", nil, WithCallTimeout(time.Second))
		var rpcErr *errspkg.RpcError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, errspkg.CodeInternal, rpcErr.Code)
		assert.Equal(t, "database unavailable", rpcErr.Message)
	})

	t.Run("rpc error keeps code and details", func(t *testing.T) {
		_, err := caller.Call(ctx, "reject", nil, WithCallTimeout(time.Second))
		var rpcErr *errspkg.RpcError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, "FORBIDDEN", rpcErr.Code)
		assert.Equal(t, "not allowed", rpcErr.Message)
		assert.Equal(t, map[string]any{"role": "guest"}, rpcErr.Details)
	})

	t.Run("panic is internal", func(t *testing.T) {
		_, err := caller.Call(ctx, "explode", nil, WithCallTimeout(time.Second))
		var rpcErr *errspkg.RpcError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, errspkg.CodeInternal, rpcErr.Code)
		assert.Equal(t, "panic: boom", rpcErr.Message)
	})
}

func TestRpcSerializerAndDeserializer(t *testing.T) {
	server, client := newServerClient(t)
	loadRpc(t, server, newProvider("Clock", func(reg *metadata.Registry) {
		reg.Method("Now", func(context.Context, ...any) (any, error) {
			return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), nil
		}).Rpc("now", metadata.Serializer(func(result any) (any, error) {
			return result.(time.Time).Format(time.RFC3339), nil
		}))
	}))
	caller := loadRpc(t, client, newProvider("Clock", func(reg *metadata.Registry) {
		reg.Method("Now", noopHandler).Rpc("now", metadata.Deserializer(func(result any) (any, error) {
			s, isString := result.(string)
			if !isString {
				return nil, fmt.Errorf("unexpected %T", result)
			}
			return time.Parse(time.RFC3339, s)
		}))
	}))

	got, err := caller.Call(context.Background(), "now", nil, WithCallTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), got)
}

func TestRpcUnloadRejectsPendingCalls(t *testing.T) {
	_, client := newServerClient(t)
	caller := NewRpcLoader(client)
	require.NoError(t, caller.Load(newProvider("Slow", func(reg *metadata.Registry) {
		reg.Method("Never", noopHandler).Rpc("never")
	})))

	errc := make(chan error, 1)
	go func() {
		_, err := caller.Call(context.Background(), "never", nil, WithCallTimeout(5*time.Second))
		errc <- err
	}()
	require.Eventually(t, func() bool { return caller.PendingCalls() == 1 }, time.Second, time.Millisecond)

	caller.Unload(nil)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, errspkg.ErrShutdown)
		var rpcErr *errspkg.RpcError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, errspkg.CodeShutdown, rpcErr.Code)
	case <-time.After(time.Second):
		t.Fatal("pending call was not rejected")
	}
	assert.Equal(t, 0, caller.PendingCalls())
	assert.Empty(t, caller.RegisteredMethods())
}

func TestRpcCallHonoursContext(t *testing.T) {
	_, client := newServerClient(t)
	caller := loadRpc(t, client, newProvider("Slow", func(reg *metadata.Registry) {
		reg.Method("Never", noopHandler).Rpc("never")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := caller.Call(ctx, "never", nil, WithCallTimeout(5*time.Second))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, caller.PendingCalls())
}

func TestRpcLoaderRegistration(t *testing.T) {
	logger, entry := newRecordingLogger()
	env := newTestEnv(t, configpkg.SideServer, "server", nil, withLogger(logger))
	loader := NewRpcLoader(env)

	first := newProvider("First", func(reg *metadata.Registry) {
		reg.Method("Ping", noopHandler).Rpc("ping", metadata.RpcTimeout(time.Second), metadata.RpcRetries(2), metadata.RpcMiddleware("audit"))
	})
	second := newProvider("Second", func(reg *metadata.Registry) {
		reg.Method("Ping", noopHandler).Rpc("ping")
		reg.Method("Pong", noopHandler).Rpc("pong")
	})
	require.NoError(t, loader.Load(first))
	require.NoError(t, loader.Load(second))
	require.NoError(t, loader.Load(first))

	assert.Equal(t, []string{"ping", "pong"}, loader.RegisteredMethods())
	info, found := loader.MethodInfo("ping")
	require.True(t, found)
	assert.Equal(t, RpcMethodInfo{
		Name:       "ping",
		Provider:   "First",
		Method:     "Ping",
		Timeout:    time.Second,
		Retries:    2,
		Middleware: []string{"audit"},
	}, info)
	assert.Equal(t, 1, env.Bus.ListenerCount("ping"))

	_, found = entry.find("error", "[rpc] Duplicate RPC method")
	assert.True(t, found)
	_, found = entry.find("warn", "[rpc] Unknown middleware")
	assert.True(t, found)

	loader.Unload(second)
	assert.Equal(t, []string{"ping"}, loader.RegisteredMethods())
	assert.False(t, loader.IsProviderLoaded(second))
	assert.Len(t, loader.Methods(), 1)
}

func TestRpcNamedMiddlewareWrapsMethod(t *testing.T) {
	var audited []string
	audit := MiddlewareRegistration{
		Name: "audit",
		Middleware: func(md metadata.Metadata, next handlers.HandlerFunc) handlers.HandlerFunc {
			return func(ctx context.Context, args ...any) (any, error) {
				audited = append(audited, md.Label())
				return next(ctx, args...)
			}
		},
	}
	server, client := newServerClient(t, func(_ *configpkg.Config, o *EnvOptions) {
		o.NamedMiddlewares = []MiddlewareRegistration{audit}
	})
	declare := func(reg *metadata.Registry) {
		reg.Method("Sum", sum).Rpc("audited", metadata.RpcMiddleware("audit"))
		reg.Method("Plain", sum).Rpc("plain")
	}
	loadRpc(t, server, newProvider("Math", declare))
	caller := loadRpc(t, client, newProvider("Math", declare))

	_, err := caller.Call(context.Background(), "audited", []any{1}, WithCallTimeout(time.Second))
	require.NoError(t, err)
	_, err = caller.Call(context.Background(), "plain", []any{1}, WithCallTimeout(time.Second))
	require.NoError(t, err)

	assert.Equal(t, []string{"audited"}, audited)
}

func TestDecodeCall(t *testing.T) {
	call := RpcCall{ID: "rpc_1", Method: "ping", Params: []any{1.0}}

	for name, raw := range map[string]any{
		"value":   call,
		"pointer": &call,
		"string":  `{"id":"rpc_1","method":"ping","params":[1]}`,
		"bytes":   []byte(`{"id":"rpc_1","method":"ping","params":[1]}`),
		"map":     map[string]any{"id": "rpc_1", "method": "ping", "params": []any{1.0}},
	} {
		t.Run(name, func(t *testing.T) {
			got, err := decodeCall(raw)
			require.NoError(t, err)
			assert.Equal(t, "rpc_1", got.ID)
			assert.Equal(t, "ping", got.Method)
			require.Len(t, got.Params, 1)
			n, _ := handlers.Number(got.Params[0])
			assert.Equal(t, 1.0, n)
		})
	}

	_, err := decodeCall(`{"method":"ping"}`)
	assert.Error(t, err)
	_, err = decodeCall("not json")
	assert.Error(t, err)

	got, err := decodeCall(`{"id":"rpc_2","method":"ping"}`)
	require.NoError(t, err)
	assert.Equal(t, []any{}, got.Params)
}
