package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

func TestEventLoaderLoadIsIdempotent(t *testing.T) {
	env := newTestEnv(t, configpkg.SideClient, "client-1", nil)
	loader := NewEventLoader(env)

	var c counter
	p := newProvider("Players", func(reg *metadata.Registry) {
		reg.Method("OnJoin", c.handler()).OnEvent("playerJoining")
	})

	require.NoError(t, loader.Load(p))
	require.NoError(t, loader.Load(p))

	assert.Equal(t, 1, env.Bus.ListenerCount("playerJoining"))
	assert.True(t, loader.IsProviderLoaded(p))

	require.NoError(t, env.Bus.TriggerEvent(context.Background(), "playerJoining", "alice"))
	assert.Equal(t, 1, c.count())
	assert.Equal(t, []any{"alice"}, c.args())
}

func TestEventLoaderUnloadIsIdempotent(t *testing.T) {
	env := newTestEnv(t, configpkg.SideClient, "client-1", nil)
	loader := NewEventLoader(env)

	var c counter
	p := newProvider("Players", func(reg *metadata.Registry) {
		reg.Method("OnJoin", c.handler()).OnEvent("playerJoining").OnEvent("playerSpawned")
	})
	require.NoError(t, loader.Load(p))
	assert.Equal(t, 2, loader.HandlerCount())

	loader.Unload(p)
	loader.Unload(p)
	loader.Unload(nil)

	assert.False(t, loader.IsProviderLoaded(p))
	assert.False(t, loader.HasEventHandlers("playerJoining"))
	assert.Equal(t, 0, env.Bus.ListenerCount("playerJoining"))
	assert.Equal(t, 0, env.Bus.ListenerCount("playerSpawned"))

	require.NoError(t, env.Bus.TriggerEvent(context.Background(), "playerJoining"))
	assert.Equal(t, 0, c.count())
}

func TestEventLoaderUnloadKeepsOtherProviders(t *testing.T) {
	env := newTestEnv(t, configpkg.SideClient, "client-1", nil)
	loader := NewEventLoader(env)

	var a, b counter
	pa := newProvider("A", func(reg *metadata.Registry) { reg.Method("On", a.handler()).OnEvent("tick") })
	pb := newProvider("B", func(reg *metadata.Registry) { reg.Method("On", b.handler()).OnEvent("tick") })
	require.NoError(t, loader.Load(pa))
	require.NoError(t, loader.Load(pb))

	loader.Unload(pa)
	require.NoError(t, env.Bus.TriggerEvent(context.Background(), "tick"))

	assert.Equal(t, 0, a.count())
	assert.Equal(t, 1, b.count())
	assert.Equal(t, []string{"tick"}, loader.EventNames())
}

func TestEventLoaderReloadAfterUnload(t *testing.T) {
	env := newTestEnv(t, configpkg.SideClient, "client-1", nil)
	loader := NewEventLoader(env)

	var c counter
	p := newProvider("Players", func(reg *metadata.Registry) {
		reg.Method("OnJoin", c.handler()).OnEvent("playerJoining")
	})
	require.NoError(t, loader.Load(p))
	loader.Unload(p)
	require.NoError(t, loader.Load(p))

	require.NoError(t, env.Bus.TriggerEvent(context.Background(), "playerJoining"))
	assert.Equal(t, 1, c.count())
}

func TestEventLoaderHandlerErrorDoesNotStopOthers(t *testing.T) {
	logger, entry := newRecordingLogger()
	env := newTestEnv(t, configpkg.SideClient, "client-1", nil, withLogger(logger))
	loader := NewEventLoader(env)

	var c counter
	failing := newProvider("Broken", func(reg *metadata.Registry) {
		reg.Method("OnJoin", func(context.Context, ...any) (any, error) {
			return nil, errors.New("boom")
		}).OnEvent("playerJoining")
	})
	healthy := newProvider("Healthy", func(reg *metadata.Registry) {
		reg.Method("OnJoin", c.handler()).OnEvent("playerJoining")
	})
	require.NoError(t, loader.Load(failing))
	require.NoError(t, loader.Load(healthy))

	require.NoError(t, env.Bus.TriggerEvent(context.Background(), "playerJoining"))
	assert.Equal(t, 1, c.count())

	_, found := entry.find("error", "[events] Error in event playerJoining")
	assert.True(t, found)
}

func TestEventLoaderCondition(t *testing.T) {
	env := newTestEnv(t, configpkg.SideClient, "client-1", nil)
	loader := NewEventLoader(env)

	var c counter
	p := newProvider("Chat", func(reg *metadata.Registry) {
		reg.Method("OnCommand", c.handler()).OnEvent("chatMessage", metadata.Condition(func(args []any) bool {
			msg, _ := args[0].(string)
			return len(msg) > 0 && msg[0] == '/'
		}))
	})
	require.NoError(t, loader.Load(p))

	ctx := context.Background()
	require.NoError(t, env.Bus.TriggerEvent(ctx, "chatMessage", "hello"))
	require.NoError(t, env.Bus.TriggerEvent(ctx, "chatMessage", "/help"))

	assert.Equal(t, 1, c.count())
	assert.Equal(t, []any{"/help"}, c.args())
}

func TestEventLoaderRemoteEventsReachNetworkedListeners(t *testing.T) {
	server, client := newServerClient(t)
	loader := NewEventLoader(server)

	var local, networked counter
	p := newProvider("Inventory", func(reg *metadata.Registry) {
		reg.Method("OnLocal", local.handler()).OnEvent("useItem", metadata.Local())
		reg.Method("OnUse", networked.handler()).OnEvent("useItem")
	})
	require.NoError(t, loader.Load(p))

	require.NoError(t, client.Bus.TriggerServerEvent(context.Background(), "useItem", "medkit"))

	require.Eventually(t, func() bool { return networked.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{"client-1", "medkit"}, networked.args())
	assert.Equal(t, 0, local.count())

	require.NoError(t, server.Bus.TriggerEvent(context.Background(), "useItem", "bandage"))
	assert.Equal(t, 1, local.count())
	assert.Equal(t, []any{"bandage"}, local.args())
	assert.Equal(t, []any{"", "bandage"}, networked.args())
}

func TestEventLoaderStats(t *testing.T) {
	env := newTestEnv(t, configpkg.SideClient, "client-1", nil)
	loader := NewEventLoader(env)

	p := newProvider("Players", func(reg *metadata.Registry) {
		reg.Method("OnJoin", noopHandler).OnEvent("playerJoining")
		reg.Method("OnLeave", noopHandler).OnEvent("playerDropped").OnEvent("playerKicked")
	})
	require.NoError(t, loader.Load(p))

	stats := loader.Stats()
	assert.Equal(t, 1, stats.Providers)
	assert.Equal(t, 3, stats.Events)
	assert.Equal(t, 3, stats.Handlers)
	assert.Equal(t, 1, stats.ByEvent["playerKicked"])
	assert.Equal(t, []string{"playerDropped", "playerJoining", "playerKicked"}, loader.EventNames())
}

func TestEventLoaderRejectsNilProvider(t *testing.T) {
	env := newTestEnv(t, configpkg.SideClient, "client-1", nil)
	assert.ErrorIs(t, NewEventLoader(env).Load(nil), errspkg.ErrProviderRequired)
}
