package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	"github.com/drblury/cfxflow/internal/runtime/handlers"
	"github.com/drblury/cfxflow/internal/runtime/host"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
	"github.com/drblury/cfxflow/internal/runtime/metadata"
)

const testFrame = 5 * time.Millisecond

type envOption func(*configpkg.Config, *EnvOptions)

func withLogger(logger loggingpkg.ServiceLogger) envOption {
	return func(_ *configpkg.Config, o *EnvOptions) { o.Logger = logger }
}

func withConfig(fn func(*configpkg.Config)) envOption {
	return func(c *configpkg.Config, _ *EnvOptions) { fn(c) }
}

func newTestPubSub(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

// newTestEnv builds an Env on side. When ps is nil the bus only dispatches
// local events.
func newTestEnv(t *testing.T, side configpkg.Side, nodeID string, ps *gochannel.GoChannel, opts ...envOption) *Env {
	t.Helper()

	cfg := configpkg.Config{Side: side, NodeID: nodeID, FrameInterval: testFrame}
	envOpts := EnvOptions{Logger: loggingpkg.NewNopLogger(), Registerer: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(&cfg, &envOpts)
	}
	cfg = cfg.WithDefaults()

	busOpts := host.BusOptions{Side: cfg.Side, NodeID: cfg.NodeID, Logger: envOpts.Logger}
	if ps != nil {
		busOpts.Publisher = ps
		busOpts.Subscriber = ps
	}
	bus, err := host.NewBus(context.Background(), busOpts)
	require.NoError(t, err)
	scheduler := host.NewScheduler(cfg.FrameInterval)
	t.Cleanup(func() {
		scheduler.Close()
		_ = bus.Close()
	})

	envOpts.Config = &cfg
	envOpts.Bus = bus
	envOpts.Scheduler = scheduler
	env, err := NewEnv(envOpts)
	require.NoError(t, err)
	return env
}

// newServerClient returns a server env and a client env ("client-1") sharing
// one in-memory pub/sub.
func newServerClient(t *testing.T, opts ...envOption) (*Env, *Env) {
	t.Helper()
	ps := newTestPubSub(t)
	server := newTestEnv(t, configpkg.SideServer, "server", ps, opts...)
	client := newTestEnv(t, configpkg.SideClient, "client-1", ps, opts...)
	return server, client
}

// testProvider declares whatever its declare func registers.
type testProvider struct {
	name    string
	declare func(reg *metadata.Registry)
}

func newProvider(name string, declare func(reg *metadata.Registry)) *testProvider {
	return &testProvider{name: name, declare: declare}
}

func (p *testProvider) Declare(reg *metadata.Registry) {
	if p.declare != nil {
		p.declare(reg)
	}
}

func (p *testProvider) ProviderName() string { return p.name }

// counter is a handler counting its invocations and recording the last
// arguments.
type counter struct {
	calls atomic.Int64
	last  atomic.Value
}

func (c *counter) handler() handlers.HandlerFunc {
	return func(_ context.Context, args ...any) (any, error) {
		c.last.Store(append([]any(nil), args...))
		c.calls.Add(1)
		return nil, nil
	}
}

func (c *counter) count() int { return int(c.calls.Load()) }

func (c *counter) args() []any {
	args, _ := c.last.Load().([]any)
	return args
}

func noopHandler(_ context.Context, _ ...any) (any, error) { return nil, nil }
