// Package host provides the primitives the runtime is embedded in: a named
// event bus connecting the server and client processes, and a scheduler for
// recurring callbacks.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/cfxflow/internal/runtime/config"
	errspkg "github.com/drblury/cfxflow/internal/runtime/errors"
	"github.com/drblury/cfxflow/internal/runtime/handlers"
	idspkg "github.com/drblury/cfxflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/cfxflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/cfxflow/internal/runtime/logging"
)

const (
	// ServerTopic carries events addressed to the server.
	ServerTopic = "cfxflow.server"
	// ClientTopic carries events addressed to clients.
	ClientTopic = "cfxflow.client"
	// BroadcastTarget addresses every client.
	BroadcastTarget = "-1"
)

// ListenerID identifies a registered listener.
type ListenerID uint64

type listener struct {
	id        ListenerID
	fn        handlers.HandlerFunc
	networked bool
}

// BusOptions configures a Bus. Publisher and Subscriber may be nil, in which
// case the bus only dispatches local events.
type BusOptions struct {
	Side       configpkg.Side
	NodeID     string
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Logger     loggingpkg.ServiceLogger
}

// Bus is the named event bus. Local triggers run listeners synchronously in
// registration order; remote events arrive over Watermill and only reach
// listeners registered as networked.
type Bus struct {
	side   configpkg.Side
	nodeID string
	pub    message.Publisher
	sub    message.Subscriber
	logger loggingpkg.ServiceLogger

	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    ListenerID
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus subscribes to the topic of the configured side and starts routing
// remote events to listeners.
func NewBus(ctx context.Context, opts BusOptions) (*Bus, error) {
	if opts.Side == "" {
		opts.Side = configpkg.SideServer
	}
	if opts.NodeID == "" {
		opts.NodeID = string(opts.Side)
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewNopLogger()
	}

	runCtx, cancel := context.WithCancel(ctx)
	b := &Bus{
		side:      opts.Side,
		nodeID:    opts.NodeID,
		pub:       opts.Publisher,
		sub:       opts.Subscriber,
		logger:    opts.Logger.With(loggingpkg.LogFields{"component": "bus", "node": opts.NodeID}),
		listeners: make(map[string][]listener),
		cancel:    cancel,
	}

	if b.sub != nil {
		topic := ServerTopic
		if b.side == configpkg.SideClient {
			topic = ClientTopic
		}
		messages, err := b.sub.Subscribe(runCtx, topic)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		b.wg.Add(1)
		go b.consume(runCtx, messages)
	}
	return b, nil
}

// Side returns the side this bus runs on.
func (b *Bus) Side() configpkg.Side { return b.side }

// NodeID returns the address of this process.
func (b *Bus) NodeID() string { return b.nodeID }

// IsServer reports whether the bus runs on the server side.
func (b *Bus) IsServer() bool { return b.side != configpkg.SideClient }

// AddEventListener registers fn for name. Networked listeners also receive
// events sent by the other side.
func (b *Bus) AddEventListener(name string, fn handlers.HandlerFunc, networked bool) (ListenerID, error) {
	if name == "" {
		return 0, errspkg.ErrEventNameRequired
	}
	if fn == nil {
		return 0, errspkg.ErrHandlerRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errspkg.ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], listener{id: id, fn: fn, networked: networked})
	return id, nil
}

// RemoveEventListener unregisters a listener.
func (b *Bus) RemoveEventListener(name string, id ListenerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.listeners[name]
	for i, l := range current {
		if l.id != id {
			continue
		}
		remaining := make([]listener, 0, len(current)-1)
		remaining = append(remaining, current[:i]...)
		remaining = append(remaining, current[i+1:]...)
		if len(remaining) == 0 {
			delete(b.listeners, name)
		} else {
			b.listeners[name] = remaining
		}
		return nil
	}
	return fmt.Errorf("%w: %s#%d", errspkg.ErrListenerNotFound, name, id)
}

// ListenerCount returns how many listeners are registered for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

// TriggerEvent runs every listener of name in this process.
func (b *Bus) TriggerEvent(ctx context.Context, name string, args ...any) error {
	if b.isClosed() {
		return errspkg.ErrBusClosed
	}
	b.dispatch(ctx, name, args, false)
	return nil
}

// TriggerServerEvent sends an event to the server.
func (b *Bus) TriggerServerEvent(ctx context.Context, name string, args ...any) error {
	return b.publish(ctx, ServerTopic, name, "", args)
}

// TriggerClientEvent sends an event to one client, or to all of them when
// target is BroadcastTarget. Only the server may address clients.
func (b *Bus) TriggerClientEvent(ctx context.Context, name, target string, args ...any) error {
	if !b.IsServer() {
		return errspkg.ErrServerOnly
	}
	if target == "" {
		return errspkg.ErrTargetRequired
	}
	return b.publish(ctx, ClientTopic, name, target, args)
}

// Close stops consuming remote events. Registered listeners are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.listeners = make(map[string][]listener)
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bus) publish(ctx context.Context, topic, name, target string, args []any) error {
	if name == "" {
		return errspkg.ErrEventNameRequired
	}
	if b.isClosed() {
		return errspkg.ErrBusClosed
	}
	if b.pub == nil {
		return fmt.Errorf("cfxflow: no transport configured for remote event %q", name)
	}
	if args == nil {
		args = []any{}
	}

	payload, err := jsoncodec.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments of %q: %w", name, err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(handlers.MetadataKeyEvent, name)
	msg.Metadata.Set(handlers.MetadataKeyOrigin, b.nodeID)
	msg.Metadata.Set(handlers.MetadataKeySentAt, time.Now().UTC().Format(time.RFC3339Nano))
	if target != "" {
		msg.Metadata.Set(handlers.MetadataKeyTarget, target)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		msg.Metadata.Set(handlers.MetadataKeyTraceID, sc.TraceID().String())
		msg.Metadata.Set(handlers.MetadataKeySpanID, sc.SpanID().String())
	}
	msg.SetContext(ctx)

	if err := b.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %q to %s: %w", name, topic, err)
	}
	return nil
}

func (b *Bus) consume(ctx context.Context, messages <-chan *message.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.receive(ctx, msg)
		}
	}
}

func (b *Bus) receive(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	name := msg.Metadata.Get(handlers.MetadataKeyEvent)
	origin := msg.Metadata.Get(handlers.MetadataKeyOrigin)
	target := msg.Metadata.Get(handlers.MetadataKeyTarget)

	if name == "" {
		b.logger.Debug("dropping bus message without event name", loggingpkg.LogFields{"message_uuid": msg.UUID})
		return
	}
	if b.side == configpkg.SideClient && target != "" && target != BroadcastTarget && target != b.nodeID {
		return
	}

	var args []any
	if err := jsoncodec.Unmarshal(msg.Payload, &args); err != nil {
		b.logger.Error("failed to decode bus message", err, loggingpkg.LogFields{"event": name, "message_uuid": msg.UUID})
		return
	}

	eventCtx := handlers.WithSource(ctx, origin)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(eventCtx, name, args, true)
	}()
}

func (b *Bus) dispatch(ctx context.Context, name string, args []any, remote bool) {
	b.mu.RLock()
	current := append([]listener(nil), b.listeners[name]...)
	b.mu.RUnlock()

	for _, l := range current {
		if remote && !l.networked {
			continue
		}
		if _, err := l.fn(ctx, args...); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Debug("event listener returned error", loggingpkg.LogFields{"event": name, "error": err.Error()})
		}
	}
}
