// Package channel provides an in-memory transport built on Watermill's Go
// channel pub/sub. Every node with the same resource name shares one hub, so
// a server and its clients running in one process reach each other.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/cfxflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

type hub struct {
	pub  message.Publisher
	sub  message.Subscriber
	refs int
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*hub{}
)

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build attaches to the hub of the configured resource, creating it on first
// use. The hub is closed when its last transport is closed.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	name := cfg.GetResourceName()

	hubsMu.Lock()
	h, ok := hubs[name]
	if !ok {
		pub, sub := Factory(gochannel.Config{}, logger)
		h = &hub{pub: pub, sub: sub}
		hubs[name] = h
	}
	h.refs++
	hubsMu.Unlock()

	conn := &connection{name: name, hub: h}
	return transport.Transport{Publisher: conn, Subscriber: conn}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// connection is one node's handle on a shared hub.
type connection struct {
	name string
	hub  *hub
	once sync.Once
}

func (c *connection) Publish(topic string, messages ...*message.Message) error {
	return c.hub.pub.Publish(topic, messages...)
}

func (c *connection) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return c.hub.sub.Subscribe(ctx, topic)
}

func (c *connection) Close() error {
	var err error
	c.once.Do(func() {
		hubsMu.Lock()
		c.hub.refs--
		last := c.hub.refs == 0
		if last && hubs[c.name] == c.hub {
			delete(hubs, c.name)
		}
		hubsMu.Unlock()

		if last {
			err = transport.Transport{Publisher: c.hub.pub, Subscriber: c.hub.sub}.Close()
		}
	})
	return err
}
