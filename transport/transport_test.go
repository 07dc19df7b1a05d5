package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pubSub struct {
	mockPublisher
}

func (p *pubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return nil, nil
}

func TestTransport_CloseSeparatePair(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubscriber{}

	require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
}

func TestTransport_CloseSharedPubSubOnce(t *testing.T) {
	ps := &pubSub{}

	require.NoError(t, Transport{Publisher: ps, Subscriber: ps}.Close())
	assert.Equal(t, 1, ps.closed)
}

func TestTransport_CloseEmpty(t *testing.T) {
	assert.NoError(t, Transport{}.Close())
}

func TestNodeSuffix(t *testing.T) {
	assert.Equal(t, "garage-client-7", NodeSuffix(&mockConfig{resource: "garage", nodeID: "client-7"}))
	assert.Equal(t, "cfxflow-node", NodeSuffix(&mockConfig{}))
}
