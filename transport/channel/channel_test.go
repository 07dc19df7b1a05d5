package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cfxflow/transport"
)

type mockConfig struct {
	resource string
}

func (m *mockConfig) GetPubSubSystem() string       { return TransportName }
func (m *mockConfig) GetNodeID() string             { return "" }
func (m *mockConfig) GetResourceName() string       { return m.resource }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

func TestRegister(t *testing.T) {
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.False(t, caps.CrossProcess)
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuild_SharesHubPerResource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := Build(ctx, &mockConfig{resource: "shared-hub"}, watermill.NopLogger{})
	require.NoError(t, err)
	client, err := Build(ctx, &mockConfig{resource: "shared-hub"}, watermill.NopLogger{})
	require.NoError(t, err)
	other, err := Build(ctx, &mockConfig{resource: "other-hub"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer other.Close()

	messages, err := server.Subscriber.Subscribe(ctx, "cfxflow.server")
	require.NoError(t, err)
	otherMessages, err := other.Subscriber.Subscribe(ctx, "cfxflow.server")
	require.NoError(t, err)

	require.NoError(t, client.Publisher.Publish("cfxflow.server", message.NewMessage("1", []byte(`["hi"]`))))

	select {
	case msg := <-messages:
		assert.Equal(t, `["hi"]`, string(msg.Payload))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered through the shared hub")
	}

	select {
	case <-otherMessages:
		t.Fatal("hubs of different resources must not share messages")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}

type countingPubSub struct {
	*gochannel.GoChannel
	closed int
}

func (c *countingPubSub) Close() error {
	c.closed++
	return c.GoChannel.Close()
}

func TestBuild_ClosesHubWithLastConnection(t *testing.T) {
	originalFactory := Factory
	defer func() { Factory = originalFactory }()

	ps := &countingPubSub{GoChannel: gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})}
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		return ps, ps
	}

	first, err := Build(context.Background(), &mockConfig{resource: "refcount"}, watermill.NopLogger{})
	require.NoError(t, err)
	second, err := Build(context.Background(), &mockConfig{resource: "refcount"}, watermill.NopLogger{})
	require.NoError(t, err)

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	assert.Equal(t, 0, ps.closed)

	require.NoError(t, second.Close())
	assert.Equal(t, 1, ps.closed)
}
