package http

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cfxflow/transport"
	"github.com/drblury/cfxflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "http", caps.Name)
	assert.True(t, caps.SupportsTracing)
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestTopicPath(t *testing.T) {
	assert.Equal(t, "/cfxflow.server", TopicPath("cfxflow.server"))
	assert.Equal(t, "/cfxflow.client", TopicPath("/cfxflow.client"))
}

func TestBuild(t *testing.T) {
	originalPubFactory := PublisherFactory
	originalSubFactory := SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPubFactory
		SubscriberFactory = originalSubFactory
	})

	t.Run("posts to the peer and serves topics as paths", func(t *testing.T) {
		mockSub := &transporttest.Subscriber{}
		var pubConfig watermillhttp.PublisherConfig

		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			pubConfig = config
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, ":8080", addr)
			return mockSub, nil
		}

		cfg := &transporttest.Config{HTTPServerAddress: ":8080", HTTPPublisherURL: "http://peer:8080/"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		_, err = tr.Subscriber.Subscribe(context.Background(), "cfxflow.server")
		require.NoError(t, err)
		assert.Equal(t, []string{"/cfxflow.server"}, mockSub.Topics)

		req, err := pubConfig.MarshalMessageFunc("cfxflow.client", message.NewMessage("1", []byte(`[1]`)))
		require.NoError(t, err)
		assert.Equal(t, "http://peer:8080/cfxflow.client", req.URL.String())
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, `[1]`, string(body))
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes the publisher when the subscriber fails", func(t *testing.T) {
		mockPub := &transporttest.Publisher{}
		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return mockPub, nil
		}
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, mockPub.Closed)
	})
}
