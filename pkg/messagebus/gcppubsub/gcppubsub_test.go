package gcppubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"cache-flush/pkg/messagebus"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func setupBus(t *testing.T) (*Bus, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	client, err := pubsub.NewClient(ctx, "flush-test",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)

	_, err = client.CreateTopic(ctx, "w3tc")
	require.NoError(t, err)

	bus := New(client, Config{Subscription: "node-1"})
	t.Cleanup(func() {
		_ = bus.Close()
		_ = client.Close()
		_ = srv.Close()
	})
	return bus, srv
}

func TestBus_Publish(t *testing.T) {
	bus, srv := setupBus(t)

	out, err := bus.Publish(context.Background(), messagebus.PublishInput{Topic: "w3tc", Message: `{"actions":[]}`})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.NotEmpty(t, out.MessageID)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"actions":[]}`, string(msgs[0].Data))
	assert.Equal(t, "w3tc", msgs[0].Attributes[attrTopic])
	assert.NotContains(t, msgs[0].Attributes, attrSignature)
}

func TestBus_PublishSigned(t *testing.T) {
	bus, srv := setupBus(t)
	sig := messagebus.Sign("k", "body")

	_, err := bus.Publish(context.Background(), messagebus.PublishInput{Topic: "w3tc", Message: "body", Signature: sig})
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, sig, msgs[0].Attributes[attrSignature])
}

func TestBus_PublishUnknownTopic(t *testing.T) {
	bus, _ := setupBus(t)

	_, err := bus.Publish(context.Background(), messagebus.PublishInput{Topic: "missing", Message: "x"})
	require.Error(t, err)
	assert.Equal(t, perrors.CodeNetwork, perrors.GetCode(err))
}

func TestBus_EnsureSubscription(t *testing.T) {
	bus, _ := setupBus(t)
	ctx := context.Background()

	require.NoError(t, bus.EnsureSubscription(ctx, "w3tc"))
	require.NoError(t, bus.EnsureSubscription(ctx, "w3tc"))

	ok, err := bus.client.Subscription("node-1").Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBus_Subscribe(t *testing.T) {
	bus, _ := setupBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, bus.EnsureSubscription(ctx, "w3tc"))

	_, err := bus.Publish(ctx, messagebus.PublishInput{Topic: "w3tc", Message: "flush"})
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		calls []messagebus.Delivery
	)
	err = bus.Subscribe(ctx, "w3tc", func(_ context.Context, d messagebus.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, d)
		if len(calls) == 1 {
			// Retryable failures are redelivered.
			return perrors.New(perrors.CodeNetwork, "origin unreachable")
		}
		cancel()
		return nil
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "flush", calls[1].Message)
	assert.Equal(t, "w3tc", calls[1].Topic)
	assert.Equal(t, calls[0].ID, calls[1].ID)
}
