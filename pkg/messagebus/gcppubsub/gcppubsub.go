// Package gcppubsub carries flush envelopes over Google Cloud Pub/Sub.
package gcppubsub

import (
	"context"
	"net/http"
	"sync"

	"cache-flush/pkg/logging"
	"cache-flush/pkg/messagebus"

	"cloud.google.com/go/pubsub"
	perrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

const (
	attrTopic     = "topic"
	attrSignature = "signature"
)

// Config configures the Pub/Sub transport.
type Config struct {
	// Subscription is this node's subscription id. Every node needs its own
	// subscription so each one receives every envelope.
	Subscription string
	// MaxOutstanding bounds the messages handled concurrently.
	MaxOutstanding int
}

// Bus publishes to Pub/Sub topics and receives from a subscription.
type Bus struct {
	client *pubsub.Client
	cfg    Config
	logger *logging.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New creates a bus over client.
func New(client *pubsub.Client, cfg Config) *Bus {
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 10
	}
	return &Bus{
		client: client,
		cfg:    cfg,
		logger: logging.Component("messagebus.pubsub"),
		topics: make(map[string]*pubsub.Topic),
	}
}

func (b *Bus) topic(id string) *pubsub.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok {
		t = b.client.Topic(id)
		b.topics[id] = t
	}
	return t
}

// Publish sends the message and waits for the server to accept it.
func (b *Bus) Publish(ctx context.Context, in messagebus.PublishInput) (*messagebus.PublishOutput, error) {
	attrs := map[string]string{attrTopic: in.Topic}
	if in.Signature != "" {
		attrs[attrSignature] = in.Signature
	}
	res := b.topic(in.Topic).Publish(ctx, &pubsub.Message{
		Data:       []byte(in.Message),
		Attributes: attrs,
	})

	id, err := res.Get(ctx)
	if err != nil {
		return nil, perrors.Wrapf(err, perrors.CodeNetwork, "failed to publish to %s", in.Topic)
	}

	b.logger.Debug("published", zap.String("topic", in.Topic), zap.String("id", id))
	return &messagebus.PublishOutput{StatusCode: http.StatusOK, MessageID: id}, nil
}

// EnsureSubscription creates this node's subscription on topic when it does
// not exist yet.
func (b *Bus) EnsureSubscription(ctx context.Context, topic string) error {
	sub := b.client.Subscription(b.cfg.Subscription)
	ok, err := sub.Exists(ctx)
	if err != nil {
		return perrors.Wrapf(err, perrors.CodeNetwork, "failed to look up subscription %s", b.cfg.Subscription)
	}
	if ok {
		return nil
	}

	_, err = b.client.CreateSubscription(ctx, b.cfg.Subscription, pubsub.SubscriptionConfig{Topic: b.topic(topic)})
	if err != nil {
		return perrors.Wrapf(err, perrors.CodeUnavailable, "failed to create subscription %s", b.cfg.Subscription)
	}
	b.logger.Info("subscription created", zap.String("subscription", b.cfg.Subscription), zap.String("topic", topic))
	return nil
}

// Subscribe receives from the configured subscription until ctx is done.
// Messages whose handler fails with a retryable error are nacked and
// redelivered; every other message is acked.
func (b *Bus) Subscribe(ctx context.Context, topic string, h messagebus.Handler) error {
	sub := b.client.Subscription(b.cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = b.cfg.MaxOutstanding

	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		d := messagebus.Delivery{ID: m.ID, Topic: topic, Message: string(m.Data), Signature: m.Attributes[attrSignature]}
		if t := m.Attributes[attrTopic]; t != "" {
			d.Topic = t
		}

		if err := h(ctx, d); err != nil {
			b.logger.Warn("message handler failed", zap.String("id", m.ID), zap.Error(err))
			if perrors.IsRetryable(err) {
				m.Nack()
				return
			}
		}
		m.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return perrors.Wrapf(err, perrors.CodeUnavailable, "receive on %s failed", b.cfg.Subscription)
	}
	return nil
}

// Close stops the cached topics. The client is owned by the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, t := range b.topics {
		t.Stop()
		delete(b.topics, id)
	}
	return nil
}

var (
	_ messagebus.Publisher  = (*Bus)(nil)
	_ messagebus.Subscriber = (*Bus)(nil)
)
