// Package redisstream carries flush envelopes over Redis streams.
package redisstream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cache-flush/pkg/logging"
	"cache-flush/pkg/messagebus"

	"github.com/cenkalti/backoff/v4"
	perrors "github.com/jmgilman/go/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fieldMessage     = "message"
	fieldSignature   = "signature"
	fieldPublishedAt = "published_at"
)

// Config configures the stream transport.
type Config struct {
	// Prefix is prepended to topic names to form stream keys.
	Prefix string
	// MaxLen caps each stream approximately. Zero keeps every entry.
	MaxLen int64
	// Block is how long one XREAD waits for new entries.
	Block time.Duration
	// Count is the maximum number of entries read per call.
	Count int64
	// StartID is where a new subscription starts reading; "$" reads only
	// entries added after Subscribe is called.
	StartID string
	// RetryInterval and MaxRetryInterval bound the backoff between failed
	// reads. The subscriber never gives up while ctx is alive.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Prefix:  "flush:",
		MaxLen:  10000,
		Block:   5 * time.Second,
		Count:   10,
		StartID: "$",

		RetryInterval:    100 * time.Millisecond,
		MaxRetryInterval: 10 * time.Second,
	}
}

// Bus publishes to and reads from Redis streams.
type Bus struct {
	client redis.UniversalClient
	cfg    Config
	logger *logging.Logger
}

// New creates a stream bus over client.
func New(client redis.UniversalClient, cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.Block <= 0 {
		cfg.Block = def.Block
	}
	if cfg.Count <= 0 {
		cfg.Count = def.Count
	}
	if cfg.StartID == "" {
		cfg.StartID = def.StartID
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = max(def.MaxRetryInterval, cfg.RetryInterval)
	}
	return &Bus{
		client: client,
		cfg:    cfg,
		logger: logging.Component("messagebus.redis"),
	}
}

func (b *Bus) stream(topic string) string {
	return b.cfg.Prefix + topic
}

// Publish appends the message to the topic's stream.
func (b *Bus) Publish(ctx context.Context, in messagebus.PublishInput) (*messagebus.PublishOutput, error) {
	args := &redis.XAddArgs{
		Stream: b.stream(in.Topic),
		MaxLen: b.cfg.MaxLen,
		Approx: b.cfg.MaxLen > 0,
		Values: map[string]interface{}{
			fieldMessage:     in.Message,
			fieldSignature:   in.Signature,
			fieldPublishedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return nil, perrors.Wrapf(err, perrors.CodeNetwork, "failed to publish to %s", args.Stream)
	}

	b.logger.Debug("published", zap.String("stream", args.Stream), zap.String("id", id))
	return &messagebus.PublishOutput{StatusCode: http.StatusOK, MessageID: id}, nil
}

// Subscribe reads the topic's stream and passes each entry to h until ctx
// is done. Handler errors are logged; the entry is not redelivered. Read
// errors are logged and retried with backoff, resuming after the last
// delivered entry so nothing published during an outage is skipped.
func (b *Bus) Subscribe(ctx context.Context, topic string, h messagebus.Handler) error {
	key := b.stream(topic)
	lastID := b.cfg.StartID
	retry := b.newBackOff()

	for ctx.Err() == nil {
		if lastID == "$" {
			id, err := b.lastEntryID(ctx, key)
			if errors.Is(err, redis.ErrClosed) {
				return nil
			}
			if err != nil {
				b.wait(ctx, retry, key, err)
				continue
			}
			lastID = id
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Count:   b.cfg.Count,
			Block:   b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				retry.Reset()
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil
			}
			b.wait(ctx, retry, key, err)
			continue
		}
		retry.Reset()

		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				body, _ := msg.Values[fieldMessage].(string)
				sig, _ := msg.Values[fieldSignature].(string)
				d := messagebus.Delivery{ID: msg.ID, Topic: topic, Message: body, Signature: sig}
				if err := h(ctx, d); err != nil {
					b.logger.Warn("message handler failed", zap.String("stream", key), zap.String("id", msg.ID), zap.Error(err))
				}
			}
		}
	}
	return nil
}

// lastEntryID pins "$" to a concrete ID so reconnects do not skip entries
// added while the connection was down. An empty stream starts from "0".
func (b *Bus) lastEntryID(ctx context.Context, key string) (string, error) {
	entries, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return "", perrors.Wrapf(err, perrors.CodeNetwork, "failed to read %s", key)
	}
	if len(entries) == 0 {
		return "0", nil
	}
	return entries[0].ID, nil
}

func (b *Bus) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryInterval
	bo.MaxInterval = b.cfg.MaxRetryInterval
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (b *Bus) wait(ctx context.Context, bo *backoff.ExponentialBackOff, key string, err error) {
	if ctx.Err() != nil {
		return
	}
	delay := bo.NextBackOff()
	b.logger.Warn("stream read failed, retrying",
		zap.String("stream", key),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Close closes the underlying client.
func (b *Bus) Close() error {
	return b.client.Close()
}

var (
	_ messagebus.Publisher  = (*Bus)(nil)
	_ messagebus.Subscriber = (*Bus)(nil)
)
