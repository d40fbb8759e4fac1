package redisstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cache-flush/pkg/messagebus"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBus(t *testing.T, cfg Config) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := New(client, cfg)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, mr
}

func TestBus_Publish(t *testing.T) {
	bus, mr := setupBus(t, DefaultConfig())

	out, err := bus.Publish(context.Background(), messagebus.PublishInput{Topic: "w3tc", Message: `{"actions":[]}`})
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.NotEmpty(t, out.MessageID)

	entries, err := mr.Stream("flush:w3tc")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, out.MessageID, entries[0].ID)
}

func TestBus_Subscribe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartID = "0"
	cfg.Block = 50 * time.Millisecond
	bus, _ := setupBus(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, body := range []string{"one", "two", "three"} {
		_, err := bus.Publish(ctx, messagebus.PublishInput{Topic: "w3tc", Message: body})
		require.NoError(t, err)
	}

	var got []messagebus.Delivery
	err := bus.Subscribe(ctx, "w3tc", func(_ context.Context, d messagebus.Delivery) error {
		got = append(got, d)
		if len(got) == 2 {
			return errors.New("handler failure is logged")
		}
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Message)
	assert.Equal(t, "three", got[2].Message)
	assert.Equal(t, "w3tc", got[0].Topic)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestBus_SubscribeStopsWhenCancelled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Block = 20 * time.Millisecond
	bus, _ := setupBus(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := bus.Subscribe(ctx, "idle", func(context.Context, messagebus.Delivery) error {
		t.Fatal("unexpected delivery")
		return nil
	})
	assert.NoError(t, err)
}

func TestBus_PublishError(t *testing.T) {
	bus, mr := setupBus(t, DefaultConfig())
	mr.Close()

	_, err := bus.Publish(context.Background(), messagebus.PublishInput{Topic: "w3tc", Message: "x"})
	assert.Error(t, err)
}

func TestBus_SubscribeCarriesSignature(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartID = "0"
	cfg.Block = 20 * time.Millisecond
	bus, _ := setupBus(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sig := messagebus.Sign("k", "body")
	_, err := bus.Publish(ctx, messagebus.PublishInput{Topic: "w3tc", Message: "body", Signature: sig})
	require.NoError(t, err)

	var got messagebus.Delivery
	require.NoError(t, bus.Subscribe(ctx, "w3tc", func(_ context.Context, d messagebus.Delivery) error {
		got = d
		cancel()
		return nil
	}))
	assert.Equal(t, sig, got.Signature)
	assert.NoError(t, messagebus.Verify("k", got.Message, got.Signature))
}

func TestBus_SubscribeSurvivesServerRestart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Block = 20 * time.Millisecond
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.MaxRetryInterval = 50 * time.Millisecond
	bus, mr := setupBus(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := bus.Publish(ctx, messagebus.PublishInput{Topic: "w3tc", Message: "before"})
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan error, 1)
	go func() {
		done <- bus.Subscribe(ctx, "w3tc", func(_ context.Context, d messagebus.Delivery) error {
			mu.Lock()
			got = append(got, d.Message)
			mu.Unlock()
			if d.Message == "after" {
				cancel()
			}
			return nil
		})
	}()

	time.Sleep(100 * time.Millisecond)
	mr.Close()
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, mr.Restart())

	_, err = bus.Publish(context.Background(), messagebus.PublishInput{Topic: "w3tc", Message: "after"})
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(8 * time.Second):
		t.Fatal("subscriber did not resume after restart")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"after"}, got)
}

func TestBus_LastEntryID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Block = 20 * time.Millisecond
	bus, mr := setupBus(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := bus.Publish(ctx, messagebus.PublishInput{Topic: "w3tc", Message: "backlog"})
	require.NoError(t, err)
	id, err := bus.lastEntryID(ctx, "flush:w3tc")
	require.NoError(t, err)
	entries, err := mr.Stream("flush:w3tc")
	require.NoError(t, err)
	assert.Equal(t, entries[0].ID, id)

	empty, err := bus.lastEntryID(ctx, "flush:none")
	require.NoError(t, err)
	assert.Equal(t, "0", empty)
}
