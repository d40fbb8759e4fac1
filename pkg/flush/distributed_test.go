package flush

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/config"
	"cache-flush/pkg/messagebus"
	"cache-flush/pkg/metrics/memory"

	perrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	inputs   []messagebus.PublishInput
	status   int
	err      error
	received int
}

func (f *fakePublisher) Publish(_ context.Context, in messagebus.PublishInput) (*messagebus.PublishOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received++
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	status := f.status
	if status == 0 {
		status = 200
	}
	return &messagebus.PublishOutput{StatusCode: status, MessageID: "m-1"}, nil
}

func (f *fakePublisher) envelopes(t *testing.T) []Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.inputs))
	for _, in := range f.inputs {
		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(in.Message), &env))
		out = append(out, env)
	}
	return out
}

func newDistributed(pub messagebus.Publisher, deferred bool) *DistributedExecutor {
	return NewDistributedExecutor(NewScope(deferred), DistributedOptions{
		Publisher: pub,
		Topic:     "flush",
		BlogID:    3,
		Host:      "example.com",
		Hostname:  "web-1",
	})
}

func TestDistributedExecutor_BatchAndDedup(t *testing.T) {
	pub := &fakePublisher{}
	d := newDistributed(pub, true)
	ctx := context.Background()

	assert.True(t, d.FlushURL(ctx, "https://x/a", nil))
	assert.True(t, d.FlushURL(ctx, "https://x/a", nil))
	assert.True(t, d.FlushGroup(ctx, "posts", Extras{"only": "pgcache"}))
	assert.True(t, d.CdnPurgeFiles(ctx, []cdn.File{{LocalPath: "a.css", RemotePath: "a.css"}}))
	assert.Len(t, d.Pending(), 3)
	assert.Equal(t, 0, pub.received)

	_, err := d.ExecuteDelayedOperations(ctx)
	require.NoError(t, err)

	envs := pub.envelopes(t)
	require.Len(t, envs, 1)
	env := envs[0]
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, 3, env.BlogID)
	assert.Equal(t, "example.com", env.Host)
	assert.Equal(t, "web-1", env.Hostname)
	require.Len(t, env.Actions, 3)
	assert.Equal(t, Message{Action: ActionFlushURL, URL: "https://x/a"}, env.Actions[0])
	assert.Equal(t, "posts", env.Actions[1].Group)
	assert.Equal(t, "pgcache", env.Actions[1].Extras.Only())
	assert.Equal(t, "a.css", env.Actions[2].PurgeFiles[0].RemotePath)
	assert.Equal(t, "flush", pub.inputs[0].Topic)
}

func TestDistributedExecutor_SignaturesSurviveSuccess(t *testing.T) {
	pub := &fakePublisher{}
	d := newDistributed(pub, true)
	ctx := context.Background()

	d.DbcacheFlush(ctx, nil)
	_, err := d.ExecuteDelayedOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, d.Pending())

	d.DbcacheFlush(ctx, nil)
	assert.Empty(t, d.Pending())

	_, err = d.ExecuteDelayedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pub.received)
}

func TestDistributedExecutor_EmptyBatchIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	d := newDistributed(pub, true)

	made, err := d.ExecuteDelayedOperations(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, made)
	assert.Equal(t, 0, pub.received)
}

func TestDistributedExecutor_PublishFailureClearsBatch(t *testing.T) {
	tests := []struct {
		name string
		pub  *fakePublisher
	}{
		{"error", &fakePublisher{err: errors.New("connection refused")}},
		{"status", &fakePublisher{status: 500}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := memory.NewMemoryCollector()
			d := NewDistributedExecutor(NewScope(true), DistributedOptions{Publisher: tt.pub, Metrics: collector})
			ctx := context.Background()

			d.FlushAll(ctx, nil)
			d.ObjectcacheFlush(ctx, nil)

			_, err := d.ExecuteDelayedOperations(ctx)
			require.Error(t, err)
			assert.Equal(t, perrors.CodePublishFailed, perrors.GetCode(err))
			assert.Empty(t, d.Pending())
			assert.Equal(t, int64(1), collector.Snapshot().PublishFailures)

			// Nothing is retried.
			_, err = d.ExecuteDelayedOperations(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 1, tt.pub.received)
		})
	}
}

func TestDistributedExecutor_ImmediateWithoutTeardown(t *testing.T) {
	pub := &fakePublisher{}
	d := newDistributed(pub, false)
	ctx := context.Background()

	d.FlushPost(ctx, 42, nil)
	d.PrimePost(ctx, 42)
	assert.Equal(t, 2, pub.received)
	assert.Empty(t, d.Pending())

	envs := pub.envelopes(t)
	assert.Equal(t, int64(42), envs[0].Actions[0].PostID)
	assert.Equal(t, ActionPrimePost, envs[1].Actions[0].Action)
}

func TestDistributedExecutor_NoPublisher(t *testing.T) {
	d := NewDistributedExecutor(NewScope(true), DistributedOptions{})
	d.OpcacheFlush(context.Background())

	_, err := d.ExecuteDelayedOperations(context.Background())
	assert.Equal(t, perrors.CodePublishFailed, perrors.GetCode(err))
}

func TestService_SelectsExecutor(t *testing.T) {
	local := NewService(ServiceOptions{Config: config.New(nil)})
	assert.False(t, local.Distributed())
	d := local.Begin(NewScope(true))
	assert.Same(t, local.Local(), d.Executor())

	pub := &fakePublisher{}
	cfg := config.New(map[string]interface{}{
		"cluster.messagebus.enabled": true,
		"cluster.messagebus.topic":   "flush",
		"dbcache.enabled":            true,
	})
	dist := NewService(ServiceOptions{Config: cfg, Publisher: pub, Hostname: "web-2"})
	require.True(t, dist.Distributed())

	scope := NewScope(true)
	d = dist.Begin(scope)
	assert.Equal(t, ExecutorDistributed, d.Executor().Name())

	d.DbcacheFlush(context.Background())
	assert.Equal(t, 0, pub.received)
	scope.Teardown(context.Background(), TeardownShutdown)
	assert.Equal(t, 1, pub.received)
	assert.Equal(t, "web-2", pub.envelopes(t)[0].Hostname)
}

func TestDistributedExecutor_AcceptsAny2xx(t *testing.T) {
	pub := &fakePublisher{status: 202}
	collector := memory.NewMemoryCollector()
	d := NewDistributedExecutor(NewScope(true), DistributedOptions{Publisher: pub, Metrics: collector})
	ctx := context.Background()

	d.FlushAll(ctx, nil)
	_, err := d.ExecuteDelayedOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), collector.Snapshot().PublishFailures)
}

func TestService_SignsEnvelopes(t *testing.T) {
	pub := &fakePublisher{}
	cfg := config.New(map[string]interface{}{
		"cluster.messagebus.enabled": true,
		"cluster.messagebus.topic":   "flush",
		"cluster.messagebus.secret":  "s3cret",
		"dbcache.enabled":            true,
	})
	svc := NewService(ServiceOptions{Config: cfg, Publisher: pub})

	scope := NewScope(true)
	svc.Begin(scope).DbcacheFlush(context.Background())
	scope.Teardown(context.Background(), TeardownShutdown)

	require.Len(t, pub.inputs, 1)
	in := pub.inputs[0]
	assert.Equal(t, messagebus.Sign("s3cret", in.Message), in.Signature)

	receiver := NewReceiver(ReceiverOptions{Config: cfg, Local: svc.Local()})
	ctx := context.Background()
	assert.NoError(t, receiver.HandleDelivery(ctx, messagebus.Delivery{ID: "1-0", Message: in.Message, Signature: in.Signature}))

	err := receiver.HandleDelivery(ctx, messagebus.Delivery{ID: "2-0", Message: `{"actions":[{"action":"flush_all"}]}`, Signature: in.Signature})
	assert.Equal(t, perrors.CodeUnauthorized, perrors.GetCode(err))

	err = receiver.HandleDelivery(ctx, messagebus.Delivery{ID: "3-0", Message: in.Message})
	assert.Equal(t, perrors.CodeUnauthorized, perrors.GetCode(err))
}
