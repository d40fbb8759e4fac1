package flush

import (
	"context"
	"os"
	"sync"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/messagebus"
	"cache-flush/pkg/metrics"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

// DistributedOptions configures a DistributedExecutor.
type DistributedOptions struct {
	Publisher messagebus.Publisher
	Topic     string
	// Secret signs every published envelope; empty publishes unsigned.
	Secret string
	BlogID int
	// Host is the request host placed in the envelope.
	Host string
	// Hostname identifies this node; defaults to os.Hostname.
	Hostname string
	Metrics  metrics.MetricsCollector
	Logger   *logging.Logger
}

// DistributedExecutor turns flush operations into messages and publishes them
// to the other nodes as one envelope per request. It belongs to one request
// scope.
type DistributedExecutor struct {
	publisher messagebus.Publisher
	topic     string
	secret    string
	blogID    int
	host      string
	hostname  string
	deferred  bool
	metrics   metrics.MetricsCollector
	logger    *logging.Logger

	mu         sync.Mutex
	batch      []Message
	signatures map[string]struct{}
}

// NewDistributedExecutor creates an executor for scope. When the scope has no
// teardown points every message is published as soon as it is queued.
func NewDistributedExecutor(scope *Scope, opts DistributedOptions) *DistributedExecutor {
	hostname := opts.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("flush.distributed")
	}
	return &DistributedExecutor{
		publisher:  opts.Publisher,
		topic:      opts.Topic,
		secret:     opts.Secret,
		blogID:     opts.BlogID,
		host:       opts.Host,
		hostname:   hostname,
		deferred:   scope.Deferred(),
		metrics:    metrics.OrNoOp(opts.Metrics),
		logger:     logger,
		signatures: make(map[string]struct{}),
	}
}

// Name implements Executor.
func (d *DistributedExecutor) Name() string { return ExecutorDistributed }

// Pending returns a copy of the queued messages.
func (d *DistributedExecutor) Pending() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Message(nil), d.batch...)
}

// prepare queues m unless an identical message was already queued in this
// scope. It always reports success.
func (d *DistributedExecutor) prepare(ctx context.Context, m Message) bool {
	sig := m.Signature()

	d.mu.Lock()
	if _, ok := d.signatures[sig]; ok {
		d.mu.Unlock()
		return true
	}
	d.signatures[sig] = struct{}{}
	d.batch = append(d.batch, m)
	d.mu.Unlock()

	if !d.deferred {
		_, _ = d.ExecuteDelayedOperations(ctx)
	}
	return true
}

// ExecuteDelayedOperations publishes the queued messages as one envelope.
// The batch is cleared whether or not the publish succeeds; signatures are
// kept so identical messages stay suppressed for the rest of the scope.
func (d *DistributedExecutor) ExecuteDelayedOperations(ctx context.Context) ([]DelayedAction, error) {
	d.mu.Lock()
	if len(d.batch) == 0 {
		d.mu.Unlock()
		return nil, nil
	}
	batch := d.batch
	d.batch = nil
	d.mu.Unlock()

	env := &Envelope{
		ID:       uuid.NewString(),
		Actions:  batch,
		BlogID:   d.blogID,
		Host:     d.host,
		Hostname: d.hostname,
	}

	if err := d.publish(ctx, env); err != nil {
		d.metrics.RecordPublish(false, len(batch))
		d.logger.Error("failed to publish flush envelope",
			zap.String("id", env.ID),
			zap.Int("actions", len(batch)),
			zap.Error(err),
		)
		return nil, err
	}

	d.metrics.RecordPublish(true, len(batch))
	d.logger.Debug("flush envelope published",
		zap.String("id", env.ID),
		zap.Int("actions", len(batch)),
		zap.String("host", d.host),
	)
	return nil, nil
}

func (d *DistributedExecutor) publish(ctx context.Context, env *Envelope) error {
	if d.publisher == nil {
		return errors.New(errors.CodePublishFailed, "no message bus publisher configured")
	}

	body, err := env.Encode()
	if err != nil {
		return errors.Wrap(err, errors.CodePublishFailed, "failed to publish flush envelope")
	}

	out, err := d.publisher.Publish(ctx, messagebus.PublishInput{
		Topic:     d.topic,
		Message:   body,
		Signature: messagebus.Sign(d.secret, body),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodePublishFailed, "failed to publish flush envelope")
	}
	if !out.OK() {
		status := 0
		if out != nil {
			status = out.StatusCode
		}
		return errors.WithContext(
			errors.New(errors.CodePublishFailed, "message bus rejected flush envelope"),
			"status", status)
	}
	return nil
}

// DbcacheFlush implements Executor.
func (d *DistributedExecutor) DbcacheFlush(ctx context.Context, _ Extras) bool {
	return d.prepare(ctx, Message{Action: ActionDbcacheFlush})
}

// MinifycacheFlush implements Executor.
func (d *DistributedExecutor) MinifycacheFlush(ctx context.Context, _ Extras) bool {
	return d.prepare(ctx, Message{Action: ActionMinifycacheFlush})
}

// ObjectcacheFlush implements Executor.
func (d *DistributedExecutor) ObjectcacheFlush(ctx context.Context, _ Extras) bool {
	return d.prepare(ctx, Message{Action: ActionObjectcacheFlush})
}

// FragmentcacheFlush implements Executor.
func (d *DistributedExecutor) FragmentcacheFlush(ctx context.Context, _ Extras) bool {
	return d.prepare(ctx, Message{Action: ActionFragmentcacheFlush})
}

// FragmentcacheFlushGroup implements Executor.
func (d *DistributedExecutor) FragmentcacheFlushGroup(ctx context.Context, group string) bool {
	return d.prepare(ctx, Message{Action: ActionFragmentcacheFlushGroup, Group: group})
}

// BrowsercacheFlush implements Executor.
func (d *DistributedExecutor) BrowsercacheFlush(ctx context.Context, _ Extras) bool {
	return d.prepare(ctx, Message{Action: ActionBrowsercacheFlush})
}

// CdnPurgeAll implements Executor.
func (d *DistributedExecutor) CdnPurgeAll(ctx context.Context, extras Extras) bool {
	return d.prepare(ctx, Message{Action: ActionCdnPurgeAll, Extras: extras})
}

// CdnPurgeFiles implements Executor.
func (d *DistributedExecutor) CdnPurgeFiles(ctx context.Context, files []cdn.File) bool {
	return d.prepare(ctx, Message{Action: ActionCdnPurgeFiles, PurgeFiles: files})
}

// PgcacheCleanup implements Executor.
func (d *DistributedExecutor) PgcacheCleanup(ctx context.Context) bool {
	return d.prepare(ctx, Message{Action: ActionPgcacheCleanup})
}

// OpcacheFlush implements Executor.
func (d *DistributedExecutor) OpcacheFlush(ctx context.Context) bool {
	return d.prepare(ctx, Message{Action: ActionOpcacheFlush})
}

// FlushPost implements Executor.
func (d *DistributedExecutor) FlushPost(ctx context.Context, postID int64, extras Extras) bool {
	return d.prepare(ctx, Message{Action: ActionFlushPost, PostID: postID, Extras: extras})
}

// FlushPosts implements Executor.
func (d *DistributedExecutor) FlushPosts(ctx context.Context, extras Extras) bool {
	return d.prepare(ctx, Message{Action: ActionFlushPosts, Extras: extras})
}

// FlushAll implements Executor.
func (d *DistributedExecutor) FlushAll(ctx context.Context, extras Extras) bool {
	return d.prepare(ctx, Message{Action: ActionFlushAll, Extras: extras})
}

// FlushGroup implements Executor.
func (d *DistributedExecutor) FlushGroup(ctx context.Context, group string, extras Extras) bool {
	return d.prepare(ctx, Message{Action: ActionFlushGroup, Group: group, Extras: extras})
}

// FlushURL implements Executor.
func (d *DistributedExecutor) FlushURL(ctx context.Context, url string, extras Extras) bool {
	return d.prepare(ctx, Message{Action: ActionFlushURL, URL: url, Extras: extras})
}

// PrimePost implements Executor.
func (d *DistributedExecutor) PrimePost(ctx context.Context, postID int64) bool {
	return d.prepare(ctx, Message{Action: ActionPrimePost, PostID: postID})
}

var _ Executor = (*DistributedExecutor)(nil)
