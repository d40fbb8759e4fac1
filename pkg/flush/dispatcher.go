package flush

import (
	"context"
	"sync"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/config"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"

	"github.com/jmgilman/go/errors"
	"go.uber.org/zap"
)

// Dispatcher is the request-scoped flush facade. It gates every feature by
// its enable flag and dedups FlushAll, FlushGroup and FlushURL for the
// lifetime of its scope.
type Dispatcher struct {
	cfg      config.Reader
	executor Executor
	metrics  metrics.MetricsCollector
	logger   *logging.Logger

	mu            sync.Mutex
	flushedAll    bool
	flushedGroups map[string]struct{}
	flushedURLs   map[string]struct{}
}

// NewDispatcher creates a dispatcher bound to scope. Queued work is executed
// at every teardown point of the scope.
func NewDispatcher(scope *Scope, cfg config.Reader, executor Executor, collector metrics.MetricsCollector) *Dispatcher {
	d := &Dispatcher{
		cfg:           cfg,
		executor:      executor,
		metrics:       metrics.OrNoOp(collector),
		logger:        logging.Component("flush"),
		flushedGroups: make(map[string]struct{}),
		flushedURLs:   make(map[string]struct{}),
	}

	teardown := func(ctx context.Context) {
		_, _ = d.ExecuteDelayedOperations(ctx)
	}
	for _, p := range []TeardownPoint{TeardownRedirect, TeardownMessageProcessed, TeardownShutdown} {
		scope.OnTeardown(p, teardown)
	}
	return d
}

// Executor returns the active executor.
func (d *Dispatcher) Executor() Executor {
	return d.executor
}

func (d *Dispatcher) record(target string, ok bool) bool {
	d.metrics.RecordFlush(target, d.executor.Name(), ok)
	if !ok {
		d.logger.Debug("flush not performed",
			zap.String("target", target),
			zap.String("executor", d.executor.Name()),
		)
	}
	return ok
}

func (d *Dispatcher) enabled(key string) bool {
	return d.cfg.GetBoolean(key)
}

// DbcacheFlush flushes the database cache when dbcache.enabled.
func (d *Dispatcher) DbcacheFlush(ctx context.Context) bool {
	if !d.enabled("dbcache.enabled") {
		return false
	}
	return d.record(ActionDbcacheFlush, d.executor.DbcacheFlush(ctx, nil))
}

// MinifycacheFlush flushes the minify cache when minify.enabled.
func (d *Dispatcher) MinifycacheFlush(ctx context.Context) bool {
	if !d.enabled("minify.enabled") {
		return false
	}
	return d.record(ActionMinifycacheFlush, d.executor.MinifycacheFlush(ctx, nil))
}

// ObjectcacheFlush flushes the object cache when objectcache.enabled.
func (d *Dispatcher) ObjectcacheFlush(ctx context.Context) bool {
	if !d.enabled("objectcache.enabled") {
		return false
	}
	return d.record(ActionObjectcacheFlush, d.executor.ObjectcacheFlush(ctx, nil))
}

// FragmentcacheFlush flushes every fragment group.
func (d *Dispatcher) FragmentcacheFlush(ctx context.Context) bool {
	return d.record(ActionFragmentcacheFlush, d.executor.FragmentcacheFlush(ctx, nil))
}

// FragmentcacheFlushGroup flushes one fragment group.
func (d *Dispatcher) FragmentcacheFlushGroup(ctx context.Context, group string) bool {
	return d.record(ActionFragmentcacheFlushGroup, d.executor.FragmentcacheFlushGroup(ctx, group))
}

// BrowsercacheFlush rotates the browser cache timestamp when browsercache.enabled.
func (d *Dispatcher) BrowsercacheFlush(ctx context.Context) bool {
	if !d.enabled("browsercache.enabled") {
		return false
	}
	return d.record(ActionBrowsercacheFlush, d.executor.BrowsercacheFlush(ctx, nil))
}

// CdnPurgeAll purges the whole CDN when cdn.enabled or cdnfsd.enabled, and
// returns false otherwise.
func (d *Dispatcher) CdnPurgeAll(ctx context.Context, extras Extras) bool {
	if !d.enabled("cdn.enabled") && !d.enabled("cdnfsd.enabled") {
		return false
	}
	return d.record(ActionCdnPurgeAll, d.executor.CdnPurgeAll(ctx, extras))
}

// CdnPurgeFiles purges files from the CDN.
func (d *Dispatcher) CdnPurgeFiles(ctx context.Context, files []cdn.File) bool {
	return d.record(ActionCdnPurgeFiles, d.executor.CdnPurgeFiles(ctx, files))
}

// OpcacheFlush resets the opcode cache.
func (d *Dispatcher) OpcacheFlush(ctx context.Context) bool {
	return d.record(ActionOpcacheFlush, d.executor.OpcacheFlush(ctx))
}

// FlushPost flushes everything cached for one post.
func (d *Dispatcher) FlushPost(ctx context.Context, postID int64, extras Extras) bool {
	return d.record(ActionFlushPost, d.executor.FlushPost(ctx, postID, extras))
}

// FlushPosts flushes every post.
func (d *Dispatcher) FlushPosts(ctx context.Context, extras Extras) bool {
	return d.record(ActionFlushPosts, d.executor.FlushPosts(ctx, extras))
}

// FlushAll flushes every cache. It runs at most once per dispatcher; repeats return true.
func (d *Dispatcher) FlushAll(ctx context.Context, extras Extras) bool {
	d.mu.Lock()
	if d.flushedAll {
		d.mu.Unlock()
		return true
	}
	d.flushedAll = true
	d.mu.Unlock()

	return d.record(ActionFlushAll, d.executor.FlushAll(ctx, extras))
}

// FlushGroup flushes one group. It runs at most once per group per dispatcher.
func (d *Dispatcher) FlushGroup(ctx context.Context, group string, extras Extras) bool {
	d.mu.Lock()
	if _, ok := d.flushedGroups[group]; ok {
		d.mu.Unlock()
		return true
	}
	d.flushedGroups[group] = struct{}{}
	d.mu.Unlock()

	return d.record(ActionFlushGroup, d.executor.FlushGroup(ctx, group, extras))
}

// FlushURL flushes one URL. It runs at most once per URL per dispatcher.
func (d *Dispatcher) FlushURL(ctx context.Context, url string, extras Extras) bool {
	d.mu.Lock()
	if _, ok := d.flushedURLs[url]; ok {
		d.mu.Unlock()
		return true
	}
	d.flushedURLs[url] = struct{}{}
	d.mu.Unlock()

	return d.record(ActionFlushURL, d.executor.FlushURL(ctx, url, extras))
}

// PrimePost regenerates the cached pages of a post.
func (d *Dispatcher) PrimePost(ctx context.Context, postID int64) bool {
	return d.record(ActionPrimePost, d.executor.PrimePost(ctx, postID))
}

// ExecuteDelayedOperations runs or publishes the executor's queued work.
func (d *Dispatcher) ExecuteDelayedOperations(ctx context.Context) ([]DelayedAction, error) {
	made, err := d.executor.ExecuteDelayedOperations(ctx)
	if err != nil {
		d.logger.Warn("delayed operations failed",
			zap.String("executor", d.executor.Name()),
			zap.Error(err),
		)
	}
	return made, err
}

// Run performs the operation named by m.Action. Unknown actions are
// rejected with CodeInvalidInput.
func (d *Dispatcher) Run(ctx context.Context, m Message) (bool, error) {
	switch m.Action {
	case ActionDbcacheFlush:
		return d.DbcacheFlush(ctx), nil
	case ActionMinifycacheFlush:
		return d.MinifycacheFlush(ctx), nil
	case ActionObjectcacheFlush:
		return d.ObjectcacheFlush(ctx), nil
	case ActionFragmentcacheFlush:
		return d.FragmentcacheFlush(ctx), nil
	case ActionFragmentcacheFlushGroup:
		return d.FragmentcacheFlushGroup(ctx, m.Group), nil
	case ActionBrowsercacheFlush:
		return d.BrowsercacheFlush(ctx), nil
	case ActionCdnPurgeAll:
		return d.CdnPurgeAll(ctx, m.Extras), nil
	case ActionCdnPurgeFiles:
		return d.CdnPurgeFiles(ctx, m.PurgeFiles), nil
	case ActionPgcacheCleanup:
		return d.record(ActionPgcacheCleanup, d.executor.PgcacheCleanup(ctx)), nil
	case ActionOpcacheFlush:
		return d.OpcacheFlush(ctx), nil
	case ActionFlushPost:
		return d.FlushPost(ctx, m.PostID, m.Extras), nil
	case ActionFlushPosts:
		return d.FlushPosts(ctx, m.Extras), nil
	case ActionFlushAll:
		return d.FlushAll(ctx, m.Extras), nil
	case ActionFlushGroup:
		return d.FlushGroup(ctx, m.Group, m.Extras), nil
	case ActionFlushURL:
		return d.FlushURL(ctx, m.URL, m.Extras), nil
	case ActionPrimePost:
		return d.PrimePost(ctx, m.PostID), nil
	default:
		return false, errors.WithContext(
			errors.Newf(errors.CodeInvalidInput, "Unknown action %s.", m.Action),
			"action", m.Action)
	}
}
