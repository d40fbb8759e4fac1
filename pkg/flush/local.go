package flush

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/config"
	"cache-flush/pkg/logging"

	"go.uber.org/zap"
)

// Cleaner applies flushes queued during a request and reports how many
// items it flushed.
type Cleaner interface {
	FlushPostCleanup(ctx context.Context) (int, error)
}

// Sweeper removes expired entries from disk caches.
type Sweeper interface {
	Cleanup(ctx context.Context) (int, error)
}

// BrowserCacheTimestampKey holds the value appended to static asset URLs.
const BrowserCacheTimestampKey = "browsercache.flush_timestamp"

// LocalOptions configures a LocalExecutor.
type LocalOptions struct {
	Config config.Reader
	// Writer persists the browser cache timestamp. Optional.
	Writer config.Writer
	Hooks  *Hooks
	// CDN purges mirrored files. Optional; purges fail without it.
	CDN cdn.Engine
	// PageCache and Varnish run during delayed cleanup when their module is enabled.
	PageCache Cleaner
	Varnish   Cleaner
	// Sweeper runs on pgcache_cleanup.
	Sweeper Sweeper
}

// LocalExecutor performs flushes in this process by firing hook actions.
// One instance serves the whole process.
type LocalExecutor struct {
	cfg       config.Reader
	writer    config.Writer
	hooks     *Hooks
	cdn       cdn.Engine
	pageCache Cleaner
	varnish   Cleaner
	sweeper   Sweeper
	logger    *logging.Logger

	flushAllOnce sync.Once
	delayedOnce  sync.Once

	timestamp func() int
}

// NewLocalExecutor creates a local executor.
func NewLocalExecutor(opts LocalOptions) *LocalExecutor {
	hooks := opts.Hooks
	if hooks == nil {
		hooks = NewHooks()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New(nil)
	}
	return &LocalExecutor{
		cfg:       cfg,
		writer:    opts.Writer,
		hooks:     hooks,
		cdn:       opts.CDN,
		pageCache: opts.PageCache,
		varnish:   opts.Varnish,
		sweeper:   opts.Sweeper,
		logger:    logging.Component("flush.local"),
		timestamp: func() int { return 10000 + rand.IntN(90000) },
	}
}

// Name implements Executor.
func (l *LocalExecutor) Name() string { return ExecutorLocal }

// Hooks returns the hook table the executor fires.
func (l *LocalExecutor) Hooks() *Hooks { return l.hooks }

// SetCDN replaces the CDN engine.
func (l *LocalExecutor) SetCDN(engine cdn.Engine) { l.cdn = engine }

func (l *LocalExecutor) fire(ctx context.Context, hooks []string, args Args) bool {
	ok := true
	for _, name := range hooks {
		if err := l.hooks.DoAction(ctx, name, args); err != nil {
			l.logger.Warn("flush hook failed", zap.String("hook", name), zap.Error(err))
			ok = false
		}
	}
	return ok
}

// DbcacheFlush implements Executor.
func (l *LocalExecutor) DbcacheFlush(ctx context.Context, extras Extras) bool {
	if extras.Skips("dbcache") {
		return false
	}
	return l.fire(ctx, []string{HookFlushDbcache}, Args{Extras: extras})
}

// ObjectcacheFlush implements Executor.
func (l *LocalExecutor) ObjectcacheFlush(ctx context.Context, extras Extras) bool {
	if extras.Skips("objectcache") {
		return false
	}
	return l.fire(ctx, []string{HookFlushObjectcache, HookFlushAfterObjectcache}, Args{Extras: extras})
}

// FragmentcacheFlush implements Executor.
func (l *LocalExecutor) FragmentcacheFlush(ctx context.Context, extras Extras) bool {
	if extras.Skips("fragment") {
		return false
	}
	return l.fire(ctx, []string{HookFlushFragmentcache, HookFlushAfterFragmentcache}, Args{Extras: extras})
}

// FragmentcacheFlushGroup implements Executor.
func (l *LocalExecutor) FragmentcacheFlushGroup(ctx context.Context, group string) bool {
	return l.fire(ctx, []string{HookFlushFragmentcacheGroup, HookFlushAfterFragmentcacheGroup}, Args{Group: group})
}

// MinifycacheFlush implements Executor.
func (l *LocalExecutor) MinifycacheFlush(ctx context.Context, extras Extras) bool {
	if extras.Skips("minify") {
		return false
	}
	return l.fire(ctx, []string{HookFlushMinify, HookFlushAfterMinify}, Args{Extras: extras})
}

// BrowsercacheFlush rotates the browser cache timestamp so clients fetch
// fresh copies of static assets.
func (l *LocalExecutor) BrowsercacheFlush(ctx context.Context, extras Extras) bool {
	if extras.Skips("browsercache") {
		return false
	}
	ok := l.fire(ctx, []string{HookFlushBrowsercache}, Args{Extras: extras})

	if l.writer != nil {
		l.writer.Set(BrowserCacheTimestampKey, strconv.Itoa(l.timestamp()))
		if err := l.writer.Save(); err != nil && !errors.Is(err, config.ErrNoFile) {
			l.logger.Warn("failed to persist browser cache timestamp", zap.Error(err))
			ok = false
		}
	}

	return l.fire(ctx, []string{HookFlushAfterBrowsercache}, Args{Extras: extras}) && ok
}

// CdnPurgeAll purges the whole CDN unless a preflush filter vetoes it.
func (l *LocalExecutor) CdnPurgeAll(ctx context.Context, extras Extras) bool {
	args := Args{Extras: extras}
	if !l.hooks.ApplyFilters(ctx, FilterPreflushCdnAll, args) {
		return false
	}

	l.fire(ctx, []string{HookCdnPurgeAll}, args)
	ok := l.purge(ctx, "purge_all", func(e cdn.Engine) (bool, cdn.Results) {
		return e.PurgeAll(ctx)
	})
	l.fire(ctx, []string{HookCdnPurgeAllAfter}, args)
	return ok
}

// CdnPurgeFiles purges files from the CDN.
func (l *LocalExecutor) CdnPurgeFiles(ctx context.Context, files []cdn.File) bool {
	args := Args{Files: files}

	l.fire(ctx, []string{HookCdnPurgeFiles}, args)
	ok := l.purge(ctx, "purge", func(e cdn.Engine) (bool, cdn.Results) {
		return e.Purge(ctx, files)
	})
	l.fire(ctx, []string{HookCdnPurgeFilesAfter}, args)
	return ok
}

func (l *LocalExecutor) purge(ctx context.Context, op string, fn func(cdn.Engine) (bool, cdn.Results)) bool {
	if l.cdn == nil {
		l.logger.Warn("cdn purge requested without a cdn engine", zap.String("operation", op))
		return false
	}

	start := time.Now()
	ok, results := fn(l.cdn)
	if !ok {
		l.logger.Warn("cdn purge failed",
			zap.String("operation", op),
			zap.Strings("errors", results.Errors()),
			zap.Duration("duration", time.Since(start)),
		)
	}
	return ok
}

// PgcacheCleanup sweeps expired page cache files.
func (l *LocalExecutor) PgcacheCleanup(ctx context.Context) bool {
	if l.sweeper == nil {
		return false
	}
	n, err := l.sweeper.Cleanup(ctx)
	if err != nil {
		l.logger.Warn("page cache cleanup failed", zap.Error(err))
		return false
	}
	l.logger.Debug("page cache cleanup", zap.Int("removed", n))
	return true
}

// OpcacheFlush implements Executor.
func (l *LocalExecutor) OpcacheFlush(ctx context.Context) bool {
	return l.fire(ctx, []string{HookFlushOpcache}, Args{})
}

// FlushPost implements Executor.
func (l *LocalExecutor) FlushPost(ctx context.Context, postID int64, extras Extras) bool {
	args := Args{PostID: postID, Extras: extras}
	if !l.hooks.ApplyFilters(ctx, FilterPreflushPost, args) {
		return false
	}
	return l.fire(ctx, []string{HookFlushPost}, args)
}

// FlushPosts implements Executor.
func (l *LocalExecutor) FlushPosts(ctx context.Context, extras Extras) bool {
	args := Args{Extras: extras}
	if !l.hooks.ApplyFilters(ctx, FilterPreflushPosts, args) {
		return false
	}
	return l.fire(ctx, []string{HookFlushPosts}, args)
}

// FlushAll fires the flush_all hook. The first call registers the module
// flushes enabled in the configuration as flush_all actions.
func (l *LocalExecutor) FlushAll(ctx context.Context, extras Extras) bool {
	l.flushAllOnce.Do(l.registerFlushAllDefaults)

	args := Args{Extras: extras}
	if !l.hooks.ApplyFilters(ctx, FilterPreflushAll, args) {
		return false
	}
	return l.fire(ctx, []string{HookFlushAll}, args)
}

func (l *LocalExecutor) registerFlushAllDefaults() {
	if l.cfg.GetBoolean("opcache.enabled") {
		l.hooks.AddAction(HookFlushAll, 50, func(ctx context.Context, _ Args) error {
			l.OpcacheFlush(ctx)
			return nil
		})
	}
	if l.cfg.GetBoolean("dbcache.enabled") {
		l.hooks.AddAction(HookFlushAll, 100, func(ctx context.Context, args Args) error {
			l.DbcacheFlush(ctx, args.Extras)
			return nil
		})
	}
	if l.cfg.GetBoolean("objectcache.enabled") {
		l.hooks.AddAction(HookFlushAll, 200, func(ctx context.Context, args Args) error {
			l.ObjectcacheFlush(ctx, args.Extras)
			return nil
		})
	}
	if l.cfg.GetBoolean("minify.enabled") {
		l.hooks.AddAction(HookFlushAll, 1000, func(ctx context.Context, args Args) error {
			l.MinifycacheFlush(ctx, args.Extras)
			return nil
		})
	}
}

// FlushGroup implements Executor.
func (l *LocalExecutor) FlushGroup(ctx context.Context, group string, extras Extras) bool {
	args := Args{Group: group, Extras: extras}
	if !l.hooks.ApplyFilters(ctx, FilterPreflushGroup, args) {
		return false
	}
	return l.fire(ctx, []string{HookFlushGroup}, args)
}

// FlushURL implements Executor.
func (l *LocalExecutor) FlushURL(ctx context.Context, url string, extras Extras) bool {
	args := Args{URL: url, Extras: extras}
	if !l.hooks.ApplyFilters(ctx, FilterPreflushURL, args) {
		return false
	}
	return l.fire(ctx, []string{HookFlushURL}, args)
}

// PrimePost implements Executor.
func (l *LocalExecutor) PrimePost(ctx context.Context, postID int64) bool {
	return l.fire(ctx, []string{HookPrimePost}, Args{PostID: postID})
}

// ExecuteDelayedOperations runs the delayed cleanups. The first call
// registers the page cache and varnish cleaners when their module is enabled.
func (l *LocalExecutor) ExecuteDelayedOperations(ctx context.Context) ([]DelayedAction, error) {
	l.delayedOnce.Do(func() {
		if l.pageCache != nil && l.cfg.GetBoolean("pgcache.enabled") {
			l.hooks.AddDelayedOperation("pgcache", 1100, l.pageCache.FlushPostCleanup)
		}
		if l.varnish != nil && l.cfg.GetBoolean("varnish.enabled") {
			l.hooks.AddDelayedOperation("varnish", 2000, l.varnish.FlushPostCleanup)
		}
	})

	return l.hooks.RunDelayed(ctx)
}

var _ Executor = (*LocalExecutor)(nil)
