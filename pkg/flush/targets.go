package flush

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"

	"cache-flush/pkg/cache"
	"cache-flush/pkg/cdn"
	"cache-flush/pkg/logging"

	"github.com/jmgilman/go/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BindEngine flushes a group of engine whenever hook fires. An empty group
// flushes the group carried by the hook arguments.
func BindEngine(h *Hooks, hook string, priority int, engine cache.Engine, group string) {
	h.AddAction(hook, priority, func(ctx context.Context, args Args) error {
		g := group
		if g == "" {
			g = args.Group
		}
		return engine.Flush(ctx, g)
	})
}

// PostURLs resolves the URLs a post is published under.
type PostURLs func(ctx context.Context, postID int64) []string

// Primer fetches a URL so the page cache is filled again.
type Primer func(ctx context.Context, url string) error

// pending collects flushes requested during a request.
type pending struct {
	mu     sync.Mutex
	all    bool
	urls   map[string]struct{}
	groups map[string]struct{}
}

func (p *pending) take() (all bool, urls, groups []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	all = p.all
	for u := range p.urls {
		urls = append(urls, u)
	}
	for g := range p.groups {
		groups = append(groups, g)
	}
	sort.Strings(urls)
	sort.Strings(groups)

	p.all = false
	p.urls = nil
	p.groups = nil
	return all, urls, groups
}

func (p *pending) addURLs(urls ...string) {
	p.mu.Lock()
	if p.urls == nil {
		p.urls = make(map[string]struct{})
	}
	for _, u := range urls {
		p.urls[u] = struct{}{}
	}
	p.mu.Unlock()
}

func (p *pending) addGroup(group string) {
	p.mu.Lock()
	if p.groups == nil {
		p.groups = make(map[string]struct{})
	}
	p.groups[group] = struct{}{}
	p.mu.Unlock()
}

func (p *pending) addAll() {
	p.mu.Lock()
	p.all = true
	p.mu.Unlock()
}

// PageCacheTarget queues page cache flushes during a request and applies
// them to the page cache engine during delayed cleanup. Pages are stored
// under their URL.
type PageCacheTarget struct {
	engine cache.Engine
	urls   PostURLs
	primer Primer
	logger *logging.Logger

	pending pending
}

// NewPageCacheTarget creates a page cache target. urls and primer may be nil.
func NewPageCacheTarget(engine cache.Engine, urls PostURLs, primer Primer) *PageCacheTarget {
	return &PageCacheTarget{
		engine: engine,
		urls:   urls,
		primer: primer,
		logger: logging.Component("flush.pgcache"),
	}
}

// Register subscribes the target to the post, url, group and flush-all hooks.
func (p *PageCacheTarget) Register(h *Hooks) {
	h.AddAction(HookFlushPost, 10, func(ctx context.Context, args Args) error {
		if p.urls != nil {
			p.pending.addURLs(p.urls(ctx, args.PostID)...)
		}
		return nil
	})
	h.AddAction(HookFlushURL, 10, func(_ context.Context, args Args) error {
		p.pending.addURLs(args.URL)
		return nil
	})
	h.AddAction(HookFlushGroup, 10, func(_ context.Context, args Args) error {
		p.pending.addGroup(args.Group)
		return nil
	})
	for _, hook := range []string{HookFlushPosts, HookFlushAll} {
		h.AddAction(hook, 10, func(context.Context, Args) error {
			p.pending.addAll()
			return nil
		})
	}
	h.AddAction(HookPrimePost, 10, func(ctx context.Context, args Args) error {
		return p.prime(ctx, args.PostID)
	})
}

func (p *PageCacheTarget) prime(ctx context.Context, postID int64) error {
	if p.primer == nil || p.urls == nil {
		return nil
	}
	var errs error
	for _, u := range p.urls(ctx, postID) {
		errs = multierr.Append(errs, p.primer(ctx, u))
	}
	return errs
}

// FlushPostCleanup applies the queued flushes and reports how many were applied.
// A queued flush-all replaces the queued URLs.
func (p *PageCacheTarget) FlushPostCleanup(ctx context.Context) (int, error) {
	all, urls, groups := p.pending.take()

	var (
		count int
		errs  error
	)
	if all {
		if err := p.engine.Flush(ctx, ""); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			count++
		}
		urls = nil
	}
	for _, g := range groups {
		if err := p.engine.Flush(ctx, g); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		count++
	}
	for _, u := range urls {
		if err := p.engine.Delete(ctx, u, ""); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		count++
	}

	if count > 0 {
		p.logger.Debug("page cache flushed", zap.Int("count", count), zap.Bool("all", all))
	}
	return count, errs
}

// CDNTarget purges flushed pages from a full-site CDN during delayed cleanup.
type CDNTarget struct {
	engine cdn.Engine
	urls   PostURLs
	logger *logging.Logger

	pending pending
}

// NewCDNTarget creates a CDN target. urls may be nil.
func NewCDNTarget(engine cdn.Engine, urls PostURLs) *CDNTarget {
	return &CDNTarget{
		engine: engine,
		urls:   urls,
		logger: logging.Component("flush.cdnfsd"),
	}
}

// Register subscribes the target to the post, url and flush-all hooks and
// adds its delayed cleanup at priority.
func (c *CDNTarget) Register(h *Hooks, priority int) {
	h.AddAction(HookFlushPost, 20, func(ctx context.Context, args Args) error {
		if c.urls != nil {
			c.pending.addURLs(c.urls(ctx, args.PostID)...)
		}
		return nil
	})
	h.AddAction(HookFlushURL, 20, func(_ context.Context, args Args) error {
		c.pending.addURLs(args.URL)
		return nil
	})
	for _, hook := range []string{HookFlushPosts, HookFlushAll} {
		h.AddAction(hook, 20, func(context.Context, Args) error {
			c.pending.addAll()
			return nil
		})
	}
	h.AddDelayedOperation("cdnfsd", priority, c.FlushPostCleanup)
}

// FlushPostCleanup purges the queued URLs, or everything when a flush-all was queued.
func (c *CDNTarget) FlushPostCleanup(ctx context.Context) (int, error) {
	all, urls, _ := c.pending.take()

	if all {
		ok, results := c.engine.PurgeAll(ctx)
		if !ok {
			return 0, purgeError(results)
		}
		return 1, nil
	}
	if len(urls) == 0 {
		return 0, nil
	}

	files := make([]cdn.File, 0, len(urls))
	for _, raw := range urls {
		files = append(files, fileForURL(raw))
	}
	ok, results := c.engine.Purge(ctx, files)
	if !ok {
		c.logger.Warn("cdn purge failed", zap.Strings("urls", urls), zap.Strings("errors", results.Errors()))
		return 0, purgeError(results)
	}
	return len(files), nil
}

func fileForURL(raw string) cdn.File {
	remote := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		remote = u.Path
		if u.RawQuery != "" {
			remote += "?" + u.RawQuery
		}
	}
	return cdn.File{LocalPath: remote, RemotePath: remote, OriginalURL: raw}
}

func purgeError(results cdn.Results) error {
	return errors.New(errors.CodeUnavailable, "cdn purge failed: "+strings.Join(results.Errors(), "; "))
}
