package flush

import (
	"context"
	"sort"
	"sync"

	"cache-flush/pkg/cdn"

	"go.uber.org/multierr"
)

// Hook names fired by the local executor.
const (
	HookFlushDbcache                 = "flush_dbcache"
	HookFlushObjectcache             = "flush_objectcache"
	HookFlushAfterObjectcache        = "flush_after_objectcache"
	HookFlushFragmentcache           = "flush_fragmentcache"
	HookFlushAfterFragmentcache      = "flush_after_fragmentcache"
	HookFlushFragmentcacheGroup      = "flush_fragmentcache_group"
	HookFlushAfterFragmentcacheGroup = "flush_after_fragmentcache_group"
	HookFlushMinify                  = "flush_minify"
	HookFlushAfterMinify             = "flush_after_minify"
	HookFlushBrowsercache            = "flush_browsercache"
	HookFlushAfterBrowsercache       = "flush_after_browsercache"
	HookCdnPurgeAll                  = "cdn_purge_all"
	HookCdnPurgeAllAfter             = "cdn_purge_all_after"
	HookCdnPurgeFiles                = "cdn_purge_files"
	HookCdnPurgeFilesAfter           = "cdn_purge_files_after"
	HookFlushOpcache                 = "flush_opcache"
	HookFlushPost                    = "flush_post"
	HookFlushPosts                   = "flush_posts"
	HookFlushAll                     = "flush_all"
	HookFlushGroup                   = "flush_group"
	HookFlushURL                     = "flush_url"
	HookPrimePost                    = "prime_post"
	HookMessageReceived              = "messagebus_message_received"
	HookMessageProcessed             = "messagebus_message_processed"
)

// Veto filters consulted before a flush. Any filter returning false cancels it.
const (
	FilterPreflushCdnAll = "preflush_cdn_all"
	FilterPreflushPost   = "preflush_post"
	FilterPreflushPosts  = "preflush_posts"
	FilterPreflushAll    = "preflush_all"
	FilterPreflushGroup  = "preflush_group"
	FilterPreflushURL    = "preflush_url"
)

// Extras carries free-form flush options. The "only" key restricts a
// module flush to one module.
type Extras map[string]interface{}

// Only returns extras["only"], or "".
func (e Extras) Only() string {
	if e == nil {
		return ""
	}
	s, _ := e["only"].(string)
	return s
}

// Skips reports whether a flush of module should be skipped because extras
// restrict it to another module.
func (e Extras) Skips(module string) bool {
	only := e.Only()
	return only != "" && only != module
}

// Args are passed to hook actions and filters.
type Args struct {
	Group  string
	URL    string
	PostID int64
	Force  bool
	Extras Extras
	Files  []cdn.File
}

// Action handles a hook.
type Action func(ctx context.Context, args Args) error

// Filter vetoes a flush by returning false.
type Filter func(ctx context.Context, args Args) bool

// DelayedOperation runs during delayed cleanup and reports how many items it flushed.
type DelayedOperation func(ctx context.Context) (int, error)

// DelayedAction names a module whose delayed cleanup flushed something.
type DelayedAction struct {
	Module string `json:"module"`
}

type registered[T any] struct {
	priority int
	seq      int
	fn       T
}

type delayedOp struct {
	module string
	fn     DelayedOperation
}

// Hooks is a priority-ordered action and filter table. Lower priorities run
// first; equal priorities run in registration order. Safe for concurrent use.
type Hooks struct {
	mu      sync.RWMutex
	seq     int
	actions map[string][]registered[Action]
	filters map[string][]registered[Filter]
	delayed []registered[delayedOp]
}

// NewHooks creates an empty hook table.
func NewHooks() *Hooks {
	return &Hooks{
		actions: make(map[string][]registered[Action]),
		filters: make(map[string][]registered[Filter]),
	}
}

func insert[T any](list []registered[T], r registered[T]) []registered[T] {
	list = append(list, r)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority < list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	return list
}

// AddAction registers fn for name.
func (h *Hooks) AddAction(name string, priority int, fn Action) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.actions[name] = insert(h.actions[name], registered[Action]{priority: priority, seq: h.seq, fn: fn})
}

// HasAction reports whether any action is registered for name.
func (h *Hooks) HasAction(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.actions[name]) > 0
}

// DoAction runs every action registered for name. All actions run even if
// some fail; their errors are combined.
func (h *Hooks) DoAction(ctx context.Context, name string, args Args) error {
	h.mu.RLock()
	list := append([]registered[Action](nil), h.actions[name]...)
	h.mu.RUnlock()

	var errs error
	for _, r := range list {
		errs = multierr.Append(errs, r.fn(ctx, args))
	}
	return errs
}

// AddFilter registers a veto filter for name.
func (h *Hooks) AddFilter(name string, priority int, fn Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.filters[name] = insert(h.filters[name], registered[Filter]{priority: priority, seq: h.seq, fn: fn})
}

// ApplyFilters returns false as soon as one filter for name vetoes.
func (h *Hooks) ApplyFilters(ctx context.Context, name string, args Args) bool {
	h.mu.RLock()
	list := append([]registered[Filter](nil), h.filters[name]...)
	h.mu.RUnlock()

	for _, r := range list {
		if !r.fn(ctx, args) {
			return false
		}
	}
	return true
}

// AddDelayedOperation registers a cleanup run by RunDelayed.
func (h *Hooks) AddDelayedOperation(module string, priority int, fn DelayedOperation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	h.delayed = insert(h.delayed, registered[delayedOp]{
		priority: priority,
		seq:      h.seq,
		fn:       delayedOp{module: module, fn: fn},
	})
}

// RunDelayed runs every delayed operation in priority order and returns the
// modules that flushed at least one item.
func (h *Hooks) RunDelayed(ctx context.Context) ([]DelayedAction, error) {
	h.mu.RLock()
	list := append([]registered[delayedOp](nil), h.delayed...)
	h.mu.RUnlock()

	var (
		made []DelayedAction
		errs error
	)
	for _, r := range list {
		n, err := r.fn.fn(ctx)
		errs = multierr.Append(errs, err)
		if n > 0 {
			made = append(made, DelayedAction{Module: r.fn.module})
		}
	}
	return made, errs
}
