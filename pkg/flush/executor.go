// Package flush is the single entry point for invalidating caches.
//
// A Dispatcher is created per request scope. It applies the per-feature
// enable flags and the request-level dedup rules, then hands each operation to
// the process's Executor: LocalExecutor fires hook actions in this process,
// DistributedExecutor batches the operations into one envelope and publishes
// it to the other nodes, whose Receiver replays them through a LocalExecutor.
package flush

import (
	"context"

	"cache-flush/pkg/cdn"
)

// Executor performs flush operations. Both executors expose the same surface;
// the bool results report whether the operation succeeded or was queued.
type Executor interface {
	Name() string

	DbcacheFlush(ctx context.Context, extras Extras) bool
	MinifycacheFlush(ctx context.Context, extras Extras) bool
	ObjectcacheFlush(ctx context.Context, extras Extras) bool
	FragmentcacheFlush(ctx context.Context, extras Extras) bool
	FragmentcacheFlushGroup(ctx context.Context, group string) bool
	BrowsercacheFlush(ctx context.Context, extras Extras) bool
	CdnPurgeAll(ctx context.Context, extras Extras) bool
	CdnPurgeFiles(ctx context.Context, files []cdn.File) bool
	PgcacheCleanup(ctx context.Context) bool
	OpcacheFlush(ctx context.Context) bool
	FlushPost(ctx context.Context, postID int64, extras Extras) bool
	FlushPosts(ctx context.Context, extras Extras) bool
	FlushAll(ctx context.Context, extras Extras) bool
	FlushGroup(ctx context.Context, group string, extras Extras) bool
	FlushURL(ctx context.Context, url string, extras Extras) bool
	PrimePost(ctx context.Context, postID int64) bool

	// ExecuteDelayedOperations runs or publishes queued work. Safe to call
	// repeatedly; calls with nothing queued do nothing.
	ExecuteDelayedOperations(ctx context.Context) ([]DelayedAction, error)
}

// Executor names.
const (
	ExecutorLocal       = "local"
	ExecutorDistributed = "distributed"
)
