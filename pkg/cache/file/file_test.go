package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cache-flush/pkg/cache"
)

func newTestCache(t *testing.T) *FileCache {
	t.Helper()
	c, err := NewFileCache(FileCacheConfig{Name: "file_generic", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewFileCache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFileCache_GetSet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !cache.IsNotFound(err) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	if err := c.Set(ctx, "w3tc_1_host_0_page_/index", []byte("<html>"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	value, err := c.Get(ctx, "w3tc_1_host_0_page_/index")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "<html>" {
		t.Errorf("Expected '<html>', got %q", value)
	}

	if err := c.Set(ctx, "w3tc_1_host_0_page_/index", []byte("v2"), 0); err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	value, _ = c.Get(ctx, "w3tc_1_host_0_page_/index")
	if string(value) != "v2" {
		t.Errorf("Expected overwritten value 'v2', got %q", value)
	}
}

func TestFileCache_Expiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	_ = c.Set(ctx, "short", []byte("v"), 10*time.Second)
	_ = c.Set(ctx, "forever", []byte("v"), 0)

	now = now.Add(11 * time.Second)

	if _, err := c.Get(ctx, "short"); !cache.IsNotFound(err) {
		t.Errorf("Expected expired key to be missing, got %v", err)
	}
	if _, err := c.Get(ctx, "forever"); err != nil {
		t.Errorf("Expected key without ttl to survive, got %v", err)
	}
}

func TestFileCache_Cleanup(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	_ = c.Set(ctx, "a", []byte("v"), time.Second)
	_ = c.Set(ctx, "b", []byte("v"), time.Second)
	_ = c.Set(ctx, "c", []byte("v"), 0)

	now = now.Add(time.Minute)

	removed, err := c.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 expired files removed, got %d", removed)
	}
	if _, err := c.Get(ctx, "c"); err != nil {
		t.Errorf("Expected persistent key to survive cleanup, got %v", err)
	}
}

func TestFileCache_Delete(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !cache.IsNotFound(err) {
		t.Errorf("Expected deleted key to be missing, got %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete of missing key should not fail: %v", err)
	}
}

func TestFileCache_Incr(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Incr(ctx, "counter", 1)
		}()
	}
	wg.Wait()

	value, _ := c.Get(ctx, "counter")
	if string(value) != "20" {
		t.Errorf("Expected 20, got %q", value)
	}

	_ = c.Set(ctx, "text", []byte("abc"), 0)
	if _, err := c.Incr(ctx, "text", 1); err == nil {
		t.Error("Expected error incrementing non-numeric value")
	}
}

func TestFileCache_IncrSharedDir(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// Two stores over one directory stand in for two processes: neither
	// shares the other's in-memory mutex.
	var stores []*FileCache
	for i := 0; i < 2; i++ {
		c, err := NewFileCache(FileCacheConfig{Name: "file", Dir: dir})
		if err != nil {
			t.Fatalf("NewFileCache failed: %v", err)
		}
		stores = append(stores, c)
	}

	var wg sync.WaitGroup
	for _, c := range stores {
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func(c *FileCache) {
				defer wg.Done()
				if _, err := c.Incr(ctx, "w3tc_0_0_object_posts_key_version", 1); err != nil {
					t.Errorf("Incr failed: %v", err)
				}
			}(c)
		}
	}
	wg.Wait()

	value, _ := stores[1].Get(ctx, "w3tc_0_0_object_posts_key_version")
	if string(value) != "50" {
		t.Errorf("Expected 50, got %q", value)
	}
}

func TestFileCache_IncrBreaksStaleLock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	p := c.path("counter")
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(p+".lock", nil, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(p+".lock", old, old); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	n, err := c.Incr(ctx, "counter", 1)
	if err != nil {
		t.Fatalf("Incr failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1, got %d", n)
	}
	if _, err := os.Stat(p + ".lock"); !os.IsNotExist(err) {
		t.Errorf("Expected lock file to be released, got %v", err)
	}
}

func TestFileCache_VersionedEngine(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	engine := cache.NewVersionedCache(c, cache.Config{Module: "pgcache", Host: "example.com"})

	_ = engine.Set(ctx, "/about/", &cache.Entry{Content: []byte("page")}, 0, "")
	if e, _ := engine.Get(ctx, "/about/", ""); e == nil || string(e.Content) != "page" {
		t.Fatalf("Expected fresh page, got %+v", e)
	}

	_ = engine.Flush(ctx, "")
	if e, _ := engine.Get(ctx, "/about/", ""); e != nil {
		t.Errorf("Expected miss after flush, got %+v", e)
	}
}

func TestFileCache_Closed(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Expected open store to ping, got %v", err)
	}
	_ = c.Close()

	if err := c.Ping(ctx); !cache.IsUnavailable(err) {
		t.Errorf("Expected ErrUnavailable after close, got %v", err)
	}
	if err := c.Set(ctx, "k", []byte("v"), 0); !cache.IsUnavailable(err) {
		t.Errorf("Expected ErrUnavailable on set, got %v", err)
	}
}

func TestNewFileCache_EmptyDir(t *testing.T) {
	if _, err := NewFileCache(FileCacheConfig{}); err == nil {
		t.Error("Expected error for empty dir")
	}
}
