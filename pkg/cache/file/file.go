// Package file provides the disk engine (file, file_generic): one file per key
// under a root directory.
package file

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"cache-flush/pkg/cache"
)

// headerSize is the expiry prefix of every cache file: unix seconds, 0 = never.
const headerSize = 8

// staleLock is the age after which a counter lock file left by a crashed
// process is broken.
const staleLock = 10 * time.Second

// FileCacheConfig holds configuration for the file store.
type FileCacheConfig struct {
	// Name is the engine name reported by the store ("file" or "file_generic")
	Name string

	// Dir is the root directory. Created on first write.
	Dir string
}

// FileCache stores each key in its own file, sharded by the md5 of the key.
// Writes go to a temp file that is renamed into place.
type FileCache struct {
	config FileCacheConfig
	now    func() time.Time

	// incrMu serializes increments within this process; the per-key lock
	// file serializes them across processes sharing Dir.
	incrMu sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewFileCache creates a file store rooted at config.Dir.
func NewFileCache(config FileCacheConfig) (*FileCache, error) {
	if config.Name == "" {
		config.Name = "file"
	}
	if config.Dir == "" {
		return nil, cache.WrapError(cache.ErrInvalidValue, config.Name, "open: empty dir")
	}
	return &FileCache{
		config: config,
		now:    time.Now,
		closed: make(chan struct{}),
	}, nil
}

func (c *FileCache) path(key string) string {
	sum := md5.Sum([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(c.config.Dir, h[:2], h[2:4], h)
}

func (c *FileCache) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Get returns the stored bytes. Expired files are removed and reported missing.
func (c *FileCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, cache.ErrUnavailable
	}

	p := c.path(key)
	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, cache.ErrKeyNotFound
		}
		return nil, cache.WrapError(err, c.config.Name, "get")
	}
	if len(raw) < headerSize {
		return nil, cache.ErrKeyNotFound
	}

	expires := int64(binary.BigEndian.Uint64(raw[:headerSize]))
	if expires > 0 && c.now().Unix() >= expires {
		_ = os.Remove(p)
		return nil, cache.ErrKeyNotFound
	}
	return raw[headerSize:], nil
}

// Set writes value atomically. A zero ttl never expires.
func (c *FileCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return cache.ErrUnavailable
	}

	var expires int64
	if ttl > 0 {
		expires = c.now().Add(ttl).Unix()
	}

	buf := make([]byte, headerSize+len(value))
	binary.BigEndian.PutUint64(buf[:headerSize], uint64(expires))
	copy(buf[headerSize:], value)

	if err := c.writeAtomic(c.path(key), buf); err != nil {
		return cache.WrapError(err, c.config.Name, "set")
	}
	return nil
}

func (c *FileCache) writeAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Delete removes key. Missing files are not an error.
func (c *FileCache) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(c.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cache.WrapError(err, c.config.Name, "delete")
	}
	return nil
}

// Incr adds delta to a decimal counter file, keeping its expiry.
func (c *FileCache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if c.isClosed() {
		return 0, cache.ErrUnavailable
	}

	c.incrMu.Lock()
	defer c.incrMu.Unlock()

	unlock, err := c.lockKey(ctx, c.path(key))
	if err != nil {
		return 0, cache.WrapError(err, c.config.Name, "incr")
	}
	defer unlock()

	var current int64
	var ttl time.Duration

	raw, err := os.ReadFile(c.path(key))
	switch {
	case err == nil && len(raw) >= headerSize:
		if expires := int64(binary.BigEndian.Uint64(raw[:headerSize])); expires > 0 {
			ttl = time.Unix(expires, 0).Sub(c.now())
			if ttl <= 0 {
				// expired counters restart from zero
				ttl = 0
				break
			}
		}
		v, perr := strconv.ParseInt(strings.TrimSpace(string(raw[headerSize:])), 10, 64)
		if perr != nil {
			return 0, cache.WrapError(cache.ErrInvalidValue, c.config.Name, "incr")
		}
		current = v
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return 0, cache.WrapError(err, c.config.Name, "incr")
	}

	next := current + delta
	if err := c.Set(ctx, key, []byte(strconv.FormatInt(next, 10)), ttl); err != nil {
		return 0, err
	}
	return next, nil
}

// lockKey takes the O_EXCL lock file next to p, waiting while another
// process holds it.
func (c *FileCache) lockKey(ctx context.Context, p string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, err
	}
	lockPath := p + ".lock"

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, err
		}
		if info, serr := os.Stat(lockPath); serr == nil && time.Since(info.ModTime()) > staleLock {
			_ = os.Remove(lockPath)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Ping checks that the root directory is usable.
func (c *FileCache) Ping(ctx context.Context) error {
	if c.isClosed() {
		return cache.ErrUnavailable
	}
	if err := os.MkdirAll(c.config.Dir, 0o755); err != nil {
		return cache.WrapError(err, c.config.Name, "ping")
	}
	return nil
}

// Cleanup removes expired files and returns how many were deleted.
func (c *FileCache) Cleanup(ctx context.Context) (int, error) {
	now := c.now().Unix()
	removed := 0

	err := filepath.WalkDir(c.config.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		header := make([]byte, headerSize)
		_, rerr := io.ReadFull(f, header)
		f.Close()
		if rerr != nil {
			return nil
		}

		if expires := int64(binary.BigEndian.Uint64(header)); expires > 0 && now >= expires {
			if os.Remove(p) == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

func (c *FileCache) Name() string {
	return c.config.Name
}

func (c *FileCache) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

var (
	_ cache.Store       = (*FileCache)(nil)
	_ cache.Incrementer = (*FileCache)(nil)
	_ cache.Pinger      = (*FileCache)(nil)
)
