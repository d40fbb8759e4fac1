// Package registry selects and instantiates cache engines by name.
//
// Instances are cached per engine name and configuration. An unknown or
// unusable engine is reported as a configuration error; the registry never
// substitutes another engine.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"cache-flush/pkg/cache"
	"cache-flush/pkg/cache/file"
	"cache-flush/pkg/cache/memory"
	"cache-flush/pkg/cache/redis"
	"cache-flush/pkg/config"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"
	"cache-flush/pkg/resilience"

	"github.com/cespare/xxhash/v2"
	perrors "github.com/jmgilman/go/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine names accepted by Instance.
const (
	EngineAPC            = "apc"
	EngineAPCu           = "apcu"
	EngineEAccelerator   = "eaccelerator"
	EngineWinCache       = "wincache"
	EngineXCache         = "xcache"
	EngineFile           = "file"
	EngineFileGeneric    = "file_generic"
	EngineRedis          = "redis"
	EngineMemcached      = "memcached"
	EngineNginxMemcached = "nginx_memcached"
)

// StoreFactory opens the backing store for an engine.
type StoreFactory func(engine string) (cache.Store, error)

// Options configures store construction.
type Options struct {
	// MemoryMaxSize bounds each shared-memory engine (0 = unlimited).
	MemoryMaxSize int
	// FileDir is the root for the disk engines; each engine gets a subdirectory.
	FileDir string
	// Redis configures the redis engine.
	Redis redis.RedisCacheConfig
	// Resilience wraps the redis store.
	Resilience resilience.ResilientConfig
	// Metrics receives engine metrics.
	Metrics metrics.MetricsCollector
	// Factories overrides store construction per engine name.
	Factories map[string]StoreFactory
}

// OptionsFromReader reads the engine settings:
// cache.memory.max_size, cache.file.dir, redis.addr, redis.password, redis.db,
// redis.key_prefix, redis.timeout_ms and the redis.breaker.* settings.
func OptionsFromReader(r config.Reader) Options {
	opts := Options{
		MemoryMaxSize: r.GetInteger("cache.memory.max_size"),
		FileDir:       r.GetString("cache.file.dir"),
		Redis:         redis.DefaultRedisCacheConfig(),
		Resilience:    resilience.FromReader(r, "redis"),
	}
	if opts.FileDir == "" {
		opts.FileDir = filepath.Join("var", "cache")
	}
	if addr := r.GetString("redis.addr"); addr != "" {
		opts.Redis.Addr = addr
	}
	if addrs := r.GetArray("redis.cluster_addrs"); len(addrs) > 0 {
		opts.Redis = redis.ClusterCacheConfig(redis.DefaultRedisCacheConfig().Name, addrs, "")
	}
	opts.Redis.Password = r.GetString("redis.password")
	opts.Redis.Username = r.GetString("redis.username")
	opts.Redis.DB = r.GetInteger("redis.db")
	opts.Redis.KeyPrefix = r.GetString("redis.key_prefix")
	opts.Redis.DisableClientCache = r.GetBoolean("redis.disable_client_cache")
	return opts
}

// Info describes an instantiated engine.
type Info struct {
	Engine      string `json:"engine"`
	DisplayName string `json:"display_name"`
	Module      string `json:"module"`
	BlogID      int    `json:"blog_id"`
	Available   bool   `json:"available"`
}

type instance struct {
	engine string
	cfg    cache.Config
	cache  *cache.VersionedCache
}

// Registry caches engine instances by engine name and configuration.
type Registry struct {
	opts   Options
	logger *logging.Logger

	mu        sync.Mutex
	stores    map[string]cache.Store
	instances map[string]*instance
}

// New creates a registry.
func New(opts Options) *Registry {
	opts.Metrics = metrics.OrNoOp(opts.Metrics)
	return &Registry{
		opts:      opts,
		logger:    logging.Component("registry"),
		stores:    make(map[string]cache.Store),
		instances: make(map[string]*instance),
	}
}

// InstanceKey identifies an engine instance: the engine name plus a hash of its configuration.
func InstanceKey(engine string, cfg cache.Config) string {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(cfg.BlogID))
	_, _ = h.WriteString("\x00" + cfg.Module)
	_, _ = h.WriteString("\x00" + cfg.Host)
	_, _ = h.WriteString("\x00" + strconv.Itoa(cfg.InstanceID))
	_, _ = h.WriteString("\x00" + strconv.FormatBool(cfg.UseExpiredData))
	return fmt.Sprintf("%s_%016x", engine, h.Sum64())
}

// Instance returns the engine for name and cfg, creating it on first use.
// Unknown names yield cache.ErrUnknownEngine; engines that cannot run here
// yield cache.ErrEngineUnavailable. Stores are opened and pinged without
// holding the registry lock, so a slow backend only delays its own callers.
func (r *Registry) Instance(ctx context.Context, engine string, cfg cache.Config) (cache.Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, perrors.Wrap(err, perrors.CodeInvalidConfig, "invalid engine configuration")
	}

	key := InstanceKey(engine, cfg)

	r.mu.Lock()
	inst, ok := r.instances[key]
	r.mu.Unlock()
	if ok {
		return inst.cache, nil
	}

	store, err := r.store(engine)
	if err != nil {
		r.logger.Warn("engine not instantiated", zap.String("engine", engine), zap.Error(err))
		return nil, err
	}

	vc := cache.NewVersionedCacheWithMetrics(store, cfg, r.opts.Metrics)
	if !vc.Available(ctx) {
		r.logger.Warn("engine unavailable", zap.String("engine", engine))
		return nil, perrors.WithContext(
			perrors.Wrap(cache.ErrEngineUnavailable, perrors.CodeInvalidConfig, "engine "+engine+" is not available"),
			"engine", engine)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[key]; ok {
		return inst.cache, nil
	}
	r.instances[key] = &instance{engine: engine, cfg: cfg, cache: vc}
	r.logger.Debug("engine instantiated",
		zap.String("engine", engine),
		zap.String("module", cfg.Module),
		zap.Int("blog_id", cfg.BlogID),
	)
	return vc, nil
}

// store returns the shared store for engine, opening it outside the lock.
// When two callers race, the first store registered wins and the other is
// closed.
func (r *Registry) store(engine string) (cache.Store, error) {
	r.mu.Lock()
	s, ok := r.stores[engine]
	r.mu.Unlock()
	if ok {
		return s, nil
	}

	var err error
	if f, ok := r.opts.Factories[engine]; ok {
		s, err = f(engine)
	} else {
		s, err = r.open(engine)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stores[engine]; ok {
		_ = s.Close()
		return existing, nil
	}
	r.stores[engine] = s
	return s, nil
}

func (r *Registry) open(engine string) (cache.Store, error) {
	switch engine {
	case EngineAPC, EngineAPCu, EngineEAccelerator, EngineWinCache, EngineXCache:
		return memory.NewMemoryCache(memory.MemoryCacheConfig{
			Name:    engine,
			MaxSize: r.opts.MemoryMaxSize,
		}), nil

	case EngineFile, EngineFileGeneric:
		return file.NewFileCache(file.FileCacheConfig{
			Name: engine,
			Dir:  filepath.Join(r.opts.FileDir, engine),
		})

	case EngineRedis:
		rc, err := redis.NewRedisCache(r.opts.Redis)
		if err != nil {
			return nil, perrors.Wrap(cache.ErrEngineUnavailable, perrors.CodeInvalidConfig, "engine redis is not available: "+err.Error())
		}
		return resilience.NewResilientStoreWithMetrics(rc, r.opts.Resilience, r.opts.Metrics), nil

	case EngineMemcached, EngineNginxMemcached:
		return nil, perrors.Wrap(cache.ErrEngineUnavailable, perrors.CodeInvalidConfig, "engine "+engine+" is not supported by this build")

	default:
		return nil, perrors.WithContext(
			perrors.Wrap(cache.ErrUnknownEngine, perrors.CodeInvalidConfig, "incorrect cache engine "+engine),
			"engine", engine)
	}
}

// Engines lists instantiated engines, sorted by engine then module.
func (r *Registry) Engines(ctx context.Context) []Info {
	r.mu.Lock()
	insts := make([]*instance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(insts))
	for _, inst := range insts {
		out = append(out, Info{
			Engine:      inst.engine,
			DisplayName: EngineName(inst.engine, inst.cfg.Module),
			Module:      inst.cfg.Module,
			BlogID:      inst.cfg.BlogID,
			Available:   inst.cache.Available(ctx),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Engine != out[j].Engine {
			return out[i].Engine < out[j].Engine
		}
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].BlogID < out[j].BlogID
	})
	return out
}

// Cleanup sweeps expired entries from the disk engines.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	r.mu.Lock()
	var cleaners []*file.FileCache
	for _, s := range r.stores {
		if fc, ok := s.(*file.FileCache); ok {
			cleaners = append(cleaners, fc)
		}
	}
	r.mu.Unlock()

	var (
		total int
		errs  error
	)
	for _, fc := range cleaners {
		start := time.Now()
		n, err := fc.Cleanup(ctx)
		total += n
		errs = multierr.Append(errs, err)
		r.logger.Debug("disk cleanup", zap.String("engine", fc.Name()), zap.Int("removed", n), zap.Duration("duration", time.Since(start)))
	}
	return total, errs
}

// Close closes every store the registry opened.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs error
	for name, s := range r.stores {
		errs = multierr.Append(errs, s.Close())
		delete(r.stores, name)
	}
	r.instances = make(map[string]*instance)
	return errs
}
