// Command flushd runs the cache flush service: the HTTP API, the flush
// dispatcher and, in cluster mode, the message bus subscriber that replays
// flushes published by other nodes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cache-flush/pkg/api"
	"cache-flush/pkg/cache"
	"cache-flush/pkg/cache/registry"
	"cache-flush/pkg/cdn/provider"
	"cache-flush/pkg/config"
	"cache-flush/pkg/flush"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/messagebus"
	"cache-flush/pkg/messagebus/gcppubsub"
	"cache-flush/pkg/messagebus/redisstream"
	promcollector "cache-flush/pkg/metrics/prometheus"
	"cache-flush/pkg/worker"

	"cloud.google.com/go/pubsub"
	perrors "github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// module binds a configuration section to its engine module and flush hooks.
type module struct {
	section string
	name    string
	hooks   []string
}

var modules = []module{
	{"dbcache", "db", []string{flush.HookFlushDbcache}},
	{"objectcache", "object", []string{flush.HookFlushObjectcache}},
	{"minify", "minify", []string{flush.HookFlushMinify}},
	{"fragmentcache", "fragment", []string{flush.HookFlushFragmentcache, flush.HookFlushFragmentcacheGroup}},
}

func main() {
	configFile := flag.String("config", "", "YAML configuration file (default: configs/{APP_ENV}.yaml)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "flushd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(config.LoadOptions{File: configFile})
	if err != nil {
		return err
	}

	logger, err := logging.FromSettings(cfg.GetString("log.level"), cfg.GetString("log.format"), cfg.GetBoolean("log.development"))
	if err != nil {
		return err
	}
	logging.SetGlobal(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	namespace := cfg.GetString("metrics.namespace")
	if namespace == "" {
		namespace = "flushd"
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := promcollector.NewPrometheusCollector(namespace)
	if err := collector.Register(promRegistry); err != nil {
		return err
	}

	regOpts := registry.OptionsFromReader(cfg)
	regOpts.Metrics = collector
	engines := registry.New(regOpts)
	defer func() {
		if err := engines.Close(); err != nil {
			logger.Warn("failed to close engines", zap.Error(err))
		}
	}()

	base := cache.Config{
		BlogID:     cfg.GetInteger("common.blog_id"),
		Host:       cfg.GetString("common.host"),
		InstanceID: cfg.GetInteger("common.instance_id"),
	}
	hooks := flush.NewHooks()

	for _, m := range modules {
		engine, err := moduleEngine(ctx, cfg, engines, base, m.section, m.name)
		if err != nil {
			return err
		}
		if engine == nil {
			continue
		}
		for _, hook := range m.hooks {
			flush.BindEngine(hooks, hook, 10, engine, "")
		}
	}

	var pageCache flush.Cleaner
	pgEngine, err := moduleEngine(ctx, cfg, engines, base, "pgcache", "page")
	if err != nil {
		return err
	}
	if pgEngine != nil {
		target := flush.NewPageCacheTarget(pgEngine, nil, nil)
		target.Register(hooks)
		pageCache = target
	}

	cdnEngine, err := provider.New(cfg, collector)
	if err != nil {
		return err
	}
	if cdnEngine != nil && cfg.GetBoolean("cdnfsd.enabled") {
		flush.NewCDNTarget(cdnEngine, nil).Register(hooks, 1200)
	}

	local := flush.NewLocalExecutor(flush.LocalOptions{
		Config:    cfg,
		Writer:    cfg,
		Hooks:     hooks,
		CDN:       cdnEngine,
		PageCache: pageCache,
		Sweeper:   engines,
	})

	hostname, _ := os.Hostname()
	bus, closeBus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	service := flush.NewService(flush.ServiceOptions{
		Config:    cfg,
		Local:     local,
		Publisher: bus,
		BlogID:    base.BlogID,
		Host:      base.Host,
		Hostname:  hostname,
		Metrics:   collector,
	})
	receiver := flush.NewReceiver(flush.ReceiverOptions{
		Config:  cfg,
		Local:   local,
		Seen:    flush.NewSeenFilter(uint(cfg.GetInteger("cluster.messagebus.dedup_capacity")), 0),
		Metrics: collector,
	})

	if service.Distributed() && cfg.GetString("cluster.messagebus.secret") == "" {
		logger.Warn("cluster.messagebus.secret is empty, bus messages are accepted unsigned")
	}

	var pool *worker.Pool
	if sub, ok := bus.(messagebus.Subscriber); ok && service.Distributed() {
		pool = worker.New("messagebus", receiver.HandleDelivery, worker.Config{
			QueueSize: cfg.GetInteger("cluster.messagebus.queue_size"),
			Workers:   cfg.GetInteger("cluster.messagebus.workers"),
		}, collector)

		topic := cfg.GetString("cluster.messagebus.topic")
		if ps, ok := sub.(*gcppubsub.Bus); ok {
			if err := ps.EnsureSubscription(ctx, topic); err != nil {
				return err
			}
		}
		go func() {
			if err := sub.Subscribe(ctx, topic, pool.Submit); err != nil {
				logger.Error("subscriber stopped", zap.String("topic", topic), zap.Error(err))
			}
		}()
	}

	serverConfig := api.DefaultServerConfig()
	if addr := cfg.GetString("api.address"); addr != "" {
		serverConfig.Address = addr
	}
	serverConfig.EnablePprof = cfg.GetBoolean("api.pprof")

	server := api.NewServer(api.Options{
		Flush:      service,
		Receiver:   receiver,
		Registry:   engines,
		CDNEngine:  cfg.GetString("cdn.engine"),
		BlogID:     base.BlogID,
		InstanceID: base.InstanceID,
		Metrics:    collector,
		Gatherer:   promRegistry,
	}, serverConfig)
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("flushd started",
		zap.String("address", serverConfig.Address),
		zap.Bool("distributed", service.Distributed()),
		zap.String("cdn", registry.EngineName(cfg.GetString("cdn.engine"), "cdn")),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, server.Stop(shutdownCtx))
	if pool != nil {
		if err := pool.Flush(5 * time.Second); err != nil {
			logger.Warn("deliveries still pending at shutdown", zap.Error(err))
		}
		errs = multierr.Append(errs, pool.Close())
	}
	return errs
}

// moduleEngine returns the engine of a cache module, or nil when the module
// is disabled.
func moduleEngine(ctx context.Context, cfg config.Reader, engines *registry.Registry, base cache.Config, section, name string) (cache.Engine, error) {
	if !cfg.GetBoolean(section + ".enabled") {
		return nil, nil
	}
	c := base
	c.Module = name
	c.UseExpiredData = cfg.GetBoolean(section + ".use_expired_data")
	return engines.Instance(ctx, cfg.GetString(section+".engine"), c)
}

// newBus builds the publisher named by cluster.messagebus.transport. The
// returned bus is nil in single-node mode.
func newBus(ctx context.Context, cfg config.Reader) (messagebus.Publisher, func(), error) {
	noop := func() {}
	if !cfg.GetBoolean("cluster.messagebus.enabled") {
		return nil, noop, nil
	}

	switch transport := cfg.GetString("cluster.messagebus.transport"); transport {
	case "", "redis":
		addrs := cfg.GetArray("cluster.messagebus.redis.addrs")
		if len(addrs) == 0 {
			addrs = []string{"localhost:6379"}
		}
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: cfg.GetString("cluster.messagebus.redis.password"),
			DB:       cfg.GetInteger("cluster.messagebus.redis.db"),
		})
		streamCfg := redisstream.DefaultConfig()
		if prefix := cfg.GetString("cluster.messagebus.redis.prefix"); prefix != "" {
			streamCfg.Prefix = prefix
		}
		bus := redisstream.New(client, streamCfg)
		return bus, func() {
			_ = bus.Close()
			_ = client.Close()
		}, nil

	case "pubsub":
		var opts []option.ClientOption
		if endpoint := cfg.GetString("cluster.messagebus.pubsub.emulator"); endpoint != "" {
			opts = append(opts,
				option.WithEndpoint(endpoint),
				option.WithoutAuthentication(),
				option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		client, err := pubsub.NewClient(ctx, cfg.GetString("cluster.messagebus.pubsub.project"), opts...)
		if err != nil {
			return nil, noop, perrors.Wrap(err, perrors.CodeInvalidConfig, "failed to create pubsub client")
		}
		subscription := cfg.GetString("cluster.messagebus.pubsub.subscription")
		if subscription == "" {
			hostname, _ := os.Hostname()
			subscription = "flushd-" + hostname
		}
		bus := gcppubsub.New(client, gcppubsub.Config{
			Subscription:   subscription,
			MaxOutstanding: cfg.GetInteger("cluster.messagebus.pubsub.max_outstanding"),
		})
		return bus, func() {
			_ = bus.Close()
			_ = client.Close()
		}, nil

	default:
		return nil, noop, perrors.Newf(perrors.CodeInvalidConfig, "unknown message bus transport %q", transport)
	}
}
