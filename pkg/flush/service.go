package flush

import (
	"cache-flush/pkg/config"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/messagebus"
	"cache-flush/pkg/metrics"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BusLogger returns the logger for message bus components. Their debug
// output is kept only when cluster.messagebus.debug is set.
func BusLogger(cfg config.Reader) *logging.Logger {
	l := logging.Component("messagebus")
	if !cfg.GetBoolean("cluster.messagebus.debug") {
		l = l.AtLeast(zapcore.InfoLevel)
	}
	return l
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Config config.Reader
	Local  *LocalExecutor
	// Publisher is required when cluster.messagebus.enabled is set.
	Publisher messagebus.Publisher
	BlogID    int
	Host      string
	Hostname  string
	Metrics   metrics.MetricsCollector
}

// Service hands out request-scoped dispatchers. The executor kind is chosen
// once, from cluster.messagebus.enabled, when the service is created.
type Service struct {
	cfg         config.Reader
	local       *LocalExecutor
	distributed bool
	opts        ServiceOptions
	metrics     metrics.MetricsCollector
	busLogger   *logging.Logger
}

// NewService creates a flush service.
func NewService(opts ServiceOptions) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New(nil)
	}
	local := opts.Local
	if local == nil {
		local = NewLocalExecutor(LocalOptions{Config: cfg})
	}

	s := &Service{
		cfg:         cfg,
		local:       local,
		distributed: cfg.GetBoolean("cluster.messagebus.enabled"),
		opts:        opts,
		metrics:     metrics.OrNoOp(opts.Metrics),
		busLogger:   BusLogger(cfg),
	}
	logging.Component("flush").Info("flush service initialized",
		zap.Bool("distributed", s.distributed),
		zap.String("topic", s.topic()),
	)
	return s
}

func (s *Service) topic() string {
	return s.cfg.GetString("cluster.messagebus.topic")
}

// Distributed reports whether dispatchers publish to the message bus.
func (s *Service) Distributed() bool {
	return s.distributed
}

// Local returns the process-wide local executor.
func (s *Service) Local() *LocalExecutor {
	return s.local
}

// Begin returns the dispatcher for one request scope.
func (s *Service) Begin(scope *Scope) *Dispatcher {
	return NewDispatcher(scope, s.cfg, s.executor(scope), s.metrics)
}

func (s *Service) executor(scope *Scope) Executor {
	if !s.distributed {
		return s.local
	}
	return NewDistributedExecutor(scope, DistributedOptions{
		Publisher: s.opts.Publisher,
		Topic:     s.topic(),
		Secret:    s.cfg.GetString("cluster.messagebus.secret"),
		BlogID:    s.opts.BlogID,
		Host:      s.opts.Host,
		Hostname:  s.opts.Hostname,
		Metrics:   s.metrics,
		Logger:    s.busLogger.Named("publisher"),
	})
}
