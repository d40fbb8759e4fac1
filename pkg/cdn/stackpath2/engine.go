package stackpath2

import (
	"context"
	"time"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/cdn/transport"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"

	"go.uber.org/zap"
)

// EngineName is the provider name in configuration and metrics.
const EngineName = "stackpath2"

// Config configures the engine.
type Config struct {
	Credentials
	// SiteRootDomain is the host purged URLs are built on.
	SiteRootDomain string
	// SSL is one of the cdn.SSL* modes.
	SSL     string
	Domains []string
	// AccessToken is the persisted bearer token.
	AccessToken string
}

// Engine purges a StackPath stack.
type Engine struct {
	cdn.Base

	cfg     Config
	api     *API
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// New creates the engine. Refreshed tokens are saved to store when it is not nil.
func New(cfg Config, client *transport.Client, store cdn.StateStore, collector metrics.MetricsCollector) *Engine {
	if cfg.SSL == "" {
		cfg.SSL = cdn.SSLAuto
	}
	session := NewSession(client, cfg.Credentials, cfg.AccessToken, store, collector)
	return &Engine{
		Base:    cdn.Base{SSL: cfg.SSL, DomainList: cfg.Domains},
		cfg:     cfg,
		api:     NewAPI(client, cfg.Credentials, session),
		metrics: metrics.OrNoOp(collector),
		logger:  logging.Component("cdn.stackpath2"),
	}
}

// API returns the engine's API client.
func (e *Engine) API() *API { return e.api }

// Purge purges every file under each URL prefix in one request.
func (e *Engine) Purge(ctx context.Context, files []cdn.File) (bool, cdn.Results) {
	if e.cfg.ClientID == "" {
		return false, cdn.ResultsFor(files, cdn.ResultHalt, "Empty Authorization Key.")
	}

	var req PurgeRequest
	for _, f := range files {
		for _, prefix := range e.urlPrefixes() {
			req.Items = append(req.Items, PurgeItem{URL: prefix + "/" + f.RemotePath, Recursive: true})
		}
	}
	return e.purge(ctx, req)
}

// PurgeAll purges everything under each URL prefix.
func (e *Engine) PurgeAll(ctx context.Context) (bool, cdn.Results) {
	if e.cfg.ClientID == "" {
		return false, cdn.Halt("Empty Authorization Key.")
	}

	var req PurgeRequest
	for _, prefix := range e.urlPrefixes() {
		req.Items = append(req.Items, PurgeItem{URL: prefix + "/", Recursive: true})
	}
	return e.purge(ctx, req)
}

func (e *Engine) purge(ctx context.Context, req PurgeRequest) (bool, cdn.Results) {
	start := time.Now()
	id, err := e.api.Purge(ctx, req)
	e.metrics.RecordPurge(EngineName, err == nil, time.Since(start))
	if err != nil {
		e.logger.Warn("purge failed", zap.Int("items", len(req.Items)), zap.Error(err))
		return cdn.FromError("Failure to pull zone: ", err)
	}
	e.logger.Debug("purge submitted", zap.String("purge_id", id), zap.Int("items", len(req.Items)))
	return true, cdn.Results{{Code: cdn.ResultOK, Error: "OK"}}
}

// urlPrefixes returns the https prefix for auto and enabled SSL and the http
// prefix for every mode except enabled.
func (e *Engine) urlPrefixes() []string {
	var prefixes []string
	if e.cfg.SSL == cdn.SSLAuto || e.cfg.SSL == cdn.SSLEnabled {
		prefixes = append(prefixes, "https://"+e.cfg.SiteRootDomain)
	}
	if e.cfg.SSL == cdn.SSLAuto || e.cfg.SSL != cdn.SSLEnabled {
		prefixes = append(prefixes, "http://"+e.cfg.SiteRootDomain)
	}
	return prefixes
}

var _ cdn.Engine = (*Engine)(nil)
