package rackspace

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
const EngineName = "rackspace_cdn"

// Config configures the engine.
type Config struct {
	Credentials
	ServiceID        string
	ServiceAccessURL string
	// ServiceProtocol is "http" or "https".
	ServiceProtocol string
	// Domains are the CNAMEs of the service; ignored for https services.
	Domains []string
	// AccessState is the persisted session state.
	AccessState string
}

// Engine purges a Rackspace CDN service.
type Engine struct {
	cdn.Base

	cfg     Config
	api     *API
	session *Session
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// New creates the engine. Refreshed access state is saved to store when it is not nil.
func New(cfg Config, client *transport.Client, store cdn.StateStore, collector metrics.MetricsCollector) *Engine {
	domains := cfg.Domains
	if cfg.ServiceProtocol == "https" || len(domains) == 0 {
		domains = []string{cfg.ServiceAccessURL}
	}
	ssl := cdn.SSLDisabled
	if cfg.ServiceProtocol == "https" {
		ssl = cdn.SSLEnabled
	}

	session := NewSession(client, cfg.Credentials, ParseAccessState(cfg.AccessState), store, collector)
	return &Engine{
		Base:    cdn.Base{SSL: ssl, DomainList: domains},
		cfg:     cfg,
		api:     NewAPI(client, session),
		session: session,
		metrics: metrics.OrNoOp(collector),
		logger:  logging.Component("cdn.rackspace"),
	}
}

// API returns the engine's API client.
func (e *Engine) API() *API { return e.api }

// Session returns the engine's session.
func (e *Engine) Session() *Session { return e.session }

// Purge purges each file in turn. The first failure stops the batch and is
// reported as one HALT result after the files already purged.
func (e *Engine) Purge(ctx context.Context, files []cdn.File) (bool, cdn.Results) {
	start := time.Now()
	results := make(cdn.Results, 0, len(files))

	for _, f := range files {
		if err := e.api.Purge(ctx, e.cfg.ServiceID, e.FormatURL(f.RemotePath)); err != nil {
			e.logger.Warn("purge failed", zap.String("path", f.RemotePath), zap.Error(err))
			results = append(results, cdn.Halt("Failed to purge: "+cdn.Message(err))...)
			break
		}
		results = append(results, cdn.Result{LocalPath: f.LocalPath, RemotePath: f.RemotePath, Code: cdn.ResultOK, Error: "OK"})
	}

	ok := results.Success()
	e.metrics.RecordPurge(EngineName, ok, time.Since(start))
	return ok, results
}

// PurgeAll purges every asset of the service.
func (e *Engine) PurgeAll(ctx context.Context) (bool, cdn.Results) {
	start := time.Now()
	if err := e.api.PurgeAll(ctx, e.cfg.ServiceID); err != nil {
		e.metrics.RecordPurge(EngineName, false, time.Since(start))
		return cdn.FromError("Failed to purge: ", err)
	}
	e.metrics.RecordPurge(EngineName, true, time.Since(start))
	return true, cdn.Results{{Code: cdn.ResultOK, Error: "OK"}}
}

// ServiceDomains returns the domains attached to the service.
func (e *Engine) ServiceDomains(ctx context.Context) ([]string, error) {
	svc, err := e.api.ServiceGet(ctx, e.cfg.ServiceID)
	if err != nil {
		return nil, err
	}
	domains := make([]string, 0, len(svc.Domains))
	for _, d := range svc.Domains {
		domains = append(domains, d.Domain)
	}
	return domains, nil
}

// SetServiceDomains replaces the domains attached to the service.
func (e *Engine) SetServiceDomains(ctx context.Context, domains []string) error {
	value := make([]Domain, 0, len(domains))
	for _, d := range domains {
		v := Domain{Domain: d}
		if e.cfg.ServiceProtocol == "https" {
			v.Protocol = "https"
		}
		value = append(value, v)
	}
	_, err := e.api.ServiceSet(ctx, e.cfg.ServiceID, []PatchOp{{Op: "replace", Path: "/domains", Value: value}})
	return err
}

var _ cdn.Engine = (*Engine)(nil)
