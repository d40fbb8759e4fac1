package bunnycdn

import (
	"context"
	"strconv"
	"time"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/cdn/transport"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"

	"go.uber.org/zap"
)

// EngineName is the provider name in configuration and metrics.
const EngineName = "bunnycdn"

// Config configures the engine.
type Config struct {
	AccountAPIKey string
	CDNHostname   string
	// SSL is one of the cdn.SSL* modes.
	SSL string
	// PullZoneIDs are the active pull zones purged by PurgeAll.
	PullZoneIDs []int
	// BaseURL overrides the account API endpoint.
	BaseURL string
}

// Engine purges Bunny pull zones.
type Engine struct {
	cdn.Base

	cfg     Config
	api     *API
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

// New creates the engine.
func New(cfg Config, client *transport.Client, collector metrics.MetricsCollector) *Engine {
	if cfg.SSL == "" {
		cfg.SSL = cdn.SSLAuto
	}
	var domains []string
	if cfg.CDNHostname != "" {
		domains = []string{cfg.CDNHostname}
	}
	return &Engine{
		Base:    cdn.Base{SSL: cfg.SSL, DomainList: domains},
		cfg:     cfg,
		api:     NewAPI(client, cfg.AccountAPIKey, cfg.BaseURL),
		metrics: metrics.OrNoOp(collector),
		logger:  logging.Component("cdn.bunnycdn"),
	}
}

// API returns the engine's API client.
func (e *Engine) API() *API { return e.api }

// Purge purges every file under each URL prefix of the CDN hostname. The
// first failure stops the batch.
func (e *Engine) Purge(ctx context.Context, files []cdn.File) (bool, cdn.Results) {
	if e.cfg.AccountAPIKey == "" {
		return false, cdn.ResultsFor(files, cdn.ResultHalt, "Missing account API key.")
	}
	if e.cfg.CDNHostname == "" {
		return false, cdn.ResultsFor(files, cdn.ResultHalt, "Missing CDN hostname.")
	}

	start := time.Now()
	for _, f := range files {
		for _, prefix := range e.urlPrefixes() {
			u := prefix + "/" + f.RemotePath
			if err := e.api.PurgeURL(ctx, u); err != nil {
				e.logger.Warn("purge failed", zap.String("url", u), zap.Error(err))
				e.metrics.RecordPurge(EngineName, false, time.Since(start))
				return cdn.FromError("Could not purge pull zone items: ", err)
			}
		}
	}
	e.metrics.RecordPurge(EngineName, true, time.Since(start))
	return true, cdn.Results{{Code: cdn.ResultOK, Error: "OK"}}
}

// PurgeAll purges each active pull zone. A failing zone does not stop the others.
func (e *Engine) PurgeAll(ctx context.Context) (bool, cdn.Results) {
	if e.cfg.AccountAPIKey == "" {
		return false, cdn.Halt("Missing account API key.")
	}
	if len(e.cfg.PullZoneIDs) == 0 {
		return false, cdn.Halt("Missing pull zone id.")
	}

	start := time.Now()
	results := make(cdn.Results, 0, len(e.cfg.PullZoneIDs))
	for _, id := range e.cfg.PullZoneIDs {
		if err := e.api.PurgePullZone(ctx, id); err != nil {
			e.logger.Warn("pull zone purge failed", zap.Int("pull_zone_id", id), zap.Error(err))
			results = append(results, cdn.Result{
				RemotePath: strconv.Itoa(id),
				Code:       cdn.ResultHalt,
				Error:      "Could not purge pull zone; " + cdn.Message(err),
			})
			continue
		}
		results = append(results, cdn.Result{RemotePath: strconv.Itoa(id), Code: cdn.ResultOK, Error: "OK"})
	}

	ok := results.Success()
	e.metrics.RecordPurge(EngineName, ok, time.Since(start))
	return ok, results
}

func (e *Engine) urlPrefixes() []string {
	var prefixes []string
	if e.cfg.SSL == cdn.SSLAuto || e.cfg.SSL == cdn.SSLEnabled {
		prefixes = append(prefixes, "https://"+e.cfg.CDNHostname)
	}
	if e.cfg.SSL == cdn.SSLAuto || e.cfg.SSL != cdn.SSLEnabled {
		prefixes = append(prefixes, "http://"+e.cfg.CDNHostname)
	}
	return prefixes
}

var _ cdn.Engine = (*Engine)(nil)
