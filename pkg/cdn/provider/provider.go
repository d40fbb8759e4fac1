// Package provider builds the configured CDN engine.
package provider

import (
	"cache-flush/pkg/cdn"
	"cache-flush/pkg/cdn/bunnycdn"
	"cache-flush/pkg/cdn/rackspace"
	"cache-flush/pkg/cdn/stackpath2"
	"cache-flush/pkg/cdn/transport"
	"cache-flush/pkg/config"
	"cache-flush/pkg/metrics"

	perrors "github.com/jmgilman/go/errors"
	"golang.org/x/time/rate"
)

// Configuration keys of the persisted provider state.
const (
	RackspaceStateKey  = "cdn.rackspace_cdn.access_state"
	StackPath2TokenKey = "cdn.stackpath2.access_token"
)

// Names lists the supported providers.
var Names = []string{rackspace.EngineName, stackpath2.EngineName, bunnycdn.EngineName}

// NewClient builds the HTTP client shared by a provider's API calls.
func NewClient(cfg config.Reader) *transport.Client {
	return transport.NewClient(transport.Options{
		RateLimit: rate.Limit(cfg.GetInteger("cdn.api.rate_limit")),
		Burst:     cfg.GetInteger("cdn.api.burst"),
		UserAgent: cfg.GetString("cdn.api.user_agent"),
	})
}

// New returns the engine named by cdn.engine, or nil when no engine is
// configured. Refreshed credentials are written back through cfg.
func New(cfg config.Store, collector metrics.MetricsCollector) (cdn.Engine, error) {
	name := cfg.GetString("cdn.engine")
	if name == "" {
		return nil, nil
	}
	client := NewClient(cfg)

	switch name {
	case rackspace.EngineName:
		return rackspace.New(rackspace.Config{
			Credentials: rackspace.Credentials{
				UserName: cfg.GetString("cdn.rackspace_cdn.user_name"),
				APIKey:   cfg.GetString("cdn.rackspace_cdn.api_key"),
				Region:   cfg.GetString("cdn.rackspace_cdn.region"),
			},
			ServiceID:        cfg.GetString("cdn.rackspace_cdn.service.id"),
			ServiceAccessURL: cfg.GetString("cdn.rackspace_cdn.service.access_url"),
			ServiceProtocol:  cfg.GetString("cdn.rackspace_cdn.service.protocol"),
			Domains:          cfg.GetArray("cdn.rackspace_cdn.domains"),
			AccessState:      cfg.GetString(RackspaceStateKey),
		}, client, cdn.NewConfigState(cfg, RackspaceStateKey), collector), nil

	case stackpath2.EngineName:
		return stackpath2.New(stackpath2.Config{
			Credentials: stackpath2.Credentials{
				ClientID:     cfg.GetString("cdn.stackpath2.client_id"),
				ClientSecret: cfg.GetString("cdn.stackpath2.client_secret"),
				StackID:      cfg.GetString("cdn.stackpath2.stack_id"),
			},
			SiteRootDomain: cfg.GetString("cdn.stackpath2.site_root_domain"),
			SSL:            cfg.GetString("cdn.stackpath2.ssl"),
			Domains:        cfg.GetArray("cdn.stackpath2.domain"),
			AccessToken:    cfg.GetString(StackPath2TokenKey),
		}, client, cdn.NewConfigState(cfg, StackPath2TokenKey), collector), nil

	case bunnycdn.EngineName:
		return bunnycdn.New(bunnycdn.Config{
			AccountAPIKey: cfg.GetString("cdn.bunnycdn.account_api_key"),
			CDNHostname:   cfg.GetString("cdn.bunnycdn.cdn_hostname"),
			SSL:           cfg.GetString("cdn.bunnycdn.ssl"),
			PullZoneIDs:   ActiveBunnyZones(cfg),
		}, client, collector), nil
	}

	return nil, perrors.Newf(perrors.CodeInvalidConfig, "unknown CDN engine %q", name)
}

// ActiveBunnyZones returns the pull zones of the CDN and full-site CDN
// features that are enabled and served by Bunny.
func ActiveBunnyZones(cfg config.Reader) []int {
	var ids []int
	for _, feature := range []string{"cdn", "cdnfsd"} {
		id := cfg.GetInteger(feature + ".bunnycdn.pull_zone_id")
		if id > 0 && cfg.GetBoolean(feature+".enabled") && cfg.GetString(feature+".engine") == bunnycdn.EngineName {
			ids = append(ids, id)
		}
	}
	return ids
}
