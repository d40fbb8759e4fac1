// Package bunnycdn implements the Bunny CDN purge engine.
package bunnycdn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"cache-flush/pkg/cdn/transport"

	perrors "github.com/jmgilman/go/errors"
)

// BaseURL is the Bunny account API.
const BaseURL = "https://api.bunny.net"

// PullZone is a Bunny pull zone.
type PullZone struct {
	ID        int    `json:"Id"`
	Name      string `json:"Name"`
	OriginURL string `json:"OriginUrl"`
	Enabled   bool   `json:"Enabled"`
	Hostnames []struct {
		Value string `json:"Value"`
	} `json:"Hostnames"`
}

// API is the Bunny account API. Every request carries the account key in the
// AccessKey header.
type API struct {
	client *transport.Client
	key    string
	base   string
}

// NewAPI creates an API client. An empty base uses BaseURL.
func NewAPI(client *transport.Client, accountKey, base string) *API {
	if base == "" {
		base = BaseURL
	}
	return &API{client: client, key: accountKey, base: strings.TrimRight(base, "/")}
}

// PullZones lists the account's pull zones.
func (a *API) PullZones(ctx context.Context) ([]PullZone, error) {
	var zones []PullZone
	if err := a.call(ctx, http.MethodGet, "/pullzone", &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// PullZone returns one pull zone.
func (a *API) PullZone(ctx context.Context, id int) (*PullZone, error) {
	var zone PullZone
	if err := a.call(ctx, http.MethodGet, "/pullzone/"+strconv.Itoa(id), &zone); err != nil {
		return nil, err
	}
	return &zone, nil
}

// PurgeURL purges one URL from the edge.
func (a *API) PurgeURL(ctx context.Context, u string) error {
	return a.call(ctx, http.MethodPost, "/purge?url="+url.QueryEscape(u), nil)
}

// PurgePullZone purges the whole cache of a pull zone.
func (a *API) PurgePullZone(ctx context.Context, id int) error {
	return a.call(ctx, http.MethodPost, "/pullzone/"+strconv.Itoa(id)+"/purgeCache", nil)
}

func (a *API) call(ctx context.Context, method, uri string, out interface{}) error {
	if a.key == "" {
		return perrors.New(perrors.CodeInvalidConfig, "API key value is empty.")
	}

	resp, err := a.client.Do(ctx, transport.Request{
		Method: method,
		URL:    a.base + uri,
		Header: http.Header{
			"AccessKey": {a.key},
			"Accept":    {"application/json"},
		},
	})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

// decode checks the status and unpacks the body into out. Purge endpoints
// answer with an empty body.
func decode(resp *transport.Response, out interface{}) error {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
	default:
		msg := string(resp.Body)
		var body struct {
			Message string `json:"Message"`
		}
		if err := json.Unmarshal(resp.Body, &body); err == nil && body.Message != "" {
			msg = body.Message
		}
		code := perrors.CodeUnavailable
		if resp.StatusCode == http.StatusUnauthorized {
			code = perrors.CodeUnauthorized
		}
		return perrors.Newf(code, "Response code %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if len(resp.Body) == 0 {
		return perrors.New(perrors.CodeNetwork, "Response body is invalid")
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return perrors.Wrap(err, perrors.CodeNetwork, "Response body is invalid")
	}
	return nil
}
