package rackspace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"cache-flush/pkg/cdn/transport"

	perrors "github.com/jmgilman/go/errors"
)

// Domain is a domain attached to a CDN service.
type Domain struct {
	Domain   string `json:"domain"`
	Protocol string `json:"protocol,omitempty"`
}

// Origin is an origin server of a CDN service.
type Origin struct {
	Origin string `json:"origin"`
	Port   int    `json:"port,omitempty"`
	SSL    bool   `json:"ssl,omitempty"`
}

// Link is a related resource of a CDN service.
type Link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// CDNService is a Rackspace CDN service.
type CDNService struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	Status   string   `json:"status,omitempty"`
	FlavorID string   `json:"flavor_id,omitempty"`
	Domains  []Domain `json:"domains,omitempty"`
	Origins  []Origin `json:"origins,omitempty"`
	Links    []Link   `json:"links,omitempty"`

	// LinksByRel indexes Links by relation.
	LinksByRel map[string]Link `json:"-"`
}

// PatchOp is one JSON patch operation.
type PatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

// API is the Rackspace CDN API bound to a session. Every call refreshes the
// session once when its token is rejected.
type API struct {
	client  *transport.Client
	session *Session
}

// NewAPI creates an API client.
func NewAPI(client *transport.Client, session *Session) *API {
	return &API{client: client, session: session}
}

var acceptedStatus = map[int]bool{
	http.StatusOK:        true,
	http.StatusCreated:   true,
	http.StatusAccepted:  true,
	http.StatusNoContent: true,
}

// Services lists the account's CDN services.
func (a *API) Services(ctx context.Context) ([]CDNService, error) {
	var out struct {
		Services []CDNService `json:"services"`
	}
	if err := a.get(ctx, "/services", &out); err != nil {
		return nil, err
	}
	return out.Services, nil
}

// ServiceGet returns one service.
func (a *API) ServiceGet(ctx context.Context, serviceID string) (*CDNService, error) {
	var svc CDNService
	if err := a.get(ctx, "/services/"+serviceID, &svc); err != nil {
		return nil, err
	}
	if len(svc.Links) > 0 {
		svc.LinksByRel = make(map[string]Link, len(svc.Links))
		for _, l := range svc.Links {
			svc.LinksByRel[l.Rel] = l
		}
	}
	return &svc, nil
}

// ServiceCreate creates a service and returns its id.
func (a *API) ServiceCreate(ctx context.Context, svc CDNService) (string, error) {
	svc.FlavorID = "cdn"
	body, err := json.Marshal(svc)
	if err != nil {
		return "", perrors.Wrap(err, perrors.CodeInternal, "failed to encode service")
	}
	return a.send(ctx, http.MethodPost, "/services", body)
}

// ServiceSet applies a JSON patch to a service and returns its id.
func (a *API) ServiceSet(ctx context.Context, serviceID string, ops []PatchOp) (string, error) {
	body, err := json.Marshal(ops)
	if err != nil {
		return "", perrors.Wrap(err, perrors.CodeInternal, "failed to encode patch")
	}
	return a.send(ctx, http.MethodPatch, "/services/"+serviceID, body)
}

// Purge removes one asset URL from the edge.
func (a *API) Purge(ctx context.Context, serviceID, assetURL string) error {
	_, err := a.send(ctx, http.MethodDelete, "/services/"+serviceID+"/assets?url="+url.QueryEscape(assetURL), nil)
	return err
}

// PurgeAll removes every asset of a service from the edge.
func (a *API) PurgeAll(ctx context.Context, serviceID string) error {
	_, err := a.send(ctx, http.MethodDelete, "/services/"+serviceID+"/assets?all=true", nil)
	return err
}

func (a *API) get(ctx context.Context, uri string, out interface{}) error {
	data, err := transport.CallWithRefresh(ctx, a.session, func(ctx context.Context) ([]byte, error) {
		st := a.session.State()
		resp, err := a.client.Do(ctx, transport.Request{
			Method: http.MethodGet,
			URL:    st.Region.CDNPublicURL + uri + "?format=json",
			Header: http.Header{"X-Auth-Token": {st.AccessToken}},
		})
		if err != nil {
			return nil, err
		}
		return decodeJSON(resp)
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return perrors.Wrapf(err, perrors.CodeNetwork, "Failed to reach API endpoint, got unexpected response %s", data)
	}
	return nil
}

// send performs a mutating call and returns the last path segment of the
// Location header.
func (a *API) send(ctx context.Context, method, uri string, body []byte) (string, error) {
	return transport.CallWithRefresh(ctx, a.session, func(ctx context.Context) (string, error) {
		st := a.session.State()
		header := http.Header{"X-Auth-Token": {st.AccessToken}}
		if body != nil {
			header.Set("Accept", "application/json")
			header.Set("Content-Type", "application/json")
		}
		resp, err := a.client.Do(ctx, transport.Request{
			Method: method,
			URL:    st.Region.CDNPublicURL + uri,
			Header: header,
			Body:   body,
		})
		if err != nil {
			return "", err
		}
		if err := decode(resp); err != nil {
			return "", err
		}
		loc := resp.Header.Get("Location")
		return loc[strings.LastIndex(loc, "/")+1:], nil
	})
}

// decodeJSON validates a JSON response. The API answers an expired token
// with a plain "Unauthorized" body.
func decodeJSON(resp *transport.Response) ([]byte, error) {
	body := resp.Body
	if len(body) == 0 {
		body = []byte("{}")
	} else {
		if string(body) == "Unauthorized" {
			return nil, transport.ErrAuthRequired
		}
		if !json.Valid(body) {
			return nil, perrors.Newf(perrors.CodeNetwork, "Failed to reach API endpoint, got unexpected response %s", body)
		}
	}

	if !acceptedStatus[resp.StatusCode] {
		return nil, perrors.New(perrors.CodeUnavailable, string(resp.Body))
	}
	return body, nil
}

// decode checks a response whose body is not needed. Rejected tokens are
// recognized by the reason phrase.
func decode(resp *transport.Response) error {
	if acceptedStatus[resp.StatusCode] {
		return nil
	}
	if resp.Reason == "Unauthorized" {
		return transport.ErrAuthRequired
	}

	var body struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &body); err == nil && len(body.Message) > 0 {
		if msg := errorMessage(body.Message); msg != "" {
			return perrors.New(perrors.CodeUnavailable, msg)
		}
	}
	return perrors.Newf(perrors.CodeNetwork, "Failed to reach API endpoint, got unexpected response %s", resp.Reason)
}

func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var nested struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return ""
	}
	msgs := make([]string, 0, len(nested.Errors))
	for _, e := range nested.Errors {
		msgs = append(msgs, e.Message)
	}
	return strings.Join(msgs, ";")
}
