// Package stackpath2 implements the StackPath CDN purge engine on the
// StackPath gateway API.
package stackpath2

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/cdn/transport"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"

	perrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// GatewayURL is the StackPath API gateway.
const GatewayURL = "https://gateway.stackpath.com"

// Credentials authenticate against the gateway.
type Credentials struct {
	ClientID     string
	ClientSecret string
	StackID      string
	// BaseURL overrides GatewayURL.
	BaseURL string
}

func (c Credentials) baseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return GatewayURL
}

// Session holds the bearer token and refreshes it through the OAuth2 client
// credentials grant.
type Session struct {
	client  *transport.Client
	oauth   clientcredentials.Config
	store   cdn.StateStore
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	sf      singleflight.Group

	mu    sync.RWMutex
	token string
}

// NewSession creates a session starting from a persisted token. store may be nil.
func NewSession(client *transport.Client, creds Credentials, token string, store cdn.StateStore, collector metrics.MetricsCollector) *Session {
	return &Session{
		client: client,
		oauth: clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.baseURL() + "/identity/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		store:   store,
		metrics: metrics.OrNoOp(collector),
		logger:  logging.Component("cdn.stackpath2"),
		token:   token,
	}
}

// Token returns the current bearer token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticated implements transport.Authenticator.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// Refresh implements transport.Authenticator.
func (s *Session) Refresh(ctx context.Context) error {
	_, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		err := s.refresh(ctx)
		s.metrics.RecordAuthRefresh(EngineName, err == nil)
		return nil, err
	})
	return err
}

func (s *Session) refresh(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client.HTTPClient())
	tok, err := s.oauth.Token(ctx)
	if err != nil {
		return tokenError(err)
	}

	s.mu.Lock()
	s.token = tok.AccessToken
	s.mu.Unlock()
	s.logger.Info("access token refreshed")

	if s.store != nil {
		if err := s.store.SaveState(ctx, tok.AccessToken); err != nil {
			s.logger.Warn("failed to persist access token", zap.Error(err))
		}
	}
	return nil
}

func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.Response.StatusCode == http.StatusUnauthorized {
			return perrors.Wrap(err, perrors.CodeUnauthorized, "Authentication failed")
		}
		return perrors.Wrapf(err, perrors.CodeUnavailable, "Response code %d with %s.", re.Response.StatusCode, re.Body)
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return perrors.Wrap(err, perrors.CodeUnavailable, "Unexpected authentication response: access token not found")
	}
	return perrors.Wrap(err, perrors.CodeNetwork, transport.MsgUnreachable)
}

var _ transport.Authenticator = (*Session)(nil)

// PurgeItem is one URL to purge.
type PurgeItem struct {
	URL       string `json:"url"`
	Recursive bool   `json:"recursive"`
}

// PurgeRequest is the body of a purge call.
type PurgeRequest struct {
	Items []PurgeItem `json:"items"`
}

// Stack is a StackPath stack.
type Stack struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Status string `json:"status"`
}

// Site is a CDN site of a stack.
type Site struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Status   string   `json:"status"`
	Features []string `json:"features,omitempty"`
}

// API is the StackPath gateway API bound to a session.
type API struct {
	client  *transport.Client
	session *Session
	base    string
	stackID string
}

// NewAPI creates an API client for the stack of creds.
func NewAPI(client *transport.Client, creds Credentials, session *Session) *API {
	return &API{client: client, session: session, base: creds.baseURL(), stackID: creds.StackID}
}

// Stacks lists the account's stacks.
func (a *API) Stacks(ctx context.Context) ([]Stack, error) {
	var out struct {
		Results []Stack `json:"results"`
	}
	if err := a.call(ctx, http.MethodGet, "/stack/v1/stacks", nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Sites lists the CDN sites of the stack.
func (a *API) Sites(ctx context.Context) ([]Site, error) {
	var out struct {
		Results []Site `json:"results"`
	}
	if err := a.call(ctx, http.MethodGet, "/cdn/v1/stacks/"+url.PathEscape(a.stackID)+"/sites", nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// SiteGet returns one site.
func (a *API) SiteGet(ctx context.Context, siteID string) (*Site, error) {
	var out struct {
		Site Site `json:"site"`
	}
	if err := a.call(ctx, http.MethodGet, "/cdn/v1/stacks/"+url.PathEscape(a.stackID)+"/sites/"+url.PathEscape(siteID), nil, &out); err != nil {
		return nil, err
	}
	return &out.Site, nil
}

// Purge submits a purge request and returns the purge id.
func (a *API) Purge(ctx context.Context, req PurgeRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := a.call(ctx, http.MethodPost, "/cdn/v1/stacks/"+url.PathEscape(a.stackID)+"/purge", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (a *API) call(ctx context.Context, method, uri string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return perrors.Wrap(err, perrors.CodeInternal, "failed to encode request")
		}
	}

	data, err := transport.CallWithRefresh(ctx, a.session, func(ctx context.Context) ([]byte, error) {
		header := http.Header{
			"Authorization": {"Bearer " + a.session.Token()},
			"Accept":        {"application/json"},
		}
		if body != nil {
			header.Set("Content-Type", "application/json")
		}
		resp, err := a.client.Do(ctx, transport.Request{Method: method, URL: a.base + uri, Header: header, Body: body})
		if err != nil {
			return nil, err
		}
		return decode(resp)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return perrors.Wrapf(err, perrors.CodeNetwork, "Failed to reach API endpoint, got unexpected response: %s", data)
	}
	return nil
}

// decode validates a gateway response. Any non 200/201 status other than 401
// is an error carrying the gateway's message.
func decode(resp *transport.Response) ([]byte, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, transport.ErrAuthRequired
	}
	if !json.Valid(resp.Body) {
		return nil, perrors.Newf(perrors.CodeNetwork, "Failed to reach API endpoint, got unexpected response: %s", resp.Body)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var body struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(resp.Body, &body); err == nil && body.Message != "" {
			return nil, perrors.New(perrors.CodeUnavailable, body.Message)
		}
		return nil, perrors.Newf(perrors.CodeUnavailable, "Response code %d with %s.", resp.StatusCode, resp.Body)
	}
	return resp.Body, nil
}
