package rackspace

import (
	"context"
	"encoding/json"
	"sync"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/cdn/transport"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"

	perrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// AccessState is the persisted token and region of a session.
type AccessState struct {
	AccessToken string `json:"access_token"`
	Region      Region `json:"access_region_descriptor"`
}

// ParseAccessState decodes persisted state. Invalid state yields an empty one,
// which forces authentication on first use.
func ParseAccessState(s string) AccessState {
	var st AccessState
	if s == "" {
		return st
	}
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return AccessState{}
	}
	return st
}

// Credentials authenticate a session.
type Credentials struct {
	UserName string
	APIKey   string
	// Region is the region code, such as "ORD".
	Region string
	// IdentityURL overrides the identity endpoint.
	IdentityURL string
}

// Session holds the access state of the CDN API and refreshes it on demand.
// Concurrent refreshes are collapsed into one identity call.
type Session struct {
	client  *transport.Client
	creds   Credentials
	store   cdn.StateStore
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	sf      singleflight.Group

	mu    sync.RWMutex
	state AccessState
}

// NewSession creates a session starting from state. store may be nil.
func NewSession(client *transport.Client, creds Credentials, state AccessState, store cdn.StateStore, collector metrics.MetricsCollector) *Session {
	return &Session{
		client:  client,
		creds:   creds,
		store:   store,
		metrics: metrics.OrNoOp(collector),
		logger:  logging.Component("cdn.rackspace"),
		state:   state,
	}
}

// State returns the current access state.
func (s *Session) State() AccessState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Authenticated implements transport.Authenticator.
func (s *Session) Authenticated() bool {
	st := s.State()
	return st.AccessToken != "" && st.Region.CDNPublicURL != ""
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
	access, err := Authenticate(ctx, s.client, s.creds.IdentityURL, s.creds.UserName, s.creds.APIKey)
	if err != nil {
		return err
	}
	if access.Token == "" {
		return perrors.New(perrors.CodeUnauthorized, "Authentication failed.")
	}

	region, ok := CDNServicesByRegion(access.Services)[s.creds.Region]
	if !ok {
		return perrors.Newf(perrors.CodeInvalidConfig, "Region %s not found.", s.creds.Region)
	}

	st := AccessState{AccessToken: access.Token, Region: region}
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	s.logger.Info("access token refreshed", zap.String("region", s.creds.Region))

	if s.store != nil {
		data, err := json.Marshal(st)
		if err == nil {
			err = s.store.SaveState(ctx, string(data))
		}
		if err != nil {
			s.logger.Warn("failed to persist access state", zap.Error(err))
		}
	}
	return nil
}

var _ transport.Authenticator = (*Session)(nil)
