package stackpath2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"cache-flush/pkg/cdn"
	"cache-flush/pkg/cdn/transport"
	"cache-flush/pkg/metrics/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	issued     int
	valid      string
	purgeCalls int
	items      []PurgeItem
	purgeReply func(w http.ResponseWriter)
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/identity/v1/oauth2/token", g.token)
	mux.HandleFunc("/cdn/v1/stacks/stack-1/purge", g.purge)
	mux.HandleFunc("/cdn/v1/stacks/stack-1/sites", func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"id":"site-1","label":"blog","status":"ACTIVE","features":["CDN"]}]}`))
	})
	mux.HandleFunc("/cdn/v1/stacks/stack-1/sites/", func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
			return
		}
		if r.URL.Path != "/cdn/v1/stacks/stack-1/sites/site-1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"site not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"site":{"id":"site-1","label":"blog","status":"ACTIVE"}}`))
	})
	mux.HandleFunc("/stack/v1/stacks", func(w http.ResponseWriter, r *http.Request) {
		if !g.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"id":"stack-1","name":"Blog","slug":"blog","status":"ACTIVE"}]}`))
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) token(w http.ResponseWriter, r *http.Request) {
	require.NoError(g.t, r.ParseForm())
	assert.Equal(g.t, "client_credentials", r.PostForm.Get("grant_type"))

	w.Header().Set("Content-Type", "application/json")
	if r.PostForm.Get("client_id") != "client" || r.PostForm.Get("client_secret") != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		return
	}

	g.mu.Lock()
	g.issued++
	g.valid = fmt.Sprintf("tok-%d", g.issued)
	tok := g.valid
	g.mu.Unlock()
	_, _ = fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":3600}`, tok)
}

func (g *fakeGateway) authorized(r *http.Request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.valid != "" && r.Header.Get("Authorization") == "Bearer "+g.valid
}

func (g *fakeGateway) purge(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.purgeCalls++
	reply := g.purgeReply
	g.mu.Unlock()

	if !g.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"unauthorized"}`))
		return
	}
	if reply != nil {
		reply(w)
		return
	}

	var req PurgeRequest
	require.NoError(g.t, json.NewDecoder(r.Body).Decode(&req))
	g.mu.Lock()
	g.items = append(g.items, req.Items...)
	g.mu.Unlock()
	_, _ = w.Write([]byte(`{"id":"purge-1"}`))
}

type tokenStore struct{ tokens []string }

func (s *tokenStore) SaveState(_ context.Context, state string) error {
	s.tokens = append(s.tokens, state)
	return nil
}

func (g *fakeGateway) engine(cfg Config, store cdn.StateStore) (*Engine, *memory.MemoryCollector) {
	if cfg.ClientID == "" {
		cfg.ClientID = "client"
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = "secret"
	}
	cfg.StackID = "stack-1"
	cfg.BaseURL = g.srv.URL
	cfg.SiteRootDomain = "example.com"
	collector := memory.NewMemoryCollector()
	return New(cfg, transport.NewClient(transport.Options{}), store, collector), collector
}

func TestEngine_Purge(t *testing.T) {
	g := newFakeGateway(t)
	store := &tokenStore{}
	e, collector := g.engine(Config{}, store)

	ok, results := e.Purge(context.Background(), []cdn.File{
		{LocalPath: "wp-content/a.css", RemotePath: "wp-content/a.css"},
		{LocalPath: "wp-content/b.js", RemotePath: "wp-content/b.js"},
	})
	require.True(t, ok, results.Errors())
	assert.Equal(t, cdn.Results{{Code: cdn.ResultOK, Error: "OK"}}, results)

	assert.Equal(t, []PurgeItem{
		{URL: "https://example.com/wp-content/a.css", Recursive: true},
		{URL: "http://example.com/wp-content/a.css", Recursive: true},
		{URL: "https://example.com/wp-content/b.js", Recursive: true},
		{URL: "http://example.com/wp-content/b.js", Recursive: true},
	}, g.items)
	assert.Equal(t, []string{"tok-1"}, store.tokens)

	snap := collector.Snapshot()
	assert.Equal(t, int64(1), snap.Purges[EngineName].Refreshes)
	assert.Equal(t, int64(1), snap.Purges[EngineName].Purges)
}

func TestEngine_PurgeAllPrefixes(t *testing.T) {
	tests := []struct {
		ssl  string
		want []string
	}{
		{cdn.SSLAuto, []string{"https://example.com/", "http://example.com/"}},
		{cdn.SSLEnabled, []string{"https://example.com/"}},
		{cdn.SSLDisabled, []string{"http://example.com/"}},
		{cdn.SSLRejected, []string{"http://example.com/"}},
	}

	for _, tt := range tests {
		t.Run(tt.ssl, func(t *testing.T) {
			g := newFakeGateway(t)
			e, _ := g.engine(Config{SSL: tt.ssl}, nil)

			ok, results := e.PurgeAll(context.Background())
			require.True(t, ok, results.Errors())

			var urls []string
			for _, item := range g.items {
				assert.True(t, item.Recursive)
				urls = append(urls, item.URL)
			}
			assert.Equal(t, tt.want, urls)
		})
	}
}

func TestEngine_RefreshesExpiredToken(t *testing.T) {
	g := newFakeGateway(t)
	e, _ := g.engine(Config{AccessToken: "stale"}, nil)

	ok, results := e.PurgeAll(context.Background())
	require.True(t, ok, results.Errors())
	assert.Equal(t, 1, g.issued)
	assert.Equal(t, 2, g.purgeCalls)
}

func TestEngine_EmptyClientID(t *testing.T) {
	e := New(Config{SiteRootDomain: "example.com"}, transport.NewClient(transport.Options{}), nil, nil)

	files := []cdn.File{{LocalPath: "a.css", RemotePath: "a.css"}, {LocalPath: "b.css", RemotePath: "b.css"}}
	ok, results := e.Purge(context.Background(), files)
	assert.False(t, ok)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, cdn.ResultHalt, r.Code)
		assert.Equal(t, "Empty Authorization Key.", r.Error)
	}

	ok, results = e.PurgeAll(context.Background())
	assert.False(t, ok)
	assert.Equal(t, cdn.Halt("Empty Authorization Key."), results)
}

func TestEngine_Failures(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		reply  func(w http.ResponseWriter)
		want   string
	}{
		{
			name:   "bad credentials",
			secret: "wrong",
			want:   "Failure to pull zone: Authentication failed",
		},
		{
			name: "gateway message",
			reply: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"stack not found"}`))
			},
			want: "Failure to pull zone: stack not found",
		},
		{
			name: "no message",
			reply: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{}`))
			},
			want: "Failure to pull zone: Response code 502 with {}.",
		},
		{
			name: "not json",
			reply: func(w http.ResponseWriter) {
				_, _ = w.Write([]byte(`<html>`))
			},
			want: "Failure to pull zone: Failed to reach API endpoint, got unexpected response: <html>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newFakeGateway(t)
			g.purgeReply = tt.reply
			e, collector := g.engine(Config{Credentials: Credentials{ClientSecret: tt.secret}}, nil)

			ok, results := e.PurgeAll(context.Background())
			assert.False(t, ok)
			require.Len(t, results, 1)
			assert.Equal(t, cdn.ResultHalt, results[0].Code)
			assert.Equal(t, tt.want, results[0].Error)
			assert.Equal(t, int64(1), collector.Snapshot().Purges[EngineName].Failures)
		})
	}
}

func TestEngine_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	e := New(Config{
		Credentials:    Credentials{ClientID: "client", ClientSecret: "secret", StackID: "stack-1", BaseURL: base},
		SiteRootDomain: "example.com",
	}, transport.NewClient(transport.Options{}), nil, nil)

	ok, results := e.PurgeAll(context.Background())
	assert.False(t, ok)
	assert.Equal(t, cdn.Halt("Failure to pull zone: Failed to reach API endpoint"), results)
}

func TestAPI_Sites(t *testing.T) {
	g := newFakeGateway(t)
	e, _ := g.engine(Config{}, nil)

	sites, err := e.API().Sites(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Site{{ID: "site-1", Label: "blog", Status: "ACTIVE", Features: []string{"CDN"}}}, sites)
}

func TestAPI_Stacks(t *testing.T) {
	g := newFakeGateway(t)
	e, _ := g.engine(Config{}, nil)

	stacks, err := e.API().Stacks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Stack{{ID: "stack-1", Name: "Blog", Slug: "blog", Status: "ACTIVE"}}, stacks)
}

func TestAPI_SiteGet(t *testing.T) {
	g := newFakeGateway(t)
	e, _ := g.engine(Config{}, nil)
	ctx := context.Background()

	site, err := e.API().SiteGet(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, &Site{ID: "site-1", Label: "blog", Status: "ACTIVE"}, site)

	_, err = e.API().SiteGet(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site not found")
}

func TestDecode(t *testing.T) {
	_, err := decode(&transport.Response{StatusCode: http.StatusUnauthorized, Body: []byte("denied")})
	assert.ErrorIs(t, err, transport.ErrAuthRequired)

	body, err := decode(&transport.Response{StatusCode: http.StatusCreated, Body: []byte(`{"id":"x"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"x"}`, string(body))
}
