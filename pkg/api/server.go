// Package api exposes the flush operations, the message bus push endpoint
// and monitoring over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"cache-flush/pkg/cache"
	"cache-flush/pkg/cache/registry"
	"cache-flush/pkg/cdn"
	"cache-flush/pkg/flush"
	"cache-flush/pkg/logging"
	"cache-flush/pkg/metrics"
	"cache-flush/pkg/metrics/memory"

	"github.com/gorilla/mux"
	perrors "github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Server provides the HTTP endpoints.
type Server struct {
	opts   Options
	config ServerConfig
	router *mux.Router
	server *http.Server
	logger *logging.Logger
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses. Flushes may wait on CDN calls.
	WriteTimeout time.Duration

	// EnablePprof enables Go profiling endpoints at /debug/pprof/*
	EnablePprof bool
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 150 * time.Second,
		EnablePprof:  false,
	}
}

// Options are the components the server exposes.
type Options struct {
	Flush    *flush.Service
	Receiver *flush.Receiver
	Registry *registry.Registry
	// CDNEngine is the configured CDN provider name, empty when none.
	CDNEngine string
	// BlogID and InstanceID scope the engines looked up by the cache endpoints.
	BlogID     int
	InstanceID int
	Metrics    metrics.MetricsCollector
	// Gatherer serves /metrics. Without it /metrics reports that no registry is attached.
	Gatherer prometheus.Gatherer
}

// NewServer creates a new API server.
func NewServer(opts Options, config ServerConfig) *Server {
	s := &Server{
		opts:   opts,
		config: config,
		router: mux.NewRouter(),
		logger: logging.Component("api"),
	}

	r := s.router
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)

	r.HandleFunc("/flush/{operation}", s.handleFlush).Methods(http.MethodPost)
	r.HandleFunc("/messagebus", s.handleMessageBus).Methods(http.MethodPost)
	r.HandleFunc("/cache/{engine}/{module}/version/{group}", s.handleVersion).Methods(http.MethodGet)

	if config.EnablePprof {
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	s.logger.Info("API server listening", zap.String("address", s.config.Address))
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// handleHealth returns a simple health check.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// handleStatus returns the executor mode, the instantiated engines and the CDN provider.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(startTime).String(),
	}
	if s.opts.Flush != nil {
		response["distributed"] = s.opts.Flush.Distributed()
	}

	engines := []registry.Info{}
	if s.opts.Registry != nil {
		engines = s.opts.Registry.Engines(r.Context())
	}
	response["engines"] = engines

	if s.opts.CDNEngine != "" {
		response["cdn"] = map[string]string{
			"engine":       s.opts.CDNEngine,
			"display_name": registry.EngineName(s.opts.CDNEngine, "cdn"),
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleMetrics returns metrics in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.opts.Gatherer != nil {
		promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "# Metrics collector does not support Prometheus format\n")
}

// handleMetricsJSON returns the in-memory metrics snapshot.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	if mc, ok := s.opts.Metrics.(*memory.MemoryCollector); ok {
		writeJSON(w, http.StatusOK, mc.Snapshot())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"error": "Metrics collector does not support JSON snapshot",
	})
}

// FlushRequest is the body of POST /flush/{operation}. Every field is optional.
type FlushRequest struct {
	Group  string       `json:"group"`
	URL    string       `json:"url"`
	PostID int64        `json:"post_id"`
	Extras flush.Extras `json:"extras"`
	Files  []cdn.File   `json:"files"`
}

// FlushResponse reports the result of one operation and the delayed work it caused.
type FlushResponse struct {
	Result  bool                  `json:"result"`
	Delayed []flush.DelayedAction `json:"delayed"`
	Error   string                `json:"error,omitempty"`
}

// handleFlush runs one operation in its own request scope and executes the
// queued work before answering.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if s.opts.Flush == nil {
		writeError(w, http.StatusServiceUnavailable, "flush service not configured")
		return
	}

	var req FlushRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	scope := flush.NewScope(true)
	ctx := scope.Context(r.Context())
	d := s.opts.Flush.Begin(scope)
	defer scope.Teardown(ctx, flush.TeardownShutdown)

	ok, err := d.Run(ctx, flush.Message{
		Action:     mux.Vars(r)["operation"],
		Group:      req.Group,
		URL:        req.URL,
		PostID:     req.PostID,
		Extras:     req.Extras,
		PurgeFiles: req.Files,
	})
	if err != nil {
		writeError(w, statusFor(err), cdn.Message(err))
		return
	}

	resp := FlushResponse{Result: ok, Delayed: []flush.DelayedAction{}}
	delayed, err := d.ExecuteDelayedOperations(ctx)
	if delayed != nil {
		resp.Delayed = delayed
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = cdn.Message(err)
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

// handleMessageBus accepts push deliveries from the message bus.
func (s *Server) handleMessageBus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Receiver == nil {
		writeError(w, http.StatusServiceUnavailable, "message bus receiver not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	n, err := flush.ParseNotification(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, cdn.Message(err))
		return
	}
	if err := s.opts.Receiver.HandleNotification(r.Context(), n); err != nil {
		s.logger.Warn("message bus delivery rejected", zap.String("type", n.Type), zap.Error(err))
		writeError(w, statusFor(err), cdn.Message(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVersion returns the current version of a group. The group "-"
// stands for the default group.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "engine registry not configured")
		return
	}

	vars := mux.Vars(r)
	group := vars["group"]
	if group == "-" {
		group = ""
	}

	blogID := s.opts.BlogID
	if v := r.URL.Query().Get("blog_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid blog_id")
			return
		}
		blogID = id
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	engine, err := s.opts.Registry.Instance(ctx, vars["engine"], cache.Config{
		Module:     vars["module"],
		BlogID:     blogID,
		InstanceID: s.opts.InstanceID,
	})
	if err != nil {
		writeError(w, statusFor(err), cdn.Message(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"engine":  vars["engine"],
		"module":  vars["module"],
		"group":   group,
		"blog_id": blogID,
		"version": engine.CurrentVersion(ctx, group),
	})
}

func statusFor(err error) int {
	switch perrors.GetCode(err) {
	case perrors.CodeInvalidInput:
		return http.StatusBadRequest
	case perrors.CodeUnauthorized:
		return http.StatusForbidden
	case perrors.CodeNotFound:
		return http.StatusNotFound
	case perrors.CodeInvalidConfig:
		return http.StatusUnprocessableEntity
	case perrors.CodeUnavailable, perrors.CodeNetwork, perrors.CodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

var startTime = time.Now()
