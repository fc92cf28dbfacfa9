// Package server exposes the admin surface: a routing endpoint, status and
// stats JSON, the route ledger, key reset for operators, and Prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/router"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/tracing"
)

// Server is the admin HTTP server.
type Server struct {
	router    chi.Router
	rt        *router.Router
	health    *router.HealthChecker
	collector *metrics.Collector
	store     *store.Store
	cache     *cache.Cache
	addr      string
	server    *http.Server
}

// New creates a Server wired to the given router, health checker, collector,
// ledger, and cache. health, store, and cache may be nil. The timeout
// durations configure the underlying http.Server; zero values leave the
// corresponding field at its default (no timeout).
func New(rt *router.Router, health *router.HealthChecker, collector *metrics.Collector, st *store.Store, c *cache.Cache, addr string, readTimeout, writeTimeout, idleTimeout time.Duration) *Server {
	s := &Server{
		rt:        rt,
		health:    health,
		collector: collector,
		store:     st,
		cache:     c,
		addr:      addr,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	// OpenTelemetry trace context extraction.
	if config.Get().Tracing.Enabled {
		r.Use(tracing.HTTPMiddleware)
	}

	r.Get("/healthz", s.handleHealthz)

	// Routing endpoint.
	r.Post("/v1/route", s.handleRoute)

	// Admin API.
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/stats", s.handleStats)
	r.Get("/api/requests", s.handleRequests)
	r.Get("/api/config", s.handleConfig)
	r.Post("/api/keys/reset", s.handleKeysReset)
	r.Post("/api/health/check", s.handleHealthCheck)

	// Prometheus metrics endpoint.
	r.Get("/metrics", metrics.PrometheusHandler(collector))

	s.router = r
	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Start begins listening on the configured address. It blocks until the
// server is shut down or an error occurs.
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("admin server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.router }

// handleHealthz returns a minimal liveness response.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// routeRequest is the body of POST /v1/route.
type routeRequest struct {
	Messages          []openai.ChatCompletionMessage `json:"messages"`
	Tools             []openai.Tool                  `json:"tools,omitempty"`
	PreferredProvider string                         `json:"preferred_provider,omitempty"`
	Temperature       float32                        `json:"temperature,omitempty"`
	MaxTokens         int                            `json:"max_tokens,omitempty"`
}

// routeResponse is the body returned by POST /v1/route.
type routeResponse struct {
	Content   string            `json:"content"`
	ToolCalls []openai.ToolCall `json:"tool_calls,omitempty"`
	Model     string            `json:"model"`
	Provider  string            `json:"provider"`
	Tier      string            `json:"tier"`
	Usage     router.Usage      `json:"usage"`
	CacheHit  bool              `json:"cache_hit"`
}

// handleRoute executes one routing request. Tool calls, if the chosen model
// emits any, are returned to the caller for execution; the in-process tool
// loop only runs for callers that register an executor, which the HTTP
// surface does not.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages must not be empty"})
		return
	}

	cacheable := s.cache != nil && cache.Cacheable(req.Temperature, len(req.Tools) > 0)
	var key string
	if cacheable {
		// The model is chosen by the router, so the key is scoped to the
		// caller's provider preference instead.
		key = cache.Key("auto:"+req.PreferredProvider, req.Messages, req.MaxTokens)
		if entry := s.cache.Get(key); entry != nil {
			if s.collector != nil {
				s.collector.RecordCacheHit()
			}
			writeJSON(w, http.StatusOK, routeResponse{
				Content:  entry.Content,
				Model:    entry.Model,
				Provider: entry.Provider,
				Tier:     entry.Tier,
				CacheHit: true,
			})
			return
		}
		if s.collector != nil {
			s.collector.RecordCacheMiss()
		}
	}

	start := time.Now()
	res, err := s.rt.Execute(r.Context(), req.Messages, router.Options{
		Tools:             req.Tools,
		PreferredProvider: req.PreferredProvider,
		Temperature:       req.Temperature,
		MaxTokens:         req.MaxTokens,
	})
	latency := time.Since(start)

	if err != nil {
		s.recordRoute(&store.Route{
			Tier:      "",
			LatencyMS: latency.Milliseconds(),
			ErrorKind: "exhausted",
		})
		status := http.StatusBadGateway
		if r.Context().Err() != nil {
			status = http.StatusRequestTimeout
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	s.recordRoute(&store.Route{
		Provider:  res.ProviderID,
		Model:     res.Model,
		Tier:      string(res.Tier),
		TokensIn:  res.Usage.PromptTokens,
		TokensOut: res.Usage.CompletionTokens,
		Rounds:    res.Rounds,
		LatencyMS: latency.Milliseconds(),
	})

	if cacheable && res.Content != "" && len(res.ToolCalls) == 0 {
		s.cache.Put(key, &cache.Entry{
			Content:   res.Content,
			Model:     res.Model,
			Provider:  res.ProviderID,
			Tier:      string(res.Tier),
			TokensOut: res.Usage.CompletionTokens,
		})
	}

	writeJSON(w, http.StatusOK, routeResponse{
		Content:   res.Content,
		ToolCalls: res.ToolCalls,
		Model:     res.Model,
		Provider:  res.ProviderID,
		Tier:      string(res.Tier),
		Usage:     res.Usage,
	})
}

// recordRoute writes one ledger row, logging rather than failing on error.
func (s *Server) recordRoute(route *store.Route) {
	if s.store == nil {
		return
	}
	if err := s.store.RecordRoute(route); err != nil {
		log.Error().Err(err).Msg("failed to record route")
	}
}

// handleStatus returns every provider's snapshot including per-key state.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	providers := s.rt.Registry().Providers()
	snapshots := make([]router.ProviderSnapshot, 0, len(providers))
	for _, p := range providers {
		snapshots = append(snapshots, p.Snapshot())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": snapshots})
}

// handleStats returns the current in-memory collector statistics.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Stats())
}

// handleRequests returns recent route ledger rows. Accepts ?limit=N.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"routes": []*store.Route{}})
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	routes, err := s.store.RecentRoutes(limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list routes")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	if routes == nil {
		routes = []*store.Route{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": routes})
}

// handleConfig returns the current configuration with sensitive values
// redacted.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := config.Get()

	data, err := json.Marshal(cfg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "serialisation error"})
		return
	}

	var cfgMap map[string]interface{}
	if err := json.Unmarshal(data, &cfgMap); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "serialisation error"})
		return
	}

	redactKeys(cfgMap)
	writeJSON(w, http.StatusOK, cfgMap)
}

// keysResetRequest is the body of POST /api/keys/reset. KeyIndex -1 resets
// every key of the provider.
type keysResetRequest struct {
	Provider string `json:"provider"`
	KeyIndex int    `json:"key_index"`
}

// handleKeysReset is the operator path for returning keys to service, the
// only way back for a key disabled by an auth failure.
func (s *Server) handleKeysReset(w http.ResponseWriter, r *http.Request) {
	var req keysResetRequest
	req.KeyIndex = -1
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	p := s.rt.Registry().Get(req.Provider)
	if p == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}

	keys := p.Keys()
	if req.KeyIndex >= len(keys) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key index out of range"})
		return
	}

	reset := 0
	for i, k := range keys {
		if req.KeyIndex >= 0 && i != req.KeyIndex {
			continue
		}
		k.Reset()
		reset++
	}

	log.Info().Str("provider", req.Provider).Int("keys_reset", reset).
		Msg("keys reset by operator")
	writeJSON(w, http.StatusOK, map[string]interface{}{"provider": req.Provider, "keys_reset": reset})
}

// handleHealthCheck triggers an immediate health sweep.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "health checker disabled"})
		return
	}
	s.health.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "sweep complete"})
}

// --- helpers ---

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

// queryInt reads an integer query parameter with a default fallback.
func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}

// redactKeys recursively walks a map and replaces any string value whose
// key contains "key", "secret", or "token" (case-insensitive) with "****".
func redactKeys(m map[string]interface{}) {
	for k, v := range m {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "key") || strings.Contains(lower, "secret") || strings.Contains(lower, "token") {
			if _, ok := v.(string); ok {
				m[k] = "****"
				continue
			}
		}
		switch child := v.(type) {
		case map[string]interface{}:
			redactKeys(child)
		case []interface{}:
			for _, item := range child {
				if sub, ok := item.(map[string]interface{}); ok {
					redactKeys(sub)
				}
			}
		}
	}
}
