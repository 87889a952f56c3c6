package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wudi/ignite/internal/config"
	"github.com/wudi/ignite/internal/errors"
	"github.com/wudi/ignite/internal/metrics"
	"github.com/wudi/ignite/internal/route"
)

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /routes", s.handleRoutes)
	mux.HandleFunc("POST /routes/refresh", s.handleRoutesRefresh)
	mux.HandleFunc("GET /client-access/{id}", s.handleClientAccess)
	mux.HandleFunc("GET /keys", s.handleKeys)
	mux.HandleFunc("GET /docs/services", s.handleDocServices)
	mux.HandleFunc("GET /docs/services/{service}", s.handleDocEntries)
	mux.HandleFunc("GET /circuit-breakers", s.handleCircuitBreakers)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /cache", s.handleCacheStats)
	mux.HandleFunc("DELETE /cache", s.handleCachePurge)
	mux.HandleFunc("DELETE /cache/{route}", s.handleCachePurge)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness plus the state of the Redis connection.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]any)
	healthy := true

	if rdb := s.gateway.redis; rdb != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			healthy = false
			checks["redis"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			checks["redis"] = map[string]any{"status": "ok"}
		}
	}
	if sub := s.gateway.subscriber; sub != nil {
		checks["events"] = map[string]any{
			"status":   boolStatus(sub.Healthy()),
			"received": sub.Received(),
		}
	}
	if ref := s.gateway.refresher; ref != nil {
		checks["client_access"] = map[string]any{"mode": ref.Mode().String()}
	}
	if s.gateway.tracer.IsEnabled() {
		checks["tracing"] = map[string]any{"status": "ok"}
	}

	status, statusStr := http.StatusOK, "ok"
	if !healthy {
		status, statusStr = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, reason := s.gateway.Ready()
	resp := map[string]any{"status": "ready"}
	if t := s.gateway.locator.Routes(); t != nil {
		resp["routes"] = len(t.Routes())
		resp["generation"] = t.Generation
	}
	if !ready {
		resp["status"] = "not_ready"
		resp["reason"] = reason
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func routesResponse(t *route.Table) map[string]any {
	views := make([]route.View, 0, len(t.Routes()))
	for _, rt := range t.Routes() {
		views = append(views, rt.View())
	}
	return map[string]any{
		"generation": t.Generation,
		"built_at":   t.BuiltAt.Format(time.RFC3339),
		"routes":     views,
	}
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	t := s.gateway.locator.Routes()
	if t == nil {
		errors.ErrServiceUnavailable.WithDetails("Routes not loaded").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, routesResponse(t))
}

// handleRoutesRefresh rebuilds the route table synchronously.
func (s *Server) handleRoutesRefresh(w http.ResponseWriter, r *http.Request) {
	t, err := s.gateway.locator.Refresh(r.Context())
	if err != nil {
		errors.ErrBadGateway.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, routesResponse(t))
}

func (s *Server) handleClientAccess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cfg := s.gateway.clients.GetConfig(id)
	if cfg == nil {
		errors.ErrNotFound.WithDetails("Unknown client " + id).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":    cfg.ClientID,
		"tenant":       cfg.Tenant,
		"active":       cfg.Active,
		"rules":        cfg.RuleStrings(),
		"last_updated": cfg.LastUpdated,
		"source":       cfg.Source,
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.gateway.keys.Keys()})
}

func (s *Server) handleDocServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"services": s.gateway.locator.Docs().Services()})
}

func (s *Server) handleDocEntries(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	entries := s.gateway.locator.Docs().Entries(service)
	if len(entries) == 0 {
		errors.ErrNotFound.WithDetails("No documented routes for " + service).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": service, "routes": entries})
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.proxy.BreakerStates())
}

// handleConfig returns the applied configuration with secrets redacted.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.Redact(s.gateway.Config())
	if err != nil {
		errors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	store := s.gateway.caches.Store()
	if store == nil {
		errors.ErrNotFound.WithDetails("Response cache disabled").WriteJSON(w)
		return
	}
	writeJSON(w, http.StatusOK, store.Stats())
}

// handleCachePurge drops one route's cached responses, or all of them.
func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("route")
	s.gateway.caches.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]any{"purged": true, "route": id})
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "down"
}
