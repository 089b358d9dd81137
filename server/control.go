package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/wolfeidau/pagecache/telemetry"
)

// tenantFor resolves the tenant for a request. The X-Tenant header wins,
// falling back to the configured default.
func (s *Server) tenantFor(r *http.Request) string {
	if tenant := r.Header.Get("X-Tenant"); tenant != "" {
		return tenant
	}
	return s.config.Tenant
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

type flushRequest struct {
	Scope  string `json:"scope"`
	Target string `json:"target"`
}

// handleFlush removes cached pages. Scope "one" flushes every variant of
// an exact path, "pattern" flushes paths matching a glob, "all" empties
// the tenant's cache.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}

	tenant := s.tenantFor(r)
	telemetry.SetTenant(r, tenant)

	var (
		flushed int
		err     error
	)
	switch req.Scope {
	case "one":
		if req.Target == "" {
			badRequest(w, "target is required for scope one")
			return
		}
		flushed, err = s.store.FlushURL(r.Context(), tenant, req.Target)
	case "pattern":
		if req.Target == "" {
			badRequest(w, "target is required for scope pattern")
			return
		}
		flushed, err = s.store.FlushPattern(r.Context(), tenant, req.Target)
	case "all":
		flushed, err = s.store.FlushAll(r.Context(), tenant)
	default:
		badRequest(w, "scope must be one, pattern or all")
		return
	}
	if err != nil {
		s.logger.Error("flush failed", "scope", req.Scope, "tenant", tenant, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "flush failed"})
		return
	}

	telemetry.RecordFlush(r.Context(), tenant, req.Scope, flushed)
	s.logger.Info("flush", "scope", req.Scope, "target", req.Target, "tenant", tenant, "flushed", flushed)

	writeJSON(w, http.StatusOK, map[string]int{"flushed": flushed})
}

type warmRequest struct {
	URLs     []string `json:"urls"`
	Priority int      `json:"priority"`
}

// handleWarm enqueues URLs for background fetching. Batches over the
// configured limit are rejected wholesale; nothing is enqueued.
func (s *Server) handleWarm(w http.ResponseWriter, r *http.Request) {
	var req warmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return
	}
	if len(req.URLs) == 0 {
		badRequest(w, "urls is required")
		return
	}

	limit := s.provider.Snapshot().Limits.MaxBatch
	if limit > 0 && len(req.URLs) > limit {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error":     "batch too large",
			"limit":     limit,
			"requested": len(req.URLs),
		})
		return
	}

	for _, raw := range req.URLs {
		if _, err := url.Parse(raw); err != nil || raw == "" {
			badRequest(w, "invalid url: "+raw)
			return
		}
	}

	tenant := s.tenantFor(r)
	telemetry.SetTenant(r, tenant)

	added := s.warmer.Enqueue(tenant, req.URLs, req.Priority)
	s.logger.Info("warm request", "tenant", tenant, "urls", len(req.URLs), "enqueued", added, "priority", req.Priority)

	go func() {
		result := s.warmer.Run(context.Background())
		s.logger.Info("warm complete",
			"fetched", result.Fetched,
			"failed", result.Failed,
			"duration", result.Duration.String(),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": added})
}

// handleStats reports cache effectiveness for the tenant.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenant := s.tenantFor(r)
	telemetry.SetTenant(r, tenant)

	stats, err := s.dispatcher.Stats(r.Context(), tenant)
	if err != nil {
		s.logger.Error("stats failed", "tenant", tenant, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats failed"})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type infoResponse struct {
	Mode            string  `json:"mode"`
	DefaultTTL      string  `json:"default_ttl"`
	Threshold       float64 `json:"threshold"`
	Window          string  `json:"window"`
	WhitelistCount  int     `json:"whitelist_count"`
	BlacklistCount  int     `json:"blacklist_count"`
	WarmConcurrency int     `json:"warm_concurrency"`
	WarmTimeout     string  `json:"warm_timeout"`
	SweepSchedule   string  `json:"sweep_schedule"`
	Origin          string  `json:"origin"`
	StoragePath     string  `json:"storage_path"`
}

// handleInfo reports the effective configuration.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	cfg := s.provider.Snapshot()

	writeJSON(w, http.StatusOK, infoResponse{
		Mode:            string(cfg.Mode),
		DefaultTTL:      time.Duration(cfg.DefaultTTL).String(),
		Threshold:       cfg.Beast.Threshold,
		Window:          time.Duration(cfg.Beast.Window).String(),
		WhitelistCount:  len(cfg.Beast.Whitelist),
		BlacklistCount:  len(cfg.Beast.Blacklist),
		WarmConcurrency: cfg.Warm.Concurrency,
		WarmTimeout:     time.Duration(cfg.Warm.Timeout).String(),
		SweepSchedule:   cfg.SweepSchedule,
		Origin:          s.origin.String(),
		StoragePath:     s.config.StoragePath,
	})
}
