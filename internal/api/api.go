// Package api serves the public lookup endpoint and the operational
// security endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/riskcheck/riskcheck/internal/admission"
	"github.com/riskcheck/riskcheck/internal/blocklist"
	"github.com/riskcheck/riskcheck/internal/breaker"
	"github.com/riskcheck/riskcheck/internal/middleware"
	"github.com/riskcheck/riskcheck/internal/observability"
	"github.com/riskcheck/riskcheck/internal/ratelimit"
	"github.com/riskcheck/riskcheck/internal/riskcheck"
)

// Pressure thresholds, in percent and free slots.
const (
	pressurePercent       = 90.0
	highUsagePercent      = 80.0
	lowFreeSlots          = 5
	statusHealthy         = "healthy"
	statusUnderPressure   = "under_pressure"
	recommendHealthy      = "System is healthy."
	recommendMemory       = "Memory usage is high. Consider clearing the cache."
	recommendCacheEntries = "Cache usage is high. Consider lowering cache TTLs."
	recommendSlots        = "Few concurrent operation slots are free. System load is high."
)

// Deps are the components the handlers read from.
type Deps struct {
	Checker   *riskcheck.Checker
	Refresher *blocklist.Refresher
	Admission *admission.Controller
	Breaker   *breaker.Breaker
	Limiter   *ratelimit.Limiter
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	// Now stamps responses. Defaults to time.Now.
	Now func() time.Time
}

// Handler serves the API routes.
type Handler struct {
	d Deps
}

// New creates a Handler.
func New(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{d: d}
}

// Routes returns a mux with every API route registered.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+riskcheck.LookupPath, h.riskCheck)
	mux.HandleFunc("GET /api/security/stats", h.stats)
	mux.HandleFunc("GET /api/security/health", h.health)
	mux.HandleFunc("POST /api/security/clear-cache", h.clearCache)
	mux.HandleFunc("GET /api/security/blocked-clients", h.blockedClients)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		middleware.WriteJSONError(w, http.StatusInternalServerError, "encode_failed", "could not encode response", 0)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func (h *Handler) riskCheck(w http.ResponseWriter, r *http.Request) {
	resp, err := h.d.Checker.Check(r.Context(), r.URL.Query().Get("url"))

	var ve *riskcheck.ValidationError
	switch {
	case errors.As(err, &ve):
		h.d.Metrics.IncLookup(observability.LookupInvalid)
		writeJSON(w, http.StatusBadRequest, resp)
		return
	case err != nil:
		h.d.Logger.Error("lookup failed", "error", err)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "lookup_failed", "lookup failed", 0)
		return
	}

	if resp.IsRisky {
		h.d.Metrics.IncLookup(observability.LookupRisky)
	} else {
		h.d.Metrics.IncLookup(observability.LookupClean)
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is the body of GET /api/security/stats.
type StatsResponse struct {
	Admission     admission.Stats               `json:"admission"`
	Sources       []blocklist.SourceStatus      `json:"sources"`
	FallbackHosts int                           `json:"fallback_hosts"`
	Security      SecuritySummary               `json:"security"`
	Circuits      []breaker.Snapshot            `json:"circuits"`
	Counters      observability.MetricsSnapshot `json:"counters"`
	Timestamp     time.Time                     `json:"timestamp"`
}

// SecuritySummary summarizes rate limiting state.
type SecuritySummary struct {
	BlockedClients int    `json:"blocked_clients"`
	Status         string `json:"status"`
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	blocked := len(h.d.Limiter.BlockedClients())
	status := "all clear"
	if blocked > 0 {
		status = "some clients blocked"
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		Admission:     h.d.Admission.Stats(),
		Sources:       h.d.Refresher.Status(),
		FallbackHosts: h.d.Refresher.FallbackSize(),
		Security:      SecuritySummary{BlockedClients: blocked, Status: status},
		Circuits:      h.d.Breaker.Snapshots(),
		Counters:      h.d.Metrics.Snapshot(),
		Timestamp:     h.d.Now().UTC(),
	})
}

// HealthResponse is the body of GET /api/security/health.
type HealthResponse struct {
	Status          string    `json:"status"`
	MemoryPressure  float64   `json:"memory_pressure"`
	CachePressure   float64   `json:"cache_pressure"`
	FreeSlots       int64     `json:"free_slots"`
	Recommendations []string  `json:"recommendations"`
	Timestamp       time.Time `json:"timestamp"`
}

// Assess derives the health status and recommendations from usage.
func Assess(s admission.Stats) (string, []string) {
	status := statusHealthy
	if s.MemoryPercent >= pressurePercent || s.CacheEntryPercent >= pressurePercent {
		status = statusUnderPressure
	}

	var recs []string
	if s.MemoryPercent > highUsagePercent {
		recs = append(recs, recommendMemory)
	}
	if s.CacheEntryPercent > highUsagePercent {
		recs = append(recs, recommendCacheEntries)
	}
	if s.SlotsAvailable < lowFreeSlots {
		recs = append(recs, recommendSlots)
	}
	if len(recs) == 0 {
		recs = append(recs, recommendHealthy)
	}
	return status, recs
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	s := h.d.Admission.Stats()
	status, recs := Assess(s)
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          status,
		MemoryPressure:  s.MemoryPercent,
		CachePressure:   s.CacheEntryPercent,
		FreeSlots:       s.SlotsAvailable,
		Recommendations: recs,
		Timestamp:       h.d.Now().UTC(),
	})
}

type clearCacheResponse struct {
	Message   string    `json:"message"`
	Sources   int       `json:"sources"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) clearCache(w http.ResponseWriter, _ *http.Request) {
	h.d.Refresher.Invalidate()
	writeJSON(w, http.StatusOK, clearCacheResponse{
		Message:   "Cache cleared.",
		Sources:   len(h.d.Refresher.Sources()),
		Timestamp: h.d.Now().UTC(),
	})
}

type blockedClientsResponse struct {
	BlockedClients []ratelimit.BlockedClient `json:"blocked_clients"`
	Count          int                       `json:"count"`
	Timestamp      time.Time                 `json:"timestamp"`
}

func (h *Handler) blockedClients(w http.ResponseWriter, _ *http.Request) {
	clients := h.d.Limiter.BlockedClients()
	writeJSON(w, http.StatusOK, blockedClientsResponse{
		BlockedClients: clients,
		Count:          len(clients),
		Timestamp:      h.d.Now().UTC(),
	})
}
