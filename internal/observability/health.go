package observability

import (
	"net/http"
	"sync"
	"sync/atomic"
)

// Pre-serialized JSON responses avoid runtime encoding errors entirely.
var (
	jsonAlive         = []byte(`{"status":"alive"}`)
	jsonReady         = []byte(`{"status":"ready"}`)
	jsonNotReady      = []byte(`{"status":"not_ready"}`)
	jsonStarted       = []byte(`{"status":"started"}`)
	jsonNotStarted    = []byte(`{"status":"not_started"}`)
	jsonDeepOK        = []byte(`{"status":"ready","admission":"ok"}`)
	jsonDeepSaturated = []byte(`{"status":"not_ready","admission":"saturated"}`)
)

// SaturationProbe reports whether the process has run out of headroom.
// The admission controller implements it.
type SaturationProbe interface {
	Saturated() bool
}

// HealthChecker provides startup, liveness, and readiness check endpoints.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu    sync.RWMutex
	probe SaturationProbe
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// SetStarted marks the service as having completed startup.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetSaturationProbe registers the probe used by deep readiness checks.
func (h *HealthChecker) SetSaturationProbe(p SaturationProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probe = p
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise. With
// deep=true it also returns 503 while the saturation probe reports no
// headroom.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") == "true" {
			h.mu.RLock()
			probe := h.probe
			h.mu.RUnlock()

			if probe != nil && probe.Saturated() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write(jsonDeepSaturated)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonDeepOK)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonReady)
	}
}
