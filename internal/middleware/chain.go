// Package middleware implements the request pipeline in front of the API
// handlers: request correlation, per-client rate limiting, request metrics
// and slow-request logging.
package middleware

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/riskcheck/riskcheck/internal/observability"
	"github.com/riskcheck/riskcheck/internal/ratelimit"
	"github.com/riskcheck/riskcheck/internal/riskcheck"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("riskcheck.middleware")

// RequestIDHeader is the canonical HTTP header for request correlation.
const RequestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// SlowRequestThreshold is the duration above which a request is logged as slow.
const SlowRequestThreshold = time.Second

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

var requestIDMu sync.Mutex

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	requestIDMu.Lock()
	for i := 0; i < len(buf); i += 8 {
		binary.LittleEndian.PutUint64(buf[i:], requestIDRng.Uint64())
	}
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// ErrorResponse is the structured error body returned by riskcheck.
type ErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// WriteJSONError writes a structured JSON error response.
func WriteJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	body, _ := json.Marshal(ErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(RequestIDHeader),
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Chain wraps the API handlers with request ID handling and rate limiting.
type Chain struct {
	next        http.Handler
	limiter     *ratelimit.Limiter
	keyStrategy atomic.Pointer[ratelimit.KeyStrategy]
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewChain creates the pipeline around next.
func NewChain(next http.Handler, cfg *config.Config, limiter *ratelimit.Limiter, logger *slog.Logger, metrics *observability.Metrics) *Chain {
	c := &Chain{
		next:    next,
		limiter: limiter,
		metrics: metrics,
		logger:  logger,
	}
	ks := ratelimit.NewKeyStrategy(cfg.RateLimit.TrustProxyHeaders)
	c.keyStrategy.Store(&ks)
	return c
}

// ServeHTTP processes the request through request ID → rate limit → next.
func (c *Chain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Validate client-supplied IDs to prevent CRLF injection and log pollution.
	reqID := r.Header.Get(RequestIDHeader)
	if !validRequestID(reqID) {
		reqID = generateRequestID()
		r.Header.Set(RequestIDHeader, reqID)
	}
	sw.Header().Set(RequestIDHeader, reqID)

	defer func() {
		elapsed := time.Since(start)
		// ServeMux records the matched pattern on the request it was given.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		c.metrics.PromRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(sw.code)).Observe(elapsed.Seconds())

		if elapsed > SlowRequestThreshold {
			c.logger.Warn("slow request", "method", r.Method, "path", r.URL.Path,
				"status", sw.code, "duration", elapsed, "request_id", reqID)
		} else {
			c.logger.Debug("request", "method", r.Method, "path", r.URL.Path,
				"status", sw.code, "duration", elapsed, "request_id", reqID)
		}
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	if !c.admit(sw, r) {
		// A throttled lookup is still a lookup the caller saw fail.
		if r.Method == http.MethodGet && r.URL.Path == riskcheck.LookupPath {
			c.metrics.RecordOutcome(riskcheck.EndpointLookup, time.Since(start), false)
		}
		return
	}
	c.next.ServeHTTP(sw, r)
}

// admit applies the per-client limiter. Requests without a usable client
// id pass unthrottled.
func (c *Chain) admit(w http.ResponseWriter, r *http.Request) bool {
	_, span := tracer.Start(r.Context(), "riskcheck.ratelimit")
	defer span.End()

	id, err := (*c.keyStrategy.Load()).Extract(r)
	if err != nil {
		c.metrics.IncKeyExtractErrors()
		c.logger.Warn("client id extraction failed, not rate limiting", "error", err)
		c.metrics.IncAllowed()
		return true
	}

	d := c.limiter.Admit(id)
	span.SetAttributes(attribute.Bool("riskcheck.ratelimit.allowed", d.Allowed))
	if d.Allowed {
		c.metrics.IncAllowed()
		return true
	}

	c.metrics.IncLimited(d.Reason)
	span.SetAttributes(attribute.String("riskcheck.ratelimit.reason", d.Reason))
	serveRateLimited(w, d)
	return false
}

func serveRateLimited(w http.ResponseWriter, d ratelimit.Decision) {
	retrySeconds := math.Ceil(d.RetryAfter.Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatFloat(retrySeconds, 'f', 0, 64))

	WriteJSONError(w, http.StatusTooManyRequests, "rate_limited", d.Err().Error(), retrySeconds)
}

// Reload swaps the key strategy and limiter thresholds from a new config.
func (c *Chain) Reload(newCfg *config.Config) {
	ks := ratelimit.NewKeyStrategy(newCfg.RateLimit.TrustProxyHeaders)
	c.keyStrategy.Store(&ks)
	c.limiter.Reload(ratelimit.SettingsFromConfig(newCfg.RateLimit))

	c.logger.Info("middleware chain reloaded",
		"per_minute", newCfg.RateLimit.PerMinute, "per_hour", newCfg.RateLimit.PerHour,
		"block_duration", newCfg.RateLimit.BlockDuration, "burst", newCfg.RateLimit.Burst,
		"enabled", newCfg.RateLimit.Enabled)
}
