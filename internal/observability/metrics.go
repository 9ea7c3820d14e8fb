// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for riskcheck.
package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/riskcheck/riskcheck/internal/admission"
	"github.com/riskcheck/riskcheck/internal/blocklist"
	"github.com/riskcheck/riskcheck/internal/breaker"
)

const namespace = "riskcheck"

// Lookup outcomes.
const (
	LookupRisky   = "risky"
	LookupClean   = "clean"
	LookupInvalid = "invalid"
)

// Metrics holds both Prometheus collectors and atomic counters for the
// JSON stats endpoint.
type Metrics struct {
	reg prometheus.Registerer

	// Atomic counters mirrored into Snapshot.
	allowed     int64
	limited     int64
	lookups     int64
	risky       int64
	invalid     int64
	fetchFailed int64
	fetchShared int64
	transitions int64
	keyErrors   int64

	promAllowed      prometheus.Counter
	promLimited      *prometheus.CounterVec
	promKeyErrors    prometheus.Counter
	promLookups      *prometheus.CounterVec
	promFetches      *prometheus.CounterVec
	promFetchShared  *prometheus.CounterVec
	promTransitions  *prometheus.CounterVec
	promCircuitState *prometheus.GaugeVec

	// PromRequestDuration is observed by the HTTP middleware.
	PromRequestDuration *prometheus.HistogramVec

	promFetchDuration   *prometheus.HistogramVec
	promOutcomeDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed rate limiting.",
		}),
		promLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting, by reason.",
		}, []string{"reason"}),
		promKeyErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_id_errors_total",
			Help:      "Total number of requests whose client id could not be extracted.",
		}),
		promLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Total number of risk lookups, by outcome.",
		}, []string{"outcome"}),
		promFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocklist_fetches_total",
			Help:      "Total number of blocklist refresh attempts, by source and result.",
		}, []string{"source", "result"}),
		promFetchShared: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocklist_fetch_shared_total",
			Help:      "Total number of lookups that joined a download already in flight.",
		}, []string{"source"}),
		promTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker state transitions.",
		}, []string{"upstream", "from", "to"}),
		promCircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Current circuit state per upstream (0 closed, 1 open, 2 half-open).",
		}, []string{"upstream"}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		promFetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blocklist_fetch_duration_seconds",
			Help:      "Blocklist download and parse duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		promOutcomeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outcome_duration_seconds",
			Help:      "Latency of externally visible lookups, by endpoint and success.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint", "success"}),
	}
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited(reason string) {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.WithLabelValues(reason).Inc()
}

// IncKeyExtractErrors counts requests without a usable client id.
func (m *Metrics) IncKeyExtractErrors() {
	atomic.AddInt64(&m.keyErrors, 1)
	m.promKeyErrors.Inc()
}

// IncLookup counts one lookup with the given outcome.
func (m *Metrics) IncLookup(outcome string) {
	atomic.AddInt64(&m.lookups, 1)
	switch outcome {
	case LookupRisky:
		atomic.AddInt64(&m.risky, 1)
	case LookupInvalid:
		atomic.AddInt64(&m.invalid, 1)
	}
	m.promLookups.WithLabelValues(outcome).Inc()
}

// RecordOutcome observes the latency of one externally visible lookup.
func (m *Metrics) RecordOutcome(endpointID string, elapsed time.Duration, success bool) {
	m.promOutcomeDuration.WithLabelValues(endpointID, strconv.FormatBool(success)).Observe(elapsed.Seconds())
}

// ObserveFetch records one blocklist refresh attempt. A zero elapsed time
// marks a result that did not involve a download and is not timed.
func (m *Metrics) ObserveFetch(source, result string, elapsed time.Duration) {
	if result != blocklist.ResultSuccess {
		atomic.AddInt64(&m.fetchFailed, 1)
	}
	m.promFetches.WithLabelValues(source, result).Inc()
	if elapsed > 0 {
		m.promFetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	}
}

// IncFetchShared counts a lookup that reused an in-flight download.
func (m *Metrics) IncFetchShared(source string) {
	atomic.AddInt64(&m.fetchShared, 1)
	m.promFetchShared.WithLabelValues(source).Inc()
}

// ObserveCircuitTransition matches breaker.StateChangeFunc.
func (m *Metrics) ObserveCircuitTransition(upstream string, from, to breaker.State) {
	atomic.AddInt64(&m.transitions, 1)
	m.promTransitions.WithLabelValues(upstream, from.String(), to.String()).Inc()
	m.promCircuitState.WithLabelValues(upstream).Set(float64(to))
}

// RegisterAdmission exports the controller's usage as gauges and its
// rejection totals as counters, read on every scrape.
func (m *Metrics) RegisterAdmission(src func() admission.Stats) error {
	return m.reg.Register(&admissionCollector{stats: src})
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed            int64 `json:"allowed"`
	Limited            int64 `json:"limited"`
	KeyExtractErrors   int64 `json:"key_extract_errors"`
	Lookups            int64 `json:"lookups"`
	RiskyLookups       int64 `json:"risky_lookups"`
	InvalidLookups     int64 `json:"invalid_lookups"`
	FetchFailures      int64 `json:"fetch_failures"`
	FetchShared        int64 `json:"fetch_shared"`
	CircuitTransitions int64 `json:"circuit_transitions"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:            atomic.LoadInt64(&m.allowed),
		Limited:            atomic.LoadInt64(&m.limited),
		KeyExtractErrors:   atomic.LoadInt64(&m.keyErrors),
		Lookups:            atomic.LoadInt64(&m.lookups),
		RiskyLookups:       atomic.LoadInt64(&m.risky),
		InvalidLookups:     atomic.LoadInt64(&m.invalid),
		FetchFailures:      atomic.LoadInt64(&m.fetchFailed),
		FetchShared:        atomic.LoadInt64(&m.fetchShared),
		CircuitTransitions: atomic.LoadInt64(&m.transitions),
	}
}

var (
	descSlotsInUse = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "admission", "slots_in_use"),
		"Operations currently holding an admission slot.", nil, nil)
	descSlotsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "admission", "slots_total"),
		"Size of the admission slot pool.", nil, nil)
	descMemory = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "admission", "memory_bytes"),
		"Last sampled heap size.", nil, nil)
	descCacheEntries = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "admission", "cache_entries"),
		"Live cache entries tracked against the entry ceiling.", nil, nil)
	descRejections = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "admission", "rejections_total"),
		"Capacity rejections by exhausted resource.", []string{"resource"}, nil)
)

type admissionCollector struct {
	stats func() admission.Stats
}

func (c *admissionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descSlotsInUse
	ch <- descSlotsTotal
	ch <- descMemory
	ch <- descCacheEntries
	ch <- descRejections
}

func (c *admissionCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(descSlotsInUse, prometheus.GaugeValue, float64(s.SlotsInUse))
	ch <- prometheus.MustNewConstMetric(descSlotsTotal, prometheus.GaugeValue, float64(s.SlotsTotal))
	ch <- prometheus.MustNewConstMetric(descMemory, prometheus.GaugeValue, float64(s.MemoryBytes))
	ch <- prometheus.MustNewConstMetric(descCacheEntries, prometheus.GaugeValue, float64(s.CacheEntries))
	ch <- prometheus.MustNewConstMetric(descRejections, prometheus.CounterValue, float64(s.RejectedSlots), admission.ResourceSlots)
	ch <- prometheus.MustNewConstMetric(descRejections, prometheus.CounterValue, float64(s.RejectedMemory), admission.ResourceMemory)
	ch <- prometheus.MustNewConstMetric(descRejections, prometheus.CounterValue, float64(s.RejectedEntries), admission.ResourceEntries)
}
