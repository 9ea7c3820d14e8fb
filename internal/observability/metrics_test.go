package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/riskcheck/riskcheck/internal/admission"
	"github.com/riskcheck/riskcheck/internal/blocklist"
	"github.com/riskcheck/riskcheck/internal/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates metrics with custom registry", func(t *testing.T) {
		m := NewMetrics(prometheus.NewRegistry())
		assert.NotNil(t, m.promAllowed)
		assert.NotNil(t, m.promLimited)
		assert.NotNil(t, m.PromRequestDuration)
	})
}

func TestMetricsRequests(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.IncAllowed()
	m.IncAllowed()
	m.IncLimited("minute")
	m.IncKeyExtractErrors()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.Allowed)
	assert.Equal(t, int64(1), snap.Limited)
	assert.Equal(t, int64(1), snap.KeyExtractErrors)
	assert.InDelta(t, 2, testutil.ToFloat64(m.promAllowed), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promLimited.WithLabelValues("minute")), 0)
}

func TestMetricsLookups(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.IncLookup(LookupRisky)
	m.IncLookup(LookupClean)
	m.IncLookup(LookupClean)
	m.IncLookup(LookupInvalid)

	snap := m.Snapshot()
	assert.Equal(t, int64(4), snap.Lookups)
	assert.Equal(t, int64(1), snap.RiskyLookups)
	assert.Equal(t, int64(1), snap.InvalidLookups)
	assert.InDelta(t, 2, testutil.ToFloat64(m.promLookups.WithLabelValues(LookupClean)), 0)
}

func TestMetricsRecordOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordOutcome("riskcheck", 20*time.Millisecond, true)
	m.RecordOutcome("riskcheck", 5*time.Millisecond, false)

	assert.Equal(t, 2, testutil.CollectAndCount(m.promOutcomeDuration))
}

func TestMetricsFetches(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveFetch("aa", blocklist.ResultSuccess, 300*time.Millisecond)
	m.ObserveFetch("aa", blocklist.ResultHTTPStatus, 50*time.Millisecond)
	m.ObserveFetch("ab", blocklist.ResultEntryRejected, 0)
	m.IncFetchShared("aa")

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.FetchFailures)
	assert.Equal(t, int64(1), snap.FetchShared)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promFetches.WithLabelValues("aa", blocklist.ResultSuccess)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promFetchShared.WithLabelValues("aa")), 0)
	// Untimed results do not create a duration series.
	assert.Equal(t, 1, testutil.CollectAndCount(m.promFetchDuration))
}

func TestMetricsCircuitTransitions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveCircuitTransition("source:aa", breaker.Closed, breaker.Open)
	m.ObserveCircuitTransition("source:aa", breaker.Open, breaker.HalfOpen)

	assert.Equal(t, int64(2), m.Snapshot().CircuitTransitions)
	assert.InDelta(t, 1, testutil.ToFloat64(m.promTransitions.WithLabelValues("source:aa", "closed", "open")), 0)
	assert.InDelta(t, float64(breaker.HalfOpen), testutil.ToFloat64(m.promCircuitState.WithLabelValues("source:aa")), 0)
}

func TestMetricsRegisterAdmission(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	stats := admission.Stats{
		SlotsInUse:      3,
		SlotsTotal:      150,
		MemoryBytes:     1024,
		CacheEntries:    4,
		RejectedSlots:   2,
		RejectedMemory:  1,
		RejectedEntries: 0,
	}
	require.NoError(t, m.RegisterAdmission(func() admission.Stats { return stats }))

	expected := `
# HELP riskcheck_admission_rejections_total Capacity rejections by exhausted resource.
# TYPE riskcheck_admission_rejections_total counter
riskcheck_admission_rejections_total{resource="cache_entries"} 0
riskcheck_admission_rejections_total{resource="memory"} 1
riskcheck_admission_rejections_total{resource="slots"} 2
# HELP riskcheck_admission_slots_in_use Operations currently holding an admission slot.
# TYPE riskcheck_admission_slots_in_use gauge
riskcheck_admission_slots_in_use 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"riskcheck_admission_rejections_total", "riskcheck_admission_slots_in_use"))

	t.Run("second registration fails", func(t *testing.T) {
		assert.Error(t, m.RegisterAdmission(func() admission.Stats { return stats }))
	})
}
