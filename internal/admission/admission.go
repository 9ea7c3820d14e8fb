// Package admission enforces the process-wide budget: a fixed pool of
// execution slots, a heap-memory ceiling and a ceiling on live cache entries.
// Every check is non-blocking; an exhausted budget is reported immediately
// as ErrCapacityExceeded.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/riskcheck/riskcheck/internal/store"
	"golang.org/x/sync/semaphore"
)

// ErrCapacityExceeded is matched by every *CapacityError.
var ErrCapacityExceeded = errors.New("capacity exceeded")

// Exhausted resources reported in CapacityError.Resource.
const (
	ResourceSlots   = "slots"
	ResourceMemory  = "memory"
	ResourceEntries = "cache_entries"
)

// CapacityError names the budget that was exhausted.
type CapacityError struct {
	Resource string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded: %s", e.Resource)
}

func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// Settings are the budget ceilings.
type Settings struct {
	MaxConcurrent int64
	// MaxMemoryBytes caps sampled heap usage. 0 disables the memory check.
	MaxMemoryBytes       uint64
	MaxCacheEntries      int
	MemorySampleInterval time.Duration
}

// SettingsFromConfig converts the admission config section.
func SettingsFromConfig(cfg config.AdmissionConfig) Settings {
	return Settings{
		MaxConcurrent:        cfg.MaxConcurrent,
		MaxMemoryBytes:       cfg.MaxMemoryBytes,
		MaxCacheEntries:      cfg.MaxCacheEntries,
		MemorySampleInterval: config.MustParseDuration(cfg.MemorySampleInterval, time.Second),
	}
}

// MemorySampler reports current memory usage in bytes.
type MemorySampler func() uint64

// HeapAlloc reads the live heap size from the Go runtime.
func HeapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Option configures a Controller.
type Option func(*Controller)

// WithMemorySampler replaces the runtime heap sampler.
func WithMemorySampler(fn MemorySampler) Option {
	return func(c *Controller) { c.sampler = fn }
}

// Controller is the admission controller. Safe for concurrent use.
type Controller struct {
	settings Settings
	store    *store.Store
	logger   *slog.Logger

	sem   *semaphore.Weighted
	inUse atomic.Int64

	sampler   MemorySampler
	memMu     sync.Mutex
	memSample uint64
	sampledAt time.Time

	// entries maps each registered cache key to its expiry.
	entriesMu sync.Mutex
	entries   map[string]time.Time

	rejectedSlots   atomic.Int64
	rejectedMemory  atomic.Int64
	rejectedEntries atomic.Int64
}

// New creates a Controller. Registered cache entries are written to st.
func New(st *store.Store, s Settings, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		settings: s,
		store:    st,
		logger:   logger,
		sem:      semaphore.NewWeighted(max(s.MaxConcurrent, 1)),
		sampler:  HeapAlloc,
		entries:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// memory returns the current memory sample, refreshing it at most once per
// sample interval.
func (c *Controller) memory() uint64 {
	now := c.store.Now()
	c.memMu.Lock()
	defer c.memMu.Unlock()
	if c.sampledAt.IsZero() || now.Sub(c.sampledAt) >= c.settings.MemorySampleInterval {
		c.memSample = c.sampler()
		c.sampledAt = now
	}
	return c.memSample
}

func (c *Controller) memoryExceeded() (uint64, bool) {
	if c.settings.MaxMemoryBytes == 0 {
		return 0, false
	}
	m := c.memory()
	return m, m > c.settings.MaxMemoryBytes
}

// Run executes op in an execution slot. If memory is over the ceiling or no
// slot is free, it returns a *CapacityError without running op. The slot is
// released exactly once when op returns or panics.
func (c *Controller) Run(ctx context.Context, op func(ctx context.Context) error) error {
	if m, over := c.memoryExceeded(); over {
		c.rejectedMemory.Add(1)
		c.logger.Warn("admission rejected: memory ceiling",
			"memory_bytes", m, "limit_bytes", c.settings.MaxMemoryBytes)
		return &CapacityError{Resource: ResourceMemory}
	}
	if !c.sem.TryAcquire(1) {
		c.rejectedSlots.Add(1)
		c.logger.Warn("admission rejected: no free slot", "slots", c.settings.MaxConcurrent)
		return &CapacityError{Resource: ResourceSlots}
	}
	c.inUse.Add(1)
	defer func() {
		c.inUse.Add(-1)
		c.sem.Release(1)
	}()

	return op(ctx)
}

// TryRegisterCacheEntry stores value under key for ttl if the live-entry
// ceiling allows it. Replacing a live key does not count against the
// ceiling. At the ceiling, expired and evicted entries are compacted once
// before deciding.
func (c *Controller) TryRegisterCacheEntry(key string, value any, ttl time.Duration, cost int64) bool {
	now := c.store.Now()

	c.entriesMu.Lock()
	defer c.entriesMu.Unlock()

	if exp, ok := c.entries[key]; !ok || !now.Before(exp) {
		if len(c.entries) >= c.settings.MaxCacheEntries {
			removed := c.compactLocked(now)
			if len(c.entries) >= c.settings.MaxCacheEntries {
				c.rejectedEntries.Add(1)
				c.logger.Warn("admission rejected: cache entry ceiling",
					"key", key, "entries", len(c.entries), "limit", c.settings.MaxCacheEntries,
					"compacted", removed)
				return false
			}
		}
	}

	c.store.Set(key, value, ttl, cost)
	c.entries[key] = now.Add(ttl)
	return true
}

// compactLocked drops index entries that have expired or are no longer in
// the store. Caller holds entriesMu.
func (c *Controller) compactLocked(now time.Time) int {
	removed := 0
	for k, exp := range c.entries {
		if !now.Before(exp) {
			delete(c.entries, k)
			removed++
			continue
		}
		if _, ok := c.store.Get(k); !ok {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Compact drops expired and evicted entries from the index and returns how
// many were removed.
func (c *Controller) Compact() int {
	c.entriesMu.Lock()
	defer c.entriesMu.Unlock()
	return c.compactLocked(c.store.Now())
}

// RemoveCacheEntry deletes key from the store and the index.
func (c *Controller) RemoveCacheEntry(key string) {
	c.entriesMu.Lock()
	defer c.entriesMu.Unlock()
	delete(c.entries, key)
	c.store.Delete(key)
}

// Saturated reports whether a Run call made now would be rejected for lack
// of slots or memory.
func (c *Controller) Saturated() bool {
	if _, over := c.memoryExceeded(); over {
		return true
	}
	return c.inUse.Load() >= c.settings.MaxConcurrent
}

// Stats is a point-in-time view of the budget.
type Stats struct {
	SlotsInUse        int64   `json:"slots_in_use"`
	SlotsTotal        int64   `json:"slots_total"`
	SlotsAvailable    int64   `json:"slots_available"`
	MemoryBytes       uint64  `json:"memory_bytes"`
	MemoryLimitBytes  uint64  `json:"memory_limit_bytes"`
	MemoryPercent     float64 `json:"memory_percent"`
	CacheEntries      int     `json:"cache_entries"`
	CacheEntryLimit   int     `json:"cache_entry_limit"`
	CacheEntryPercent float64 `json:"cache_entry_percent"`
	RejectedSlots     int64   `json:"rejected_slots"`
	RejectedMemory    int64   `json:"rejected_memory"`
	RejectedEntries   int64   `json:"rejected_cache_entries"`
}

// Stats returns current usage. Expired entries are compacted first so the
// entry count reflects live entries only.
func (c *Controller) Stats() Stats {
	c.Compact()

	c.entriesMu.Lock()
	entries := len(c.entries)
	c.entriesMu.Unlock()

	inUse := c.inUse.Load()
	mem := c.memory()

	st := Stats{
		SlotsInUse:       inUse,
		SlotsTotal:       c.settings.MaxConcurrent,
		SlotsAvailable:   max(c.settings.MaxConcurrent-inUse, 0),
		MemoryBytes:      mem,
		MemoryLimitBytes: c.settings.MaxMemoryBytes,
		CacheEntries:     entries,
		CacheEntryLimit:  c.settings.MaxCacheEntries,
		RejectedSlots:    c.rejectedSlots.Load(),
		RejectedMemory:   c.rejectedMemory.Load(),
		RejectedEntries:  c.rejectedEntries.Load(),
	}
	if st.MemoryLimitBytes > 0 {
		st.MemoryPercent = percent(float64(mem), float64(st.MemoryLimitBytes))
	}
	if st.CacheEntryLimit > 0 {
		st.CacheEntryPercent = percent(float64(entries), float64(st.CacheEntryLimit))
	}
	return st
}

func percent(v, limit float64) float64 {
	return float64(int(v/limit*10000+0.5)) / 100
}
