// Package store provides the process-wide expiring key-value store that every
// stateful component (rate limiter, circuit breaker, admission controller,
// blocklist cache) keeps its keyed state in.
//
// Ristretto handles concurrency, memory-bounded admission/eviction and
// real-time TTL garbage collection. On top of that each item carries its own
// expiry computed from the injected clock, so callers (and tests driving a
// fake clock) observe exact expiry semantics regardless of when ristretto
// physically drops the entry. Eviction before expiry is possible under
// memory pressure and must be treated by callers as a benign reset.
package store

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/riskcheck/riskcheck/internal/clock"
)

// DefaultMaxCost is the default memory budget for stored items (512 MiB).
const DefaultMaxCost = 512 << 20

// DefaultExpectedItems is the number of live keys the admission counters are
// sized for when no estimate is given.
const DefaultExpectedItems = 100_000

// lockStripes is the number of per-key mutex stripes. Keys hash onto stripes,
// so two unrelated keys contend only when they collide.
const lockStripes = 512

type item struct {
	value     any
	expiresAt time.Time // zero = never
}

// Store is an expiring key-value store safe for concurrent use.
type Store struct {
	cache *ristretto.Cache[string, *item]
	clock clock.Clock
	locks [lockStripes]sync.Mutex
}

// Option configures a Store.
type Option func(*options)

type options struct {
	maxCost       int64
	expectedItems int64
	clock         clock.Clock
}

// WithMaxCost sets the memory budget in bytes. Values <= 0 keep the default.
func WithMaxCost(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxCost = n
		}
	}
}

// WithExpectedItems sizes ristretto's admission counters for about n live
// keys. Values <= 0 keep the default.
func WithExpectedItems(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.expectedItems = n
		}
	}
}

// WithClock sets the time source used for item expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New creates a Store.
func New(opts ...Option) (*Store, error) {
	o := options{maxCost: DefaultMaxCost, expectedItems: DefaultExpectedItems, clock: clock.Real()}
	for _, fn := range opts {
		fn(&o)
	}

	// NumCounters should be ~10x the expected max items. The counters are
	// allocated up front, so they follow the key count, not the byte budget.
	numCounters := o.numCounters()

	cache, err := ristretto.NewCache(&ristretto.Config[string, *item]{
		NumCounters: numCounters,
		MaxCost:     o.maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Store{cache: cache, clock: o.clock}, nil
}

func (o options) numCounters() int64 {
	return max(o.expectedItems*10, 1<<16)
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Get returns the value stored under key. Expired items are reported absent.
func (s *Store) Get(key string) (any, bool) {
	it, ok := s.cache.Get(key)
	if !ok || it == nil {
		return nil, false
	}
	if !it.expiresAt.IsZero() && !s.clock.Now().Before(it.expiresAt) {
		// Left for ristretto's TTL to collect; a concurrent Set may already
		// have replaced it.
		return nil, false
	}
	return it.value, true
}

// Set stores value under key for ttl (<= 0 means no expiry). cost is the
// approximate memory footprint in bytes; values < 1 are charged as 1.
// Returns false if ristretto dropped the write.
func (s *Store) Set(key string, value any, ttl time.Duration, cost int64) bool {
	it := &item{value: value}
	if ttl > 0 {
		it.expiresAt = s.clock.Now().Add(ttl)
	} else {
		ttl = 0
	}
	ok := s.cache.SetWithTTL(key, it, max(cost, 1), ttl)
	// Wait makes the write visible to subsequent Gets.
	s.cache.Wait()
	return ok
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.cache.Del(key)
}

// Clear drops every item.
func (s *Store) Clear() {
	s.cache.Clear()
}

// Lock acquires the mutex stripe guarding key and returns its release func.
// Use it to make a Get → modify → Set sequence atomic per key.
func (s *Store) Lock(key string) (unlock func()) {
	mu := &s.locks[xxhash.Sum64String(key)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Close releases ristretto's background goroutines. Safe to call twice.
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// GetAs is a typed Get. A value of a different type is reported absent.
func GetAs[T any](s *Store, key string) (T, bool) {
	v, ok := s.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
