package store

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/riskcheck/riskcheck/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s, err := New(WithClock(fc), WithMaxCost(1<<20))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, fc
}

func TestStoreGetSet(t *testing.T) {
	t.Run("returns stored value", func(t *testing.T) {
		s, _ := newTestStore(t)
		require.True(t, s.Set("k", 42, time.Minute, 1))

		v, ok := s.Get("k")
		require.True(t, ok)
		assert.Equal(t, 42, v)
	})

	t.Run("missing key is absent", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, ok := s.Get("missing")
		assert.False(t, ok)
	})

	t.Run("item expires by the injected clock", func(t *testing.T) {
		s, fc := newTestStore(t)
		s.Set("k", "v", time.Minute, 1)

		fc.Advance(59 * time.Second)
		_, ok := s.Get("k")
		assert.True(t, ok)

		fc.Advance(time.Second)
		_, ok = s.Get("k")
		assert.False(t, ok, "item must be absent once its ttl has elapsed")
	})

	t.Run("reading an expired item never drops a fresh write", func(t *testing.T) {
		s, fc := newTestStore(t)
		for i := 0; i < 50; i++ {
			s.Set("k", "stale", time.Second, 1)
			fc.Advance(time.Second)

			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-stop:
						return
					default:
						s.Get("k")
					}
				}
			}()

			s.Set("k", "fresh", time.Hour, 1)
			v, ok := s.Get("k")
			close(stop)
			wg.Wait()

			require.True(t, ok, "iteration %d", i)
			assert.Equal(t, "fresh", v)
		}
	})

	t.Run("zero ttl never expires", func(t *testing.T) {
		s, fc := newTestStore(t)
		s.Set("k", "v", 0, 1)
		fc.Advance(365 * 24 * time.Hour)
		_, ok := s.Get("k")
		assert.True(t, ok)
	})

	t.Run("set replaces value and expiry", func(t *testing.T) {
		s, fc := newTestStore(t)
		s.Set("k", 1, time.Second, 1)
		s.Set("k", 2, time.Hour, 1)
		fc.Advance(time.Minute)

		v, ok := s.Get("k")
		require.True(t, ok)
		assert.Equal(t, 2, v)
	})
}

func TestStoreCounterSizing(t *testing.T) {
	t.Run("counters follow the expected key count", func(t *testing.T) {
		small := options{maxCost: 1 << 20, expectedItems: DefaultExpectedItems}
		large := options{maxCost: DefaultMaxCost, expectedItems: DefaultExpectedItems}
		assert.Equal(t, small.numCounters(), large.numCounters())
		assert.Equal(t, int64(DefaultExpectedItems*10), large.numCounters())
	})

	t.Run("has a floor", func(t *testing.T) {
		assert.Equal(t, int64(1<<16), options{expectedItems: 1}.numCounters())
	})

	t.Run("default store starts small", func(t *testing.T) {
		var before, after runtime.MemStats
		runtime.GC()
		runtime.ReadMemStats(&before)

		s, err := New()
		require.NoError(t, err)
		defer s.Close()

		runtime.GC()
		runtime.ReadMemStats(&after)
		grown := int64(after.HeapAlloc) - int64(before.HeapAlloc)
		assert.Less(t, grown, int64(32<<20), "a default store must not reserve its byte budget up front")
	})
}

func TestStoreDeleteAndClear(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("a", 1, time.Minute, 1)
	s.Set("b", 2, time.Minute, 1)

	s.Delete("a")
	_, ok := s.Get("a")
	assert.False(t, ok)

	s.Clear()
	_, ok = s.Get("b")
	assert.False(t, ok)
}

func TestGetAs(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("n", int64(7), time.Minute, 1)

	n, ok := GetAs[int64](s, "n")
	require.True(t, ok)
	assert.Equal(t, int64(7), n)

	_, ok = GetAs[string](s, "n")
	assert.False(t, ok, "type mismatch reports absent")
}

func TestStoreLockSerializesReadModifyWrite(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("counter", new(int64), time.Hour, 8)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				unlock := s.Lock("counter")
				p, ok := GetAs[*int64](s, "counter")
				if ok {
					*p++
				}
				unlock()
			}
		}()
	}
	wg.Wait()

	p, ok := GetAs[*int64](s, "counter")
	require.True(t, ok)
	assert.Equal(t, int64(1000), *p)
}

func TestStoreClose(t *testing.T) {
	t.Run("close is safe to call multiple times", func(t *testing.T) {
		s, err := New()
		require.NoError(t, err)
		s.Close()
		s.Close()
	})
}
