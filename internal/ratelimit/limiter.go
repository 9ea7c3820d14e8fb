// Package ratelimit implements per-client fixed-window request limiting with
// a temporary block once a client exceeds its minute or hour allowance.
//
// All state lives in the shared expiring store:
//
//	rl:min:<client>:<yyyymmddHHMM>  request count, expires at the end of the minute
//	rl:hour:<client>:<yyyymmddHH>   request count, expires at the end of the hour
//	rl:block:<client>               block-until time, expires with the block
//	rl:burst:<client>               per-second token bucket (only when burst > 0)
//
// The check → count → maybe-block sequence runs under the client's store lock,
// so concurrent requests from one client never lose an increment.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/riskcheck/riskcheck/internal/store"
	"golang.org/x/time/rate"
)

// Rejection reasons reported in Decision.Reason.
const (
	ReasonBlocked = "blocked"
	ReasonMinute  = "minute"
	ReasonHour    = "hour"
	ReasonBurst   = "burst"
)

const (
	burstTTL     = time.Minute
	counterCost  = 64
	blockedIndex = 4096 // prune the blocked-client index past this size.
)

// Settings are the tunable thresholds. They can be swapped at runtime with
// Reload.
type Settings struct {
	Enabled       bool
	PerMinute     int64
	PerHour       int64
	BlockDuration time.Duration
	// Burst > 0 adds a per-second token bucket in front of the windows.
	Burst int
}

// SettingsFromConfig converts the rate_limit config section.
func SettingsFromConfig(cfg config.RateLimitConfig) Settings {
	return Settings{
		Enabled:       cfg.Enabled,
		PerMinute:     cfg.PerMinute,
		PerHour:       cfg.PerHour,
		BlockDuration: config.MustParseDuration(cfg.BlockDuration, 5*time.Minute),
		Burst:         cfg.Burst,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
}

// Err returns nil for an allowed decision and an *ExceededError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{RetryAfter: d.RetryAfter, Reason: d.Reason}
}

// ExceededError reports that a client must wait RetryAfter before its next
// request will be considered.
type ExceededError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), retry after %s", e.Reason, e.RetryAfter)
}

// counter is mutated in place under the client lock; its store entry is
// written once per window.
type counter struct {
	n int64
}

// BlockedClient describes one currently blocked client.
type BlockedClient struct {
	ClientID     string    `json:"client_id"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// Limiter is the per-client fixed-window limiter.
type Limiter struct {
	store    *store.Store
	settings atomic.Pointer[Settings]
	logger   *slog.Logger

	// blocked indexes clients with a block flag so they can be listed; the
	// store remains the source of truth.
	mu      sync.Mutex
	blocked map[string]time.Time
}

// NewLimiter creates a Limiter keeping its state in st.
func NewLimiter(st *store.Store, s Settings, logger *slog.Logger) *Limiter {
	l := &Limiter{
		store:   st,
		logger:  logger,
		blocked: make(map[string]time.Time),
	}
	l.settings.Store(&s)
	return l
}

// Reload swaps the thresholds. Existing counters and blocks are kept.
func (l *Limiter) Reload(s Settings) {
	l.settings.Store(&s)
}

// Settings returns the thresholds currently in effect.
func (l *Limiter) Settings() Settings {
	return *l.settings.Load()
}

// Admit checks clientID against its limits at the store's current time.
func (l *Limiter) Admit(clientID string) Decision {
	return l.AdmitAt(clientID, l.store.Now())
}

// AdmitAt checks clientID against its limits as of now. An empty client id
// is always allowed: a client that cannot be identified cannot be gated.
func (l *Limiter) AdmitAt(clientID string, now time.Time) Decision {
	s := l.settings.Load()
	if !s.Enabled || clientID == "" {
		return Decision{Allowed: true}
	}

	unlock := l.store.Lock("rl:" + clientID)
	defer unlock()

	blockKey := "rl:block:" + clientID
	if until, ok := store.GetAs[time.Time](l.store, blockKey); ok && now.Before(until) {
		return Decision{RetryAfter: until.Sub(now), Reason: ReasonBlocked}
	}

	if s.Burst > 0 {
		if d, ok := l.takeBurst(clientID, s.Burst, now); !ok {
			return Decision{RetryAfter: d, Reason: ReasonBurst}
		}
	}

	minute := l.increment("rl:min:"+clientID+":"+now.Format("200601021504"), now.Truncate(time.Minute).Add(time.Minute).Sub(now))
	hour := l.increment("rl:hour:"+clientID+":"+now.Format("2006010215"), now.Truncate(time.Hour).Add(time.Hour).Sub(now))

	var reason string
	switch {
	case minute > s.PerMinute:
		reason = ReasonMinute
	case hour > s.PerHour:
		reason = ReasonHour
	default:
		return Decision{Allowed: true}
	}

	until := now.Add(s.BlockDuration)
	l.store.Set(blockKey, until, s.BlockDuration, counterCost)
	l.indexBlocked(clientID, until, now)
	l.logger.Warn("client blocked",
		"client", clientID, "window", reason,
		"minute_count", minute, "hour_count", hour,
		"block_duration", s.BlockDuration)

	return Decision{RetryAfter: s.BlockDuration, Reason: reason}
}

// increment bumps the counter at key, creating it with the given lifetime.
// Caller holds the client lock.
func (l *Limiter) increment(key string, ttl time.Duration) int64 {
	if c, ok := store.GetAs[*counter](l.store, key); ok {
		c.n++
		return c.n
	}
	c := &counter{n: 1}
	l.store.Set(key, c, ttl, counterCost)
	return c.n
}

// takeBurst consumes one token from the client's bucket. On rejection it
// returns the delay until a token is available. Caller holds the client lock.
func (l *Limiter) takeBurst(clientID string, burst int, now time.Time) (time.Duration, bool) {
	key := "rl:burst:" + clientID
	lim, ok := store.GetAs[*rate.Limiter](l.store, key)
	if !ok || lim.Burst() != burst {
		lim = rate.NewLimiter(rate.Limit(burst), burst)
		l.store.Set(key, lim, burstTTL, 256)
	}

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Second, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}
	return 0, true
}

func (l *Limiter) indexBlocked(clientID string, until, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocked[clientID] = until
	if len(l.blocked) > blockedIndex {
		for id, u := range l.blocked {
			if !now.Before(u) {
				delete(l.blocked, id)
			}
		}
	}
}

// BlockedClients lists clients whose block is still in effect, soonest
// expiry first.
func (l *Limiter) BlockedClients() []BlockedClient {
	now := l.store.Now()

	l.mu.Lock()
	candidates := make(map[string]time.Time, len(l.blocked))
	for id, until := range l.blocked {
		if !now.Before(until) {
			delete(l.blocked, id)
			continue
		}
		candidates[id] = until
	}
	l.mu.Unlock()

	out := make([]BlockedClient, 0, len(candidates))
	for id := range candidates {
		// The flag may have been evicted; only report what the store holds.
		until, ok := store.GetAs[time.Time](l.store, "rl:block:"+id)
		if !ok || !now.Before(until) {
			continue
		}
		out = append(out, BlockedClient{ClientID: id, BlockedUntil: until})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedUntil.Equal(out[j].BlockedUntil) {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].BlockedUntil.Before(out[j].BlockedUntil)
	})
	return out
}
