// Package breaker implements a per-upstream circuit breaker whose state is
// kept in the shared expiring store under "cb:<upstream>".
//
//	Closed   ── threshold failures within the window ──▶ Open
//	Open     ── first access at/after openUntil ─────────▶ HalfOpen
//	HalfOpen ── probeLimit successes ────────────────────▶ Closed
//	HalfOpen ── any failure ─────────────────────────────▶ Open
//
// Every transition bumps a generation counter. A call only reports its
// outcome to the generation that admitted it, so a late probe from an
// earlier half-open period cannot close a circuit that has since reopened.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/riskcheck/riskcheck/internal/store"
)

// State is the circuit state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrOpen is matched by every *OpenError via errors.Is.
var ErrOpen = errors.New("circuit open")

// OpenError is returned when a call is rejected without running.
type OpenError struct {
	Upstream   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit for %s is open, retry after %s", e.Upstream, e.RetryAfter)
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Settings tune the breaker. They can be swapped at runtime with Reload.
type Settings struct {
	FailureThreshold int
	FailureWindow    time.Duration
	OpenDuration     time.Duration
	HalfOpenProbes   int
}

// SettingsFromConfig converts the circuit_breaker config section.
func SettingsFromConfig(cfg config.CircuitBreakerConfig) Settings {
	return Settings{
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    config.MustParseDuration(cfg.FailureWindow, time.Minute),
		OpenDuration:     config.MustParseDuration(cfg.OpenDuration, 5*time.Minute),
		HalfOpenProbes:   cfg.HalfOpenProbes,
	}
}

// stateTTL keeps idle circuit state around long enough to outlive an open
// period; a circuit evicted after that restarts Closed.
func (s Settings) stateTTL() time.Duration {
	return max(10*time.Minute, 2*s.OpenDuration)
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
	openUntil   time.Time
	probesUsed  int
	inFlight    int
	generation  uint64
}

// StateChangeFunc observes transitions. It runs after the circuit lock is
// released.
type StateChangeFunc func(upstream string, from, to State)

type transition struct {
	from, to State
}

// Breaker guards calls to named upstreams.
type Breaker struct {
	store    *store.Store
	settings atomic.Pointer[Settings]
	logger   *slog.Logger
	onChange atomic.Pointer[StateChangeFunc]

	namesMu sync.Mutex
	names   map[string]struct{}
}

// New creates a Breaker keeping its state in st.
func New(st *store.Store, s Settings, logger *slog.Logger) *Breaker {
	b := &Breaker{
		store:  st,
		logger: logger,
		names:  make(map[string]struct{}),
	}
	b.settings.Store(&s)
	return b
}

// Reload swaps the settings. Open circuits keep their current openUntil.
func (b *Breaker) Reload(s Settings) {
	b.settings.Store(&s)
}

// Settings returns the settings currently in effect.
func (b *Breaker) Settings() Settings {
	return *b.settings.Load()
}

// OnStateChange registers fn to be called on every transition.
func (b *Breaker) OnStateChange(fn StateChangeFunc) {
	b.onChange.Store(&fn)
}

func key(upstream string) string { return "cb:" + upstream }

// load returns the circuit for upstream, creating a Closed one if absent.
// Caller holds the lock.
func (b *Breaker) load(upstream string) *circuit {
	if c, ok := store.GetAs[*circuit](b.store, key(upstream)); ok {
		return c
	}
	b.namesMu.Lock()
	b.names[upstream] = struct{}{}
	b.namesMu.Unlock()
	return &circuit{}
}

func (b *Breaker) save(upstream string, c *circuit, s *Settings) {
	b.store.Set(key(upstream), c, s.stateTTL(), 128)
}

func (c *circuit) moveTo(to State, trs *[]transition) {
	*trs = append(*trs, transition{from: c.state, to: to})
	c.state = to
	c.generation++
}

// Execute runs op unless the circuit for upstream is open. The error from op
// is always returned after the circuit state has been updated. A panic in op
// counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, upstream string, op func(ctx context.Context) error) (err error) {
	gen, openErr := b.admit(upstream)
	if openErr != nil {
		return openErr
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(upstream, gen, fmt.Errorf("panic: %v", r))
			panic(r)
		}
		b.record(upstream, gen, err)
	}()

	return op(ctx)
}

// admit decides whether a call may run and returns the generation it runs
// under.
func (b *Breaker) admit(upstream string) (uint64, error) {
	s := b.settings.Load()
	var trs []transition

	unlock := b.store.Lock(key(upstream))
	c := b.load(upstream)
	now := b.store.Now()

	if c.state == Open {
		if now.Before(c.openUntil) {
			retry := c.openUntil.Sub(now)
			unlock()
			return 0, &OpenError{Upstream: upstream, RetryAfter: retry}
		}
		c.moveTo(HalfOpen, &trs)
		c.probesUsed = 0
		c.inFlight = 0
	}

	if c.state == HalfOpen {
		if c.probesUsed+c.inFlight >= s.HalfOpenProbes {
			b.save(upstream, c, s)
			unlock()
			b.notify(upstream, trs)
			return 0, &OpenError{Upstream: upstream}
		}
		c.inFlight++
	}

	gen := c.generation
	b.save(upstream, c, s)
	unlock()
	b.notify(upstream, trs)
	return gen, nil
}

// record applies the outcome of a call admitted under generation gen.
func (b *Breaker) record(upstream string, gen uint64, opErr error) {
	s := b.settings.Load()
	var trs []transition

	unlock := b.store.Lock(key(upstream))
	c := b.load(upstream)
	if c.generation != gen {
		// A transition happened while the call ran; its outcome belongs
		// to a period that is over.
		unlock()
		return
	}
	now := b.store.Now()

	switch c.state {
	case Closed:
		if opErr == nil {
			c.failures = 0
			break
		}
		if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) >= s.FailureWindow {
			c.failures = 0
		}
		c.failures++
		c.lastFailure = now
		if c.failures >= s.FailureThreshold {
			c.moveTo(Open, &trs)
			c.openUntil = now.Add(s.OpenDuration)
		}

	case HalfOpen:
		c.inFlight = max(c.inFlight-1, 0)
		if opErr != nil {
			c.moveTo(Open, &trs)
			c.openUntil = now.Add(s.OpenDuration)
			c.probesUsed = 0
			c.inFlight = 0
			c.lastFailure = now
			break
		}
		c.probesUsed++
		if c.probesUsed >= s.HalfOpenProbes {
			c.moveTo(Closed, &trs)
			c.failures = 0
			c.probesUsed = 0
			c.inFlight = 0
		}
	}

	b.save(upstream, c, s)
	unlock()
	b.notify(upstream, trs)
}

func (b *Breaker) notify(upstream string, trs []transition) {
	if len(trs) == 0 {
		return
	}
	fn := b.onChange.Load()
	for _, tr := range trs {
		b.logger.Info("circuit state change", "upstream", upstream, "from", tr.from.String(), "to", tr.to.String())
		if fn != nil {
			(*fn)(upstream, tr.from, tr.to)
		}
	}
}

// Snapshot is a point-in-time view of one circuit.
type Snapshot struct {
	Upstream   string     `json:"upstream"`
	State      string     `json:"state"`
	Failures   int        `json:"failures"`
	OpenUntil  *time.Time `json:"open_until,omitempty"`
	ProbesUsed int        `json:"half_open_probes_used"`
	InFlight   int        `json:"half_open_in_flight"`
}

// State returns the current state of upstream without changing it. An Open
// circuit past openUntil is still reported Open until the next call.
func (b *Breaker) State(upstream string) State {
	return b.peek(upstream).state
}

// peek copies the circuit for upstream. Unknown upstreams read as Closed.
func (b *Breaker) peek(upstream string) circuit {
	unlock := b.store.Lock(key(upstream))
	defer unlock()

	if c, ok := store.GetAs[*circuit](b.store, key(upstream)); ok {
		return *c
	}
	return circuit{}
}

// Snapshot returns a view of the circuit for upstream.
func (b *Breaker) Snapshot(upstream string) Snapshot {
	c := b.peek(upstream)
	snap := Snapshot{
		Upstream:   upstream,
		State:      c.state.String(),
		Failures:   c.failures,
		ProbesUsed: c.probesUsed,
		InFlight:   c.inFlight,
	}
	if c.state == Open {
		until := c.openUntil
		snap.OpenUntil = &until
	}
	return snap
}

// Snapshots returns every upstream the breaker has seen, sorted by name.
func (b *Breaker) Snapshots() []Snapshot {
	b.namesMu.Lock()
	names := make([]string, 0, len(b.names))
	for n := range b.names {
		names = append(names, n)
	}
	b.namesMu.Unlock()
	sort.Strings(names)

	out := make([]Snapshot, 0, len(names))
	for _, n := range names {
		out = append(out, b.Snapshot(n))
	}
	return out
}
