// Package blocklist keeps a freshness-bounded copy of each remote host list
// and answers membership queries against them and the static fallback list.
//
// A source's set lives in the store under "bl:<source>". On a miss the set
// is repopulated through one coalesced download per source, gated by the
// admission controller and the source's circuit breaker. Any failure on that
// path caches an empty set for the short failure TTL instead of failing the
// lookup.
package blocklist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/riskcheck/riskcheck/internal/admission"
	"github.com/riskcheck/riskcheck/internal/breaker"
	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/riskcheck/riskcheck/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("riskcheck.blocklist")

// Fetch results reported to the Recorder.
const (
	ResultSuccess       = "success"
	ResultCapacity      = "capacity"
	ResultCircuitOpen   = "circuit_open"
	ResultHTTPStatus    = "http_status"
	ResultEmpty         = "empty"
	ResultError         = "error"
	ResultEntryRejected = "entry_rejected"
)

// ErrUnknownSource is returned by Refresh for a key that is not configured.
var ErrUnknownSource = errors.New("unknown source")

// Source is one remote list.
type Source struct {
	Key string
	URL string
}

// SourcesFromConfig converts the configured source list.
func SourcesFromConfig(cfg []config.SourceConfig) []Source {
	out := make([]Source, 0, len(cfg))
	for _, s := range cfg {
		out = append(out, Source{Key: s.Key, URL: s.URL})
	}
	return out
}

// Recorder receives download outcomes for metrics.
type Recorder interface {
	ObserveFetch(source, result string, elapsed time.Duration)
	IncFetchShared(source string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFetch(string, string, time.Duration) {}
func (nopRecorder) IncFetchShared(string)                      {}

// Settings hold the cache lifetimes and the download bound.
type Settings struct {
	SuccessTTL   time.Duration
	FailureTTL   time.Duration
	FetchTimeout time.Duration
}

// SettingsFromConfig reads the cache and fetch sections.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		SuccessTTL:   config.MustParseDuration(cfg.Cache.SuccessTTL, 6*time.Hour),
		FailureTTL:   config.MustParseDuration(cfg.Cache.FailureTTL, 2*time.Minute),
		FetchTimeout: config.MustParseDuration(cfg.Fetch.Timeout, 30*time.Second),
	}
}

// entry is immutable once stored.
type entry struct {
	hosts     HostSet
	fetchedAt time.Time
	expiresAt time.Time
	lines     int
	truncated bool
	err       error
}

// Params wires a Refresher.
type Params struct {
	Sources   []Source
	Fallback  *FallbackSet
	Store     *store.Store
	Admission *admission.Controller
	Breaker   *breaker.Breaker
	Fetcher   Fetcher
	Settings  Settings
	Logger    *slog.Logger
	Recorder  Recorder
}

// Refresher serves lookups from cached lists and repopulates them on demand.
type Refresher struct {
	sources   []Source
	fallback  atomic.Pointer[FallbackSet]
	store     *store.Store
	admission *admission.Controller
	breaker   *breaker.Breaker
	fetcher   Fetcher
	settings  Settings
	logger    *slog.Logger
	recorder  Recorder

	flights singleflight.Group
}

// NewRefresher creates a Refresher.
func NewRefresher(p Params) *Refresher {
	rec := p.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	r := &Refresher{
		sources:   append([]Source(nil), p.Sources...),
		store:     p.Store,
		admission: p.Admission,
		breaker:   p.Breaker,
		fetcher:   p.Fetcher,
		settings:  p.Settings,
		logger:    p.Logger,
		recorder:  rec,
	}
	r.fallback.Store(p.Fallback)
	return r
}

// SetFallback replaces the static fallback list.
func (r *Refresher) SetFallback(fs *FallbackSet) {
	r.fallback.Store(fs)
}

// Sources returns the configured sources in declaration order.
func (r *Refresher) Sources() []Source {
	return append([]Source(nil), r.sources...)
}

func storeKey(source string) string { return "bl:" + source }

func upstreamName(source string) string { return "source:" + source }

// Lookup returns the keys of the lists containing host, in source order.
// A fallback match returns only config.FallbackSourceKey and no remote
// source is consulted. Source failures never surface here; a failing source
// simply does not match.
func (r *Refresher) Lookup(ctx context.Context, host string) []string {
	if r.fallback.Load().Contains(host) {
		return []string{config.FallbackSourceKey}
	}

	found := []string{}
	for _, src := range r.sources {
		e := r.get(ctx, src)
		if e.hosts.Contains(host) {
			found = append(found, src.Key)
		}
	}
	return found
}

// get returns the fresh entry for src, populating it on a miss. Concurrent
// misses for the same source share one download.
func (r *Refresher) get(ctx context.Context, src Source) *entry {
	if e, ok := store.GetAs[*entry](r.store, storeKey(src.Key)); ok {
		return e
	}

	v, _, shared := r.flights.Do(src.Key, func() (any, error) {
		// A flight that finished just before this one started may already
		// have stored a fresh entry.
		if e, ok := store.GetAs[*entry](r.store, storeKey(src.Key)); ok {
			return populated{entry: e}, nil
		}
		return r.populate(ctx, src, false), nil
	})
	if shared {
		r.recorder.IncFetchShared(src.Key)
	}
	return v.(populated).entry
}

// populated is the outcome of one flight: the entry lookups should use and
// the download error, if any.
type populated struct {
	entry *entry
	err   error
}

// Refresh downloads src again regardless of the cached entry and returns the
// download failure, if any. A failed refresh leaves an unexpired successful
// list in place; only a missing or failed entry is replaced by the empty
// placeholder.
func (r *Refresher) Refresh(ctx context.Context, key string) error {
	for _, src := range r.sources {
		if src.Key != key {
			continue
		}
		v, _, _ := r.flights.Do(src.Key, func() (any, error) {
			return r.populate(ctx, src, true), nil
		})
		return v.(populated).err
	}
	return fmt.Errorf("%w: %s", ErrUnknownSource, key)
}

// RefreshAll refreshes every source in order and returns the joined errors.
func (r *Refresher) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, src := range r.sources {
		if err := r.Refresh(ctx, src.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Invalidate drops every cached list; the next lookup downloads again.
func (r *Refresher) Invalidate() {
	for _, src := range r.sources {
		r.admission.RemoveCacheEntry(storeKey(src.Key))
	}
	r.logger.Info("blocklist cache invalidated", "sources", len(r.sources))
}

// populate downloads and parses src, caches the outcome and returns it. It
// runs detached from the caller's cancellation, bounded by the fetch
// timeout. With keepFresh a failure does not displace an unexpired
// successful entry.
func (r *Refresher) populate(parent context.Context, src Source, keepFresh bool) populated {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.settings.FetchTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "riskcheck.blocklist.populate")
	defer span.End()
	span.SetAttributes(attribute.String("riskcheck.source", src.Key))

	start := time.Now()
	var e *entry
	err := r.admission.Run(ctx, func(ctx context.Context) error {
		return r.breaker.Execute(ctx, upstreamName(src.Key), func(ctx context.Context) error {
			var err error
			e, err = r.download(ctx, src)
			return err
		})
	})
	elapsed := time.Since(start)

	if err != nil {
		result := classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		r.recorder.ObserveFetch(src.Key, result, elapsed)

		if keepFresh {
			if cur, ok := store.GetAs[*entry](r.store, storeKey(src.Key)); ok && cur.err == nil {
				r.logger.Warn("blocklist refresh failed, keeping cached list",
					"source", src.Key, "result", result, "error", err,
					"expires_at", cur.expiresAt)
				return populated{entry: cur, err: err}
			}
		}

		r.logger.Warn("blocklist refresh failed, serving empty list",
			"source", src.Key, "result", result, "error", err,
			"retry_in", r.settings.FailureTTL)

		now := r.store.Now()
		e = &entry{
			hosts:     HostSet{},
			fetchedAt: now,
			expiresAt: now.Add(r.settings.FailureTTL),
			err:       err,
		}
		r.register(src, e, r.settings.FailureTTL)
		return populated{entry: e, err: err}
	}

	span.SetAttributes(attribute.Int("riskcheck.hosts", len(e.hosts)))
	r.recorder.ObserveFetch(src.Key, ResultSuccess, elapsed)
	r.logger.Info("blocklist loaded",
		"source", src.Key, "hosts", len(e.hosts), "lines", e.lines,
		"truncated", e.truncated, "duration", elapsed)
	r.register(src, e, r.settings.SuccessTTL)
	return populated{entry: e}
}

func (r *Refresher) register(src Source, e *entry, ttl time.Duration) {
	if !r.admission.TryRegisterCacheEntry(storeKey(src.Key), e, ttl, e.hosts.approxCost()) {
		// The result still answers the lookups waiting on this flight.
		r.recorder.ObserveFetch(src.Key, ResultEntryRejected, 0)
	}
}

// download fetches and parses one list. A panic while parsing is turned
// into a FetchError.
func (r *Refresher) download(ctx context.Context, src Source) (e *entry, err error) {
	defer func() {
		if p := recover(); p != nil {
			e = nil
			err = &FetchError{Source: src.Key, Err: fmt.Errorf("panic while parsing: %v", p)}
		}
	}()

	resp, err := r.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return nil, &FetchError{Source: src.Key, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Source: src.Key, StatusCode: resp.StatusCode}
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, &FetchError{Source: src.Key, Err: ErrEmptyBody}
	}

	res, err := ParseHosts(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, &FetchError{Source: src.Key, Err: err}
	}
	if res.Truncated {
		r.logger.Warn("blocklist truncated", "source", src.Key, "max_lines", MaxLines)
	}

	now := r.store.Now()
	return &entry{
		hosts:     res.Hosts,
		fetchedAt: now,
		expiresAt: now.Add(r.settings.SuccessTTL),
		lines:     res.Lines,
		truncated: res.Truncated,
	}, nil
}

func classify(err error) string {
	var fe *FetchError
	switch {
	case errors.Is(err, admission.ErrCapacityExceeded):
		return ResultCapacity
	case errors.Is(err, breaker.ErrOpen):
		return ResultCircuitOpen
	case errors.As(err, &fe) && fe.StatusCode != 0:
		return ResultHTTPStatus
	case errors.Is(err, ErrEmptyBody):
		return ResultEmpty
	default:
		return ResultError
	}
}

// SourceStatus reports the cached state of one source.
type SourceStatus struct {
	Key       string     `json:"key"`
	URL       string     `json:"url"`
	Cached    bool       `json:"cached"`
	Hosts     int        `json:"hosts"`
	Lines     int        `json:"lines,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Status lists every source with its cached entry, without triggering
// downloads.
func (r *Refresher) Status() []SourceStatus {
	out := make([]SourceStatus, 0, len(r.sources))
	for _, src := range r.sources {
		st := SourceStatus{Key: src.Key, URL: src.URL}
		if e, ok := store.GetAs[*entry](r.store, storeKey(src.Key)); ok {
			fetched, expires := e.fetchedAt, e.expiresAt
			st.Cached = true
			st.Hosts = len(e.hosts)
			st.Lines = e.lines
			st.Truncated = e.truncated
			st.FetchedAt = &fetched
			st.ExpiresAt = &expires
			if e.err != nil {
				st.LastError = e.err.Error()
			}
		}
		out = append(out, st)
	}
	return out
}

// FallbackSize returns the number of hosts in the static fallback list.
func (r *Refresher) FallbackSize() int {
	return r.fallback.Load().Len()
}
