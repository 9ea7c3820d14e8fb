// Package warmup refreshes every blocklist on a cron schedule so lookups
// rarely pay for a download.
package warmup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/robfig/cron/v3"
)

// Refresher refreshes all sources. Failures are per source and already
// absorbed into the cache; the error is only logged.
type Refresher interface {
	RefreshAll(ctx context.Context) error
}

// Scheduler runs warmup passes.
type Scheduler struct {
	cron      *cron.Cron
	refresher Refresher
	timeout   time.Duration
	onStart   bool
	schedule  string
	logger    *slog.Logger
}

// New registers the warmup job. passTimeout bounds a single pass.
func New(cfg config.WarmupConfig, r Refresher, passTimeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		refresher: r,
		timeout:   passTimeout,
		onStart:   cfg.OnStart,
		schedule:  cfg.Schedule,
		logger:    logger,
	}

	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("register warmup schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins the schedule and, if configured, runs one pass in the
// background right away.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("warmup scheduler started", "schedule", s.schedule, "on_start", s.onStart)
	if s.onStart {
		go s.RunOnce(ctx)
	}
}

// Stop halts the schedule. The returned context is done once a running pass
// finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce refreshes every source once.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.refresher.RefreshAll(ctx); err != nil {
		s.logger.Warn("warmup pass finished with failures", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Info("warmup pass finished", "duration", time.Since(start))
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
