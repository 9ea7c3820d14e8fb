package warmup

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riskcheck/riskcheck/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls       atomic.Int32
	err         error
	hadDeadline atomic.Bool
}

func (r *countingRefresher) RefreshAll(ctx context.Context) error {
	_, ok := ctx.Deadline()
	r.hadDeadline.Store(ok)
	r.calls.Add(1)
	return r.err
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(config.WarmupConfig{Enabled: true, Schedule: "sometimes"}, &countingRefresher{}, time.Minute, slog.Default())
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	t.Run("bounded by pass timeout", func(t *testing.T) {
		r := &countingRefresher{}
		s, err := New(config.WarmupConfig{Schedule: "@every 6h"}, r, time.Minute, slog.Default())
		require.NoError(t, err)

		s.RunOnce(context.Background())
		assert.Equal(t, int32(1), r.calls.Load())
		assert.True(t, r.hadDeadline.Load())
	})

	t.Run("failures are logged not returned", func(t *testing.T) {
		r := &countingRefresher{err: errors.New("aa down")}
		s, err := New(config.WarmupConfig{Schedule: "@every 6h"}, r, time.Minute, slog.Default())
		require.NoError(t, err)

		s.RunOnce(context.Background())
		assert.Equal(t, int32(1), r.calls.Load())
	})
}

func TestStartOnStart(t *testing.T) {
	r := &countingRefresher{}
	s, err := New(config.WarmupConfig{Enabled: true, Schedule: "@every 6h", OnStart: true}, r, time.Minute, slog.Default())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartWithoutOnStartWaitsForSchedule(t *testing.T) {
	r := &countingRefresher{}
	s, err := New(config.WarmupConfig{Enabled: true, Schedule: "@every 6h"}, r, time.Minute, slog.Default())
	require.NoError(t, err)

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	<-s.Stop().Done()

	assert.Equal(t, int32(0), r.calls.Load())
}

func TestScheduleFires(t *testing.T) {
	r := &countingRefresher{}
	s, err := New(config.WarmupConfig{Enabled: true, Schedule: "@every 1s"}, r, time.Minute, slog.Default())
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}
