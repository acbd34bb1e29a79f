package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTicksAndStops(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond}, zerolog.Nop())
	var ticks atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), func(context.Context, time.Time) error {
			if ticks.Add(1) == 2 {
				return errors.New("tick failed")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return ticks.Load() >= 4 }, time.Second, time.Millisecond, "错误不应终止调度循环")
	assert.True(t, s.Running())

	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("调度器未在Stop后退出")
	}
	assert.False(t, s.Running())
	s.Stop()
}

func TestRunHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx, func(context.Context, time.Time) error { return nil }), context.Canceled)
}

func TestRunRejectsSecondLoop(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = s.Run(ctx, func(context.Context, time.Time) error { return nil }) }()
	require.Eventually(t, s.Running, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Run(ctx, nil), ErrAlreadyRunning)
	s.Stop()
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToBucket: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC), s.bucketStart(time.Date(2024, 1, 1, 10, 1, 0, 5, time.UTC)))

	free := New(Options{Interval: time.Minute}, zerolog.Nop())
	assert.Equal(t, now.Add(time.Minute), free.nextTick(now))
}
