// Package scheduler drives the analyzer tick on a fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrAlreadyRunning is returned when Run is called on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// TickFunc is invoked once per interval.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval      time.Duration
	AlignToBucket bool
	StartupDelay  time.Duration
}

// Scheduler runs a tick function periodically until stopped.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	running atomic.Bool
	mu      sync.Mutex
	stop    chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Stop clears the running flag. The loop exits before its next tick; a tick
// already in progress is not interrupted.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.mu.Lock()
	close(s.stop)
	s.mu.Unlock()
}

// Run blocks, invoking tick once per interval until Stop is called or ctx is
// cancelled. Stop makes Run return nil; cancellation returns ctx.Err().
// Tick errors are logged and never end the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	s.mu.Lock()
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()
	defer s.running.Store(false)

	if s.opts.StartupDelay > 0 {
		if err := s.wait(ctx, stop, s.opts.StartupDelay); err != nil || !s.running.Load() {
			return err
		}
	}

	next := s.nextTick(time.Now().UTC())
	for s.running.Load() {
		delay := time.Until(next)
		if delay < 0 {
			// The previous tick overran; skip the buckets it covered.
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")
		if err := s.wait(ctx, stop, delay); err != nil {
			return err
		}
		if !s.running.Load() {
			break
		}

		at := s.bucketStart(next)
		started := time.Now()
		if err := tick(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("at", at).Msg("tick failed")
		} else {
			s.logger.Debug().Time("at", at).Dur("took", time.Since(started)).Msg("tick finished")
		}

		next = next.Add(s.opts.Interval)
	}
	return nil
}

func (s *Scheduler) wait(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return nil
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToBucket {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
