package execution

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Task is one background execution request.
type Task struct {
	Action  Action
	AssetID int64
	Reason  string
	// Archive applies to exits: finalize the asset once the position closes.
	Archive bool
	// DeadMarket applies to archives: write off what cannot be sold.
	DeadMarket bool
}

// Dispatcher runs executions off the analyzer's loop. At most one task per
// asset is in flight; further requests for that asset are dropped until it
// finishes.
type Dispatcher struct {
	exec   Executor
	logger zerolog.Logger
	slots  *semaphore.Weighted

	mu       sync.Mutex
	inflight map[int64]Action
	wg       sync.WaitGroup
}

// NewDispatcher constructs a dispatcher running at most concurrency tasks.
func NewDispatcher(exec Executor, concurrency int, logger zerolog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Dispatcher{
		exec:     exec,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		slots:    semaphore.NewWeighted(int64(concurrency)),
		inflight: make(map[int64]Action),
	}
}

// Dispatch starts task in the background. It returns false when a task for
// the same asset is already running.
func (d *Dispatcher) Dispatch(ctx context.Context, task Task) bool {
	d.mu.Lock()
	if running, ok := d.inflight[task.AssetID]; ok {
		d.mu.Unlock()
		d.logger.Debug().Int64("asset_id", task.AssetID).Str("running", string(running)).Str("requested", string(task.Action)).Msg("execution already in flight")
		return false
	}
	d.inflight[task.AssetID] = task.Action
	d.wg.Add(1)
	d.mu.Unlock()

	// Stopping the caller must not interrupt an execution.
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		defer d.done(task.AssetID)

		if err := d.slots.Acquire(ctx, 1); err != nil {
			d.logger.Error().Err(err).Int64("asset_id", task.AssetID).Msg("acquire execution slot")
			return
		}
		defer d.slots.Release(1)

		d.run(ctx, task)
	}()
	return true
}

// InFlight reports how many tasks are running or queued.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Wait blocks until every dispatched task finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain executions: %w", ctx.Err())
	}
}

func (d *Dispatcher) run(ctx context.Context, task Task) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().
				Int64("asset_id", task.AssetID).
				Str("action", string(task.Action)).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("execution panicked")
		}
	}()

	switch task.Action {
	case ActionEnter:
		d.exec.Enter(ctx, task.AssetID, EnterOptions{Reason: task.Reason})
	case ActionExit:
		d.exec.Exit(ctx, task.AssetID, ExitOptions{Reason: task.Reason, Archive: task.Archive})
	case ActionArchive:
		d.exec.Archive(ctx, task.AssetID, ArchiveOptions{Reason: task.Reason, DeadMarket: task.DeadMarket})
	default:
		d.logger.Error().Str("action", string(task.Action)).Msg("unknown action")
	}
}

func (d *Dispatcher) done(assetID int64) {
	d.mu.Lock()
	delete(d.inflight, assetID)
	d.mu.Unlock()
}
