package app

import (
	"context"
	"errors"
	"time"

	"token-trader/internal/analyzer"
	"token-trader/internal/api"
	"token-trader/internal/cursor"
	"token-trader/internal/decision"
	"token-trader/internal/execution"
	"token-trader/internal/observability"
	"token-trader/internal/scheduler"
	"token-trader/internal/version"
)

const drainTimeout = 2 * time.Minute

// Run executes the long-running trading service: the analyzer loop, the
// execution dispatcher and, when enabled, the HTTP API with its push loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SyncWallets(ctx, a.walletSpecs()); err != nil {
		return err
	}

	metrics := observability.NewMetrics("token_trader")
	listeners := []execution.Listener{metrics}

	var hub *api.Hub
	if a.Config.API.Enabled {
		hub = api.NewHub(store, a.Logger)
		listeners = append(listeners, hub)
	}

	engine, err := a.newEngine(ctx, store, listeners...)
	if err != nil {
		return err
	}
	dispatcher := execution.NewDispatcher(engine, a.Config.Scheduler.Concurrency, a.Logger)

	source, err := a.newSource()
	if err != nil {
		return err
	}

	cur, closeCursor, err := cursor.New(ctx, a.Config, store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCursor(); err != nil {
			a.Logger.Warn().Err(err).Msg("close cursor backend")
		}
	}()

	trading := a.Config.Trading
	an := analyzer.New(store, source, a.newForecaster(), cur, dispatcher, analyzer.Options{
		BatchSize:       a.Config.Scheduler.BatchSize,
		RetryCap:        a.Config.Scheduler.RetryCap,
		PairAttemptsCap: trading.PairAttemptsCap,
		LockKey:         a.Config.Scheduler.AdvisoryLockKey,
		Thresholds: decision.Thresholds{
			MinAge:       trading.MinAge,
			MinTxCount:   trading.MinTxCount,
			MinSellShare: trading.MinSellShare,
			TargetReturn: trading.TargetReturn,
		},
		Guard: decision.GuardConfig{
			Window:       trading.GuardWindow,
			MinLiquidity: trading.MinLiquidity,
		},
	}, a.Logger, metrics)

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	apiDone := make(chan error, 1)
	if a.Config.API.Enabled {
		srv := api.NewServer(api.Options{
			Listen:       a.Config.API.Listen,
			JWTSecret:    a.Config.API.JWTSecret,
			PushInterval: a.Config.API.PushInterval,
			Metrics:      metrics.Handler(),
		}, store, engine, hub, a.Logger)
		go func() {
			err := srv.Run(ctx)
			if err != nil {
				cancel()
			}
			apiDone <- err
		}()
	} else {
		apiDone <- nil
	}

	tick := func(ctx context.Context, at time.Time) error {
		tickErr := an.Tick(ctx, at)
		if open, err := store.ListPositions(ctx, true, 0); err == nil {
			metrics.SetOpenPositions(len(open))
		}
		return tickErr
	}

	a.Logger.Info().
		Str("store", a.Config.App.Store).
		Str("chain", a.Config.Chain.Mode).
		Int("wallets", len(a.Config.Wallets)).
		Str("version", version.String()).
		Msg("starting trading service")

	err = sched.Run(ctx, tick)
	sched.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
	}

	// in-flight executions are allowed to reach a definite state
	drainCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer stop()
	if n := dispatcher.InFlight(); n > 0 {
		a.Logger.Info().Int("in_flight", n).Msg("waiting for executions to finish")
	}
	if werr := dispatcher.Wait(drainCtx); werr != nil {
		a.Logger.Error().Err(werr).Int("in_flight", dispatcher.InFlight()).Msg("executions still running at shutdown")
	}

	cancel()
	if apiErr := <-apiDone; apiErr != nil {
		a.Logger.Error().Err(apiErr).Msg("api server terminated with error")
		if err == nil || errors.Is(err, context.Canceled) {
			err = apiErr
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info().Msg("trading service stopped")
	return nil
}
