// Package analyzer is the periodic loop that refreshes tracked assets and
// turns trading decisions into background executions.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-trader/internal/cursor"
	"token-trader/internal/decision"
	"token-trader/internal/enrichment"
	"token-trader/internal/execution"
	"token-trader/internal/forecast"
	"token-trader/internal/storage"
)

// Archive reasons set by the analyzer.
const (
	ReasonRetryCap = "retry_cap"
)

// Dispatcher accepts background executions.
type Dispatcher interface {
	Dispatch(ctx context.Context, task execution.Task) bool
}

// Report summarises one tick.
type Report struct {
	At         time.Time
	Batch      int
	Enriched   int
	Failed     int
	Entries    int
	Exits      int
	Archives   int
	Wrapped    bool
	Skipped    bool
	Duration   time.Duration
	SourceDown bool
}

// Observer receives a report after every tick.
type Observer interface {
	ObserveTick(r Report)
}

// Options tune the analyzer.
type Options struct {
	BatchSize       int
	RetryCap        int
	PairAttemptsCap int
	LockKey         int64
	Thresholds      decision.Thresholds
	Guard           decision.GuardConfig
}

// Analyzer runs one tick at a time over a cursor-paginated batch.
type Analyzer struct {
	store      storage.Repository
	source     enrichment.Source
	forecaster forecast.Forecaster
	cursor     cursor.Store
	dispatcher Dispatcher
	locker     storage.AdvisoryLocker
	observers  []Observer
	opts       Options
	logger     zerolog.Logger
}

// New constructs an analyzer. When store also implements
// storage.AdvisoryLocker and opts.LockKey is set, each tick holds that lock.
func New(store storage.Repository, source enrichment.Source, forecaster forecast.Forecaster, cur cursor.Store, dispatcher Dispatcher, opts Options, logger zerolog.Logger, observers ...Observer) *Analyzer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 30
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 5
	}
	if opts.Guard.Window < 2 {
		opts.Guard.Window = 2
	}
	if forecaster == nil {
		forecaster = forecast.Noop{}
	}
	if cur == nil {
		cur = cursor.NewMemory()
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Analyzer{
		store:      store,
		source:     source,
		forecaster: forecaster,
		cursor:     cur,
		dispatcher: dispatcher,
		locker:     locker,
		observers:  observers,
		opts:       opts,
		logger:     logger.With().Str("component", "analyzer").Logger(),
	}
}

// Tick processes the next batch. It matches scheduler.TickFunc.
func (a *Analyzer) Tick(ctx context.Context, at time.Time) error {
	started := time.Now()
	report := Report{At: at}
	defer func() {
		report.Duration = time.Since(started)
		for _, o := range a.observers {
			o.ObserveTick(report)
		}
	}()

	unlock, proceed, err := a.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		report.Skipped = true
		a.logger.Debug().Time("at", at).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	batch, wrapped, err := a.nextBatch(ctx)
	if err != nil {
		return err
	}
	report.Batch, report.Wrapped = len(batch), wrapped
	if len(batch) == 0 {
		return nil
	}

	addresses := make([]string, 0, len(batch))
	for _, asset := range batch {
		addresses = append(addresses, asset.Address)
	}
	records, lookupErr := a.source.Lookup(ctx, addresses)
	if lookupErr != nil {
		report.SourceDown = true
		a.logger.Error().Err(lookupErr).Int("batch", len(batch)).Msg("enrichment lookup failed")
	}

	enabled, err := a.store.CountEnabledWallets(ctx)
	if err != nil {
		return fmt.Errorf("count enabled wallets: %w", err)
	}

	for _, asset := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, ok := records[enrichment.Key(asset.Address)]
		if lookupErr != nil {
			ok = false
		}
		a.process(ctx, &report, asset, rec, ok, enabled, at)
	}

	a.logger.Info().
		Time("at", at).
		Int("batch", report.Batch).
		Int("enriched", report.Enriched).
		Int("failed", report.Failed).
		Int("entries", report.Entries).
		Int("exits", report.Exits).
		Int("archives", report.Archives).
		Bool("wrapped", report.Wrapped).
		Msg("tick processed")

	if lookupErr != nil {
		return fmt.Errorf("enrichment lookup: %w", lookupErr)
	}
	return nil
}

// nextBatch reads the cursor, wraps to the start once the end is passed and
// persists the position for the following tick.
func (a *Analyzer) nextBatch(ctx context.Context) ([]storage.Asset, bool, error) {
	after, err := a.cursor.Load(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("load cursor: %w", err)
	}

	batch, err := a.store.NextBatch(ctx, after, a.opts.BatchSize, a.opts.RetryCap)
	if err != nil {
		return nil, false, fmt.Errorf("next batch: %w", err)
	}
	wrapped := false
	if len(batch) == 0 && after > 0 {
		wrapped = true
		batch, err = a.store.NextBatch(ctx, 0, a.opts.BatchSize, a.opts.RetryCap)
		if err != nil {
			return nil, false, fmt.Errorf("next batch: %w", err)
		}
	}

	next := int64(0)
	if len(batch) == a.opts.BatchSize {
		next = batch[len(batch)-1].ID
	}
	if err := a.cursor.Save(ctx, next); err != nil {
		return nil, false, fmt.Errorf("save cursor: %w", err)
	}
	return batch, wrapped, nil
}

// process is the per-asset error boundary: nothing in here may abort the tick.
func (a *Analyzer) process(ctx context.Context, report *Report, asset storage.Asset, rec enrichment.Record, ok bool, enabled int, at time.Time) {
	log := a.logger.With().Int64("asset_id", asset.ID).Str("address", asset.Address).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("asset evaluation panicked")
		}
	}()

	if !ok {
		report.Failed++
		a.recordFailure(ctx, report, log, asset, "missing from enrichment")
		return
	}

	updated, err := a.refresh(ctx, asset, rec, at)
	if errors.Is(err, storage.ErrArchived) {
		return
	}
	if err != nil {
		report.Failed++
		log.Error().Err(err).Msg("refresh asset failed")
		a.recordFailure(ctx, report, log, asset, err.Error())
		return
	}
	report.Enriched++

	if err := a.evaluate(ctx, report, log, updated, enabled); err != nil {
		log.Error().Err(err).Msg("evaluate asset failed")
	}
}

// refresh upserts the sample, applies aggregates and attaches a forecast.
func (a *Analyzer) refresh(ctx context.Context, asset storage.Asset, rec enrichment.Record, at time.Time) (storage.Asset, error) {
	observed := rec.ObservedAt
	if observed.IsZero() {
		observed = at
	}
	sample := storage.MetricsSample{
		AssetID:   asset.ID,
		At:        observed.UTC().Truncate(time.Second),
		Price:     enrichment.SaturateDecimal(rec.Price),
		Liquidity: enrichment.SaturateDecimal(rec.Liquidity),
		MarketCap: enrichment.SaturateDecimal(rec.MarketCap),
		FDV:       enrichment.SaturateDecimal(rec.FDV),
		Volume:    enrichment.SaturateDecimal(rec.Volume24h),
	}
	if rec.HolderCount != nil {
		sample.Holders = *rec.HolderCount
	}
	if _, err := a.store.UpsertSample(ctx, sample); err != nil {
		return storage.Asset{}, fmt.Errorf("upsert sample: %w", err)
	}

	updated, err := a.store.ApplyEnrichment(ctx, asset.ID, aggregateFrom(rec))
	if err != nil {
		return storage.Asset{}, fmt.Errorf("apply enrichment: %w", err)
	}

	f, has, err := a.forecaster.Forecast(ctx, updated)
	if err != nil {
		// The stored label stays in effect.
		a.logger.Warn().Err(err).Int64("asset_id", asset.ID).Msg("forecast unavailable")
		return updated, nil
	}
	if has {
		if err := a.store.UpdateForecast(ctx, asset.ID, f); err != nil {
			return storage.Asset{}, fmt.Errorf("update forecast: %w", err)
		}
		updated.Label = f.Label
		updated.TargetIteration = f.TargetIteration
		updated.TargetPrice = f.TargetPrice
	}
	return updated, nil
}

func aggregateFrom(rec enrichment.Record) storage.AggregateUpdate {
	return storage.AggregateUpdate{
		Symbol:        rec.Symbol,
		Name:          rec.Name,
		PairAddress:   rec.PairAddress,
		HolderCount:   rec.HolderCount,
		Mintable:      rec.Mintable,
		OpenSource:    rec.OpenSource,
		BuyTax:        saturatePtr(rec.BuyTax),
		SellTax:       saturatePtr(rec.SellTax),
		TxBuys:        rec.TxBuys,
		TxSells:       rec.TxSells,
		Volume24h:     enrichment.SaturateDecimal(rec.Volume24h),
		PriceChange1h: enrichment.SaturateDecimal(rec.PriceChange1h),
		LastPrice:     enrichment.SaturateDecimal(rec.Price),
		LastLiquidity: enrichment.SaturateDecimal(rec.Liquidity),
	}
}

func saturatePtr(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := enrichment.SaturateDecimal(*d)
	return &v
}

// evaluate runs the guards first, then the decision engine.
func (a *Analyzer) evaluate(ctx context.Context, report *Report, log zerolog.Logger, asset storage.Asset, enabled int) error {
	if decision.NonTradeable(asset, a.opts.PairAttemptsCap) {
		log.Warn().Int("pair_attempts", asset.PairAttempts).Msg("pair never resolved, archiving")
		a.dispatch(ctx, report, log, execution.Task{Action: execution.ActionArchive, AssetID: asset.ID, Reason: decision.GuardNonTradeable, DeadMarket: true})
		return nil
	}

	if asset.PairAddress != nil {
		samples, err := a.store.RecentSamples(ctx, asset.ID, a.opts.Guard.Window)
		if err != nil {
			return fmt.Errorf("recent samples: %w", err)
		}
		if dead, why := decision.LiquidityDead(samples, a.opts.Guard); dead {
			log.Warn().Str("guard", why).Msg("dead market guard fired")
			a.dispatch(ctx, report, log, execution.Task{Action: execution.ActionArchive, AssetID: asset.ID, Reason: why, DeadMarket: true})
			return nil
		}
	}

	var pos *storage.Position
	open, err := a.store.OpenPositionForAsset(ctx, asset.ID)
	switch {
	case err == nil:
		pos = &open
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("open position: %w", err)
	}

	d := decision.Evaluate(decision.InputFor(asset, pos, enabled), a.opts.Thresholds)
	switch d.Action {
	case decision.Enter:
		a.dispatch(ctx, report, log, execution.Task{Action: execution.ActionEnter, AssetID: asset.ID, Reason: "signal"})
	case decision.Exit:
		a.dispatch(ctx, report, log, execution.Task{Action: execution.ActionExit, AssetID: asset.ID, Reason: d.Reason})
	default:
		log.Debug().Str("reason", d.Reason).Msg("hold")
	}
	return nil
}

func (a *Analyzer) dispatch(ctx context.Context, report *Report, log zerolog.Logger, task execution.Task) {
	if a.dispatcher == nil || !a.dispatcher.Dispatch(ctx, task) {
		return
	}
	switch task.Action {
	case execution.ActionEnter:
		report.Entries++
	case execution.ActionExit:
		report.Exits++
	case execution.ActionArchive:
		report.Archives++
	}
	log.Info().Str("action", string(task.Action)).Str("reason", task.Reason).Msg("execution dispatched")
}

// recordFailure bumps the retry counter; at the cap the asset is archived,
// through an exit when it still holds a position. Missing data says nothing
// about the market, so the position is never written off here: a failed
// sell leaves it open and the asset is revisited on the next pass.
func (a *Analyzer) recordFailure(ctx context.Context, report *Report, log zerolog.Logger, asset storage.Asset, why string) {
	count, err := a.store.RecordEnrichmentFailure(ctx, asset.ID)
	if err != nil {
		log.Error().Err(err).Msg("record enrichment failure")
		return
	}
	log.Warn().Int("retry_count", count).Int("retry_cap", a.opts.RetryCap).Str("cause", why).Msg("enrichment failed")
	if a.opts.RetryCap > 0 && count >= a.opts.RetryCap {
		a.dispatch(ctx, report, log, execution.Task{Action: execution.ActionArchive, AssetID: asset.ID, Reason: ReasonRetryCap})
	}
}

func (a *Analyzer) acquireLock(ctx context.Context) (func(), bool, error) {
	if a.opts.LockKey == 0 || a.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := a.locker.TryAdvisoryLock(ctx, a.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
