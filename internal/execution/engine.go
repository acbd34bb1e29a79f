// Package execution turns trade decisions into reserved wallets, probed and
// confirmed swaps, and journal rows. Every entry point (analyzer, API,
// CLI) goes through the same Engine so the safety rules live in one place.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-trader/internal/chain"
	"token-trader/internal/storage"
)

// State is a step of the execution state machine.
type State string

const (
	Requested State = "requested"
	Reserved  State = "reserved"
	Probed    State = "probed"
	Submitted State = "submitted"
	Confirmed State = "confirmed"
	Rejected  State = "rejected"
)

// Action names what was executed.
type Action string

const (
	ActionEnter   Action = "enter"
	ActionExit    Action = "exit"
	ActionArchive Action = "archive"
)

// Exit outcomes journaled besides the decision reasons.
const (
	OutcomeWrittenOff = "written_off"
	OutcomeForced     = "forced"
)

// ReasonNoPosition archives an asset whose exit found nothing to sell.
const ReasonNoPosition = "exit_without_position"

// AdoptedTx marks a journal row rebuilt from an on-chain balance. The real
// entry transaction is in the error log of the entry that failed to journal.
const AdoptedTx = "adopted"

// Result is the definite answer of one execution.
type Result struct {
	RequestID string
	Action    Action
	AssetID   int64
	State     State
	Trail     []State
	Reason    string
	Err       error
	Class     Class
	Position  *storage.Position
	Archived  bool
	Duration  time.Duration
}

// OK reports whether the execution reached Confirmed.
func (r Result) OK() bool { return r.State == Confirmed }

// Changed reports whether the asset's persisted snapshot changed.
func (r Result) Changed() bool { return r.State == Confirmed || r.Archived }

// Listener observes every finished execution.
type Listener interface {
	OnResult(ctx context.Context, r Result)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, r Result)

// OnResult implements Listener.
func (f ListenerFunc) OnResult(ctx context.Context, r Result) { f(ctx, r) }

// Executor is what schedulers and override endpoints call into.
type Executor interface {
	Enter(ctx context.Context, assetID int64, opts EnterOptions) Result
	Exit(ctx context.Context, assetID int64, opts ExitOptions) Result
	Archive(ctx context.Context, assetID int64, opts ArchiveOptions) Result
}

// EnterOptions qualify an entry request.
type EnterOptions struct {
	// Forced skips nothing inside the engine; it only changes failure
	// handling: a failed forced entry archives the asset.
	Forced bool
	Reason string
}

// ExitOptions qualify an exit request.
type ExitOptions struct {
	Forced bool
	Reason string
	// DeadMarket writes the position off at price zero when every sell fails.
	DeadMarket bool
	// Archive finalizes the asset once the position is closed.
	Archive bool
}

// ArchiveOptions qualify an archive request.
type ArchiveOptions struct {
	Reason string
	// DeadMarket writes an unsellable position off at price zero. Only set
	// it when the market itself is gone, never for a data outage.
	DeadMarket bool
}

// Options tune the engine.
type Options struct {
	ProbeFraction      decimal.Decimal
	MaxSellAttempts    int
	SellReduceFraction decimal.Decimal
	RetryDelayMin      time.Duration
	RetryDelayMax      time.Duration
	SlippageBps        int
	SlippageStepBps    int
	MaxSlippageBps     int
	CallTimeout        time.Duration
	ExitClaimTTL       time.Duration
	// ReconcileAfter is how old a reservation without a journal row must be
	// before an exit adopts the wallet's balance as the position.
	ReconcileAfter time.Duration
}

// Engine runs the execution state machine.
type Engine struct {
	store     storage.Repository
	swapper   chain.Swapper
	opts      Options
	logger    zerolog.Logger
	listeners []Listener
}

// New constructs an engine.
func New(store storage.Repository, swapper chain.Swapper, opts Options, logger zerolog.Logger, listeners ...Listener) *Engine {
	if opts.MaxSellAttempts <= 0 {
		opts.MaxSellAttempts = 1
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 45 * time.Second
	}
	if opts.ExitClaimTTL <= 0 {
		opts.ExitClaimTTL = 5 * time.Minute
	}
	if opts.ReconcileAfter <= 0 {
		opts.ReconcileAfter = 10 * time.Minute
	}
	if !opts.ProbeFraction.IsPositive() {
		opts.ProbeFraction = decimal.RequireFromString("0.01")
	}
	if opts.MaxSlippageBps < opts.SlippageBps {
		opts.MaxSlippageBps = opts.SlippageBps
	}
	return &Engine{
		store:     store,
		swapper:   swapper,
		opts:      opts,
		logger:    logger.With().Str("component", "execution").Logger(),
		listeners: listeners,
	}
}

// run tracks state transitions of one execution.
type run struct {
	res   Result
	start time.Time
	log   zerolog.Logger
}

func (e *Engine) begin(action Action, assetID int64, reason string) *run {
	id := uuid.NewString()
	return &run{
		res: Result{
			RequestID: id,
			Action:    action,
			AssetID:   assetID,
			State:     Requested,
			Trail:     []State{Requested},
			Reason:    reason,
		},
		start: time.Now(),
		log:   e.logger.With().Str("request_id", id).Str("action", string(action)).Int64("asset_id", assetID).Logger(),
	}
}

func (r *run) to(s State) {
	r.res.State = s
	r.res.Trail = append(r.res.Trail, s)
}

func (e *Engine) reject(ctx context.Context, r *run, err error, reason string) Result {
	r.to(Rejected)
	r.res.Err = err
	r.res.Class = Classify(err)
	if reason != "" {
		r.res.Reason = reason
	} else if err != nil {
		r.res.Reason = err.Error()
	}

	evt := r.log.Warn()
	if r.res.Class == ClassContention {
		evt = r.log.Info()
	}
	evt.Err(err).Str("class", string(r.res.Class)).Bool("archived", r.res.Archived).Msg("execution rejected")
	return e.finish(ctx, r)
}

func (e *Engine) confirm(ctx context.Context, r *run) Result {
	r.to(Confirmed)
	r.log.Info().Str("reason", r.res.Reason).Bool("archived", r.res.Archived).Msg("execution confirmed")
	return e.finish(ctx, r)
}

func (e *Engine) finish(ctx context.Context, r *run) Result {
	r.res.Duration = time.Since(r.start)
	for _, l := range e.listeners {
		l.OnResult(ctx, r.res)
	}
	return r.res
}

// callCtx bounds one external call. It is detached from the caller's
// cancellation so a shutdown never interrupts a transaction mid-flight.
func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.opts.CallTimeout)
}

// persist retries a store write that must land after an on-chain success.
func (e *Engine) persist(ctx context.Context, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 0

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*e.opts.CallTimeout)
	defer cancel()

	return backoff.Retry(func() error {
		err := op(ctx)
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidInput) || errors.Is(err, storage.ErrPositionOpen) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 4), ctx))
}

// Enter runs Requested -> Reserved -> Probed -> Submitted -> Confirmed.
func (e *Engine) Enter(ctx context.Context, assetID int64, opts EnterOptions) Result {
	r := e.begin(ActionEnter, assetID, opts.Reason)

	reservation, err := e.store.ReserveEntry(ctx, assetID)
	if err != nil {
		return e.reject(ctx, r, err, "")
	}
	r.to(Reserved)
	asset, w := reservation.Asset, reservation.Wallet
	r.log = r.log.With().Int64("wallet_id", w.ID).Logger()

	probeSpend := w.SpendPerEntry.Mul(e.opts.ProbeFraction)
	probeCtx, cancel := e.callCtx(ctx)
	err = e.swapper.ProbeSell(probeCtx, w.Address, asset.Address, probeSpend)
	cancel()
	if err != nil {
		e.release(ctx, r, assetID, w.ID)
		if errors.Is(err, chain.ErrNotResellable) || errors.Is(err, chain.ErrNoRoute) {
			e.archive(ctx, r, assetID, "probe_failed")
			return e.reject(ctx, r, fmt.Errorf("%w: %w", ErrProbeFailed, err), "")
		}
		return e.reject(ctx, r, err, "")
	}
	r.to(Probed)

	r.to(Submitted)
	buyCtx, cancel := e.callCtx(ctx)
	fill, err := e.swapper.Buy(buyCtx, w.Address, asset.Address, w.SpendPerEntry, e.opts.SlippageBps)
	cancel()
	if err == nil {
		fill, err = chain.RequireTxID(fill)
	}
	if err != nil {
		e.release(ctx, r, assetID, w.ID)
		if opts.Forced {
			e.archive(ctx, r, assetID, "forced_entry_failed")
		}
		return e.reject(ctx, r, err, "")
	}

	open := storage.PositionOpen{
		WalletID:       w.ID,
		AssetID:        assetID,
		EntryIteration: asset.ValidSamples,
		EntryPrice:     asset.LastPrice,
		EntryAmount:    fill.AmountOut,
		EntryCost:      fill.AmountIn,
		EntryTx:        fill.TxID,
	}
	var pos storage.Position
	err = e.persist(ctx, func(ctx context.Context) error {
		var err error
		pos, err = e.store.OpenPosition(ctx, open)
		return err
	})
	if err != nil {
		// The wallet stays bound: it now holds the tokens. A later exit or
		// archive adopts the balance once the reservation is stale.
		r.log.Error().Err(err).Str("tx", fill.TxID).Str("amount", fill.AmountOut.String()).Int64("wallet_id", w.ID).Msg("entry confirmed on chain but not journaled")
		return e.reject(ctx, r, fmt.Errorf("%w: %w", ErrJournal, err), "")
	}

	r.res.Position = &pos
	if r.res.Reason == "" {
		r.res.Reason = "entered"
	}
	return e.confirm(ctx, r)
}

func (e *Engine) release(ctx context.Context, r *run, assetID, walletID int64) {
	err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.ReleaseReservation(ctx, assetID, walletID)
	})
	if err != nil {
		r.log.Error().Err(err).Msg("release reservation failed")
	}
}

func (e *Engine) archive(ctx context.Context, r *run, assetID int64, reason string) {
	err := e.persist(ctx, func(ctx context.Context) error {
		return e.store.ArchiveAsset(ctx, assetID, reason)
	})
	if err != nil {
		r.log.Error().Err(err).Str("reason", reason).Msg("archive failed")
		return
	}
	r.res.Archived = true
}

// retryDelay picks a randomized pause between sell attempts.
func (e *Engine) retryDelay() time.Duration {
	lo, hi := e.opts.RetryDelayMin, e.opts.RetryDelayMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Executor = (*Engine)(nil)
