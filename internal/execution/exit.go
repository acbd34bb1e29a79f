package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"token-trader/internal/chain"
	"token-trader/internal/storage"
)

// Exit closes the asset's open position. Without one the asset is archived
// instead and the call still confirms.
func (e *Engine) Exit(ctx context.Context, assetID int64, opts ExitOptions) Result {
	r := e.begin(ActionExit, assetID, opts.Reason)
	return e.exit(ctx, r, assetID, opts)
}

// Archive finalizes an asset, selling out of an open position first. When
// the sell fails the position is written off only for a dead market;
// otherwise the archive is rejected and the position stays open.
func (e *Engine) Archive(ctx context.Context, assetID int64, opts ArchiveOptions) Result {
	r := e.begin(ActionArchive, assetID, opts.Reason)
	return e.exit(ctx, r, assetID, ExitOptions{Forced: true, Reason: opts.Reason, DeadMarket: opts.DeadMarket, Archive: true})
}

func (e *Engine) exit(ctx context.Context, r *run, assetID int64, opts ExitOptions) Result {
	pos, err := e.store.OpenPositionForAsset(ctx, assetID)
	if errors.Is(err, storage.ErrNotFound) {
		pos, err = e.adopt(ctx, r, assetID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		// Nothing to sell: the exit degrades to archiving the asset.
		reason := opts.Reason
		if reason == "" {
			reason = ReasonNoPosition
		}
		if err := e.store.ArchiveAsset(ctx, assetID, reason); err != nil {
			return e.reject(ctx, r, err, "")
		}
		r.res.Archived = true
		return e.confirm(ctx, r)
	}
	if err != nil {
		return e.reject(ctx, r, err, "")
	}
	r.log = r.log.With().Int64("position_id", pos.ID).Int64("wallet_id", pos.WalletID).Logger()

	claimed, err := e.store.ClaimExit(ctx, pos.ID, e.opts.ExitClaimTTL)
	if err != nil {
		return e.reject(ctx, r, err, "")
	}
	if !claimed {
		return e.reject(ctx, r, storage.ErrExitInProgress, "")
	}
	r.to(Reserved)

	asset, err := e.store.GetAsset(ctx, assetID)
	if err != nil {
		e.releaseClaim(ctx, r, pos.ID)
		return e.reject(ctx, r, err, "")
	}
	w, err := e.store.GetWallet(ctx, pos.WalletID)
	if err != nil {
		e.releaseClaim(ctx, r, pos.ID)
		return e.reject(ctx, r, err, "")
	}

	balCtx, cancel := e.callCtx(ctx)
	balance, err := e.swapper.Balance(balCtx, w.Address, asset.Address)
	cancel()
	if err != nil {
		e.releaseClaim(ctx, r, pos.ID)
		return e.reject(ctx, r, fmt.Errorf("balance: %w", err), "")
	}
	qty := decimal.Min(pos.EntryAmount, balance)
	r.to(Probed)

	outcome := opts.Reason
	if outcome == "" {
		outcome = OutcomeForced
	}
	closing := storage.PositionClose{
		PositionID:    pos.ID,
		ExitIteration: asset.ValidSamples,
		Outcome:       outcome,
	}

	r.to(Submitted)
	var sellErr error
	if qty.IsPositive() {
		var sold bool
		sold, sellErr = e.sell(ctx, r, w.Address, asset.Address, qty, &closing)
		if sold {
			closing.ExitPrice = asset.LastPrice
			return e.close(ctx, r, assetID, closing, opts)
		}
	} else {
		sellErr = fmt.Errorf("nothing left to sell (balance %s)", balance)
	}

	if !opts.DeadMarket {
		e.releaseClaim(ctx, r, pos.ID)
		return e.reject(ctx, r, fmt.Errorf("%w: %w", ErrExitFailed, sellErr), "")
	}

	r.log.Warn().Err(sellErr).Msg("writing position off")
	closing.ExitPrice = decimal.Zero
	closing.ExitAmount = decimal.Zero
	closing.ExitProceeds = decimal.Zero
	closing.ExitTx = ""
	closing.Outcome = OutcomeWrittenOff
	return e.close(ctx, r, assetID, closing, opts)
}

// sell tries up to MaxSellAttempts times, shrinking the quantity and
// widening slippage after every failure. On success closing carries the fill.
func (e *Engine) sell(ctx context.Context, r *run, account, token string, qty decimal.Decimal, closing *storage.PositionClose) (bool, error) {
	keep := decimal.NewFromInt(1).Sub(e.opts.SellReduceFraction)
	amount := qty
	var lastErr error

	for attempt := 0; attempt < e.opts.MaxSellAttempts; attempt++ {
		if attempt > 0 {
			amount = amount.Mul(keep)
			if err := sleep(context.WithoutCancel(ctx), e.retryDelay()); err != nil {
				return false, err
			}
		}
		slippage := e.opts.SlippageBps + attempt*e.opts.SlippageStepBps
		if slippage > e.opts.MaxSlippageBps {
			slippage = e.opts.MaxSlippageBps
		}

		callCtx, cancel := e.callCtx(ctx)
		fill, err := e.swapper.Sell(callCtx, account, token, amount, slippage)
		cancel()
		if err == nil {
			if _, err = chain.RequireTxID(fill); err == nil {
				closing.ExitAmount = fill.AmountIn
				closing.ExitProceeds = fill.AmountOut
				closing.ExitTx = fill.TxID
				r.log.Info().Int("attempt", attempt+1).Int("slippage_bps", slippage).Str("amount", amount.String()).Msg("sell confirmed")
				return true, nil
			}
		}
		lastErr = err
		r.log.Warn().Err(err).Int("attempt", attempt+1).Int("slippage_bps", slippage).Str("amount", amount.String()).Msg("sell attempt failed")
	}
	return false, lastErr
}

func (e *Engine) close(ctx context.Context, r *run, assetID int64, closing storage.PositionClose, opts ExitOptions) Result {
	var pos storage.Position
	err := e.persist(ctx, func(ctx context.Context) error {
		var err error
		pos, err = e.store.ClosePosition(ctx, closing)
		return err
	})
	if err != nil {
		r.log.Error().Err(err).Str("tx", closing.ExitTx).Msg("exit confirmed on chain but not journaled")
		return e.reject(ctx, r, fmt.Errorf("%w: %w", ErrJournal, err), "")
	}
	r.res.Position = &pos

	if opts.Archive || closing.Outcome == OutcomeWrittenOff {
		reason := opts.Reason
		if reason == "" {
			reason = closing.Outcome
		}
		e.archive(ctx, r, assetID, reason)
	}
	return e.confirm(ctx, r)
}

// adopt journals the balance of a wallet left bound by an entry that never
// reached the journal. It returns storage.ErrNotFound when there is nothing
// to adopt, releasing an empty reservation on the way.
func (e *Engine) adopt(ctx context.Context, r *run, assetID int64) (storage.Position, error) {
	asset, err := e.store.GetAsset(ctx, assetID)
	if err != nil {
		return storage.Position{}, err
	}
	if asset.BoundWalletID == nil {
		return storage.Position{}, storage.ErrNotFound
	}
	w, err := e.store.GetWallet(ctx, *asset.BoundWalletID)
	if err != nil {
		return storage.Position{}, err
	}
	if w.LastUsedAt != nil && time.Since(*w.LastUsedAt) < e.opts.ReconcileAfter {
		return storage.Position{}, ErrEntryPending
	}

	balCtx, cancel := e.callCtx(ctx)
	balance, err := e.swapper.Balance(balCtx, w.Address, asset.Address)
	cancel()
	if err != nil {
		return storage.Position{}, fmt.Errorf("balance: %w", err)
	}
	log := r.log.With().Int64("wallet_id", w.ID).Str("balance", balance.String()).Logger()

	if !balance.IsPositive() {
		if err := e.store.ReleaseReservation(ctx, assetID, w.ID); err != nil {
			return storage.Position{}, err
		}
		log.Warn().Msg("released reservation without journal row")
		return storage.Position{}, storage.ErrNotFound
	}

	pos, err := e.store.OpenPosition(ctx, storage.PositionOpen{
		WalletID:       w.ID,
		AssetID:        assetID,
		EntryIteration: asset.ValidSamples,
		EntryPrice:     asset.LastPrice,
		EntryAmount:    balance,
		EntryCost:      w.SpendPerEntry,
		EntryTx:        AdoptedTx,
	})
	if err != nil {
		return storage.Position{}, fmt.Errorf("adopt position: %w", err)
	}
	log.Warn().Int64("position_id", pos.ID).Msg("adopted unjournaled entry")
	return pos, nil
}

func (e *Engine) releaseClaim(ctx context.Context, r *run, positionID int64) {
	if err := e.store.ReleaseExitClaim(context.WithoutCancel(ctx), positionID); err != nil {
		r.log.Error().Err(err).Msg("release exit claim failed")
	}
}
