package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"token-trader/internal/execution"
	"token-trader/internal/storage"
)

// Trades turns execution results into notifications. Only results that
// changed persisted state, or left a trade half-recorded, are sent.
type Trades struct {
	notifier Notifier
	assets   storage.AssetStore
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewTrades constructs the execution listener. assets may be nil.
func NewTrades(notifier Notifier, assets storage.AssetStore, timeout time.Duration, logger zerolog.Logger) *Trades {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Trades{
		notifier: notifier,
		assets:   assets,
		timeout:  timeout,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

// OnResult implements execution.Listener.
func (t *Trades) OnResult(ctx context.Context, r execution.Result) {
	alert := r.Class == execution.ClassPartial
	if !r.Changed() && !alert {
		return
	}

	note := Notification{
		At:        time.Now(),
		RequestID: r.RequestID,
		Action:    string(r.Action),
		State:     string(r.State),
		Reason:    r.Reason,
		AssetID:   r.AssetID,
		Archived:  r.Archived,
		Alert:     alert,
	}
	if p := r.Position; p != nil {
		note.WalletID = p.WalletID
		if p.Open() {
			amount, value := p.EntryAmount, p.EntryCost
			note.Amount, note.Value, note.TxID = &amount, &value, p.EntryTx
		} else {
			note.Amount, note.Value = p.ExitAmount, p.ExitProceeds
			if p.ExitTx != nil {
				note.TxID = *p.ExitTx
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	if t.assets != nil {
		if a, err := t.assets.GetAsset(ctx, r.AssetID); err == nil {
			note.Symbol, note.Address = a.Symbol, a.Address
		}
	}
	if err := t.notifier.Notify(ctx, note); err != nil {
		t.logger.Error().Err(err).Int64("asset_id", r.AssetID).Msg("failed to dispatch notification")
	}
}

var _ execution.Listener = (*Trades)(nil)
