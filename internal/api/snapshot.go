// Package api exposes read-only snapshots, the force enter/exit overrides and
// a websocket push channel over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"token-trader/internal/storage"
)

// PositionView is the JSON shape of a journal row.
type PositionView struct {
	ID             int64            `json:"id"`
	WalletID       int64            `json:"wallet_id"`
	AssetID        int64            `json:"asset_id"`
	EntryIteration int64            `json:"entry_iteration"`
	EntryPrice     decimal.Decimal  `json:"entry_price"`
	EntryAmount    decimal.Decimal  `json:"entry_amount"`
	EntryCost      decimal.Decimal  `json:"entry_cost"`
	EntryValue     decimal.Decimal  `json:"entry_value"`
	EntryTx        string           `json:"entry_tx"`
	OpenedAt       time.Time        `json:"opened_at"`
	ExitIteration  *int64           `json:"exit_iteration,omitempty"`
	ExitPrice      *decimal.Decimal `json:"exit_price,omitempty"`
	ExitAmount     *decimal.Decimal `json:"exit_amount,omitempty"`
	ExitProceeds   *decimal.Decimal `json:"exit_proceeds,omitempty"`
	ExitTx         *string          `json:"exit_tx,omitempty"`
	Outcome        *string          `json:"outcome,omitempty"`
	ClosedAt       *time.Time       `json:"closed_at,omitempty"`
	Open           bool             `json:"open"`
}

func positionView(p storage.Position) PositionView {
	return PositionView{
		ID:             p.ID,
		WalletID:       p.WalletID,
		AssetID:        p.AssetID,
		EntryIteration: p.EntryIteration,
		EntryPrice:     p.EntryPrice,
		EntryAmount:    p.EntryAmount,
		EntryCost:      p.EntryCost,
		EntryValue:     p.EntryValue,
		EntryTx:        p.EntryTx,
		OpenedAt:       p.OpenedAt,
		ExitIteration:  p.ExitIteration,
		ExitPrice:      p.ExitPrice,
		ExitAmount:     p.ExitAmount,
		ExitProceeds:   p.ExitProceeds,
		ExitTx:         p.ExitTx,
		Outcome:        p.Outcome,
		ClosedAt:       p.ClosedAt,
		Open:           p.Open(),
	}
}

// WalletView is the JSON shape of a wallet.
type WalletView struct {
	ID             int64           `json:"id"`
	Address        string          `json:"address"`
	SpendPerEntry  decimal.Decimal `json:"spend_per_entry"`
	Enabled        bool            `json:"enabled"`
	BoundAssetID   *int64          `json:"bound_asset_id,omitempty"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	Trades         int64           `json:"trades"`
	LastUsedAt     *time.Time      `json:"last_used_at,omitempty"`
}

func walletView(w storage.Wallet) WalletView {
	return WalletView{
		ID:             w.ID,
		Address:        w.Address,
		SpendPerEntry:  w.SpendPerEntry,
		Enabled:        w.Enabled,
		BoundAssetID:   w.BoundAssetID,
		RealizedProfit: w.RealizedProfit,
		Trades:         w.Trades,
		LastUsedAt:     w.LastUsedAt,
	}
}

// Snapshot is the read-only view of one asset the dashboard renders. It only
// ever reflects confirmed state.
type Snapshot struct {
	AssetID         int64            `json:"asset_id"`
	Address         string           `json:"address"`
	Symbol          string           `json:"symbol"`
	Name            string           `json:"name"`
	PairAddress     *string          `json:"pair_address,omitempty"`
	Iteration       int64            `json:"iteration"`
	Label           string           `json:"label"`
	TargetIteration *int64           `json:"target_iteration,omitempty"`
	TargetPrice     *decimal.Decimal `json:"target_price,omitempty"`
	LastPrice       decimal.Decimal  `json:"last_price"`
	LastLiquidity   decimal.Decimal  `json:"last_liquidity"`
	BoundWalletID   *int64           `json:"bound_wallet_id,omitempty"`
	Finalized       bool             `json:"finalized"`
	FinalizedReason string           `json:"finalized_reason,omitempty"`
	Position        *PositionView    `json:"position,omitempty"`
	MarkToMarket    *decimal.Decimal `json:"mark_to_market,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// BuildSnapshot assembles an asset's snapshot from the store.
func BuildSnapshot(ctx context.Context, store storage.Repository, assetID int64) (Snapshot, error) {
	asset, err := store.GetAsset(ctx, assetID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		AssetID:         asset.ID,
		Address:         asset.Address,
		Symbol:          asset.Symbol,
		Name:            asset.Name,
		PairAddress:     asset.PairAddress,
		Iteration:       asset.ValidSamples,
		Label:           asset.Label,
		TargetIteration: asset.TargetIteration,
		TargetPrice:     asset.TargetPrice,
		LastPrice:       asset.LastPrice,
		LastLiquidity:   asset.LastLiquidity,
		BoundWalletID:   asset.BoundWalletID,
		Finalized:       asset.Finalized,
		FinalizedReason: asset.FinalizedReason,
		UpdatedAt:       asset.UpdatedAt,
	}

	pos, err := store.LatestPositionForAsset(ctx, assetID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return snap, nil
	case err != nil:
		return Snapshot{}, fmt.Errorf("latest position: %w", err)
	}
	view := positionView(pos)
	snap.Position = &view
	if pos.Open() {
		mtm := pos.MarkToMarket(asset.LastPrice)
		snap.MarkToMarket = &mtm
	}
	return snap, nil
}
