package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Forecast labels attached to an asset by the forecasting collaborator.
const (
	LabelBuy  = "buy"
	LabelNot  = "not"
	LabelHold = "hold"
)

// Asset is a tracked token. ValidSamples doubles as the asset's iteration
// counter: it only grows when a new second with a positive price is stored.
type Asset struct {
	ID          int64
	Address     string
	Symbol      string
	Name        string
	PairAddress *string

	ValidSamples  int64
	BoundWalletID *int64

	Label           string
	TargetIteration *int64
	TargetPrice     *decimal.Decimal

	HolderCount   int64
	Mintable      bool
	OpenSource    bool
	BuyTax        decimal.Decimal
	SellTax       decimal.Decimal
	TxBuys        int64
	TxSells       int64
	Volume24h     decimal.Decimal
	PriceChange1h decimal.Decimal
	LastPrice     decimal.Decimal
	LastLiquidity decimal.Decimal

	RetryCount   int
	PairAttempts int

	Finalized       bool
	FinalizedReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Bound reports whether a wallet is currently reserved for the asset.
func (a Asset) Bound() bool {
	return a.BoundWalletID != nil
}

// NewAsset carries the fields accepted when an asset starts being tracked.
type NewAsset struct {
	Address     string
	Symbol      string
	Name        string
	PairAddress string
}

// MetricsSample is one per-second snapshot of an asset's market.
type MetricsSample struct {
	AssetID   int64
	At        time.Time
	Price     decimal.Decimal
	Liquidity decimal.Decimal
	MarketCap decimal.Decimal
	FDV       decimal.Decimal
	Volume    decimal.Decimal
	Holders   int64
}

// AggregateUpdate holds the slow-changing fields refreshed on every
// successful enrichment. PairAddress empty means the pair is still unresolved.
type AggregateUpdate struct {
	Symbol        string
	Name          string
	PairAddress   string
	HolderCount   *int64
	Mintable      *bool
	OpenSource    *bool
	BuyTax        *decimal.Decimal
	SellTax       *decimal.Decimal
	TxBuys        int64
	TxSells       int64
	Volume24h     decimal.Decimal
	PriceChange1h decimal.Decimal
	LastPrice     decimal.Decimal
	LastLiquidity decimal.Decimal
}

// Forecast is the optional output of the forecasting collaborator.
type Forecast struct {
	Label           string
	TargetIteration *int64
	TargetPrice     *decimal.Decimal
}

// Wallet is a funding identity. A zero SpendPerEntry disables it just like
// Enabled=false does.
type Wallet struct {
	ID             int64
	Address        string
	SpendPerEntry  decimal.Decimal
	Enabled        bool
	BoundAssetID   *int64
	RealizedProfit decimal.Decimal
	Trades         int64
	LastUsedAt     *time.Time
}

// Usable reports whether the wallet may fund new entries.
func (w Wallet) Usable() bool {
	return w.Enabled && w.SpendPerEntry.IsPositive()
}

// WalletSpec is the provisioning view of a wallet coming from configuration.
type WalletSpec struct {
	Address       string
	SpendPerEntry decimal.Decimal
	Enabled       bool
}

// Reservation is the result of binding a free wallet to an asset.
type Reservation struct {
	Asset  Asset
	Wallet Wallet
}

// Position is one journal row. ClosedAt == nil marks an open position.
type Position struct {
	ID       int64
	WalletID int64
	AssetID  int64

	EntryIteration int64
	EntryPrice     decimal.Decimal
	EntryAmount    decimal.Decimal
	EntryCost      decimal.Decimal
	EntryValue     decimal.Decimal
	EntryTx        string
	OpenedAt       time.Time

	ExitIteration *int64
	ExitPrice     *decimal.Decimal
	ExitAmount    *decimal.Decimal
	ExitProceeds  *decimal.Decimal
	ExitTx        *string
	Outcome       *string
	ExitClaimedAt *time.Time
	ClosedAt      *time.Time
}

// Open reports whether the position has no exit recorded yet.
func (p Position) Open() bool {
	return p.ClosedAt == nil
}

// MarkToMarket values the journaled quantity at price.
func (p Position) MarkToMarket(price decimal.Decimal) decimal.Decimal {
	return p.EntryAmount.Mul(price)
}

// PositionOpen is the payload journaled after a confirmed entry.
type PositionOpen struct {
	WalletID       int64
	AssetID        int64
	EntryIteration int64
	EntryPrice     decimal.Decimal
	EntryAmount    decimal.Decimal
	EntryCost      decimal.Decimal
	EntryTx        string
}

// PositionClose is the payload journaled after a confirmed (or written-off) exit.
type PositionClose struct {
	PositionID    int64
	ExitIteration int64
	ExitPrice     decimal.Decimal
	ExitAmount    decimal.Decimal
	ExitProceeds  decimal.Decimal
	ExitTx        string
	Outcome       string
}
