package storage

import (
	"context"
	"time"
)

// AssetStore persists tracked assets and their slow-changing aggregates.
type AssetStore interface {
	UpsertAsset(ctx context.Context, asset NewAsset) (Asset, error)
	GetAsset(ctx context.Context, id int64) (Asset, error)
	GetAssetByAddress(ctx context.Context, address string) (Asset, error)
	ListAssets(ctx context.Context, includeFinalized bool, limit int) ([]Asset, error)
	// NextBatch returns up to limit active assets with id > afterID in
	// ascending id order, skipping those whose retry counter reached retryCap
	// unless they still hold a wallet.
	NextBatch(ctx context.Context, afterID int64, limit int, retryCap int) ([]Asset, error)
	ApplyEnrichment(ctx context.Context, id int64, update AggregateUpdate) (Asset, error)
	RecordEnrichmentFailure(ctx context.Context, id int64) (int, error)
	UpdateForecast(ctx context.Context, id int64, forecast Forecast) error
	// ArchiveAsset finalizes an asset. It returns ErrPositionOpen when the
	// asset is bound or has an open position; archiving twice is a no-op.
	ArchiveAsset(ctx context.Context, id int64, reason string) error
}

// MetricsStore persists per-second market snapshots.
type MetricsStore interface {
	// UpsertSample stores a sample keyed by (asset, second) and reports
	// whether a new row was created.
	UpsertSample(ctx context.Context, sample MetricsSample) (bool, error)
	// RecentSamples returns up to limit samples, newest first.
	RecentSamples(ctx context.Context, assetID int64, limit int) ([]MetricsSample, error)
	SamplesBetween(ctx context.Context, assetID int64, from, to time.Time) ([]MetricsSample, error)
	CountSamples(ctx context.Context, assetID int64) (int64, error)
}

// WalletStore is the Wallet Registry.
type WalletStore interface {
	SyncWallets(ctx context.Context, specs []WalletSpec) error
	ListWallets(ctx context.Context) ([]Wallet, error)
	GetWallet(ctx context.Context, id int64) (Wallet, error)
	CountEnabledWallets(ctx context.Context) (int, error)
	SetWalletEnabled(ctx context.Context, id int64, enabled bool) error
}

// PositionStore is the Position Journal together with the reservation
// primitives that keep assets, wallets and open positions in lockstep.
type PositionStore interface {
	// ReserveEntry locks the asset row, verifies it is free and binds one
	// free wallet to it. Contention is reported as ErrAlreadyReserved,
	// ErrPositionOpen, ErrArchived or ErrNoFreeWallet.
	ReserveEntry(ctx context.Context, assetID int64) (Reservation, error)
	ReleaseReservation(ctx context.Context, assetID, walletID int64) error
	OpenPosition(ctx context.Context, open PositionOpen) (Position, error)
	OpenPositionForAsset(ctx context.Context, assetID int64) (Position, error)
	LatestPositionForAsset(ctx context.Context, assetID int64) (Position, error)
	ListPositions(ctx context.Context, openOnly bool, limit int) ([]Position, error)
	// ClaimExit marks the position as being exited. A claim older than
	// staleAfter may be taken over. It returns false if someone else holds it.
	ClaimExit(ctx context.Context, positionID int64, staleAfter time.Duration) (bool, error)
	ReleaseExitClaim(ctx context.Context, positionID int64) error
	ClosePosition(ctx context.Context, close PositionClose) (Position, error)
}

// CursorStore persists named integer cursors.
type CursorStore interface {
	LoadCursor(ctx context.Context, key string) (int64, error)
	SaveCursor(ctx context.Context, key string, value int64) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the trading engine needs from persistence.
type Repository interface {
	AssetStore
	MetricsStore
	WalletStore
	PositionStore
	CursorStore
}

// WalletCursorKey names the persisted round-robin position of the allocator.
const WalletCursorKey = "wallet_cursor"
