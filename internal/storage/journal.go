package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"token-trader/internal/wallet"
)

const walletColumns = `
        id,
        address,
        spend_per_entry::text,
        enabled,
        bound_asset_id,
        realized_profit::text,
        trades,
        last_used_at`

const positionColumns = `
        id,
        wallet_id,
        asset_id,
        entry_iteration,
        entry_price::text,
        entry_amount::text,
        entry_cost::text,
        entry_value::text,
        entry_tx,
        opened_at,
        exit_iteration,
        exit_price::text,
        exit_amount::text,
        exit_proceeds::text,
        exit_tx,
        outcome,
        exit_claimed_at,
        closed_at`

const (
	syncWalletSQL = `INSERT INTO wallets (address, spend_per_entry, enabled)
    VALUES ($1, $2::numeric, $3)
    ON CONFLICT (address) DO UPDATE
    SET spend_per_entry = EXCLUDED.spend_per_entry,
        enabled         = EXCLUDED.enabled;`

	listWalletsSQL = `SELECT` + walletColumns + `
    FROM wallets
    ORDER BY id;`

	getWalletSQL = `SELECT` + walletColumns + `
    FROM wallets
    WHERE id = $1;`

	countEnabledWalletsSQL = `SELECT COUNT(*) FROM wallets WHERE enabled AND spend_per_entry > 0;`

	setWalletEnabledSQL = `UPDATE wallets SET enabled = $2 WHERE id = $1;`

	lockAssetSQL = `SELECT` + assetColumns + `
    FROM assets
    WHERE id = $1
    FOR UPDATE;`

	assetHasOpenPositionSQL = `SELECT EXISTS (
        SELECT 1 FROM positions WHERE asset_id = $1 AND closed_at IS NULL
    );`

	eligibleWalletsSQL = `SELECT w.id
    FROM wallets w
    WHERE w.enabled
      AND w.spend_per_entry > 0
      AND w.bound_asset_id IS NULL
      AND NOT EXISTS (
          SELECT 1 FROM positions p WHERE p.wallet_id = w.id AND p.closed_at IS NULL
      )
    ORDER BY w.id;`

	bindWalletSQL = `UPDATE wallets
    SET bound_asset_id = $2, last_used_at = NOW()
    WHERE id = $1
      AND bound_asset_id IS NULL
      AND enabled
      AND spend_per_entry > 0
    RETURNING` + walletColumns + `;`

	bindAssetSQL = `UPDATE assets
    SET bound_wallet_id = $2, updated_at = NOW()
    WHERE id = $1
      AND bound_wallet_id IS NULL
    RETURNING` + assetColumns + `;`

	releaseAssetSQL = `UPDATE assets a
    SET bound_wallet_id = NULL, updated_at = NOW()
    WHERE a.id = $1
      AND a.bound_wallet_id = $2
      AND NOT EXISTS (
          SELECT 1 FROM positions p WHERE p.asset_id = a.id AND p.closed_at IS NULL
      );`

	releaseWalletSQL = `UPDATE wallets w
    SET bound_asset_id = NULL
    WHERE w.id = $1
      AND w.bound_asset_id = $2
      AND NOT EXISTS (
          SELECT 1 FROM positions p WHERE p.wallet_id = w.id AND p.closed_at IS NULL
      );`

	lockAssetBindingSQL = `SELECT bound_wallet_id FROM assets WHERE id = $1 FOR UPDATE;`

	insertPositionSQL = `INSERT INTO positions (
        wallet_id,
        asset_id,
        entry_iteration,
        entry_price,
        entry_amount,
        entry_cost,
        entry_value,
        entry_tx
    ) VALUES (
        $1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $4::numeric * $5::numeric, $7
    )
    RETURNING` + positionColumns + `;`

	bumpWalletTradesSQL = `UPDATE wallets SET trades = trades + 1 WHERE id = $1;`

	openPositionForAssetSQL = `SELECT` + positionColumns + `
    FROM positions
    WHERE asset_id = $1
      AND closed_at IS NULL;`

	latestPositionForAssetSQL = `SELECT` + positionColumns + `
    FROM positions
    WHERE asset_id = $1
    ORDER BY id DESC
    LIMIT 1;`

	listPositionsSQL = `SELECT` + positionColumns + `
    FROM positions
    WHERE (NOT $1 OR closed_at IS NULL)
    ORDER BY id DESC
    LIMIT NULLIF($2::int, 0);`

	claimExitSQL = `UPDATE positions
    SET exit_claimed_at = NOW()
    WHERE id = $1
      AND closed_at IS NULL
      AND (exit_claimed_at IS NULL OR exit_claimed_at < NOW() - make_interval(secs => $2::double precision));`

	releaseExitClaimSQL = `UPDATE positions SET exit_claimed_at = NULL WHERE id = $1 AND closed_at IS NULL;`

	lockPositionSQL = `SELECT` + positionColumns + `
    FROM positions
    WHERE id = $1
    FOR UPDATE;`

	closePositionSQL = `UPDATE positions
    SET
        exit_iteration = $2,
        exit_price     = $3::numeric,
        exit_amount    = $4::numeric,
        exit_proceeds  = $5::numeric,
        exit_tx        = NULLIF($6, ''),
        outcome        = $7,
        closed_at      = NOW()
    WHERE id = $1
      AND closed_at IS NULL
    RETURNING` + positionColumns + `;`

	unbindAssetSQL = `UPDATE assets
    SET bound_wallet_id = NULL, updated_at = NOW()
    WHERE id = $1
      AND bound_wallet_id = $2;`

	settleWalletSQL = `UPDATE wallets
    SET
        bound_asset_id  = CASE WHEN bound_asset_id = $2 THEN NULL ELSE bound_asset_id END,
        realized_profit = realized_profit + $3::numeric
    WHERE id = $1;`
)

// SyncWallets upserts the configured wallets. Wallets missing from specs are
// left untouched; provisioning never destroys a wallet.
func (s *Store) SyncWallets(ctx context.Context, specs []WalletSpec) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, spec := range specs {
		if spec.Address == "" {
			return ErrInvalidInput
		}
		if _, err := tx.Exec(ctx, syncWalletSQL, spec.Address, spec.SpendPerEntry.String(), spec.Enabled); err != nil {
			return fmt.Errorf("sync wallet %s: %w", spec.Address, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListWallets lists the registry in id order.
func (s *Store) ListWallets(ctx context.Context) ([]Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listWalletsSQL)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	wallets := make([]Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return wallets, nil
}

// GetWallet loads one wallet.
func (s *Store) GetWallet(ctx context.Context, id int64) (Wallet, error) {
	pool, err := s.getPool()
	if err != nil {
		return Wallet{}, err
	}
	w, err := scanWallet(pool.QueryRow(ctx, getWalletSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// CountEnabledWallets counts wallets that may fund entries.
func (s *Store) CountEnabledWallets(ctx context.Context) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if err := pool.QueryRow(ctx, countEnabledWalletsSQL).Scan(&count); err != nil {
		return 0, fmt.Errorf("count enabled wallets: %w", err)
	}
	return count, nil
}

// SetWalletEnabled toggles a wallet.
func (s *Store) SetWalletEnabled(ctx context.Context, id int64, enabled bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, setWalletEnabledSQL, id, enabled)
	if err != nil {
		return fmt.Errorf("set wallet enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReserveEntry binds a free wallet to the asset inside one transaction.
// The asset row lock serializes concurrent entries on the same asset; the
// conditional updates on both rows are the compare-and-set that keeps a
// wallet from being handed to two assets.
func (s *Store) ReserveEntry(ctx context.Context, assetID int64) (Reservation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Reservation{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Reservation{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	asset, err := scanAsset(tx.QueryRow(ctx, lockAssetSQL, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("lock asset: %w", err)
	}
	if asset.Finalized {
		return Reservation{}, ErrArchived
	}
	if asset.Bound() {
		return Reservation{}, ErrAlreadyReserved
	}

	var open bool
	if err := tx.QueryRow(ctx, assetHasOpenPositionSQL, assetID).Scan(&open); err != nil {
		return Reservation{}, fmt.Errorf("check open position: %w", err)
	}
	if open {
		return Reservation{}, ErrPositionOpen
	}

	var lastUsed int64
	if err := tx.QueryRow(ctx, loadCursorSQL, WalletCursorKey).Scan(&lastUsed); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, fmt.Errorf("load wallet cursor: %w", err)
	}

	eligible, err := eligibleWalletIDs(ctx, tx)
	if err != nil {
		return Reservation{}, err
	}

	var bound *Wallet
	for _, id := range wallet.Order(eligible, lastUsed) {
		w, err := scanWallet(tx.QueryRow(ctx, bindWalletSQL, id, assetID))
		if errors.Is(err, pgx.ErrNoRows) {
			// taken by a concurrent reservation since the eligibility read
			continue
		}
		if err != nil {
			if isUniqueViolation(err) {
				return Reservation{}, ErrAlreadyReserved
			}
			return Reservation{}, fmt.Errorf("bind wallet: %w", err)
		}
		bound = &w
		break
	}
	if bound == nil {
		return Reservation{}, ErrNoFreeWallet
	}

	asset, err = scanAsset(tx.QueryRow(ctx, bindAssetSQL, assetID, bound.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrAlreadyReserved
		}
		return Reservation{}, fmt.Errorf("bind asset: %w", err)
	}

	if _, err := tx.Exec(ctx, saveCursorSQL, WalletCursorKey, bound.ID); err != nil {
		return Reservation{}, fmt.Errorf("save wallet cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, fmt.Errorf("commit tx: %w", err)
	}
	return Reservation{Asset: asset, Wallet: *bound}, nil
}

func eligibleWalletIDs(ctx context.Context, tx pgx.Tx) ([]int64, error) {
	rows, err := tx.Query(ctx, eligibleWalletsSQL)
	if err != nil {
		return nil, fmt.Errorf("eligible wallets: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return ids, nil
}

// ReleaseReservation undoes ReserveEntry. Both sides are cleared only while
// they still point at each other and no position was journaled.
func (s *Store) ReleaseReservation(ctx context.Context, assetID, walletID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, releaseAssetSQL, assetID, walletID); err != nil {
		return fmt.Errorf("release asset: %w", err)
	}
	if _, err := tx.Exec(ctx, releaseWalletSQL, walletID, assetID); err != nil {
		return fmt.Errorf("release wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// OpenPosition journals a confirmed entry. The asset must still be bound to
// the funding wallet.
func (s *Store) OpenPosition(ctx context.Context, open PositionOpen) (Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return Position{}, err
	}
	if open.EntryTx == "" {
		return Position{}, ErrInvalidInput
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var boundWallet *int64
	if err := tx.QueryRow(ctx, lockAssetBindingSQL, open.AssetID).Scan(&boundWallet); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrNotFound
		}
		return Position{}, fmt.Errorf("lock asset binding: %w", err)
	}
	if boundWallet == nil || *boundWallet != open.WalletID {
		return Position{}, fmt.Errorf("asset %d is not bound to wallet %d: %w", open.AssetID, open.WalletID, ErrInvalidInput)
	}

	pos, err := scanPosition(tx.QueryRow(ctx, insertPositionSQL,
		open.WalletID,
		open.AssetID,
		open.EntryIteration,
		open.EntryPrice.String(),
		open.EntryAmount.String(),
		open.EntryCost.String(),
		open.EntryTx,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return Position{}, ErrPositionOpen
		}
		return Position{}, fmt.Errorf("insert position: %w", err)
	}

	if _, err := tx.Exec(ctx, bumpWalletTradesSQL, open.WalletID); err != nil {
		return Position{}, fmt.Errorf("bump wallet trades: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Position{}, fmt.Errorf("commit tx: %w", err)
	}
	return pos, nil
}

// OpenPositionForAsset returns the asset's open position or ErrNotFound.
func (s *Store) OpenPositionForAsset(ctx context.Context, assetID int64) (Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return Position{}, err
	}
	pos, err := scanPosition(pool.QueryRow(ctx, openPositionForAssetSQL, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrNotFound
		}
		return Position{}, fmt.Errorf("open position for asset: %w", err)
	}
	return pos, nil
}

// LatestPositionForAsset returns the asset's most recent journal row, open
// or closed, or ErrNotFound.
func (s *Store) LatestPositionForAsset(ctx context.Context, assetID int64) (Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return Position{}, err
	}
	pos, err := scanPosition(pool.QueryRow(ctx, latestPositionForAssetSQL, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrNotFound
		}
		return Position{}, fmt.Errorf("latest position for asset: %w", err)
	}
	return pos, nil
}

// ListPositions lists journal rows, newest first.
func (s *Store) ListPositions(ctx context.Context, openOnly bool, limit int) ([]Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listPositionsSQL, openOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	positions := make([]Position, 0, limit)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return positions, nil
}

// ClaimExit marks an open position as being exited.
func (s *Store) ClaimExit(ctx context.Context, positionID int64, staleAfter time.Duration) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, err := pool.Exec(ctx, claimExitSQL, positionID, staleAfter.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim exit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseExitClaim drops an exit claim after a failed exit.
func (s *Store) ReleaseExitClaim(ctx context.Context, positionID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, releaseExitClaimSQL, positionID); err != nil {
		return fmt.Errorf("release exit claim: %w", err)
	}
	return nil
}

// ClosePosition fills the exit fields, unbinds the asset and returns the
// wallet to the free pool, all in one transaction.
func (s *Store) ClosePosition(ctx context.Context, c PositionClose) (Position, error) {
	pool, err := s.getPool()
	if err != nil {
		return Position{}, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanPosition(tx.QueryRow(ctx, lockPositionSQL, c.PositionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, ErrNotFound
		}
		return Position{}, fmt.Errorf("lock position: %w", err)
	}
	if !current.Open() {
		return Position{}, ErrNotFound
	}

	closed, err := scanPosition(tx.QueryRow(ctx, closePositionSQL,
		c.PositionID,
		c.ExitIteration,
		c.ExitPrice.String(),
		c.ExitAmount.String(),
		c.ExitProceeds.String(),
		c.ExitTx,
		c.Outcome,
	))
	if err != nil {
		return Position{}, fmt.Errorf("close position: %w", err)
	}

	if _, err := tx.Exec(ctx, unbindAssetSQL, closed.AssetID, closed.WalletID); err != nil {
		return Position{}, fmt.Errorf("unbind asset: %w", err)
	}
	profit := c.ExitProceeds.Sub(closed.EntryCost)
	if _, err := tx.Exec(ctx, settleWalletSQL, closed.WalletID, closed.AssetID, profit.String()); err != nil {
		return Position{}, fmt.Errorf("settle wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Position{}, fmt.Errorf("commit tx: %w", err)
	}
	return closed, nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w             Wallet
		spend, profit string
	)
	if err := row.Scan(
		&w.ID,
		&w.Address,
		&spend,
		&w.Enabled,
		&w.BoundAssetID,
		&profit,
		&w.Trades,
		&w.LastUsedAt,
	); err != nil {
		return Wallet{}, err
	}
	var err error
	if w.SpendPerEntry, err = decimal.NewFromString(spend); err != nil {
		return Wallet{}, fmt.Errorf("parse spend per entry: %w", err)
	}
	if w.RealizedProfit, err = decimal.NewFromString(profit); err != nil {
		return Wallet{}, fmt.Errorf("parse realized profit: %w", err)
	}
	return w, nil
}

func scanPosition(row pgx.Row) (Position, error) {
	var (
		p                                  Position
		price, amount, cost, value         string
		exitPrice, exitAmount, exitProceed *string
	)
	if err := row.Scan(
		&p.ID,
		&p.WalletID,
		&p.AssetID,
		&p.EntryIteration,
		&price,
		&amount,
		&cost,
		&value,
		&p.EntryTx,
		&p.OpenedAt,
		&p.ExitIteration,
		&exitPrice,
		&exitAmount,
		&exitProceed,
		&p.ExitTx,
		&p.Outcome,
		&p.ExitClaimedAt,
		&p.ClosedAt,
	); err != nil {
		return Position{}, err
	}

	var err error
	if p.EntryPrice, err = decimal.NewFromString(price); err != nil {
		return Position{}, fmt.Errorf("parse entry price: %w", err)
	}
	if p.EntryAmount, err = decimal.NewFromString(amount); err != nil {
		return Position{}, fmt.Errorf("parse entry amount: %w", err)
	}
	if p.EntryCost, err = decimal.NewFromString(cost); err != nil {
		return Position{}, fmt.Errorf("parse entry cost: %w", err)
	}
	if p.EntryValue, err = decimal.NewFromString(value); err != nil {
		return Position{}, fmt.Errorf("parse entry value: %w", err)
	}
	if p.ExitPrice, err = parseNullDecimal(exitPrice); err != nil {
		return Position{}, fmt.Errorf("parse exit price: %w", err)
	}
	if p.ExitAmount, err = parseNullDecimal(exitAmount); err != nil {
		return Position{}, fmt.Errorf("parse exit amount: %w", err)
	}
	if p.ExitProceeds, err = parseNullDecimal(exitProceed); err != nil {
		return Position{}, fmt.Errorf("parse exit proceeds: %w", err)
	}
	return p, nil
}
