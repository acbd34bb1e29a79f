package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgErrUniqueViolation = "23505"

const assetColumns = `
        id,
        address,
        symbol,
        name,
        pair_address,
        valid_samples,
        bound_wallet_id,
        label,
        target_iteration,
        target_price::text,
        holder_count,
        mintable,
        open_source,
        buy_tax::text,
        sell_tax::text,
        tx_buys,
        tx_sells,
        volume_24h::text,
        price_change_1h::text,
        last_price::text,
        last_liquidity::text,
        retry_count,
        pair_attempts,
        finalized,
        finalized_reason,
        created_at,
        updated_at`

const (
	upsertAssetSQL = `INSERT INTO assets (address, symbol, name, pair_address)
    VALUES ($1, $2, $3, NULLIF($4, ''))
    ON CONFLICT (address) DO UPDATE
    SET
        symbol       = COALESCE(NULLIF(EXCLUDED.symbol, ''), assets.symbol),
        name         = COALESCE(NULLIF(EXCLUDED.name, ''), assets.name),
        pair_address = COALESCE(EXCLUDED.pair_address, assets.pair_address),
        updated_at   = NOW()
    RETURNING` + assetColumns + `;`

	getAssetSQL = `SELECT` + assetColumns + `
    FROM assets
    WHERE id = $1;`

	getAssetByAddressSQL = `SELECT` + assetColumns + `
    FROM assets
    WHERE address = $1;`

	listAssetsSQL = `SELECT` + assetColumns + `
    FROM assets
    WHERE ($1 OR finalized = FALSE)
    ORDER BY id
    LIMIT NULLIF($2::int, 0);`

	nextBatchSQL = `SELECT` + assetColumns + `
    FROM assets
    WHERE finalized = FALSE
      AND id > $1
      AND (retry_count < $3 OR bound_wallet_id IS NOT NULL)
    ORDER BY id
    LIMIT $2;`

	applyEnrichmentSQL = `UPDATE assets
    SET
        symbol          = COALESCE(NULLIF($2, ''), symbol),
        name            = COALESCE(NULLIF($3, ''), name),
        pair_attempts   = CASE WHEN NULLIF($4, '') IS NULL AND pair_address IS NULL THEN pair_attempts + 1 ELSE 0 END,
        pair_address    = COALESCE(NULLIF($4, ''), pair_address),
        holder_count    = COALESCE($5, holder_count),
        mintable        = COALESCE($6, mintable),
        open_source     = COALESCE($7, open_source),
        buy_tax         = COALESCE($8::numeric, buy_tax),
        sell_tax        = COALESCE($9::numeric, sell_tax),
        tx_buys         = $10,
        tx_sells        = $11,
        volume_24h      = $12::numeric,
        price_change_1h = $13::numeric,
        last_price      = $14::numeric,
        last_liquidity  = $15::numeric,
        retry_count     = 0,
        updated_at      = NOW()
    WHERE id = $1
      AND finalized = FALSE
    RETURNING` + assetColumns + `;`

	recordFailureSQL = `UPDATE assets
    SET retry_count = retry_count + 1, updated_at = NOW()
    WHERE id = $1
    RETURNING retry_count;`

	updateForecastSQL = `UPDATE assets
    SET label = $2, target_iteration = $3, target_price = $4::numeric, updated_at = NOW()
    WHERE id = $1;`

	archiveAssetSQL = `UPDATE assets a
    SET finalized = TRUE, finalized_reason = $2, updated_at = NOW()
    WHERE a.id = $1
      AND a.finalized = FALSE
      AND a.bound_wallet_id IS NULL
      AND NOT EXISTS (
          SELECT 1 FROM positions p WHERE p.asset_id = a.id AND p.closed_at IS NULL
      );`

	lockSampleSQL = `SELECT price::text
    FROM metrics_samples
    WHERE asset_id = $1 AND ts = $2
    FOR UPDATE;`

	upsertSampleSQL = `INSERT INTO metrics_samples (
        asset_id,
        ts,
        price,
        liquidity,
        market_cap,
        fdv,
        volume,
        holders
    ) VALUES (
        $1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8
    )
    ON CONFLICT (asset_id, ts) DO UPDATE
    SET
        price      = EXCLUDED.price,
        liquidity  = EXCLUDED.liquidity,
        market_cap = EXCLUDED.market_cap,
        fdv        = EXCLUDED.fdv,
        volume     = EXCLUDED.volume,
        holders    = EXCLUDED.holders
    RETURNING (xmax = 0) AS inserted;`

	bumpValidSamplesSQL = `UPDATE assets SET valid_samples = valid_samples + 1 WHERE id = $1;`

	sampleColumns = `asset_id, ts, price::text, liquidity::text, market_cap::text, fdv::text, volume::text, holders`

	recentSamplesSQL = `SELECT ` + sampleColumns + `
    FROM metrics_samples
    WHERE asset_id = $1
    ORDER BY ts DESC
    LIMIT NULLIF($2::int, 0);`

	samplesBetweenSQL = `SELECT ` + sampleColumns + `
    FROM metrics_samples
    WHERE asset_id = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	countSamplesSQL = `SELECT COUNT(*) FROM metrics_samples WHERE asset_id = $1;`

	loadCursorSQL = `SELECT value FROM trader_state WHERE key = $1;`
	saveCursorSQL = `INSERT INTO trader_state (key, value) VALUES ($1, $2)
    ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Store is the PostgreSQL implementation of Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Pool exposes the underlying pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertAsset starts tracking an asset or refreshes its descriptive fields.
func (s *Store) UpsertAsset(ctx context.Context, asset NewAsset) (Asset, error) {
	pool, err := s.getPool()
	if err != nil {
		return Asset{}, err
	}
	if asset.Address == "" {
		return Asset{}, ErrInvalidInput
	}

	row := pool.QueryRow(ctx, upsertAssetSQL, asset.Address, asset.Symbol, asset.Name, asset.PairAddress)
	out, err := scanAsset(row)
	if err != nil {
		return Asset{}, fmt.Errorf("upsert asset: %w", err)
	}
	return out, nil
}

// GetAsset loads one asset.
func (s *Store) GetAsset(ctx context.Context, id int64) (Asset, error) {
	pool, err := s.getPool()
	if err != nil {
		return Asset{}, err
	}
	return getAsset(ctx, pool, id)
}

// GetAssetByAddress loads one asset by its contract address.
func (s *Store) GetAssetByAddress(ctx context.Context, address string) (Asset, error) {
	pool, err := s.getPool()
	if err != nil {
		return Asset{}, err
	}
	out, err := scanAsset(pool.QueryRow(ctx, getAssetByAddressSQL, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("get asset %s: %w", address, err)
	}
	return out, nil
}

// ListAssets lists assets in id order.
func (s *Store) ListAssets(ctx context.Context, includeFinalized bool, limit int) ([]Asset, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAssetsSQL, includeFinalized, limit)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return collectAssets(rows)
}

// NextBatch returns the next cursor page of schedulable assets.
func (s *Store) NextBatch(ctx context.Context, afterID int64, limit int, retryCap int) ([]Asset, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, nextBatchSQL, afterID, limit, retryCap)
	if err != nil {
		return nil, fmt.Errorf("next batch: %w", err)
	}
	return collectAssets(rows)
}

// ApplyEnrichment refreshes aggregates, resets the retry counter and moves
// the pair-resolution counter.
func (s *Store) ApplyEnrichment(ctx context.Context, id int64, u AggregateUpdate) (Asset, error) {
	pool, err := s.getPool()
	if err != nil {
		return Asset{}, err
	}

	row := pool.QueryRow(ctx, applyEnrichmentSQL,
		id,
		u.Symbol,
		u.Name,
		u.PairAddress,
		u.HolderCount,
		u.Mintable,
		u.OpenSource,
		nullDecimal(u.BuyTax),
		nullDecimal(u.SellTax),
		u.TxBuys,
		u.TxSells,
		u.Volume24h.String(),
		u.PriceChange1h.String(),
		u.LastPrice.String(),
		u.LastLiquidity.String(),
	)
	asset, err := scanAsset(row)
	if err == nil {
		return asset, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Asset{}, fmt.Errorf("apply enrichment: %w", err)
	}

	existing, getErr := getAsset(ctx, pool, id)
	if getErr != nil {
		return Asset{}, getErr
	}
	if existing.Finalized {
		return Asset{}, ErrArchived
	}
	return Asset{}, fmt.Errorf("apply enrichment: %w", err)
}

// RecordEnrichmentFailure increments and returns the asset's retry counter.
func (s *Store) RecordEnrichmentFailure(ctx context.Context, id int64) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if err := pool.QueryRow(ctx, recordFailureSQL, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("record enrichment failure: %w", err)
	}
	return count, nil
}

// UpdateForecast attaches the forecasting collaborator's output.
func (s *Store) UpdateForecast(ctx context.Context, id int64, f Forecast) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, updateForecastSQL, id, f.Label, f.TargetIteration, nullDecimal(f.TargetPrice))
	if err != nil {
		return fmt.Errorf("update forecast: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveAsset finalizes an asset if, and only if, nothing is bound to it.
func (s *Store) ArchiveAsset(ctx context.Context, id int64, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, archiveAssetSQL, id, reason)
	if err != nil {
		return fmt.Errorf("archive asset: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	asset, err := getAsset(ctx, pool, id)
	if err != nil {
		return err
	}
	if asset.Finalized {
		return nil
	}
	return ErrPositionOpen
}

// UpsertSample stores the (asset, second) sample. A newly stored second with
// a positive price, or a refinement that turns a non-positive price positive,
// advances the asset's valid sample counter.
func (s *Store) UpsertSample(ctx context.Context, sample MetricsSample) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	ts := sample.At.UTC().Truncate(time.Second)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevStr *string
	if err := tx.QueryRow(ctx, lockSampleSQL, sample.AssetID, ts).Scan(&prevStr); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("lock sample: %w", err)
	}

	var inserted bool
	if err := tx.QueryRow(ctx, upsertSampleSQL,
		sample.AssetID,
		ts,
		sample.Price.String(),
		sample.Liquidity.String(),
		sample.MarketCap.String(),
		sample.FDV.String(),
		sample.Volume.String(),
		sample.Holders,
	).Scan(&inserted); err != nil {
		return false, fmt.Errorf("upsert sample: %w", err)
	}

	becameValid := inserted && sample.Price.IsPositive()
	if !inserted && prevStr != nil && sample.Price.IsPositive() {
		prev, err := decimal.NewFromString(*prevStr)
		if err != nil {
			return false, fmt.Errorf("parse previous price: %w", err)
		}
		becameValid = !prev.IsPositive()
	}

	if becameValid {
		if _, err := tx.Exec(ctx, bumpValidSamplesSQL, sample.AssetID); err != nil {
			return false, fmt.Errorf("bump valid samples: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

// RecentSamples returns the newest samples first.
func (s *Store) RecentSamples(ctx context.Context, assetID int64, limit int) ([]MetricsSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, recentSamplesSQL, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent samples: %w", err)
	}
	return collectSamples(rows)
}

// SamplesBetween lists samples in [from, to) in time order.
func (s *Store) SamplesBetween(ctx context.Context, assetID int64, from, to time.Time) ([]MetricsSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, samplesBetweenSQL, assetID, from, to)
	if err != nil {
		return nil, fmt.Errorf("samples between: %w", err)
	}
	return collectSamples(rows)
}

// CountSamples counts stored samples of one asset.
func (s *Store) CountSamples(ctx context.Context, assetID int64) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if err := pool.QueryRow(ctx, countSamplesSQL, assetID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return count, nil
}

// LoadCursor returns a persisted cursor, zero when never saved.
func (s *Store) LoadCursor(ctx context.Context, key string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var value int64
	if err := pool.QueryRow(ctx, loadCursorSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("load cursor %s: %w", key, err)
	}
	return value, nil
}

// SaveCursor persists a cursor.
func (s *Store) SaveCursor(ctx context.Context, key string, value int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, saveCursorSQL, key, value); err != nil {
		return fmt.Errorf("save cursor %s: %w", key, err)
	}
	return nil
}

func getAsset(ctx context.Context, q querier, id int64) (Asset, error) {
	asset, err := scanAsset(q.QueryRow(ctx, getAssetSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func collectAssets(rows pgx.Rows) ([]Asset, error) {
	defer rows.Close()
	assets := make([]Asset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return assets, nil
}

func scanAsset(row pgx.Row) (Asset, error) {
	var (
		a                                                 Asset
		targetPrice                                       *string
		buyTax, sellTax, volume, change, price, liquidity string
	)
	if err := row.Scan(
		&a.ID,
		&a.Address,
		&a.Symbol,
		&a.Name,
		&a.PairAddress,
		&a.ValidSamples,
		&a.BoundWalletID,
		&a.Label,
		&a.TargetIteration,
		&targetPrice,
		&a.HolderCount,
		&a.Mintable,
		&a.OpenSource,
		&buyTax,
		&sellTax,
		&a.TxBuys,
		&a.TxSells,
		&volume,
		&change,
		&price,
		&liquidity,
		&a.RetryCount,
		&a.PairAttempts,
		&a.Finalized,
		&a.FinalizedReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return Asset{}, err
	}

	var err error
	if a.TargetPrice, err = parseNullDecimal(targetPrice); err != nil {
		return Asset{}, fmt.Errorf("parse target price: %w", err)
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&a.BuyTax, buyTax},
		{&a.SellTax, sellTax},
		{&a.Volume24h, volume},
		{&a.PriceChange1h, change},
		{&a.LastPrice, price},
		{&a.LastLiquidity, liquidity},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return Asset{}, fmt.Errorf("parse asset decimal: %w", err)
		}
	}
	return a, nil
}

func collectSamples(rows pgx.Rows) ([]MetricsSample, error) {
	defer rows.Close()
	samples := make([]MetricsSample, 0)
	for rows.Next() {
		var (
			sm                                    MetricsSample
			price, liquidity, mcap, fdv, volume string
		)
		if err := rows.Scan(&sm.AssetID, &sm.At, &price, &liquidity, &mcap, &fdv, &volume, &sm.Holders); err != nil {
			return nil, err
		}
		var err error
		if sm.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		if sm.Liquidity, err = decimal.NewFromString(liquidity); err != nil {
			return nil, fmt.Errorf("parse liquidity: %w", err)
		}
		if sm.MarketCap, err = decimal.NewFromString(mcap); err != nil {
			return nil, fmt.Errorf("parse market cap: %w", err)
		}
		if sm.FDV, err = decimal.NewFromString(fdv); err != nil {
			return nil, fmt.Errorf("parse fdv: %w", err)
		}
		if sm.Volume, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("parse volume: %w", err)
		}
		samples = append(samples, sm)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
