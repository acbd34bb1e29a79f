package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"token-trader/internal/config"
)

// setupTestStore starts a disposable PostgreSQL, applies the embedded
// migrations and returns a ready store.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("跳过集成测试 (-short)")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 20})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrations must be re-runnable")

	return NewStore(pool)
}

func seedStore(t *testing.T, s *Store, wallets int) Asset {
	t.Helper()
	ctx := context.Background()
	specs := make([]WalletSpec, 0, wallets)
	for i := 0; i < wallets; i++ {
		specs = append(specs, WalletSpec{
			Address:       "0xwallet" + string(rune('a'+i)),
			SpendPerEntry: decimal.RequireFromString("0.05"),
			Enabled:       true,
		})
	}
	require.NoError(t, s.SyncWallets(ctx, specs))

	asset, err := s.UpsertAsset(ctx, NewAsset{Address: "0xtoken", Symbol: "TKN"})
	require.NoError(t, err)
	return asset
}

func TestPostgresStore(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	asset := seedStore(t, s, 4)

	t.Run("lookup by address", func(t *testing.T) {
		got, err := s.GetAssetByAddress(ctx, asset.Address)
		require.NoError(t, err)
		assert.Equal(t, asset.ID, got.ID)

		_, err = s.GetAssetByAddress(ctx, "0xmissing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("upsert sample idempotent", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		sample := MetricsSample{
			AssetID:   asset.ID,
			At:        at,
			Price:     decimal.RequireFromString("0.000123"),
			Liquidity: decimal.NewFromInt(15000),
			Holders:   320,
		}
		inserted, err := s.UpsertSample(ctx, sample)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.UpsertSample(ctx, sample)
		require.NoError(t, err)
		assert.False(t, inserted)

		count, err := s.CountSamples(ctx, asset.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)

		got, err := s.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.ValidSamples)

		recent, err := s.RecentSamples(ctx, asset.ID, 5)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.True(t, recent[0].Price.Equal(sample.Price))
	})

	t.Run("concurrent reservations", func(t *testing.T) {
		const attempts = 12
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok       int
			declined int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ReserveEntry(ctx, asset.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrAlreadyReserved):
					declined++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, attempts-1, declined)
	})

	t.Run("open archive close", func(t *testing.T) {
		got, err := s.GetAsset(ctx, asset.ID)
		require.NoError(t, err)
		require.NotNil(t, got.BoundWalletID)

		pos, err := s.OpenPosition(ctx, PositionOpen{
			WalletID:       *got.BoundWalletID,
			AssetID:        asset.ID,
			EntryIteration: 1,
			EntryPrice:     decimal.RequireFromString("0.5"),
			EntryAmount:    decimal.NewFromInt(10),
			EntryCost:      decimal.RequireFromString("0.05"),
			EntryTx:        "0xentry",
		})
		require.NoError(t, err)
		assert.True(t, pos.EntryValue.Equal(decimal.NewFromInt(5)))

		for i := 0; i < 2; i++ {
			_, err := s.RecordEnrichmentFailure(ctx, asset.ID)
			require.NoError(t, err)
		}
		batch, err := s.NextBatch(ctx, 0, 10, 2)
		require.NoError(t, err)
		require.Len(t, batch, 1, "capped asset with an open position stays scheduled")
		assert.Equal(t, asset.ID, batch[0].ID)

		require.ErrorIs(t, s.ArchiveAsset(ctx, asset.ID, "dead"), ErrPositionOpen)

		claimed, err := s.ClaimExit(ctx, pos.ID, time.Minute)
		require.NoError(t, err)
		assert.True(t, claimed)
		claimed, err = s.ClaimExit(ctx, pos.ID, time.Minute)
		require.NoError(t, err)
		assert.False(t, claimed)

		closed, err := s.ClosePosition(ctx, PositionClose{
			PositionID:    pos.ID,
			ExitIteration: 2,
			ExitPrice:     decimal.RequireFromString("0.6"),
			ExitAmount:    decimal.NewFromInt(10),
			ExitProceeds:  decimal.RequireFromString("0.06"),
			ExitTx:        "0xexit",
			Outcome:       "target_return",
		})
		require.NoError(t, err)
		assert.False(t, closed.Open())

		w, err := s.GetWallet(ctx, pos.WalletID)
		require.NoError(t, err)
		assert.Nil(t, w.BoundAssetID)
		assert.True(t, w.RealizedProfit.Equal(decimal.RequireFromString("0.01")))

		require.NoError(t, s.ArchiveAsset(ctx, asset.ID, "dead"))
		require.NoError(t, s.ArchiveAsset(ctx, asset.ID, "dead"))
		_, err = s.ReserveEntry(ctx, asset.ID)
		assert.ErrorIs(t, err, ErrArchived)
	})

	t.Run("cursor", func(t *testing.T) {
		v, err := s.LoadCursor(ctx, "analyzer")
		require.NoError(t, err)
		assert.Equal(t, int64(0), v)
		require.NoError(t, s.SaveCursor(ctx, "analyzer", 17))
		v, err = s.LoadCursor(ctx, "analyzer")
		require.NoError(t, err)
		assert.Equal(t, int64(17), v)
	})
}

func TestNilPool(t *testing.T) {
	s := NewStore(nil)
	_, err := s.GetAsset(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, Migrate(context.Background(), nil), ErrNotConfigured)
}
