package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-trader/internal/chain"
	"token-trader/internal/config"
	"token-trader/internal/execution"
	"token-trader/internal/notify"
	"token-trader/internal/storage"
	"token-trader/internal/storage/memory"
)

func testApp(mutate func(cfg *config.Config)) *App {
	cfg := &config.Config{
		App:    config.AppConfig{Store: config.StoreMemory},
		Chain:  config.ChainConfig{Mode: config.ChainPaper},
		Export: config.ExportConfig{MaxDataPoints: 100},
		Wallets: []config.WalletConfig{
			{Address: "0x00000000000000000000000000000000000000a1", SpendPerEntry: decimal.RequireFromString("0.1"), Enabled: true},
			{Address: "0x00000000000000000000000000000000000000a2", SpendPerEntry: decimal.Zero, Enabled: true},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewApp(cfg, zerolog.Nop())
}

func samplesAt(n int) []storage.MetricsSample {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.MetricsSample, n)
	for i := range out {
		out[i] = storage.MetricsSample{
			AssetID:   1,
			At:        base.Add(time.Duration(i) * time.Second),
			Price:     decimal.NewFromInt(int64(i + 1)),
			Liquidity: decimal.NewFromInt(1000),
			Holders:   int64(10 + i),
		}
	}
	return out
}

func TestDownsampleSamples(t *testing.T) {
	samples := samplesAt(100)

	assert.Len(t, downsampleSamples(samples, 0), 100)
	assert.Len(t, downsampleSamples(samples, 200), 100)

	got := downsampleSamples(samples, 10)
	require.Len(t, got, 10)
	assert.Equal(t, samples[0].At, got[0].At, "首个样本必须保留")
	assert.Equal(t, samples[99].At, got[9].At, "最后一个样本必须保留")

	one := downsampleSamples(samples, 1)
	require.Len(t, one, 1)
	assert.Equal(t, samples[99].At, one[0].At)
}

func TestWriteSamplesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "samples.csv")
	require.NoError(t, writeSamplesCSV(path, samplesAt(3)))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"ts", "price", "liquidity", "market_cap", "fdv", "volume", "holders"}, rows[0])
	assert.Equal(t, "2024-05-01T00:00:02Z", rows[3][0])
	assert.Equal(t, "3", rows[3][1])
	assert.Equal(t, "12", rows[3][6])
}

func TestWriteSamplesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, writeSamplesPNG(path, "TKN", samplesAt(20)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestWriteTables(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.SyncWallets(ctx, testApp(nil).walletSpecs()))
	asset, err := store.UpsertAsset(ctx, storage.NewAsset{Address: "0xtoken", Symbol: "TKN"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeAssets(&buf, []storage.Asset{asset}))
	assert.Contains(t, buf.String(), "TKN")
	assert.Contains(t, buf.String(), "active")

	wallets, err := store.ListWallets(ctx)
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, writeWallets(&buf, wallets))
	assert.Contains(t, buf.String(), "0x00000000000000000000000000000000000000a1")

	buf.Reset()
	require.NoError(t, writePositions(&buf, nil))
	assert.Equal(t, "no positions found\n", buf.String())
}

func TestCreditOpenPositions(t *testing.T) {
	ctx := context.Background()
	a := testApp(nil)
	store := memory.NewStore()
	require.NoError(t, store.SyncWallets(ctx, a.walletSpecs()))

	asset, err := store.UpsertAsset(ctx, storage.NewAsset{Address: "0xtoken", Symbol: "TKN"})
	require.NoError(t, err)
	_, err = store.ApplyEnrichment(ctx, asset.ID, storage.AggregateUpdate{
		PairAddress: "0xpair",
		LastPrice:   decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)

	res, err := store.ReserveEntry(ctx, asset.ID)
	require.NoError(t, err)
	_, err = store.OpenPosition(ctx, storage.PositionOpen{
		WalletID:    res.Wallet.ID,
		AssetID:     asset.ID,
		EntryPrice:  decimal.RequireFromString("0.5"),
		EntryAmount: decimal.NewFromInt(7),
		EntryCost:   decimal.RequireFromString("0.1"),
		EntryTx:     "0xentry",
	})
	require.NoError(t, err)

	swapper, err := a.newSwapper(ctx, store)
	require.NoError(t, err)
	paper, ok := swapper.(*chain.Paper)
	require.True(t, ok)

	balance, err := paper.Balance(ctx, res.Wallet.Address, "0xtoken")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(7)), "重启后纸面余额应恢复, got %s", balance)

	// the paper price follows the stored last price
	fill, err := paper.Sell(ctx, res.Wallet.Address, "0xtoken", decimal.NewFromInt(2), 0)
	require.NoError(t, err)
	assert.True(t, fill.AmountOut.Equal(decimal.NewFromInt(1)))
}

func TestOverrideAgainstPaperEngine(t *testing.T) {
	ctx := context.Background()
	a := testApp(nil)
	store := memory.NewStore()
	require.NoError(t, store.SyncWallets(ctx, a.walletSpecs()))
	asset, err := store.UpsertAsset(ctx, storage.NewAsset{Address: "0xtoken", Symbol: "TKN"})
	require.NoError(t, err)
	_, err = store.ApplyEnrichment(ctx, asset.ID, storage.AggregateUpdate{
		PairAddress: "0xpair",
		LastPrice:   decimal.RequireFromString("0.5"),
	})
	require.NoError(t, err)

	engine, err := a.newEngine(ctx, store)
	require.NoError(t, err)

	res := engine.Enter(ctx, asset.ID, execution.EnterOptions{Forced: true, Reason: overrideReason("")})
	require.True(t, res.OK(), "entry: %v", res.Err)
	assert.Equal(t, execution.OutcomeForced, res.Reason)

	res = engine.Archive(ctx, asset.ID, execution.ArchiveOptions{Reason: "manual"})
	require.True(t, res.OK(), "archive: %v", res.Err)
	assert.True(t, res.Archived)

	var buf bytes.Buffer
	writeResult(&buf, res)
	assert.Contains(t, buf.String(), "archived: yes")
	assert.Contains(t, buf.String(), "confirmed")
}

func TestNewNotifier(t *testing.T) {
	assert.Nil(t, testApp(nil).newNotifier())

	n := testApp(func(cfg *config.Config) {
		cfg.Alerting = config.AlertingConfig{
			Enabled:  true,
			Channels: []string{"telegram", "log", "pager"},
			Telegram: config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1"},
		}
	}).newNotifier()
	fan, ok := n.(notify.Fanout)
	require.True(t, ok)
	assert.Len(t, fan, 2)
}

func TestNewSource(t *testing.T) {
	_, err := testApp(nil).newSource()
	assert.Error(t, err, "没有启用任何数据源时应报错")

	src, err := testApp(func(cfg *config.Config) {
		cfg.Enrichment.DexScreener.Enabled = true
		cfg.Enrichment.GoPlus.Enabled = true
	}).newSource()
	require.NoError(t, err)
	assert.Equal(t, "composite", src.Name())
}

func TestMigrateRequiresPostgres(t *testing.T) {
	err := testApp(nil).Migrate(context.Background())
	assert.Error(t, err)
}

func TestTrackRejectsBadAddress(t *testing.T) {
	err := testApp(nil).Track(context.Background(), TrackOptions{Address: "not-an-address"})
	assert.Error(t, err)
}
