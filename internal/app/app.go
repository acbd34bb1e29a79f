package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-trader/internal/chain"
	"token-trader/internal/config"
	"token-trader/internal/enrichment"
	"token-trader/internal/execution"
	"token-trader/internal/forecast"
	"token-trader/internal/notify"
	"token-trader/internal/storage"
	"token-trader/internal/storage/memory"
	"token-trader/internal/wallet"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openStore returns the configured repository. The closer is never nil.
func (a *App) openStore(ctx context.Context) (storage.Repository, func(), error) {
	if a.Config.App.Store == config.StoreMemory {
		a.Logger.Warn().Msg("app.store=memory; state is lost on exit")
		return memory.NewStore(), func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) walletSpecs() []storage.WalletSpec {
	specs := make([]storage.WalletSpec, 0, len(a.Config.Wallets))
	for _, w := range a.Config.Wallets {
		specs = append(specs, storage.WalletSpec{
			Address:       w.Address,
			SpendPerEntry: w.SpendPerEntry,
			Enabled:       w.Enabled,
		})
	}
	return specs
}

// newSwapper builds the chain adapter. Paper balances are rebuilt from the
// journal so that open positions survive a restart.
func (a *App) newSwapper(ctx context.Context, store storage.Repository) (chain.Swapper, error) {
	cfg := a.Config.Chain
	switch cfg.Mode {
	case config.ChainEVM:
		keys := make([]wallet.KeySpec, 0, len(a.Config.Wallets))
		for _, w := range a.Config.Wallets {
			keys = append(keys, wallet.KeySpec{Address: w.Address, PrivateKey: w.PrivateKey})
		}
		ring, err := wallet.NewKeyring(keys)
		if err != nil {
			return nil, err
		}
		return chain.NewEVM(chain.EVMOptions{
			RPCURL:           cfg.RPCURL,
			ChainID:          cfg.ChainID,
			Router:           cfg.Router,
			WETH:             cfg.WETH,
			GasLimit:         cfg.GasLimit,
			ConfirmTimeout:   cfg.ConfirmTimeout,
			PollInterval:     cfg.PollInterval,
			MaxRoundTripLoss: cfg.MaxRoundTripLoss,
		}, ring, a.Logger)
	case config.ChainPaper:
		paper := chain.NewPaper(chain.PriceFunc(func(ctx context.Context, token string) (decimal.Decimal, error) {
			asset, err := store.GetAssetByAddress(ctx, token)
			if err != nil {
				return decimal.Zero, err
			}
			return asset.LastPrice, nil
		}))
		if err := creditOpenPositions(ctx, store, paper); err != nil {
			return nil, err
		}
		return paper, nil
	}
	return nil, fmt.Errorf("unknown chain mode %q", cfg.Mode)
}

func creditOpenPositions(ctx context.Context, store storage.Repository, paper *chain.Paper) error {
	open, err := store.ListPositions(ctx, true, 0)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	for _, p := range open {
		w, err := store.GetWallet(ctx, p.WalletID)
		if err != nil {
			return fmt.Errorf("wallet %d: %w", p.WalletID, err)
		}
		asset, err := store.GetAsset(ctx, p.AssetID)
		if err != nil {
			return fmt.Errorf("asset %d: %w", p.AssetID, err)
		}
		paper.Credit(w.Address, asset.Address, p.EntryAmount)
	}
	return nil
}

func (a *App) newSource() (enrichment.Source, error) {
	cfg := a.Config.Enrichment
	client := enrichment.ClientOptions{
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
		Retries:       cfg.Retries,
		UserAgent:     cfg.UserAgent,
	}

	var sources []enrichment.Source
	if cfg.DexScreener.Enabled {
		sources = append(sources, enrichment.NewDexScreener(enrichment.DexScreenerOptions{
			BaseURL:   cfg.DexScreener.BaseURL,
			Chain:     cfg.DexScreener.Chain,
			BatchSize: cfg.BatchSize,
			Client:    client,
		}, a.Logger))
	}
	if cfg.GoPlus.Enabled {
		sources = append(sources, enrichment.NewGoPlus(enrichment.GoPlusOptions{
			BaseURL:   cfg.GoPlus.BaseURL,
			Chain:     cfg.GoPlus.Chain,
			BatchSize: cfg.BatchSize,
			Client:    client,
		}, a.Logger))
	}
	if len(sources) == 0 {
		return nil, errors.New("no enrichment source enabled")
	}
	return enrichment.NewComposite(sources[0], sources[1:], a.Logger), nil
}

func (a *App) newForecaster() forecast.Forecaster {
	cfg := a.Config.Forecast
	if !cfg.Enabled || cfg.BaseURL == "" {
		return forecast.Noop{}
	}
	return forecast.NewHTTP(forecast.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
		Retries: cfg.Retries,
	}, a.Logger)
}

func (a *App) newNotifier() notify.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}

	var sinks notify.Fanout
	for _, channel := range cfg.Channels {
		switch strings.ToLower(strings.TrimSpace(channel)) {
		case "telegram":
			if cfg.Telegram.Enabled {
				tg := cfg.Telegram
				sinks = append(sinks, notify.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, 10*time.Second, a.Logger))
			}
		case "log":
			sinks = append(sinks, notify.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alerting channel")
		}
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func (a *App) engineOptions() execution.Options {
	cfg := a.Config.Execution
	return execution.Options{
		ProbeFraction:      cfg.ProbeFraction,
		MaxSellAttempts:    cfg.MaxSellAttempts,
		SellReduceFraction: cfg.SellReduceFraction,
		RetryDelayMin:      cfg.RetryDelayMin,
		RetryDelayMax:      cfg.RetryDelayMax,
		SlippageBps:        cfg.SlippageBps,
		SlippageStepBps:    cfg.SlippageStepBps,
		MaxSlippageBps:     cfg.MaxSlippageBps,
		CallTimeout:        cfg.CallTimeout,
		ExitClaimTTL:       cfg.ExitClaimTTL,
		ReconcileAfter:     cfg.ReconcileAfter,
	}
}

// newEngine builds the execution engine used by both the daemon and the
// one-shot override commands.
func (a *App) newEngine(ctx context.Context, store storage.Repository, listeners ...execution.Listener) (*execution.Engine, error) {
	swapper, err := a.newSwapper(ctx, store)
	if err != nil {
		return nil, err
	}
	if n := a.newNotifier(); n != nil {
		listeners = append(listeners, notify.NewTrades(n, store, 10*time.Second, a.Logger))
	}
	return execution.New(store, swapper, a.engineOptions(), a.Logger, listeners...), nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	All   bool
}

// PositionsOptions configure the positions command.
type PositionsOptions struct {
	Limit    int
	OpenOnly bool
}

// ExportOptions hold parameters for exporting an asset's metrics history.
type ExportOptions struct {
	AssetID   int64
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// OverrideOptions configure a command-line enter/exit/archive.
type OverrideOptions struct {
	AssetID int64
	Reason  string
	Archive bool
	// WriteOff declares the market dead: an archive that cannot sell
	// journals the position at zero instead of failing.
	WriteOff bool
}
