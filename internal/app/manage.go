package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"token-trader/internal/config"
	"token-trader/internal/execution"
	"token-trader/internal/storage"
)

// ErrOverrideFailed is returned when a command-line override did not reach
// a confirmed state. The result has already been printed.
var ErrOverrideFailed = errors.New("override did not confirm")

// TrackOptions describe an asset added by hand.
type TrackOptions struct {
	Address     string
	Symbol      string
	Name        string
	PairAddress string
}

// Track starts tracking an asset. Re-tracking an existing address only
// refreshes its descriptive fields.
func (a *App) Track(ctx context.Context, opts TrackOptions) error {
	if !common.IsHexAddress(opts.Address) {
		return fmt.Errorf("invalid token address %q", opts.Address)
	}
	if opts.PairAddress != "" && !common.IsHexAddress(opts.PairAddress) {
		return fmt.Errorf("invalid pair address %q", opts.PairAddress)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	asset, err := store.UpsertAsset(ctx, storage.NewAsset{
		Address:     common.HexToAddress(opts.Address).Hex(),
		Symbol:      opts.Symbol,
		Name:        opts.Name,
		PairAddress: normalizeAddress(opts.PairAddress),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "tracking asset %d (%s)\n", asset.ID, asset.Address)
	return nil
}

func normalizeAddress(v string) string {
	if v == "" {
		return ""
	}
	return common.HexToAddress(v).Hex()
}

// Enter forces an entry through the execution engine.
func (a *App) Enter(ctx context.Context, opts OverrideOptions) error {
	return a.override(ctx, func(ctx context.Context, e execution.Executor) execution.Result {
		return e.Enter(ctx, opts.AssetID, execution.EnterOptions{Forced: true, Reason: overrideReason(opts.Reason)})
	})
}

// Exit forces an exit through the execution engine.
func (a *App) Exit(ctx context.Context, opts OverrideOptions) error {
	return a.override(ctx, func(ctx context.Context, e execution.Executor) execution.Result {
		return e.Exit(ctx, opts.AssetID, execution.ExitOptions{Forced: true, Reason: overrideReason(opts.Reason), Archive: opts.Archive})
	})
}

// Archive sells out of any open position and finalizes the asset. An
// unsellable position is written off only with WriteOff set.
func (a *App) Archive(ctx context.Context, opts OverrideOptions) error {
	return a.override(ctx, func(ctx context.Context, e execution.Executor) execution.Result {
		return e.Archive(ctx, opts.AssetID, execution.ArchiveOptions{Reason: overrideReason(opts.Reason), DeadMarket: opts.WriteOff})
	})
}

func overrideReason(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return execution.OutcomeForced
	}
	return reason
}

func (a *App) override(ctx context.Context, run func(context.Context, execution.Executor) execution.Result) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	engine, err := a.newEngine(ctx, store)
	if err != nil {
		return err
	}

	res := run(ctx, engine)
	writeResult(os.Stdout, res)
	if !res.OK() {
		return ErrOverrideFailed
	}
	return nil
}

func writeResult(out io.Writer, r execution.Result) {
	trail := make([]string, 0, len(r.Trail))
	for _, s := range r.Trail {
		trail = append(trail, string(s))
	}
	fmt.Fprintf(out, "request:  %s\n", r.RequestID)
	fmt.Fprintf(out, "action:   %s asset %d\n", r.Action, r.AssetID)
	fmt.Fprintf(out, "state:    %s (%s)\n", r.State, strings.Join(trail, " -> "))
	if r.Reason != "" {
		fmt.Fprintf(out, "reason:   %s\n", r.Reason)
	}
	if r.Err != nil {
		fmt.Fprintf(out, "error:    %s [%s]\n", r.Err, r.Class)
	}
	if p := r.Position; p != nil {
		fmt.Fprintf(out, "position: %d wallet %d amount %s\n", p.ID, p.WalletID, p.EntryAmount)
		if p.ExitProceeds != nil {
			fmt.Fprintf(out, "proceeds: %s (cost %s)\n", p.ExitProceeds, p.EntryCost)
		}
	}
	if r.Archived {
		fmt.Fprintln(out, "archived: yes")
	}
	fmt.Fprintf(out, "took:     %s\n", r.Duration)
}

// Wallets prints the Wallet Registry.
func (a *App) Wallets(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	wallets, err := store.ListWallets(ctx)
	if err != nil {
		return err
	}
	return writeWallets(os.Stdout, wallets)
}

// SetWalletEnabled toggles a wallet. A disabled wallet keeps any position
// it already holds until that position exits.
func (a *App) SetWalletEnabled(ctx context.Context, id int64, enabled bool) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SetWalletEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("wallet %d: %w", id, err)
	}
	a.Logger.Info().Int64("wallet_id", id).Bool("enabled", enabled).Msg("wallet updated")
	return nil
}

// SyncWallets provisions the configured wallets into the registry.
func (a *App) SyncWallets(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SyncWallets(ctx, a.walletSpecs()); err != nil {
		return err
	}
	a.Logger.Info().Int("wallets", len(a.Config.Wallets)).Msg("wallets synced")
	return nil
}

// Migrate applies the embedded schema.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.App.Store != config.StorePostgres {
		return errors.New("migrate requires app.store=postgres")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		return err
	}
	a.Logger.Info().Msg("migrations applied")
	return nil
}
