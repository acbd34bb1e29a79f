package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"token-trader/internal/storage"
)

// Show prints tracked assets.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	assets, err := store.ListAssets(ctx, opts.All, opts.Limit)
	if err != nil {
		return err
	}
	return writeAssets(os.Stdout, assets)
}

func writeAssets(out io.Writer, assets []storage.Asset) error {
	if len(assets) == 0 {
		fmt.Fprintln(out, "no assets found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSymbol\tAddress\tIter\tPrice\tLiquidity\tLabel\tWallet\tRetries\tStatus")
	for _, asset := range assets {
		wallet := "-"
		if asset.BoundWalletID != nil {
			wallet = fmt.Sprintf("%d", *asset.BoundWalletID)
		}
		status := "active"
		if asset.Finalized {
			status = "archived:" + asset.FinalizedReason
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			asset.ID,
			sanitizeInline(asset.Symbol),
			asset.Address,
			asset.ValidSamples,
			asset.LastPrice.String(),
			formatDecimal(asset.LastLiquidity, 2),
			orDash(asset.Label),
			wallet,
			asset.RetryCount,
			status,
		)
	}
	return writer.Flush()
}

// Positions prints the position journal, newest first.
func (a *App) Positions(ctx context.Context, opts PositionsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	positions, err := store.ListPositions(ctx, opts.OpenOnly, opts.Limit)
	if err != nil {
		return err
	}
	return writePositions(os.Stdout, positions)
}

func writePositions(out io.Writer, positions []storage.Position) error {
	if len(positions) == 0 {
		fmt.Fprintln(out, "no positions found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tAsset\tWallet\tOpened (UTC)\tEntry\tAmount\tCost\tClosed (UTC)\tExit\tProceeds\tProfit\tOutcome")
	for _, p := range positions {
		closed, exit, proceeds, profit, outcome := "-", "-", "-", "-", "open"
		if p.ClosedAt != nil {
			closed = p.ClosedAt.UTC().Format(time.RFC3339)
		}
		if p.ExitPrice != nil {
			exit = p.ExitPrice.String()
		}
		if p.ExitProceeds != nil {
			proceeds = formatDecimal(*p.ExitProceeds, 6)
			profit = formatDecimal(p.ExitProceeds.Sub(p.EntryCost), 6)
		}
		if p.Outcome != nil {
			outcome = *p.Outcome
		}
		fmt.Fprintf(
			writer,
			"%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			p.AssetID,
			p.WalletID,
			p.OpenedAt.UTC().Format(time.RFC3339),
			p.EntryPrice.String(),
			formatDecimal(p.EntryAmount, 6),
			formatDecimal(p.EntryCost, 6),
			closed,
			exit,
			proceeds,
			profit,
			outcome,
		)
	}
	return writer.Flush()
}

func writeWallets(out io.Writer, wallets []storage.Wallet) error {
	if len(wallets) == 0 {
		fmt.Fprintln(out, "no wallets configured")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tAddress\tSpend\tEnabled\tBound\tTrades\tRealized\tLast used (UTC)")
	for _, w := range wallets {
		bound, lastUsed := "-", "-"
		if w.BoundAssetID != nil {
			bound = fmt.Sprintf("%d", *w.BoundAssetID)
		}
		if w.LastUsedAt != nil {
			lastUsed = w.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%t\t%s\t%d\t%s\t%s\n",
			w.ID,
			w.Address,
			w.SpendPerEntry.String(),
			w.Enabled,
			bound,
			w.Trades,
			formatDecimal(w.RealizedProfit, 6),
			lastUsed,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
