// Package chain turns trade intents into network transactions.
package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoRoute means the router has no liquidity path for the pair.
	ErrNoRoute = errors.New("no liquidity route")
	// ErrNoTxID means a submission reported success without a transaction id.
	ErrNoTxID = errors.New("submission returned no transaction id")
	// ErrReverted means the transaction was mined but failed.
	ErrReverted = errors.New("transaction reverted")
	// ErrNotResellable means the safety probe could not simulate a resale.
	ErrNotResellable = errors.New("asset is not resellable")
	// ErrUnknownAccount means no signing key is configured for the wallet.
	ErrUnknownAccount = errors.New("unknown account")
)

// Fill describes a confirmed swap. Native amounts are in the chain's native
// unit, token amounts in whole tokens.
type Fill struct {
	TxID      string
	AmountIn  decimal.Decimal
	AmountOut decimal.Decimal
}

// Swapper executes swaps between the native coin and tokens.
type Swapper interface {
	// Buy spends native coin on token and returns the tokens received.
	Buy(ctx context.Context, account, token string, spend decimal.Decimal, slippageBps int) (Fill, error)
	// Sell sells amount of token and returns the native proceeds.
	Sell(ctx context.Context, account, token string, amount decimal.Decimal, slippageBps int) (Fill, error)
	// ProbeSell simulates buying for spend and reselling, without
	// broadcasting anything. It returns ErrNoRoute or ErrNotResellable when
	// the contracts reject the round trip; any other error is a failed call.
	ProbeSell(ctx context.Context, account, token string, spend decimal.Decimal) error
	// Balance returns the account's token balance.
	Balance(ctx context.Context, account, token string) (decimal.Decimal, error)
}

// RequireTxID turns an empty transaction id into ErrNoTxID.
func RequireTxID(f Fill) (Fill, error) {
	if strings.TrimSpace(f.TxID) == "" {
		return Fill{}, ErrNoTxID
	}
	return f, nil
}

// applySlippage returns amount reduced by bps basis points.
func applySlippage(amount decimal.Decimal, bps int) decimal.Decimal {
	if bps <= 0 {
		return amount
	}
	if bps >= 10000 {
		return decimal.Zero
	}
	return amount.Mul(decimal.NewFromInt(int64(10000 - bps))).Div(decimal.NewFromInt(10000))
}
