// Package decision is the pure part of the trading engine: given metrics,
// position state and thresholds it says enter, exit or hold.
package decision

import (
	"github.com/shopspring/decimal"

	"token-trader/internal/storage"
)

// Action is the outcome of an evaluation.
type Action string

const (
	Hold  Action = "hold"
	Enter Action = "enter"
	Exit  Action = "exit"
)

// Exit reasons.
const (
	ReasonTargetReturn    = "target_return"
	ReasonTargetIteration = "target_iteration"
	ReasonTargetPrice     = "target_price"
)

// Hold reasons.
const (
	ReasonHolding      = "holding"
	ReasonReserved     = "reserved"
	ReasonNoWallet     = "no_enabled_wallet"
	ReasonTooYoung     = "too_young"
	ReasonNotBuy       = "label_not_buy"
	ReasonFewTxns      = "few_transactions"
	ReasonNoSells      = "no_observed_sells"
	ReasonLowSellShare = "low_sell_share"
	ReasonNoPrice      = "no_price"
)

// Thresholds are the entry and exit knobs.
type Thresholds struct {
	MinAge       int64
	MinTxCount   int64
	MinSellShare decimal.Decimal
	TargetReturn decimal.Decimal
}

// Input is everything an evaluation looks at.
type Input struct {
	// Iteration is the asset's count of valid price samples.
	Iteration       int64
	Label           string
	TargetIteration *int64
	TargetPrice     *decimal.Decimal
	Bound           bool

	Price   decimal.Decimal
	TxBuys  int64
	TxSells int64

	Position       *storage.Position
	EnabledWallets int
}

// Decision is the evaluation result.
type Decision struct {
	Action Action
	Reason string
}

// InputFor assembles an Input from stored state. pos may be nil.
func InputFor(asset storage.Asset, pos *storage.Position, enabledWallets int) Input {
	return Input{
		Iteration:       asset.ValidSamples,
		Label:           asset.Label,
		TargetIteration: asset.TargetIteration,
		TargetPrice:     asset.TargetPrice,
		Bound:           asset.Bound(),
		Price:           asset.LastPrice,
		TxBuys:          asset.TxBuys,
		TxSells:         asset.TxSells,
		Position:        pos,
		EnabledWallets:  enabledWallets,
	}
}

// Evaluate decides what to do with one asset.
func Evaluate(in Input, th Thresholds) Decision {
	if in.Position != nil && in.Position.Open() {
		return evaluateExit(in, th)
	}
	return evaluateEntry(in, th)
}

func evaluateExit(in Input, th Thresholds) Decision {
	pos := in.Position

	target := pos.EntryValue.Mul(decimal.NewFromInt(1).Add(th.TargetReturn))
	if pos.EntryValue.IsPositive() && pos.MarkToMarket(in.Price).GreaterThanOrEqual(target) {
		return Decision{Action: Exit, Reason: ReasonTargetReturn}
	}
	if in.TargetIteration != nil && in.Iteration >= *in.TargetIteration {
		return Decision{Action: Exit, Reason: ReasonTargetIteration}
	}
	if in.TargetPrice != nil && in.TargetPrice.IsPositive() && in.Price.GreaterThanOrEqual(*in.TargetPrice) {
		return Decision{Action: Exit, Reason: ReasonTargetPrice}
	}
	return Decision{Action: Hold, Reason: ReasonHolding}
}

func evaluateEntry(in Input, th Thresholds) Decision {
	hold := func(reason string) Decision { return Decision{Action: Hold, Reason: reason} }

	if in.Bound {
		return hold(ReasonReserved)
	}
	if in.EnabledWallets <= 0 {
		return hold(ReasonNoWallet)
	}
	if in.Iteration < th.MinAge {
		return hold(ReasonTooYoung)
	}
	if in.Label != storage.LabelBuy {
		return hold(ReasonNotBuy)
	}

	total := in.TxBuys + in.TxSells
	if total < th.MinTxCount {
		return hold(ReasonFewTxns)
	}
	// A market nobody has sold into is suspect, but only the safety probe
	// decides whether the asset can actually be resold.
	if in.TxSells <= 0 {
		return hold(ReasonNoSells)
	}
	share := decimal.NewFromInt(in.TxSells).Div(decimal.NewFromInt(total))
	if share.LessThan(th.MinSellShare) {
		return hold(ReasonLowSellShare)
	}
	if !in.Price.IsPositive() {
		return hold(ReasonNoPrice)
	}
	return Decision{Action: Enter}
}
