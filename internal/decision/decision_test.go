package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"token-trader/internal/storage"
)

var defaults = Thresholds{
	MinAge:       120,
	MinTxCount:   100,
	MinSellShare: decimal.RequireFromString("0.2"),
	TargetReturn: decimal.RequireFromString("0.2"),
}

func enterable() Input {
	return Input{
		Iteration:      200,
		Label:          storage.LabelBuy,
		Price:          decimal.RequireFromString("0.004"),
		TxBuys:         105,
		TxSells:        45,
		EnabledWallets: 1,
	}
}

func TestEnterWhenAllConditionsHold(t *testing.T) {
	// 200 samples, buy label, 150 transactions with a 30% sell share
	got := Evaluate(enterable(), defaults)
	assert.Equal(t, Enter, got.Action)
}

func TestEntryGuards(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Input)
		reason string
	}{
		{"bound", func(in *Input) { in.Bound = true }, ReasonReserved},
		{"no wallet", func(in *Input) { in.EnabledWallets = 0 }, ReasonNoWallet},
		{"too young", func(in *Input) { in.Iteration = 119 }, ReasonTooYoung},
		{"not buy", func(in *Input) { in.Label = storage.LabelHold }, ReasonNotBuy},
		{"few txns", func(in *Input) { in.TxBuys, in.TxSells = 60, 39 }, ReasonFewTxns},
		{"no sells", func(in *Input) { in.TxBuys, in.TxSells = 400, 0 }, ReasonNoSells},
		{"low sell share", func(in *Input) { in.TxBuys, in.TxSells = 130, 20 }, ReasonLowSellShare},
		{"zero price", func(in *Input) { in.Price = decimal.Zero }, ReasonNoPrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := enterable()
			tc.mutate(&in)
			got := Evaluate(in, defaults)
			assert.Equal(t, Hold, got.Action)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func openPosition() *storage.Position {
	// 10 tokens bought at $0.50: entry value $5.00
	return &storage.Position{
		ID:          1,
		EntryPrice:  decimal.RequireFromString("0.5"),
		EntryAmount: decimal.NewFromInt(10),
		EntryValue:  decimal.NewFromInt(5),
		OpenedAt:    time.Now(),
	}
}

func TestExitTriggersAtFirstTickReachingTargetReturn(t *testing.T) {
	pos := openPosition()
	values := []string{"4.00", "4.80", "5.50", "5.99", "6.00", "6.10"}

	exits := 0
	firstExit := ""
	for _, v := range values {
		price := decimal.RequireFromString(v).Div(pos.EntryAmount)
		got := Evaluate(Input{Iteration: 300, Price: price, Position: pos, Bound: true}, defaults)
		if got.Action == Exit {
			exits++
			if firstExit == "" {
				firstExit = v
				assert.Equal(t, ReasonTargetReturn, got.Reason)
				// the engine closes the position on the first exit
				closed := time.Now()
				pos.ClosedAt = &closed
			}
		}
	}
	assert.Equal(t, 1, exits)
	assert.Equal(t, "6.00", firstExit)
}

func TestExitOnExternalTargets(t *testing.T) {
	target := int64(250)
	got := Evaluate(Input{Iteration: 250, TargetIteration: &target, Price: decimal.RequireFromString("0.1"), Position: openPosition()}, defaults)
	assert.Equal(t, Exit, got.Action)
	assert.Equal(t, ReasonTargetIteration, got.Reason)

	price := decimal.RequireFromString("0.3")
	got = Evaluate(Input{Iteration: 10, TargetPrice: &price, Price: decimal.RequireFromString("0.31"), Position: openPosition()}, defaults)
	assert.Equal(t, Exit, got.Action)
	assert.Equal(t, ReasonTargetPrice, got.Reason)

	got = Evaluate(Input{Iteration: 10, TargetPrice: &price, Price: decimal.RequireFromString("0.29"), Position: openPosition()}, defaults)
	assert.Equal(t, Hold, got.Action)
	assert.Equal(t, ReasonHolding, got.Reason)
}

func TestInputFor(t *testing.T) {
	wallet := int64(3)
	in := InputFor(storage.Asset{ValidSamples: 12, Label: storage.LabelBuy, BoundWalletID: &wallet, TxSells: 4}, nil, 2)
	assert.Equal(t, int64(12), in.Iteration)
	assert.True(t, in.Bound)
	assert.Equal(t, 2, in.EnabledWallets)
	assert.Equal(t, int64(4), in.TxSells)
}
