package chain

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaperRoundTrip(t *testing.T) {
	ctx := context.Background()
	price := decimal.RequireFromString("0.5")
	p := NewPaper(PriceFunc(func(context.Context, string) (decimal.Decimal, error) { return price, nil }))

	require.NoError(t, p.ProbeSell(ctx, "w", "t", decimal.NewFromInt(1)))

	fill, err := p.Buy(ctx, "w", "t", decimal.NewFromInt(2), 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fill.TxID, "paper-"))
	assert.True(t, fill.AmountOut.Equal(decimal.NewFromInt(4)))

	price = decimal.NewFromInt(1)
	fill, err = p.Sell(ctx, "w", "t", decimal.NewFromInt(3), 0)
	require.NoError(t, err)
	assert.True(t, fill.AmountOut.Equal(decimal.NewFromInt(3)))

	bal, err := p.Balance(ctx, "w", "t")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(1)))

	_, err = p.Sell(ctx, "w", "t", decimal.NewFromInt(2), 0)
	assert.Error(t, err)
}

func TestPaperNoPrice(t *testing.T) {
	p := NewPaper(PriceFunc(func(context.Context, string) (decimal.Decimal, error) { return decimal.Zero, nil }))
	assert.ErrorIs(t, p.ProbeSell(context.Background(), "w", "t", decimal.NewFromInt(1)), ErrNoRoute)
	_, err := p.Buy(context.Background(), "w", "t", decimal.NewFromInt(1), 0)
	assert.ErrorIs(t, err, ErrNoRoute)
}
