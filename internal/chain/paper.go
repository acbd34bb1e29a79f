package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PriceSource returns the latest known price of a token in native units.
type PriceSource interface {
	Price(ctx context.Context, token string) (decimal.Decimal, error)
}

// PriceFunc adapts a function to PriceSource.
type PriceFunc func(ctx context.Context, token string) (decimal.Decimal, error)

// Price implements PriceSource.
func (f PriceFunc) Price(ctx context.Context, token string) (decimal.Decimal, error) {
	return f(ctx, token)
}

// Paper fills every order at the latest price and keeps balances in memory.
type Paper struct {
	prices PriceSource

	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal
}

// NewPaper constructs a paper swapper.
func NewPaper(prices PriceSource) *Paper {
	return &Paper{prices: prices, balances: make(map[string]map[string]decimal.Decimal)}
}

func (p *Paper) price(ctx context.Context, token string) (decimal.Decimal, error) {
	price, err := p.prices.Price(ctx, token)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: no price for %s", ErrNoRoute, token)
	}
	return price, nil
}

// Buy implements Swapper.
func (p *Paper) Buy(ctx context.Context, account, token string, spend decimal.Decimal, _ int) (Fill, error) {
	price, err := p.price(ctx, token)
	if err != nil {
		return Fill{}, err
	}
	amount := spend.Div(price)

	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.account(account)
	held[token] = held[token].Add(amount)
	return Fill{TxID: "paper-" + uuid.NewString(), AmountIn: spend, AmountOut: amount}, nil
}

// Sell implements Swapper.
func (p *Paper) Sell(ctx context.Context, account, token string, amount decimal.Decimal, _ int) (Fill, error) {
	price, err := p.price(ctx, token)
	if err != nil {
		return Fill{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.account(account)
	if held[token].LessThan(amount) {
		return Fill{}, fmt.Errorf("paper balance %s below %s", held[token], amount)
	}
	held[token] = held[token].Sub(amount)
	return Fill{TxID: "paper-" + uuid.NewString(), AmountIn: amount, AmountOut: amount.Mul(price)}, nil
}

// ProbeSell implements Swapper.
func (p *Paper) ProbeSell(ctx context.Context, _, token string, _ decimal.Decimal) error {
	_, err := p.price(ctx, token)
	return err
}

// Balance implements Swapper.
func (p *Paper) Balance(_ context.Context, account, token string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.account(account)[token], nil
}

// Credit seeds a paper balance, e.g. after a restart with open positions.
func (p *Paper) Credit(account, token string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.account(account)
	held[token] = held[token].Add(amount)
}

func (p *Paper) account(account string) map[string]decimal.Decimal {
	held, ok := p.balances[account]
	if !ok {
		held = make(map[string]decimal.Decimal)
		p.balances[account] = held
	}
	return held
}

var _ Swapper = (*Paper)(nil)
