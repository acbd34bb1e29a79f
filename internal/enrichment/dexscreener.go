package enrichment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DexScreenerMaxBatch is the largest address list the tokens endpoint accepts.
const DexScreenerMaxBatch = 30

// DexScreenerOptions parameterise the DexScreener source.
type DexScreenerOptions struct {
	BaseURL   string
	Chain     string
	BatchSize int
	Client    ClientOptions
}

// DexScreener reads pair data for token batches.
type DexScreener struct {
	opts    DexScreenerOptions
	baseURL string
	http    *httpClient
	now     func() time.Time
}

// NewDexScreener constructs the source.
func NewDexScreener(opts DexScreenerOptions, logger zerolog.Logger) *DexScreener {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com"
	}
	if opts.BatchSize <= 0 || opts.BatchSize > DexScreenerMaxBatch {
		opts.BatchSize = DexScreenerMaxBatch
	}
	if opts.Chain == "" {
		opts.Chain = "ethereum"
	}
	logger = logger.With().Str("component", "dexscreener").Logger()
	return &DexScreener{
		opts:    opts,
		baseURL: baseURL,
		http:    newHTTPClient("dexscreener", opts.Client, logger),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Name implements Source.
func (d *DexScreener) Name() string { return "dexscreener" }

// Lookup implements Source. Each token maps to its most liquid pair.
func (d *DexScreener) Lookup(ctx context.Context, addresses []string) (map[string]Record, error) {
	out := make(map[string]Record, len(addresses))
	best := make(map[string]decimal.Decimal, len(addresses))

	for _, batch := range Chunk(addresses, d.opts.BatchSize) {
		escaped := make([]string, 0, len(batch))
		for _, addr := range batch {
			escaped = append(escaped, url.PathEscape(strings.TrimSpace(addr)))
		}
		endpoint := fmt.Sprintf("%s/tokens/v1/%s/%s", d.baseURL, url.PathEscape(d.opts.Chain), strings.Join(escaped, ","))

		var pairs []dexPair
		if err := d.http.getJSON(ctx, endpoint, &pairs); err != nil {
			return nil, err
		}

		observed := d.now().Truncate(time.Second)
		for _, p := range pairs {
			key := Key(p.BaseToken.Address)
			if key == "" {
				continue
			}
			liq := p.Liquidity.USD.Decimal()
			if prev, ok := best[key]; ok && !liq.GreaterThan(prev) {
				continue
			}
			best[key] = liq
			out[key] = p.record(observed)
		}
	}
	return out, nil
}

type dexToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type dexTxns struct {
	Buys  Number `json:"buys"`
	Sells Number `json:"sells"`
}

type dexPair struct {
	ChainID     string   `json:"chainId"`
	DexID       string   `json:"dexId"`
	PairAddress string   `json:"pairAddress"`
	BaseToken   dexToken `json:"baseToken"`
	QuoteToken  dexToken `json:"quoteToken"`
	PriceUSD    Number   `json:"priceUsd"`
	Txns        struct {
		H1  dexTxns `json:"h1"`
		H24 dexTxns `json:"h24"`
	} `json:"txns"`
	Volume struct {
		H24 Number `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H1 Number `json:"h1"`
	} `json:"priceChange"`
	Liquidity struct {
		USD Number `json:"usd"`
	} `json:"liquidity"`
	FDV       Number `json:"fdv"`
	MarketCap Number `json:"marketCap"`
}

func (p dexPair) record(observed time.Time) Record {
	return Record{
		Address:       Key(p.BaseToken.Address),
		Symbol:        p.BaseToken.Symbol,
		Name:          p.BaseToken.Name,
		PairAddress:   p.PairAddress,
		Price:         p.PriceUSD.Decimal(),
		Liquidity:     p.Liquidity.USD.Decimal(),
		MarketCap:     p.MarketCap.Decimal(),
		FDV:           p.FDV.Decimal(),
		Volume24h:     p.Volume.H24.Decimal(),
		PriceChange1h: p.PriceChange.H1.Decimal(),
		TxBuys:        p.Txns.H24.Buys.Count(),
		TxSells:       p.Txns.H24.Sells.Count(),
		ObservedAt:    observed,
	}
}

var _ Source = (*DexScreener)(nil)
