package enrichment

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// GoPlusOptions parameterise the GoPlus token security source.
type GoPlusOptions struct {
	BaseURL   string
	Chain     string
	BatchSize int
	Client    ClientOptions
}

// GoPlus reads holder counts and contract audit flags.
type GoPlus struct {
	opts    GoPlusOptions
	baseURL string
	http    *httpClient
}

// NewGoPlus constructs the source.
func NewGoPlus(opts GoPlusOptions, logger zerolog.Logger) *GoPlus {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.gopluslabs.io"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DexScreenerMaxBatch
	}
	if opts.Chain == "" {
		opts.Chain = "1"
	}
	logger = logger.With().Str("component", "goplus").Logger()
	return &GoPlus{opts: opts, baseURL: baseURL, http: newHTTPClient("goplus", opts.Client, logger)}
}

// Name implements Source.
func (g *GoPlus) Name() string { return "goplus" }

// Lookup implements Source.
func (g *GoPlus) Lookup(ctx context.Context, addresses []string) (map[string]Record, error) {
	out := make(map[string]Record, len(addresses))
	for _, batch := range Chunk(addresses, g.opts.BatchSize) {
		q := url.Values{}
		q.Set("contract_addresses", strings.Join(batch, ","))
		endpoint := fmt.Sprintf("%s/api/v1/token_security/%s?%s", g.baseURL, url.PathEscape(g.opts.Chain), q.Encode())

		var resp goplusResponse
		if err := g.http.getJSON(ctx, endpoint, &resp); err != nil {
			return nil, err
		}
		if resp.Code.Int64() != 1 {
			return nil, fmt.Errorf("goplus api error (code %d): %s", resp.Code.Int64(), resp.Message)
		}

		for addr, sec := range resp.Result {
			key := Key(addr)
			out[key] = Record{
				Address:     key,
				Symbol:      sec.TokenSymbol,
				Name:        sec.TokenName,
				HolderCount: sec.HolderCount.CountPtr(),
				Mintable:    sec.IsMintable.Flag(),
				OpenSource:  sec.IsOpenSource.Flag(),
				BuyTax:      sec.BuyTax.DecimalPtr(),
				SellTax:     sec.SellTax.DecimalPtr(),
			}
		}
	}
	return out, nil
}

type goplusResponse struct {
	Code    Number                    `json:"code"`
	Message string                    `json:"message"`
	Result  map[string]goplusSecurity `json:"result"`
}

type goplusSecurity struct {
	TokenName    string `json:"token_name"`
	TokenSymbol  string `json:"token_symbol"`
	HolderCount  Number `json:"holder_count"`
	IsMintable   Number `json:"is_mintable"`
	IsOpenSource Number `json:"is_open_source"`
	BuyTax       Number `json:"buy_tax"`
	SellTax      Number `json:"sell_tax"`
}

var _ Source = (*GoPlus)(nil)
