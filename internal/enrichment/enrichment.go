// Package enrichment pulls market and audit data for tracked assets from
// external sources in address-keyed batches.
package enrichment

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Record is the versioned per-asset shape every source maps its payload to.
// Optional fields stay nil when a source does not know them.
type Record struct {
	Address     string
	Symbol      string
	Name        string
	PairAddress string

	Price         decimal.Decimal
	Liquidity     decimal.Decimal
	MarketCap     decimal.Decimal
	FDV           decimal.Decimal
	Volume24h     decimal.Decimal
	PriceChange1h decimal.Decimal
	TxBuys        int64
	TxSells       int64

	HolderCount *int64
	Mintable    *bool
	OpenSource  *bool
	BuyTax      *decimal.Decimal
	SellTax     *decimal.Decimal

	ObservedAt time.Time
}

// Source looks up a batch of addresses. Addresses missing from the result
// were not known to the source.
type Source interface {
	Name() string
	Lookup(ctx context.Context, addresses []string) (map[string]Record, error)
}

// Key normalises an address for map lookups.
func Key(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Chunk splits addresses into batches of at most size elements.
func Chunk(addresses []string, size int) [][]string {
	if size <= 0 {
		size = len(addresses)
	}
	var out [][]string
	for start := 0; start < len(addresses); start += size {
		end := start + size
		if end > len(addresses) {
			end = len(addresses)
		}
		out = append(out, addresses[start:end])
	}
	return out
}
