package enrichment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Composite merges a primary market source with optional secondary sources.
// The primary decides which addresses are known; a failing secondary only
// leaves its fields empty.
type Composite struct {
	primary     Source
	secondaries []Source
	logger      zerolog.Logger
}

// NewComposite constructs a composite source.
func NewComposite(primary Source, secondaries []Source, logger zerolog.Logger) *Composite {
	return &Composite{
		primary:     primary,
		secondaries: secondaries,
		logger:      logger.With().Str("component", "enrichment").Logger(),
	}
}

// Name implements Source.
func (c *Composite) Name() string { return "composite" }

// Lookup implements Source.
func (c *Composite) Lookup(ctx context.Context, addresses []string) (map[string]Record, error) {
	if len(addresses) == 0 {
		return map[string]Record{}, nil
	}

	records, err := c.primary.Lookup(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("%s lookup: %w", c.primary.Name(), err)
	}

	for _, src := range c.secondaries {
		extra, err := src.Lookup(ctx, addresses)
		if err != nil {
			c.logger.Warn().Err(err).Str("source", src.Name()).Int("batch", len(addresses)).Msg("secondary enrichment source failed")
			continue
		}
		for key, rec := range records {
			if more, ok := extra[key]; ok {
				records[key] = merge(rec, more)
			}
		}
	}
	return records, nil
}

func merge(base, extra Record) Record {
	if base.Symbol == "" {
		base.Symbol = extra.Symbol
	}
	if base.Name == "" {
		base.Name = extra.Name
	}
	if base.HolderCount == nil {
		base.HolderCount = extra.HolderCount
	}
	if base.Mintable == nil {
		base.Mintable = extra.Mintable
	}
	if base.OpenSource == nil {
		base.OpenSource = extra.OpenSource
	}
	if base.BuyTax == nil {
		base.BuyTax = extra.BuyTax
	}
	if base.SellTax == nil {
		base.SellTax = extra.SellTax
	}
	return base
}

var _ Source = (*Composite)(nil)
