package decision

import (
	"github.com/shopspring/decimal"

	"token-trader/internal/storage"
)

// Guard verdicts.
const (
	GuardLiquidityAbsent = "liquidity_absent"
	GuardFlatline        = "flatline"
	GuardNonTradeable    = "non_tradeable"
)

// GuardConfig parameterises the dead-market guard.
type GuardConfig struct {
	// Window is how many trailing samples must agree before the guard fires.
	Window       int
	MinLiquidity decimal.Decimal
}

// LiquidityDead reports whether the trailing window (newest first) shows
// absent liquidity or a market where neither liquidity nor volume moved.
// It never fires before a full window has been observed.
func LiquidityDead(samples []storage.MetricsSample, cfg GuardConfig) (bool, string) {
	window := cfg.Window
	if window < 2 {
		window = 2
	}
	if len(samples) < window {
		return false, ""
	}
	trailing := samples[:window]

	absent := true
	for _, s := range trailing {
		if s.Liquidity.GreaterThan(cfg.MinLiquidity) {
			absent = false
			break
		}
	}
	if absent {
		return true, GuardLiquidityAbsent
	}

	first := trailing[0]
	for _, s := range trailing[1:] {
		if !s.Liquidity.Equal(first.Liquidity) || !s.Volume.Equal(first.Volume) {
			return false, ""
		}
	}
	return true, GuardFlatline
}

// NonTradeable reports an asset whose trading pair never resolved.
func NonTradeable(asset storage.Asset, attemptsCap int) bool {
	return asset.PairAddress == nil && attemptsCap > 0 && asset.PairAttempts >= attemptsCap
}
