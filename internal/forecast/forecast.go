// Package forecast talks to the optional forecasting collaborator that labels
// assets and proposes exit targets.
package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"token-trader/internal/storage"
)

// Forecaster produces a label and optional exit targets for an asset.
type Forecaster interface {
	Forecast(ctx context.Context, asset storage.Asset) (storage.Forecast, bool, error)
}

// Noop leaves whatever the external process wrote into the store untouched.
type Noop struct{}

// Forecast implements Forecaster and never produces an update.
func (Noop) Forecast(context.Context, storage.Asset) (storage.Forecast, bool, error) {
	return storage.Forecast{}, false, nil
}

// Options parameterise the HTTP forecaster.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Retries int
}

// HTTP calls POST {base}/forecast for one asset at a time.
type HTTP struct {
	opts    Options
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTP constructs the HTTP forecaster.
func NewHTTP(opts Options, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "forecast").Logger(),
	}
}

type request struct {
	AssetID      int64  `json:"asset_id"`
	Address      string `json:"address"`
	Iteration    int64  `json:"iteration"`
	LastPrice    string `json:"last_price"`
	Liquidity    string `json:"liquidity"`
	HolderCount  int64  `json:"holder_count"`
	CurrentLabel string `json:"current_label,omitempty"`
}

type response struct {
	Label           string  `json:"label"`
	TargetIteration *int64  `json:"target_iteration"`
	TargetPrice     *string `json:"target_price"`
}

// Forecast implements Forecaster. A 204 means the collaborator has no opinion.
func (h *HTTP) Forecast(ctx context.Context, asset storage.Asset) (storage.Forecast, bool, error) {
	if h.baseURL == "" {
		return storage.Forecast{}, false, errors.New("forecast base url not configured")
	}

	body, err := json.Marshal(request{
		AssetID:      asset.ID,
		Address:      asset.Address,
		Iteration:    asset.ValidSamples,
		LastPrice:    asset.LastPrice.String(),
		Liquidity:    asset.LastLiquidity.String(),
		HolderCount:  asset.HolderCount,
		CurrentLabel: asset.Label,
	})
	if err != nil {
		return storage.Forecast{}, false, err
	}

	var (
		out     response
		noValue bool
	)
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/forecast", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			noValue = true
			return nil
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(payload, &out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode forecast: %w", err))
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("forecast api error (%d)", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("forecast api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload))))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	retries := h.opts.Retries
	if retries < 0 {
		retries = 0
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)); err != nil {
		return storage.Forecast{}, false, err
	}
	if noValue {
		return storage.Forecast{}, false, nil
	}

	return toForecast(out)
}

func toForecast(r response) (storage.Forecast, bool, error) {
	label := strings.ToLower(strings.TrimSpace(r.Label))
	switch label {
	case storage.LabelBuy, storage.LabelNot, storage.LabelHold:
	default:
		return storage.Forecast{}, false, fmt.Errorf("unknown forecast label %q", r.Label)
	}

	f := storage.Forecast{Label: label, TargetIteration: r.TargetIteration}
	if r.TargetPrice != nil && strings.TrimSpace(*r.TargetPrice) != "" {
		price, err := decimal.NewFromString(strings.TrimSpace(*r.TargetPrice))
		if err != nil {
			return storage.Forecast{}, false, fmt.Errorf("parse target price: %w", err)
		}
		if price.IsPositive() {
			f.TargetPrice = &price
		}
	}
	if f.TargetIteration != nil && *f.TargetIteration <= 0 {
		f.TargetIteration = nil
	}
	return f, true, nil
}

var (
	_ Forecaster = Noop{}
	_ Forecaster = (*HTTP)(nil)
)
