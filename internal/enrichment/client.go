package enrichment

import (
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
	"golang.org/x/time/rate"
)

// ClientOptions are shared by every HTTP-backed source.
type ClientOptions struct {
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Retries       int
	// RetryInitial is the first backoff interval. Jitter is applied on top.
	RetryInitial time.Duration
	UserAgent    string
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Source string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s api error (%d): %s", e.Source, e.Code, e.Body)
	}
	return fmt.Sprintf("%s api error (%d)", e.Source, e.Code)
}

// Transient reports whether retrying may help.
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type httpClient struct {
	source  string
	opts    ClientOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newHTTPClient(source string, opts ClientOptions, logger zerolog.Logger) *httpClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 250 * time.Millisecond
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "token-trader/1.0"
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &httpClient{
		source:  source,
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(limit, opts.Burst),
		logger:  logger,
	}
}

// getJSON performs a rate-limited GET with exponential backoff and decodes
// the response body into out. 4xx responses other than 429 are permanent.
func (c *httpClient) getJSON(ctx context.Context, endpoint string, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.RetryInitial
	policy.MaxInterval = 10 * c.opts.RetryInitial
	policy.MaxElapsedTime = 0

	retries := c.opts.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.do(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Transient() {
			return backoff.Permanent(err)
		}
		c.logger.Debug().Err(err).Int("attempt", attempt).Str("source", c.source).Msg("enrichment request failed")
		return err
	}

	return backoff.Retry(op, b)
}

func (c *httpClient) do(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return &StatusError{Source: c.source, Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(payload)), 256)}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.source, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
