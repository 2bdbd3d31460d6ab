// Package profitability fetches wallet profitability from the Moralis API.
package profitability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"whale-mirror/internal/logging"
	"whale-mirror/internal/metrics"
)

var (
	// ErrRateLimited means the local call budget is exhausted or the API returned 429.
	ErrRateLimited = errors.New("profitability: rate limited")
	// ErrNoData means the API has nothing for the address.
	ErrNoData = errors.New("profitability: no data")
	// ErrCircuitOpen means recent failures tripped the breaker.
	ErrCircuitOpen = errors.New("profitability: circuit open")
)

// HTTPError is a non-2xx API response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("moralis api error (%d)", e.Status)
	}
	return fmt.Sprintf("moralis api error (%d): %s", e.Status, e.Message)
}

// Summary is a wallet-level profitability snapshot.
type Summary struct {
	ROIPct     float64 `json:"roi_pct"`
	ProfitUSD  float64 `json:"profit_usd"`
	TradeCount int     `json:"trade_count"`
}

// TokenProfit is one row of the per-token breakdown.
type TokenProfit struct {
	Symbol            string  `json:"symbol"`
	Address           string  `json:"address"`
	RealizedProfitUSD float64 `json:"realized_profit_usd"`
	TradeCount        int     `json:"trade_count"`
}

// Source is the profitability provider consumed by the validator and scoring.
type Source interface {
	Summary(ctx context.Context, address string) (Summary, error)
	TokenBreakdown(ctx context.Context, address string) ([]TokenProfit, error)
}

// Options parameterise the Moralis client.
type Options struct {
	APIKey          string
	BaseURL         string
	Chain           string
	Timeout         time.Duration
	MaxCalls        int
	Window          time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client is a rate limited, circuit broken Moralis client. Summary never
// waits for budget; TokenBreakdown blocks until budget or ctx expiry.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewClient constructs a Moralis client.
func NewClient(opts Options, m *metrics.Metrics, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://deep-index.moralis.io/api/v2.2"
	}
	if opts.Chain == "" {
		opts.Chain = "eth"
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = 100
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}

	logger = logging.Component(logger, "moralis")
	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "moralis",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit state changed")
		},
	})

	return &Client{
		opts:    opts,
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Every(opts.Window/time.Duration(opts.MaxCalls)), opts.MaxCalls),
		breaker: breaker,
		metrics: m,
	}
}

// Summary fetches the wallet profitability summary.
func (c *Client) Summary(ctx context.Context, address string) (Summary, error) {
	if !c.limiter.Allow() {
		c.metrics.ObserveRequest("summary", "rate_limited")
		return Summary{}, ErrRateLimited
	}

	raw, err := c.get(ctx, "summary", fmt.Sprintf("/wallets/%s/profitability/summary", url.PathEscape(address)))
	if err != nil {
		return Summary{}, err
	}

	var payload map[string]any
	if err := decodeJSON(raw, &payload); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	summary, ok := normalizer{logger: c.logger, address: address}.summary(payload)
	if !ok {
		return Summary{}, ErrNoData
	}
	return summary, nil
}

// TokenBreakdown fetches per-token realized profit.
func (c *Client) TokenBreakdown(ctx context.Context, address string) ([]TokenProfit, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		c.metrics.ObserveRequest("tokens", "rate_limited")
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	raw, err := c.get(ctx, "tokens", fmt.Sprintf("/wallets/%s/profitability", url.PathEscape(address)))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Result []map[string]any `json:"result"`
	}
	if err := decodeJSON(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode token breakdown: %w", err)
	}

	norm := normalizer{logger: c.logger, address: address}
	tokens := make([]TokenProfit, 0, len(payload.Result))
	for _, row := range payload.Result {
		tok := norm.token(row)
		if tok.Symbol == "" {
			c.logger.Warn().Str("address", address).Str("token", tok.Address).Msg("token without symbol, skipped")
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, path)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.ObserveRequest(endpoint, "circuit_open")
		return nil, ErrCircuitOpen
	}
	if err != nil {
		c.metrics.ObserveRequest(endpoint, resultLabel(err))
		return nil, err
	}
	c.metrics.ObserveRequest(endpoint, "ok")
	return result.([]byte), nil
}

func (c *Client) do(ctx context.Context, path string) ([]byte, error) {
	endpoint := c.baseURL + path + "?chain=" + url.QueryEscape(c.opts.Chain)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.opts.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNoData
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %v", ErrRateLimited, parseHTTPError(resp.StatusCode, body))
	default:
		return nil, parseHTTPError(resp.StatusCode, body)
	}
}

// countsAsSuccess keeps client-side outcomes from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, ErrNoData) || errors.Is(err, context.Canceled) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status < 500 && httpErr.Status != http.StatusTooManyRequests
	}
	return false
}

func resultLabel(err error) string {
	var httpErr *HTTPError
	switch {
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.As(err, &httpErr):
		return "http_error"
	default:
		return "error"
	}
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return &HTTPError{Status: status, Message: apiErr.Message}
		}
		if apiErr.Error != "" {
			return &HTTPError{Status: status, Message: apiErr.Error}
		}
	}
	return &HTTPError{Status: status, Message: strings.TrimSpace(string(payload))}
}

func decodeJSON(raw []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

var _ Source = (*Client)(nil)
