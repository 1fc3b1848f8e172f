package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/quantro/fxcontrol/internal/safety"
)

// Config holds the connection settings for the Bybit gateway.
type Config struct {
	APIKey    string
	APISecret string
	Category  string // "linear", "inverse" or "spot"
	Testnet   bool
	Demo      bool // demo trading environment (paper fills, real API)
}

// Client wraps the Bybit v5 REST client with response decoding,
// rate limiting and circuit breaking.
type Client struct {
	httpClient *bybit_api.Client
	category   string
	testnet    bool
	demo       bool
	breaker    *safety.Breaker
	limiter    *safety.RateLimiter
}

// NewClient creates a Bybit API client for the configured environment.
func NewClient(cfg Config) *Client {
	var baseURL string
	switch {
	case cfg.Demo:
		baseURL = "https://api-demo.bybit.com"
	case cfg.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		baseURL = bybit_api.MAINNET
	}

	category := cfg.Category
	if category == "" {
		category = "linear"
	}

	return &Client{
		httpClient: bybit_api.NewBybitHttpClient(
			cfg.APIKey,
			cfg.APISecret,
			bybit_api.WithBaseURL(baseURL),
		),
		category: category,
		testnet:  cfg.Testnet,
		demo:     cfg.Demo,
		breaker:  safety.NewBreaker("bybit", safety.BreakerConfig{}),
		limiter:  safety.NewRateLimiter(10, 5),
	}
}

// Environment returns a string describing the connected environment.
func (c *Client) Environment() string {
	switch {
	case c.demo:
		return "demo"
	case c.testnet:
		return "testnet"
	default:
		return "mainnet"
	}
}

// call performs an API call behind the rate limiter and circuit
// breaker, with a small retry budget for transient failures. A call
// that keeps failing is reported for this cycle and retried on the
// next.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * 500 * time.Millisecond):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var result interface{}
		err := c.breaker.Call(func() error {
			var callErr error
			result, callErr = fn(ctx)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// decodeResult checks the API return code and unmarshals the result
// payload into out.
func decodeResult(response interface{}, out interface{}) error {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return fmt.Errorf("invalid response type")
	}
	if serverResp.RetCode != 0 {
		return fmt.Errorf("API error: %s (code: %d)", serverResp.RetMsg, serverResp.RetCode)
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(resultBytes, out); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}
