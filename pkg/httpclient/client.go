// Package httpclient provides a retrying HTTP client for the LLM and
// embedding backends. Retries are HTTP-level only; semantic error
// classification happens in the gateway.
package httpclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RetryStrategy selects how a failed attempt is retried.
type RetryStrategy int

const (
	NoRetry RetryStrategy = iota
	LinearRetry
)

// RetryStrategyFunc maps an HTTP status code to a strategy.
type RetryStrategyFunc func(int) RetryStrategy

// Client wraps http.Client with bounded, strategy-driven retries.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	strategyFunc RetryStrategyFunc
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func WithRetryStrategy(strategyFunc RetryStrategyFunc) Option {
	return func(c *Client) {
		c.strategyFunc = strategyFunc
	}
}

// New builds a client. The zero-timeout default is deliberate: long
// completions are expected and per-call deadlines come from the caller's
// context.
func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{},
		maxRetries:   3,
		baseDelay:    2 * time.Second,
		strategyFunc: DefaultRetryStrategy,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// DefaultRetryStrategy retries server-side and rate-limit failures;
// client errors surface immediately for classification.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return LinearRetry
	default:
		return NoRetry
	}
}

// Do executes the request with retries. Connection-class errors retry
// like server errors; the request body is recreated via GetBody on each
// attempt.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastResp *http.Response
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			// Connection-class failure: retriable.
			lastResp, lastErr = nil, err
			if attempt < c.maxRetries {
				delay := c.baseDelay * time.Duration(attempt+1)
				slog.Warn("HTTP request failed, retrying",
					"attempt", attempt+1,
					"max", c.maxRetries,
					"delay", delay,
					"error", err)
				time.Sleep(delay)
				continue
			}
			break
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastResp, lastErr = resp, fmt.Errorf("HTTP %d", resp.StatusCode)

		if c.strategyFunc(resp.StatusCode) == NoRetry || attempt >= c.maxRetries {
			return resp, lastErr
		}

		resp.Body.Close()
		delay := c.baseDelay * time.Duration(attempt+1)
		slog.Warn("HTTP error response, retrying",
			"status", resp.StatusCode,
			"attempt", attempt+1,
			"max", c.maxRetries,
			"delay", delay)
		time.Sleep(delay)
	}

	if lastResp != nil {
		return lastResp, lastErr
	}
	return nil, &RetryableError{
		Message: fmt.Sprintf("max retries (%d) exceeded", c.maxRetries),
		Err:     lastErr,
	}
}
