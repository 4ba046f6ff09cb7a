package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/trecbench/trecbench/internal/pkg/errors"
)

const retrievePath = "/api/v1/retrieve"

// Config configures the gateway client.
type Config struct {
	// BaseURL is the base URL of the retrieval service.
	BaseURL string

	// APIKey is sent as X-API-Key on every request. Empty disables
	// the header.
	APIKey string

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// MaxRetries is the number of retries after a transient failure.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled per attempt.
	RetryBackoff time.Duration

	// RequestsPerSecond throttles outgoing requests. Zero disables
	// client-side rate limiting.
	RequestsPerSecond float64

	// MaxIdleConns and MaxConnsPerHost tune the connection pool.
	MaxIdleConns    int
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://localhost:8000",
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    500 * time.Millisecond,
		MaxIdleConns:    100,
		MaxConnsPerHost: 100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client talks to the retrieval service. All calls take a context and
// retry transient failures with exponential backoff.
type Client struct {
	baseURL      string
	apiKey       string
	maxRetries   int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	httpClient   *http.Client
}

// New creates a gateway client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 100
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxConnsPerHost / 5,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		limiter:      limiter,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// Retrieve posts a batch of queries and returns the per-query results.
// Transient failures (timeouts, connection errors, 5xx) are retried up
// to MaxRetries with exponential backoff; client errors are not.
func (c *Client) Retrieve(ctx context.Context, req Request) (*Response, error) {
	if len(req.Queries) == 0 {
		return nil, errors.InvalidRequestError("retrieval request has no queries")
	}
	if _, err := ParseMode(string(req.Mode)); err != nil {
		return nil, err
	}

	var resp Response
	if err := c.postWithRetry(ctx, retrievePath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the retrieval service.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return errors.InternalError("creating health request", err)
	}
	return c.do(httpReq, nil)
}

func (c *Client) postWithRetry(ctx context.Context, path string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.InternalError("marshaling request", err)
	}

	backoff := c.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(errors.CodeTimeout, "retrieval canceled while backing off", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return errors.Wrap(errors.CodeTimeout, "retrieval canceled while rate limited", err)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return errors.InternalError("creating request", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		lastErr = c.do(req, result)
		if lastErr == nil {
			return nil
		}
		if !errors.IsTransient(lastErr) {
			return lastErr
		}
	}

	return errors.Wrap(errors.CodeUnavailable,
		fmt.Sprintf("retrieval failed after %d attempts", c.maxRetries+1), lastErr)
}

func (c *Client) do(req *http.Request, result interface{}) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() == context.DeadlineExceeded {
			return errors.Wrap(errors.CodeTimeout, "retrieval request timed out", err)
		}
		return errors.NetworkError("retrieval request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.NetworkError("reading retrieval response", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(respBody, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
			apiErr.Message = string(respBody)
		}
		if resp.StatusCode >= 500 {
			return errors.Wrap(errors.CodeUnavailable,
				fmt.Sprintf("retrieval service error (HTTP %d)", resp.StatusCode), apiErr)
		}
		return errors.Wrap(errors.CodeInvalidRequest,
			fmt.Sprintf("retrieval rejected request (HTTP %d)", resp.StatusCode), apiErr)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return errors.Wrap(errors.CodeInvalidRequest, "malformed retrieval response", err)
		}
	}

	return nil
}
