package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"perps-trading-bot/internal/metrics"
)

const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindow     = "5000"
)

// Client is a signed REST client for the USDT-M Futures API with bounded
// retries and weight-based rate limiting.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	logger     zerolog.Logger
}

// NewClient creates a futures REST client. testnet selects the testnet base
// URL; credentials may be empty for public-only use.
func NewClient(apiKey, apiSecret string, testnet bool, logger zerolog.Logger) *Client {
	baseURL := BaseURL
	if testnet {
		baseURL = TestnetURL
	}
	return &Client{
		apiKey:    strings.TrimSpace(apiKey),
		apiSecret: strings.TrimSpace(apiSecret),
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: NewRateLimiter(),
		logger:  logger.With().Str("component", "exchange_client").Logger(),
	}
}

// sign produces the HMAC-SHA256 signature of the query string.
func (c *Client) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// buildQuery encodes params in sorted key order for a stable signature base.
func buildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}

// publicGet performs an unsigned GET against a public endpoint.
func (c *Client) publicGet(ctx context.Context, endpoint string, params map[string]string, weight int, out interface{}) error {
	query := buildQuery(params)
	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL += "?" + query
	}
	return c.doWithRetry(ctx, http.MethodGet, endpoint, reqURL, false, weight, out)
}

// signedGet performs a signed GET against a private endpoint.
func (c *Client) signedGet(ctx context.Context, endpoint string, params map[string]string, weight int, out interface{}) error {
	return c.signedRequest(ctx, http.MethodGet, endpoint, params, weight, out)
}

// signedPost performs a signed POST against a private endpoint.
func (c *Client) signedPost(ctx context.Context, endpoint string, params map[string]string, weight int, out interface{}) error {
	return c.signedRequest(ctx, http.MethodPost, endpoint, params, weight, out)
}

func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params map[string]string, weight int, out interface{}) error {
	if c.apiKey == "" || c.apiSecret == "" {
		return fmt.Errorf("signed request to %s requires API credentials", endpoint)
	}

	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = v
	}
	signed["recvWindow"] = recvWindow
	signed["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	query := buildQuery(signed)
	query += "&signature=" + c.sign(query)

	reqURL := c.baseURL + endpoint + "?" + query
	return c.doWithRetry(ctx, method, endpoint, reqURL, true, weight, out)
}

// doWithRetry executes the request, retrying transient failures with
// exponential backoff and jitter. A permanent API error returns immediately.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint, reqURL string, signed bool, weight int, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying exchange request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx, weight); err != nil {
			return err
		}

		lastErr = c.doOnce(ctx, method, endpoint, reqURL, signed, out)
		if lastErr == nil {
			metrics.ExchangeRequests.WithLabelValues(endpoint, "ok").Inc()
			return nil
		}
		if apiErr, ok := asAPIError(lastErr); ok && apiErr.IsRateLimit() {
			c.limiter.Penalize()
		}
		if !IsRetryable(lastErr) {
			metrics.ExchangeRequests.WithLabelValues(endpoint, "error").Inc()
			return lastErr
		}
		metrics.ExchangeRequests.WithLabelValues(endpoint, "retry").Inc()
	}
	metrics.ExchangeRequests.WithLabelValues(endpoint, "error").Inc()
	return fmt.Errorf("%s %s failed after %d attempts: %w", method, endpoint, maxRetries+1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, endpoint, reqURL string, signed bool, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if signed || c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	c.limiter.Update(resp.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		// Best effort; body may not be the standard error envelope.
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return nil
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// retryDelay is exponential backoff with up to 25% jitter, capped.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}
