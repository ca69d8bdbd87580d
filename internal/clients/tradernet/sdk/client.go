// Package sdk provides the Tradernet SDK client implementation.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the production API host
	DefaultBaseURL = "https://freedom24.com"

	rateLimitDelay = 1500 * time.Millisecond // Minimum spacing between requests
)

var (
	// ErrInvalidKeypair is returned before any request when credentials are missing
	ErrInvalidKeypair = errors.New("keypair is not valid")
	// ErrUnauthorized is returned for 401/403 responses
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError reports a non-200 HTTP response
type StatusError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Status)
}

// Unwrap maps auth failures onto ErrUnauthorized
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Client represents the Tradernet SDK client. All requests made through one
// client share its rate limiter, so sessions for the same keypair never burst.
type Client struct {
	publicKey  string
	privateKey string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
	log        zerolog.Logger
}

// Option customizes a Client
type Option func(*Client)

// WithBaseURL points the client at another host
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit sets the minimum spacing between requests. Zero disables limiting.
func WithRateLimit(every time.Duration) Option {
	return func(c *Client) {
		if every <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
}

// NewClient creates a new Tradernet SDK client
func NewClient(publicKey, privateKey string, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		publicKey:  publicKey,
		privateKey: privateKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(rateLimitDelay), 1),
		now:        time.Now,
		log:        log.With().Str("component", "tradernet-sdk").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// authorizedRequest makes a signed POST to /api/{cmd}. It blocks on the rate
// limiter, honoring ctx.
func (c *Client) authorizedRequest(ctx context.Context, cmd string, params interface{}) (map[string]interface{}, error) {
	if c.publicKey == "" || c.privateKey == "" {
		return nil, ErrInvalidKeypair
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	payload, err := stringify(params)
	if err != nil {
		return nil, fmt.Errorf("failed to stringify params: %w", err)
	}

	// Timestamp in seconds, appended to the payload for signing
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	signature := sign(c.privateKey, payload+timestamp)

	requestURL := fmt.Sprintf("%s/api/%s", c.baseURL, cmd)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader([]byte(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TradernetSDK/2.0)")
	req.Header.Set("X-NtApi-PublicKey", c.publicKey)
	req.Header.Set("X-NtApi-Timestamp", timestamp)
	req.Header.Set("X-NtApi-Sig", signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		bodyStr := truncate(string(body))
		c.log.Error().
			Int("status_code", resp.StatusCode).
			Str("response_body", bodyStr).
			Str("cmd", cmd).
			Msg("API returned non-200 status")
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       bodyStr,
		}
	}

	var rawResult interface{}
	if err := json.Unmarshal(body, &rawResult); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w (body: %s)", err, truncate(string(body)))
	}

	// Normalize: arrays and scalars are wrapped under "result"
	var result map[string]interface{}
	switch v := rawResult.(type) {
	case map[string]interface{}:
		result = v
	default:
		result = map[string]interface{}{"result": v}
	}

	if errMsg, ok := result["errMsg"].(string); ok && errMsg != "" {
		c.log.Warn().Str("err_msg", errMsg).Str("cmd", cmd).Msg("API returned error message")
	}

	return result, nil
}

func truncate(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}
