// Package allocation fetches strategy target allocations from the
// allocations API.
package allocation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"gonum.org/v1/gonum/floats"

	"github.com/aristath/rebalancer/internal/domain"
)

const sumTolerance = 1e-6

// Config configures the allocations API client
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements domain.AllocationProvider over HTTP. Concurrent requests
// for the same strategy share one call.
type Client struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	group      singleflight.Group
	log        zerolog.Logger
}

// NewClient creates an allocations API client
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("component", "allocation_client").Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "allocations-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
	return c
}

type allocationsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Name          string            `json:"name"`
		LongName      string            `json:"strategy_long_name"`
		LastRebalance string            `json:"last_rebalance_on"`
		Allocations   []allocationEntry `json:"allocations"`
	} `json:"data"`
}

type allocationEntry struct {
	Symbol     string   `json:"symbol"`
	Ticker     string   `json:"ticker"`
	Allocation *float64 `json:"allocation"`
}

// GetAllocations returns the current target allocations of strategy
func (c *Client) GetAllocations(ctx context.Context, strategy string) ([]domain.AllocationItem, error) {
	if strategy == "" {
		return nil, domain.NewValidationError("strategy_name", "is required")
	}

	ch := c.group.DoChan(strategy, func() (interface{}, error) {
		// Shared by every waiter, so one caller's cancellation must not fail the rest
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.breaker.Execute(func() (interface{}, error) {
			return c.fetch(fetchCtx, strategy)
		})
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("failed to get allocations for %s: %w", strategy, res.Err)
		}
		items := res.Val.([]domain.AllocationItem)
		return append([]domain.AllocationItem(nil), items...), nil
	}
}

func (c *Client) fetch(ctx context.Context, strategy string) ([]domain.AllocationItem, error) {
	endpoint := fmt.Sprintf("%s/%s/allocations", c.baseURL, url.PathEscape(strategy))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	c.log.Debug().Str("url", endpoint).Msg("Fetching allocations")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("allocations API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed allocationsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse allocations response: %w", err)
	}
	if parsed.Status != "success" {
		status := parsed.Status
		if status == "" {
			status = "unknown"
		}
		return nil, fmt.Errorf("allocations API returned error status: %s", status)
	}

	items, err := normalize(parsed.Data.Allocations)
	if err != nil {
		return nil, err
	}

	if total := Total(items); math.Abs(total-1) > 0.01 {
		c.log.Warn().Str("strategy", strategy).Float64("total", total).Msg("Allocations do not sum to 1")
	}

	event := c.log.Info().
		Str("strategy", strategy).
		Int("allocations", len(items))
	if parsed.Data.Name != "" {
		event = event.Str("name", parsed.Data.Name)
	}
	if parsed.Data.LastRebalance != "" {
		event = event.Str("last_rebalance", parsed.Data.LastRebalance)
	}
	event.Msg("Retrieved allocations")

	return items, nil
}

// normalize validates raw entries: symbol or ticker required, each allocation
// in [0,1], no duplicates, and a total of at most 1.
func normalize(entries []allocationEntry) ([]domain.AllocationItem, error) {
	items := make([]domain.AllocationItem, 0, len(entries))
	values := make([]float64, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for i, e := range entries {
		symbol := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if symbol == "" {
			symbol = strings.ToUpper(strings.TrimSpace(e.Ticker))
		}
		if symbol == "" || e.Allocation == nil {
			return nil, domain.NewValidationError("allocations", fmt.Sprintf("entry %d must have symbol and allocation", i))
		}
		a := *e.Allocation
		if math.IsNaN(a) || a < 0 || a > 1 {
			return nil, domain.NewValidationError("allocations", fmt.Sprintf("allocation for %s must be between 0 and 1", symbol))
		}
		if seen[symbol] {
			return nil, domain.NewValidationError("allocations", fmt.Sprintf("duplicate symbol %s", symbol))
		}
		seen[symbol] = true
		items = append(items, domain.AllocationItem{Symbol: symbol, Allocation: a})
		values = append(values, a)
	}

	if total := floats.Sum(values); total > 1+sumTolerance {
		return nil, domain.NewValidationError("allocations", fmt.Sprintf("allocations sum to %.6f, above 1", total))
	}
	return items, nil
}

// Total returns the sum of the allocation fractions
func Total(items []domain.AllocationItem) float64 {
	values := make([]float64, len(items))
	for i, it := range items {
		values[i] = it.Allocation
	}
	return floats.Sum(values)
}
