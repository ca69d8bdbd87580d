package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/broker"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/metrics"
	"github.com/aristath/rebalancer/internal/orchestrator"
	"github.com/aristath/rebalancer/internal/pdt"
	"github.com/aristath/rebalancer/internal/queue"
	"github.com/aristath/rebalancer/internal/results"
)

type fakeAccounts []domain.AccountConfig

func (f fakeAccounts) Get(id string) (domain.AccountConfig, bool) {
	for _, a := range f {
		if a.AccountID == id {
			return a, true
		}
	}
	return domain.AccountConfig{}, false
}

func (f fakeAccounts) ByStrategy(name string) []domain.AccountConfig {
	var out []domain.AccountConfig
	for _, a := range f {
		if a.Enabled && a.StrategyName == name {
			out = append(out, a)
		}
	}
	return out
}

func (f fakeAccounts) All() []domain.AccountConfig { return f }

type fakeSubmitter struct {
	mu   sync.Mutex
	cmds []domain.Command
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, cmd domain.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.cmds = append(f.cmds, cmd)
	return fmt.Sprintf("evt-%d", len(f.cmds)), nil
}

type fakePDT struct{ decision pdt.Decision }

func (f fakePDT) Check(ctx context.Context, account domain.AccountConfig, now time.Time) pdt.Decision {
	return f.decision
}

type fakeSessions []broker.HandleInfo

func (f fakeSessions) Open() []broker.HandleInfo { return f }

type fakeActive struct {
	keys []string
	err  error
}

func (f fakeActive) Active(ctx context.Context) ([]string, error) { return f.keys, f.err }

type fakeQueue struct{ stats queue.Stats }

func (f fakeQueue) Stats(ctx context.Context) (queue.Stats, error) { return f.stats, nil }

type fakeExecutions map[string]*orchestrator.StrategyExecutionResult

func (f fakeExecutions) Get(ctx context.Context, id string) (*orchestrator.StrategyExecutionResult, error) {
	if r, ok := f[id]; ok {
		return r, nil
	}
	return nil, results.ErrNotFound
}

func (f fakeExecutions) Recent(ctx context.Context, strategy string, limit int) ([]results.Summary, error) {
	var out []results.Summary
	for _, r := range f {
		if strategy == "" || r.StrategyName == strategy {
			out = append(out, results.Summary{ExecutionID: r.ExecutionID, StrategyName: r.StrategyName})
		}
	}
	return out, nil
}

type fakeSchedule struct{ ids []string }

func (f *fakeSchedule) AddAccount(id string) error {
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeSchedule) Scheduled() ([]string, error) { return f.ids, nil }

type harness struct {
	srv       *Server
	submitter *fakeSubmitter
	schedule  *fakeSchedule
	bus       *events.Bus
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)
	h := &harness{
		submitter: &fakeSubmitter{},
		schedule:  &fakeSchedule{},
		bus:       events.NewBus(log),
	}
	cfg := Config{
		Log:     log,
		DevMode: true,
		Info:    Info{Version: "test", TradingMode: domain.TradingTypePaper, BrokerKinds: []string{"paper"}},
		Accounts: fakeAccounts{
			{AccountID: "U1", StrategyName: "growth", Enabled: true, PDTProtectionEnabled: true},
			{AccountID: "U2", StrategyName: "income", Enabled: false},
		},
		Submitter: h.submitter,
		Sessions:  fakeSessions{{ID: "h1", SessionID: 1000, AccountID: "U1", Kind: "paper"}},
		Active:    fakeActive{keys: []string{"U1:rebalance"}},
		Queue:     fakeQueue{stats: queue.Stats{Queued: 2, Active: 1, Delayed: 1}},
		Metrics:   metrics.New(),
		Bus:       h.bus,
		Executions: fakeExecutions{"evt-9": {
			ExecutionID:  "evt-9",
			StrategyName: "growth",
		}},
		Schedule: h.schedule,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.srv = New(cfg)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "ok", body["status"])
	assert.Len(t, body["open_sessions"], 1)
	assert.Equal(t, []interface{}{"U1:rebalance"}, body["active_events"])
	q := body["queue"].(map[string]interface{})
	assert.Equal(t, 2.0, q["main_queue"])
	assert.Contains(t, body, "cpu_percent")
	assert.Contains(t, body, "mem_percent")
}

func TestStatus_DegradedWhenActiveFails(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Active = fakeActive{err: errors.New("redis down")}
		c.Queue = nil
	})
	rec, body := h.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.NotContains(t, body, "queue")
}

func TestInfo(t *testing.T) {
	next := time.Date(2025, time.March, 4, 14, 30, 0, 0, time.UTC)
	h := newHarness(t, func(c *Config) { c.NextRun = func() time.Time { return next } })

	rec, body := h.do(t, http.MethodGet, "/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"growth"}, body["strategies"])
	assert.Equal(t, "2025-03-04T14:30:00Z", body["next_scheduled_run"])
	info := body["info"].(map[string]interface{})
	assert.Equal(t, "paper", info["trading_mode"])
}

func TestMetrics(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/health", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rebalancer_")
}

func TestRebalance(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodPost, "/api/rebalance", `{"account_id":"U1","exec":"rebalance"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "evt-1", body["event_id"])
	require.Len(t, h.submitter.cmds, 1)
	cmd := h.submitter.cmds[0]
	assert.Equal(t, "U1", cmd.AccountID)
	assert.Equal(t, domain.ExecRebalance, cmd.ExecKind)
	assert.Equal(t, SourceAPI, cmd.Source)
}

func TestRebalance_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		kind   string
	}{
		{name: "invalid json", body: `{`, status: http.StatusBadRequest, kind: "validation"},
		{name: "missing account", body: `{"exec":"rebalance"}`, status: http.StatusBadRequest, kind: "validation"},
		{name: "unknown exec", body: `{"account_id":"U1","exec":"sell-everything"}`, status: http.StatusBadRequest, kind: "validation"},
		{name: "duplicate", body: `{"account_id":"U1"}`, err: fmt.Errorf("enqueue: %w", domain.ErrDedupRejected), status: http.StatusConflict, kind: "dedup_rejected"},
		{name: "backend failure", body: `{"account_id":"U1"}`, err: errors.New("redis down"), status: http.StatusInternalServerError, kind: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.submitter.err = tt.err
			rec, body := h.do(t, http.MethodPost, "/api/rebalance", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.kind, body["error_kind"])
		})
	}
}

func TestRebalance_NoSubmitter(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Submitter = nil })
	rec, _ := h.do(t, http.MethodPost, "/api/rebalance", `{"account_id":"U1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStrategyRebalance(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/api/strategies/growth/rebalance", `{"exec":"print_rebalance"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "growth", body["strategy_name"])
	require.Len(t, h.submitter.cmds, 1)
	assert.Equal(t, domain.ExecPrintRebalance, h.submitter.cmds[0].ExecKind)

	rec, _ = h.do(t, http.MethodPost, "/api/strategies/income/rebalance", `{"exec":"rebalance"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no enabled accounts")

	rec, _ = h.do(t, http.MethodPost, "/api/strategies/growth/rebalance", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "exec is required")
}

func TestAccounts(t *testing.T) {
	h := newHarness(t)
	rec, body := h.do(t, http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["total"])
	assert.Equal(t, 1.0, body["enabled"])
	assert.Len(t, body["accounts"], 2)
}

func TestPDT(t *testing.T) {
	last := time.Date(2025, time.March, 3, 14, 35, 0, 0, time.UTC)
	next := time.Date(2025, time.March, 4, 14, 30, 0, 0, time.UTC)
	h := newHarness(t, func(c *Config) {
		c.PDT = fakePDT{decision: pdt.Decision{Allowed: false, LastExecuted: &last, NextAllowedTime: next}}
	})

	rec, body := h.do(t, http.MethodGet, "/api/pdt/U1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "2025-03-03T14:35:00Z", body["last_executed"])
	assert.Equal(t, "2025-03-04T14:30:00Z", body["next_allowed"])

	rec, _ = h.do(t, http.MethodGet, "/api/pdt/U9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSchedule(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodPost, "/api/schedule/U1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec, _ = h.do(t, http.MethodPost, "/api/schedule/U2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "disabled accounts are rejected")

	rec, body := h.do(t, http.MethodGet, "/api/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"U1"}, body["accounts"])
}

func TestExecutions(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/api/executions?strategy=growth", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["executions"], 1)

	rec, body = h.do(t, http.MethodGet, "/api/executions/evt-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "growth", body["strategy_name"])

	rec, _ = h.do(t, http.MethodGet, "/api/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOptionalFeaturesDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Schedule = nil
		c.Executions = nil
	})
	for _, path := range []string{"/api/schedule", "/api/executions", "/api/executions/x"} {
		rec, _ := h.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestEventsStream(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events/stream?types=DEDUP_REJECTED", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readData := func() map[string]interface{} {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var out map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &out))
				return out
			}
		}
	}

	assert.Equal(t, "connected", readData()["type"])

	h.bus.Publish(events.Event{Type: events.OrderPlaced, Timestamp: time.Now(), Data: &events.OrderPlacedData{}})
	h.bus.Publish(events.Event{
		Type:      events.DedupRejected,
		Module:    "orchestrator",
		Timestamp: time.Now(),
		Data:      &events.DedupRejectedData{Key: "U1:rebalance"},
	})

	got := readData()
	assert.Equal(t, "DEDUP_REJECTED", got["type"])
	assert.Equal(t, "U1:rebalance", got["data"].(map[string]interface{})["key"])
}
