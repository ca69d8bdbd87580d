package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/executor"
)

type fakeAccounts struct {
	accounts []domain.AccountConfig
}

func (f *fakeAccounts) Get(accountID string) (domain.AccountConfig, bool) {
	for _, a := range f.accounts {
		if a.AccountID == accountID {
			return a, true
		}
	}
	return domain.AccountConfig{}, false
}

func (f *fakeAccounts) ByStrategy(strategyName string) []domain.AccountConfig {
	var out []domain.AccountConfig
	for _, a := range f.accounts {
		if a.Enabled && a.StrategyName == strategyName {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeAccounts) All() []domain.AccountConfig {
	return f.accounts
}

type fakeExecutor struct {
	gate    chan struct{} // When set, executions block until closed
	calls   atomic.Int32
	running atomic.Int32
	peak    atomic.Int32

	mu       sync.Mutex
	requests []executor.Request
	fail     map[string]bool
	panicOn  string
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) *executor.AccountResult {
	f.calls.Add(1)
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if req.Account.AccountID == f.panicOn {
		panic("boom")
	}

	res := &executor.AccountResult{
		ExecutionID: req.ExecutionID,
		AccountID:   req.Account.AccountID,
		ExecKind:    req.ExecKind,
		SessionID:   req.SessionID,
		Success:     !f.fail[req.Account.AccountID],
		FinalState:  executor.StateDone,
	}
	if !res.Success {
		res.FinalState = executor.StateFailed
		res.Error = "broker down"
	}
	return res
}

type sequentialSessions struct{}

func (sequentialSessions) SessionID(index int) int { return 1000 + index*10 }

type recordingSink struct {
	mu      sync.Mutex
	results []*StrategyExecutionResult
}

func (s *recordingSink) Save(ctx context.Context, r *StrategyExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func account(id, strategy string) domain.AccountConfig {
	return domain.AccountConfig{
		AccountID:    id,
		TradingType:  domain.TradingTypePaper,
		Enabled:      true,
		StrategyName: strategy,
	}
}

func newTestOrchestrator(exec AccountExecutor, cfg Config, accounts ...domain.AccountConfig) (*Orchestrator, *events.Bus) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := events.NewBus(log)
	o := New(&fakeAccounts{accounts: accounts}, exec, sequentialSessions{}, nil, events.NewManager(bus, log), cfg, log)
	return o, bus
}

func TestDispatch_SingleAccount(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := newTestOrchestrator(exec, Config{}, account("U1", "growth"))
	sink := &recordingSink{}
	o.AddSink(sink)

	res, err := o.Dispatch(context.Background(), domain.Command{AccountID: "U1", ExecKind: domain.ExecRebalance, EventID: "evt-1"})
	require.NoError(t, err)

	assert.Equal(t, "evt-1", res.ExecutionID)
	assert.Equal(t, "growth", res.StrategyName)
	assert.Equal(t, 1, res.TotalAccounts)
	assert.Equal(t, 1, res.Successful)
	assert.True(t, res.Success())
	require.Len(t, exec.requests, 1)
	assert.Equal(t, 1000, exec.requests[0].SessionID)

	active, err := o.Active(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
	require.Len(t, sink.results, 1)
}

func TestDispatch_StrategyFanOut(t *testing.T) {
	exec := &fakeExecutor{fail: map[string]bool{"U2": true}}
	o, bus := newTestOrchestrator(exec, Config{},
		account("U1", "growth"), account("U2", "growth"), account("U3", "income"),
		domain.AccountConfig{AccountID: "U4", StrategyName: "growth", Enabled: false})

	var completed *events.StrategyExecutionCompletedData
	bus.Subscribe(events.StrategyExecutionCompleted, func(e events.Event) {
		completed = e.Data.(*events.StrategyExecutionCompletedData)
	})

	res, err := o.Dispatch(context.Background(), domain.Command{StrategyName: "growth", ExecKind: domain.ExecPrintRebalance})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ExecutionID)
	assert.Equal(t, 2, res.TotalAccounts)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Success())
	assert.Len(t, res.Results, 2)

	sessionIDs := map[int]bool{}
	for _, r := range exec.requests {
		sessionIDs[r.SessionID] = true
		assert.Equal(t, res.ExecutionID, r.ExecutionID)
	}
	assert.Len(t, sessionIDs, 2)

	require.NotNil(t, completed)
	assert.Equal(t, 1, completed.Failed)
}

func TestDispatch_StrategySubset(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := newTestOrchestrator(exec, Config{},
		account("U1", "growth"), account("U2", "growth"), account("U3", "growth"))

	res, err := o.Dispatch(context.Background(), domain.Command{
		StrategyName: "growth",
		Accounts:     []string{"U3", "U1", "U9"},
		ExecKind:     domain.ExecRebalance,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalAccounts)

	var ids []string
	for _, r := range exec.requests {
		ids = append(ids, r.Account.AccountID)
	}
	assert.ElementsMatch(t, []string{"U1", "U3"}, ids)
}

func TestDispatch_NoEligibleAccounts(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := newTestOrchestrator(exec, Config{}, account("U1", "growth"))

	res, err := o.Dispatch(context.Background(), domain.Command{StrategyName: "income", ExecKind: domain.ExecRebalance})
	require.NoError(t, err)
	assert.Zero(t, res.TotalAccounts)
	assert.Zero(t, exec.calls.Load())
}

func TestDispatch_InvalidCommands(t *testing.T) {
	disabled := account("U2", "growth")
	disabled.Enabled = false
	o, _ := newTestOrchestrator(&fakeExecutor{}, Config{}, account("U1", "growth"), disabled)

	tests := []struct {
		name string
		cmd  domain.Command
	}{
		{"no target", domain.Command{ExecKind: domain.ExecRebalance}},
		{"unknown kind", domain.Command{AccountID: "U1", ExecKind: "liquidate"}},
		{"unknown account", domain.Command{AccountID: "NOPE", ExecKind: domain.ExecRebalance}},
		{"disabled account", domain.Command{AccountID: "U2", ExecKind: domain.ExecRebalance}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Dispatch(context.Background(), tt.cmd)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestDispatch_ConcurrentDuplicatesRunOnce(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	o, bus := newTestOrchestrator(exec, Config{}, account("U1", "growth"))

	var rejected atomic.Int32
	bus.Subscribe(events.DedupRejected, func(e events.Event) { rejected.Add(1) })

	const triggers = 20
	var (
		wg         sync.WaitGroup
		successes  atomic.Int32
		dedupCount atomic.Int32
	)
	first := make(chan struct{})
	go func() {
		defer close(first)
		_, err := o.Dispatch(context.Background(), domain.Command{AccountID: "U1", ExecKind: domain.ExecRebalance})
		if err == nil {
			successes.Add(1)
		}
	}()

	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Dispatch(context.Background(), domain.Command{AccountID: "U1", ExecKind: domain.ExecRebalance})
			if errors.Is(err, domain.ErrDedupRejected) {
				dedupCount.Add(1)
			}
		}()
	}
	wg.Wait()
	close(exec.gate)
	<-first

	assert.Equal(t, int32(1), exec.calls.Load())
	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(triggers), dedupCount.Load())
	assert.Equal(t, int32(triggers), rejected.Load())

	// A different command kind for the same account is a different key
	exec.gate = nil
	_, err := o.Dispatch(context.Background(), domain.Command{AccountID: "U1", ExecKind: domain.ExecPrintRebalance})
	assert.NoError(t, err)
}

func TestDispatch_RaceForSameKey(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	o, _ := newTestOrchestrator(exec, Config{}, account("U1", "growth"))

	const triggers = 16
	start := make(chan struct{})
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := o.Dispatch(context.Background(), domain.Command{AccountID: "U1", ExecKind: domain.ExecRebalance})
			if err == nil {
				accepted.Add(1)
			}
		}()
	}
	close(start)
	require.Eventually(t, func() bool { return exec.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the losers time to hit the dedup set while the winner is blocked
	time.Sleep(20 * time.Millisecond)
	close(exec.gate)
	wg.Wait()

	assert.Equal(t, int32(1), exec.calls.Load())
	assert.Equal(t, int32(1), accepted.Load())
}

func TestDispatch_BoundedByMaxWorkers(t *testing.T) {
	exec := &fakeExecutor{gate: make(chan struct{})}
	var accounts []domain.AccountConfig
	for _, id := range []string{"A1", "A2", "A3", "A4", "A5", "A6"} {
		accounts = append(accounts, account(id, "growth"))
	}
	o, _ := newTestOrchestrator(exec, Config{MaxWorkers: 2}, accounts...)

	done := make(chan *StrategyExecutionResult)
	go func() {
		res, _ := o.Dispatch(context.Background(), domain.Command{StrategyName: "growth", ExecKind: domain.ExecRebalance})
		done <- res
	}()

	require.Eventually(t, func() bool { return exec.running.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(2), exec.running.Load())

	close(exec.gate)
	res := <-done
	assert.Equal(t, 6, res.Successful)
	assert.Equal(t, int32(2), exec.peak.Load())
}

func TestDispatch_PanicFailsOnlyThatAccount(t *testing.T) {
	exec := &fakeExecutor{panicOn: "U2"}
	o, _ := newTestOrchestrator(exec, Config{}, account("U1", "growth"), account("U2", "growth"))

	res, err := o.Dispatch(context.Background(), domain.Command{StrategyName: "growth", ExecKind: domain.ExecRebalance})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)

	for _, r := range res.Results {
		if r.AccountID == "U2" {
			assert.Equal(t, "internal", r.ErrorKind)
			assert.Contains(t, r.Error, "boom")
		}
	}

	active, err := o.Active(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryDedup_AllOrNothing(t *testing.T) {
	d := NewMemoryDedup()
	ctx := context.Background()

	ok, err := d.TryAcquire(ctx, []string{"A:rebalance"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.TryAcquire(ctx, []string{"B:rebalance", "A:rebalance"})
	require.NoError(t, err)
	assert.False(t, ok)

	active, _ := d.Active(ctx)
	assert.Equal(t, []string{"A:rebalance"}, active)

	require.NoError(t, d.Release(ctx, []string{"A:rebalance", "missing"}))
	active, _ = d.Active(ctx)
	assert.Empty(t, active)
}

func TestDispatchHeld_LeavesCallerKeys(t *testing.T) {
	exec := &fakeExecutor{}
	log := zerolog.New(nil).Level(zerolog.Disabled)
	dedup := NewMemoryDedup()
	o := New(&fakeAccounts{accounts: []domain.AccountConfig{account("U1", "growth")}}, exec, sequentialSessions{}, dedup, events.NewManager(events.NewBus(log), log), Config{}, log)

	// The queue took the key when the record was enqueued
	ok, err := dedup.TryAcquire(context.Background(), []string{"U1:rebalance"})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = o.Dispatch(context.Background(), domain.Command{AccountID: "U1", ExecKind: domain.ExecRebalance})
	assert.ErrorIs(t, err, domain.ErrDedupRejected)

	res, err := o.DispatchHeld(context.Background(), domain.Command{AccountID: "U1", ExecKind: domain.ExecRebalance})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, int32(1), exec.calls.Load())

	active, err := dedup.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"U1:rebalance"}, active)
}
