package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/calendar"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/orchestrator"
)

type fakeAccounts map[string]domain.AccountConfig

func (f fakeAccounts) Get(id string) (domain.AccountConfig, bool) {
	a, ok := f[id]
	return a, ok
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

func (f fakeAccounts) All() []domain.AccountConfig {
	var out []domain.AccountConfig
	for _, a := range f {
		out = append(out, a)
	}
	return out
}

type recordingDispatcher struct {
	mu       sync.Mutex
	commands []domain.Command
	errs     map[string]error
	failed   map[string]int
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, cmd domain.Command) (*orchestrator.StrategyExecutionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, cmd)
	if err := d.errs[cmd.StrategyName]; err != nil {
		return nil, err
	}
	failed := d.failed[cmd.StrategyName]
	return &orchestrator.StrategyExecutionResult{
		StrategyName:  cmd.StrategyName,
		TotalAccounts: len(cmd.Accounts),
		Successful:    len(cmd.Accounts) - failed,
		Failed:        failed,
	}, nil
}

func (d *recordingDispatcher) byStrategy() map[string]domain.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]domain.Command, len(d.commands))
	for _, c := range d.commands {
		out[c.StrategyName] = c
	}
	return out
}

func testAccounts() fakeAccounts {
	return fakeAccounts{
		"U1": {AccountID: "U1", StrategyName: "growth", Enabled: true},
		"U2": {AccountID: "U2", StrategyName: "growth", Enabled: true},
		"U3": {AccountID: "U3", StrategyName: "income", Enabled: true},
		"U4": {AccountID: "U4", StrategyName: "income", Enabled: false},
	}
}

func newTestJob(t *testing.T, d Dispatcher, now time.Time, strategies ...string) *MarketOpenJob {
	t.Helper()
	cal, err := calendar.New(calendar.DefaultTimezone)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "market-open", "scheduled.json")
	j := NewMarketOpenJob(file, testAccounts(), d, cal, strategies, zerolog.New(nil).Level(zerolog.Disabled))
	j.now = func() time.Time { return now }
	return j
}

func writeScheduled(t *testing.T, j *MarketOpenJob, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(j.file), 0755))
	require.NoError(t, os.WriteFile(j.file, []byte(content), 0644))
}

func tradingDay(t *testing.T) time.Time {
	loc, err := time.LoadLocation(calendar.DefaultTimezone)
	require.NoError(t, err)
	return time.Date(2025, time.March, 3, 9, 30, 0, 0, loc) // Monday
}

func TestMarketOpenJob_GroupsByStrategy(t *testing.T) {
	d := &recordingDispatcher{failed: map[string]int{"income": 1}}
	j := newTestJob(t, d, tradingDay(t))
	writeScheduled(t, j, `["U2","U3","U1","U2","U4","U9"]`)

	summary, err := j.RunContext(context.Background())
	require.NoError(t, err)

	assert.True(t, summary.TradingDay)
	assert.Equal(t, 2, summary.Strategies)
	assert.Equal(t, 2, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Unknown)

	cmds := d.byStrategy()
	require.Len(t, cmds, 2)
	growth := cmds["growth"]
	assert.Equal(t, []string{"U2", "U1"}, growth.Accounts)
	assert.Equal(t, domain.ExecRebalance, growth.ExecKind)
	assert.Equal(t, SourceScheduled, growth.Source)
	assert.Equal(t, []string{"U3"}, cmds["income"].Accounts)

	ids, err := j.Scheduled()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMarketOpenJob_SkipsNonTradingDay(t *testing.T) {
	loc, err := time.LoadLocation(calendar.DefaultTimezone)
	require.NoError(t, err)

	for name, now := range map[string]time.Time{
		"weekend":  time.Date(2025, time.March, 1, 9, 30, 0, 0, loc),
		"holiday":  time.Date(2025, time.July, 4, 9, 30, 0, 0, loc),
		"new year": time.Date(2025, time.January, 1, 9, 30, 0, 0, loc),
	} {
		t.Run(name, func(t *testing.T) {
			d := &recordingDispatcher{}
			j := newTestJob(t, d, now)
			writeScheduled(t, j, `["U1"]`)

			summary, err := j.RunContext(context.Background())
			require.NoError(t, err)
			assert.False(t, summary.TradingDay)
			assert.Empty(t, d.commands)

			ids, err := j.Scheduled()
			require.NoError(t, err)
			assert.Equal(t, []string{"U1"}, ids, "file kept for the next trading day")
		})
	}
}

func TestMarketOpenJob_InvalidFileIsCleared(t *testing.T) {
	d := &recordingDispatcher{}
	j := newTestJob(t, d, tradingDay(t))
	writeScheduled(t, j, `{not json`)

	_, err := j.RunContext(context.Background())
	require.Error(t, err)
	assert.Empty(t, d.commands)

	data, err := os.ReadFile(j.file)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestMarketOpenJob_DispatchOutcomes(t *testing.T) {
	d := &recordingDispatcher{errs: map[string]error{
		"growth": fmt.Errorf("dispatch: %w", domain.ErrDedupRejected),
		"income": errors.New("redis down"),
	}}
	j := newTestJob(t, d, tradingDay(t))
	writeScheduled(t, j, `["U1","U2","U3"]`)

	summary, err := j.RunContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Successful)

	// Accounts of the strategy that was already running wait for the next run
	ids, err := j.Scheduled()
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U2"}, ids)
}

func TestMarketOpenJob_FullStrategyFailureCountsAccounts(t *testing.T) {
	d := &recordingDispatcher{errs: map[string]error{"growth": errors.New("redis down")}}
	j := newTestJob(t, d, tradingDay(t), "growth")
	require.NoError(t, j.EnsureFile())

	summary, err := j.RunContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Strategies)
	assert.Equal(t, 2, summary.Failed, "both enabled growth accounts")
}

func TestMarketOpenJob_FullStrategies(t *testing.T) {
	d := &recordingDispatcher{}
	j := newTestJob(t, d, tradingDay(t), "growth")
	writeScheduled(t, j, `["U1","U3"]`)

	summary, err := j.RunContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Strategies)

	cmds := d.byStrategy()
	assert.Empty(t, cmds["growth"].Accounts, "configured strategies run in full")
	assert.Equal(t, []string{"U3"}, cmds["income"].Accounts)
}

func TestMarketOpenJob_EmptyFile(t *testing.T) {
	d := &recordingDispatcher{}
	j := newTestJob(t, d, tradingDay(t))
	require.NoError(t, j.EnsureFile())

	summary, err := j.RunContext(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Strategies)
	assert.Empty(t, d.commands)
}

func TestMarketOpenJob_EnsureFileKeepsExisting(t *testing.T) {
	j := newTestJob(t, &recordingDispatcher{}, tradingDay(t))
	require.NoError(t, j.EnsureFile())

	data, err := os.ReadFile(j.file)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	writeScheduled(t, j, `["U1"]`)
	require.NoError(t, j.EnsureFile())
	ids, err := j.Scheduled()
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, ids)
}

func TestMarketOpenJob_AddAccount(t *testing.T) {
	j := newTestJob(t, &recordingDispatcher{}, tradingDay(t))

	require.NoError(t, j.AddAccount("U1"))
	require.NoError(t, j.AddAccount("U2"))
	require.NoError(t, j.AddAccount("U1"))
	assert.Error(t, j.AddAccount(""))

	ids, err := j.Scheduled()
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U2"}, ids)

	entries, err := os.ReadDir(filepath.Dir(j.file))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestMarketOpenJob_AddAccountConcurrent(t *testing.T) {
	j := newTestJob(t, &recordingDispatcher{}, tradingDay(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, j.AddAccount(fmt.Sprintf("U%d", i)))
		}(i)
	}
	wg.Wait()

	ids, err := j.Scheduled()
	require.NoError(t, err)
	sort.Strings(ids)
	assert.Len(t, ids, 20)
}

// blockingDispatcher adds an account mid-run
type blockingDispatcher struct {
	job   *MarketOpenJob
	added atomic.Bool
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, cmd domain.Command) (*orchestrator.StrategyExecutionResult, error) {
	if b.added.CompareAndSwap(false, true) {
		if err := b.job.AddAccount("U3"); err != nil {
			return nil, err
		}
	}
	return &orchestrator.StrategyExecutionResult{Successful: len(cmd.Accounts)}, nil
}

func TestMarketOpenJob_KeepsAccountsAddedDuringRun(t *testing.T) {
	b := &blockingDispatcher{}
	j := newTestJob(t, b, tradingDay(t))
	b.job = j
	writeScheduled(t, j, `["U1"]`)

	_, err := j.RunContext(context.Background())
	require.NoError(t, err)

	ids, err := j.Scheduled()
	require.NoError(t, err)
	assert.Equal(t, []string{"U3"}, ids)
}

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (c *countingJob) Run(ctx context.Context) error {
	c.runs.Add(1)
	return c.err
}

func (c *countingJob) Name() string { return "counting" }

func TestScheduler_AddJob(t *testing.T) {
	s := New(time.UTC, zerolog.New(nil).Level(zerolog.Disabled))

	_, err := s.AddJob("30 9 * * MON-FRI", &countingJob{})
	require.NoError(t, err, "five-field expressions are accepted")
	_, err = s.AddJob("0 30 9 * * MON-FRI", &countingJob{})
	require.NoError(t, err, "six-field expressions are accepted")
	_, err = s.AddJob("not a schedule", &countingJob{})
	assert.Error(t, err)
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := New(nil, zerolog.New(nil).Level(zerolog.Disabled))
	job := &countingJob{err: errors.New("job failure is logged")}

	id, err := s.AddJob("@every 1s", job)
	require.NoError(t, err)
	s.Start(context.Background())
	assert.False(t, s.Next(id).IsZero())

	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()

	require.Error(t, s.RunNow(context.Background(), job))
}

// waitingJob blocks until its context is cancelled
type waitingJob struct {
	started chan struct{}
	once    sync.Once
}

func (w *waitingJob) Run(ctx context.Context) error {
	w.once.Do(func() { close(w.started) })
	<-ctx.Done()
	return ctx.Err()
}

func (w *waitingJob) Name() string { return "waiting" }

func TestScheduler_StopReturnsOnceContextCancelled(t *testing.T) {
	s := New(time.UTC, zerolog.New(nil).Level(zerolog.Disabled))
	job := &waitingJob{started: make(chan struct{})}
	_, err := s.AddJob("@every 1s", job)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	select {
	case <-job.started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	cancel()
	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop waited on a job whose context was cancelled")
	}
}

func TestMarketOpenJob_RunStopsWithParentContext(t *testing.T) {
	d := &contextDispatcher{started: make(chan struct{})}
	j := newTestJob(t, d, tradingDay(t))
	writeScheduled(t, j, `["U1"]`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	<-d.started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run ignored the cancelled parent context")
	}
}

// contextDispatcher blocks until the dispatch context ends
type contextDispatcher struct {
	started chan struct{}
}

func (d *contextDispatcher) Dispatch(ctx context.Context, cmd domain.Command) (*orchestrator.StrategyExecutionResult, error) {
	close(d.started)
	<-ctx.Done()
	return &orchestrator.StrategyExecutionResult{Failed: len(cmd.Accounts)}, nil
}
