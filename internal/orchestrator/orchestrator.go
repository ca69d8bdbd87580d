// Package orchestrator turns trigger commands into parallel account
// executions, guarding each account and command kind against overlap.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/executor"
)

const module = "orchestrator"

// AccountExecutor runs one account execution to completion
type AccountExecutor interface {
	Execute(ctx context.Context, req executor.Request) *executor.AccountResult
}

// SessionNumberer assigns broker session ids by position within a dispatch
type SessionNumberer interface {
	SessionID(index int) int
}

// ResultSink persists finished dispatches
type ResultSink interface {
	Save(ctx context.Context, result *StrategyExecutionResult) error
}

// Config bounds a dispatch
type Config struct {
	MaxWorkers     int
	ReleaseTimeout time.Duration // Budget for removing dedup keys after the dispatch
}

// DefaultConfig returns the production limits
func DefaultConfig() Config {
	return Config{MaxWorkers: 32, ReleaseTimeout: 5 * time.Second}
}

// StrategyExecutionResult aggregates the account results of one dispatch in
// completion order
type StrategyExecutionResult struct {
	ExecutionID   string                    `json:"execution_id"`
	StrategyName  string                    `json:"strategy_name,omitempty"`
	AccountID     string                    `json:"account_id,omitempty"`
	ExecKind      domain.ExecKind           `json:"exec"`
	Source        string                    `json:"source,omitempty"`
	TotalAccounts int                       `json:"total_accounts"`
	Successful    int                       `json:"successful"`
	Failed        int                       `json:"failed"`
	Results       []*executor.AccountResult `json:"results"`
	StartedAt     time.Time                 `json:"started_at"`
	Duration      time.Duration             `json:"duration"`
}

// Success reports whether every account succeeded
func (r *StrategyExecutionResult) Success() bool {
	return r.Failed == 0
}

// Orchestrator dispatches commands across accounts
type Orchestrator struct {
	accounts domain.AccountRepository
	exec     AccountExecutor
	sessions SessionNumberer
	dedup    DedupSet
	events   *events.Manager
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger

	sinksMu sync.RWMutex
	sinks   []ResultSink
}

// New creates an orchestrator. A nil dedup set uses MemoryDedup.
func New(accounts domain.AccountRepository, exec AccountExecutor, sessions SessionNumberer, dedup DedupSet, em *events.Manager, cfg Config, log zerolog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = def.ReleaseTimeout
	}
	if dedup == nil {
		dedup = NewMemoryDedup()
	}
	return &Orchestrator{
		accounts: accounts,
		exec:     exec,
		sessions: sessions,
		dedup:    dedup,
		events:   em,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// AddSink registers a result sink. Sinks run after every dispatch.
func (o *Orchestrator) AddSink(s ResultSink) {
	o.sinksMu.Lock()
	defer o.sinksMu.Unlock()
	o.sinks = append(o.sinks, s)
}

// Active returns the dedup keys of executions in flight
func (o *Orchestrator) Active(ctx context.Context) ([]string, error) {
	return o.dedup.Active(ctx)
}

// Dispatch runs cmd against its accounts. A command whose keys are already
// active returns an error wrapping domain.ErrDedupRejected and does nothing.
func (o *Orchestrator) Dispatch(ctx context.Context, cmd domain.Command) (*StrategyExecutionResult, error) {
	return o.dispatch(ctx, cmd, true)
}

// DispatchHeld runs cmd whose dedup keys the caller already holds in the
// shared active set, such as a record popped from the trigger queue. The keys
// are neither acquired nor released here.
func (o *Orchestrator) DispatchHeld(ctx context.Context, cmd domain.Command) (*StrategyExecutionResult, error) {
	return o.dispatch(ctx, cmd, false)
}

func (o *Orchestrator) dispatch(ctx context.Context, cmd domain.Command, acquire bool) (*StrategyExecutionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	accounts, err := o.resolve(cmd)
	if err != nil {
		return nil, err
	}

	executionID := cmd.EventID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	log := o.log.With().
		Str("execution_id", executionID).
		Str("exec", string(cmd.ExecKind)).
		Str("source", cmd.Source).
		Logger()

	result := &StrategyExecutionResult{
		ExecutionID:   executionID,
		StrategyName:  cmd.StrategyName,
		AccountID:     cmd.AccountID,
		ExecKind:      cmd.ExecKind,
		Source:        cmd.Source,
		TotalAccounts: len(accounts),
		StartedAt:     o.now(),
	}
	if cmd.AccountID != "" && len(accounts) == 1 {
		result.StrategyName = accounts[0].StrategyName
	}

	if len(accounts) == 0 {
		log.Warn().Str("strategy", cmd.StrategyName).Msg("No eligible accounts for strategy")
		return result, nil
	}

	keys := make([]string, len(accounts))
	for i, a := range accounts {
		keys[i] = domain.DedupKey(a.AccountID, cmd.ExecKind)
	}

	if acquire {
		acquired, err := o.dedup.TryAcquire(ctx, keys)
		if err != nil {
			return nil, err
		}
		if !acquired {
			for _, k := range keys {
				o.events.EmitTyped(module, &events.DedupRejectedData{Key: k, Source: cmd.Source})
			}
			log.Info().Strs("keys", keys).Msg("Execution already in progress, ignoring trigger")
			return nil, fmt.Errorf("%w: %s", domain.ErrDedupRejected, strings.Join(keys, ", "))
		}
		defer o.release(keys)
	}

	log.Info().Int("accounts", len(accounts)).Int("max_workers", o.cfg.MaxWorkers).Msg("Dispatching executions")

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(o.cfg.MaxWorkers)
	for i, account := range accounts {
		req := executor.Request{
			ExecutionID: executionID,
			Account:     account,
			ExecKind:    cmd.ExecKind,
			SessionID:   o.sessions.SessionID(i),
		}
		p.Go(func() {
			res := o.runAccount(ctx, req)
			mu.Lock()
			result.Results = append(result.Results, res)
			mu.Unlock()
		})
	}
	p.Wait()

	for _, r := range result.Results {
		if r.Success {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	result.Duration = o.now().Sub(result.StartedAt)

	o.events.EmitTyped(module, &events.StrategyExecutionCompletedData{
		ExecutionID:   executionID,
		StrategyName:  result.StrategyName,
		ExecKind:      string(cmd.ExecKind),
		TotalAccounts: result.TotalAccounts,
		Successful:    result.Successful,
		Failed:        result.Failed,
		Duration:      result.Duration,
	})
	log.Info().
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("Dispatch completed")

	o.save(ctx, result)
	return result, nil
}

// resolve returns the eligible accounts of cmd
func (o *Orchestrator) resolve(cmd domain.Command) ([]domain.AccountConfig, error) {
	if cmd.AccountID != "" {
		account, ok := o.accounts.Get(cmd.AccountID)
		if !ok {
			return nil, domain.NewValidationError("account_id", fmt.Sprintf("unknown account %s", cmd.AccountID))
		}
		if !account.Enabled {
			return nil, domain.NewValidationError("account_id", fmt.Sprintf("account %s is disabled", cmd.AccountID))
		}
		return []domain.AccountConfig{account}, nil
	}
	accounts := o.accounts.ByStrategy(cmd.StrategyName)
	if len(cmd.Accounts) == 0 {
		return accounts, nil
	}
	wanted := make(map[string]bool, len(cmd.Accounts))
	for _, id := range cmd.Accounts {
		wanted[id] = true
	}
	filtered := accounts[:0:0]
	for _, a := range accounts {
		if wanted[a.AccountID] {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// runAccount executes one account and turns a panic into a failed result
func (o *Orchestrator) runAccount(ctx context.Context, req executor.Request) (res *executor.AccountResult) {
	started := o.now()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().
				Str("account_id", req.Account.AccountID).
				Interface("panic", r).
				Msg("Account execution panicked")
			res = &executor.AccountResult{
				ExecutionID:  req.ExecutionID,
				AccountID:    req.Account.AccountID,
				StrategyName: req.Account.StrategyName,
				ExecKind:     req.ExecKind,
				SessionID:    req.SessionID,
				Error:        fmt.Sprintf("panic: %v", r),
				ErrorKind:    "internal",
				FinalState:   executor.StateFailed,
				StartedAt:    started,
				Duration:     o.now().Sub(started),
			}
		}
	}()
	return o.exec.Execute(ctx, req)
}

func (o *Orchestrator) release(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ReleaseTimeout)
	defer cancel()
	if err := o.dedup.Release(ctx, keys); err != nil {
		o.log.Error().Err(err).Strs("keys", keys).Msg("Failed to release dedup keys")
	}
}

func (o *Orchestrator) save(ctx context.Context, result *StrategyExecutionResult) {
	o.sinksMu.RLock()
	sinks := append([]ResultSink(nil), o.sinks...)
	o.sinksMu.RUnlock()

	for _, s := range sinks {
		if err := s.Save(ctx, result); err != nil {
			o.log.Warn().Err(err).Str("execution_id", result.ExecutionID).Msg("Failed to save execution result")
		}
	}
}
