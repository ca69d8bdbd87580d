package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/orchestrator"
	"github.com/aristath/rebalancer/internal/queue"
)

// Dispatcher runs a command to completion
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) (*orchestrator.StrategyExecutionResult, error)
}

// Enqueuer queues one account trigger
type Enqueuer interface {
	Enqueue(ctx context.Context, cmd domain.Command, account domain.AccountConfig) (*queue.Record, error)
}

// Submitter routes accepted triggers either onto the Redis queue or straight
// to the orchestrator in the background. It serves the HTTP API and both
// ingest sources.
type Submitter struct {
	accounts   domain.AccountRepository
	dispatcher Dispatcher
	queue      Enqueuer // nil dispatches in-process
	log        zerolog.Logger

	// In-process dispatches outlive the request that submitted them and end
	// only with Stop
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSubmitter creates a submitter. store may be nil.
func NewSubmitter(accounts domain.AccountRepository, dispatcher Dispatcher, store *queue.Store, log zerolog.Logger) *Submitter {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Submitter{
		accounts:   accounts,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "submitter").Logger(),
		ctx:        ctx,
		cancel:     cancel,
	}
	if store != nil {
		s.queue = store
	}
	return s
}

// Submit accepts cmd and returns its event id without waiting for execution.
// Queued strategy commands fan out to one record per account; the returned
// id then lists every record id, comma separated.
func (s *Submitter) Submit(ctx context.Context, cmd domain.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", err
	}
	if cmd.ReceivedAt.IsZero() {
		cmd.ReceivedAt = time.Now()
	}
	if s.queue != nil {
		return s.enqueue(ctx, cmd)
	}

	if cmd.EventID == "" {
		cmd.EventID = uuid.NewString()
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.dispatcher.Dispatch(s.ctx, cmd); err != nil {
			s.logFailure(cmd, err)
		}
	}()
	return cmd.EventID, nil
}

// enqueue pushes one record per eligible account
func (s *Submitter) enqueue(ctx context.Context, cmd domain.Command) (string, error) {
	accounts, err := s.resolve(cmd)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "", domain.NewValidationError("strategy_name", fmt.Sprintf("no enabled accounts for strategy %s", cmd.StrategyName))
	}

	var ids []string
	var rejected []string
	for _, account := range accounts {
		accountCmd := cmd
		accountCmd.AccountID = account.AccountID
		accountCmd.StrategyName = ""
		accountCmd.Accounts = nil
		rec, err := s.queue.Enqueue(ctx, accountCmd, account)
		if errors.Is(err, domain.ErrDedupRejected) {
			rejected = append(rejected, account.AccountID)
			continue
		}
		if err != nil {
			return strings.Join(ids, ","), err
		}
		ids = append(ids, rec.EventID)
	}

	if len(ids) == 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrDedupRejected, strings.Join(rejected, ", "))
	}
	if len(rejected) > 0 {
		s.log.Info().Strs("accounts", rejected).Str("exec", string(cmd.ExecKind)).Msg("Skipped accounts already queued or running")
	}
	return strings.Join(ids, ","), nil
}

func (s *Submitter) resolve(cmd domain.Command) ([]domain.AccountConfig, error) {
	if cmd.AccountID != "" {
		account, ok := s.accounts.Get(cmd.AccountID)
		if !ok {
			return nil, domain.NewValidationError("account_id", fmt.Sprintf("unknown account %s", cmd.AccountID))
		}
		if !account.Enabled {
			return nil, domain.NewValidationError("account_id", fmt.Sprintf("account %s is disabled", cmd.AccountID))
		}
		return []domain.AccountConfig{account}, nil
	}

	accounts := s.accounts.ByStrategy(cmd.StrategyName)
	if len(cmd.Accounts) == 0 {
		return accounts, nil
	}
	wanted := make(map[string]bool, len(cmd.Accounts))
	for _, id := range cmd.Accounts {
		wanted[id] = true
	}
	var filtered []domain.AccountConfig
	for _, a := range accounts {
		if wanted[a.AccountID] {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

// Handle is the ingest handler; failures are logged since file and stream
// sources have nobody to answer
func (s *Submitter) Handle(ctx context.Context, cmd domain.Command) {
	eventID, err := s.Submit(ctx, cmd)
	if err != nil {
		s.logFailure(cmd, err)
		return
	}
	s.log.Info().
		Str("event_id", eventID).
		Str("account_id", cmd.AccountID).
		Str("strategy", cmd.StrategyName).
		Str("source", cmd.Source).
		Msg("Trigger accepted")
}

// Wait blocks until in-process dispatches started by Submit have returned
func (s *Submitter) Wait() {
	s.wg.Wait()
}

// Cancel cancels in-process dispatches without waiting for them
func (s *Submitter) Cancel() {
	s.cancel()
}

// Stop cancels in-process dispatches and waits for them to return
func (s *Submitter) Stop() {
	s.Cancel()
	s.wg.Wait()
}

func (s *Submitter) logFailure(cmd domain.Command, err error) {
	level := zerolog.ErrorLevel
	if errors.Is(err, domain.ErrDedupRejected) {
		level = zerolog.InfoLevel
	}
	s.log.WithLevel(level).Err(err).
		Str("account_id", cmd.AccountID).
		Str("strategy", cmd.StrategyName).
		Str("exec", string(cmd.ExecKind)).
		Str("source", cmd.Source).
		Msg("Trigger not executed")
}
