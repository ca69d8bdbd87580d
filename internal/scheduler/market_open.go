package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/aristath/rebalancer/internal/calendar"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/orchestrator"
)

// SourceScheduled tags commands created by the market-open job
const SourceScheduled = "scheduled"

// Dispatcher runs a command to completion
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd domain.Command) (*orchestrator.StrategyExecutionResult, error)
}

// Summary is the outcome of one market-open run
type Summary struct {
	TradingDay bool
	Strategies int
	Successful int // Accounts rebalanced successfully
	Failed     int // Accounts that failed, including strategies that errored
	Skipped    int // Strategies already running
	Unknown    int // Scheduled ids with no enabled account
}

// MarketOpenJob rebalances the accounts listed in scheduled.json, plus any
// configured full strategies, once per trading day.
type MarketOpenJob struct {
	file       string
	accounts   domain.AccountRepository
	dispatcher Dispatcher
	cal        *calendar.Calendar
	strategies []string
	timeout    time.Duration
	log        zerolog.Logger
	now        func() time.Time

	mu sync.Mutex // Guards read-modify-write of the scheduled file
}

// NewMarketOpenJob creates the job. strategies are rebalanced in full on every run.
func NewMarketOpenJob(
	file string,
	accounts domain.AccountRepository,
	dispatcher Dispatcher,
	cal *calendar.Calendar,
	strategies []string,
	log zerolog.Logger,
) *MarketOpenJob {
	return &MarketOpenJob{
		file:       file,
		accounts:   accounts,
		dispatcher: dispatcher,
		cal:        cal,
		strategies: strategies,
		timeout:    30 * time.Minute,
		log:        log.With().Str("job", "market_open_rebalance").Logger(),
		now:        time.Now,
	}
}

// Name returns the job name
func (j *MarketOpenJob) Name() string {
	return "market_open_rebalance"
}

// Run executes the job, bounded by the default timeout
func (j *MarketOpenJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	_, err := j.RunContext(ctx)
	return err
}

// RunContext executes the job and reports what happened.
// On non-trading days the scheduled file is left for the next run.
func (j *MarketOpenJob) RunContext(ctx context.Context) (*Summary, error) {
	now := j.now()
	summary := &Summary{}
	if j.cal != nil && !j.cal.IsTradingDay(now) {
		j.log.Info().Str("date", now.In(j.cal.Location()).Format("2006-01-02")).Msg("Not a trading day, skipping scheduled rebalance")
		return summary, nil
	}
	summary.TradingDay = true

	ids, err := j.read()
	if err != nil {
		j.log.Error().Err(err).Str("file", j.file).Msg("Invalid scheduled file, clearing it")
		if werr := j.write(nil); werr != nil {
			return summary, fmt.Errorf("failed to clear scheduled file: %w", werr)
		}
		return summary, err
	}

	groups, unknown := j.group(ids)
	summary.Unknown = unknown
	full := make(map[string]bool, len(j.strategies))
	for _, name := range j.strategies {
		full[name] = true
		groups[name] = nil
	}
	if len(groups) == 0 {
		j.log.Info().Msg("No accounts scheduled")
		return summary, j.remove(ids)
	}
	summary.Strategies = len(groups)

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if full[name] {
			j.log.Info().Str("strategy", name).Msg("Strategy scheduled in full")
			continue
		}
		j.log.Info().Str("strategy", name).Strs("accounts", groups[name]).Msg("Strategy scheduled")
	}

	var (
		mu       sync.Mutex
		rejected = make(map[string]bool)
	)
	p := pool.New()
	for _, name := range names {
		cmd := domain.Command{
			StrategyName: name,
			Accounts:     groups[name],
			ExecKind:     domain.ExecRebalance,
			Source:       SourceScheduled,
			ReceivedAt:   now,
		}
		p.Go(func() {
			res, err := j.dispatcher.Dispatch(ctx, cmd)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, domain.ErrDedupRejected):
				summary.Skipped++
				// Kept in the file for the next run
				for _, id := range cmd.Accounts {
					rejected[id] = true
				}
				j.log.Warn().Str("strategy", cmd.StrategyName).Msg("Strategy was already running, skipped")
			case err != nil:
				summary.Failed += j.accountCount(cmd)
				j.log.Error().Err(err).Str("strategy", cmd.StrategyName).Msg("Strategy failed completely")
			default:
				summary.Successful += res.Successful
				summary.Failed += res.Failed
			}
		})
	}
	p.Wait()

	j.log.Info().
		Int("strategies", summary.Strategies).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("unknown", summary.Unknown).
		Msg("Scheduled rebalance complete")

	processed := make([]string, 0, len(ids))
	for _, id := range ids {
		if !rejected[id] {
			processed = append(processed, id)
		}
	}
	if err := j.remove(processed); err != nil {
		return summary, fmt.Errorf("failed to clear scheduled file: %w", err)
	}
	return summary, nil
}

// accountCount is the number of accounts cmd targets
func (j *MarketOpenJob) accountCount(cmd domain.Command) int {
	if len(cmd.Accounts) > 0 {
		return len(cmd.Accounts)
	}
	return len(j.accounts.ByStrategy(cmd.StrategyName))
}

// group maps scheduled ids onto their strategies, skipping unknown and disabled accounts
func (j *MarketOpenJob) group(ids []string) (map[string][]string, int) {
	groups := make(map[string][]string)
	seen := make(map[string]bool, len(ids))
	unknown := 0
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		account, ok := j.accounts.Get(id)
		if !ok || !account.Enabled {
			unknown++
			j.log.Warn().Str("account_id", id).Msg("Scheduled account not found or disabled, skipping")
			continue
		}
		groups[account.StrategyName] = append(groups[account.StrategyName], id)
	}
	return groups, unknown
}

// EnsureFile creates an empty scheduled file if none exists
func (j *MarketOpenJob) EnsureFile() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := os.Stat(j.file); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat scheduled file: %w", err)
	}
	return j.writeLocked(nil)
}

// Scheduled returns the account ids waiting for the next run
func (j *MarketOpenJob) Scheduled() ([]string, error) {
	return j.read()
}

// AddAccount appends an account id to the scheduled file, ignoring duplicates
func (j *MarketOpenJob) AddAccount(accountID string) error {
	if accountID == "" {
		return domain.NewValidationError("account_id", "account_id is required")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	ids, err := j.readLocked()
	if err != nil {
		j.log.Warn().Err(err).Msg("Scheduled file unreadable, starting a new list")
		ids = nil
	}
	for _, id := range ids {
		if id == accountID {
			return nil
		}
	}
	if err := j.writeLocked(append(ids, accountID)); err != nil {
		return err
	}
	j.log.Info().Str("account_id", accountID).Msg("Account added to market-open schedule")
	return nil
}

// remove drops processed ids, keeping any added while the run was in flight
func (j *MarketOpenJob) remove(processed []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	current, err := j.readLocked()
	if err != nil {
		return j.writeLocked(nil)
	}
	done := make(map[string]bool, len(processed))
	for _, id := range processed {
		done[id] = true
	}
	var keep []string
	for _, id := range current {
		if !done[id] {
			keep = append(keep, id)
		}
	}
	return j.writeLocked(keep)
}

func (j *MarketOpenJob) read() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readLocked()
}

func (j *MarketOpenJob) write(ids []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeLocked(ids)
}

func (j *MarketOpenJob) readLocked() ([]string, error) {
	data, err := os.ReadFile(j.file)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduled file: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse scheduled file: %w", err)
	}
	return ids, nil
}

// writeLocked replaces the file atomically via a temp file and rename
func (j *MarketOpenJob) writeLocked(ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode scheduled file: %w", err)
	}
	dir := filepath.Dir(j.file)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create scheduled dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".scheduled-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), j.file); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace scheduled file: %w", err)
	}
	return nil
}
