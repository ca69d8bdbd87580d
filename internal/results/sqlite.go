package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/rebalancer/internal/orchestrator"
)

// sortableTime keeps a fixed fraction width so text ordering matches time ordering
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when no archived execution matches
var ErrNotFound = errors.New("execution not found")

// Summary is the indexed part of an archived execution
type Summary struct {
	ExecutionID   string    `json:"execution_id"`
	StrategyName  string    `json:"strategy_name"`
	ExecKind      string    `json:"exec"`
	Source        string    `json:"source,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	TotalAccounts int       `json:"total_accounts"`
	Successful    int       `json:"successful"`
	Failed        int       `json:"failed"`
}

// SQLiteStore keeps msgpack-encoded results in the executions table
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over a migrated executions database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save upserts result
func (s *SQLiteStore) Save(ctx context.Context, result *orchestrator.StrategyExecutionResult) error {
	payload, err := msgpack.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	strategy := result.StrategyName
	if strategy == "" {
		strategy = result.AccountID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (
			execution_id, strategy_name, exec_kind, source, started_at, finished_at,
			total_accounts, successful_accounts, failed_accounts, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			finished_at = excluded.finished_at,
			total_accounts = excluded.total_accounts,
			successful_accounts = excluded.successful_accounts,
			failed_accounts = excluded.failed_accounts,
			payload = excluded.payload`,
		result.ExecutionID,
		strategy,
		string(result.ExecKind),
		result.Source,
		result.StartedAt.UTC().Format(sortableTime),
		result.StartedAt.Add(result.Duration).UTC().Format(sortableTime),
		result.TotalAccounts,
		result.Successful,
		result.Failed,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// Get loads a full archived result
func (s *SQLiteStore) Get(ctx context.Context, executionID string) (*orchestrator.StrategyExecutionResult, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM executions WHERE execution_id = ?`, executionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}

	var result orchestrator.StrategyExecutionResult
	if err := msgpack.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to decode execution %s: %w", executionID, err)
	}
	return &result, nil
}

// Recent lists the newest executions, optionally for one strategy
func (s *SQLiteStore) Recent(ctx context.Context, strategy string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT execution_id, strategy_name, exec_kind, COALESCE(source, ''), started_at, finished_at,
			total_accounts, successful_accounts, failed_accounts
		FROM executions`
	args := []interface{}{}
	if strategy != "" {
		query += ` WHERE strategy_name = ?`
		args = append(args, strategy)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var started, finished string
		if err := rows.Scan(&sum.ExecutionID, &sum.StrategyName, &sum.ExecKind, &sum.Source,
			&started, &finished, &sum.TotalAccounts, &sum.Successful, &sum.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		sum.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		sum.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, sum)
	}
	return out, rows.Err()
}
