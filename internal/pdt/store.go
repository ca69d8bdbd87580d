package pdt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/rebalancer/internal/domain"
)

// SQLiteStore keeps PDT records in the pdt_executions table
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store over a migrated pdt database
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Get loads the record for accountID
func (s *SQLiteStore) Get(ctx context.Context, accountID string) (*domain.PDTExecutionRecord, error) {
	var last, next string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_executed, next_execution FROM pdt_executions WHERE account_id = ?`,
		accountID,
	).Scan(&last, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pdt record: %w", err)
	}

	lastT, err := time.Parse(time.RFC3339, last)
	if err != nil {
		return nil, fmt.Errorf("invalid last_executed %q: %w", last, err)
	}
	nextT, err := time.Parse(time.RFC3339, next)
	if err != nil {
		return nil, fmt.Errorf("invalid next_execution %q: %w", next, err)
	}

	return &domain.PDTExecutionRecord{
		AccountID:     accountID,
		LastExecuted:  lastT,
		NextExecution: nextT,
	}, nil
}

// Put upserts the record
func (s *SQLiteStore) Put(ctx context.Context, record domain.PDTExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pdt_executions (account_id, last_executed, next_execution, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			last_executed = excluded.last_executed,
			next_execution = excluded.next_execution,
			updated_at = excluded.updated_at`,
		record.AccountID,
		record.LastExecuted.Format(time.RFC3339),
		record.NextExecution.Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pdt record: %w", err)
	}
	return nil
}
