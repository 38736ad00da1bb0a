package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/esdataapp/orchestrator/internal/types"
)

// NextExecutionNumber returns the smallest execution number >= desired that
// is not already used for monthYear, per the Planner's batch-identity rule
// in §4.2.
func (s *Store) NextExecutionNumber(ctx context.Context, monthYear string, desired int) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_number FROM batches WHERE month_year = ?`, monthYear)
	if err != nil {
		return 0, wrapDBError("next execution number", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return 0, wrapDBError("next execution number scan", err)
		}
		used[n] = true
	}
	if err := rows.Err(); err != nil {
		return 0, wrapDBError("next execution number rows", err)
	}

	candidate := desired
	for used[candidate] {
		candidate++
	}
	return candidate, nil
}

// CreateBatch inserts a new batch row in the running state.
func (s *Store) CreateBatch(ctx context.Context, batchID, monthYear string, executionNumber, totalItems int) (*types.Batch, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (batch_id, month_year, execution_number, status, started_at, total_items)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		batchID, monthYear, executionNumber, string(types.BatchRunning), now.Format(time.RFC3339Nano), totalItems,
	)
	if err != nil {
		return nil, wrapDBError("create batch", err)
	}
	return &types.Batch{
		BatchID:         batchID,
		MonthYear:       monthYear,
		ExecutionNumber: executionNumber,
		Status:          types.BatchRunning,
		StartedAt:       now,
		TotalItems:      totalItems,
	}, nil
}

// GetBatch fetches a single batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*types.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT batch_id, month_year, execution_number, status, started_at, completed_at, total_items, completed_items, failed_items
		 FROM batches WHERE batch_id = ?`, batchID)
	b, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		return nil, wrapDBError("get batch", err)
	}
	return b, nil
}

// ListOpenBatches returns every batch with status=running, most recently
// started first.
func (s *Store) ListOpenBatches(ctx context.Context) ([]*types.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, month_year, execution_number, status, started_at, completed_at, total_items, completed_items, failed_items
		 FROM batches WHERE status = ? ORDER BY started_at DESC`, string(types.BatchRunning))
	if err != nil {
		return nil, wrapDBError("list open batches", err)
	}
	defer rows.Close()

	var batches []*types.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, wrapDBError("scan open batch", err)
		}
		batches = append(batches, b)
	}
	return batches, wrapDBError("list open batches rows", rows.Err())
}

// LatestBatch returns the most recently started batch regardless of status,
// used by `status` when no batch is open.
func (s *Store) LatestBatch(ctx context.Context) (*types.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT batch_id, month_year, execution_number, status, started_at, completed_at, total_items, completed_items, failed_items
		 FROM batches ORDER BY started_at DESC LIMIT 1`)
	b, err := scanBatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("no batches recorded: %w", ErrNotFound)
		}
		return nil, wrapDBError("latest batch", err)
	}
	return b, nil
}

// IncrementBatchProgress atomically bumps completed/failed counters (I5).
func (s *Store) IncrementBatchProgress(ctx context.Context, batchID string, completedDelta, failedDelta int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET completed_items = completed_items + ?, failed_items = failed_items + ? WHERE batch_id = ?`,
		completedDelta, failedDelta, batchID,
	)
	return wrapDBError("increment batch progress", err)
}

// MarkBatchCompleted finalizes a batch as completed, regardless of whether
// any individual items failed — per §7, batch-level "failed" is reserved
// for unrecoverable scheduler faults, not a failed work item.
func (s *Store) MarkBatchCompleted(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ?`,
		string(types.BatchCompleted), time.Now().UTC().Format(time.RFC3339Nano), batchID,
	)
	return wrapDBError("mark batch completed", err)
}

// MarkBatchFailed finalizes a batch as failed due to an unrecoverable
// scheduler fault (§7).
func (s *Store) MarkBatchFailed(ctx context.Context, batchID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, completed_at = ? WHERE batch_id = ?`,
		string(types.BatchFailed), time.Now().UTC().Format(time.RFC3339Nano), batchID,
	)
	return wrapDBError("mark batch failed", err)
}

// CountOpenItems returns how many non-terminal items (not completed/failed)
// remain in the batch.
func (s *Store) CountOpenItems(ctx context.Context, batchID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE batch_id = ? AND status NOT IN (?, ?)`,
		batchID, string(types.StatusCompleted), string(types.StatusFailed),
	).Scan(&count)
	return count, wrapDBError("count open items", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBatch(row rowScanner) (*types.Batch, error) {
	var b types.Batch
	var status, startedAt string
	var completedAt sql.NullString
	if err := row.Scan(&b.BatchID, &b.MonthYear, &b.ExecutionNumber, &status,
		&startedAt, &completedAt, &b.TotalItems, &b.CompletedItems, &b.FailedItems); err != nil {
		return nil, err
	}
	b.Status = types.BatchStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		b.StartedAt = t
	}
	if completedAt.Valid && completedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			b.CompletedAt = &t
		}
	}
	return &b, nil
}
