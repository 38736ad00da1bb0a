package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/esdataapp/orchestrator/internal/types"
)

// InsertItems idempotently inserts every item of a batch plan. Re-running a
// plan for a batch that already has rows is a no-op for existing
// (batch_id, item_key) pairs (L1), so replanning never duplicates or resets
// in-flight work.
func (s *Store) InsertItems(ctx context.Context, items []*types.WorkItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBError("begin insert items", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO work_items (
			batch_id, item_key, collector_name, site_code, city_code, operation_code,
			product_code, seed_url, "order", stage, depends_on, status, attempts,
			max_attempts, dependency_path, output_path, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, item_key) DO NOTHING
	`)
	if err != nil {
		return wrapDBError("prepare insert items", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, item := range items {
		if item.Key == "" {
			item.Key = item.ComputeKey()
		}
		var dependsOn sql.NullString
		if item.DependsOn != "" {
			dependsOn = sql.NullString{String: item.DependsOn, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			item.BatchID, item.Key, item.CollectorName, item.SiteCode, item.CityCode,
			item.OperationCode, item.ProductCode, item.SeedURL, item.Order, string(item.Stage),
			dependsOn, string(item.Status), item.Attempts, item.MaxAttempts,
			nullableString(item.DependencyPath), nullableString(item.OutputPath),
			nullableString(item.ErrorMessage), now,
		)
		if err != nil {
			return wrapDBError(fmt.Sprintf("insert item %s", item.Key), err)
		}
	}

	return wrapDBError("commit insert items", tx.Commit())
}

// ItemsForBatch returns every item belonging to batchID, ordered the way the
// Planner wrote them (Order, then Stage so a primary sorts before its
// detail).
func (s *Store) ItemsForBatch(ctx context.Context, batchID string) ([]*types.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, itemSelectColumns+` FROM work_items WHERE batch_id = ? ORDER BY "order", stage DESC`, batchID)
	if err != nil {
		return nil, wrapDBError("items for batch", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// ItemsForBatchByStatus returns every item in batchID with the given status.
func (s *Store) ItemsForBatchByStatus(ctx context.Context, batchID string, status types.Status) ([]*types.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		itemSelectColumns+` FROM work_items WHERE batch_id = ? AND status = ? ORDER BY "order", stage`,
		batchID, string(status))
	if err != nil {
		return nil, wrapDBError("items for batch by status", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// RunnablePrimaryItems returns pending primary items for siteCode, in
// catalog order, for seeding the in-memory primary_queue at startup.
func (s *Store) RunnablePrimaryItems(ctx context.Context, batchID, siteCode string) ([]*types.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		itemSelectColumns+` FROM work_items
		 WHERE batch_id = ? AND site_code = ? AND stage = ? AND status = ?
		 ORDER BY "order"`,
		batchID, siteCode, string(types.StagePrimary), string(types.StatusPending))
	if err != nil {
		return nil, wrapDBError("runnable primary items", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// RunnableDetailItems returns pending detail items across every site whose
// dependency_path has already been populated, for seeding detail_queue.
func (s *Store) RunnableDetailItems(ctx context.Context, batchID string) ([]*types.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		itemSelectColumns+` FROM work_items
		 WHERE batch_id = ? AND stage = ? AND status = ? AND dependency_path IS NOT NULL
		 ORDER BY "order"`,
		batchID, string(types.StageDetail), string(types.StatusPending))
	if err != nil {
		return nil, wrapDBError("runnable detail items", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// RetryingItems returns every item currently in the retrying state, for
// rehydrating the retry_heap on startup.
func (s *Store) RetryingItems(ctx context.Context, batchID string) ([]*types.WorkItem, error) {
	return s.ItemsForBatchByStatus(ctx, batchID, types.StatusRetrying)
}

// MarkRunning transitions item (batchID, itemKey) to running and stamps
// started_at, guarded by the prior status so a stale in-memory queue can
// never double-launch an item another goroutine already claimed (I1).
func (s *Store) MarkRunning(ctx context.Context, batchID, itemKey string, from types.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, started_at = ?
		 WHERE batch_id = ? AND item_key = ? AND status = ?`,
		string(types.StatusRunning), time.Now().UTC().Format(time.RFC3339Nano),
		batchID, itemKey, string(from),
	)
	if err != nil {
		return wrapDBError("mark running", err)
	}
	return expectOneRowAffected(res, "mark running", batchID, itemKey)
}

// MarkCompleted transitions item (batchID, itemKey) to completed, recording
// its output path.
func (s *Store) MarkCompleted(ctx context.Context, batchID, itemKey, outputPath string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, completed_at = ?, output_path = ?, error_message = NULL
		 WHERE batch_id = ? AND item_key = ? AND status = ?`,
		string(types.StatusCompleted), time.Now().UTC().Format(time.RFC3339Nano), outputPath,
		batchID, itemKey, string(types.StatusRunning),
	)
	if err != nil {
		return wrapDBError("mark completed", err)
	}
	return expectOneRowAffected(res, "mark completed", batchID, itemKey)
}

// MarkFailed records a failed attempt. When willRetry is true the item moves
// to retrying with retryDueAt set and attempts incremented; otherwise it
// moves to the terminal failed status (I2/I4).
func (s *Store) MarkFailed(ctx context.Context, batchID, itemKey, reason string, willRetry bool, retryDueAt time.Time) error {
	nextStatus := types.StatusFailed
	var retryDueAtArg interface{}
	var completedAtArg interface{}
	if willRetry {
		nextStatus = types.StatusRetrying
		retryDueAtArg = retryDueAt.UTC().Format(time.RFC3339Nano)
	} else {
		completedAtArg = time.Now().UTC().Format(time.RFC3339Nano)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items
		 SET status = ?, attempts = attempts + 1, error_message = ?, retry_due_at = ?, completed_at = ?
		 WHERE batch_id = ? AND item_key = ? AND status = ?`,
		string(nextStatus), reason, retryDueAtArg, completedAtArg,
		batchID, itemKey, string(types.StatusRunning),
	)
	if err != nil {
		return wrapDBError("mark failed", err)
	}
	return expectOneRowAffected(res, "mark failed", batchID, itemKey)
}

// RequeueRetry transitions a retrying item back to pending, clearing
// retry_due_at, once the Scheduler Loop's retry_heap pops it (I3).
func (s *Store) RequeueRetry(ctx context.Context, batchID, itemKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, retry_due_at = NULL
		 WHERE batch_id = ? AND item_key = ? AND status = ?`,
		string(types.StatusPending), batchID, itemKey, string(types.StatusRetrying),
	)
	if err != nil {
		return wrapDBError("requeue retry", err)
	}
	return expectOneRowAffected(res, "requeue retry", batchID, itemKey)
}

// UnblockDetails releases every blocked/pending detail item whose
// depends_on matches primaryItemKey, stamping dependencyPath so the
// Scheduler Loop can move them into detail_queue (I6).
func (s *Store) UnblockDetails(ctx context.Context, batchID, primaryItemKey, dependencyPath string) ([]*types.WorkItem, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET dependency_path = ?, status = ?
		 WHERE batch_id = ? AND depends_on = ? AND stage = ? AND status IN (?, ?)`,
		dependencyPath, string(types.StatusPending),
		batchID, primaryItemKey, string(types.StageDetail), string(types.StatusBlocked), string(types.StatusPending),
	)
	if err != nil {
		return nil, wrapDBError("unblock details", err)
	}

	rows, err := s.db.QueryContext(ctx,
		itemSelectColumns+` FROM work_items WHERE batch_id = ? AND depends_on = ? AND stage = ?`,
		batchID, primaryItemKey, string(types.StageDetail))
	if err != nil {
		return nil, wrapDBError("fetch unblocked details", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// MarkDependentsFailed marks every detail item depending on primaryItemKey
// that has not yet started as terminally failed with reason, for the
// upstream-failed cascade (§4.5, B3). It returns the affected items so the
// caller can adjust batch counters.
func (s *Store) MarkDependentsFailed(ctx context.Context, batchID, primaryItemKey, reason string) ([]*types.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		itemSelectColumns+` FROM work_items
		 WHERE batch_id = ? AND depends_on = ? AND stage = ? AND status IN (?, ?)`,
		batchID, primaryItemKey, string(types.StageDetail), string(types.StatusBlocked), string(types.StatusPending))
	if err != nil {
		return nil, wrapDBError("find dependents", err)
	}
	affected, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, item := range affected {
		_, err := s.db.ExecContext(ctx,
			`UPDATE work_items SET status = ?, error_message = ?, completed_at = ?
			 WHERE batch_id = ? AND item_key = ?`,
			string(types.StatusFailed), reason, now, batchID, item.Key,
		)
		if err != nil {
			return nil, wrapDBError(fmt.Sprintf("mark dependent %s failed", item.Key), err)
		}
	}
	return affected, nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func expectOneRowAffected(res sql.Result, op, batchID, itemKey string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: item %s/%s: %w (status precondition not met, or item does not exist)", op, batchID, itemKey, ErrNotFound)
	}
	return nil
}

const itemSelectColumns = `SELECT
	batch_id, item_key, collector_name, site_code, city_code, operation_code,
	product_code, seed_url, "order", stage, depends_on, status, attempts,
	max_attempts, dependency_path, output_path, error_message, created_at,
	started_at, completed_at, retry_due_at`

func scanItems(rows *sql.Rows) ([]*types.WorkItem, error) {
	var items []*types.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, wrapDBError("scan work item", err)
		}
		items = append(items, item)
	}
	return items, wrapDBError("scan work items rows", rows.Err())
}

func scanItem(row rowScanner) (*types.WorkItem, error) {
	var w types.WorkItem
	var stage, status, createdAt string
	var dependsOn, dependencyPath, outputPath, errorMessage sql.NullString
	var startedAt, completedAt, retryDueAt sql.NullString

	if err := row.Scan(
		&w.BatchID, &w.Key, &w.CollectorName, &w.SiteCode, &w.CityCode, &w.OperationCode,
		&w.ProductCode, &w.SeedURL, &w.Order, &stage, &dependsOn, &status, &w.Attempts,
		&w.MaxAttempts, &dependencyPath, &outputPath, &errorMessage, &createdAt,
		&startedAt, &completedAt, &retryDueAt,
	); err != nil {
		return nil, err
	}

	w.Stage = types.Stage(stage)
	w.Status = types.Status(status)
	w.DependsOn = dependsOn.String
	w.DependencyPath = dependencyPath.String
	w.OutputPath = outputPath.String
	w.ErrorMessage = errorMessage.String

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		w.CreatedAt = t
	}
	if startedAt.Valid && startedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, startedAt.String); err == nil {
			w.StartedAt = &t
		}
	}
	if completedAt.Valid && completedAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			w.CompletedAt = &t
		}
	}
	if retryDueAt.Valid && retryDueAt.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, retryDueAt.String); err == nil {
			w.RetryDueAt = &t
		}
	}

	return &w, nil
}
