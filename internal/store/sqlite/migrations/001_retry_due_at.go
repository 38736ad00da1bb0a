// Package migrations holds forward-only schema migrations for the state
// store, applied in order and tracked in schema_migrations.
package migrations

import (
	"database/sql"
	"fmt"
)

// AddRetryDueAtColumn ensures work_items.retry_due_at exists. New databases
// get it from the baseline schema; this migration only matters for a state
// file created before the column was added.
func AddRetryDueAtColumn(db *sql.DB) error {
	var hasColumn bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0 FROM pragma_table_info('work_items')
		WHERE name = 'retry_due_at'
	`).Scan(&hasColumn)
	if err != nil {
		return fmt.Errorf("check for retry_due_at column: %w", err)
	}
	if hasColumn {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE work_items ADD COLUMN retry_due_at TEXT`); err != nil {
		return fmt.Errorf("add retry_due_at column: %w", err)
	}
	return nil
}
