package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/esdataapp/orchestrator/internal/store/sqlite/migrations"
)

type migration struct {
	version int
	apply   func(*sql.DB) error
}

// orderedMigrations lists every migration in application order. Each one
// must be idempotent (safe to run against a database that already has the
// change applied), mirroring the teacher's per-migration-file convention.
var orderedMigrations = []migration{
	{version: 1, apply: migrations.AddRetryDueAtColumn},
}

// runMigrations applies every migration whose version is not yet recorded
// in schema_migrations, in order.
func runMigrations(db *sql.DB) error {
	var applied map[int]bool
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("query schema_migrations: %w", err)
	}
	applied = make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range orderedMigrations {
		if applied[m.version] {
			continue
		}
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := db.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			m.version, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}
