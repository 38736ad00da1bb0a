package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	batch_id         TEXT PRIMARY KEY,
	month_year       TEXT NOT NULL,
	execution_number INTEGER NOT NULL,
	status           TEXT NOT NULL,
	started_at       TEXT NOT NULL,
	completed_at     TEXT,
	total_items      INTEGER NOT NULL DEFAULT 0,
	completed_items  INTEGER NOT NULL DEFAULT 0,
	failed_items     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS work_items (
	batch_id         TEXT NOT NULL,
	item_key         TEXT NOT NULL,
	collector_name   TEXT NOT NULL,
	site_code        TEXT NOT NULL,
	city_code        TEXT NOT NULL,
	operation_code   TEXT NOT NULL,
	product_code     TEXT NOT NULL,
	seed_url         TEXT NOT NULL,
	"order"          INTEGER NOT NULL,
	stage            TEXT NOT NULL,
	depends_on       TEXT,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	dependency_path  TEXT,
	output_path      TEXT,
	error_message    TEXT,
	created_at       TEXT NOT NULL,
	started_at       TEXT,
	completed_at     TEXT,
	retry_due_at     TEXT,
	PRIMARY KEY (batch_id, item_key),
	FOREIGN KEY (batch_id) REFERENCES batches(batch_id)
);

CREATE INDEX IF NOT EXISTS idx_work_items_batch_status ON work_items(batch_id, status);
CREATE INDEX IF NOT EXISTS idx_work_items_depends_on ON work_items(batch_id, depends_on);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY,
	applied_at  TEXT NOT NULL
);
`
