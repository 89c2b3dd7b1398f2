// Package ledger is the append-only audit log of file-lifecycle events. It
// lives in its own database so the verifier can open it without the catalog.
package ledger

// CreateEntriesTableSQL creates the ledger entries table. Rows are only ever
// updated in the cleaned_up, cleaned_up_at and verified_by columns.
const CreateEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS entries (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    path TEXT NOT NULL,
    location TEXT NOT NULL,
    actor TEXT NOT NULL,
    cohort_id TEXT NOT NULL DEFAULT '',
    submission_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    hash TEXT,
    error TEXT,
    ref_entry_id TEXT,
    cleanup_required INTEGER NOT NULL DEFAULT 0,
    cleanup_deadline INTEGER,
    cleaned_up INTEGER NOT NULL DEFAULT 0,
    cleaned_up_at INTEGER,
    verified_by TEXT,
    created_at INTEGER NOT NULL
)`

// CreateIndexesSQL creates the trail and cleanup indexes.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_entries_cohort ON entries(cohort_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_submission ON entries(submission_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_path ON entries(path)`,
	`CREATE INDEX IF NOT EXISTS idx_entries_ref ON entries(ref_entry_id) WHERE ref_entry_id IS NOT NULL`,

	// pending cleanups are the verifier's whole working set
	`CREATE INDEX IF NOT EXISTS idx_entries_pending ON entries(cleanup_deadline) WHERE cleanup_required = 1 AND cleaned_up = 0`,
}

// AllSchemaSQL returns all schema creation statements in order.
func AllSchemaSQL() []string {
	return append([]string{CreateEntriesTableSQL}, CreateIndexesSQL...)
}
