// Package catalog is the durable record of submissions, their artifacts,
// pipeline runs, stage executions, identifier sets and reports (catalog.db).
package catalog

// CreateSubmissionsTableSQL creates the submissions table. Rows are never
// deleted; a re-upload inserts the next version.
const CreateSubmissionsTableSQL = `
CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    cohort_id TEXT NOT NULL,
    wave TEXT NOT NULL DEFAULT '',
    table_type TEXT NOT NULL,
    version INTEGER NOT NULL,
    source_path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    encoding TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    identifier_set_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    error TEXT,
    uploaded_by TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE (cohort_id, wave, table_type, version)
)`

// CreateArtifactsTableSQL creates the artifacts table, one row per submission version.
const CreateArtifactsTableSQL = `
CREATE TABLE IF NOT EXISTS artifacts (
    submission_id TEXT PRIMARY KEY REFERENCES submissions(id),
    path TEXT NOT NULL,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    columns_json TEXT NOT NULL,
    mapping_applied INTEGER NOT NULL,
    warnings_json TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL
)`

// CreatePipelineRunsTableSQL creates the pipeline runs table. A superseded
// run keeps its row with active = 0.
const CreatePipelineRunsTableSQL = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id TEXT PRIMARY KEY,
    submission_id TEXT NOT NULL REFERENCES submissions(id),
    state TEXT NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    superseded_by TEXT,
    failed_stage TEXT NOT NULL DEFAULT '',
    retries INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    error_class TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    identifier_set_id TEXT NOT NULL DEFAULT '',
    missing_refs INTEGER NOT NULL DEFAULT 0,
    stage_times_json TEXT NOT NULL DEFAULT '{}',
    closed INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateStageExecutionsTableSQL records every stage attempt. Counting rows
// with outcome 'computed' proves hashing and extraction ran at most once
// per content hash.
const CreateStageExecutionsTableSQL = `
CREATE TABLE IF NOT EXISTS stage_executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    submission_id TEXT NOT NULL,
    content_hash TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
)`

// CreateIdentifierSetsTableSQL creates identifier sets keyed by content hash.
// A set is only visible to lookups once complete = 1.
const CreateIdentifierSetsTableSQL = `
CREATE TABLE IF NOT EXISTS identifier_sets (
    id TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    cohort_id TEXT NOT NULL,
    table_type TEXT NOT NULL,
    column_name TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    bloom BLOB,
    complete INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    UNIQUE (content_hash, column_name)
)`

// CreateIdentifierValuesTableSQL holds the members of each identifier set.
const CreateIdentifierValuesTableSQL = `
CREATE TABLE IF NOT EXISTS identifier_values (
    set_id TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (set_id, value)
) WITHOUT ROWID`

// CreateCohortAnchorsTableSQL maps a cohort wave to the identifier set of its
// accepted anchor table.
const CreateCohortAnchorsTableSQL = `
CREATE TABLE IF NOT EXISTS cohort_anchors (
    cohort_id TEXT NOT NULL,
    wave TEXT NOT NULL,
    table_type TEXT NOT NULL,
    set_id TEXT NOT NULL,
    submission_id TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (cohort_id, wave, table_type)
)`

// CreateReportsTableSQL stores collaborator results keyed by pipeline run.
const CreateReportsTableSQL = `
CREATE TABLE IF NOT EXISTS reports (
    run_id TEXT PRIMARY KEY REFERENCES pipeline_runs(id),
    status TEXT NOT NULL,
    columns_json TEXT NOT NULL,
    report_ref TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
)`

// CreateIndexesSQL creates the lookup indexes.
var CreateIndexesSQL = []string{
	// at most one active run per submission
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active ON pipeline_runs(submission_id) WHERE active = 1`,

	`CREATE INDEX IF NOT EXISTS idx_runs_state ON pipeline_runs(state) WHERE active = 1`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_scope ON submissions(cohort_id, wave, table_type)`,
	`CREATE INDEX IF NOT EXISTS idx_submissions_hash ON submissions(content_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_exec_hash ON stage_executions(content_hash, stage, outcome)`,
	`CREATE INDEX IF NOT EXISTS idx_stage_exec_run ON stage_executions(run_id)`,
}

// AllSchemaSQL returns all schema creation statements in order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateSubmissionsTableSQL,
		CreateArtifactsTableSQL,
		CreatePipelineRunsTableSQL,
		CreateStageExecutionsTableSQL,
		CreateIdentifierSetsTableSQL,
		CreateIdentifierValuesTableSQL,
		CreateCohortAnchorsTableSQL,
		CreateReportsTableSQL,
	}
	return append(stmts, CreateIndexesSQL...)
}
