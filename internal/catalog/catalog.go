package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is the cause of every catalog lookup miss.
var ErrNotFound = errors.New("catalog: record not found")

// SQLiteCatalog stores submissions, runs and their results in catalog.db.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// NewCatalog opens (creating if needed) the catalog at dbPath.
func NewCatalog(dbPath string) (*SQLiteCatalog, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCatalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	// Readers are opened after the schema exists so the file is never created read-side.
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	return c, nil
}

func (c *SQLiteCatalog) initSchema() error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (c *SQLiteCatalog) Path() string { return c.dbPath }

// Close closes both connection pools.
func (c *SQLiteCatalog) Close() error {
	rerr := c.readDB.Close()
	if err := c.db.Close(); err != nil {
		return err
	}
	return rerr
}

// CreateSubmission inserts sub as the next version of its cohort/wave/table
// type. ID, Version and timestamps are assigned here.
func (c *SQLiteCatalog) CreateSubmission(ctx context.Context, sub *types.SubmissionFile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM submissions WHERE cohort_id = ? AND wave = ? AND table_type = ?`,
		sub.CohortID, sub.Wave, sub.TableType).Scan(&maxVersion)
	if err != nil {
		return fmt.Errorf("catalog: failed to read latest version: %w", err)
	}

	if sub.ID == "" {
		sub.ID = newID()
	}
	sub.Version = int(maxVersion.Int64) + 1
	if sub.State == "" {
		sub.State = types.StatePending
	}
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (
			id, cohort_id, wave, table_type, version, source_path, size_bytes,
			encoding, content_hash, identifier_set_id, state, error, uploaded_by,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.CohortID, sub.Wave, sub.TableType, sub.Version, sub.SourcePath, sub.SizeBytes,
		sub.Encoding, sub.ContentHash, sub.IdentifierSetID, string(sub.State), nullString(sub.Error), sub.UploadedBy,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("catalog: failed to insert submission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit submission: %w", err)
	}
	return nil
}

const submissionColumns = `id, cohort_id, wave, table_type, version, source_path, size_bytes,
	encoding, content_hash, identifier_set_id, state, error, uploaded_by, created_at, updated_at`

// GetSubmission returns one submission version.
func (c *SQLiteCatalog) GetSubmission(ctx context.Context, id string) (*types.SubmissionFile, error) {
	row := c.readDB.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cferrors.NewCatalogError(cferrors.CodeSubmissionNotFound,
			fmt.Sprintf("submission %s not found", id), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get submission: %w", err)
	}
	return sub, nil
}

// ListSubmissionVersions returns every version of a cohort/wave/table type, oldest first.
func (c *SQLiteCatalog) ListSubmissionVersions(ctx context.Context, cohortID, wave, tableType string) ([]*types.SubmissionFile, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT `+submissionColumns+` FROM submissions
		WHERE cohort_id = ? AND wave = ? AND table_type = ? ORDER BY version`, cohortID, wave, tableType)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list submissions: %w", err)
	}
	defer rows.Close()

	var out []*types.SubmissionFile
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to scan submission: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// SetContentHash records the content hash of a submission. The hash is
// write-once: setting the same value again is a no-op, a different value is
// an integrity error.
func (c *SQLiteCatalog) SetContentHash(ctx context.Context, id, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current string
	err := c.db.QueryRowContext(ctx, `SELECT content_hash FROM submissions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return cferrors.NewCatalogError(cferrors.CodeSubmissionNotFound,
			fmt.Sprintf("submission %s not found", id), ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("catalog: failed to read content hash: %w", err)
	}

	switch current {
	case hash:
		return nil
	case "":
		_, err = c.db.ExecContext(ctx, `UPDATE submissions SET content_hash = ?, updated_at = ? WHERE id = ?`,
			hash, time.Now().UnixNano(), id)
		if err != nil {
			return fmt.Errorf("catalog: failed to set content hash: %w", err)
		}
		return nil
	default:
		return cferrors.NewIntegrityError(cferrors.CodeHashMismatch,
			fmt.Sprintf("submission %s already hashed as %s, refusing %s", id, current, hash))
	}
}

// SetSubmissionIdentifierSet links the extracted identifier set to a submission.
func (c *SQLiteCatalog) SetSubmissionIdentifierSet(ctx context.Context, id, setID string) error {
	return c.updateSubmission(ctx, id, `identifier_set_id = ?`, setID)
}

// SetSubmissionEncoding records the encoding detected during conversion.
func (c *SQLiteCatalog) SetSubmissionEncoding(ctx context.Context, id, encoding string) error {
	return c.updateSubmission(ctx, id, `encoding = ?`, encoding)
}

// UpdateSubmissionState mirrors the active run state onto the submission.
func (c *SQLiteCatalog) UpdateSubmissionState(ctx context.Context, id string, state types.PipelineState, errMsg *string) error {
	return c.updateSubmission(ctx, id, `state = ?, error = ?`, string(state), nullString(errMsg))
}

func (c *SQLiteCatalog) updateSubmission(ctx context.Context, id, set string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	args = append(args, time.Now().UnixNano(), id)
	res, err := c.db.ExecContext(ctx, `UPDATE submissions SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("catalog: failed to update submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cferrors.NewCatalogError(cferrors.CodeSubmissionNotFound,
			fmt.Sprintf("submission %s not found", id), ErrNotFound)
	}
	return nil
}

// SaveArtifact records (or replaces, on reconversion) the artifact of a submission.
func (c *SQLiteCatalog) SaveArtifact(ctx context.Context, a *types.ArtifactInfo) error {
	cols, err := json.Marshal(a.Columns)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal columns: %w", err)
	}
	warnings := a.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	warn, err := json.Marshal(warnings)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal warnings: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO artifacts (submission_id, path, row_count, size_bytes, columns_json, mapping_applied, warnings_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(submission_id) DO UPDATE SET
			path = excluded.path, row_count = excluded.row_count, size_bytes = excluded.size_bytes,
			columns_json = excluded.columns_json, mapping_applied = excluded.mapping_applied,
			warnings_json = excluded.warnings_json, created_at = excluded.created_at`,
		a.SubmissionID, a.Path, a.RowCount, a.SizeBytes, string(cols), boolInt(a.MappingApplied), string(warn),
		a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("catalog: failed to save artifact: %w", err)
	}
	return nil
}

// GetArtifact returns the artifact of a submission.
func (c *SQLiteCatalog) GetArtifact(ctx context.Context, submissionID string) (*types.ArtifactInfo, error) {
	var (
		a              types.ArtifactInfo
		cols, warnings string
		mapped         int
		created        int64
	)
	err := c.readDB.QueryRowContext(ctx, `
		SELECT submission_id, path, row_count, size_bytes, columns_json, mapping_applied, warnings_json, created_at
		FROM artifacts WHERE submission_id = ?`, submissionID).Scan(
		&a.SubmissionID, &a.Path, &a.RowCount, &a.SizeBytes, &cols, &mapped, &warnings, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: no artifact for submission %s: %w", submissionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get artifact: %w", err)
	}
	if err := json.Unmarshal([]byte(cols), &a.Columns); err != nil {
		return nil, fmt.Errorf("catalog: failed to unmarshal columns: %w", err)
	}
	if err := json.Unmarshal([]byte(warnings), &a.Warnings); err != nil {
		return nil, fmt.Errorf("catalog: failed to unmarshal warnings: %w", err)
	}
	a.MappingApplied = mapped != 0
	a.CreatedAt = time.Unix(0, created).UTC()
	return &a, nil
}

// SaveReport stores the collaborator result for a run.
func (c *SQLiteCatalog) SaveReport(ctx context.Context, r *types.Report) error {
	cols, err := json.Marshal(r.Columns)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal report columns: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO reports (run_id, status, columns_json, report_ref, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, columns_json = excluded.columns_json,
			report_ref = excluded.report_ref, created_at = excluded.created_at`,
		r.RunID, r.Status, string(cols), r.ReportRef, r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("catalog: failed to save report: %w", err)
	}
	return nil
}

// GetReport returns the report recorded for a run.
func (c *SQLiteCatalog) GetReport(ctx context.Context, runID string) (*types.Report, error) {
	var (
		r       types.Report
		cols    string
		created int64
	)
	err := c.readDB.QueryRowContext(ctx,
		`SELECT run_id, status, columns_json, report_ref, created_at FROM reports WHERE run_id = ?`, runID).Scan(
		&r.RunID, &r.Status, &cols, &r.ReportRef, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog: no report for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get report: %w", err)
	}
	if err := json.Unmarshal([]byte(cols), &r.Columns); err != nil {
		return nil, fmt.Errorf("catalog: failed to unmarshal report columns: %w", err)
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(s scanner) (*types.SubmissionFile, error) {
	var (
		sub              types.SubmissionFile
		state            string
		errMsg           sql.NullString
		created, updated int64
	)
	err := s.Scan(&sub.ID, &sub.CohortID, &sub.Wave, &sub.TableType, &sub.Version, &sub.SourcePath, &sub.SizeBytes,
		&sub.Encoding, &sub.ContentHash, &sub.IdentifierSetID, &state, &errMsg, &sub.UploadedBy, &created, &updated)
	if err != nil {
		return nil, err
	}
	sub.State = types.PipelineState(state)
	if errMsg.Valid {
		sub.Error = &errMsg.String
	}
	sub.CreatedAt = time.Unix(0, created).UTC()
	sub.UpdatedAt = time.Unix(0, updated).UTC()
	return &sub, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
