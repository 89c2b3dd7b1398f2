package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultCleanupDeadline applies to cleanup-required entries recorded without one.
const DefaultCleanupDeadline = 24 * time.Hour

// Prober reports whether a path is physically present. storage.FileStore
// satisfies it for the store location.
type Prober interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// LocalDisk probes absolute paths on the local filesystem.
type LocalDisk struct{}

// Exists implements Prober.
func (LocalDisk) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Options configures a Ledger.
type Options struct {
	// CleanupDeadline is added to the record time when an entry requires
	// cleanup but carries no explicit deadline.
	CleanupDeadline time.Duration

	// Probers confirm physical absence per location before MarkCleaned.
	Probers map[types.Location]Prober
}

// Attrs are the optional attributes of a recorded event.
type Attrs struct {
	SubmissionID    string
	RunID           string
	Location        types.Location
	SizeBytes       int64
	Hash            string
	Error           string
	RefEntryID      string
	CleanupRequired bool
	CleanupDeadline time.Time
}

// Ledger is the SQLite-backed audit ledger. Safe for concurrent writers.
type Ledger struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool
	dbPath string
	mu     sync.Mutex

	opts Options
	now  func() time.Time
}

// Open opens (creating if needed) the ledger database at dbPath.
func Open(dbPath string, opts Options) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range AllSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: failed to initialize schema: %w", err)
		}
	}

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	if opts.CleanupDeadline <= 0 {
		opts.CleanupDeadline = DefaultCleanupDeadline
	}
	if opts.Probers == nil {
		opts.Probers = map[types.Location]Prober{}
	}
	if _, ok := opts.Probers[types.LocationLocal]; !ok {
		opts.Probers[types.LocationLocal] = LocalDisk{}
	}

	return &Ledger{db: db, readDB: readDB, dbPath: dbPath, opts: opts, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	rerr := l.readDB.Close()
	if err := l.db.Close(); err != nil {
		return err
	}
	return rerr
}

// Record appends one event and returns its entry id.
func (l *Ledger) Record(ctx context.Context, action types.ActionKind, path, actor, cohortID string, attrs Attrs) (string, error) {
	if !action.Valid() {
		return "", cferrors.NewLedgerError(cferrors.CodeUnknownAction, fmt.Sprintf("unknown action kind %q", action), nil)
	}
	if attrs.Location == "" {
		attrs.Location = types.LocationStore
	}

	now := l.now().UTC()
	var deadline interface{}
	if attrs.CleanupRequired {
		d := attrs.CleanupDeadline
		if d.IsZero() {
			d = now.Add(l.opts.CleanupDeadline)
		}
		deadline = d.UnixNano()
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("ledger: failed to generate entry id: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO entries (
			id, action, path, location, actor, cohort_id, submission_id, run_id, size_bytes,
			hash, error, ref_entry_id, cleanup_required, cleanup_deadline, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), string(action), path, string(attrs.Location), actor, cohortID, attrs.SubmissionID, attrs.RunID,
		attrs.SizeBytes, optional(attrs.Hash), optional(attrs.Error), optional(attrs.RefEntryID),
		boolInt(attrs.CleanupRequired), deadline, now.UnixNano())
	if err != nil {
		return "", cferrors.NewLedgerError(cferrors.CodeUnexpected, "failed to record entry", err)
	}
	return id.String(), nil
}

// MarkCleaned sets the cleanup verification fields of an entry. It fails
// with STILL_PRESENT while the entry's path exists in its location, and with
// INTEGRITY_HOLD while the entry's submission is held for review.
// Marking an already cleaned entry is a no-op.
func (l *Ledger) MarkCleaned(ctx context.Context, id, verifier string, at time.Time) error {
	e, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if !e.CleanupRequired {
		return cferrors.NewInputError(cferrors.CodeInvalidRequest, fmt.Sprintf("entry %s does not require cleanup", id))
	}
	if e.CleanedUp {
		return nil
	}
	if e.SubmissionID != "" {
		held, err := l.IntegrityHold(ctx, e.SubmissionID)
		if err != nil {
			return err
		}
		if held {
			return cferrors.NewIntegrityError(cferrors.CodeIntegrityHold,
				fmt.Sprintf("submission %s has an unresolved hash mismatch", e.SubmissionID))
		}
	}

	prober, ok := l.opts.Probers[e.Location]
	if !ok {
		return cferrors.NewLedgerError(cferrors.CodeUnexpected, fmt.Sprintf("no prober for location %s", e.Location), nil)
	}
	present, err := prober.Exists(ctx, e.Path)
	if err != nil {
		return err
	}
	if present {
		return cferrors.NewIntegrityError(cferrors.CodeStillPresent,
			fmt.Sprintf("%s still exists in %s", e.Path, e.Location))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE entries SET cleaned_up = 1, cleaned_up_at = ?, verified_by = ? WHERE id = ? AND cleaned_up = 0`,
		at.UTC().UnixNano(), verifier, id)
	if err != nil {
		return fmt.Errorf("ledger: failed to mark cleaned: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// another verifier got there first
		return nil
	}

	vid, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("ledger: failed to generate entry id: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (id, action, path, location, actor, cohort_id, submission_id, run_id, ref_entry_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vid.String(), string(types.ActionCleanupVerified), e.Path, string(e.Location), verifier,
		e.CohortID, e.SubmissionID, e.RunID, id, l.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("ledger: failed to record verification: %w", err)
	}
	return tx.Commit()
}

const entryColumns = `id, action, path, location, actor, cohort_id, submission_id, run_id, size_bytes, hash, error,
	ref_entry_id, cleanup_required, cleanup_deadline, cleaned_up, cleaned_up_at, verified_by, created_at`

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id string) (*types.LedgerEntry, error) {
	row := l.readDB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cferrors.NewLedgerError(cferrors.CodeEntryNotFound, fmt.Sprintf("entry %s not found", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to get entry: %w", err)
	}
	return e, nil
}

// OverdueCleanups returns the ids of cleanup-required entries that are not
// cleaned up and whose deadline is before now.
func (l *Ledger) OverdueCleanups(ctx context.Context, now time.Time) ([]string, error) {
	entries, err := l.OverdueEntries(ctx, now)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// OverdueEntries is OverdueCleanups returning full entries.
func (l *Ledger) OverdueEntries(ctx context.Context, now time.Time) ([]*types.LedgerEntry, error) {
	return l.query(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE cleanup_required = 1 AND cleaned_up = 0 AND cleanup_deadline < ?
		ORDER BY cleanup_deadline`, now.UTC().UnixNano())
}

// PendingCleanups returns cleanup-required entries not yet verified. An
// empty runID returns them for every run.
func (l *Ledger) PendingCleanups(ctx context.Context, runID string) ([]*types.LedgerEntry, error) {
	if runID == "" {
		return l.query(ctx, `SELECT `+entryColumns+` FROM entries
			WHERE cleanup_required = 1 AND cleaned_up = 0 ORDER BY created_at`)
	}
	return l.query(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE cleanup_required = 1 AND cleaned_up = 0 AND run_id = ? ORDER BY created_at`, runID)
}

// CleanupEntries returns every cleanup-required entry of a run, verified or not.
func (l *Ledger) CleanupEntries(ctx context.Context, runID string) ([]*types.LedgerEntry, error) {
	return l.query(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE cleanup_required = 1 AND run_id = ? ORDER BY created_at`, runID)
}

// HasReference reports whether an entry of the given action already refers to id.
func (l *Ledger) HasReference(ctx context.Context, action types.ActionKind, id string) (bool, error) {
	var one int
	err := l.readDB.QueryRowContext(ctx,
		`SELECT 1 FROM entries WHERE ref_entry_id = ? AND action = ? LIMIT 1`, id, string(action)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: failed to look up references: %w", err)
	}
	return true, nil
}

// IntegrityHold reports whether the submission's latest integrity event is a
// hash mismatch that no operator has released.
func (l *Ledger) IntegrityHold(ctx context.Context, submissionID string) (bool, error) {
	var action string
	err := l.readDB.QueryRowContext(ctx, `
		SELECT action FROM entries
		WHERE submission_id = ? AND action IN (?, ?, ?)
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		submissionID, string(types.ActionHashMismatch), string(types.ActionHashVerified),
		string(types.ActionIntegrityReleased)).Scan(&action)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: failed to look up integrity hold: %w", err)
	}
	return types.ActionKind(action) == types.ActionHashMismatch, nil
}

// ReleaseIntegrityHold records an operator's decision that a held
// submission's files may be cleaned up.
func (l *Ledger) ReleaseIntegrityHold(ctx context.Context, submissionID, actor string) error {
	mismatches, err := l.Trail(ctx, TrailFilter{SubmissionID: submissionID, Action: types.ActionHashMismatch})
	if err != nil {
		return err
	}
	held, err := l.IntegrityHold(ctx, submissionID)
	if err != nil {
		return err
	}
	if !held || len(mismatches) == 0 {
		return cferrors.NewInputError(cferrors.CodeInvalidRequest,
			fmt.Sprintf("submission %s is not held", submissionID))
	}
	last := mismatches[len(mismatches)-1]
	_, err = l.Record(ctx, types.ActionIntegrityReleased, last.Path, actor, last.CohortID, Attrs{
		Location:     last.Location,
		SubmissionID: submissionID,
		RunID:        last.RunID,
		RefEntryID:   last.ID,
	})
	return err
}

// TrailFilter narrows a ledger trail. Zero fields are ignored.
type TrailFilter struct {
	CohortID     string
	SubmissionID string
	RunID        string
	Path         string
	Action       types.ActionKind
	From         time.Time
	To           time.Time
	Limit        int
}

// Trail returns matching entries oldest first.
func (l *Ledger) Trail(ctx context.Context, f TrailFilter) ([]*types.LedgerEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.CohortID != "" {
		where = append(where, "cohort_id = ?")
		args = append(args, f.CohortID)
	}
	if f.SubmissionID != "" {
		where = append(where, "submission_id = ?")
		args = append(args, f.SubmissionID)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Path != "" {
		where = append(where, "path = ?")
		args = append(args, f.Path)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if !f.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC().UnixNano())
	}
	if !f.To.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UTC().UnixNano())
	}

	query := `SELECT ` + entryColumns + ` FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return l.query(ctx, query, args...)
}

// ExpectedPaths returns store paths under prefix that some entry created
// and no entry records as deleted or cleaned up.
func (l *Ledger) ExpectedPaths(ctx context.Context, prefix string) ([]string, error) {
	return l.paths(ctx, `
		SELECT DISTINCT path FROM entries
		WHERE location = 'store' AND path LIKE ? ESCAPE '\'
			AND action IN ('upload_stored', 'artifact_created', 'temp_created')
			AND path NOT IN (
				SELECT path FROM entries WHERE cleaned_up = 1 OR action = 'file_deleted'
			)
		ORDER BY path`, likePrefix(prefix))
}

// TrackedPaths returns every store path under prefix mentioned by any entry.
func (l *Ledger) TrackedPaths(ctx context.Context, prefix string) ([]string, error) {
	return l.paths(ctx, `SELECT DISTINCT path FROM entries WHERE location = 'store' AND path LIKE ? ESCAPE '\' ORDER BY path`,
		likePrefix(prefix))
}

func (l *Ledger) paths(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := l.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (l *Ledger) query(ctx context.Context, query string, args ...interface{}) ([]*types.LedgerEntry, error) {
	rows, err := l.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query entries: %w", err)
	}
	defer rows.Close()

	var out []*types.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: failed to scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(s scanner) (*types.LedgerEntry, error) {
	var (
		e                        types.LedgerEntry
		action, location         string
		hash, errMsg, ref, by    sql.NullString
		deadline, cleanedAt      sql.NullInt64
		cleanupRequired, cleaned int
		created                  int64
	)
	err := s.Scan(&e.ID, &action, &e.Path, &location, &e.Actor, &e.CohortID, &e.SubmissionID, &e.RunID, &e.SizeBytes,
		&hash, &errMsg, &ref, &cleanupRequired, &deadline, &cleaned, &cleanedAt, &by, &created)
	if err != nil {
		return nil, err
	}
	e.Action = types.ActionKind(action)
	e.Location = types.Location(location)
	e.Hash = fromNull(hash)
	e.Error = fromNull(errMsg)
	e.RefEntryID = fromNull(ref)
	e.VerifiedBy = fromNull(by)
	e.CleanupRequired = cleanupRequired != 0
	e.CleanedUp = cleaned != 0
	if deadline.Valid {
		t := time.Unix(0, deadline.Int64).UTC()
		e.CleanupDeadline = &t
	}
	if cleanedAt.Valid {
		t := time.Unix(0, cleanedAt.Int64).UTC()
		e.CleanedUpAt = &t
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	return &e, nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func optional(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
