package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
)

const runColumns = `id, submission_id, state, active, superseded_by, failed_stage, retries, last_error,
	error_class, content_hash, identifier_set_id, missing_refs, stage_times_json, closed, created_at, updated_at`

type stageTimes struct {
	Started  map[types.StageName]int64 `json:"started,omitempty"`
	Finished map[types.StageName]int64 `json:"finished,omitempty"`
}

// CreateRun starts a new pending run for a submission. Any previously active
// run is retained with active = 0 and superseded_by pointing at the new one.
func (c *SQLiteCatalog) CreateRun(ctx context.Context, submissionID string) (*types.PipelineRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	run := &types.PipelineRun{
		ID:           newID(),
		SubmissionID: submissionID,
		State:        types.StatePending,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE pipeline_runs SET active = 0, superseded_by = ?, updated_at = ? WHERE submission_id = ? AND active = 1`,
		run.ID, now.UnixNano(), submissionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to supersede active run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, submission_id, state, active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		run.ID, submissionID, string(run.State), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to insert run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE submissions SET state = ?, error = NULL, updated_at = ? WHERE id = ?`,
		string(run.State), now.UnixNano(), submissionID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to reset submission state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("catalog: failed to commit run: %w", err)
	}
	return run, nil
}

// GetRun returns a run by id.
func (c *SQLiteCatalog) GetRun(ctx context.Context, id string) (*types.PipelineRun, error) {
	row := c.readDB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cferrors.NewPipelineError(cferrors.CodeRunNotFound, fmt.Sprintf("run %s not found", id), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get run: %w", err)
	}
	return run, nil
}

// ActiveRun returns the single active run of a submission.
func (c *SQLiteCatalog) ActiveRun(ctx context.Context, submissionID string) (*types.PipelineRun, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE submission_id = ? AND active = 1`, submissionID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cferrors.NewPipelineError(cferrors.CodeRunNotFound,
			fmt.Sprintf("submission %s has no active run", submissionID), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get active run: %w", err)
	}
	return run, nil
}

// ListRuns returns every run of a submission, oldest first.
func (c *SQLiteCatalog) ListRuns(ctx context.Context, submissionID string) ([]*types.PipelineRun, error) {
	return c.queryRuns(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE submission_id = ? ORDER BY created_at`, submissionID)
}

// OpenRuns returns runs that are not closed yet: in-flight runs, failed
// runs that may still be retried, and finished or superseded runs awaiting
// cleanup verification.
func (c *SQLiteCatalog) OpenRuns(ctx context.Context) ([]*types.PipelineRun, error) {
	return c.queryRuns(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE closed = 0 ORDER BY created_at`)
}

func (c *SQLiteCatalog) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*types.PipelineRun, error) {
	rows, err := c.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*types.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// UpdateRun persists run if its stored state still equals expected, and
// mirrors the state onto the submission. A concurrent change yields a
// WRITE_CONFLICT error.
func (c *SQLiteCatalog) UpdateRun(ctx context.Context, run *types.PipelineRun, expected types.PipelineState) error {
	times := stageTimes{
		Started:  toUnix(run.StageStarted),
		Finished: toUnix(run.StageFinished),
	}
	timesJSON, err := json.Marshal(times)
	if err != nil {
		return fmt.Errorf("catalog: failed to marshal stage times: %w", err)
	}
	run.UpdatedAt = time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE pipeline_runs SET state = ?, failed_stage = ?, retries = ?, last_error = ?, error_class = ?,
			content_hash = ?, identifier_set_id = ?, missing_refs = ?, stage_times_json = ?, closed = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(run.State), string(run.FailedStage), run.Retries, nullString(run.LastError), run.ErrorClass,
		run.ContentHash, run.IdentifierSetID, run.MissingRefs, string(timesJSON), boolInt(run.Closed),
		run.UpdatedAt.UnixNano(), run.ID, string(expected))
	if err != nil {
		return fmt.Errorf("catalog: failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cferrors.NewCatalogError(cferrors.CodeWriteConflict,
			fmt.Sprintf("run %s is no longer in state %s", run.ID, expected), nil)
	}

	// a superseded run no longer speaks for its submission
	if run.Active {
		_, err = tx.ExecContext(ctx, `UPDATE submissions SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(run.State), nullString(run.LastError), run.UpdatedAt.UnixNano(), run.SubmissionID)
		if err != nil {
			return fmt.Errorf("catalog: failed to mirror submission state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog: failed to commit run update: %w", err)
	}
	return nil
}

// RecordStageExecution appends one stage attempt.
func (c *SQLiteCatalog) RecordStageExecution(ctx context.Context, e *types.StageExecution) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO stage_executions (run_id, submission_id, content_hash, stage, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.SubmissionID, e.ContentHash, string(e.Stage), string(e.Outcome), nullString(e.Error),
		e.StartedAt.UnixNano(), e.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("catalog: failed to record stage execution: %w", err)
	}
	return nil
}

// CountStageExecutions counts attempts of stage with the given outcome for a content hash.
func (c *SQLiteCatalog) CountStageExecutions(ctx context.Context, contentHash string, stage types.StageName, outcome types.StageOutcome) (int, error) {
	var n int
	err := c.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stage_executions WHERE content_hash = ? AND stage = ? AND outcome = ?`,
		contentHash, string(stage), string(outcome)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: failed to count stage executions: %w", err)
	}
	return n, nil
}

// StageExecutions returns the attempts recorded for a run in order.
func (c *SQLiteCatalog) StageExecutions(ctx context.Context, runID string) ([]*types.StageExecution, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT run_id, submission_id, content_hash, stage, outcome, error, started_at, finished_at
		FROM stage_executions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query stage executions: %w", err)
	}
	defer rows.Close()

	var out []*types.StageExecution
	for rows.Next() {
		var (
			e               types.StageExecution
			stage, outcome  string
			errMsg          sql.NullString
			started, finish int64
		)
		if err := rows.Scan(&e.RunID, &e.SubmissionID, &e.ContentHash, &stage, &outcome, &errMsg, &started, &finish); err != nil {
			return nil, fmt.Errorf("catalog: failed to scan stage execution: %w", err)
		}
		e.Stage = types.StageName(stage)
		e.Outcome = types.StageOutcome(outcome)
		if errMsg.Valid {
			e.Error = &errMsg.String
		}
		e.StartedAt = time.Unix(0, started).UTC()
		e.FinishedAt = time.Unix(0, finish).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanRun(s scanner) (*types.PipelineRun, error) {
	var (
		run                   types.PipelineRun
		state, failedStage    string
		active, closed        int
		superseded, lastError sql.NullString
		timesJSON             string
		created, updated      int64
	)
	err := s.Scan(&run.ID, &run.SubmissionID, &state, &active, &superseded, &failedStage, &run.Retries, &lastError,
		&run.ErrorClass, &run.ContentHash, &run.IdentifierSetID, &run.MissingRefs, &timesJSON, &closed, &created, &updated)
	if err != nil {
		return nil, err
	}
	run.State = types.PipelineState(state)
	run.FailedStage = types.StageName(failedStage)
	run.Active = active != 0
	run.Closed = closed != 0
	if superseded.Valid {
		run.SupersededBy = &superseded.String
	}
	if lastError.Valid {
		run.LastError = &lastError.String
	}

	var times stageTimes
	if err := json.Unmarshal([]byte(timesJSON), &times); err != nil {
		return nil, fmt.Errorf("invalid stage times: %w", err)
	}
	run.StageStarted = fromUnix(times.Started)
	run.StageFinished = fromUnix(times.Finished)
	run.CreatedAt = time.Unix(0, created).UTC()
	run.UpdatedAt = time.Unix(0, updated).UTC()
	return &run, nil
}

func toUnix(m map[types.StageName]time.Time) map[types.StageName]int64 {
	if len(m) == 0 {
		return nil
	}
	out := make(map[types.StageName]int64, len(m))
	for k, v := range m {
		out[k] = v.UnixNano()
	}
	return out
}

func fromUnix(m map[types.StageName]int64) map[types.StageName]time.Time {
	out := make(map[types.StageName]time.Time, len(m))
	for k, v := range m {
		out[k] = time.Unix(0, v).UTC()
	}
	return out
}
