package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/ingest"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// sqliteSidecars are the files SQLite may leave next to a database.
var sqliteSidecars = []string{"", "-wal", "-shm", "-journal"}

// cleanupRun deletes every scratch file the run ledgered. Each deletion is
// scheduled, attempted and its outcome ledgered; the verifier later confirms
// the paths are gone. Entries already deleted are skipped. Nothing is
// touched while the run's submission is under an integrity hold.
func (o *Orchestrator) cleanupRun(ctx context.Context, run *types.PipelineRun) error {
	held, err := o.ledger.IntegrityHold(ctx, run.SubmissionID)
	if err != nil {
		return err
	}
	if held {
		return cferrors.NewIntegrityError(cferrors.CodeIntegrityHold,
			fmt.Sprintf("submission %s has an unresolved hash mismatch", run.SubmissionID))
	}

	entries, err := o.ledger.CleanupEntries(ctx, run.ID)
	if err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		if e.CleanedUp {
			continue
		}
		deleted, err := o.ledger.HasReference(ctx, types.ActionFileDeleted, e.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			continue
		}

		attrs := ledger.Attrs{
			SubmissionID: e.SubmissionID,
			RunID:        run.ID,
			Location:     e.Location,
			RefEntryID:   e.ID,
		}
		scheduled, err := o.ledger.HasReference(ctx, types.ActionCleanupScheduled, e.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !scheduled {
			if _, err := o.ledger.Record(ctx, types.ActionCleanupScheduled, e.Path, o.cfg.Actor, e.CohortID, attrs); err != nil {
				errs = append(errs, err)
				continue
			}
		}

		if err := o.remove(ctx, e); err != nil {
			attrs.Error = err.Error()
			if _, lerr := o.ledger.Record(ctx, types.ActionDeleteFailed, e.Path, o.cfg.Actor, e.CohortID, attrs); lerr != nil {
				errs = append(errs, lerr)
			}
			errs = append(errs, fmt.Errorf("delete %s: %w", e.Path, err))
			continue
		}
		if _, err := o.ledger.Record(ctx, types.ActionFileDeleted, e.Path, o.cfg.Actor, e.CohortID, attrs); err != nil {
			errs = append(errs, err)
		}
	}

	if o.cfg.WorkDir != "" {
		if err := os.RemoveAll(ingest.RunWorkDir(o.cfg.WorkDir, run.ID)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) remove(ctx context.Context, e *types.LedgerEntry) error {
	switch e.Location {
	case types.LocationLocal:
		for _, suffix := range sqliteSidecars {
			if err := os.Remove(e.Path + suffix); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	case types.LocationStore:
		if err := o.store.Delete(ctx, e.Path); err != nil && !cferrors.IsNotFound(err) {
			return err
		}
		return nil
	}
	return fmt.Errorf("unknown location %q", e.Location)
}
