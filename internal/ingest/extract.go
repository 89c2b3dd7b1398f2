package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/cohortflow/cohortflow/internal/storage"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// ExtractRequest identifies an artifact whose identifiers must be recomputed.
type ExtractRequest struct {
	RunID        string
	Attempt      int
	ArtifactPath string
	ContentHash  string
	CohortID     string
	TableType    string
	Column       string
	OnScratch    ScratchFunc
}

// writeIdentifierSet streams values produced by each into a new catalog set.
// The set is aborted on any error so no partial set is left behind.
func writeIdentifierSet(ctx context.Context, ids IdentifierCatalog, set *types.IdentifierSet, expected int64,
	each func(fn func(string) error) error) (*types.IdentifierSet, error) {
	w, err := ids.BeginIdentifierSet(ctx, set, expected)
	if err != nil {
		return nil, err
	}
	err = each(func(v string) error { return w.Add(ctx, v) })
	if err != nil {
		if abortErr := w.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			log.Printf("ingest: failed to abort identifier set %s: %v", set.ID, abortErr)
		}
		return nil, err
	}
	return w.Commit(ctx)
}

// ExtractFromArtifact computes the identifier set of a stored artifact. It
// runs only when conversion did not leave a set for the content hash, e.g.
// after the catalog lost an interrupted extraction.
func (e *Engine) ExtractFromArtifact(ctx context.Context, req ExtractRequest) (*types.IdentifierSet, error) {
	local := filepath.Join(AttemptWorkDir(e.opts.WorkDir, req.RunID, req.Attempt), "extract.sqlite")
	if req.OnScratch != nil {
		if err := req.OnScratch(local, types.LocationLocal); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(local), 0755); err != nil {
		return nil, fmt.Errorf("ingest: failed to create work directory: %w", err)
	}
	defer func() {
		if err := removeBuildFiles(local); err != nil {
			log.Printf("ingest: failed to remove %s: %v", local, err)
		}
	}()

	f, err := os.Create(local)
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to create local copy: %w", err)
	}
	_, err = storage.ReadAll(ctx, e.store, req.ArtifactPath, f, e.opts.ChunkSize)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("ingest: failed to write local copy: %w", closeErr)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", "file:"+local+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to open artifact: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	expected, err := distinctCount(ctx, db, req.Column)
	if err != nil {
		return nil, err
	}
	return writeIdentifierSet(ctx, e.ids, &types.IdentifierSet{
		ContentHash: req.ContentHash,
		CohortID:    req.CohortID,
		TableType:   req.TableType,
		Column:      req.Column,
	}, expected, func(fn func(string) error) error {
		return distinctValues(ctx, db, req.Column, fn)
	})
}
