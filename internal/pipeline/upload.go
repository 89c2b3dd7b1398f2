package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/ingest"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/internal/storage"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// UploadRequest is a raw upload streamed through the service.
type UploadRequest struct {
	CohortID  string
	Wave      string
	TableType string
	Actor     string
	Body      io.Reader
}

// RegisterRequest announces an upload that already sits on the store.
type RegisterRequest struct {
	SubmissionID string `json:"submission_id,omitempty"`
	CohortID     string `json:"cohort_id"`
	Wave         string `json:"wave,omitempty"`
	TableType    string `json:"table_type"`
	Actor        string `json:"actor"`
	SourcePath   string `json:"source_path"`
	SizeBytes    int64  `json:"size_bytes"`
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	SubmissionID string              `json:"submission_id"`
	Version      int                 `json:"version"`
	RunID        string              `json:"run_id"`
	State        types.PipelineState `json:"state"`
}

func (o *Orchestrator) checkTarget(cohortID, tableType, actor string) error {
	switch {
	case strings.TrimSpace(cohortID) == "":
		return cferrors.NewInputError(cferrors.CodeInvalidRequest, "cohort id is required")
	case strings.TrimSpace(tableType) == "":
		return cferrors.NewInputError(cferrors.CodeInvalidRequest, "table type is required")
	case strings.TrimSpace(actor) == "":
		return cferrors.NewInputError(cferrors.CodeInvalidRequest, "actor is required")
	}
	if o.mappings != nil && o.mappings.Strict {
		if _, ok := o.mappings.Lookup(cohortID, tableType); !ok {
			return cferrors.NewInputError(cferrors.CodeUnknownTableType,
				fmt.Sprintf("table type %q is not defined for cohort %s", tableType, cohortID))
		}
	}
	return nil
}

// Upload stores a raw upload compressed in chunks and starts its pipeline.
func (o *Orchestrator) Upload(ctx context.Context, req UploadRequest) (*Receipt, error) {
	if err := o.checkTarget(req.CohortID, req.TableType, req.Actor); err != nil {
		return nil, err
	}
	if req.Body == nil {
		return nil, cferrors.NewInputError(cferrors.CodeInvalidRequest, "upload body is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, cferrors.NewInternalError("failed to generate submission id", err)
	}
	submissionID := id.String()
	path := ingest.SourcePath(req.CohortID, submissionID)

	_, err = o.ledger.Record(ctx, types.ActionUploadReceived, path, req.Actor, req.CohortID, ledger.Attrs{
		SubmissionID: submissionID,
		Location:     types.LocationStore,
	})
	if err != nil {
		return nil, err
	}

	sink, err := storage.PutCompressed(ctx, o.store, path, o.cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	if _, err := storage.CopyChunked(sink, req.Body, o.cfg.ChunkSize); err != nil {
		sink.Abort()
		return nil, err
	}
	if err := sink.Commit(); err != nil {
		return nil, err
	}
	_, err = o.ledger.Record(ctx, types.ActionRawStreamed, path, req.Actor, req.CohortID, ledger.Attrs{
		SubmissionID: submissionID,
		Location:     types.LocationStore,
		SizeBytes:    sink.RawBytes(),
	})
	if err != nil {
		return nil, err
	}

	return o.Register(ctx, RegisterRequest{
		SubmissionID: submissionID,
		CohortID:     req.CohortID,
		Wave:         req.Wave,
		TableType:    req.TableType,
		Actor:        req.Actor,
		SourcePath:   path,
		SizeBytes:    sink.RawBytes(),
	})
}

// Register records a submission for an upload on the store and enqueues
// its first run.
func (o *Orchestrator) Register(ctx context.Context, req RegisterRequest) (*Receipt, error) {
	if err := o.checkTarget(req.CohortID, req.TableType, req.Actor); err != nil {
		return nil, err
	}
	if req.SourcePath == "" {
		return nil, cferrors.NewInputError(cferrors.CodeInvalidRequest, "source path is required")
	}
	exists, err := o.store.Exists(ctx, req.SourcePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, cferrors.NewInputError(cferrors.CodeInvalidRequest,
			fmt.Sprintf("no upload at %s", req.SourcePath))
	}

	sub := &types.SubmissionFile{
		ID:         req.SubmissionID,
		CohortID:   req.CohortID,
		Wave:       req.Wave,
		TableType:  req.TableType,
		SourcePath: req.SourcePath,
		SizeBytes:  req.SizeBytes,
		UploadedBy: req.Actor,
	}
	if err := o.catalog.CreateSubmission(ctx, sub); err != nil {
		return nil, err
	}
	_, err = o.ledger.Record(ctx, types.ActionUploadStored, req.SourcePath, req.Actor, req.CohortID, ledger.Attrs{
		SubmissionID: sub.ID,
		Location:     types.LocationStore,
		SizeBytes:    req.SizeBytes,
	})
	if err != nil {
		return nil, err
	}

	run, err := o.catalog.CreateRun(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	// the dispatcher owns run once enqueued
	receipt := &Receipt{SubmissionID: sub.ID, Version: sub.Version, RunID: run.ID, State: run.State}
	if err := o.Enqueue(ctx, run, sub); err != nil {
		return nil, err
	}

	log.Printf("pipeline: accepted %s/%s v%d from %s (%s), run %s",
		receipt.SubmissionID, req.TableType, receipt.Version, req.Actor, humanize.Bytes(uint64(req.SizeBytes)), receipt.RunID)
	return receipt, nil
}
