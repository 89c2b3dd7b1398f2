package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cohortflow/cohortflow/internal/catalog"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/pipeline"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// SubmissionView is a submission version as shown to uploaders.
type SubmissionView struct {
	ID          string              `json:"id"`
	CohortID    string              `json:"cohort_id"`
	Wave        string              `json:"wave,omitempty"`
	TableType   string              `json:"table_type"`
	Version     int                 `json:"version"`
	SizeBytes   int64               `json:"size_bytes"`
	Encoding    string              `json:"encoding,omitempty"`
	ContentHash string              `json:"content_hash,omitempty"`
	State       types.PipelineState `json:"state"`
	UploadedBy  string              `json:"uploaded_by"`
	CreatedAt   time.Time           `json:"created_at"`

	ActiveRunID string        `json:"active_run_id,omitempty"`
	Runs        []RunSummary  `json:"runs"`
	Artifact    *ArtifactView `json:"artifact,omitempty"`
}

// RunSummary is one line of a submission's run history.
type RunSummary struct {
	ID         string              `json:"id"`
	State      types.PipelineState `json:"state"`
	Active     bool                `json:"active"`
	Closed     bool                `json:"closed"`
	ErrorClass string              `json:"error_class,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// ArtifactView summarises the Columnar Artifact of a submission.
type ArtifactView struct {
	RowCount       int64          `json:"row_count"`
	Columns        []types.Column `json:"columns"`
	MappingApplied bool           `json:"mapping_applied"`
	Warnings       []string       `json:"warnings,omitempty"`
}

// handleUpload handles POST /v1/submissions. The body is the file itself,
// or a multipart form whose "file" part is; either way it is streamed to
// the store without being buffered.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := pipeline.UploadRequest{
		CohortID:  q.Get("cohort"),
		Wave:      q.Get("wave"),
		TableType: q.Get("table_type"),
		Actor:     q.Get("actor"),
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get("X-Actor")
	}

	if s.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	}
	body, err := uploadBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req.Body = body

	receipt, err := s.deps.Pipeline.Upload(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// uploadBody returns the reader holding the uploaded file.
func uploadBody(r *http.Request) (io.Reader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, cferrors.NewInputError(cferrors.CodeInvalidRequest, fmt.Sprintf("invalid multipart body: %v", err))
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, cferrors.NewInputError(cferrors.CodeInvalidRequest, `multipart body has no "file" part`)
		}
		if err != nil {
			return nil, cferrors.NewInputError(cferrors.CodeInvalidRequest, fmt.Sprintf("invalid multipart body: %v", err))
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// handleRegister handles POST /v1/submissions/register, used by front-tier
// gateways that already streamed the upload to our store.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req pipeline.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	receipt, err := s.deps.Pipeline.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// handleGetSubmission handles GET /v1/submissions/{id}.
func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	sub, err := s.deps.Catalog.GetSubmission(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	runs, err := s.deps.Catalog.ListRuns(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	view := SubmissionView{
		ID:          sub.ID,
		CohortID:    sub.CohortID,
		Wave:        sub.Wave,
		TableType:   sub.TableType,
		Version:     sub.Version,
		SizeBytes:   sub.SizeBytes,
		Encoding:    sub.Encoding,
		ContentHash: sub.ContentHash,
		State:       sub.State,
		UploadedBy:  sub.UploadedBy,
		CreatedAt:   sub.CreatedAt,
		Runs:        make([]RunSummary, 0, len(runs)),
	}
	for _, run := range runs {
		if run.Active {
			view.ActiveRunID = run.ID
		}
		view.Runs = append(view.Runs, RunSummary{
			ID:         run.ID,
			State:      run.State,
			Active:     run.Active,
			Closed:     run.Closed,
			ErrorClass: run.ErrorClass,
			CreatedAt:  run.CreatedAt,
		})
	}

	art, err := s.deps.Catalog.GetArtifact(ctx, id)
	switch {
	case err == nil:
		view.Artifact = &ArtifactView{
			RowCount:       art.RowCount,
			Columns:        art.Columns,
			MappingApplied: art.MappingApplied,
			Warnings:       art.Warnings,
		}
	case !errors.Is(err, catalog.ErrNotFound):
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleRerun handles POST /v1/submissions/{id}/rerun.
func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := s.deps.Catalog.GetSubmission(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	run, err := s.deps.Pipeline.Rerun(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pipeline.Receipt{
		SubmissionID: run.SubmissionID,
		Version:      sub.Version,
		RunID:        run.ID,
		State:        run.State,
	})
}
