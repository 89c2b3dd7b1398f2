package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/ledger"
	"github.com/cohortflow/cohortflow/pkg/types"
)

const maxTrailLimit = 10000

// LedgerResponse is a list of ledger entries.
type LedgerResponse struct {
	Entries   []*types.LedgerEntry `json:"entries"`
	Count     int                  `json:"count"`
	RequestID string               `json:"request_id"`
}

// handleOverdue handles GET /v1/ops/cleanups/overdue.
func (s *Server) handleOverdue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Ledger.OverdueEntries(r.Context(), time.Now().UTC())
	if err != nil {
		writeOpsError(w, r, err)
		return
	}
	writeEntries(w, r, entries)
}

// handleTrail handles GET /v1/ops/ledger. Filters: cohort, submission, run,
// path, action, from, to (RFC 3339 or YYYY-MM-DD) and limit.
func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.TrailFilter{
		CohortID:     q.Get("cohort"),
		SubmissionID: q.Get("submission"),
		RunID:        q.Get("run"),
		Path:         q.Get("path"),
		Action:       types.ActionKind(q.Get("action")),
		Limit:        1000,
	}
	if f.Action != "" && !f.Action.Valid() {
		writeOpsError(w, r, cferrors.NewInputError(cferrors.CodeInvalidRequest, fmt.Sprintf("unknown action %q", f.Action)))
		return
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		writeOpsError(w, r, err)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		writeOpsError(w, r, err)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxTrailLimit {
			writeOpsError(w, r, cferrors.NewInputError(cferrors.CodeInvalidRequest,
				fmt.Sprintf("limit must be between 1 and %d", maxTrailLimit)))
			return
		}
		f.Limit = n
	}

	entries, err := s.deps.Ledger.Trail(r.Context(), f)
	if err != nil {
		writeOpsError(w, r, err)
		return
	}
	writeEntries(w, r, entries)
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, cferrors.NewInputError(cferrors.CodeInvalidRequest, fmt.Sprintf("invalid time %q", v))
}

func writeEntries(w http.ResponseWriter, r *http.Request, entries []*types.LedgerEntry) {
	if entries == nil {
		entries = []*types.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, LedgerResponse{
		Entries:   entries,
		Count:     len(entries),
		RequestID: GetRequestID(r.Context()),
	})
}

// handleVerify handles POST /v1/ops/submissions/{id}/verify: the stored
// upload is re-hashed and compared with the recorded content hash.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	sub, err := s.deps.Catalog.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeOpsError(w, r, err)
		return
	}
	if err := s.deps.Verify(r.Context(), sub); err != nil {
		writeOpsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"submission_id": sub.ID,
		"content_hash":  sub.ContentHash,
		"status":        "verified",
	})
}

// handleRelease handles POST /v1/ops/submissions/{id}/release: an operator
// accepts a submission held after a hash mismatch, so its files may be
// cleaned up and its runs closed.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = r.Header.Get("X-Actor")
	}
	if actor == "" {
		writeOpsError(w, r, cferrors.NewInputError(cferrors.CodeInvalidRequest, "actor is required"))
		return
	}
	sub, err := s.deps.Catalog.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeOpsError(w, r, err)
		return
	}
	if err := s.deps.Release(r.Context(), sub.ID, actor); err != nil {
		writeOpsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"submission_id": sub.ID,
		"status":        "released",
	})
}

// handleReconcile handles GET /v1/ops/reconcile?prefix=.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Reconcile(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeOpsError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
