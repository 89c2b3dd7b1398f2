package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cohortflow/cohortflow/internal/catalog"
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/internal/events"
	"github.com/cohortflow/cohortflow/internal/validation"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// RunView is a pipeline run as shown to uploaders. Errors are reduced to
// their class unless the uploader can act on them.
type RunView struct {
	ID           string              `json:"id"`
	SubmissionID string              `json:"submission_id"`
	State        types.PipelineState `json:"state"`
	Active       bool                `json:"active"`
	Closed       bool                `json:"closed"`
	FailedStage  types.StageName     `json:"failed_stage,omitempty"`
	Retries      int                 `json:"retries"`
	ErrorClass   string              `json:"error_class,omitempty"`
	Error        string              `json:"error,omitempty"`
	ContentHash  string              `json:"content_hash,omitempty"`
	MissingRefs  int64               `json:"missing_refs"`
	Stages       []StageView         `json:"stages"`
	Report       *types.Report       `json:"report,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// StageView is one stage attempt of a run.
type StageView struct {
	Stage      types.StageName    `json:"stage"`
	Outcome    types.StageOutcome `json:"outcome"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

// OpsRunView is a run with its unredacted stage history.
type OpsRunView struct {
	*types.PipelineRun
	Executions []*types.StageExecution `json:"executions"`
	Report     *types.Report           `json:"report,omitempty"`
}

// EventView is one run event on the event stream.
type EventView struct {
	Kind      string              `json:"kind"`
	RunID     string              `json:"run_id"`
	From      types.PipelineState `json:"from,omitempty"`
	To        types.PipelineState `json:"to,omitempty"`
	Stage     types.StageName     `json:"stage,omitempty"`
	Outcome   types.StageOutcome  `json:"outcome,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

// publicError is the error text of a run an uploader may see.
func publicError(run *types.PipelineRun) string {
	if run.LastError == nil {
		return ""
	}
	class := cferrors.Class(run.ErrorClass)
	if class == cferrors.ClassInput {
		return *run.LastError
	}
	return class.Message()
}

func (s *Server) loadRun(r *http.Request) (*types.PipelineRun, []*types.StageExecution, *types.Report, error) {
	ctx := r.Context()
	run, err := s.deps.Catalog.GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		return nil, nil, nil, err
	}
	execs, err := s.deps.Catalog.StageExecutions(ctx, run.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	rep, err := s.deps.Catalog.GetReport(ctx, run.ID)
	if errors.Is(err, catalog.ErrNotFound) {
		return run, execs, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return run, execs, rep, nil
}

// handleGetRun handles GET /v1/runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, execs, rep, err := s.loadRun(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	view := RunView{
		ID:           run.ID,
		SubmissionID: run.SubmissionID,
		State:        run.State,
		Active:       run.Active,
		Closed:       run.Closed,
		FailedStage:  run.FailedStage,
		Retries:      run.Retries,
		ErrorClass:   run.ErrorClass,
		Error:        publicError(run),
		ContentHash:  run.ContentHash,
		MissingRefs:  run.MissingRefs,
		Stages:       make([]StageView, 0, len(execs)),
		Report:       rep,
		CreatedAt:    run.CreatedAt,
		UpdatedAt:    run.UpdatedAt,
	}
	for _, e := range execs {
		view.Stages = append(view.Stages, StageView{
			Stage:      e.Stage,
			Outcome:    e.Outcome,
			StartedAt:  e.StartedAt,
			FinishedAt: e.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

// handleOpsRun handles GET /v1/ops/runs/{id}.
func (s *Server) handleOpsRun(w http.ResponseWriter, r *http.Request) {
	run, execs, rep, err := s.loadRun(r)
	if err != nil {
		writeOpsError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*types.StageExecution{}
	}
	writeJSON(w, http.StatusOK, OpsRunView{PipelineRun: run, Executions: execs, Report: rep})
}

// handleResult handles POST /v1/runs/{id}/result, the rule engine callback.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var res validation.Result
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	runID := chi.URLParam(r, "id")
	if err := s.deps.Pipeline.CompleteValidation(r.Context(), runID, &res); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "accepted"})
}

// handleRunEvents handles GET /v1/runs/{id}/events, a Server-Sent Events
// stream of the run's progress. It ends when the run closes or the client
// goes away.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	run, err := s.deps.Catalog.GetRun(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.deps.Catalog.GetSubmission(ctx, run.SubmissionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, cferrors.NewInternalError("streaming not supported", nil))
		return
	}

	// subscribe before the snapshot so no transition is missed in between
	es := s.deps.Notifier.SubscribeAutoID(sub.CohortID + "/" + sub.ID)
	defer s.deps.Notifier.Unsubscribe(es.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, EventView{Kind: "snapshot", RunID: run.ID, To: run.State, Timestamp: run.UpdatedAt})
	flusher.Flush()
	if run.Closed {
		return
	}

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-es.Ch:
			if !ok {
				return
			}
			if ev.RunID != run.ID {
				continue
			}
			writeEvent(w, EventView{
				Kind:      ev.Kind.String(),
				RunID:     ev.RunID,
				From:      ev.From,
				To:        ev.To,
				Stage:     ev.Stage,
				Outcome:   ev.Outcome,
				Timestamp: time.Unix(0, ev.Timestamp).UTC(),
			})
			flusher.Flush()
			if ev.Kind == events.RunClosed {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev EventView) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}
