// Package validation is the contract between the pipeline and the external
// rule engine that validates Columnar Artifacts and renders reports. The
// pipeline hands over a complete, hashed artifact and only interprets the
// overall status of the result.
package validation

import (
	"context"
	"fmt"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// Status is the overall outcome of a validation run.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusWarnings Status = "warnings"
	StatusFailed   Status = "failed"
	StatusError    Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPassed, StatusWarnings, StatusFailed, StatusError:
		return true
	}
	return false
}

// Request is what the rule engine receives for one run.
type Request struct {
	RunID         string `json:"run_id"`
	SubmissionID  string `json:"submission_id"`
	ArtifactPath  string `json:"artifact_path"`
	DefinitionRef string `json:"definition_ref"`
	CohortID      string `json:"cohort_id"`
	Wave          string `json:"wave,omitempty"`
	TableType     string `json:"table_type"`
	ContentHash   string `json:"content_hash"`
	RowCount      int64  `json:"row_count"`

	// CallbackURL receives the Result; empty when the pipeline polls
	CallbackURL string `json:"callback_url,omitempty"`

	// Context carries cross-file check results and other hints
	Context map[string]string `json:"context,omitempty"`
}

// ColumnResult is the rule engine's summary for one column.
type ColumnResult struct {
	Column   string             `json:"column"`
	Pass     int64              `json:"pass"`
	Warnings int64              `json:"warnings"`
	Errors   int64              `json:"errors"`
	Summary  map[string]float64 `json:"summary,omitempty"`
}

// Result is what the rule engine sends back.
type Result struct {
	RunID     string         `json:"run_id"`
	Status    Status         `json:"status"`
	Columns   []ColumnResult `json:"columns"`
	ReportRef string         `json:"report_ref,omitempty"`
}

// Validate checks an inbound result before it is recorded.
func (r *Result) Validate() error {
	if r.RunID == "" {
		return cferrors.NewInputError(cferrors.CodeInvalidRequest, "result has no run id")
	}
	if !r.Status.Valid() {
		return cferrors.NewInputError(cferrors.CodeInvalidRequest, fmt.Sprintf("unknown result status %q", r.Status))
	}
	for i, c := range r.Columns {
		if c.Column == "" {
			return cferrors.NewInputError(cferrors.CodeInvalidRequest, fmt.Sprintf("column result %d has no column name", i))
		}
		if c.Pass < 0 || c.Warnings < 0 || c.Errors < 0 {
			return cferrors.NewInputError(cferrors.CodeInvalidRequest, fmt.Sprintf("column %q has negative counts", c.Column))
		}
	}
	return nil
}

// Report converts the result into the record kept per run.
func (r *Result) Report() *types.Report {
	rep := &types.Report{
		RunID:     r.RunID,
		Status:    string(r.Status),
		ReportRef: r.ReportRef,
		Columns:   make([]types.ColumnReport, len(r.Columns)),
	}
	for i, c := range r.Columns {
		rep.Columns[i] = types.ColumnReport(c)
	}
	return rep
}

// FromReport rebuilds the result recorded for a run.
func FromReport(rep *types.Report) *Result {
	r := &Result{
		RunID:     rep.RunID,
		Status:    Status(rep.Status),
		ReportRef: rep.ReportRef,
		Columns:   make([]ColumnResult, len(rep.Columns)),
	}
	for i, c := range rep.Columns {
		r.Columns[i] = ColumnResult(c)
	}
	return r
}

// Collaborator hands a run to the rule engine. Submit returns once the
// request is accepted; the result arrives through a callback or a Poller.
type Collaborator interface {
	Submit(ctx context.Context, req *Request) error
}

// Poller is implemented by collaborators whose results can be fetched.
// ready is false while the run is still being validated.
type Poller interface {
	Poll(ctx context.Context, runID string) (result *Result, ready bool, err error)
}
