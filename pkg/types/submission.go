// Package types provides the core records shared by the cohortflow components.
package types

import "time"

// PipelineState is the state of a Pipeline Run.
type PipelineState string

const (
	StatePending              PipelineState = "pending"
	StateConverting           PipelineState = "converting"
	StateExtractingAndHashing PipelineState = "extracting_and_hashing"
	StateValidating           PipelineState = "validating"
	StateCompleted            PipelineState = "completed"
	StateFailed               PipelineState = "failed"
)

// IsTerminal reports whether no stage can run from this state without an explicit retry.
func (s PipelineState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// SubmissionFile is one version of one uploaded table for one cohort/wave.
// Prior versions are never mutated or deleted.
type SubmissionFile struct {
	ID        string `json:"id"`
	CohortID  string `json:"cohort_id"`
	Wave      string `json:"wave,omitempty"`
	TableType string `json:"table_type"`
	Version   int    `json:"version"`

	// SourcePath is the storage path of the raw upload (snappy framed).
	SourcePath string `json:"source_path"`
	SizeBytes  int64  `json:"size_bytes"`
	Encoding   string `json:"encoding,omitempty"`

	// ContentHash is set once and never changed afterwards.
	ContentHash string `json:"content_hash,omitempty"`

	// IdentifierSetID references the extracted identifier set, if any.
	IdentifierSetID string `json:"identifier_set_id,omitempty"`

	State      PipelineState `json:"state"`
	Error      *string       `json:"error,omitempty"`
	UploadedBy string        `json:"uploaded_by"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ArtifactInfo describes the Columnar Artifact of a submission version.
type ArtifactInfo struct {
	SubmissionID   string    `json:"submission_id"`
	Path           string    `json:"path"`
	RowCount       int64     `json:"row_count"`
	SizeBytes      int64     `json:"size_bytes"`
	Columns        []Column  `json:"columns"`
	MappingApplied bool      `json:"mapping_applied"`
	Warnings       []string  `json:"warnings,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// StageName names one node of the pipeline graph.
type StageName string

const (
	StageConvert  StageName = "convert"
	StageExtract  StageName = "extract"
	StageHash     StageName = "hash"
	StageValidate StageName = "validate"
	StageCleanup  StageName = "cleanup"
)

// PipelineRun is one execution of the workflow for a Submission File.
type PipelineRun struct {
	ID           string        `json:"id"`
	SubmissionID string        `json:"submission_id"`
	State        PipelineState `json:"state"`
	Active       bool          `json:"active"`
	SupersededBy *string       `json:"superseded_by,omitempty"`

	// FailedStage is the stage a retry restarts from.
	FailedStage StageName `json:"failed_stage,omitempty"`
	Retries     int       `json:"retries"`
	LastError   *string   `json:"last_error,omitempty"`
	ErrorClass  string    `json:"error_class,omitempty"`

	// Results of the independent extraction and hashing steps.
	ContentHash     string `json:"content_hash,omitempty"`
	IdentifierSetID string `json:"identifier_set_id,omitempty"`
	MissingRefs     int64  `json:"missing_refs"`

	StageStarted  map[StageName]time.Time `json:"stage_started,omitempty"`
	StageFinished map[StageName]time.Time `json:"stage_finished,omitempty"`

	// Closed is set once every cleanup-required ledger entry of the run is verified.
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Report is the collaborator outcome recorded for a run.
type Report struct {
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	Columns   []ColumnReport `json:"columns"`
	ReportRef string         `json:"report_ref,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ColumnReport is the per-column summary returned by the rule engine.
type ColumnReport struct {
	Column   string             `json:"column"`
	Pass     int64              `json:"pass"`
	Warnings int64              `json:"warnings"`
	Errors   int64              `json:"errors"`
	Summary  map[string]float64 `json:"summary,omitempty"`
}

// IdentifierSet is the set of distinct primary-entity identifiers in a table.
type IdentifierSet struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"content_hash"`
	CohortID    string    `json:"cohort_id"`
	TableType   string    `json:"table_type"`
	Column      string    `json:"column"`
	Count       int64     `json:"count"`
	CreatedAt   time.Time `json:"created_at"`
}

// StageOutcome records whether a stage did its work or reused a prior result.
type StageOutcome string

const (
	OutcomeComputed StageOutcome = "computed"
	OutcomeReused   StageOutcome = "reused"
	OutcomeFailed   StageOutcome = "failed"
)

// StageExecution is one attempt of one stage for one run.
type StageExecution struct {
	RunID        string       `json:"run_id"`
	SubmissionID string       `json:"submission_id"`
	ContentHash  string       `json:"content_hash,omitempty"`
	Stage        StageName    `json:"stage"`
	Outcome      StageOutcome `json:"outcome"`
	Error        *string      `json:"error,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}
