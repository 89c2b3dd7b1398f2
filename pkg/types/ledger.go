package types

import "time"

// ActionKind is the closed set of file-lifecycle events recorded in the ledger.
type ActionKind string

const (
	ActionUploadReceived       ActionKind = "upload_received"
	ActionUploadStored         ActionKind = "upload_stored"
	ActionRawStreamed          ActionKind = "raw_streamed"
	ActionConversionStarted    ActionKind = "conversion_started"
	ActionTempCreated          ActionKind = "temp_created"
	ActionArtifactCreated      ActionKind = "artifact_created"
	ActionConversionCompleted  ActionKind = "conversion_completed"
	ActionConversionFailed     ActionKind = "conversion_failed"
	ActionIdentifiersExtracted ActionKind = "identifiers_extracted"
	ActionExtractionReused     ActionKind = "extraction_reused"
	ActionHashComputed         ActionKind = "hash_computed"
	ActionHashReused           ActionKind = "hash_reused"
	ActionHashVerified         ActionKind = "hash_verified"
	ActionHashMismatch         ActionKind = "hash_mismatch"
	ActionValidationRequested  ActionKind = "validation_requested"
	ActionValidationCompleted  ActionKind = "validation_completed"
	ActionCleanupScheduled     ActionKind = "cleanup_scheduled"
	ActionFileDeleted          ActionKind = "file_deleted"
	ActionDeleteFailed         ActionKind = "delete_failed"
	ActionCleanupVerified      ActionKind = "cleanup_verified"
	ActionCleanupOverdue       ActionKind = "cleanup_overdue"
	ActionRunFailed            ActionKind = "run_failed"
	ActionIntegrityReleased    ActionKind = "integrity_released"
)

// AllActionKinds lists every valid action kind.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionUploadReceived, ActionUploadStored, ActionRawStreamed,
		ActionConversionStarted, ActionTempCreated, ActionArtifactCreated,
		ActionConversionCompleted, ActionConversionFailed,
		ActionIdentifiersExtracted, ActionExtractionReused,
		ActionHashComputed, ActionHashReused, ActionHashVerified, ActionHashMismatch,
		ActionValidationRequested, ActionValidationCompleted,
		ActionCleanupScheduled, ActionFileDeleted, ActionDeleteFailed,
		ActionCleanupVerified, ActionCleanupOverdue, ActionRunFailed,
		ActionIntegrityReleased,
	}
}

// Valid reports whether k is one of the known action kinds.
func (k ActionKind) Valid() bool {
	for _, known := range AllActionKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Location says where a ledgered path lives.
type Location string

const (
	// LocationStore is a path on the configured FileStore.
	LocationStore Location = "store"
	// LocationLocal is a path on the processing host's local disk.
	LocationLocal Location = "local"
)

// LedgerEntry is an immutable record of one file-lifecycle event. Only the
// cleanup verification fields are ever updated after the entry is written.
type LedgerEntry struct {
	ID           string     `json:"id"`
	Action       ActionKind `json:"action"`
	Path         string     `json:"path"`
	Location     Location   `json:"location"`
	Actor        string     `json:"actor"`
	CohortID     string     `json:"cohort_id"`
	SubmissionID string     `json:"submission_id,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	Hash         *string    `json:"hash,omitempty"`
	Error        *string    `json:"error,omitempty"`

	// RefEntryID points at the entry a verification or overdue record is about.
	RefEntryID *string `json:"ref_entry_id,omitempty"`

	CleanupRequired bool       `json:"cleanup_required"`
	CleanupDeadline *time.Time `json:"cleanup_deadline,omitempty"`
	CleanedUp       bool       `json:"cleaned_up"`
	CleanedUpAt     *time.Time `json:"cleaned_up_at,omitempty"`
	VerifiedBy      *string    `json:"verified_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
