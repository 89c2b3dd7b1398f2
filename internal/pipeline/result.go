package pipeline

import (
	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// Result is what every stage returns to the dispatcher. Stages never panic
// or block to signal a retry; the dispatcher decides from Retryable.
type Result struct {
	Success   bool
	Retryable bool
	// Skipped stages do not apply to the table type.
	Skipped bool
	// Awaiting means the stage handed work to an external party and
	// finishes when its result arrives.
	Awaiting bool
	Err      error

	Outcome types.StageOutcome
	Output  Output
}

// Output carries the values a stage contributes to the run.
type Output struct {
	ContentHash     string
	IdentifierSetID string
	Artifact        *types.ArtifactInfo
	MissingRefs     int64
	HasMissingRefs  bool

	// set by convert when the load pass extracted or found identifiers
	IdentifierSet     *types.IdentifierSet
	IdentifiersReused bool
}

func success(outcome types.StageOutcome, out Output) Result {
	return Result{Success: true, Outcome: outcome, Output: out}
}

func skipped() Result {
	return Result{Success: true, Skipped: true}
}

func awaiting(out Output) Result {
	return Result{Awaiting: true, Output: out}
}

func failure(err error) Result {
	return Result{Retryable: cferrors.IsRetryable(err), Err: err, Outcome: types.OutcomeFailed}
}
