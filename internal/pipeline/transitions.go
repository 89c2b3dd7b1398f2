package pipeline

import (
	"fmt"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
)

// forward is the only successor of each state outside failure and retry.
var forward = map[types.PipelineState]types.PipelineState{
	types.StatePending:              types.StateConverting,
	types.StateConverting:           types.StateExtractingAndHashing,
	types.StateExtractingAndHashing: types.StateValidating,
	types.StateValidating:           types.StateCompleted,
}

// rank orders the non-failed states along the chain.
var rank = map[types.PipelineState]int{
	types.StatePending:              0,
	types.StateConverting:           1,
	types.StateExtractingAndHashing: 2,
	types.StateValidating:           3,
	types.StateCompleted:            4,
}

// Transition checks a state change. failed is reachable from every
// non-terminal state; leaving failed is only allowed as an explicit retry
// that re-enters the state of the failed stage.
func Transition(from, to types.PipelineState, retry bool) error {
	switch {
	case to == types.StateFailed && !from.IsTerminal():
		return nil
	case from == types.StateFailed && retry:
		switch to {
		case types.StateConverting, types.StateExtractingAndHashing, types.StateValidating:
			return nil
		}
	case !retry && forward[from] == to:
		return nil
	}
	return cferrors.NewPipelineError(cferrors.CodeInvalidTransition,
		fmt.Sprintf("invalid transition %s -> %s", from, to), nil)
}

// StateFor is the run state while stage executes.
func StateFor(stage types.StageName) types.PipelineState {
	switch stage {
	case types.StageConvert:
		return types.StateConverting
	case types.StageExtract, types.StageHash:
		return types.StateExtractingAndHashing
	case types.StageValidate:
		return types.StateValidating
	default:
		return ""
	}
}

// Rank is the position of a state along the chain; failed has no rank.
func Rank(s types.PipelineState) (int, bool) {
	r, ok := rank[s]
	return r, ok
}
