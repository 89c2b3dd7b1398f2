package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	cferrors "github.com/cohortflow/cohortflow/internal/errors"
	"github.com/cohortflow/cohortflow/pkg/types"
)

var allStates = []types.PipelineState{
	types.StatePending,
	types.StateConverting,
	types.StateExtractingAndHashing,
	types.StateValidating,
	types.StateCompleted,
	types.StateFailed,
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to types.PipelineState
		retry    bool
		ok       bool
	}{
		{types.StatePending, types.StateConverting, false, true},
		{types.StateConverting, types.StateExtractingAndHashing, false, true},
		{types.StateExtractingAndHashing, types.StateValidating, false, true},
		{types.StateValidating, types.StateCompleted, false, true},
		{types.StatePending, types.StateFailed, false, true},
		{types.StateValidating, types.StateFailed, false, true},
		{types.StateFailed, types.StateExtractingAndHashing, true, true},
		{types.StateFailed, types.StateValidating, true, true},

		{types.StatePending, types.StateValidating, false, false},
		{types.StateValidating, types.StateConverting, false, false},
		{types.StateCompleted, types.StateFailed, false, false},
		{types.StateCompleted, types.StateConverting, true, false},
		{types.StateFailed, types.StateConverting, false, false},
		{types.StateFailed, types.StateCompleted, true, false},
		{types.StateFailed, types.StateFailed, false, false},
	}
	for _, tt := range tests {
		err := Transition(tt.from, tt.to, tt.retry)
		if (err == nil) != tt.ok {
			t.Errorf("Transition(%s, %s, retry=%v) = %v, want ok=%v", tt.from, tt.to, tt.retry, err, tt.ok)
		}
		if err != nil && cferrors.GetCode(err) != cferrors.CodeInvalidTransition {
			t.Errorf("code = %s", cferrors.GetCode(err))
		}
	}
}

// Every accepted move without a retry advances exactly one step or fails,
// and only a retry leaves failed, into a stage state.
func TestTransition_MonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("states only move forward outside retries", prop.ForAll(
		func(moves []int, retries []bool) bool {
			state := types.StatePending
			for i, m := range moves {
				to := allStates[m]
				retry := retries[i%len(retries)]
				if Transition(state, to, retry) != nil {
					continue
				}
				fromRank, fromOK := Rank(state)
				toRank, toOK := Rank(to)
				switch {
				case to == types.StateFailed:
					if state.IsTerminal() {
						return false
					}
				case state == types.StateFailed:
					if !retry || !toOK || toRank == 0 || to == types.StateCompleted {
						return false
					}
				default:
					if !fromOK || !toOK || retry || toRank != fromRank+1 {
						return false
					}
				}
				state = to
			}
			return true
		},
		gen.SliceOfN(40, gen.IntRange(0, len(allStates)-1)),
		gen.SliceOfN(7, gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestStateFor(t *testing.T) {
	want := map[types.StageName]types.PipelineState{
		types.StageConvert:  types.StateConverting,
		types.StageExtract:  types.StateExtractingAndHashing,
		types.StageHash:     types.StateExtractingAndHashing,
		types.StageValidate: types.StateValidating,
		types.StageCleanup:  "",
	}
	for stage, state := range want {
		if got := StateFor(stage); got != state {
			t.Errorf("StateFor(%s) = %s, want %s", stage, got, state)
		}
	}
}

func TestGraph(t *testing.T) {
	g := DefaultGraph()

	ready := g.Ready(map[types.StageName]bool{}, nil)
	if len(ready) != 1 || ready[0] != types.StageConvert {
		t.Errorf("Ready(empty) = %v", ready)
	}

	done := map[types.StageName]bool{types.StageConvert: true}
	ready = g.Ready(done, nil)
	if len(ready) != 2 || ready[0] != types.StageExtract || ready[1] != types.StageHash {
		t.Errorf("Ready(convert) = %v", ready)
	}

	ready = g.Ready(done, map[types.StageName]bool{types.StageExtract: true})
	if len(ready) != 1 || ready[0] != types.StageHash {
		t.Errorf("Ready with extract running = %v", ready)
	}

	done[types.StageHash] = true
	if ready = g.Ready(done, nil); len(ready) != 1 || ready[0] != types.StageExtract {
		t.Errorf("validate must wait for extract: %v", ready)
	}

	anc := g.Ancestors(types.StageValidate)
	if len(anc) != 3 || anc[0] != types.StageConvert {
		t.Errorf("Ancestors(validate) = %v", anc)
	}
	if len(g.Ancestors(types.StageConvert)) != 0 {
		t.Error("convert has ancestors")
	}

	done[types.StageExtract] = true
	done[types.StageValidate] = true
	if !g.Complete(done) {
		t.Error("Complete = false")
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{40, maxBackoff},
	}
	for _, tt := range tests {
		if got := Backoff(base, tt.retries); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
	if Backoff(0, 3) != 0 {
		t.Error("zero base must not back off")
	}
}

func TestExhausted(t *testing.T) {
	transient := string(cferrors.ClassTransient)
	tests := []struct {
		name string
		run  types.PipelineRun
		want bool
	}{
		{"running", types.PipelineRun{State: types.StateConverting}, false},
		{"transient with budget", types.PipelineRun{State: types.StateFailed, ErrorClass: transient, Retries: 1}, false},
		{"transient out of budget", types.PipelineRun{State: types.StateFailed, ErrorClass: transient, Retries: 2}, true},
		{"input error", types.PipelineRun{State: types.StateFailed, ErrorClass: "input"}, true},
	}
	for _, tt := range tests {
		if got := Exhausted(&tt.run, 2); got != tt.want {
			t.Errorf("%s: Exhausted = %v", tt.name, got)
		}
	}
	if !Finished(&types.PipelineRun{State: types.StateCompleted}, 2) {
		t.Error("completed run not finished")
	}
}

func TestLargeLimiter(t *testing.T) {
	l := newLargeLimiter(100, 2)
	if w := l.weight(99); w != 0 {
		t.Errorf("small file weight = %d", w)
	}
	if w := l.weight(150); w != 1 {
		t.Errorf("weight(150) = %d", w)
	}
	if w := l.weight(10000); w != 2 {
		t.Errorf("huge file weight = %d, want capped at capacity", w)
	}

	ctx := context.Background()
	release, err := l.acquire(ctx, 10000)
	if err != nil {
		t.Fatal(err)
	}

	// a second large file waits until the first releases
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.acquire(blocked, 100); err == nil {
		t.Error("second large file was admitted")
	}
	small, err := l.acquire(ctx, 10)
	if err != nil {
		t.Fatalf("small file blocked: %v", err)
	}
	small()

	release()
	again, err := l.acquire(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	again()
}
