package pipeline

import "github.com/cohortflow/cohortflow/pkg/types"

// Graph declares the predecessors of every stage.
type Graph struct {
	order []types.StageName
	preds map[types.StageName][]types.StageName
}

// DefaultGraph is convert -> {extract, hash} -> validate.
func DefaultGraph() *Graph {
	return &Graph{
		order: []types.StageName{types.StageConvert, types.StageExtract, types.StageHash, types.StageValidate},
		preds: map[types.StageName][]types.StageName{
			types.StageConvert:  nil,
			types.StageExtract:  {types.StageConvert},
			types.StageHash:     {types.StageConvert},
			types.StageValidate: {types.StageExtract, types.StageHash},
		},
	}
}

// Stages returns the stages in dependency order.
func (g *Graph) Stages() []types.StageName {
	return append([]types.StageName(nil), g.order...)
}

// Predecessors returns the declared predecessors of stage.
func (g *Graph) Predecessors(stage types.StageName) []types.StageName {
	return g.preds[stage]
}

// Ancestors returns every stage that must succeed before stage starts.
func (g *Graph) Ancestors(stage types.StageName) []types.StageName {
	seen := map[types.StageName]bool{}
	var walk func(types.StageName)
	walk = func(s types.StageName) {
		for _, p := range g.preds[s] {
			if !seen[p] {
				seen[p] = true
				walk(p)
			}
		}
	}
	walk(stage)

	var out []types.StageName
	for _, s := range g.order {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}

// Ready returns the stages that are neither done nor running and whose
// predecessors are all done.
func (g *Graph) Ready(done, running map[types.StageName]bool) []types.StageName {
	var out []types.StageName
	for _, s := range g.order {
		if done[s] || running[s] {
			continue
		}
		ok := true
		for _, p := range g.preds[s] {
			if !done[p] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}

// Complete reports whether every stage is done.
func (g *Graph) Complete(done map[types.StageName]bool) bool {
	for _, s := range g.order {
		if !done[s] {
			return false
		}
	}
	return true
}
