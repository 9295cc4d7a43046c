package graph

import (
	"fmt"

	"github.com/devlift/sdlcflow/core"
)

// StageDef declares one stage of the pipeline: its identifier, the upstream
// stages whose latest approved artifacts form its generation input, and
// whether the stage may be skipped.
type StageDef struct {
	Stage     core.Stage
	Upstream  []core.Stage
	Skippable bool
}

// Graph is an immutable lookup over the stage pipeline. The base pipeline is
// a total order, but upstream lists may reference any earlier stage, so a
// DAG (e.g. a security review over both design and code) is supported.
type Graph struct {
	order    []core.Stage
	ordinals map[core.Stage]int
	defs     map[core.Stage]StageDef
}

// New validates the given definitions and builds a graph. Stages must be
// unique and every upstream reference must name an earlier stage, which also
// rules out cycles.
func New(defs []StageDef) (*Graph, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("no stages defined")
	}

	g := &Graph{
		order:    make([]core.Stage, 0, len(defs)),
		ordinals: make(map[core.Stage]int, len(defs)),
		defs:     make(map[core.Stage]StageDef, len(defs)),
	}

	for i, def := range defs {
		if _, ok := g.ordinals[def.Stage]; ok {
			return nil, fmt.Errorf("duplicate stage %q", def.Stage)
		}

		for _, up := range def.Upstream {
			pos, ok := g.ordinals[up]
			if !ok {
				return nil, fmt.Errorf("stage %q references unknown or later upstream stage %q", def.Stage, up)
			}

			if pos >= i {
				return nil, fmt.Errorf("stage %q references later upstream stage %q", def.Stage, up)
			}
		}

		g.order = append(g.order, def.Stage)
		g.ordinals[def.Stage] = i
		g.defs[def.Stage] = def
	}

	return g, nil
}

// Default returns the linear six-stage pipeline, each stage consuming its
// immediate predecessor's approved artifact.
func Default() *Graph {
	g, err := New([]StageDef{
		{Stage: core.StageRequirements},
		{Stage: core.StageUserStories, Upstream: []core.Stage{core.StageRequirements}},
		{Stage: core.StageDesignDoc, Upstream: []core.Stage{core.StageUserStories}},
		{Stage: core.StageCode, Upstream: []core.Stage{core.StageDesignDoc}},
		{Stage: core.StageSecurityReview, Upstream: []core.Stage{core.StageCode}, Skippable: true},
		{Stage: core.StageTests, Upstream: []core.Stage{core.StageSecurityReview}},
	})
	if err != nil {
		panic(err)
	}

	return g
}

// WithSecurityGate returns the pipeline with the security review consuming
// both the design document and the code stage.
func WithSecurityGate() *Graph {
	g, err := New([]StageDef{
		{Stage: core.StageRequirements},
		{Stage: core.StageUserStories, Upstream: []core.Stage{core.StageRequirements}},
		{Stage: core.StageDesignDoc, Upstream: []core.Stage{core.StageUserStories}},
		{Stage: core.StageCode, Upstream: []core.Stage{core.StageDesignDoc}},
		{Stage: core.StageSecurityReview, Upstream: []core.Stage{core.StageDesignDoc, core.StageCode}, Skippable: true},
		{Stage: core.StageTests, Upstream: []core.Stage{core.StageSecurityReview}},
	})
	if err != nil {
		panic(err)
	}

	return g
}

// Stages returns all stages in pipeline order.
func (g *Graph) Stages() []core.Stage {
	stages := make([]core.Stage, len(g.order))
	copy(stages, g.order)
	return stages
}

// Contains reports whether the graph defines the given stage.
func (g *Graph) Contains(stage core.Stage) bool {
	_, ok := g.ordinals[stage]
	return ok
}

// Ordinal returns the position of the stage in the pipeline, starting at 0.
func (g *Graph) Ordinal(stage core.Stage) (int, bool) {
	pos, ok := g.ordinals[stage]
	return pos, ok
}

// First returns the entry stage of the pipeline.
func (g *Graph) First() core.Stage {
	return g.order[0]
}

// NextStage returns the stage following the given one. The second return
// value is false when the pipeline is complete.
func (g *Graph) NextStage(current core.Stage) (core.Stage, bool) {
	pos, ok := g.ordinals[current]
	if !ok || pos+1 >= len(g.order) {
		return "", false
	}

	return g.order[pos+1], true
}

// InputContract returns the upstream stages whose approved artifacts form
// the generation input for the given stage.
func (g *Graph) InputContract(stage core.Stage) []core.Stage {
	def, ok := g.defs[stage]
	if !ok {
		return nil
	}

	upstream := make([]core.Stage, len(def.Upstream))
	copy(upstream, def.Upstream)
	return upstream
}

// Skippable reports whether the stage may be skipped.
func (g *Graph) Skippable(stage core.Stage) bool {
	return g.defs[stage].Skippable
}

// Trim returns the graph without the given stages. Only stages marked
// Skippable may be removed; upstream references to a removed stage fall
// through to that stage's own upstreams.
func (g *Graph) Trim(skip ...core.Stage) (*Graph, error) {
	drop := make(map[core.Stage]bool, len(skip))
	for _, stage := range skip {
		def, ok := g.defs[stage]
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", stage)
		}

		if !def.Skippable {
			return nil, fmt.Errorf("stage %q is not skippable", stage)
		}

		drop[stage] = true
	}

	var resolve func(stage core.Stage) []core.Stage
	resolve = func(stage core.Stage) []core.Stage {
		if !drop[stage] {
			return []core.Stage{stage}
		}

		var upstream []core.Stage
		for _, up := range g.defs[stage].Upstream {
			upstream = append(upstream, resolve(up)...)
		}

		return upstream
	}

	defs := make([]StageDef, 0, len(g.order)-len(skip))
	for _, stage := range g.order {
		if drop[stage] {
			continue
		}

		def := g.defs[stage]

		seen := make(map[core.Stage]bool)
		upstream := make([]core.Stage, 0, len(def.Upstream))
		for _, up := range def.Upstream {
			for _, resolved := range resolve(up) {
				if !seen[resolved] {
					seen[resolved] = true
					upstream = append(upstream, resolved)
				}
			}
		}

		defs = append(defs, StageDef{Stage: stage, Upstream: upstream, Skippable: def.Skippable})
	}

	return New(defs)
}
