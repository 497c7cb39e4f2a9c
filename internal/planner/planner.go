// Package planner implements the Execution Planner (C4): given a dataflow
// graph and a version finder, it produces an ExecutionPlan naming every
// reachable function, the concrete data versions its dependencies resolve
// to, and the trigger/data requirement edges the materializer (C6) and
// dispatcher (C7) need.
package planner

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/tabsdata/scheduler/internal/graph"
	"github.com/tabsdata/scheduler/internal/version"
	"github.com/tabsdata/scheduler/internal/versionfinder"
)

// Requirement is one resolved data or trigger precondition: TargetFunction
// needs SourceTable at the given (DepPos, resolved version ids).
type Requirement struct {
	TargetFunction graph.NodeID
	SourceTable    graph.NodeID
	DepPos         int
	SelfDependency bool
	Versions       version.Versions
	ResolvedIDs    []string // concrete data-version ids, newest first; empty for an unresolved self-dependency
}

// Plan is the output of a planning pass: the set of datasets (functions),
// concrete versions, the manual trigger, dependency-triggered datasets, and
// data/trigger requirements.
type Plan struct {
	ManualTrigger       graph.NodeID
	AllFunctions        []graph.NodeID   // every function reachable from the manual trigger, deterministic order
	TriggeredFunctions  map[graph.NodeID]bool // functions reached via a trigger edge, not the manual trigger itself
	DataRequirements    []Requirement
	TriggerRequirements []Requirement

	// RefCounts counts, per concrete data-version id, how many data
	// requirements reference it. The materializer does not read it: it
	// writes one requirement row per resolved id regardless of the count.
	RefCounts map[string]int
}

// IsTrigger reports whether fn was reached via a trigger edge (as opposed
// to being the manual trigger itself).
func (p *Plan) IsTrigger(fn graph.NodeID) bool { return p.TriggeredFunctions[fn] }

// Requirements returns the concatenation of data and trigger requirements.
func (p *Plan) Requirements() []Requirement {
	out := make([]Requirement, 0, len(p.DataRequirements)+len(p.TriggerRequirements))
	out = append(out, p.DataRequirements...)
	out = append(out, p.TriggerRequirements...)
	return out
}

// Build constructs a Plan by walking g from its trigger node and resolving
// every dependency/trigger edge's version expression through vf.
//
// Steps 1-3 (seed, walk trigger edges, collect dependency edges) are plain
// graph traversal; step 4 (resolve abstract versions to concrete ids) fans
// out one goroutine per distinct requirement via errgroup, bounded by the
// number of requirements in the plan — planning passes are small (one
// dataflow subgraph), so no additional semaphore is needed beyond
// errgroup's own first-error cancellation.
func Build(ctx context.Context, g *graph.Graph, vf *versionfinder.Finder) (*Plan, error) {
	p := &Plan{
		ManualTrigger:      g.TriggerIndex,
		TriggeredFunctions: make(map[graph.NodeID]bool),
		RefCounts:          make(map[string]int),
	}

	visited := make(map[graph.NodeID]bool)
	order := []graph.NodeID{}
	var walk func(fn graph.NodeID, isTrigger bool)
	walk = func(fn graph.NodeID, isTrigger bool) {
		if isTrigger {
			p.TriggeredFunctions[fn] = true
		}
		if visited[fn] {
			return
		}
		visited[fn] = true
		order = append(order, fn)

		for _, e := range g.OutEdges(fn) {
			if e.Kind != graph.EdgeOutput {
				continue
			}
			table := e.To
			for _, te := range g.OutEdges(table) {
				switch te.Kind {
				case graph.EdgeTrigger:
					p.TriggerRequirements = append(p.TriggerRequirements, Requirement{
						TargetFunction: te.To,
						SourceTable:    table,
					})
					walk(te.To, true)
				case graph.EdgeDependency:
					p.DataRequirements = append(p.DataRequirements, Requirement{
						TargetFunction: te.To,
						SourceTable:    table,
						DepPos:         te.DepPos,
						SelfDependency: te.SelfDependency,
						Versions:       te.Versions,
					})
					walk(te.To, false)
				}
			}
		}
	}
	walk(g.TriggerIndex, false)
	p.AllFunctions = order

	if err := resolveVersions(ctx, g, vf, p.DataRequirements); err != nil {
		return nil, err
	}
	for i := range p.DataRequirements {
		for _, id := range p.DataRequirements[i].ResolvedIDs {
			p.RefCounts[id]++
		}
	}
	return p, nil
}

// resolveVersions resolves every requirement's version expression to
// concrete ids concurrently, one goroutine per requirement.
func resolveVersions(ctx context.Context, g *graph.Graph, vf *versionfinder.Finder, reqs []Requirement) error {
	group, gctx := errgroup.WithContext(ctx)
	for i := range reqs {
		i := i
		group.Go(func() error {
			tableID := g.Nodes[reqs[i].SourceTable].TableID
			ids, err := vf.Resolve(gctx, tableID, reqs[i].Versions)
			if err != nil {
				return fmt.Errorf("planner: resolve requirement for table %s: %w", tableID, err)
			}
			reqs[i].ResolvedIDs = ids
			return nil
		})
	}
	return group.Wait()
}
