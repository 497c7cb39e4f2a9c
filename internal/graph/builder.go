package graph

import (
	"context"
	"fmt"

	"github.com/tabsdata/scheduler/internal/model"
)

// Catalog is the read-only view over persisted function/table/dependency/
// trigger versions that the builder needs. It is restricted to entities
// "currently active" at the trigger time; implementations are expected to
// apply that filter themselves (typically backed by C9's
// select_versions_at queries).
type Catalog interface {
	// FunctionVersion returns the current, active version of functionID. The
	// builder also passes the function version id reported by ProducerOf, so
	// an active function version id is accepted and returns that version.
	FunctionVersion(ctx context.Context, functionID string) (model.FunctionVersion, error)
	// OutputsOf returns the table versions produced by functionVersionID.
	OutputsOf(ctx context.Context, functionVersionID string) ([]model.TableVersion, error)
	// DependenciesOf returns the declared input edges of functionVersionID.
	DependenciesOf(ctx context.Context, functionVersionID string) ([]model.DependencyVersion, error)
	// ExplicitTriggersOf returns the declared trigger edges of functionVersionID.
	ExplicitTriggersOf(ctx context.Context, functionVersionID string) ([]model.TriggerVersion, error)
	// ProducerOf returns the function version that currently produces tableID,
	// and false if no active function version produces it.
	ProducerOf(ctx context.Context, tableID string) (string, bool, error)
	// DownstreamTriggeredFunctions returns the function versions whose
	// trigger set (explicit, or implicit when none is declared) includes
	// tableID.
	DownstreamTriggeredFunctions(ctx context.Context, tableID string) ([]model.FunctionVersion, error)
}

// Build constructs the dataflow graph reachable from triggerFunctionID.
//
// Algorithm (mirrors the original GraphBuilder): start from the triggering
// function, add its output-table edges; for every table produced, add a
// trigger edge back to every function whose (explicit, or implicit when no
// explicit triggers are declared) trigger set includes that table, and walk
// into those functions recursively; for every function visited, add its
// dependency edges (which may or may not also be trigger edges) and also walk
// into the producer of each dependency table. Each function is walked once,
// so dependency-only cycles terminate, and they are legal.
func Build(ctx context.Context, cat Catalog, triggerFunctionID string) (*Graph, error) {
	fv, err := cat.FunctionVersion(ctx, triggerFunctionID)
	if err != nil {
		return nil, fmt.Errorf("graph: resolve trigger function: %w", err)
	}

	g := newGraph()
	b := &builder{ctx: ctx, cat: cat, g: g, visitedFn: make(map[string]bool)}

	triggerNode := b.functionNode(fv)
	g.TriggerIndex = triggerNode

	if err := b.walkFunction(fv, triggerNode); err != nil {
		return nil, err
	}
	return g, nil
}

type builder struct {
	ctx       context.Context
	cat       Catalog
	g         *Graph
	visitedFn map[string]bool
}

func (b *builder) functionNode(fv model.FunctionVersion) NodeID {
	return b.g.addIfAbsent(functionKey(fv.FunctionVersionID), func() Node {
		return Node{Kind: NodeFunction, Key: functionKey(fv.FunctionVersionID), FunctionVersionID: fv.FunctionVersionID, FunctionName: fv.Name}
	})
}

func (b *builder) tableNode(tv model.TableVersion) NodeID {
	return b.g.addIfAbsent(tableKey(tv.TableID), func() Node {
		return Node{Kind: NodeTable, Key: tableKey(tv.TableID), TableID: tv.TableID, TableName: tv.Name}
	})
}

// walkFunction adds fv's output, trigger and dependency edges and recurses
// into every function that fv's outputs (implicitly or explicitly) trigger.
func (b *builder) walkFunction(fv model.FunctionVersion, fnNode NodeID) error {
	if b.visitedFn[fv.FunctionVersionID] {
		return nil
	}
	b.visitedFn[fv.FunctionVersionID] = true

	outputs, err := b.cat.OutputsOf(b.ctx, fv.FunctionVersionID)
	if err != nil {
		return fmt.Errorf("graph: outputs of %s: %w", fv.FunctionVersionID, err)
	}
	producedTables := make(map[string]bool, len(outputs))
	for _, tv := range outputs {
		if tv.Status != model.EntityActive {
			continue
		}
		tblNode := b.tableNode(tv)
		producedTables[tv.TableID] = true
		b.g.addEdge(Edge{From: fnNode, To: tblNode, Kind: EdgeOutput, OutputPos: tv.OutputPos})
	}

	deps, err := b.cat.DependenciesOf(b.ctx, fv.FunctionVersionID)
	if err != nil {
		return fmt.Errorf("graph: dependencies of %s: %w", fv.FunctionVersionID, err)
	}
	for _, dep := range deps {
		if dep.Status != model.EntityActive {
			continue
		}
		producerID, ok, err := b.cat.ProducerOf(b.ctx, dep.TableID)
		if err != nil {
			return fmt.Errorf("graph: producer of %s: %w", dep.TableID, err)
		}
		if !ok {
			return fmt.Errorf("%w: table %s", ErrDependencyTableDoesNotExist, dep.TableID)
		}
		tblNode := b.g.addIfAbsent(tableKey(dep.TableID), func() Node {
			return Node{Kind: NodeTable, Key: tableKey(dep.TableID), TableID: dep.TableID}
		})
		b.g.addEdge(Edge{From: tblNode, To: fnNode, Kind: EdgeDependency, DepPos: dep.DepPos, SelfDependency: dep.SelfDependency, Versions: dep.Versions})

		// Walk to the table's producer so the dependency-only edges
		// participate in the dependency graph even when the producer
		// isn't triggered through this path.
		if producerID != fv.FunctionVersionID {
			producerFV, err := b.cat.FunctionVersion(b.ctx, producerID)
			if err != nil {
				return fmt.Errorf("graph: resolve producer %s: %w", producerID, err)
			}
			producerNode := b.functionNode(producerFV)
			if err := b.walkFunction(producerFV, producerNode); err != nil {
				return err
			}
		}
	}

	explicitTriggers, err := b.cat.ExplicitTriggersOf(b.ctx, fv.FunctionVersionID)
	if err != nil {
		return fmt.Errorf("graph: triggers of %s: %w", fv.FunctionVersionID, err)
	}

	triggerTableIDs := make(map[string]bool, len(explicitTriggers))
	if len(explicitTriggers) > 0 {
		for _, tr := range explicitTriggers {
			if tr.Status != model.EntityActive {
				continue
			}
			if producedTables[tr.TableID] {
				return fmt.Errorf("%w: function %s triggers on its own output table %s", ErrSelfTrigger, fv.Name, tr.TableID)
			}
			triggerTableIDs[tr.TableID] = true
		}
	} else {
		// Implicit triggers: every non-self-produced dependency is a trigger.
		for _, dep := range deps {
			if dep.Status != model.EntityActive || dep.SelfDependency || producedTables[dep.TableID] {
				continue
			}
			triggerTableIDs[dep.TableID] = true
		}
	}

	for tableID := range triggerTableIDs {
		tblNode, ok := b.g.index[tableKey(tableID)]
		if !ok {
			// The trigger table hasn't been seen as an output or dependency
			// edge yet in this walk; register it now.
			tblNode = b.g.addIfAbsent(tableKey(tableID), func() Node {
				return Node{Kind: NodeTable, Key: tableKey(tableID), TableID: tableID}
			})
		}
		b.g.addEdge(Edge{From: tblNode, To: fnNode, Kind: EdgeTrigger})
	}

	// Recurse: any function that declares fv's produced tables as a trigger
	// (explicit or implicit) must be discovered by walking the catalog
	// forward from each produced table.
	for tableID := range producedTables {
		downstream, err := b.cat.DownstreamTriggeredFunctions(b.ctx, tableID)
		if err != nil {
			return err
		}
		for _, downFV := range downstream {
			downNode := b.functionNode(downFV)
			if err := b.walkFunction(downFV, downNode); err != nil {
				return err
			}
		}
	}
	return nil
}
