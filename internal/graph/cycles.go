package graph

import (
	"github.com/tabsdata/scheduler/internal/model"
)

// ValidateFunctionDAG contracts the graph by removing table nodes and
// re-wiring producer functions directly to the functions they trigger
// (Output and Trigger edges only — dependency edges are deliberately
// excluded, so dependency-only cycles, which are legal and common, never
// trip this check). The resulting function-only graph must be acyclic.
//
// Grounded on the hand-rolled DFS cycle detector in the teacher's
// storage/dolt dependency graph code: visited/recursion-stack maps plus an
// explicit path slice, rather than a general-purpose graph library (none is
// available in this module's dependency set).
func (g *Graph) ValidateFunctionDAG() error {
	adj := g.contractToFunctionAdjacency()
	cyclePath, ok := detectCycle(adj)
	if !ok {
		return nil
	}
	name := g.Nodes[cyclePath[0]].FunctionName
	return &CyclicError{FunctionName: name}
}

// contractToFunctionAdjacency builds function-node -> function-node edges by
// walking Output edges (function -> table) and Trigger edges (table ->
// function) through each table node.
func (g *Graph) contractToFunctionAdjacency() map[NodeID][]NodeID {
	adj := make(map[NodeID][]NodeID)
	for i, n := range g.Nodes {
		if n.Kind == NodeFunction {
			adj[NodeID(i)] = adj[NodeID(i)] // ensure every function has an entry
		}
	}
	for i, n := range g.Nodes {
		if n.Kind != NodeTable {
			continue
		}
		tableNode := NodeID(i)
		var producers, triggered []NodeID
		for _, e := range g.InEdges(tableNode) {
			if e.Kind == EdgeOutput {
				producers = append(producers, e.From)
			}
		}
		for _, e := range g.OutEdges(tableNode) {
			if e.Kind == EdgeTrigger {
				triggered = append(triggered, e.To)
			}
		}
		for _, p := range producers {
			adj[p] = append(adj[p], triggered...)
		}
	}
	return adj
}

// detectCycle runs DFS with a visited set, a recursion stack and an
// explicit path, returning the cyclic path (from the point it closes) when
// found.
func detectCycle(adj map[NodeID][]NodeID) ([]NodeID, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeID]int, len(adj))
	var path []NodeID
	var cycle []NodeID

	var visit func(n NodeID) bool
	visit = func(n NodeID) bool {
		color[n] = gray
		path = append(path, n)
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				// Found a back edge: extract the cyclic suffix of path.
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle = append([]NodeID{}, path[start:]...)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	// Deterministic iteration order keeps plan/error output stable.
	keys := make([]NodeID, 0, len(adj))
	for k := range adj {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}

	for _, n := range keys {
		if color[n] == white {
			if visit(n) {
				return cycle, true
			}
		}
	}
	return nil, false
}

// TransactionMapper maps a function node to a TransactionKey and reports a
// tag used in CyclicTransaction error messages. Deliberately two methods,
// no more — passed by reference into validation and materialisation.
type TransactionMapper interface {
	Key(fn Node) string
	TransactionBy() model.TransactionByKind
}

// ValidateTransactionDAG collapses function nodes sharing a transaction key
// (as reported by mapper) and checks the collapsed graph for cycles.
func (g *Graph) ValidateTransactionDAG(mapper TransactionMapper) error {
	functionAdj := g.contractToFunctionAdjacency()
	keyOf := make(map[NodeID]string, len(functionAdj))
	for n := range functionAdj {
		keyOf[n] = mapper.Key(g.Nodes[n])
	}

	keyAdj := make(map[string]map[string]bool)
	for n, neighbors := range functionAdj {
		from := keyOf[n]
		if keyAdj[from] == nil {
			keyAdj[from] = make(map[string]bool)
		}
		for _, m := range neighbors {
			to := keyOf[m]
			if to != from {
				keyAdj[from][to] = true
			}
		}
	}

	adj := make(map[string][]string, len(keyAdj))
	for k, set := range keyAdj {
		for to := range set {
			adj[k] = append(adj[k], to)
		}
	}
	for k := range keyAdj {
		if _, ok := adj[k]; !ok {
			adj[k] = nil
		}
	}

	cyclePath, ok := detectStringCycle(adj)
	if !ok {
		return nil
	}
	return &CyclicTransactionError{MapperTag: mapper.TransactionBy(), Key: cyclePath[0]}
}

func detectStringCycle(adj map[string][]string) ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(adj))
	var path []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		path = append(path, n)
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				start := 0
				for i, p := range path {
					if p == next {
						start = i
						break
					}
				}
				cycle = append([]string{}, path[start:]...)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	keys := make([]string, 0, len(adj))
	for k := range adj {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}

	for _, n := range keys {
		if color[n] == white {
			if visit(n) {
				return cycle, true
			}
		}
	}
	return nil, false
}
