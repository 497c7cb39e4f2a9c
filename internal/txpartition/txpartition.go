// Package txpartition supplies the TransactionMapper strategies the graph
// and materializer use to collapse function runs into transaction keys
// (C5). A TransactionMapper is deliberately a two-method interface — see
// internal/graph.TransactionMapper — passed by reference into validation
// and materialisation rather than resolved through a registry.
package txpartition

import (
	"github.com/tabsdata/scheduler/internal/graph"
	"github.com/tabsdata/scheduler/internal/model"
)

// PerFunctionName assigns one transaction per distinct function name: every
// run of the same function, across an execution, commits atomically with
// its peers but independently of other functions.
type PerFunctionName struct{}

func (PerFunctionName) Key(n graph.Node) string { return n.FunctionName }

func (PerFunctionName) TransactionBy() model.TransactionByKind {
	return model.TransactionByFunctionName
}

// Single collapses every reachable function into one transaction: the
// whole execution commits or none of it does.
type Single struct{}

func (Single) Key(graph.Node) string { return "single" }

func (Single) TransactionBy() model.TransactionByKind {
	return model.TransactionBySingle
}

// Partition assigns a TransactionKey to every reachable function node in g,
// validates that the resulting transaction-collapsed graph is acyclic, and
// returns the key assignment.
func Partition(g *graph.Graph, mapper graph.TransactionMapper) (map[graph.NodeID]string, error) {
	if err := g.ValidateTransactionDAG(mapper); err != nil {
		return nil, err
	}
	keys := make(map[graph.NodeID]string)
	for i, n := range g.Nodes {
		if n.Kind == graph.NodeFunction {
			keys[graph.NodeID(i)] = mapper.Key(n)
		}
	}
	return keys, nil
}
