package graph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tabsdata/scheduler/internal/graph"
	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/version"
)

// fakeCatalog is an in-memory graph.Catalog fixture for tests.
type fakeCatalog struct {
	functions map[string]model.FunctionVersion
	outputs   map[string][]model.TableVersion       // functionVersionID -> outputs
	deps      map[string][]model.DependencyVersion  // functionVersionID -> deps
	triggers  map[string][]model.TriggerVersion     // functionVersionID -> explicit triggers
	producer  map[string]string                     // tableID -> functionVersionID
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		functions: map[string]model.FunctionVersion{},
		outputs:   map[string][]model.TableVersion{},
		deps:      map[string][]model.DependencyVersion{},
		triggers:  map[string][]model.TriggerVersion{},
		producer:  map[string]string{},
	}
}

func (f *fakeCatalog) addExplicitTrigger(functionVersionID, tableID string) {
	f.triggers[functionVersionID] = append(f.triggers[functionVersionID], model.TriggerVersion{
		TableID: "t-" + tableID, Status: model.EntityActive, FunctionVersionID: functionVersionID,
	})
}

func (f *fakeCatalog) addFunction(name string, outputs []string, dependsOn []string) model.FunctionVersion {
	fv := model.FunctionVersion{FunctionVersionID: "fv-" + name, FunctionID: "f-" + name, Name: name, Status: model.EntityActive}
	f.functions[fv.FunctionVersionID] = fv
	for i, t := range outputs {
		tv := model.TableVersion{TableVersionID: "tv-" + t, TableID: "t-" + t, Name: t, OutputPos: i, Status: model.EntityActive, FunctionVersionID: fv.FunctionVersionID}
		f.outputs[fv.FunctionVersionID] = append(f.outputs[fv.FunctionVersionID], tv)
		f.producer["t-"+t] = fv.FunctionVersionID
	}
	for i, t := range dependsOn {
		f.deps[fv.FunctionVersionID] = append(f.deps[fv.FunctionVersionID], model.DependencyVersion{
			TableID: "t-" + t, DepPos: i, Status: model.EntityActive, Versions: version.SingleOf(version.Head()),
		})
	}
	return fv
}

func (f *fakeCatalog) FunctionVersion(_ context.Context, functionID string) (model.FunctionVersion, error) {
	for _, fv := range f.functions {
		if fv.FunctionID == functionID || fv.FunctionVersionID == functionID {
			return fv, nil
		}
	}
	return model.FunctionVersion{}, errNotFound
}

func (f *fakeCatalog) OutputsOf(_ context.Context, functionVersionID string) ([]model.TableVersion, error) {
	return f.outputs[functionVersionID], nil
}

func (f *fakeCatalog) DependenciesOf(_ context.Context, functionVersionID string) ([]model.DependencyVersion, error) {
	return f.deps[functionVersionID], nil
}

func (f *fakeCatalog) ExplicitTriggersOf(_ context.Context, functionVersionID string) ([]model.TriggerVersion, error) {
	return f.triggers[functionVersionID], nil
}

func (f *fakeCatalog) ProducerOf(_ context.Context, tableID string) (string, bool, error) {
	id, ok := f.producer[tableID]
	return id, ok, nil
}

func (f *fakeCatalog) DownstreamTriggeredFunctions(_ context.Context, tableID string) ([]model.FunctionVersion, error) {
	var out []model.FunctionVersion
	for fvID, deps := range f.deps {
		for _, d := range deps {
			if d.TableID == tableID {
				out = append(out, f.functions[fvID])
			}
		}
	}
	return out, nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound = notFoundError{}

func TestBuildChainGraph(t *testing.T) {
	cat := newFakeCatalog()
	f0 := cat.addFunction("f0", []string{"t0"}, nil)
	cat.addFunction("f1", []string{"t1"}, []string{"t0"})

	g, err := graph.Build(context.Background(), cat, f0.FunctionID)
	require.NoError(t, err)
	require.NoError(t, g.ValidateFunctionDAG())
	require.Len(t, g.Nodes, 4) // f0, t0, f1, t1
}

func TestBuildRejectsCyclicTrigger(t *testing.T) {
	cat := newFakeCatalog()
	f0 := cat.addFunction("f0", []string{"t0"}, []string{"t1"})
	cat.addFunction("f1", []string{"t1"}, []string{"t0"})

	g, err := graph.Build(context.Background(), cat, f0.FunctionID)
	require.NoError(t, err)

	err = g.ValidateFunctionDAG()
	require.Error(t, err)
	var cyclic *graph.CyclicError
	require.ErrorAs(t, err, &cyclic)
}

func TestDependencyOnlyCycleIsLegal(t *testing.T) {
	// f0 depends on t1 (produced by f1), f1 depends on t0 (produced by f0),
	// but both declare an unrelated explicit trigger, suppressing the
	// implicit dependency-as-trigger fallback: dependency-only cycles are
	// legal even though the function-DAG would otherwise look cyclic.
	cat := newFakeCatalog()
	f0 := cat.addFunction("f0", []string{"t0"}, []string{"t1"})
	f1 := cat.addFunction("f1", []string{"t1"}, []string{"t0"})
	cat.addExplicitTrigger(f0.FunctionVersionID, "ext0")
	cat.addExplicitTrigger(f1.FunctionVersionID, "ext1")

	g, err := graph.Build(context.Background(), cat, f0.FunctionID)
	require.NoError(t, err)
	require.NoError(t, g.ValidateFunctionDAG())
}

type nameMapper struct{}

func (nameMapper) Key(n graph.Node) string                        { return n.FunctionName }
func (nameMapper) TransactionBy() model.TransactionByKind { return model.TransactionByFunctionName }

func TestValidateTransactionDAG(t *testing.T) {
	cat := newFakeCatalog()
	f0 := cat.addFunction("f0", []string{"t0"}, nil)
	cat.addFunction("f1", []string{"t1"}, []string{"t0"})

	g, err := graph.Build(context.Background(), cat, f0.FunctionID)
	require.NoError(t, err)
	require.NoError(t, g.ValidateTransactionDAG(nameMapper{}))
}
