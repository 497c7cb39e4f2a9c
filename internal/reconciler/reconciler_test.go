package reconciler_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabsdata/scheduler/internal/graph"
	"github.com/tabsdata/scheduler/internal/materializer"
	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/planner"
	"github.com/tabsdata/scheduler/internal/reconciler"
	"github.com/tabsdata/scheduler/internal/store/sqlite"
)

func openRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(context.Background(), dir+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlite.NewRepository(db)
}

// seedChain materialises f0 -> t0 -> f1 (dependency), triggered at f0, two
// transactions (one per function name), mirroring spec scenario 2/3.
func seedChain(t *testing.T, repo *sqlite.Repository) (execID string, f0Run, f1Run string) {
	t.Helper()
	ctx := context.Background()

	g := &graph.Graph{Nodes: []graph.Node{
		{Kind: graph.NodeFunction, FunctionVersionID: "fv-f0", FunctionName: "f0"},
		{Kind: graph.NodeTable, TableID: "t0", TableName: "t0"},
		{Kind: graph.NodeFunction, FunctionVersionID: "fv-f1", FunctionName: "f1"},
	}}
	g.TriggerIndex = 0

	plan := &planner.Plan{
		ManualTrigger: 0,
		AllFunctions:  []graph.NodeID{0, 2},
		RefCounts:     map[string]int{},
	}
	names := map[graph.NodeID]materializer.FunctionInfo{
		0: {FunctionVersionID: "fv-f0", Outputs: []materializer.OutputTable{{TableVersionID: "tv-t0", OutputPos: 0}}},
		2: {FunctionVersionID: "fv-f1"},
	}
	keys := map[graph.NodeID]string{0: "f0", 2: "f1"}

	res, err := materializer.Materialize(ctx, repo, g, plan, names, keys, time.Now())
	require.NoError(t, err)

	f0Run, f1Run = res.FunctionRunIDs[0], res.FunctionRunIDs[2]

	// f0 has been dispatched, as the scheduler leaves it before any worker
	// callback arrives; f1 stays Scheduled behind its requirement.
	markRunRequested(t, repo, f0Run)

	// The plan carries no cross-function dependency edge here (the fixture
	// only needs the downstream-propagation wiring, not version resolution),
	// so wire f1's requirement directly onto f0's own produced table-data
	// version, the way the materializer would if planner.Build had resolved
	// it against this same in-flight run.
	sourceIDs, err := repo.TableDataVersionsForRun(ctx, f0Run)
	require.NoError(t, err)
	require.Len(t, sourceIDs, 1)

	require.NoError(t, repo.DB().WithTx(ctx, func(tx *sql.Tx) error {
		return repo.InsertFunctionRequirement(ctx, tx, model.FunctionRequirement{
			FunctionRequirementID: "freq-f1-on-f0", FunctionRunID: f1Run,
			SourceTableDataVersion: sourceIDs[0], TableID: "t0", DepPos: 0, VersionPos: 0,
			Status: model.StatusScheduled,
		})
	}))

	return res.ExecutionID, f0Run, f1Run
}

// seedSiblingPair materialises two functions (f0, f1, no dependency between
// them) into the *same* transaction, mirroring spec scenario 1's "two
// FunctionRuns, one transaction" shape.
func seedSiblingPair(t *testing.T, repo *sqlite.Repository) (f0Run, f1Run string) {
	t.Helper()
	ctx := context.Background()

	g := &graph.Graph{Nodes: []graph.Node{
		{Kind: graph.NodeFunction, FunctionVersionID: "fv-f0", FunctionName: "f0"},
		{Kind: graph.NodeFunction, FunctionVersionID: "fv-f1", FunctionName: "f1"},
	}}
	g.TriggerIndex = 0

	plan := &planner.Plan{
		ManualTrigger: 0,
		AllFunctions:  []graph.NodeID{0, 1},
		RefCounts:     map[string]int{},
	}
	names := map[graph.NodeID]materializer.FunctionInfo{
		0: {FunctionVersionID: "fv-f0"},
		1: {FunctionVersionID: "fv-f1"},
	}
	keys := map[graph.NodeID]string{0: "tx", 1: "tx"}

	res, err := materializer.Materialize(ctx, repo, g, plan, names, keys, time.Now())
	require.NoError(t, err)
	markRunRequested(t, repo, res.FunctionRunIDs[0], res.FunctionRunIDs[1])
	return res.FunctionRunIDs[0], res.FunctionRunIDs[1]
}

// markRunRequested moves runs to RunRequested, the status the dispatcher
// leaves a run in once its payload is queued; worker callbacks start there.
func markRunRequested(t *testing.T, repo *sqlite.Repository, runIDs ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range runIDs {
			if err := repo.UpdateFunctionRunStatus(ctx, tx, id, model.StatusRunRequested, time.Now()); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestApplyCallbackCommitsTransactionOnlyOnceEverySiblingIsDone(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	f0Run, f1Run := seedSiblingPair(t, repo)

	rec := reconciler.New(repo)

	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventRunning}))
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventDone}))

	// f1 is still Scheduled, so the transaction must not commit yet.
	f0, err := repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusDone, f0.Status)

	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f1Run, Event: model.EventRunning}))
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f1Run, Event: model.EventDone}))

	// Both runs Done: the second callback must commit them atomically.
	f0, err = repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	f1, err := repo.FunctionRun(ctx, f1Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusCommitted, f0.Status)
	require.Equal(t, model.StatusCommitted, f1.Status)
}

func TestApplyCallbackRunningThenDoneCommitsAndPropagates(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	_, f0Run, f1Run := seedChain(t, repo)

	rec := reconciler.New(repo)

	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventRunning}))
	fr, err := repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, fr.Status)

	// f0 is the only run in its transaction, so its Done callback commits it.
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventDone}))
	fr, err = repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusCommitted, fr.Status)

	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventCommitted}))
	fr, err = repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusCommitted, fr.Status)

	// downstream requirement for f1 should now be Committed, making f1 runnable.
	runnable, err := repo.RunnableFunctionRuns(ctx)
	require.NoError(t, err)
	var found bool
	for _, r := range runnable {
		if r.FunctionRunID == f1Run {
			found = true
		}
	}
	require.True(t, found, "f1 run should be runnable after f0 commits")
}

func TestApplyCallbackFailurePropagatesAcrossTransaction(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	_, f0Run, f1Run := seedChain(t, repo)

	rec := reconciler.New(repo)
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventRunning}))
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventFailed}))

	fr, err := repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, fr.Status)

	// f1 is in a different transaction than f0, so it moves to OnHold.
	f1, err := repo.FunctionRun(ctx, f1Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusOnHold, f1.Status)
}

func TestReplayedCallbackIsNoOp(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	_, f0Run, _ := seedChain(t, repo)

	rec := reconciler.New(repo)
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventRunning}))
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventDone}))
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventCommitted}))

	// replaying Done after Committed must be a no-op, not an error.
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventDone}))
	fr, err := repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusCommitted, fr.Status)
}

func TestRecoverFlipsFailedAndOnHoldToReScheduled(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	_, f0Run, f1Run := seedChain(t, repo)

	rec := reconciler.New(repo)
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventRunning}))
	require.NoError(t, rec.ApplyCallback(ctx, reconciler.Callback{FunctionRunID: f0Run, Event: model.EventFailed}))

	f0, err := repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	f1, err := repo.FunctionRun(ctx, f1Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusOnHold, f1.Status)

	require.NoError(t, rec.Recover(ctx, []model.FunctionRun{f0, f1}))

	f0, err = repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	f1, err = repo.FunctionRun(ctx, f1Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusReScheduled, f0.Status)
	require.Equal(t, model.StatusReScheduled, f1.Status)
}

func TestCancelExecutionCancelsAllNonTerminalRuns(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	execID, f0Run, f1Run := seedChain(t, repo)
	_ = execID

	rec := reconciler.New(repo)
	f0, err := repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	f1, err := repo.FunctionRun(ctx, f1Run)
	require.NoError(t, err)

	require.NoError(t, rec.Cancel(ctx, []model.FunctionRun{f0, f1}))

	f0, err = repo.FunctionRun(ctx, f0Run)
	require.NoError(t, err)
	f1, err = repo.FunctionRun(ctx, f1Run)
	require.NoError(t, err)
	require.Equal(t, model.StatusCanceled, f0.Status)
	require.Equal(t, model.StatusCanceled, f1.Status)
}
