package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabsdata/scheduler/internal/graph"
	"github.com/tabsdata/scheduler/internal/materializer"
	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/planner"
	"github.com/tabsdata/scheduler/internal/queue"
	"github.com/tabsdata/scheduler/internal/scheduler"
	"github.com/tabsdata/scheduler/internal/store/sqlite"
)

func seedCollectionAndFunction(t *testing.T, db *sqlite.DB) (functionID, functionVersionID string) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Conn().ExecContext(ctx, `INSERT INTO collections (id, name, created_by, created_on) VALUES ('c0','coll','tester', '2026-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.Conn().ExecContext(ctx, `
		INSERT INTO function_versions (function_version_id, function_id, collection_id, name, description, bundle_id, snippet, decorator, status, data_location, defined_on, defined_by)
		VALUES ('fv-f0','f0','c0','f0','','bundle-1','', 'transformer', 'Active', '', '2026-01-01T00:00:00Z', 'tester')`)
	require.NoError(t, err)
	return "f0", "fv-f0"
}

func TestDispatchEnqueuesRunnableRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqlite.Open(ctx, dir+"/test.db")
	require.NoError(t, err)
	defer db.Close()
	repo := sqlite.NewRepository(db)

	seedCollectionAndFunction(t, db)

	g := &graph.Graph{Nodes: []graph.Node{
		{Kind: graph.NodeFunction, FunctionVersionID: "fv-f0", FunctionName: "f0"},
	}}
	g.TriggerIndex = 0
	plan := &planner.Plan{ManualTrigger: 0, AllFunctions: []graph.NodeID{0}, RefCounts: map[string]int{}}
	names := map[graph.NodeID]materializer.FunctionInfo{0: {FunctionVersionID: "fv-f0"}}
	keys := map[graph.NodeID]string{0: "single"}

	_, err = materializer.Materialize(ctx, repo, g, plan, names, keys, time.Now())
	require.NoError(t, err)

	mq := queue.NewMemory()
	d := scheduler.New(repo, mq, func(id string) string { return fmt.Sprintf("http://127.0.0.1:9090/callback/%s", id) }, nil)

	n, err := d.Dispatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	locked, err := mq.LockedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 1)

	unlocked, rolledBack, err := d.UnlockWorkerMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, unlocked)
	require.Equal(t, 0, rolledBack)
}
