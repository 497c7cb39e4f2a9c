package httpapi_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tabsdata/scheduler/internal/graph"
	"github.com/tabsdata/scheduler/internal/httpapi"
	"github.com/tabsdata/scheduler/internal/materializer"
	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/reconciler"
	"github.com/tabsdata/scheduler/internal/store/sqlite"
)

// staticMapper assigns every node to the same transaction partition,
// matching the single-function fixture used below.
type staticMapper struct{}

func (staticMapper) Key(n graph.Node) string                { return "single" }
func (staticMapper) TransactionBy() model.TransactionByKind { return model.TransactionBySingle }

func seedFunction(t *testing.T, db *sqlite.DB) {
	t.Helper()
	ctx := context.Background()
	_, err := db.Conn().ExecContext(ctx, `INSERT INTO collections (id, name, created_by, created_on) VALUES ('c0','coll','tester','2026-01-01T00:00:00Z')`)
	require.NoError(t, err)
	_, err = db.Conn().ExecContext(ctx, `
		INSERT INTO function_versions (function_version_id, function_id, collection_id, name, description, bundle_id, snippet, decorator, status, data_location, defined_on, defined_by)
		VALUES ('fv-f0','f0','c0','f0','','bundle-1','', 'transformer', 'Active', '', '2026-01-01T00:00:00Z', 'tester')`)
	require.NoError(t, err)
}

func newTestServer(t *testing.T) (*httpapi.Server, *sqlite.Repository) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	db, err := sqlite.Open(ctx, dir+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	seedFunction(t, db)

	repo := sqlite.NewRepository(db)
	rec := reconciler.New(repo)
	p := httpapi.Planner{
		Catalog: sqlite.NewCatalog(db),
		History: sqlite.NewHistory(db),
		Repo:    repo,
		Mapper:  staticMapper{},
		FuncInfo: func(ctx context.Context, functionVersionID string) (materializer.FunctionInfo, error) {
			return materializer.FunctionInfo{FunctionVersionID: functionVersionID}, nil
		},
	}
	return httpapi.New("127.0.0.1:0", "", p, rec, nil), repo
}

func TestHandleHealthReportsHealthy(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	srv.ServeHTTPForTest(rec, req)
	require.Equal(t, 200, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
}

func TestHandleTriggerExecutionMaterializesRun(t *testing.T) {
	srv, repo := newTestServer(t)

	body, err := json.Marshal(map[string]string{"function_id": "f0"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/executions", bytes.NewReader(body))
	srv.ServeHTTPForTest(rec, req)
	require.Equal(t, 201, rec.Code)

	var resp struct {
		ExecutionID string `json:"execution_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ExecutionID)

	txs, err := repo.TransactionsInExecution(context.Background(), resp.ExecutionID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestHandleCallbackRejectsNonLoopback(t *testing.T) {
	srv, _ := newTestServer(t)

	body, err := json.Marshal(map[string]string{"function_run_id": "does-not-matter", "status": "Running"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/function_runs/callback", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.5:54321"
	srv.ServeHTTPForTest(rec, req)
	require.Equal(t, 403, rec.Code)
}

func TestHandleCallbackAppliesTransitionFromLoopback(t *testing.T) {
	srv, repo := newTestServer(t)

	body, err := json.Marshal(map[string]string{"function_id": "f0"})
	require.NoError(t, err)
	triggerRec := httptest.NewRecorder()
	triggerReq := httptest.NewRequest("POST", "/v1/executions", bytes.NewReader(body))
	srv.ServeHTTPForTest(triggerRec, triggerReq)
	require.Equal(t, 201, triggerRec.Code)

	var triggerResp struct {
		ExecutionID string `json:"execution_id"`
	}
	require.NoError(t, json.Unmarshal(triggerRec.Body.Bytes(), &triggerResp))

	txs, err := repo.TransactionsInExecution(context.Background(), triggerResp.ExecutionID)
	require.NoError(t, err)
	runs, err := repo.RunsInTransaction(context.Background(), txs[0].TransactionID)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	// Callbacks arrive once the dispatcher has moved the run to RunRequested.
	require.NoError(t, repo.WithTx(context.Background(), func(tx *sql.Tx) error {
		return repo.UpdateFunctionRunStatus(context.Background(), tx, runs[0].FunctionRunID, model.StatusRunRequested, time.Now())
	}))

	cbBody, err := json.Marshal(map[string]string{"function_run_id": runs[0].FunctionRunID, "status": "Running"})
	require.NoError(t, err)
	cbRec := httptest.NewRecorder()
	cbReq := httptest.NewRequest("POST", "/v1/function_runs/callback", bytes.NewReader(cbBody))
	cbReq.RemoteAddr = "127.0.0.1:54321"
	srv.ServeHTTPForTest(cbRec, cbReq)
	require.Equal(t, 204, cbRec.Code)

	updated, err := repo.FunctionRun(context.Background(), runs[0].FunctionRunID)
	require.NoError(t, err)
	require.Equal(t, model.StatusRunning, updated.Status)
}
