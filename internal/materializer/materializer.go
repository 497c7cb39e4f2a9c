// Package materializer implements the Plan Materializer (C6): it persists
// an Execution, one Transaction per partition key, one FunctionRun per
// reachable function, one TableDataVersion per output position, and one
// FunctionRequirement per resolved requirement, all within a single
// database transaction. Failures at any step roll back the entire plan.
package materializer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tabsdata/scheduler/internal/graph"
	"github.com/tabsdata/scheduler/internal/idgen"
	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/planner"
)

// Writer is the subset of the sqlite Repository the materializer needs,
// narrowed to an interface so this package stays independent of the driver.
type Writer interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	InsertExecution(ctx context.Context, tx *sql.Tx, e model.Execution) error
	InsertTransaction(ctx context.Context, tx *sql.Tx, t model.Transaction) error
	InsertFunctionRun(ctx context.Context, tx *sql.Tx, fr model.FunctionRun) error
	InsertTableDataVersion(ctx context.Context, tx *sql.Tx, tdv model.TableDataVersion) error
	InsertFunctionRequirement(ctx context.Context, tx *sql.Tx, req model.FunctionRequirement) error
}

// FunctionInfo gives the materializer enough to build FunctionRun/
// TableDataVersion rows for each reachable node: the function version id
// and the output table-version ids it currently produces.
type FunctionInfo struct {
	FunctionVersionID string
	Outputs           []OutputTable // ordered by output position
}

// OutputTable names one output position's table version.
type OutputTable struct {
	TableVersionID string
	OutputPos      int
}

// Result is the outcome of materializing a plan.
type Result struct {
	ExecutionID    string
	TransactionIDs map[string]string // transaction key -> transaction id
	FunctionRunIDs map[graph.NodeID]string
}

// Materialize writes plan (built over g) as one database transaction. names
// maps each reachable function node to its FunctionInfo; keys maps each
// reachable function node to its transaction key (from txpartition.Partition).
func Materialize(ctx context.Context, w Writer, g *graph.Graph, plan *planner.Plan,
	names map[graph.NodeID]FunctionInfo, keys map[graph.NodeID]string, triggeredOn time.Time) (*Result, error) {

	res := &Result{
		ExecutionID:    idgen.New(),
		TransactionIDs: make(map[string]string),
		FunctionRunIDs: make(map[graph.NodeID]string),
	}

	err := w.WithTx(ctx, func(tx *sql.Tx) error {
		triggerFn := g.Nodes[plan.ManualTrigger]
		if err := w.InsertExecution(ctx, tx, model.Execution{
			ExecutionID:            res.ExecutionID,
			TriggeredFunctionVerID: triggerFn.FunctionVersionID,
			TriggeredOn:            triggeredOn,
			Status:                 model.StatusScheduled,
		}); err != nil {
			return fmt.Errorf("materializer: insert execution: %w", err)
		}

		for _, fn := range plan.AllFunctions {
			key := keys[fn]
			if _, ok := res.TransactionIDs[key]; !ok {
				txID := idgen.New()
				res.TransactionIDs[key] = txID
				if err := w.InsertTransaction(ctx, tx, model.Transaction{
					TransactionID: txID, ExecutionID: res.ExecutionID, Key: key, Status: model.StatusScheduled,
				}); err != nil {
					return fmt.Errorf("materializer: insert transaction %q: %w", key, err)
				}
			}
		}

		// tdvIDs records the table-data version ids minted for this plan's
		// runs, keyed by (function node, output pos). The requirement rows
		// below are written from the planner's resolved historical ids
		// only; they do not point at these in-plan table-data versions.
		tdvIDs := make(map[graph.NodeID]map[int]string)

		for _, fn := range plan.AllFunctions {
			info, ok := names[fn]
			if !ok {
				return fmt.Errorf("materializer: no FunctionInfo for node %d", fn)
			}
			runID := idgen.New()
			res.FunctionRunIDs[fn] = runID
			if err := w.InsertFunctionRun(ctx, tx, model.FunctionRun{
				FunctionRunID: runID, ExecutionID: res.ExecutionID, TransactionID: res.TransactionIDs[keys[fn]],
				FunctionVersionID: info.FunctionVersionID, Status: model.StatusScheduled,
			}); err != nil {
				return fmt.Errorf("materializer: insert function run: %w", err)
			}

			tdvIDs[fn] = make(map[int]string)
			for _, out := range info.Outputs {
				tdvID := idgen.New()
				tdvIDs[fn][out.OutputPos] = tdvID
				if err := w.InsertTableDataVersion(ctx, tx, model.TableDataVersion{
					TableDataVersionID: tdvID, FunctionRunID: runID, TableVersionID: out.TableVersionID,
					OutputPos: out.OutputPos, Status: model.StatusScheduled,
				}); err != nil {
					return fmt.Errorf("materializer: insert table data version: %w", err)
				}
			}
		}

		for _, req := range plan.DataRequirements {
			runID, ok := res.FunctionRunIDs[req.TargetFunction]
			if !ok {
				continue
			}
			// A requirement resolving to no historical version (e.g. a
			// first-run self-dependency) is written Done so it never
			// blocks — spec §4.6 step 5 and scenario 5.
			if len(req.ResolvedIDs) == 0 {
				if err := w.InsertFunctionRequirement(ctx, tx, model.FunctionRequirement{
					FunctionRequirementID: idgen.New(), FunctionRunID: runID,
					TableID: g.Nodes[req.SourceTable].TableID, DepPos: req.DepPos, VersionPos: 0,
					Status: model.StatusDone,
				}); err != nil {
					return fmt.Errorf("materializer: insert unresolved requirement: %w", err)
				}
				continue
			}
			for i, sourceID := range req.ResolvedIDs {
				if err := w.InsertFunctionRequirement(ctx, tx, model.FunctionRequirement{
					FunctionRequirementID: idgen.New(), FunctionRunID: runID, SourceTableDataVersion: sourceID,
					TableID: g.Nodes[req.SourceTable].TableID, DepPos: req.DepPos, VersionPos: i,
					Status: model.StatusScheduled,
				}); err != nil {
					return fmt.Errorf("materializer: insert requirement: %w", err)
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
