// Package reconciler implements the Status Reconciler (C8): the single
// entry point that applies worker callbacks and admin cancel/recover
// actions to a FunctionRun, propagates terminal outcomes to table-data
// versions and downstream requirements, and recomputes the aggregate status
// of the surrounding transaction and execution.
package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/store/sqlite"
)

// Store is the subset of sqlite.Repository the reconciler needs.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	FunctionRun(ctx context.Context, functionRunID string) (model.FunctionRun, error)
	UpdateFunctionRunStatus(ctx context.Context, tx *sql.Tx, functionRunID string, status model.FunctionRunStatus, now time.Time) error
	UpdateTableDataVersionsForRun(ctx context.Context, tx *sql.Tx, functionRunID string, status model.FunctionRunStatus, now time.Time) error
	ApplyFunctionOutput(ctx context.Context, tx *sql.Tx, functionRunID string, outputPos int, hasData bool, rowCount, columnCount int64, schemaHash string) error
	TableDataVersionsForRun(ctx context.Context, functionRunID string) ([]string, error)
	DownstreamRequirements(ctx context.Context, sourceIDs []string) ([]sqlite.DownstreamRequirement, error)
	UpdateFunctionRequirementStatus(ctx context.Context, tx *sql.Tx, functionRequirementID string, status model.FunctionRunStatus) error
	RunsInTransaction(ctx context.Context, transactionID string) ([]model.FunctionRun, error)
	TransactionsInExecution(ctx context.Context, executionID string) ([]model.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, tx *sql.Tx, transactionID string, status model.FunctionRunStatus) error
	UpdateExecutionStatus(ctx context.Context, tx *sql.Tx, executionID string, status model.FunctionRunStatus) error
}

// Reconciler applies callbacks/admin actions against store.
type Reconciler struct{ store Store }

// New returns a Reconciler backed by store.
func New(store Store) *Reconciler { return &Reconciler{store: store} }

// FunctionOutput reports one output table's write outcome, per spec §4.8
// step 2.
type FunctionOutput struct {
	OutputPos   int
	HasData     bool
	RowCount    int64
	ColumnCount int64
	SchemaHash  string
}

// Callback carries a worker's reported status change for one run.
type Callback struct {
	FunctionRunID string
	Event         model.Event
	Outputs       []FunctionOutput // only meaningful alongside EventDone
}

// ApplyCallback runs one worker callback to completion: update the run,
// propagate to its table-data versions and any downstream requirements,
// then recompute aggregate transaction/execution status. An invalid
// transition against the run's current status is a no-op, not an error, so
// duplicate deliveries are always safe to replay.
func (r *Reconciler) ApplyCallback(ctx context.Context, cb Callback) error {
	run, err := r.store.FunctionRun(ctx, cb.FunctionRunID)
	if err != nil {
		return fmt.Errorf("reconciler: load function run: %w", err)
	}

	next, ok := model.Transition(run.Status, cb.Event)
	if !ok {
		return nil
	}

	now := time.Now()
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.store.UpdateFunctionRunStatus(ctx, tx, cb.FunctionRunID, next, now); err != nil {
			return err
		}
		if next == model.StatusDone {
			for _, o := range cb.Outputs {
				if err := r.store.ApplyFunctionOutput(ctx, tx, cb.FunctionRunID, o.OutputPos, o.HasData, o.RowCount, o.ColumnCount, o.SchemaHash); err != nil {
					return err
				}
			}
		}
		return r.store.UpdateTableDataVersionsForRun(ctx, tx, cb.FunctionRunID, next, now)
	})
	if err != nil {
		return fmt.Errorf("reconciler: apply callback transition: %w", err)
	}

	if isTerminalPropagating(next) {
		producedIDs, err := r.store.TableDataVersionsForRun(ctx, cb.FunctionRunID)
		if err != nil {
			return fmt.Errorf("reconciler: table data versions for run: %w", err)
		}
		if err := r.propagateDownstream(ctx, run.TransactionID, producedIDs, next); err != nil {
			return err
		}
	}

	if err := r.recomputeAggregates(ctx, run.TransactionID, run.ExecutionID); err != nil {
		return err
	}

	if next == model.StatusDone {
		return r.commitTransactionIfComplete(ctx, run.TransactionID, run.ExecutionID)
	}
	return nil
}

// commitTransactionIfComplete checks whether every run in transactionID has
// now reached Done and, if so, atomically commits them all together — spec
// "within one transaction, all FunctionRuns commit or none do." A run still
// short of Done (or one that failed/was canceled) holds the whole
// transaction open; its eventual Failed/Canceled callback resolves things
// through propagateDownstream instead. Already-Committed runs are left
// alone, so a replayed Done callback after the transaction has committed is
// a safe no-op here.
func (r *Reconciler) commitTransactionIfComplete(ctx context.Context, transactionID, executionID string) error {
	runs, err := r.store.RunsInTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("reconciler: runs in transaction for commit check: %w", err)
	}
	for _, run := range runs {
		if run.Status != model.StatusDone {
			return nil
		}
	}

	now := time.Now()
	if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, run := range runs {
			if err := r.store.UpdateFunctionRunStatus(ctx, tx, run.FunctionRunID, model.StatusCommitted, now); err != nil {
				return err
			}
			if err := r.store.UpdateTableDataVersionsForRun(ctx, tx, run.FunctionRunID, model.StatusCommitted, now); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("reconciler: commit transaction %s: %w", transactionID, err)
	}

	var producedIDs []string
	for _, run := range runs {
		ids, err := r.store.TableDataVersionsForRun(ctx, run.FunctionRunID)
		if err != nil {
			return fmt.Errorf("reconciler: table data versions for committed run: %w", err)
		}
		producedIDs = append(producedIDs, ids...)
	}
	if err := r.propagateDownstream(ctx, transactionID, producedIDs, model.StatusCommitted); err != nil {
		return err
	}
	return r.recomputeAggregates(ctx, transactionID, executionID)
}

// isTerminalPropagating reports whether status resolves requirements
// downstream of it — Committed/Failed/Canceled/Yanked per spec §4.8 step 3.
// Done is not included: a run only resolves its requirements once
// Committed (after the transaction-level aggregate confirms it), matching
// the spec's "source Committed ⇒ requirement becomes Committed" rule.
func isTerminalPropagating(s model.FunctionRunStatus) bool {
	switch s {
	case model.StatusCommitted, model.StatusFailed, model.StatusCanceled, model.StatusYanked:
		return true
	default:
		return false
	}
}

// propagateDownstream resolves every requirement sourced from producedIDs:
// Committed sources mark the requirement Committed; Failed/Canceled/Yanked
// sources cancel downstream runs in the same transaction with the same
// terminal status, and move downstream runs in other transactions to
// OnHold.
func (r *Reconciler) propagateDownstream(ctx context.Context, sourceTransactionID string, producedIDs []string, sourceStatus model.FunctionRunStatus) error {
	if len(producedIDs) == 0 {
		return nil
	}
	reqs, err := r.store.DownstreamRequirements(ctx, producedIDs)
	if err != nil {
		return fmt.Errorf("reconciler: downstream requirements: %w", err)
	}

	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		for _, req := range reqs {
			switch sourceStatus {
			case model.StatusCommitted:
				if err := r.store.UpdateFunctionRequirementStatus(ctx, tx, req.FunctionRequirementID, model.StatusCommitted); err != nil {
					return err
				}
			case model.StatusFailed, model.StatusCanceled, model.StatusYanked:
				target := model.StatusOnHold
				if req.TransactionID == sourceTransactionID {
					target = sourceStatus
				}
				if err := r.store.UpdateFunctionRunStatus(ctx, tx, req.FunctionRunID, target, now); err != nil {
					return err
				}
				if err := r.store.UpdateTableDataVersionsForRun(ctx, tx, req.FunctionRunID, target, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// recomputeAggregates derives the owning transaction's status from its
// runs (spec §4.8 step 4), then the owning execution's status from its
// transactions.
func (r *Reconciler) recomputeAggregates(ctx context.Context, transactionID, executionID string) error {
	runs, err := r.store.RunsInTransaction(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("reconciler: runs in transaction: %w", err)
	}
	txStatus := aggregateTransactionStatus(runs)

	if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		return r.store.UpdateTransactionStatus(ctx, tx, transactionID, txStatus)
	}); err != nil {
		return fmt.Errorf("reconciler: update transaction status: %w", err)
	}

	txs, err := r.store.TransactionsInExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("reconciler: transactions in execution: %w", err)
	}
	execStatus := aggregateExecutionStatus(txs)
	return r.store.WithTx(ctx, func(tx *sql.Tx) error {
		return r.store.UpdateExecutionStatus(ctx, tx, executionID, execStatus)
	})
}

func aggregateTransactionStatus(runs []model.FunctionRun) model.FunctionRunStatus {
	if len(runs) == 0 {
		return model.StatusScheduled
	}
	allCommitted, allCanceled, anyRunning, anyFailed := true, true, false, false
	for _, run := range runs {
		if run.Status != model.StatusCommitted {
			allCommitted = false
		}
		if run.Status != model.StatusCanceled {
			allCanceled = false
		}
		if run.Status == model.StatusRunning || run.Status == model.StatusRunRequested {
			anyRunning = true
		}
		if run.Status == model.StatusFailed {
			anyFailed = true
		}
	}
	switch {
	case allCommitted:
		return model.StatusCommitted
	case allCanceled:
		return model.StatusCanceled
	case anyFailed:
		return model.StatusStalled
	case anyRunning:
		return model.StatusRunning
	default:
		return model.StatusScheduled
	}
}

func aggregateExecutionStatus(txs []model.Transaction) model.FunctionRunStatus {
	if len(txs) == 0 {
		return model.StatusScheduled
	}
	allFinished := true
	for _, t := range txs {
		if t.Status != model.StatusCommitted && t.Status != model.StatusCanceled {
			allFinished = false
			break
		}
	}
	if allFinished {
		return model.StatusFinished
	}
	return model.StatusScheduled
}

// Cancel sets every non-terminal run in scope to Canceled, propagating to
// table-data versions and downstream requirements (spec §4.8 step 5).
// Already-terminal runs retain their outcome.
func (r *Reconciler) Cancel(ctx context.Context, runs []model.FunctionRun) error {
	now := time.Now()
	seenTx := make(map[string]string) // transactionID -> executionID
	for _, run := range runs {
		seenTx[run.TransactionID] = run.ExecutionID
		if run.Status.IsTerminal() {
			continue
		}
		if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
			if err := r.store.UpdateFunctionRunStatus(ctx, tx, run.FunctionRunID, model.StatusCanceled, now); err != nil {
				return err
			}
			return r.store.UpdateTableDataVersionsForRun(ctx, tx, run.FunctionRunID, model.StatusCanceled, now)
		}); err != nil {
			return fmt.Errorf("reconciler: cancel run %s: %w", run.FunctionRunID, err)
		}
		producedIDs, err := r.store.TableDataVersionsForRun(ctx, run.FunctionRunID)
		if err != nil {
			return fmt.Errorf("reconciler: table data versions for cancelled run: %w", err)
		}
		if err := r.propagateDownstream(ctx, run.TransactionID, producedIDs, model.StatusCanceled); err != nil {
			return err
		}
	}
	for txID, execID := range seenTx {
		if err := r.recomputeAggregates(ctx, txID, execID); err != nil {
			return err
		}
	}
	return nil
}

// Recover flips every Failed/OnHold run in runs to ReScheduled (spec §4.8
// step 6); runs in any other status are left untouched. Only the runs passed
// in are changed: downstream OnHold runs that are not in runs are not looked
// up or cascaded to, and table-data versions keep their previous status.
func (r *Reconciler) Recover(ctx context.Context, runs []model.FunctionRun) error {
	now := time.Now()
	seenTx := make(map[string]string) // transactionID -> executionID
	for _, run := range runs {
		if run.Status != model.StatusFailed && run.Status != model.StatusOnHold {
			continue
		}
		if err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
			return r.store.UpdateFunctionRunStatus(ctx, tx, run.FunctionRunID, model.StatusReScheduled, now)
		}); err != nil {
			return fmt.Errorf("reconciler: recover run %s: %w", run.FunctionRunID, err)
		}
		seenTx[run.TransactionID] = run.ExecutionID
	}
	for txID, execID := range seenTx {
		if err := r.recomputeAggregates(ctx, txID, execID); err != nil {
			return err
		}
	}
	return nil
}
