// Package scheduler implements the dispatch cycle (C7): select runnable
// function runs, build worker payloads, lock them onto the message queue,
// and later reconcile that lock against the run's actual status so one bad
// message never stalls the rest of the dispatcher.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/tabsdata/scheduler/internal/idgen"
	"github.com/tabsdata/scheduler/internal/model"
	"github.com/tabsdata/scheduler/internal/queue"
	"github.com/tabsdata/scheduler/internal/store/sqlite"
	"github.com/tabsdata/scheduler/internal/telemetry"
)

// DispatchInfo is the driver's dispatch-info row shape, reused directly
// rather than duplicated behind an interface-local type.
type DispatchInfo = sqlite.DispatchInfo

// Store is the subset of sqlite.Repository the dispatcher needs.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	RunnableFunctionRuns(ctx context.Context) ([]model.FunctionRun, error)
	FunctionRun(ctx context.Context, functionRunID string) (model.FunctionRun, error)
	DispatchInfo(ctx context.Context, functionRunID string) (DispatchInfo, error)
	InsertWorkerMessage(ctx context.Context, tx *sql.Tx, wm model.WorkerMessage) error
	LockedWorkerMessages(ctx context.Context) ([]model.WorkerMessage, error)
	UpdateWorkerMessageStatus(ctx context.Context, tx *sql.Tx, workerMessageID string, status model.WorkerMessageStatus) error
	UpdateFunctionRunStatus(ctx context.Context, tx *sql.Tx, functionRunID string, status model.FunctionRunStatus, now time.Time) error
}

// LocationResolver turns an opaque table-data-version id into a storage
// location (URI and env prefix) the worker fleet can read or write. The
// default resolver, DefaultLocationResolver, just tags the id with a
// tabsdata:// scheme; a production deployment supplies one backed by its
// object store.
type LocationResolver func(tableDataVersionID string) queue.Location

// DefaultLocationResolver produces an opaque but stable URI per
// table-data-version id, environment-prefixed by collectionID.
func DefaultLocationResolver(collectionID string) LocationResolver {
	return func(tableDataVersionID string) queue.Location {
		return queue.Location{
			URI:       fmt.Sprintf("tabsdata://tdv/%s", tableDataVersionID),
			EnvPrefix: collectionID,
		}
	}
}

// Dispatcher runs the dispatch cycle against store and mq.
type Dispatcher struct {
	store       Store
	mq          queue.MessageQueue
	callbackURL func(functionRunID string) string
	log         *slog.Logger
}

// New returns a Dispatcher. callbackURL builds the loopback callback
// endpoint for a given function run id (spec §9: must stay on the server's
// own loopback interface, never worker-supplied).
func New(store Store, mq queue.MessageQueue, callbackURL func(functionRunID string) string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: store, mq: mq, callbackURL: callbackURL, log: log}
}

// Dispatch runs one pass: select runnable runs, build and enqueue their
// payloads, and write each WorkerMessage row, one run per transaction so a
// failure on one run's payload never blocks the others.
func (d *Dispatcher) Dispatch(ctx context.Context) (dispatched int, err error) {
	runs, err := d.store.RunnableFunctionRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: runnable function runs: %w", err)
	}

	for _, run := range runs {
		if dispatchErr := d.dispatchOne(ctx, run); dispatchErr != nil {
			d.log.Error("dispatch failed for run", "function_run_id", run.FunctionRunID, "error", dispatchErr)
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		telemetry.SchedulerMetrics.Dispatched.Add(ctx, int64(dispatched))
	}
	return dispatched, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, run model.FunctionRun) error {
	info, err := d.store.DispatchInfo(ctx, run.FunctionRunID)
	if err != nil {
		return fmt.Errorf("dispatch info: %w", err)
	}

	payload := buildPayload(run, info, d.callbackURL(run.FunctionRunID))
	messageID := idgen.New()

	return d.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := d.store.InsertWorkerMessage(ctx, tx, model.WorkerMessage{
			WorkerMessageID: messageID,
			FunctionRunID:   run.FunctionRunID,
			Status:          model.WorkerMessageLocked,
			EnqueuedOn:      time.Now(),
		}); err != nil {
			return fmt.Errorf("insert worker message: %w", err)
		}
		if err := d.mq.Put(ctx, messageID, payload); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		return d.store.UpdateFunctionRunStatus(ctx, tx, run.FunctionRunID, model.StatusRunRequested, time.Now())
	})
}

// buildPayload assembles the V2 worker payload for run from info, splitting
// requirements into system_input (negative dep_pos) and input (non-negative),
// both ordered by (dep_pos, version_pos); outputs ordered by output_pos.
func buildPayload(run model.FunctionRun, info DispatchInfo, callbackURL string) queue.FunctionInput {
	p := queue.FunctionInput{
		Version: queue.FunctionInputV2,
		Info: queue.FunctionInfo{
			CollectionID:  info.CollectionID,
			FunctionID:    info.FunctionID,
			FunctionRunID: run.FunctionRunID,
			TransactionID: info.TransactionID,
			ExecutionID:   info.ExecutionID,
			Bundle:        queue.Location{URI: info.BundleID, EnvPrefix: info.CollectionID},
			TriggeredOnMS: time.Now().UnixMilli(),
		},
		CallbackURL: callbackURL,
	}

	resolve := DefaultLocationResolver(info.CollectionID)
	for _, r := range info.Requirements {
		in := queue.InputTable{DepPos: r.DepPos, VersionPos: r.VersionPos, Location: resolve(r.SourceTableDataVersion)}
		if r.DepPos < 0 {
			p.SystemInput = append(p.SystemInput, in)
		} else {
			p.Input = append(p.Input, in)
		}
	}
	for _, o := range info.Outputs {
		out := queue.OutputTable{OutputPos: o.OutputPos, Location: resolve(o.TableDataVersionID)}
		if o.OutputPos < 0 {
			p.SystemOutput = append(p.SystemOutput, out)
		} else {
			p.Output = append(p.Output, out)
		}
	}
	return p
}

// UnlockWorkerMessages runs spec §4.6 step 5: for every still-Locked
// message, re-check the function run and either flip the message to
// Unlocked (run reached RunRequested) or roll it back and reset the run to
// Scheduled. Any per-message error is logged and the message rolled back —
// one bad message never stalls the pass.
func (d *Dispatcher) UnlockWorkerMessages(ctx context.Context) (unlocked, rolledBack int, err error) {
	messages, err := d.store.LockedWorkerMessages(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("scheduler: locked worker messages: %w", err)
	}

	for _, msg := range messages {
		ok, rbErr := d.unlockOne(ctx, msg)
		if rbErr != nil {
			d.log.Error("unlock pass failed for message", "worker_message_id", msg.WorkerMessageID, "error", rbErr)
			continue
		}
		if ok {
			unlocked++
		} else {
			rolledBack++
		}
	}
	if unlocked > 0 {
		telemetry.SchedulerMetrics.Unlocked.Add(ctx, int64(unlocked))
	}
	if rolledBack > 0 {
		telemetry.SchedulerMetrics.RolledBack.Add(ctx, int64(rolledBack))
	}
	return unlocked, rolledBack, nil
}

func (d *Dispatcher) unlockOne(ctx context.Context, msg model.WorkerMessage) (unlocked bool, err error) {
	run, err := d.store.FunctionRun(ctx, msg.FunctionRunID)
	if err != nil {
		if rbErr := d.mq.Rollback(ctx, msg.WorkerMessageID); rbErr != nil {
			return false, rbErr
		}
		return false, err
	}

	if run.Status == model.StatusRunRequested {
		if err := d.mq.Commit(ctx, msg.WorkerMessageID); err != nil {
			return false, fmt.Errorf("commit on queue: %w", err)
		}
		err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
			return d.store.UpdateWorkerMessageStatus(ctx, tx, msg.WorkerMessageID, model.WorkerMessageUnlocked)
		})
		return err == nil, err
	}

	if err := d.mq.Rollback(ctx, msg.WorkerMessageID); err != nil {
		return false, fmt.Errorf("rollback on queue: %w", err)
	}
	err = d.store.WithTx(ctx, func(tx *sql.Tx) error {
		return d.store.UpdateFunctionRunStatus(ctx, tx, msg.FunctionRunID, model.StatusScheduled, time.Now())
	})
	return false, err
}
