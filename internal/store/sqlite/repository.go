package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/tabsdata/scheduler/internal/model"
)

// Repository is the writer/reader surface C6 (materializer), C7
// (dispatcher) and C8 (reconciler) use against the plan tables. Every
// method that mutates the plan tables takes a *sql.Tx so callers control
// the transaction boundary; SetMetadata writes server_metadata directly.
type Repository struct{ db *DB }

// NewRepository returns a Repository backed by db.
func NewRepository(db *DB) *Repository { return &Repository{db: db} }

// DB exposes the underlying handle so callers can open their own WithTx.
func (r *Repository) DB() *DB { return r.db }

// WithTx delegates to the underlying DB, so Repository alone satisfies
// materializer.Writer / scheduler.Store / reconciler.Store.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return r.db.WithTx(ctx, fn)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func nullInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

// InsertExecution writes one Execution row.
func (r *Repository) InsertExecution(ctx context.Context, tx *sql.Tx, e model.Execution) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO executions (execution_id, triggered_function_version_id, name, triggered_on, status)
		VALUES (?, ?, ?, ?, ?)`,
		e.ExecutionID, e.TriggeredFunctionVerID, e.Name, e.TriggeredOn.Format(time.RFC3339Nano), e.Status)
	return wrapDBError("insert execution", err)
}

// InsertTransaction writes one Transaction row.
func (r *Repository) InsertTransaction(ctx context.Context, tx *sql.Tx, t model.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, execution_id, tx_key, status) VALUES (?, ?, ?, ?)`,
		t.TransactionID, t.ExecutionID, t.Key, t.Status)
	return wrapDBError("insert transaction", err)
}

// InsertFunctionRun writes one FunctionRun row.
func (r *Repository) InsertFunctionRun(ctx context.Context, tx *sql.Tx, fr model.FunctionRun) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO function_runs (function_run_id, execution_id, transaction_id, function_version_id, status, started_on, ended_on)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		fr.FunctionRunID, fr.ExecutionID, fr.TransactionID, fr.FunctionVersionID, fr.Status, nullTime(fr.StartedOn), nullTime(fr.EndedOn))
	return wrapDBError("insert function run", err)
}

// InsertTableDataVersion writes one TableDataVersion row.
func (r *Repository) InsertTableDataVersion(ctx context.Context, tx *sql.Tx, tdv model.TableDataVersion) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO table_data_versions
		  (table_data_version_id, function_run_id, table_version_id, output_pos, has_data, row_count, column_count, schema_hash, status, started_on, ended_on)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tdv.TableDataVersionID, tdv.FunctionRunID, tdv.TableVersionID, tdv.OutputPos,
		nullBool(tdv.HasData), nullInt64(tdv.RowCount), nullInt64(tdv.ColumnCount), tdv.SchemaHash,
		tdv.Status, nullTime(tdv.StartedOn), nullTime(tdv.EndedOn))
	return wrapDBError("insert table data version", err)
}

// InsertFunctionRequirement writes one FunctionRequirement row.
func (r *Repository) InsertFunctionRequirement(ctx context.Context, tx *sql.Tx, req model.FunctionRequirement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO function_requirements
		  (function_requirement_id, function_run_id, source_table_data_version, table_id, dep_pos, version_pos, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.FunctionRequirementID, req.FunctionRunID, req.SourceTableDataVersion, req.TableID, req.DepPos, req.VersionPos, req.Status)
	return wrapDBError("insert function requirement", err)
}

// RunnableFunctionRuns returns runs in Scheduled/ReScheduled whose
// requirements are all Committed or Done — the C7 runnable predicate.
func (r *Repository) RunnableFunctionRuns(ctx context.Context) ([]model.FunctionRun, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT fr.function_run_id, fr.execution_id, fr.transaction_id, fr.function_version_id, fr.status
		FROM function_runs fr
		WHERE fr.status IN ('Scheduled', 'ReScheduled')
		  AND NOT EXISTS (
		    SELECT 1 FROM function_requirements req
		    WHERE req.function_run_id = fr.function_run_id
		      AND req.status NOT IN ('Committed', 'Done')
		  )
		ORDER BY fr.function_run_id`)
	if err != nil {
		return nil, wrapDBError("runnable function runs", err)
	}
	defer rows.Close()

	var out []model.FunctionRun
	for rows.Next() {
		var fr model.FunctionRun
		if err := rows.Scan(&fr.FunctionRunID, &fr.ExecutionID, &fr.TransactionID, &fr.FunctionVersionID, &fr.Status); err != nil {
			return nil, wrapDBError("scan runnable function run", err)
		}
		out = append(out, fr)
	}
	return out, wrapDBError("iterate runnable function runs", rows.Err())
}

// FunctionRun reads one FunctionRun by id.
func (r *Repository) FunctionRun(ctx context.Context, functionRunID string) (model.FunctionRun, error) {
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT function_run_id, execution_id, transaction_id, function_version_id, status, started_on, ended_on
		FROM function_runs WHERE function_run_id = ?`, functionRunID)
	var fr model.FunctionRun
	var started, ended sql.NullString
	if err := row.Scan(&fr.FunctionRunID, &fr.ExecutionID, &fr.TransactionID, &fr.FunctionVersionID, &fr.Status, &started, &ended); err != nil {
		return model.FunctionRun{}, wrapDBError("function run", err)
	}
	fr.StartedOn = parseNullTime(started)
	fr.EndedOn = parseNullTime(ended)
	return fr, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// UpdateFunctionRunStatus sets a run's status and, when appropriate,
// started_on/ended_on timestamps: the first update to any status other
// than RunRequested sets started_on, whatever the previous status was (so
// a run canceled straight from Scheduled also gets one); any terminal
// status sets ended_on.
func (r *Repository) UpdateFunctionRunStatus(ctx context.Context, tx *sql.Tx, functionRunID string, status model.FunctionRunStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE function_runs SET status = ?,
		  started_on = CASE WHEN started_on IS NULL AND ? != 'RunRequested' THEN ? ELSE started_on END,
		  ended_on = CASE WHEN ? IN ('Committed', 'Yanked', 'Canceled') THEN ? ELSE ended_on END
		WHERE function_run_id = ?`,
		status, status, now.Format(time.RFC3339Nano), status, now.Format(time.RFC3339Nano), functionRunID)
	return wrapDBError("update function run status", err)
}

// UpdateTableDataVersionsForRun sets status on all of a run's table-data
// versions, stamping started_on on the first update and ended_on on a
// terminal status. It does not apply output reports.
func (r *Repository) UpdateTableDataVersionsForRun(ctx context.Context, tx *sql.Tx, functionRunID string, status model.FunctionRunStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE table_data_versions SET status = ?,
		  started_on = CASE WHEN started_on IS NULL THEN ? ELSE started_on END,
		  ended_on = CASE WHEN ? IN ('Committed', 'Yanked', 'Canceled') THEN ? ELSE ended_on END
		WHERE function_run_id = ?`,
		status, now.Format(time.RFC3339Nano), status, now.Format(time.RFC3339Nano), functionRunID)
	return wrapDBError("update table data versions for run", err)
}

// ApplyFunctionOutput writes the reported row/column counts and schema hash
// for one output position of a run.
func (r *Repository) ApplyFunctionOutput(ctx context.Context, tx *sql.Tx, functionRunID string, outputPos int, hasData bool, rowCount, columnCount int64, schemaHash string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE table_data_versions
		SET has_data = ?, row_count = ?, column_count = ?, schema_hash = ?
		WHERE function_run_id = ? AND output_pos = ?`,
		hasData, rowCount, columnCount, schemaHash, functionRunID, outputPos)
	return wrapDBError("apply function output", err)
}

// TableDataVersionsForRun returns the output table-data-version ids for a run.
func (r *Repository) TableDataVersionsForRun(ctx context.Context, functionRunID string) ([]string, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT table_data_version_id FROM table_data_versions WHERE function_run_id = ?`, functionRunID)
	if err != nil {
		return nil, wrapDBError("table data versions for run", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan table data version id", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapDBError("iterate table data versions", rows.Err())
}

// DownstreamRequirements returns requirement rows whose
// source_table_data_version is one of sourceIDs, joined to the owning run's
// transaction id — used by the reconciler to propagate terminal status.
type DownstreamRequirement struct {
	FunctionRequirementID string
	FunctionRunID         string
	TransactionID         string
	Status                model.FunctionRunStatus
}

func (r *Repository) DownstreamRequirements(ctx context.Context, sourceIDs []string) ([]DownstreamRequirement, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]any, len(sourceIDs))
	qs := ""
	for i, id := range sourceIDs {
		placeholders[i] = id
		if i > 0 {
			qs += ", "
		}
		qs += "?"
	}
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT req.function_requirement_id, req.function_run_id, fr.transaction_id, req.status
		FROM function_requirements req
		JOIN function_runs fr ON fr.function_run_id = req.function_run_id
		WHERE req.source_table_data_version IN (`+qs+`)`, placeholders...)
	if err != nil {
		return nil, wrapDBError("downstream requirements", err)
	}
	defer rows.Close()
	var out []DownstreamRequirement
	for rows.Next() {
		var d DownstreamRequirement
		if err := rows.Scan(&d.FunctionRequirementID, &d.FunctionRunID, &d.TransactionID, &d.Status); err != nil {
			return nil, wrapDBError("scan downstream requirement", err)
		}
		out = append(out, d)
	}
	return out, wrapDBError("iterate downstream requirements", rows.Err())
}

// UpdateFunctionRequirementStatus updates one requirement row's status.
func (r *Repository) UpdateFunctionRequirementStatus(ctx context.Context, tx *sql.Tx, functionRequirementID string, status model.FunctionRunStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE function_requirements SET status = ? WHERE function_requirement_id = ?`, status, functionRequirementID)
	return wrapDBError("update function requirement status", err)
}

// RunsInTransaction returns every FunctionRun in transactionID.
func (r *Repository) RunsInTransaction(ctx context.Context, transactionID string) ([]model.FunctionRun, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT function_run_id, execution_id, transaction_id, function_version_id, status
		FROM function_runs WHERE transaction_id = ?`, transactionID)
	if err != nil {
		return nil, wrapDBError("runs in transaction", err)
	}
	defer rows.Close()
	var out []model.FunctionRun
	for rows.Next() {
		var fr model.FunctionRun
		if err := rows.Scan(&fr.FunctionRunID, &fr.ExecutionID, &fr.TransactionID, &fr.FunctionVersionID, &fr.Status); err != nil {
			return nil, wrapDBError("scan run in transaction", err)
		}
		out = append(out, fr)
	}
	return out, wrapDBError("iterate runs in transaction", rows.Err())
}

// TransactionsInExecution returns every Transaction in executionID.
func (r *Repository) TransactionsInExecution(ctx context.Context, executionID string) ([]model.Transaction, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT transaction_id, execution_id, tx_key, status FROM transactions WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, wrapDBError("transactions in execution", err)
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.TransactionID, &t.ExecutionID, &t.Key, &t.Status); err != nil {
			return nil, wrapDBError("scan transaction", err)
		}
		out = append(out, t)
	}
	return out, wrapDBError("iterate transactions", rows.Err())
}

// UpdateTransactionStatus sets a transaction's aggregate status.
func (r *Repository) UpdateTransactionStatus(ctx context.Context, tx *sql.Tx, transactionID string, status model.FunctionRunStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE transactions SET status = ? WHERE transaction_id = ?`, status, transactionID)
	return wrapDBError("update transaction status", err)
}

// UpdateExecutionStatus sets an execution's aggregate status.
func (r *Repository) UpdateExecutionStatus(ctx context.Context, tx *sql.Tx, executionID string, status model.FunctionRunStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE executions SET status = ? WHERE execution_id = ?`, status, executionID)
	return wrapDBError("update execution status", err)
}

// InsertWorkerMessage writes a Locked worker message row.
func (r *Repository) InsertWorkerMessage(ctx context.Context, tx *sql.Tx, wm model.WorkerMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO worker_messages (worker_message_id, function_run_id, status, enqueued_on)
		VALUES (?, ?, ?, ?)`, wm.WorkerMessageID, wm.FunctionRunID, wm.Status, wm.EnqueuedOn.Format(time.RFC3339Nano))
	return wrapDBError("insert worker message", err)
}

// LockedWorkerMessages returns every worker message still in Locked status.
func (r *Repository) LockedWorkerMessages(ctx context.Context) ([]model.WorkerMessage, error) {
	rows, err := r.db.conn.QueryContext(ctx, `
		SELECT worker_message_id, function_run_id, status, enqueued_on FROM worker_messages WHERE status = 'Locked'`)
	if err != nil {
		return nil, wrapDBError("locked worker messages", err)
	}
	defer rows.Close()
	var out []model.WorkerMessage
	for rows.Next() {
		var wm model.WorkerMessage
		var enqueuedOn string
		if err := rows.Scan(&wm.WorkerMessageID, &wm.FunctionRunID, &wm.Status, &enqueuedOn); err != nil {
			return nil, wrapDBError("scan worker message", err)
		}
		wm.EnqueuedOn, _ = time.Parse(time.RFC3339Nano, enqueuedOn)
		out = append(out, wm)
	}
	return out, wrapDBError("iterate locked worker messages", rows.Err())
}

// UpdateWorkerMessageStatus flips a worker message's status.
func (r *Repository) UpdateWorkerMessageStatus(ctx context.Context, tx *sql.Tx, workerMessageID string, status model.WorkerMessageStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE worker_messages SET status = ? WHERE worker_message_id = ?`, status, workerMessageID)
	return wrapDBError("update worker message status", err)
}

// RecordDataVersion appends a row to the data_versions history log read by
// History (C3) once a table-data version's output is confirmed.
func (r *Repository) RecordDataVersion(ctx context.Context, tx *sql.Tx, dataVersionID, tableID, functionRunID string, triggeredOn time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO data_versions (data_version_id, table_id, function_run_id, triggered_on) VALUES (?, ?, ?, ?)`,
		dataVersionID, tableID, functionRunID, triggeredOn.Format(time.RFC3339Nano))
	return wrapDBError("record data version", err)
}

// RequirementLocation names one resolved input slot for dispatch: which
// dependency position/version position it fills, and the table-data version
// id supplying it (empty for an unresolved, already-Done requirement).
type RequirementLocation struct {
	DepPos                 int
	VersionPos             int
	SourceTableDataVersion string
}

// OutputLocation names one output slot for dispatch.
type OutputLocation struct {
	OutputPos          int
	TableDataVersionID string
}

// DispatchInfo carries everything the dispatcher needs to build a worker
// payload for one FunctionRun, gathered from the catalog and plan tables.
type DispatchInfo struct {
	CollectionID  string
	FunctionID    string
	BundleID      string
	DataLocation  string
	TransactionID string
	ExecutionID   string
	Requirements  []RequirementLocation
	Outputs       []OutputLocation
}

// DispatchInfo reads the function/collection/bundle identity, requirement
// sources and output slots for functionRunID.
func (r *Repository) DispatchInfo(ctx context.Context, functionRunID string) (DispatchInfo, error) {
	var info DispatchInfo
	row := r.db.conn.QueryRowContext(ctx, `
		SELECT fr.transaction_id, fr.execution_id, fv.collection_id, fv.function_id, fv.bundle_id, fv.data_location
		FROM function_runs fr
		JOIN function_versions fv ON fv.function_version_id = fr.function_version_id
		WHERE fr.function_run_id = ?`, functionRunID)
	if err := row.Scan(&info.TransactionID, &info.ExecutionID, &info.CollectionID, &info.FunctionID, &info.BundleID, &info.DataLocation); err != nil {
		return DispatchInfo{}, wrapDBError("dispatch info", err)
	}

	reqRows, err := r.db.conn.QueryContext(ctx, `
		SELECT dep_pos, version_pos, source_table_data_version FROM function_requirements
		WHERE function_run_id = ? ORDER BY dep_pos, version_pos`, functionRunID)
	if err != nil {
		return DispatchInfo{}, wrapDBError("dispatch info requirements", err)
	}
	defer reqRows.Close()
	for reqRows.Next() {
		var rl RequirementLocation
		var source sql.NullString
		if err := reqRows.Scan(&rl.DepPos, &rl.VersionPos, &source); err != nil {
			return DispatchInfo{}, wrapDBError("scan dispatch requirement", err)
		}
		rl.SourceTableDataVersion = source.String
		info.Requirements = append(info.Requirements, rl)
	}
	if err := reqRows.Err(); err != nil {
		return DispatchInfo{}, wrapDBError("iterate dispatch requirements", err)
	}

	outRows, err := r.db.conn.QueryContext(ctx, `
		SELECT output_pos, table_data_version_id FROM table_data_versions
		WHERE function_run_id = ? ORDER BY output_pos`, functionRunID)
	if err != nil {
		return DispatchInfo{}, wrapDBError("dispatch info outputs", err)
	}
	defer outRows.Close()
	for outRows.Next() {
		var ol OutputLocation
		if err := outRows.Scan(&ol.OutputPos, &ol.TableDataVersionID); err != nil {
			return DispatchInfo{}, wrapDBError("scan dispatch output", err)
		}
		info.Outputs = append(info.Outputs, ol)
	}
	return info, wrapDBError("iterate dispatch outputs", outRows.Err())
}

// SetMetadata stores an operational key/value pair (dispatcher checkpoints,
// schema markers), adapted from the teacher's config-table pattern.
func (r *Repository) SetMetadata(ctx context.Context, key, value string) error {
	_, err := r.db.conn.ExecContext(ctx, `
		INSERT INTO server_metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return wrapDBError("set metadata", err)
}

// GetMetadata reads an operational key/value pair, returning "" if unset.
func (r *Repository) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.conn.QueryRowContext(ctx, `SELECT value FROM server_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, wrapDBError("get metadata", err)
}
