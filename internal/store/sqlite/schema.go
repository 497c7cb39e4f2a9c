package sqlite

// schema is applied once at Open time. It is intentionally plain CREATE
// TABLE IF NOT EXISTS statements rather than a migration framework: the
// teacher's own sqlite package manages its schema the same direct way.
const schema = `
CREATE TABLE IF NOT EXISTS collections (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	created_by TEXT NOT NULL,
	created_on TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS function_versions (
	function_version_id TEXT PRIMARY KEY,
	function_id TEXT NOT NULL,
	collection_id TEXT NOT NULL REFERENCES collections(id),
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	bundle_id TEXT NOT NULL DEFAULT '',
	snippet TEXT NOT NULL DEFAULT '',
	decorator TEXT NOT NULL,
	runtime TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	data_location TEXT NOT NULL DEFAULT '',
	defined_on TEXT NOT NULL,
	defined_by TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_function_versions_function ON function_versions(function_id, defined_on);

CREATE TABLE IF NOT EXISTS table_versions (
	table_version_id TEXT PRIMARY KEY,
	table_id TEXT NOT NULL,
	collection_id TEXT NOT NULL REFERENCES collections(id),
	name TEXT NOT NULL,
	function_version_id TEXT NOT NULL REFERENCES function_versions(function_version_id),
	output_pos INTEGER NOT NULL,
	private INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	defined_on TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_table_versions_table ON table_versions(table_id, defined_on);
CREATE INDEX IF NOT EXISTS idx_table_versions_name ON table_versions(collection_id, name, defined_on);

CREATE TABLE IF NOT EXISTS dependency_versions (
	dependency_version_id TEXT PRIMARY KEY,
	function_version_id TEXT NOT NULL REFERENCES function_versions(function_version_id),
	table_id TEXT NOT NULL,
	table_version_id TEXT NOT NULL,
	dep_pos INTEGER NOT NULL,
	self_dependency INTEGER NOT NULL DEFAULT 0,
	versions_expr TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	defined_on TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dependency_versions_fn ON dependency_versions(function_version_id);

CREATE TABLE IF NOT EXISTS trigger_versions (
	trigger_version_id TEXT PRIMARY KEY,
	function_version_id TEXT NOT NULL REFERENCES function_versions(function_version_id),
	table_id TEXT NOT NULL,
	table_version_id TEXT NOT NULL,
	status TEXT NOT NULL,
	defined_on TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trigger_versions_fn ON trigger_versions(function_version_id);
CREATE INDEX IF NOT EXISTS idx_trigger_versions_table ON trigger_versions(table_id);

CREATE TABLE IF NOT EXISTS data_versions (
	data_version_id TEXT PRIMARY KEY,
	table_id TEXT NOT NULL,
	function_run_id TEXT NOT NULL,
	triggered_on TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_data_versions_table_time ON data_versions(table_id, triggered_on DESC);

CREATE TABLE IF NOT EXISTS executions (
	execution_id TEXT PRIMARY KEY,
	triggered_function_version_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	triggered_on TEXT NOT NULL,
	status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(execution_id),
	tx_key TEXT NOT NULL,
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_execution ON transactions(execution_id);

CREATE TABLE IF NOT EXISTS function_runs (
	function_run_id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(execution_id),
	transaction_id TEXT NOT NULL REFERENCES transactions(transaction_id),
	function_version_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_on TEXT,
	ended_on TEXT
);
CREATE INDEX IF NOT EXISTS idx_function_runs_transaction ON function_runs(transaction_id);
CREATE INDEX IF NOT EXISTS idx_function_runs_status ON function_runs(status);

CREATE TABLE IF NOT EXISTS table_data_versions (
	table_data_version_id TEXT PRIMARY KEY,
	function_run_id TEXT NOT NULL REFERENCES function_runs(function_run_id),
	table_version_id TEXT NOT NULL,
	output_pos INTEGER NOT NULL,
	has_data INTEGER,
	row_count INTEGER,
	column_count INTEGER,
	schema_hash TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	started_on TEXT,
	ended_on TEXT
);
CREATE INDEX IF NOT EXISTS idx_table_data_versions_run ON table_data_versions(function_run_id);

CREATE TABLE IF NOT EXISTS function_requirements (
	function_requirement_id TEXT PRIMARY KEY,
	function_run_id TEXT NOT NULL REFERENCES function_runs(function_run_id),
	source_table_data_version TEXT NOT NULL DEFAULT '',
	table_id TEXT NOT NULL,
	dep_pos INTEGER NOT NULL,
	version_pos INTEGER NOT NULL,
	status TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_function_requirements_run ON function_requirements(function_run_id);
CREATE INDEX IF NOT EXISTS idx_function_requirements_source ON function_requirements(source_table_data_version);

CREATE TABLE IF NOT EXISTS worker_messages (
	worker_message_id TEXT PRIMARY KEY,
	function_run_id TEXT NOT NULL REFERENCES function_runs(function_run_id),
	status TEXT NOT NULL,
	enqueued_on TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_worker_messages_status ON worker_messages(status);

CREATE TABLE IF NOT EXISTS server_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
