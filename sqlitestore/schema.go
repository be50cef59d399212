package sqlitestore

const schema = `
CREATE TABLE IF NOT EXISTS wal (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wal_checkpoint (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	position INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL,
	name TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	input TEXT,
	result TEXT,
	error TEXT NOT NULL DEFAULT '',
	execution_options TEXT,
	created_at INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL DEFAULT 0,
	last_heartbeat_at INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_idempotency_key ON tasks(idempotency_key, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_stale ON tasks(type, status, last_heartbeat_at);

CREATE TABLE IF NOT EXISTS task_events (
	task_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_id TEXT NOT NULL UNIQUE,
	payload TEXT NOT NULL,
	PRIMARY KEY (task_id, seq)
);
`
