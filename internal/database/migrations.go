package database

type migration struct {
	version int
	sql     string
}

// migrations run in order; versions are sequential starting from 1
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS integrations (
	id                     TEXT PRIMARY KEY,
	connect_id             TEXT NOT NULL UNIQUE,
	owner_chat_id          TEXT NOT NULL,
	company_id             TEXT NOT NULL DEFAULT '',
	is_active              INTEGER NOT NULL DEFAULT 1,
	doc                    TEXT NOT NULL,
	tasks_sent             INTEGER NOT NULL DEFAULT 0,
	tasks_completed        INTEGER NOT NULL DEFAULT 0,
	avg_response_time_mins REAL NOT NULL DEFAULT 0,
	created_at             TEXT NOT NULL,
	updated_at             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_integrations_owner ON integrations(owner_chat_id);

CREATE TABLE IF NOT EXISTS worker_tasks (
	id                 TEXT PRIMARY KEY,
	integration_id     TEXT NOT NULL,
	external_task_id   TEXT NOT NULL,
	worker_chat_id     TEXT NOT NULL DEFAULT '',
	worker_external_id TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	doc                TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	UNIQUE (integration_id, external_task_id)
);

CREATE INDEX IF NOT EXISTS idx_worker_tasks_chat ON worker_tasks(worker_chat_id, status);
CREATE INDEX IF NOT EXISTS idx_worker_tasks_worker ON worker_tasks(integration_id, worker_external_id);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS webhooks (
	id                TEXT PRIMARY KEY,
	company_id        TEXT NOT NULL,
	enabled           INTEGER NOT NULL DEFAULT 1,
	failure_count     INTEGER NOT NULL DEFAULT 0,
	last_error        TEXT NOT NULL DEFAULT '',
	last_triggered_at TEXT,
	doc               TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhooks_company ON webhooks(company_id);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	webhook_id  TEXT NOT NULL,
	event       TEXT NOT NULL,
	payload     BLOB NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	success     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	attempt     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_webhook ON webhook_deliveries(webhook_id, seq);
`,
	},
}
