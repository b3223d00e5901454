// Package store persists the two logical stores of SPEC_FULL §6 — the
// metric/log store and the transactional change-catalog/incident store —
// on top of modernc.org/sqlite, the only pure-Go SQL driver present
// anywhere in the reference pack (no ClickHouse or Postgres driver exists
// in any example's go.mod).
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const metricStoreSchema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
	ts      INTEGER NOT NULL,
	service TEXT NOT NULL,
	metric  TEXT NOT NULL,
	value   REAL NOT NULL,
	tags    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_metrics_service_metric_ts ON metrics_timeseries(service, metric, ts);

CREATE TABLE IF NOT EXISTS logs (
	ts       INTEGER NOT NULL,
	service  TEXT NOT NULL,
	level    TEXT NOT NULL,
	event    TEXT NOT NULL DEFAULT '',
	message  TEXT NOT NULL DEFAULT '',
	fields   TEXT NOT NULL DEFAULT '{}',
	trace_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_logs_service_level_ts ON logs(service, level, ts);
`

const transactionalStoreSchema = `
CREATE TABLE IF NOT EXISTS deployments (
	id            TEXT PRIMARY KEY,
	ts            INTEGER NOT NULL,
	service       TEXT NOT NULL,
	commit_sha    TEXT NOT NULL DEFAULT '',
	version       TEXT NOT NULL DEFAULT '',
	author        TEXT NOT NULL DEFAULT '',
	diff_summary  TEXT NOT NULL DEFAULT '',
	links         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_deployments_service_ts ON deployments(service, ts);

CREATE TABLE IF NOT EXISTS config_changes (
	id             TEXT PRIMARY KEY,
	ts             INTEGER NOT NULL,
	service        TEXT NOT NULL,
	key            TEXT NOT NULL DEFAULT '',
	old_value_hash TEXT NOT NULL DEFAULT '',
	new_value_hash TEXT NOT NULL DEFAULT '',
	diff_summary   TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_config_changes_service_ts ON config_changes(service, ts);

CREATE TABLE IF NOT EXISTS feature_flag_changes (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	flag_name  TEXT NOT NULL DEFAULT '',
	service    TEXT,
	old_state  TEXT NOT NULL DEFAULT '',
	new_state  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_flag_changes_service_ts ON feature_flag_changes(service, ts);

CREATE TABLE IF NOT EXISTS anomalies (
	id       TEXT PRIMARY KEY,
	service  TEXT NOT NULL,
	metric   TEXT NOT NULL,
	start_ts INTEGER NOT NULL,
	end_ts   INTEGER NOT NULL,
	score    REAL NOT NULL,
	detector TEXT NOT NULL,
	z_score  REAL NOT NULL,
	incident_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_anomalies_service_start ON anomalies(service, start_ts);

CREATE TABLE IF NOT EXISTS incidents (
	id       TEXT PRIMARY KEY,
	start_ts INTEGER NOT NULL,
	end_ts   INTEGER NOT NULL,
	title    TEXT NOT NULL,
	status   TEXT NOT NULL,
	summary  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_incidents_status_start ON incidents(status, start_ts);

CREATE TABLE IF NOT EXISTS incident_anomalies (
	incident_id TEXT NOT NULL,
	anomaly_id  TEXT NOT NULL,
	PRIMARY KEY (incident_id, anomaly_id)
);

CREATE TABLE IF NOT EXISTS suspects (
	id           TEXT PRIMARY KEY,
	incident_id  TEXT NOT NULL,
	suspect_type TEXT NOT NULL,
	suspect_key  TEXT NOT NULL,
	rank         INTEGER NOT NULL,
	score        REAL NOT NULL,
	evidence     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suspects_incident_rank ON suspects(incident_id, rank);

CREATE TABLE IF NOT EXISTS labels (
	id          TEXT PRIMARY KEY,
	incident_id TEXT NOT NULL,
	suspect_id  TEXT NOT NULL,
	label       INTEGER NOT NULL,
	labeler     TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_labels_incident_suspect_created ON labels(incident_id, suspect_id, created_at);
`

// openSQLite opens a modernc.org/sqlite database at path, applies the pool
// sizing from SPEC_FULL §5/§6 (min 2 / max N connections, mirroring the
// Python reference's asyncpg.create_pool(min_size=2, max_size=10)), and
// runs the provided schema.
func openSQLite(path, schema string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if maxOpen <= 0 {
		maxOpen = 10
	}
	if maxIdle <= 0 {
		maxIdle = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
