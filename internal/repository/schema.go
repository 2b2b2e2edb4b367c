package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Timestamps are stored as text
// so both drivers round-trip them identically; transaction timestamps use
// domain.TimeLayout, which sorts lexicographically.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    client_id INTEGER NOT NULL,
    ts TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    latitude DOUBLE PRECISION NOT NULL,
    longitude DOUBLE PRECISION NOT NULL,
    city TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_client ON transactions(client_id, ts);
CREATE INDEX IF NOT EXISTS idx_transactions_ts ON transactions(ts);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS detection_runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    started_at TEXT NOT NULL,
    transaction_count INTEGER NOT NULL,
    alert_count INTEGER NOT NULL,
    threshold DOUBLE PRECISION NOT NULL,
    duration_ms BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detection_runs_started ON detection_runs(started_at);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    client_id INTEGER NOT NULL,
    ts TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    city TEXT NOT NULL,
    reason TEXT NOT NULL,
    reconstruction_error DOUBLE PRECISION NOT NULL,
    error_threshold DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_alerts_client ON alerts(client_id);
CREATE INDEX IF NOT EXISTS idx_alerts_reason ON alerts(reason);
`

// schemaRuleConfigs holds configured CEL rules. Built-in rules are never stored.
const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    reason TEXT NOT NULL,
    priority INTEGER NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaRuns,
		schemaAlerts,
		schemaRuleConfigs,
	}
}
