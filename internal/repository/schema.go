package repository

// Schema definitions for the Tripwire database.
// Compatible with SQLite and PostgreSQL. Timestamps are stored as unix
// nanoseconds so range predicates compare the same way on both engines.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT NOT NULL,
    occurred_at BIGINT NOT NULL,
    received_at BIGINT NOT NULL,
    scrubbed INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_account_type ON events(account_id, type, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_received ON events(received_at);
`

const schemaProcessedEvents = `
CREATE TABLE IF NOT EXISTS processed_events (
    event_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    alerts_created INTEGER NOT NULL DEFAULT 0,
    processed_at BIGINT NOT NULL
);
`

const schemaAccounts = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    channels TEXT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS rule_sets (
    account_id TEXT PRIMARY KEY,
    config TEXT NOT NULL,
    updated_at BIGINT NOT NULL
);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    type TEXT NOT NULL,
    rule_id TEXT NOT NULL DEFAULT '',
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    payout_id TEXT NOT NULL DEFAULT '',
    external_account_id TEXT NOT NULL DEFAULT '',
    resolved INTEGER NOT NULL DEFAULT 0,
    risk_score INTEGER NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_account ON alerts(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_event ON alerts(event_id);

CREATE TABLE IF NOT EXISTS alert_deliveries (
    alert_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    status TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (alert_id, channel)
);
`

const schemaFeedback = `
CREATE TABLE IF NOT EXISTS alert_feedback (
    alert_id TEXT NOT NULL,
    reviewer TEXT NOT NULL,
    account_id TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    verdict TEXT NOT NULL,
    comment TEXT NOT NULL DEFAULT '',
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (alert_id, reviewer)
);

CREATE INDEX IF NOT EXISTS idx_feedback_account_type ON alert_feedback(account_id, alert_type);
CREATE INDEX IF NOT EXISTS idx_feedback_type ON alert_feedback(alert_type);
`

const schemaNotificationJobs = `
CREATE TABLE IF NOT EXISTS notification_jobs (
    id TEXT PRIMARY KEY,
    alert_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    channel TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    next_attempt_at BIGINT NOT NULL,
    status TEXT NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_due ON notification_jobs(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_jobs_alert ON notification_jobs(alert_id);
`

// schemaFailedDispatches holds dead-letter entries. A NULL next_attempt_at
// marks a frozen entry.
const schemaFailedDispatches = `
CREATE TABLE IF NOT EXISTS failed_dispatches (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    endpoint TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    next_attempt_at BIGINT,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_failed_dispatches_due ON failed_dispatches(next_attempt_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaProcessedEvents,
		schemaAccounts,
		schemaAlerts,
		schemaFeedback,
		schemaNotificationJobs,
		schemaFailedDispatches,
	}
}
