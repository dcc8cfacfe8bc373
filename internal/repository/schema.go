package repository

// Schema definitions for the Vigil database.
// Tables are shared between SQLite and PostgreSQL; the immutability
// triggers differ per driver and are appended by AllSchemas.

const schemaTemplates = `
CREATE TABLE IF NOT EXISTS templates (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    descriptor TEXT NOT NULL,
    quality DOUBLE PRECISION,
    enrolled_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_templates_subject ON templates(subject_id, enrolled_at);
`

const schemaSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL DEFAULT '',
    candidates TEXT NOT NULL DEFAULT '[]',
    call_site TEXT NOT NULL,
    terminal_id TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL,
    matched_id TEXT NOT NULL DEFAULT '',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    scores TEXT NOT NULL,
    started_at BIGINT NOT NULL,
    ended_at BIGINT,
    expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, expires_at);
`

const schemaAttempts = `
CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    number INTEGER NOT NULL,
    template_id TEXT NOT NULL DEFAULT '',
    distance DOUBLE PRECISION NOT NULL,
    similarity DOUBLE PRECISION NOT NULL,
    liveness DOUBLE PRECISION,
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    UNIQUE (session_id, number)
);
`

const schemaDecisions = `
CREATE TABLE IF NOT EXISTS decisions (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL UNIQUE,
    verdict TEXT NOT NULL,
    risk_score DOUBLE PRECISION NOT NULL,
    forced_by TEXT NOT NULL DEFAULT '',
    policy_version TEXT NOT NULL,
    allow_below DOUBLE PRECISION NOT NULL,
    block_at_or_above DOUBLE PRECISION NOT NULL,
    input TEXT NOT NULL,
    rule_results TEXT NOT NULL,
    alert_id TEXT NOT NULL DEFAULT '',
    audit_seq BIGINT NOT NULL,
    created_at BIGINT NOT NULL,
    metadata TEXT NOT NULL
);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    decision_id TEXT NOT NULL,
    verdict TEXT NOT NULL,
    severity TEXT NOT NULL,
    status TEXT NOT NULL,
    resolver_id TEXT NOT NULL DEFAULT '',
    resolution TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    resolved_at BIGINT
);

CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at);
`

// schemaAuditLog is the hash chain. seq is assigned by the ledger, not the
// database, so a gap is detectable.
const schemaAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    seq BIGINT PRIMARY KEY,
    event_type TEXT NOT NULL,
    event_result TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    terminal_id TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL,
    ts BIGINT NOT NULL,
    prev_hash TEXT NOT NULL,
    hash TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_audit_log_session ON audit_log(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_terminal ON audit_log(terminal_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
`

const schemaSignatures = `
CREATE TABLE IF NOT EXISTS signatures (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    decision_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    action TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    terminal_id TEXT NOT NULL DEFAULT '',
    policy_version TEXT NOT NULL,
    audit_seq BIGINT NOT NULL,
    created_at BIGINT NOT NULL,
    UNIQUE (entity_type, entity_id, action)
);
`

// schemaFraudPolicies keeps every policy version ever activated so past
// decisions can be replayed.
const schemaFraudPolicies = `
CREATE TABLE IF NOT EXISTS fraud_policies (
    version TEXT PRIMARY KEY,
    policy TEXT NOT NULL,
    created_at BIGINT NOT NULL
);
`

// schemaPolicyActivations records every switch of the active policy. The
// row with the highest audit_seq names the active version.
const schemaPolicyActivations = `
CREATE TABLE IF NOT EXISTS policy_activations (
    audit_seq BIGINT PRIMARY KEY,
    version TEXT NOT NULL,
    activated_at BIGINT NOT NULL
);
`

// immutableTables reject every UPDATE and DELETE.
var immutableTables = []string{
	"templates",
	"attempts",
	"decisions",
	"audit_log",
	"signatures",
	"fraud_policies",
	"policy_activations",
}

func sqliteTriggers() []string {
	var out []string
	for _, table := range immutableTables {
		out = append(out,
			`CREATE TRIGGER IF NOT EXISTS `+table+`_no_update BEFORE UPDATE ON `+table+`
BEGIN SELECT RAISE(ABORT, '`+table+` is append-only'); END;`,
			`CREATE TRIGGER IF NOT EXISTS `+table+`_no_delete BEFORE DELETE ON `+table+`
BEGIN SELECT RAISE(ABORT, '`+table+` is append-only'); END;`,
		)
	}

	// Alerts allow exactly one transition, PENDING -> RESOLVED.
	out = append(out,
		`CREATE TRIGGER IF NOT EXISTS alerts_guard_update BEFORE UPDATE ON alerts
WHEN NOT (OLD.status = 'PENDING' AND NEW.status = 'RESOLVED')
BEGIN SELECT RAISE(ABORT, 'alert is already resolved'); END;`,
		`CREATE TRIGGER IF NOT EXISTS alerts_no_delete BEFORE DELETE ON alerts
BEGIN SELECT RAISE(ABORT, 'alerts cannot be deleted'); END;`,
	)
	return out
}

const postgresImmutableFunc = `
CREATE OR REPLACE FUNCTION vigil_reject_mutation() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;
`

const postgresAlertGuardFunc = `
CREATE OR REPLACE FUNCTION vigil_guard_alert() RETURNS trigger AS $$
BEGIN
    IF TG_OP = 'DELETE' THEN
        RAISE EXCEPTION 'alerts cannot be deleted';
    END IF;
    IF NOT (OLD.status = 'PENDING' AND NEW.status = 'RESOLVED') THEN
        RAISE EXCEPTION 'alert is already resolved';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;
`

func postgresTriggers() []string {
	out := []string{postgresImmutableFunc, postgresAlertGuardFunc}
	for _, table := range immutableTables {
		out = append(out,
			`DROP TRIGGER IF EXISTS `+table+`_immutable ON `+table,
			`CREATE TRIGGER `+table+`_immutable BEFORE UPDATE OR DELETE ON `+table+`
FOR EACH ROW EXECUTE FUNCTION vigil_reject_mutation()`,
		)
	}
	out = append(out,
		`DROP TRIGGER IF EXISTS alerts_guard ON alerts`,
		`CREATE TRIGGER alerts_guard BEFORE UPDATE OR DELETE ON alerts
FOR EACH ROW EXECUTE FUNCTION vigil_guard_alert()`,
	)
	return out
}

// AllSchemas returns all schema statements for a driver in order.
func AllSchemas(driver string) []string {
	schemas := []string{
		schemaTemplates,
		schemaSessions,
		schemaAttempts,
		schemaDecisions,
		schemaAlerts,
		schemaAuditLog,
		schemaSignatures,
		schemaFraudPolicies,
		schemaPolicyActivations,
	}
	if driver == "postgres" {
		return append(schemas, postgresTriggers()...)
	}
	return append(schemas, sqliteTriggers()...)
}
