package repository

// Schema definitions for the RefundGate database.
// Compatible with both SQLite and PostgreSQL.

const schemaRuleSets = `
CREATE TABLE IF NOT EXISTS rulesets (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL,
    rules TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_rulesets_tenant ON rulesets(tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rulesets_one_active
    ON rulesets(tenant_id) WHERE is_active = 1;
`

const schemaLedger = `
CREATE TABLE IF NOT EXISTS refund_ledger (
    tenant_id TEXT NOT NULL,
    customer_key TEXT NOT NULL,
    last_user TEXT NOT NULL DEFAULT '',
    total_count INTEGER NOT NULL DEFAULT 0,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_refund_at TIMESTAMP,
    last_outcome TEXT NOT NULL DEFAULT '',
    last_error_code TEXT NOT NULL DEFAULT '',
    last_order_id TEXT NOT NULL DEFAULT '',
    last_amount REAL NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    next_retry_at TIMESTAMP,
    retry_base_ms INTEGER NOT NULL DEFAULT 1000,
    max_retry_ms INTEGER NOT NULL DEFAULT 900000,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, customer_key)
);
`

const schemaLedgerAttempts = `
CREATE TABLE IF NOT EXISTS ledger_attempts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    customer_key TEXT NOT NULL,
    outcome TEXT NOT NULL,
    order_id TEXT NOT NULL DEFAULT '',
    amount REAL NOT NULL DEFAULT 0,
    partial INTEGER NOT NULL DEFAULT 0,
    error_code TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    ruleset_id TEXT NOT NULL DEFAULT '',
    rules_version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_attempts_entry
    ON ledger_attempts(tenant_id, customer_key, created_at);
`

const schemaPendingApprovals = `
CREATE TABLE IF NOT EXISTS pending_approvals (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    requester TEXT NOT NULL,
    payload TEXT NOT NULL,
    decision TEXT NOT NULL,
    context TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    resolved_by TEXT NOT NULL DEFAULT '',
    resolved_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pending_approvals_tenant ON pending_approvals(tenant_id);
CREATE INDEX IF NOT EXISTS idx_pending_approvals_status ON pending_approvals(tenant_id, status);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRuleSets,
		schemaLedger,
		schemaLedgerAttempts,
		schemaPendingApprovals,
	}
}
