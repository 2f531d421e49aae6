package repository

import (
	"context"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// schemaStatements create the Postgres tables used by the approval, audit and
// department rule repositories. Every statement is idempotent.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS approval_requests (
	    id               TEXT PRIMARY KEY,
	    version          BIGINT      NOT NULL,
	    request_type     TEXT        NOT NULL,
	    status           TEXT        NOT NULL,
	    department       TEXT        NOT NULL,
	    requested_by     TEXT        NOT NULL,
	    current_approver TEXT        NOT NULL DEFAULT '',
	    current_assignee TEXT        NOT NULL DEFAULT '',
	    expires_at       TIMESTAMPTZ NOT NULL,
	    document         JSONB       NOT NULL,
	    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_active_expiry
	    ON approval_requests (expires_at)
	    WHERE status IN ('pending', 'delegated', 'escalated')`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_current_approver
	    ON approval_requests (current_approver)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_current_assignee
	    ON approval_requests (current_assignee)`,

	`CREATE TABLE IF NOT EXISTS approval_audit_log (
	    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	    request_id   TEXT        NOT NULL,
	    action       TEXT        NOT NULL,
	    actor_id     TEXT        NOT NULL,
	    level        INT         NOT NULL DEFAULT 0,
	    status_after TEXT        NOT NULL,
	    metadata     JSONB,
	    performed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_audit_log_request
	    ON approval_audit_log (request_id, performed_at)`,
	`CREATE OR REPLACE FUNCTION approval_audit_log_immutable() RETURNS trigger AS $$
	BEGIN
	    RAISE EXCEPTION 'approval_audit_log is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS approval_audit_log_no_mutation ON approval_audit_log`,
	`CREATE TRIGGER approval_audit_log_no_mutation
	    BEFORE UPDATE OR DELETE ON approval_audit_log
	    FOR EACH ROW EXECUTE FUNCTION approval_audit_log_immutable()`,

	`CREATE TABLE IF NOT EXISTS department_approval_rules (
	    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	    rule_name    TEXT        NOT NULL,
	    department   TEXT        NOT NULL,
	    request_type TEXT,
	    is_active    BOOLEAN     NOT NULL DEFAULT TRUE,
	    approvers    JSONB       NOT NULL,
	    priority     INT         NOT NULL DEFAULT 100,
	    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_department_approval_rules_department
	    ON department_approval_rules (department, priority)`,
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *database.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
		}
	}
	return nil
}
