package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit events.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Record inserts one audit event. The table has an update/delete prevention
// trigger so this is the only mutation operation exposed.
func (r *ApprovalAuditRepository) Record(ctx context.Context, event *AuditEvent) error {
	var metadataJSON []byte
	if event.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (request_id, action, actor_id, level,
		     status_after, metadata, performed_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING id::text
	`

	err := r.db.QueryRow(ctx, query,
		event.RequestID,
		event.Action,
		event.ActorID,
		event.Level,
		event.StatusAfter,
		metadataJSON,
		event.Timestamp,
	).Scan(&event.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit event")
	}
	return nil
}

// GetByRequestID returns the full audit trail for a request ordered oldest-first.
func (r *ApprovalAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*AuditEvent, error) {
	query := `
		SELECT id::text, request_id, action, actor_id, level,
		       status_after, metadata, performed_at
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalAuditRepository) scanRows(rows pgx.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit log")
	}
	return events, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalAuditRepository) scanEvent(sc auditScanner) (*AuditEvent, error) {
	event := &AuditEvent{}
	var metadataJSON []byte

	err := sc.Scan(
		&event.ID,
		&event.RequestID,
		&event.Action,
		&event.ActorID,
		&event.Level,
		&event.StatusAfter,
		&metadataJSON,
		&event.Timestamp,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit event")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return event, nil
}
