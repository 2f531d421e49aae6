package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-procurement-approvals/internal/database"
	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
)

// ApprovalRequestRepository persists approval aggregates as JSONB documents.
// The queryable columns (status, expires_at, current_approver,
// current_assignee) are denormalized from the document on every write.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

// Create inserts a new request at version 1.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now

	doc, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval request")
	}

	query := `
		INSERT INTO approval_requests
		    (id, version, request_type, status, department,
		     requested_by, current_approver, current_assignee, expires_at,
		     document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		req.ID,
		req.Version,
		req.Type,
		req.Status,
		req.Department,
		req.RequestedBy,
		req.CurrentApprover(),
		currentAssignee(req),
		req.ExpiresAt,
		doc,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrCodeConflict, "approval request %q already exists", req.ID)
	}
	return nil
}

// Get retrieves a request by id.
func (r *ApprovalRequestRepository) Get(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `
		SELECT version, document
		FROM approval_requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// Commit locks the row, checks the version, applies mutate and writes the
// result back, all in one transaction. Any error from mutate rolls back.
func (r *ApprovalRequestRepository) Commit(
	ctx context.Context,
	id string,
	expectedVersion int64,
	mutate func(*ApprovalRequest) error,
) (*ApprovalRequest, error) {
	var result *ApprovalRequest

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		lockQuery := `
			SELECT version, document
			FROM approval_requests
			WHERE id = $1
			FOR UPDATE
		`

		req, err := r.scanRequest(tx.QueryRow(ctx, lockQuery, id))
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.NotFound("approval_request", id)
		}
		if err != nil {
			return err
		}
		if req.Version != expectedVersion {
			return errors.Conflict("approval_request", id)
		}

		if err := mutate(req); err != nil {
			return err
		}
		req.Version = expectedVersion + 1
		req.UpdatedAt = time.Now().UTC()

		doc, err := json.Marshal(req)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval request")
		}

		updateQuery := `
			UPDATE approval_requests
			SET version          = $3,
			    status           = $4,
			    current_approver = $5,
			    current_assignee = $6,
			    expires_at       = $7,
			    document         = $8,
			    updated_at       = $9
			WHERE id = $1 AND version = $2
		`

		tag, err := tx.Exec(ctx, updateQuery,
			id,
			expectedVersion,
			req.Version,
			req.Status,
			req.CurrentApprover(),
			currentAssignee(req),
			req.ExpiresAt,
			doc,
			req.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}
		if tag.RowsAffected() == 0 {
			return errors.Conflict("approval_request", id)
		}

		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListExpired returns ids of active requests whose deadline passed before the
// given instant.
func (r *ApprovalRequestRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error) {
	query := `
		SELECT id
		FROM approval_requests
		WHERE status IN ('pending', 'delegated', 'escalated')
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expired approval requests")
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan expired approval requests")
	}
	return ids, nil
}

// ListPendingFor returns active requests currently awaiting approverID.
func (r *ApprovalRequestRepository) ListPendingFor(ctx context.Context, approverID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT version, document
		FROM approval_requests
		WHERE status IN ('pending', 'delegated', 'escalated')
		  AND (current_approver = $1 OR current_assignee = $1)
		ORDER BY expires_at ASC
	`

	rows, err := r.db.Query(ctx, query, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		// The SQL filter is a superset; CanAct applies the escalation rule.
		if req.CanAct(approverID) {
			out = append(out, req)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	return out, nil
}

// currentAssignee is the assigned approver of the active level, kept as a
// column so pending-approval lookups do not have to unpack the document.
func currentAssignee(req *ApprovalRequest) string {
	if req.Status.Terminal() {
		return ""
	}
	if step := req.CurrentStep(); step != nil {
		return step.ApproverID
	}
	return ""
}

// ── scan helper ───────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	var (
		version int64
		doc     []byte
	)
	if err := row.Scan(&version, &doc); err != nil {
		return nil, err
	}

	req := &ApprovalRequest{}
	if err := json.Unmarshal(doc, req); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval request")
	}
	req.Version = version
	return req, nil
}
