package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

// TransactionalStore persists approval aggregates. Commit must apply mutate
// and write the result atomically, failing with a CONFLICT error when the
// stored version no longer equals expectedVersion. An error returned by
// mutate aborts the commit and is returned unchanged.
type TransactionalStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	Get(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	Commit(ctx context.Context, id string, expectedVersion int64, mutate func(*repository.ApprovalRequest) error) (*repository.ApprovalRequest, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]string, error)
	ListPendingFor(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error)
}

// AuditRecorder appends to the approval audit log.
type AuditRecorder interface {
	Record(ctx context.Context, event *repository.AuditEvent) error
}

// AuditReader reads back the audit log of one request, oldest first.
type AuditReader interface {
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEvent, error)
}

// NotificationDispatcher delivers workflow events to a single recipient.
type NotificationDispatcher interface {
	Notify(ctx context.Context, recipientID, eventType string, payload repository.NotificationPayload) error
}

// DepartmentDirectory resolves the organisation chart.
type DepartmentDirectory interface {
	ManagerOf(ctx context.Context, department string) (string, error)
	DirectorOf(ctx context.Context, department string) (string, error)
	VPOf(ctx context.Context, department string) (string, error)
	CEO(ctx context.Context) (string, error)
	// DepartmentOf reports the user's department and whether the user exists.
	DepartmentOf(ctx context.Context, userID string) (string, bool, error)
	// EscalationTargetFor returns nil when the request has no escalation path.
	EscalationTargetFor(ctx context.Context, req *repository.ApprovalRequest) (*repository.EscalationTarget, error)
}

// MandatoryApproverSource supplies department-specific approvers that are
// placed ahead of the value-based chain.
type MandatoryApproverSource interface {
	MandatoryApprovers(ctx context.Context, department string, requestType repository.RequestType) ([]repository.MandatoryApprover, error)
}

// PermissionRegistry answers delegation permission checks.
type PermissionRegistry interface {
	HasPermission(ctx context.Context, userID, permission string) (bool, error)
	CrossDepartmentDelegationAllowed(ctx context.Context, requestType repository.RequestType) (bool, error)
}

// PostApprovalHook runs after a request of its type is fully approved.
// Failures are logged and never undo the approval.
type PostApprovalHook interface {
	AfterApproval(ctx context.Context, req *repository.ApprovalRequest) error
}

// PostApprovalHookFunc adapts a function to PostApprovalHook.
type PostApprovalHookFunc func(ctx context.Context, req *repository.ApprovalRequest) error

func (f PostApprovalHookFunc) AfterApproval(ctx context.Context, req *repository.ApprovalRequest) error {
	return f(ctx, req)
}
