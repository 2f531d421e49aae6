package repository

import (
	"slices"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// RequestType classifies what is being approved.
type RequestType string

const (
	TypeProcurementPlan   RequestType = "procurement-plan"
	TypeRFQCreation       RequestType = "rfq-creation"
	TypeVendorSelection   RequestType = "vendor-selection"
	TypeAwardDecision     RequestType = "award-decision"
	TypeContractExecution RequestType = "contract-execution"
	TypeBudgetApproval    RequestType = "budget-approval"
	TypeDocumentApproval  RequestType = "document-approval"
	TypePolicyException   RequestType = "policy-exception"
)

// RequestTypes lists every supported request type.
var RequestTypes = []RequestType{
	TypeProcurementPlan,
	TypeRFQCreation,
	TypeVendorSelection,
	TypeAwardDecision,
	TypeContractExecution,
	TypeBudgetApproval,
	TypeDocumentApproval,
	TypePolicyException,
}

func (t RequestType) Valid() bool {
	return slices.Contains(RequestTypes, t)
}

// Status is the aggregate status of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusDelegated Status = "delegated"
	StatusEscalated Status = "escalated"
	StatusExpired   Status = "expired"
	StatusRecalled  Status = "recalled"
)

// Terminal reports whether no further business transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusRecalled:
		return true
	}
	return false
}

// StepStatus is the status of one approval step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepDelegated StepStatus = "delegated"
)

// Priority is derived once at creation and never changes.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Business roles used in approval chains.
const (
	RoleDepartmentManager = "department_manager"
	RoleDirector          = "director"
	RoleVP                = "vp"
	RoleCEO               = "ceo"
)

// History actions.
const (
	ActionCreated   = "created"
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionDelegated = "delegated"
	ActionEscalated = "escalated"
	ActionRecalled  = "recalled"
	ActionExpired   = "expired"
)

// ── Aggregate ────────────────────────────────────────────────────────────────

// ApprovalStep is one level of an approval chain.
type ApprovalStep struct {
	Level       int        `json:"level" bson:"level"`
	ApproverID  string     `json:"approver_id" bson:"approver_id"`
	Role        string     `json:"role" bson:"role"`
	Mandatory   bool       `json:"mandatory,omitempty" bson:"mandatory,omitempty"`
	Status      StepStatus `json:"status" bson:"status"`
	DelegatedTo *string    `json:"delegated_to,omitempty" bson:"delegated_to,omitempty"`
	EscalatedTo *string    `json:"escalated_to,omitempty" bson:"escalated_to,omitempty"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty" bson:"assigned_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty" bson:"approved_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty" bson:"rejected_at,omitempty"`
	ActedBy     *string    `json:"acted_by,omitempty" bson:"acted_by,omitempty"`
	Comments    *string    `json:"comments,omitempty" bson:"comments,omitempty"`
	Conditions  []string   `json:"conditions,omitempty" bson:"conditions,omitempty"`
}

// EffectiveApprover returns the identity currently holding the step's
// authority: the most recent redirection target, else the assignee.
func EffectiveApprover(step *ApprovalStep) string {
	if step.DelegatedTo != nil && *step.DelegatedTo != "" {
		return *step.DelegatedTo
	}
	return step.ApproverID
}

// HistoryEntry records one state-changing transition.
type HistoryEntry struct {
	Action     string         `json:"action" bson:"action"`
	Level      int            `json:"level" bson:"level"`
	ActorID    string         `json:"actor_id" bson:"actor_id"`
	Timestamp  time.Time      `json:"timestamp" bson:"timestamp"`
	Comments   string         `json:"comments,omitempty" bson:"comments,omitempty"`
	Reason     string         `json:"reason,omitempty" bson:"reason,omitempty"`
	Conditions []string       `json:"conditions,omitempty" bson:"conditions,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// DelegationRecord is one hand-off of a level's authority.
type DelegationRecord struct {
	Level       int        `json:"level" bson:"level"`
	FromUserID  string     `json:"from_user_id" bson:"from_user_id"`
	ToUserID    string     `json:"to_user_id" bson:"to_user_id"`
	Reason      string     `json:"reason,omitempty" bson:"reason,omitempty"`
	DelegatedAt time.Time  `json:"delegated_at" bson:"delegated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

// EscalationRecord is one redirection of a level's authority outside the chain.
type EscalationRecord struct {
	OriginalLevel int       `json:"original_level" bson:"original_level"`
	FromUserID    string    `json:"from_user_id" bson:"from_user_id"`
	ToUserID      string    `json:"to_user_id" bson:"to_user_id"`
	TargetLevel   string    `json:"target_level,omitempty" bson:"target_level,omitempty"`
	EscalatedBy   string    `json:"escalated_by" bson:"escalated_by"`
	Reason        string    `json:"reason,omitempty" bson:"reason,omitempty"`
	EscalatedAt   time.Time `json:"escalated_at" bson:"escalated_at"`
}

// ApprovalRequest is the aggregate root: the request, its chain and all of
// its history, committed as one unit.
type ApprovalRequest struct {
	ID            string            `json:"id" bson:"_id"`
	Version       int64             `json:"version" bson:"version"`
	Type          RequestType       `json:"type" bson:"type"`
	Title         string            `json:"title" bson:"title"`
	Description   string            `json:"description" bson:"description"`
	Value         *int64            `json:"value,omitempty" bson:"value,omitempty"` // minor currency units
	Currency      string            `json:"currency,omitempty" bson:"currency,omitempty"`
	Department    string            `json:"department" bson:"department"`
	CostCenter    string            `json:"cost_center,omitempty" bson:"cost_center,omitempty"`
	ProcurementID string            `json:"procurement_id,omitempty" bson:"procurement_id,omitempty"`
	RFQID         string            `json:"rfq_id,omitempty" bson:"rfq_id,omitempty"`
	VendorID      string            `json:"vendor_id,omitempty" bson:"vendor_id,omitempty"`
	ContractID    string            `json:"contract_id,omitempty" bson:"contract_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`

	Status        Status         `json:"status" bson:"status"`
	Priority      Priority       `json:"priority" bson:"priority"`
	ApprovalChain []ApprovalStep `json:"approval_chain" bson:"approval_chain"`
	CurrentLevel  int            `json:"current_level" bson:"current_level"`
	TotalLevels   int            `json:"total_levels" bson:"total_levels"`

	ApprovalHistory   []HistoryEntry     `json:"approval_history" bson:"approval_history"`
	DelegationHistory []DelegationRecord `json:"delegation_history,omitempty" bson:"delegation_history,omitempty"`
	EscalationHistory []EscalationRecord `json:"escalation_history,omitempty" bson:"escalation_history,omitempty"`

	RequestedBy string    `json:"requested_by" bson:"requested_by"`
	RequestedAt time.Time `json:"requested_at" bson:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at" bson:"expires_at"`

	// Terminal metadata, written once by the transition that reaches a
	// terminal status.
	ApprovedAt        *time.Time `json:"approved_at,omitempty" bson:"approved_at,omitempty"`
	FinalApprover     *string    `json:"final_approver,omitempty" bson:"final_approver,omitempty"`
	RejectedAt        *time.Time `json:"rejected_at,omitempty" bson:"rejected_at,omitempty"`
	RejectedBy        *string    `json:"rejected_by,omitempty" bson:"rejected_by,omitempty"`
	RejectionReason   *string    `json:"rejection_reason,omitempty" bson:"rejection_reason,omitempty"`
	ReturnToLevel     *int       `json:"return_to_level,omitempty" bson:"return_to_level,omitempty"`
	AllowResubmission bool       `json:"allow_resubmission,omitempty" bson:"allow_resubmission,omitempty"`
	RecalledAt        *time.Time `json:"recalled_at,omitempty" bson:"recalled_at,omitempty"`
	RecallReason      *string    `json:"recall_reason,omitempty" bson:"recall_reason,omitempty"`
	ExpiredAt         *time.Time `json:"expired_at,omitempty" bson:"expired_at,omitempty"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// CurrentStep returns the step at CurrentLevel, or nil once the chain is
// exhausted.
func (r *ApprovalRequest) CurrentStep() *ApprovalStep {
	if r.CurrentLevel < 1 || r.CurrentLevel > len(r.ApprovalChain) {
		return nil
	}
	return &r.ApprovalChain[r.CurrentLevel-1]
}

// CurrentApprover returns the effective approver for the active level, or ""
// when the request is terminal.
func (r *ApprovalRequest) CurrentApprover() string {
	if r.Status.Terminal() {
		return ""
	}
	if step := r.CurrentStep(); step != nil {
		return EffectiveApprover(step)
	}
	return ""
}

// CanAct reports whether userID holds authority over the current level. The
// assignee keeps authority alongside a delegate; once the level has been
// escalated only the most recent redirection target may act.
func (r *ApprovalRequest) CanAct(userID string) bool {
	if userID == "" || r.Status.Terminal() {
		return false
	}
	step := r.CurrentStep()
	if step == nil {
		return false
	}
	if EffectiveApprover(step) == userID {
		return true
	}
	return step.EscalatedTo == nil && step.ApproverID == userID
}

// Clone returns a deep copy so stores and callers never share mutable state.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.Value = clonePtr(r.Value)
	c.Metadata = cloneMap(r.Metadata)

	c.ApprovalChain = make([]ApprovalStep, len(r.ApprovalChain))
	for i, s := range r.ApprovalChain {
		s.DelegatedTo = clonePtr(s.DelegatedTo)
		s.EscalatedTo = clonePtr(s.EscalatedTo)
		s.AssignedAt = clonePtr(s.AssignedAt)
		s.ApprovedAt = clonePtr(s.ApprovedAt)
		s.RejectedAt = clonePtr(s.RejectedAt)
		s.ActedBy = clonePtr(s.ActedBy)
		s.Comments = clonePtr(s.Comments)
		s.Conditions = slices.Clone(s.Conditions)
		c.ApprovalChain[i] = s
	}

	c.ApprovalHistory = make([]HistoryEntry, len(r.ApprovalHistory))
	for i, h := range r.ApprovalHistory {
		h.Conditions = slices.Clone(h.Conditions)
		h.Metadata = cloneMap(h.Metadata)
		c.ApprovalHistory[i] = h
	}

	c.DelegationHistory = make([]DelegationRecord, len(r.DelegationHistory))
	for i, d := range r.DelegationHistory {
		d.ExpiresAt = clonePtr(d.ExpiresAt)
		c.DelegationHistory[i] = d
	}
	c.EscalationHistory = slices.Clone(r.EscalationHistory)

	c.ApprovedAt = clonePtr(r.ApprovedAt)
	c.FinalApprover = clonePtr(r.FinalApprover)
	c.RejectedAt = clonePtr(r.RejectedAt)
	c.RejectedBy = clonePtr(r.RejectedBy)
	c.RejectionReason = clonePtr(r.RejectionReason)
	c.ReturnToLevel = clonePtr(r.ReturnToLevel)
	c.RecalledAt = clonePtr(r.RecalledAt)
	c.RecallReason = clonePtr(r.RecallReason)
	c.ExpiredAt = clonePtr(r.ExpiredAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ── Audit ────────────────────────────────────────────────────────────────────

// AuditEvent is one immutable record in the audit log.
type AuditEvent struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"request_id"`
	Action      string         `json:"action"`
	ActorID     string         `json:"actor_id"`
	Level       int            `json:"level"`
	StatusAfter Status         `json:"status_after"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ── Collaborator payloads ────────────────────────────────────────────────────

// NotificationPayload is the body attached to every workflow notification.
type NotificationPayload struct {
	RequestID  string      `json:"request_id"`
	Type       RequestType `json:"type"`
	Title      string      `json:"title"`
	Value      *int64      `json:"value,omitempty"`
	Currency   string      `json:"currency,omitempty"`
	Department string      `json:"department"`
	Priority   Priority    `json:"priority"`
	Status     Status      `json:"status"`
	Level      int         `json:"level"`
	ActorID    string      `json:"actor_id,omitempty"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// EscalationTarget is a higher authority outside the normal chain.
type EscalationTarget struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Level  string `json:"level" yaml:"level"`
}

// ── Department rules ─────────────────────────────────────────────────────────

// MandatoryApprover is an approver a department requires ahead of the
// value-based chain.
type MandatoryApprover struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Role   string `json:"role" yaml:"role"`
}

// DepartmentRule attaches mandatory approvers to a department, optionally
// restricted to one request type.
type DepartmentRule struct {
	ID          string
	RuleName    string
	Department  string
	RequestType *RequestType // nil = every type
	IsActive    bool
	Approvers   []MandatoryApprover
	Priority    int // lower = evaluated first
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
