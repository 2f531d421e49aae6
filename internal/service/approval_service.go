package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

// Notification event types.
const (
	EventNewApproval       = "new_approval"
	EventApprovalComplete  = "approval_complete"
	EventApprovalRejected  = "approval_rejected"
	EventApprovalDelegated = "approval_delegated"
	EventApprovalEscalated = "approval_escalated"
	EventApprovalRecalled  = "approval_recalled"
	EventApprovalExpired   = "approval_expired"
)

// SystemActor is the actor recorded for transitions nobody initiated.
const SystemActor = "system"

const (
	defaultMaxCommitAttempts = 3
	defaultNotifyTimeout     = 5 * time.Second
)

// errNoChange aborts a commit whose transition is a no-op; execute returns
// the current state instead of an error.
var errNoChange = stderrors.New("no state change")

// Options tunes the approval service.
type Options struct {
	// MaxCommitAttempts bounds how often an operation is re-run after a
	// concurrent modification.
	MaxCommitAttempts int
	// AuditMandatory records audit events before the operation returns.
	AuditMandatory bool
	NotifyTimeout  time.Duration
	Now            func() time.Time
	Hooks          map[repository.RequestType]PostApprovalHook
}

// SubmitRequest is the caller-supplied data of a new approval request.
type SubmitRequest struct {
	Type          repository.RequestType `json:"type"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Value         *int64                 `json:"value,omitempty"`
	Currency      string                 `json:"currency,omitempty"`
	Department    string                 `json:"department"`
	CostCenter    string                 `json:"cost_center,omitempty"`
	ProcurementID string                 `json:"procurement_id,omitempty"`
	RFQID         string                 `json:"rfq_id,omitempty"`
	VendorID      string                 `json:"vendor_id,omitempty"`
	ContractID    string                 `json:"contract_id,omitempty"`
	Urgent        bool                   `json:"urgent,omitempty"`
	Emergency     bool                   `json:"emergency,omitempty"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// ApproveOptions carries optional approval details. Level, when set, pins
// the approval to one level and makes retries of it idempotent. Without
// Level a retry is only recognised from the last history entry, so when one
// user holds two consecutive levels a retried call approves the next one too.
// Callers that may retry should always send Level.
type ApproveOptions struct {
	Comments   string   `json:"comments,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
	Level      *int     `json:"level,omitempty"`
}

// RejectOptions carries rejection details. ReturnToLevel is recorded but
// does not reopen the chain.
type RejectOptions struct {
	Reason            string `json:"reason"`
	Comments          string `json:"comments,omitempty"`
	ReturnToLevel     *int   `json:"return_to_level,omitempty"`
	AllowResubmission bool   `json:"allow_resubmission,omitempty"`
}

// DelegateOptions carries delegation details.
type DelegateOptions struct {
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RequiredPermission is the permission a delegate needs for a request type.
func RequiredPermission(requestType repository.RequestType) string {
	return "approval:" + string(requestType)
}

// ApprovalService is the approval state machine. Every operation reads the
// request, applies one transition and commits it atomically; audit records,
// notifications and post-approval hooks run only after the commit.
type ApprovalService struct {
	store       TransactionalStore
	chains      *ChainBuilder
	directory   DepartmentDirectory
	permissions PermissionRegistry
	audit       AuditRecorder
	notifier    NotificationDispatcher
	hooks       map[repository.RequestType]PostApprovalHook
	opts        Options
	log         *logger.Logger

	wg sync.WaitGroup
}

// NewApprovalService creates a new ApprovalService. rules, audit and
// notifier may be nil.
func NewApprovalService(
	store TransactionalStore,
	directory DepartmentDirectory,
	rules MandatoryApproverSource,
	permissions PermissionRegistry,
	audit AuditRecorder,
	notifier NotificationDispatcher,
	opts Options,
	log *logger.Logger,
) *ApprovalService {
	if opts.MaxCommitAttempts <= 0 {
		opts.MaxCommitAttempts = defaultMaxCommitAttempts
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if log == nil {
		log = logger.Nop()
	}

	hooks := make(map[repository.RequestType]PostApprovalHook, len(opts.Hooks))
	for t, h := range opts.Hooks {
		hooks[t] = h
	}

	return &ApprovalService{
		store:       store,
		chains:      NewChainBuilder(directory, rules),
		directory:   directory,
		permissions: permissions,
		audit:       audit,
		notifier:    notifier,
		hooks:       hooks,
		opts:        opts,
		log:         log,
	}
}

// RegisterHook sets the post-approval hook for a request type. Not safe to
// call while operations are running.
func (s *ApprovalService) RegisterHook(requestType repository.RequestType, hook PostApprovalHook) {
	s.hooks[requestType] = hook
}

// Wait blocks until every dispatched side effect has finished.
func (s *ApprovalService) Wait() {
	s.wg.Wait()
}

// ── Submission ───────────────────────────────────────────────────────────────

// Submit validates data, builds the approval chain and persists a new
// pending request at level 1.
func (s *ApprovalService) Submit(ctx context.Context, data SubmitRequest, requesterID string) (*repository.ApprovalRequest, error) {
	if requesterID == "" {
		return nil, errors.InvalidInput("requested_by", "is required")
	}
	if err := validateSubmit(&data); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	chain, err := s.chains.Build(ctx, data.Type, data.Value, data.Department, now)
	if err != nil {
		return nil, err
	}
	priority := DerivePriority(data.Value, data.Type, data.Urgent, data.Emergency)

	req := &repository.ApprovalRequest{
		ID:            uuid.NewString(),
		Type:          data.Type,
		Title:         data.Title,
		Description:   data.Description,
		Value:         data.Value,
		Currency:      data.Currency,
		Department:    data.Department,
		CostCenter:    data.CostCenter,
		ProcurementID: data.ProcurementID,
		RFQID:         data.RFQID,
		VendorID:      data.VendorID,
		ContractID:    data.ContractID,
		Metadata:      data.Metadata,
		Status:        repository.StatusPending,
		Priority:      priority,
		ApprovalChain: chain,
		CurrentLevel:  1,
		TotalLevels:   len(chain),
		ApprovalHistory: []repository.HistoryEntry{{
			Action:    repository.ActionCreated,
			ActorID:   requesterID,
			Timestamp: now,
		}},
		RequestedBy: requesterID,
		RequestedAt: now,
		ExpiresAt:   ExpiresAt(now, data.Type, priority),
	}

	if err := s.store.Create(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("type", string(req.Type)).
		Str("department", req.Department).
		Str("priority", string(req.Priority)).
		Int("total_levels", req.TotalLevels).
		Time("expires_at", req.ExpiresAt).
		Msg("Approval request submitted")

	fx := &effects{}
	fx.record(repository.ActionCreated, requesterID, 0, map[string]any{
		"total_levels": req.TotalLevels,
		"priority":     string(req.Priority),
	})
	fx.notify(chain[0].ApproverID, EventNewApproval)
	s.dispatch(ctx, req, fx)

	return req.Clone(), nil
}

func validateSubmit(data *SubmitRequest) error {
	if !data.Type.Valid() {
		return errors.InvalidInput("type", fmt.Sprintf("unsupported request type %q", data.Type))
	}
	if data.Title == "" {
		return errors.InvalidInput("title", "is required")
	}
	if data.Description == "" {
		return errors.InvalidInput("description", "is required")
	}
	if data.Department == "" {
		return errors.InvalidInput("department", "is required")
	}
	if data.Value != nil && *data.Value < 0 {
		return errors.InvalidInput("value", "must not be negative")
	}

	switch data.Type {
	case repository.TypeProcurementPlan, repository.TypeRFQCreation:
		if data.ProcurementID == "" {
			return errors.InvalidInput("procurement_id", "is required for "+string(data.Type))
		}
	case repository.TypeBudgetApproval:
		if data.Value == nil || *data.Value <= 0 {
			return errors.InvalidInput("value", "must be positive for budget-approval")
		}
	case repository.TypeContractExecution:
		if data.ContractID == "" {
			return errors.InvalidInput("contract_id", "is required for contract-execution")
		}
	case repository.TypeVendorSelection:
		if data.RFQID == "" {
			return errors.InvalidInput("rfq_id", "is required for vendor-selection")
		}
	case repository.TypeAwardDecision:
		if data.RFQID == "" {
			return errors.InvalidInput("rfq_id", "is required for award-decision")
		}
		if data.VendorID == "" {
			return errors.InvalidInput("vendor_id", "is required for award-decision")
		}
	}
	return nil
}

// ── Transitions ──────────────────────────────────────────────────────────────

// Approve approves the current level on behalf of approverID. Approving the
// last level completes the request.
func (s *ApprovalService) Approve(ctx context.Context, id, approverID string, opts ApproveOptions) (*repository.ApprovalRequest, error) {
	if approverID == "" {
		return nil, errors.InvalidInput("approver_id", "is required")
	}

	return s.execute(ctx, "approve", id, func(ctx context.Context, req *repository.ApprovalRequest, now time.Time, fx *effects) error {
		if alreadyApprovedBy(req, approverID, opts.Level) {
			return errNoChange
		}
		if err := authorize(req, approverID, now); err != nil {
			return err
		}
		if opts.Level != nil && *opts.Level != req.CurrentLevel {
			return errors.InvalidInput("level",
				fmt.Sprintf("level %d is not the current level %d", *opts.Level, req.CurrentLevel))
		}

		step := req.CurrentStep()
		step.Status = repository.StepApproved
		step.ApprovedAt = &now
		step.ActedBy = &approverID
		if opts.Comments != "" {
			step.Comments = &opts.Comments
		}
		step.Conditions = append([]string(nil), opts.Conditions...)

		req.ApprovalHistory = append(req.ApprovalHistory, repository.HistoryEntry{
			Action:     repository.ActionApproved,
			Level:      step.Level,
			ActorID:    approverID,
			Timestamp:  now,
			Comments:   opts.Comments,
			Conditions: append([]string(nil), opts.Conditions...),
		})
		fx.record(repository.ActionApproved, approverID, step.Level, map[string]any{
			"comments":   opts.Comments,
			"conditions": opts.Conditions,
		})

		if req.CurrentLevel >= req.TotalLevels {
			req.Status = repository.StatusApproved
			req.CurrentLevel = req.TotalLevels + 1
			req.ApprovedAt = &now
			req.FinalApprover = &approverID
			fx.notify(req.RequestedBy, EventApprovalComplete)
			fx.approved = true
			return nil
		}

		req.CurrentLevel++
		req.Status = repository.StatusPending
		next := req.CurrentStep()
		next.AssignedAt = &now
		fx.notify(repository.EffectiveApprover(next), EventNewApproval)
		return nil
	})
}

// Reject ends the request. A reason is required.
func (s *ApprovalService) Reject(ctx context.Context, id, approverID string, opts RejectOptions) (*repository.ApprovalRequest, error) {
	if approverID == "" {
		return nil, errors.InvalidInput("approver_id", "is required")
	}
	if opts.Reason == "" {
		return nil, errors.InvalidInput("reason", "is required")
	}

	return s.execute(ctx, "reject", id, func(ctx context.Context, req *repository.ApprovalRequest, now time.Time, fx *effects) error {
		if err := authorize(req, approverID, now); err != nil {
			return err
		}
		if opts.ReturnToLevel != nil && (*opts.ReturnToLevel < 1 || *opts.ReturnToLevel >= req.CurrentLevel) {
			return errors.InvalidInput("return_to_level",
				fmt.Sprintf("must be between 1 and %d", req.CurrentLevel-1))
		}

		step := req.CurrentStep()
		step.Status = repository.StepRejected
		step.RejectedAt = &now
		step.ActedBy = &approverID
		if opts.Comments != "" {
			step.Comments = &opts.Comments
		}

		req.Status = repository.StatusRejected
		req.RejectedAt = &now
		req.RejectedBy = &approverID
		req.RejectionReason = &opts.Reason
		if opts.ReturnToLevel != nil {
			level := *opts.ReturnToLevel
			req.ReturnToLevel = &level
		}
		req.AllowResubmission = opts.AllowResubmission

		req.ApprovalHistory = append(req.ApprovalHistory, repository.HistoryEntry{
			Action:    repository.ActionRejected,
			Level:     step.Level,
			ActorID:   approverID,
			Timestamp: now,
			Comments:  opts.Comments,
			Reason:    opts.Reason,
		})
		fx.record(repository.ActionRejected, approverID, step.Level, map[string]any{
			"reason":             opts.Reason,
			"allow_resubmission": opts.AllowResubmission,
		})
		fx.notify(req.RequestedBy, EventApprovalRejected)
		return nil
	})
}

// Delegate hands the current level's authority to delegateToID. The level
// does not change.
func (s *ApprovalService) Delegate(
	ctx context.Context,
	id, currentApproverID, delegateToID string,
	opts DelegateOptions,
) (*repository.ApprovalRequest, error) {
	if currentApproverID == "" {
		return nil, errors.InvalidInput("approver_id", "is required")
	}
	if delegateToID == "" {
		return nil, errors.InvalidInput("delegate_to", "is required")
	}
	if delegateToID == currentApproverID {
		return nil, errors.InvalidInput("delegate_to", "cannot delegate to yourself")
	}
	if opts.ExpiresAt != nil && opts.ExpiresAt.Before(s.opts.Now()) {
		return nil, errors.InvalidInput("expires_at", "must not be in the past")
	}

	return s.execute(ctx, "delegate", id, func(ctx context.Context, req *repository.ApprovalRequest, now time.Time, fx *effects) error {
		if err := authorize(req, currentApproverID, now); err != nil {
			return err
		}
		step := req.CurrentStep()
		if repository.EffectiveApprover(step) == delegateToID {
			return errors.InvalidInput("delegate_to", "already holds the current level")
		}
		if err := s.checkDelegate(ctx, req, currentApproverID, delegateToID); err != nil {
			return err
		}

		to := delegateToID
		step.DelegatedTo = &to
		step.Status = repository.StepDelegated
		req.Status = repository.StatusDelegated

		record := repository.DelegationRecord{
			Level:       step.Level,
			FromUserID:  currentApproverID,
			ToUserID:    delegateToID,
			Reason:      opts.Reason,
			DelegatedAt: now,
		}
		if opts.ExpiresAt != nil {
			until := opts.ExpiresAt.UTC()
			record.ExpiresAt = &until
			if until.After(req.ExpiresAt) {
				req.ExpiresAt = until
			}
		}
		req.DelegationHistory = append(req.DelegationHistory, record)

		req.ApprovalHistory = append(req.ApprovalHistory, repository.HistoryEntry{
			Action:    repository.ActionDelegated,
			Level:     step.Level,
			ActorID:   currentApproverID,
			Timestamp: now,
			Reason:    opts.Reason,
			Metadata:  map[string]any{"delegated_to": delegateToID},
		})
		fx.record(repository.ActionDelegated, currentApproverID, step.Level, map[string]any{
			"delegated_to": delegateToID,
			"reason":       opts.Reason,
		})
		fx.notify(delegateToID, EventApprovalDelegated)
		return nil
	})
}

func (s *ApprovalService) checkDelegate(ctx context.Context, req *repository.ApprovalRequest, fromID, toID string) error {
	toDept, found, err := s.directory.DepartmentOf(ctx, toID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to look up delegate")
	}
	if !found {
		return errors.InvalidInput("delegate_to", fmt.Sprintf("unknown user %q", toID))
	}

	perm := RequiredPermission(req.Type)
	ok, err := s.permissions.HasPermission(ctx, toID, perm)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check delegate permission")
	}
	if !ok {
		return errors.Newf(errors.ErrCodeForbidden, "%q lacks permission %s", toID, perm)
	}

	fromDept, found, err := s.directory.DepartmentOf(ctx, fromID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to look up approver")
	}
	if !found || fromDept == "" {
		fromDept = req.Department
	}
	if fromDept == toDept {
		return nil
	}

	allowed, err := s.permissions.CrossDepartmentDelegationAllowed(ctx, req.Type)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check delegation policy")
	}
	if !allowed {
		return errors.Newf(errors.ErrCodeForbidden,
			"cross-department delegation is not allowed for %s", req.Type)
	}
	return nil
}

// Escalate redirects the current level to a higher authority outside the
// chain. Any caller may escalate an active request, including one past its
// deadline; the deadline is pushed out to give the new approver a full window.
func (s *ApprovalService) Escalate(ctx context.Context, id, reason, escalatedBy string) (*repository.ApprovalRequest, error) {
	if escalatedBy == "" {
		return nil, errors.InvalidInput("escalated_by", "is required")
	}

	return s.execute(ctx, "escalate", id, func(ctx context.Context, req *repository.ApprovalRequest, now time.Time, fx *effects) error {
		if req.Status.Terminal() {
			return notPending(req)
		}
		step := req.CurrentStep()
		if step == nil {
			return notPending(req)
		}

		target, err := s.directory.EscalationTargetFor(ctx, req)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve escalation target")
		}
		from := repository.EffectiveApprover(step)
		if target == nil || target.UserID == "" || target.UserID == from {
			return errors.Newf(errors.ErrCodeNoEscalationPath,
				"no escalation path for level %d of %q", step.Level, req.ID)
		}

		delegated, escalated := target.UserID, target.UserID
		step.DelegatedTo = &delegated
		step.EscalatedTo = &escalated
		req.Status = repository.StatusEscalated

		req.EscalationHistory = append(req.EscalationHistory, repository.EscalationRecord{
			OriginalLevel: step.Level,
			FromUserID:    from,
			ToUserID:      target.UserID,
			TargetLevel:   target.Level,
			EscalatedBy:   escalatedBy,
			Reason:        reason,
			EscalatedAt:   now,
		})
		if extended := ExpiresAt(now, req.Type, req.Priority); extended.After(req.ExpiresAt) {
			req.ExpiresAt = extended
		}

		req.ApprovalHistory = append(req.ApprovalHistory, repository.HistoryEntry{
			Action:    repository.ActionEscalated,
			Level:     step.Level,
			ActorID:   escalatedBy,
			Timestamp: now,
			Reason:    reason,
			Metadata: map[string]any{
				"escalated_to": target.UserID,
				"target_level": target.Level,
			},
		})
		fx.record(repository.ActionEscalated, escalatedBy, step.Level, map[string]any{
			"escalated_to": target.UserID,
			"reason":       reason,
		})
		fx.notify(target.UserID, EventApprovalEscalated)
		return nil
	})
}

// Recall withdraws a pending request. Only the requester may recall.
func (s *ApprovalService) Recall(ctx context.Context, id, requesterID, reason string) (*repository.ApprovalRequest, error) {
	if requesterID == "" {
		return nil, errors.InvalidInput("requested_by", "is required")
	}

	return s.execute(ctx, "recall", id, func(ctx context.Context, req *repository.ApprovalRequest, now time.Time, fx *effects) error {
		if req.RequestedBy != requesterID {
			return errors.Newf(errors.ErrCodeUnauthorized, "only the requester may recall %q", req.ID)
		}
		if req.Status != repository.StatusPending {
			return notPending(req)
		}

		level := req.CurrentLevel
		req.Status = repository.StatusRecalled
		req.RecalledAt = &now
		if reason != "" {
			req.RecallReason = &reason
		}

		req.ApprovalHistory = append(req.ApprovalHistory, repository.HistoryEntry{
			Action:    repository.ActionRecalled,
			Level:     level,
			ActorID:   requesterID,
			Timestamp: now,
			Reason:    reason,
		})
		fx.record(repository.ActionRecalled, requesterID, level, map[string]any{"reason": reason})
		for _, recipient := range recallRecipients(req) {
			fx.notify(recipient, EventApprovalRecalled)
		}
		return nil
	})
}

// recallRecipients lists everyone the request has reached, minus the
// requester, without duplicates.
func recallRecipients(req *repository.ApprovalRequest) []string {
	seen := map[string]bool{req.RequestedBy: true}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for i := range req.ApprovalChain {
		step := &req.ApprovalChain[i]
		if step.AssignedAt != nil {
			add(step.ApproverID)
		}
	}
	if step := req.CurrentStep(); step != nil {
		add(repository.EffectiveApprover(step))
	}
	return out
}

// CheckExpiry expires the request when its deadline has passed. Requests
// that are terminal or still in time are returned unchanged.
func (s *ApprovalService) CheckExpiry(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return s.execute(ctx, "check_expiry", id, func(ctx context.Context, req *repository.ApprovalRequest, now time.Time, fx *effects) error {
		if req.Status.Terminal() || !now.After(req.ExpiresAt) {
			return errNoChange
		}

		level := req.CurrentLevel
		req.Status = repository.StatusExpired
		req.ExpiredAt = &now

		req.ApprovalHistory = append(req.ApprovalHistory, repository.HistoryEntry{
			Action:    repository.ActionExpired,
			Level:     level,
			ActorID:   SystemActor,
			Timestamp: now,
		})
		fx.record(repository.ActionExpired, SystemActor, level, nil)
		fx.notify(req.RequestedBy, EventApprovalExpired)
		return nil
	})
}

// ── Queries ──────────────────────────────────────────────────────────────────

// Get returns the request, expiring it first when its deadline has passed.
func (s *ApprovalService) Get(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() || !s.opts.Now().After(req.ExpiresAt) {
		return req, nil
	}

	expired, err := s.CheckExpiry(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("request_id", id).Msg("Failed to expire request on read")
		return req, nil
	}
	return expired, nil
}

// History returns the request's append-only approval history.
func (s *ApprovalService) History(ctx context.Context, id string) ([]repository.HistoryEntry, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return req.ApprovalHistory, nil
}

// AuditTrail returns the audit events recorded for a request, oldest first.
// It needs an audit recorder that can also be read back.
func (s *ApprovalService) AuditTrail(ctx context.Context, id string) ([]*repository.AuditEvent, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	reader, ok := s.audit.(AuditReader)
	if !ok {
		return nil, errors.New(errors.ErrCodeNotFound, "no queryable audit log is configured")
	}
	return reader.GetByRequestID(ctx, id)
}

// ListPendingFor returns the requests approverID can act on now.
func (s *ApprovalService) ListPendingFor(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	if approverID == "" {
		return nil, errors.InvalidInput("approver_id", "is required")
	}
	reqs, err := s.store.ListPendingFor(ctx, approverID)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	out := make([]*repository.ApprovalRequest, 0, len(reqs))
	for _, req := range reqs {
		if now.After(req.ExpiresAt) {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// SweepExpired expires up to batchSize overdue requests and returns how many
// it expired. Failures on individual requests are logged and skipped.
func (s *ApprovalService) SweepExpired(ctx context.Context, batchSize int) (int, error) {
	ids, err := s.store.ListExpired(ctx, s.opts.Now(), batchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		req, err := s.CheckExpiry(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", id).Msg("Failed to expire request")
			continue
		}
		if req.Status == repository.StatusExpired {
			expired++
		}
	}

	if expired > 0 {
		s.log.Info().Int("expired", expired).Int("candidates", len(ids)).Msg("Expiry sweep completed")
	}
	return expired, ctx.Err()
}

// ── Execution ────────────────────────────────────────────────────────────────

type transition func(ctx context.Context, req *repository.ApprovalRequest, now time.Time, fx *effects) error

// execute runs one read-transition-commit cycle, re-reading and re-running
// the transition when the store reports a concurrent modification.
func (s *ApprovalService) execute(ctx context.Context, op, id string, apply transition) (*repository.ApprovalRequest, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "operation cancelled before commit")
		}

		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		now := s.opts.Now()
		var (
			fx        *effects
			unchanged *repository.ApprovalRequest
		)
		updated, err := s.store.Commit(ctx, id, current.Version, func(req *repository.ApprovalRequest) error {
			fx = &effects{}
			err := apply(ctx, req, now, fx)
			if stderrors.Is(err, errNoChange) {
				unchanged = req.Clone()
			}
			return err
		})

		switch {
		case err == nil:
			s.log.Info().
				Str("request_id", id).
				Str("operation", op).
				Str("status", string(updated.Status)).
				Int("current_level", updated.CurrentLevel).
				Int64("version", updated.Version).
				Msg("Approval transition committed")
			s.dispatch(ctx, updated, fx)
			return updated.Clone(), nil

		case stderrors.Is(err, errNoChange):
			return unchanged, nil

		case errors.HasCode(err, errors.ErrCodeConflict):
			if attempt < s.opts.MaxCommitAttempts {
				s.log.Warn().
					Str("request_id", id).
					Str("operation", op).
					Int("attempt", attempt).
					Msg("Concurrent modification, retrying")
				continue
			}
			return nil, errors.Wrap(err, errors.ErrCodeConflict,
				fmt.Sprintf("gave up after %d attempts", attempt))

		default:
			return nil, outcomeOf(ctx, err)
		}
	}
}

// outcomeOf turns an unexpected failure during commit into OUTCOME_UNKNOWN
// when the caller's context ended: the write may or may not have landed.
// Failures the store marked ErrNotApplied keep their code.
func outcomeOf(ctx context.Context, err error) error {
	if errors.CodeOf(err) != errors.ErrCodeInternal || stderrors.Is(err, errors.ErrNotApplied) {
		return err
	}
	if ctx.Err() != nil ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, errors.ErrCodeOutcomeUnknown, "commit outcome unknown, re-read before retrying")
	}
	return err
}

func authorize(req *repository.ApprovalRequest, actorID string, now time.Time) error {
	if req.Status.Terminal() {
		return notPending(req)
	}
	if now.After(req.ExpiresAt) {
		return errors.Newf(errors.ErrCodeExpired, "approval request %q expired at %s",
			req.ID, req.ExpiresAt.Format(time.RFC3339))
	}
	if !req.CanAct(actorID) {
		return errors.Newf(errors.ErrCodeUnauthorized,
			"%q is not the current approver of %q", actorID, req.ID)
	}
	return nil
}

func notPending(req *repository.ApprovalRequest) error {
	return errors.Newf(errors.ErrCodeNotPending, "approval request %q is %s", req.ID, req.Status)
}

// alreadyApprovedBy reports whether approving again would repeat an approval
// approverID already made.
func alreadyApprovedBy(req *repository.ApprovalRequest, approverID string, level *int) bool {
	// rejected, recalled and expired requests accept no further approvals
	if req.Status.Terminal() && req.Status != repository.StatusApproved {
		return false
	}
	if level != nil {
		if *level < 1 || *level > len(req.ApprovalChain) {
			return false
		}
		step := req.ApprovalChain[*level-1]
		return step.Status == repository.StepApproved &&
			step.ActedBy != nil && *step.ActedBy == approverID
	}

	n := len(req.ApprovalHistory)
	if n == 0 {
		return false
	}
	last := req.ApprovalHistory[n-1]
	if last.Action != repository.ActionApproved || last.ActorID != approverID {
		return false
	}
	return req.Status == repository.StatusApproved || !req.CanAct(approverID)
}

// ── Side effects ─────────────────────────────────────────────────────────────

type auditRecord struct {
	action   string
	actorID  string
	level    int
	metadata map[string]any
}

type notification struct {
	recipientID string
	eventType   string
}

// effects collects what a committed transition must announce.
type effects struct {
	audit         *auditRecord
	notifications []notification
	approved      bool
}

func (fx *effects) record(action, actorID string, level int, metadata map[string]any) {
	fx.audit = &auditRecord{action: action, actorID: actorID, level: level, metadata: metadata}
}

func (fx *effects) notify(recipientID, eventType string) {
	if recipientID == "" {
		return
	}
	fx.notifications = append(fx.notifications, notification{recipientID: recipientID, eventType: eventType})
}

// dispatch runs the side effects of a committed transition. None of them can
// fail the operation.
func (s *ApprovalService) dispatch(ctx context.Context, req *repository.ApprovalRequest, fx *effects) {
	if fx == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	snapshot := req.Clone()

	if fx.audit != nil && s.audit != nil {
		event := &repository.AuditEvent{
			RequestID:   snapshot.ID,
			Action:      fx.audit.action,
			ActorID:     fx.audit.actorID,
			Level:       fx.audit.level,
			StatusAfter: snapshot.Status,
			Timestamp:   snapshot.UpdatedAt,
			Metadata:    fx.audit.metadata,
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = s.opts.Now()
		}
		record := func() error { return s.audit.Record(bg, event) }
		if s.opts.AuditMandatory {
			if err := record(); err != nil {
				s.log.Error().Err(err).
					Str("request_id", snapshot.ID).
					Str("action", event.Action).
					Msg("Failed to record mandatory audit event")
			}
		} else {
			s.goSafe("audit", snapshot.ID, record)
		}
	}

	if s.notifier != nil {
		payload := notificationPayload(snapshot, fx)
		for _, n := range fx.notifications {
			s.goSafe("notify:"+n.eventType, snapshot.ID, func() error {
				nctx, cancel := context.WithTimeout(bg, s.opts.NotifyTimeout)
				defer cancel()
				return s.notifier.Notify(nctx, n.recipientID, n.eventType, payload)
			})
		}
	}

	if fx.approved {
		if hook, ok := s.hooks[snapshot.Type]; ok {
			s.goSafe("post_approval", snapshot.ID, func() error {
				return hook.AfterApproval(bg, snapshot)
			})
		}
	}
}

func notificationPayload(req *repository.ApprovalRequest, fx *effects) repository.NotificationPayload {
	p := repository.NotificationPayload{
		RequestID:  req.ID,
		Type:       req.Type,
		Title:      req.Title,
		Currency:   req.Currency,
		Department: req.Department,
		Priority:   req.Priority,
		Status:     req.Status,
		Level:      req.CurrentLevel,
		ExpiresAt:  req.ExpiresAt,
	}
	if req.Value != nil {
		v := *req.Value
		p.Value = &v
	}
	if fx.audit != nil {
		p.ActorID = fx.audit.actorID
	}
	return p
}

// goSafe runs fn in a tracked goroutine, logging failures and panics.
func (s *ApprovalService) goSafe(task, requestID string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Interface("panic", r).
					Str("task", task).
					Str("request_id", requestID).
					Msg("Side effect panicked")
			}
		}()
		if err := fn(); err != nil {
			s.log.Warn().Err(err).
				Str("task", task).
				Str("request_id", requestID).
				Msg("Side effect failed")
		}
	}()
}
