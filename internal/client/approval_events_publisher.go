package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

// ApprovedEvent is published once a request is fully approved so the owning
// procurement services can continue their own workflow.
//
// Subject: <prefix>.<request_type>.approved
type ApprovedEvent struct {
	RequestID     string                 `json:"request_id"`
	Type          repository.RequestType `json:"type"`
	Title         string                 `json:"title"`
	Value         *int64                 `json:"value,omitempty"`
	Currency      string                 `json:"currency,omitempty"`
	Department    string                 `json:"department"`
	CostCenter    string                 `json:"cost_center,omitempty"`
	ProcurementID string                 `json:"procurement_id,omitempty"`
	RFQID         string                 `json:"rfq_id,omitempty"`
	VendorID      string                 `json:"vendor_id,omitempty"`
	ContractID    string                 `json:"contract_id,omitempty"`
	RequestedBy   string                 `json:"requested_by"`
	FinalApprover string                 `json:"final_approver"`
	ApprovedAt    time.Time              `json:"approved_at"`
	Conditions    []string               `json:"conditions,omitempty"`
}

// PostApprovalPublisher announces completed approvals on NATS.
type PostApprovalPublisher struct {
	conn   publisher
	prefix string
	log    *logger.Logger
}

// NewPostApprovalPublisher creates a publisher backed by the given NATS
// connection. A nil connection makes AfterApproval a no-op.
func NewPostApprovalPublisher(conn *nats.Conn, prefix string, log *logger.Logger) *PostApprovalPublisher {
	p := &PostApprovalPublisher{prefix: prefix, log: log}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Subject returns the subject approvals of requestType are published on.
func (p *PostApprovalPublisher) Subject(requestType repository.RequestType) string {
	return fmt.Sprintf("%s.%s.approved", p.prefix, requestType)
}

// AfterApproval publishes the approved event for req.
func (p *PostApprovalPublisher) AfterApproval(ctx context.Context, req *repository.ApprovalRequest) error {
	if p.conn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event := ApprovedEvent{
		RequestID:     req.ID,
		Type:          req.Type,
		Title:         req.Title,
		Value:         req.Value,
		Currency:      req.Currency,
		Department:    req.Department,
		CostCenter:    req.CostCenter,
		ProcurementID: req.ProcurementID,
		RFQID:         req.RFQID,
		VendorID:      req.VendorID,
		ContractID:    req.ContractID,
		RequestedBy:   req.RequestedBy,
	}
	if req.FinalApprover != nil {
		event.FinalApprover = *req.FinalApprover
	}
	if req.ApprovedAt != nil {
		event.ApprovedAt = *req.ApprovedAt
	}
	// Conditions attached at any level travel with the approval.
	for _, step := range req.ApprovalChain {
		event.Conditions = append(event.Conditions, step.Conditions...)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approved event")
	}

	subject := p.Subject(req.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to publish "+subject)
	}

	p.log.Info().
		Str("subject", subject).
		Str("request_id", req.ID).
		Msg("Approval completion published")
	return nil
}
