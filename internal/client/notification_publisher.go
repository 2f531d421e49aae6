package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/logger"
	"github.com/pesio-ai/be-procurement-approvals/internal/repository"
)

// publisher is the subset of *nats.Conn used for publishing.
type publisher interface {
	Publish(subject string, data []byte) error
}

var _ publisher = (*nats.Conn)(nil)

// NotificationPublisher publishes approval workflow events to NATS for
// consumption by the notifications service.
//
// Subject convention: <prefix>.<event_type>
// Event types: new_approval, approval_complete, approval_rejected,
//
//	approval_delegated, approval_escalated, approval_recalled, approval_expired
type NotificationPublisher struct {
	conn   publisher
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                         `json:"event_type"`
	ActorID      string                         `json:"actor_id,omitempty"`
	Recipients   []string                       `json:"recipients"`
	ResourceType string                         `json:"resource_type"`
	ResourceID   string                         `json:"resource_id"`
	IsActionable bool                           `json:"is_actionable,omitempty"`
	Severity     string                         `json:"severity,omitempty"`
	Category     string                         `json:"category"`
	Payload      repository.NotificationPayload `json:"payload"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS
// connection. A nil connection turns every Notify into a no-op.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log *logger.Logger) *NotificationPublisher {
	p := &NotificationPublisher{prefix: prefix, log: log}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Notify publishes one event addressed to recipientID.
func (p *NotificationPublisher) Notify(ctx context.Context, recipientID, eventType string, payload repository.NotificationPayload) error {
	if p.conn == nil || recipientID == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event := &NotificationEvent{
		EventType:    eventType,
		ActorID:      payload.ActorID,
		Recipients:   []string{recipientID},
		ResourceType: "approval_request",
		ResourceID:   payload.RequestID,
		IsActionable: actionable(eventType),
		Severity:     severity(payload.Priority),
		Category:     "procurement_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal notification event")
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to publish "+subject)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", payload.RequestID).
		Str("recipient", recipientID).
		Msg("notification: event published")
	return nil
}

// actionable reports whether the recipient is expected to act on the event.
func actionable(eventType string) bool {
	switch eventType {
	case "new_approval", "approval_delegated", "approval_escalated":
		return true
	}
	return false
}

func severity(p repository.Priority) string {
	switch p {
	case repository.PriorityCritical:
		return "critical"
	case repository.PriorityHigh:
		return "warning"
	}
	return "info"
}
