package engine

import (
	"context"
	"time"
)

// =============================================================================
// NOTIFICATIONS - Fire-and-forget, dispatched after commit
// =============================================================================

type NotificationKind string

const (
	NotifyContraventionFiled   NotificationKind = "contravention_filed"
	NotifyContraventionUpdated NotificationKind = "contravention_updated"
	NotifyContraventionDeleted NotificationKind = "contravention_deleted"
	NotifyDocumentUploaded     NotificationKind = "document_uploaded"
	NotifyContraventionClosed  NotificationKind = "contravention_completed"
	NotifyApprovalRequested    NotificationKind = "approval_requested"
	NotifyApproverUnresolved   NotificationKind = "approver_unresolved"
	NotifyApprovalApproved     NotificationKind = "approval_approved"
	NotifyApprovalRejected     NotificationKind = "approval_rejected"
	NotifyEscalationTriggered  NotificationKind = "escalation_triggered"
	NotifyTrainingAssigned     NotificationKind = "training_assigned"
	NotifyTrainingCredited     NotificationKind = "training_credited"
	NotifyFiscalYearReset      NotificationKind = "fiscal_year_reset"
)

type Notification struct {
	Kind    NotificationKind
	Payload map[string]any
	At      time.Time
}

// Notifier delivers notifications. Implementations must not block on
// delivery; the engine never retries and ignores everything but logging of
// the returned error.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// outbox collects notifications while a transaction is open. It is only
// flushed once the transaction committed.
type outbox struct {
	at    time.Time
	items []Notification
}

func (o *outbox) add(kind NotificationKind, payload map[string]any) {
	o.items = append(o.items, Notification{Kind: kind, Payload: payload, At: o.at})
}

func (o *outbox) escalation(esc *Escalation) {
	if esc == nil {
		return
	}
	o.add(NotifyEscalationTriggered, map[string]any{
		"escalation_id":    string(esc.ID),
		"employee_id":      string(esc.EmployeeID),
		"tier":             string(esc.Tier),
		"required_actions": esc.RequiredActions,
	})
}

// =============================================================================
// OBSERVER - Metrics hook
// =============================================================================

// Observer receives engine measurements. metrics.Prometheus implements it.
type Observer interface {
	OperationCompleted(op string, kind ErrorKind, elapsed time.Duration)
	PointsAdjusted(applied int, clamped bool)
	EscalationTriggered(tier Tier)
	NotificationDispatched(kind NotificationKind, err error)
}

type NopObserver struct{}

func (NopObserver) OperationCompleted(string, ErrorKind, time.Duration) {}
func (NopObserver) PointsAdjusted(int, bool)                           {}
func (NopObserver) EscalationTriggered(Tier)                           {}
func (NopObserver) NotificationDispatched(NotificationKind, error)     {}
