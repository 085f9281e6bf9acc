package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pesio-ai/be-pm-approvals/internal/observability/metrics"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

// Notification kinds published by the service.
const (
	NotifyApprovalRequired     = "approval_required"
	NotifyApprovalApproved     = "approval_approved"
	NotifyApprovalRejected     = "approval_rejected"
	NotifyApprovalExpired      = "approval_expired"
	NotifyDisputeOpened        = "dispute_opened"
	NotifyDisputeWon           = "dispute_won"
	NotifyLegalNoticeAvailable = "legal_notice_available"
	NotifyTicketStatusChanged  = "maintenance_status_changed"
)

// Priorities carried on notifications.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is a decision to tell someone about something. Delivery is
// another service's job.
type Notification struct {
	Type         string         `json:"type"`
	Recipients   []string       `json:"recipients"`
	TargetRole   string         `json:"target_role,omitempty"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Priority     string         `json:"priority"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	ActorID      string         `json:"actor_id,omitempty"`
	IsActionable bool           `json:"is_actionable"`
	ActionURL    string         `json:"action_url,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Notifier records notification decisions. Callers log and drop its errors.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher is the publish side of a message bus connection.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSNotifier publishes notifications on notifications.pm.<type>.
type NATSNotifier struct {
	bus     Publisher
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewNATSNotifier creates a notifier over bus. bus is usually a *natsclient.Client.
func NewNATSNotifier(bus Publisher, m *metrics.Metrics, log *logger.Logger) *NATSNotifier {
	return &NATSNotifier{bus: bus, metrics: m, log: log}
}

func (p *NATSNotifier) Notify(ctx context.Context, n Notification) error {
	if p == nil || p.bus == nil || len(n.Recipients) == 0 {
		return nil
	}

	data, err := json.Marshal(n)
	if err != nil {
		p.log.Warn().Err(err).Str("type", n.Type).Msg("Failed to marshal notification")
		p.metrics.Notification(n.Type, err)
		return errors.Wrap(err, errors.ErrCodeInternal, "marshal notification")
	}

	subject := fmt.Sprintf("notifications.pm.%s", n.Type)
	if err := p.bus.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("entity_id", n.EntityID).
			Msg("Failed to publish notification (non-fatal)")
		p.metrics.Notification(n.Type, err)
		return err
	}

	p.metrics.Notification(n.Type, nil)
	p.log.Debug().
		Str("subject", subject).
		Str("entity_id", n.EntityID).
		Int("recipients", len(n.Recipients)).
		Msg("Notification published")
	return nil
}

// LogNotifier writes notifications to the log only. It is the default when
// no message bus is configured.
type LogNotifier struct {
	metrics *metrics.Metrics
	log     *logger.Logger
}

func NewLogNotifier(m *metrics.Metrics, log *logger.Logger) *LogNotifier {
	return &LogNotifier{metrics: m, log: log}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}
	l.metrics.Notification(n.Type, nil)
	l.log.Info().
		Str("type", n.Type).
		Strs("recipients", n.Recipients).
		Str("entity_type", n.EntityType).
		Str("entity_id", n.EntityID).
		Str("priority", n.Priority).
		Msg("Notification")
	return nil
}

// RecordingNotifier keeps every notification in memory. Err, when set, is
// returned from Notify after recording.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func (r *RecordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// Sent returns a copy of the recorded notifications.
func (r *RecordingNotifier) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// OfType returns recorded notifications of the given type.
func (r *RecordingNotifier) OfType(kind string) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.Type == kind {
			out = append(out, n)
		}
	}
	return out
}
