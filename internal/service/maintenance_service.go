package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/scheduler"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// DefaultMaintenanceDebounce delays Pending -> In Progress after the first
// substantive comment.
const DefaultMaintenanceDebounce = 60 * time.Second

const (
	actionTicketCreated          = "maintenance_ticket_created"
	actionTicketComment          = "maintenance_comment_added"
	actionTicketStatusChanged    = "maintenance_status_changed"
	actionTicketClosureRequested = "maintenance_closure_requested"
	actionTicketClosureApproved  = "maintenance_closure_approved"
	actionTicketClosureRejected  = "maintenance_closure_rejected"
	actionTicketRejected         = "maintenance_request_rejected"
)

// MaintenanceService runs the ticket status machine.
type MaintenanceService struct {
	engine
	debounce time.Duration
}

// NewMaintenanceService creates a new maintenance service and registers the
// auto-progress job handler.
func NewMaintenanceService(d Deps, debounce time.Duration) *MaintenanceService {
	if debounce <= 0 {
		debounce = DefaultMaintenanceDebounce
	}
	s := &MaintenanceService{engine: newEngine(d), debounce: debounce}
	if s.Scheduler != nil {
		s.Scheduler.Handle(scheduler.KindMaintenanceAutoProgress, func(ctx context.Context, job scheduler.Job) error {
			return s.AutoProgress(ctx, job.Payload["ticket_id"])
		})
	}
	return s
}

// TicketInput opens a ticket. Landlords must name the tenant; tenants open
// tickets on their own tenancy.
type TicketInput struct {
	PropertyID  string
	TenantID    string
	Title       string
	Description string
	Priority    string
}

// CreateTicket opens a ticket in New.
func (s *MaintenanceService) CreateTicket(ctx context.Context, actor domain.Actor, in TicketInput) (*domain.MaintenanceTicket, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errors.InvalidInput("title", "title is required")
	}
	var initiator domain.Party
	switch actor.Type {
	case domain.UserTypeTenant:
		initiator = domain.PartyTenant
		in.TenantID = actor.ID
	case domain.UserTypeLandlord:
		initiator = domain.PartyLandlord
		if in.TenantID == "" {
			return nil, errors.InvalidInput("tenant_id", "tenant is required")
		}
	default:
		return nil, errors.PermissionDenied("only landlords and tenants open maintenance tickets")
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}

	var t *domain.MaintenanceTicket
	err := s.auditedTx(ctx, "maintenance.create", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		p, err := tx.GetProperty(ctx, in.PropertyID)
		if err != nil {
			return err
		}
		scope := rbac.Scope{OwnerID: p.OwnerID, TenantID: in.TenantID}
		if !s.Oracle.HasPermission(actor, domain.EntityTicket, rbac.ActionCreate, rbac.CategoryMaintenance, &scope) {
			return errors.PermissionDenied("actor may not open tickets on this property")
		}

		now := s.now()
		t = &domain.MaintenanceTicket{
			ID:          uuid.NewString(),
			PropertyID:  p.ID,
			TenantID:    in.TenantID,
			LandlordID:  p.OwnerID,
			PMCID:       p.PMCID,
			Title:       in.Title,
			Description: in.Description,
			Priority:    in.Priority,
			Status:      domain.TicketNew,
			InitiatedBy: initiator,
			Comments:    []domain.TicketComment{},
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateTicket(ctx, t); err != nil {
			return err
		}
		fx.audit(ticketEvent(actor, actionTicketCreated, t, nil, nil))
		fx.notify(s.ticketNotice(t, actor, initiator.Other(), "New maintenance request: "+t.Title))
		return nil
	})
	return t, err
}

// GetTicket returns the ticket to one of its parties. The first view by the
// party that did not open it moves New to Pending.
func (s *MaintenanceService) GetTicket(ctx context.Context, actor domain.Actor, ticketID string) (*domain.MaintenanceTicket, error) {
	var t *domain.MaintenanceTicket
	err := s.read(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		t, err = tx.GetTicket(ctx, ticketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !s.Oracle.CanAccessResource(actor, ticketResource(t)) {
		return nil, errors.PermissionDenied("actor is not a party to this ticket")
	}

	if party := t.PartyOf(actor.ID); t.Status == domain.TicketNew && party != "" && party != t.InitiatedBy {
		viewed, err := s.transition(ctx, actor, ticketID, "maintenance.view", func(t *domain.MaintenanceTicket, party domain.Party) (string, string, error) {
			if !t.MarkViewed(party) {
				return "", "", errNoChange
			}
			return actionTicketStatusChanged, "Viewed by " + string(party), nil
		})
		if err != nil {
			return nil, err
		}
		if viewed != nil {
			t = viewed
		}
	}

	if err := s.Audit.LogDataAccess(ctx, actor, domain.EntityTicket, ticketID, "view"); err != nil {
		return nil, err
	}
	return t, nil
}

// AddComment appends a comment. A substantive comment on a Pending ticket
// (re)schedules the debounced move to In Progress.
func (s *MaintenanceService) AddComment(ctx context.Context, actor domain.Actor, ticketID, body string) (*domain.MaintenanceTicket, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errors.InvalidInput("body", "comment body is required")
	}

	var out *domain.MaintenanceTicket
	err := s.auditedTx(ctx, "maintenance.comment", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		t, party, err := s.loadForParty(ctx, tx, actor, ticketID)
		if err != nil {
			return err
		}
		now := s.now()
		c := domain.TicketComment{
			ID:         uuid.NewString(),
			AuthorID:   actor.ID,
			AuthorRole: party,
			Body:       body,
			CreatedAt:  now,
		}
		t.Comments = append(t.Comments, c)
		t.UpdatedAt = now
		if err := tx.UpdateTicket(ctx, t); err != nil {
			return err
		}
		ev := ticketEvent(actor, actionTicketComment, t, nil, nil)
		ev.Details["comment_id"] = c.ID
		fx.audit(ev)

		if t.CanAutoProgress() {
			fx.schedule(scheduler.Job{
				Kind:    scheduler.KindMaintenanceAutoProgress,
				Key:     scheduler.AutoProgressKey(t.ID),
				RunAt:   now.Add(s.debounce),
				Payload: map[string]string{"ticket_id": t.ID},
			})
		}
		out = t
		return nil
	})
	return out, err
}

// AutoProgress is the delayed Pending -> In Progress step. Conditions are
// checked again here; a ticket that moved on in the meantime is left alone.
func (s *MaintenanceService) AutoProgress(ctx context.Context, ticketID string) error {
	return s.auditedTx(ctx, "maintenance.auto_progress", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		t, err := tx.GetTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		before := t.Status
		if !t.AutoProgress() {
			return errNoChange
		}
		now := s.now()
		t.Comments = append(t.Comments, statusComment(domain.SystemActor.ID, "", "Work started", now))
		t.UpdatedAt = now
		if err := tx.UpdateTicket(ctx, t); err != nil {
			return err
		}
		fx.audit(ticketEvent(domain.SystemActor, actionTicketStatusChanged, t,
			domain.Snapshot{"status": string(before)}, domain.Snapshot{"status": string(t.Status)}))
		return nil
	})
}

// CloseTicket closes provisionally. The other party must approve the closure.
func (s *MaintenanceService) CloseTicket(ctx context.Context, actor domain.Actor, ticketID, note string) (*domain.MaintenanceTicket, error) {
	return s.transition(ctx, actor, ticketID, "maintenance.close", func(t *domain.MaintenanceTicket, party domain.Party) (string, string, error) {
		if err := t.Close(party); err != nil {
			return "", "", err
		}
		return actionTicketClosureRequested, withNote("Closed by "+string(party), note), nil
	})
}

// ApproveClosure makes a provisional close final.
func (s *MaintenanceService) ApproveClosure(ctx context.Context, actor domain.Actor, ticketID string) (*domain.MaintenanceTicket, error) {
	return s.transition(ctx, actor, ticketID, "maintenance.approve_closure", func(t *domain.MaintenanceTicket, party domain.Party) (string, string, error) {
		if err := t.ApproveClosure(party); err != nil {
			return "", "", err
		}
		return actionTicketClosureApproved, "Closure approved by " + string(party), nil
	})
}

// RejectClosure reopens a provisionally closed ticket to In Progress.
func (s *MaintenanceService) RejectClosure(ctx context.Context, actor domain.Actor, ticketID, reason string) (*domain.MaintenanceTicket, error) {
	return s.transition(ctx, actor, ticketID, "maintenance.reject_closure", func(t *domain.MaintenanceTicket, party domain.Party) (string, string, error) {
		if err := t.RejectClosure(party); err != nil {
			return "", "", err
		}
		return actionTicketClosureRejected, withNote("Closure rejected by "+string(party), reason), nil
	})
}

// RejectRequest refuses the ticket outright. Only the receiving party may,
// and only before work started.
func (s *MaintenanceService) RejectRequest(ctx context.Context, actor domain.Actor, ticketID, reason string) (*domain.MaintenanceTicket, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}
	return s.transition(ctx, actor, ticketID, "maintenance.reject", func(t *domain.MaintenanceTicket, party domain.Party) (string, string, error) {
		if err := t.Reject(party, reason); err != nil {
			return "", "", err
		}
		return actionTicketRejected, withNote("Request rejected by "+string(party), reason), nil
	})
}

// transition applies a party's status change with its status comment, audit
// entry and notification of the other party.
func (s *MaintenanceService) transition(
	ctx context.Context,
	actor domain.Actor,
	ticketID, op string,
	apply func(t *domain.MaintenanceTicket, party domain.Party) (action, comment string, err error),
) (*domain.MaintenanceTicket, error) {
	var out *domain.MaintenanceTicket
	err := s.auditedTx(ctx, op, func(ctx context.Context, tx repository.Tx, fx *effects) error {
		t, party, err := s.loadForParty(ctx, tx, actor, ticketID)
		if err != nil {
			return err
		}
		before := ticketSnapshot(t)
		action, comment, err := apply(t, party)
		if err != nil {
			return err
		}
		now := s.now()
		t.Comments = append(t.Comments, statusComment(actor.ID, party, comment, now))
		t.UpdatedAt = now
		if err := tx.UpdateTicket(ctx, t); err != nil {
			return err
		}
		fx.audit(ticketEvent(actor, action, t, before, ticketSnapshot(t)))
		if t.Status != domain.TicketPending {
			fx.cancel(scheduler.AutoProgressKey(t.ID))
		}
		fx.notify(s.ticketNotice(t, actor, party.Other(), comment))
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		s.Log.Info().
			Str("ticket_id", out.ID).
			Str("actor_id", actor.ID).
			Str("status", string(out.DisplayStatus())).
			Msg("Maintenance ticket updated")
	}
	return out, nil
}

func (s *MaintenanceService) loadForParty(ctx context.Context, tx repository.Tx, actor domain.Actor, ticketID string) (*domain.MaintenanceTicket, domain.Party, error) {
	t, err := tx.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, "", err
	}
	party := t.PartyOf(actor.ID)
	if party == "" {
		return nil, "", errors.PermissionDenied("only the ticket's landlord or tenant may change it")
	}
	scope := rbac.Scope{OwnerID: t.LandlordID, TenantID: t.TenantID}
	if !s.Oracle.HasPermission(actor, domain.EntityTicket, rbac.ActionEdit, rbac.CategoryMaintenance, &scope) {
		return nil, "", errors.PermissionDenied("actor may not update maintenance tickets")
	}
	return t, party, nil
}

func (s *MaintenanceService) ticketNotice(t *domain.MaintenanceTicket, actor domain.Actor, to domain.Party, message string) client.Notification {
	recipient := t.TenantID
	if to == domain.PartyLandlord {
		recipient = t.LandlordID
	}
	return client.Notification{
		Type:       client.NotifyTicketStatusChanged,
		Recipients: []string{recipient},
		TargetRole: string(to),
		Title:      t.Title,
		Message:    message,
		Priority:   ticketPriority(t.Priority),
		EntityType: domain.EntityTicket,
		EntityID:   t.ID,
		ActorID:    actor.ID,
		ActionURL:  "/maintenance/" + t.ID,
		Payload:    map[string]any{"status": string(t.DisplayStatus())},
	}
}

func ticketPriority(p string) string {
	switch strings.ToLower(p) {
	case "urgent", "high", "emergency":
		return client.PriorityHigh
	case "low":
		return client.PriorityLow
	}
	return client.PriorityNormal
}

func ticketResource(t *domain.MaintenanceTicket) rbac.Resource {
	return rbac.Resource{
		Type:  domain.EntityTicket,
		ID:    t.ID,
		Scope: rbac.Scope{OwnerID: t.LandlordID, TenantID: t.TenantID, PMCID: t.PMCID},
	}
}

func ticketEvent(actor domain.Actor, action string, t *domain.MaintenanceTicket, before, after domain.Snapshot) audit.Event {
	return audit.Event{
		Actor:      actor,
		Action:     action,
		Resource:   domain.EntityTicket,
		ResourceID: t.ID,
		Before:     before,
		After:      after,
		Details: map[string]any{
			"status":         string(t.Status),
			"display_status": string(t.DisplayStatus()),
			"property_id":    t.PropertyID,
		},
	}
}

func ticketSnapshot(t *domain.MaintenanceTicket) domain.Snapshot {
	return domain.Snapshot{
		"status":            string(t.Status),
		"landlord_approved": t.LandlordApproved,
		"tenant_approved":   t.TenantApproved,
		"closed_by":         string(t.ClosedBy),
	}
}

func statusComment(authorID string, role domain.Party, body string, at time.Time) domain.TicketComment {
	return domain.TicketComment{
		ID:             uuid.NewString(),
		AuthorID:       authorID,
		AuthorRole:     role,
		Body:           body,
		IsStatusUpdate: true,
		CreatedAt:      at,
	}
}

func withNote(msg, note string) string {
	if note = strings.TrimSpace(note); note != "" {
		return fmt.Sprintf("%s: %s", msg, note)
	}
	return msg
}
