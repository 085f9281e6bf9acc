package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/scheduler"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// DefaultPropertyEditTTL is how long an owner has to answer a property edit.
const DefaultPropertyEditTTL = 72 * time.Hour

// expirySweepBatch caps how many requests one sweep pass expires.
const expirySweepBatch = 500

// ApprovalConfig holds workflow tunables.
type ApprovalConfig struct {
	BigExpenseThreshold decimal.Decimal
	PropertyEditTTL     time.Duration
}

// ApprovalService runs the four approval workflows.
type ApprovalService struct {
	engine
	cfg ApprovalConfig
}

// NewApprovalService creates a new approval service and registers its
// delayed-job handler.
func NewApprovalService(d Deps, cfg ApprovalConfig) *ApprovalService {
	if cfg.PropertyEditTTL <= 0 {
		cfg.PropertyEditTTL = DefaultPropertyEditTTL
	}
	s := &ApprovalService{engine: newEngine(d), cfg: cfg}
	if s.Scheduler != nil {
		s.Scheduler.Handle(scheduler.KindApprovalExpire, s.handleExpiryJob)
	}
	return s
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetPendingApprovals returns the PENDING requests still waiting on the
// actor's own decision. PMC members see entries naming their PMC with one of
// their roles.
func (s *ApprovalService) GetPendingApprovals(ctx context.Context, actor domain.Actor) ([]*domain.ApprovalRequest, error) {
	if actor.ID == "" {
		return nil, errors.InvalidInput("user_id", "user id is required")
	}
	var out []*domain.ApprovalRequest
	err := s.read(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.ListPendingForApprover(ctx, actor)
		return err
	})
	return out, err
}

// GetApproval returns one request to its requester, an approver or an admin.
func (s *ApprovalService) GetApproval(ctx context.Context, actor domain.Actor, requestID string) (*domain.ApprovalRequest, error) {
	var r *domain.ApprovalRequest
	err := s.read(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, err = tx.GetApproval(ctx, requestID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	if actor.ID != r.RequestedBy && r.ApproverFor(actor) < 0 && !isAdmin(actor) {
		return nil, errors.PermissionDenied("actor is not a party to this approval request")
	}
	return r, nil
}

// Decide routes an approver's decision to the workflow the request belongs to.
func (s *ApprovalService) Decide(ctx context.Context, requestID string, approver domain.Actor, verdict domain.Decision, notes string) (*domain.ApprovalRequest, error) {
	if verdict != domain.DecisionApprove && verdict != domain.DecisionReject {
		return nil, errors.InvalidInput("decision", "decision must be approve or reject")
	}
	var workflow domain.WorkflowType
	err := s.read(ctx, func(ctx context.Context, tx repository.Tx) error {
		r, err := tx.GetApproval(ctx, requestID, false)
		if err != nil {
			return err
		}
		workflow = r.WorkflowType
		return nil
	})
	if err != nil {
		return nil, err
	}

	approve := verdict == domain.DecisionApprove
	switch workflow {
	case domain.WorkflowPropertyEdit:
		if approve {
			return s.ApprovePropertyEdit(ctx, requestID, approver, notes)
		}
		return s.RejectPropertyEdit(ctx, requestID, approver, notes)
	case domain.WorkflowBigExpense:
		if approve {
			return s.ApproveBigExpense(ctx, requestID, approver, notes)
		}
		return s.RejectBigExpense(ctx, requestID, approver, notes)
	case domain.WorkflowLease:
		if approve {
			return s.ApproveLease(ctx, requestID, approver, notes)
		}
		return s.RejectLease(ctx, requestID, approver, notes)
	case domain.WorkflowRefund:
		if approve {
			return s.ApproveRefund(ctx, requestID, approver, notes)
		}
		return s.RejectRefund(ctx, requestID, approver, notes)
	}
	return nil, errors.Newf(errors.ErrCodeInternal, "approval request %s has unknown workflow %q", requestID, workflow)
}

// ── Shared mechanics ──────────────────────────────────────────────────────────

// beginRequest takes the entity lock and refuses a second PENDING request on
// the same target.
func beginRequest(ctx context.Context, tx repository.Tx, entityType, entityID string) error {
	if err := tx.LockEntity(ctx, domain.EntityKey(entityType, entityID)); err != nil {
		return err
	}
	existing, err := tx.FindPendingApproval(ctx, entityType, entityID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.Newf(errors.ErrCodeConflict, "%s %s already has pending approval request %s", entityType, entityID, existing.ID)
	}
	return nil
}

// newRequest builds a PENDING request with every approver pending.
func (s *ApprovalService) newRequest(requester domain.Actor, entityType, entityID string, p domain.WorkflowPayload, approvers ...domain.Approver) *domain.ApprovalRequest {
	now := s.now()
	for i := range approvers {
		approvers[i].Status = domain.ApproverPending
	}
	return &domain.ApprovalRequest{
		ID:              uuid.NewString(),
		WorkflowType:    p.WorkflowType(),
		EntityType:      entityType,
		EntityID:        entityID,
		RequestedBy:     requester.ID,
		RequestedByType: requester.Type,
		Status:          domain.ApprovalPending,
		Approvers:       approvers,
		Payload:         p,
		RequestedAt:     now,
		UpdatedAt:       now,
	}
}

// created records the audit event and notification for a new request.
func (s *ApprovalService) created(fx *effects, requester domain.Actor, r *domain.ApprovalRequest, before, after domain.Snapshot) {
	fx.audit(audit.Event{
		Actor:      requester,
		Action:     r.WorkflowType.ActionPrefix() + "_requested",
		Resource:   domain.EntityApproval,
		ResourceID: r.ID,
		Before:     before,
		After:      after,
		Details:    requestDetails(r),
	})
	fx.transition(string(r.WorkflowType), string(r.Status))
	fx.notify(client.Notification{
		Type:         client.NotifyApprovalRequired,
		Recipients:   r.RecipientIDs(),
		Title:        "Approval required",
		Message:      fmt.Sprintf("A %s request needs your approval", humanWorkflow(r.WorkflowType)),
		Priority:     client.PriorityHigh,
		EntityType:   domain.EntityApproval,
		EntityID:     r.ID,
		ActorID:      requester.ID,
		IsActionable: true,
		ActionURL:    "/approvals/" + r.ID,
		Payload:      map[string]any{"workflow_type": string(r.WorkflowType), "entity_id": r.EntityID},
	})
}

// decision is one approver action on a request of a given workflow.
type decision struct {
	op        string
	requestID string
	workflow  domain.WorkflowType
	actor     domain.Actor
	verdict   domain.Decision
	notes     string
	// gate runs before any state is touched.
	gate func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) error
	// resolve applies the outcome to the target entity once the request is
	// APPROVED or REJECTED. before/after are the audit snapshots.
	resolve func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) (before, after domain.Snapshot, err error)
}

// decide loads the request under lock, records the decision, applies the
// resolution if the request became terminal and emits the audit event.
func (s *ApprovalService) decide(ctx context.Context, d decision) (*domain.ApprovalRequest, error) {
	if d.verdict == domain.DecisionReject && d.notes == "" {
		return nil, errors.InvalidInput("reason", "rejection reason is required")
	}

	var out *domain.ApprovalRequest
	err := s.auditedTx(ctx, d.op, func(ctx context.Context, tx repository.Tx, fx *effects) error {
		r, err := tx.GetApproval(ctx, d.requestID, true)
		if err != nil {
			return err
		}
		if r.WorkflowType != d.workflow {
			return errors.InvalidInput("request_id", fmt.Sprintf("request %s is a %s request", r.ID, r.WorkflowType))
		}
		if err := d.gate(ctx, tx, r); err != nil {
			return err
		}

		now := s.now()
		if r.IsExpired(now) {
			return errors.InvalidState(fmt.Sprintf("approval request %s has expired", r.ID))
		}
		if err := r.RecordDecision(d.actor, d.verdict, d.notes, now); err != nil {
			return err
		}
		r.UpdatedAt = now

		var before, after domain.Snapshot
		if r.Status.IsTerminal() {
			before, after, err = d.resolve(ctx, tx, r)
			if err != nil {
				return err
			}
		}
		if err := tx.UpdateApproval(ctx, r); err != nil {
			return err
		}

		action := r.WorkflowType.ActionPrefix() + "_approval_recorded"
		switch r.Status {
		case domain.ApprovalApproved:
			action = r.WorkflowType.ActionPrefix() + "_approved"
		case domain.ApprovalRejected:
			action = r.WorkflowType.ActionPrefix() + "_rejected"
		}
		details := requestDetails(r)
		details["decision"] = string(d.verdict)
		if d.notes != "" {
			details["notes"] = d.notes
		}
		fx.audit(audit.Event{
			Actor:      d.actor,
			Action:     action,
			Resource:   domain.EntityApproval,
			ResourceID: r.ID,
			Before:     before,
			After:      after,
			Details:    details,
			At:         now,
		})
		if r.Status.IsTerminal() {
			fx.transition(string(r.WorkflowType), string(r.Status))
			fx.cancel(scheduler.ApprovalExpiryKey(r.ID))
			fx.notify(resolvedNotice(r, d.actor.ID))
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Log.Info().
		Str("request_id", out.ID).
		Str("workflow", string(out.WorkflowType)).
		Str("actor_id", d.actor.ID).
		Str("status", string(out.Status)).
		Msg("Approval decision recorded")
	return out, nil
}

// approverGate requires list membership first, then the capability.
func (s *ApprovalService) approverGate(actor domain.Actor, category rbac.Category, scope rbac.Scope) func(context.Context, repository.Tx, *domain.ApprovalRequest) error {
	return func(_ context.Context, _ repository.Tx, r *domain.ApprovalRequest) error {
		if r.ApproverFor(actor) < 0 {
			return errors.NotAnApprover(actor.ID, r.ID)
		}
		if !s.Oracle.HasPermission(actor, r.EntityType, rbac.ActionApprove, category, &scope) {
			return errors.PermissionDenied(fmt.Sprintf("actor lacks %s approval capability", category))
		}
		return nil
	}
}

func resolvedNotice(r *domain.ApprovalRequest, actorID string) client.Notification {
	kind, title := client.NotifyApprovalApproved, "Request approved"
	priority := client.PriorityNormal
	switch r.Status {
	case domain.ApprovalRejected:
		kind, title = client.NotifyApprovalRejected, "Request rejected"
		priority = client.PriorityHigh
	case domain.ApprovalExpired:
		kind, title = client.NotifyApprovalExpired, "Request expired"
	}
	payload := map[string]any{"workflow_type": string(r.WorkflowType), "entity_id": r.EntityID}
	if r.RejectionReason != "" {
		payload["reason"] = r.RejectionReason
	}
	return client.Notification{
		Type:       kind,
		Recipients: []string{r.RequestedBy},
		Title:      title,
		Message:    fmt.Sprintf("Your %s request is %s", humanWorkflow(r.WorkflowType), r.Status),
		Priority:   priority,
		EntityType: domain.EntityApproval,
		EntityID:   r.ID,
		ActorID:    actorID,
		Payload:    payload,
	}
}

func requestDetails(r *domain.ApprovalRequest) map[string]any {
	approvers := make([]map[string]any, 0, len(r.Approvers))
	for _, a := range r.Approvers {
		approvers = append(approvers, map[string]any{"user_id": a.UserID, "role": a.Role, "status": string(a.Status)})
	}
	return map[string]any{
		"workflow_type": string(r.WorkflowType),
		"entity_type":   r.EntityType,
		"entity_id":     r.EntityID,
		"status":        string(r.Status),
		"approvers":     approvers,
	}
}

func humanWorkflow(w domain.WorkflowType) string {
	switch w {
	case domain.WorkflowPropertyEdit:
		return "property edit"
	case domain.WorkflowBigExpense:
		return "expense"
	case domain.WorkflowLease:
		return "lease"
	case domain.WorkflowRefund:
		return "refund"
	}
	return "approval"
}

func isAdmin(a domain.Actor) bool {
	return a.Type == domain.UserTypeAdmin || a.HasRole(domain.RoleAdmin)
}

// ── Expiry ────────────────────────────────────────────────────────────────────

// CheckExpiredApprovals expires every PENDING request past its deadline,
// each in its own transaction. Running it again is a no-op.
func (s *ApprovalService) CheckExpiredApprovals(ctx context.Context) (int, error) {
	var ids []string
	err := s.read(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		ids, err = tx.ListExpiredPending(ctx, s.now(), expirySweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	var first error
	for _, id := range ids {
		ok, err := s.ExpireRequest(ctx, id)
		if err != nil {
			s.Log.Error().Err(err).Str("request_id", id).Msg("Failed to expire approval request")
			if first == nil {
				first = err
			}
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.Log.Info().Int("expired", expired).Msg("Expired approval requests")
	}
	return expired, first
}

// ExpireRequest expires one request if it is still PENDING and past its
// deadline. A PROPERTY_EDIT has its before snapshot reapplied to the live
// property. It reports whether the request was expired by this call.
func (s *ApprovalService) ExpireRequest(ctx context.Context, requestID string) (bool, error) {
	expired := false
	err := s.auditedTx(ctx, "approval.expire", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		r, err := tx.GetApproval(ctx, requestID, true)
		if err != nil {
			return err
		}
		now := s.now()
		if !r.IsExpired(now) {
			return errNoChange
		}

		var before, after domain.Snapshot
		if p, ok := r.Payload.(domain.PropertyEditPayload); ok {
			prop, err := tx.GetProperty(ctx, r.EntityID)
			if err != nil {
				return err
			}
			before = prop.Attributes
			after = p.BeforeState
			if err := tx.UpdatePropertyAttributes(ctx, r.EntityID, p.BeforeState.Clone(), now); err != nil {
				return err
			}
		}
		if err := r.Expire(now); err != nil {
			return err
		}
		r.UpdatedAt = now
		if err := tx.UpdateApproval(ctx, r); err != nil {
			return err
		}

		fx.audit(audit.Event{
			Actor:      domain.SystemActor,
			Action:     r.WorkflowType.ActionPrefix() + "_expired",
			Resource:   domain.EntityApproval,
			ResourceID: r.ID,
			Before:     before,
			After:      after,
			Details:    requestDetails(r),
			At:         now,
		})
		fx.transition(string(r.WorkflowType), string(r.Status))
		fx.notify(resolvedNotice(r, domain.SystemActor.ID))
		expired = true
		return nil
	})
	return expired, err
}

func (s *ApprovalService) handleExpiryJob(ctx context.Context, job scheduler.Job) error {
	_, err := s.ExpireRequest(ctx, job.Payload["request_id"])
	return err
}
