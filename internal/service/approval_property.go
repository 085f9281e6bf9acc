package service

import (
	"context"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/scheduler"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// PropertyUpdateResult tells the caller whether an edit took effect or is
// waiting on the owner.
type PropertyUpdateResult struct {
	Applied           bool
	ApprovalRequestID string
	Property          *domain.Property
}

func propertyScope(p *domain.Property) rbac.Scope {
	return rbac.Scope{OwnerID: p.OwnerID, PMCID: p.PMCID}
}

// UpdateProperty applies an owner's edit directly. Anyone else's edit goes
// through owner approval.
func (s *ApprovalService) UpdateProperty(ctx context.Context, actor domain.Actor, propertyID string, changes domain.Snapshot) (*PropertyUpdateResult, error) {
	if len(changes) == 0 {
		return nil, errors.InvalidInput("changes", "at least one change is required")
	}

	var owner bool
	err := s.read(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetProperty(ctx, propertyID)
		if err != nil {
			return err
		}
		owner = actor.Type == domain.UserTypeLandlord && actor.ID == p.OwnerID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !owner {
		id, err := s.CreatePropertyEditApproval(ctx, propertyID, changes, actor)
		if err != nil {
			return nil, err
		}
		return &PropertyUpdateResult{ApprovalRequestID: id}, nil
	}

	var updated *domain.Property
	err = s.auditedTx(ctx, "property.update", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		if err := tx.LockEntity(ctx, domain.EntityKey(domain.EntityProperty, propertyID)); err != nil {
			return err
		}
		p, err := tx.GetProperty(ctx, propertyID)
		if err != nil {
			return err
		}
		scope := propertyScope(p)
		if !s.Oracle.HasPermission(actor, domain.EntityProperty, rbac.ActionEdit, rbac.CategoryPropertyManagement, &scope) {
			return errors.PermissionDenied("actor may not edit this property")
		}
		pending, err := tx.FindPendingApproval(ctx, domain.EntityProperty, propertyID)
		if err != nil {
			return err
		}
		if pending != nil {
			return errors.Newf(errors.ErrCodeConflict, "property %s has pending edit request %s", propertyID, pending.ID)
		}

		now := s.now()
		before := p.Attributes.Clone()
		after := p.Attributes.Merge(changes)
		if err := tx.UpdatePropertyAttributes(ctx, propertyID, after, now); err != nil {
			return err
		}
		fx.audit(audit.Event{
			Actor:      actor,
			Action:     "property_updated",
			Resource:   domain.EntityProperty,
			ResourceID: propertyID,
			Before:     before,
			After:      after,
			At:         now,
		})
		p.Attributes = after
		p.UpdatedAt = now
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &PropertyUpdateResult{Applied: true, Property: updated}, nil
}

// CreatePropertyEditApproval stages changes for the property owner. The live
// property is not touched; both snapshots are captured here and never
// recomputed.
func (s *ApprovalService) CreatePropertyEditApproval(ctx context.Context, propertyID string, changes domain.Snapshot, requester domain.Actor) (string, error) {
	if len(changes) == 0 {
		return "", errors.InvalidInput("changes", "at least one change is required")
	}

	var id string
	err := s.auditedTx(ctx, "property_edit.create", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		p, err := tx.GetProperty(ctx, propertyID)
		if err != nil {
			return err
		}
		scope := propertyScope(p)
		if !s.Oracle.HasPermission(requester, domain.EntityProperty, rbac.ActionEdit, rbac.CategoryPropertyManagement, &scope) {
			return errors.PermissionDenied("actor may not edit this property")
		}
		if err := beginRequest(ctx, tx, domain.EntityProperty, propertyID); err != nil {
			return err
		}
		// Re-read under the entity lock.
		if p, err = tx.GetProperty(ctx, propertyID); err != nil {
			return err
		}

		payload := domain.PropertyEditPayload{
			Changes:     changes.Clone(),
			BeforeState: p.Attributes.Clone(),
			AfterState:  p.Attributes.Merge(changes),
		}
		if payload.BeforeState == nil {
			payload.BeforeState = domain.Snapshot{}
		}
		r := s.newRequest(requester, domain.EntityProperty, propertyID, payload, domain.Approver{
			UserID:   p.OwnerID,
			UserType: domain.UserTypeLandlord,
			Role:     domain.RoleOwner,
		})
		expires := r.RequestedAt.Add(s.cfg.PropertyEditTTL)
		r.ExpiresAt = &expires

		if err := tx.CreateApproval(ctx, r); err != nil {
			return err
		}
		s.created(fx, requester, r, payload.BeforeState, payload.AfterState)
		fx.schedule(scheduler.Job{
			Kind:    scheduler.KindApprovalExpire,
			Key:     scheduler.ApprovalExpiryKey(r.ID),
			RunAt:   expires,
			Payload: map[string]string{"request_id": r.ID},
		})
		id = r.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	s.Log.Info().
		Str("request_id", id).
		Str("property_id", propertyID).
		Str("requested_by", requester.ID).
		Msg("Property edit submitted for owner approval")
	return id, nil
}

func (s *ApprovalService) propertyGate(ctx context.Context, tx repository.Tx, actor domain.Actor, r *domain.ApprovalRequest) error {
	p, err := tx.GetProperty(ctx, r.EntityID)
	if err != nil {
		return err
	}
	scope := propertyScope(p)
	if !s.Oracle.HasPermission(actor, domain.EntityProperty, rbac.ActionApprove, rbac.CategoryPropertyManagement, &scope) {
		return errors.PermissionDenied("actor lacks property management approval capability")
	}
	return nil
}

// ApprovePropertyEdit applies the staged after snapshot to the live property.
// This is the only place a staged edit reaches the property.
func (s *ApprovalService) ApprovePropertyEdit(ctx context.Context, requestID string, approver domain.Actor, notes string) (*domain.ApprovalRequest, error) {
	return s.decidePropertyEdit(ctx, requestID, approver, domain.DecisionApprove, notes)
}

// RejectPropertyEdit leaves the live property untouched.
func (s *ApprovalService) RejectPropertyEdit(ctx context.Context, requestID string, approver domain.Actor, reason string) (*domain.ApprovalRequest, error) {
	return s.decidePropertyEdit(ctx, requestID, approver, domain.DecisionReject, reason)
}

func (s *ApprovalService) decidePropertyEdit(ctx context.Context, requestID string, approver domain.Actor, verdict domain.Decision, notes string) (*domain.ApprovalRequest, error) {
	return s.decide(ctx, decision{
		op:        "property_edit." + string(verdict),
		requestID: requestID,
		workflow:  domain.WorkflowPropertyEdit,
		actor:     approver,
		verdict:   verdict,
		notes:     notes,
		gate: func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) error {
			return s.propertyGate(ctx, tx, approver, r)
		},
		resolve: func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) (domain.Snapshot, domain.Snapshot, error) {
			if r.Status != domain.ApprovalApproved {
				return nil, nil, nil
			}
			p := r.Payload.(domain.PropertyEditPayload)
			if err := tx.UpdatePropertyAttributes(ctx, r.EntityID, p.AfterState.Clone(), s.now()); err != nil {
				return nil, nil, err
			}
			return p.BeforeState, p.AfterState, nil
		},
	})
}
