// Package audit writes and reads the append-only RBAC audit log and runs its
// retention tiers.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
)

// Origin is where the request that caused an entry came from.
type Origin struct {
	IP        string
	UserAgent string
	RequestID string
}

type originKey struct{}

// WithOrigin stores o in ctx for entries recorded further down the call.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the origin stored by WithOrigin, or the zero Origin.
func OriginFrom(ctx context.Context) Origin {
	o, _ := ctx.Value(originKey{}).(Origin)
	return o
}

// Event is one auditable fact before it is stamped into an entry.
type Event struct {
	Actor           domain.Actor
	Action          string
	Resource        string
	ResourceID      string
	Before          domain.Snapshot
	After           domain.Snapshot
	Details         map[string]any
	RoleID          string
	Sensitive       bool
	SensitiveFields []string
	At              time.Time
}

// Entry stamps the event with an id, the request origin and its time.
func (ev Event) Entry(ctx context.Context, now time.Time) *domain.AuditEntry {
	at := ev.At
	if at.IsZero() {
		at = now
	}
	at = at.UTC()

	details := make(map[string]any, len(ev.Details)+4)
	for k, v := range ev.Details {
		details[k] = v
	}
	o := OriginFrom(ctx)
	if o.IP != "" {
		details["ip"] = o.IP
	}
	if o.UserAgent != "" {
		details["userAgent"] = o.UserAgent
	}
	if o.RequestID != "" {
		details["requestId"] = o.RequestID
	}
	details["timestamp"] = at.Format(time.RFC3339Nano)

	e := &domain.AuditEntry{
		ID:          uuid.NewString(),
		ActorID:     ev.Actor.ID,
		ActorType:   ev.Actor.Type,
		ActorEmail:  ev.Actor.Email,
		ActorName:   ev.Actor.Name,
		Action:      ev.Action,
		Resource:    ev.Resource,
		ResourceID:  ev.ResourceID,
		BeforeState: ev.Before.Clone(),
		AfterState:  ev.After.Clone(),
		Details:     details,
		RoleID:      ev.RoleID,
		CreatedAt:   at,
	}
	if ev.Sensitive {
		e.Sensitive = true
		e.SensitiveFields = append([]string(nil), ev.SensitiveFields...)
		e.ComplianceTag = domain.ComplianceTagSensitive
	}
	return e
}

// ── Constructors for the fixed action vocabulary ─────────────────────────────

func DataAccess(actor domain.Actor, resource, resourceID, operation string) Event {
	return Event{
		Actor:      actor,
		Action:     domain.ActionDataAccessed,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    map[string]any{"operation": operation},
	}
}

func SensitiveAccess(actor domain.Actor, resource, resourceID string, fields []string) Event {
	return Event{
		Actor:           actor,
		Action:          domain.ActionSensitiveDataAccessed,
		Resource:        resource,
		ResourceID:      resourceID,
		Sensitive:       true,
		SensitiveFields: fields,
	}
}

func PermissionGranted(actor domain.Actor, g domain.PermissionGrant) Event {
	return permissionEvent(actor, domain.ActionPermissionGranted, g, nil, grantSnapshot(g))
}

func PermissionRevoked(actor domain.Actor, g domain.PermissionGrant) Event {
	return permissionEvent(actor, domain.ActionPermissionRevoked, g, grantSnapshot(g), nil)
}

func permissionEvent(actor domain.Actor, action string, g domain.PermissionGrant, before, after domain.Snapshot) Event {
	return Event{
		Actor:      actor,
		Action:     action,
		Resource:   domain.EntityPermission,
		ResourceID: g.UserID,
		Before:     before,
		After:      after,
		Details:    map[string]any{"category": g.Category, "action": g.Action},
	}
}

func grantSnapshot(g domain.PermissionGrant) domain.Snapshot {
	return domain.Snapshot{"user_id": g.UserID, "category": g.Category, "action": g.Action}
}

func RoleAssigned(actor domain.Actor, a domain.RoleAssignment) Event {
	return roleEvent(actor, domain.ActionRoleAssigned, a, nil, roleSnapshot(a))
}

func RoleRemoved(actor domain.Actor, a domain.RoleAssignment) Event {
	return roleEvent(actor, domain.ActionRoleRemoved, a, roleSnapshot(a), nil)
}

func roleEvent(actor domain.Actor, action string, a domain.RoleAssignment, before, after domain.Snapshot) Event {
	return Event{
		Actor:      actor,
		Action:     action,
		Resource:   domain.EntityRole,
		ResourceID: a.UserID,
		RoleID:     a.Role,
		Before:     before,
		After:      after,
		Details:    map[string]any{"scope_id": a.ScopeID, "user_type": string(a.UserType)},
	}
}

func roleSnapshot(a domain.RoleAssignment) domain.Snapshot {
	return domain.Snapshot{"user_id": a.UserID, "role": a.Role, "scope_id": a.ScopeID}
}
