package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// RoleService administers persisted roles and explicit permission grants.
type RoleService struct {
	engine
}

// NewRoleService creates a RoleService over d.
func NewRoleService(d Deps) *RoleService {
	return &RoleService{engine: newEngine(d)}
}

// AssignRole persists a role for a user. PMC administrators may only assign
// roles inside their own PMC and nobody but an admin hands out admin.
func (s *RoleService) AssignRole(ctx context.Context, actor domain.Actor, a domain.RoleAssignment) (*domain.RoleAssignment, error) {
	if a.UserID == "" {
		return nil, errors.InvalidInput("user_id", "user id is required")
	}
	if !rbac.ValidRole(a.Role) {
		return nil, errors.InvalidInput("role", fmt.Sprintf("unknown role %q", a.Role))
	}
	if err := s.authorize(actor, a.ScopeID); err != nil {
		return nil, err
	}
	if a.Role == domain.RoleAdmin && !isAdmin(actor) {
		return nil, errors.PermissionDenied("only an admin can assign the admin role")
	}

	a.AssignedBy = actor.ID
	a.AssignedAt = s.now()
	err := s.auditedTx(ctx, "role.assign", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		if err := tx.CreateRoleAssignment(ctx, a); err != nil {
			return err
		}
		fx.audit(audit.RoleAssigned(actor, a))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info().
		Str("user_id", a.UserID).
		Str("role", a.Role).
		Str("scope_id", a.ScopeID).
		Str("assigned_by", actor.ID).
		Msg("Role assigned")
	return &a, nil
}

// RemoveRole deletes a persisted role.
func (s *RoleService) RemoveRole(ctx context.Context, actor domain.Actor, userID, role, scopeID string) error {
	if userID == "" || role == "" {
		return errors.InvalidInput("role", "user id and role are required")
	}
	if err := s.authorize(actor, scopeID); err != nil {
		return err
	}
	if role == domain.RoleAdmin && !isAdmin(actor) {
		return errors.PermissionDenied("only an admin can remove the admin role")
	}

	return s.auditedTx(ctx, "role.remove", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		held, err := tx.ListRoleAssignments(ctx, userID)
		if err != nil {
			return err
		}
		var found *domain.RoleAssignment
		for i := range held {
			if held[i].Role == role && held[i].ScopeID == scopeID {
				found = &held[i]
				break
			}
		}
		if found == nil {
			return errors.NotFound(domain.EntityRole, userID+"/"+role)
		}
		if err := tx.DeleteRoleAssignment(ctx, userID, role, scopeID); err != nil {
			return err
		}
		fx.audit(audit.RoleRemoved(actor, *found))
		return nil
	})
}

// GrantPermission adds an explicit capability. category may be narrowed to
// one resource as "category:resource".
func (s *RoleService) GrantPermission(ctx context.Context, actor domain.Actor, g domain.PermissionGrant) (*domain.PermissionGrant, error) {
	if err := validGrant(g.UserID, g.Category, g.Action); err != nil {
		return nil, err
	}
	if err := s.authorize(actor, actor.PMCID); err != nil {
		return nil, err
	}

	g.GrantedBy = actor.ID
	g.GrantedAt = s.now()
	err := s.auditedTx(ctx, "permission.grant", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		if err := tx.CreatePermissionGrant(ctx, g); err != nil {
			return err
		}
		fx.audit(audit.PermissionGranted(actor, g))
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info().
		Str("user_id", g.UserID).
		Str("category", g.Category).
		Str("action", g.Action).
		Str("granted_by", actor.ID).
		Msg("Permission granted")
	return &g, nil
}

// RevokePermission removes an explicit capability.
func (s *RoleService) RevokePermission(ctx context.Context, actor domain.Actor, userID, category, action string) error {
	if err := validGrant(userID, category, action); err != nil {
		return err
	}
	if err := s.authorize(actor, actor.PMCID); err != nil {
		return err
	}

	return s.auditedTx(ctx, "permission.revoke", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		if err := tx.DeletePermissionGrant(ctx, userID, category, action); err != nil {
			return err
		}
		fx.audit(audit.PermissionRevoked(actor, domain.PermissionGrant{UserID: userID, Category: category, Action: action}))
		return nil
	})
}

// ResolveActor merges the user's persisted roles and grants into the actor
// taken from the token. Roles scoped to another PMC are left out.
func (s *RoleService) ResolveActor(ctx context.Context, actor domain.Actor) (domain.Actor, error) {
	if !actor.IsHuman() {
		return actor, nil
	}
	var (
		roles  []domain.RoleAssignment
		grants []domain.PermissionGrant
	)
	err := s.read(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		if roles, err = tx.ListRoleAssignments(ctx, actor.ID); err != nil {
			return err
		}
		grants, err = tx.ListPermissionGrants(ctx, actor.ID)
		return err
	})
	if err != nil {
		return actor, err
	}

	out := actor
	out.Roles = append([]string(nil), actor.Roles...)
	for _, r := range roles {
		if actor.Type == domain.UserTypePMC && r.ScopeID != "" && r.ScopeID != actor.PMCID {
			continue
		}
		if !out.HasRole(r.Role) {
			out.Roles = append(out.Roles, r.Role)
		}
	}
	out.Grants = append(append([]domain.PermissionGrant(nil), actor.Grants...), grants...)
	return out, nil
}

func (s *RoleService) authorize(actor domain.Actor, scopeID string) error {
	if isAdmin(actor) {
		return nil
	}
	if !s.Oracle.HasPermission(actor, domain.EntityRole, rbac.ActionManage, rbac.CategoryUserManagement, nil) {
		return errors.PermissionDenied("actor cannot manage users")
	}
	if actor.Type != domain.UserTypePMC || actor.PMCID == "" || scopeID != actor.PMCID {
		return errors.PermissionDenied("roles can only be managed inside the actor's own PMC")
	}
	return nil
}

func validGrant(userID, category, action string) error {
	if userID == "" {
		return errors.InvalidInput("user_id", "user id is required")
	}
	base, _, _ := strings.Cut(category, ":")
	if !rbac.ValidCategory(rbac.Category(base)) {
		return errors.InvalidInput("category", fmt.Sprintf("unknown category %q", category))
	}
	if !rbac.ValidAction(rbac.Action(action)) {
		return errors.InvalidInput("action", fmt.Sprintf("unknown action %q", action))
	}
	return nil
}
