package repository

import (
	"context"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

func (t *pgTx) ListRoleAssignments(ctx context.Context, userID string) ([]domain.RoleAssignment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, user_type, role, scope_id, assigned_by, assigned_at
		FROM role_assignments
		WHERE user_id = $1
		ORDER BY assigned_at ASC
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list role assignments")
	}
	defer rows.Close()

	var out []domain.RoleAssignment
	for rows.Next() {
		var a domain.RoleAssignment
		if err := rows.Scan(&a.UserID, &a.UserType, &a.Role, &a.ScopeID, &a.AssignedBy, &a.AssignedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan role assignment")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) CreateRoleAssignment(ctx context.Context, a domain.RoleAssignment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO role_assignments (user_id, user_type, role, scope_id, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.UserID, a.UserType, a.Role, a.ScopeID, a.AssignedBy, a.AssignedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "user %s already holds role %s", a.UserID, a.Role)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to assign role")
	}
	return nil
}

func (t *pgTx) DeleteRoleAssignment(ctx context.Context, userID, role, scopeID string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM role_assignments WHERE user_id = $1 AND role = $2 AND scope_id = $3
	`, userID, role, scopeID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to remove role")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(domain.EntityRole, userID+"/"+role)
	}
	return nil
}

func (t *pgTx) ListPermissionGrants(ctx context.Context, userID string) ([]domain.PermissionGrant, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT user_id, category, action, granted_by, granted_at
		FROM permission_grants
		WHERE user_id = $1
		ORDER BY granted_at ASC
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list permission grants")
	}
	defer rows.Close()

	var out []domain.PermissionGrant
	for rows.Next() {
		var g domain.PermissionGrant
		if err := rows.Scan(&g.UserID, &g.Category, &g.Action, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan permission grant")
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *pgTx) CreatePermissionGrant(ctx context.Context, g domain.PermissionGrant) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO permission_grants (user_id, category, action, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5)
	`, g.UserID, g.Category, g.Action, g.GrantedBy, g.GrantedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "user %s already has %s on %s", g.UserID, g.Action, g.Category)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to grant permission")
	}
	return nil
}

func (t *pgTx) DeletePermissionGrant(ctx context.Context, userID, category, action string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM permission_grants WHERE user_id = $1 AND category = $2 AND action = $3
	`, userID, category, action)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to revoke permission")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(domain.EntityPermission, userID+"/"+category+"/"+action)
	}
	return nil
}
