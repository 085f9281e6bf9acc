package domain

import "time"

// UserType identifies which portal a user belongs to.
type UserType string

const (
	UserTypeLandlord UserType = "landlord"
	UserTypeTenant   UserType = "tenant"
	UserTypePMC      UserType = "pmc"
	UserTypeAdmin    UserType = "admin"
	UserTypeSystem   UserType = "system"
)

// Role names understood by the permission oracle.
const (
	RoleLandlord      = "landlord"
	RoleTenant        = "tenant"
	RolePMCAdmin      = "pmc_admin"
	RolePMCAccountant = "pmc_accountant"
	RolePMCManager    = "pmc_manager"
	RoleAdmin         = "admin"

	// RoleOwner is the approver role recorded on owner-gated workflows.
	RoleOwner = "owner"
)

// Actor is the authenticated identity carried into every operation.
type Actor struct {
	ID     string            `json:"id"`
	Type   UserType          `json:"type"`
	Email  string            `json:"email,omitempty"`
	Name   string            `json:"name,omitempty"`
	Roles  []string          `json:"roles,omitempty"`
	PMCID  string            `json:"pmc_id,omitempty"`
	Grants []PermissionGrant `json:"grants,omitempty"`
}

// SystemActor is used for sweeps, timers and webhook handlers.
var SystemActor = Actor{ID: "system", Type: UserTypeSystem, Name: "system"}

// IsHuman reports whether the actor is a real user rather than automation.
func (a Actor) IsHuman() bool {
	return a.Type != UserTypeSystem && a.ID != "" && a.ID != SystemActor.ID
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleAssignment is a persisted role held by a user within a scope
// (a PMC id, a property id, or empty for global roles).
type RoleAssignment struct {
	UserID     string    `json:"user_id"`
	UserType   UserType  `json:"user_type"`
	Role       string    `json:"role"`
	ScopeID    string    `json:"scope_id,omitempty"`
	AssignedBy string    `json:"assigned_by"`
	AssignedAt time.Time `json:"assigned_at"`
}

// PermissionGrant is an explicit capability granted on top of role defaults.
type PermissionGrant struct {
	UserID    string    `json:"user_id"`
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
}
