// Package rbac decides whether an actor may perform an action. Decisions are
// pure functions of the actor and the scope passed in; nothing is loaded here.
package rbac

import (
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
)

// Action is a capability verb.
type Action string

const (
	ActionView    Action = "view"
	ActionCreate  Action = "create"
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionManage  Action = "manage"
)

// Category groups resources that share a permission rule.
type Category string

const (
	CategoryPropertyManagement Category = "property_management"
	CategoryFinancial          Category = "financial"
	CategoryLeasing            Category = "leasing"
	CategoryMaintenance        Category = "maintenance"
	CategoryCompliance         Category = "compliance"
	CategoryUserManagement     Category = "user_management"
)

// ValidCategory reports whether c is known.
func ValidCategory(c Category) bool {
	_, ok := categoryNames[c]
	return ok
}

// ValidAction reports whether a is known.
func ValidAction(a Action) bool {
	switch a {
	case ActionView, ActionCreate, ActionEdit, ActionDelete, ActionApprove, ActionManage:
		return true
	}
	return false
}

// ValidRole reports whether role is assignable.
func ValidRole(role string) bool {
	if role == domain.RoleAdmin {
		return true
	}
	_, ok := defaultRules[role]
	return ok
}

var categoryNames = map[Category]struct{}{
	CategoryPropertyManagement: {},
	CategoryFinancial:          {},
	CategoryLeasing:            {},
	CategoryMaintenance:        {},
	CategoryCompliance:         {},
	CategoryUserManagement:     {},
}

// Scope describes who owns the resource being acted on. Empty fields are
// not checked.
type Scope struct {
	OwnerID  string
	PMCID    string
	TenantID string
}

// Resource identifies an entity together with its ownership scope.
type Resource struct {
	Type  string
	ID    string
	Scope Scope
}

type actionSet map[Action]struct{}

func actions(as ...Action) actionSet {
	s := make(actionSet, len(as))
	for _, a := range as {
		s[a] = struct{}{}
	}
	return s
}

// defaultRules is the role -> category -> actions table.
var defaultRules = map[string]map[Category]actionSet{
	domain.RoleLandlord: {
		CategoryPropertyManagement: actions(ActionView, ActionCreate, ActionEdit, ActionDelete, ActionApprove),
		CategoryFinancial:          actions(ActionView, ActionCreate, ActionEdit, ActionApprove),
		CategoryLeasing:            actions(ActionView, ActionCreate, ActionEdit, ActionApprove),
		CategoryMaintenance:        actions(ActionView, ActionCreate, ActionEdit, ActionApprove),
		CategoryCompliance:         actions(ActionView),
	},
	domain.RolePMCAdmin: {
		CategoryPropertyManagement: actions(ActionView, ActionCreate, ActionEdit),
		CategoryFinancial:          actions(ActionView, ActionCreate, ActionEdit, ActionApprove),
		CategoryLeasing:            actions(ActionView, ActionCreate, ActionEdit),
		CategoryMaintenance:        actions(ActionView, ActionCreate, ActionEdit, ActionApprove),
		CategoryCompliance:         actions(ActionView),
		CategoryUserManagement:     actions(ActionView, ActionManage),
	},
	domain.RolePMCAccountant: {
		CategoryPropertyManagement: actions(ActionView),
		CategoryFinancial:          actions(ActionView, ActionCreate, ActionEdit, ActionApprove),
	},
	domain.RolePMCManager: {
		CategoryPropertyManagement: actions(ActionView, ActionEdit),
		CategoryLeasing:            actions(ActionView, ActionCreate),
		CategoryMaintenance:        actions(ActionView, ActionCreate, ActionEdit),
		CategoryFinancial:          actions(ActionView, ActionCreate),
	},
	domain.RoleTenant: {
		CategoryMaintenance: actions(ActionView, ActionCreate, ActionEdit),
		CategoryFinancial:   actions(ActionView),
		CategoryLeasing:     actions(ActionView),
	},
}

// Oracle evaluates the rule table plus the actor's explicit grants.
type Oracle struct {
	rules map[string]map[Category]actionSet
}

// NewOracle returns an oracle over the default rule table.
func NewOracle() *Oracle {
	return &Oracle{rules: defaultRules}
}

// HasPermission reports whether actor may perform action on category within
// scope. resourceKey names the resource for grant matching ("category" or
// "category:resourceKey").
func (o *Oracle) HasPermission(actor domain.Actor, resourceKey string, action Action, category Category, scope *Scope) bool {
	if actor.ID == "" {
		return false
	}
	if actor.Type == domain.UserTypeAdmin || actor.HasRole(domain.RoleAdmin) {
		return true
	}
	if scope != nil && !inScope(actor, *scope) {
		return false
	}
	for _, role := range actor.Roles {
		if set, ok := o.rules[role][category]; ok {
			if _, ok := set[action]; ok {
				return true
			}
		}
	}
	for _, g := range actor.Grants {
		if g.Action != string(action) {
			continue
		}
		if g.Category == string(category) || (resourceKey != "" && g.Category == string(category)+":"+resourceKey) {
			return true
		}
	}
	return false
}

// CanAccessResource reports whether actor is a party to the resource at all.
func (o *Oracle) CanAccessResource(actor domain.Actor, res Resource) bool {
	if actor.ID == "" {
		return false
	}
	if actor.Type == domain.UserTypeAdmin || actor.HasRole(domain.RoleAdmin) {
		return true
	}
	return inScope(actor, res.Scope) && isParty(actor, res.Scope)
}

// inScope rejects actors acting outside their own properties, PMC or tenancy.
func inScope(actor domain.Actor, s Scope) bool {
	switch actor.Type {
	case domain.UserTypeLandlord:
		return s.OwnerID == "" || s.OwnerID == actor.ID
	case domain.UserTypePMC:
		return s.PMCID != "" && s.PMCID == actor.PMCID || s.PMCID == "" && s.OwnerID == ""
	case domain.UserTypeTenant:
		return s.TenantID == "" || s.TenantID == actor.ID
	case domain.UserTypeSystem:
		return true
	}
	return false
}

func isParty(actor domain.Actor, s Scope) bool {
	switch actor.Type {
	case domain.UserTypeLandlord:
		return s.OwnerID == actor.ID
	case domain.UserTypePMC:
		return s.PMCID != "" && s.PMCID == actor.PMCID
	case domain.UserTypeTenant:
		return s.TenantID == actor.ID
	case domain.UserTypeSystem:
		return true
	}
	return false
}
