package domain

import (
	"strings"
	"time"
)

// Audit actions that are not derived from a workflow prefix.
const (
	ActionDataAccessed          = "data_accessed"
	ActionSensitiveDataAccessed = "sensitive_data_accessed"
	ActionPermissionGranted     = "permission_granted"
	ActionPermissionRevoked     = "permission_revoked"
	ActionRoleAssigned          = "role_assigned"
	ActionRoleRemoved           = "role_removed"

	// ComplianceTagSensitive marks reads of PII or financial fields.
	ComplianceTagSensitive = "PII_FINANCIAL_ACCESS"
)

// AuditEntry is one immutable audit log record.
type AuditEntry struct {
	ID              string         `json:"id"`
	ActorID         string         `json:"actor_id"`
	ActorType       UserType       `json:"actor_type"`
	ActorEmail      string         `json:"actor_email,omitempty"`
	ActorName       string         `json:"actor_name,omitempty"`
	Action          string         `json:"action"`
	Resource        string         `json:"resource"`
	ResourceID      string         `json:"resource_id"`
	BeforeState     Snapshot       `json:"before_state,omitempty"`
	AfterState      Snapshot       `json:"after_state,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	RoleID          string         `json:"role_id,omitempty"`
	Sensitive       bool           `json:"sensitive"`
	SensitiveFields []string       `json:"sensitive_fields,omitempty"`
	ComplianceTag   string         `json:"compliance_tag,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	ArchivedAt      *time.Time     `json:"archived_at,omitempty"`
	ArchiveObject   string         `json:"archive_object,omitempty"`
}

// AuditFilter narrows audit log queries. Zero values match everything.
type AuditFilter struct {
	ActorID       string
	ActionPrefix  string
	Resource      string
	ResourceID    string
	SensitiveOnly bool
	From          time.Time
	To            time.Time
	Limit         int
}

// Matches reports whether e satisfies the filter.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.ActionPrefix != "" && !strings.HasPrefix(e.Action, f.ActionPrefix) {
		return false
	}
	if f.Resource != "" && e.Resource != f.Resource {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.SensitiveOnly && !e.Sensitive {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// AuditStatistics summarises audit activity over a window.
type AuditStatistics struct {
	From                 time.Time      `json:"from"`
	To                   time.Time      `json:"to"`
	TotalEntries         int            `json:"total_entries"`
	ByAction             map[string]int `json:"by_action"`
	DataAccessCount      int            `json:"data_access_count"`
	SensitiveAccessCount int            `json:"sensitive_access_count"`
	PermissionChanges    int            `json:"permission_changes"`
	RoleChanges          int            `json:"role_changes"`
	ApprovalTransitions  int            `json:"approval_transitions"`
	UniqueActors         int            `json:"unique_actors"`

	actors map[string]struct{}
}

// NewAuditStatistics starts an empty summary for [from, to).
func NewAuditStatistics(from, to time.Time) *AuditStatistics {
	return &AuditStatistics{From: from, To: to, ByAction: map[string]int{}, actors: map[string]struct{}{}}
}

// Add folds one entry into the summary.
func (s *AuditStatistics) Add(e *AuditEntry) {
	if s.actors == nil {
		s.actors = map[string]struct{}{}
	}
	s.actors[e.ActorID] = struct{}{}
	s.UniqueActors = len(s.actors)
	s.AddCount(e.Action, e.Sensitive, 1)
}

// AddCount folds n entries sharing action and sensitivity into the summary.
// UniqueActors is left to the caller.
func (s *AuditStatistics) AddCount(action string, sensitive bool, n int) {
	if s.ByAction == nil {
		s.ByAction = map[string]int{}
	}
	s.TotalEntries += n
	s.ByAction[action] += n

	switch {
	case sensitive:
		s.SensitiveAccessCount += n
	case action == ActionDataAccessed:
		s.DataAccessCount += n
	case IsPermissionChange(action):
		s.PermissionChanges += n
	case IsRoleChange(action):
		s.RoleChanges += n
	case IsApprovalTransition(action):
		s.ApprovalTransitions += n
	}
}

// IsPermissionChange reports grant/revoke actions.
func IsPermissionChange(action string) bool {
	return action == ActionPermissionGranted || action == ActionPermissionRevoked
}

// IsRoleChange reports role assignment/removal actions.
func IsRoleChange(action string) bool {
	return action == ActionRoleAssigned || action == ActionRoleRemoved
}

var approvalSuffixes = []string{"_requested", "_approved", "_rejected", "_expired", "_approval_recorded"}

// IsApprovalTransition reports workflow transition actions such as
// "big_expense_approval_recorded" or "property_edit_expired".
func IsApprovalTransition(action string) bool {
	for _, w := range []WorkflowType{WorkflowPropertyEdit, WorkflowBigExpense, WorkflowLease, WorkflowRefund} {
		prefix := w.ActionPrefix()
		if !strings.HasPrefix(action, prefix+"_") {
			continue
		}
		for _, suffix := range approvalSuffixes {
			if action == prefix+suffix {
				return true
			}
		}
	}
	return false
}
