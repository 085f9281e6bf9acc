package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// ── Enumerations ──────────────────────────────────────────────────────────────

// WorkflowType is the category of an approval request.
type WorkflowType string

const (
	WorkflowPropertyEdit WorkflowType = "PROPERTY_EDIT"
	WorkflowBigExpense   WorkflowType = "BIG_EXPENSE"
	WorkflowLease        WorkflowType = "LEASE"
	WorkflowRefund       WorkflowType = "REFUND"
)

// Valid reports whether w is a known workflow type.
func (w WorkflowType) Valid() bool {
	switch w {
	case WorkflowPropertyEdit, WorkflowBigExpense, WorkflowLease, WorkflowRefund:
		return true
	}
	return false
}

// ActionPrefix is the audit action prefix for the workflow ("big_expense").
func (w WorkflowType) ActionPrefix() string {
	switch w {
	case WorkflowPropertyEdit:
		return "property_edit"
	case WorkflowBigExpense:
		return "big_expense"
	case WorkflowLease:
		return "lease"
	case WorkflowRefund:
		return "refund"
	}
	return "approval"
}

// ApprovalStatus is the overall status of a request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ApproverStatus is one approver's own decision state.
type ApproverStatus string

const (
	ApproverPending  ApproverStatus = "pending"
	ApproverApproved ApproverStatus = "approved"
	ApproverRejected ApproverStatus = "rejected"
)

// Decision is an approver action.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ── Entities ──────────────────────────────────────────────────────────────────

// Approver is one entry of a request's fixed approver list.
type Approver struct {
	UserID     string         `json:"user_id"`
	UserType   UserType       `json:"user_type"`
	Role       string         `json:"role"`
	Status     ApproverStatus `json:"status"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	RejectedAt *time.Time     `json:"rejected_at,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	// ActedBy is the user who decided. For PMC entries it differs from UserID.
	ActedBy string `json:"acted_by,omitempty"`
}

// Matches reports whether actor decides for this entry. A PMC entry names the
// PMC and the role the deciding member must hold there; any other entry
// names the user.
func (a Approver) Matches(actor Actor) bool {
	if a.UserType == UserTypePMC {
		return actor.Type == UserTypePMC && actor.PMCID != "" && actor.PMCID == a.UserID && actor.HasRole(a.Role)
	}
	return a.UserID != "" && a.UserID == actor.ID && (a.UserType == "" || a.UserType == actor.Type)
}

// ApprovalRequest is a multi-party approval over one target entity.
type ApprovalRequest struct {
	ID              string          `json:"id"`
	WorkflowType    WorkflowType    `json:"workflow_type"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	RequestedBy     string          `json:"requested_by"`
	RequestedByType UserType        `json:"requested_by_type"`
	Status          ApprovalStatus  `json:"status"`
	Approvers       []Approver      `json:"approvers"`
	Payload         WorkflowPayload `json:"payload"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	RequestedAt     time.Time       `json:"requested_at"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedByType  UserType        `json:"approved_by_type,omitempty"`
	RejectedAt      *time.Time      `json:"rejected_at,omitempty"`
	RejectedBy      string          `json:"rejected_by,omitempty"`
	RejectedByType  UserType        `json:"rejected_by_type,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	ExpiredAt       *time.Time      `json:"expired_at,omitempty"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EntityKey is the advisory-lock key of the request's target.
func (r *ApprovalRequest) EntityKey() string {
	return EntityKey(r.EntityType, r.EntityID)
}

// EntityKey formats the lock key for a target entity.
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// ApproverFor returns the position of the entry actor decides for, or -1.
func (r *ApprovalRequest) ApproverFor(actor Actor) int {
	for i := range r.Approvers {
		if r.Approvers[i].Matches(actor) {
			return i
		}
	}
	return -1
}

// IsPendingFor reports whether the request is waiting on the actor's own decision.
func (r *ApprovalRequest) IsPendingFor(actor Actor) bool {
	if r.Status != ApprovalPending {
		return false
	}
	for _, a := range r.Approvers {
		if a.Status == ApproverPending && a.Matches(actor) {
			return true
		}
	}
	return false
}

// IsExpired reports whether a pending request has passed its deadline.
func (r *ApprovalRequest) IsExpired(now time.Time) bool {
	return r.Status == ApprovalPending && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// RecipientIDs returns every approver id.
func (r *ApprovalRequest) RecipientIDs() []string {
	ids := make([]string, 0, len(r.Approvers))
	for _, a := range r.Approvers {
		ids = append(ids, a.UserID)
	}
	return ids
}

// RecordDecision applies one approver's decision and re-evaluates the overall
// status: any rejection rejects the request, approval needs every approver.
func (r *ApprovalRequest) RecordDecision(actor Actor, d Decision, notes string, at time.Time) error {
	if r.Status != ApprovalPending {
		return errors.InvalidState(fmt.Sprintf("approval request %s is %s", r.ID, r.Status))
	}
	idx := r.ApproverFor(actor)
	if idx < 0 {
		return errors.NotAnApprover(actor.ID, r.ID)
	}
	ap := &r.Approvers[idx]
	if ap.Status != ApproverPending {
		return errors.InvalidState(fmt.Sprintf("approver %s already %s request %s", actor.ID, ap.Status, r.ID))
	}

	ts := at
	ap.Notes = notes
	ap.ActedBy = actor.ID
	switch d {
	case DecisionApprove:
		ap.Status = ApproverApproved
		ap.ApprovedAt = &ts
	case DecisionReject:
		ap.Status = ApproverRejected
		ap.RejectedAt = &ts
		r.RejectionReason = notes
	default:
		return errors.InvalidInput("decision", fmt.Sprintf("unknown decision %q", d))
	}

	r.resolve(actor, at)
	return nil
}

func (r *ApprovalRequest) resolve(actor Actor, at time.Time) {
	allApproved := true
	for _, a := range r.Approvers {
		if a.Status == ApproverRejected {
			ts := at
			r.Status = ApprovalRejected
			r.RejectedAt = &ts
			r.RejectedBy = actor.ID
			r.RejectedByType = actor.Type
			return
		}
		if a.Status != ApproverApproved {
			allApproved = false
		}
	}
	if allApproved && len(r.Approvers) > 0 {
		ts := at
		r.Status = ApprovalApproved
		r.ApprovedAt = &ts
		r.ApprovedBy = actor.ID
		r.ApprovedByType = actor.Type
	}
}

// Expire moves a pending request to EXPIRED.
func (r *ApprovalRequest) Expire(at time.Time) error {
	if r.Status != ApprovalPending {
		return errors.InvalidState(fmt.Sprintf("approval request %s is %s", r.ID, r.Status))
	}
	ts := at
	r.Status = ApprovalExpired
	r.ExpiredAt = &ts
	return nil
}

// UnmarshalJSON decodes the payload according to the workflow type.
func (r *ApprovalRequest) UnmarshalJSON(data []byte) error {
	type alias ApprovalRequest
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		r.Payload = nil
		return nil
	}
	p, err := DecodePayload(r.WorkflowType, aux.Payload)
	if err != nil {
		return err
	}
	r.Payload = p
	return nil
}
