package domain

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// TicketStatus is the stored maintenance ticket status.
type TicketStatus string

const (
	TicketNew        TicketStatus = "New"
	TicketPending    TicketStatus = "Pending"
	TicketInProgress TicketStatus = "In Progress"
	TicketClosed     TicketStatus = "Closed"
	TicketRejected   TicketStatus = "Rejected"
)

// Party is one side of a maintenance ticket.
type Party string

const (
	PartyLandlord Party = "landlord"
	PartyTenant   Party = "tenant"
)

// Other returns the opposite party.
func (p Party) Other() Party {
	if p == PartyLandlord {
		return PartyTenant
	}
	return PartyLandlord
}

// Valid reports whether p is a known party.
func (p Party) Valid() bool { return p == PartyLandlord || p == PartyTenant }

type TicketComment struct {
	ID             string    `json:"id"`
	AuthorID       string    `json:"author_id"`
	AuthorRole     Party     `json:"author_role"`
	Body           string    `json:"body"`
	IsStatusUpdate bool      `json:"is_status_update"`
	CreatedAt      time.Time `json:"created_at"`
}

type MaintenanceTicket struct {
	ID               string          `json:"id"`
	PropertyID       string          `json:"property_id"`
	TenantID         string          `json:"tenant_id"`
	LandlordID       string          `json:"landlord_id"`
	PMCID            string          `json:"pmc_id,omitempty"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Priority         string          `json:"priority"`
	Status           TicketStatus    `json:"status"`
	LandlordApproved bool            `json:"landlord_approved"`
	TenantApproved   bool            `json:"tenant_approved"`
	InitiatedBy      Party           `json:"initiated_by"`
	ClosedBy         Party           `json:"closed_by,omitempty"`
	RejectionReason  string          `json:"rejection_reason,omitempty"`
	Comments         []TicketComment `json:"comments"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Version          int64           `json:"version"`
}

// IsFinallyClosed is derived, never stored.
func (t *MaintenanceTicket) IsFinallyClosed() bool {
	return t.Status == TicketClosed && t.LandlordApproved && t.TenantApproved
}

// DisplayStatus renders a provisional close as still in progress.
func (t *MaintenanceTicket) DisplayStatus() TicketStatus {
	if t.Status == TicketClosed && !t.IsFinallyClosed() {
		return TicketInProgress
	}
	return t.Status
}

// PartyOf returns the side userID sits on, or "".
func (t *MaintenanceTicket) PartyOf(userID string) Party {
	switch userID {
	case t.LandlordID:
		return PartyLandlord
	case t.TenantID:
		return PartyTenant
	}
	return ""
}

// SubstantiveComments counts comments that are not status updates.
func (t *MaintenanceTicket) SubstantiveComments() int {
	n := 0
	for _, c := range t.Comments {
		if !c.IsStatusUpdate {
			n++
		}
	}
	return n
}

// CanAutoProgress reports whether the delayed Pending -> In Progress
// transition is still valid.
func (t *MaintenanceTicket) CanAutoProgress() bool {
	return t.Status == TicketPending && t.SubstantiveComments() > 0
}

func (t *MaintenanceTicket) setApproval(p Party, v bool) {
	if p == PartyLandlord {
		t.LandlordApproved = v
	} else {
		t.TenantApproved = v
	}
}

func (t *MaintenanceTicket) approvalOf(p Party) bool {
	if p == PartyLandlord {
		return t.LandlordApproved
	}
	return t.TenantApproved
}

// MarkViewed moves New to Pending when viewed by the non-initiating party.
func (t *MaintenanceTicket) MarkViewed(by Party) bool {
	if t.Status != TicketNew || by == t.InitiatedBy || !by.Valid() {
		return false
	}
	t.Status = TicketPending
	return true
}

// AutoProgress commits Pending to In Progress if still valid.
func (t *MaintenanceTicket) AutoProgress() bool {
	if !t.CanAutoProgress() {
		return false
	}
	t.Status = TicketInProgress
	return true
}

// Close provisionally closes the ticket. The closer's flag is set and the
// other side's flag is reset so closure needs counter-approval.
func (t *MaintenanceTicket) Close(by Party) error {
	switch t.Status {
	case TicketRejected:
		return errors.InvalidState("ticket was rejected")
	case TicketClosed:
		return errors.InvalidState("ticket is already closed")
	}
	t.Status = TicketClosed
	t.ClosedBy = by
	t.setApproval(by, true)
	t.setApproval(by.Other(), false)
	return nil
}

// ApproveClosure is the counter-approval that makes a close final.
func (t *MaintenanceTicket) ApproveClosure(by Party) error {
	if t.Status != TicketClosed || t.IsFinallyClosed() {
		return errors.InvalidState(fmt.Sprintf("ticket is not awaiting closure approval (status %s)", t.Status))
	}
	if by == t.ClosedBy || t.approvalOf(by) {
		return errors.InvalidState("closure must be approved by the other party")
	}
	t.setApproval(by, true)
	return nil
}

// RejectClosure reopens a provisionally closed ticket.
func (t *MaintenanceTicket) RejectClosure(by Party) error {
	if t.Status != TicketClosed || t.IsFinallyClosed() {
		return errors.InvalidState(fmt.Sprintf("ticket is not awaiting closure approval (status %s)", t.Status))
	}
	if by == t.ClosedBy {
		return errors.InvalidState("closure must be rejected by the other party")
	}
	t.Status = TicketInProgress
	t.LandlordApproved = false
	t.TenantApproved = false
	t.ClosedBy = ""
	return nil
}

// Reject refuses the original request. Only the receiving party may do so,
// and only before work has started.
func (t *MaintenanceTicket) Reject(by Party, reason string) error {
	if t.Status != TicketNew && t.Status != TicketPending {
		return errors.InvalidState(fmt.Sprintf("ticket cannot be rejected from status %s", t.Status))
	}
	if by == t.InitiatedBy {
		return errors.InvalidState("the initiating party cannot reject its own request")
	}
	t.Status = TicketRejected
	t.RejectionReason = reason
	return nil
}
