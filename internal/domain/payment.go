package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// DisputeStatus tracks the chargeback lifecycle of a card payment.
type DisputeStatus string

const (
	DisputeNone              DisputeStatus = "none"
	DisputeChargebackPending DisputeStatus = "chargeback_pending"
	DisputeChargebackWon     DisputeStatus = "chargeback_won"
	DisputeChargebackLost    DisputeStatus = "chargeback_lost"
)

// RentPaymentStatus is the ledger status of a rent payment.
type RentPaymentStatus string

const (
	RentPaid    RentPaymentStatus = "Paid"
	RentUnpaid  RentPaymentStatus = "Unpaid"
	RentPartial RentPaymentStatus = "Partial"
)

type StripePayment struct {
	ID                    string          `json:"id"`
	RentPaymentID         string          `json:"rent_payment_id"`
	TenantID              string          `json:"tenant_id"`
	LandlordID            string          `json:"landlord_id"`
	PropertyID            string          `json:"property_id"`
	PMCID                 string          `json:"pmc_id,omitempty"`
	StripePaymentIntentID string          `json:"stripe_payment_intent_id"`
	StripeChargeID        string          `json:"stripe_charge_id"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                string          `json:"status"`
	DisputeStatus         DisputeStatus   `json:"dispute_status"`
	DisputeID             string          `json:"dispute_id,omitempty"`
	DisputeReason         string          `json:"dispute_reason,omitempty"`
	LateFeesFrozen        bool            `json:"late_fees_frozen"`
	DisputeInitiatedAt    *time.Time      `json:"dispute_initiated_at,omitempty"`
	DisputeResolvedAt     *time.Time      `json:"dispute_resolved_at,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
	Version               int64           `json:"version"`
}

// LateFeesAllowed reports whether late-fee assessment may run.
func (p *StripePayment) LateFeesAllowed() bool {
	return !p.LateFeesFrozen
}

// OpenDispute enters chargeback_pending and freezes late fees. A repeat
// for the dispute already open reports changed=false.
func (p *StripePayment) OpenDispute(disputeID, reason string, at time.Time) (bool, error) {
	switch p.DisputeStatus {
	case DisputeNone, "":
	case DisputeChargebackPending:
		if p.DisputeID == disputeID {
			return false, nil
		}
		return false, errors.InvalidState(fmt.Sprintf("payment %s already has open dispute %s", p.ID, p.DisputeID))
	default:
		if p.DisputeID == disputeID {
			return false, nil
		}
		return false, errors.InvalidState(fmt.Sprintf("payment %s dispute already resolved (%s)", p.ID, p.DisputeStatus))
	}
	ts := at
	p.DisputeStatus = DisputeChargebackPending
	p.DisputeID = disputeID
	p.DisputeReason = reason
	p.LateFeesFrozen = true
	p.DisputeInitiatedAt = &ts
	p.DisputeResolvedAt = nil
	return true, nil
}

// ResolveDispute closes the dispute and unfreezes late fees. A repeat with the
// same outcome reports changed=false.
func (p *StripePayment) ResolveDispute(won bool, at time.Time) (bool, error) {
	target := DisputeChargebackLost
	if won {
		target = DisputeChargebackWon
	}
	switch p.DisputeStatus {
	case DisputeChargebackPending:
	case target:
		return false, nil
	default:
		return false, errors.InvalidState(fmt.Sprintf("payment %s has no open dispute (status %s)", p.ID, p.DisputeStatus))
	}
	ts := at
	p.DisputeStatus = target
	p.LateFeesFrozen = false
	p.DisputeResolvedAt = &ts
	return true, nil
}

type RentPayment struct {
	ID         string            `json:"id"`
	LeaseID    string            `json:"lease_id"`
	TenantID   string            `json:"tenant_id"`
	LandlordID string            `json:"landlord_id"`
	Amount     decimal.Decimal   `json:"amount"`
	Status     RentPaymentStatus `json:"status"`
	PaidAt     *time.Time        `json:"paid_at,omitempty"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// LegalNoticeDraft is the only status a notice is ever created with.
const LegalNoticeDraft = "Draft"

// LegalNotice is created only by an explicit landlord request.
type LegalNotice struct {
	ID              string    `json:"id"`
	StripePaymentID string    `json:"stripe_payment_id"`
	RentPaymentID   string    `json:"rent_payment_id"`
	LandlordID      string    `json:"landlord_id"`
	TenantID        string    `json:"tenant_id"`
	Status          string    `json:"status"`
	RequestedBy     string    `json:"requested_by"`
	CreatedAt       time.Time `json:"created_at"`
}
