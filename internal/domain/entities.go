package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity type names used on approval requests and audit entries.
const (
	EntityProperty    = "property"
	EntityLease       = "lease"
	EntityExpense     = "expense"
	EntityRefund      = "refund"
	EntityTicket      = "maintenance_ticket"
	EntityPayment     = "stripe_payment"
	EntityApproval    = "approval_request"
	EntityRole        = "role"
	EntityPermission  = "permission"
	EntityLegalNotice = "legal_notice"
)

// Property holds the editable attribute set that property edits snapshot.
type Property struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	PMCID      string    `json:"pmc_id,omitempty"`
	Name       string    `json:"name"`
	Attributes Snapshot  `json:"attributes"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type LeaseStatus string

const (
	LeaseDraft    LeaseStatus = "Draft"
	LeaseActive   LeaseStatus = "Active"
	LeaseRejected LeaseStatus = "Rejected"
)

// Lease is never Active until its owner approval completes.
type Lease struct {
	ID                string          `json:"id"`
	PropertyID        string          `json:"property_id"`
	TenantID          string          `json:"tenant_id"`
	LandlordID        string          `json:"landlord_id"`
	PMCID             string          `json:"pmc_id,omitempty"`
	MonthlyRent       decimal.Decimal `json:"monthly_rent"`
	StartDate         time.Time       `json:"start_date"`
	EndDate           time.Time       `json:"end_date"`
	Status            LeaseStatus     `json:"status"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type ExpenseStatus string

const (
	ExpenseApproved        ExpenseStatus = "Approved"
	ExpensePendingApproval ExpenseStatus = "PendingApproval"
	ExpenseRejected        ExpenseStatus = "Rejected"
)

type Expense struct {
	ID                string          `json:"id"`
	PropertyID        string          `json:"property_id"`
	LandlordID        string          `json:"landlord_id"`
	PMCID             string          `json:"pmc_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	Category          string          `json:"category"`
	Status            ExpenseStatus   `json:"status"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	CreatedBy         string          `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type RefundStatus string

const (
	RefundPendingApproval RefundStatus = "PendingApproval"
	RefundApproved        RefundStatus = "Approved"
	RefundRejected        RefundStatus = "Rejected"
)

// Refund always covers the full payment amount.
type Refund struct {
	ID                string          `json:"id"`
	StripePaymentID   string          `json:"stripe_payment_id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason"`
	Status            RefundStatus    `json:"status"`
	ApprovalRequestID string          `json:"approval_request_id,omitempty"`
	RequestedBy       string          `json:"requested_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
