package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// WorkflowPayload is the workflow-specific part of an approval request.
// Each workflow type has exactly one payload type.
type WorkflowPayload interface {
	WorkflowType() WorkflowType
}

// Snapshot is an opaque copy of an entity's editable fields.
type Snapshot map[string]any

// Clone returns a shallow copy. A nil snapshot stays nil.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a shallow merge of s and changes. Neither input is modified.
func (s Snapshot) Merge(changes Snapshot) Snapshot {
	out := make(Snapshot, len(s)+len(changes))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range changes {
		out[k] = v
	}
	return out
}

// PropertyEditPayload holds the snapshots captured when the request was created.
// BeforeState and AfterState are never recomputed.
type PropertyEditPayload struct {
	Changes     Snapshot `json:"changes"`
	BeforeState Snapshot `json:"before_state"`
	AfterState  Snapshot `json:"after_state"`
}

func (PropertyEditPayload) WorkflowType() WorkflowType { return WorkflowPropertyEdit }

type BigExpensePayload struct {
	ExpenseID  string          `json:"expense_id"`
	Amount     decimal.Decimal `json:"amount"`
	Threshold  decimal.Decimal `json:"threshold"`
	LandlordID string          `json:"landlord_id"`
	PMCID      string          `json:"pmc_id,omitempty"`
}

func (BigExpensePayload) WorkflowType() WorkflowType { return WorkflowBigExpense }

type LeasePayload struct {
	LeaseID     string          `json:"lease_id"`
	PropertyID  string          `json:"property_id"`
	TenantID    string          `json:"tenant_id"`
	MonthlyRent decimal.Decimal `json:"monthly_rent"`
}

func (LeasePayload) WorkflowType() WorkflowType { return WorkflowLease }

// RefundPayload describes a refund. Refunds are always for the full amount.
type RefundPayload struct {
	RefundID        string          `json:"refund_id"`
	StripePaymentID string          `json:"stripe_payment_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	FullRefund      bool            `json:"full_refund"`
	Reason          string          `json:"reason,omitempty"`
}

func (RefundPayload) WorkflowType() WorkflowType { return WorkflowRefund }

// DecodePayload decodes raw JSON into the payload type for t.
func DecodePayload(t WorkflowType, raw []byte) (WorkflowPayload, error) {
	switch t {
	case WorkflowPropertyEdit:
		var p PropertyEditPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("decode %s payload", t))
		}
		return p, nil
	case WorkflowBigExpense:
		var p BigExpensePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("decode %s payload", t))
		}
		return p, nil
	case WorkflowLease:
		var p LeasePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("decode %s payload", t))
		}
		return p, nil
	case WorkflowRefund:
		var p RefundPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("decode %s payload", t))
		}
		return p, nil
	}
	return nil, errors.Newf(errors.ErrCodeInternal, "unknown workflow type %q", t)
}
