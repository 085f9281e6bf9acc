package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// ── Big expense ───────────────────────────────────────────────────────────────

// ExpenseInput is a new expense against a property.
type ExpenseInput struct {
	PropertyID  string
	Amount      decimal.Decimal
	Description string
	Category    string
}

// SubmitExpense records an expense. Amounts above the configured threshold
// start a BIG_EXPENSE approval and the expense waits in PendingApproval; the
// returned request id is empty otherwise.
func (s *ApprovalService) SubmitExpense(ctx context.Context, actor domain.Actor, in ExpenseInput) (*domain.Expense, string, error) {
	if !in.Amount.IsPositive() {
		return nil, "", errors.InvalidInput("amount", "amount must be greater than zero")
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, "", errors.InvalidInput("description", "description is required")
	}

	var (
		exp *domain.Expense
		id  string
	)
	err := s.auditedTx(ctx, "expense.submit", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		p, err := tx.GetProperty(ctx, in.PropertyID)
		if err != nil {
			return err
		}
		scope := propertyScope(p)
		if !s.Oracle.HasPermission(actor, domain.EntityExpense, rbac.ActionCreate, rbac.CategoryFinancial, &scope) {
			return errors.PermissionDenied("actor may not record expenses on this property")
		}

		now := s.now()
		exp = &domain.Expense{
			ID:          uuid.NewString(),
			PropertyID:  p.ID,
			LandlordID:  p.OwnerID,
			PMCID:       p.PMCID,
			Amount:      in.Amount,
			Description: in.Description,
			Category:    in.Category,
			Status:      domain.ExpenseApproved,
			CreatedBy:   actor.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.CreateExpense(ctx, exp); err != nil {
			return err
		}

		if in.Amount.LessThanOrEqual(s.cfg.BigExpenseThreshold) {
			fx.audit(audit.Event{
				Actor:      actor,
				Action:     "expense_recorded",
				Resource:   domain.EntityExpense,
				ResourceID: exp.ID,
				After:      expenseSnapshot(exp),
				At:         now,
			})
			return nil
		}
		id, err = s.openBigExpense(ctx, tx, fx, exp, in.Amount, s.cfg.BigExpenseThreshold, actor)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return exp, id, nil
}

// BigExpenseInput starts approval for an existing expense. Amount, LandlordID
// and PMCID are optional; when set they must agree with the stored expense.
type BigExpenseInput struct {
	ExpenseID  string
	Amount     decimal.Decimal
	Threshold  decimal.Decimal
	LandlordID string
	PMCID      string
}

// CreateBigExpenseApproval starts a BIG_EXPENSE approval. Ownership and
// amount come from the stored expense. It returns an empty id, and writes
// nothing, when the amount does not exceed the threshold.
func (s *ApprovalService) CreateBigExpenseApproval(ctx context.Context, in BigExpenseInput, requester domain.Actor) (string, error) {
	if in.ExpenseID == "" {
		return "", errors.InvalidInput("expense_id", "expense id is required")
	}
	if in.Threshold.IsNegative() {
		return "", errors.InvalidInput("threshold", "threshold must not be negative")
	}

	var id string
	err := s.auditedTx(ctx, "big_expense.create", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		exp, err := tx.GetExpense(ctx, in.ExpenseID)
		if err != nil {
			return err
		}
		if err := matchExpense(exp, in); err != nil {
			return err
		}
		scope := rbac.Scope{OwnerID: exp.LandlordID, PMCID: exp.PMCID}
		if !s.Oracle.HasPermission(requester, domain.EntityExpense, rbac.ActionCreate, rbac.CategoryFinancial, &scope) {
			return errors.PermissionDenied("actor may not submit expenses for this landlord")
		}
		if exp.Amount.LessThanOrEqual(in.Threshold) {
			return errNoChange
		}
		if exp.Status == domain.ExpenseRejected {
			return errors.InvalidState(fmt.Sprintf("expense %s was rejected", exp.ID))
		}
		id, err = s.openBigExpense(ctx, tx, fx, exp, exp.Amount, in.Threshold, requester)
		return err
	})
	return id, err
}

func matchExpense(exp *domain.Expense, in BigExpenseInput) error {
	if exp.LandlordID == "" {
		return errors.InvalidState(fmt.Sprintf("expense %s has no landlord", exp.ID))
	}
	if in.LandlordID != "" && in.LandlordID != exp.LandlordID {
		return errors.InvalidInput("landlord_id", "landlord does not own this expense")
	}
	if in.PMCID != "" && in.PMCID != exp.PMCID {
		return errors.InvalidInput("pmc_id", "pmc does not manage this expense")
	}
	if !in.Amount.IsZero() && !in.Amount.Equal(exp.Amount) {
		return errors.InvalidInput("amount", "amount does not match the recorded expense")
	}
	return nil
}

func (s *ApprovalService) openBigExpense(ctx context.Context, tx repository.Tx, fx *effects, exp *domain.Expense, amount, threshold decimal.Decimal, requester domain.Actor) (string, error) {
	if err := beginRequest(ctx, tx, domain.EntityExpense, exp.ID); err != nil {
		return "", err
	}

	var approvers []domain.Approver
	if exp.PMCID != "" {
		approvers = append(approvers, domain.Approver{
			UserID:   exp.PMCID,
			UserType: domain.UserTypePMC,
			Role:     domain.RolePMCAccountant,
		})
	}
	approvers = append(approvers, domain.Approver{
		UserID:   exp.LandlordID,
		UserType: domain.UserTypeLandlord,
		Role:     domain.RoleLandlord,
	})

	r := s.newRequest(requester, domain.EntityExpense, exp.ID, domain.BigExpensePayload{
		ExpenseID:  exp.ID,
		Amount:     amount,
		Threshold:  threshold,
		LandlordID: exp.LandlordID,
		PMCID:      exp.PMCID,
	}, approvers...)
	if err := tx.CreateApproval(ctx, r); err != nil {
		return "", err
	}

	before := expenseSnapshot(exp)
	exp.Status = domain.ExpensePendingApproval
	exp.ApprovalRequestID = r.ID
	exp.UpdatedAt = r.RequestedAt
	if err := tx.UpdateExpense(ctx, exp); err != nil {
		return "", err
	}
	s.created(fx, requester, r, before, expenseSnapshot(exp))
	return r.ID, nil
}

// ApproveBigExpense records one approver's approval. The request is APPROVED
// only once every approver approved.
func (s *ApprovalService) ApproveBigExpense(ctx context.Context, requestID string, approver domain.Actor, notes string) (*domain.ApprovalRequest, error) {
	return s.decideBigExpense(ctx, requestID, approver, domain.DecisionApprove, notes)
}

// RejectBigExpense voids the request on a single rejection.
func (s *ApprovalService) RejectBigExpense(ctx context.Context, requestID string, approver domain.Actor, reason string) (*domain.ApprovalRequest, error) {
	return s.decideBigExpense(ctx, requestID, approver, domain.DecisionReject, reason)
}

func (s *ApprovalService) decideBigExpense(ctx context.Context, requestID string, approver domain.Actor, verdict domain.Decision, notes string) (*domain.ApprovalRequest, error) {
	return s.decide(ctx, decision{
		op:        "big_expense." + string(verdict),
		requestID: requestID,
		workflow:  domain.WorkflowBigExpense,
		actor:     approver,
		verdict:   verdict,
		notes:     notes,
		gate: func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) error {
			p := r.Payload.(domain.BigExpensePayload)
			return s.approverGate(approver, rbac.CategoryFinancial, rbac.Scope{OwnerID: p.LandlordID, PMCID: p.PMCID})(ctx, tx, r)
		},
		resolve: func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) (domain.Snapshot, domain.Snapshot, error) {
			exp, err := tx.GetExpense(ctx, r.EntityID)
			if err != nil {
				return nil, nil, err
			}
			before := expenseSnapshot(exp)
			exp.Status = domain.ExpenseApproved
			if r.Status == domain.ApprovalRejected {
				exp.Status = domain.ExpenseRejected
			}
			exp.UpdatedAt = s.now()
			if err := tx.UpdateExpense(ctx, exp); err != nil {
				return nil, nil, err
			}
			return before, expenseSnapshot(exp), nil
		},
	})
}

func expenseSnapshot(e *domain.Expense) domain.Snapshot {
	return domain.Snapshot{"status": string(e.Status), "amount": e.Amount.String(), "approval_request_id": e.ApprovalRequestID}
}

// ── Lease ─────────────────────────────────────────────────────────────────────

// LeaseInput is a lease to draft for owner approval.
type LeaseInput struct {
	PropertyID  string
	TenantID    string
	MonthlyRent decimal.Decimal
	StartDate   time.Time
	EndDate     time.Time
}

// CreateLeaseApproval drafts a lease and requests the owner's approval. The
// lease stays Draft until the owner approves, whoever created it.
func (s *ApprovalService) CreateLeaseApproval(ctx context.Context, in LeaseInput, requester domain.Actor) (*domain.Lease, string, error) {
	if in.TenantID == "" {
		return nil, "", errors.InvalidInput("tenant_id", "tenant is required")
	}
	if !in.MonthlyRent.IsPositive() {
		return nil, "", errors.InvalidInput("monthly_rent", "monthly rent must be greater than zero")
	}
	if in.StartDate.IsZero() || !in.EndDate.After(in.StartDate) {
		return nil, "", errors.InvalidInput("end_date", "end date must be after start date")
	}

	var (
		lease *domain.Lease
		id    string
	)
	err := s.auditedTx(ctx, "lease.create", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		p, err := tx.GetProperty(ctx, in.PropertyID)
		if err != nil {
			return err
		}
		scope := propertyScope(p)
		if !s.Oracle.HasPermission(requester, domain.EntityLease, rbac.ActionCreate, rbac.CategoryLeasing, &scope) {
			return errors.PermissionDenied("actor may not create leases on this property")
		}

		now := s.now()
		lease = &domain.Lease{
			ID:          uuid.NewString(),
			PropertyID:  p.ID,
			TenantID:    in.TenantID,
			LandlordID:  p.OwnerID,
			PMCID:       p.PMCID,
			MonthlyRent: in.MonthlyRent,
			StartDate:   in.StartDate.UTC(),
			EndDate:     in.EndDate.UTC(),
			Status:      domain.LeaseDraft,
			CreatedBy:   requester.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := beginRequest(ctx, tx, domain.EntityLease, lease.ID); err != nil {
			return err
		}
		r := s.newRequest(requester, domain.EntityLease, lease.ID, domain.LeasePayload{
			LeaseID:     lease.ID,
			PropertyID:  p.ID,
			TenantID:    in.TenantID,
			MonthlyRent: in.MonthlyRent,
		}, domain.Approver{
			UserID:   p.OwnerID,
			UserType: domain.UserTypeLandlord,
			Role:     domain.RoleOwner,
		})
		lease.ApprovalRequestID = r.ID
		if err := tx.CreateLease(ctx, lease); err != nil {
			return err
		}
		if err := tx.CreateApproval(ctx, r); err != nil {
			return err
		}
		s.created(fx, requester, r, nil, leaseSnapshot(lease))
		id = r.ID
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return lease, id, nil
}

// ApproveLease activates the lease.
func (s *ApprovalService) ApproveLease(ctx context.Context, requestID string, approver domain.Actor, notes string) (*domain.ApprovalRequest, error) {
	return s.decideLease(ctx, requestID, approver, domain.DecisionApprove, notes)
}

// RejectLease marks the draft lease Rejected.
func (s *ApprovalService) RejectLease(ctx context.Context, requestID string, approver domain.Actor, reason string) (*domain.ApprovalRequest, error) {
	return s.decideLease(ctx, requestID, approver, domain.DecisionReject, reason)
}

func (s *ApprovalService) decideLease(ctx context.Context, requestID string, approver domain.Actor, verdict domain.Decision, notes string) (*domain.ApprovalRequest, error) {
	return s.decide(ctx, decision{
		op:        "lease." + string(verdict),
		requestID: requestID,
		workflow:  domain.WorkflowLease,
		actor:     approver,
		verdict:   verdict,
		notes:     notes,
		gate: func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) error {
			lease, err := tx.GetLease(ctx, r.EntityID)
			if err != nil {
				return err
			}
			return s.approverGate(approver, rbac.CategoryLeasing, rbac.Scope{OwnerID: lease.LandlordID, PMCID: lease.PMCID})(ctx, tx, r)
		},
		resolve: func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) (domain.Snapshot, domain.Snapshot, error) {
			lease, err := tx.GetLease(ctx, r.EntityID)
			if err != nil {
				return nil, nil, err
			}
			if lease.Status != domain.LeaseDraft {
				return nil, nil, errors.InvalidState(fmt.Sprintf("lease %s is %s, not Draft", lease.ID, lease.Status))
			}
			before := leaseSnapshot(lease)
			lease.Status = domain.LeaseActive
			if r.Status == domain.ApprovalRejected {
				lease.Status = domain.LeaseRejected
			}
			lease.UpdatedAt = s.now()
			if err := tx.UpdateLease(ctx, lease); err != nil {
				return nil, nil, err
			}
			return before, leaseSnapshot(lease), nil
		},
	})
}

func leaseSnapshot(l *domain.Lease) domain.Snapshot {
	return domain.Snapshot{
		"status":       string(l.Status),
		"tenant_id":    l.TenantID,
		"monthly_rent": l.MonthlyRent.String(),
		"start_date":   l.StartDate.Format("2006-01-02"),
		"end_date":     l.EndDate.Format("2006-01-02"),
	}
}

// ── Refund ────────────────────────────────────────────────────────────────────

// CreateRefundApproval requests a refund of a card payment. A refund always
// covers the full payment amount; no partial amount is accepted.
func (s *ApprovalService) CreateRefundApproval(ctx context.Context, stripePaymentID, reason string, requester domain.Actor) (*domain.Refund, string, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, "", errors.InvalidInput("reason", "refund reason is required")
	}

	var (
		refund *domain.Refund
		id     string
	)
	err := s.auditedTx(ctx, "refund.create", func(ctx context.Context, tx repository.Tx, fx *effects) error {
		pay, err := tx.GetStripePayment(ctx, stripePaymentID)
		if err != nil {
			return err
		}
		scope := rbac.Scope{OwnerID: pay.LandlordID, PMCID: pay.PMCID}
		if !s.Oracle.HasPermission(requester, domain.EntityRefund, rbac.ActionCreate, rbac.CategoryFinancial, &scope) {
			return errors.PermissionDenied("actor may not request refunds on this payment")
		}
		if pay.DisputeStatus == domain.DisputeChargebackPending {
			return errors.InvalidState(fmt.Sprintf("payment %s is under dispute", pay.ID))
		}

		approver := domain.Approver{UserID: pay.LandlordID, UserType: domain.UserTypeLandlord, Role: domain.RoleLandlord}
		if pay.PMCID != "" {
			approver = domain.Approver{UserID: pay.PMCID, UserType: domain.UserTypePMC, Role: domain.RolePMCAdmin}
		}

		now := s.now()
		refund = &domain.Refund{
			ID:              uuid.NewString(),
			StripePaymentID: pay.ID,
			Amount:          pay.Amount,
			Currency:        pay.Currency,
			Reason:          reason,
			Status:          domain.RefundPendingApproval,
			RequestedBy:     requester.ID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := beginRequest(ctx, tx, domain.EntityRefund, refund.ID); err != nil {
			return err
		}
		r := s.newRequest(requester, domain.EntityRefund, refund.ID, domain.RefundPayload{
			RefundID:        refund.ID,
			StripePaymentID: pay.ID,
			Amount:          pay.Amount,
			Currency:        pay.Currency,
			FullRefund:      true,
			Reason:          reason,
		}, approver)
		refund.ApprovalRequestID = r.ID
		if err := tx.CreateRefund(ctx, refund); err != nil {
			return err
		}
		if err := tx.CreateApproval(ctx, r); err != nil {
			return err
		}
		s.created(fx, requester, r, nil, refundSnapshot(refund))
		id = r.ID
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return refund, id, nil
}

// ApproveRefund marks the refund Approved for execution by the payments side.
func (s *ApprovalService) ApproveRefund(ctx context.Context, requestID string, approver domain.Actor, notes string) (*domain.ApprovalRequest, error) {
	return s.decideRefund(ctx, requestID, approver, domain.DecisionApprove, notes)
}

// RejectRefund rejects the refund request; the refund is marked Rejected.
func (s *ApprovalService) RejectRefund(ctx context.Context, requestID string, approver domain.Actor, reason string) (*domain.ApprovalRequest, error) {
	return s.decideRefund(ctx, requestID, approver, domain.DecisionReject, reason)
}

func (s *ApprovalService) decideRefund(ctx context.Context, requestID string, approver domain.Actor, verdict domain.Decision, notes string) (*domain.ApprovalRequest, error) {
	return s.decide(ctx, decision{
		op:        "refund." + string(verdict),
		requestID: requestID,
		workflow:  domain.WorkflowRefund,
		actor:     approver,
		verdict:   verdict,
		notes:     notes,
		gate: func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) error {
			p := r.Payload.(domain.RefundPayload)
			pay, err := tx.GetStripePayment(ctx, p.StripePaymentID)
			if err != nil {
				return err
			}
			return s.approverGate(approver, rbac.CategoryFinancial, rbac.Scope{OwnerID: pay.LandlordID, PMCID: pay.PMCID})(ctx, tx, r)
		},
		resolve: func(ctx context.Context, tx repository.Tx, r *domain.ApprovalRequest) (domain.Snapshot, domain.Snapshot, error) {
			refund, err := tx.GetRefund(ctx, r.EntityID)
			if err != nil {
				return nil, nil, err
			}
			before := refundSnapshot(refund)
			refund.Status = domain.RefundApproved
			if r.Status == domain.ApprovalRejected {
				refund.Status = domain.RefundRejected
			}
			refund.UpdatedAt = s.now()
			if err := tx.UpdateRefund(ctx, refund); err != nil {
				return nil, nil, err
			}
			return before, refundSnapshot(refund), nil
		},
	})
}

func refundSnapshot(r *domain.Refund) domain.Snapshot {
	return domain.Snapshot{
		"status":            string(r.Status),
		"amount":            r.Amount.String(),
		"currency":          r.Currency,
		"stripe_payment_id": r.StripePaymentID,
		"full_refund":       true,
	}
}
