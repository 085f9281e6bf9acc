package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/scheduler"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

func openBigExpense(t *testing.T, h *harness, svc *ApprovalService) string {
	t.Helper()
	h.seedExpense(t, "e1", 5000)
	id, err := svc.CreateBigExpenseApproval(h.ctx, BigExpenseInput{
		ExpenseID:  "e1",
		Amount:     decimal.NewFromInt(5000),
		Threshold:  decimal.NewFromInt(1000),
		LandlordID: "L1",
		PMCID:      "P1",
	}, manager)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

// ── BIG_EXPENSE ───────────────────────────────────────────────────────────────

func TestBigExpense_NeedsEveryApprover(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	r := h.approval(t, id)
	require.Len(t, r.Approvers, 2)
	assert.Equal(t, "P1", r.Approvers[0].UserID)
	assert.Equal(t, domain.RolePMCAccountant, r.Approvers[0].Role)
	assert.Equal(t, "L1", r.Approvers[1].UserID)
	assert.Equal(t, domain.RoleLandlord, r.Approvers[1].Role)
	assert.Equal(t, domain.ApproverPending, r.Approvers[0].Status)
	assert.Equal(t, domain.ApproverPending, r.Approvers[1].Status)
	assert.Equal(t, domain.ExpensePendingApproval, h.expense(t, "e1").Status)

	r, err := svc.ApproveBigExpense(h.ctx, id, accountant, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, r.Status)
	assert.Equal(t, domain.ApproverApproved, approverStatus(r, "P1"))
	assert.Equal(t, domain.ApproverPending, approverStatus(r, "L1"))
	assert.Equal(t, domain.ExpensePendingApproval, h.expense(t, "e1").Status)

	r, err = svc.ApproveBigExpense(h.ctx, id, landlord, "fine")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, r.Status)
	assert.Equal(t, "L1", r.ApprovedBy)
	assert.Equal(t, domain.ExpenseApproved, h.expense(t, "e1").Status)

	assert.Equal(t, []string{
		"big_expense_requested",
		"big_expense_approval_recorded",
		"big_expense_approved",
	}, h.actions())

	required := h.notes.OfType(client.NotifyApprovalRequired)
	require.Len(t, required, 1)
	assert.ElementsMatch(t, []string{"P1", "L1"}, required[0].Recipients)
	approved := h.notes.OfType(client.NotifyApprovalApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, []string{manager.ID}, approved[0].Recipients)
}

func TestBigExpense_AtOrBelowThresholdReturnsEmptyID(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	h.seedExpense(t, "e1", 500)
	h.seedExpense(t, "e2", 1000)

	for _, expenseID := range []string{"e1", "e2"} {
		id, err := svc.CreateBigExpenseApproval(h.ctx, BigExpenseInput{
			ExpenseID: expenseID,
			Threshold: decimal.NewFromInt(1000),
		}, manager)
		require.NoError(t, err)
		assert.Empty(t, id)
		assert.Equal(t, domain.ExpenseApproved, h.expense(t, expenseID).Status)
	}
	assert.Empty(t, h.actions())
}

func TestBigExpense_OwnershipComesFromStoredExpense(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	h.seedExpense(t, "e1", 5000)

	tests := []struct {
		name  string
		actor domain.Actor
		in    BigExpenseInput
		code  errors.ErrorCode
	}{
		{"other landlord claims ownership", stranger, BigExpenseInput{LandlordID: "L9"}, errors.ErrCodeInvalidInput},
		{"other landlord without claim", stranger, BigExpenseInput{}, errors.ErrCodePermissionDenied},
		{"pmc swapped", manager, BigExpenseInput{PMCID: "P2"}, errors.ErrCodeInvalidInput},
		{"amount understated", manager, BigExpenseInput{Amount: decimal.NewFromInt(900)}, errors.ErrCodeInvalidInput},
		{"tenant", tenant, BigExpenseInput{}, errors.ErrCodePermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			in.ExpenseID = "e1"
			in.Threshold = decimal.NewFromInt(1000)
			id, err := svc.CreateBigExpenseApproval(h.ctx, in, tt.actor)
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Empty(t, id)
		})
	}

	exp := h.expense(t, "e1")
	assert.Equal(t, "L1", exp.LandlordID)
	assert.Equal(t, "P1", exp.PMCID)
	assert.Equal(t, domain.ExpenseApproved, exp.Status)
	assert.Empty(t, exp.ApprovalRequestID)
	assert.Empty(t, h.actions())

	id, err := svc.CreateBigExpenseApproval(h.ctx, BigExpenseInput{ExpenseID: "e1", Threshold: decimal.NewFromInt(1000)}, landlord)
	require.NoError(t, err)
	r := h.approval(t, id)
	p := r.Payload.(domain.BigExpensePayload)
	assert.Equal(t, "L1", p.LandlordID)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(5000)))
}

func TestBigExpense_RejectAfterApprovalVoidsRequest(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	_, err := svc.ApproveBigExpense(h.ctx, id, accountant, "")
	require.NoError(t, err)

	r, err := svc.RejectBigExpense(h.ctx, id, landlord, "too expensive")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, r.Status)
	assert.Equal(t, "too expensive", r.RejectionReason)
	assert.Equal(t, domain.ApproverApproved, approverStatus(r, "P1"))
	assert.Equal(t, domain.ExpenseRejected, h.expense(t, "e1").Status)

	_, err = svc.ApproveBigExpense(h.ctx, id, landlord, "")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	assert.Equal(t, domain.ApprovalRejected, h.approval(t, id).Status)
	assert.Equal(t, 1, h.countAction("big_expense_rejected"))
}

func TestBigExpense_FirstRejectionIsFinal(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	r, err := svc.RejectBigExpense(h.ctx, id, accountant, "duplicate invoice")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, r.Status)
	assert.Equal(t, domain.ApproverPending, approverStatus(r, "L1"))

	_, err = svc.ApproveBigExpense(h.ctx, id, landlord, "")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestReject_RequiresReason(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	_, err := svc.RejectBigExpense(h.ctx, id, landlord, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Equal(t, domain.ApprovalPending, h.approval(t, id).Status)
}

func TestDecision_NotAnApproverIsDistinctFromPermissionDenied(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	_, err := svc.ApproveBigExpense(h.ctx, id, stranger, "")
	assert.Equal(t, errors.ErrCodeNotAnApprover, errors.CodeOf(err))
	assert.True(t, errors.Is(err, errors.ErrNotAnApprover))

	roleless := domain.Actor{ID: "L1", Type: domain.UserTypeLandlord}
	_, err = svc.ApproveBigExpense(h.ctx, id, roleless, "")
	assert.Equal(t, errors.ErrCodePermissionDenied, errors.CodeOf(err))

	r := h.approval(t, id)
	assert.Equal(t, domain.ApproverPending, approverStatus(r, "L1"))
	assert.Equal(t, []string{"big_expense_requested"}, h.actions())
}

func TestDecision_WrongWorkflowRejected(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	_, err := svc.ApproveLease(h.ctx, id, landlord, "")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestOnePendingRequestPerEntity(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	openBigExpense(t, h, svc)

	_, err := svc.CreateBigExpenseApproval(h.ctx, BigExpenseInput{
		ExpenseID: "e1",
		Threshold: decimal.NewFromInt(1000),
	}, manager)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
	assert.Equal(t, 1, h.countAction("big_expense_requested"))
}

func TestSubmitExpense_BranchesOnThreshold(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()

	small, id, err := svc.SubmitExpense(h.ctx, manager, ExpenseInput{PropertyID: "prop-1", Amount: decimal.NewFromInt(400), Description: "Light bulbs"})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, domain.ExpenseApproved, small.Status)

	big, id, err := svc.SubmitExpense(h.ctx, manager, ExpenseInput{PropertyID: "prop-1", Amount: decimal.NewFromInt(2500), Description: "Boiler"})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, domain.ExpensePendingApproval, h.expense(t, big.ID).Status)
	assert.Equal(t, []string{"expense_recorded", "big_expense_requested"}, h.actions())

	_, _, err = svc.SubmitExpense(h.ctx, tenant, ExpenseInput{PropertyID: "prop-1", Amount: decimal.NewFromInt(10), Description: "x"})
	assert.Equal(t, errors.ErrCodePermissionDenied, errors.CodeOf(err))

	_, _, err = svc.SubmitExpense(h.ctx, manager, ExpenseInput{PropertyID: "prop-1", Amount: decimal.Zero, Description: "x"})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestPendingApprovalsForUser(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	pending, err := svc.GetPendingApprovals(h.ctx, landlord)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	_, err = svc.ApproveBigExpense(h.ctx, id, landlord, "")
	require.NoError(t, err)

	pending, err = svc.GetPendingApprovals(h.ctx, landlord)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = svc.GetPendingApprovals(h.ctx, accountant)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// PMC members without the accountant role are not on this request.
	for _, a := range []domain.Actor{pmcAdmin, manager} {
		pending, err = svc.GetPendingApprovals(h.ctx, a)
		require.NoError(t, err)
		assert.Empty(t, pending, a.ID)
	}
}

func TestBigExpense_PMCEntryNeedsAccountantOfThatPMC(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	impostors := []domain.Actor{
		{ID: "P1", Type: domain.UserTypePMC, PMCID: "P1"},
		{ID: "C2", Type: domain.UserTypePMC, PMCID: "P2", Roles: []string{domain.RolePMCAccountant}},
		manager,
	}
	for _, a := range impostors {
		_, err := svc.ApproveBigExpense(h.ctx, id, a, "")
		assert.Equal(t, errors.ErrCodeNotAnApprover, errors.CodeOf(err), a.ID)
	}
	assert.Equal(t, domain.ApproverPending, approverStatus(h.approval(t, id), "P1"))

	r, err := svc.ApproveBigExpense(h.ctx, id, accountant, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApproverApproved, approverStatus(r, "P1"))
	assert.Equal(t, accountant.ID, r.Approvers[0].ActedBy)
}

func TestGetApproval_PartiesOnly(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	for _, a := range []domain.Actor{manager, landlord, accountant, admin} {
		_, err := svc.GetApproval(h.ctx, a, id)
		assert.NoError(t, err, a.ID)
	}
	_, err := svc.GetApproval(h.ctx, tenant, id)
	assert.Equal(t, errors.ErrCodePermissionDenied, errors.CodeOf(err))
}

// ── Atomicity and races ───────────────────────────────────────────────────────

func TestDecision_FailureBeforeCommitLeavesNoTrace(t *testing.T) {
	for _, op := range []string{"UpdateExpense", "UpdateApproval", "AppendAudit"} {
		t.Run(op, func(t *testing.T) {
			h := newHarness(t)
			svc := h.approvals()
			id := openBigExpense(t, h, svc)
			_, err := svc.ApproveBigExpense(h.ctx, id, accountant, "")
			require.NoError(t, err)
			before := h.actions()

			boom := stderrors.New("injected failure")
			h.store.FailOn(func(name string) error {
				if name == op {
					return boom
				}
				return nil
			})
			_, err = svc.ApproveBigExpense(h.ctx, id, landlord, "")
			require.ErrorIs(t, err, boom)
			h.store.FailOn(nil)

			r := h.approval(t, id)
			assert.Equal(t, domain.ApprovalPending, r.Status)
			assert.Equal(t, domain.ApproverPending, approverStatus(r, "L1"))
			assert.Equal(t, domain.ExpensePendingApproval, h.expense(t, "e1").Status)
			assert.Equal(t, before, h.actions())
			assert.Empty(t, h.notes.OfType(client.NotifyApprovalApproved))
		})
	}
}

func TestDecision_RetriesLostVersionRace(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	var mu sync.Mutex
	calls := 0
	h.store.FailOn(func(op string) error {
		if op != "UpdateApproval" {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return repository.ErrConcurrentUpdate
		}
		return nil
	})

	r, err := svc.ApproveBigExpense(h.ctx, id, accountant, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApproverApproved, approverStatus(r, "P1"))
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, h.countAction("big_expense_approval_recorded"))
}

func TestDecision_GivesUpAfterRepeatedRaces(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	calls := 0
	h.store.FailOn(func(op string) error {
		if op == "UpdateApproval" {
			calls++
			return repository.ErrConcurrentUpdate
		}
		return nil
	})

	_, err := svc.ApproveBigExpense(h.ctx, id, accountant, "")
	require.Error(t, err)
	assert.True(t, repository.IsConcurrentUpdate(err))
	assert.Equal(t, maxTxAttempts, calls)
	assert.Equal(t, 0, h.countAction("big_expense_approval_recorded"))
}

func TestConcurrentApproversResolveExactlyOnce(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, a := range []domain.Actor{accountant, landlord} {
		wg.Add(1)
		go func(i int, a domain.Actor) {
			defer wg.Done()
			_, errs[i] = svc.ApproveBigExpense(h.ctx, id, a, "")
		}(i, a)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	r := h.approval(t, id)
	assert.Equal(t, domain.ApprovalApproved, r.Status)
	assert.Equal(t, domain.ExpenseApproved, h.expense(t, "e1").Status)
	assert.Equal(t, 1, h.countAction("big_expense_approved"))
	assert.Equal(t, 1, h.countAction("big_expense_approval_recorded"))
}

func TestSameApproverTwiceAtOnce(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := openBigExpense(t, h, svc)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ApproveBigExpense(h.ctx, id, accountant, "")
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, h.countAction("big_expense_approval_recorded"))
}

// ── PROPERTY_EDIT ─────────────────────────────────────────────────────────────

func stagePropertyEdit(t *testing.T, h *harness, svc *ApprovalService) string {
	t.Helper()
	res, err := svc.UpdateProperty(h.ctx, manager, "prop-1", domain.Snapshot{"rent": 2000.0})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.NotEmpty(t, res.ApprovalRequestID)
	return res.ApprovalRequestID
}

func TestPropertyEdit_ApproveAppliesStagedChange(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := stagePropertyEdit(t, h, svc)

	assert.Equal(t, 1800.0, h.property(t, "prop-1").Attributes["rent"])
	job, ok := h.sched.job(scheduler.ApprovalExpiryKey(id))
	require.True(t, ok)
	assert.Equal(t, start.Add(DefaultPropertyEditTTL), job.RunAt)

	r := h.approval(t, id)
	p := r.Payload.(domain.PropertyEditPayload)
	assert.Equal(t, 1800.0, p.BeforeState["rent"])
	assert.Equal(t, 2000.0, p.AfterState["rent"])
	assert.Equal(t, "Maple Court", p.AfterState["name"])

	r, err := svc.ApprovePropertyEdit(h.ctx, id, landlord, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, r.Status)

	prop := h.property(t, "prop-1")
	assert.Equal(t, 2000.0, prop.Attributes["rent"])
	assert.Equal(t, "Maple Court", prop.Attributes["name"])
	assert.Contains(t, h.sched.cancelled, scheduler.ApprovalExpiryKey(id))
	assert.Equal(t, []string{"property_edit_requested", "property_edit_approved"}, h.actions())
}

func TestPropertyEdit_RejectLeavesPropertyUntouched(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := stagePropertyEdit(t, h, svc)

	r, err := svc.RejectPropertyEdit(h.ctx, id, landlord, "rent is fine as is")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalRejected, r.Status)
	assert.Equal(t, 1800.0, h.property(t, "prop-1").Attributes["rent"])

	rejected := h.notes.OfType(client.NotifyApprovalRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "rent is fine as is", rejected[0].Payload["reason"])
}

func TestPropertyEdit_ExpiryRevertsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	original := h.property(t, "prop-1").Attributes
	id := stagePropertyEdit(t, h, svc)

	n, err := svc.CheckExpiredApprovals(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(DefaultPropertyEditTTL + time.Minute)
	n, err = svc.CheckExpiredApprovals(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r := h.approval(t, id)
	assert.Equal(t, domain.ApprovalExpired, r.Status)
	require.NotNil(t, r.ExpiredAt)
	assert.Equal(t, original, h.property(t, "prop-1").Attributes)

	n, err = svc.CheckExpiredApprovals(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, original, h.property(t, "prop-1").Attributes)
	assert.Equal(t, domain.ApprovalExpired, h.approval(t, id).Status)
	assert.Equal(t, 1, h.countAction("property_edit_expired"))

	expired := h.notes.OfType(client.NotifyApprovalExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, []string{manager.ID}, expired[0].Recipients)

	_, err = svc.ApprovePropertyEdit(h.ctx, id, landlord, "")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestPropertyEdit_ExpiredButUnsweptCannotBeApproved(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := stagePropertyEdit(t, h, svc)

	h.clock.Advance(DefaultPropertyEditTTL)
	_, err := svc.ApprovePropertyEdit(h.ctx, id, landlord, "")
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
	assert.Equal(t, 1800.0, h.property(t, "prop-1").Attributes["rent"])
}

func TestPropertyEdit_ExpiryJobExpires(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := stagePropertyEdit(t, h, svc)

	h.clock.Advance(DefaultPropertyEditTTL)
	require.NoError(t, h.sched.fire(h.ctx, scheduler.ApprovalExpiryKey(id)))
	assert.Equal(t, domain.ApprovalExpired, h.approval(t, id).Status)

	ok, err := svc.ExpireRequest(h.ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateProperty_OwnerEditsDirectly(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()

	res, err := svc.UpdateProperty(h.ctx, landlord, "prop-1", domain.Snapshot{"pets": true})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Empty(t, res.ApprovalRequestID)
	assert.Equal(t, true, h.property(t, "prop-1").Attributes["pets"])
	assert.Equal(t, []string{"property_updated"}, h.actions())

	entry := h.store.AuditEntries()[0]
	assert.Equal(t, false, entry.BeforeState["pets"])
	assert.Equal(t, true, entry.AfterState["pets"])
}

func TestUpdateProperty_GuardsPendingAndScope(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	stagePropertyEdit(t, h, svc)

	_, err := svc.UpdateProperty(h.ctx, manager, "prop-1", domain.Snapshot{"rent": 2100.0})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	_, err = svc.UpdateProperty(h.ctx, landlord, "prop-1", domain.Snapshot{"rent": 1900.0})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	_, err = svc.UpdateProperty(h.ctx, tenant, "prop-1", domain.Snapshot{"rent": 1.0})
	assert.Equal(t, errors.ErrCodePermissionDenied, errors.CodeOf(err))

	_, err = svc.UpdateProperty(h.ctx, manager, "prop-1", nil)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.Equal(t, 1800.0, h.property(t, "prop-1").Attributes["rent"])
}

func TestPropertyEdit_OnlyOwnerApproves(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	id := stagePropertyEdit(t, h, svc)

	_, err := svc.ApprovePropertyEdit(h.ctx, id, pmcAdmin, "")
	assert.Equal(t, errors.ErrCodePermissionDenied, errors.CodeOf(err))

	_, err = svc.ApprovePropertyEdit(h.ctx, id, admin, "")
	assert.Equal(t, errors.ErrCodeNotAnApprover, errors.CodeOf(err))
	assert.Equal(t, domain.ApprovalPending, h.approval(t, id).Status)
}

// ── LEASE ─────────────────────────────────────────────────────────────────────

func leaseInput() LeaseInput {
	return LeaseInput{
		PropertyID:  "prop-1",
		TenantID:    "T1",
		MonthlyRent: decimal.NewFromInt(1800),
		StartDate:   start,
		EndDate:     start.AddDate(1, 0, 0),
	}
}

func (h *harness) lease(t *testing.T, id string) *domain.Lease {
	t.Helper()
	var l *domain.Lease
	h.tx(t, func(ctx context.Context, tx repository.Tx) error {
		var err error
		l, err = tx.GetLease(ctx, id)
		return err
	})
	return l
}

func TestLease_DraftUntilOwnerApproves(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()

	lease, id, err := svc.CreateLeaseApproval(h.ctx, leaseInput(), manager)
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseDraft, h.lease(t, lease.ID).Status)

	r := h.approval(t, id)
	require.Len(t, r.Approvers, 1)
	assert.Equal(t, "L1", r.Approvers[0].UserID)
	assert.Equal(t, domain.RoleOwner, r.Approvers[0].Role)

	_, err = svc.ApproveLease(h.ctx, id, tenant, "")
	assert.Equal(t, errors.ErrCodeNotAnApprover, errors.CodeOf(err))

	_, err = svc.ApproveLease(h.ctx, id, landlord, "")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseActive, h.lease(t, lease.ID).Status)
}

func TestLease_OwnerCreatedLeaseStillNeedsApproval(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()

	lease, id, err := svc.CreateLeaseApproval(h.ctx, leaseInput(), landlord)
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseDraft, h.lease(t, lease.ID).Status)

	_, err = svc.RejectLease(h.ctx, id, landlord, "wrong tenant")
	require.NoError(t, err)
	assert.Equal(t, domain.LeaseRejected, h.lease(t, lease.ID).Status)
}

func TestLease_ValidatesInput(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()

	in := leaseInput()
	in.EndDate = in.StartDate
	_, _, err := svc.CreateLeaseApproval(h.ctx, in, manager)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, _, err = svc.CreateLeaseApproval(h.ctx, leaseInput(), tenant)
	assert.Equal(t, errors.ErrCodePermissionDenied, errors.CodeOf(err))
	assert.Empty(t, h.actions())
}

// ── REFUND ────────────────────────────────────────────────────────────────────

func (h *harness) seedPayment(status domain.DisputeStatus) {
	h.store.PutRentPayment(&domain.RentPayment{
		ID: "rent-1", LeaseID: "lease-1", TenantID: "T1", LandlordID: "L1",
		Amount: decimal.NewFromInt(1800), Status: domain.RentPaid, UpdatedAt: start,
	})
	h.store.PutStripePayment(&domain.StripePayment{
		ID:             "pay-1",
		RentPaymentID:  "rent-1",
		TenantID:       "T1",
		LandlordID:     "L1",
		PropertyID:     "prop-1",
		PMCID:          "P1",
		StripeChargeID: "ch_1",
		Amount:         decimal.NewFromInt(1800),
		Currency:       "usd",
		Status:         "succeeded",
		DisputeStatus:  status,
		UpdatedAt:      start,
	})
}

func (h *harness) refund(t *testing.T, id string) *domain.Refund {
	t.Helper()
	var r *domain.Refund
	h.tx(t, func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, err = tx.GetRefund(ctx, id)
		return err
	})
	return r
}

func TestRefund_FullAmountApprovedByPMC(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	h.seedPayment(domain.DisputeNone)

	refund, id, err := svc.CreateRefundApproval(h.ctx, "pay-1", "double charged", manager)
	require.NoError(t, err)
	assert.True(t, refund.Amount.Equal(decimal.NewFromInt(1800)))
	assert.Equal(t, domain.RefundPendingApproval, refund.Status)

	r := h.approval(t, id)
	require.Len(t, r.Approvers, 1)
	assert.Equal(t, "P1", r.Approvers[0].UserID)
	assert.Equal(t, domain.RolePMCAdmin, r.Approvers[0].Role)
	assert.True(t, r.Payload.(domain.RefundPayload).FullRefund)

	pending, err := svc.GetPendingApprovals(h.ctx, pmcAdmin)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	r, err = svc.ApproveRefund(h.ctx, id, pmcAdmin, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, r.Status)
	assert.Equal(t, pmcAdmin.ID, r.ApprovedBy)
	assert.Equal(t, domain.RefundApproved, h.refund(t, refund.ID).Status)
}

func TestRefund_OnlyPMCAdminDecides(t *testing.T) {
	tests := []struct {
		name  string
		actor domain.Actor
		code  errors.ErrorCode
	}{
		{"accountant", accountant, errors.ErrCodeNotAnApprover},
		{"manager", manager, errors.ErrCodeNotAnApprover},
		{"user named like the pmc", domain.Actor{ID: "P1", Type: domain.UserTypePMC, PMCID: "P1", Roles: []string{domain.RolePMCAccountant}}, errors.ErrCodeNotAnApprover},
		{"admin of another pmc", domain.Actor{ID: "A2", Type: domain.UserTypePMC, PMCID: "P2", Roles: []string{domain.RolePMCAdmin}}, errors.ErrCodeNotAnApprover},
		{"landlord", landlord, errors.ErrCodeNotAnApprover},
		{"pmc admin", pmcAdmin, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			svc := h.approvals()
			h.seedPayment(domain.DisputeNone)
			refund, id, err := svc.CreateRefundApproval(h.ctx, "pay-1", "double charged", manager)
			require.NoError(t, err)

			pending, err := svc.GetPendingApprovals(h.ctx, tt.actor)
			require.NoError(t, err)

			_, err = svc.ApproveRefund(h.ctx, id, tt.actor, "")
			if tt.code == "" {
				require.NoError(t, err)
				assert.Len(t, pending, 1)
				assert.Equal(t, domain.RefundApproved, h.refund(t, refund.ID).Status)
				return
			}
			assert.Equal(t, tt.code, errors.CodeOf(err))
			assert.Empty(t, pending)
			assert.Equal(t, domain.RefundPendingApproval, h.refund(t, refund.ID).Status)
			assert.Equal(t, domain.ApprovalPending, h.approval(t, id).Status)
		})
	}
}

func TestRefund_Guards(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	h.seedPayment(domain.DisputeChargebackPending)

	_, _, err := svc.CreateRefundApproval(h.ctx, "pay-1", "", manager)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))

	_, _, err = svc.CreateRefundApproval(h.ctx, "pay-1", "customer asked", manager)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))

	_, _, err = svc.CreateRefundApproval(h.ctx, "pay-1", "customer asked", tenant)
	assert.Equal(t, errors.ErrCodePermissionDenied, errors.CodeOf(err))
	assert.Empty(t, h.actions())
}

func TestRefund_Reject(t *testing.T) {
	h := newHarness(t)
	svc := h.approvals()
	h.seedPayment(domain.DisputeNone)

	refund, id, err := svc.CreateRefundApproval(h.ctx, "pay-1", "double charged", manager)
	require.NoError(t, err)
	_, err = svc.RejectRefund(h.ctx, id, accountant, "not a duplicate")
	assert.Equal(t, errors.ErrCodeNotAnApprover, errors.CodeOf(err))

	_, err = svc.RejectRefund(h.ctx, id, pmcAdmin, "not a duplicate")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundRejected, h.refund(t, refund.ID).Status)
}
