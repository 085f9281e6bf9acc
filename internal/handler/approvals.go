package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
)

type decisionRequest struct {
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

type expenseRequest struct {
	PropertyID  string          `json:"property_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required,decimal_gt0"`
	Description string          `json:"description" binding:"required"`
	Category    string          `json:"category"`
}

// expenseApprovalRequest may restate the expense's amount and owners; the
// stored expense is authoritative and a mismatch is rejected.
type expenseApprovalRequest struct {
	Threshold  decimal.Decimal `json:"threshold" binding:"required,decimal_gt0"`
	Amount     decimal.Decimal `json:"amount"`
	LandlordID string          `json:"landlord_id"`
	PMCID      string          `json:"pmc_id"`
}

type propertyUpdateRequest struct {
	Changes domain.Snapshot `json:"changes" binding:"required"`
}

type leaseRequest struct {
	PropertyID  string          `json:"property_id" binding:"required"`
	TenantID    string          `json:"tenant_id" binding:"required"`
	MonthlyRent decimal.Decimal `json:"monthly_rent" binding:"required,decimal_gt0"`
	StartDate   time.Time       `json:"start_date" binding:"required"`
	EndDate     time.Time       `json:"end_date" binding:"required"`
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// accepted answers a mutation that is now waiting on approval.
func accepted(c *gin.Context, requestID string, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["approvalRequestId"] = requestID
	c.JSON(http.StatusAccepted, body)
}

// ── Approval requests ─────────────────────────────────────────────────────────

func (h *HTTPHandler) PendingApprovals(c *gin.Context) {
	actor := actorFrom(c)
	reqs, err := h.approvals.GetPendingApprovals(c.Request.Context(), actor)
	if err != nil {
		respondError(c, err)
		return
	}
	if reqs == nil {
		reqs = []*domain.ApprovalRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": reqs})
}

func (h *HTTPHandler) GetApproval(c *gin.Context) {
	r, err := h.approvals.GetApproval(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *HTTPHandler) ApproveRequest(c *gin.Context) {
	h.decide(c, domain.DecisionApprove)
}

func (h *HTTPHandler) RejectRequest(c *gin.Context) {
	h.decide(c, domain.DecisionReject)
}

func (h *HTTPHandler) decide(c *gin.Context, verdict domain.Decision) {
	var req decisionRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	notes := req.Notes
	if verdict == domain.DecisionReject {
		notes = req.Reason
	}
	r, err := h.approvals.Decide(c.Request.Context(), c.Param("id"), actorFrom(c), verdict, notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ── Entities behind approval ──────────────────────────────────────────────────

func (h *HTTPHandler) UpdateProperty(c *gin.Context) {
	var req propertyUpdateRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.approvals.UpdateProperty(c.Request.Context(), actorFrom(c), c.Param("id"), req.Changes)
	if err != nil {
		respondError(c, err)
		return
	}
	if !res.Applied {
		accepted(c, res.ApprovalRequestID, nil)
		return
	}
	c.JSON(http.StatusOK, res.Property)
}

func (h *HTTPHandler) SubmitExpense(c *gin.Context) {
	var req expenseRequest
	if !bind(c, &req) {
		return
	}
	exp, requestID, err := h.approvals.SubmitExpense(c.Request.Context(), actorFrom(c), service.ExpenseInput{
		PropertyID:  req.PropertyID,
		Amount:      req.Amount,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if requestID != "" {
		accepted(c, requestID, gin.H{"expense": exp})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"expense": exp})
}

// RequestExpenseApproval starts BIG_EXPENSE for an existing expense against an
// explicit threshold.
func (h *HTTPHandler) RequestExpenseApproval(c *gin.Context) {
	var req expenseApprovalRequest
	if !bind(c, &req) {
		return
	}
	requestID, err := h.approvals.CreateBigExpenseApproval(c.Request.Context(), service.BigExpenseInput{
		ExpenseID:  c.Param("id"),
		Amount:     req.Amount,
		Threshold:  req.Threshold,
		LandlordID: req.LandlordID,
		PMCID:      req.PMCID,
	}, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if requestID == "" {
		c.JSON(http.StatusOK, gin.H{"approvalRequired": false})
		return
	}
	accepted(c, requestID, nil)
}

func (h *HTTPHandler) CreateLease(c *gin.Context) {
	var req leaseRequest
	if !bind(c, &req) {
		return
	}
	lease, requestID, err := h.approvals.CreateLeaseApproval(c.Request.Context(), service.LeaseInput{
		PropertyID:  req.PropertyID,
		TenantID:    req.TenantID,
		MonthlyRent: req.MonthlyRent,
		StartDate:   req.StartDate,
		EndDate:     req.EndDate,
	}, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, requestID, gin.H{"lease": lease})
}

func (h *HTTPHandler) RequestRefund(c *gin.Context) {
	var req refundRequest
	if !bind(c, &req) {
		return
	}
	refund, requestID, err := h.approvals.CreateRefundApproval(c.Request.Context(), c.Param("id"), req.Reason, actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	accepted(c, requestID, gin.H{"refund": refund})
}
