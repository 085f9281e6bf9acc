package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/middleware"
)

// StripeSignatureHeader carries the webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

func (h *HTTPHandler) GetDispute(c *gin.Context) {
	pay, err := h.disputes.GetDispute(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pay)
}

// LateFees reports whether late fees may currently be assessed. The payment
// is read through GetDispute so the caller is authorised and the read logged.
func (h *HTTPHandler) LateFees(c *gin.Context) {
	pay, err := h.disputes.GetDispute(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentId": pay.ID, "lateFeesAllowed": pay.LateFeesAllowed()})
}

func (h *HTTPHandler) RequestLegalNotice(c *gin.Context) {
	notice, err := h.disputes.RequestLegalNotice(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, notice)
}

// StripeWebhook verifies and applies charge.dispute.* events. Other event
// types, and inquiries that never became a chargeback, are acknowledged and
// ignored.
func (h *HTTPHandler) StripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		respondError(c, errors.InvalidInput("body", "webhook body too large or unreadable"))
		return
	}
	ev, err := h.payments.VerifyWebhook(payload, c.GetHeader(StripeSignatureHeader))
	if err != nil {
		h.log.Warn().Err(err).Str("request_id", middleware.RequestIDFrom(ctx)).Msg("Rejected Stripe webhook")
		respondError(c, err)
		return
	}
	if !ev.IsDispute() {
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	d, err := ev.Dispute()
	if err != nil {
		respondError(c, err)
		return
	}
	if d, err = h.payments.ConfirmDispute(ctx, d); err != nil {
		respondError(c, err)
		return
	}
	de := service.DisputeEvent{DisputeID: d.ID, ChargeID: d.Charge, Reason: d.Reason, Won: d.Won(), Inquiry: d.IsInquiry()}

	switch ev.Kind() {
	case client.EventDisputeCreated:
		if d.IsInquiry() {
			h.log.Info().Str("dispute_id", d.ID).Str("status", d.Status).Msg("Dispute is an inquiry, no chargeback opened")
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
			return
		}
		err = h.disputes.HandleDisputeCreated(ctx, de)
	case client.EventDisputeClosed:
		if !d.Won() && !d.Lost() && !d.IsInquiry() {
			h.log.Info().Str("dispute_id", d.ID).Str("status", d.Status).Msg("Closed dispute has no chargeback outcome, ignoring")
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
			return
		}
		err = h.disputes.HandleDisputeClosed(ctx, de)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	h.log.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.Kind()).
		Str("dispute_id", d.ID).
		Str("status", d.Status).
		Msg("Stripe dispute event applied")
	c.JSON(http.StatusOK, gin.H{"received": true})
}
