package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
)

type ticketRequest struct {
	PropertyID  string `json:"property_id" binding:"required"`
	TenantID    string `json:"tenant_id"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Priority    string `json:"priority" binding:"omitempty,oneof=low normal medium high urgent emergency"`
}

type commentRequest struct {
	Body string `json:"body" binding:"required"`
}

type noteRequest struct {
	Note string `json:"note"`
}

type reasonRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *HTTPHandler) CreateTicket(c *gin.Context) {
	var req ticketRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.maintenance.CreateTicket(c.Request.Context(), actorFrom(c), service.TicketInput{
		PropertyID:  req.PropertyID,
		TenantID:    req.TenantID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
	})
	h.ticketResponse(c, http.StatusCreated, t, err)
}

func (h *HTTPHandler) GetTicket(c *gin.Context) {
	t, err := h.maintenance.GetTicket(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.ticketResponse(c, http.StatusOK, t, err)
}

func (h *HTTPHandler) AddComment(c *gin.Context) {
	var req commentRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.maintenance.AddComment(c.Request.Context(), actorFrom(c), c.Param("id"), req.Body)
	h.ticketResponse(c, http.StatusCreated, t, err)
}

func (h *HTTPHandler) CloseTicket(c *gin.Context) {
	var req noteRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	t, err := h.maintenance.CloseTicket(c.Request.Context(), actorFrom(c), c.Param("id"), req.Note)
	h.ticketResponse(c, http.StatusOK, t, err)
}

func (h *HTTPHandler) ApproveClosure(c *gin.Context) {
	t, err := h.maintenance.ApproveClosure(c.Request.Context(), actorFrom(c), c.Param("id"))
	h.ticketResponse(c, http.StatusOK, t, err)
}

func (h *HTTPHandler) RejectClosure(c *gin.Context) {
	var req reasonRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.maintenance.RejectClosure(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason)
	h.ticketResponse(c, http.StatusOK, t, err)
}

// RejectTicket declines a ticket before work has started.
func (h *HTTPHandler) RejectTicket(c *gin.Context) {
	var req reasonRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.maintenance.RejectRequest(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason)
	h.ticketResponse(c, http.StatusOK, t, err)
}

// ticketResponse adds the derived fields a client needs to render a ticket.
func (h *HTTPHandler) ticketResponse(c *gin.Context, status int, t *domain.MaintenanceTicket, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, gin.H{
		"ticket":        t,
		"displayStatus": t.DisplayStatus(),
		"finallyClosed": t.IsFinallyClosed(),
	})
}
