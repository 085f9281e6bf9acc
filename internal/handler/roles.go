package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
)

type roleRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	UserType string `json:"user_type" binding:"required,oneof=landlord tenant pmc admin"`
	Role     string `json:"role" binding:"required"`
	ScopeID  string `json:"scope_id"`
}

type grantRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Category string `json:"category" binding:"required"`
	Action   string `json:"action" binding:"required"`
}

func (h *HTTPHandler) AssignRole(c *gin.Context) {
	var req roleRequest
	if !bind(c, &req) {
		return
	}
	a, err := h.roles.AssignRole(c.Request.Context(), actorFrom(c), domain.RoleAssignment{
		UserID:   req.UserID,
		UserType: domain.UserType(req.UserType),
		Role:     req.Role,
		ScopeID:  req.ScopeID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *HTTPHandler) RemoveRole(c *gin.Context) {
	err := h.roles.RemoveRole(c.Request.Context(), actorFrom(c), c.Param("userId"), c.Param("role"), c.Query("scope_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) GrantPermission(c *gin.Context) {
	var req grantRequest
	if !bind(c, &req) {
		return
	}
	g, err := h.roles.GrantPermission(c.Request.Context(), actorFrom(c), domain.PermissionGrant{
		UserID:   req.UserID,
		Category: req.Category,
		Action:   req.Action,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

func (h *HTTPHandler) RevokePermission(c *gin.Context) {
	err := h.roles.RevokePermission(c.Request.Context(), actorFrom(c), c.Param("userId"), c.Query("category"), c.Query("action"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
