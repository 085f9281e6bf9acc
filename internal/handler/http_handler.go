package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/observability/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/service"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
	"github.com/pesio-ai/be-pm-approvals/pkg/middleware"
)

// maxWebhookBody caps the Stripe webhook payload.
const maxWebhookBody = 1 << 20

// HTTPHandler serves the REST API.
type HTTPHandler struct {
	approvals   *service.ApprovalService
	maintenance *service.MaintenanceService
	disputes    *service.DisputeService
	roles       *service.RoleService
	audit       *audit.Writer
	payments    *client.PaymentsGateway
	store       repository.Store
	log         *logger.Logger
	now         func() time.Time
}

// Services are the operations routed by the handler.
type Services struct {
	Approvals   *service.ApprovalService
	Maintenance *service.MaintenanceService
	Disputes    *service.DisputeService
	Roles       *service.RoleService
	Audit       *audit.Writer
	Payments    *client.PaymentsGateway
	Store       repository.Store
}

// RouterConfig carries the surface-level settings of the router.
type RouterConfig struct {
	Auth           *Authenticator
	CORSOrigins    []string
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Registry       *prometheus.Registry
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(s Services, log *logger.Logger) *HTTPHandler {
	registerValidators()
	return &HTTPHandler{
		approvals:   s.Approvals,
		maintenance: s.Maintenance,
		disputes:    s.Disputes,
		roles:       s.Roles,
		audit:       s.Audit,
		payments:    s.Payments,
		store:       s.Store,
		log:         log,
		now:         time.Now,
	}
}

// WithClock overrides the clock used for default audit ranges and export names.
func (h *HTTPHandler) WithClock(now func() time.Time) *HTTPHandler {
	h.now = now
	return h
}

// Router builds the gin engine with the full middleware chain.
func (h *HTTPHandler) Router(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.Recovery(&h.log.Logger),
		middleware.RequestID(),
		middleware.Logger(&h.log.Logger),
		middleware.CORS(cfg.CORSOrigins),
		cfg.Metrics.HTTPMiddleware(),
		auditOrigin(),
	)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.GET("/health", h.Health)
	if cfg.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1")
	v1.POST("/webhooks/stripe", h.StripeWebhook)

	api := v1.Group("")
	api.Use(cfg.Auth.Middleware())

	api.GET("/me", h.Me)

	// Approvals
	api.GET("/approvals/pending", h.PendingApprovals)
	api.GET("/approvals/:id", h.GetApproval)
	api.POST("/approvals/:id/approve", h.ApproveRequest)
	api.POST("/approvals/:id/reject", h.RejectRequest)

	// Approval-gated entities
	api.PATCH("/properties/:id", h.UpdateProperty)
	api.POST("/expenses", h.SubmitExpense)
	api.POST("/expenses/:id/approval", h.RequestExpenseApproval)
	api.POST("/leases", h.CreateLease)
	api.POST("/payments/:id/refunds", h.RequestRefund)

	// Disputes
	api.GET("/payments/:id/dispute", h.GetDispute)
	api.GET("/payments/:id/late-fees", h.LateFees)
	api.POST("/payments/:id/legal-notices", h.RequestLegalNotice)

	// Maintenance
	api.POST("/tickets", h.CreateTicket)
	api.GET("/tickets/:id", h.GetTicket)
	api.POST("/tickets/:id/comments", h.AddComment)
	api.POST("/tickets/:id/close", h.CloseTicket)
	api.POST("/tickets/:id/closure/approve", h.ApproveClosure)
	api.POST("/tickets/:id/closure/reject", h.RejectClosure)
	api.POST("/tickets/:id/reject", h.RejectTicket)

	// Audit
	api.GET("/audit/logs", h.AuditLogs)
	api.GET("/audit/stats", h.AuditStats)
	api.GET("/audit/export", h.AuditExport)

	// Role administration
	api.POST("/roles", h.AssignRole)
	api.DELETE("/users/:userId/roles/:role", h.RemoveRole)
	api.POST("/grants", h.GrantPermission)
	api.DELETE("/users/:userId/grants", h.RevokePermission)

	return r
}

// Health reports datastore reachability.
func (h *HTTPHandler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Me returns the caller's resolved identity.
func (h *HTTPHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, actorFrom(c))
}
