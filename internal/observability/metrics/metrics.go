// Package metrics holds the service's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so callers never need to check.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Metrics struct {
	approvalTransitions *prometheus.CounterVec
	auditEntries        *prometheus.CounterVec
	notifications       *prometheus.CounterVec
	jobRuns             *prometheus.CounterVec
	archivedEntries     prometheus.Counter
	purgedEntries       prometheus.Counter
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
}

// New creates the collectors. Call Register to expose them.
func New() *Metrics {
	return &Metrics{
		approvalTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pm_approval_transitions_total",
				Help: "Approval request transitions by workflow and resulting status.",
			},
			[]string{"workflow", "status"},
		),
		auditEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pm_audit_entries_total",
				Help: "Audit log entries written, by action.",
			},
			[]string{"action"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pm_notifications_total",
				Help: "Notification decisions published, by type and result.",
			},
			[]string{"type", "result"},
		),
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pm_job_runs_total",
				Help: "Background job executions, by job and result.",
			},
			[]string{"job", "result"},
		),
		archivedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_audit_archived_entries_total",
			Help: "Audit entries moved to cold storage.",
		}),
		purgedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pm_audit_purged_entries_total",
			Help: "Archived audit entries deleted after total retention.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pm_http_requests_total",
				Help: "HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pm_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.approvalTransitions,
		m.auditEntries,
		m.notifications,
		m.jobRuns,
		m.archivedEntries,
		m.purgedEntries,
		m.httpRequests,
		m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ApprovalTransition(workflow, status string) {
	if m == nil {
		return
	}
	m.approvalTransitions.WithLabelValues(workflow, status).Inc()
}

func (m *Metrics) AuditEntry(action string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(action).Inc()
}

func (m *Metrics) Notification(kind string, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result(err)).Inc()
}

func (m *Metrics) JobRun(job string, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, result(err)).Inc()
}

func (m *Metrics) Archived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archivedEntries.Add(float64(n))
}

func (m *Metrics) Purged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purgedEntries.Add(float64(n))
}

// HTTPMiddleware records request count and latency by route template.
func (m *Metrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		method := c.Request.Method
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
