package audit

import (
	"context"
	"time"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/observability/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

// Appender is the write side of the audit repository, available on every
// repository.Tx.
type Appender interface {
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
}

// Writer records audit entries and serves compliance reads.
type Writer struct {
	store   repository.Store
	oracle  *rbac.Oracle
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewWriter creates a new audit writer.
func NewWriter(store repository.Store, oracle *rbac.Oracle, m *metrics.Metrics, log *logger.Logger) *Writer {
	return &Writer{
		store:   store,
		oracle:  oracle,
		metrics: m,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used by tests.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Record appends ev through app. The caller's transaction decides whether the
// entry survives.
func (w *Writer) Record(ctx context.Context, app Appender, ev Event) (*domain.AuditEntry, error) {
	if ev.Action == "" || ev.Resource == "" {
		return nil, errors.New(errors.ErrCodeInternal, "audit event requires action and resource")
	}
	e := ev.Entry(ctx, w.now())
	if err := app.AppendAudit(ctx, e); err != nil {
		return nil, err
	}
	w.metrics.AuditEntry(e.Action)
	return e, nil
}

// LogDataAccess records a read. It returns only after the entry is durable.
func (w *Writer) LogDataAccess(ctx context.Context, actor domain.Actor, resource, resourceID, operation string) error {
	return w.recordAlone(ctx, DataAccess(actor, resource, resourceID, operation))
}

// LogSensitiveDataAccess records a read of PII or financial fields.
func (w *Writer) LogSensitiveDataAccess(ctx context.Context, actor domain.Actor, resource, resourceID string, fields []string) error {
	return w.recordAlone(ctx, SensitiveAccess(actor, resource, resourceID, fields))
}

func (w *Writer) recordAlone(ctx context.Context, ev Event) error {
	return w.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := w.Record(ctx, tx, ev)
		return err
	})
}

// GetAuditLogs returns entries matching f. Actors other than admins only see
// entries they authored.
func (w *Writer) GetAuditLogs(ctx context.Context, actor domain.Actor, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	f, err := w.scopeFilter(actor, f)
	if err != nil {
		return nil, err
	}

	var entries []*domain.AuditEntry
	err = w.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entries, err = tx.ListAudit(ctx, f)
		return err
	})
	return entries, err
}

// GetAuditStatistics aggregates entries in [from, to). Admin only.
func (w *Writer) GetAuditStatistics(ctx context.Context, actor domain.Actor, from, to time.Time) (*domain.AuditStatistics, error) {
	if !isAdmin(actor) {
		return nil, errors.PermissionDenied("audit statistics require an admin")
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, errors.InvalidInput("from", "from must be before to")
	}
	if to.IsZero() {
		to = w.now()
	}

	var stats *domain.AuditStatistics
	err := w.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		stats, err = tx.AuditStatistics(ctx, from, to)
		return err
	})
	return stats, err
}

func (w *Writer) scopeFilter(actor domain.Actor, f domain.AuditFilter) (domain.AuditFilter, error) {
	if !w.oracle.HasPermission(actor, "audit_log", rbac.ActionView, rbac.CategoryCompliance, nil) {
		return f, errors.PermissionDenied("actor may not view the audit log")
	}
	if !isAdmin(actor) {
		f.ActorID = actor.ID
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 1000
	}
	return f, nil
}

func isAdmin(a domain.Actor) bool {
	return a.Type == domain.UserTypeAdmin || a.HasRole(domain.RoleAdmin)
}
