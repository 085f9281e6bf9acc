package service

import (
	"context"
	stderrors "errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/observability/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/observability/tracing"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/scheduler"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

// maxTxAttempts bounds retries of a transaction that lost an optimistic race.
const maxTxAttempts = 3

// errNoChange aborts an audited transaction that turned out to have nothing
// to do. It is not reported to the caller.
var errNoChange = stderrors.New("no change")

// Deps are the collaborators shared by every service.
type Deps struct {
	Store     repository.Store
	Audit     *audit.Writer
	Oracle    *rbac.Oracle
	Notifier  client.Notifier
	Scheduler scheduler.Scheduler
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Now       func() time.Time
}

// effects collects what one mutating operation produced inside its
// transaction. Everything except the audit event is applied after commit.
type effects struct {
	events      []audit.Event
	notices     []client.Notification
	jobs        []scheduler.Job
	cancels     []string
	transitions [][2]string
}

func (fx *effects) audit(ev audit.Event) { fx.events = append(fx.events, ev) }

func (fx *effects) notify(n ...client.Notification) { fx.notices = append(fx.notices, n...) }

func (fx *effects) schedule(j scheduler.Job) { fx.jobs = append(fx.jobs, j) }

func (fx *effects) cancel(key string) { fx.cancels = append(fx.cancels, key) }

func (fx *effects) transition(workflow, status string) {
	fx.transitions = append(fx.transitions, [2]string{workflow, status})
}

// engine runs mutating operations. Every mutation goes through auditedTx, so
// a state change without its audit entry cannot commit.
type engine struct {
	Deps
}

func newEngine(d Deps) engine {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Notifier == nil {
		d.Notifier = client.NewLogNotifier(d.Metrics, d.Log)
	}
	if d.Oracle == nil {
		d.Oracle = rbac.NewOracle()
	}
	return engine{Deps: d}
}

func (e *engine) now() time.Time { return e.Now().UTC() }

// auditedTx runs fn in one transaction together with the single audit event
// fn must emit. The transaction is retried when a versioned write lost a race.
// Notifications, jobs and metrics are applied only after commit; their
// failures are logged and dropped.
func (e *engine) auditedTx(ctx context.Context, op string, fn func(ctx context.Context, tx repository.Tx, fx *effects) error) error {
	ctx, span := tracing.Tracer().Start(ctx, op)
	defer span.End()

	var fx *effects
	for attempt := 1; ; attempt++ {
		fx = &effects{}
		err := e.Store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			if err := fn(ctx, tx, fx); err != nil {
				return err
			}
			if len(fx.events) != 1 {
				return errors.Newf(errors.ErrCodeInternal, "%s emitted %d audit events, want exactly 1", op, len(fx.events))
			}
			_, err := e.Audit.Record(ctx, tx, fx.events[0])
			return err
		})
		if err == nil {
			break
		}
		if stderrors.Is(err, errNoChange) {
			span.SetAttributes(attribute.Bool("noop", true))
			return nil
		}
		if repository.IsConcurrentUpdate(err) && attempt < maxTxAttempts {
			e.Log.Debug().Str("op", op).Int("attempt", attempt).Msg("Concurrent update, retrying transaction")
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.afterCommit(ctx, op, fx)
	return nil
}

func (e *engine) afterCommit(ctx context.Context, op string, fx *effects) {
	ctx = context.WithoutCancel(ctx)
	for _, t := range fx.transitions {
		e.Metrics.ApprovalTransition(t[0], t[1])
	}
	for _, key := range fx.cancels {
		if e.Scheduler == nil {
			break
		}
		if err := e.Scheduler.Cancel(ctx, key); err != nil {
			e.Log.Warn().Err(err).Str("op", op).Str("key", key).Msg("Failed to cancel delayed job")
		}
	}
	for _, job := range fx.jobs {
		if e.Scheduler == nil {
			break
		}
		if err := e.Scheduler.Schedule(ctx, job); err != nil {
			e.Log.Warn().Err(err).Str("op", op).Str("key", job.Key).Msg("Failed to schedule delayed job")
		}
	}
	for _, n := range fx.notices {
		if err := e.Notifier.Notify(ctx, n); err != nil {
			e.Log.Warn().Err(err).Str("op", op).Str("type", n.Type).Msg("Notification failed (non-fatal)")
		}
	}
}

// read runs fn in a transaction with no audit requirement.
func (e *engine) read(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return e.Store.InTransaction(ctx, fn)
}
