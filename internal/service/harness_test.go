package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-pm-approvals/internal/audit"
	"github.com/pesio-ai/be-pm-approvals/internal/client"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-pm-approvals/internal/scheduler"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

var (
	landlord = domain.Actor{ID: "L1", Type: domain.UserTypeLandlord, Roles: []string{domain.RoleLandlord}}
	accountant = domain.Actor{ID: "C1", Type: domain.UserTypePMC, PMCID: "P1", Roles: []string{domain.RolePMCAccountant}}
	manager    = domain.Actor{ID: "M1", Type: domain.UserTypePMC, PMCID: "P1", Roles: []string{domain.RolePMCManager}}
	pmcAdmin   = domain.Actor{ID: "A1", Type: domain.UserTypePMC, PMCID: "P1", Roles: []string{domain.RolePMCAdmin}}
	tenant     = domain.Actor{ID: "T1", Type: domain.UserTypeTenant, Roles: []string{domain.RoleTenant}}
	stranger   = domain.Actor{ID: "L9", Type: domain.UserTypeLandlord, Roles: []string{domain.RoleLandlord}}
	admin      = domain.Actor{ID: "root", Type: domain.UserTypeAdmin}
)

var start = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeScheduler records jobs instead of running them.
type fakeScheduler struct {
	mu        sync.Mutex
	jobs      map[string]scheduler.Job
	cancelled []string
	handlers  map[string]scheduler.Handler
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]scheduler.Job{}, handlers: map[string]scheduler.Handler{}}
}

func (f *fakeScheduler) Schedule(_ context.Context, job scheduler.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.Key] = job
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, key)
	f.cancelled = append(f.cancelled, key)
	return nil
}

func (f *fakeScheduler) Handle(kind string, h scheduler.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = h
}

func (f *fakeScheduler) Start(context.Context) {}
func (f *fakeScheduler) Stop()                 {}

func (f *fakeScheduler) job(key string) (scheduler.Job, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[key]
	return j, ok
}

// fire runs the pending job for key through its registered handler.
func (f *fakeScheduler) fire(ctx context.Context, key string) error {
	f.mu.Lock()
	j, ok := f.jobs[key]
	h := f.handlers[j.Kind]
	delete(f.jobs, key)
	f.mu.Unlock()
	if !ok || h == nil {
		return nil
	}
	return h(ctx, j)
}

type harness struct {
	ctx   context.Context
	store *memory.Store
	notes *client.RecordingNotifier
	sched *fakeScheduler
	clock *clock
	deps  Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	clk := &clock{t: start}
	oracle := rbac.NewOracle()
	notes := &client.RecordingNotifier{}
	sched := newFakeScheduler()

	store.PutProperty(&domain.Property{
		ID:         "prop-1",
		OwnerID:    "L1",
		PMCID:      "P1",
		Name:       "Maple Court",
		Attributes: domain.Snapshot{"rent": 1800.0, "name": "Maple Court", "pets": false},
		UpdatedAt:  start,
	})

	return &harness{
		ctx:   context.Background(),
		store: store,
		notes: notes,
		sched: sched,
		clock: clk,
		deps: Deps{
			Store:     store,
			Audit:     audit.NewWriter(store, oracle, nil, logger.Nop()).WithClock(clk.Now),
			Oracle:    oracle,
			Notifier:  notes,
			Scheduler: sched,
			Log:       logger.Nop(),
			Now:       clk.Now,
		},
	}
}

func (h *harness) approvals() *ApprovalService {
	return NewApprovalService(h.deps, ApprovalConfig{BigExpenseThreshold: decimal.NewFromInt(1000)})
}

func (h *harness) tx(t *testing.T, fn func(ctx context.Context, tx repository.Tx) error) {
	t.Helper()
	require.NoError(t, h.store.InTransaction(h.ctx, fn))
}

func (h *harness) property(t *testing.T, id string) *domain.Property {
	t.Helper()
	var p *domain.Property
	h.tx(t, func(ctx context.Context, tx repository.Tx) error {
		var err error
		p, err = tx.GetProperty(ctx, id)
		return err
	})
	return p
}

func (h *harness) approval(t *testing.T, id string) *domain.ApprovalRequest {
	t.Helper()
	var r *domain.ApprovalRequest
	h.tx(t, func(ctx context.Context, tx repository.Tx) error {
		var err error
		r, err = tx.GetApproval(ctx, id, false)
		return err
	})
	return r
}

func (h *harness) expense(t *testing.T, id string) *domain.Expense {
	t.Helper()
	var e *domain.Expense
	h.tx(t, func(ctx context.Context, tx repository.Tx) error {
		var err error
		e, err = tx.GetExpense(ctx, id)
		return err
	})
	return e
}

func (h *harness) seedExpense(t *testing.T, id string, amount int64) {
	t.Helper()
	h.tx(t, func(ctx context.Context, tx repository.Tx) error {
		return tx.CreateExpense(ctx, &domain.Expense{
			ID:          id,
			PropertyID:  "prop-1",
			LandlordID:  "L1",
			PMCID:       "P1",
			Amount:      decimal.NewFromInt(amount),
			Description: "Roof repair",
			Status:      domain.ExpenseApproved,
			CreatedBy:   manager.ID,
			CreatedAt:   start,
			UpdatedAt:   start,
		})
	})
}

// actions returns the audit actions recorded so far, in order.
func (h *harness) actions() []string {
	var out []string
	for _, e := range h.store.AuditEntries() {
		out = append(out, e.Action)
	}
	return out
}

func (h *harness) countAction(action string) int {
	n := 0
	for _, a := range h.actions() {
		if a == action {
			n++
		}
	}
	return n
}

// approverStatus finds the entry naming userID, the PMC id for PMC entries.
func approverStatus(r *domain.ApprovalRequest, userID string) domain.ApproverStatus {
	for _, a := range r.Approvers {
		if a.UserID == userID {
			return a.Status
		}
	}
	return ""
}
