package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

type memTx struct {
	st     *state
	failOn func(op string) error
}

var _ repository.Tx = (*memTx)(nil)

func (t *memTx) check(op string) error {
	if t.failOn == nil {
		return nil
	}
	return t.failOn(op)
}

// LockEntity is a no-op: transactions are already serialized.
func (t *memTx) LockEntity(_ context.Context, key string) error {
	return t.check("LockEntity")
}

// ── Approvals ─────────────────────────────────────────────────────────────────

func (t *memTx) CreateApproval(_ context.Context, r *domain.ApprovalRequest) error {
	if err := t.check("CreateApproval"); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, exists := t.st.approvals[r.ID]; exists {
		return errors.Newf(errors.ErrCodeConflict, "approval request %s already exists", r.ID)
	}
	if r.Status == domain.ApprovalPending {
		for _, other := range t.st.approvals {
			if other.Status == domain.ApprovalPending && other.EntityType == r.EntityType && other.EntityID == r.EntityID {
				return errors.Newf(errors.ErrCodeConflict, "%s %s already has a pending approval request", r.EntityType, r.EntityID)
			}
		}
	}
	r.Version = 1
	t.st.approvals[r.ID] = clone(r)
	return nil
}

func (t *memTx) GetApproval(_ context.Context, id string, _ bool) (*domain.ApprovalRequest, error) {
	if err := t.check("GetApproval"); err != nil {
		return nil, err
	}
	r, ok := t.st.approvals[id]
	if !ok {
		return nil, errors.NotFound(domain.EntityApproval, id)
	}
	return clone(r), nil
}

func (t *memTx) UpdateApproval(_ context.Context, r *domain.ApprovalRequest) error {
	if err := t.check("UpdateApproval"); err != nil {
		return err
	}
	cur, ok := t.st.approvals[r.ID]
	if !ok {
		return errors.NotFound(domain.EntityApproval, r.ID)
	}
	if cur.Version != r.Version {
		return repository.ErrConcurrentUpdate
	}
	r.Version++
	t.st.approvals[r.ID] = clone(r)
	return nil
}

func (t *memTx) FindPendingApproval(_ context.Context, entityType, entityID string) (*domain.ApprovalRequest, error) {
	if err := t.check("FindPendingApproval"); err != nil {
		return nil, err
	}
	for _, r := range t.st.approvals {
		if r.Status == domain.ApprovalPending && r.EntityType == entityType && r.EntityID == entityID {
			return clone(r), nil
		}
	}
	return nil, nil
}

func (t *memTx) ListPendingForApprover(_ context.Context, actor domain.Actor) ([]*domain.ApprovalRequest, error) {
	if err := t.check("ListPendingForApprover"); err != nil {
		return nil, err
	}
	var out []*domain.ApprovalRequest
	for _, r := range t.st.approvals {
		if r.IsPendingFor(actor) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (t *memTx) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]string, error) {
	if err := t.check("ListExpiredPending"); err != nil {
		return nil, err
	}
	var expired []*domain.ApprovalRequest
	for _, r := range t.st.approvals {
		if r.IsExpired(now) {
			expired = append(expired, r)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt) })
	ids := make([]string, 0, len(expired))
	for _, r := range expired {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// ── Audit ─────────────────────────────────────────────────────────────────────

func (t *memTx) AppendAudit(_ context.Context, e *domain.AuditEntry) error {
	if err := t.check("AppendAudit"); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.st.audit = append(t.st.audit, clone(e))
	return nil
}

func (t *memTx) ListAudit(_ context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	if err := t.check("ListAudit"); err != nil {
		return nil, err
	}
	var out []*domain.AuditEntry
	for i := len(t.st.audit) - 1; i >= 0; i-- {
		e := t.st.audit[i]
		if !f.Matches(e) {
			continue
		}
		out = append(out, clone(e))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) AuditStatistics(_ context.Context, from, to time.Time) (*domain.AuditStatistics, error) {
	if err := t.check("AuditStatistics"); err != nil {
		return nil, err
	}
	stats := domain.NewAuditStatistics(from, to)
	f := domain.AuditFilter{From: from, To: to}
	for _, e := range t.st.audit {
		if f.Matches(e) {
			stats.Add(e)
		}
	}
	return stats, nil
}

func (t *memTx) ListArchivable(_ context.Context, before time.Time, limit int) ([]*domain.AuditEntry, error) {
	if err := t.check("ListArchivable"); err != nil {
		return nil, err
	}
	var out []*domain.AuditEntry
	for _, e := range t.st.audit {
		if e.ArchivedAt == nil && e.CreatedAt.Before(before) {
			out = append(out, clone(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkArchived(_ context.Context, ids []string, object string, at time.Time) error {
	if err := t.check("MarkArchived"); err != nil {
		return err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i, e := range t.st.audit {
		if _, ok := want[e.ID]; !ok || e.ArchivedAt != nil {
			continue
		}
		updated := clone(e)
		ts := at
		updated.ArchivedAt = &ts
		updated.ArchiveObject = object
		t.st.audit[i] = updated
	}
	return nil
}

func (t *memTx) ListArchiveObjects(_ context.Context, before time.Time) ([]string, error) {
	if err := t.check("ListArchiveObjects"); err != nil {
		return nil, err
	}
	eligible := map[string]bool{}
	for _, e := range t.st.audit {
		if e.ArchivedAt == nil || e.ArchiveObject == "" {
			continue
		}
		ok, seen := eligible[e.ArchiveObject]
		if !seen {
			ok = true
		}
		eligible[e.ArchiveObject] = ok && e.CreatedAt.Before(before)
	}
	var out []string
	for obj, ok := range eligible {
		if ok {
			out = append(out, obj)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (t *memTx) DeleteArchived(_ context.Context, object string, before time.Time) (int64, error) {
	if err := t.check("DeleteArchived"); err != nil {
		return 0, err
	}
	kept := t.st.audit[:0:0]
	var n int64
	for _, e := range t.st.audit {
		if e.ArchivedAt != nil && e.ArchiveObject == object && e.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	t.st.audit = kept
	return n, nil
}

// ── Properties ────────────────────────────────────────────────────────────────

func (t *memTx) GetProperty(_ context.Context, id string) (*domain.Property, error) {
	if err := t.check("GetProperty"); err != nil {
		return nil, err
	}
	p, ok := t.st.properties[id]
	if !ok {
		return nil, errors.NotFound(domain.EntityProperty, id)
	}
	return clone(p), nil
}

func (t *memTx) UpdatePropertyAttributes(_ context.Context, id string, attrs domain.Snapshot, at time.Time) error {
	if err := t.check("UpdatePropertyAttributes"); err != nil {
		return err
	}
	p, ok := t.st.properties[id]
	if !ok {
		return errors.NotFound(domain.EntityProperty, id)
	}
	updated := clone(p)
	updated.Attributes = attrs.Clone()
	updated.UpdatedAt = at
	t.st.properties[id] = clone(updated)
	return nil
}

// ── Leases ────────────────────────────────────────────────────────────────────

func (t *memTx) CreateLease(_ context.Context, l *domain.Lease) error {
	if err := t.check("CreateLease"); err != nil {
		return err
	}
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	t.st.leases[l.ID] = clone(l)
	return nil
}

func (t *memTx) GetLease(_ context.Context, id string) (*domain.Lease, error) {
	if err := t.check("GetLease"); err != nil {
		return nil, err
	}
	l, ok := t.st.leases[id]
	if !ok {
		return nil, errors.NotFound(domain.EntityLease, id)
	}
	return clone(l), nil
}

func (t *memTx) UpdateLease(_ context.Context, l *domain.Lease) error {
	if err := t.check("UpdateLease"); err != nil {
		return err
	}
	if _, ok := t.st.leases[l.ID]; !ok {
		return errors.NotFound(domain.EntityLease, l.ID)
	}
	t.st.leases[l.ID] = clone(l)
	return nil
}

// ── Expenses ──────────────────────────────────────────────────────────────────

func (t *memTx) CreateExpense(_ context.Context, e *domain.Expense) error {
	if err := t.check("CreateExpense"); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	t.st.expenses[e.ID] = clone(e)
	return nil
}

func (t *memTx) GetExpense(_ context.Context, id string) (*domain.Expense, error) {
	if err := t.check("GetExpense"); err != nil {
		return nil, err
	}
	e, ok := t.st.expenses[id]
	if !ok {
		return nil, errors.NotFound(domain.EntityExpense, id)
	}
	return clone(e), nil
}

func (t *memTx) UpdateExpense(_ context.Context, e *domain.Expense) error {
	if err := t.check("UpdateExpense"); err != nil {
		return err
	}
	if _, ok := t.st.expenses[e.ID]; !ok {
		return errors.NotFound(domain.EntityExpense, e.ID)
	}
	t.st.expenses[e.ID] = clone(e)
	return nil
}

// ── Refunds ───────────────────────────────────────────────────────────────────

func (t *memTx) CreateRefund(_ context.Context, r *domain.Refund) error {
	if err := t.check("CreateRefund"); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	for _, existing := range t.st.refunds {
		if existing.StripePaymentID == r.StripePaymentID && existing.Status != domain.RefundRejected {
			return errors.Newf(errors.ErrCodeConflict, "payment %s already has a refund", r.StripePaymentID)
		}
	}
	t.st.refunds[r.ID] = clone(r)
	return nil
}

func (t *memTx) GetRefund(_ context.Context, id string) (*domain.Refund, error) {
	if err := t.check("GetRefund"); err != nil {
		return nil, err
	}
	r, ok := t.st.refunds[id]
	if !ok {
		return nil, errors.NotFound(domain.EntityRefund, id)
	}
	return clone(r), nil
}

func (t *memTx) UpdateRefund(_ context.Context, r *domain.Refund) error {
	if err := t.check("UpdateRefund"); err != nil {
		return err
	}
	if _, ok := t.st.refunds[r.ID]; !ok {
		return errors.NotFound(domain.EntityRefund, r.ID)
	}
	t.st.refunds[r.ID] = clone(r)
	return nil
}

// ── Maintenance tickets ───────────────────────────────────────────────────────

func (t *memTx) CreateTicket(_ context.Context, tk *domain.MaintenanceTicket) error {
	if err := t.check("CreateTicket"); err != nil {
		return err
	}
	if tk.ID == "" {
		tk.ID = uuid.NewString()
	}
	tk.Version = 1
	t.st.tickets[tk.ID] = clone(tk)
	return nil
}

func (t *memTx) GetTicket(_ context.Context, id string) (*domain.MaintenanceTicket, error) {
	if err := t.check("GetTicket"); err != nil {
		return nil, err
	}
	tk, ok := t.st.tickets[id]
	if !ok {
		return nil, errors.NotFound(domain.EntityTicket, id)
	}
	return clone(tk), nil
}

func (t *memTx) UpdateTicket(_ context.Context, tk *domain.MaintenanceTicket) error {
	if err := t.check("UpdateTicket"); err != nil {
		return err
	}
	cur, ok := t.st.tickets[tk.ID]
	if !ok {
		return errors.NotFound(domain.EntityTicket, tk.ID)
	}
	if cur.Version != tk.Version {
		return repository.ErrConcurrentUpdate
	}
	tk.Version++
	t.st.tickets[tk.ID] = clone(tk)
	return nil
}

// ── Payments ──────────────────────────────────────────────────────────────────

func (t *memTx) GetStripePayment(_ context.Context, id string) (*domain.StripePayment, error) {
	if err := t.check("GetStripePayment"); err != nil {
		return nil, err
	}
	p, ok := t.st.payments[id]
	if !ok {
		return nil, errors.NotFound(domain.EntityPayment, id)
	}
	return clone(p), nil
}

func (t *memTx) GetStripePaymentByCharge(_ context.Context, chargeID string) (*domain.StripePayment, error) {
	if err := t.check("GetStripePaymentByCharge"); err != nil {
		return nil, err
	}
	for _, p := range t.st.payments {
		if p.StripeChargeID == chargeID {
			return clone(p), nil
		}
	}
	return nil, errors.NotFound(domain.EntityPayment, chargeID)
}

func (t *memTx) UpdateStripePayment(_ context.Context, p *domain.StripePayment) error {
	if err := t.check("UpdateStripePayment"); err != nil {
		return err
	}
	cur, ok := t.st.payments[p.ID]
	if !ok {
		return errors.NotFound(domain.EntityPayment, p.ID)
	}
	if cur.Version != p.Version {
		return repository.ErrConcurrentUpdate
	}
	p.Version++
	t.st.payments[p.ID] = clone(p)
	return nil
}

func (t *memTx) GetRentPayment(_ context.Context, id string) (*domain.RentPayment, error) {
	if err := t.check("GetRentPayment"); err != nil {
		return nil, err
	}
	p, ok := t.st.rents[id]
	if !ok {
		return nil, errors.NotFound("rent_payment", id)
	}
	return clone(p), nil
}

func (t *memTx) UpdateRentPayment(_ context.Context, p *domain.RentPayment) error {
	if err := t.check("UpdateRentPayment"); err != nil {
		return err
	}
	if _, ok := t.st.rents[p.ID]; !ok {
		return errors.NotFound("rent_payment", p.ID)
	}
	t.st.rents[p.ID] = clone(p)
	return nil
}

func (t *memTx) CreateLegalNotice(_ context.Context, n *domain.LegalNotice) error {
	if err := t.check("CreateLegalNotice"); err != nil {
		return err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	t.st.notices = append(t.st.notices, clone(n))
	return nil
}

func (t *memTx) ListLegalNotices(_ context.Context, stripePaymentID string) ([]*domain.LegalNotice, error) {
	if err := t.check("ListLegalNotices"); err != nil {
		return nil, err
	}
	var out []*domain.LegalNotice
	for _, n := range t.st.notices {
		if n.StripePaymentID == stripePaymentID {
			out = append(out, clone(n))
		}
	}
	return out, nil
}

// ── Roles ─────────────────────────────────────────────────────────────────────

func (t *memTx) ListRoleAssignments(_ context.Context, userID string) ([]domain.RoleAssignment, error) {
	if err := t.check("ListRoleAssignments"); err != nil {
		return nil, err
	}
	var out []domain.RoleAssignment
	for _, a := range t.st.roles {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) CreateRoleAssignment(_ context.Context, a domain.RoleAssignment) error {
	if err := t.check("CreateRoleAssignment"); err != nil {
		return err
	}
	for _, cur := range t.st.roles {
		if cur.UserID == a.UserID && cur.Role == a.Role && cur.ScopeID == a.ScopeID {
			return errors.Newf(errors.ErrCodeConflict, "user %s already holds role %s", a.UserID, a.Role)
		}
	}
	t.st.roles = append(t.st.roles, a)
	return nil
}

func (t *memTx) DeleteRoleAssignment(_ context.Context, userID, role, scopeID string) error {
	if err := t.check("DeleteRoleAssignment"); err != nil {
		return err
	}
	for i, cur := range t.st.roles {
		if cur.UserID == userID && cur.Role == role && cur.ScopeID == scopeID {
			t.st.roles = append(t.st.roles[:i:i], t.st.roles[i+1:]...)
			return nil
		}
	}
	return errors.NotFound(domain.EntityRole, userID+"/"+role)
}

func (t *memTx) ListPermissionGrants(_ context.Context, userID string) ([]domain.PermissionGrant, error) {
	if err := t.check("ListPermissionGrants"); err != nil {
		return nil, err
	}
	var out []domain.PermissionGrant
	for _, g := range t.st.grants {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (t *memTx) CreatePermissionGrant(_ context.Context, g domain.PermissionGrant) error {
	if err := t.check("CreatePermissionGrant"); err != nil {
		return err
	}
	for _, cur := range t.st.grants {
		if cur.UserID == g.UserID && strings.EqualFold(cur.Category, g.Category) && cur.Action == g.Action {
			return errors.Newf(errors.ErrCodeConflict, "user %s already has %s on %s", g.UserID, g.Action, g.Category)
		}
	}
	t.st.grants = append(t.st.grants, g)
	return nil
}

func (t *memTx) DeletePermissionGrant(_ context.Context, userID, category, action string) error {
	if err := t.check("DeletePermissionGrant"); err != nil {
		return err
	}
	for i, cur := range t.st.grants {
		if cur.UserID == userID && strings.EqualFold(cur.Category, category) && cur.Action == action {
			t.st.grants = append(t.st.grants[:i:i], t.st.grants[i+1:]...)
			return nil
		}
	}
	return errors.NotFound(domain.EntityPermission, userID+"/"+category+"/"+action)
}
