package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// Target entities of approval workflows. Each is written only by the
// workflow resolution that owns it.

// ── Properties ────────────────────────────────────────────────────────────────

func (t *pgTx) GetProperty(ctx context.Context, id string) (*domain.Property, error) {
	p := &domain.Property{}
	var attrs []byte
	err := t.tx.QueryRow(ctx, `
		SELECT id, owner_id, pmc_id, name, attributes, updated_at
		FROM properties
		WHERE id = $1
	`, id).Scan(&p.ID, &p.OwnerID, &p.PMCID, &p.Name, &attrs, &p.UpdatedAt)
	if isNoRows(err) {
		return nil, errors.NotFound(domain.EntityProperty, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get property")
	}
	if err := fromJSONB(attrs, &p.Attributes); err != nil {
		return nil, err
	}
	if p.Attributes == nil {
		p.Attributes = domain.Snapshot{}
	}
	return p, nil
}

func (t *pgTx) UpdatePropertyAttributes(ctx context.Context, id string, attrs domain.Snapshot, at time.Time) error {
	data, err := toJSONB(attrs)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE properties SET attributes = COALESCE($2::jsonb, '{}'::jsonb), updated_at = $3 WHERE id = $1
	`, id, data, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update property")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(domain.EntityProperty, id)
	}
	return nil
}

// ── Leases ────────────────────────────────────────────────────────────────────

const leaseColumns = `
	id, property_id, tenant_id, landlord_id, pmc_id,
	monthly_rent, start_date, end_date, status,
	approval_request_id, created_by, created_at, updated_at`

func (t *pgTx) CreateLease(ctx context.Context, l *domain.Lease) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO leases (`+leaseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		l.ID, l.PropertyID, l.TenantID, l.LandlordID, l.PMCID,
		l.MonthlyRent, l.StartDate, l.EndDate, l.Status,
		l.ApprovalRequestID, l.CreatedBy, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create lease")
	}
	return nil
}

func (t *pgTx) GetLease(ctx context.Context, id string) (*domain.Lease, error) {
	l := &domain.Lease{}
	err := t.tx.QueryRow(ctx, `SELECT `+leaseColumns+` FROM leases WHERE id = $1`, id).Scan(
		&l.ID, &l.PropertyID, &l.TenantID, &l.LandlordID, &l.PMCID,
		&l.MonthlyRent, &l.StartDate, &l.EndDate, &l.Status,
		&l.ApprovalRequestID, &l.CreatedBy, &l.CreatedAt, &l.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound(domain.EntityLease, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get lease")
	}
	return l, nil
}

func (t *pgTx) UpdateLease(ctx context.Context, l *domain.Lease) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE leases SET status = $2, approval_request_id = $3, updated_at = $4 WHERE id = $1
	`, l.ID, l.Status, l.ApprovalRequestID, l.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update lease")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(domain.EntityLease, l.ID)
	}
	return nil
}

// ── Expenses ──────────────────────────────────────────────────────────────────

const expenseColumns = `
	id, property_id, landlord_id, pmc_id, amount,
	description, category, status,
	approval_request_id, created_by, created_at, updated_at`

func (t *pgTx) CreateExpense(ctx context.Context, e *domain.Expense) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO expenses (`+expenseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		e.ID, e.PropertyID, e.LandlordID, e.PMCID, e.Amount,
		e.Description, e.Category, e.Status,
		e.ApprovalRequestID, e.CreatedBy, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create expense")
	}
	return nil
}

func (t *pgTx) GetExpense(ctx context.Context, id string) (*domain.Expense, error) {
	e := &domain.Expense{}
	err := t.tx.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = $1`, id).Scan(
		&e.ID, &e.PropertyID, &e.LandlordID, &e.PMCID, &e.Amount,
		&e.Description, &e.Category, &e.Status,
		&e.ApprovalRequestID, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound(domain.EntityExpense, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get expense")
	}
	return e, nil
}

func (t *pgTx) UpdateExpense(ctx context.Context, e *domain.Expense) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE expenses SET status = $2, approval_request_id = $3, updated_at = $4 WHERE id = $1
	`, e.ID, e.Status, e.ApprovalRequestID, e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update expense")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(domain.EntityExpense, e.ID)
	}
	return nil
}

// ── Refunds ───────────────────────────────────────────────────────────────────

const refundColumns = `
	id, stripe_payment_id, amount, currency, reason, status,
	approval_request_id, requested_by, created_at, updated_at`

func (t *pgTx) CreateRefund(ctx context.Context, r *domain.Refund) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO refunds (`+refundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		r.ID, r.StripePaymentID, r.Amount, r.Currency, r.Reason, r.Status,
		r.ApprovalRequestID, r.RequestedBy, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "payment %s already has a refund", r.StripePaymentID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create refund")
	}
	return nil
}

func (t *pgTx) GetRefund(ctx context.Context, id string) (*domain.Refund, error) {
	r := &domain.Refund{}
	err := t.tx.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id).Scan(
		&r.ID, &r.StripePaymentID, &r.Amount, &r.Currency, &r.Reason, &r.Status,
		&r.ApprovalRequestID, &r.RequestedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if isNoRows(err) {
		return nil, errors.NotFound(domain.EntityRefund, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get refund")
	}
	return r, nil
}

func (t *pgTx) UpdateRefund(ctx context.Context, r *domain.Refund) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE refunds SET status = $2, approval_request_id = $3, updated_at = $4 WHERE id = $1
	`, r.ID, r.Status, r.ApprovalRequestID, r.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update refund")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(domain.EntityRefund, r.ID)
	}
	return nil
}
