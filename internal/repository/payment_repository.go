package repository

import (
	"context"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

const stripePaymentColumns = `
	id, rent_payment_id, tenant_id, landlord_id, property_id, pmc_id,
	stripe_payment_intent_id, stripe_charge_id, amount, currency, status,
	dispute_status, dispute_id, dispute_reason, late_fees_frozen,
	dispute_initiated_at, dispute_resolved_at, updated_at, version`

func (t *pgTx) GetStripePayment(ctx context.Context, id string) (*domain.StripePayment, error) {
	p, err := scanStripePayment(t.tx.QueryRow(ctx,
		`SELECT `+stripePaymentColumns+` FROM stripe_payments WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, errors.NotFound(domain.EntityPayment, id)
	}
	return p, err
}

func (t *pgTx) GetStripePaymentByCharge(ctx context.Context, chargeID string) (*domain.StripePayment, error) {
	p, err := scanStripePayment(t.tx.QueryRow(ctx,
		`SELECT `+stripePaymentColumns+` FROM stripe_payments WHERE stripe_charge_id = $1`, chargeID))
	if isNoRows(err) {
		return nil, errors.NotFound(domain.EntityPayment, chargeID)
	}
	return p, err
}

// UpdateStripePayment persists the dispute sub-model under a version check.
func (t *pgTx) UpdateStripePayment(ctx context.Context, p *domain.StripePayment) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE stripe_payments
		SET status               = $3,
		    dispute_status       = $4,
		    dispute_id           = $5,
		    dispute_reason       = $6,
		    late_fees_frozen     = $7,
		    dispute_initiated_at = $8,
		    dispute_resolved_at  = $9,
		    updated_at           = $10,
		    version              = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`,
		p.ID, p.Version, p.Status,
		p.DisputeStatus, p.DisputeID, p.DisputeReason, p.LateFeesFrozen,
		p.DisputeInitiatedAt, p.DisputeResolvedAt, p.UpdatedAt,
	).Scan(&p.Version)
	if isNoRows(err) {
		return t.versionMiss(ctx, "stripe_payments", domain.EntityPayment, p.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update stripe payment")
	}
	return nil
}

func (t *pgTx) GetRentPayment(ctx context.Context, id string) (*domain.RentPayment, error) {
	p := &domain.RentPayment{}
	err := t.tx.QueryRow(ctx, `
		SELECT id, lease_id, tenant_id, landlord_id, amount, status, paid_at, updated_at
		FROM rent_payments
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&p.ID, &p.LeaseID, &p.TenantID, &p.LandlordID, &p.Amount, &p.Status, &p.PaidAt, &p.UpdatedAt)
	if isNoRows(err) {
		return nil, errors.NotFound("rent_payment", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get rent payment")
	}
	return p, nil
}

func (t *pgTx) UpdateRentPayment(ctx context.Context, p *domain.RentPayment) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE rent_payments SET status = $2, paid_at = $3, updated_at = $4 WHERE id = $1
	`, p.ID, p.Status, p.PaidAt, p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update rent payment")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("rent_payment", p.ID)
	}
	return nil
}

func (t *pgTx) CreateLegalNotice(ctx context.Context, n *domain.LegalNotice) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO legal_notices
		    (id, stripe_payment_id, rent_payment_id, landlord_id, tenant_id,
		     status, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.StripePaymentID, n.RentPaymentID, n.LandlordID, n.TenantID, n.Status, n.RequestedBy, n.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create legal notice")
	}
	return nil
}

func (t *pgTx) ListLegalNotices(ctx context.Context, stripePaymentID string) ([]*domain.LegalNotice, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, stripe_payment_id, rent_payment_id, landlord_id, tenant_id,
		       status, requested_by, created_at
		FROM legal_notices
		WHERE stripe_payment_id = $1
		ORDER BY created_at ASC
	`, stripePaymentID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list legal notices")
	}
	defer rows.Close()

	var out []*domain.LegalNotice
	for rows.Next() {
		n := &domain.LegalNotice{}
		if err := rows.Scan(&n.ID, &n.StripePaymentID, &n.RentPaymentID, &n.LandlordID, &n.TenantID,
			&n.Status, &n.RequestedBy, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan legal notice")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanStripePayment(sc rowScanner) (*domain.StripePayment, error) {
	p := &domain.StripePayment{}
	err := sc.Scan(
		&p.ID, &p.RentPaymentID, &p.TenantID, &p.LandlordID, &p.PropertyID, &p.PMCID,
		&p.StripePaymentIntentID, &p.StripeChargeID, &p.Amount, &p.Currency, &p.Status,
		&p.DisputeStatus, &p.DisputeID, &p.DisputeReason, &p.LateFeesFrozen,
		&p.DisputeInitiatedAt, &p.DisputeResolvedAt, &p.UpdatedAt, &p.Version,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stripe payment")
	}
	return p, nil
}
