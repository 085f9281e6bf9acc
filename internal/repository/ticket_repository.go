package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

const ticketColumns = `
	id, property_id, tenant_id, landlord_id, pmc_id,
	title, description, priority, status,
	landlord_approved, tenant_approved, initiated_by, closed_by,
	rejection_reason, comments, created_at, updated_at, version`

// CreateTicket inserts a ticket with version 1.
func (t *pgTx) CreateTicket(ctx context.Context, tk *domain.MaintenanceTicket) error {
	comments, err := json.Marshal(commentsOrEmpty(tk.Comments))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal ticket comments")
	}
	tk.Version = 1

	_, err = t.tx.Exec(ctx, `
		INSERT INTO maintenance_tickets (`+ticketColumns+`)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13,
		        $14, $15, $16, $17, $18)
	`,
		tk.ID, tk.PropertyID, tk.TenantID, tk.LandlordID, tk.PMCID,
		tk.Title, tk.Description, tk.Priority, tk.Status,
		tk.LandlordApproved, tk.TenantApproved, tk.InitiatedBy, tk.ClosedBy,
		tk.RejectionReason, comments, tk.CreatedAt, tk.UpdatedAt, tk.Version,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create maintenance ticket")
	}
	return nil
}

// GetTicket retrieves a ticket with its comments.
func (t *pgTx) GetTicket(ctx context.Context, id string) (*domain.MaintenanceTicket, error) {
	tk := &domain.MaintenanceTicket{}
	var comments []byte

	err := t.tx.QueryRow(ctx, `SELECT `+ticketColumns+` FROM maintenance_tickets WHERE id = $1`, id).Scan(
		&tk.ID, &tk.PropertyID, &tk.TenantID, &tk.LandlordID, &tk.PMCID,
		&tk.Title, &tk.Description, &tk.Priority, &tk.Status,
		&tk.LandlordApproved, &tk.TenantApproved, &tk.InitiatedBy, &tk.ClosedBy,
		&tk.RejectionReason, &comments, &tk.CreatedAt, &tk.UpdatedAt, &tk.Version,
	)
	if isNoRows(err) {
		return nil, errors.NotFound(domain.EntityTicket, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get maintenance ticket")
	}
	if err := fromJSONB(comments, &tk.Comments); err != nil {
		return nil, err
	}
	return tk, nil
}

// UpdateTicket writes the status sub-model and comments under a version check.
func (t *pgTx) UpdateTicket(ctx context.Context, tk *domain.MaintenanceTicket) error {
	comments, err := json.Marshal(commentsOrEmpty(tk.Comments))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal ticket comments")
	}

	err = t.tx.QueryRow(ctx, `
		UPDATE maintenance_tickets
		SET status            = $3,
		    landlord_approved = $4,
		    tenant_approved   = $5,
		    closed_by         = $6,
		    rejection_reason  = $7,
		    comments          = $8,
		    updated_at        = $9,
		    version           = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`,
		tk.ID, tk.Version, tk.Status,
		tk.LandlordApproved, tk.TenantApproved, tk.ClosedBy,
		tk.RejectionReason, comments, tk.UpdatedAt,
	).Scan(&tk.Version)
	if isNoRows(err) {
		return t.versionMiss(ctx, "maintenance_tickets", domain.EntityTicket, tk.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update maintenance ticket")
	}
	return nil
}

func commentsOrEmpty(c []domain.TicketComment) []domain.TicketComment {
	if c == nil {
		return []domain.TicketComment{}
	}
	return c
}
