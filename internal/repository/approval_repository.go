package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

const approvalColumns = `
	id, workflow_type, entity_type, entity_id,
	requested_by, requested_by_type, status,
	approvers, payload, expires_at, requested_at,
	approved_at, approved_by, approved_by_type,
	rejected_at, rejected_by, rejected_by_type, rejection_reason,
	expired_at, version, updated_at`

// CreateApproval inserts a request with version 1. The partial unique index
// on (entity_type, entity_id) WHERE status = 'PENDING' rejects a second
// pending request on the same entity.
func (t *pgTx) CreateApproval(ctx context.Context, r *domain.ApprovalRequest) error {
	approvers, err := json.Marshal(r.Approvers)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approvers")
	}
	payload, err := toJSONB(r.Payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_requests
		    (id, workflow_type, entity_type, entity_id,
		     requested_by, requested_by_type, status,
		     approvers, payload, expires_at, requested_at,
		     version, updated_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10, $11,
		        1, $11)
		RETURNING version
	`

	err = t.tx.QueryRow(ctx, query,
		r.ID,
		r.WorkflowType,
		r.EntityType,
		r.EntityID,
		r.RequestedBy,
		r.RequestedByType,
		r.Status,
		approvers,
		payload,
		r.ExpiresAt,
		r.RequestedAt,
	).Scan(&r.Version)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "%s %s already has a pending approval request", r.EntityType, r.EntityID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	r.UpdatedAt = r.RequestedAt
	return nil
}

// GetApproval retrieves a request by id, optionally locking the row.
func (t *pgTx) GetApproval(ctx context.Context, id string, forUpdate bool) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	r, err := scanApproval(t.tx.QueryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, errors.NotFound(domain.EntityApproval, id)
	}
	return r, err
}

// UpdateApproval persists status, approvers and resolution fields guarded by
// the version the caller read.
func (t *pgTx) UpdateApproval(ctx context.Context, r *domain.ApprovalRequest) error {
	approvers, err := json.Marshal(r.Approvers)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approvers")
	}

	query := `
		UPDATE approval_requests
		SET status           = $3,
		    approvers        = $4,
		    approved_at      = $5,
		    approved_by      = $6,
		    approved_by_type = $7,
		    rejected_at      = $8,
		    rejected_by      = $9,
		    rejected_by_type = $10,
		    rejection_reason = $11,
		    expired_at       = $12,
		    version          = version + 1,
		    updated_at       = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err = t.tx.QueryRow(ctx, query,
		r.ID,
		r.Version,
		r.Status,
		approvers,
		r.ApprovedAt,
		r.ApprovedBy,
		r.ApprovedByType,
		r.RejectedAt,
		r.RejectedBy,
		r.RejectedByType,
		r.RejectionReason,
		r.ExpiredAt,
	).Scan(&r.Version, &r.UpdatedAt)
	if isNoRows(err) {
		return t.versionMiss(ctx, "approval_requests", domain.EntityApproval, r.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	return nil
}

// FindPendingApproval returns the pending request on an entity, or nil.
func (t *pgTx) FindPendingApproval(ctx context.Context, entityType, entityID string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE entity_type = $1 AND entity_id = $2 AND status = 'PENDING'
		LIMIT 1`

	r, err := scanApproval(t.tx.QueryRow(ctx, query, entityType, entityID))
	if isNoRows(err) {
		return nil, nil
	}
	return r, err
}

// ListPendingForApprover matches on the approver's own pending entry through
// JSONB containment, not only on the overall request status. A PMC member
// matches entries naming the PMC with one of the member's roles.
func (t *pgTx) ListPendingForApprover(ctx context.Context, actor domain.Actor) ([]*domain.ApprovalRequest, error) {
	filters, err := approverFilters(actor)
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		return nil, nil
	}

	query := `SELECT ` + approvalColumns + `
		FROM approval_requests
		WHERE status = 'PENDING'
		  AND EXISTS (SELECT 1 FROM unnest($1::text[]) AS f(doc) WHERE approvers @> f.doc::jsonb)
		ORDER BY requested_at ASC`

	rows, err := t.tx.Query(ctx, query, filters)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var out []*domain.ApprovalRequest
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// approverFilters builds one JSONB containment document per approver entry
// shape the actor can decide for.
func approverFilters(actor domain.Actor) ([]string, error) {
	var entries []map[string]string
	if actor.Type == domain.UserTypePMC {
		if actor.PMCID == "" {
			return nil, nil
		}
		for _, role := range actor.Roles {
			entries = append(entries, map[string]string{
				"user_id":   actor.PMCID,
				"user_type": string(domain.UserTypePMC),
				"role":      role,
				"status":    string(domain.ApproverPending),
			})
		}
	} else {
		entries = append(entries, map[string]string{
			"user_id":   actor.ID,
			"user_type": string(actor.Type),
			"status":    string(domain.ApproverPending),
		})
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		doc, err := json.Marshal([]map[string]string{e})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build approver filter")
		}
		out = append(out, string(doc))
	}
	return out, nil
}

// ListExpiredPending returns ids of pending requests past expires_at.
func (t *pgTx) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM approval_requests
		WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`
	if limit <= 0 {
		limit = 1000
	}

	rows, err := t.tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expired approvals")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanApproval(sc rowScanner) (*domain.ApprovalRequest, error) {
	r := &domain.ApprovalRequest{}
	var approversJSON, payloadJSON []byte

	err := sc.Scan(
		&r.ID,
		&r.WorkflowType,
		&r.EntityType,
		&r.EntityID,
		&r.RequestedBy,
		&r.RequestedByType,
		&r.Status,
		&approversJSON,
		&payloadJSON,
		&r.ExpiresAt,
		&r.RequestedAt,
		&r.ApprovedAt,
		&r.ApprovedBy,
		&r.ApprovedByType,
		&r.RejectedAt,
		&r.RejectedBy,
		&r.RejectedByType,
		&r.RejectionReason,
		&r.ExpiredAt,
		&r.Version,
		&r.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
	}

	if err := fromJSONB(approversJSON, &r.Approvers); err != nil {
		return nil, err
	}
	if len(payloadJSON) > 0 {
		p, err := domain.DecodePayload(r.WorkflowType, payloadJSON)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode approval payload")
		}
		r.Payload = p
	}
	return r, nil
}
