// Package repository defines the transactional datastore boundary and its
// PostgreSQL implementation. An in-memory implementation lives in
// repository/memory.
package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

// ErrConcurrentUpdate is returned when a versioned update lost a race.
// The whole transaction should be retried.
var ErrConcurrentUpdate = errors.New(errors.ErrCodeConflict, "record was modified concurrently")

// IsConcurrentUpdate reports whether ErrConcurrentUpdate itself is in err's
// chain. errors.Is would also match any other CONFLICT error.
func IsConcurrentUpdate(err error) bool {
	for ; err != nil; err = stderrors.Unwrap(err) {
		if err == error(ErrConcurrentUpdate) {
			return true
		}
	}
	return false
}

// Store opens transactions. fn's error rolls the transaction back.
type Store interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the set of repositories available inside a transaction.
type Tx interface {
	ApprovalRepository
	AuditRepository
	PropertyRepository
	LeaseRepository
	ExpenseRepository
	RefundRepository
	TicketRepository
	PaymentRepository
	RoleRepository

	// LockEntity takes a transaction-scoped advisory lock on key.
	LockEntity(ctx context.Context, key string) error
}

// ── Approvals ─────────────────────────────────────────────────────────────────

type ApprovalRepository interface {
	CreateApproval(ctx context.Context, r *domain.ApprovalRequest) error
	// GetApproval loads a request. forUpdate locks the row until commit.
	GetApproval(ctx context.Context, id string, forUpdate bool) (*domain.ApprovalRequest, error)
	// UpdateApproval writes r if its version is unchanged and bumps r.Version.
	UpdateApproval(ctx context.Context, r *domain.ApprovalRequest) error
	// FindPendingApproval returns the PENDING request on an entity, or nil.
	FindPendingApproval(ctx context.Context, entityType, entityID string) (*domain.ApprovalRequest, error)
	// ListPendingForApprover returns PENDING requests with an undecided entry
	// the actor decides for, oldest first.
	ListPendingForApprover(ctx context.Context, actor domain.Actor) ([]*domain.ApprovalRequest, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// AuditRepository is append-only. Deletion exists only for retention purge.
type AuditRepository interface {
	AppendAudit(ctx context.Context, e *domain.AuditEntry) error
	ListAudit(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error)
	AuditStatistics(ctx context.Context, from, to time.Time) (*domain.AuditStatistics, error)
	// ListArchivable returns unarchived entries created before the cutoff, oldest first.
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]*domain.AuditEntry, error)
	MarkArchived(ctx context.Context, ids []string, object string, at time.Time) error
	// ListArchiveObjects returns archive objects whose entries all predate the cutoff.
	ListArchiveObjects(ctx context.Context, before time.Time) ([]string, error)
	DeleteArchived(ctx context.Context, object string, before time.Time) (int64, error)
}

// ── Target entities ───────────────────────────────────────────────────────────

type PropertyRepository interface {
	GetProperty(ctx context.Context, id string) (*domain.Property, error)
	UpdatePropertyAttributes(ctx context.Context, id string, attrs domain.Snapshot, at time.Time) error
}

type LeaseRepository interface {
	CreateLease(ctx context.Context, l *domain.Lease) error
	GetLease(ctx context.Context, id string) (*domain.Lease, error)
	UpdateLease(ctx context.Context, l *domain.Lease) error
}

type ExpenseRepository interface {
	CreateExpense(ctx context.Context, e *domain.Expense) error
	GetExpense(ctx context.Context, id string) (*domain.Expense, error)
	UpdateExpense(ctx context.Context, e *domain.Expense) error
}

type RefundRepository interface {
	CreateRefund(ctx context.Context, r *domain.Refund) error
	GetRefund(ctx context.Context, id string) (*domain.Refund, error)
	UpdateRefund(ctx context.Context, r *domain.Refund) error
}

// ── Maintenance ───────────────────────────────────────────────────────────────

type TicketRepository interface {
	CreateTicket(ctx context.Context, t *domain.MaintenanceTicket) error
	GetTicket(ctx context.Context, id string) (*domain.MaintenanceTicket, error)
	// UpdateTicket writes t if its version is unchanged and bumps t.Version.
	UpdateTicket(ctx context.Context, t *domain.MaintenanceTicket) error
}

// ── Payments ──────────────────────────────────────────────────────────────────

type PaymentRepository interface {
	GetStripePayment(ctx context.Context, id string) (*domain.StripePayment, error)
	GetStripePaymentByCharge(ctx context.Context, chargeID string) (*domain.StripePayment, error)
	// UpdateStripePayment writes p if its version is unchanged and bumps p.Version.
	UpdateStripePayment(ctx context.Context, p *domain.StripePayment) error
	GetRentPayment(ctx context.Context, id string) (*domain.RentPayment, error)
	UpdateRentPayment(ctx context.Context, p *domain.RentPayment) error
	CreateLegalNotice(ctx context.Context, n *domain.LegalNotice) error
	ListLegalNotices(ctx context.Context, stripePaymentID string) ([]*domain.LegalNotice, error)
}

// ── Roles ─────────────────────────────────────────────────────────────────────

type RoleRepository interface {
	ListRoleAssignments(ctx context.Context, userID string) ([]domain.RoleAssignment, error)
	CreateRoleAssignment(ctx context.Context, a domain.RoleAssignment) error
	DeleteRoleAssignment(ctx context.Context, userID, role, scopeID string) error
	ListPermissionGrants(ctx context.Context, userID string) ([]domain.PermissionGrant, error)
	CreatePermissionGrant(ctx context.Context, g domain.PermissionGrant) error
	DeletePermissionGrant(ctx context.Context, userID, category, action string) error
}
