// Package memory is an in-process implementation of repository.Store.
// Transactions are serialized and roll back by restoring the state captured
// at begin. Stored records are copied on every read and write so callers can
// never alias stored state.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
)

type state struct {
	approvals  map[string]*domain.ApprovalRequest
	audit      []*domain.AuditEntry
	properties map[string]*domain.Property
	leases     map[string]*domain.Lease
	expenses   map[string]*domain.Expense
	refunds    map[string]*domain.Refund
	tickets    map[string]*domain.MaintenanceTicket
	payments   map[string]*domain.StripePayment
	rents      map[string]*domain.RentPayment
	notices    []*domain.LegalNotice
	roles      []domain.RoleAssignment
	grants     []domain.PermissionGrant
}

func newState() *state {
	return &state{
		approvals:  map[string]*domain.ApprovalRequest{},
		properties: map[string]*domain.Property{},
		leases:     map[string]*domain.Lease{},
		expenses:   map[string]*domain.Expense{},
		refunds:    map[string]*domain.Refund{},
		tickets:    map[string]*domain.MaintenanceTicket{},
		payments:   map[string]*domain.StripePayment{},
		rents:      map[string]*domain.RentPayment{},
	}
}

// snapshot copies the containers. Records are replaced, never mutated, so
// sharing the record pointers is safe.
func (s *state) snapshot() *state {
	return &state{
		approvals:  copyMap(s.approvals),
		audit:      append([]*domain.AuditEntry(nil), s.audit...),
		properties: copyMap(s.properties),
		leases:     copyMap(s.leases),
		expenses:   copyMap(s.expenses),
		refunds:    copyMap(s.refunds),
		tickets:    copyMap(s.tickets),
		payments:   copyMap(s.payments),
		rents:      copyMap(s.rents),
		notices:    append([]*domain.LegalNotice(nil), s.notices...),
		roles:      append([]domain.RoleAssignment(nil), s.roles...),
		grants:     append([]domain.PermissionGrant(nil), s.grants...),
	}
}

func copyMap[V any](m map[string]*V) map[string]*V {
	out := make(map[string]*V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone deep-copies a record through its JSON form.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic("memory: clone marshal: " + err.Error())
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic("memory: clone unmarshal: " + err.Error())
	}
	return out
}

// Store is a repository.Store held entirely in memory.
type Store struct {
	mu     sync.Mutex
	state  *state
	failOn func(op string) error
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// FailOn installs a hook consulted before every repository operation. A
// non-nil return fails that operation, which rolls back the transaction.
func (s *Store) FailOn(hook func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOn = hook
}

// InTransaction runs fn with exclusive access to the store.
func (s *Store) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.state.snapshot()
	tx := &memTx{st: s.state, failOn: s.failOn}
	if err := fn(ctx, tx); err != nil {
		s.state = saved
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ── Seeding and inspection ────────────────────────────────────────────────────
//
// Properties, rent payments and Stripe payments are owned by other services;
// these helpers load them for local runs and tests.

func (s *Store) PutProperty(p *domain.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.properties[p.ID] = clone(p)
}

func (s *Store) PutStripePayment(p *domain.StripePayment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.payments[p.ID] = clone(p)
}

func (s *Store) PutRentPayment(p *domain.RentPayment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.rents[p.ID] = clone(p)
}

func (s *Store) PutAuditEntry(e *domain.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.audit = append(s.state.audit, clone(e))
}

// AuditEntries returns a copy of every stored audit entry in insertion order.
func (s *Store) AuditEntries() []*domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.AuditEntry, 0, len(s.state.audit))
	for _, e := range s.state.audit {
		out = append(out, clone(e))
	}
	return out
}

// LegalNotices returns every stored legal notice.
func (s *Store) LegalNotices() []*domain.LegalNotice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.LegalNotice, 0, len(s.state.notices))
	for _, n := range s.state.notices {
		out = append(out, clone(n))
	}
	return out
}
