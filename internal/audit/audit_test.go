package audit

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/pesio-ai/be-pm-approvals/internal/archive"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/rbac"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	admin    = domain.Actor{ID: "admin-1", Type: domain.UserTypeAdmin, Roles: []string{domain.RoleAdmin}}
	landlord = domain.Actor{ID: "landlord-1", Type: domain.UserTypeLandlord, Email: "l@example.com", Roles: []string{domain.RoleLandlord}}
	tenant   = domain.Actor{ID: "tenant-1", Type: domain.UserTypeTenant, Roles: []string{domain.RoleTenant}}
)

func newWriter(store repository.Store) *Writer {
	return NewWriter(store, rbac.NewOracle(), nil, logger.Nop()).WithClock(func() time.Time { return t0 })
}

func seed(store *memory.Store, actorID, action string, at time.Time) *domain.AuditEntry {
	e := &domain.AuditEntry{
		ID:         fmt.Sprintf("%s-%s-%d", actorID, action, at.Unix()),
		ActorID:    actorID,
		ActorType:  domain.UserTypeLandlord,
		Action:     action,
		Resource:   domain.EntityProperty,
		ResourceID: "prop-1",
		CreatedAt:  at,
	}
	store.PutAuditEntry(e)
	return e
}

func TestEventEntry_StampsOrigin(t *testing.T) {
	ctx := WithOrigin(context.Background(), Origin{IP: "10.0.0.1", UserAgent: "curl/8", RequestID: "req-1"})

	e := DataAccess(landlord, domain.EntityTicket, "t-1", "view").Entry(ctx, t0)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, domain.ActionDataAccessed, e.Action)
	assert.Equal(t, "l@example.com", e.ActorEmail)
	assert.Equal(t, "10.0.0.1", e.Details["ip"])
	assert.Equal(t, "curl/8", e.Details["userAgent"])
	assert.Equal(t, "req-1", e.Details["requestId"])
	assert.Equal(t, "view", e.Details["operation"])
	assert.Equal(t, t0, e.CreatedAt)
	assert.False(t, e.Sensitive)
}

func TestEventEntry_Sensitive(t *testing.T) {
	e := SensitiveAccess(landlord, domain.EntityPayment, "pay-1", []string{"amount", "dispute_reason"}).
		Entry(context.Background(), t0)

	assert.True(t, e.Sensitive)
	assert.Equal(t, domain.ComplianceTagSensitive, e.ComplianceTag)
	assert.Equal(t, []string{"amount", "dispute_reason"}, e.SensitiveFields)
	assert.Equal(t, domain.ActionSensitiveDataAccessed, e.Action)
}

func TestRoleAndPermissionEvents(t *testing.T) {
	a := RoleAssigned(admin, domain.RoleAssignment{UserID: "u-1", Role: domain.RolePMCAccountant, ScopeID: "pmc-1"})
	assert.Equal(t, domain.ActionRoleAssigned, a.Action)
	assert.Equal(t, domain.RolePMCAccountant, a.RoleID)
	assert.Nil(t, a.Before)
	assert.Equal(t, "pmc-1", a.After["scope_id"])

	r := PermissionRevoked(admin, domain.PermissionGrant{UserID: "u-1", Category: "financial", Action: "approve"})
	assert.Equal(t, domain.ActionPermissionRevoked, r.Action)
	assert.Nil(t, r.After)
	assert.Equal(t, "approve", r.Before["action"])
}

func TestLogSensitiveDataAccess_Durable(t *testing.T) {
	store := memory.New()
	w := newWriter(store)

	require.NoError(t, w.LogSensitiveDataAccess(context.Background(), landlord, domain.EntityPayment, "pay-1", []string{"amount"}))

	entries := store.AuditEntries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Sensitive)
	assert.Equal(t, t0, entries[0].CreatedAt)
}

func TestLogDataAccess_StoreFailureSurfaces(t *testing.T) {
	store := memory.New()
	store.FailOn(func(op string) error {
		if op == "AppendAudit" {
			return errors.New(errors.ErrCodeInternal, "disk full")
		}
		return nil
	})

	err := newWriter(store).LogDataAccess(context.Background(), landlord, domain.EntityTicket, "t-1", "view")
	assert.Error(t, err)
	assert.Empty(t, store.AuditEntries())
}

func TestRecord_RejectsIncompleteEvent(t *testing.T) {
	store := memory.New()
	err := store.InTransaction(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		_, err := newWriter(store).Record(ctx, tx, Event{Actor: landlord})
		return err
	})
	assert.Error(t, err)
}

func TestGetAuditLogs_ScopesNonAdmins(t *testing.T) {
	store := memory.New()
	seed(store, landlord.ID, "property_edit_requested", t0.Add(-time.Hour))
	seed(store, "landlord-2", "property_edit_requested", t0.Add(-time.Hour))
	w := newWriter(store)

	mine, err := w.GetAuditLogs(context.Background(), landlord, domain.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, landlord.ID, mine[0].ActorID)

	all, err := w.GetAuditLogs(context.Background(), admin, domain.AuditFilter{ActionPrefix: "property_edit"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = w.GetAuditLogs(context.Background(), domain.Actor{ID: "pm-1", Type: domain.UserTypePMC, Roles: []string{domain.RolePMCManager}}, domain.AuditFilter{})
	assert.ErrorIs(t, err, errors.ErrPermissionDenied)
}

func TestGetAuditStatistics(t *testing.T) {
	store := memory.New()
	seed(store, "a", domain.ActionPermissionGranted, t0.Add(-3*time.Hour))
	seed(store, "a", domain.ActionRoleAssigned, t0.Add(-2*time.Hour))
	seed(store, "b", "big_expense_approved", t0.Add(-time.Hour))
	seed(store, "b", domain.ActionDataAccessed, t0.Add(-time.Hour))
	seed(store, "c", domain.ActionDataAccessed, t0.Add(-48*time.Hour))
	w := newWriter(store)

	stats, err := w.GetAuditStatistics(context.Background(), admin, t0.Add(-24*time.Hour), t0)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalEntries)
	assert.Equal(t, 1, stats.PermissionChanges)
	assert.Equal(t, 1, stats.RoleChanges)
	assert.Equal(t, 1, stats.ApprovalTransitions)
	assert.Equal(t, 1, stats.DataAccessCount)
	assert.Equal(t, 2, stats.UniqueActors)

	_, err = w.GetAuditStatistics(context.Background(), landlord, time.Time{}, t0)
	assert.ErrorIs(t, err, errors.ErrPermissionDenied)

	_, err = w.GetAuditStatistics(context.Background(), admin, t0, t0.Add(-time.Hour))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestExportXLSX(t *testing.T) {
	store := memory.New()
	seed(store, "a", domain.ActionRoleAssigned, t0.Add(-2*time.Hour))
	seed(store, "b", "lease_approved", t0.Add(-time.Hour))

	var buf bytes.Buffer
	require.NoError(t, newWriter(store).ExportXLSX(context.Background(), admin, domain.AuditFilter{}, &buf))

	book, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer book.Close()

	rows, err := book.GetRows(entriesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Created At", rows[0][0])
	assert.Equal(t, "lease_approved", rows[1][4])

	stats, err := book.GetRows(statsSheet)
	require.NoError(t, err)
	assert.Equal(t, []string{"Total entries", "2"}, stats[1])
}

func TestEncodeDecodeBatch(t *testing.T) {
	in := []*domain.AuditEntry{
		{ID: "1", Action: "lease_requested", Resource: "lease", CreatedAt: t0},
		{ID: "2", Action: "lease_approved", Resource: "lease", CreatedAt: t0.Add(time.Minute)},
	}
	data, err := EncodeBatch(in)
	require.NoError(t, err)

	out, err := DecodeBatch(data)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "lease_approved", out[1].Action)
}

func TestArchiver_ArchivesOnlyColdEntries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sink, err := archive.NewFSSink(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		seed(store, "a", fmt.Sprintf("action_%d", i), t0.Add(-40*24*time.Hour).Add(time.Duration(i)*time.Minute))
	}
	hot := seed(store, "a", "recent", t0.Add(-time.Hour))

	arch := NewArchiver(store, sink, 30*24*time.Hour, 2, nil, logger.Nop())
	n, err := arch.Run(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	objects := map[string]int{}
	for _, e := range store.AuditEntries() {
		if e.ID == hot.ID {
			assert.Nil(t, e.ArchivedAt)
			continue
		}
		require.NotNil(t, e.ArchivedAt)
		objects[e.ArchiveObject]++
	}
	assert.Len(t, objects, 3)

	for obj, count := range objects {
		data, err := sink.Get(ctx, obj)
		require.NoError(t, err)
		decoded, err := DecodeBatch(data)
		require.NoError(t, err)
		assert.Len(t, decoded, count)
	}

	again, err := arch.Run(ctx, t0)
	require.NoError(t, err)
	assert.Zero(t, again)
}

type failingSink struct{ archive.Sink }

func (failingSink) Put(context.Context, string, []byte, string) error {
	return fmt.Errorf("bucket unavailable")
}

func (failingSink) Stat(context.Context, string) (archive.ObjectInfo, error) {
	return archive.ObjectInfo{}, archive.ErrNotExist
}

func TestArchiver_UploadFailureLeavesEntriesHot(t *testing.T) {
	store := memory.New()
	seed(store, "a", "old", t0.Add(-40*24*time.Hour))

	_, err := NewArchiver(store, failingSink{}, 30*24*time.Hour, 10, nil, logger.Nop()).Run(context.Background(), t0)
	require.Error(t, err)

	entries := store.AuditEntries()
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ArchivedAt)
}

func TestArchiver_ExistingObjectMustMatchBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("different content stays hot", func(t *testing.T) {
		store := memory.New()
		sink, err := archive.NewFSSink(t.TempDir())
		require.NoError(t, err)
		e := seed(store, "a", "old", t0.Add(-40*24*time.Hour))

		partial := []byte("truncated upload")
		require.NoError(t, sink.Put(ctx, ObjectName([]*domain.AuditEntry{e}), partial, "application/gzip"))

		_, err = NewArchiver(store, sink, 30*24*time.Hour, 10, nil, logger.Nop()).Run(ctx, t0)
		assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
		entries := store.AuditEntries()
		require.Len(t, entries, 1)
		assert.Nil(t, entries[0].ArchivedAt)
		assert.Empty(t, entries[0].ArchiveObject)
	})

	t.Run("same content is reused", func(t *testing.T) {
		store := memory.New()
		sink, err := archive.NewFSSink(t.TempDir())
		require.NoError(t, err)
		e := seed(store, "a", "old", t0.Add(-40*24*time.Hour))

		batch := []*domain.AuditEntry{e}
		data, err := EncodeBatch(batch)
		require.NoError(t, err)
		require.NoError(t, sink.Put(ctx, ObjectName(batch), data, "application/gzip"))

		n, err := NewArchiver(store, sink, 30*24*time.Hour, 10, nil, logger.Nop()).Run(ctx, t0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, ObjectName(batch), store.AuditEntries()[0].ArchiveObject)
	})
}

func TestPurger_DeletesOnlyConfirmedObjects(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sink, err := archive.NewFSSink(t.TempDir())
	require.NoError(t, err)

	old := t0.Add(-8 * 365 * 24 * time.Hour)
	seed(store, "a", "kept_object", old)
	seed(store, "a", "lost_object", old.Add(time.Hour))
	seed(store, "a", "too_young", t0.Add(-40*24*time.Hour))

	require.NoError(t, store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		entries, err := tx.ListAudit(ctx, domain.AuditFilter{})
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.MarkArchived(ctx, []string{e.ID}, e.Action+".jsonl.gz", t0); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, sink.Put(ctx, "kept_object.jsonl.gz", []byte("x"), ""))
	require.NoError(t, sink.Put(ctx, "too_young.jsonl.gz", []byte("x"), ""))

	n, err := NewPurger(store, sink, 7*365*24*time.Hour, nil, logger.Nop()).Run(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var actions []string
	for _, e := range store.AuditEntries() {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{"lost_object", "too_young"}, actions)
}
