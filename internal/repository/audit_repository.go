package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

const auditColumns = `
	id, actor_id, actor_type, actor_email, actor_name,
	action, resource, resource_id,
	before_state, after_state, details, role_id,
	sensitive, sensitive_fields, compliance_tag,
	created_at, archived_at, COALESCE(archive_object, '')`

// AppendAudit inserts one entry. The table's trigger rejects any UPDATE other
// than stamping archive columns, and any DELETE of unarchived rows.
func (t *pgTx) AppendAudit(ctx context.Context, e *domain.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	before, err := toJSONB(e.BeforeState)
	if err != nil {
		return err
	}
	after, err := toJSONB(e.AfterState)
	if err != nil {
		return err
	}
	details, err := toJSONB(e.Details)
	if err != nil {
		return err
	}
	fields := e.SensitiveFields
	if fields == nil {
		fields = []string{}
	}

	query := `
		INSERT INTO rbac_audit_log
		    (id, actor_id, actor_type, actor_email, actor_name,
		     action, resource, resource_id,
		     before_state, after_state, details, role_id,
		     sensitive, sensitive_fields, compliance_tag, created_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8,
		        $9, $10, $11, $12,
		        $13, $14, $15, $16)
	`

	_, err = t.tx.Exec(ctx, query,
		e.ID, e.ActorID, e.ActorType, e.ActorEmail, e.ActorName,
		e.Action, e.Resource, e.ResourceID,
		before, after, details, e.RoleID,
		e.Sensitive, fields, e.ComplianceTag, e.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListAudit returns entries matching f, newest first.
func (t *pgTx) ListAudit(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.ActionPrefix != "" {
		add("action LIKE $%d::text || '%%'", f.ActionPrefix)
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.SensitiveOnly {
		conds = append(conds, "sensitive")
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	query := `SELECT ` + auditColumns + ` FROM rbac_audit_log`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit log")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// AuditStatistics aggregates in SQL over [from, to).
func (t *pgTx) AuditStatistics(ctx context.Context, from, to time.Time) (*domain.AuditStatistics, error) {
	stats := domain.NewAuditStatistics(from, to)

	rows, err := t.tx.Query(ctx, `
		SELECT action, sensitive, COUNT(*)
		FROM rbac_audit_log
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY action, sensitive
	`, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to aggregate audit log")
	}
	for rows.Next() {
		var (
			action    string
			sensitive bool
			n         int
		)
		if err := rows.Scan(&action, &sensitive, &n); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit aggregate")
		}
		stats.AddCount(action, sensitive, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to aggregate audit log")
	}

	err = t.tx.QueryRow(ctx, `
		SELECT COUNT(DISTINCT actor_id)
		FROM rbac_audit_log
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&stats.UniqueActors)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count audit actors")
	}
	return stats, nil
}

// ListArchivable returns unarchived entries older than before, oldest first.
func (t *pgTx) ListArchivable(ctx context.Context, before time.Time, limit int) ([]*domain.AuditEntry, error) {
	query := `SELECT ` + auditColumns + `
		FROM rbac_audit_log
		WHERE archived_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := t.tx.Query(ctx, query, before, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list archivable audit entries")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// MarkArchived stamps the archive object on entries that are not yet archived.
func (t *pgTx) MarkArchived(ctx context.Context, ids []string, object string, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE rbac_audit_log
		SET archived_at = $3, archive_object = $2
		WHERE id = ANY($1) AND archived_at IS NULL
	`, ids, object, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark audit entries archived")
	}
	return nil
}

// ListArchiveObjects returns objects whose newest entry predates before.
func (t *pgTx) ListArchiveObjects(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT archive_object
		FROM rbac_audit_log
		WHERE archived_at IS NOT NULL AND archive_object IS NOT NULL
		GROUP BY archive_object
		HAVING MAX(created_at) < $1
		ORDER BY archive_object
	`, before)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list archive objects")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var obj string
		if err := rows.Scan(&obj); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan archive object")
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// DeleteArchived hard-deletes archived entries of one object.
func (t *pgTx) DeleteArchived(ctx context.Context, object string, before time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM rbac_audit_log
		WHERE archive_object = $1 AND archived_at IS NOT NULL AND created_at < $2
	`, object, before)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge audit entries")
	}
	return tag.RowsAffected(), nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]*domain.AuditEntry, error) {
	var entries []*domain.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanAuditEntry(sc rowScanner) (*domain.AuditEntry, error) {
	e := &domain.AuditEntry{}
	var beforeJSON, afterJSON, detailsJSON []byte

	err := sc.Scan(
		&e.ID,
		&e.ActorID,
		&e.ActorType,
		&e.ActorEmail,
		&e.ActorName,
		&e.Action,
		&e.Resource,
		&e.ResourceID,
		&beforeJSON,
		&afterJSON,
		&detailsJSON,
		&e.RoleID,
		&e.Sensitive,
		&e.SensitiveFields,
		&e.ComplianceTag,
		&e.CreatedAt,
		&e.ArchivedAt,
		&e.ArchiveObject,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if err := fromJSONB(beforeJSON, &e.BeforeState); err != nil {
		return nil, err
	}
	if err := fromJSONB(afterJSON, &e.AfterState); err != nil {
		return nil, err
	}
	if err := fromJSONB(detailsJSON, &e.Details); err != nil {
		return nil, err
	}
	return e, nil
}
