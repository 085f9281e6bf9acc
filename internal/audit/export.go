package audit

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

const (
	entriesSheet = "Audit Log"
	statsSheet   = "Statistics"
)

var entryHeaders = []any{
	"Created At", "Actor ID", "Actor Type", "Actor Email", "Action",
	"Resource", "Resource ID", "Sensitive", "Sensitive Fields", "Compliance Tag",
	"Role", "Before", "After", "Details",
}

// ExportXLSX writes the entries matching f, and their statistics, as a
// workbook to out.
func (w *Writer) ExportXLSX(ctx context.Context, actor domain.Actor, f domain.AuditFilter, out io.Writer) error {
	entries, err := w.GetAuditLogs(ctx, actor, f)
	if err != nil {
		return err
	}

	stats := domain.NewAuditStatistics(f.From, f.To)
	for _, e := range entries {
		stats.Add(e)
	}

	book := excelize.NewFile()
	defer book.Close()

	if err := book.SetSheetName("Sheet1", entriesSheet); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build audit export")
	}
	if err := writeEntries(book, entries); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit entries sheet")
	}
	if _, err := book.NewSheet(statsSheet); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to build audit export")
	}
	if err := writeStats(book, stats); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit statistics sheet")
	}

	if err := book.Write(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit export")
	}
	return nil
}

func writeEntries(book *excelize.File, entries []*domain.AuditEntry) error {
	if err := book.SetSheetRow(entriesSheet, "A1", &entryHeaders); err != nil {
		return err
	}
	for i, e := range entries {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			e.CreatedAt.Format(time.RFC3339),
			e.ActorID,
			string(e.ActorType),
			e.ActorEmail,
			e.Action,
			e.Resource,
			e.ResourceID,
			e.Sensitive,
			strings.Join(e.SensitiveFields, ","),
			e.ComplianceTag,
			e.RoleID,
			jsonCell(e.BeforeState),
			jsonCell(e.AfterState),
			jsonCell(e.Details),
		}
		if err := book.SetSheetRow(entriesSheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func writeStats(book *excelize.File, s *domain.AuditStatistics) error {
	rows := [][]any{
		{"Metric", "Value"},
		{"Total entries", s.TotalEntries},
		{"Data access", s.DataAccessCount},
		{"Sensitive access", s.SensitiveAccessCount},
		{"Permission changes", s.PermissionChanges},
		{"Role changes", s.RoleChanges},
		{"Approval transitions", s.ApprovalTransitions},
		{"Unique actors", s.UniqueActors},
		{},
		{"Action", "Count"},
	}
	actions := make([]string, 0, len(s.ByAction))
	for a := range s.ByAction {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	for _, a := range actions {
		rows = append(rows, []any{a, s.ByAction[a]})
	}

	for i := range rows {
		if len(rows[i]) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := book.SetSheetRow(statsSheet, cell, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func jsonCell(v any) string {
	switch m := v.(type) {
	case domain.Snapshot:
		if m == nil {
			return ""
		}
	case map[string]any:
		if m == nil {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
