package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// defaultStatsWindow is used when /audit/stats is called without from.
const defaultStatsWindow = 30 * 24 * time.Hour

// auditFilter reads the filter query parameters shared by logs and export.
func auditFilter(c *gin.Context) (domain.AuditFilter, error) {
	f := domain.AuditFilter{
		ActorID:      c.Query("actor_id"),
		ActionPrefix: c.Query("action"),
		Resource:     c.Query("resource"),
		ResourceID:   c.Query("resource_id"),
	}
	if v := c.Query("sensitive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.InvalidInput("sensitive", "sensitive must be a boolean")
		}
		f.SensitiveOnly = b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errors.InvalidInput("limit", "limit must be a positive integer")
		}
		f.Limit = n
	}
	var err error
	if f.From, err = queryTime(c, "from"); err != nil {
		return f, err
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		return f, err
	}
	return f, nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.InvalidInput(key, key+" must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

func (h *HTTPHandler) AuditLogs(c *gin.Context) {
	f, err := auditFilter(c)
	if err != nil {
		respondError(c, err)
		return
	}
	entries, err := h.audit.GetAuditLogs(c.Request.Context(), actorFrom(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	if entries == nil {
		entries = []*domain.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (h *HTTPHandler) AuditStats(c *gin.Context) {
	from, err := queryTime(c, "from")
	if err != nil {
		respondError(c, err)
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		respondError(c, err)
		return
	}
	if to.IsZero() {
		to = h.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultStatsWindow)
	}
	stats, err := h.audit.GetAuditStatistics(c.Request.Context(), actorFrom(c), from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// AuditExport streams the filtered log as an XLSX workbook.
func (h *HTTPHandler) AuditExport(c *gin.Context) {
	f, err := auditFilter(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var buf bytes.Buffer
	if err := h.audit.ExportXLSX(c.Request.Context(), actorFrom(c), f, &buf); err != nil {
		respondError(c, err)
		return
	}
	name := fmt.Sprintf("audit-%s.xlsx", h.now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}
