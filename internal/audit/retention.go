package audit

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pesio-ai/be-pm-approvals/internal/archive"
	"github.com/pesio-ai/be-pm-approvals/internal/domain"
	"github.com/pesio-ai/be-pm-approvals/internal/observability/metrics"
	"github.com/pesio-ai/be-pm-approvals/internal/repository"
	"github.com/pesio-ai/be-pm-approvals/pkg/errors"
	"github.com/pesio-ai/be-pm-approvals/pkg/logger"
)

// Archiver moves entries older than the hot window into cold storage.
type Archiver struct {
	store     repository.Store
	sink      archive.Sink
	hot       time.Duration
	batchSize int
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// NewArchiver creates a new archiver.
func NewArchiver(store repository.Store, sink archive.Sink, hot time.Duration, batchSize int, m *metrics.Metrics, log *logger.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Archiver{store: store, sink: sink, hot: hot, batchSize: batchSize, metrics: m, log: log}
}

// Run archives in batches until nothing older than now-hot is left. Each
// batch is written as one gzip JSONL object and the rows are marked archived
// only once a stat of that object succeeds. It returns the number of entries
// archived.
func (a *Archiver) Run(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-a.hot)
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var batch []*domain.AuditEntry
		err := a.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			batch, err = tx.ListArchivable(ctx, cutoff, a.batchSize)
			return err
		})
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		name := ObjectName(batch)
		if err := a.upload(ctx, name, batch); err != nil {
			return total, err
		}

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		err = a.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.MarkArchived(ctx, ids, name, now)
		})
		if err != nil {
			return total, err
		}

		total += len(batch)
		a.metrics.Archived(len(batch))
		a.log.Info().
			Str("object", name).
			Int("entries", len(batch)).
			Msg("Audit entries archived")

		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

// upload writes the batch unless an earlier run already did, then confirms
// the stored object matches the batch byte for byte by size and checksum.
func (a *Archiver) upload(ctx context.Context, name string, batch []*domain.AuditEntry) error {
	data, err := EncodeBatch(batch)
	if err != nil {
		return err
	}
	want := archive.Describe(name, data)

	info, err := a.sink.Stat(ctx, name)
	switch {
	case err == nil:
		if !info.SameContent(want) {
			a.log.Error().
				Str("object", name).
				Int64("size", info.Size).
				Int64("expected_size", want.Size).
				Msg("Archive object exists with different content")
			return errors.Newf(errors.ErrCodeInvalidState, "archive object %s exists with different content", name)
		}
		a.log.Warn().Str("object", name).Msg("Archive object already present, reusing")
		return nil
	case !stderrors.Is(err, archive.ErrNotExist):
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to check archive object")
	}

	if err := a.sink.Put(ctx, name, data, "application/gzip"); err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "failed to upload archive object")
	}
	info, err = a.sink.Stat(ctx, name)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "archive object not confirmed after upload")
	}
	if !info.SameContent(want) {
		return errors.Newf(errors.ErrCodeUnavailable, "archive object %s does not match the uploaded batch", name)
	}
	return nil
}

// ObjectName is deterministic in the batch so a retried run finds the object
// it already wrote.
func ObjectName(batch []*domain.AuditEntry) string {
	first, last := batch[0], batch[len(batch)-1]
	return fmt.Sprintf("%s/%s_%s.jsonl.gz",
		first.CreatedAt.UTC().Format("2006/01/02"),
		first.ID,
		last.ID,
	)
}

// EncodeBatch renders entries as gzip-compressed JSON lines.
func EncodeBatch(entries []*domain.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	enc := json.NewEncoder(zw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode audit entry")
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compress audit batch")
	}
	return buf.Bytes(), nil
}

// DecodeBatch is the inverse of EncodeBatch.
func DecodeBatch(data []byte) ([]*domain.AuditEntry, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out []*domain.AuditEntry
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		e := &domain.AuditEntry{}
		if err := json.Unmarshal(sc.Bytes(), e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// ── Purge ─────────────────────────────────────────────────────────────────────

// Purger deletes archived entries past total retention.
type Purger struct {
	store   repository.Store
	sink    archive.Sink
	total   time.Duration
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewPurger creates a new purger.
func NewPurger(store repository.Store, sink archive.Sink, total time.Duration, m *metrics.Metrics, log *logger.Logger) *Purger {
	return &Purger{store: store, sink: sink, total: total, metrics: m, log: log}
}

// Run deletes hot rows for every archive object whose entries are all older
// than now-total, but only when the sink still confirms that object. It
// returns the number of rows deleted.
func (p *Purger) Run(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-p.total)

	var objects []string
	err := p.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		objects, err = tx.ListArchiveObjects(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if _, err := p.sink.Stat(ctx, obj); err != nil {
			p.log.Warn().Err(err).Str("object", obj).Msg("Archive object not confirmed, skipping purge")
			continue
		}

		var n int64
		err := p.store.InTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			n, err = tx.DeleteArchived(ctx, obj, cutoff)
			return err
		})
		if err != nil {
			return deleted, err
		}
		deleted += n
		p.metrics.Purged(n)
		p.log.Info().Str("object", obj).Int64("entries", n).Msg("Audit entries purged")
	}
	return deleted, nil
}
