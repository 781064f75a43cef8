package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// archiveBatchSize bounds how many terminal opportunities are pulled, written,
// and deleted per pass.
const archiveBatchSize = 500

// ArchiveImpl implements domain.Archiver by moving terminal opportunities to
// JSONL objects in blob storage and snapshotting old audit rows alongside
// them.
//
// Opportunities are deleted from the primary store only after their batch has
// been uploaded. Audit rows are snapshotted but never deleted; the audit log
// is append-only.
type ArchiveImpl struct {
	writer domain.BlobWriter
	opps   domain.OpportunityStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, opps domain.OpportunityStore, audit domain.AuditStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		opps:   opps,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// Archive moves all terminal opportunities detected before the cutoff to cold
// storage, batch by batch, then snapshots audit rows from the same window.
func (a *ArchiveImpl) Archive(ctx context.Context, before time.Time) error {
	total := int64(0)
	for {
		batch, err := a.opps.ListTerminalBefore(ctx, before, archiveBatchSize)
		if err != nil {
			return fmt.Errorf("s3blob: archive query: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return fmt.Errorf("s3blob: archive marshal: %w", err)
		}

		key := archiveKey("opportunities", before, batch[0].ID)
		if err := a.writer.Write(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return fmt.Errorf("s3blob: archive upload: %w", err)
		}

		ids := make([]string, len(batch))
		for i, opp := range batch {
			ids[i] = opp.ID
		}
		deleted, err := a.opps.DeleteByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("s3blob: archive delete: %w", err)
		}
		total += deleted

		if err := a.audit.Log(ctx, "archive_batch", map[string]any{
			"key":    key,
			"count":  deleted,
			"before": before.Format(time.RFC3339),
		}); err != nil {
			a.logger.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
		}

		if len(batch) < archiveBatchSize {
			break
		}
	}

	if err := a.snapshotAudit(ctx, before); err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "archive pass complete",
		slog.Int64("opportunities", total),
		slog.Time("before", before),
	)
	return nil
}

// snapshotAudit uploads audit rows from before the cutoff without deleting
// them.
func (a *ArchiveImpl) snapshotAudit(ctx context.Context, before time.Time) error {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before, Limit: 10_000})
	if err != nil {
		return fmt.Errorf("s3blob: audit snapshot query: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return fmt.Errorf("s3blob: audit snapshot marshal: %w", err)
	}

	key := archiveKey("audit", before, fmt.Sprintf("%d", entries[0].ID))
	if err := a.writer.Write(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: audit snapshot upload: %w", err)
	}
	return nil
}

// archiveKey builds the object key for an archive batch, partitioned by the
// year-month of the cutoff:
//
//	archive/opportunities/2026-08/<first-id>.jsonl
//	archive/audit/2026-08/<first-id>.jsonl
func archiveKey(kind string, before time.Time, firstID string) string {
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, before.Format("2006-01"), firstID)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
