package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ldamasio/robson-sub000/internal/domain"
)

// archiveBatchSize bounds how many events are pulled from the store per
// query while building an archive file.
const archiveBatchSize = 5000

// EventArchiveStore provides the read access the archiver needs. The
// Postgres event store satisfies it through its ListBefore method.
type EventArchiveStore interface {
	// ListBefore returns events ingested strictly before the cutoff,
	// oldest first, up to limit.
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Event, error)
}

// Archiver moves events past the retention window into object storage as
// JSONL files, one per calendar month.
//
// Deletion of the archived rows from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	events EventArchiveStore
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver. The reader is used to verify uploads
// before the archival is recorded in the audit log.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	events EventArchiveStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		writer: writer,
		reader: reader,
		events: events,
		audit:  audit,
		logger: logger.With("component", "archiver"),
	}
}

// ArchiveEvents collects events ingested before the cutoff, serializes
// them to JSONL, and uploads the file to archive/events/YYYY-MM.jsonl. The
// upload is verified with a HeadObject before the archival is recorded in
// the audit log. Returns the number of archived events. At most
// archiveBatchSize events are handled per call; a full batch means more
// remain for the next pass.
func (a *Archiver) ArchiveEvents(ctx context.Context, before time.Time) (int64, error) {
	all, err := a.events.ListBefore(ctx, before, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events query: %w", err)
	}
	if len(all) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(all)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events marshal: %w", err)
	}

	path := archivePath("events", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive events upload: %w", err)
	}

	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive events verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("s3blob: archive events verify: %s missing after upload", path)
	}

	count := int64(len(all))

	if err := a.audit.Log(ctx, "archive_events", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive events audit log: %w", err)
	}

	a.logger.Info("events archived", "path", path, "count", count)
	return count, nil
}

// Run periodically archives events older than the retention window until
// the context is cancelled. Failures are logged and retried on the next
// tick; they never stop the loop.
func (a *Archiver) Run(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			if _, err := a.ArchiveEvents(ctx, cutoff); err != nil {
				a.logger.Error("archive pass failed", "error", err)
			}
		}
	}
}

// archivePath builds the object key for an archive file, partitioned by
// the year-month of the cutoff time.
//
//	archive/events/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
