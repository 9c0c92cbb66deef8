package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantpulse/guardbot/internal/domain"
)

// Archiver moves aged records out of the primary store: closed positions and
// old adjustment history are serialized to JSONL, uploaded to the object
// store, and then deleted from Postgres. Deletion happens only after the
// upload has been verified readable, so a failed run leaves the primary
// store intact.
type Archiver struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	positions domain.PositionStore
	audit     domain.AuditStore
	batchSize int
	logger    *slog.Logger
}

// NewArchiver creates an Archiver. A nil reader skips upload verification.
// batchSize <= 0 defaults to 1000 records per uploaded object.
func NewArchiver(
	writer domain.BlobWriter,
	reader domain.BlobReader,
	positions domain.PositionStore,
	audit domain.AuditStore,
	batchSize int,
	logger *slog.Logger,
) *Archiver {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Archiver{
		writer:    writer,
		reader:    reader,
		positions: positions,
		audit:     audit,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "archiver")),
	}
}

// verifyUpload confirms the uploaded object is visible before anything is
// deleted. Some S3-compatible providers acknowledge a PUT before the object
// is readable.
func (a *Archiver) verifyUpload(ctx context.Context, path string) error {
	if a.reader == nil {
		return nil
	}
	ok, err := a.reader.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("uploaded object %s not visible", path)
	}
	return nil
}

// ArchiveClosedPositions uploads closed positions older than the cutoff and
// removes them from the store. Returns the number of archived records.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	// Over-fetch by one so a full batch can be bounded at the extra record's
	// close time; the delete then removes exactly what was uploaded, and the
	// remainder is picked up by the next run.
	positions, err := a.positions.ListClosedBefore(ctx, before, a.batchSize+1)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) > a.batchSize {
		extra := positions[a.batchSize]
		if extra.ClosedAt != nil {
			before = *extra.ClosedAt
		}
		positions = positions[:a.batchSize]
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}
	if err := a.verifyUpload(ctx, path); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions verify: %w", err)
	}

	deleted, err := a.positions.DeleteClosedBefore(ctx, before)
	if err != nil {
		// The upload already succeeded; a retry re-uploads and deletes then.
		return int64(len(positions)), fmt.Errorf("s3blob: archive positions delete: %w", err)
	}

	a.logger.InfoContext(ctx, "closed positions archived",
		slog.String("path", path),
		slog.Int("uploaded", len(positions)),
		slog.Int64("deleted", deleted),
	)
	return int64(len(positions)), nil
}

// ArchiveAdjustments uploads adjustment history older than the cutoff and
// removes it from the store. Returns the number of archived records.
func (a *Archiver) ArchiveAdjustments(ctx context.Context, before time.Time) (int64, error) {
	adjs, err := a.audit.ListBefore(ctx, before, a.batchSize+1)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive adjustments query: %w", err)
	}
	if len(adjs) > a.batchSize {
		before = adjs[a.batchSize].CreatedAt
		adjs = adjs[:a.batchSize]
	}
	if len(adjs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(adjs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive adjustments marshal: %w", err)
	}

	path := archivePath("adjustments", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive adjustments upload: %w", err)
	}
	if err := a.verifyUpload(ctx, path); err != nil {
		return 0, fmt.Errorf("s3blob: archive adjustments verify: %w", err)
	}

	deleted, err := a.audit.DeleteBefore(ctx, before)
	if err != nil {
		return int64(len(adjs)), fmt.Errorf("s3blob: archive adjustments delete: %w", err)
	}

	a.logger.InfoContext(ctx, "adjustment history archived",
		slog.String("path", path),
		slog.Int("uploaded", len(adjs)),
		slog.Int64("deleted", deleted),
	)
	return int64(len(adjs)), nil
}

// Run performs one full archival pass with the given retention window.
func (a *Archiver) Run(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)

	if _, err := a.ArchiveClosedPositions(ctx, cutoff); err != nil {
		return err
	}
	if _, err := a.ArchiveAdjustments(ctx, cutoff); err != nil {
		return err
	}
	return nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time:
//
//	archive/positions/2025-06.jsonl
//	archive/adjustments/2025-06.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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
