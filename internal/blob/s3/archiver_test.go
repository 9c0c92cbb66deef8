package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/guardbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[path] = b
	return nil
}

// memReader verifies against the objects memWriter holds.
type memReader struct {
	writer *memWriter
	err    error
}

func (r *memReader) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, domain.ErrNotFound
}

func (r *memReader) List(context.Context, string) ([]domain.BlobInfo, error) {
	return nil, nil
}

func (r *memReader) Exists(_ context.Context, path string) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	_, ok := r.writer.objects[path]
	return ok, nil
}

type archiveStore struct {
	closed  []domain.Position
	deleted []time.Time
}

func (s *archiveStore) UpsertOpen(context.Context, domain.Position) error { return nil }
func (s *archiveStore) GetOpen(context.Context) ([]domain.Position, error) {
	return nil, nil
}
func (s *archiveStore) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (s *archiveStore) MarkClosed(context.Context, string, domain.PositionStatus, float64) error {
	return nil
}

func (s *archiveStore) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.closed {
		if p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			out = append(out, p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *archiveStore) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.deleted = append(s.deleted, cutoff)
	var kept []domain.Position
	var n int64
	for _, p := range s.closed {
		if p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	s.closed = kept
	return n, nil
}

type archiveAudit struct {
	adjs []domain.Adjustment
}

func (a *archiveAudit) AppendAdjustment(context.Context, domain.Adjustment) error { return nil }
func (a *archiveAudit) ListAdjustments(context.Context, string, int) ([]domain.Adjustment, error) {
	return nil, nil
}

func (a *archiveAudit) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Adjustment, error) {
	var out []domain.Adjustment
	for _, adj := range a.adjs {
		if adj.CreatedAt.Before(cutoff) {
			out = append(out, adj)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (a *archiveAudit) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []domain.Adjustment
	var n int64
	for _, adj := range a.adjs {
		if adj.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, adj)
	}
	a.adjs = kept
	return n, nil
}

func closedPosition(id string, closedAt time.Time) domain.Position {
	return domain.Position{
		ID:         id,
		Symbol:     "ETHUSDT",
		Side:       domain.SideLong,
		EntryPrice: 100,
		Quantity:   1,
		Status:     domain.StatusClosedTP,
		ClosedAt:   &closedAt,
	}
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArchiveClosedPositionsUploadsThenDeletes(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &archiveStore{closed: []domain.Position{
		closedPosition("p1", cutoff.Add(-48*time.Hour)),
		closedPosition("p2", cutoff.Add(-24*time.Hour)),
		closedPosition("p3", cutoff.Add(24*time.Hour)), // inside retention
	}}
	writer := &memWriter{}

	a := NewArchiver(writer, &memReader{writer: writer}, store, &archiveAudit{}, 100, testLogger())
	n, err := a.ArchiveClosedPositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Two JSONL lines in the uploaded object.
	body, ok := writer.objects["archive/positions/2025-05.jsonl"]
	require.True(t, ok, "expected archive object, have %v", writer.objects)
	sc := bufio.NewScanner(bytes.NewReader(body))
	lines := 0
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines)

	// Recent position survives the delete.
	require.Len(t, store.closed, 1)
	assert.Equal(t, "p3", store.closed[0].ID)
}

func TestArchiveClosedPositionsEmptyIsNoop(t *testing.T) {
	store := &archiveStore{}
	writer := &memWriter{}
	a := NewArchiver(writer, &memReader{writer: writer}, store, &archiveAudit{}, 100, testLogger())

	n, err := a.ArchiveClosedPositions(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.objects)
	assert.Empty(t, store.deleted)
}

func TestArchiveFullBatchBoundsDelete(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &archiveStore{closed: []domain.Position{
		closedPosition("p1", cutoff.Add(-72*time.Hour)),
		closedPosition("p2", cutoff.Add(-48*time.Hour)),
		closedPosition("p3", cutoff.Add(-24*time.Hour)),
	}}
	writer := &memWriter{}

	a := NewArchiver(writer, &memReader{writer: writer}, store, &archiveAudit{}, 2, testLogger())
	n, err := a.ArchiveClosedPositions(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The overflow record was neither uploaded nor deleted.
	require.Len(t, store.closed, 1)
	assert.Equal(t, "p3", store.closed[0].ID)
}

func TestArchiveVerifyFailureSkipsDelete(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &archiveStore{closed: []domain.Position{
		closedPosition("p1", cutoff.Add(-24*time.Hour)),
	}}
	writer := &memWriter{}
	reader := &memReader{writer: writer, err: errors.New("head timeout")}

	a := NewArchiver(writer, reader, store, &archiveAudit{}, 100, testLogger())
	_, err := a.ArchiveClosedPositions(context.Background(), cutoff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verify")

	// Nothing deleted when the upload could not be confirmed.
	assert.Empty(t, store.deleted)
	require.Len(t, store.closed, 1)
}

func TestArchiveAdjustments(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	audit := &archiveAudit{adjs: []domain.Adjustment{
		{ID: "a1", PositionID: "p1", Field: "stop_loss", NewValue: 95, CreatedAt: cutoff.Add(-time.Hour)},
		{ID: "a2", PositionID: "p1", Field: "take_profit", NewValue: 120, CreatedAt: cutoff.Add(time.Hour)},
	}}
	writer := &memWriter{}

	a := NewArchiver(writer, &memReader{writer: writer}, &archiveStore{}, audit, 100, testLogger())
	n, err := a.ArchiveAdjustments(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.Len(t, audit.adjs, 1)
	assert.Equal(t, "a2", audit.adjs[0].ID)
}
