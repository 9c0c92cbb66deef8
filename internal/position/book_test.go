package position

import (
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

type memStore struct {
	open      map[string]domain.Position
	closedPos map[string]domain.Position
	upsertErr error
	closed    map[string]domain.PositionStatus
}

func newMemStore() *memStore {
	return &memStore{
		open:      make(map[string]domain.Position),
		closedPos: make(map[string]domain.Position),
		closed:    make(map[string]domain.PositionStatus),
	}
}

func (s *memStore) UpsertOpen(_ context.Context, p domain.Position) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.open[p.ID] = p
	return nil
}

func (s *memStore) GetOpen(context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range s.open {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	if p, ok := s.open[id]; ok {
		return p, nil
	}
	if p, ok := s.closedPos[id]; ok {
		return p, nil
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *memStore) MarkClosed(_ context.Context, id string, status domain.PositionStatus, _ float64) error {
	p, ok := s.open[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.open, id)
	p.Status = status
	s.closedPos[id] = p
	s.closed[id] = status
	return nil
}

func (s *memStore) ListClosedBefore(context.Context, time.Time, int) ([]domain.Position, error) {
	return nil, nil
}

func (s *memStore) DeleteClosedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memAudit struct {
	adjs []domain.Adjustment
	err  error
}

func (a *memAudit) AppendAdjustment(_ context.Context, adj domain.Adjustment) error {
	if a.err != nil {
		return a.err
	}
	a.adjs = append(a.adjs, adj)
	return nil
}

func (a *memAudit) ListAdjustments(context.Context, string, int) ([]domain.Adjustment, error) {
	return nil, nil
}

func (a *memAudit) ListBefore(context.Context, time.Time, int) ([]domain.Adjustment, error) {
	return nil, nil
}

func (a *memAudit) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openLong(id, symbol string) domain.Position {
	return domain.Position{
		ID:         id,
		Symbol:     symbol,
		Side:       domain.SideLong,
		EntryPrice: 50000,
		Quantity:   0.1,
		StopLoss:   domain.Float(40000),
		TakeProfit: domain.Float(55000),
		Status:     domain.StatusOpen,
	}
}

func TestSyncDropsExternallyClosedPosition(t *testing.T) {
	store := newMemStore()
	book := NewBook(store, nil, testLogger())
	require.NoError(t, book.Insert(context.Background(), openLong("p1", "BTCUSDT")))

	// The exchange filled a protective order; only the store knows.
	require.NoError(t, store.MarkClosed(context.Background(), "p1", domain.StatusClosedTP, 55000))

	require.NoError(t, book.Sync(context.Background()))
	assert.Empty(t, book.ListOpen())
	_, err := book.Get("p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncPicksUpNewlyOpenedPosition(t *testing.T) {
	store := newMemStore()
	book := NewBook(store, nil, testLogger())
	require.NoError(t, book.Load(context.Background()))

	store.open["p1"] = openLong("p1", "BTCUSDT")

	require.NoError(t, book.Sync(context.Background()))
	open := book.ListOpen()
	require.Len(t, open, 1)
	assert.Equal(t, "p1", open[0].ID)
}

func TestSyncKeepsPositionUnknownToStore(t *testing.T) {
	store := newMemStore()
	store.upsertErr = errors.New("connection refused")

	book := NewBook(store, nil, testLogger())
	// Degraded write: the insert lands in memory only.
	require.NoError(t, book.Insert(context.Background(), openLong("p1", "BTCUSDT")))

	require.NoError(t, book.Sync(context.Background()))
	assert.Len(t, book.ListOpen(), 1, "memory-only position must survive a sync")
}

func TestLoadReplacesWorkingSet(t *testing.T) {
	store := newMemStore()
	store.open["p1"] = openLong("p1", "BTCUSDT")
	store.open["p2"] = openLong("p2", "ETHUSDT")

	book := NewBook(store, nil, testLogger())
	require.NoError(t, book.Load(context.Background()))

	open := book.ListOpen()
	require.Len(t, open, 2)
	// Deterministic order: by symbol.
	assert.Equal(t, "p1", open[0].ID)
	assert.Equal(t, "p2", open[1].ID)
}

func TestInsertPersistsAndRejectsZeroQuantity(t *testing.T) {
	store := newMemStore()
	book := NewBook(store, nil, testLogger())

	p := openLong("p1", "BTCUSDT")
	require.NoError(t, book.Insert(context.Background(), p))
	assert.Contains(t, store.open, "p1")

	p2 := openLong("p2", "BTCUSDT")
	p2.Quantity = 0
	err := book.Insert(context.Background(), p2)
	require.ErrorIs(t, err, domain.ErrInvalidLevel)
}

func TestCommitRiskUpdatesLevelsAndAudits(t *testing.T) {
	store := newMemStore()
	audit := &memAudit{}
	book := NewBook(store, audit, testLogger())
	require.NoError(t, book.Insert(context.Background(), openLong("p1", "BTCUSDT")))

	pos, err := book.Get("p1")
	require.NoError(t, err)
	pos.StopLoss = domain.Float(42000)

	adj := domain.Adjustment{
		ID:         "a1",
		PositionID: "p1",
		Field:      "stop_loss",
		OldValue:   domain.Float(40000),
		NewValue:   42000,
		Reason:     "tightening stop",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, book.CommitRisk(context.Background(), pos, []domain.Adjustment{adj}))

	got, err := book.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, got.StopLoss)
	assert.InDelta(t, 42000, *got.StopLoss, 1e-9)

	require.Len(t, audit.adjs, 1)
	assert.Equal(t, "stop_loss", audit.adjs[0].Field)

	// Written through to the durable store.
	stored := store.open["p1"]
	require.NotNil(t, stored.StopLoss)
	assert.InDelta(t, 42000, *stored.StopLoss, 1e-9)
}

func TestCommitRiskUnknownPosition(t *testing.T) {
	book := NewBook(newMemStore(), nil, testLogger())
	err := book.CommitRisk(context.Background(), openLong("ghost", "BTCUSDT"), nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStoreFailureDegradesToMemory(t *testing.T) {
	store := newMemStore()
	book := NewBook(store, nil, testLogger())
	require.NoError(t, book.Insert(context.Background(), openLong("p1", "BTCUSDT")))

	store.upsertErr = errors.New("connection refused")

	pos, err := book.Get("p1")
	require.NoError(t, err)
	pos.TakeProfit = domain.Float(60000)
	require.NoError(t, book.CommitRisk(context.Background(), pos, nil))

	// The in-memory copy moved even though the write-through failed.
	got, err := book.Get("p1")
	require.NoError(t, err)
	assert.InDelta(t, 60000, *got.TakeProfit, 1e-9)
}

func TestMarkTriggeredRecordsCooldownTimestamp(t *testing.T) {
	store := newMemStore()
	book := NewBook(store, nil, testLogger())
	require.NoError(t, book.Insert(context.Background(), openLong("p1", "BTCUSDT")))

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	book.MarkTriggered(context.Background(), "p1", at)

	got, err := book.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggerAt)
	assert.True(t, got.LastTriggerAt.Equal(at))
}

func TestHandleWrites(t *testing.T) {
	book := NewBook(newMemStore(), nil, testLogger())
	require.NoError(t, book.Insert(context.Background(), openLong("p1", "BTCUSDT")))

	book.SetHandle(context.Background(), "p1", domain.OrderStopLoss, "ord-1")
	got, err := book.Get("p1")
	require.NoError(t, err)
	require.NotNil(t, got.Orders.StopLoss)
	assert.Equal(t, "ord-1", *got.Orders.StopLoss)

	book.ClearHandle(context.Background(), "p1", domain.OrderStopLoss)
	got, err = book.Get("p1")
	require.NoError(t, err)
	assert.Nil(t, got.Orders.StopLoss)
}

func TestMarkClosedRemovesFromWorkingSet(t *testing.T) {
	store := newMemStore()
	book := NewBook(store, nil, testLogger())
	require.NoError(t, book.Insert(context.Background(), openLong("p1", "BTCUSDT")))

	require.NoError(t, book.MarkClosed(context.Background(), "p1", domain.StatusClosedTP, 55000))

	_, err := book.Get("p1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, book.ListOpen())
	assert.Equal(t, domain.StatusClosedTP, store.closed["p1"])

	require.ErrorIs(t, book.MarkClosed(context.Background(), "p1", domain.StatusClosedTP, 0), domain.ErrNotFound)
}
