// Package position holds the in-memory book of open positions. The book is
// the working set the monitor iterates over; every committed mutation is
// written through to the durable store, and a store failure degrades to
// memory-only operation rather than failing the mutation.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quantpulse/guardbot/internal/domain"
)

// Book owns the open positions. Risk fields are mutated through CommitRisk
// (called by the action executor) and order handles through SetHandle /
// ClearHandle (called by the order reconciler); nothing else writes.
type Book struct {
	store  domain.PositionStore
	audit  domain.AuditStore
	logger *slog.Logger

	mu        sync.RWMutex
	positions map[string]*domain.Position
}

// NewBook creates an empty Book. The audit store may be nil, in which case
// adjustment history is kept only in logs.
func NewBook(store domain.PositionStore, audit domain.AuditStore, logger *slog.Logger) *Book {
	return &Book{
		store:     store,
		audit:     audit,
		logger:    logger.With(slog.String("component", "position_book")),
		positions: make(map[string]*domain.Position),
	}
}

// Load replaces the in-memory set with the open positions from the durable
// store. Called once at startup; an interrupted reconciliation resumes from
// "levels known, order handles possibly stale" on the next tick.
func (b *Book) Load(ctx context.Context) error {
	open, err := b.store.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("position: load open positions: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*domain.Position, len(open))
	for i := range open {
		p := open[i]
		b.positions[p.ID] = &p
	}
	b.logger.InfoContext(ctx, "position book loaded", slog.Int("open_positions", len(open)))
	return nil
}

// Sync reconciles the working set with the durable store. Positions the store
// newly reports open are picked up; entries whose stored status has
// transitioned to closed (the exchange filled a protective order) are dropped
// so they stop firing triggers. A position the store does not recognize is
// kept: an earlier degraded write must never lose an open position.
func (b *Book) Sync(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	open, err := b.store.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("position: sync open positions: %w", err)
	}

	openIDs := make(map[string]bool, len(open))
	for _, p := range open {
		openIDs[p.ID] = true
	}

	b.mu.Lock()
	for i := range open {
		p := open[i]
		if _, ok := b.positions[p.ID]; ok {
			continue
		}
		b.positions[p.ID] = &p
		b.logger.InfoContext(ctx, "position picked up from store",
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
		)
	}
	var stale []string
	for id := range b.positions {
		if !openIDs[id] {
			stale = append(stale, id)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		stored, err := b.store.GetByID(ctx, id)
		if err != nil || stored.IsOpen() {
			continue
		}
		b.mu.Lock()
		delete(b.positions, id)
		b.mu.Unlock()
		b.logger.InfoContext(ctx, "position closed externally, dropped from working set",
			slog.String("position_id", id),
			slog.String("status", string(stored.Status)),
		)
	}
	return nil
}

// Insert adds a freshly opened position (entry fills arrive from outside this
// controller) and persists it.
func (b *Book) Insert(ctx context.Context, pos domain.Position) error {
	if pos.Quantity <= 0 {
		return fmt.Errorf("position: %w: quantity %v", domain.ErrInvalidLevel, pos.Quantity)
	}
	pos.Status = domain.StatusOpen
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now().UTC()
	}
	pos.UpdatedAt = time.Now().UTC()

	b.mu.Lock()
	p := pos
	b.positions[pos.ID] = &p
	b.mu.Unlock()

	b.persist(ctx, pos)
	return nil
}

// Get returns a copy of the position with the given ID.
func (b *Book) Get(id string) (domain.Position, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *p, nil
}

// ListOpen returns copies of all open positions, ordered by symbol then ID so
// monitor ticks visit them deterministically.
func (b *Book) ListOpen() []domain.Position {
	b.mu.RLock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.IsOpen() {
			out = append(out, *p)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CommitRisk replaces the stored risk fields of the position with those of
// pos and records the accompanying adjustment history entries. The caller
// (the action executor) has already validated the new levels; the book does
// not second-guess them.
func (b *Book) CommitRisk(ctx context.Context, pos domain.Position, adjs []domain.Adjustment) error {
	b.mu.Lock()
	cur, ok := b.positions[pos.ID]
	if !ok {
		b.mu.Unlock()
		return domain.ErrNotFound
	}
	cur.StopLoss = pos.StopLoss
	cur.TakeProfit = pos.TakeProfit
	cur.DCAPrice = pos.DCAPrice
	cur.DCAQuantity = pos.DCAQuantity
	cur.UpdatedAt = time.Now().UTC()
	snapshot := *cur
	b.mu.Unlock()

	b.persist(ctx, snapshot)

	for _, adj := range adjs {
		if b.audit == nil {
			continue
		}
		if err := b.audit.AppendAdjustment(ctx, adj); err != nil {
			b.logger.WarnContext(ctx, "adjustment history write failed",
				slog.String("position_id", adj.PositionID),
				slog.String("field", adj.Field),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// MarkTriggered records the cooldown bookkeeping timestamp on the position.
func (b *Book) MarkTriggered(ctx context.Context, id string, at time.Time) {
	b.mu.Lock()
	cur, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	cur.LastTriggerAt = &at
	cur.UpdatedAt = time.Now().UTC()
	snapshot := *cur
	b.mu.Unlock()

	b.persist(ctx, snapshot)
}

// SetHandle stores the exchange order handle for the given kind. Reserved for
// the order reconciler.
func (b *Book) SetHandle(ctx context.Context, id string, kind domain.OrderKind, handle string) {
	b.writeHandle(ctx, id, kind, &handle)
}

// ClearHandle marks the order slot for the given kind as absent. Reserved for
// the order reconciler.
func (b *Book) ClearHandle(ctx context.Context, id string, kind domain.OrderKind) {
	b.writeHandle(ctx, id, kind, nil)
}

func (b *Book) writeHandle(ctx context.Context, id string, kind domain.OrderKind, handle *string) {
	b.mu.Lock()
	cur, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	cur.Orders.Set(kind, handle)
	cur.UpdatedAt = time.Now().UTC()
	snapshot := *cur
	b.mu.Unlock()

	b.persist(ctx, snapshot)
}

// MarkClosed removes the position from the working set and records the
// closure in the durable store.
func (b *Book) MarkClosed(ctx context.Context, id string, status domain.PositionStatus, exitPrice float64) error {
	b.mu.Lock()
	_, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(b.positions, id)
	b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	if err := b.store.MarkClosed(ctx, id, status, exitPrice); err != nil {
		b.logger.WarnContext(ctx, "durable close failed, position removed from memory only",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// persist writes the position through to the durable store. Store failures
// are logged and swallowed: the monitoring loop must keep running on the
// in-memory state.
func (b *Book) persist(ctx context.Context, pos domain.Position) {
	if b.store == nil {
		return
	}
	if err := b.store.UpsertOpen(ctx, pos); err != nil {
		b.logger.WarnContext(ctx, "durable store write failed, continuing in memory",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
	}
}
