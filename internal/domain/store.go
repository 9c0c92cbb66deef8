package domain

import (
	"context"
	"time"
)

// PositionStore is the durable backing store for positions. It has upsert
// semantics for open positions: saving a position the store does not
// recognize inserts it, and the store never silently drops an OPEN position —
// rows leave the open set only through MarkClosed.
type PositionStore interface {
	UpsertOpen(ctx context.Context, pos Position) error
	GetOpen(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
	MarkClosed(ctx context.Context, id string, status PositionStatus, exitPrice float64) error

	// Archival support: closed positions older than the cutoff.
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore persists the append-only adjustment history.
type AuditStore interface {
	AppendAdjustment(ctx context.Context, adj Adjustment) error
	ListAdjustments(ctx context.Context, positionID string, limit int) ([]Adjustment, error)

	// Archival support: adjustments older than the cutoff.
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Adjustment, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PriceCache caches the latest observed price per symbol (fed by the
// websocket stream, read by the monitor's cached price source).
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// Event is a lifecycle event published to the event bus: a proximity trigger,
// a committed adjustment, a reconciliation failure, and so on.
type Event struct {
	Type       string         `json:"type"`
	Symbol     string         `json:"symbol,omitempty"`
	PositionID string         `json:"position_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}

// Event types published by the core loop.
const (
	EventTriggerFired      = "trigger_fired"
	EventTriggerCooled     = "trigger_cooled"
	EventEvaluationDone    = "evaluation_done"
	EventAdjustmentApplied = "adjustment_applied"
	EventReconcileFailed   = "reconcile_failed"
	EventPositionClosed    = "position_closed"
)

// EventBus publishes lifecycle events for external observers. Publishing is
// best-effort; failures are logged and swallowed. History reads back the most
// recent events, oldest first, so a restarting process can show what the
// controller last did.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	History(ctx context.Context, count int) ([]Event, error)
}
