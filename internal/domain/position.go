// Package domain defines the core types shared across the bot: positions,
// risk levels, proximity triggers, advisory recommendations, and the
// collaborator interfaces implemented by the store, cache, platform, and
// notification layers.
package domain

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the closing direction for the side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// PositionStatus tracks the lifecycle state of a position. Closure is decided
// by the exchange filling a protective order (or by manual intervention), not
// by this bot.
type PositionStatus string

const (
	StatusOpen         PositionStatus = "open"
	StatusClosedTP     PositionStatus = "closed_tp"
	StatusClosedSL     PositionStatus = "closed_sl"
	StatusClosedManual PositionStatus = "closed_manual"
)

// OrderKind identifies an exchange-side protective order slot.
type OrderKind string

const (
	OrderTakeProfit OrderKind = "take_profit"
	OrderStopLoss   OrderKind = "stop_loss"
	OrderDCALimit   OrderKind = "dca_limit"
)

// OrderHandles holds the exchange's identifiers for the live protective
// orders of a position. A nil entry means the order has not been placed or
// its placement failed; the in-memory risk level remains authoritative either
// way.
type OrderHandles struct {
	TakeProfit *string
	StopLoss   *string
	DCALimit   *string
}

// Handle returns the stored handle for the given kind, or nil.
func (h OrderHandles) Handle(kind OrderKind) *string {
	switch kind {
	case OrderTakeProfit:
		return h.TakeProfit
	case OrderStopLoss:
		return h.StopLoss
	case OrderDCALimit:
		return h.DCALimit
	}
	return nil
}

// Set stores a handle for the given kind. Passing nil clears the slot.
func (h *OrderHandles) Set(kind OrderKind, handle *string) {
	switch kind {
	case OrderTakeProfit:
		h.TakeProfit = handle
	case OrderStopLoss:
		h.StopLoss = handle
	case OrderDCALimit:
		h.DCALimit = handle
	}
}

// Position is the unit of risk management. Risk fields (StopLoss, TakeProfit,
// DCAPrice) are mutated only by the action executor after rule validation;
// order handles are written only by the order reconciler.
type Position struct {
	ID         string
	Symbol     string
	Side       Side
	EntryPrice float64
	Quantity   float64

	// Risk levels. Absolute prices, nil until the first risk computation.
	StopLoss   *float64
	TakeProfit *float64
	DCAPrice   *float64

	// DCAQuantity is the size of the next re-averaging add. Zero means the
	// add mirrors the current position quantity.
	DCAQuantity float64
	DCACount    int

	Status PositionStatus
	Orders OrderHandles

	// LastTriggerAt is cooldown bookkeeping: the time of the most recent
	// evaluation trigger dispatched for this position's symbol.
	LastTriggerAt *time.Time

	// ExitPrice and ClosedAt are set by the store when the position leaves
	// the open set.
	ExitPrice *float64
	ClosedAt  *time.Time

	OpenedAt  time.Time
	UpdatedAt time.Time
}

// IsOpen reports whether the position is still being managed.
func (p Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// PnLPercent returns the unrealized profit of the position at the given
// price, as a percentage of the entry price (negative when losing).
func (p Position) PnLPercent(current float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pnl := (current - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == SideShort {
		pnl = -pnl
	}
	return pnl
}

// Level couples a risk level type with its absolute price.
type Level struct {
	Type  LevelType
	Price float64
}

// Levels returns the position's defined risk levels. Undefined (nil) levels
// are omitted.
func (p Position) Levels() []Level {
	var levels []Level
	if p.StopLoss != nil {
		levels = append(levels, Level{Type: LevelStopLoss, Price: *p.StopLoss})
	}
	if p.TakeProfit != nil {
		levels = append(levels, Level{Type: LevelTakeProfit, Price: *p.TakeProfit})
	}
	if p.DCAPrice != nil {
		levels = append(levels, Level{Type: LevelDCA, Price: *p.DCAPrice})
	}
	return levels
}

// Adjustment is one entry of a position's append-only adjustment history.
type Adjustment struct {
	ID         string
	PositionID string
	Field      string // "stop_loss", "take_profit", "dca_price"
	OldValue   *float64
	NewValue   float64
	Reason     string
	CreatedAt  time.Time
}

// Float returns a pointer to v. Convenience for optional price fields.
func Float(v float64) *float64 { return &v }
