package domain

import "context"

// IndicatorSnapshot is a compact technical picture of a symbol at evaluation
// time. It is advisory context only; nothing in the risk lifecycle depends on
// it being present.
type IndicatorSnapshot struct {
	RSI14     float64  `json:"rsi_14"`
	BBUpper   float64  `json:"bb_upper"`
	BBMiddle  float64  `json:"bb_middle"`
	BBLower   float64  `json:"bb_lower"`
	ATR14     float64  `json:"atr_14"`
	SMA20     float64  `json:"sma_20"`
	SMA50     float64  `json:"sma_50"`
	Trend     string   `json:"trend"` // "BULLISH" or "BEARISH"
	Signals   []string `json:"signals"`
	Summary   string   `json:"summary"` // "BUY", "SELL", or "HOLD"
	Strength  int      `json:"strength"`
	Certainty float64  `json:"certainty"`
}

// PositionContext is the full picture handed to the advisory evaluator when a
// proximity trigger passes the cooldown gate.
type PositionContext struct {
	PositionID   string           `json:"position_id"`
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	EntryPrice   float64          `json:"entry_price"`
	Quantity     float64          `json:"quantity"`
	CurrentPrice float64          `json:"current_price"`
	PnLPercent   float64          `json:"pnl_percent"`
	StopLoss     *float64         `json:"stop_loss,omitempty"`
	TakeProfit   *float64         `json:"take_profit,omitempty"`
	DCAPrice     *float64         `json:"dca_price,omitempty"`
	DCACount     int              `json:"dca_count"`
	Trigger      ProximityTrigger `json:"-"`

	// RecentAdjustments is the tail of the position's adjustment history, so
	// the evaluator can see what it already changed on earlier triggers.
	RecentAdjustments []Adjustment `json:"recent_adjustments,omitempty"`

	// TriggerLevel and TriggerDistance describe the proximity event that
	// caused this evaluation, in a form the evaluator can consume.
	TriggerLevel    LevelType `json:"trigger_level"`
	TriggerDistance float64   `json:"trigger_distance_percent"`

	Indicators *IndicatorSnapshot `json:"indicators,omitempty"`
}

// Evaluator is the external advisory evaluation service. Implementations are
// expected to be slow (up to minutes) and unreliable; callers treat any error
// or invalid response as a KEEP.
type Evaluator interface {
	Evaluate(ctx context.Context, pc PositionContext) (Recommendation, error)
}
