package domain

import "time"

// LevelType identifies which risk level a proximity trigger refers to.
type LevelType string

const (
	LevelStopLoss   LevelType = "stop_loss"
	LevelTakeProfit LevelType = "take_profit"
	LevelDCA        LevelType = "dca"
)

// OrderKindFor maps a level type to the protective order slot that guards it.
func (t LevelType) OrderKindFor() OrderKind {
	switch t {
	case LevelStopLoss:
		return OrderStopLoss
	case LevelTakeProfit:
		return OrderTakeProfit
	default:
		return OrderDCALimit
	}
}

// ProximityTrigger is the ephemeral event of the current price coming within
// the configured threshold of one of a position's risk levels. At most one
// trigger is produced per position per monitor tick: the closest level wins.
type ProximityTrigger struct {
	PositionID      string
	Symbol          string
	Level           LevelType
	TargetPrice     float64
	CurrentPrice    float64
	DistancePercent float64
	At              time.Time
}
