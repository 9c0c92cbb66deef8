// Package risk implements the pure rule engine for position risk levels:
// canonical TP/SL/DCA computation from the entry price, placement validation
// with deterministic clamping, and position size sanity checks. The package
// performs no I/O.
package risk

import (
	"fmt"
	"math"

	"github.com/quantpulse/guardbot/internal/domain"
)

// Config holds the percentage offsets and safety margins applied by the
// engine. All percentages are expressed as whole numbers (10 = 10%).
type Config struct {
	TakeProfitPct      float64
	StopLossPct        float64
	DCAPct             float64
	DCASafetyMarginPct float64

	// Position size validation.
	MinOrderUSD      float64
	SizeTolerancePct float64
}

// DefaultConfig returns the stock offsets: TP 10%, SL 20%, DCA 15% from
// entry, 1% DCA safety margin, $10 order floor, ±30% size tolerance.
func DefaultConfig() Config {
	return Config{
		TakeProfitPct:      10,
		StopLossPct:        20,
		DCAPct:             15,
		DCASafetyMarginPct: 1,
		MinOrderUSD:        10,
		SizeTolerancePct:   30,
	}
}

// Levels are the canonical risk levels computed for a fresh position.
type Levels struct {
	TakeProfit float64
	StopLoss   float64
	DCAPrice   float64
}

// Engine is the rule engine. It is stateless beyond its configuration and
// safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine with the given configuration. Zero-valued
// percentage fields fall back to the defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.TakeProfitPct <= 0 {
		cfg.TakeProfitPct = def.TakeProfitPct
	}
	if cfg.StopLossPct <= 0 {
		cfg.StopLossPct = def.StopLossPct
	}
	if cfg.DCAPct <= 0 {
		cfg.DCAPct = def.DCAPct
	}
	if cfg.DCASafetyMarginPct <= 0 {
		cfg.DCASafetyMarginPct = def.DCASafetyMarginPct
	}
	if cfg.MinOrderUSD <= 0 {
		cfg.MinOrderUSD = def.MinOrderUSD
	}
	if cfg.SizeTolerancePct <= 0 {
		cfg.SizeTolerancePct = def.SizeTolerancePct
	}
	return &Engine{cfg: cfg}
}

// ComputeLevels derives the canonical TP/SL/DCA prices for a position opened
// at entryPrice on the given side. The DCA candidate is passed through
// ValidateDcaPlacement before being returned.
func (e *Engine) ComputeLevels(entryPrice float64, side domain.Side) (Levels, error) {
	if entryPrice <= 0 || math.IsNaN(entryPrice) || math.IsInf(entryPrice, 0) {
		return Levels{}, fmt.Errorf("%w: entry price %v", domain.ErrInvalidLevel, entryPrice)
	}

	tp := e.cfg.TakeProfitPct / 100
	sl := e.cfg.StopLossPct / 100
	dca := e.cfg.DCAPct / 100

	var lv Levels
	switch side {
	case domain.SideLong:
		lv = Levels{
			TakeProfit: entryPrice * (1 + tp),
			StopLoss:   entryPrice * (1 - sl),
			DCAPrice:   entryPrice * (1 - dca),
		}
	case domain.SideShort:
		lv = Levels{
			TakeProfit: entryPrice * (1 - tp),
			StopLoss:   entryPrice * (1 + sl),
			DCAPrice:   entryPrice * (1 + dca),
		}
	default:
		return Levels{}, fmt.Errorf("%w: unknown side %q", domain.ErrInvalidLevel, side)
	}

	lv.DCAPrice, _ = e.ValidateDcaPlacement(entryPrice, lv.DCAPrice, &lv.StopLoss, side)
	return lv, nil
}

// ValidateDcaPlacement enforces the DCA ordering and safety-margin
// invariants. For a LONG the DCA price must sit strictly between the stop and
// the entry and be at least the configured margin (relative to the stop
// itself) above it; mirrored for a SHORT. On violation the price is clamped
// to a deterministic safe point 40% of the stop-to-entry distance away from
// the stop, and the second return value is true so the caller can log the
// clamp. Validating an already-valid price returns it unchanged.
//
// A nil or zero stop means there is no safety constraint to enforce and the
// proposed price is returned as-is.
func (e *Engine) ValidateDcaPlacement(entryPrice, dcaPrice float64, stopLoss *float64, side domain.Side) (float64, bool) {
	if stopLoss == nil || *stopLoss <= 0 {
		return dcaPrice, false
	}
	stop := *stopLoss
	margin := stop * e.cfg.DCASafetyMarginPct / 100

	switch side {
	case domain.SideShort:
		if dcaPrice > entryPrice && dcaPrice <= stop-margin {
			return dcaPrice, false
		}
		return stop - 0.4*(stop-entryPrice), true
	default:
		if dcaPrice < entryPrice && dcaPrice >= stop+margin {
			return dcaPrice, false
		}
		return stop + 0.4*(entryPrice-stop), true
	}
}

// ValidatePositionSize checks a computed order notional against the expected
// one: it must clear the absolute floor and fall within the tolerance band
// around the expectation.
func (e *Engine) ValidatePositionSize(calculatedUSD, expectedUSD float64) error {
	if calculatedUSD < e.cfg.MinOrderUSD {
		return fmt.Errorf("%w: notional $%.2f below minimum $%.2f",
			domain.ErrInvalidLevel, calculatedUSD, e.cfg.MinOrderUSD)
	}
	if expectedUSD > 0 {
		tol := e.cfg.SizeTolerancePct / 100
		if calculatedUSD < expectedUSD*(1-tol) || calculatedUSD > expectedUSD*(1+tol) {
			return fmt.Errorf("%w: notional $%.2f outside ±%.0f%% of expected $%.2f",
				domain.ErrInvalidLevel, calculatedUSD, e.cfg.SizeTolerancePct, expectedUSD)
		}
	}
	return nil
}

// CheckInvariants verifies the full ordering invariant for a position after a
// mutation, over whichever levels are defined:
//
//	LONG:  stopLoss < dcaPrice < entryPrice < takeProfit
//	SHORT: takeProfit < entryPrice < dcaPrice < stopLoss
//
// plus the DCA safety margin when both DCA and stop are set. A violation here
// means the mutation must not be committed.
func (e *Engine) CheckInvariants(p domain.Position) error {
	if p.Quantity <= 0 {
		return fmt.Errorf("%w: quantity %v", domain.ErrInvalidLevel, p.Quantity)
	}

	type check struct {
		name string
		ok   bool
	}
	var checks []check

	long := p.Side == domain.SideLong
	above := func(a, b float64) bool {
		if long {
			return a > b
		}
		return a < b
	}

	if p.StopLoss != nil {
		checks = append(checks, check{"entry above stop", above(p.EntryPrice, *p.StopLoss)})
	}
	if p.TakeProfit != nil {
		checks = append(checks, check{"take profit above entry", above(*p.TakeProfit, p.EntryPrice)})
	}
	if p.DCAPrice != nil {
		checks = append(checks, check{"entry above dca", above(p.EntryPrice, *p.DCAPrice)})
		if p.StopLoss != nil {
			checks = append(checks, check{"dca above stop", above(*p.DCAPrice, *p.StopLoss)})
			margin := *p.StopLoss * e.cfg.DCASafetyMarginPct / 100
			gap := math.Abs(*p.DCAPrice - *p.StopLoss)
			checks = append(checks, check{"dca safety margin", gap >= margin})
		}
	}

	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%w: %s violated for %s %s", domain.ErrInvalidLevel, c.name, p.Side, p.Symbol)
		}
	}
	return nil
}
