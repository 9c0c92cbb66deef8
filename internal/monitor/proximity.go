// Package monitor implements the proximity control loop: a fixed-interval
// tick that measures each open position's distance to its risk levels, and
// the cooldown gate that rate-limits the resulting evaluation dispatches.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/quantpulse/guardbot/internal/domain"
	"github.com/quantpulse/guardbot/internal/position"
)

// Dispatcher receives the triggers that pass the cooldown gate. The monitor
// calls Dispatch in its own goroutine so a slow evaluation never blocks the
// remainder of the tick.
type Dispatcher interface {
	Dispatch(ctx context.Context, pos domain.Position, trig domain.ProximityTrigger)
}

// Config holds the monitor's tunables.
type Config struct {
	// TickInterval is the polling period (default 30s).
	TickInterval time.Duration
	// ProximityThresholdPct is the maximum distance, in percent of the level
	// price, at which a level is considered "close" (default 1.0).
	ProximityThresholdPct float64
	// PriceTimeout bounds each per-symbol price fetch (default 5s).
	PriceTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.ProximityThresholdPct <= 0 {
		c.ProximityThresholdPct = 1.0
	}
	if c.PriceTimeout <= 0 {
		c.PriceTimeout = 5 * time.Second
	}
	return c
}

// Monitor is the proximity polling loop. Ticks never overlap: the loop runs
// each tick to completion before waiting for the next timer fire, and a tick
// that outlasts the interval simply drops the missed fires.
type Monitor struct {
	cfg        Config
	book       *position.Book
	prices     domain.PriceSource
	gate       *CooldownGate
	dispatcher Dispatcher
	bus        domain.EventBus
	logger     *slog.Logger

	clock func() time.Time
}

// New creates a Monitor. The event bus may be nil.
func New(
	cfg Config,
	book *position.Book,
	prices domain.PriceSource,
	gate *CooldownGate,
	dispatcher Dispatcher,
	bus domain.EventBus,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		cfg:        cfg.withDefaults(),
		book:       book,
		prices:     prices,
		gate:       gate,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger.With(slog.String("component", "proximity_monitor")),
		clock:      time.Now,
	}
}

// SeedCooldowns primes the cooldown gate from the positions' persisted
// trigger timestamps. Called once after the book is loaded.
func (m *Monitor) SeedCooldowns() {
	for _, p := range m.book.ListOpen() {
		if p.LastTriggerAt != nil {
			m.gate.Seed(p.Symbol, *p.LastTriggerAt)
		}
	}
}

// Run executes the tick loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "proximity monitor started",
		slog.Duration("tick_interval", m.cfg.TickInterval),
		slog.Float64("threshold_pct", m.cfg.ProximityThresholdPct),
	)
	defer m.logger.Info("proximity monitor stopped")

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick re-syncs the book with the durable store, then checks every open
// position once. Positions are visited sequentially; a price fetch failure
// for one symbol skips that position only.
func (m *Monitor) Tick(ctx context.Context) {
	if err := m.book.Sync(ctx); err != nil {
		m.logger.WarnContext(ctx, "store sync failed, continuing with current working set",
			slog.String("error", err.Error()),
		)
	}

	positions := m.book.ListOpen()
	now := m.clock()

	for _, pos := range positions {
		select {
		case <-ctx.Done():
			return
		default:
		}

		quote, err := m.fetchPrice(ctx, pos.Symbol)
		if err != nil {
			m.logger.WarnContext(ctx, "price fetch failed, skipping position this tick",
				slog.String("symbol", pos.Symbol),
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		trig, ok := ClosestTrigger(pos, quote.Price, m.cfg.ProximityThresholdPct, now)
		if !ok {
			continue
		}

		allowed, wait := m.gate.Allow(pos.Symbol, now)
		if !allowed {
			m.logger.DebugContext(ctx, "trigger suppressed by cooldown",
				slog.String("symbol", pos.Symbol),
				slog.String("level", string(trig.Level)),
				slog.Duration("remaining", wait),
			)
			m.publish(ctx, domain.Event{
				Type:       domain.EventTriggerCooled,
				Symbol:     pos.Symbol,
				PositionID: pos.ID,
				Detail:     map[string]any{"level": string(trig.Level), "remaining": wait.String()},
				At:         now,
			})
			continue
		}

		// Cooldown bookkeeping is committed before dispatch so a restart
		// mid-evaluation does not re-fire the same trigger.
		m.book.MarkTriggered(ctx, pos.ID, now)

		if pos.Orders.Handle(trig.Level.OrderKindFor()) == nil {
			m.logger.WarnContext(ctx, "approaching level has no live exchange order",
				slog.String("symbol", pos.Symbol),
				slog.String("position_id", pos.ID),
				slog.String("level", string(trig.Level)),
			)
		}

		m.logger.InfoContext(ctx, "proximity trigger fired",
			slog.String("symbol", pos.Symbol),
			slog.String("position_id", pos.ID),
			slog.String("level", string(trig.Level)),
			slog.Float64("distance_pct", trig.DistancePercent),
			slog.Float64("current_price", trig.CurrentPrice),
			slog.Float64("target_price", trig.TargetPrice),
		)
		m.publish(ctx, domain.Event{
			Type:       domain.EventTriggerFired,
			Symbol:     pos.Symbol,
			PositionID: pos.ID,
			Detail: map[string]any{
				"level":        string(trig.Level),
				"distance_pct": trig.DistancePercent,
			},
			At: now,
		})

		// Evaluations are independent asynchronous units of work; the gate
		// guarantees at most one in flight per symbol.
		p, t := pos, trig
		go m.dispatcher.Dispatch(ctx, p, t)
	}
}

func (m *Monitor) fetchPrice(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.PriceTimeout)
	defer cancel()
	return m.prices.GetPrice(fetchCtx, symbol)
}

func (m *Monitor) publish(ctx context.Context, ev domain.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		m.logger.DebugContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}

// ClosestTrigger computes the distance from the current price to each of the
// position's defined levels and returns the single closest level under the
// threshold, or false when none qualifies.
func ClosestTrigger(pos domain.Position, currentPrice, thresholdPct float64, now time.Time) (domain.ProximityTrigger, bool) {
	if currentPrice <= 0 {
		return domain.ProximityTrigger{}, false
	}

	best := domain.ProximityTrigger{DistancePercent: math.Inf(1)}
	found := false
	for _, lv := range pos.Levels() {
		if lv.Price <= 0 {
			continue
		}
		dist := math.Abs(currentPrice-lv.Price) / lv.Price * 100
		if dist > thresholdPct {
			continue
		}
		if dist < best.DistancePercent {
			best = domain.ProximityTrigger{
				PositionID:      pos.ID,
				Symbol:          pos.Symbol,
				Level:           lv.Type,
				TargetPrice:     lv.Price,
				CurrentPrice:    currentPrice,
				DistancePercent: dist,
				At:              now,
			}
			found = true
		}
	}
	return best, found
}
