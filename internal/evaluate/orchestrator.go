// Package evaluate bridges proximity triggers to the external advisory
// evaluator: it assembles the full position context, calls the evaluator
// under a long timeout, validates the structured response, and hands accepted
// recommendations to the action executor. Any evaluator failure degrades to
// KEEP — the trigger is spent for its cooldown window either way.
package evaluate

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantpulse/guardbot/internal/domain"
)

// Applier applies an accepted recommendation to a position. Implemented by
// the action executor.
type Applier interface {
	Apply(ctx context.Context, pos domain.Position, rec domain.Recommendation, trig domain.ProximityTrigger) error
}

// SnapshotProvider computes an optional indicator snapshot for the evaluation
// context. A nil provider or a snapshot error simply omits the indicators.
type SnapshotProvider interface {
	Snapshot(ctx context.Context, symbol string) (*domain.IndicatorSnapshot, error)
}

// Orchestrator runs one evaluation per dispatched trigger.
type Orchestrator struct {
	evaluator domain.Evaluator
	applier   Applier
	snapshots SnapshotProvider
	audit     domain.AuditStore
	bus       domain.EventBus
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates an Orchestrator. snapshots, audit, and bus may be nil;
// timeout <= 0 defaults to 2 minutes, reflecting how slow the advisory
// dependency can be.
func New(
	evaluator domain.Evaluator,
	applier Applier,
	snapshots SnapshotProvider,
	audit domain.AuditStore,
	bus domain.EventBus,
	timeout time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Orchestrator{
		evaluator: evaluator,
		applier:   applier,
		snapshots: snapshots,
		audit:     audit,
		bus:       bus,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "evaluation_orchestrator")),
	}
}

// Dispatch implements monitor.Dispatcher. It is called in its own goroutine
// and never blocks the monitor tick.
func (o *Orchestrator) Dispatch(ctx context.Context, pos domain.Position, trig domain.ProximityTrigger) {
	log := o.logger.With(
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.String("trigger_level", string(trig.Level)),
	)

	rec := o.evaluateOnce(ctx, pos, trig, log)

	if rec.Action == domain.ActionKeep {
		log.InfoContext(ctx, "evaluation resolved to keep", slog.String("reason", rec.Reasoning))
		o.publish(ctx, pos, trig, rec)
		return
	}

	if err := o.applier.Apply(ctx, pos, rec, trig); err != nil {
		log.ErrorContext(ctx, "recommendation application failed",
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
	}
	o.publish(ctx, pos, trig, rec)
}

// evaluateOnce calls the evaluator and validates the response. Every failure
// path returns a KEEP; failed evaluations are not retried — the next
// opportunity is the next un-gated proximity trigger.
func (o *Orchestrator) evaluateOnce(ctx context.Context, pos domain.Position, trig domain.ProximityTrigger, log *slog.Logger) domain.Recommendation {
	pc := o.BuildContext(ctx, pos, trig)

	evalCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	started := time.Now()
	rec, err := o.evaluator.Evaluate(evalCtx, pc)
	elapsed := time.Since(started)

	if err != nil {
		log.WarnContext(ctx, "advisory evaluation failed, keeping position",
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return domain.Keep("evaluation failed: " + err.Error())
	}

	if err := rec.Validate(); err != nil {
		log.WarnContext(ctx, "advisory response rejected, keeping position",
			slog.String("action", string(rec.Action)),
			slog.String("error", err.Error()),
		)
		return domain.Keep("invalid recommendation: " + err.Error())
	}

	log.InfoContext(ctx, "advisory evaluation completed",
		slog.String("action", string(rec.Action)),
		slog.Float64("confidence", rec.Confidence),
		slog.String("urgency", rec.Urgency),
		slog.Duration("elapsed", elapsed),
	)
	return rec
}

// BuildContext assembles the evaluator's view of the position at trigger
// time.
func (o *Orchestrator) BuildContext(ctx context.Context, pos domain.Position, trig domain.ProximityTrigger) domain.PositionContext {
	pc := domain.PositionContext{
		PositionID:      pos.ID,
		Symbol:          pos.Symbol,
		Side:            pos.Side,
		EntryPrice:      pos.EntryPrice,
		Quantity:        pos.Quantity,
		CurrentPrice:    trig.CurrentPrice,
		PnLPercent:      pos.PnLPercent(trig.CurrentPrice),
		StopLoss:        pos.StopLoss,
		TakeProfit:      pos.TakeProfit,
		DCAPrice:        pos.DCAPrice,
		DCACount:        pos.DCACount,
		Trigger:         trig,
		TriggerLevel:    trig.Level,
		TriggerDistance: trig.DistancePercent,
	}

	if o.audit != nil {
		adjs, err := o.audit.ListAdjustments(ctx, pos.ID, 10)
		if err != nil {
			o.logger.DebugContext(ctx, "adjustment history unavailable",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		} else {
			pc.RecentAdjustments = adjs
		}
	}

	if o.snapshots != nil {
		snap, err := o.snapshots.Snapshot(ctx, pos.Symbol)
		if err != nil {
			o.logger.DebugContext(ctx, "indicator snapshot unavailable",
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
		} else {
			pc.Indicators = snap
		}
	}
	return pc
}

func (o *Orchestrator) publish(ctx context.Context, pos domain.Position, trig domain.ProximityTrigger, rec domain.Recommendation) {
	if o.bus == nil {
		return
	}
	ev := domain.Event{
		Type:       domain.EventEvaluationDone,
		Symbol:     pos.Symbol,
		PositionID: pos.ID,
		Detail: map[string]any{
			"trigger_level": string(trig.Level),
			"action":        string(rec.Action),
			"confidence":    rec.Confidence,
		},
		At: time.Now().UTC(),
	}
	if err := o.bus.Publish(ctx, ev); err != nil {
		o.logger.DebugContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}
