// Package executor applies accepted advisory recommendations to positions
// and keeps the exchange-side protective orders consistent with the
// committed risk levels. The ActionExecutor is the only component that
// mutates risk fields; the Reconciler is the only component that writes
// order handles.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantpulse/guardbot/internal/domain"
	"github.com/quantpulse/guardbot/internal/position"
	"github.com/quantpulse/guardbot/internal/risk"
)

// ActionExecutor maps recommendation actions to position mutations. Every
// mutation is validated by the rule engine before it is committed, and the
// full invariant set is re-checked after all of a call's changes have been
// applied.
type ActionExecutor struct {
	book       *position.Book
	rules      *risk.Engine
	reconciler *Reconciler
	bus        domain.EventBus
	logger     *slog.Logger
}

// NewActionExecutor creates an ActionExecutor. The event bus may be nil.
func NewActionExecutor(
	book *position.Book,
	rules *risk.Engine,
	reconciler *Reconciler,
	bus domain.EventBus,
	logger *slog.Logger,
) *ActionExecutor {
	return &ActionExecutor{
		book:       book,
		rules:      rules,
		reconciler: reconciler,
		bus:        bus,
		logger:     logger.With(slog.String("component", "action_executor")),
	}
}

// change is one validated field mutation staged for commit.
type change struct {
	field    string
	kind     domain.OrderKind
	oldValue *float64
	newValue float64
	reason   string
}

// Apply executes the recommendation against the position. It re-reads the
// position from the book first: the snapshot the monitor captured may be a
// couple of minutes stale by the time a slow evaluation returns.
func (x *ActionExecutor) Apply(ctx context.Context, stale domain.Position, rec domain.Recommendation, trig domain.ProximityTrigger) error {
	pos, err := x.book.Get(stale.ID)
	if err != nil {
		return fmt.Errorf("executor: position %s: %w", stale.ID, err)
	}
	if !pos.IsOpen() {
		x.logger.InfoContext(ctx, "position closed before recommendation applied, skipping",
			slog.String("position_id", pos.ID),
		)
		return nil
	}

	log := x.logger.With(
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.String("action", string(rec.Action)),
	)

	var changes []change
	var failures []error

	stage := func(c change, err error) {
		if err != nil {
			log.WarnContext(ctx, "sub-change rejected",
				slog.String("field", c.field),
				slog.String("error", err.Error()),
			)
			failures = append(failures, fmt.Errorf("%s: %w", c.field, err))
			return
		}
		changes = append(changes, c)
	}

	switch rec.Action {
	case domain.ActionKeep:
		return nil

	case domain.ActionAdjustSL:
		stage(x.stageStopLoss(&pos, *rec.StopLoss, rec.Reasoning))

	case domain.ActionAdjustTP:
		stage(x.stageTakeProfit(&pos, *rec.TakeProfit, rec.Reasoning))

	case domain.ActionDCA:
		stage(x.stageDCA(ctx, &pos, rec, trig, log))

	case domain.ActionModify:
		// Sub-changes are applied independently; one rejection does not roll
		// back the others.
		if rec.StopLoss != nil {
			stage(x.stageStopLoss(&pos, *rec.StopLoss, rec.Reasoning))
		}
		if rec.TakeProfit != nil {
			stage(x.stageTakeProfit(&pos, *rec.TakeProfit, rec.Reasoning))
		}
		if rec.DCAPrice != nil || rec.DCAAmountUSD != nil {
			stage(x.stageDCA(ctx, &pos, rec, trig, log))
		}

	default:
		return fmt.Errorf("executor: %w: action %q", domain.ErrInvalidRecommendation, rec.Action)
	}

	if len(changes) == 0 {
		return errors.Join(failures...)
	}

	// A change that only moved the stop can leave the DCA on the wrong side
	// of it; re-validate the DCA against the final stop before committing.
	if pos.DCAPrice != nil {
		revalidated, clamped := x.rules.ValidateDcaPlacement(pos.EntryPrice, *pos.DCAPrice, pos.StopLoss, pos.Side)
		if clamped {
			log.WarnContext(ctx, "dca re-clamped after stop move",
				slog.Float64("old_dca", *pos.DCAPrice),
				slog.Float64("new_dca", revalidated),
			)
			changes = append(changes, change{
				field:    "dca_price",
				kind:     domain.OrderDCALimit,
				oldValue: pos.DCAPrice,
				newValue: revalidated,
				reason:   "re-clamped to keep dca between stop and entry",
			})
			pos.DCAPrice = &revalidated
		}
	}

	// Nothing is committed if the combined result still violates the
	// ordering invariants.
	if err := x.rules.CheckInvariants(pos); err != nil {
		log.ErrorContext(ctx, "post-change invariant check failed, mutation aborted",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("executor: %w", err)
	}

	adjs := make([]domain.Adjustment, 0, len(changes))
	now := time.Now().UTC()
	for _, c := range changes {
		adjs = append(adjs, domain.Adjustment{
			ID:         uuid.New().String(),
			PositionID: pos.ID,
			Field:      c.field,
			OldValue:   c.oldValue,
			NewValue:   c.newValue,
			Reason:     c.reason,
			CreatedAt:  now,
		})
	}

	// In-memory levels are committed before reconciliation: they stay the
	// source of truth even if every order placement fails.
	if err := x.book.CommitRisk(ctx, pos, adjs); err != nil {
		return fmt.Errorf("executor: commit: %w", err)
	}

	for _, c := range changes {
		log.InfoContext(ctx, "risk level adjusted",
			slog.String("field", c.field),
			slog.Float64("new_value", c.newValue),
			slog.String("reason", c.reason),
		)
		x.publish(ctx, pos, c)
	}

	for _, kind := range changedKinds(changes) {
		if err := x.reconciler.Reconcile(ctx, pos.ID, kind); err != nil {
			failures = append(failures, fmt.Errorf("reconcile %s: %w", kind, err))
		}
	}

	return errors.Join(failures...)
}

func (x *ActionExecutor) stageStopLoss(pos *domain.Position, newSL float64, reason string) (change, error) {
	c := change{field: "stop_loss", kind: domain.OrderStopLoss, oldValue: pos.StopLoss, newValue: newSL, reason: reason}

	// The stop must stay on the losing side of the entry.
	if (pos.Side == domain.SideLong && newSL >= pos.EntryPrice) ||
		(pos.Side == domain.SideShort && newSL <= pos.EntryPrice) {
		return c, fmt.Errorf("%w: stop %v on wrong side of entry %v for %s",
			domain.ErrInvalidLevel, newSL, pos.EntryPrice, pos.Side)
	}

	pos.StopLoss = &newSL
	return c, nil
}

func (x *ActionExecutor) stageTakeProfit(pos *domain.Position, newTP float64, reason string) (change, error) {
	c := change{field: "take_profit", kind: domain.OrderTakeProfit, oldValue: pos.TakeProfit, newValue: newTP, reason: reason}

	if (pos.Side == domain.SideLong && newTP <= pos.EntryPrice) ||
		(pos.Side == domain.SideShort && newTP >= pos.EntryPrice) {
		return c, fmt.Errorf("%w: take profit %v on wrong side of entry %v for %s",
			domain.ErrInvalidLevel, newTP, pos.EntryPrice, pos.Side)
	}

	pos.TakeProfit = &newTP
	return c, nil
}

// stageDCA resolves the recommended DCA price (or derives one from the
// recommended notional), validates it against the position's current stop,
// and sizes the add.
func (x *ActionExecutor) stageDCA(ctx context.Context, pos *domain.Position, rec domain.Recommendation, trig domain.ProximityTrigger, log *slog.Logger) (change, error) {
	reason := rec.Reasoning

	var proposed float64
	switch {
	case rec.DCAPrice != nil:
		proposed = *rec.DCAPrice
	case rec.DCAAmountUSD != nil:
		// Amount-only recommendation: default the price 10% away from the
		// current price in the adverse direction.
		if pos.Side == domain.SideLong {
			proposed = trig.CurrentPrice * 0.9
		} else {
			proposed = trig.CurrentPrice * 1.1
		}
		reason = fmt.Sprintf("defaulted 10%% adverse of %.8g; %s", trig.CurrentPrice, reason)
	}

	c := change{field: "dca_price", kind: domain.OrderDCALimit, oldValue: pos.DCAPrice, reason: reason}

	validated, clamped := x.rules.ValidateDcaPlacement(pos.EntryPrice, proposed, pos.StopLoss, pos.Side)
	if clamped {
		log.WarnContext(ctx, "recommended dca clamped",
			slog.Float64("proposed", proposed),
			slog.Float64("clamped", validated),
		)
		c.reason = fmt.Sprintf("clamped from %.8g; %s", proposed, reason)
	}
	c.newValue = validated

	// Wrong-side proposals still clamp to a valid price, but a price at or
	// above the entry with no stop set has nothing to clamp against.
	if (pos.Side == domain.SideLong && validated >= pos.EntryPrice) ||
		(pos.Side == domain.SideShort && validated <= pos.EntryPrice) {
		return c, fmt.Errorf("%w: dca %v on wrong side of entry %v for %s",
			domain.ErrInvalidLevel, validated, pos.EntryPrice, pos.Side)
	}

	qty := pos.Quantity
	if rec.DCAAmountUSD != nil {
		qty = *rec.DCAAmountUSD / validated
		if err := x.rules.ValidatePositionSize(qty*validated, *rec.DCAAmountUSD); err != nil {
			return c, err
		}
	}

	pos.DCAPrice = &validated
	pos.DCAQuantity = qty
	return c, nil
}

func changedKinds(changes []change) []domain.OrderKind {
	seen := make(map[domain.OrderKind]bool, len(changes))
	var kinds []domain.OrderKind
	for _, c := range changes {
		if !seen[c.kind] {
			seen[c.kind] = true
			kinds = append(kinds, c.kind)
		}
	}
	return kinds
}

func (x *ActionExecutor) publish(ctx context.Context, pos domain.Position, c change) {
	if x.bus == nil {
		return
	}
	ev := domain.Event{
		Type:       domain.EventAdjustmentApplied,
		Symbol:     pos.Symbol,
		PositionID: pos.ID,
		Detail: map[string]any{
			"field":     c.field,
			"new_value": c.newValue,
			"reason":    c.reason,
		},
		At: time.Now().UTC(),
	}
	if err := x.bus.Publish(ctx, ev); err != nil {
		x.logger.DebugContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}
