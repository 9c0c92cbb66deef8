package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantpulse/guardbot/internal/domain"
	"github.com/quantpulse/guardbot/internal/position"
)

// Alerter receives operator alerts for failures that leave a position
// unprotected. Satisfied by notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Reconciler brings the exchange-side order for one kind in line with the
// position's committed level. The sequencing invariant is cancel before
// place: a stale order is never left live alongside a fresh one, and if the
// cancel itself fails the existing order is kept and the handle untouched.
type Reconciler struct {
	exchange   domain.ExchangeClient
	book       *position.Book
	bus        domain.EventBus
	alerter    Alerter
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReconciler creates a Reconciler. maxRetries <= 0 defaults to 3 and
// backoff <= 0 to one second. bus and alerter may be nil.
func NewReconciler(
	exchange domain.ExchangeClient,
	book *position.Book,
	bus domain.EventBus,
	alerter Alerter,
	maxRetries int,
	backoff time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Reconciler{
		exchange:   exchange,
		book:       book,
		bus:        bus,
		alerter:    alerter,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger.With(slog.String("component", "order_reconciler")),
		sleep:      sleepCtx,
	}
}

// Reconcile replaces the live order of the given kind with one matching the
// position's current level. The committed level is authoritative throughout:
// even total placement failure leaves the level intact, only the order slot
// empty and an alert raised.
func (r *Reconciler) Reconcile(ctx context.Context, positionID string, kind domain.OrderKind) error {
	pos, err := r.book.Get(positionID)
	if err != nil {
		return fmt.Errorf("reconciler: position %s: %w", positionID, err)
	}

	log := r.logger.With(
		slog.String("symbol", pos.Symbol),
		slog.String("position_id", pos.ID),
		slog.String("order_kind", string(kind)),
	)

	if handle := pos.Orders.Handle(kind); handle != nil {
		if err := r.exchange.CancelOrder(ctx, pos.Symbol, *handle); err != nil {
			// The old order is still live and still points at the previous
			// level. Keep its handle so the next reconcile retries the cancel.
			log.ErrorContext(ctx, "cancel of stale order failed, old order left live",
				slog.String("handle", *handle),
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("reconciler: %w: %s %s: %v", domain.ErrCancelFailed, pos.Symbol, kind, err)
		}
		r.book.ClearHandle(ctx, pos.ID, kind)
		log.InfoContext(ctx, "stale order canceled", slog.String("handle", *handle))
	}

	target, ok := targetPrice(pos, kind)
	if !ok {
		// Level was removed; with the old order canceled there is nothing to
		// place.
		log.InfoContext(ctx, "no level set for kind, order slot left empty")
		return nil
	}

	handle, err := r.placeWithRetry(ctx, pos, kind, target, log)
	if err == nil {
		r.book.SetHandle(ctx, pos.ID, kind, handle)
		log.InfoContext(ctx, "order placed",
			slog.String("handle", handle),
			slog.Float64("price", target),
		)
		return nil
	}

	if kind == domain.OrderTakeProfit || kind == domain.OrderStopLoss {
		if fbHandle, fbErr := r.placeFallback(ctx, pos, log); fbErr == nil {
			r.book.SetHandle(ctx, pos.ID, kind, fbHandle)
			r.absorbSibling(ctx, pos, kind, fbHandle, log)
			log.WarnContext(ctx, "fallback protection order placed",
				slog.String("handle", fbHandle),
			)
			return nil
		}
	}

	r.book.ClearHandle(ctx, pos.ID, kind)
	r.alert(ctx, pos, kind, err)
	r.publishFailure(ctx, pos, kind, err)
	return fmt.Errorf("reconciler: place %s for %s: %w", kind, pos.Symbol, err)
}

// placeWithRetry attempts the placement up to maxRetries times with
// increasing backoff between attempts.
func (r *Reconciler) placeWithRetry(ctx context.Context, pos domain.Position, kind domain.OrderKind, target float64, log *slog.Logger) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		handle, err := r.place(ctx, pos, kind, target)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		log.WarnContext(ctx, "order placement failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", r.maxRetries),
			slog.String("error", err.Error()),
		)

		if attempt == r.maxRetries {
			break
		}
		if err := r.sleep(ctx, time.Duration(attempt)*r.backoff); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", domain.ErrOrderRejected, r.maxRetries, lastErr)
}

func (r *Reconciler) place(ctx context.Context, pos domain.Position, kind domain.OrderKind, target float64) (string, error) {
	if kind == domain.OrderDCALimit {
		qty := pos.DCAQuantity
		if qty <= 0 {
			qty = pos.Quantity
		}
		return r.exchange.PlaceLimitOrder(ctx, domain.LimitOrderRequest{
			Symbol:       pos.Symbol,
			PositionSide: pos.Side,
			Price:        target,
			Quantity:     qty,
		})
	}
	return r.exchange.PlaceConditionalOrder(ctx, domain.ConditionalOrderRequest{
		Symbol:       pos.Symbol,
		PositionSide: pos.Side,
		Kind:         kind,
		TriggerPrice: target,
		Quantity:     pos.Quantity,
	})
}

// placeFallback tries a single combined TP/SL protection order. It needs both
// levels set; a position missing either gets no fallback.
func (r *Reconciler) placeFallback(ctx context.Context, pos domain.Position, log *slog.Logger) (string, error) {
	if pos.TakeProfit == nil || pos.StopLoss == nil {
		return "", fmt.Errorf("fallback needs both take profit and stop loss set")
	}
	handle, err := r.exchange.PlaceProtection(ctx, domain.ProtectionRequest{
		Symbol:       pos.Symbol,
		PositionSide: pos.Side,
		TakeProfit:   *pos.TakeProfit,
		StopLoss:     *pos.StopLoss,
		Quantity:     pos.Quantity,
	})
	if err != nil {
		log.ErrorContext(ctx, "fallback protection order failed", slog.String("error", err.Error()))
		return "", err
	}
	return handle, nil
}

// absorbSibling folds the other TP/SL kind into a freshly placed combined
// protection order: its standalone order would double-cover that side, so it
// is canceled and its slot pointed at the protection handle. A sibling
// already holding that handle is left alone; a failed cancel keeps the
// standalone handle so the overlap is visible and retried next reconcile.
func (r *Reconciler) absorbSibling(ctx context.Context, pos domain.Position, kind domain.OrderKind, fbHandle string, log *slog.Logger) {
	sibling := domain.OrderStopLoss
	if kind == domain.OrderStopLoss {
		sibling = domain.OrderTakeProfit
	}

	if handle := pos.Orders.Handle(sibling); handle != nil && *handle != fbHandle {
		if err := r.exchange.CancelOrder(ctx, pos.Symbol, *handle); err != nil {
			log.WarnContext(ctx, "overlapping sibling order left live, cancel failed",
				slog.String("order_kind", string(sibling)),
				slog.String("handle", *handle),
				slog.String("error", err.Error()),
			)
			return
		}
		log.InfoContext(ctx, "sibling order canceled, protection order covers both sides",
			slog.String("order_kind", string(sibling)),
			slog.String("handle", *handle),
		)
	}
	r.book.SetHandle(ctx, pos.ID, sibling, fbHandle)
}

func (r *Reconciler) alert(ctx context.Context, pos domain.Position, kind domain.OrderKind, cause error) {
	if r.alerter == nil {
		return
	}
	title := fmt.Sprintf("Position %s unprotected", pos.Symbol)
	msg := fmt.Sprintf("Could not place %s order for %s (%s): %v. Level remains committed; manual intervention may be required.",
		kind, pos.Symbol, pos.ID, cause)
	if err := r.alerter.Notify(ctx, string(domain.EventReconcileFailed), title, msg); err != nil {
		r.logger.WarnContext(ctx, "alert delivery failed", slog.String("error", err.Error()))
	}
}

func (r *Reconciler) publishFailure(ctx context.Context, pos domain.Position, kind domain.OrderKind, cause error) {
	if r.bus == nil {
		return
	}
	ev := domain.Event{
		Type:       domain.EventReconcileFailed,
		Symbol:     pos.Symbol,
		PositionID: pos.ID,
		Detail: map[string]any{
			"order_kind": string(kind),
			"error":      cause.Error(),
		},
		At: time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, ev); err != nil {
		r.logger.DebugContext(ctx, "event publish failed", slog.String("error", err.Error()))
	}
}

func targetPrice(pos domain.Position, kind domain.OrderKind) (float64, bool) {
	var level *float64
	switch kind {
	case domain.OrderTakeProfit:
		level = pos.TakeProfit
	case domain.OrderStopLoss:
		level = pos.StopLoss
	case domain.OrderDCALimit:
		level = pos.DCAPrice
	}
	if level == nil {
		return 0, false
	}
	return *level, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
