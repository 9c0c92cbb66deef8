// Package paper is an in-memory exchange used by dry-run mode: orders are
// accepted and tracked but never leave the process.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quantpulse/guardbot/internal/domain"
)

// Exchange implements domain.ExchangeClient without touching a real venue.
type Exchange struct {
	logger *slog.Logger

	mu     sync.Mutex
	seq    int
	orders map[string]string // handle -> description
}

// NewExchange creates an empty paper exchange.
func NewExchange(logger *slog.Logger) *Exchange {
	return &Exchange{
		logger: logger.With(slog.String("component", "paper_exchange")),
		orders: make(map[string]string),
	}
}

func (e *Exchange) nextHandle(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, handle string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	// Handles from a previous run are unknown after a restart; treat the
	// order as already gone rather than wedging the reconciler.
	delete(e.orders, handle)
	e.logger.InfoContext(ctx, "paper order canceled",
		slog.String("symbol", symbol),
		slog.String("handle", handle),
	)
	return nil
}

func (e *Exchange) PlaceConditionalOrder(ctx context.Context, req domain.ConditionalOrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := e.nextHandle("paper-cond")
	e.orders[handle] = fmt.Sprintf("%s %s trigger=%v qty=%v", req.Symbol, req.Kind, req.TriggerPrice, req.Quantity)
	e.logger.InfoContext(ctx, "paper conditional order placed",
		slog.String("symbol", req.Symbol),
		slog.String("kind", string(req.Kind)),
		slog.Float64("trigger_price", req.TriggerPrice),
		slog.String("handle", handle),
	)
	return handle, nil
}

func (e *Exchange) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := e.nextHandle("paper-limit")
	e.orders[handle] = fmt.Sprintf("%s limit price=%v qty=%v", req.Symbol, req.Price, req.Quantity)
	e.logger.InfoContext(ctx, "paper limit order placed",
		slog.String("symbol", req.Symbol),
		slog.Float64("price", req.Price),
		slog.Float64("quantity", req.Quantity),
		slog.String("handle", handle),
	)
	return handle, nil
}

func (e *Exchange) PlaceProtection(ctx context.Context, req domain.ProtectionRequest) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	handle := e.nextHandle("paper-prot")
	e.orders[handle] = fmt.Sprintf("%s protection tp=%v sl=%v", req.Symbol, req.TakeProfit, req.StopLoss)
	e.logger.InfoContext(ctx, "paper protection order placed",
		slog.String("symbol", req.Symbol),
		slog.Float64("take_profit", req.TakeProfit),
		slog.Float64("stop_loss", req.StopLoss),
		slog.String("handle", handle),
	)
	return handle, nil
}

// OpenOrders returns the live paper orders, keyed by handle.
func (e *Exchange) OpenOrders() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.orders))
	for k, v := range e.orders {
		out[k] = v
	}
	return out
}

var _ domain.ExchangeClient = (*Exchange)(nil)
