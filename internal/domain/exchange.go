package domain

import (
	"context"
	"time"
)

// ConditionalOrderRequest describes a protective order that activates when
// the trigger price is reached (stop-loss or take-profit).
type ConditionalOrderRequest struct {
	Symbol       string
	PositionSide Side // side of the position being protected
	Kind         OrderKind
	TriggerPrice float64
	Quantity     float64
}

// LimitOrderRequest describes a resting limit order (used for DCA adds).
type LimitOrderRequest struct {
	Symbol       string
	PositionSide Side
	Price        float64
	Quantity     float64
}

// ProtectionRequest describes a single combined order carrying both TP and SL
// trigger prices. Used as the fallback construction when separate conditional
// orders repeatedly fail to place.
type ProtectionRequest struct {
	Symbol       string
	PositionSide Side
	TakeProfit   float64
	StopLoss     float64
	Quantity     float64
}

// ExchangeClient is the exchange's order API as consumed by the reconciler.
// All methods return opaque order handles; the reconciler never inspects them.
type ExchangeClient interface {
	CancelOrder(ctx context.Context, symbol, handle string) error
	PlaceConditionalOrder(ctx context.Context, req ConditionalOrderRequest) (string, error)
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (string, error)
	PlaceProtection(ctx context.Context, req ProtectionRequest) (string, error)
}

// PriceQuote is a point-in-time price observation for a symbol.
type PriceQuote struct {
	Symbol string
	Price  float64
	At     time.Time
}

// PriceSource supplies current prices. Fetch failures are expected and must
// not abort the caller's loop; a failed symbol is simply skipped that tick.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (PriceQuote, error)
}

// Candle is one OHLCV bar, used only for the indicator snapshot.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// CandleSource supplies recent OHLCV history for indicator computation.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}
