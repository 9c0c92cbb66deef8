// Package analysis computes the technical indicator snapshot attached to
// evaluation contexts: RSI, Bollinger bands, ATR, moving averages, MACD, and
// a coarse signal summary derived from them.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/quantpulse/guardbot/internal/domain"
)

// MinDataPoints is the minimum candle history required for a snapshot; SMA50
// is the longest lookback.
const MinDataPoints = 50

// RSI computes the relative strength index over the given period using simple
// rolling averages of gains and losses. Returns 50 when there is no movement
// in the window.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50
	}
	var gain, loss float64
	for i := len(prices) - period; i < len(prices); i++ {
		delta := prices[i] - prices[i-1]
		if delta > 0 {
			gain += delta
		} else {
			loss -= delta
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := gain / loss
	return 100 - 100/(1+rs)
}

// SMA computes the simple moving average of the last period prices.
func SMA(prices []float64, period int) float64 {
	if len(prices) < period || period <= 0 {
		return 0
	}
	var sum float64
	for _, p := range prices[len(prices)-period:] {
		sum += p
	}
	return sum / float64(period)
}

// EMA computes the exponential moving average with smoothing 2/(period+1),
// seeded from the first price.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 || period <= 0 {
		return 0
	}
	k := 2.0 / float64(period+1)
	ema := prices[0]
	for _, p := range prices[1:] {
		ema = p*k + ema*(1-k)
	}
	return ema
}

// Bollinger computes the 2-sigma Bollinger bands around the period SMA.
func Bollinger(prices []float64, period int, stdDev float64) (upper, middle, lower float64) {
	if len(prices) < period {
		return 0, 0, 0
	}
	middle = SMA(prices, period)
	window := prices[len(prices)-period:]
	var variance float64
	for _, p := range window {
		d := p - middle
		variance += d * d
	}
	// Sample standard deviation, matching the rolling std of the reference
	// data pipeline.
	sd := math.Sqrt(variance / float64(period-1))
	return middle + stdDev*sd, middle, middle - stdDev*sd
}

// ATR computes the average true range over the period as a simple mean of
// true ranges.
func ATR(candles []domain.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	var sum float64
	for i := len(candles) - period; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := c.High - c.Low
		if d := math.Abs(c.High - prevClose); d > tr {
			tr = d
		}
		if d := math.Abs(c.Low - prevClose); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period)
}

// MACD computes the MACD line and its signal line over the full price series.
func MACD(prices []float64, fast, slow, signal int) (macd, signalLine float64) {
	if len(prices) < slow {
		return 0, 0
	}
	// The signal line is an EMA of the MACD series, so build the series.
	kFast := 2.0 / float64(fast+1)
	kSlow := 2.0 / float64(slow+1)
	kSig := 2.0 / float64(signal+1)

	emaFast, emaSlow := prices[0], prices[0]
	sig := 0.0
	for i, p := range prices {
		if i > 0 {
			emaFast = p*kFast + emaFast*(1-kFast)
			emaSlow = p*kSlow + emaSlow*(1-kSlow)
		}
		m := emaFast - emaSlow
		if i == 0 {
			sig = m
		} else {
			sig = m*kSig + sig*(1-kSig)
		}
		macd = m
	}
	return macd, sig
}

// Snapshotter builds indicator snapshots from a candle source. It satisfies
// the orchestrator's SnapshotProvider.
type Snapshotter struct {
	candles  domain.CandleSource
	interval string
	limit    int
	logger   *slog.Logger
}

// NewSnapshotter creates a Snapshotter reading limit candles at the given
// interval (e.g. "15m"). limit below MinDataPoints+1 is raised to 100.
func NewSnapshotter(candles domain.CandleSource, interval string, limit int, logger *slog.Logger) *Snapshotter {
	if limit <= MinDataPoints {
		limit = 100
	}
	return &Snapshotter{
		candles:  candles,
		interval: interval,
		limit:    limit,
		logger:   logger.With(slog.String("component", "analysis")),
	}
}

// Snapshot fetches recent candles and computes the indicator set.
func (s *Snapshotter) Snapshot(ctx context.Context, symbol string) (*domain.IndicatorSnapshot, error) {
	candles, err := s.candles.GetCandles(ctx, symbol, s.interval, s.limit)
	if err != nil {
		return nil, fmt.Errorf("analysis: candles for %s: %w", symbol, err)
	}
	return Compute(candles)
}

// Compute derives the snapshot from candle history. It needs at least
// MinDataPoints closes.
func Compute(candles []domain.Candle) (*domain.IndicatorSnapshot, error) {
	if len(candles) < MinDataPoints {
		return nil, fmt.Errorf("analysis: need at least %d candles, have %d", MinDataPoints, len(candles))
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	current := closes[len(closes)-1]

	snap := &domain.IndicatorSnapshot{
		RSI14: RSI(closes, 14),
		ATR14: ATR(candles, 14),
		SMA20: SMA(closes, 20),
		SMA50: SMA(closes, 50),
	}
	snap.BBUpper, snap.BBMiddle, snap.BBLower = Bollinger(closes, 20, 2)

	macd, signal := MACD(closes, 12, 26, 9)

	var signals []string
	if snap.RSI14 < 30 {
		signals = append(signals, "RSI_OVERSOLD")
	} else if snap.RSI14 > 70 {
		signals = append(signals, "RSI_OVERBOUGHT")
	}
	if macd > signal {
		signals = append(signals, "MACD_BULLISH")
	} else {
		signals = append(signals, "MACD_BEARISH")
	}
	if current < snap.BBLower {
		signals = append(signals, "BB_OVERSOLD")
	} else if current > snap.BBUpper {
		signals = append(signals, "BB_OVERBOUGHT")
	}
	if snap.SMA20 > snap.SMA50 {
		snap.Trend = "BULLISH"
		signals = append(signals, "TREND_BULLISH")
	} else {
		snap.Trend = "BEARISH"
		signals = append(signals, "TREND_BEARISH")
	}
	snap.Signals = signals

	bullish, bearish := 0, 0
	for _, sig := range signals {
		switch sig {
		case "RSI_OVERSOLD", "MACD_BULLISH", "BB_OVERSOLD", "TREND_BULLISH":
			bullish++
		case "RSI_OVERBOUGHT", "MACD_BEARISH", "BB_OVERBOUGHT", "TREND_BEARISH":
			bearish++
		}
	}

	switch {
	case bullish > bearish:
		snap.Summary = "BUY"
		snap.Strength = bullish
		snap.Certainty = math.Min(float64(bullish)*0.2, 0.8)
	case bearish > bullish:
		snap.Summary = "SELL"
		snap.Strength = bearish
		snap.Certainty = math.Min(float64(bearish)*0.2, 0.8)
	default:
		snap.Summary = "HOLD"
		snap.Strength = bullish
		snap.Certainty = 0.5
	}

	return snap, nil
}
