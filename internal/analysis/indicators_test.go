package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/guardbot/internal/domain"
)

func TestRSI(t *testing.T) {
	// 15 straight gains: RSI saturates at 100.
	up := make([]float64, 16)
	for i := range up {
		up[i] = 100 + float64(i)
	}
	assert.Equal(t, 100.0, RSI(up, 14))

	// 15 straight losses: RSI at 0.
	down := make([]float64, 16)
	for i := range down {
		down[i] = 100 - float64(i)
	}
	assert.Equal(t, 0.0, RSI(down, 14))

	// Flat series has no signal.
	flat := []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5}
	assert.Equal(t, 50.0, RSI(flat, 14))

	// Too little data degrades to neutral.
	assert.Equal(t, 50.0, RSI([]float64{1, 2}, 14))
}

func TestSMAAndEMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 4.0, SMA(prices, 3))
	assert.Equal(t, 3.0, SMA(prices, 5))
	assert.Equal(t, 0.0, SMA(prices, 10))

	// EMA of a constant series is the constant.
	assert.Equal(t, 7.0, EMA([]float64{7, 7, 7, 7}, 3))
	// EMA leans toward recent prices more than the SMA does.
	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Greater(t, EMA(rising, 3), SMA(rising, 10))
}

func TestBollinger(t *testing.T) {
	// Constant series: zero width bands.
	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 50
	}
	upper, middle, lower := Bollinger(flat, 20, 2)
	assert.Equal(t, 50.0, middle)
	assert.Equal(t, 50.0, upper)
	assert.Equal(t, 50.0, lower)

	// Alternating series: bands symmetric around the mean.
	alt := make([]float64, 20)
	for i := range alt {
		if i%2 == 0 {
			alt[i] = 90
		} else {
			alt[i] = 110
		}
	}
	upper, middle, lower = Bollinger(alt, 20, 2)
	assert.Equal(t, 100.0, middle)
	assert.InDelta(t, upper-middle, middle-lower, 1e-9)
	assert.Greater(t, upper, middle)
}

func TestATR(t *testing.T) {
	candles := make([]domain.Candle, 15)
	for i := range candles {
		candles[i] = domain.Candle{Open: 100, High: 102, Low: 98, Close: 100}
	}
	// Every true range is high-low = 4.
	assert.Equal(t, 4.0, ATR(candles, 14))

	// A gap widens the true range beyond high-low.
	candles[14] = domain.Candle{Open: 110, High: 111, Low: 109, Close: 110}
	atr := ATR(candles, 14)
	assert.Greater(t, atr, 4.0)
}

func TestMACDCrossover(t *testing.T) {
	// A long flat run followed by a strong rally turns MACD above its signal.
	prices := make([]float64, 60)
	for i := range prices {
		prices[i] = 100
	}
	for i := 50; i < 60; i++ {
		prices[i] = 100 + float64(i-49)*2
	}
	macd, signal := MACD(prices, 12, 26, 9)
	assert.Greater(t, macd, signal)

	for i := 50; i < 60; i++ {
		prices[i] = 100 - float64(i-49)*2
	}
	macd, signal = MACD(prices, 12, 26, 9)
	assert.Less(t, macd, signal)
}

func testCandles(n int, closeFn func(i int) float64) []domain.Candle {
	candles := make([]domain.Candle, n)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := range candles {
		c := closeFn(i)
		candles[i] = domain.Candle{
			OpenTime: base.Add(time.Duration(i) * 15 * time.Minute),
			Open:     c,
			High:     c * 1.005,
			Low:      c * 0.995,
			Close:    c,
			Volume:   1000,
		}
	}
	return candles
}

func TestComputeBearishSnapshot(t *testing.T) {
	// Steady decline: bearish trend, low RSI, SELL summary.
	candles := testCandles(60, func(i int) float64 { return 200 - float64(i) })

	snap, err := Compute(candles)
	require.NoError(t, err)

	assert.Equal(t, "BEARISH", snap.Trend)
	assert.Less(t, snap.RSI14, 30.0)
	assert.Equal(t, "SELL", snap.Summary)
	assert.Contains(t, snap.Signals, "TREND_BEARISH")
	assert.Contains(t, snap.Signals, "MACD_BEARISH")
	assert.Greater(t, snap.ATR14, 0.0)
	assert.Less(t, snap.SMA20, snap.SMA50)
	assert.GreaterOrEqual(t, snap.Certainty, 0.2)
	assert.LessOrEqual(t, snap.Certainty, 0.8)
}

func TestComputeBullishSnapshot(t *testing.T) {
	candles := testCandles(60, func(i int) float64 { return 100 + float64(i) })

	snap, err := Compute(candles)
	require.NoError(t, err)

	assert.Equal(t, "BULLISH", snap.Trend)
	assert.Greater(t, snap.RSI14, 70.0)
	assert.Equal(t, "BUY", snap.Summary)
}

func TestComputeNeedsEnoughHistory(t *testing.T) {
	candles := testCandles(30, func(i int) float64 { return 100 })
	_, err := Compute(candles)
	require.Error(t, err)
}

func TestComputeFlatMarketHolds(t *testing.T) {
	candles := testCandles(60, func(i int) float64 { return 100 })

	snap, err := Compute(candles)
	require.NoError(t, err)

	// Flat closes: RSI 50, no band breach. MACD and trend resolve bearish by
	// tie-break, giving two bearish against zero bullish.
	assert.Equal(t, 50.0, snap.RSI14)
	assert.Equal(t, "SELL", snap.Summary)
	assert.False(t, math.IsNaN(snap.BBUpper))
}
