package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldownGateBlocksWithinWindow(t *testing.T) {
	g := NewCooldownGate(3*time.Hour, ScopePerSymbol)
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ok, _ := g.Allow("ETHUSDT", t0)
	assert.True(t, ok)

	// Second trigger 10 minutes later is dropped.
	ok, wait := g.Allow("ETHUSDT", t0.Add(10*time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 2*time.Hour+50*time.Minute, wait)

	// Other symbols are unaffected in per-symbol scope.
	ok, _ = g.Allow("BTCUSDT", t0.Add(10*time.Minute))
	assert.True(t, ok)

	// After the window elapses the symbol may trigger again.
	ok, _ = g.Allow("ETHUSDT", t0.Add(3*time.Hour+time.Second))
	assert.True(t, ok)
}

func TestCooldownGateGlobalScope(t *testing.T) {
	g := NewCooldownGate(time.Hour, ScopeGlobal)
	t0 := time.Now()

	ok, _ := g.Allow("ETHUSDT", t0)
	assert.True(t, ok)

	// Any other symbol shares the window.
	ok, _ = g.Allow("BTCUSDT", t0.Add(time.Minute))
	assert.False(t, ok)
}

func TestCooldownGateSeed(t *testing.T) {
	g := NewCooldownGate(3*time.Hour, ScopePerSymbol)
	t0 := time.Now()

	g.Seed("ETHUSDT", t0.Add(-time.Hour))

	ok, wait := g.Allow("ETHUSDT", t0)
	assert.False(t, ok)
	assert.InDelta(t, float64(2*time.Hour), float64(wait), float64(time.Second))

	// Seeding an older timestamp never rolls the gate backwards.
	g.Seed("ETHUSDT", t0.Add(-2*time.Hour))
	ok, _ = g.Allow("ETHUSDT", t0)
	assert.False(t, ok)
}
