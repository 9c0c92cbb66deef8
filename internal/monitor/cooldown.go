package monitor

import (
	"sync"
	"time"
)

// CooldownScope selects how trigger timestamps are bucketed.
type CooldownScope string

const (
	// ScopePerSymbol rate-limits evaluations independently per symbol.
	ScopePerSymbol CooldownScope = "per_symbol"
	// ScopeGlobal shares a single cooldown window across all symbols.
	ScopeGlobal CooldownScope = "global"
)

const globalKey = "*"

// CooldownGate prevents a second evaluation for a symbol within the
// configured window of the previous one. It is the sole concurrency-
// correctness mechanism in the control loop: Allow records the trigger time
// before the caller dispatches, so a slow evaluation cannot let a second
// trigger for the same symbol through.
type CooldownGate struct {
	window time.Duration
	scope  CooldownScope

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldownGate creates a gate with the given window and scope.
func NewCooldownGate(window time.Duration, scope CooldownScope) *CooldownGate {
	if scope != ScopeGlobal {
		scope = ScopePerSymbol
	}
	return &CooldownGate{
		window: window,
		scope:  scope,
		last:   make(map[string]time.Time),
	}
}

func (g *CooldownGate) key(symbol string) string {
	if g.scope == ScopeGlobal {
		return globalKey
	}
	return symbol
}

// Allow reports whether a trigger for symbol at time now may be dispatched.
// When allowed, the trigger time is recorded atomically with the check; when
// denied, the remaining wait is returned for logging.
func (g *CooldownGate) Allow(symbol string, now time.Time) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := g.key(symbol)
	if prev, ok := g.last[k]; ok {
		if elapsed := now.Sub(prev); elapsed < g.window {
			return false, g.window - elapsed
		}
	}
	g.last[k] = now
	return true, 0
}

// Seed primes the gate with a trigger timestamp restored from durable
// storage, so cooldowns survive a process restart. Older timestamps never
// overwrite newer ones.
func (g *CooldownGate) Seed(symbol string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := g.key(symbol)
	if prev, ok := g.last[k]; ok && prev.After(at) {
		return
	}
	g.last[k] = at
}

// Window returns the configured cooldown window.
func (g *CooldownGate) Window() time.Duration { return g.window }
