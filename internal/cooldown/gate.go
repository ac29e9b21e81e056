// Package cooldown suppresses repeated signals for a symbol within a window.
package cooldown

import (
	"sync"
	"time"
)

// Gate remembers the last successful dispatch per symbol. Entries live for the
// lifetime of the process.
//
// Admit and MarkSent are separate calls and assume a single writer. Reads are
// safe from any goroutine.
type Gate struct {
	mu       sync.RWMutex
	duration time.Duration
	lastSent map[string]time.Time
}

// New returns an empty gate.
func New(duration time.Duration) *Gate {
	return &Gate{duration: duration, lastSent: make(map[string]time.Time)}
}

// Duration is the configured cooldown window.
func (g *Gate) Duration() time.Duration { return g.duration }

// Admit reports whether symbol may be dispatched at now. It does not mutate
// state.
func (g *Gate) Admit(symbol string, now time.Time) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.admitLocked(symbol, now)
}

// MarkSent records a confirmed successful dispatch.
func (g *Gate) MarkSent(symbol string, now time.Time) {
	g.mu.Lock()
	g.lastSent[symbol] = now
	g.mu.Unlock()
}

// LastSent returns the last successful dispatch time for symbol.
func (g *Gate) LastSent(symbol string) (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.lastSent[symbol]
	return t, ok
}

// Len is the number of symbols ever admitted.
func (g *Gate) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.lastSent)
}

func (g *Gate) admitLocked(symbol string, now time.Time) bool {
	last, ok := g.lastSent[symbol]
	if !ok {
		return true
	}
	return now.Sub(last) > g.duration
}
