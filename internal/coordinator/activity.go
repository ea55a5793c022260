package coordinator

import (
	"sync"
	"time"
)

// tradeRecord is one completed grid round trip.
type tradeRecord struct {
	at  time.Time
	pnl float64
}

// ActivityTracker keeps a bounded trade history per symbol so the
// coordinator can spot pairs that stopped producing trades or keep losing.
type ActivityTracker struct {
	mu      sync.Mutex
	trades  map[string][]tradeRecord
	maxKeep int
}

// NewActivityTracker builds a tracker keeping up to maxKeep trades per
// symbol.
func NewActivityTracker(maxKeep int) *ActivityTracker {
	if maxKeep <= 0 {
		maxKeep = 500
	}
	return &ActivityTracker{
		trades:  make(map[string][]tradeRecord),
		maxKeep: maxKeep,
	}
}

// Record books a completed trade with its realized PnL.
func (t *ActivityTracker) Record(symbol string, pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := append(t.trades[symbol], tradeRecord{at: time.Now(), pnl: pnl})
	if len(list) > t.maxKeep {
		list = list[len(list)-t.maxKeep:]
	}
	t.trades[symbol] = list
}

// TradesInWindow counts trades for symbol within the trailing window.
func (t *ActivityTracker) TradesInWindow(symbol string, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-window)
	n := 0
	for _, tr := range t.trades[symbol] {
		if tr.at.After(cutoff) {
			n++
		}
	}
	return n
}

// ConsecutiveLosses counts losing trades from the most recent backwards.
func (t *ActivityTracker) ConsecutiveLosses(symbol string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.trades[symbol]
	n := 0
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].pnl >= 0 {
			break
		}
		n++
	}
	return n
}

// Reset clears history for a symbol, used when a pair is rotated back in.
func (t *ActivityTracker) Reset(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.trades, symbol)
}
