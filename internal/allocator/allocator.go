package allocator

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/events"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/logging"
)

// Reservation is a capital grant held by one trading pair. Release it
// exactly once when the pair shuts down; repeated releases are ignored.
type Reservation struct {
	Symbol   string
	Market   exchange.MarketType
	Amount   float64
	Recovery bool

	released bool
}

// Allocator hands out bounded slices of account capital to trading pairs.
// Checks apply in order: safety buffer, per-market cap, per-pair cap,
// minimum notional floor. Recovery grants skip the floor but never the
// buffer.
type Allocator struct {
	mu sync.Mutex

	totalCapital float64
	reservations map[string]*Reservation
	marketUsed   map[exchange.MarketType]float64

	cfg    config.AllocatorConfig
	events *events.EventBus
	log    zerolog.Logger
}

// New builds an allocator over the given total capital in quote currency.
func New(cfg config.AllocatorConfig, totalCapital float64, bus *events.EventBus) *Allocator {
	return &Allocator{
		totalCapital: totalCapital,
		reservations: make(map[string]*Reservation),
		marketUsed:   make(map[exchange.MarketType]float64),
		cfg:          cfg,
		events:       bus,
		log:          logging.For("allocator"),
	}
}

// SetTotalCapital updates the capital base, typically after a balance
// refresh. Existing reservations are untouched.
func (a *Allocator) SetTotalCapital(total float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalCapital = total
}

// allocatable is total capital minus the safety buffer. Caller holds the
// mutex.
func (a *Allocator) allocatable() float64 {
	return a.totalCapital * (1 - a.cfg.SafetyBufferPercent/100)
}

func (a *Allocator) marketCap(market exchange.MarketType) float64 {
	pct := a.cfg.DerivativePercent
	if market == exchange.MarketSpot {
		pct = a.cfg.SpotPercent
	}
	return a.allocatable() * pct / 100
}

func (a *Allocator) reservedTotal() float64 {
	var sum float64
	for _, r := range a.reservations {
		sum += r.Amount
	}
	return sum
}

// PairCap returns the most a single pair may hold.
func (a *Allocator) PairCap() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocatable() * a.cfg.MaxPairPercent / 100
}

// Reserve grants up to requested capital for a pair, clamped by the
// per-pair cap. It fails when the pair already holds a grant, the full
// request would breach the safety buffer or market cap, or the clamped
// amount falls below the minimum notional floor.
func (a *Allocator) Reserve(symbol string, market exchange.MarketType, requested float64) (*Reservation, error) {
	return a.reserve(symbol, market, requested, false)
}

// ReserveRecovery grants the minimal recovery budget for a pair resuming an
// existing position. The minimum notional floor does not apply; the safety
// buffer still does.
func (a *Allocator) ReserveRecovery(symbol string, market exchange.MarketType) (*Reservation, error) {
	return a.reserve(symbol, market, a.cfg.RecoveryBudgetUSD, true)
}

func (a *Allocator) reserve(symbol string, market exchange.MarketType, requested float64, recovery bool) (*Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.reservations[symbol]; exists {
		return nil, fmt.Errorf("%w: %s already holds a reservation", exchange.ErrInsufficientCapital, symbol)
	}
	if requested <= 0 {
		return nil, fmt.Errorf("%w: non-positive request %.2f for %s", exchange.ErrInsufficientCapital, requested, symbol)
	}

	// Safety buffer: the full request, on top of everything already
	// reserved, must fit in the allocatable pool.
	if a.reservedTotal()+requested > a.allocatable() {
		a.reject(symbol, "safety_buffer", requested)
		return nil, fmt.Errorf("%w: request %.2f would breach the safety buffer for %s",
			exchange.ErrInsufficientCapital, requested, symbol)
	}

	// Per-market cap: the full request must fit under the market's share.
	// Clamping here would let a string of pairs nibble the cap to zero, so
	// an oversized request is rejected outright.
	if used := a.marketUsed[market]; used+requested > a.marketCap(market) {
		a.reject(symbol, "market_cap", requested)
		return nil, fmt.Errorf("%w: %s market cap reached for %s", exchange.ErrInsufficientCapital, market, symbol)
	}

	amount := requested

	// Per-pair cap bounds the grant rather than rejecting the request.
	if pairCap := a.allocatable() * a.cfg.MaxPairPercent / 100; amount > pairCap {
		amount = pairCap
	}
	if amount <= 0 {
		a.reject(symbol, "no_capital", requested)
		return nil, fmt.Errorf("%w: no allocatable capital for %s", exchange.ErrInsufficientCapital, symbol)
	}

	// Minimum notional floor. Recovery grants keep trading an existing
	// position and may run below it.
	if !recovery && amount < a.cfg.MinPerPairUSD {
		a.reject(symbol, "below_min_notional", requested)
		return nil, fmt.Errorf("%w: %.2f below minimum notional %.2f for %s",
			exchange.ErrInsufficientCapital, amount, a.cfg.MinPerPairUSD, symbol)
	}

	r := &Reservation{Symbol: symbol, Market: market, Amount: amount, Recovery: recovery}
	a.reservations[symbol] = r
	a.marketUsed[market] += amount

	a.log.Info().
		Str("symbol", symbol).
		Str("market", string(market)).
		Float64("requested", requested).
		Float64("granted", amount).
		Bool("recovery", recovery).
		Msg("capital reserved")
	return r, nil
}

func (a *Allocator) reject(symbol, reason string, requested float64) {
	a.log.Warn().
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("requested", requested).
		Msg("capital reservation rejected")
	if a.events != nil {
		a.events.PublishCapitalRejected(symbol, reason, requested)
	}
}

// Release returns a reservation to the pool. Safe to call more than once;
// only the first call has effect.
func (a *Allocator) Release(r *Reservation) {
	if r == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.released {
		return
	}
	r.released = true

	if cur, ok := a.reservations[r.Symbol]; ok && cur == r {
		delete(a.reservations, r.Symbol)
		a.marketUsed[r.Market] -= r.Amount
		if a.marketUsed[r.Market] < 0 {
			a.marketUsed[r.Market] = 0
		}
	}

	a.log.Info().Str("symbol", r.Symbol).Float64("amount", r.Amount).Msg("capital released")
}

// Snapshot reports the current allocation state for status endpoints.
type Snapshot struct {
	TotalCapital float64            `json:"total_capital"`
	Allocatable  float64            `json:"allocatable"`
	Reserved     float64            `json:"reserved"`
	Available    float64            `json:"available"`
	Pairs        map[string]float64 `json:"pairs"`
}

// Snapshot returns the allocation state.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	pairs := make(map[string]float64, len(a.reservations))
	for sym, r := range a.reservations {
		pairs[sym] = r.Amount
	}
	reserved := a.reservedTotal()
	return Snapshot{
		TotalCapital: a.totalCapital,
		Allocatable:  a.allocatable(),
		Reserved:     reserved,
		Available:    a.allocatable() - reserved,
		Pairs:        pairs,
	}
}
