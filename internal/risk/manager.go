package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/events"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/logging"
)

// TriggerReason names which control fired.
type TriggerReason string

const (
	TriggerStopLoss     TriggerReason = "stop_loss"
	TriggerTakeProfit   TriggerReason = "take_profit"
	TriggerTrailingStop TriggerReason = "trailing_stop"
)

// Trigger instructs the caller to flatten a position.
type Trigger struct {
	Symbol       string
	Reason       TriggerReason
	TriggerPrice float64
	EntryPrice   float64
	PnLPercent   float64
}

// trackedPosition is the manager's view of one open position.
type trackedPosition struct {
	symbol     string
	side       exchange.OrderSide
	entryPrice float64
	quantity   float64
	stopLoss   float64
	takeProfit float64
	openedAt   time.Time
}

// Manager enforces stop loss, take profit and trailing stop on every open
// position. Callers feed prices through CheckPrice and close positions when
// a Trigger comes back. A fired trigger is fatal to the position; the
// caller must not retry it back to life.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*trackedPosition

	cfg      config.RiskConfig
	trailing *TrailingStopManager
	events   *events.EventBus
	log      zerolog.Logger
}

// NewManager builds a risk manager. bus may be nil.
func NewManager(cfg config.RiskConfig, bus *events.EventBus) *Manager {
	return &Manager{
		positions: make(map[string]*trackedPosition),
		cfg:       cfg,
		trailing:  NewTrailingStopManager(cfg),
		events:    bus,
		log:       logging.For("risk"),
	}
}

// Trailing exposes the trailing stop manager for status reporting.
func (m *Manager) Trailing() *TrailingStopManager { return m.trailing }

// TrackPosition registers an open position. Long positions get a stop
// below and target above the entry; shorts the reverse.
func (m *Manager) TrackPosition(symbol string, side exchange.OrderSide, entryPrice, quantity float64) {
	var stopLoss, takeProfit float64
	if side == exchange.SideBuy {
		stopLoss = entryPrice * (1 - m.cfg.StopLossPercent/100)
		takeProfit = entryPrice * (1 + m.cfg.TakeProfitPercent/100)
	} else {
		stopLoss = entryPrice * (1 + m.cfg.StopLossPercent/100)
		takeProfit = entryPrice * (1 - m.cfg.TakeProfitPercent/100)
	}

	m.mu.Lock()
	m.positions[symbol] = &trackedPosition{
		symbol:     symbol,
		side:       side,
		entryPrice: entryPrice,
		quantity:   quantity,
		stopLoss:   stopLoss,
		takeProfit: takeProfit,
		openedAt:   time.Now(),
	}
	m.mu.Unlock()

	if m.cfg.UseTrailingStop {
		m.trailing.AddPosition(symbol, side, entryPrice, stopLoss)
	}

	m.log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("entry", entryPrice).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Msg("position tracked")
}

// Untrack forgets a position, typically after the caller closed it.
func (m *Manager) Untrack(symbol string) {
	m.mu.Lock()
	delete(m.positions, symbol)
	m.mu.Unlock()
	m.trailing.RemovePosition(symbol)
}

// CheckPrice evaluates the controls for symbol at currentPrice. leverage is
// the live position's leverage: the stop loss and take profit percentages
// apply to return on margin, so a levered position trips them on a
// proportionally smaller price move. Returns a Trigger when the position
// must be closed, nil otherwise.
func (m *Manager) CheckPrice(symbol string, currentPrice float64, leverage int) *Trigger {
	m.mu.RLock()
	pos, ok := m.positions[symbol]
	m.mu.RUnlock()
	if !ok || currentPrice <= 0 {
		return nil
	}
	if leverage < 1 {
		leverage = 1
	}

	movePercent := (currentPrice - pos.entryPrice) / pos.entryPrice * 100
	if pos.side == exchange.SideSell {
		movePercent = -movePercent
	}
	pnlPercent := movePercent * float64(leverage)

	// Trailing stop first: once armed it supersedes the static stop. It
	// trails the price itself, so leverage does not move its levels.
	if m.cfg.UseTrailingStop {
		if update := m.trailing.UpdatePrice(symbol, currentPrice); update != nil {
			if update.IsTriggered {
				return m.fire(pos, TriggerTrailingStop, currentPrice, pnlPercent)
			}
			if m.events != nil {
				m.events.PublishTrailingStopMoved(symbol, update.OldStopLoss, update.NewStopLoss, currentPrice)
			}
		}
	} else if pnlPercent <= -m.cfg.StopLossPercent {
		return m.fire(pos, TriggerStopLoss, currentPrice, pnlPercent)
	}

	if pnlPercent >= m.cfg.TakeProfitPercent {
		return m.fire(pos, TriggerTakeProfit, currentPrice, pnlPercent)
	}

	return nil
}

func (m *Manager) fire(pos *trackedPosition, reason TriggerReason, price, pnlPercent float64) *Trigger {
	m.log.Warn().
		Str("symbol", pos.symbol).
		Str("reason", string(reason)).
		Float64("price", price).
		Float64("pnl_pct", pnlPercent).
		Msg("risk trigger fired")

	if m.events != nil {
		m.events.PublishRiskTrigger(pos.symbol, string(reason), price, pnlPercent)
	}
	return &Trigger{
		Symbol:       pos.symbol,
		Reason:       reason,
		TriggerPrice: price,
		EntryPrice:   pos.entryPrice,
		PnLPercent:   pnlPercent,
	}
}

// Tracked reports whether a position is under management.
func (m *Manager) Tracked(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.positions[symbol]
	return ok
}
