package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/logging"
)

// TrailingPosition tracks one position under a trailing stop.
type TrailingPosition struct {
	Symbol           string
	Side             exchange.OrderSide // BUY for long, SELL for short
	EntryPrice       float64
	CurrentStopLoss  float64
	OriginalStopLoss float64
	HighWaterMark    float64 // highest price since entry, longs
	LowWaterMark     float64 // lowest price since entry, shorts
	IsActivated      bool
	LastUpdate       time.Time
}

// StopUpdate reports a trailing stop movement or trigger.
type StopUpdate struct {
	Symbol       string
	OldStopLoss  float64
	NewStopLoss  float64
	IsTriggered  bool
	TriggerPrice float64
}

// TrailingStopManager moves stop losses in the trade's favor as price makes
// new highs (or lows for shorts). The stop arms once profit reaches the
// activation threshold and never retreats afterwards.
type TrailingStopManager struct {
	mu        sync.RWMutex
	positions map[string]*TrailingPosition
	cfg       config.RiskConfig
	log       zerolog.Logger
}

// NewTrailingStopManager creates a trailing stop manager.
func NewTrailingStopManager(cfg config.RiskConfig) *TrailingStopManager {
	return &TrailingStopManager{
		positions: make(map[string]*TrailingPosition),
		cfg:       cfg,
		log:       logging.For("trailing"),
	}
}

// AddPosition starts tracking a position.
func (tsm *TrailingStopManager) AddPosition(symbol string, side exchange.OrderSide, entryPrice, stopLoss float64) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	tsm.positions[symbol] = &TrailingPosition{
		Symbol:           symbol,
		Side:             side,
		EntryPrice:       entryPrice,
		CurrentStopLoss:  stopLoss,
		OriginalStopLoss: stopLoss,
		HighWaterMark:    entryPrice,
		LowWaterMark:     entryPrice,
		LastUpdate:       time.Now(),
	}

	tsm.log.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("entry", entryPrice).
		Float64("stop_loss", stopLoss).
		Msg("trailing position added")
}

// RemovePosition stops tracking a position.
func (tsm *TrailingStopManager) RemovePosition(symbol string) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	delete(tsm.positions, symbol)
}

// trailFraction returns the trail distance as a fraction of price, clamped
// to the configured bounds.
func (tsm *TrailingStopManager) trailFraction() float64 {
	frac := tsm.cfg.TrailingStopPercent / 100
	if frac < tsm.cfg.MinTrailDistance {
		frac = tsm.cfg.MinTrailDistance
	}
	if frac > tsm.cfg.MaxTrailDistance {
		frac = tsm.cfg.MaxTrailDistance
	}
	return frac
}

// UpdatePrice feeds a new price for symbol. Returns a StopUpdate when the
// stop moved or triggered, nil otherwise.
func (tsm *TrailingStopManager) UpdatePrice(symbol string, currentPrice float64) *StopUpdate {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	pos, exists := tsm.positions[symbol]
	if !exists {
		return nil
	}

	var update *StopUpdate
	if pos.Side == exchange.SideBuy {
		update = tsm.updateLong(pos, currentPrice)
	} else {
		update = tsm.updateShort(pos, currentPrice)
	}
	pos.LastUpdate = time.Now()
	return update
}

func (tsm *TrailingStopManager) updateLong(pos *TrailingPosition, currentPrice float64) *StopUpdate {
	if pos.CurrentStopLoss > 0 && currentPrice <= pos.CurrentStopLoss {
		return &StopUpdate{
			Symbol:       pos.Symbol,
			OldStopLoss:  pos.CurrentStopLoss,
			NewStopLoss:  pos.CurrentStopLoss,
			IsTriggered:  true,
			TriggerPrice: currentPrice,
		}
	}

	if currentPrice > pos.HighWaterMark {
		pos.HighWaterMark = currentPrice
	}

	profitPercent := (currentPrice - pos.EntryPrice) / pos.EntryPrice * 100
	if !pos.IsActivated && profitPercent >= tsm.cfg.TrailingStopActivation {
		pos.IsActivated = true
		tsm.log.Info().
			Str("symbol", pos.Symbol).
			Float64("profit_pct", profitPercent).
			Msg("trailing stop armed")
	}

	if pos.IsActivated && tsm.cfg.UseTrailingStop {
		newStop := pos.HighWaterMark * (1 - tsm.trailFraction())

		// The stop only advances, never retreats.
		if newStop > pos.CurrentStopLoss {
			oldStop := pos.CurrentStopLoss
			pos.CurrentStopLoss = newStop
			tsm.log.Debug().
				Str("symbol", pos.Symbol).
				Float64("old_stop", oldStop).
				Float64("new_stop", newStop).
				Float64("watermark", pos.HighWaterMark).
				Msg("trailing stop advanced")
			return &StopUpdate{
				Symbol:      pos.Symbol,
				OldStopLoss: oldStop,
				NewStopLoss: newStop,
			}
		}
	}

	return nil
}

func (tsm *TrailingStopManager) updateShort(pos *TrailingPosition, currentPrice float64) *StopUpdate {
	if pos.CurrentStopLoss > 0 && currentPrice >= pos.CurrentStopLoss {
		return &StopUpdate{
			Symbol:       pos.Symbol,
			OldStopLoss:  pos.CurrentStopLoss,
			NewStopLoss:  pos.CurrentStopLoss,
			IsTriggered:  true,
			TriggerPrice: currentPrice,
		}
	}

	if currentPrice < pos.LowWaterMark {
		pos.LowWaterMark = currentPrice
	}

	profitPercent := (pos.EntryPrice - currentPrice) / pos.EntryPrice * 100
	if !pos.IsActivated && profitPercent >= tsm.cfg.TrailingStopActivation {
		pos.IsActivated = true
		tsm.log.Info().
			Str("symbol", pos.Symbol).
			Float64("profit_pct", profitPercent).
			Msg("trailing stop armed on short")
	}

	if pos.IsActivated && tsm.cfg.UseTrailingStop {
		newStop := pos.LowWaterMark * (1 + tsm.trailFraction())

		if pos.CurrentStopLoss == 0 || newStop < pos.CurrentStopLoss {
			oldStop := pos.CurrentStopLoss
			pos.CurrentStopLoss = newStop
			tsm.log.Debug().
				Str("symbol", pos.Symbol).
				Float64("old_stop", oldStop).
				Float64("new_stop", newStop).
				Float64("watermark", pos.LowWaterMark).
				Msg("trailing stop advanced on short")
			return &StopUpdate{
				Symbol:      pos.Symbol,
				OldStopLoss: oldStop,
				NewStopLoss: newStop,
			}
		}
	}

	return nil
}

// GetPosition returns a copy of the tracked position, or nil.
func (tsm *TrailingStopManager) GetPosition(symbol string) *TrailingPosition {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	pos, exists := tsm.positions[symbol]
	if !exists {
		return nil
	}
	cp := *pos
	return &cp
}

// GetCurrentStopLoss returns the live stop for a symbol.
func (tsm *TrailingStopManager) GetCurrentStopLoss(symbol string) (float64, bool) {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	if pos, exists := tsm.positions[symbol]; exists {
		return pos.CurrentStopLoss, true
	}
	return 0, false
}
