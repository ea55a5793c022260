package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grid-trading-bot/internal/events"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/logging"
)

// ConditionType selects how a conditional order's trigger is evaluated.
type ConditionType string

const (
	ConditionPriceAbove     ConditionType = "price_above"
	ConditionPriceBelow     ConditionType = "price_below"
	ConditionIndicatorAbove ConditionType = "indicator_above"
	ConditionIndicatorBelow ConditionType = "indicator_below"
	ConditionVolumeSpike    ConditionType = "volume_spike"
)

// Condition is the trigger of a conditional order. Threshold is a price for
// the price conditions, an indicator value for the indicator conditions,
// and a multiple of average volume for volume spikes. Indicator names the
// series for the indicator conditions.
type Condition struct {
	Type      ConditionType `json:"type"`
	Threshold float64       `json:"threshold"`
	Indicator string        `json:"indicator,omitempty"`
}

// MarketSnapshot carries the inputs a condition is evaluated against.
type MarketSnapshot struct {
	Price      float64
	Indicators map[string]float64
	Volume     float64
	AvgVolume  float64
}

// Met evaluates the condition against a snapshot. Indicator conditions are
// not met when the named indicator is absent from the snapshot.
func (c Condition) Met(snap MarketSnapshot) bool {
	switch c.Type {
	case ConditionPriceAbove:
		return snap.Price > c.Threshold
	case ConditionPriceBelow:
		return snap.Price > 0 && snap.Price < c.Threshold
	case ConditionIndicatorAbove:
		v, ok := snap.Indicators[c.Indicator]
		return ok && v > c.Threshold
	case ConditionIndicatorBelow:
		v, ok := snap.Indicators[c.Indicator]
		return ok && v < c.Threshold
	case ConditionVolumeSpike:
		return snap.AvgVolume > 0 && snap.Volume >= snap.AvgVolume*c.Threshold
	default:
		return false
	}
}

// ConditionalOrder is an order armed to fire when its condition is met.
type ConditionalOrder struct {
	ID        string             `json:"id"`
	Symbol    string             `json:"symbol"`
	Side      exchange.OrderSide `json:"side"`
	Quantity  float64            `json:"quantity"`
	Condition Condition          `json:"condition"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"` // zero means never
}

// Expired reports whether the order has passed its expiry.
func (o *ConditionalOrder) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// TriggerFunc executes a fired conditional order.
type TriggerFunc func(order ConditionalOrder)

// ConditionalOrderBook holds armed conditional orders for one symbol set
// and fires them as snapshots arrive.
type ConditionalOrderBook struct {
	mu      sync.Mutex
	orders  map[string]*ConditionalOrder
	trigger TriggerFunc
	events  *events.EventBus
	log     zerolog.Logger
}

// NewConditionalOrderBook builds an order book. trigger runs for each fired
// order; bus may be nil.
func NewConditionalOrderBook(trigger TriggerFunc, bus *events.EventBus) *ConditionalOrderBook {
	return &ConditionalOrderBook{
		orders:  make(map[string]*ConditionalOrder),
		trigger: trigger,
		events:  bus,
		log:     logging.For("conditional"),
	}
}

// Add arms a conditional order and returns its ID.
func (b *ConditionalOrderBook) Add(symbol string, side exchange.OrderSide, quantity float64, cond Condition, ttl time.Duration) (string, error) {
	switch cond.Type {
	case ConditionPriceAbove, ConditionPriceBelow, ConditionVolumeSpike:
	case ConditionIndicatorAbove, ConditionIndicatorBelow:
		if cond.Indicator == "" {
			return "", fmt.Errorf("conditional order on %s: indicator condition needs an indicator name", symbol)
		}
	default:
		return "", fmt.Errorf("conditional order on %s: unknown condition type %q", symbol, cond.Type)
	}
	if quantity <= 0 {
		return "", fmt.Errorf("conditional order on %s: non-positive quantity %.8f", symbol, quantity)
	}

	o := &ConditionalOrder{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Quantity:  quantity,
		Condition: cond,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		o.ExpiresAt = o.CreatedAt.Add(ttl)
	}

	b.mu.Lock()
	b.orders[o.ID] = o
	b.mu.Unlock()

	b.log.Info().
		Str("id", o.ID).
		Str("symbol", symbol).
		Str("condition", string(cond.Type)).
		Float64("threshold", cond.Threshold).
		Msg("conditional order armed")
	return o.ID, nil
}

// Cancel disarms an order. Returns false when the ID is unknown.
func (b *ConditionalOrderBook) Cancel(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[id]; !ok {
		return false
	}
	delete(b.orders, id)
	return true
}

// Pending returns armed orders for a symbol, all symbols when empty.
func (b *ConditionalOrderBook) Pending(symbol string) []ConditionalOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ConditionalOrder
	for _, o := range b.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// Symbols returns the distinct symbols with armed orders.
func (b *ConditionalOrderBook) Symbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, o := range b.orders {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			out = append(out, o.Symbol)
		}
	}
	return out
}

// Evaluate checks every armed order for symbol against the snapshot.
// Expired orders are dropped, met orders fire once and are removed.
func (b *ConditionalOrderBook) Evaluate(symbol string, snap MarketSnapshot) {
	now := time.Now()

	var fired []ConditionalOrder

	b.mu.Lock()
	for id, o := range b.orders {
		if o.Symbol != symbol {
			continue
		}
		if o.Expired(now) {
			delete(b.orders, id)
			b.log.Info().Str("id", id).Str("symbol", symbol).Msg("conditional order expired")
			if b.events != nil {
				b.events.Publish(events.Event{
					Type: events.EventConditionalExpired,
					Data: map[string]interface{}{"id": id, "symbol": symbol},
				})
			}
			continue
		}
		if o.Condition.Met(snap) {
			delete(b.orders, id)
			fired = append(fired, *o)
		}
	}
	b.mu.Unlock()

	for _, o := range fired {
		b.log.Info().
			Str("id", o.ID).
			Str("symbol", o.Symbol).
			Str("condition", string(o.Condition.Type)).
			Float64("price", snap.Price).
			Msg("conditional order triggered")
		if b.events != nil {
			b.events.Publish(events.Event{
				Type: events.EventConditionalTriggered,
				Data: map[string]interface{}{
					"id":     o.ID,
					"symbol": o.Symbol,
					"price":  snap.Price,
				},
			})
		}
		if b.trigger != nil {
			b.trigger(o)
		}
	}
}
