package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderPlaced          EventType = "ORDER_PLACED"
	EventOrderFilled          EventType = "ORDER_FILLED"
	EventOrderCancelled       EventType = "ORDER_CANCELLED"
	EventGridInitialized      EventType = "GRID_INITIALIZED"
	EventGridLevelRearmed     EventType = "GRID_LEVEL_REARMED"
	EventGridRespaced         EventType = "GRID_RESPACED"
	EventPositionClosed       EventType = "POSITION_CLOSED"
	EventRiskTriggerFired     EventType = "RISK_TRIGGER_FIRED"
	EventTrailingStopMoved    EventType = "TRAILING_STOP_MOVED"
	EventConditionalTriggered EventType = "CONDITIONAL_TRIGGERED"
	EventConditionalExpired   EventType = "CONDITIONAL_EXPIRED"
	EventWorkerStarted        EventType = "WORKER_STARTED"
	EventWorkerStopped        EventType = "WORKER_STOPPED"
	EventWorkerRestarted      EventType = "WORKER_RESTARTED"
	EventWorkerRotated        EventType = "WORKER_ROTATED"
	EventCapitalRejected      EventType = "CAPITAL_REJECTED"
	EventRecoveryStarted      EventType = "RECOVERY_STARTED"
	EventError                EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their own
// goroutines so a slow consumer never blocks the publisher.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(orderID int64, symbol, orderType, side string, price, quantity float64) {
	eb.Publish(Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{
			"order_id":   orderID,
			"symbol":     symbol,
			"order_type": orderType,
			"side":       side,
			"price":      price,
			"quantity":   quantity,
		},
	})
}

// PublishOrderFilled publishes an order filled event
func (eb *EventBus) PublishOrderFilled(orderID int64, symbol, side string, price, quantity, realizedPnL float64) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"order_id":     orderID,
			"symbol":       symbol,
			"side":         side,
			"price":        price,
			"quantity":     quantity,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishRiskTrigger publishes a risk trigger event (stop loss, take profit
// or trailing stop firing)
func (eb *EventBus) PublishRiskTrigger(symbol, trigger string, triggerPrice, pnl float64) {
	eb.Publish(Event{
		Type: EventRiskTriggerFired,
		Data: map[string]interface{}{
			"symbol":        symbol,
			"trigger":       trigger,
			"trigger_price": triggerPrice,
			"pnl":           pnl,
		},
	})
}

// PublishTrailingStopMoved publishes a trailing stop advance
func (eb *EventBus) PublishTrailingStopMoved(symbol string, oldStop, newStop, watermark float64) {
	eb.Publish(Event{
		Type: EventTrailingStopMoved,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"old_stop":  oldStop,
			"new_stop":  newStop,
			"watermark": watermark,
		},
	})
}

// PublishWorkerEvent publishes a worker lifecycle event
func (eb *EventBus) PublishWorkerEvent(eventType EventType, symbol, reason string) {
	eb.Publish(Event{
		Type: eventType,
		Data: map[string]interface{}{
			"symbol": symbol,
			"reason": reason,
		},
	})
}

// PublishCapitalRejected publishes a capital reservation rejection
func (eb *EventBus) PublishCapitalRejected(symbol, reason string, requested float64) {
	eb.Publish(Event{
		Type: EventCapitalRejected,
		Data: map[string]interface{}{
			"symbol":    symbol,
			"reason":    reason,
			"requested": requested,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
