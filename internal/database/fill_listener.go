package database

import (
	"context"
	"time"

	"grid-trading-bot/internal/events"
	"grid-trading-bot/internal/logging"
)

// ListenFills subscribes the repository to order fill events so every
// grid fill ends up in the grid_fills table. Persistence failures are
// logged and dropped; trading never blocks on the database.
func (r *Repository) ListenFills(bus *events.EventBus) {
	log := logging.For("database")

	bus.Subscribe(events.EventOrderFilled, func(ev events.Event) {
		f := &GridFill{
			Symbol:      asString(ev.Data["symbol"]),
			Side:        asString(ev.Data["side"]),
			Price:       asFloat(ev.Data["price"]),
			Quantity:    asFloat(ev.Data["quantity"]),
			RealizedPnL: asFloat(ev.Data["realized_pnl"]),
			OrderID:     asInt64(ev.Data["order_id"]),
			FilledAt:    ev.Timestamp,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.SaveFill(ctx, f); err != nil {
			log.Warn().Err(err).Str("symbol", f.Symbol).Msg("persisting fill failed")
		}
	})
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}
