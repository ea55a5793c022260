package notification

import (
	"fmt"

	"grid-trading-bot/internal/events"
)

// ListenEvents wires the manager to the event bus so trading activity
// turns into alerts without the trading code knowing about providers.
func (m *Manager) ListenEvents(bus *events.EventBus) {
	bus.Subscribe(events.EventOrderFilled, func(ev events.Event) {
		m.SendFill(
			str(ev.Data["symbol"]),
			str(ev.Data["side"]),
			num(ev.Data["price"]),
			num(ev.Data["quantity"]),
			num(ev.Data["realized_pnl"]),
		)
	})

	bus.Subscribe(events.EventRiskTriggerFired, func(ev events.Event) {
		m.SendRiskTrigger(
			str(ev.Data["symbol"]),
			str(ev.Data["trigger"]),
			num(ev.Data["trigger_price"]),
			num(ev.Data["pnl"]),
		)
	})

	for _, t := range []events.EventType{
		events.EventWorkerStarted,
		events.EventWorkerStopped,
		events.EventWorkerRestarted,
		events.EventWorkerRotated,
		events.EventRecoveryStarted,
	} {
		eventType := t
		bus.Subscribe(eventType, func(ev events.Event) {
			m.SendWorkerEvent(string(eventType), str(ev.Data["symbol"]), str(ev.Data["reason"]))
		})
	}

	bus.Subscribe(events.EventCapitalRejected, func(ev events.Event) {
		m.Send(&Notification{
			Type:    NotifyCapital,
			Title:   fmt.Sprintf("Capital rejected: %s", str(ev.Data["symbol"])),
			Message: fmt.Sprintf("%s (requested %.2f)", str(ev.Data["reason"]), num(ev.Data["requested"])),
			Symbol:  str(ev.Data["symbol"]),
		})
	})

	bus.Subscribe(events.EventError, func(ev events.Event) {
		msg := str(ev.Data["message"])
		if e := str(ev.Data["error"]); e != "" {
			msg += ": " + e
		}
		m.SendError(str(ev.Data["source"]), msg)
	})
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func num(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
