package risk

import (
	"testing"
	"time"

	"grid-trading-bot/internal/exchange"
)

func TestConditionEvaluation(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
		snap MarketSnapshot
		want bool
	}{
		{"price above met", Condition{Type: ConditionPriceAbove, Threshold: 100}, MarketSnapshot{Price: 101}, true},
		{"price above not met", Condition{Type: ConditionPriceAbove, Threshold: 100}, MarketSnapshot{Price: 100}, false},
		{"price below met", Condition{Type: ConditionPriceBelow, Threshold: 100}, MarketSnapshot{Price: 99}, true},
		{"price below zero price", Condition{Type: ConditionPriceBelow, Threshold: 100}, MarketSnapshot{Price: 0}, false},
		{"indicator above met", Condition{Type: ConditionIndicatorAbove, Threshold: 70, Indicator: "rsi"},
			MarketSnapshot{Indicators: map[string]float64{"rsi": 75}}, true},
		{"indicator above missing", Condition{Type: ConditionIndicatorAbove, Threshold: 70, Indicator: "rsi"},
			MarketSnapshot{Indicators: map[string]float64{}}, false},
		{"indicator below met", Condition{Type: ConditionIndicatorBelow, Threshold: 30, Indicator: "rsi"},
			MarketSnapshot{Indicators: map[string]float64{"rsi": 25}}, true},
		{"volume spike met", Condition{Type: ConditionVolumeSpike, Threshold: 3},
			MarketSnapshot{Volume: 3000, AvgVolume: 1000}, true},
		{"volume spike below multiple", Condition{Type: ConditionVolumeSpike, Threshold: 3},
			MarketSnapshot{Volume: 2000, AvgVolume: 1000}, false},
		{"volume spike no baseline", Condition{Type: ConditionVolumeSpike, Threshold: 3},
			MarketSnapshot{Volume: 2000, AvgVolume: 0}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cond.Met(tc.snap); got != tc.want {
				t.Errorf("Met() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConditionalOrderFiresOnce(t *testing.T) {
	var fired []ConditionalOrder
	book := NewConditionalOrderBook(func(o ConditionalOrder) {
		fired = append(fired, o)
	}, nil)

	id, err := book.Add("BTCUSDT", exchange.SideBuy, 0.5,
		Condition{Type: ConditionPriceBelow, Threshold: 95000}, 0)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	book.Evaluate("BTCUSDT", MarketSnapshot{Price: 96000})
	if len(fired) != 0 {
		t.Fatal("order fired before its condition was met")
	}

	book.Evaluate("BTCUSDT", MarketSnapshot{Price: 94000})
	if len(fired) != 1 {
		t.Fatalf("expected one firing, got %d", len(fired))
	}
	if fired[0].ID != id {
		t.Errorf("fired wrong order: %s", fired[0].ID)
	}

	// Fired orders are disarmed.
	book.Evaluate("BTCUSDT", MarketSnapshot{Price: 93000})
	if len(fired) != 1 {
		t.Errorf("order fired twice, got %d firings", len(fired))
	}
}

func TestConditionalOrderExpiry(t *testing.T) {
	var fired int
	book := NewConditionalOrderBook(func(ConditionalOrder) { fired++ }, nil)

	id, err := book.Add("BTCUSDT", exchange.SideBuy, 1,
		Condition{Type: ConditionPriceAbove, Threshold: 100}, time.Millisecond)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	// Condition is met but the order is already expired.
	book.Evaluate("BTCUSDT", MarketSnapshot{Price: 200})
	if fired != 0 {
		t.Error("expired order fired")
	}
	if book.Cancel(id) {
		t.Error("expired order should already be removed")
	}
}

func TestConditionalOrderValidation(t *testing.T) {
	book := NewConditionalOrderBook(nil, nil)

	if _, err := book.Add("BTCUSDT", exchange.SideBuy, 1,
		Condition{Type: ConditionIndicatorAbove, Threshold: 70}, 0); err == nil {
		t.Error("expected error for indicator condition without indicator name")
	}
	if _, err := book.Add("BTCUSDT", exchange.SideBuy, 1,
		Condition{Type: "bogus", Threshold: 1}, 0); err == nil {
		t.Error("expected error for unknown condition type")
	}
	if _, err := book.Add("BTCUSDT", exchange.SideBuy, 0,
		Condition{Type: ConditionPriceAbove, Threshold: 1}, 0); err == nil {
		t.Error("expected error for zero quantity")
	}
}

func TestConditionalOrdersScopedBySymbol(t *testing.T) {
	var fired []string
	book := NewConditionalOrderBook(func(o ConditionalOrder) {
		fired = append(fired, o.Symbol)
	}, nil)

	book.Add("BTCUSDT", exchange.SideBuy, 1, Condition{Type: ConditionPriceAbove, Threshold: 100}, 0)
	book.Add("ETHUSDT", exchange.SideBuy, 1, Condition{Type: ConditionPriceAbove, Threshold: 100}, 0)

	book.Evaluate("BTCUSDT", MarketSnapshot{Price: 150})

	if len(fired) != 1 || fired[0] != "BTCUSDT" {
		t.Errorf("expected only BTCUSDT to fire, got %v", fired)
	}
	if pending := book.Pending("ETHUSDT"); len(pending) != 1 {
		t.Errorf("expected ETHUSDT order still armed, got %d", len(pending))
	}
}
