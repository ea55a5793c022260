package selector

import (
	"context"
	"math"
	"testing"

	"grid-trading-bot/internal/exchange"
)

func TestVolatilityMultiplierFromCandles(t *testing.T) {
	mock := exchange.NewMockClient(0)

	// Flat candles with a constant 1.0 true range on a 100 close, ATR
	// fraction 0.01 equals the baseline, giving multiplier 1.0.
	var klines []exchange.Kline
	for i := 0; i < 25; i++ {
		klines = append(klines, exchange.Kline{
			Open: 100, High: 100.5, Low: 99.5, Close: 100,
		})
	}
	mock.SetKlines("BTCUSDT", klines)

	ind := NewATRIndicators(mock, "1h", 24, 0.01)
	got := ind.VolatilityMultiplier(context.Background(), "BTCUSDT")
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("expected multiplier 1.0, got %.6f", got)
	}
}

func TestVolatilityMultiplierScalesWithRange(t *testing.T) {
	mock := exchange.NewMockClient(0)

	// Doubled range doubles the multiplier.
	var klines []exchange.Kline
	for i := 0; i < 25; i++ {
		klines = append(klines, exchange.Kline{
			Open: 100, High: 101, Low: 99, Close: 100,
		})
	}
	mock.SetKlines("BTCUSDT", klines)

	ind := NewATRIndicators(mock, "1h", 24, 0.01)
	got := ind.VolatilityMultiplier(context.Background(), "BTCUSDT")
	if math.Abs(got-2.0) > 1e-9 {
		t.Errorf("expected multiplier 2.0, got %.6f", got)
	}
}

func TestVolatilityNeutralWithoutData(t *testing.T) {
	mock := exchange.NewMockClient(0)
	ind := NewATRIndicators(mock, "1h", 24, 0.01)

	if got := ind.VolatilityMultiplier(context.Background(), "UNKNOWN"); got != 1.0 {
		t.Errorf("expected neutral 1.0 without candles, got %.4f", got)
	}
}

func TestRankOrdersByLiquidity(t *testing.T) {
	mock := exchange.NewMockClient(0)
	mock.SetPrice("BTCUSDT", 100)
	mock.SetPrice("ETHUSDT", 50)
	mock.SetPrice("DOGEUSDT", 0.1)

	// MockClient reports equal volume for all pairs; use a sentiment
	// source to break the tie deterministically.
	scores := map[string]float64{"BTCUSDT": 0.5, "ETHUSDT": 0.1, "DOGEUSDT": -0.5}
	sel := New(mock, StaticCandidates{Pairs: []string{"DOGEUSDT", "BTCUSDT", "ETHUSDT"}}, sentimentMap(scores))

	ranked, err := sel.Rank(context.Background(), 2)
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected top 2, got %d", len(ranked))
	}
	if ranked[0].Symbol != "BTCUSDT" || ranked[1].Symbol != "ETHUSDT" {
		t.Errorf("unexpected order: %s, %s", ranked[0].Symbol, ranked[1].Symbol)
	}
}

type sentimentMap map[string]float64

func (s sentimentMap) Score(_ context.Context, symbol string) float64 { return s[symbol] }
