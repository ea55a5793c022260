package risk

import (
	"context"
	"testing"

	"grid-trading-bot/internal/exchange"
)

func TestSnapshotCarriesIndicatorsAndVolume(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100)
	klines := make([]exchange.Kline, 24)
	for i := range klines {
		klines[i] = exchange.Kline{Close: 100, Volume: 1000}
	}
	klines[23].Volume = 4000 // last candle spikes against a ~1125 average
	mock.SetKlines("BTCUSDT", klines)

	source := NewSnapshotSource(mock, func(context.Context, string) float64 { return 2.5 }, "1h", 24)
	snap, err := source.Snapshot(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snap.Price != 100 {
		t.Errorf("Price = %v, want 100", snap.Price)
	}
	if v := snap.Indicators[IndicatorVolatility]; v != 2.5 {
		t.Errorf("volatility indicator = %v, want 2.5", v)
	}
	if snap.Volume != 4000 {
		t.Errorf("Volume = %v, want 4000", snap.Volume)
	}
	if snap.AvgVolume <= 0 {
		t.Fatalf("AvgVolume = %v, want positive", snap.AvgVolume)
	}

	// The snapshot must let non-price conditions fire.
	above := Condition{Type: ConditionIndicatorAbove, Threshold: 2.0, Indicator: IndicatorVolatility}
	if !above.Met(snap) {
		t.Error("indicator_above on volatility did not fire")
	}
	spike := Condition{Type: ConditionVolumeSpike, Threshold: 3}
	if !spike.Met(snap) {
		t.Error("volume_spike did not fire on a 4000 over ~1125 average")
	}
}

func TestSnapshotDegradesWithoutCandles(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("ETHUSDT", 200)

	source := NewSnapshotSource(mock, nil, "", 0)
	snap, err := source.Snapshot(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.Price != 200 {
		t.Errorf("Price = %v, want 200", snap.Price)
	}
	if snap.AvgVolume != 0 || snap.Volume != 0 {
		t.Errorf("volume fields = %v/%v, want zero without candle data", snap.Volume, snap.AvgVolume)
	}

	cond := Condition{Type: ConditionVolumeSpike, Threshold: 2}
	if cond.Met(snap) {
		t.Error("volume_spike fired with no volume baseline")
	}
}
