package risk

import (
	"context"

	"grid-trading-bot/internal/exchange"
)

// IndicatorVolatility is the indicator name SnapshotSource publishes for
// the volatility multiplier, for use in indicator conditions.
const IndicatorVolatility = "volatility"

// SnapshotSource assembles the market snapshots conditional orders are
// evaluated against: the live price, the volatility multiplier as an
// indicator series, and current versus average candle volume.
type SnapshotSource struct {
	client   exchange.Client
	volFn    func(ctx context.Context, symbol string) float64
	interval string
	lookback int
}

// NewSnapshotSource builds a snapshot source. volFn may be nil, in which
// case no indicator values are published. interval and lookback select the
// candle window for volume averaging.
func NewSnapshotSource(client exchange.Client, volFn func(ctx context.Context, symbol string) float64, interval string, lookback int) *SnapshotSource {
	if interval == "" {
		interval = "1h"
	}
	if lookback <= 0 {
		lookback = 24
	}
	return &SnapshotSource{client: client, volFn: volFn, interval: interval, lookback: lookback}
}

// Snapshot fetches a snapshot for one symbol. The price is required and
// its failure is returned; indicator and volume inputs degrade to absent,
// which leaves those conditions unmet rather than blocking price checks.
func (s *SnapshotSource) Snapshot(ctx context.Context, symbol string) (MarketSnapshot, error) {
	price, err := s.client.GetPrice(ctx, symbol)
	if err != nil {
		return MarketSnapshot{}, err
	}
	snap := MarketSnapshot{Price: price}

	if s.volFn != nil {
		snap.Indicators = map[string]float64{IndicatorVolatility: s.volFn(ctx, symbol)}
	}

	if klines, err := s.client.GetKlines(ctx, symbol, s.interval, s.lookback); err == nil && len(klines) > 0 {
		var sum float64
		for _, k := range klines {
			sum += k.Volume
		}
		snap.Volume = klines[len(klines)-1].Volume
		snap.AvgVolume = sum / float64(len(klines))
	}
	return snap, nil
}
