package grid

import (
	"context"
	"math"
	"testing"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/exchange"
)

func gridConfig() config.GridConfig {
	return config.GridConfig{
		Levels:              10,
		MinLevels:           4,
		MaxLevels:           24,
		SpacingPercent:      0.5,
		MinSpacingMultiple:  0.5,
		MaxSpacingMultiple:  3.0,
		Leverage:            1,
		Direction:           "neutral",
		OrderRetries:        2,
		OrderRetryBackoffMs: 1,
	}
}

func newTestEngine(t *testing.T, cfg config.GridConfig, mock *exchange.MockClient) *Engine {
	t.Helper()
	return New("BTCUSDT", exchange.MarketDerivative, mock, cfg, nil, nil, nil)
}

func TestInitializeBuildsMonotonicLadder(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	e := newTestEngine(t, gridConfig(), mock)
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	st := e.State()
	if len(st.Levels) != 10 {
		t.Fatalf("expected 10 levels, got %d", len(st.Levels))
	}

	var buys, sells []Level
	for _, lvl := range st.Levels {
		if lvl.Side == exchange.SideBuy {
			buys = append(buys, lvl)
		} else {
			sells = append(sells, lvl)
		}
		if lvl.Status != LevelArmed {
			t.Errorf("level %d not armed: %s", lvl.Index, lvl.Status)
		}
	}
	if len(buys) != 5 || len(sells) != 5 {
		t.Fatalf("expected 5/5 split, got %d/%d", len(buys), len(sells))
	}

	// Buys strictly below center and strictly decreasing by the spacing
	// ratio; sells the mirror image.
	for i, lvl := range buys {
		want := 100.0 * math.Pow(1-st.Spacing, float64(i+1))
		if math.Abs(lvl.Price-want) > 1e-9 {
			t.Errorf("buy %d at %.6f, want %.6f", i, lvl.Price, want)
		}
		if lvl.Price >= 100.0 {
			t.Errorf("buy level %d above center", i)
		}
	}
	for i, lvl := range sells {
		want := 100.0 * math.Pow(1+st.Spacing, float64(i+1))
		if math.Abs(lvl.Price-want) > 1e-9 {
			t.Errorf("sell %d at %.6f, want %.6f", i, lvl.Price, want)
		}
		if lvl.Price <= 100.0 {
			t.Errorf("sell level %d below center", i)
		}
	}
}

func TestDirectionSkewsLevelSplit(t *testing.T) {
	for _, tc := range []struct {
		direction string
		buys      int
		sells     int
	}{
		{"long", 6, 4},
		{"short", 4, 6},
		{"neutral", 5, 5},
	} {
		mock := exchange.NewMockClient(10000)
		mock.SetPrice("BTCUSDT", 100.0)
		cfg := gridConfig()
		cfg.Direction = tc.direction

		e := newTestEngine(t, cfg, mock)
		if err := e.Initialize(context.Background(), 1000); err != nil {
			t.Fatalf("[%s] Initialize failed: %v", tc.direction, err)
		}

		var buys, sells int
		for _, lvl := range e.State().Levels {
			if lvl.Side == exchange.SideBuy {
				buys++
			} else {
				sells++
			}
		}
		if buys != tc.buys || sells != tc.sells {
			t.Errorf("[%s] expected %d/%d split, got %d/%d", tc.direction, tc.buys, tc.sells, buys, sells)
		}
	}
}

func TestVolatilityScalesSpacingWithClamp(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)
	cfg := gridConfig()

	// Multiplier above the max clamp sticks at 3x base.
	volFn := func(context.Context, string) float64 { return 10.0 }
	e := New("BTCUSDT", exchange.MarketDerivative, mock, cfg, nil, nil, volFn)
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got, want := e.State().Spacing, 0.005*3.0; math.Abs(got-want) > 1e-12 {
		t.Errorf("expected spacing clamped to %.4f, got %.4f", want, got)
	}

	// Multiplier below the min clamp sticks at 0.5x base.
	mock2 := exchange.NewMockClient(10000)
	mock2.SetPrice("BTCUSDT", 100.0)
	volFn = func(context.Context, string) float64 { return 0.01 }
	e2 := New("BTCUSDT", exchange.MarketDerivative, mock2, cfg, nil, nil, volFn)
	if err := e2.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got, want := e2.State().Spacing, 0.005*0.5; math.Abs(got-want) > 1e-12 {
		t.Errorf("expected spacing clamped to %.5f, got %.5f", want, got)
	}
}

func TestSmallBudgetShrinksLevelCount(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)
	cfg := gridConfig()
	cfg.MinLevelNotionalUSD = 5

	// 30 / 10 levels = 3 per rung, below the floor. Shrinking to 6 levels
	// yields 5 per rung.
	e := newTestEngine(t, cfg, mock)
	if err := e.Initialize(context.Background(), 30); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := len(e.State().Levels); got != 6 {
		t.Errorf("expected 6 levels for a 30 budget, got %d", got)
	}

	// MinLevels wins even when rungs stay below the floor.
	mock2 := exchange.NewMockClient(10000)
	mock2.SetPrice("BTCUSDT", 100.0)
	e2 := newTestEngine(t, cfg, mock2)
	if err := e2.Initialize(context.Background(), 8); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := len(e2.State().Levels); got != cfg.MinLevels {
		t.Errorf("expected %d levels for an 8 budget, got %d", cfg.MinLevels, got)
	}
}

func TestFillRearmsOppositeSide(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	e := newTestEngine(t, gridConfig(), mock)
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	spacing := e.State().Spacing

	// Drop through the first buy rung at 99.5.
	mock.SetPrice("BTCUSDT", 99.4)
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	st := e.State()
	if st.PositionQty <= 0 {
		t.Fatalf("expected long position after buy fill, got %.8f", st.PositionQty)
	}
	if math.Abs(st.EntryPrice-99.5) > 1e-9 {
		t.Errorf("expected entry 99.5, got %.6f", st.EntryPrice)
	}

	// The filled rung re-armed as a sell one spacing step above the fill.
	wantSell := 99.5 * (1 + spacing)
	found := false
	for _, lvl := range st.Levels {
		if lvl.Side == exchange.SideSell && math.Abs(lvl.Price-wantSell) < 1e-9 {
			found = true
			if lvl.Status != LevelArmed {
				t.Errorf("re-armed level not armed: %s", lvl.Status)
			}
		}
	}
	if !found {
		t.Errorf("no sell rung at %.6f after buy fill", wantSell)
	}
}

func TestRoundTripRealizesProfit(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	e := newTestEngine(t, gridConfig(), mock)
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	spacing := e.State().Spacing

	// Buy rung fills at 99.5, then price recovers through the re-armed
	// sell at 99.5 * (1 + spacing).
	mock.SetPrice("BTCUSDT", 99.4)
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	mock.SetPrice("BTCUSDT", 99.5*(1+spacing)*1.001)
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	st := e.State()
	if st.RealizedPnL <= 0 {
		t.Errorf("expected positive realized pnl after round trip, got %.8f", st.RealizedPnL)
	}
	if math.Abs(st.PositionQty) > 1e-9 {
		t.Errorf("expected flat position after round trip, got %.8f", st.PositionQty)
	}
	if st.FillCount != 2 {
		t.Errorf("expected 2 fills, got %d", st.FillCount)
	}
}

func TestWeightedEntryAcrossFills(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	e := newTestEngine(t, gridConfig(), mock)
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Fall through the two nearest buy rungs.
	mock.SetPrice("BTCUSDT", 98.9)
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	st := e.State()
	if st.PositionQty <= 0 {
		t.Fatal("expected long position")
	}
	// Entry must sit between the two fill prices.
	if st.EntryPrice <= 99.0 || st.EntryPrice >= 99.5 {
		t.Errorf("expected weighted entry between fills, got %.6f", st.EntryPrice)
	}
}

func TestCancelAllToleratesUnknownOrders(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	e := newTestEngine(t, gridConfig(), mock)
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// First cancel fails with unknown-order; that still counts as done.
	mock.FailNext("cancel", &exchange.APIError{Code: -2011, Message: "Unknown order sent.", HTTPStatus: 400})
	if err := e.CancelAll(context.Background()); err != nil {
		t.Fatalf("CancelAll failed: %v", err)
	}

	for _, lvl := range e.State().Levels {
		if lvl.Status == LevelArmed {
			t.Errorf("level %d still armed after CancelAll", lvl.Index)
		}
	}
	open, _ := mock.GetOpenOrders(context.Background(), "BTCUSDT")
	if len(open) != 0 {
		t.Errorf("expected no open orders, got %d", len(open))
	}
}

func TestPlacementFailureDefersLevel(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	e := newTestEngine(t, gridConfig(), mock)
	// Non-retryable rejection on the first placement.
	mock.FailNext("place", &exchange.APIError{Code: -4164, Message: "Order's notional must be no smaller than 5.0", HTTPStatus: 400})
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	deferred := 0
	for _, lvl := range e.State().Levels {
		if lvl.Status == LevelDeferred {
			deferred++
		}
	}
	if deferred != 1 {
		t.Fatalf("expected 1 deferred level, got %d", deferred)
	}

	// The next cycle retries the deferred rung.
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	for _, lvl := range e.State().Levels {
		if lvl.Status == LevelDeferred {
			t.Errorf("level %d still deferred after retry cycle", lvl.Index)
		}
	}
}

func TestRunCycleRespacesOnVolatilityShift(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	vol := 1.0
	volFn := func(context.Context, string) float64 { return vol }
	e := New("BTCUSDT", exchange.MarketDerivative, mock, gridConfig(), nil, nil, volFn)
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	base := e.State().Spacing
	if math.Abs(base-0.005) > 1e-12 {
		t.Fatalf("expected base spacing 0.005, got %.6f", base)
	}

	// Stable volatility leaves the ladder alone.
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if got := e.State().Spacing; math.Abs(got-base) > 1e-12 {
		t.Fatalf("spacing moved without a volatility change: %.6f", got)
	}

	// Tripled volatility must widen the grid on the next cycle.
	vol = 3.0
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	st := e.State()
	if want := base * 3; math.Abs(st.Spacing-want) > 1e-12 {
		t.Fatalf("expected spacing %.6f after volatility shift, got %.6f", want, st.Spacing)
	}
	if st.OpenLevels() != len(st.Levels) {
		t.Errorf("expected every rung re-armed, got %d of %d", st.OpenLevels(), len(st.Levels))
	}
	for i := 1; i < len(st.Levels)/2; i++ {
		ratio := st.Levels[i].Price / st.Levels[i-1].Price
		if math.Abs(ratio-(1-st.Spacing)) > 1e-9 {
			t.Errorf("buy rungs not spaced by %.6f: ratio %.6f", st.Spacing, ratio)
		}
	}
}

func TestRespacePreservesPositionAccounting(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)

	vol := 1.0
	volFn := func(context.Context, string) float64 { return vol }
	e := New("BTCUSDT", exchange.MarketDerivative, mock, gridConfig(), nil, nil, volFn)
	if err := e.Initialize(context.Background(), 1000); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	// Fill the nearest buy rung, then widen the grid.
	mock.SetPrice("BTCUSDT", 99.0)
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	before := e.State()
	if before.PositionQty <= 0 {
		t.Fatalf("expected a long position after the buy fill, got %.8f", before.PositionQty)
	}

	vol = 2.0
	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	after := e.State()
	if after.PositionQty != before.PositionQty || after.EntryPrice != before.EntryPrice {
		t.Errorf("position changed across respace: qty %.8f -> %.8f, entry %.4f -> %.4f",
			before.PositionQty, after.PositionQty, before.EntryPrice, after.EntryPrice)
	}
	if after.FillCount != before.FillCount {
		t.Errorf("fill count changed across respace: %d -> %d", before.FillCount, after.FillCount)
	}
}
