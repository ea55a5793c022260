package executor

import (
	"context"
	"testing"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/exchange"
)

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		MaxSlippagePercent: 0.2,
		DepthLevels:        20,
		StatsWindow:        100,
		AutoTune:           false,
		MinSlippagePercent: 0.05,
		SlippageCeiling:    0.5,
	}
}

// thinBook installs a book where filling qty 10 walks well past the best
// ask: 1 unit at 100.0, the rest at 102.0.
func thinBook(mock *exchange.MockClient) {
	mock.SetDepth("BTCUSDT",
		[]exchange.PriceLevel{{Price: 99.9, Quantity: 1000}},
		[]exchange.PriceLevel{
			{Price: 100.0, Quantity: 1},
			{Price: 102.0, Quantity: 1000},
		})
}

// deepBook installs a book with ample size at the best ask.
func deepBook(mock *exchange.MockClient) {
	mock.SetDepth("BTCUSDT",
		[]exchange.PriceLevel{{Price: 99.9, Quantity: 1000}},
		[]exchange.PriceLevel{
			{Price: 100.0, Quantity: 1000},
			{Price: 100.1, Quantity: 1000},
		})
}

func TestExecuteWithinBudgetUsesMarketOrder(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)
	deepBook(mock)

	e := New(mock, testConfig(), nil)
	res, err := e.Execute(context.Background(), "BTCUSDT", exchange.SideBuy, 5, UrgencyNormal)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.UsedLimitFallback {
		t.Error("expected market execution, got limit fallback")
	}
	if res.Order.Type != exchange.TypeMarket {
		t.Errorf("expected market order, got %s", res.Order.Type)
	}
	if res.Order.Status != exchange.StatusFilled {
		t.Errorf("expected filled order, got %s", res.Order.Status)
	}
}

func TestExecuteOverBudgetFallsBackToLimit(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 103.0) // keep the fallback limit from filling
	thinBook(mock)

	e := New(mock, testConfig(), nil)
	// Filling 10 gives vwap (1*100 + 9*102)/10 = 101.8, 1.8% slippage.
	res, err := e.Execute(context.Background(), "BTCUSDT", exchange.SideBuy, 10, UrgencyNormal)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.UsedLimitFallback {
		t.Fatal("expected limit fallback")
	}
	if res.Order.Type != exchange.TypeLimit {
		t.Errorf("expected limit order, got %s", res.Order.Type)
	}
	if res.Order.Price != 100.0 {
		t.Errorf("expected limit at best ask 100.0, got %.2f", res.Order.Price)
	}
	if res.EstimatedSlippage < 1.7 || res.EstimatedSlippage > 1.9 {
		t.Errorf("expected ~1.8%% estimated slippage, got %.4f", res.EstimatedSlippage)
	}
}

func TestUrgencyScalesBudget(t *testing.T) {
	// Book producing exactly 0.2% slippage on a 10 unit buy:
	// vwap (5*100 + 5*100.4)/10 = 100.2.
	setBook := func(mock *exchange.MockClient) {
		mock.SetDepth("BTCUSDT",
			[]exchange.PriceLevel{{Price: 99.9, Quantity: 1000}},
			[]exchange.PriceLevel{
				{Price: 100.0, Quantity: 5},
				{Price: 100.4, Quantity: 1000},
			})
	}

	// Low urgency allows 0.2 * 0.5 = 0.1%, so 0.2% falls back.
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 103.0)
	setBook(mock)
	e := New(mock, testConfig(), nil)
	res, err := e.Execute(context.Background(), "BTCUSDT", exchange.SideBuy, 10, UrgencyLow)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.UsedLimitFallback {
		t.Error("expected fallback at low urgency")
	}

	// Critical urgency allows 0.2 * 1.5 = 0.3%, so it goes to market.
	mock2 := exchange.NewMockClient(10000)
	mock2.SetPrice("BTCUSDT", 100.0)
	setBook(mock2)
	e2 := New(mock2, testConfig(), nil)
	res2, err := e2.Execute(context.Background(), "BTCUSDT", exchange.SideBuy, 10, UrgencyCritical)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res2.UsedLimitFallback {
		t.Error("expected market execution at critical urgency")
	}
}

func TestInsufficientDepthForcesFallback(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 103.0)
	mock.SetDepth("BTCUSDT",
		[]exchange.PriceLevel{{Price: 99.9, Quantity: 1000}},
		[]exchange.PriceLevel{{Price: 100.0, Quantity: 2}})

	e := New(mock, testConfig(), nil)
	res, err := e.Execute(context.Background(), "BTCUSDT", exchange.SideBuy, 50, UrgencyCritical)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.UsedLimitFallback {
		t.Error("expected fallback when visible depth cannot cover the order")
	}
}

func TestSellSideWalksBids(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)
	mock.SetDepth("BTCUSDT",
		[]exchange.PriceLevel{
			{Price: 100.0, Quantity: 1000},
			{Price: 99.5, Quantity: 1000},
		},
		[]exchange.PriceLevel{{Price: 100.1, Quantity: 1000}})

	e := New(mock, testConfig(), nil)
	res, err := e.Execute(context.Background(), "BTCUSDT", exchange.SideSell, 5, UrgencyNormal)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ReferencePrice != 100.0 {
		t.Errorf("expected reference at best bid 100.0, got %.2f", res.ReferencePrice)
	}
	if res.UsedLimitFallback {
		t.Error("expected market execution against deep bids")
	}
}

func TestAutoTuneShrinksAndGrows(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTune = true
	mock := exchange.NewMockClient(10000)
	e := New(mock, cfg, nil)

	// Trailing average above 80% of the budget shrinks it.
	for i := 0; i < 20; i++ {
		e.observe(0.19)
	}
	if got := e.Stats().CurrentBudget; got >= cfg.MaxSlippagePercent {
		t.Errorf("expected budget below %.2f after hot window, got %.4f", cfg.MaxSlippagePercent, got)
	}

	// A calm window grows it back, capped at the ceiling.
	e2 := New(mock, cfg, nil)
	for i := 0; i < 300; i++ {
		e2.observe(0.001)
	}
	got := e2.Stats().CurrentBudget
	if got <= cfg.MaxSlippagePercent {
		t.Errorf("expected budget above %.2f after calm window, got %.4f", cfg.MaxSlippagePercent, got)
	}
	if got > cfg.SlippageCeiling+1e-9 {
		t.Errorf("budget %.4f exceeds ceiling %.2f", got, cfg.SlippageCeiling)
	}
}

func TestWindowBounded(t *testing.T) {
	cfg := testConfig()
	cfg.StatsWindow = 100
	e := New(exchange.NewMockClient(0), cfg, nil)

	for i := 0; i < 250; i++ {
		e.observe(0.1)
	}
	if n := e.Stats().Samples; n != 100 {
		t.Errorf("expected window capped at 100 samples, got %d", n)
	}
}

type captureRecorder struct {
	reports []Report
}

func (c *captureRecorder) RecordExecution(_ context.Context, r Report) error {
	c.reports = append(c.reports, r)
	return nil
}

func TestExecutionReported(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)
	deepBook(mock)

	rec := &captureRecorder{}
	e := New(mock, testConfig(), rec)
	if _, err := e.Execute(context.Background(), "BTCUSDT", exchange.SideBuy, 5, UrgencyHigh); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(rec.reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(rec.reports))
	}
	r := rec.reports[0]
	if r.Symbol != "BTCUSDT" || r.Urgency != "high" || r.OrderID == 0 {
		t.Errorf("unexpected report: %+v", r)
	}
}

func TestFailedAttemptsRecorded(t *testing.T) {
	mock := exchange.NewMockClient(10000)
	mock.SetPrice("BTCUSDT", 100.0)
	deepBook(mock)

	rec := &captureRecorder{}
	e := New(mock, testConfig(), rec)

	// Market order rejected by the exchange.
	mock.FailNext("place", &exchange.APIError{Code: -2019, Message: "margin is insufficient"})
	if _, err := e.Execute(context.Background(), "BTCUSDT", exchange.SideBuy, 5, UrgencyHigh); err == nil {
		t.Fatal("expected placement error")
	}

	// Depth fetch failure before any order is attempted.
	mock.FailNext("depth", &exchange.APIError{Code: -1003, Message: "too many requests"})
	if _, err := e.Execute(context.Background(), "BTCUSDT", exchange.SideBuy, 5, UrgencyHigh); err == nil {
		t.Fatal("expected depth error")
	}

	if len(rec.reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(rec.reports))
	}
	for i, r := range rec.reports {
		if !r.Failed {
			t.Errorf("report %d not marked failed: %+v", i, r)
		}
		if r.FailReason == "" {
			t.Errorf("report %d missing failure reason", i)
		}
		if r.OrderID != 0 {
			t.Errorf("report %d carries an order id for a failed attempt", i)
		}
	}
}
