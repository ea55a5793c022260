package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/logging"
)

// Urgency scales how much of the slippage budget an execution may spend.
type Urgency int

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyHigh
	UrgencyCritical
)

func (u Urgency) String() string {
	switch u {
	case UrgencyLow:
		return "low"
	case UrgencyNormal:
		return "normal"
	case UrgencyHigh:
		return "high"
	case UrgencyCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BudgetFactor returns the multiplier applied to the slippage budget.
// Critical executions (risk triggered closes) accept more slippage than
// background rebalances.
func (u Urgency) BudgetFactor() float64 {
	switch u {
	case UrgencyLow:
		return 0.5
	case UrgencyNormal:
		return 0.75
	case UrgencyHigh:
		return 1.0
	case UrgencyCritical:
		return 1.5
	default:
		return 0.75
	}
}

// Result reports how an execution went.
type Result struct {
	Order             *exchange.Order
	ReferencePrice    float64 // best price at decision time
	EstimatedPrice    float64 // depth-walk estimate
	EstimatedSlippage float64 // percent against reference
	RealizedSlippage  float64 // percent, market fills only
	UsedLimitFallback bool
}

// Report is the persisted record of one execution attempt, including
// attempts that never produced an order.
type Report struct {
	Symbol            string
	Side              string
	Quantity          float64
	Urgency           string
	ReferencePrice    float64
	EstimatedSlippage float64
	RealizedSlippage  float64
	LimitFallback     bool
	Failed            bool
	FailReason        string
	OrderID           int64
	ExecutedAt        time.Time
}

// Recorder persists execution reports. May be nil when no database is
// configured.
type Recorder interface {
	RecordExecution(ctx context.Context, r Report) error
}

// Executor places market orders behind a slippage guard. Before sending it
// walks the order book to estimate the fill price; estimates beyond the
// urgency-scaled budget fall back to a resting limit order at the best
// price. Realized slippage feeds a rolling window that tunes the budget.
type Executor struct {
	client   exchange.Client
	cfg      config.ExecutorConfig
	recorder Recorder
	log      zerolog.Logger

	mu     sync.Mutex
	budget float64   // current tuned base budget, percent
	window []float64 // realized slippage samples, percent
}

// New builds an executor. recorder may be nil.
func New(client exchange.Client, cfg config.ExecutorConfig, recorder Recorder) *Executor {
	return &Executor{
		client:   client,
		cfg:      cfg,
		recorder: recorder,
		budget:   cfg.MaxSlippagePercent,
		log:      logging.For("executor"),
	}
}

// Execute fills quantity of symbol at market if the estimated slippage fits
// the urgency-scaled budget, otherwise rests a limit order at the best
// price and reports the fallback.
func (e *Executor) Execute(ctx context.Context, symbol string, side exchange.OrderSide, quantity float64, urgency Urgency) (*Result, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("executor: non-positive quantity %.8f for %s", quantity, symbol)
	}

	depth, err := e.client.GetDepth(ctx, symbol, e.cfg.DepthLevels)
	if err != nil {
		err = fmt.Errorf("fetching depth for %s: %w", symbol, err)
		e.record(ctx, symbol, side, quantity, urgency, &Result{}, err)
		return nil, err
	}

	reference, estimate, ok := estimateFill(depth, side, quantity)
	if reference <= 0 {
		err := fmt.Errorf("executor: empty order book for %s", symbol)
		e.record(ctx, symbol, side, quantity, urgency, &Result{}, err)
		return nil, err
	}

	estSlippage := math.Abs(estimate-reference) / reference * 100
	if !ok {
		// Not enough visible depth for the full quantity. Treat as
		// unbounded slippage.
		estSlippage = math.Inf(1)
	}

	allowed := e.currentBudget() * urgency.BudgetFactor()
	clientID := "exec-" + uuid.NewString()

	result := &Result{
		ReferencePrice:    reference,
		EstimatedPrice:    estimate,
		EstimatedSlippage: estSlippage,
	}

	if estSlippage > allowed {
		e.log.Warn().
			Str("symbol", symbol).
			Str("side", string(side)).
			Str("urgency", urgency.String()).
			Float64("estimated_slippage", estSlippage).
			Float64("allowed", allowed).
			Msg("slippage over budget, falling back to limit order")

		result.UsedLimitFallback = true
		order, err := e.client.PlaceLimitOrder(ctx, symbol, side, reference, quantity, clientID)
		if err != nil {
			err = fmt.Errorf("placing fallback limit order for %s: %w", symbol, err)
			e.record(ctx, symbol, side, quantity, urgency, result, err)
			return nil, err
		}
		result.Order = order
		e.record(ctx, symbol, side, quantity, urgency, result, nil)
		return result, nil
	}

	order, err := e.client.PlaceMarketOrder(ctx, symbol, side, quantity, clientID)
	if err != nil {
		err = fmt.Errorf("placing market order for %s: %w", symbol, err)
		e.record(ctx, symbol, side, quantity, urgency, result, err)
		return nil, err
	}
	result.Order = order

	if order.AvgPrice > 0 {
		result.RealizedSlippage = math.Abs(order.AvgPrice-reference) / reference * 100
		e.observe(result.RealizedSlippage)
	}

	e.record(ctx, symbol, side, quantity, urgency, result, nil)
	return result, nil
}

// estimateFill walks the book accumulating quantity and returns the best
// price, the volume weighted fill estimate, and whether visible depth
// covered the full quantity.
func estimateFill(depth *exchange.Depth, side exchange.OrderSide, quantity float64) (reference, estimate float64, covered bool) {
	levels := depth.Asks
	if side == exchange.SideSell {
		levels = depth.Bids
	}
	if len(levels) == 0 {
		return 0, 0, false
	}
	reference = levels[0].Price

	var filled, cost float64
	for _, lvl := range levels {
		take := math.Min(quantity-filled, lvl.Quantity)
		cost += take * lvl.Price
		filled += take
		if filled >= quantity-1e-12 {
			return reference, cost / quantity, true
		}
	}
	if filled <= 0 {
		return reference, reference, false
	}
	return reference, cost / filled, false
}

func (e *Executor) currentBudget() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget
}

// observe appends a realized slippage sample and retunes the budget.
func (e *Executor) observe(slippagePct float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.window = append(e.window, slippagePct)
	if len(e.window) > e.cfg.StatsWindow {
		e.window = e.window[len(e.window)-e.cfg.StatsWindow:]
	}

	if !e.cfg.AutoTune || len(e.window) < 10 {
		return
	}

	var sum float64
	for _, s := range e.window {
		sum += s
	}
	avg := sum / float64(len(e.window))

	old := e.budget
	switch {
	case avg > 0.8*e.budget:
		// Markets are eating most of the budget, tighten.
		e.budget *= 0.9
		if e.budget < e.cfg.MinSlippagePercent {
			e.budget = e.cfg.MinSlippagePercent
		}
	case avg < 0.3*e.budget:
		// Plenty of headroom, loosen up to the ceiling.
		e.budget *= 1.1
		if e.budget > e.cfg.SlippageCeiling {
			e.budget = e.cfg.SlippageCeiling
		}
	}
	if e.budget != old {
		e.log.Info().
			Float64("old_budget", old).
			Float64("new_budget", e.budget).
			Float64("trailing_avg", avg).
			Msg("slippage budget retuned")
	}
}

// SlippageStats summarizes the realized slippage window.
type SlippageStats struct {
	Samples       int     `json:"samples"`
	Average       float64 `json:"average"`
	Max           float64 `json:"max"`
	CurrentBudget float64 `json:"current_budget"`
}

// Stats returns the rolling slippage statistics.
func (e *Executor) Stats() SlippageStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := SlippageStats{Samples: len(e.window), CurrentBudget: e.budget}
	if len(e.window) == 0 {
		return stats
	}
	var sum float64
	for _, s := range e.window {
		sum += s
		if s > stats.Max {
			stats.Max = s
		}
	}
	stats.Average = sum / float64(len(e.window))
	return stats
}

// record persists one attempt. failErr marks attempts that produced no
// order, for example a depth fetch or placement failure.
func (e *Executor) record(ctx context.Context, symbol string, side exchange.OrderSide, quantity float64, urgency Urgency, res *Result, failErr error) {
	if e.recorder == nil {
		return
	}
	report := Report{
		Symbol:            symbol,
		Side:              string(side),
		Quantity:          quantity,
		Urgency:           urgency.String(),
		ReferencePrice:    res.ReferencePrice,
		EstimatedSlippage: res.EstimatedSlippage,
		RealizedSlippage:  res.RealizedSlippage,
		LimitFallback:     res.UsedLimitFallback,
		ExecutedAt:        time.Now(),
	}
	if failErr != nil {
		report.Failed = true
		report.FailReason = failErr.Error()
	}
	if res.Order != nil {
		report.OrderID = res.Order.OrderID
	}
	if err := e.recorder.RecordExecution(ctx, report); err != nil {
		e.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to persist execution report")
	}
}
