package coordinator

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/executor"
	"grid-trading-bot/internal/grid"
	"grid-trading-bot/internal/logging"
	"grid-trading-bot/internal/risk"
)

// Worker runs one pair's trading loop: grid cycles, risk checks and
// position flattening when a trigger fires. Each worker owns its context;
// cancelling it stops this worker and nothing else.
type Worker struct {
	symbol   string
	engine   *grid.Engine
	riskMgr  *risk.Manager
	exec     *executor.Executor
	client   exchange.Client
	tracker  *ActivityTracker
	interval time.Duration
	log      zerolog.Logger

	heartbeat atomic.Int64 // unix nano of the last completed cycle

	lastFillCount int
	lastRealized  float64
}

// NewWorker wires a worker for one symbol.
func NewWorker(symbol string, engine *grid.Engine, riskMgr *risk.Manager, exec *executor.Executor, client exchange.Client, tracker *ActivityTracker, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Worker{
		symbol:   symbol,
		engine:   engine,
		riskMgr:  riskMgr,
		exec:     exec,
		client:   client,
		tracker:  tracker,
		interval: interval,
		log:      logging.For("worker").With().Str("symbol", symbol).Logger(),
	}
}

// Symbol returns the worker's pair.
func (w *Worker) Symbol() string { return w.symbol }

// Engine returns the worker's grid engine.
func (w *Worker) Engine() *grid.Engine { return w.engine }

// LastHeartbeat returns when the worker last completed a cycle.
func (w *Worker) LastHeartbeat() time.Time {
	ns := w.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run drives the trading loop until the context is cancelled or an
// unrecoverable error occurs. A risk trigger flattens the position and
// returns nil: the pair is done, not broken.
func (w *Worker) Run(ctx context.Context) error {
	w.heartbeat.Store(time.Now().UnixNano())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := w.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if exchange.IsRetryable(err) || exchange.IsRateLimited(err) {
				w.log.Warn().Err(err).Msg("transient cycle error, continuing")
				continue
			}
			return err
		}
		w.heartbeat.Store(time.Now().UnixNano())
	}
}

// cycle runs one trading iteration.
func (w *Worker) cycle(ctx context.Context) error {
	if err := w.engine.RunCycle(ctx); err != nil {
		return err
	}

	st := w.engine.State()
	if st == nil {
		return fmt.Errorf("worker %s: engine has no state", w.symbol)
	}

	w.bookCompletedTrades(st)
	w.syncRiskTracking(st)

	price, err := w.client.GetPrice(ctx, w.symbol)
	if err != nil {
		return err
	}

	if trig := w.riskMgr.CheckPrice(w.symbol, price, w.liveLeverage(ctx)); trig != nil {
		return w.flatten(ctx, trig)
	}
	return nil
}

// liveLeverage reads the position's leverage from the exchange. Leverage
// can be changed out of band, so it is re-read every cycle rather than
// taken from config. Falls back to 1 when no position is reported.
func (w *Worker) liveLeverage(ctx context.Context) int {
	if !w.riskMgr.Tracked(w.symbol) {
		return 1
	}
	positions, err := w.client.GetPositions(ctx)
	if err != nil {
		w.log.Debug().Err(err).Msg("leverage lookup failed, assuming 1x")
		return 1
	}
	for i := range positions {
		if positions[i].Symbol == w.symbol && positions[i].Leverage > 1 {
			return positions[i].Leverage
		}
	}
	return 1
}

// bookCompletedTrades feeds realized PnL deltas into the activity tracker.
// Each new fill pair that realizes PnL counts as one trade.
func (w *Worker) bookCompletedTrades(st *grid.State) {
	if w.tracker == nil {
		return
	}
	if st.FillCount > w.lastFillCount && st.RealizedPnL != w.lastRealized {
		w.tracker.Record(w.symbol, st.RealizedPnL-w.lastRealized)
	}
	w.lastFillCount = st.FillCount
	w.lastRealized = st.RealizedPnL
}

// syncRiskTracking keeps the risk manager's view aligned with the grid
// position: track when a position opens, untrack when it goes flat.
func (w *Worker) syncRiskTracking(st *grid.State) {
	open := math.Abs(st.PositionQty) > 1e-12
	tracked := w.riskMgr.Tracked(w.symbol)

	switch {
	case open && !tracked:
		side := exchange.SideBuy
		if st.PositionQty < 0 {
			side = exchange.SideSell
		}
		w.riskMgr.TrackPosition(w.symbol, side, st.EntryPrice, math.Abs(st.PositionQty))
	case !open && tracked:
		w.riskMgr.Untrack(w.symbol)
	}
}

// flatten closes the position at critical urgency, cancels the remaining
// grid orders and untracks the pair. A fired trigger is final: the grid
// does not restart itself.
func (w *Worker) flatten(ctx context.Context, trig *risk.Trigger) error {
	st := w.engine.State()

	w.log.Warn().
		Str("reason", string(trig.Reason)).
		Float64("trigger_price", trig.TriggerPrice).
		Float64("pnl_pct", trig.PnLPercent).
		Msg("risk trigger, flattening position")

	if err := w.engine.CancelAll(ctx); err != nil {
		w.log.Warn().Err(err).Msg("cancel during flatten failed, continuing to close")
	}

	qty := math.Abs(st.PositionQty)
	if qty > 1e-12 {
		side := exchange.SideSell
		if st.PositionQty < 0 {
			side = exchange.SideBuy
		}
		if _, err := w.exec.Execute(ctx, w.symbol, side, qty, executor.UrgencyCritical); err != nil {
			return fmt.Errorf("worker %s: closing position on %s: %w", w.symbol, trig.Reason, err)
		}
	}

	w.riskMgr.Untrack(w.symbol)
	if w.tracker != nil {
		// Approximate close PnL from the trigger percentages.
		w.tracker.Record(w.symbol, trig.PnLPercent)
	}
	return nil
}
