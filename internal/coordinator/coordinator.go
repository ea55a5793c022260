package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/allocator"
	"grid-trading-bot/internal/events"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/executor"
	"grid-trading-bot/internal/grid"
	"grid-trading-bot/internal/logging"
	"grid-trading-bot/internal/risk"
	"grid-trading-bot/internal/selector"
)

// workerHandle holds one running worker plus the controls to stop it.
// Every worker gets its own cancel func so stopping or crashing one pair
// never touches the others.
type workerHandle struct {
	worker      *Worker
	cancel      context.CancelFunc
	done        chan struct{}
	reservation *allocator.Reservation
	restarts    int
	failed      bool
	startedAt   time.Time
}

// WorkerStatus is a point-in-time view of one worker for callers.
type WorkerStatus struct {
	Symbol        string              `json:"symbol"`
	Market        exchange.MarketType `json:"market"`
	Running       bool                `json:"running"`
	Failed        bool                `json:"failed"`
	Restarts      int                 `json:"restarts"`
	StartedAt     time.Time           `json:"started_at"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	Allocated     float64             `json:"allocated"`
	Recovery      bool                `json:"recovery"`
	RealizedPnL   float64             `json:"realized_pnl"`
	FillCount     int                 `json:"fill_count"`
	OpenLevels    int                 `json:"open_levels"`
	PositionQty   float64             `json:"position_qty"`
}

// Coordinator supervises per-pair workers: start, stop, health checks,
// crash restarts and rotation of inactive pairs.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	gridCfg  config.GridConfig
	client   exchange.Client
	alloc    *allocator.Allocator
	exec     *executor.Executor
	riskMgr  *risk.Manager
	store    grid.Store
	bus      *events.EventBus
	volFn    grid.VolatilityFunc
	selector *selector.Selector
	tracker  *ActivityTracker
	log      zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*workerHandle

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds a coordinator. The selector may be nil, in which case
// rotation stops inactive pairs without starting replacements.
func New(cfg config.CoordinatorConfig, gridCfg config.GridConfig, client exchange.Client, alloc *allocator.Allocator, exec *executor.Executor, riskMgr *risk.Manager, store grid.Store, bus *events.EventBus, volFn grid.VolatilityFunc, sel *selector.Selector) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		gridCfg:  gridCfg,
		client:   client,
		alloc:    alloc,
		exec:     exec,
		riskMgr:  riskMgr,
		store:    store,
		bus:      bus,
		volFn:    volFn,
		selector: sel,
		tracker:  NewActivityTracker(0),
		log:      logging.For("coordinator"),
		workers:  make(map[string]*workerHandle),
	}
}

// Start launches the health and rotation loops. Workers are started
// separately via StartWorker.
func (c *Coordinator) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.loopCancel = cancel
	c.loopDone = make(chan struct{})
	go c.superviseLoop(loopCtx)
}

// StartWorker spins up a worker for the given symbol on the given market.
// If persisted grid state or a live exchange position exists the worker
// resumes in recovery mode with a minimal budget, otherwise it allocates
// fresh capital from the market's share and builds a new grid.
func (c *Coordinator) StartWorker(ctx context.Context, symbol string, market exchange.MarketType) error {
	c.mu.Lock()
	if _, ok := c.workers[symbol]; ok {
		c.mu.Unlock()
		return fmt.Errorf("worker for %s already running", symbol)
	}
	if c.runningLocked() >= c.cfg.MaxConcurrentPairs {
		c.mu.Unlock()
		return fmt.Errorf("max concurrent pairs reached (%d)", c.cfg.MaxConcurrentPairs)
	}
	// Hold the slot while we talk to the exchange.
	c.workers[symbol] = nil
	c.mu.Unlock()

	h, err := c.launch(ctx, symbol, market)

	c.mu.Lock()
	if err != nil {
		delete(c.workers, symbol)
		c.mu.Unlock()
		return err
	}
	c.workers[symbol] = h
	c.mu.Unlock()

	c.bus.PublishWorkerEvent(events.EventWorkerStarted, symbol, "started")
	return nil
}

// launch does the exchange-facing part of a start: recovery detection,
// capital reservation, grid initialization and the worker goroutine.
func (c *Coordinator) launch(ctx context.Context, symbol string, market exchange.MarketType) (*workerHandle, error) {
	prior, err := c.store.Load(ctx, symbol)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("state load failed, treating as absent")
		prior = nil
	}

	livePosition := false
	positions, err := c.client.GetPositions(ctx)
	if err == nil {
		for _, p := range positions {
			if p.Symbol == symbol && p.IsOpen() {
				livePosition = true
				break
			}
		}
	}

	engine := grid.New(symbol, market, c.client, c.gridCfg, c.store, c.bus, c.volFn)

	var res *allocator.Reservation
	if prior != nil || livePosition {
		res, err = c.alloc.ReserveRecovery(symbol, market)
		if err != nil {
			return nil, err
		}
		c.bus.PublishWorkerEvent(events.EventRecoveryStarted, symbol, "prior state or live position found")
		if err := engine.Resume(ctx, prior, res.Amount); err != nil {
			c.alloc.Release(res)
			return nil, err
		}
	} else {
		res, err = c.alloc.Reserve(symbol, market, c.alloc.PairCap())
		if err != nil {
			return nil, err
		}
		if err := engine.Initialize(ctx, res.Amount); err != nil {
			c.alloc.Release(res)
			return nil, err
		}
	}

	interval := time.Duration(c.cfg.CycleIntervalSec) * time.Second
	w := NewWorker(symbol, engine, c.riskMgr, c.exec, c.client, c.tracker, interval)

	workerCtx, cancel := context.WithCancel(context.Background())
	h := &workerHandle{
		worker:      w,
		cancel:      cancel,
		done:        make(chan struct{}),
		reservation: res,
		startedAt:   time.Now(),
	}
	go c.runWorker(workerCtx, h)
	return h, nil
}

// runWorker runs the worker loop and handles its exit. A crash gets one
// restart; a second failure marks the worker failed and frees its capital.
func (c *Coordinator) runWorker(ctx context.Context, h *workerHandle) {
	defer close(h.done)

	err := h.worker.Run(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}

	symbol := h.worker.Symbol()
	c.log.Error().Err(err).Str("symbol", symbol).Msg("worker exited with error")
	c.bus.PublishError("coordinator", "worker "+symbol+" crashed", err)

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.workers[symbol]
	if !ok || cur != h {
		return
	}
	if h.restarts >= 1 {
		h.failed = true
		c.releaseLocked(h)
		c.log.Error().Str("symbol", symbol).Msg("worker failed twice, giving up")
		return
	}
	c.restartLocked(h, "crash: "+err.Error())
}

// restartLocked replaces a worker's goroutine in place. Caller holds c.mu.
func (c *Coordinator) restartLocked(h *workerHandle, reason string) {
	symbol := h.worker.Symbol()
	h.cancel()

	workerCtx, cancel := context.WithCancel(context.Background())
	nh := &workerHandle{
		worker:      h.worker,
		cancel:      cancel,
		done:        make(chan struct{}),
		reservation: h.reservation,
		restarts:    h.restarts + 1,
		startedAt:   time.Now(),
	}
	c.workers[symbol] = nh
	go c.runWorker(workerCtx, nh)
	c.bus.PublishWorkerEvent(events.EventWorkerRestarted, symbol, reason)
}

// StopWorker cancels the worker, waits for it to drain, cancels its grid
// orders and releases its capital. Other workers are never touched.
func (c *Coordinator) StopWorker(ctx context.Context, symbol string) error {
	c.mu.Lock()
	h, ok := c.workers[symbol]
	if !ok || h == nil {
		c.mu.Unlock()
		return fmt.Errorf("no worker for %s", symbol)
	}
	delete(c.workers, symbol)
	c.mu.Unlock()

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(c.cfg.StopTimeout()):
		c.log.Warn().Str("symbol", symbol).Msg("worker did not stop within timeout")
	}

	// Cancel with a fresh context so a cancelled caller can still clean up.
	cancelCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout())
	defer cancel()
	if err := h.worker.Engine().CancelAll(cancelCtx); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("order cancellation incomplete on stop")
	}

	c.riskMgr.Untrack(symbol)
	c.alloc.Release(h.reservation)
	c.tracker.Reset(symbol)
	c.bus.PublishWorkerEvent(events.EventWorkerStopped, symbol, "stopped")
	return nil
}

// StopAll stops the supervision loops and every worker.
func (c *Coordinator) StopAll(ctx context.Context) {
	if c.loopCancel != nil {
		c.loopCancel()
		<-c.loopDone
	}
	for _, symbol := range c.runningSymbols() {
		if err := c.StopWorker(ctx, symbol); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("stop during shutdown failed")
		}
	}
}

// superviseLoop runs the periodic health and rotation checks.
func (c *Coordinator) superviseLoop(ctx context.Context) {
	defer close(c.loopDone)

	health := time.NewTicker(time.Duration(c.cfg.HealthIntervalSec) * time.Second)
	rotation := time.NewTicker(time.Duration(c.cfg.RotationIntervalSec) * time.Second)
	defer health.Stop()
	defer rotation.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			c.checkHealth()
		case <-rotation.C:
			c.rotate(ctx)
		}
	}
}

// checkHealth restarts workers whose heartbeat has gone stale. One restart
// per worker; a second stale heartbeat marks it failed.
func (c *Coordinator) checkHealth() {
	timeout := c.cfg.HeartbeatTimeout()

	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, h := range c.workers {
		if h == nil || h.failed {
			continue
		}
		last := h.worker.LastHeartbeat()
		if last.IsZero() || time.Since(last) < timeout {
			continue
		}
		c.log.Warn().Str("symbol", symbol).Time("last_heartbeat", last).Msg("worker unresponsive")
		c.bus.PublishError("coordinator", "worker "+symbol+" unresponsive", exchange.ErrWorkerUnresponsive)
		if h.restarts >= 1 {
			h.failed = true
			h.cancel()
			c.releaseLocked(h)
			continue
		}
		c.restartLocked(h, "unresponsive heartbeat")
	}
}

// rotate stops pairs that trade too little or lose too often, then starts
// the best-ranked replacement candidate when a selector is configured.
func (c *Coordinator) rotate(ctx context.Context) {
	window := time.Duration(c.cfg.ActivityWindowMin) * time.Minute

	var rotated []string
	for _, symbol := range c.runningSymbols() {
		trades := c.tracker.TradesInWindow(symbol, window)
		losses := c.tracker.ConsecutiveLosses(symbol)

		inactive := trades < c.cfg.MinTradesPerWindow
		losing := c.cfg.MaxConsecutiveLosses > 0 && losses >= c.cfg.MaxConsecutiveLosses
		if !inactive && !losing {
			continue
		}

		reason := "inactive"
		if losing {
			reason = fmt.Sprintf("%d consecutive losses", losses)
		}
		c.log.Info().Str("symbol", symbol).Str("reason", reason).Msg("rotating pair out")
		if err := c.StopWorker(ctx, symbol); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("rotation stop failed")
			continue
		}
		c.bus.PublishWorkerEvent(events.EventWorkerRotated, symbol, reason)
		rotated = append(rotated, symbol)
	}

	if len(rotated) == 0 || c.selector == nil {
		return
	}

	running := make(map[string]bool)
	for _, s := range c.runningSymbols() {
		running[s] = true
	}
	ranked, err := c.selector.Rank(ctx, c.cfg.MaxConcurrentPairs*2)
	if err != nil {
		c.log.Warn().Err(err).Msg("candidate ranking failed, rotation leaves slots empty")
		return
	}
	for _, cand := range ranked {
		if len(rotated) == 0 {
			break
		}
		if running[cand.Symbol] {
			continue
		}
		// Ranked candidates come from the derivatives ticker scan.
		if err := c.StartWorker(ctx, cand.Symbol, exchange.MarketDerivative); err != nil {
			c.log.Warn().Err(err).Str("symbol", cand.Symbol).Msg("rotation start failed")
			continue
		}
		rotated = rotated[1:]
	}
}

// Status returns a snapshot of every worker, keyed by symbol.
func (c *Coordinator) Status() map[string]WorkerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]WorkerStatus, len(c.workers))
	for symbol, h := range c.workers {
		if h == nil {
			out[symbol] = WorkerStatus{Symbol: symbol}
			continue
		}
		ws := WorkerStatus{
			Symbol:        symbol,
			Running:       !h.failed,
			Failed:        h.failed,
			Restarts:      h.restarts,
			StartedAt:     h.startedAt,
			LastHeartbeat: h.worker.LastHeartbeat(),
		}
		if h.reservation != nil {
			ws.Allocated = h.reservation.Amount
			ws.Recovery = h.reservation.Recovery
		}
		if st := h.worker.Engine().State(); st != nil {
			ws.Market = st.Market
			ws.RealizedPnL = st.RealizedPnL
			ws.FillCount = st.FillCount
			ws.OpenLevels = st.OpenLevels()
			ws.PositionQty = st.PositionQty
		}
		out[symbol] = ws
	}
	return out
}

// Worker returns the status for one symbol.
func (c *Coordinator) Worker(symbol string) (WorkerStatus, bool) {
	ws, ok := c.Status()[symbol]
	return ws, ok
}

func (c *Coordinator) runningSymbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.workers))
	for symbol, h := range c.workers {
		if h != nil && !h.failed {
			out = append(out, symbol)
		}
	}
	return out
}

func (c *Coordinator) runningLocked() int {
	n := 0
	for _, h := range c.workers {
		if h == nil || !h.failed {
			n++
		}
	}
	return n
}

// releaseLocked frees a failed worker's capital. Caller holds c.mu.
func (c *Coordinator) releaseLocked(h *workerHandle) {
	c.alloc.Release(h.reservation)
}
