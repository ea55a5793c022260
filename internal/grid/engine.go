package grid

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grid-trading-bot/config"
	"grid-trading-bot/internal/events"
	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/logging"
)

// VolatilityFunc returns the spacing multiplier for a symbol. Higher
// volatility widens the grid. Implementations return 1.0 when they have no
// opinion.
type VolatilityFunc func(ctx context.Context, symbol string) float64

// Engine runs one symbol's grid: it lays a ladder of resting limit orders
// around the current price, re-arms the opposite side when a rung fills,
// and keeps weighted entry and realized PnL accounting as it goes.
type Engine struct {
	symbol string
	market exchange.MarketType
	client exchange.Client
	cfg    config.GridConfig
	store  Store
	events *events.EventBus
	volFn  VolatilityFunc
	log    zerolog.Logger

	mu    sync.Mutex
	state *State
}

// New builds an engine for one symbol on the given market. store and bus
// may be nil; volFn nil means no volatility scaling.
func New(symbol string, market exchange.MarketType, client exchange.Client, cfg config.GridConfig, store Store, bus *events.EventBus, volFn VolatilityFunc) *Engine {
	return &Engine{
		symbol: symbol,
		market: market,
		client: client,
		cfg:    cfg,
		store:  store,
		events: bus,
		volFn:  volFn,
		log:    logging.For("grid").With().Str("symbol", symbol).Logger(),
	}
}

// Symbol returns the engine's trading pair.
func (e *Engine) Symbol() string { return e.symbol }

// Market returns the engine's market type.
func (e *Engine) Market() exchange.MarketType { return e.market }

// State returns a copy of the current grid state, or nil before
// initialization.
func (e *Engine) State() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	return e.state.clone()
}

// spacing computes the level spacing fraction: the base spacing scaled by
// the volatility multiplier, clamped to the configured multiples of base.
func (e *Engine) spacing(ctx context.Context) float64 {
	base := e.cfg.SpacingPercent / 100
	mult := 1.0
	if e.volFn != nil {
		mult = e.volFn(ctx, e.symbol)
	}
	if mult < e.cfg.MinSpacingMultiple {
		mult = e.cfg.MinSpacingMultiple
	}
	if mult > e.cfg.MaxSpacingMultiple {
		mult = e.cfg.MaxSpacingMultiple
	}
	return base * mult
}

// levelSplit returns how many rungs sit below (buys) and above (sells) the
// center for the configured direction.
func (e *Engine) levelSplit(total int) (buys, sells int) {
	switch e.cfg.Direction {
	case "long":
		buys = 2 * total / 3
		if buys == 0 {
			buys = 1
		}
		return buys, total - buys
	case "short":
		sells = 2 * total / 3
		if sells == 0 {
			sells = 1
		}
		return total - sells, sells
	default:
		return total / 2, total - total/2
	}
}

// levelCount normalizes the configured count: made even, clamped, then
// shrunk until every rung carries at least the minimum notional for the
// given budget. MinLevels wins over the notional floor.
func (e *Engine) levelCount(budget float64) int {
	n := e.cfg.Levels
	if n%2 != 0 {
		n++
	}
	if n < e.cfg.MinLevels {
		n = e.cfg.MinLevels
	}
	if n > e.cfg.MaxLevels {
		n = e.cfg.MaxLevels
	}
	if e.cfg.MinLevelNotionalUSD > 0 && budget > 0 {
		for n-2 >= e.cfg.MinLevels && budget/float64(n) < e.cfg.MinLevelNotionalUSD {
			n -= 2
		}
	}
	return n
}

// Initialize lays a fresh grid around the current price with the given
// capital budget and places an order for every rung.
func (e *Engine) Initialize(ctx context.Context, budget float64) error {
	if budget <= 0 {
		return fmt.Errorf("grid %s: non-positive budget %.2f", e.symbol, budget)
	}

	price, err := e.client.GetPrice(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("grid %s: fetching price: %w", e.symbol, err)
	}
	if price <= 0 {
		return fmt.Errorf("grid %s: bad price %.8f", e.symbol, price)
	}

	// Leverage only applies to derivatives.
	if e.market == exchange.MarketDerivative && e.cfg.Leverage > 1 {
		if err := e.client.SetLeverage(ctx, e.symbol, e.cfg.Leverage); err != nil {
			return fmt.Errorf("grid %s: setting leverage: %w", e.symbol, err)
		}
	}

	state := e.buildLadder(ctx, price, budget)

	e.mu.Lock()
	e.state = state
	for i := range e.state.Levels {
		e.placeLevelLocked(ctx, i)
	}
	e.mu.Unlock()

	e.persist(ctx)

	e.log.Info().
		Float64("center", price).
		Float64("spacing", state.Spacing).
		Int("levels", len(state.Levels)).
		Float64("budget", budget).
		Msg("grid initialized")

	if e.events != nil {
		e.events.Publish(events.Event{
			Type: events.EventGridInitialized,
			Data: map[string]interface{}{
				"symbol":  e.symbol,
				"center":  price,
				"spacing": state.Spacing,
				"levels":  len(state.Levels),
				"budget":  budget,
			},
		})
	}
	return nil
}

// buildLadder constructs a fresh grid state centered on price. Rungs are
// left deferred; the caller places their orders.
func (e *Engine) buildLadder(ctx context.Context, price, budget float64) *State {
	spacing := e.spacing(ctx)
	total := e.levelCount(budget)
	buys, sells := e.levelSplit(total)
	perLevel := budget / float64(total)

	state := &State{
		Version:     StateVersion,
		Symbol:      e.symbol,
		Market:      e.market,
		Direction:   e.cfg.Direction,
		Mode:        ModeNormal,
		CenterPrice: price,
		Spacing:     spacing,
		Budget:      budget,
	}

	idx := 0
	for i := 1; i <= buys; i++ {
		p := price * math.Pow(1-spacing, float64(i))
		state.Levels = append(state.Levels, Level{
			Index:    idx,
			Side:     exchange.SideBuy,
			Price:    p,
			Quantity: perLevel / p,
			Status:   LevelDeferred,
		})
		idx++
	}
	for i := 1; i <= sells; i++ {
		p := price * math.Pow(1+spacing, float64(i))
		state.Levels = append(state.Levels, Level{
			Index:    idx,
			Side:     exchange.SideSell,
			Price:    p,
			Quantity: perLevel / p,
			Status:   LevelDeferred,
		})
		idx++
	}
	return state
}

// Resume adopts persisted state and reconciles it against the exchange.
// The exchange is authoritative: live position size and entry override the
// file, vanished orders are resolved by their final status, and levels
// whose orders are gone get re-armed. A nil prior resumes from a live
// exchange position alone, laying a fresh ladder around the current price.
func (e *Engine) Resume(ctx context.Context, prior *State, budget float64) error {
	var state *State
	if prior != nil && prior.Symbol == e.symbol {
		state = prior.clone()
	} else {
		// No usable persisted state, only a live position. Lay a fresh
		// ladder around the current price and adopt the position below.
		price, err := e.client.GetPrice(ctx, e.symbol)
		if err != nil {
			return fmt.Errorf("grid %s: fetching price for recovery: %w", e.symbol, err)
		}
		state = e.buildLadder(ctx, price, budget)
	}
	state.Mode = ModeRecovery
	state.Market = e.market
	if budget > 0 {
		state.Budget = budget
	}

	// Reconcile position with the exchange.
	positions, err := e.client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("grid %s: fetching positions for recovery: %w", e.symbol, err)
	}
	var live *exchange.Position
	for i := range positions {
		if positions[i].Symbol == e.symbol {
			live = &positions[i]
			break
		}
	}
	if live != nil {
		if live.PositionAmt != state.PositionQty || live.EntryPrice != state.EntryPrice {
			e.log.Warn().
				Float64("file_qty", state.PositionQty).
				Float64("live_qty", live.PositionAmt).
				Msg("persisted position differs from exchange, adopting exchange values")
		}
		state.PositionQty = live.PositionAmt
		state.EntryPrice = live.EntryPrice
	} else {
		state.PositionQty = 0
		state.EntryPrice = 0
	}

	// Reconcile orders.
	open, err := e.client.GetOpenOrders(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("grid %s: fetching open orders for recovery: %w", e.symbol, err)
	}
	openByID := make(map[int64]bool, len(open))
	for _, o := range open {
		openByID[o.OrderID] = true
	}

	e.mu.Lock()
	e.state = state
	for i := range e.state.Levels {
		lvl := &e.state.Levels[i]
		if lvl.Status != LevelArmed {
			continue
		}
		if openByID[lvl.OrderID] {
			continue // still resting
		}
		// Order vanished while we were down. Ask for its final status.
		order, err := e.client.GetOrder(ctx, e.symbol, lvl.OrderID)
		if err == nil && order.Status == exchange.StatusFilled {
			e.applyFillLocked(ctx, i, order.AvgPriceOrLimit())
			continue
		}
		lvl.OrderID = 0
		lvl.Status = LevelDeferred
	}
	// Replace any deferred rungs.
	for i := range e.state.Levels {
		if e.state.Levels[i].Status == LevelDeferred {
			e.placeLevelLocked(ctx, i)
		}
	}
	e.mu.Unlock()

	e.persist(ctx)

	e.log.Info().
		Float64("position", state.PositionQty).
		Float64("entry", state.EntryPrice).
		Int("levels", len(state.Levels)).
		Msg("grid resumed in recovery mode")

	if e.events != nil {
		e.events.Publish(events.Event{
			Type: events.EventRecoveryStarted,
			Data: map[string]interface{}{
				"symbol":   e.symbol,
				"position": state.PositionQty,
			},
		})
	}
	return nil
}

// RunCycle polls armed orders for fills, retries deferred placements and
// rebuilds the ladder when volatility has moved target spacing beyond the
// configured tolerance. Call it periodically from the worker loop.
func (e *Engine) RunCycle(ctx context.Context) error {
	e.mu.Lock()
	if e.state == nil {
		e.mu.Unlock()
		return fmt.Errorf("grid %s: not initialized", e.symbol)
	}

	for i := range e.state.Levels {
		lvl := &e.state.Levels[i]
		switch lvl.Status {
		case LevelArmed:
			order, err := e.client.GetOrder(ctx, e.symbol, lvl.OrderID)
			if err != nil {
				if exchange.IsUnknownOrder(err) {
					lvl.OrderID = 0
					lvl.Status = LevelDeferred
				}
				continue
			}
			switch order.Status {
			case exchange.StatusFilled:
				e.applyFillLocked(ctx, i, order.AvgPriceOrLimit())
			case exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusExpired:
				lvl.OrderID = 0
				lvl.Status = LevelDeferred
			}
		case LevelDeferred:
			e.placeLevelLocked(ctx, i)
		}
	}

	e.respaceLocked(ctx)
	e.mu.Unlock()

	e.persist(ctx)
	return ctx.Err()
}

// respaceLocked compares target spacing against the live grid and rebuilds
// the ladder around the current price when they have drifted apart. Resting
// orders are cancelled first; position accounting carries over. Caller
// holds the mutex.
func (e *Engine) respaceLocked(ctx context.Context) {
	target := e.spacing(ctx)
	current := e.state.Spacing
	if current <= 0 {
		return
	}
	tolerance := e.cfg.RespaceTolerancePct / 100
	if tolerance <= 0 {
		tolerance = 0.10
	}
	if math.Abs(target-current)/current <= tolerance {
		return
	}

	price, err := e.client.GetPrice(ctx, e.symbol)
	if err != nil || price <= 0 {
		e.log.Warn().Err(err).Msg("respace skipped, price unavailable")
		return
	}

	// Pull every resting order before relaying the ladder. A cancel that
	// hard-fails leaves a live order behind, so abort and retry next
	// cycle instead of orphaning it.
	for i := range e.state.Levels {
		lvl := &e.state.Levels[i]
		if lvl.Status != LevelArmed {
			continue
		}
		if err := e.client.CancelOrder(ctx, e.symbol, lvl.OrderID); err != nil && !exchange.IsUnknownOrder(err) {
			e.log.Warn().Err(err).Int64("order_id", lvl.OrderID).Msg("respace aborted, cancel failed")
			return
		}
		lvl.OrderID = 0
		lvl.Status = LevelDeferred
	}

	old := e.state
	fresh := e.buildLadder(ctx, price, old.Budget)
	fresh.Mode = old.Mode
	fresh.PositionQty = old.PositionQty
	fresh.EntryPrice = old.EntryPrice
	fresh.RealizedPnL = old.RealizedPnL
	fresh.FillCount = old.FillCount
	e.state = fresh

	for i := range e.state.Levels {
		e.placeLevelLocked(ctx, i)
	}

	e.log.Info().
		Float64("old_spacing", current).
		Float64("new_spacing", fresh.Spacing).
		Float64("center", price).
		Int("open_levels", fresh.OpenLevels()).
		Msg("grid respaced")

	if e.events != nil {
		e.events.Publish(events.Event{
			Type: events.EventGridRespaced,
			Data: map[string]interface{}{
				"symbol":      e.symbol,
				"old_spacing": current,
				"new_spacing": fresh.Spacing,
				"center":      price,
			},
		})
	}
}

// HandleFill processes an externally observed fill (for example from a
// user data stream) for the level holding the given order ID.
func (e *Engine) HandleFill(ctx context.Context, orderID int64, price float64) {
	e.mu.Lock()
	if e.state != nil {
		for i := range e.state.Levels {
			if e.state.Levels[i].OrderID == orderID && e.state.Levels[i].Status == LevelArmed {
				e.applyFillLocked(ctx, i, price)
				break
			}
		}
	}
	e.mu.Unlock()
	e.persist(ctx)
}

// applyFillLocked books the fill at index i and re-arms the opposite side
// one spacing step away from the fill price. Caller holds the mutex.
func (e *Engine) applyFillLocked(ctx context.Context, i int, fillPrice float64) {
	lvl := &e.state.Levels[i]
	if fillPrice <= 0 {
		fillPrice = lvl.Price
	}

	realized := e.bookFillLocked(lvl.Side, fillPrice, lvl.Quantity)
	e.state.FillCount++

	e.log.Info().
		Str("side", string(lvl.Side)).
		Float64("price", fillPrice).
		Float64("quantity", lvl.Quantity).
		Float64("realized_pnl", realized).
		Float64("position", e.state.PositionQty).
		Msg("grid level filled")

	if e.events != nil {
		e.events.PublishOrderFilled(lvl.OrderID, e.symbol, string(lvl.Side), fillPrice, lvl.Quantity, realized)
	}

	// Re-arm the opposite side one step away.
	opposite := lvl.Side.Opposite()
	var newPrice float64
	if opposite == exchange.SideSell {
		newPrice = fillPrice * (1 + e.state.Spacing)
	} else {
		newPrice = fillPrice * (1 - e.state.Spacing)
	}

	// Same base quantity on the way back, so a buy/sell round trip leaves
	// the position flat.
	*lvl = Level{
		Index:    lvl.Index,
		Side:     opposite,
		Price:    newPrice,
		Quantity: lvl.Quantity,
		Status:   LevelDeferred,
	}
	e.placeLevelLocked(ctx, i)

	if e.events != nil {
		e.events.Publish(events.Event{
			Type: events.EventGridLevelRearmed,
			Data: map[string]interface{}{
				"symbol": e.symbol,
				"side":   string(opposite),
				"price":  newPrice,
			},
		})
	}
}

// bookFillLocked updates position quantity, weighted entry price and
// realized PnL for a fill. Returns the realized PnL of the closing part.
// Caller holds the mutex.
func (e *Engine) bookFillLocked(side exchange.OrderSide, price, qty float64) float64 {
	s := e.state
	delta := qty
	if side == exchange.SideSell {
		delta = -qty
	}

	var realized float64
	switch {
	case s.PositionQty == 0 || (s.PositionQty > 0) == (delta > 0):
		// Opening or adding: weight the entry price.
		total := s.PositionQty + delta
		if total != 0 {
			s.EntryPrice = (s.EntryPrice*s.PositionQty + price*delta) / total
		}
		s.PositionQty = total
	default:
		// Closing against the existing position.
		closed := math.Min(math.Abs(delta), math.Abs(s.PositionQty))
		if s.PositionQty > 0 {
			realized = (price - s.EntryPrice) * closed
		} else {
			realized = (s.EntryPrice - price) * closed
		}
		s.RealizedPnL += realized
		s.PositionQty += delta
		if math.Abs(s.PositionQty) < 1e-12 {
			s.PositionQty = 0
			s.EntryPrice = 0
		} else if (s.PositionQty > 0) == (delta > 0) {
			// Flipped through zero, remainder opens at the fill price.
			s.EntryPrice = price
		}
	}
	return realized
}

// placeLevelLocked tries to place the order for level i, with bounded
// retries for transient errors. Failure leaves the level deferred for the
// next cycle. Caller holds the mutex.
func (e *Engine) placeLevelLocked(ctx context.Context, i int) {
	lvl := &e.state.Levels[i]
	clientID := fmt.Sprintf("grid-%s-%d-%s", e.symbol, lvl.Index, uuid.NewString()[:8])

	retries := e.cfg.OrderRetries
	if retries <= 0 {
		retries = 1
	}
	backoff := time.Duration(e.cfg.OrderRetryBackoffMs) * time.Millisecond

	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
		order, err := e.client.PlaceLimitOrder(ctx, e.symbol, lvl.Side, lvl.Price, lvl.Quantity, clientID)
		if err == nil {
			lvl.OrderID = order.OrderID
			lvl.Status = LevelArmed
			if order.Status == exchange.StatusFilled {
				// Marketable on arrival.
				e.applyFillLocked(ctx, i, order.AvgPriceOrLimit())
				return
			}
			if e.events != nil {
				e.events.PublishOrderPlaced(order.OrderID, e.symbol, string(exchange.TypeLimit), string(lvl.Side), lvl.Price, lvl.Quantity)
			}
			return
		}
		if !exchange.IsRetryable(err) {
			e.log.Warn().Err(err).Int("level", lvl.Index).Msg("level placement rejected, deferring")
			lvl.Status = LevelDeferred
			return
		}
		e.log.Debug().Err(err).Int("level", lvl.Index).Int("attempt", attempt+1).Msg("level placement retry")
	}
	lvl.Status = LevelDeferred
}

// CancelAll cancels every resting grid order. An order the exchange no
// longer knows counts as cancelled.
func (e *Engine) CancelAll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}

	var firstErr error
	for i := range e.state.Levels {
		lvl := &e.state.Levels[i]
		if lvl.Status != LevelArmed {
			continue
		}
		err := e.client.CancelOrder(ctx, e.symbol, lvl.OrderID)
		if err != nil && !exchange.IsUnknownOrder(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("grid %s: cancelling order %d: %w", e.symbol, lvl.OrderID, err)
			}
			continue
		}
		lvl.OrderID = 0
		lvl.Status = LevelDeferred
		if e.events != nil {
			e.events.Publish(events.Event{
				Type: events.EventOrderCancelled,
				Data: map[string]interface{}{"symbol": e.symbol, "level": lvl.Index},
			})
		}
	}

	e.persistLocked(ctx)
	return firstErr
}

// persist saves state through the store, logging rather than failing on
// error: trading continues even when persistence is degraded.
func (e *Engine) persist(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persistLocked(ctx)
}

func (e *Engine) persistLocked(ctx context.Context) {
	if e.store == nil || e.state == nil {
		return
	}
	if err := e.store.Save(ctx, e.state.clone()); err != nil {
		e.log.Warn().Err(err).Msg("failed to persist grid state")
	}
}
