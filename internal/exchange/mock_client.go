package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockClient is a deterministic in-memory exchange used in mock mode and
// tests. Prices are set by the caller, limit orders rest until a price
// crossing fills them, market orders fill instantly at the current price.
type MockClient struct {
	mu sync.Mutex

	prices    map[string]float64
	depths    map[string]*Depth
	klines    map[string][]Kline
	orders    map[int64]*Order
	positions map[string]*Position
	balance   Balance
	leverage  map[string]int

	nextOrderID int64
	fills       []Fill

	// failNext maps an operation name ("place", "cancel", "price") to an
	// error returned once on the next call, for failure-path tests.
	failNext map[string]error

	// failSymbol scripts repeated failures for one symbol's operation,
	// keyed op+"|"+symbol. Other symbols are unaffected.
	failSymbol map[string]*scriptedFailure
}

type scriptedFailure struct {
	err       error
	remaining int
}

var _ Client = (*MockClient)(nil)

// NewMockClient builds a simulated exchange seeded with the given USDT
// balance.
func NewMockClient(balanceUSD float64) *MockClient {
	return &MockClient{
		prices:      make(map[string]float64),
		depths:      make(map[string]*Depth),
		klines:      make(map[string][]Kline),
		orders:      make(map[int64]*Order),
		positions:   make(map[string]*Position),
		leverage:    make(map[string]int),
		failNext:    make(map[string]error),
		failSymbol:  make(map[string]*scriptedFailure),
		nextOrderID: 1000,
		balance:     Balance{Asset: "USDT", Total: balanceUSD, Available: balanceUSD},
	}
}

// SetPrice updates the simulated price and fills any resting limit orders
// the new price crosses.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price

	for _, o := range m.orders {
		if o.Symbol != symbol || o.Status != StatusNew || o.Type != TypeLimit {
			continue
		}
		crossed := (o.Side == SideBuy && price <= o.Price) ||
			(o.Side == SideSell && price >= o.Price)
		if crossed {
			m.fillLocked(o, o.Price)
		}
	}
}

// SetDepth installs an order book snapshot for GetDepth.
func (m *MockClient) SetDepth(symbol string, bids, asks []PriceLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	m.depths[symbol] = &Depth{Symbol: symbol, Bids: bids, Asks: asks}
}

// SetKlines installs candle history for GetKlines.
func (m *MockClient) SetKlines(symbol string, klines []Kline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[symbol] = klines
}

// SetPosition installs an open position, used by recovery tests.
func (m *MockClient) SetPosition(symbol string, amt, entry float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = &Position{
		Symbol:      symbol,
		PositionAmt: amt,
		EntryPrice:  entry,
		MarkPrice:   m.prices[symbol],
	}
}

// FailNext makes the next call of the named operation return err.
// Operations: "place", "cancel", "price", "depth", "positions".
func (m *MockClient) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[op] = err
}

// FailSymbol makes the next times calls of the named operation for symbol
// return err. Calls for other symbols succeed normally. Operations:
// "price", "depth", "order", "place", "cancel".
func (m *MockClient) FailSymbol(symbol, op string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSymbol[op+"|"+symbol] = &scriptedFailure{err: err, remaining: times}
}

// Fills returns every execution recorded so far.
func (m *MockClient) Fills() []Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Fill, len(m.fills))
	copy(out, m.fills)
	return out
}

func (m *MockClient) takeFailure(op string) error {
	if err, ok := m.failNext[op]; ok {
		delete(m.failNext, op)
		return err
	}
	return nil
}

func (m *MockClient) takeSymbolFailure(op, symbol string) error {
	f, ok := m.failSymbol[op+"|"+symbol]
	if !ok {
		return nil
	}
	f.remaining--
	if f.remaining <= 0 {
		delete(m.failSymbol, op+"|"+symbol)
	}
	return f.err
}

// fillLocked marks the order filled at price and updates the position.
// Caller holds the mutex.
func (m *MockClient) fillLocked(o *Order, price float64) {
	o.Status = StatusFilled
	o.ExecutedQty = o.Quantity
	o.AvgPrice = price
	o.UpdateTime = time.Now().UnixMilli()

	m.fills = append(m.fills, Fill{
		Symbol:    o.Symbol,
		OrderID:   o.OrderID,
		Side:      o.Side,
		Price:     price,
		Quantity:  o.Quantity,
		Timestamp: time.Now(),
	})

	pos, ok := m.positions[o.Symbol]
	if !ok {
		pos = &Position{Symbol: o.Symbol}
		m.positions[o.Symbol] = pos
	}
	delta := o.Quantity
	if o.Side == SideSell {
		delta = -delta
	}
	newAmt := pos.PositionAmt + delta
	switch {
	case pos.PositionAmt == 0:
		pos.EntryPrice = price
	case (pos.PositionAmt > 0) == (delta > 0):
		// Same direction, weight the entry.
		total := pos.PositionAmt + delta
		pos.EntryPrice = (pos.EntryPrice*pos.PositionAmt + price*delta) / total
	}
	pos.PositionAmt = newAmt
	pos.MarkPrice = price
	if pos.PositionAmt > -1e-12 && pos.PositionAmt < 1e-12 {
		delete(m.positions, o.Symbol)
	}
}

func (m *MockClient) GetPrice(_ context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("price"); err != nil {
		return 0, err
	}
	if err := m.takeSymbolFailure("price", symbol); err != nil {
		return 0, err
	}
	p, ok := m.prices[symbol]
	if !ok {
		return 0, &APIError{Code: -1121, Message: "Invalid symbol.", HTTPStatus: 400}
	}
	return p, nil
}

func (m *MockClient) GetTicker24h(_ context.Context, symbol string) (*Ticker24h, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prices[symbol]
	return &Ticker24h{Symbol: symbol, LastPrice: p, QuoteVolume: 1_000_000}, nil
}

func (m *MockClient) GetKlines(_ context.Context, symbol, _ string, limit int) ([]Kline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.klines[symbol]
	if len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	out := make([]Kline, len(ks))
	copy(out, ks)
	return out, nil
}

func (m *MockClient) GetDepth(_ context.Context, symbol string, levels int) (*Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("depth"); err != nil {
		return nil, err
	}
	if err := m.takeSymbolFailure("depth", symbol); err != nil {
		return nil, err
	}
	d, ok := m.depths[symbol]
	if !ok {
		// Synthesize a tight book around the current price.
		p := m.prices[symbol]
		if p == 0 {
			return nil, &APIError{Code: -1121, Message: "Invalid symbol.", HTTPStatus: 400}
		}
		d = &Depth{
			Symbol: symbol,
			Bids:   []PriceLevel{{Price: p * 0.9995, Quantity: 1000}},
			Asks:   []PriceLevel{{Price: p * 1.0005, Quantity: 1000}},
		}
	}
	out := &Depth{Symbol: symbol, LastUpdateID: d.LastUpdateID}
	out.Bids = append(out.Bids, d.Bids...)
	out.Asks = append(out.Asks, d.Asks...)
	if len(out.Bids) > levels {
		out.Bids = out.Bids[:levels]
	}
	if len(out.Asks) > levels {
		out.Asks = out.Asks[:levels]
	}
	return out, nil
}

func (m *MockClient) GetBalance(_ context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balance
	return &b, nil
}

func (m *MockClient) GetPositions(_ context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("positions"); err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		cp := *p
		cp.Leverage = m.leverage[p.Symbol]
		if cp.Leverage == 0 {
			cp.Leverage = 1
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MockClient) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *MockClient) PlaceLimitOrder(_ context.Context, symbol string, side OrderSide, price, quantity float64, clientOrderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("place"); err != nil {
		return nil, err
	}
	if err := m.takeSymbolFailure("place", symbol); err != nil {
		return nil, err
	}
	if price <= 0 || quantity <= 0 {
		return nil, &APIError{Code: -1102, Message: "Mandatory parameter was not sent or invalid.", HTTPStatus: 400}
	}

	m.nextOrderID++
	o := &Order{
		Symbol:        symbol,
		OrderID:       m.nextOrderID,
		ClientOrderID: clientOrderID,
		Side:          side,
		Type:          TypeLimit,
		Price:         price,
		Quantity:      quantity,
		Status:        StatusNew,
		UpdateTime:    time.Now().UnixMilli(),
	}
	m.orders[o.OrderID] = o

	// Immediately fill marketable limit orders.
	p := m.prices[symbol]
	if p > 0 {
		if (side == SideBuy && p <= price) || (side == SideSell && p >= price) {
			m.fillLocked(o, price)
		}
	}
	out := *o
	return &out, nil
}

func (m *MockClient) PlaceMarketOrder(_ context.Context, symbol string, side OrderSide, quantity float64, clientOrderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("place"); err != nil {
		return nil, err
	}
	if err := m.takeSymbolFailure("place", symbol); err != nil {
		return nil, err
	}
	p, ok := m.prices[symbol]
	if !ok {
		return nil, &APIError{Code: -1121, Message: "Invalid symbol.", HTTPStatus: 400}
	}

	m.nextOrderID++
	o := &Order{
		Symbol:        symbol,
		OrderID:       m.nextOrderID,
		ClientOrderID: clientOrderID,
		Side:          side,
		Type:          TypeMarket,
		Quantity:      quantity,
		Status:        StatusNew,
	}
	m.orders[o.OrderID] = o
	m.fillLocked(o, p)
	out := *o
	return &out, nil
}

func (m *MockClient) CancelOrder(_ context.Context, symbol string, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure("cancel"); err != nil {
		return err
	}
	if err := m.takeSymbolFailure("cancel", symbol); err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok || o.Symbol != symbol {
		return &APIError{Code: codeUnknownOrder, Message: "Unknown order sent.", HTTPStatus: 400}
	}
	if o.Status == StatusFilled {
		return &APIError{Code: codeUnknownOrder, Message: "Unknown order sent.", HTTPStatus: 400}
	}
	o.Status = StatusCanceled
	o.UpdateTime = time.Now().UnixMilli()
	return nil
}

func (m *MockClient) GetOrder(_ context.Context, symbol string, orderID int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeSymbolFailure("order", symbol); err != nil {
		return nil, err
	}
	o, ok := m.orders[orderID]
	if !ok || o.Symbol != symbol {
		return nil, &APIError{Code: codeOrderNotFound, Message: fmt.Sprintf("Order does not exist: %d", orderID), HTTPStatus: 400}
	}
	out := *o
	return &out, nil
}

func (m *MockClient) GetOpenOrders(_ context.Context, symbol string) ([]Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Symbol == symbol && (o.Status == StatusNew || o.Status == StatusPartiallyFilled) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}
