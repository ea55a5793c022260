package exchange

import "time"

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the exchange order type.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state reported by the exchange.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// MarketType distinguishes spot from derivative markets for capital caps.
type MarketType string

const (
	MarketSpot       MarketType = "spot"
	MarketDerivative MarketType = "derivative"
)

// Order is an order as known to the exchange.
type Order struct {
	Symbol        string      `json:"symbol"`
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Price         float64     `json:"price,string"`
	Quantity      float64     `json:"origQty,string"`
	ExecutedQty   float64     `json:"executedQty,string"`
	AvgPrice      float64     `json:"avgPrice,string"`
	Status        OrderStatus `json:"status"`
	UpdateTime    int64       `json:"updateTime"`
}

// AvgPriceOrLimit returns the average fill price when the exchange reports
// one, falling back to the limit price.
func (o *Order) AvgPriceOrLimit() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

// Fill reports an execution against a resting or market order.
type Fill struct {
	Symbol    string
	OrderID   int64
	Side      OrderSide
	Price     float64
	Quantity  float64
	Fee       float64
	Timestamp time.Time
}

// Position is an open position on the exchange.
type Position struct {
	Symbol        string  `json:"symbol"`
	PositionAmt   float64 `json:"positionAmt,string"` // signed, negative for short
	EntryPrice    float64 `json:"entryPrice,string"`
	MarkPrice     float64 `json:"markPrice,string"`
	UnrealizedPnL float64 `json:"unRealizedProfit,string"`
	Leverage      int     `json:"leverage,string"`
}

// IsOpen reports whether the position has nonzero size.
func (p Position) IsOpen() bool {
	return p.PositionAmt > 1e-12 || p.PositionAmt < -1e-12
}

// Ticker is the latest traded price for a symbol.
type Ticker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
	Time   int64   `json:"time"`
}

// Ticker24h carries 24 hour rolling statistics used by pair selection.
type Ticker24h struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	HighPrice          float64 `json:"highPrice,string"`
	LowPrice           float64 `json:"lowPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
}

// Kline is one candlestick.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// PriceLevel is one level of the order book.
type PriceLevel struct {
	Price    float64
	Quantity float64
}

// Depth is an order book snapshot. Bids are sorted best (highest) first,
// asks best (lowest) first.
type Depth struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// BestBid returns the highest bid, or zero if the book is empty.
func (d *Depth) BestBid() float64 {
	if len(d.Bids) == 0 {
		return 0
	}
	return d.Bids[0].Price
}

// BestAsk returns the lowest ask, or zero if the book is empty.
func (d *Depth) BestAsk() float64 {
	if len(d.Asks) == 0 {
		return 0
	}
	return d.Asks[0].Price
}

// Balance is the account balance in quote currency.
type Balance struct {
	Asset     string  `json:"asset"`
	Total     float64 `json:"balance,string"`
	Available float64 `json:"availableBalance,string"`
}
