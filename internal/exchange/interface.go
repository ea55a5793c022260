package exchange

import "context"

// Client is the exchange gateway used by every trading component. Both the
// live HTTP client and the simulated client satisfy it.
type Client interface {
	// Market data
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetTicker24h(ctx context.Context, symbol string) (*Ticker24h, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetDepth(ctx context.Context, symbol string, levels int) (*Depth, error)

	// Account
	GetBalance(ctx context.Context) (*Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// Orders
	PlaceLimitOrder(ctx context.Context, symbol string, side OrderSide, price, quantity float64, clientOrderID string) (*Order, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64, clientOrderID string) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
}
