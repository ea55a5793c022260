package cache

import (
	"context"
	"fmt"
	"time"

	"grid-trading-bot/internal/exchange"
)

// ClientTTLs sets how long each kind of market data stays fresh. Zero
// values fall back to the defaults below.
type ClientTTLs struct {
	Price  time.Duration
	Depth  time.Duration
	Klines time.Duration
	Ticker time.Duration
}

const (
	defaultPriceTTL  = 2 * time.Second
	defaultDepthTTL  = 2 * time.Second
	defaultKlinesTTL = 30 * time.Second
	defaultTickerTTL = 10 * time.Second
)

// CachedClient is a read-through exchange client: market data reads go
// through the cache, with the wrapped client as the miss loader, so every
// component shares one pool of fresh data and concurrent misses coalesce
// into a single upstream request. Order and account operations pass
// straight through; they must always reflect the live exchange.
type CachedClient struct {
	inner exchange.Client
	cache *MarketCache
	ttls  ClientTTLs
}

var _ exchange.Client = (*CachedClient)(nil)

// NewCachedClient wraps inner with the given cache.
func NewCachedClient(inner exchange.Client, cache *MarketCache, ttls ClientTTLs) *CachedClient {
	if ttls.Price <= 0 {
		ttls.Price = defaultPriceTTL
	}
	if ttls.Depth <= 0 {
		ttls.Depth = defaultDepthTTL
	}
	if ttls.Klines <= 0 {
		ttls.Klines = defaultKlinesTTL
	}
	if ttls.Ticker <= 0 {
		ttls.Ticker = defaultTickerTTL
	}
	return &CachedClient{inner: inner, cache: cache, ttls: ttls}
}

// GetPrice reads through the cache using the same key the market stream
// writes, so streamed ticks serve reads without an upstream call.
func (c *CachedClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	v, err := c.cache.Get(ctx, "price:"+symbol, c.ttls.Price, func(ctx context.Context) (interface{}, error) {
		return c.inner.GetPrice(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	price, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("cache: unexpected price type %T for %s", v, symbol)
	}
	return price, nil
}

func (c *CachedClient) GetTicker24h(ctx context.Context, symbol string) (*exchange.Ticker24h, error) {
	v, err := c.cache.Get(ctx, "ticker:"+symbol, c.ttls.Ticker, func(ctx context.Context) (interface{}, error) {
		return c.inner.GetTicker24h(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*exchange.Ticker24h), nil
}

func (c *CachedClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error) {
	key := fmt.Sprintf("klines:%s:%s:%d", symbol, interval, limit)
	v, err := c.cache.Get(ctx, key, c.ttls.Klines, func(ctx context.Context) (interface{}, error) {
		return c.inner.GetKlines(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]exchange.Kline), nil
}

func (c *CachedClient) GetDepth(ctx context.Context, symbol string, levels int) (*exchange.Depth, error) {
	key := fmt.Sprintf("depth:%s:%d", symbol, levels)
	v, err := c.cache.Get(ctx, key, c.ttls.Depth, func(ctx context.Context) (interface{}, error) {
		return c.inner.GetDepth(ctx, symbol, levels)
	})
	if err != nil {
		return nil, err
	}
	return v.(*exchange.Depth), nil
}

// Account and order operations below bypass the cache.

func (c *CachedClient) GetBalance(ctx context.Context) (*exchange.Balance, error) {
	return c.inner.GetBalance(ctx)
}

func (c *CachedClient) GetPositions(ctx context.Context) ([]exchange.Position, error) {
	return c.inner.GetPositions(ctx)
}

func (c *CachedClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return c.inner.SetLeverage(ctx, symbol, leverage)
}

func (c *CachedClient) PlaceLimitOrder(ctx context.Context, symbol string, side exchange.OrderSide, price, quantity float64, clientOrderID string) (*exchange.Order, error) {
	return c.inner.PlaceLimitOrder(ctx, symbol, side, price, quantity, clientOrderID)
}

func (c *CachedClient) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.OrderSide, quantity float64, clientOrderID string) (*exchange.Order, error) {
	return c.inner.PlaceMarketOrder(ctx, symbol, side, quantity, clientOrderID)
}

func (c *CachedClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return c.inner.CancelOrder(ctx, symbol, orderID)
}

func (c *CachedClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*exchange.Order, error) {
	return c.inner.GetOrder(ctx, symbol, orderID)
}

func (c *CachedClient) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	return c.inner.GetOpenOrders(ctx, symbol)
}
