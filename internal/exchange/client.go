package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/internal/logging"
)

// HTTPClient talks to the exchange futures REST API with HMAC request
// signing, weight-aware rate limiting and bounded retries.
type HTTPClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	maxRetries int
	log        zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a live exchange client.
func NewHTTPClient(apiKey, secretKey, baseURL string, maxWeight, maxRetries int) *HTTPClient {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &HTTPClient{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    NewRateLimiter(maxWeight),
		maxRetries: maxRetries,
		log:        logging.For("exchange"),
	}
}

// Limiter exposes the rate limiter for status reporting.
func (c *HTTPClient) Limiter() *RateLimiter { return c.limiter }

func (c *HTTPClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// doRequest issues one HTTP request. Signed requests get a timestamp and
// signature appended. The response body is returned raw on 2xx; otherwise
// the exchange error payload is decoded into an APIError.
func (c *HTTPClient) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool, priority RequestPriority) ([]byte, error) {
	if !c.limiter.Wait(endpoint, priority, 30*time.Second) {
		return nil, &APIError{Code: codeTooManyRequests, Message: "local rate limit budget exhausted", HTTPStatus: 429}
	}

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", "5000")
		params.Set("signature", c.sign(params.Encode()))
	}

	reqURL := c.baseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if used := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); used != "" {
		if w, err := strconv.Atoi(used); err == nil {
			c.limiter.UpdateFromHeaders(w)
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: string(data)}
	_ = json.Unmarshal(data, apiErr)
	if IsRateLimited(apiErr) {
		c.limiter.RecordRateLimitError(0)
	}
	return nil, apiErr
}

// request wraps doRequest with bounded retries for transient failures.
func (c *HTTPClient) request(ctx context.Context, method, endpoint string, params url.Values, signed bool, priority RequestPriority) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			c.log.Debug().Str("endpoint", endpoint).Int("attempt", attempt).Msg("retrying request")
		}
		data, err := c.doRequest(ctx, method, endpoint, cloneValues(params), signed, priority)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// GetPrice returns the latest traded price for a symbol.
func (c *HTTPClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := c.request(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false, PriorityNormal)
	if err != nil {
		return 0, err
	}
	var t Ticker
	if err := json.Unmarshal(data, &t); err != nil {
		return 0, fmt.Errorf("parsing ticker: %w", err)
	}
	return t.Price, nil
}

// GetTicker24h returns 24 hour rolling statistics for a symbol.
func (c *HTTPClient) GetTicker24h(ctx context.Context, symbol string) (*Ticker24h, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := c.request(ctx, http.MethodGet, "/fapi/v1/ticker/24hr", params, false, PriorityLow)
	if err != nil {
		return nil, err
	}
	var t Ticker24h
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing 24h ticker: %w", err)
	}
	return &t, nil
}

// GetKlines returns up to limit candlesticks for the symbol and interval.
func (c *HTTPClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	data, err := c.request(ctx, http.MethodGet, "/fapi/v1/klines", params, false, PriorityNormal)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}
	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  int64(asFloat(row[0])),
			Open:      asFloat(row[1]),
			High:      asFloat(row[2]),
			Low:       asFloat(row[3]),
			Close:     asFloat(row[4]),
			Volume:    asFloat(row[5]),
			CloseTime: int64(asFloat(row[6])),
		})
	}
	return klines, nil
}

// GetDepth returns an order book snapshot with up to levels entries per side.
func (c *HTTPClient) GetDepth(ctx context.Context, symbol string, levels int) (*Depth, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(levels))
	data, err := c.request(ctx, http.MethodGet, "/fapi/v1/depth", params, false, PriorityNormal)
	if err != nil {
		return nil, err
	}

	var raw struct {
		LastUpdateID int64       `json:"lastUpdateId"`
		Bids         [][2]string `json:"bids"`
		Asks         [][2]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing depth: %w", err)
	}

	depth := &Depth{Symbol: symbol, LastUpdateID: raw.LastUpdateID}
	for _, b := range raw.Bids {
		depth.Bids = append(depth.Bids, parseLevel(b))
	}
	for _, a := range raw.Asks {
		depth.Asks = append(depth.Asks, parseLevel(a))
	}
	return depth, nil
}

// GetBalance returns the USDT account balance.
func (c *HTTPClient) GetBalance(ctx context.Context) (*Balance, error) {
	data, err := c.request(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, PriorityHigh)
	if err != nil {
		return nil, err
	}
	var balances []Balance
	if err := json.Unmarshal(data, &balances); err != nil {
		return nil, fmt.Errorf("parsing balances: %w", err)
	}
	for i := range balances {
		if balances[i].Asset == "USDT" {
			return &balances[i], nil
		}
	}
	return &Balance{Asset: "USDT"}, nil
}

// GetPositions returns all open positions.
func (c *HTTPClient) GetPositions(ctx context.Context) ([]Position, error) {
	data, err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, PriorityHigh)
	if err != nil {
		return nil, err
	}
	var all []Position
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}
	open := all[:0]
	for _, p := range all {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *HTTPClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, PriorityHigh)
	return err
}

// PlaceLimitOrder places a GTC (good-till-cancel) limit order.
func (c *HTTPClient) PlaceLimitOrder(ctx context.Context, symbol string, side OrderSide, price, quantity float64, clientOrderID string) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(TypeLimit))
	params.Set("timeInForce", "GTC")
	params.Set("price", formatFloat(price))
	params.Set("quantity", formatFloat(quantity))
	if clientOrderID != "" {
		params.Set("newClientOrderId", clientOrderID)
	}
	return c.placeOrder(ctx, params)
}

// PlaceMarketOrder places a market order.
func (c *HTTPClient) PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, quantity float64, clientOrderID string) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(TypeMarket))
	params.Set("quantity", formatFloat(quantity))
	params.Set("newOrderRespType", "RESULT")
	if clientOrderID != "" {
		params.Set("newClientOrderId", clientOrderID)
	}
	return c.placeOrder(ctx, params)
}

func (c *HTTPClient) placeOrder(ctx context.Context, params url.Values) (*Order, error) {
	data, err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, PriorityCritical)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return &order, nil
}

// CancelOrder cancels a resting order.
func (c *HTTPClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true, PriorityCritical)
	return err
}

// GetOrder returns the current state of an order.
func (c *HTTPClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	data, err := c.request(ctx, http.MethodGet, "/fapi/v1/order", params, true, PriorityHigh)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("parsing order: %w", err)
	}
	return &order, nil
}

// GetOpenOrders returns all open orders for a symbol.
func (c *HTTPClient) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, err := c.request(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, PriorityHigh)
	if err != nil {
		return nil, err
	}
	var orders []Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}
	return orders, nil
}

func parseLevel(pair [2]string) PriceLevel {
	price, _ := strconv.ParseFloat(pair[0], 64)
	qty, _ := strconv.ParseFloat(pair[1], 64)
	return PriceLevel{Price: price, Quantity: qty}
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
