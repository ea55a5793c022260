package exchange

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"grid-trading-bot/internal/logging"
)

// PriceSink receives streamed ticker updates. The market data cache
// implements it so streamed prices serve reads without REST calls.
type PriceSink interface {
	PutPrice(symbol string, price float64)
}

// MarketStream subscribes to mark price tickers over websocket and pushes
// updates into a PriceSink. It reconnects with backoff until stopped.
type MarketStream struct {
	streamURL string
	sink      PriceSink
	log       zerolog.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMarketStream builds a stream for the given websocket base URL.
func NewMarketStream(streamURL string, sink PriceSink) *MarketStream {
	return &MarketStream{
		streamURL: streamURL,
		sink:      sink,
		log:       logging.For("stream"),
		symbols:   make(map[string]struct{}),
	}
}

// Subscribe adds symbols to the stream. Takes effect on the next
// (re)connect.
func (s *MarketStream) Subscribe(symbols ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.symbols[strings.ToUpper(sym)] = struct{}{}
	}
}

// Start launches the stream loop. Safe to call once.
func (s *MarketStream) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop shuts the stream down and waits for the loop to exit.
func (s *MarketStream) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *MarketStream) run(ctx context.Context) {
	defer close(s.done)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		s.log.Warn().Err(err).Dur("backoff", backoff).Msg("stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *MarketStream) streamPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		parts = append(parts, strings.ToLower(sym)+"@miniTicker")
	}
	return strings.Join(parts, "/")
}

func (s *MarketStream) connectAndRead(ctx context.Context) error {
	path := s.streamPath()
	if path == "" {
		// Nothing subscribed yet, poll for subscriptions.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	}

	url := strings.TrimSuffix(s.streamURL, "/ws") + "/stream?streams=" + path
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.log.Info().Str("url", url).Msg("stream connected")

	// Close the socket when the context is cancelled so ReadMessage
	// returns promptly.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

type miniTickerEvent struct {
	Data struct {
		Symbol string `json:"s"`
		Close  string `json:"c"`
	} `json:"data"`
}

func (s *MarketStream) handleMessage(data []byte) {
	var ev miniTickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if ev.Data.Symbol == "" {
		return
	}
	price, err := strconv.ParseFloat(ev.Data.Close, 64)
	if err != nil || price <= 0 {
		return
	}
	s.sink.PutPrice(ev.Data.Symbol, price)
}
