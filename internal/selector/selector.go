package selector

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/internal/exchange"
	"grid-trading-bot/internal/logging"
)

// Indicators supplies technical inputs for grid construction.
type Indicators interface {
	// VolatilityMultiplier scales grid spacing: 1.0 means current
	// volatility matches the baseline, above widens the grid.
	VolatilityMultiplier(ctx context.Context, symbol string) float64
}

// Sentiment scores a pair's bias in [-1, 1]. Positive favors long grids.
type Sentiment interface {
	Score(ctx context.Context, symbol string) float64
}

// CandidateSource lists pairs eligible for trading.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]string, error)
}

// ATRIndicators derives volatility from recent candles: the average true
// range as a fraction of price, measured against a baseline.
type ATRIndicators struct {
	client   exchange.Client
	interval string
	lookback int
	baseline float64 // ATR fraction considered "normal"

	mu    sync.Mutex
	cache map[string]cachedMult
	log   zerolog.Logger
}

type cachedMult struct {
	value float64
	at    time.Time
}

// NewATRIndicators builds an indicator source. baseline is the ATR/price
// fraction mapped to multiplier 1.0.
func NewATRIndicators(client exchange.Client, interval string, lookback int, baseline float64) *ATRIndicators {
	if interval == "" {
		interval = "1h"
	}
	if lookback <= 0 {
		lookback = 24
	}
	if baseline <= 0 {
		baseline = 0.01
	}
	return &ATRIndicators{
		client:   client,
		interval: interval,
		lookback: lookback,
		baseline: baseline,
		cache:    make(map[string]cachedMult),
		log:      logging.For("selector"),
	}
}

// VolatilityMultiplier returns ATR-fraction / baseline, 1.0 when candles
// are unavailable. Results are cached for a minute per symbol.
func (a *ATRIndicators) VolatilityMultiplier(ctx context.Context, symbol string) float64 {
	a.mu.Lock()
	if c, ok := a.cache[symbol]; ok && time.Since(c.at) < time.Minute {
		a.mu.Unlock()
		return c.value
	}
	a.mu.Unlock()

	klines, err := a.client.GetKlines(ctx, symbol, a.interval, a.lookback+1)
	if err != nil || len(klines) < 2 {
		if err != nil {
			a.log.Debug().Err(err).Str("symbol", symbol).Msg("volatility fallback to neutral")
		}
		return 1.0
	}

	var trSum float64
	for i := 1; i < len(klines); i++ {
		prevClose := klines[i-1].Close
		tr := math.Max(klines[i].High-klines[i].Low,
			math.Max(math.Abs(klines[i].High-prevClose), math.Abs(klines[i].Low-prevClose)))
		trSum += tr
	}
	atr := trSum / float64(len(klines)-1)

	last := klines[len(klines)-1].Close
	if last <= 0 {
		return 1.0
	}
	mult := (atr / last) / a.baseline

	a.mu.Lock()
	a.cache[symbol] = cachedMult{value: mult, at: time.Now()}
	a.mu.Unlock()
	return mult
}

// NeutralSentiment scores every pair 0.
type NeutralSentiment struct{}

func (NeutralSentiment) Score(context.Context, string) float64 { return 0 }

// StaticCandidates serves a fixed pair list from configuration.
type StaticCandidates struct {
	Pairs []string
}

func (s StaticCandidates) Candidates(context.Context) ([]string, error) {
	out := make([]string, len(s.Pairs))
	copy(out, s.Pairs)
	return out, nil
}

// Ranked is one scored candidate.
type Ranked struct {
	Symbol      string
	QuoteVolume float64
	Sentiment   float64
	Score       float64
}

// Selector ranks candidate pairs for the coordinator. Liquidity dominates
// the score; sentiment nudges it.
type Selector struct {
	client     exchange.Client
	candidates CandidateSource
	sentiment  Sentiment
	log        zerolog.Logger
}

// New builds a selector. sentiment may be nil for neutral.
func New(client exchange.Client, candidates CandidateSource, sentiment Sentiment) *Selector {
	if sentiment == nil {
		sentiment = NeutralSentiment{}
	}
	return &Selector{
		client:     client,
		candidates: candidates,
		sentiment:  sentiment,
		log:        logging.For("selector"),
	}
}

// Rank scores every candidate and returns them best first, capped at n.
// Pairs whose stats cannot be fetched are skipped.
func (s *Selector) Rank(ctx context.Context, n int) ([]Ranked, error) {
	symbols, err := s.candidates.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	ranked := make([]Ranked, 0, len(symbols))
	for _, sym := range symbols {
		ticker, err := s.client.GetTicker24h(ctx, sym)
		if err != nil {
			s.log.Debug().Err(err).Str("symbol", sym).Msg("skipping candidate, stats unavailable")
			continue
		}
		senti := s.sentiment.Score(ctx, sym)
		r := Ranked{
			Symbol:      sym,
			QuoteVolume: ticker.QuoteVolume,
			Sentiment:   senti,
		}
		// Log-scaled liquidity plus a sentiment nudge.
		if ticker.QuoteVolume > 0 {
			r.Score = math.Log10(ticker.QuoteVolume) + senti
		} else {
			r.Score = senti
		}
		ranked = append(ranked, r)
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked, nil
}
