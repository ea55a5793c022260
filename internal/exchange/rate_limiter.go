package exchange

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"grid-trading-bot/internal/logging"
)

// RequestPriority orders access to the request weight budget. Higher
// priority requests keep working closer to the limit, lower priority
// requests are throttled first.
type RequestPriority int

const (
	// PriorityCritical covers order placement, cancellation and position
	// closes. These use up to 95% of the weight budget.
	PriorityCritical RequestPriority = iota

	// PriorityHigh covers position and balance checks, up to 80%.
	PriorityHigh

	// PriorityNormal covers market data for active pairs, up to 60%.
	PriorityNormal

	// PriorityLow covers background scans and analytics, up to 40%.
	PriorityLow
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

func (p RequestPriority) threshold() float64 {
	switch p {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	case PriorityNormal:
		return 0.60
	case PriorityLow:
		return 0.40
	default:
		return 0.50
	}
}

var endpointWeights = map[string]int{
	"/fapi/v1/ticker/price": 1,
	"/fapi/v1/ticker/24hr":  1,
	"/fapi/v1/klines":       5,
	"/fapi/v1/depth":        5,
	"/fapi/v2/balance":      5,
	"/fapi/v2/positionRisk": 5,
	"/fapi/v1/leverage":     1,
	"/fapi/v1/order":        1,
	"/fapi/v1/openOrders":   1,
}

func endpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	return 1
}

// AcquireResult reports the outcome of a TryAcquire attempt.
type AcquireResult struct {
	Acquired bool
	WaitTime time.Duration // suggested wait when not acquired
	Reason   string
	UsagePct float64
}

// RateLimiter tracks the per-minute weight budget and opens a circuit
// breaker when the exchange signals a ban.
type RateLimiter struct {
	mu sync.Mutex

	maxWeight     int
	currentWeight int
	weightResetAt time.Time

	circuitOpen bool
	banUntil    time.Time

	consecutiveErrors int

	log zerolog.Logger
}

// NewRateLimiter creates a limiter with the given per-minute weight budget.
func NewRateLimiter(maxWeight int) *RateLimiter {
	if maxWeight <= 0 {
		maxWeight = 2400
	}
	return &RateLimiter{
		maxWeight:     maxWeight,
		weightResetAt: time.Now().Add(time.Minute),
		log:           logging.For("ratelimit"),
	}
}

// TryAcquire atomically checks the budget at the given priority and records
// the endpoint weight when granted.
func (r *RateLimiter) TryAcquire(endpoint string, priority RequestPriority) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}

	if r.circuitOpen {
		if now.Before(r.banUntil) {
			return AcquireResult{
				Acquired: false,
				WaitTime: time.Until(r.banUntil),
				Reason:   "circuit_open",
				UsagePct: 100,
			}
		}
		r.circuitOpen = false
		r.log.Info().Msg("circuit breaker closed, ban expired")
	}

	weight := endpointWeight(endpoint)
	limit := int(float64(r.maxWeight) * priority.threshold())
	if r.currentWeight+weight > limit {
		wait := time.Until(r.weightResetAt)
		if wait < 0 {
			wait = 100 * time.Millisecond
		}
		return AcquireResult{
			Acquired: false,
			WaitTime: wait,
			Reason:   "weight_budget_exhausted_" + priority.String(),
			UsagePct: float64(r.currentWeight) / float64(r.maxWeight) * 100,
		}
	}

	r.currentWeight += weight
	r.consecutiveErrors = 0
	return AcquireResult{
		Acquired: true,
		UsagePct: float64(r.currentWeight) / float64(r.maxWeight) * 100,
	}
}

// Wait blocks until the budget admits the request or the deadline passes.
func (r *RateLimiter) Wait(endpoint string, priority RequestPriority, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		res := r.TryAcquire(endpoint, priority)
		if res.Acquired {
			return true
		}
		if time.Now().Add(res.WaitTime).After(deadline) {
			return false
		}
		wait := res.WaitTime
		if wait > 5*time.Second {
			wait = 5 * time.Second
		}
		time.Sleep(wait)
	}
}

// RecordRateLimitError opens the circuit breaker. banUntilMs is the ban
// expiry reported by the exchange; zero falls back to exponential backoff.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutiveErrors++
	if banUntilMs > 0 {
		r.banUntil = time.UnixMilli(banUntilMs)
	} else {
		backoff := time.Duration(1<<uint(r.consecutiveErrors)) * time.Minute
		if backoff > 30*time.Minute {
			backoff = 30 * time.Minute
		}
		r.banUntil = time.Now().Add(backoff)
	}
	r.circuitOpen = true

	r.log.Warn().
		Time("ban_until", r.banUntil).
		Int("consecutive_errors", r.consecutiveErrors).
		Msg("circuit breaker open")
}

// UpdateFromHeaders reconciles our tracked weight with the exchange's
// reported used weight.
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if usedWeight1m > r.currentWeight {
		r.currentWeight = usedWeight1m
	}
}

// IsCircuitOpen reports whether requests are currently blocked by a ban.
func (r *RateLimiter) IsCircuitOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitOpen && time.Now().Before(r.banUntil)
}

// Usage returns current weight consumption for status reporting.
func (r *RateLimiter) Usage() (current, max int, pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentWeight, r.maxWeight, float64(r.currentWeight) / float64(r.maxWeight) * 100
}
