package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// APIError is an error returned by the exchange REST API.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Exchange error codes used for classification. These follow the Binance
// futures numbering that the REST API reports.
const (
	codeUnknownOrder         = -2011
	codeOrderNotFound        = -2013
	codeInsufficientBalance  = -2019
	codeMinNotional          = -4164
	codeTooManyRequests      = -1003
	codeTimestampOutOfWindow = -1021
)

// ErrRiskBreach marks a risk control failure that must flatten the position
// rather than retry.
var ErrRiskBreach = errors.New("risk control breach")

// ErrWorkerUnresponsive marks a worker that missed its heartbeat deadline.
var ErrWorkerUnresponsive = errors.New("worker unresponsive")

// ErrInsufficientCapital marks a capital reservation that the allocator
// rejected. Callers skip the attempt without retrying.
var ErrInsufficientCapital = errors.New("insufficient capital")

// IsRetryable reports whether the error is transient and the request may be
// retried with backoff. Covers network failures, timeouts and 5xx responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus >= 500 {
			return true
		}
		return apiErr.Code == codeTimestampOutOfWindow
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF")
}

// IsUnknownOrder reports whether the exchange no longer knows the order.
// Cancelling an already-gone order is treated as success by callers.
func IsUnknownOrder(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderNotFound
	}
	return false
}

// IsInsufficientBalance reports whether the exchange rejected the order for
// lack of margin or balance.
func IsInsufficientBalance(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeInsufficientBalance
	}
	return false
}

// IsMinNotional reports whether the order was below the exchange minimum
// notional value.
func IsMinNotional(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeMinNotional
	}
	return false
}

// IsRateLimited reports whether the exchange is throttling or banning us.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeTooManyRequests || apiErr.HTTPStatus == 429 || apiErr.HTTPStatus == 418
	}
	return false
}
