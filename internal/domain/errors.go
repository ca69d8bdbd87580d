package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrDedupRejected marks a trigger whose dedup key is already active.
// It is an acknowledgement, not a failure.
var ErrDedupRejected = errors.New("execution already in progress")

// ErrUnsafeTradeList marks a live rebalance aborted because the calculator
// could not produce a safe trade list
var ErrUnsafeTradeList = errors.New("no safe trade list")

// ErrUnsupportedBroker is returned by the session factory for unknown broker kinds
var ErrUnsupportedBroker = errors.New("unsupported broker")

// ValidationError reports a malformed trigger, configuration or calculator input
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// PDTBlockedError reports that a live rebalance already ran this trading day
type PDTBlockedError struct {
	AccountID   string
	NextAllowed time.Time
}

func (e *PDTBlockedError) Error() string {
	return fmt.Sprintf("PDT protection: account %s already executed today, next allowed at %s",
		e.AccountID, e.NextAllowed.Format(time.RFC3339))
}

// BrokerConnectionError reports a failed or timed-out connect
type BrokerConnectionError struct {
	BrokerKind string
	AccountID  string
	SessionID  int
	Err        error
}

func (e *BrokerConnectionError) Error() string {
	return fmt.Sprintf("broker connection failed (%s, account %s, session %d): %v",
		e.BrokerKind, e.AccountID, e.SessionID, e.Err)
}

func (e *BrokerConnectionError) Unwrap() error { return e.Err }

// BrokerAPIError reports a failed broker call on an established session
type BrokerAPIError struct {
	Op  string
	Err error
}

func (e *BrokerAPIError) Error() string {
	return fmt.Sprintf("broker API %s failed: %v", e.Op, e.Err)
}

func (e *BrokerAPIError) Unwrap() error { return e.Err }

// OrderExecutionError reports an order that failed to place or ended unfilled
type OrderExecutionError struct {
	Symbol  string
	OrderID string
	Status  OrderStatus
	Message string
	Err     error
}

func (e *OrderExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.OrderID != "" {
		return fmt.Sprintf("order %s (%s) failed: %s", e.OrderID, e.Symbol, msg)
	}
	return fmt.Sprintf("order for %s failed: %s", e.Symbol, msg)
}

func (e *OrderExecutionError) Unwrap() error { return e.Err }

// AuthenticationError reports an expired or rejected broker session.
// It requires re-authentication outside the process.
type AuthenticationError struct {
	BrokerKind string
	Err        error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication with %s failed: %v", e.BrokerKind, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RateLimitError reports that the broker throttled the request
type RateLimitError struct {
	BrokerKind string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s, retry after %s", e.BrokerKind, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.BrokerKind)
}

// ErrorKind returns a short stable label for an error, used in results and metrics
func ErrorKind(err error) string {
	var (
		validation *ValidationError
		pdt        *PDTBlockedError
		conn       *BrokerConnectionError
		api        *BrokerAPIError
		order      *OrderExecutionError
		auth       *AuthenticationError
		rate       *RateLimitError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDedupRejected):
		return "dedup_rejected"
	case errors.As(err, &validation), errors.Is(err, ErrUnsupportedBroker):
		return "validation"
	case errors.As(err, &pdt):
		return "pdt_blocked"
	case errors.Is(err, ErrUnsafeTradeList):
		return "calculation"
	case errors.As(err, &auth):
		return "authentication"
	case errors.As(err, &rate):
		return "rate_limit"
	case errors.As(err, &conn):
		return "broker_connection"
	case errors.As(err, &order):
		return "order_execution"
	case errors.As(err, &api):
		return "broker_api"
	}
	return "internal"
}
