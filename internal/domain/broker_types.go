package domain

import "strings"

// Broker-agnostic order types
// Every connector maps its native order states onto OrderStatus

// OrderStatus is the closed set of order states
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusWorking   OrderStatus = "WORKING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
	OrderStatusNotFound  OrderStatus = "NOT_FOUND"
	OrderStatusError     OrderStatus = "ERROR"
)

// IsTerminal reports whether the order will not change state anymore
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsFailed reports whether the order ended without filling
func (s OrderStatus) IsFailed() bool {
	switch s {
	case OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// ParseOrderStatus maps a free-form status string onto OrderStatus.
// Unknown values map to ERROR.
func ParseOrderStatus(s string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "PENDINGSUBMIT", "PRESUBMITTED", "NEW":
		return OrderStatusPending
	case "WORKING", "SUBMITTED", "PARTIALLY_FILLED", "PARTIAL":
		return OrderStatusWorking
	case "FILLED":
		return OrderStatusFilled
	case "CANCELLED", "CANCELED", "APICANCELLED", "PENDINGCANCEL":
		return OrderStatusCancelled
	case "REJECTED", "INACTIVE":
		return OrderStatusRejected
	case "EXPIRED":
		return OrderStatusExpired
	case "NOT_FOUND":
		return OrderStatusNotFound
	}
	return OrderStatusError
}

// OrderRequest is an order to submit. Negative quantity sells.
type OrderRequest struct {
	AccountID   string      // Owning account
	Symbol      string      // Instrument symbol
	Quantity    int         // Signed share count
	OrderType   OrderType   // MARKET or LIMIT
	LimitPrice  float64     // Required for LIMIT orders
	TimeInForce TimeInForce // DAY or GTC
}

// OrderResult is the broker acknowledgement of a placed order
type OrderResult struct {
	OrderID  string      `json:"order_id"`
	Symbol   string      `json:"symbol"`
	Quantity int         `json:"quantity"`
	Status   OrderStatus `json:"status"`
}

// OpenOrder is a working order reported by the broker
type OpenOrder struct {
	OrderID  string      `json:"order_id"`
	Symbol   string      `json:"symbol"`
	Quantity int         `json:"quantity"`
	Status   OrderStatus `json:"status"`
}
