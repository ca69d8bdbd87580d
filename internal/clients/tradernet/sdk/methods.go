package sdk

import (
	"context"
	"fmt"
	"strings"
)

// Order durations
const (
	DurationDay = 1 // Valid until the end of the trading day
	DurationExt = 2 // Extended day order
	DurationGTC = 3 // Good till cancelled
)

// DurationMap maps duration strings to IDs
var DurationMap = map[string]int{
	"day": DurationDay,
	"ext": DurationExt,
	"gtc": DurationGTC,
}

// Order type ids
const (
	OrderTypeMarket = 1
	OrderTypeLimit  = 2
)

// APIError is an error reported in the response body of a successful HTTP call
type APIError struct {
	Cmd     string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s failed (code %d): %s", e.Cmd, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed: %s", e.Cmd, e.Message)
}

// UserInfo retrieves user information. Used to verify credentials on connect.
func (c *Client) UserInfo(ctx context.Context) (map[string]interface{}, error) {
	return c.authorizedRequest(ctx, "GetAllUserTexInfo", GetAllUserTexInfoParams{})
}

// AccountSummary retrieves positions (result.ps.pos) and cash (result.ps.acc)
func (c *Client) AccountSummary(ctx context.Context) (map[string]interface{}, error) {
	return c.authorizedRequest(ctx, "getPositionJson", GetPositionJSONParams{})
}

// Trade places a market (limitPrice nil) or limit order. Negative quantity sells.
func (c *Client) Trade(ctx context.Context, symbol string, quantity int, limitPrice *float64, duration string) (map[string]interface{}, error) {
	durationID, ok := DurationMap[strings.ToLower(duration)]
	if !ok {
		return nil, fmt.Errorf("unknown duration %s", duration)
	}

	// Buy = 1, Sell = 3 (no margin)
	var actionID int
	switch {
	case quantity > 0:
		actionID = 1
	case quantity < 0:
		actionID = 3
	default:
		return nil, fmt.Errorf("zero quantity")
	}

	orderType := OrderTypeMarket
	if limitPrice != nil {
		orderType = OrderTypeLimit
	}

	params := PutTradeOrderParams{
		InstrName:    symbol,
		ActionID:     actionID,
		OrderTypeID:  orderType,
		Qty:          absInt(quantity),
		LimitPrice:   limitPrice,
		ExpirationID: durationID,
	}

	result, err := c.authorizedRequest(ctx, "putTradeOrder", params)
	if err != nil {
		return nil, err
	}
	if msg, ok := result["errMsg"].(string); ok && msg != "" {
		return nil, &APIError{Cmd: "putTradeOrder", Code: codeOf(result), Message: msg}
	}
	return result, nil
}

// GetPlaced lists orders. active limits the list to working orders.
func (c *Client) GetPlaced(ctx context.Context, active bool) (map[string]interface{}, error) {
	activeOnly := 0
	if active {
		activeOnly = 1
	}
	return c.authorizedRequest(ctx, "getNotifyOrderJson", GetNotifyOrderJSONParams{ActiveOnly: activeOnly})
}

// GetQuotes gets quotes for symbols
func (c *Client) GetQuotes(ctx context.Context, symbols []string) (map[string]interface{}, error) {
	return c.authorizedRequest(ctx, "getStockQuotesJson", GetStockQuotesJSONParams{
		Tickers: strings.Join(symbols, ","),
	})
}

// Cancel cancels an order
func (c *Client) Cancel(ctx context.Context, orderID int64) (map[string]interface{}, error) {
	result, err := c.authorizedRequest(ctx, "delTradeOrder", DelTradeOrderParams{OrderID: orderID})
	if err != nil {
		return nil, err
	}

	if code := codeOf(result); code != 0 {
		msg, _ := result["error_message"].(string)
		if msg == "" {
			msg = "unknown error"
		}
		switch code {
		case 12:
			msg = fmt.Sprintf("no permission to cancel order %d: %s", orderID, msg)
		}
		return nil, &APIError{Cmd: "delTradeOrder", Code: code, Message: msg}
	}

	return result, nil
}

func codeOf(result map[string]interface{}) int {
	for _, key := range []string{"error_code", "code"} {
		switch v := result[key].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return 0
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
