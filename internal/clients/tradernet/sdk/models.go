package sdk

// Params structs are serialized in field order. The signature is computed
// over the exact body, so field order is part of the wire contract.

// GetAllUserTexInfoParams represents parameters for GetAllUserTexInfo command
type GetAllUserTexInfoParams struct{}

// GetPositionJSONParams represents parameters for getPositionJson command
type GetPositionJSONParams struct{}

// PutTradeOrderParams represents parameters for putTradeOrder command
type PutTradeOrderParams struct {
	InstrName    string   `json:"instr_name"`
	ActionID     int      `json:"action_id"`
	OrderTypeID  int      `json:"order_type_id"`
	Qty          int      `json:"qty"`
	LimitPrice   *float64 `json:"limit_price,omitempty"` // Nil for market orders
	StopPrice    *float64 `json:"stop_price,omitempty"`
	ExpirationID int      `json:"expiration_id"`
	UserOrderID  *int     `json:"user_order_id,omitempty"`
}

// GetNotifyOrderJSONParams represents parameters for getNotifyOrderJson command
type GetNotifyOrderJSONParams struct {
	ActiveOnly int `json:"active_only"` // 1 for working orders only
}

// GetStockQuotesJSONParams represents parameters for getStockQuotesJson command
type GetStockQuotesJSONParams struct {
	Tickers string `json:"tickers"` // Comma-separated: "AAPL.US,MSFT.US"
}

// DelTradeOrderParams represents parameters for delTradeOrder command
type DelTradeOrderParams struct {
	OrderID int64 `json:"order_id"`
}
