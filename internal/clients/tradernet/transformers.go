package tradernet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aristath/rebalancer/internal/domain"
)

// Tradernet order status codes (the "stat" field of getNotifyOrderJson)
var orderStatusCodes = map[int]domain.OrderStatus{
	1:  domain.OrderStatusPending,   // Received
	2:  domain.OrderStatusWorking,   // Partially filled
	3:  domain.OrderStatusFilled,    // Filled
	4:  domain.OrderStatusCancelled, // Cancelled
	5:  domain.OrderStatusWorking,   // Replace requested
	6:  domain.OrderStatusWorking,   // Cancel requested
	7:  domain.OrderStatusRejected,  // Rejected
	8:  domain.OrderStatusWorking,   // Replaced
	9:  domain.OrderStatusPending,   // Registration requested
	10: domain.OrderStatusWorking,   // Accepted by exchange
	11: domain.OrderStatusExpired,   // Expired
	12: domain.OrderStatusCancelled, // Cancelled by exchange
}

// mapOrderStatus converts a "stat" value; unknown codes map to ERROR
func mapOrderStatus(v interface{}) domain.OrderStatus {
	switch s := v.(type) {
	case string:
		if n, err := strconv.Atoi(s); err == nil {
			return mapOrderStatus(n)
		}
		return domain.ParseOrderStatus(s)
	case float64:
		return mapOrderStatus(int(s))
	case int:
		if status, ok := orderStatusCodes[s]; ok {
			return status
		}
	}
	return domain.OrderStatusError
}

// portfolio extracts result.ps from a getPositionJson response
func portfolio(sdkResult map[string]interface{}) (map[string]interface{}, error) {
	result, ok := sdkResult["result"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid SDK result format: missing 'result' field")
	}
	ps, ok := result["ps"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid SDK result format: missing 'ps' field")
	}
	return ps, nil
}

// transformPositions reads result.ps.pos
func transformPositions(sdkResult map[string]interface{}) ([]domain.AccountPosition, error) {
	ps, err := portfolio(sdkResult)
	if err != nil {
		return nil, err
	}

	posArray, _ := ps["pos"].([]interface{})
	positions := make([]domain.AccountPosition, 0, len(posArray))
	for _, item := range posArray {
		posMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		symbol := getString(posMap, "i")
		if symbol == "" {
			continue
		}
		quantity := getFloat64(posMap, "q")
		price := getFloat64(posMap, "mkt_price")
		positions = append(positions, domain.AccountPosition{
			Symbol:      symbol,
			Quantity:    quantity,
			MarketPrice: price,
			MarketValue: quantity * price,
		})
	}
	return positions, nil
}

// transformCash sums result.ps.acc balances in currency. When no balance is
// in that currency every balance is summed.
func transformCash(sdkResult map[string]interface{}, currency string) (float64, error) {
	ps, err := portfolio(sdkResult)
	if err != nil {
		return 0, err
	}

	accArray, _ := ps["acc"].([]interface{})
	var matched, all float64
	found := false
	for _, item := range accArray {
		accMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		amount := getFloat64(accMap, "s")
		all += amount
		if strings.EqualFold(getString(accMap, "curr"), currency) {
			matched += amount
			found = true
		}
	}
	if found {
		return matched, nil
	}
	return all, nil
}

// transformQuotes reads the "q" array of getStockQuotesJson. A missing ask is
// replaced with bid + askDelta.
func transformQuotes(sdkResult map[string]interface{}, askDelta float64) []domain.ContractPrice {
	container := sdkResult
	if result, ok := sdkResult["result"].(map[string]interface{}); ok {
		container = result
	}

	quotesArray, ok := container["q"].([]interface{})
	if !ok {
		return nil
	}

	quotes := make([]domain.ContractPrice, 0, len(quotesArray))
	for _, item := range quotesArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		symbol := getString(itemMap, "c")
		if symbol == "" {
			continue
		}

		q := domain.ContractPrice{
			Symbol: symbol,
			Bid:    getFloat64(itemMap, "bbp"),
			Ask:    getFloat64(itemMap, "bap"),
			Last:   getFloat64(itemMap, "ltp"),
			Close:  getFloat64(itemMap, "pp"),
		}
		if q.Ask <= 0 && q.Bid > 0 {
			q.Ask = q.Bid + askDelta
		}
		quotes = append(quotes, q)
	}
	return quotes
}

// extractOrderID reads "order_id" with "id" as fallback
func extractOrderID(m map[string]interface{}) (string, bool) {
	for _, key := range []string{"order_id", "orderId", "id"} {
		switch v := m[key].(type) {
		case float64:
			return domain.FormatOrderID(int64(v)), true
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return domain.FormatOrderID(n), true
			}
		}
	}
	return "", false
}

// transformOrders reads the order list of getNotifyOrderJson. The list may be
// an array, a single map, or nested under orders.order.
func transformOrders(sdkResult map[string]interface{}) []domain.OpenOrder {
	var raw interface{} = sdkResult["result"]
	if m, ok := raw.(map[string]interface{}); ok {
		if orders, ok := m["orders"].(map[string]interface{}); ok {
			raw = orders["order"]
		} else if orders, ok := m["orders"].([]interface{}); ok {
			raw = orders
		}
	}

	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		items = []interface{}{v}
	}

	orders := make([]domain.OpenOrder, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, ok := extractOrderID(m)
		if !ok {
			continue
		}
		qty := int(getFloat64(m, "q"))
		if isSell(m) && qty > 0 {
			qty = -qty
		}
		orders = append(orders, domain.OpenOrder{
			OrderID:  id,
			Symbol:   getSymbol(m),
			Quantity: qty,
			Status:   mapOrderStatus(m["stat"]),
		})
	}
	return orders
}

// isSell reads the side from "oper" (3, 4 sell) or "buy_sell"
func isSell(m map[string]interface{}) bool {
	switch getString(m, "oper") {
	case "3", "4":
		return true
	}
	return strings.EqualFold(getString(m, "buy_sell"), "sell")
}

// getSymbol extracts symbol with fallback (instr → instr_name → i)
func getSymbol(m map[string]interface{}) string {
	for _, key := range []string{"instr", "instr_name", "i"} {
		if val := getString(m, key); val != "" {
			return val
		}
	}
	return ""
}

// getString safely extracts a string value from a map
func getString(m map[string]interface{}, key string) string {
	val, exists := m[key]
	if !exists || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", val)
}

// getFloat64 safely extracts a float64 value from a map
func getFloat64(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		// Some numeric fields arrive as strings (e.g. "p": "141.4")
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}
