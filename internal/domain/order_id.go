package domain

import (
	"fmt"
	"strconv"
)

// Order IDs are strings at the broker boundary. Numeric broker IDs are
// stringified in base 10 and parsed back without loss.

// FormatOrderID stringifies a numeric broker order id
func FormatOrderID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseOrderID parses an order id produced by FormatOrderID
func ParseOrderID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("order id %q is not numeric: %w", id, err)
	}
	return n, nil
}
