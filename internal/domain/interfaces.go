package domain

import "context"

// BrokerSession is the capability every brokerage connector implements.
// One session serves exactly one account execution and is never shared.
type BrokerSession interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Account state
	GetAccountSnapshot(ctx context.Context, accountID string) (*AccountSnapshot, error)
	GetMultiplePrices(ctx context.Context, symbols []string) ([]ContractPrice, error)

	// Orders
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (OrderStatus, error)
	GetOpenOrders(ctx context.Context, accountID string) ([]OpenOrder, error)
}

// BrokerFactory builds an unconnected session for an account
type BrokerFactory func(account AccountConfig, sessionID int) (BrokerSession, error)

// AllocationProvider returns the current target allocations of a strategy
type AllocationProvider interface {
	GetAllocations(ctx context.Context, strategyName string) ([]AllocationItem, error)
}

// AccountRepository resolves account configuration
type AccountRepository interface {
	Get(accountID string) (AccountConfig, bool)
	ByStrategy(strategyName string) []AccountConfig
	All() []AccountConfig
}
