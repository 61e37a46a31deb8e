package domain

import (
	"context"
	"time"
)

// Broker order status strings as reported by the broker API.
const (
	BrokerStatusComplete  = "COMPLETE"
	BrokerStatusOpen      = "OPEN"
	BrokerStatusRejected  = "REJECTED"
	BrokerStatusCancelled = "CANCELLED"
)

// OrderRequest is the parameter set for a single broker order submission.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Quantity   int
	Type       OrderType
	LimitPrice float64 // required for LIMIT orders
	Product    ProductType
}

// BrokerOrder is a broker-side order record as returned by Broker.GetOrders.
type BrokerOrder struct {
	OrderID   string
	Symbol    string
	Side      Side
	Quantity  int
	AvgPrice  float64
	Status    string
	PlacedAt  time.Time
	UpdatedAt time.Time
}

// BrokerPosition is one net or day position entry from the broker.
type BrokerPosition struct {
	Symbol    string
	Quantity  int
	AvgPrice  float64
	LastPrice float64
	PnL       float64
}

// BrokerPositions groups the broker's net and day position books.
type BrokerPositions struct {
	Net []BrokerPosition
	Day []BrokerPosition
}

// Margins is a snapshot of the account's available funds.
type Margins struct {
	AvailableCash float64
}

// Broker abstracts the brokerage used for order execution and account state.
// Implementations must be safe for concurrent use. PlaceOrder returns the
// broker-assigned order id on confirmed submission; an empty id with a nil
// error never occurs (a failed submission always returns an error).
type Broker interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrders(ctx context.Context) ([]BrokerOrder, error)
	GetPositions(ctx context.Context) (BrokerPositions, error)
	GetMargins(ctx context.Context) (Margins, error)
}

// PriceFeed provides last-traded-price lookups. GetPrice returns
// ErrPriceUnavailable when no price is known for the symbol; callers treat
// that as a skipped update, not a failure.
type PriceFeed interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}
