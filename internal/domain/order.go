package domain

import "time"

// OrderType selects how the order is priced at the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ProductType is the broker product/margin category for the order.
type ProductType string

const (
	// ProductMIS is intraday margin product; enables intraday short selling.
	ProductMIS ProductType = "MIS"
	// ProductNRML is the overnight/carry-forward product, used for options.
	ProductNRML ProductType = "NRML"
)

// OrderStatus tracks the order-attempt lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusFailed    OrderStatus = "FAILED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// OrderAttempt records one submission (or admission rejection) for a signal.
// Terminal states: EXECUTED, REJECTED, FAILED, CANCELLED.
type OrderAttempt struct {
	ID            string // UUID
	SignalID      string
	Symbol        string
	Side          Side
	Quantity      int
	Type          OrderType
	LimitPrice    float64 // only for LIMIT orders
	Product       ProductType
	Status        OrderStatus
	Reason        string // rejection/failure reason code, empty on success
	BrokerOrderID string // set only after broker confirmation
	Strategy      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
