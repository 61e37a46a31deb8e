package domain

import "time"

// TradeStatus tracks whether a trade record is broker-confirmed.
type TradeStatus string

const (
	TradeStatusExecuted TradeStatus = "EXECUTED"
)

// Trade is a broker-confirmed fill. A Trade is only ever created with a
// non-empty broker order id and a strictly positive entry price; everything
// except the mark-to-market fields (CurrentPrice, PnL, PnLPercent) and
// reconciler corrections is immutable after insert.
type Trade struct {
	ID            int64
	BrokerOrderID string
	Symbol        string
	Side          Side
	Quantity      int
	EntryPrice    float64
	CurrentPrice  float64
	PnL           float64
	PnLPercent    float64
	Strategy      string
	Status        TradeStatus
	ExecutedAt    time.Time
}

// SignedQuantity returns the quantity with BUY positive and SELL negative.
func (t Trade) SignedQuantity() int {
	if t.Side == SideSell {
		return -t.Quantity
	}
	return t.Quantity
}
