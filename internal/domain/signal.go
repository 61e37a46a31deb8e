package domain

import "time"

// Side indicates the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the opposing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Signal is a strategy-generated trading intent. It is produced upstream,
// consumed exactly once by the dispatcher, and never mutated.
// Signals cross process boundaries as JSON on the signal stream.
type Signal struct {
	// ID is a UUID used for dedup; assigned by the dispatcher when empty.
	ID             string  `json:"id"`
	Strategy       string  `json:"strategy"`
	Symbol         string  `json:"symbol"`
	Side           Side    `json:"side"`
	Quantity       int     `json:"quantity"`
	ReferencePrice float64 `json:"reference_price"`
	// IsExit marks a signal that closes or reduces an existing position.
	// Exit signals bypass cooldown and the per-symbol daily cap.
	IsExit    bool      `json:"is_exit"`
	CreatedAt time.Time `json:"created_at"`
}

// Notional returns the order value implied by the signal.
func (s Signal) Notional() float64 {
	return float64(s.Quantity) * s.ReferencePrice
}
