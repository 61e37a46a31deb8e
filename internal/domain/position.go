package domain

import "time"

// Position is the net holding per symbol. Quantity is signed: positive for
// net long, negative for net short. A position with zero quantity is removed
// from the active set.
type Position struct {
	Symbol        string
	Quantity      int
	AvgPrice      float64
	LastPrice     float64
	UnrealizedPnL float64
	RealizedPnL   float64
	StopLoss      *float64
	Target        *float64
	UpdatedAt     time.Time
}

// IsLong reports whether the position is net long.
func (p Position) IsLong() bool { return p.Quantity > 0 }

// IsShort reports whether the position is net short.
func (p Position) IsShort() bool { return p.Quantity < 0 }

// IsFlat reports whether the position has no net quantity.
func (p Position) IsFlat() bool { return p.Quantity == 0 }

// MatchesDirection reports whether an order on the given side would add to
// the position's existing direction.
func (p Position) MatchesDirection(side Side) bool {
	switch side {
	case SideBuy:
		return p.IsLong()
	case SideSell:
		return p.IsShort()
	}
	return false
}
