package position

import (
	"time"

	"github.com/quantro/fxcontrol/pkg/types"
)

// Status is the lifecycle state of a tracked position. A position only
// moves forward: PENDING -> OPEN -> CLOSED/CANCELLED, never back.
type Status int

const (
	StatusPending Status = iota
	StatusOpen
	StatusClosed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Position is a broker position tracked locally. Its identity is the
// broker-assigned trade id; a position has no identity before the
// broker confirms the fill. The Manager is the sole writer.
type Position struct {
	ID            string
	Instrument    string
	Direction     types.Direction
	Units         int // signed: negative for short
	EntryPrice    float64
	CurrentPrice  float64
	StopLoss      float64
	TakeProfit    float64
	OpenedAt      time.Time
	ClosedAt      time.Time
	Status        Status
	Strategy      string
	UnrealizedPnL float64
}

// updatePrice sets the current price and recomputes unrealized P&L.
func (p *Position) updatePrice(price float64) {
	p.CurrentPrice = price
	units := float64(p.Units)
	if units < 0 {
		units = -units
	}
	if p.Direction == types.DirectionLong {
		p.UnrealizedPnL = (price - p.EntryPrice) * units
	} else {
		p.UnrealizedPnL = (p.EntryPrice - price) * units
	}
}

// Notional returns the absolute exposure of the position at entry.
func (p *Position) Notional() float64 {
	units := float64(p.Units)
	if units < 0 {
		units = -units
	}
	return units * p.EntryPrice
}

// Summary aggregates open positions by instrument and by strategy.
type Summary struct {
	OpenCount     int
	TotalPnL      float64
	TotalNotional float64
	ByInstrument  map[string]int
	ByStrategy    map[string]int
}
