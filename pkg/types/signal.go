package types

import "time"

// Direction is the side of a trade signal or position.
type Direction int

const (
	DirectionLong Direction = iota
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// TradeSignal is a candidate trade produced by a strategy. Signals are
// consumed once: they either become a position or are dropped.
type TradeSignal struct {
	Instrument string
	Direction  Direction
	EntryPrice float64
	StopLoss   float64 // 0 means no stop attached
	TakeProfit float64 // 0 means no target attached
	Strength   float64 // [0,1]
	Timestamp  time.Time
	Strategy   string
	Regime     string
	// Annotations carries strategy-specific metadata the control plane
	// never inspects.
	Annotations map[string]string
}

// RiskFraction returns |entry-stop|/entry, the per-trade risk as a
// fraction of entry price. Returns 0 when no stop is set.
func (s *TradeSignal) RiskFraction() float64 {
	if s.StopLoss <= 0 || s.EntryPrice <= 0 {
		return 0
	}
	return abs(s.EntryPrice-s.StopLoss) / s.EntryPrice
}

// RewardRisk returns the reward-to-risk ratio of the signal, or 0 when
// either the stop or the target is missing.
func (s *TradeSignal) RewardRisk() float64 {
	risk := abs(s.EntryPrice - s.StopLoss)
	if s.StopLoss <= 0 || s.TakeProfit <= 0 || risk == 0 {
		return 0
	}
	return abs(s.TakeProfit-s.EntryPrice) / risk
}
