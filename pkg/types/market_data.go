package types

import "time"

type OHLCV struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// TrueRange returns the true range of a candle given the previous close.
func (c OHLCV) TrueRange(prevClose float64) float64 {
	tr := c.High - c.Low
	if d := abs(c.High - prevClose); d > tr {
		tr = d
	}
	if d := abs(c.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATR computes the average true range over the last period candles.
// Returns 0 when there is not enough data.
func ATR(candles []OHLCV, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	start := len(candles) - period
	sum := 0.0
	for i := start; i < len(candles); i++ {
		sum += candles[i].TrueRange(candles[i-1].Close)
	}
	return sum / float64(period)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
