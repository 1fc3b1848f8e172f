package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrueRange(t *testing.T) {
	c := OHLCV{High: 105, Low: 100, Close: 103}

	// Plain high-low range when the previous close sits inside it.
	assert.Equal(t, 5.0, c.TrueRange(102))
	// Gap up: distance from previous close to the high dominates.
	assert.Equal(t, 10.0, c.TrueRange(95))
	// Gap down: distance from previous close to the low dominates.
	assert.Equal(t, 10.0, c.TrueRange(110))
}

func TestATR(t *testing.T) {
	candles := make([]OHLCV, 20)
	ts := time.Now()
	for i := range candles {
		candles[i] = OHLCV{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100,
		}
	}

	assert.Equal(t, 2.0, ATR(candles, 14))
	// Not enough candles for the lookback.
	assert.Zero(t, ATR(candles[:10], 14))
	assert.Zero(t, ATR(nil, 14))
}

func TestRiskFraction(t *testing.T) {
	tests := []struct {
		name   string
		signal TradeSignal
		want   float64
	}{
		{
			name:   "long with stop",
			signal: TradeSignal{Direction: DirectionLong, EntryPrice: 100, StopLoss: 98},
			want:   0.02,
		},
		{
			name:   "short with stop",
			signal: TradeSignal{Direction: DirectionShort, EntryPrice: 100, StopLoss: 102},
			want:   0.02,
		},
		{
			name:   "no stop",
			signal: TradeSignal{Direction: DirectionLong, EntryPrice: 100},
			want:   0,
		},
		{
			name:   "zero entry",
			signal: TradeSignal{Direction: DirectionLong, StopLoss: 98},
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.signal.RiskFraction(), 1e-9)
		})
	}
}

func TestRewardRisk(t *testing.T) {
	long := TradeSignal{Direction: DirectionLong, EntryPrice: 100, StopLoss: 98, TakeProfit: 106}
	assert.InDelta(t, 3.0, long.RewardRisk(), 1e-9)

	short := TradeSignal{Direction: DirectionShort, EntryPrice: 100, StopLoss: 101, TakeProfit: 97}
	assert.InDelta(t, 3.0, short.RewardRisk(), 1e-9)

	noStop := TradeSignal{Direction: DirectionLong, EntryPrice: 100, TakeProfit: 106}
	assert.Zero(t, noStop.RewardRisk())
}

func TestMarginUtilization(t *testing.T) {
	a := AccountInfo{Equity: 10000, MarginUsed: 1000}
	assert.InDelta(t, 0.1, a.MarginUtilization(), 1e-9)

	zero := AccountInfo{Equity: 0, MarginUsed: 1000}
	assert.Zero(t, zero.MarginUtilization())
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "LONG", DirectionLong.String())
	assert.Equal(t, "SHORT", DirectionShort.String())
}
