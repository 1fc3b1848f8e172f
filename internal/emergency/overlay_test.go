package emergency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantro/fxcontrol/internal/logger"
	"github.com/quantro/fxcontrol/internal/notifications"
	"github.com/quantro/fxcontrol/pkg/types"
)

func newTestOverlay() *Overlay {
	return NewOverlay(DefaultConfig(), logger.NewNop(), notifications.Nop{})
}

func calmWindow(n int, price, spread float64) []types.OHLCV {
	out := make([]types.OHLCV, n)
	ts := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := range out {
		out[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price + spread/2,
			Low:       price - spread/2,
			Close:     price,
			Volume:    1000,
		}
	}
	return out
}

// withRecentSpike widens the last k candle ranges by factor.
func withRecentSpike(window []types.OHLCV, k int, factor float64) []types.OHLCV {
	out := make([]types.OHLCV, len(window))
	copy(out, window)
	for i := len(out) - k; i < len(out); i++ {
		mid := (out[i].High + out[i].Low) / 2
		half := (out[i].High - out[i].Low) / 2 * factor
		out[i].High = mid + half
		out[i].Low = mid - half
	}
	return out
}

func TestDrawdownLadder(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		want  Level
	}{
		{"no drawdown", 10000, LevelNormal},
		{"below level 1", 9100, LevelNormal},
		{"level 1 at 10 percent", 9000, Level1},
		{"level 2 at 15 percent", 8500, Level2},
		{"crisis at 20 percent", 8000, LevelCrisis},
		{"stop at 25 percent", 7500, LevelStop},
		{"stop past 25 percent", 7000, LevelStop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOverlay()
			o.UpdatePortfolioValue(10000)
			o.UpdatePortfolioValue(tt.value)
			assert.Equal(t, tt.want, o.Status().Level)
		})
	}
}

func TestTradingHaltedOnlyAtStop(t *testing.T) {
	for _, value := range []float64{10000, 8900, 8400, 7900} {
		o := newTestOverlay()
		o.UpdatePortfolioValue(10000)
		o.UpdatePortfolioValue(value)
		assert.False(t, o.Status().TradingHalted, "value %.0f", value)
	}

	o := newTestOverlay()
	o.UpdatePortfolioValue(10000)
	o.UpdatePortfolioValue(7400)
	assert.True(t, o.Status().TradingHalted)
}

func TestSizeMultiplierPerLevel(t *testing.T) {
	tests := []struct {
		value float64
		want  float64
	}{
		{10000, 1.0},
		{8900, 0.75},
		{8400, 0.50},
		{7900, 0.25},
		{7400, 0},
	}

	for _, tt := range tests {
		o := newTestOverlay()
		o.UpdatePortfolioValue(10000)
		o.UpdatePortfolioValue(tt.value)
		assert.Equal(t, tt.want, o.Status().SizeMultiplier)
		assert.Equal(t, 100*tt.want, o.ApplySizeMultiplier(100))
	}
}

func TestLevelRecoversWithEquity(t *testing.T) {
	o := newTestOverlay()
	o.UpdatePortfolioValue(10000)
	o.UpdatePortfolioValue(8000)
	require.Equal(t, LevelCrisis, o.Status().Level)

	o.UpdatePortfolioValue(9500)
	assert.Equal(t, LevelNormal, o.Status().Level)
	assert.False(t, o.Status().TradingHalted)
}

func TestStressEventDetection(t *testing.T) {
	o := newTestOverlay()
	o.UpdatePortfolioValue(10000)

	window := calmWindow(60, 100, 0.5)
	o.MonitorStressEvents("EURUSD", window)
	assert.Zero(t, o.Status().ActiveStressEvents)

	spiked := withRecentSpike(window, 5, 2.5)
	o.MonitorStressEvents("EURUSD", spiked)

	status := o.Status()
	assert.Equal(t, 1, status.ActiveStressEvents)
	// Active stress escalates a NORMAL book to at least LEVEL_1.
	assert.Equal(t, Level1, status.Level)
}

func TestCriticalStressEscalatesToLevel2(t *testing.T) {
	o := newTestOverlay()
	o.UpdatePortfolioValue(10000)

	window := calmWindow(60, 100, 0.5)
	o.MonitorStressEvents("EURUSD", withRecentSpike(window, 5, 3.5))

	assert.Equal(t, Level2, o.Status().Level)

	events := o.ActiveEvents()
	require.Len(t, events, 1)
	assert.True(t, events[0].Critical)
	assert.Greater(t, events[0].Severity, 3.0)
}

func TestStressEventsExpire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StressTTL = 10 * time.Millisecond
	o := NewOverlay(cfg, logger.NewNop(), notifications.Nop{})
	o.UpdatePortfolioValue(10000)

	window := calmWindow(60, 100, 0.5)
	o.MonitorStressEvents("EURUSD", withRecentSpike(window, 5, 2.5))
	require.Equal(t, 1, o.Status().ActiveStressEvents)

	time.Sleep(20 * time.Millisecond)
	status := o.Status()
	assert.Zero(t, status.ActiveStressEvents)
	assert.Equal(t, LevelNormal, status.Level)
}

func TestGateSignalAtStop(t *testing.T) {
	o := newTestOverlay()
	o.UpdatePortfolioValue(10000)
	o.UpdatePortfolioValue(7000)

	signal := &types.TradeSignal{
		Instrument: "EURUSD",
		Direction:  types.DirectionLong,
		EntryPrice: 1.10,
		StopLoss:   1.09,
		TakeProfit: 1.16,
	}
	ok, reason := o.GateSignal(signal, 0.01, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "halted")
}

func TestGateSignalInCrisis(t *testing.T) {
	strong := &types.TradeSignal{
		Instrument: "EURUSD",
		Direction:  types.DirectionLong,
		EntryPrice: 1.10,
		StopLoss:   1.09,
		TakeProfit: 1.14, // RR 4.0
	}
	weak := &types.TradeSignal{
		Instrument: "EURUSD",
		Direction:  types.DirectionLong,
		EntryPrice: 1.10,
		StopLoss:   1.09,
		TakeProfit: 1.12, // RR 2.0
	}

	o := newTestOverlay()
	o.UpdatePortfolioValue(10000)
	o.UpdatePortfolioValue(8000)
	require.Equal(t, LevelCrisis, o.Status().Level)

	ok, _ := o.GateSignal(strong, 0.02, 0.01)
	assert.True(t, ok)

	ok, reason := o.GateSignal(weak, 0.02, 0.01)
	assert.False(t, ok)
	assert.Contains(t, reason, "RR")

	// Strong reward profile but volatility under the crisis floor.
	ok, reason = o.GateSignal(strong, 0.012, 0.01)
	assert.False(t, ok)
	assert.Contains(t, reason, "ATR")
}

func TestGateSignalDuringStress(t *testing.T) {
	o := newTestOverlay()
	o.UpdatePortfolioValue(10000)

	window := calmWindow(60, 100, 0.5)
	o.MonitorStressEvents("EURUSD", withRecentSpike(window, 5, 2.5))
	require.Equal(t, Level1, o.Status().Level)

	weak := &types.TradeSignal{
		Instrument: "EURUSD",
		Direction:  types.DirectionLong,
		EntryPrice: 1.10,
		StopLoss:   1.09,
		TakeProfit: 1.115, // RR 1.5
	}
	ok, reason := o.GateSignal(weak, 0.02, 0)
	assert.False(t, ok)
	assert.Contains(t, reason, "stress")

	solid := &types.TradeSignal{
		Instrument: "EURUSD",
		Direction:  types.DirectionLong,
		EntryPrice: 1.10,
		StopLoss:   1.09,
		TakeProfit: 1.13, // RR 3.0
	}
	ok, _ = o.GateSignal(solid, 0.02, 0)
	assert.True(t, ok)
}

func TestGateSignalNormalPassesAnything(t *testing.T) {
	o := newTestOverlay()
	o.UpdatePortfolioValue(10000)

	weak := &types.TradeSignal{
		Instrument: "EURUSD",
		Direction:  types.DirectionLong,
		EntryPrice: 1.10,
		StopLoss:   1.09,
		TakeProfit: 1.105,
	}
	ok, reason := o.GateSignal(weak, 0.001, 0.01)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestRequiredWindowMatchesConfiguredWindows(t *testing.T) {
	o := newTestOverlay()
	assert.Equal(t, 55, o.RequiredWindow())

	cfg := DefaultConfig()
	cfg.BaselineWindow = 20
	cfg.RecentWindow = 3
	o = NewOverlay(cfg, logger.NewNop(), notifications.Nop{})
	assert.Equal(t, 23, o.RequiredWindow())
}
