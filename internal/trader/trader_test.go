package trader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantro/fxcontrol/internal/config"
	"github.com/quantro/fxcontrol/internal/emergency"
	"github.com/quantro/fxcontrol/internal/gateway"
	"github.com/quantro/fxcontrol/internal/gateway/paper"
	"github.com/quantro/fxcontrol/internal/logger"
	"github.com/quantro/fxcontrol/internal/notifications"
	"github.com/quantro/fxcontrol/internal/position"
	"github.com/quantro/fxcontrol/internal/risk"
	"github.com/quantro/fxcontrol/pkg/types"
)

// stubStrategy emits a fixed signal every cycle, or fails on demand.
type stubStrategy struct {
	name    string
	signals []types.TradeSignal
	err     error
	panics  bool
	calls   int
}

func (s *stubStrategy) GenerateSignals(window []types.OHLCV, regime string) ([]types.TradeSignal, error) {
	s.calls++
	if s.panics {
		panic("stub strategy exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	out := make([]types.TradeSignal, len(s.signals))
	copy(out, s.signals)
	return out, nil
}

func (s *stubStrategy) Name() string    { return s.name }
func (s *stubStrategy) WarmupBars() int { return 1 }
func (s *stubStrategy) MinATR() float64 { return 0 }
func (s *stubStrategy) ATRPeriod() int  { return 14 }

// flakyGateway fails ListOpenTrades on demand so cycle-level failure
// handling can be driven deterministically.
type flakyGateway struct {
	*paper.Gateway
	mu   sync.Mutex
	fail bool
}

func (g *flakyGateway) setFail(v bool) {
	g.mu.Lock()
	g.fail = v
	g.mu.Unlock()
}

func (g *flakyGateway) ListOpenTrades(ctx context.Context) ([]gateway.OpenTrade, error) {
	g.mu.Lock()
	fail := g.fail
	g.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("broker unavailable")
	}
	return g.Gateway.ListOpenTrades(ctx)
}

// recordingNotifier captures alerts for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []string
}

func (n *recordingNotifier) SendAlert(level, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, level+": "+message)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func testLoopConfig() config.LoopConfig {
	return config.LoopConfig{
		Period:                config.Duration(10 * time.Millisecond),
		GatewayCallTimeout:    config.Duration(time.Second),
		FailureAlertThreshold: 3,
	}
}

func seedCandles(gw *paper.Gateway, instrument string, price float64) {
	candles := make([]types.OHLCV, 30)
	ts := time.Now().Add(-30 * time.Hour)
	for i := range candles {
		candles[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price + 0.2,
			Low:       price - 0.2,
			Close:     price,
			Volume:    1000,
		}
	}
	gw.SetCandles(instrument, candles)
}

func newTestTrader(t *testing.T, gw *paper.Gateway) (*Trader, *position.Manager, *risk.Manager, *emergency.Overlay) {
	t.Helper()
	log := logger.NewNop()
	positions := position.NewManager(gw, log, position.DefaultConfig())
	riskMgr := risk.NewManager(risk.DefaultConfig(), log)
	overlay := emergency.NewOverlay(emergency.DefaultConfig(), log, notifications.Nop{})
	tr := New(testLoopConfig(), gw, positions, riskMgr, overlay, 0.02, log, notifications.Nop{}, nil)
	return tr, positions, riskMgr, overlay
}

func goodSignal(instrument string) types.TradeSignal {
	return types.TradeSignal{
		Instrument: instrument,
		Direction:  types.DirectionLong,
		EntryPrice: 100.0,
		StopLoss:   99.5,
		TakeProfit: 101.5,
		Strength:   0.9,
		Timestamp:  time.Now(),
		Strategy:   "stub",
	}
}

func TestAddStrategyValidation(t *testing.T) {
	gw := paper.New(10000)
	tr, _, _, _ := newTestTrader(t, gw)
	strat := &stubStrategy{name: "stub"}

	require.NoError(t, tr.AddStrategy("s1", strat, "EURUSD", "H1", ""))
	assert.Error(t, tr.AddStrategy("s1", strat, "EURUSD", "H1", ""), "duplicate key")
	assert.Error(t, tr.AddStrategy("s2", strat, "EU", "H1", ""), "bad instrument")
	assert.Error(t, tr.AddStrategy("s3", strat, "EURUSD", "H7", ""), "bad timeframe")

	require.NoError(t, tr.RemoveStrategy("s1"))
	assert.Error(t, tr.RemoveStrategy("s1"))
}

func TestLoopExecutesSignals(t *testing.T) {
	gw := paper.New(10000)
	seedCandles(gw, "EURUSD", 100.0)

	tr, positions, _, _ := newTestTrader(t, gw)
	strat := &stubStrategy{name: "stub", signals: []types.TradeSignal{goodSignal("EURUSD")}}
	require.NoError(t, tr.AddStrategy("s1", strat, "EURUSD", "H1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	require.Eventually(t, func() bool {
		return tr.GetStatus().TradesExecuted >= 1
	}, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	status := tr.GetStatus()
	assert.False(t, status.Running)
	assert.GreaterOrEqual(t, status.Cycles, int64(1))
	assert.GreaterOrEqual(t, status.SignalsGenerated, int64(1))
	assert.NotEmpty(t, positions.OpenPositions())
}

func TestStrategyPanicIsolation(t *testing.T) {
	gw := paper.New(10000)
	seedCandles(gw, "EURUSD", 100.0)
	seedCandles(gw, "GBPUSD", 100.0)

	tr, _, _, _ := newTestTrader(t, gw)
	bad := &stubStrategy{name: "bad", panics: true}
	good := &stubStrategy{name: "good", signals: []types.TradeSignal{goodSignal("GBPUSD")}}
	require.NoError(t, tr.AddStrategy("bad", bad, "EURUSD", "H1", ""))
	require.NoError(t, tr.AddStrategy("good", good, "GBPUSD", "H1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	require.Eventually(t, func() bool {
		return tr.GetStatus().TradesExecuted >= 1
	}, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	// The panicking strategy ran but never stopped the good one.
	assert.GreaterOrEqual(t, bad.calls, 1)
	assert.GreaterOrEqual(t, good.calls, 1)
}

func TestStrategyErrorDoesNotFailCycle(t *testing.T) {
	gw := paper.New(10000)
	seedCandles(gw, "EURUSD", 100.0)

	tr, _, _, _ := newTestTrader(t, gw)
	failing := &stubStrategy{name: "failing", err: fmt.Errorf("feed gap")}
	require.NoError(t, tr.AddStrategy("failing", failing, "EURUSD", "H1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	require.Eventually(t, func() bool {
		return tr.GetStatus().Cycles >= 2
	}, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	// Cycles keep completing; the strategy error is contained.
	status := tr.GetStatus()
	assert.GreaterOrEqual(t, status.Cycles, int64(2))
	assert.Zero(t, status.TradesExecuted)
}

func TestHardStopDisablesTrading(t *testing.T) {
	gw := paper.New(10000)
	seedCandles(gw, "EURUSD", 100.0)

	tr, positions, riskMgr, _ := newTestTrader(t, gw)
	// A prior peak far above the current balance trips the drawdown stop.
	riskMgr.SetPeakBalance(20000)

	strat := &stubStrategy{name: "stub", signals: []types.TradeSignal{goodSignal("EURUSD")}}
	require.NoError(t, tr.AddStrategy("s1", strat, "EURUSD", "H1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	require.Eventually(t, func() bool {
		return tr.GetStatus().Cycles >= 2
	}, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	status := tr.GetStatus()
	assert.False(t, status.TradingEnabled)
	assert.Contains(t, status.DisabledReason, "Drawdown limit exceeded")
	assert.Zero(t, status.TradesExecuted)
	assert.Empty(t, positions.OpenPositions())
	// Signals were still generated and evaluated while disabled.
	assert.GreaterOrEqual(t, status.SignalsGenerated, int64(1))
}

func TestEmergencyStopHaltsExecution(t *testing.T) {
	gw := paper.New(10000)
	seedCandles(gw, "EURUSD", 100.0)

	tr, _, _, overlay := newTestTrader(t, gw)
	// Drive the overlay past the stop threshold before the loop starts.
	overlay.UpdatePortfolioValue(20000)

	strat := &stubStrategy{name: "stub", signals: []types.TradeSignal{goodSignal("EURUSD")}}
	require.NoError(t, tr.AddStrategy("s1", strat, "EURUSD", "H1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	require.Eventually(t, func() bool {
		return tr.GetStatus().Cycles >= 2
	}, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	status := tr.GetStatus()
	assert.False(t, status.TradingEnabled)
	assert.Equal(t, "STOP", status.EmergencyLevel)
	assert.Zero(t, status.TradesExecuted)
}

func TestEnableDisableTrading(t *testing.T) {
	gw := paper.New(10000)
	tr, _, _, _ := newTestTrader(t, gw)

	tr.DisableTrading("manual stop")
	status := tr.GetStatus()
	assert.False(t, status.TradingEnabled)
	assert.Equal(t, "manual stop", status.DisabledReason)

	tr.EnableTrading()
	status = tr.GetStatus()
	assert.True(t, status.TradingEnabled)
	assert.Empty(t, status.DisabledReason)
}

func TestStartTwiceFails(t *testing.T) {
	gw := paper.New(10000)
	tr, _, _, _ := newTestTrader(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	require.Eventually(t, func() bool {
		return tr.GetStatus().Running
	}, time.Second, time.Millisecond)

	assert.Error(t, tr.Start(ctx))
	tr.Stop()
}

func TestStopWithoutStartIsSafe(t *testing.T) {
	gw := paper.New(10000)
	tr, _, _, _ := newTestTrader(t, gw)
	tr.Stop()
}

// seedStressedCandles writes a long calm history whose final k candles
// trade a much wider range, enough to trip the stress monitor.
func seedStressedCandles(gw *paper.Gateway, instrument string, price float64, n, k int) {
	candles := make([]types.OHLCV, n)
	ts := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := range candles {
		spread := 0.2
		if i >= n-k {
			spread = 0.5
		}
		candles[i] = types.OHLCV{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price + spread,
			Low:       price - spread,
			Close:     price,
			Volume:    1000,
		}
	}
	gw.SetCandles(instrument, candles)
}

func TestLoopFeedsStressMonitor(t *testing.T) {
	gw := paper.New(10000)
	// 60 bars of history; the last 5 trade a 2.5x range. The strategy
	// itself warms up on a single bar, so only a fetch sized for the
	// stress baseline lets the monitor see the spike.
	seedStressedCandles(gw, "EURUSD", 100.0, 60, 5)

	tr, _, _, overlay := newTestTrader(t, gw)
	strat := &stubStrategy{name: "stub"}
	require.NoError(t, tr.AddStrategy("s1", strat, "EURUSD", "H1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	require.Eventually(t, func() bool {
		return tr.GetStatus().Cycles >= 2
	}, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	assert.Equal(t, 1, overlay.Status().ActiveStressEvents)
	assert.Equal(t, "LEVEL_1", tr.GetStatus().EmergencyLevel)
}

func TestStatusCarriesAccountAndRisk(t *testing.T) {
	gw := paper.New(10000)
	seedCandles(gw, "EURUSD", 100.0)

	tr, _, _, _ := newTestTrader(t, gw)
	strat := &stubStrategy{name: "stub"}
	require.NoError(t, tr.AddStrategy("s1", strat, "EURUSD", "H1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	require.Eventually(t, func() bool {
		return tr.GetStatus().Cycles >= 1
	}, 2*time.Second, 5*time.Millisecond)

	status := tr.GetStatus()
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.InDelta(t, 10000.0, status.AccountBalance, 0.001)
	assert.InDelta(t, 10000.0, status.AccountEquity, 0.001)
	assert.Zero(t, status.TotalExposure)
	assert.Equal(t, "LOW", status.RiskLevel)
	require.NotNil(t, tr.LastRiskMetrics())
	assert.Equal(t, status.RiskScore, tr.LastRiskMetrics().Score)

	tr.Stop()
	status = tr.GetStatus()
	assert.False(t, status.Running)
	assert.Zero(t, status.Uptime)
}

func TestFailureCooldownStages(t *testing.T) {
	cfg := config.LoopConfig{
		Period: config.Duration(time.Minute),
		CooldownStages: []config.CooldownStage{
			{Failures: 3, Cooldown: config.Duration(5 * time.Minute)},
			{Failures: 5, Cooldown: config.Duration(15 * time.Minute)},
			{Failures: 8, Cooldown: config.Duration(30 * time.Minute)},
		},
		FailureAlertThreshold: 5,
		GatewayCallTimeout:    config.Duration(time.Second),
	}
	gw := paper.New(10000)
	log := logger.NewNop()
	positions := position.NewManager(gw, log, position.DefaultConfig())
	riskMgr := risk.NewManager(risk.DefaultConfig(), log)
	overlay := emergency.NewOverlay(emergency.DefaultConfig(), log, notifications.Nop{})
	tr := New(cfg, gw, positions, riskMgr, overlay, 0.02, log, notifications.Nop{}, nil)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, time.Minute},
		{3, 5 * time.Minute},
		{4, 5 * time.Minute},
		{5, 15 * time.Minute},
		{7, 15 * time.Minute},
		{8, 30 * time.Minute},
		{20, 30 * time.Minute},
	}
	for _, tt := range tests {
		tr.mu.Lock()
		tr.consecutiveFailures = tt.failures
		tr.mu.Unlock()
		assert.Equal(t, tt.want, tr.failureCooldown(), "failures=%d", tt.failures)
	}

	// A stage shorter than the loop period never shrinks the wait.
	tr.cfg.CooldownStages = []config.CooldownStage{
		{Failures: 2, Cooldown: config.Duration(time.Second)},
	}
	tr.mu.Lock()
	tr.consecutiveFailures = 4
	tr.mu.Unlock()
	assert.Equal(t, time.Minute, tr.failureCooldown())
}

func TestFailureAlertFiresOnceAtThreshold(t *testing.T) {
	gw := paper.New(10000)
	notifier := &recordingNotifier{}
	log := logger.NewNop()
	positions := position.NewManager(gw, log, position.DefaultConfig())
	riskMgr := risk.NewManager(risk.DefaultConfig(), log)
	overlay := emergency.NewOverlay(emergency.DefaultConfig(), log, notifications.Nop{})
	tr := New(testLoopConfig(), gw, positions, riskMgr, overlay, 0.02, log, notifier, nil)

	// Failures 1..5: one alert at the threshold of 3, none after.
	for i := 0; i < 5; i++ {
		tr.recordCycle(time.Millisecond, fmt.Errorf("broker unavailable"))
	}
	assert.Equal(t, 1, notifier.count())

	// A success resets the streak; the next run to threshold alerts again.
	tr.recordCycle(time.Millisecond, nil)
	for i := 0; i < 3; i++ {
		tr.recordCycle(time.Millisecond, fmt.Errorf("broker unavailable"))
	}
	assert.Equal(t, 2, notifier.count())
}

func TestLoopRecoversAfterFailures(t *testing.T) {
	base := paper.New(10000)
	gw := &flakyGateway{Gateway: base}
	gw.setFail(true)

	notifier := &recordingNotifier{}
	log := logger.NewNop()
	positions := position.NewManager(gw, log, position.DefaultConfig())
	riskMgr := risk.NewManager(risk.DefaultConfig(), log)
	overlay := emergency.NewOverlay(emergency.DefaultConfig(), log, notifications.Nop{})
	cfg := config.LoopConfig{
		Period: config.Duration(5 * time.Millisecond),
		CooldownStages: []config.CooldownStage{
			{Failures: 3, Cooldown: config.Duration(20 * time.Millisecond)},
		},
		FailureAlertThreshold: 3,
		GatewayCallTimeout:    config.Duration(time.Second),
	}
	tr := New(cfg, gw, positions, riskMgr, overlay, 0.02, log, notifier, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Start(ctx)

	failures := func() int {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.consecutiveFailures
	}

	require.Eventually(t, func() bool {
		return failures() >= 3 && notifier.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	gw.setFail(false)
	require.Eventually(t, func() bool {
		return failures() == 0
	}, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	assert.Equal(t, 1, notifier.count(), "alert fires once per failure streak")
}
