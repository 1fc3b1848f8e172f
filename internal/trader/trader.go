package trader

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quantro/fxcontrol/internal/config"
	"github.com/quantro/fxcontrol/internal/emergency"
	fxerrors "github.com/quantro/fxcontrol/internal/errors"
	"github.com/quantro/fxcontrol/internal/gateway"
	"github.com/quantro/fxcontrol/internal/logger"
	"github.com/quantro/fxcontrol/internal/monitoring"
	"github.com/quantro/fxcontrol/internal/notifications"
	"github.com/quantro/fxcontrol/internal/position"
	"github.com/quantro/fxcontrol/internal/risk"
	"github.com/quantro/fxcontrol/internal/strategy"
	"github.com/quantro/fxcontrol/pkg/types"
)

// registration binds a strategy instance to the instrument and
// timeframe it trades.
type registration struct {
	key        string
	strat      strategy.Strategy
	instrument string
	timeframe  string
	regime     string
}

// Status is a point-in-time snapshot of the control loop. Account and
// risk fields reflect the last completed cycle and stay zero until one
// has run.
type Status struct {
	Running          bool
	TradingEnabled   bool
	DisabledReason   string
	Uptime           time.Duration
	Cycles           int64
	SignalsGenerated int64
	TradesExecuted   int64
	LastCycleAt      time.Time
	LastCycleElapsed time.Duration
	Strategies       []string
	OpenPositions    int
	AccountBalance   float64
	AccountEquity    float64
	TotalExposure    float64
	RiskScore        float64
	EmergencyLevel   string
	RiskLevel        string
}

// Trader drives the fixed-cadence control cycle: reconcile positions,
// refresh account state, evaluate the hard stop, then process every
// registered strategy in isolation. Cycles never overlap.
type Trader struct {
	cfg      config.LoopConfig
	gw       gateway.Gateway
	log      *logger.Logger
	notifier notifications.Notifier
	health   *monitoring.HealthChecker

	positions *position.Manager
	riskMgr   *risk.Manager
	overlay   *emergency.Overlay

	riskPerTrade float64

	mu             sync.Mutex
	strategies     []*registration
	running        bool
	tradingEnabled bool
	disabledReason string
	stopCh         chan struct{}
	doneCh         chan struct{}

	startedAt        time.Time
	cycles           int64
	signalsGenerated int64
	tradesExecuted   int64
	lastCycleAt      time.Time
	lastCycleElapsed time.Duration
	lastAccount      *types.AccountInfo
	lastMetrics      *risk.Metrics

	consecutiveFailures int
	failureAlerted      bool
}

// New wires a Trader from its collaborators. Trading starts enabled;
// the hard-stop evaluation may disable it on the first cycle.
func New(cfg config.LoopConfig, gw gateway.Gateway, positions *position.Manager,
	riskMgr *risk.Manager, overlay *emergency.Overlay, riskPerTrade float64,
	log *logger.Logger, notifier notifications.Notifier, health *monitoring.HealthChecker) *Trader {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	return &Trader{
		cfg:            cfg,
		gw:             gw,
		log:            log,
		notifier:       notifier,
		health:         health,
		positions:      positions,
		riskMgr:        riskMgr,
		overlay:        overlay,
		riskPerTrade:   riskPerTrade,
		tradingEnabled: true,
	}
}

// AddStrategy registers a strategy under key against an instrument and
// timeframe, both validated through the gateway. Registration order is
// processing order.
func (t *Trader) AddStrategy(key string, strat strategy.Strategy, instrument, timeframe, regime string) error {
	if err := t.gw.ValidateInstrument(instrument); err != nil {
		return fmt.Errorf("strategy %s: %w", key, err)
	}
	if err := t.gw.ValidateTimeframe(timeframe); err != nil {
		return fmt.Errorf("strategy %s: %w", key, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.strategies {
		if r.key == key {
			return fmt.Errorf("strategy %s already registered", key)
		}
	}
	t.strategies = append(t.strategies, &registration{
		key:        key,
		strat:      strat,
		instrument: instrument,
		timeframe:  timeframe,
		regime:     regime,
	})
	t.log.Info("registered strategy %s (%s) on %s %s", key, strat.Name(), instrument, timeframe)
	return nil
}

// RemoveStrategy unregisters a strategy. Its open positions are left
// for reconciliation to manage.
func (t *Trader) RemoveStrategy(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, r := range t.strategies {
		if r.key == key {
			t.strategies = append(t.strategies[:i], t.strategies[i+1:]...)
			t.log.Info("removed strategy %s", key)
			return nil
		}
	}
	return fmt.Errorf("strategy %s not registered", key)
}

// EnableTrading re-allows order execution.
func (t *Trader) EnableTrading() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tradingEnabled = true
	t.disabledReason = ""
	t.log.Status("trading enabled")
}

// DisableTrading stops order execution while the loop keeps running
// reconciliation and monitoring.
func (t *Trader) DisableTrading(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tradingEnabled {
		return
	}
	t.tradingEnabled = false
	t.disabledReason = reason
	t.log.LogHardStop(reason)
	t.notifier.SendAlert(notifications.LevelError, fmt.Sprintf("Trading disabled: %s", reason))
}

// Start runs the blocking control loop until Stop is called or the
// context is cancelled. It returns an error if the loop is already
// running.
func (t *Trader) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("control loop already running")
	}
	t.running = true
	t.startedAt = time.Now()
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})
	stopCh, doneCh := t.stopCh, t.doneCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		close(doneCh)
	}()

	t.log.Status("control loop started (period %s)", t.cfg.Period.Std())

	for {
		start := time.Now()
		err := t.runCycleProtected(ctx)
		elapsed := time.Since(start)

		t.recordCycle(elapsed, err)

		var sleep time.Duration
		if err != nil {
			sleep = t.failureCooldown()
		} else {
			sleep = t.cfg.Period.Std() - elapsed
			if sleep < 0 {
				sleep = 0
				t.log.Warning("cycle took %s, longer than the %s period", elapsed, t.cfg.Period.Std())
			}
		}

		select {
		case <-stopCh:
			t.log.Status("control loop stopped")
			return nil
		case <-ctx.Done():
			t.log.Status("control loop stopped: %v", ctx.Err())
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Stop ends the loop after the current cycle completes. In-flight
// broker calls are not cancelled. Safe to call when not running.
func (t *Trader) Stop() {
	t.mu.Lock()
	if !t.running || t.stopCh == nil {
		t.mu.Unlock()
		return
	}
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
	doneCh := t.doneCh
	t.mu.Unlock()
	<-doneCh
}

// GetStatus returns a snapshot of the loop's state and counters.
func (t *Trader) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.strategies))
	for _, r := range t.strategies {
		keys = append(keys, r.key)
	}
	var uptime time.Duration
	if t.running {
		uptime = time.Since(t.startedAt)
	}
	status := Status{
		Running:          t.running,
		TradingEnabled:   t.tradingEnabled,
		DisabledReason:   t.disabledReason,
		Uptime:           uptime,
		Cycles:           t.cycles,
		SignalsGenerated: t.signalsGenerated,
		TradesExecuted:   t.tradesExecuted,
		LastCycleAt:      t.lastCycleAt,
		LastCycleElapsed: t.lastCycleElapsed,
		Strategies:       keys,
		OpenPositions:    len(t.positions.OpenPositions()),
		EmergencyLevel:   t.overlay.Status().Level.String(),
		RiskLevel:        risk.LevelLow.String(),
	}
	if t.lastAccount != nil {
		status.AccountBalance = t.lastAccount.Balance
		status.AccountEquity = t.lastAccount.Equity
	}
	if t.lastMetrics != nil {
		status.TotalExposure = t.lastMetrics.TotalExposure
		status.RiskScore = t.lastMetrics.Score
		status.RiskLevel = t.lastMetrics.Level.String()
	}
	return status
}

// LastRiskMetrics returns the risk assessment from the most recent
// completed cycle, or nil before the first one.
func (t *Trader) LastRiskMetrics() *risk.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastMetrics
}

// runCycleProtected guards the whole cycle body against panics so a
// bug cannot crash the process.
func (t *Trader) runCycleProtected(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			t.log.Error("cycle panic: %v", r)
			monitoring.RecordError("cycle_panic")
		}
	}()
	return t.runCycle(ctx)
}

func (t *Trader) runCycle(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.GatewayCallTimeout.Std())
	defer cancel()

	if err := t.positions.UpdatePositions(callCtx); err != nil {
		monitoring.RecordError(errorType("reconciliation", err))
		return fmt.Errorf("position reconciliation failed: %w", err)
	}

	account, err := t.gw.GetAccountSummary(callCtx)
	if err != nil {
		monitoring.RecordError(errorType("account_summary", err))
		return fmt.Errorf("account summary failed: %w", err)
	}

	t.overlay.UpdatePortfolioValue(account.Equity)
	t.riskMgr.UpdateDailyPnL(account.Balance)

	open := t.positions.OpenPositions()
	metrics := t.riskMgr.AssessPortfolioRisk(account, open)
	t.mu.Lock()
	t.lastAccount = account
	t.lastMetrics = metrics
	t.mu.Unlock()

	monitoring.UpdateRiskScore(metrics.Score)
	monitoring.UpdateAccount(account.Equity, len(open))
	monitoring.UpdateEmergencyLevel(int(t.overlay.Status().Level))

	if stop, reason := t.riskMgr.ShouldStopTrading(account, open); stop {
		t.DisableTrading(reason)
	} else if s := t.overlay.Status(); s.TradingHalted {
		t.DisableTrading(fmt.Sprintf("emergency stop: drawdown %.1f%%", s.Drawdown*100))
	}

	for _, reg := range t.snapshotStrategies() {
		t.processStrategyProtected(ctx, reg, account)
	}
	return nil
}

// processStrategyProtected isolates one strategy's processing; a panic
// or error there never aborts the cycle or other strategies.
func (t *Trader) processStrategyProtected(ctx context.Context, reg *registration, account *types.AccountInfo) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("strategy %s panicked: %v", reg.key, r)
			monitoring.RecordError("strategy_panic")
		}
	}()
	if err := t.processStrategy(ctx, reg, account); err != nil {
		t.log.Error("strategy %s: %v", reg.key, err)
		monitoring.RecordError(errorType("strategy", err))
	}
}

// errorType resolves the metric label for an error, preferring the
// category carried in the error chain over the call-site fallback.
func errorType(fallback string, err error) string {
	if cat := fxerrors.CategoryOf(err); cat != "" {
		return strings.ToLower(string(cat))
	}
	return fallback
}

func (t *Trader) processStrategy(ctx context.Context, reg *registration, account *types.AccountInfo) error {
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.GatewayCallTimeout.Std())
	defer cancel()

	// A few extra bars beyond warm-up so indicator lookback never
	// starves on a short fetch. The stress monitor needs its own
	// baseline on top of that, so the fetch covers whichever is larger.
	count := reg.strat.WarmupBars() + 10
	if need := t.overlay.RequiredWindow(); need > count {
		count = need
	}
	window, err := t.gw.GetCandles(callCtx, reg.instrument, reg.timeframe, count)
	if err != nil {
		return fmt.Errorf("candle fetch for %s failed: %w", reg.instrument, err)
	}
	if len(window) < reg.strat.WarmupBars() {
		t.log.Debug("strategy %s: only %d of %d warm-up candles available",
			reg.key, len(window), reg.strat.WarmupBars())
		return nil
	}

	t.overlay.MonitorStressEvents(reg.instrument, window)

	signals, err := reg.strat.GenerateSignals(window, reg.regime)
	if err != nil {
		return fmt.Errorf("signal generation failed: %w", err)
	}

	atrPeriod := reg.strat.ATRPeriod()
	if atrPeriod <= 0 {
		atrPeriod = 14
	}
	currentATR := types.ATR(window, atrPeriod)
	for i := range signals {
		t.processSignal(ctx, reg, &signals[i], account, currentATR)
	}
	return nil
}

func (t *Trader) processSignal(ctx context.Context, reg *registration, signal *types.TradeSignal, account *types.AccountInfo, currentATR float64) {
	t.mu.Lock()
	t.signalsGenerated++
	enabled := t.tradingEnabled
	t.mu.Unlock()

	t.log.Info("signal: %s %s @ %.5f (strength %.2f, strategy %s)",
		signal.Instrument, signal.Direction, signal.EntryPrice, signal.Strength, reg.key)

	// Emergency gate first. A rejection here short-circuits the rest
	// of the pipeline for this signal.
	if ok, reason := t.overlay.GateSignal(signal, currentATR, reg.strat.MinATR()); !ok {
		t.log.Warning("signal rejected by emergency overlay: %s", reason)
		monitoring.RecordSignal(reg.key, "rejected")
		return
	}

	if ok, reasons := t.riskMgr.ValidateSignalRisk(signal, account, t.positions.OpenPositions()); !ok {
		t.log.Warning("signal rejected by risk validation: %v", reasons)
		monitoring.RecordSignal(reg.key, "rejected")
		return
	}

	if !enabled {
		t.log.Info("trading disabled, skipping %s signal", signal.Instrument)
		monitoring.RecordSignal(reg.key, "skipped")
		return
	}

	multiplier := t.overlay.ApplySizeMultiplier(1.0)
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.GatewayCallTimeout.Std())
	defer cancel()

	pos, err := t.positions.OpenPosition(callCtx, signal, reg.strat.Name(), account.Balance, t.riskPerTrade, multiplier)
	if err != nil {
		t.log.Error("execution failed for %s: %v", signal.Instrument, err)
		monitoring.RecordError(errorType("execution", err))
		monitoring.RecordSignal(reg.key, "skipped")
		return
	}

	t.mu.Lock()
	t.tradesExecuted++
	t.mu.Unlock()
	monitoring.RecordSignal(reg.key, "executed")
	monitoring.RecordTrade(pos.Instrument, pos.Direction.String())
}

func (t *Trader) snapshotStrategies() []*registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*registration, len(t.strategies))
	copy(out, t.strategies)
	return out
}

// recordCycle updates counters, health, and the consecutive-failure
// state after every cycle.
func (t *Trader) recordCycle(elapsed time.Duration, err error) {
	t.mu.Lock()
	t.cycles++
	t.lastCycleAt = time.Now()
	t.lastCycleElapsed = elapsed
	n := t.cycles
	signals, trades := t.signalsGenerated, t.tradesExecuted

	if err != nil {
		t.consecutiveFailures++
		failures := t.consecutiveFailures
		alerted := t.failureAlerted
		if failures >= t.cfg.FailureAlertThreshold && !alerted {
			t.failureAlerted = true
		}
		t.mu.Unlock()

		t.log.Error("cycle %d failed (%d consecutive): %v", n, failures, err)
		if failures >= t.cfg.FailureAlertThreshold && !alerted {
			t.notifier.SendAlert(notifications.LevelError, fmt.Sprintf(
				"%d consecutive cycle failures, last: %v", failures, err))
		}
		if t.health != nil {
			t.health.RecordError(err.Error())
		}
		return
	}

	t.consecutiveFailures = 0
	t.failureAlerted = false
	t.mu.Unlock()

	t.log.LogCycle(n, elapsed, int(signals), int(trades))
	monitoring.RecordCycle(elapsed.Seconds())
	if t.health != nil {
		t.health.CycleCompleted()
	}
}

// failureCooldown maps the consecutive-failure count onto the
// configured escalation stages.
func (t *Trader) failureCooldown() time.Duration {
	t.mu.Lock()
	failures := t.consecutiveFailures
	t.mu.Unlock()

	period := t.cfg.Period.Std()
	cooldown := period
	escalated := false
	for _, stage := range t.cfg.CooldownStages {
		if failures >= stage.Failures {
			cooldown = stage.Cooldown.Std()
			escalated = true
		}
	}
	if !escalated || cooldown < period {
		return period
	}
	t.log.Warning("%d consecutive failures, cooling down for %s", failures, cooldown)
	return cooldown
}
