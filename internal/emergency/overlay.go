package emergency

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantro/fxcontrol/internal/logger"
	"github.com/quantro/fxcontrol/internal/notifications"
	"github.com/quantro/fxcontrol/pkg/types"
)

// Level is the emergency ladder state. Higher levels gate trading
// harder; STOP halts it entirely.
type Level int

const (
	LevelNormal Level = iota
	Level1
	Level2
	LevelCrisis
	LevelStop
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case Level1:
		return "LEVEL_1"
	case Level2:
		return "LEVEL_2"
	case LevelCrisis:
		return "CRISIS"
	case LevelStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Status is the overlay's derived state. TradingHalted is true exactly
// when the level is STOP.
type Status struct {
	Level              Level
	TradingHalted      bool
	SizeMultiplier     float64
	ActiveStressEvents int
	Drawdown           float64
}

// StressEvent records a volatility spike on one instrument relative to
// its rolling baseline.
type StressEvent struct {
	Instrument string
	Severity   float64
	Critical   bool
	DetectedAt time.Time
}

// Config holds the overlay thresholds. All ladder constants are
// configurable defaults.
type Config struct {
	Level1Drawdown float64
	Level2Drawdown float64
	CrisisDrawdown float64
	StopDrawdown   float64

	StressVolMultiple float64       // recent-vs-baseline ratio that flags an event
	CriticalSeverity  float64       // severity treated as critical
	StressTTL         time.Duration // how long a detected event stays active

	StressRewardRisk  float64 // RR floor during active stress at L1/L2
	CrisisRewardRisk  float64 // RR floor at CRISIS
	CrisisATRMultiple float64 // ATR floor multiple at CRISIS

	BaselineWindow int // candles in the volatility baseline
	RecentWindow   int // candles in the recent realized-range sample
}

// DefaultConfig returns the overlay defaults.
func DefaultConfig() Config {
	return Config{
		Level1Drawdown:    0.10,
		Level2Drawdown:    0.15,
		CrisisDrawdown:    0.20,
		StopDrawdown:      0.25,
		StressVolMultiple: 2.0,
		CriticalSeverity:  3.0,
		StressTTL:         30 * time.Minute,
		StressRewardRisk:  2.0,
		CrisisRewardRisk:  3.0,
		CrisisATRMultiple: 1.5,
		BaselineWindow:    50,
		RecentWindow:      5,
	}
}

// Overlay tracks portfolio value and stress events, classifies stress
// into the emergency ladder, dampens position size, and can halt
// trading independent of the risk manager. It is owned by the control
// loop: one instance per trading session, never a process singleton.
type Overlay struct {
	cfg      Config
	log      *logger.Logger
	notifier notifications.Notifier

	mu        sync.Mutex
	peakValue float64
	current   float64
	lastLevel Level
	events    map[string]*StressEvent // keyed by instrument
}

// NewOverlay creates an emergency overlay.
func NewOverlay(cfg Config, log *logger.Logger, notifier notifications.Notifier) *Overlay {
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = 50
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 5
	}
	if cfg.StressTTL <= 0 {
		cfg.StressTTL = 30 * time.Minute
	}
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	return &Overlay{
		cfg:      cfg,
		log:      log,
		notifier: notifier,
		events:   make(map[string]*StressEvent),
	}
}

// UpdatePortfolioValue feeds the current equity into the rolling peak
// and re-evaluates the level, logging and alerting on transitions.
func (o *Overlay) UpdatePortfolioValue(value float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.current = value
	if value > o.peakValue {
		o.peakValue = value
	}
	o.reevaluateLocked()
}

// RequiredWindow returns the candle count MonitorStressEvents needs
// before it can score volatility. Callers sizing a market-data fetch
// must request at least this many bars or stress detection never runs.
func (o *Overlay) RequiredWindow() int {
	return o.cfg.BaselineWindow + o.cfg.RecentWindow
}

// MonitorStressEvents compares the instrument's recent realized range
// against its rolling baseline and flags an event when it spikes past
// the configured multiple. Critical severities alert immediately.
func (o *Overlay) MonitorStressEvents(instrument string, window []types.OHLCV) {
	need := o.RequiredWindow()
	if len(window) < need {
		o.log.Debug("stress monitor for %s starved: %d of %d candles", instrument, len(window), need)
		return
	}

	baselineCandles := window[len(window)-need : len(window)-o.cfg.RecentWindow]
	recentCandles := window[len(window)-o.cfg.RecentWindow:]

	baseline := averageRange(baselineCandles)
	recent := averageRange(recentCandles)
	if baseline <= 0 {
		return
	}

	severity := recent / baseline

	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked()

	if severity < o.cfg.StressVolMultiple {
		return
	}

	critical := severity >= o.cfg.CriticalSeverity
	event := &StressEvent{
		Instrument: instrument,
		Severity:   severity,
		Critical:   critical,
		DetectedAt: time.Now(),
	}
	o.events[instrument] = event

	o.log.Log(logger.LevelEmergency, "stress event on %s: volatility %.1fx baseline", instrument, severity)
	if critical {
		o.notifier.SendAlert(notifications.LevelError, fmt.Sprintf(
			"Critical volatility spike on %s: %.1fx baseline", instrument, severity))
	}
	o.reevaluateLocked()
}

// GateSignal is the overlay's admission check. It runs before any other
// validation; a rejection here drops the signal outright. currentATR is
// the prevailing volatility, minATR the strategy's configured floor.
func (o *Overlay) GateSignal(signal *types.TradeSignal, currentATR, minATR float64) (bool, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked()

	level := o.levelLocked()
	switch {
	case level == LevelStop:
		return false, "trading halted: emergency stop level"
	case level == LevelCrisis:
		if rr := signal.RewardRisk(); rr < o.cfg.CrisisRewardRisk {
			return false, fmt.Sprintf("crisis mode requires RR >= %.1f, signal has %.1f", o.cfg.CrisisRewardRisk, rr)
		}
		if minATR > 0 && currentATR < o.cfg.CrisisATRMultiple*minATR {
			return false, fmt.Sprintf("crisis mode requires ATR >= %.1fx strategy minimum", o.cfg.CrisisATRMultiple)
		}
	case level >= Level1 && len(o.events) > 0:
		if rr := signal.RewardRisk(); rr < o.cfg.StressRewardRisk {
			return false, fmt.Sprintf("active stress requires RR >= %.1f, signal has %.1f", o.cfg.StressRewardRisk, rr)
		}
	}
	return true, ""
}

// ApplySizeMultiplier dampens a base position size by the level-derived
// multiplier. At STOP the result is 0.
func (o *Overlay) ApplySizeMultiplier(baseSize float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked()
	return baseSize * multiplierFor(o.levelLocked())
}

// Status returns the overlay's current derived state.
func (o *Overlay) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked()

	level := o.levelLocked()
	return Status{
		Level:              level,
		TradingHalted:      level == LevelStop,
		SizeMultiplier:     multiplierFor(level),
		ActiveStressEvents: len(o.events),
		Drawdown:           o.drawdownLocked(),
	}
}

// ActiveEvents returns a copy of the unexpired stress events.
func (o *Overlay) ActiveEvents() []StressEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expireLocked()

	out := make([]StressEvent, 0, len(o.events))
	for _, e := range o.events {
		out = append(out, *e)
	}
	return out
}

// levelLocked derives the ladder level from drawdown and active stress
// events. There is no sticky hysteresis: the level is recomputed from
// current inputs, and de-escalation happens as soon as drawdown recovers
// and events expire. Callers must hold o.mu.
func (o *Overlay) levelLocked() Level {
	dd := o.drawdownLocked()

	var ddLevel Level
	switch {
	case dd >= o.cfg.StopDrawdown:
		ddLevel = LevelStop
	case dd >= o.cfg.CrisisDrawdown:
		ddLevel = LevelCrisis
	case dd >= o.cfg.Level2Drawdown:
		ddLevel = Level2
	case dd >= o.cfg.Level1Drawdown:
		ddLevel = Level1
	default:
		ddLevel = LevelNormal
	}

	var stressLevel Level
	for _, e := range o.events {
		if e.Critical {
			stressLevel = Level2
			break
		}
		stressLevel = Level1
	}

	if stressLevel > ddLevel {
		return stressLevel
	}
	return ddLevel
}

func (o *Overlay) drawdownLocked() float64 {
	if o.peakValue <= 0 || o.current >= o.peakValue {
		return 0
	}
	return (o.peakValue - o.current) / o.peakValue
}

// reevaluateLocked logs and alerts when the derived level changes;
// callers must hold o.mu.
func (o *Overlay) reevaluateLocked() {
	level := o.levelLocked()
	if level == o.lastLevel {
		return
	}
	from := o.lastLevel
	o.lastLevel = level

	o.log.LogEmergencyTransition(from.String(), level.String(), o.drawdownLocked(), len(o.events))
	if level > from {
		severity := notifications.LevelWarning
		if level >= LevelCrisis {
			severity = notifications.LevelError
		}
		o.notifier.SendAlert(severity, fmt.Sprintf(
			"Emergency level %s -> %s (drawdown %.1f%%)", from, level, o.drawdownLocked()*100))
	}
}

// expireLocked drops stress events past their TTL; callers must hold o.mu.
func (o *Overlay) expireLocked() {
	cutoff := time.Now().Add(-o.cfg.StressTTL)
	for instrument, e := range o.events {
		if e.DetectedAt.Before(cutoff) {
			delete(o.events, instrument)
		}
	}
}

func multiplierFor(level Level) float64 {
	switch level {
	case LevelNormal:
		return 1.0
	case Level1:
		return 0.75
	case Level2:
		return 0.50
	case LevelCrisis:
		return 0.25
	case LevelStop:
		return 0
	default:
		return 1.0
	}
}

func averageRange(candles []types.OHLCV) float64 {
	if len(candles) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range candles {
		sum += c.High - c.Low
	}
	return sum / float64(len(candles))
}
