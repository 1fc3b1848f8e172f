package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/quantro/fxcontrol/internal/logger"
	"github.com/quantro/fxcontrol/internal/position"
	"github.com/quantro/fxcontrol/pkg/types"
)

// Manager scores portfolio risk, validates signals against budgets, and
// declares the hard stop condition. It is a read-only consumer of
// positions and account state; position mutation stays with the
// position manager.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu          sync.Mutex
	dailyPnL    []float64
	lastBalance float64
	peakBalance float64
}

// NewManager creates a risk manager.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.PnLWindow <= 0 {
		cfg.PnLWindow = 30
	}
	if cfg.EstimatedTradeExposure <= 0 {
		cfg.EstimatedTradeExposure = 0.05
	}
	return &Manager{cfg: cfg, log: log}
}

// ValidateSignalRisk checks one signal against the risk budgets. All
// failing checks are collected, not just the first. A weak signal
// strength produces a warning without invalidating.
func (m *Manager) ValidateSignalRisk(signal *types.TradeSignal, account *types.AccountInfo, open []*position.Position) (bool, []string) {
	var warnings []string
	valid := true

	if rf := signal.RiskFraction(); rf > m.cfg.MaxRiskPerTrade {
		valid = false
		warnings = append(warnings, fmt.Sprintf(
			"per-trade risk %.2f%% exceeds limit %.2f%%", rf*100, m.cfg.MaxRiskPerTrade*100))
	}

	exposure := totalExposure(account, open)
	if exposure+m.cfg.EstimatedTradeExposure > m.cfg.MaxTotalRisk {
		valid = false
		warnings = append(warnings, fmt.Sprintf(
			"total exposure %.2f%% plus new position would exceed limit %.2f%%",
			exposure*100, m.cfg.MaxTotalRisk*100))
	}

	sameInstrument := 0
	for _, p := range open {
		if p.Instrument == signal.Instrument {
			sameInstrument++
		}
	}
	if sameInstrument >= 2 {
		valid = false
		warnings = append(warnings, fmt.Sprintf(
			"%d positions already open on %s", sameInstrument, signal.Instrument))
	}

	if account.MarginUtilization() > 0.8 {
		valid = false
		warnings = append(warnings, fmt.Sprintf(
			"margin utilization %.1f%% above 80%%", account.MarginUtilization()*100))
	}

	if signal.Strength < 0.6 {
		warnings = append(warnings, fmt.Sprintf(
			"low signal strength %.2f", signal.Strength))
	}

	return valid, warnings
}

// AssessPortfolioRisk computes the composite risk picture: four 0-25
// point factors summed into a 0-100 score.
func (m *Manager) AssessPortfolioRisk(account *types.AccountInfo, open []*position.Position) *Metrics {
	m.mu.Lock()
	drawdown := m.drawdownLocked(account.Balance)
	var95 := m.valueAtRiskLocked()
	sharpe := m.sharpeLocked()
	m.mu.Unlock()

	exposure := totalExposure(account, open)
	marginUtil := account.MarginUtilization()
	concentration := instrumentConcentration(open)

	score := 25*clamp01(exposure/m.cfg.MaxTotalRisk) +
		25*clamp01(drawdown/m.cfg.MaxDrawdown) +
		25*clamp01(marginUtil) +
		25*concentration

	metrics := &Metrics{
		TotalExposure:   exposure,
		CurrentDrawdown: drawdown,
		ValueAtRisk95:   var95,
		SharpeRatio:     sharpe,
		Score:           score,
		Level:           levelForScore(score),
	}

	if exposure > 0.8*m.cfg.MaxTotalRisk {
		metrics.Warnings = append(metrics.Warnings, fmt.Sprintf(
			"exposure %.1f%% approaching limit %.1f%%", exposure*100, m.cfg.MaxTotalRisk*100))
	}
	if drawdown > 0.8*m.cfg.MaxDrawdown {
		metrics.Warnings = append(metrics.Warnings, fmt.Sprintf(
			"drawdown %.1f%% approaching limit %.1f%%", drawdown*100, m.cfg.MaxDrawdown*100))
	}
	if marginUtil > 0.8 {
		metrics.Warnings = append(metrics.Warnings, fmt.Sprintf(
			"margin utilization %.1f%% above 80%%", marginUtil*100))
	}
	if len(open) > 10 {
		metrics.Warnings = append(metrics.Warnings, fmt.Sprintf(
			"%d open positions", len(open)))
	}
	return metrics
}

// ShouldStopTrading is the hard kill switch, independent of the score.
// Checks run in fixed order; the first hit wins.
func (m *Manager) ShouldStopTrading(account *types.AccountInfo, open []*position.Position) (bool, string) {
	m.mu.Lock()
	drawdown := m.drawdownLocked(account.Balance)
	m.mu.Unlock()

	if drawdown > m.cfg.MaxDrawdown {
		return true, fmt.Sprintf("Drawdown limit exceeded: %.1f%%", drawdown*100)
	}
	if mu := account.MarginUtilization(); mu > 0.9 {
		return true, fmt.Sprintf("Margin usage critical: %.1f%%", mu*100)
	}
	if exposure := totalExposure(account, open); exposure > 1.2*m.cfg.MaxTotalRisk {
		return true, fmt.Sprintf("Exposure %.1f%% far above limit %.1f%%", exposure*100, m.cfg.MaxTotalRisk*100)
	}
	if account.Equity > 0 && account.Balance < 0.5*account.Equity {
		return true, fmt.Sprintf("Balance %.2f fell below half of equity %.2f", account.Balance, account.Equity)
	}
	return false, ""
}

// UpdateDailyPnL appends the balance delta since the last update to the
// rolling window and tracks the running peak for drawdown.
func (m *Manager) UpdateDailyPnL(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastBalance > 0 {
		m.dailyPnL = append(m.dailyPnL, balance-m.lastBalance)
		if len(m.dailyPnL) > m.cfg.PnLWindow {
			m.dailyPnL = m.dailyPnL[len(m.dailyPnL)-m.cfg.PnLWindow:]
		}
	}
	m.lastBalance = balance
	if balance > m.peakBalance {
		m.peakBalance = balance
	}
}

// SetPeakBalance seeds the running peak, e.g. from a persisted session.
func (m *Manager) SetPeakBalance(peak float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if peak > m.peakBalance {
		m.peakBalance = peak
	}
}

// drawdownLocked returns the fraction below the running peak; callers
// must hold m.mu.
func (m *Manager) drawdownLocked(balance float64) float64 {
	if m.peakBalance <= 0 || balance >= m.peakBalance {
		return 0
	}
	return (m.peakBalance - balance) / m.peakBalance
}

// valueAtRiskLocked returns the 5th-percentile entry of the P&L window.
func (m *Manager) valueAtRiskLocked() float64 {
	if len(m.dailyPnL) == 0 {
		return 0
	}
	sorted := make([]float64, len(m.dailyPnL))
	copy(sorted, m.dailyPnL)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)) * 0.05)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// sharpeLocked returns mean/stdev of the window, 0 below 10 samples.
func (m *Manager) sharpeLocked() float64 {
	if len(m.dailyPnL) < 10 {
		return 0
	}
	mean := 0.0
	for _, v := range m.dailyPnL {
		mean += v
	}
	mean /= float64(len(m.dailyPnL))

	variance := 0.0
	for _, v := range m.dailyPnL {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(m.dailyPnL))
	stdev := math.Sqrt(variance)
	if stdev == 0 {
		return 0
	}
	return mean / stdev
}

func totalExposure(account *types.AccountInfo, open []*position.Position) float64 {
	if account.Balance <= 0 {
		return 0
	}
	notional := 0.0
	for _, p := range open {
		notional += p.Notional()
	}
	return notional / account.Balance
}

// instrumentConcentration returns maxSameInstrumentCount/total, 0 for an
// empty book.
func instrumentConcentration(open []*position.Position) float64 {
	if len(open) == 0 {
		return 0
	}
	counts := make(map[string]int)
	maxCount := 0
	for _, p := range open {
		counts[p.Instrument]++
		if counts[p.Instrument] > maxCount {
			maxCount = counts[p.Instrument]
		}
	}
	return float64(maxCount) / float64(len(open))
}

func levelForScore(score float64) Level {
	switch {
	case score < 25:
		return LevelLow
	case score < 50:
		return LevelMedium
	case score < 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
