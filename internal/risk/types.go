package risk

// Level maps a composite risk score to a coarse severity.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Metrics is the portfolio risk picture recomputed every cycle. It is
// derived state and never persisted.
type Metrics struct {
	TotalExposure   float64 // open notional as a fraction of balance
	CurrentDrawdown float64 // fraction below the running peak balance
	ValueAtRisk95   float64 // 5th-percentile daily P&L over the window
	SharpeRatio     float64 // mean/stdev of the rolling daily P&L
	Score           float64 // composite, 0-100
	Level           Level
	Warnings        []string
}

// Config holds the risk manager's budgets.
type Config struct {
	MaxRiskPerTrade float64 // per-trade risk fraction limit
	MaxTotalRisk    float64 // total exposure limit as fraction of balance
	MaxDrawdown     float64 // hard drawdown limit
	PnLWindow       int     // rolling daily P&L entries kept
	// EstimatedTradeExposure approximates the exposure a yet-unsized
	// signal will add, used when checking the total-risk budget.
	EstimatedTradeExposure float64
}

// DefaultConfig returns the risk manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxRiskPerTrade:        0.02,
		MaxTotalRisk:           0.20,
		MaxDrawdown:            0.15,
		PnLWindow:              30,
		EstimatedTradeExposure: 0.05,
	}
}
