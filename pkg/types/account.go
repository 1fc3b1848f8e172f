package types

// AccountInfo is an immutable snapshot of the broker account, recreated
// from the gateway every cycle.
type AccountInfo struct {
	Balance         float64
	Equity          float64
	MarginUsed      float64
	FreeMargin      float64
	MaxPositionSize float64
}

// MarginUtilization returns marginUsed/equity, 0 when equity is zero.
func (a *AccountInfo) MarginUtilization() float64 {
	if a.Equity <= 0 {
		return 0
	}
	return a.MarginUsed / a.Equity
}
