package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/quantro/fxcontrol/pkg/types"
)

func init() {
	Register("sma_cross", NewSMACross)
}

// SMACross emits a signal when the fast moving average crosses the
// slow one on the latest closed candle. Stops and targets are placed
// as ATR multiples from the entry.
type SMACross struct {
	instrument string
	name       string

	fastPeriod int
	slowPeriod int
	atrPeriod  int
	stopATR    float64
	targetATR  float64
	minATR     float64

	params Params
}

// NewSMACross builds an SMA crossover strategy from params. Recognized
// keys: fast_period, slow_period, atr_period, stop_atr, target_atr,
// min_atr.
func NewSMACross(instrument string, params Params) (Strategy, error) {
	s := &SMACross{
		instrument: instrument,
		name:       "SMA Crossover",
		fastPeriod: int(params.Get("fast_period", "", 10)),
		slowPeriod: int(params.Get("slow_period", "", 30)),
		atrPeriod:  int(params.Get("atr_period", "", 14)),
		stopATR:    params.Get("stop_atr", "", 2.0),
		targetATR:  params.Get("target_atr", "", 4.0),
		minATR:     params.Get("min_atr", "", 0),
		params:     params,
	}
	if s.fastPeriod <= 0 || s.slowPeriod <= 0 {
		return nil, fmt.Errorf("sma_cross: periods must be positive (fast=%d slow=%d)", s.fastPeriod, s.slowPeriod)
	}
	if s.fastPeriod >= s.slowPeriod {
		return nil, fmt.Errorf("sma_cross: fast period %d must be below slow period %d", s.fastPeriod, s.slowPeriod)
	}
	return s, nil
}

func (s *SMACross) Name() string { return s.name }

func (s *SMACross) WarmupBars() int {
	bars := s.slowPeriod + 1
	if s.atrPeriod+1 > bars {
		bars = s.atrPeriod + 1
	}
	return bars
}

func (s *SMACross) MinATR() float64 { return s.minATR }

func (s *SMACross) ATRPeriod() int { return s.atrPeriod }

func (s *SMACross) GenerateSignals(window []types.OHLCV, regime string) ([]types.TradeSignal, error) {
	fast := int(s.params.Get("fast_period", regime, float64(s.fastPeriod)))
	slow := int(s.params.Get("slow_period", regime, float64(s.slowPeriod)))
	if fast <= 0 || slow <= fast {
		return nil, fmt.Errorf("sma_cross: invalid regime periods (fast=%d slow=%d)", fast, slow)
	}
	if len(window) < slow+1 {
		return nil, nil
	}

	fastNow := sma(window, fast, 0)
	fastPrev := sma(window, fast, 1)
	slowNow := sma(window, slow, 0)
	slowPrev := sma(window, slow, 1)

	var direction types.Direction
	switch {
	case fastPrev <= slowPrev && fastNow > slowNow:
		direction = types.DirectionLong
	case fastPrev >= slowPrev && fastNow < slowNow:
		direction = types.DirectionShort
	default:
		return nil, nil
	}

	last := window[len(window)-1]
	atr := types.ATR(window, s.atrPeriod)
	if atr <= 0 {
		return nil, nil
	}

	stopATR := s.params.Get("stop_atr", regime, s.stopATR)
	targetATR := s.params.Get("target_atr", regime, s.targetATR)

	entry := last.Close
	var stop, target float64
	if direction == types.DirectionLong {
		stop = entry - stopATR*atr
		target = entry + targetATR*atr
	} else {
		stop = entry + stopATR*atr
		target = entry - targetATR*atr
	}

	// Separation of the averages relative to volatility, capped at 1.
	strength := math.Min(math.Abs(fastNow-slowNow)/atr, 1.0)

	signal := types.TradeSignal{
		Instrument: s.instrument,
		Direction:  direction,
		EntryPrice: entry,
		StopLoss:   stop,
		TakeProfit: target,
		Strength:   strength,
		Timestamp:  time.Now(),
		Strategy:   s.name,
		Regime:     regime,
		Annotations: map[string]string{
			"fast_sma": fmt.Sprintf("%.5f", fastNow),
			"slow_sma": fmt.Sprintf("%.5f", slowNow),
			"atr":      fmt.Sprintf("%.5f", atr),
		},
	}
	return []types.TradeSignal{signal}, nil
}

// sma averages the last period closes, offset bars back from the end.
func sma(window []types.OHLCV, period, offset int) float64 {
	end := len(window) - offset
	sum := 0.0
	for _, c := range window[end-period : end] {
		sum += c.Close
	}
	return sum / float64(period)
}
