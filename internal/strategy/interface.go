package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quantro/fxcontrol/pkg/types"
)

// Strategy produces candidate trade signals from a market window. The
// control loop treats strategies as black boxes: it fetches a window
// sized by WarmupBars, passes the current regime tag, and forwards
// whatever signals come back into validation.
type Strategy interface {
	// GenerateSignals analyzes the market window and returns zero or
	// more candidate signals. The regime tag may be empty; strategies
	// with regime-specific parameter overrides apply them here.
	GenerateSignals(window []types.OHLCV, regime string) ([]types.TradeSignal, error)

	// Name returns the strategy's display name.
	Name() string

	// WarmupBars returns the minimum number of candles the strategy
	// needs before it can emit signals.
	WarmupBars() int

	// MinATR returns the strategy's configured volatility floor, used
	// by the emergency overlay's crisis gate. Zero means no floor.
	MinATR() float64

	// ATRPeriod returns the lookback the strategy's own ATR uses. The
	// control loop measures prevailing volatility with the same period
	// so the crisis gate compares like with like.
	ATRPeriod() int
}

// Params holds a strategy's numeric configuration plus per-regime
// overrides. Overrides replace individual keys when their regime is
// active; unlisted keys keep their base value.
type Params struct {
	Base     map[string]float64
	ByRegime map[string]map[string]float64
}

// Get resolves a parameter for the given regime, falling back to the
// base value and then to def.
func (p Params) Get(key, regime string, def float64) float64 {
	if regime != "" {
		if overrides, ok := p.ByRegime[regime]; ok {
			if v, ok := overrides[key]; ok {
				return v
			}
		}
	}
	if v, ok := p.Base[key]; ok {
		return v
	}
	return def
}

// Factory constructs a strategy instance from its parameters.
type Factory func(instrument string, params Params) (Strategy, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a strategy constructor available under the given key.
// Registering the same key twice panics; it indicates a programming
// error at init time.
func Register(key string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[key]; exists {
		panic(fmt.Sprintf("strategy %q registered twice", key))
	}
	registry[key] = factory
}

// Create instantiates the strategy registered under key.
func Create(key, instrument string, params Params) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[key]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (available: %v)", key, Available())
	}
	return factory(instrument, params)
}

// Available lists the registered strategy keys, sorted.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
