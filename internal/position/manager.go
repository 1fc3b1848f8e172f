package position

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantro/fxcontrol/internal/gateway"
	"github.com/quantro/fxcontrol/internal/logger"
	"github.com/quantro/fxcontrol/pkg/types"
)

// Config holds position caps and sizing parameters.
type Config struct {
	MaxPerInstrument    int     // open positions allowed per instrument
	MaxOpenPositions    int     // open positions allowed in total
	MaxPositionFraction float64 // cap on notional as a fraction of balance
	FallbackRisk        float64 // risk fraction used when a signal has no stop
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerInstrument:    2,
		MaxOpenPositions:    10,
		MaxPositionFraction: 0.05,
		FallbackRisk:        0.01,
	}
}

// Manager owns the lifecycle of locally-tracked positions. It is the
// only component that mutates position state; everything else reads.
// Local state is a best-effort cache of the broker's authoritative
// open-trade list and is reconciled against it every cycle.
type Manager struct {
	gw  gateway.Gateway
	log *logger.Logger
	cfg Config

	mu        sync.RWMutex
	positions map[string]*Position
}

// NewManager creates a position manager trading through gw.
func NewManager(gw gateway.Gateway, log *logger.Logger, cfg Config) *Manager {
	if cfg.MaxPerInstrument <= 0 {
		cfg.MaxPerInstrument = 2
	}
	if cfg.MaxOpenPositions <= 0 {
		cfg.MaxOpenPositions = 10
	}
	if cfg.MaxPositionFraction <= 0 {
		cfg.MaxPositionFraction = 0.05
	}
	if cfg.FallbackRisk <= 0 {
		cfg.FallbackRisk = 0.01
	}
	return &Manager{
		gw:        gw,
		log:       log,
		cfg:       cfg,
		positions: make(map[string]*Position),
	}
}

// CanOpenPosition reports whether a new position on the instrument fits
// under both the per-instrument cap and the global cap.
func (m *Manager) CanOpenPosition(instrument string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	forInstrument := 0
	for _, p := range m.positions {
		if p.Status != StatusOpen {
			continue
		}
		total++
		if p.Instrument == instrument {
			forInstrument++
		}
	}
	return forInstrument < m.cfg.MaxPerInstrument && total < m.cfg.MaxOpenPositions
}

// CalculatePositionSize computes signed units for a signal. With a stop
// attached the size is risk-based: riskAmount / stop distance. Without
// one it falls back to a conservative fraction of balance. The result
// is clamped to [1, balance*maxPositionFraction/entry], then scaled by
// signal strength.
func (m *Manager) CalculatePositionSize(signal *types.TradeSignal, balance, riskPerTrade float64) int {
	if signal.EntryPrice <= 0 || balance <= 0 {
		return 0
	}

	var units float64
	if signal.StopLoss > 0 {
		stopDistance := math.Abs(signal.EntryPrice - signal.StopLoss)
		if stopDistance == 0 {
			return 0
		}
		riskAmount := balance * riskPerTrade
		units = riskAmount / stopDistance
	} else {
		units = balance * m.cfg.FallbackRisk / signal.EntryPrice
	}

	maxUnits := balance * m.cfg.MaxPositionFraction / signal.EntryPrice
	if units > maxUnits {
		units = maxUnits
	}
	if units < 1 {
		units = 1
	}

	if signal.Strength > 0 && signal.Strength < 1 {
		units = units * signal.Strength
	}

	sized := int(units)
	if sized < 1 {
		sized = 1
	}
	if signal.Direction == types.DirectionShort {
		sized = -sized
	}
	return sized
}

// OpenPosition sizes the signal, applies the emergency overlay's size
// multiplier, submits the order, and tracks the resulting position
// keyed by the broker's trade id. On any submission failure or
// malformed fill nothing is stored.
func (m *Manager) OpenPosition(ctx context.Context, signal *types.TradeSignal, strategyName string, balance, riskPerTrade, sizeMultiplier float64) (*Position, error) {
	if !m.CanOpenPosition(signal.Instrument) {
		return nil, fmt.Errorf("position caps reached for %s", signal.Instrument)
	}

	units := m.CalculatePositionSize(signal, balance, riskPerTrade)
	if units == 0 {
		return nil, fmt.Errorf("computed zero size for %s signal", signal.Instrument)
	}
	if sizeMultiplier < 1 {
		scaled := int(math.Abs(float64(units)) * sizeMultiplier)
		if scaled < 1 {
			return nil, fmt.Errorf("emergency dampening reduced %s size to zero", signal.Instrument)
		}
		if units < 0 {
			scaled = -scaled
		}
		units = scaled
	}

	fill, err := m.gw.PlaceOrder(ctx, gateway.OrderRequest{
		Instrument: signal.Instrument,
		Units:      units,
		StopLoss:   signal.StopLoss,
		TakeProfit: signal.TakeProfit,
	})
	if err != nil {
		return nil, fmt.Errorf("order submission failed: %w", err)
	}
	if fill == nil || fill.TradeID == "" || fill.Price <= 0 {
		return nil, fmt.Errorf("malformed fill response for %s", signal.Instrument)
	}

	pos := &Position{
		ID:           fill.TradeID,
		Instrument:   signal.Instrument,
		Direction:    signal.Direction,
		Units:        units,
		EntryPrice:   fill.Price,
		CurrentPrice: fill.Price,
		StopLoss:     signal.StopLoss,
		TakeProfit:   signal.TakeProfit,
		OpenedAt:     fill.Time,
		Status:       StatusOpen,
		Strategy:     strategyName,
	}

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.mu.Unlock()

	m.log.Trade("opened %s %s %d units @ %.5f (id %s, strategy %s)",
		signal.Instrument, signal.Direction, units, fill.Price, fill.TradeID, strategyName)
	return pos, nil
}

// ClosePosition submits a close for an open position and marks it
// CLOSED at the fill price.
func (m *Manager) ClosePosition(ctx context.Context, id string) error {
	m.mu.RLock()
	pos, ok := m.positions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown position %s", id)
	}
	if pos.Status != StatusOpen {
		return fmt.Errorf("position %s is %s, not OPEN", id, pos.Status)
	}

	fill, err := m.gw.CloseOrder(ctx, id)
	if err != nil {
		return fmt.Errorf("close submission failed for %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fill != nil && fill.Price > 0 {
		pos.updatePrice(fill.Price)
	}
	pos.Status = StatusClosed
	pos.ClosedAt = time.Now()

	m.log.Trade("closed %s (id %s) @ %.5f, pnl %.2f", pos.Instrument, id, pos.CurrentPrice, pos.UnrealizedPnL)
	return nil
}

// UpdatePositions reconciles local state against the broker's open-trade
// list: tracked positions still open at the broker get a price/P&L
// refresh, tracked OPEN positions missing from the list transition to
// CLOSED. Running it again with no broker-side change is a no-op.
func (m *Manager) UpdatePositions(ctx context.Context) error {
	trades, err := m.gw.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open trades: %w", err)
	}

	byID := make(map[string]gateway.OpenTrade, len(trades))
	for _, t := range trades {
		byID[t.ID] = t
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, pos := range m.positions {
		if pos.Status != StatusOpen {
			continue
		}
		if trade, stillOpen := byID[id]; stillOpen {
			if trade.Price > 0 {
				pos.updatePrice(trade.Price)
			}
			continue
		}
		// The broker no longer lists the trade: a stop, target, or
		// manual close filled on the broker side.
		pos.Status = StatusClosed
		pos.ClosedAt = time.Now()
		m.log.Trade("position %s (%s) closed broker-side, last price %.5f, pnl %.2f",
			id, pos.Instrument, pos.CurrentPrice, pos.UnrealizedPnL)
	}
	return nil
}

// OpenPositions returns the open positions ordered by open time.
func (m *Manager) OpenPositions() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Position, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == StatusOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// PositionsFor returns the open positions for one instrument.
func (m *Manager) PositionsFor(instrument string) []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Position
	for _, p := range m.positions {
		if p.Status == StatusOpen && p.Instrument == instrument {
			out = append(out, p)
		}
	}
	return out
}

// ClosedPositions returns positions that have finished their lifecycle,
// ordered by close time. Used by the trade journal.
func (m *Manager) ClosedPositions() []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Position
	for _, p := range m.positions {
		if p.Status == StatusClosed || p.Status == StatusCancelled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out
}

// Get returns a position by id.
func (m *Manager) Get(id string) (*Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	return p, ok
}

// TotalUnrealizedPnL sums unrealized P&L across open positions.
func (m *Manager) TotalUnrealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0.0
	for _, p := range m.positions {
		if p.Status == StatusOpen {
			total += p.UnrealizedPnL
		}
	}
	return total
}

// Summarize aggregates open positions by instrument and strategy.
func (m *Manager) Summarize() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		ByInstrument: make(map[string]int),
		ByStrategy:   make(map[string]int),
	}
	for _, p := range m.positions {
		if p.Status != StatusOpen {
			continue
		}
		s.OpenCount++
		s.TotalPnL += p.UnrealizedPnL
		s.TotalNotional += p.Notional()
		s.ByInstrument[p.Instrument]++
		s.ByStrategy[p.Strategy]++
	}
	return s
}
