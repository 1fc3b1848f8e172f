package paper

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/quantro/fxcontrol/internal/gateway"
	"github.com/quantro/fxcontrol/pkg/types"
)

// Gateway is an in-memory broker simulation. It fills orders at the
// current mark price, tracks margin at a fixed requirement, and applies
// stop-loss/take-profit levels whenever the mark price moves. It backs
// practice mode and the package tests.
type Gateway struct {
	mu        sync.Mutex
	balance   float64
	marginReq float64 // margin required per unit of notional
	prices    map[string]float64
	candles   map[string][]types.OHLCV
	trades    map[string]*paperTrade
	nextID    int
	connected bool
}

type paperTrade struct {
	id         string
	instrument string
	units      int
	entryPrice float64
	stopLoss   float64
	takeProfit float64
	openedAt   time.Time
}

// New creates a paper gateway with the given starting balance.
func New(balance float64) *Gateway {
	return &Gateway{
		balance:   balance,
		marginReq: 0.02,
		prices:    make(map[string]float64),
		candles:   make(map[string][]types.OHLCV),
		trades:    make(map[string]*paperTrade),
		nextID:    1,
	}
}

func (g *Gateway) Name() string { return "paper" }

func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = true
	return nil
}

func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
	return nil
}

// SetPrice sets the mark price for an instrument and settles any trade
// whose stop-loss or take-profit the move crossed.
func (g *Gateway) SetPrice(instrument string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prices[instrument] = price

	for id, t := range g.trades {
		if t.instrument != instrument {
			continue
		}
		if stopHit(t, price) || targetHit(t, price) {
			g.settleLocked(id, price)
		}
	}
}

// SetCandles seeds the candle history returned by GetCandles. The last
// candle's close becomes the current mark price.
func (g *Gateway) SetCandles(instrument string, candles []types.OHLCV) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.candles[instrument] = candles
	if len(candles) > 0 {
		g.prices[instrument] = candles[len(candles)-1].Close
	}
}

func (g *Gateway) GetAccountSummary(ctx context.Context) (*types.AccountInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	equity := g.balance
	marginUsed := 0.0
	for _, t := range g.trades {
		notional := math.Abs(float64(t.units)) * t.entryPrice
		marginUsed += notional * g.marginReq
		equity += g.unrealizedLocked(t)
	}

	return &types.AccountInfo{
		Balance:         g.balance,
		Equity:          equity,
		MarginUsed:      marginUsed,
		FreeMargin:      equity - marginUsed,
		MaxPositionSize: g.balance * 0.1,
	}, nil
}

func (g *Gateway) GetCandles(ctx context.Context, instrument, timeframe string, count int) ([]types.OHLCV, error) {
	if err := g.ValidateTimeframe(timeframe); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	candles, ok := g.candles[instrument]
	if !ok {
		return nil, fmt.Errorf("no candle data for %s", instrument)
	}
	if count > 0 && len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	out := make([]types.OHLCV, len(candles))
	copy(out, candles)
	return out, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderFill, error) {
	if req.Units == 0 {
		return nil, fmt.Errorf("order units must be non-zero")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	price, ok := g.prices[req.Instrument]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("no market price for %s", req.Instrument)
	}

	id := "pt-" + strconv.Itoa(g.nextID)
	g.nextID++

	g.trades[id] = &paperTrade{
		id:         id,
		instrument: req.Instrument,
		units:      req.Units,
		entryPrice: price,
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
		openedAt:   time.Now(),
	}

	return &gateway.OrderFill{
		TradeID:    id,
		Instrument: req.Instrument,
		Units:      req.Units,
		Price:      price,
		Time:       time.Now(),
	}, nil
}

func (g *Gateway) CloseOrder(ctx context.Context, tradeID string) (*gateway.OrderFill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.trades[tradeID]
	if !ok {
		return nil, fmt.Errorf("unknown trade %s", tradeID)
	}
	price := g.prices[t.instrument]
	fill := g.settleLocked(tradeID, price)
	return fill, nil
}

func (g *Gateway) ListOpenTrades(ctx context.Context) ([]gateway.OpenTrade, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]gateway.OpenTrade, 0, len(g.trades))
	for _, t := range g.trades {
		out = append(out, gateway.OpenTrade{
			ID:         t.id,
			Instrument: t.instrument,
			Units:      t.units,
			Price:      g.prices[t.instrument],
			State:      "OPEN",
		})
	}
	return out, nil
}

func (g *Gateway) ValidateInstrument(instrument string) error {
	if len(instrument) < 6 {
		return fmt.Errorf("invalid instrument %q", instrument)
	}
	return nil
}

func (g *Gateway) ValidateTimeframe(timeframe string) error {
	switch timeframe {
	case "M1", "M5", "M15", "M30", "H1", "H4", "D":
		return nil
	}
	return fmt.Errorf("invalid timeframe %q", timeframe)
}

// settleLocked closes a trade at the given price, realizes its P&L into
// the balance, and removes it from the open-trade list.
func (g *Gateway) settleLocked(id string, price float64) *gateway.OrderFill {
	t := g.trades[id]
	if t == nil {
		return nil
	}
	g.balance += (price - t.entryPrice) * float64(t.units)
	delete(g.trades, id)

	return &gateway.OrderFill{
		TradeID:    id,
		Instrument: t.instrument,
		Units:      -t.units,
		Price:      price,
		Time:       time.Now(),
	}
}

func (g *Gateway) unrealizedLocked(t *paperTrade) float64 {
	price, ok := g.prices[t.instrument]
	if !ok {
		return 0
	}
	return (price - t.entryPrice) * float64(t.units)
}

func stopHit(t *paperTrade, price float64) bool {
	if t.stopLoss <= 0 {
		return false
	}
	if t.units > 0 {
		return price <= t.stopLoss
	}
	return price >= t.stopLoss
}

func targetHit(t *paperTrade, price float64) bool {
	if t.takeProfit <= 0 {
		return false
	}
	if t.units > 0 {
		return price >= t.takeProfit
	}
	return price <= t.takeProfit
}
