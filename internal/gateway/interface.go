package gateway

import (
	"context"
	"time"

	"github.com/quantro/fxcontrol/pkg/types"
)

// OrderRequest describes an order to be placed at the broker. Units are
// signed: positive for long, negative for short.
type OrderRequest struct {
	Instrument string
	Units      int
	StopLoss   float64
	TakeProfit float64
}

// OrderFill is the broker's confirmation of an executed order or close.
type OrderFill struct {
	TradeID    string
	Instrument string
	Units      int
	Price      float64
	Time       time.Time
}

// OpenTrade is one entry of the broker's authoritative open-trade list.
type OpenTrade struct {
	ID         string
	Instrument string
	Units      int
	Price      float64
	State      string
}

// Gateway is the broker/market interface the control plane trades
// through. The broker is the authoritative source of truth; local
// position state is reconciled against ListOpenTrades every cycle.
type Gateway interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error

	// Account and market data
	GetAccountSummary(ctx context.Context) (*types.AccountInfo, error)
	GetCandles(ctx context.Context, instrument, timeframe string, count int) ([]types.OHLCV, error)

	// Trading
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderFill, error)
	CloseOrder(ctx context.Context, tradeID string) (*OrderFill, error)
	ListOpenTrades(ctx context.Context) ([]OpenTrade, error)

	// Validation
	ValidateInstrument(instrument string) error
	ValidateTimeframe(timeframe string) error
}
