package bybit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	fxerrors "github.com/quantro/fxcontrol/internal/errors"
	"github.com/quantro/fxcontrol/internal/gateway"
	"github.com/quantro/fxcontrol/pkg/types"
)

// Gateway adapts the Bybit v5 API to the broker gateway interface.
//
// Bybit tracks exposure per symbol and side rather than per trade, so a
// trade id here is "SYMBOL/SIDE". The id is stable while the position is
// open and disappears from ListOpenTrades once the position is flat,
// which is exactly what reconciliation needs.
type Gateway struct {
	client   *Client
	category string
}

// New creates a Bybit gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		client:   NewClient(cfg),
		category: cfgCategory(cfg),
	}
}

func cfgCategory(cfg Config) string {
	if cfg.Category == "" {
		return "linear"
	}
	return cfg.Category
}

func (g *Gateway) Name() string { return "bybit" }

// Connect verifies API reachability with a public market call.
func (g *Gateway) Connect(ctx context.Context) error {
	_, err := g.client.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.client.httpClient.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": g.category,
			"symbol":   "BTCUSDT",
		}).GetMarketTickers(ctx)
	})
	if err != nil {
		return fxerrors.Wrap(err, fxerrors.CategoryNetwork, "bybit", "connect "+g.client.Environment())
	}
	return nil
}

func (g *Gateway) Disconnect() error { return nil }

func (g *Gateway) GetAccountSummary(ctx context.Context) (*types.AccountInfo, error) {
	result, err := g.client.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.client.httpClient.NewUtaBybitServiceWithParams(map[string]interface{}{
			"accountType": "UNIFIED",
		}).GetAccountWallet(ctx)
	})
	if err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryGateway, "bybit", "account summary")
	}

	var wallet struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := decodeResult(result, &wallet); err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryGateway, "bybit", "decode wallet")
	}
	if len(wallet.List) == 0 {
		return nil, fxerrors.New(fxerrors.CategoryGateway, "bybit", "account summary", "empty wallet response")
	}

	w := wallet.List[0]
	balance := parseFloat(w.TotalWalletBalance)
	equity := parseFloat(w.TotalEquity)
	marginUsed := parseFloat(w.TotalInitialMargin)

	return &types.AccountInfo{
		Balance:         balance,
		Equity:          equity,
		MarginUsed:      marginUsed,
		FreeMargin:      parseFloat(w.TotalAvailableBalance),
		MaxPositionSize: balance * 0.1,
	}, nil
}

func (g *Gateway) GetCandles(ctx context.Context, instrument, timeframe string, count int) ([]types.OHLCV, error) {
	interval, err := klineInterval(timeframe)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 200
	}
	if count > 1000 {
		count = 1000
	}

	result, err := g.client.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.client.httpClient.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": g.category,
			"symbol":   instrument,
			"interval": interval,
			"limit":    count,
		}).GetMarketKline(ctx)
	})
	if err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryGateway, "bybit", "get klines")
	}

	var klines struct {
		List [][]string `json:"list"`
	}
	if err := decodeResult(result, &klines); err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryGateway, "bybit", "decode klines")
	}

	// Bybit returns newest-first; consumers expect chronological order.
	candles := make([]types.OHLCV, 0, len(klines.List))
	for i := len(klines.List) - 1; i >= 0; i-- {
		item := klines.List[i]
		if len(item) < 6 {
			continue
		}
		candles = append(candles, types.OHLCV{
			Timestamp: time.UnixMilli(parseInt(item[0])),
			Open:      parseFloat(item[1]),
			High:      parseFloat(item[2]),
			Low:       parseFloat(item[3]),
			Close:     parseFloat(item[4]),
			Volume:    parseFloat(item[5]),
		})
	}
	return candles, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderFill, error) {
	if req.Units == 0 {
		return nil, fxerrors.New(fxerrors.CategoryValidation, "bybit", "place order", "order units must be non-zero")
	}

	side := "Buy"
	positionIdx := 1
	if req.Units < 0 {
		side = "Sell"
		positionIdx = 2
	}

	params := map[string]interface{}{
		"category":    g.category,
		"symbol":      req.Instrument,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.Itoa(absInt(req.Units)),
		"positionIdx": positionIdx,
	}
	if req.StopLoss > 0 {
		params["stopLoss"] = formatPrice(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		params["takeProfit"] = formatPrice(req.TakeProfit)
	}

	result, err := g.client.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.client.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	})
	if err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryOrder, "bybit", "place order")
	}

	var placed struct {
		OrderID string `json:"orderId"`
	}
	if err := decodeResult(result, &placed); err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryOrder, "bybit", "decode order response")
	}
	if placed.OrderID == "" {
		return nil, fxerrors.New(fxerrors.CategoryOrder, "bybit", "place order", "response missing order id")
	}

	// Read the fill back from the position list; avgPrice there reflects
	// the executed price.
	pos, err := g.findPosition(ctx, req.Instrument, side)
	if err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryPosition, "bybit", "fill readback")
	}

	return &gateway.OrderFill{
		TradeID:    tradeID(req.Instrument, side),
		Instrument: req.Instrument,
		Units:      req.Units,
		Price:      pos.avgPrice,
		Time:       time.Now(),
	}, nil
}

func (g *Gateway) CloseOrder(ctx context.Context, id string) (*gateway.OrderFill, error) {
	instrument, side, err := splitTradeID(id)
	if err != nil {
		return nil, err
	}

	pos, err := g.findPosition(ctx, instrument, side)
	if err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryPosition, "bybit", "look up "+id)
	}
	if pos.size == 0 {
		return nil, fxerrors.New(fxerrors.CategoryPosition, "bybit", "close "+id, "position already flat")
	}

	closeSide := "Sell"
	positionIdx := 1
	if side == "Sell" {
		closeSide = "Buy"
		positionIdx = 2
	}

	result, err := g.client.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.client.httpClient.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category":    g.category,
			"symbol":      instrument,
			"side":        closeSide,
			"orderType":   "Market",
			"qty":         formatQty(pos.size),
			"reduceOnly":  true,
			"positionIdx": positionIdx,
		}).PlaceOrder(ctx)
	})
	if err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryOrder, "bybit", "close "+id)
	}

	var placed struct {
		OrderID string `json:"orderId"`
	}
	if err := decodeResult(result, &placed); err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryOrder, "bybit", "decode close response")
	}

	price, err := g.latestPrice(ctx, instrument)
	if err != nil {
		price = pos.markPrice
	}

	units := int(pos.size)
	if side == "Buy" {
		units = -units
	}
	return &gateway.OrderFill{
		TradeID:    id,
		Instrument: instrument,
		Units:      units,
		Price:      price,
		Time:       time.Now(),
	}, nil
}

func (g *Gateway) ListOpenTrades(ctx context.Context) ([]gateway.OpenTrade, error) {
	result, err := g.client.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.client.httpClient.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category":   g.category,
			"settleCoin": "USDT",
		}).GetPositionList(ctx)
	})
	if err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryGateway, "bybit", "list positions")
	}

	var positions struct {
		List []positionEntry `json:"list"`
	}
	if err := decodeResult(result, &positions); err != nil {
		return nil, fxerrors.Wrap(err, fxerrors.CategoryGateway, "bybit", "decode position list")
	}

	trades := make([]gateway.OpenTrade, 0, len(positions.List))
	for _, p := range positions.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		units := int(size)
		if p.Side == "Sell" {
			units = -units
		}
		price := parseFloat(p.MarkPrice)
		if price == 0 {
			price = parseFloat(p.AvgPrice)
		}
		trades = append(trades, gateway.OpenTrade{
			ID:         tradeID(p.Symbol, p.Side),
			Instrument: p.Symbol,
			Units:      units,
			Price:      price,
			State:      "OPEN",
		})
	}
	return trades, nil
}

func (g *Gateway) ValidateInstrument(instrument string) error {
	if len(instrument) < 6 || strings.ToUpper(instrument) != instrument {
		return fmt.Errorf("invalid instrument %q", instrument)
	}
	return nil
}

func (g *Gateway) ValidateTimeframe(timeframe string) error {
	_, err := klineInterval(timeframe)
	return err
}

type positionEntry struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Size      string `json:"size"`
	AvgPrice  string `json:"avgPrice"`
	MarkPrice string `json:"markPrice"`
}

type positionInfo struct {
	size      float64
	avgPrice  float64
	markPrice float64
}

func (g *Gateway) findPosition(ctx context.Context, instrument, side string) (*positionInfo, error) {
	result, err := g.client.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.client.httpClient.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": g.category,
			"symbol":   instrument,
		}).GetPositionList(ctx)
	})
	if err != nil {
		return nil, err
	}

	var positions struct {
		List []positionEntry `json:"list"`
	}
	if err := decodeResult(result, &positions); err != nil {
		return nil, err
	}

	for _, p := range positions.List {
		if p.Symbol == instrument && p.Side == side {
			return &positionInfo{
				size:      parseFloat(p.Size),
				avgPrice:  parseFloat(p.AvgPrice),
				markPrice: parseFloat(p.MarkPrice),
			}, nil
		}
	}
	return &positionInfo{}, nil
}

func (g *Gateway) latestPrice(ctx context.Context, instrument string) (float64, error) {
	result, err := g.client.call(ctx, func(ctx context.Context) (interface{}, error) {
		return g.client.httpClient.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": g.category,
			"symbol":   instrument,
		}).GetMarketTickers(ctx)
	})
	if err != nil {
		return 0, err
	}

	var tickers struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := decodeResult(result, &tickers); err != nil {
		return 0, err
	}
	if len(tickers.List) == 0 {
		return 0, fmt.Errorf("no ticker for %s", instrument)
	}
	return parseFloat(tickers.List[0].LastPrice), nil
}

func klineInterval(timeframe string) (string, error) {
	switch timeframe {
	case "M1":
		return "1", nil
	case "M5":
		return "5", nil
	case "M15":
		return "15", nil
	case "M30":
		return "30", nil
	case "H1":
		return "60", nil
	case "H4":
		return "240", nil
	case "D":
		return "D", nil
	}
	return "", fmt.Errorf("invalid timeframe %q", timeframe)
}

func tradeID(instrument, side string) string {
	return instrument + "/" + side
}

func splitTradeID(id string) (instrument, side string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || (parts[1] != "Buy" && parts[1] != "Sell") {
		return "", "", fmt.Errorf("malformed trade id %q", id)
	}
	return parts[0], parts[1], nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatQty(v float64) string {
	return strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
}
