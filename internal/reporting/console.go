package reporting

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/quantro/fxcontrol/internal/position"
	"github.com/quantro/fxcontrol/internal/risk"
	"github.com/quantro/fxcontrol/internal/trader"
)

// PrintStartupInfo renders the session banner before the loop starts.
func PrintStartupInfo(session, gateway string, strategies []string, period string, paper bool) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("CONTROL LOOP STARTUP")
	t.SetStyle(table.StyleRounded)

	mode := "💰 LIVE TRADING"
	if paper {
		mode = "🧪 PAPER TRADING"
	}

	t.AppendRows([]table.Row{
		{"📋 Session", session},
		{"🏪 Gateway", gateway},
		{"⏰ Cycle Period", period},
		{"📊 Strategies", fmt.Sprintf("%v", strategies)},
		{"🚨 Mode", mode},
	})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 15, WidthMax: 15, Align: text.AlignLeft},
		{Number: 2, WidthMin: 30, WidthMax: 45, Align: text.AlignLeft},
	})

	t.Render()
	fmt.Println()
}

// PrintStatus renders the loop status and risk snapshot.
func PrintStatus(status trader.Status, metrics *risk.Metrics) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("STATUS")
	t.SetStyle(table.StyleRounded)

	trading := "✅ enabled"
	if !status.TradingEnabled {
		trading = fmt.Sprintf("🛑 disabled (%s)", status.DisabledReason)
	}

	t.AppendRows([]table.Row{
		{"⏱ Uptime", status.Uptime.Round(time.Second).String()},
		{"🔄 Cycles", status.Cycles},
		{"📊 Signals", status.SignalsGenerated},
		{"💹 Trades", status.TradesExecuted},
		{"📈 Open Positions", status.OpenPositions},
		{"💰 Balance", fmt.Sprintf("%.2f", status.AccountBalance)},
		{"💎 Equity", fmt.Sprintf("%.2f", status.AccountEquity)},
		{"🚨 Trading", trading},
		{"⚠️ Emergency Level", status.EmergencyLevel},
	})

	if metrics != nil {
		t.AppendSeparator()
		t.AppendRows([]table.Row{
			{"🎯 Risk Score", fmt.Sprintf("%.1f (%s)", metrics.Score, metrics.Level)},
			{"📉 Drawdown", fmt.Sprintf("%.1f%%", metrics.CurrentDrawdown*100)},
			{"💵 Exposure", fmt.Sprintf("%.1f%%", metrics.TotalExposure*100)},
		})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, WidthMax: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, WidthMax: 45, Align: text.AlignLeft},
	})

	t.Render()
	fmt.Println()
}

// PrintPositions renders the open positions table.
func PrintPositions(open []*position.Position) {
	if len(open) == 0 {
		fmt.Println("No open positions")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("OPEN POSITIONS")
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Instrument", "Dir", "Units", "Entry", "Current", "P&L", "Strategy"})

	for _, p := range open {
		t.AppendRow(table.Row{
			p.ID, p.Instrument, p.Direction.String(), p.Units,
			fmt.Sprintf("%.5f", p.EntryPrice),
			fmt.Sprintf("%.5f", p.CurrentPrice),
			fmt.Sprintf("%.2f", p.UnrealizedPnL),
			p.Strategy,
		})
	}

	t.Render()
	fmt.Println()
}
