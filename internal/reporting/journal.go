package reporting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/quantro/fxcontrol/internal/position"
)

// WriteJournalXLSX writes the closed-trade journal to an Excel
// workbook at path, creating parent directories as needed.
func WriteJournalXLSX(closed []*position.Position, path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	fx := excelize.NewFile()
	defer fx.Close()

	const sheet = "Trades"
	fx.SetSheetName(fx.GetSheetName(0), sheet)

	headerStyle, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{
			Bold:   true,
			Size:   11,
			Color:  "FFFFFF",
			Family: "Calibri",
		},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"2F4F4F"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{
			Horizontal: "center",
			Vertical:   "center",
		},
	})
	if err != nil {
		return err
	}

	headers := []string{"ID", "Instrument", "Direction", "Units", "Entry Price",
		"Exit Price", "P&L", "Opened", "Closed", "Strategy"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(sheet, cell, h)
	}
	endCell, _ := excelize.CoordinatesToCellName(len(headers), 1)
	fx.SetCellStyle(sheet, "A1", endCell, headerStyle)

	for row, p := range closed {
		values := []interface{}{
			p.ID, p.Instrument, p.Direction.String(), p.Units,
			p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL,
			p.OpenedAt.Format("2006-01-02 15:04:05"),
			p.ClosedAt.Format("2006-01-02 15:04:05"),
			p.Strategy,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			fx.SetCellValue(sheet, cell, v)
		}
	}

	fx.SetColWidth(sheet, "A", "J", 18)
	return fx.SaveAs(path)
}
