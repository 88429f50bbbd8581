package audit

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Audit Log"

var exportHeader = []string{
	"ID", "Occurred At (UTC)", "Actor ID", "Actor", "Action", "Module",
	"Entity Type", "Entity ID", "IP", "Outcome", "Description", "Request ID", "Hash",
}

var exportWidths = []float64{8, 22, 10, 18, 16, 12, 14, 24, 16, 10, 48, 28, 66}

// WriteXLSX renders events as a single-sheet workbook.
func WriteXLSX(w io.Writer, events []Event) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		return fmt.Errorf("audit export: create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("audit export: drop default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("audit export: header style: %w", err)
	}

	for col, title := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, title); err != nil {
			return fmt.Errorf("audit export: header %s: %w", cell, err)
		}
		if err := f.SetCellStyle(exportSheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("audit export: header style %s: %w", cell, err)
		}
		colName, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			return err
		}
		if err := f.SetColWidth(exportSheet, colName, colName, exportWidths[col]); err != nil {
			return err
		}
	}

	for i, ev := range events {
		row := []any{
			ev.ID,
			ev.OccurredAt.UTC().Format(time.RFC3339),
			ev.ActorID,
			ev.ActorName,
			string(ev.Action),
			string(ev.Module),
			ev.EntityType,
			ev.EntityID,
			ev.IP,
			string(ev.Outcome),
			ev.Description,
			ev.RequestID,
			hex.EncodeToString(ev.Hash),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return fmt.Errorf("audit export: row %d: %w", i+2, err)
		}
	}

	if err := f.SetPanes(exportSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("audit export: freeze header: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("audit export: write workbook: %w", err)
	}
	return nil
}
