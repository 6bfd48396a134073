package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// WriteXLSX saves the summary as a workbook with an "Items" sheet and a
// "Tables" sheet, for operators who review runs in a spreadsheet.
func (s *Summary) WriteXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	items := [][]any{}
	for _, it := range s.Items {
		items = append(items, []any{it.Kind, it.Key, string(it.Status), it.Rows, it.Detail})
	}
	if err := writeSheet(f, "Items", []string{"Kind", "Key", "Status", "Rows", "Detail"}, items, header); err != nil {
		return err
	}

	tables := [][]any{}
	for _, t := range s.Tables() {
		row := []any{t, s.Before[t]}
		if s.After != nil {
			row = append(row, s.After[t], s.After[t]-s.Before[t])
		}
		tables = append(tables, row)
	}
	if err := writeSheet(f, "Tables", []string{"Table", "Before", "After", "Delta"}, tables, header); err != nil {
		return err
	}

	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to drop default sheet: %w", err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return nil
}

func writeSheet(f *excelize.File, name string, headers []string, rows [][]any, style int) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", name, err)
	}
	headerRow := make([]any, len(headers))
	for i, h := range headers {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(name, "A1", &headerRow); err != nil {
		return fmt.Errorf("failed to write %s header: %w", name, err)
	}
	last, err := excelize.CoordinatesToCellName(len(headers), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(name, "A1", last, style); err != nil {
		return fmt.Errorf("failed to style %s header: %w", name, err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(name, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", name, i+2, err)
		}
	}
	return f.SetPanes(name, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}
