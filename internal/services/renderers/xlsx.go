package renderers

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/xuri/excelize/v2"

	"github.com/ternarybob/neurareport/internal/models"
)

const defaultSheet = "Sheet1"

// XLSXRenderer writes every table of the bound report to its own worksheet.
// A report without tables becomes a single sheet of its text blocks.
type XLSXRenderer struct {
	logger arbor.ILogger
}

func NewXLSXRenderer(logger arbor.ILogger) *XLSXRenderer {
	return &XLSXRenderer{logger: logger}
}

func (r *XLSXRenderer) Format() models.Format {
	return models.FormatXLSX
}

func (r *XLSXRenderer) Render(_ context.Context, boundHTML string, outputPath string) (models.RenderOutput, error) {
	blocks, _, err := extractBlocks(boundHTML)
	if err != nil {
		return models.RenderOutput{}, err
	}

	plain := !hasTable(blocks)
	var tables [][][]string
	for _, blk := range blocks {
		if blk.kind == blockTable {
			tables = append(tables, blk.rows)
		}
	}
	if plain {
		var lines [][]string
		for _, blk := range blocks {
			lines = append(lines, []string{blk.text})
		}
		tables = [][][]string{lines}
	}

	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return models.RenderOutput{}, fmt.Errorf("failed to create header style: %w", err)
	}

	for i, rows := range tables {
		sheet := fmt.Sprintf("Table%d", i+1)
		if i == 0 {
			if err := f.SetSheetName(defaultSheet, sheet); err != nil {
				return models.RenderOutput{}, fmt.Errorf("failed to name sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return models.RenderOutput{}, fmt.Errorf("failed to add sheet %s: %w", sheet, err)
		}
		if err := writeSheet(f, sheet, rows, header, plain); err != nil {
			return models.RenderOutput{}, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return models.RenderOutput{}, fmt.Errorf("failed to serialise workbook: %w", err)
	}

	r.logger.Debug().Int("sheets", len(tables)).Int("xlsx_size", buf.Len()).Msg("XLSX assembled")
	return writeOutput(models.FormatXLSX, outputPath, buf.Bytes())
}

func hasTable(blocks []block) bool {
	for _, blk := range blocks {
		if blk.kind == blockTable {
			return true
		}
	}
	return false
}

// writeSheet fills a sheet row by row. Numeric cells are stored as numbers so
// spreadsheet formulas work on them.
func writeSheet(f *excelize.File, sheet string, rows [][]string, headerStyle int, plain bool) error {
	for r, row := range rows {
		for c, value := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, cellValue(value)); err != nil {
				return fmt.Errorf("failed to set %s!%s: %w", sheet, cell, err)
			}
		}
	}
	if plain || len(rows) == 0 || len(rows[0]) == 0 {
		return nil
	}
	last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, headerStyle)
}

func cellValue(s string) any {
	cleaned := strings.ReplaceAll(s, ",", "")
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return s
	}
	return f
}
