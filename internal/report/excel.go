package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"bookpay/internal/domain"
	"bookpay/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	sheetLines    = "Reconciliation"
	sheetFailures = "Failures"
)

// ExcelWriter saves each report as an .xlsx file under a directory.
type ExcelWriter struct {
	dir    string
	logger *zerolog.Logger
}

func NewExcelWriter(dir string, logger *zerolog.Logger) *ExcelWriter {
	return &ExcelWriter{dir: dir, logger: logger}
}

func (w *ExcelWriter) WriteReport(ctx context.Context, r *models.ReconciliationReport) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetLines)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := writeRows(f, sheetLines, lineRows(r)); err != nil {
		return "", err
	}
	if _, err := f.NewSheet(sheetFailures); err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	if err := writeRows(f, sheetFailures, failureRows(r)); err != nil {
		return "", err
	}

	header, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	lastCol, _ := excelize.ColumnNumberToName(len(lineHeaders))
	_ = f.SetCellStyle(sheetLines, "A1", lastCol+"1", header)
	_ = f.SetCellStyle(sheetFailures, "A1", "F1", header)
	_ = f.SetColWidth(sheetLines, "A", lastCol, 16)
	_ = f.SetColWidth(sheetLines, lastCol, lastCol, 60)

	problem, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F8CBAD"}, Pattern: 1},
	})
	for i, l := range r.Lines {
		if len(l.Problems) == 0 {
			continue
		}
		row := i + 2
		_ = f.SetCellStyle(sheetLines, fmt.Sprintf("A%d", row), fmt.Sprintf("%s%d", lastCol, row), problem)
	}

	_ = f.DeleteSheet("Sheet1")

	filePath := filepath.Join(w.dir, reportName(r)+".xlsx")
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	w.logger.Info().Str("file_path", filePath).Int("lines", len(r.Lines)).Msg("Reconciliation report written")
	return filePath, nil
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

var _ domain.ReportWriter = (*ExcelWriter)(nil)
