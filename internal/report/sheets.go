package report

import (
	"context"
	"fmt"
	"os"

	"bookpay/internal/domain"
	"bookpay/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsWriter publishes each report as a new tab of one spreadsheet.
type SheetsWriter struct {
	service       *sheets.Service
	spreadsheetID string
	logger        *zerolog.Logger
}

func NewSheetsWriter(ctx context.Context, credentialsFile, spreadsheetID string, logger *zerolog.Logger) (*SheetsWriter, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return newSheetsWriter(srv, spreadsheetID, logger), nil
}

func newSheetsWriter(srv *sheets.Service, spreadsheetID string, logger *zerolog.Logger) *SheetsWriter {
	return &SheetsWriter{service: srv, spreadsheetID: spreadsheetID, logger: logger}
}

func (w *SheetsWriter) WriteReport(ctx context.Context, r *models.ReconciliationReport) (string, error) {
	tab := reportName(r)
	if err := w.ensureTab(ctx, tab); err != nil {
		return "", err
	}

	rows := lineRows(r)
	rows = append(rows, []interface{}{})
	rows = append(rows, failureRows(r)...)

	rangeData := fmt.Sprintf("%s!A1", tab)
	_, err := w.service.Spreadsheets.Values.Update(w.spreadsheetID, rangeData, &sheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("unable to write report: %w", err)
	}

	w.logger.Info().Str("spreadsheet", w.spreadsheetID).Str("tab", tab).Msg("Reconciliation report published")
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s", w.spreadsheetID), nil
}

// ensureTab adds the named sheet unless it already exists; reruns for the
// same window overwrite the tab.
func (w *SheetsWriter) ensureTab(ctx context.Context, title string) error {
	spreadsheet, err := w.service.Spreadsheets.Get(w.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to get spreadsheet: %w", err)
	}
	for _, s := range spreadsheet.Sheets {
		if s.Properties != nil && s.Properties.Title == title {
			return nil
		}
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: title}},
		}},
	}
	if _, err := w.service.Spreadsheets.BatchUpdate(w.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("unable to add sheet %s: %w", title, err)
	}
	return nil
}

var _ domain.ReportWriter = (*SheetsWriter)(nil)
