package main

import (
	"fmt"
	"time"

	"bookpay/internal/alerts"
	"bookpay/internal/domain"
	"bookpay/internal/report"
	"bookpay/internal/service"

	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

func reconcileCmd(configPath *string) *cobra.Command {
	var (
		fromStr, toStr string
		xlsx, sheets   bool
		alert          bool
		failOnIssues   bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile earned bookings, refunds and payouts for a window",
		Long: `Recompute every booking that earned revenue in [from, to) and report
pricing drift, refund mismatches, missing payouts, failed callbacks and
failed outbound tasks.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			from, to, err := parseWindow(fromStr, toStr, time.Now().UTC())
			if err != nil {
				return err
			}

			e, err := openEnv(ctx, *configPath)
			if err != nil {
				return err
			}
			defer e.close()

			var writers []domain.ReportWriter
			if xlsx {
				writers = append(writers, report.NewExcelWriter(e.cfg.Reports.ExportPath, e.logger))
			}
			if sheets {
				w, err := report.NewSheetsWriter(ctx, e.cfg.Reports.GoogleCredentialsFile, e.cfg.Reports.SpreadsheetID, e.logger)
				if err != nil {
					return err
				}
				writers = append(writers, w)
			}

			var sender domain.AlertSender
			if alert && e.cfg.Alerts.TelegramBotToken != "" {
				tg, err := alerts.NewTelegram(e.cfg.Alerts.TelegramBotToken, e.cfg.Alerts.TelegramChatID, e.logger)
				if err != nil {
					return err
				}
				sender = tg
			}

			svc := service.NewReconciliationService(e.db, writers, sender, e.logger)
			r, err := svc.Run(ctx, from, to)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), service.Summary(r))
			for _, out := range r.Outputs {
				fmt.Fprintf(cmd.OutOrStdout(), "written: %s\n", out)
			}
			if failOnIssues && r.HasIssues() {
				return fmt.Errorf("reconciliation found %d discrepancies, %d failed events, %d failed tasks",
					r.Discrepancies, len(r.FailedEvents), len(r.FailedTasks))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromStr, "from", "", "Window start (YYYY-MM-DD), default yesterday")
	cmd.Flags().StringVar(&toStr, "to", "", "Window end, exclusive (YYYY-MM-DD), default today")
	cmd.Flags().BoolVar(&xlsx, "xlsx", true, "Write an .xlsx report to reports.export_path")
	cmd.Flags().BoolVar(&sheets, "sheets", false, "Publish the report to Google Sheets")
	cmd.Flags().BoolVar(&alert, "alert", true, "Send a Telegram alert when issues are found")
	cmd.Flags().BoolVar(&failOnIssues, "fail-on-issues", false, "Exit non-zero when issues are found")

	return cmd
}

// parseWindow defaults to the previous UTC day.
func parseWindow(fromStr, toStr string, now time.Time) (time.Time, time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from, to := today.AddDate(0, 0, -1), today

	var err error
	if fromStr != "" {
		if from, err = time.Parse(dateLayout, fromStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if toStr != "" {
		if to, err = time.Parse(dateLayout, toStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
	}
	return from, to, nil
}
