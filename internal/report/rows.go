// Package report renders reconciliation reports to spreadsheets.
package report

import (
	"fmt"
	"strings"
	"time"

	"bookpay/internal/models"
)

var lineHeaders = []interface{}{
	"Booking", "Provider", "Status", "Earned At",
	"Customer Total", "Platform Revenue", "Provider Payout",
	"Refunded Customer", "Refunded Platform", "Refunded Provider",
	"Net Customer", "Net Platform", "Net Provider",
	"Residual", "Payout", "Problems",
}

// lineRows returns the header row followed by one row per booking and a
// totals row.
func lineRows(r *models.ReconciliationReport) [][]interface{} {
	rows := make([][]interface{}, 0, len(r.Lines)+2)
	rows = append(rows, lineHeaders)
	for _, l := range r.Lines {
		rows = append(rows, []interface{}{
			l.BookingID, l.ProviderID, string(l.Status), l.EarnedAt.Format(time.RFC3339),
			l.CustomerTotal, l.PlatformRevenue, l.ProviderPayout,
			l.RefundedCustomer, l.RefundedPlatform, l.RefundedProvider,
			l.NetCustomer, l.NetPlatform, l.NetProvider,
			l.Residual, string(l.PayoutStatus), strings.Join(l.Problems, "; "),
		})
	}
	rows = append(rows, []interface{}{
		"TOTAL", "", "", "",
		r.GrossCustomer, r.GrossPlatform, r.GrossProvider,
		"", "", "",
		r.NetCustomer, r.NetPlatform, r.NetProvider,
		r.ResidualTotal, "", fmt.Sprintf("%d discrepancies", r.Discrepancies),
	})
	return rows
}

// failureRows lists callbacks and outbound tasks that need attention.
func failureRows(r *models.ReconciliationReport) [][]interface{} {
	rows := [][]interface{}{{"Kind", "Key", "Type", "Status", "Attempts", "Last Error"}}
	for _, rec := range r.FailedEvents {
		rows = append(rows, []interface{}{"event", rec.EventID, rec.EventType, string(rec.Status), rec.Attempts, rec.LastError})
	}
	for _, task := range r.FailedTasks {
		lastErr := ""
		if task.LastError != nil {
			lastErr = *task.LastError
		}
		rows = append(rows, []interface{}{"task", task.ID, task.TaskType, task.Status, task.RetryCount, lastErr})
	}
	return rows
}

func reportName(r *models.ReconciliationReport) string {
	return fmt.Sprintf("reconciliation_%s_%s", r.From.Format("20060102"), r.To.Format("20060102"))
}
