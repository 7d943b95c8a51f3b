package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"stock-alert-engine/internal/engine"
	"stock-alert-engine/internal/storage"
)

// ShowScans prints recent scan executions as an aligned table plus a
// window summary footer.
func ShowScans(ctx context.Context, scanLog *engine.ScanLogger, limit int, w io.Writer) error {
	executions, summary, err := scanLog.Recent(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCAN ID\tTYPE\tSTATUS\tSTART\tDURATION\tRULES\tMATCHED\tNOTIFIED\tERRORS")
	for _, exec := range executions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			exec.ScanID,
			exec.ScanType,
			exec.Status,
			exec.StartTime.UTC().Format(time.RFC3339),
			formatDuration(exec.DurationMs),
			exec.RulesScanned,
			exec.RulesMatched,
			exec.NotificationsCreated,
			len(exec.Errors),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d scans: %d completed, %d failed, %d running, avg %.0fms\n",
		summary.Total, summary.Completed, summary.Failed, summary.Running, summary.AverageDurationMs)
	return nil
}

// ShowNotifications prints the most recent notifications.
func ShowNotifications(ctx context.Context, store storage.NotificationStore, limit int, w io.Writer) error {
	notifications, err := store.ListRecentNotifications(ctx, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tSYMBOL\tTYPE\tTRIGGER\tCURRENT\tMESSAGE")
	for _, n := range notifications {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.CreatedAt.UTC().Format(time.RFC3339),
			n.Symbol,
			n.RuleType,
			n.TriggerPrice.StringFixed(2),
			n.CurrentPrice.StringFixed(2),
			truncate(n.Message, 60),
		)
	}
	return tw.Flush()
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
