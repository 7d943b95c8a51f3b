package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"stock-alert-engine/internal/storage"
)

// WindowSummary is derived from a window of scan execution records.
type WindowSummary struct {
	Total             int     `json:"total"`
	Completed         int     `json:"completed"`
	Failed            int     `json:"failed"`
	Running           int     `json:"running"`
	AverageDurationMs float64 `json:"averageDurationMs"`
}

// ScanLogger writes the scan execution lifecycle to storage: one insert
// when the scan starts, one update when it finishes.
type ScanLogger struct {
	store  storage.ScanExecutionStore
	logger zerolog.Logger
}

// NewScanLogger constructs a scan logger over the execution store.
func NewScanLogger(store storage.ScanExecutionStore, logger zerolog.Logger) *ScanLogger {
	return &ScanLogger{
		store:  store,
		logger: logger.With().Str("component", "scan_log").Logger(),
	}
}

// Begin records a scan entering the running state.
func (l *ScanLogger) Begin(ctx context.Context, exec storage.ScanExecution) error {
	if err := l.store.InsertScanExecution(ctx, exec); err != nil {
		return fmt.Errorf("begin scan log: %w", err)
	}
	l.logger.Info().
		Str("scan_id", exec.ScanID).
		Str("scan_type", exec.ScanType).
		Msg("scan started")
	return nil
}

// Finalize applies the one completion update for a scan.
func (l *ScanLogger) Finalize(ctx context.Context, exec storage.ScanExecution) error {
	if err := l.store.FinalizeScanExecution(ctx, exec); err != nil {
		return fmt.Errorf("finalize scan log: %w", err)
	}

	event := l.logger.Info()
	if exec.Status == storage.ScanStatusFailed {
		event = l.logger.Error()
	}
	event.
		Str("scan_id", exec.ScanID).
		Str("status", exec.Status).
		Int("rules_scanned", exec.RulesScanned).
		Int("rules_matched", exec.RulesMatched).
		Int("notifications_created", exec.NotificationsCreated).
		Int("errors", len(exec.Errors)).
		Msg("scan finished")
	return nil
}

// Recent returns the latest executions plus aggregates over that window.
func (l *ScanLogger) Recent(ctx context.Context, limit int) ([]storage.ScanExecution, WindowSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	executions, err := l.store.ListRecentScanExecutions(ctx, limit)
	if err != nil {
		return nil, WindowSummary{}, fmt.Errorf("list recent scans: %w", err)
	}
	return executions, Summarize(executions), nil
}

// Summarize derives window aggregates from execution records. Only
// finished scans with a recorded duration contribute to the average.
func Summarize(executions []storage.ScanExecution) WindowSummary {
	summary := WindowSummary{Total: len(executions)}

	var durationSum int64
	var durationCount int
	for _, exec := range executions {
		switch exec.Status {
		case storage.ScanStatusCompleted:
			summary.Completed++
		case storage.ScanStatusFailed:
			summary.Failed++
		case storage.ScanStatusRunning:
			summary.Running++
		}
		if exec.DurationMs != nil {
			durationSum += *exec.DurationMs
			durationCount++
		}
	}
	if durationCount > 0 {
		summary.AverageDurationMs = float64(durationSum) / float64(durationCount)
	}
	return summary
}
