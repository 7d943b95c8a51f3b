package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/wcharczuk/go-chart/v2"

	"stock-alert-engine/internal/storage"
)

// ExportOptions selects the window and output targets for an export.
type ExportOptions struct {
	From      time.Time
	To        time.Time
	MaxPoints int
	CSVPath   string
	ChartPath string
}

// ExportScanHistory writes scan executions from a time window to CSV
// and renders a scan-duration chart. Large windows are downsampled to
// MaxPoints before rendering.
func ExportScanHistory(ctx context.Context, store storage.ScanExecutionStore, opts ExportOptions, logger zerolog.Logger) error {
	executions, err := store.ListScanExecutionsBetween(ctx, opts.From, opts.To)
	if err != nil {
		return fmt.Errorf("load scan executions: %w", err)
	}
	if len(executions) == 0 {
		return fmt.Errorf("no scan executions between %s and %s",
			opts.From.UTC().Format(time.RFC3339), opts.To.UTC().Format(time.RFC3339))
	}

	sampled := Downsample(executions, opts.MaxPoints)
	if len(sampled) != len(executions) {
		logger.Info().
			Int("total", len(executions)).
			Int("sampled", len(sampled)).
			Msg("downsampled scan history for export")
	}

	if opts.CSVPath != "" {
		if err := writeCSV(opts.CSVPath, sampled); err != nil {
			return err
		}
		logger.Info().Str("path", opts.CSVPath).Msg("csv export written")
	}

	if opts.ChartPath != "" {
		if err := renderDurationChart(opts.ChartPath, sampled); err != nil {
			return err
		}
		logger.Info().Str("path", opts.ChartPath).Msg("chart export written")
	}

	return nil
}

// Downsample keeps at most maxPoints executions using a fixed stride,
// always retaining the first and last entries.
func Downsample(executions []storage.ScanExecution, maxPoints int) []storage.ScanExecution {
	if maxPoints <= 0 || len(executions) <= maxPoints {
		return executions
	}

	sampled := make([]storage.ScanExecution, 0, maxPoints)
	stride := float64(len(executions)-1) / float64(maxPoints-1)
	for i := 0; i < maxPoints; i++ {
		idx := int(float64(i) * stride)
		sampled = append(sampled, executions[idx])
	}
	sampled[len(sampled)-1] = executions[len(executions)-1]
	return sampled
}

func writeCSV(path string, executions []storage.ScanExecution) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{
		"scan_id", "scan_type", "status", "start_time", "duration_ms",
		"rules_scanned", "rules_matched", "notifications_created", "error_count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, exec := range executions {
		duration := ""
		if exec.DurationMs != nil {
			duration = strconv.FormatInt(*exec.DurationMs, 10)
		}
		record := []string{
			exec.ScanID,
			exec.ScanType,
			exec.Status,
			exec.StartTime.UTC().Format(time.RFC3339),
			duration,
			strconv.Itoa(exec.RulesScanned),
			strconv.Itoa(exec.RulesMatched),
			strconv.Itoa(exec.NotificationsCreated),
			strconv.Itoa(len(exec.Errors)),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func renderDurationChart(path string, executions []storage.ScanExecution) error {
	xValues := make([]time.Time, 0, len(executions))
	yValues := make([]float64, 0, len(executions))
	for _, exec := range executions {
		if exec.DurationMs == nil {
			continue
		}
		xValues = append(xValues, exec.StartTime)
		yValues = append(yValues, float64(*exec.DurationMs))
	}
	if len(xValues) < 2 {
		return fmt.Errorf("need at least two finished scans to render a chart, got %d", len(xValues))
	}

	graph := chart.Chart{
		Title: "Scan Duration",
		XAxis: chart.XAxis{
			Name:           "time",
			ValueFormatter: chart.TimeValueFormatterWithFormat("01-02 15:04"),
		},
		YAxis: chart.YAxis{
			Name: "duration (ms)",
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "scan duration",
				XValues: xValues,
				YValues: yValues,
			},
		},
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create chart file: %w", err)
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}
