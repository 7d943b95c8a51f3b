package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stock-alert-engine/internal/config"
	"stock-alert-engine/internal/engine"
	"stock-alert-engine/internal/storage"
)

type fakeExecStore struct {
	executions []storage.ScanExecution
}

func (f *fakeExecStore) InsertScanExecution(ctx context.Context, exec storage.ScanExecution) error {
	return nil
}

func (f *fakeExecStore) FinalizeScanExecution(ctx context.Context, exec storage.ScanExecution) error {
	return nil
}

func (f *fakeExecStore) ListRecentScanExecutions(ctx context.Context, limit int) ([]storage.ScanExecution, error) {
	if limit > len(f.executions) {
		limit = len(f.executions)
	}
	return f.executions[:limit], nil
}

func (f *fakeExecStore) ListScanExecutionsBetween(ctx context.Context, from, to time.Time) ([]storage.ScanExecution, error) {
	return f.executions, nil
}

func finishedExec(id string, start time.Time, durationMs int64) storage.ScanExecution {
	end := start.Add(time.Duration(durationMs) * time.Millisecond)
	return storage.ScanExecution{
		ScanID:       id,
		ScanType:     storage.ScanTypeScheduled,
		Status:       storage.ScanStatusCompleted,
		StartTime:    start,
		EndTime:      &end,
		DurationMs:   &durationMs,
		RulesScanned: 5,
		RulesMatched: 1,
	}
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	executions := make([]storage.ScanExecution, 100)
	for i := range executions {
		executions[i] = finishedExec("scan", base.Add(time.Duration(i)*time.Minute), 100)
		executions[i].ScanID = executions[i].StartTime.Format("150405")
	}

	sampled := Downsample(executions, 10)
	if len(sampled) != 10 {
		t.Fatalf("sampled length = %d, want 10", len(sampled))
	}
	if sampled[0].ScanID != executions[0].ScanID {
		t.Fatal("first entry must be retained")
	}
	if sampled[9].ScanID != executions[99].ScanID {
		t.Fatal("last entry must be retained")
	}
	for i := 1; i < len(sampled); i++ {
		if !sampled[i].StartTime.After(sampled[i-1].StartTime) {
			t.Fatalf("sampled entries must stay ordered: %v !> %v", sampled[i].StartTime, sampled[i-1].StartTime)
		}
	}
}

func TestDownsampleNoopWhenSmall(t *testing.T) {
	executions := []storage.ScanExecution{finishedExec("a", time.Now(), 100)}
	if got := Downsample(executions, 10); len(got) != 1 {
		t.Fatalf("small input should pass through, got %d", len(got))
	}
}

func TestExportScanHistoryCSV(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeExecStore{executions: []storage.ScanExecution{
		finishedExec("scan_a", base, 150),
		finishedExec("scan_b", base.Add(5*time.Minute), 250),
	}}

	csvPath := filepath.Join(t.TempDir(), "scans.csv")
	err := ExportScanHistory(context.Background(), store, ExportOptions{
		From:      base.Add(-time.Hour),
		To:        base.Add(time.Hour),
		MaxPoints: 1000,
		CSVPath:   csvPath,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("导出失败: %v", err)
	}

	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	if records[0][0] != "scan_id" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][0] != "scan_a" || records[1][4] != "150" {
		t.Fatalf("unexpected first row: %v", records[1])
	}
}

func TestExportScanHistoryEmptyWindow(t *testing.T) {
	store := &fakeExecStore{}
	err := ExportScanHistory(context.Background(), store, ExportOptions{
		From: time.Now().Add(-time.Hour),
		To:   time.Now(),
	}, zerolog.Nop())
	if err == nil {
		t.Fatal("empty window must return an error")
	}
}

func TestShowScansTable(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeExecStore{executions: []storage.ScanExecution{
		finishedExec("scan_a", base, 150),
	}}
	scanLog := engine.NewScanLogger(store, zerolog.Nop())

	var buf bytes.Buffer
	if err := ShowScans(context.Background(), scanLog, 10, &buf); err != nil {
		t.Fatalf("show failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "SCAN ID") {
		t.Fatalf("missing header: %q", out)
	}
	if !strings.Contains(out, "scan_a") || !strings.Contains(out, "completed") {
		t.Fatalf("missing row content: %q", out)
	}
	if !strings.Contains(out, "1 scans: 1 completed") {
		t.Fatalf("missing summary footer: %q", out)
	}
}

func TestBuildSourceSelection(t *testing.T) {
	if _, err := buildSource(config.PricingConfig{Source: "mock"}, zerolog.Nop()); err != nil {
		t.Fatalf("mock source should build: %v", err)
	}
	if _, err := buildSource(config.PricingConfig{Source: "http"}, zerolog.Nop()); err == nil {
		t.Fatal("http source without base_url must fail")
	}
	if _, err := buildSource(config.PricingConfig{Source: "carrier-pigeon"}, zerolog.Nop()); err == nil {
		t.Fatal("unknown source must fail")
	}
}
