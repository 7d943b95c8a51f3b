package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"stock-alert-engine/internal/pricing"
	"stock-alert-engine/internal/stats"
	"stock-alert-engine/internal/storage"
)

type fakeRuleStore struct {
	rules []storage.AlertRule
	err   error
}

func (f *fakeRuleStore) ListEnabledRules(ctx context.Context) ([]storage.AlertRule, error) {
	return f.rules, f.err
}

// fakeNotificationStore enforces idempotency-key uniqueness the way the
// database unique index does.
type fakeNotificationStore struct {
	mu      sync.Mutex
	byKey   map[string]string
	inserts int
	err     error
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{byKey: map[string]string{}}
}

func (f *fakeNotificationStore) CreateNotificationIdempotent(ctx context.Context, n storage.Notification) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	if _, exists := f.byKey[n.IdempotencyKey]; exists {
		return "", true, nil
	}
	f.byKey[n.IdempotencyKey] = n.ID
	f.inserts++
	return n.ID, false, nil
}

func (f *fakeNotificationStore) ListRecentNotifications(ctx context.Context, limit int) ([]storage.Notification, error) {
	return nil, nil
}

type fakeExecStore struct {
	mu        sync.Mutex
	started   []storage.ScanExecution
	finalized []storage.ScanExecution
}

func (f *fakeExecStore) InsertScanExecution(ctx context.Context, exec storage.ScanExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, exec)
	return nil
}

func (f *fakeExecStore) FinalizeScanExecution(ctx context.Context, exec storage.ScanExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, exec)
	return nil
}

func (f *fakeExecStore) ListRecentScanExecutions(ctx context.Context, limit int) ([]storage.ScanExecution, error) {
	return nil, nil
}

func (f *fakeExecStore) ListScanExecutionsBetween(ctx context.Context, from, to time.Time) ([]storage.ScanExecution, error) {
	return nil, nil
}

type fakeQuoter struct {
	prices map[string]decimal.Decimal
	errs   map[string]error
	gate   chan struct{}
}

func (f *fakeQuoter) GetQuote(ctx context.Context, symbol string) (pricing.Quote, error) {
	if f.gate != nil {
		<-f.gate
	}
	if err, ok := f.errs[symbol]; ok {
		return pricing.Quote{}, err
	}
	return pricing.Quote{Symbol: symbol, Price: f.prices[symbol]}, nil
}

type fakeStatsRecorder struct {
	mu      sync.Mutex
	scans   []stats.ScanSummary
	symbols []string
}

func (f *fakeStatsRecorder) RecordScan(ctx context.Context, summary stats.ScanSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, summary)
}

func (f *fakeStatsRecorder) MarkSymbolPriced(ctx context.Context, symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols = append(f.symbols, symbol)
}

func aboveRule(id, userID, symbol string, threshold int64) storage.AlertRule {
	return storage.AlertRule{
		ID:        id,
		UserID:    userID,
		Symbol:    symbol,
		RuleType:  storage.RuleTypePriceAbove,
		Threshold: decimal.NewFromInt(threshold),
		Enabled:   true,
	}
}

func newTestScanner(ruleStore storage.RuleStore, quoter PriceQuoter, notifications *fakeNotificationStore, execs *fakeExecStore, recorder *fakeStatsRecorder) *Scanner {
	guard := NewIdempotencyGuard(notifications)
	scanLog := NewScanLogger(execs, zerolog.Nop())
	return NewScanner(Config{Interval: time.Minute}, ruleStore, quoter, guard, scanLog, recorder, nil, zerolog.Nop())
}

func TestIdempotencyKeyIsDateScoped(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2024, 3, 2, 0, 1, 0, 0, time.UTC)

	key1 := IdempotencyKey("user-1", "AAPL", "rule-1", day1)
	if key1 != "user-1_AAPL_rule-1_20240301" {
		t.Fatalf("unexpected key %q", key1)
	}
	if key1 == IdempotencyKey("user-1", "AAPL", "rule-1", day2) {
		t.Fatal("keys for different days must differ")
	}
	if key1 != IdempotencyKey("user-1", "AAPL", "rule-1", day1) {
		t.Fatal("key must be deterministic for the same inputs")
	}
}

func TestEnsureNotifiedConcurrentSingleWinner(t *testing.T) {
	store := newFakeNotificationStore()
	guard := NewIdempotencyGuard(store)
	guard.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	req := NotifyRequest{
		UserID:       "user-1",
		RuleID:       "rule-1",
		Symbol:       "AAPL",
		RuleType:     storage.RuleTypePriceAbove,
		TriggerPrice: decimal.NewFromInt(150),
		CurrentPrice: decimal.NewFromInt(155),
		Title:        "AAPL alert",
		Message:      "AAPL crossed 150",
	}

	const workers = 16
	outcomes := make([]NotifyOutcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outcomes[idx] = guard.EnsureNotified(context.Background(), req)
		}(i)
	}
	wg.Wait()

	created := 0
	duplicates := 0
	for _, outcome := range outcomes {
		if !outcome.Success {
			t.Fatalf("no outcome should fail: %+v", outcome)
		}
		if outcome.WasDuplicate {
			duplicates++
		} else {
			created++
		}
	}
	if created != 1 {
		t.Fatalf("exactly one goroutine must create the notification, got %d", created)
	}
	if duplicates != workers-1 {
		t.Fatalf("expected %d duplicates, got %d", workers-1, duplicates)
	}
	if store.inserts != 1 {
		t.Fatalf("store must see a single insert, got %d", store.inserts)
	}
}

func TestScanCreatesNotificationThenSuppressesSameDay(t *testing.T) {
	ruleStore := &fakeRuleStore{rules: []storage.AlertRule{aboveRule("rule-1", "user-1", "AAPL", 150)}}
	quoter := &fakeQuoter{prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(155)}}
	notifications := newFakeNotificationStore()
	execs := &fakeExecStore{}
	recorder := &fakeStatsRecorder{}

	scanner := newTestScanner(ruleStore, quoter, notifications, execs, recorder)
	scanner.guard.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	first, err := scanner.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	if !first.Success || first.RulesScanned != 1 || first.RulesMatched != 1 {
		t.Fatalf("first scan result wrong: %+v", first)
	}
	if first.NotificationsCreated != 1 || first.DuplicatesSuppressed != 0 {
		t.Fatalf("first scan should create one notification: %+v", first)
	}

	second, err := scanner.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if second.NotificationsCreated != 0 || second.DuplicatesSuppressed != 1 {
		t.Fatalf("second same-day scan must suppress the duplicate: %+v", second)
	}
	if !second.Success {
		t.Fatal("duplicate suppression is a successful outcome")
	}

	if notifications.inserts != 1 {
		t.Fatalf("store must hold one notification, got %d", notifications.inserts)
	}
	if len(execs.finalized) != 2 {
		t.Fatalf("expected 2 finalized executions, got %d", len(execs.finalized))
	}
	for _, exec := range execs.finalized {
		if exec.Status != storage.ScanStatusCompleted {
			t.Fatalf("scan should finalize as completed: %+v", exec)
		}
		if exec.EndTime == nil || exec.DurationMs == nil {
			t.Fatalf("finalized execution missing end time or duration: %+v", exec)
		}
	}
	if len(recorder.scans) != 2 {
		t.Fatalf("stats must record every scan, got %d", len(recorder.scans))
	}
}

func TestScanRejectsOverlappingTrigger(t *testing.T) {
	ruleStore := &fakeRuleStore{rules: []storage.AlertRule{aboveRule("rule-1", "user-1", "AAPL", 150)}}
	gate := make(chan struct{})
	quoter := &fakeQuoter{
		prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(155)},
		gate:   gate,
	}
	scanner := newTestScanner(ruleStore, quoter, newFakeNotificationStore(), &fakeExecStore{}, &fakeStatsRecorder{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := scanner.TriggerManual(context.Background())
		firstDone <- err
	}()

	// Wait until the first scan is blocked inside the quoter.
	deadline := time.After(2 * time.Second)
	for !scanner.Status().Running {
		select {
		case <-deadline:
			t.Fatal("first scan never started")
		case <-time.After(time.Millisecond):
		}
	}

	if _, err := scanner.TriggerManual(context.Background()); !errors.Is(err, ErrScanInProgress) {
		t.Fatalf("overlapping trigger must be rejected, got %v", err)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	if scanner.Status().Running {
		t.Fatal("scanner must release the running flag")
	}
}

func TestScanFailsWhenRulesUnavailable(t *testing.T) {
	ruleStore := &fakeRuleStore{err: errors.New("db unreachable")}
	execs := &fakeExecStore{}
	recorder := &fakeStatsRecorder{}
	scanner := newTestScanner(ruleStore, &fakeQuoter{}, newFakeNotificationStore(), execs, recorder)

	result, err := scanner.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("catastrophic failure is reported in the result, not the error: %v", err)
	}
	if result.Success {
		t.Fatal("rule load failure must mark the scan failed")
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected one accumulated error, got %+v", result.Errors)
	}
	if len(execs.finalized) != 1 || execs.finalized[0].Status != storage.ScanStatusFailed {
		t.Fatalf("execution must finalize as failed: %+v", execs.finalized)
	}
	if len(recorder.scans) != 1 || recorder.scans[0].Succeeded {
		t.Fatalf("failed scans still feed the rollups: %+v", recorder.scans)
	}
}

func TestScanSurvivesPerSymbolFailures(t *testing.T) {
	ruleStore := &fakeRuleStore{rules: []storage.AlertRule{
		aboveRule("rule-1", "user-1", "BROKEN", 150),
		aboveRule("rule-2", "user-1", "AAPL", 150),
		aboveRule("rule-3", "user-2", "AAPL", 200),
	}}
	quoter := &fakeQuoter{
		prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(155)},
		errs:   map[string]error{"BROKEN": errors.New("feed timeout")},
	}
	recorder := &fakeStatsRecorder{}
	scanner := newTestScanner(ruleStore, quoter, newFakeNotificationStore(), &fakeExecStore{}, recorder)

	result, err := scanner.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if result.Success {
		t.Fatal("a scan with accumulated errors must report failure")
	}
	if result.SymbolsProcessed != 1 {
		t.Fatalf("only AAPL should be processed, got %d", result.SymbolsProcessed)
	}
	if result.RulesScanned != 2 {
		t.Fatalf("both AAPL rules should be scanned, got %d", result.RulesScanned)
	}
	if result.RulesMatched != 1 || result.NotificationsCreated != 1 {
		t.Fatalf("only rule-2 should match: %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("the BROKEN fetch error must be accumulated: %+v", result.Errors)
	}
	if len(recorder.symbols) != 1 || recorder.symbols[0] != "AAPL" {
		t.Fatalf("hot symbol tracking wrong: %+v", recorder.symbols)
	}
}

func TestScanWithErrorsFinalizesFailed(t *testing.T) {
	ruleStore := &fakeRuleStore{rules: []storage.AlertRule{
		aboveRule("rule-1", "user-1", "BROKEN", 150),
		aboveRule("rule-2", "user-1", "AAPL", 150),
	}}
	quoter := &fakeQuoter{
		prices: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(155)},
		errs:   map[string]error{"BROKEN": errors.New("feed timeout")},
	}
	execs := &fakeExecStore{}
	recorder := &fakeStatsRecorder{}
	scanner := newTestScanner(ruleStore, quoter, newFakeNotificationStore(), execs, recorder)

	result, err := scanner.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if result.Success {
		t.Fatalf("success must be false when errors accumulated: %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("the fetch error must be surfaced in the result: %+v", result.Errors)
	}
	if result.NotificationsCreated != 1 {
		t.Fatal("the healthy symbol must still be evaluated")
	}
	if len(execs.finalized) != 1 || execs.finalized[0].Status != storage.ScanStatusFailed {
		t.Fatalf("execution must finalize as failed when errors occurred: %+v", execs.finalized)
	}
	if len(recorder.scans) != 1 || recorder.scans[0].Succeeded {
		t.Fatalf("rollups must count the scan as failed: %+v", recorder.scans)
	}
}

func TestScanWithNoRulesCompletesEmpty(t *testing.T) {
	execs := &fakeExecStore{}
	scanner := newTestScanner(&fakeRuleStore{}, &fakeQuoter{}, newFakeNotificationStore(), execs, &fakeStatsRecorder{})

	result, err := scanner.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !result.Success || result.RulesScanned != 0 || result.NotificationsCreated != 0 {
		t.Fatalf("empty scan should complete with zero counts: %+v", result)
	}
	if len(execs.finalized) != 1 || execs.finalized[0].Status != storage.ScanStatusCompleted {
		t.Fatalf("empty scan must still finalize as completed: %+v", execs.finalized)
	}
}

func TestSummarizeWindow(t *testing.T) {
	dur := func(ms int64) *int64 { return &ms }
	executions := []storage.ScanExecution{
		{Status: storage.ScanStatusCompleted, DurationMs: dur(100)},
		{Status: storage.ScanStatusCompleted, DurationMs: dur(300)},
		{Status: storage.ScanStatusFailed, DurationMs: dur(200)},
		{Status: storage.ScanStatusRunning},
	}

	summary := Summarize(executions)
	if summary.Total != 4 || summary.Completed != 2 || summary.Failed != 1 || summary.Running != 1 {
		t.Fatalf("window counts wrong: %+v", summary)
	}
	if summary.AverageDurationMs != 200 {
		t.Fatalf("averageDurationMs = %f, want 200", summary.AverageDurationMs)
	}
}

func TestScanIDFormat(t *testing.T) {
	scanner := newTestScanner(&fakeRuleStore{}, &fakeQuoter{}, newFakeNotificationStore(), &fakeExecStore{}, &fakeStatsRecorder{})
	scanner.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC) }
	scanner.newSuffix = func() string { return "abcd1234" }

	result, err := scanner.TriggerManual(context.Background())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	want := fmt.Sprintf("scan_%s_%s", "20240301T123045Z", "abcd1234")
	if result.ScanID != want {
		t.Fatalf("scan id = %q, want %q", result.ScanID, want)
	}
	if scanner.Status().LastScanID != want {
		t.Fatalf("status must expose the last scan id, got %q", scanner.Status().LastScanID)
	}
}
