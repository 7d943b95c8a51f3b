package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stock-alert-engine/internal/pricing"
	"stock-alert-engine/internal/rules"
	"stock-alert-engine/internal/scheduler"
	"stock-alert-engine/internal/stats"
	"stock-alert-engine/internal/storage"
)

// ErrScanInProgress is returned when a trigger arrives while a scan is
// still running. Overlapping scans are rejected, never queued.
var ErrScanInProgress = errors.New("engine: scan already in progress")

// PriceQuoter resolves the current price for a symbol.
type PriceQuoter interface {
	GetQuote(ctx context.Context, symbol string) (pricing.Quote, error)
}

// StatsRecorder receives scan outcomes and symbol activity.
type StatsRecorder interface {
	RecordScan(ctx context.Context, summary stats.ScanSummary)
	MarkSymbolPriced(ctx context.Context, symbol string)
}

// Notifier delivers a created notification to an external channel.
// Delivery failures never fail the scan.
type Notifier interface {
	Send(ctx context.Context, n storage.Notification) error
}

// Config tunes the scan loop.
type Config struct {
	Interval       time.Duration
	ImmediateFirst bool
	StartupDelay   time.Duration
}

// ScanResult is the outcome of one scan run.
type ScanResult struct {
	ScanID               string   `json:"scanId"`
	ScanType             string   `json:"scanType"`
	Success              bool     `json:"success"`
	RulesScanned         int      `json:"rulesScanned"`
	RulesMatched         int      `json:"rulesMatched"`
	NotificationsCreated int      `json:"notificationsCreated"`
	DuplicatesSuppressed int      `json:"duplicatesSuppressed"`
	SymbolsProcessed     int      `json:"symbolsProcessed"`
	DurationMs           int64    `json:"durationMs"`
	Errors               []string `json:"errors,omitempty"`
}

// Status describes the scheduler state for the API surface.
type Status struct {
	Scheduled  bool       `json:"isScheduled"`
	Running    bool       `json:"isRunning"`
	Interval   string     `json:"interval"`
	LastScanID string     `json:"lastScanId,omitempty"`
	LastScanAt *time.Time `json:"lastScanAt,omitempty"`
}

// Scanner is the engine core: it loads enabled rules, resolves prices
// per symbol, evaluates every rule, and writes notifications through
// the idempotency guard. At most one scan runs at a time.
type Scanner struct {
	cfg      Config
	rules    storage.RuleStore
	quoter   PriceQuoter
	guard    *IdempotencyGuard
	scanLog  *ScanLogger
	recorder StatsRecorder
	notifier Notifier
	logger   zerolog.Logger

	now       func() time.Time
	newSuffix func() string

	mu         sync.Mutex
	running    bool
	scheduled  bool
	lastScanID string
	lastScanAt time.Time
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewScanner wires the scan dependencies. notifier may be nil.
func NewScanner(
	cfg Config,
	ruleStore storage.RuleStore,
	quoter PriceQuoter,
	guard *IdempotencyGuard,
	scanLog *ScanLogger,
	recorder StatsRecorder,
	notifier Notifier,
	logger zerolog.Logger,
) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Scanner{
		cfg:      cfg,
		rules:    ruleStore,
		quoter:   quoter,
		guard:    guard,
		scanLog:  scanLog,
		recorder: recorder,
		notifier: notifier,
		logger:   logger.With().Str("component", "scanner").Logger(),
		now:      time.Now,
		newSuffix: func() string {
			return strings.SplitN(uuid.NewString(), "-", 2)[0]
		},
	}
}

// Start launches the periodic scan loop. Idempotent: a second call
// while scheduled is a no-op.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	if s.scheduled {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.scheduled = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	loop := scheduler.New(scheduler.Options{
		Interval:       s.cfg.Interval,
		ImmediateFirst: s.cfg.ImmediateFirst,
		StartupDelay:   s.cfg.StartupDelay,
	}, s.logger)

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("scan scheduler started")

	go func() {
		defer close(done)
		_ = loop.Run(runCtx, func(tickCtx context.Context) error {
			_, err := s.run(tickCtx, storage.ScanTypeScheduled)
			if errors.Is(err, ErrScanInProgress) {
				s.logger.Warn().Msg("scheduled scan skipped, previous scan still running")
				return nil
			}
			return err
		})
	}()
}

// Stop cancels the scan loop and waits for it to exit. A scan already
// in flight finishes its current run.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.scheduled {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.scheduled = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("scan scheduler stopped")
}

// TriggerManual runs a scan right now, rejecting the request if one is
// already in flight.
func (s *Scanner) TriggerManual(ctx context.Context) (*ScanResult, error) {
	return s.run(ctx, storage.ScanTypeManual)
}

// Status reports the current scheduler state.
func (s *Scanner) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{
		Scheduled:  s.scheduled,
		Running:    s.running,
		Interval:   s.cfg.Interval.String(),
		LastScanID: s.lastScanID,
	}
	if !s.lastScanAt.IsZero() {
		at := s.lastScanAt
		status.LastScanAt = &at
	}
	return status
}

func (s *Scanner) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Scanner) end(scanID string, at time.Time) {
	s.mu.Lock()
	s.running = false
	s.lastScanID = scanID
	s.lastScanAt = at
	s.mu.Unlock()
}

func (s *Scanner) run(ctx context.Context, scanType string) (*ScanResult, error) {
	if !s.tryBegin() {
		return nil, ErrScanInProgress
	}

	start := s.now()
	scanID := fmt.Sprintf("scan_%s_%s", start.UTC().Format("20060102T150405Z"), s.newSuffix())
	defer s.end(scanID, start)

	result := &ScanResult{ScanID: scanID, ScanType: scanType}

	exec := storage.ScanExecution{
		ScanID:    scanID,
		ScanType:  scanType,
		Status:    storage.ScanStatusRunning,
		StartTime: start,
		Metadata:  map[string]any{"trigger": scanType},
	}
	if err := s.scanLog.Begin(ctx, exec); err != nil {
		// The scan itself is more important than its audit row.
		s.logger.Error().Err(err).Str("scan_id", scanID).Msg("scan log begin failed")
	}

	enabledRules, err := s.rules.ListEnabledRules(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("load rules: %v", err))
	} else {
		s.evaluate(ctx, enabledRules, result)
	}

	finished := s.now()
	result.DurationMs = finished.Sub(start).Milliseconds()
	// Any accumulated error fails the scan, even when the batch ran to
	// completion. Duplicates are not errors.
	result.Success = len(result.Errors) == 0

	status := storage.ScanStatusCompleted
	if !result.Success {
		status = storage.ScanStatusFailed
	}

	duration := result.DurationMs
	exec.Status = status
	exec.EndTime = &finished
	exec.DurationMs = &duration
	exec.RulesScanned = result.RulesScanned
	exec.RulesMatched = result.RulesMatched
	exec.NotificationsCreated = result.NotificationsCreated
	exec.Errors = result.Errors
	exec.Metadata["symbolsProcessed"] = result.SymbolsProcessed
	exec.Metadata["duplicatesSuppressed"] = result.DuplicatesSuppressed
	if finalizeErr := s.scanLog.Finalize(ctx, exec); finalizeErr != nil {
		s.logger.Error().Err(finalizeErr).Str("scan_id", scanID).Msg("scan log finalize failed")
	}

	if s.recorder != nil {
		s.recorder.RecordScan(ctx, stats.ScanSummary{
			ScanID:               scanID,
			Succeeded:            result.Success,
			DurationMs:           result.DurationMs,
			RulesScanned:         result.RulesScanned,
			RulesMatched:         result.RulesMatched,
			NotificationsCreated: result.NotificationsCreated,
			SymbolsProcessed:     result.SymbolsProcessed,
			FinishedAt:           finished,
		})
	}

	return result, nil
}

// evaluate groups rules by symbol so each symbol's price is resolved
// once, then runs every rule against that price. Failures are
// accumulated per symbol and per rule; one bad symbol never aborts the
// scan.
func (s *Scanner) evaluate(ctx context.Context, enabledRules []storage.AlertRule, result *ScanResult) {
	bySymbol := make(map[string][]storage.AlertRule)
	symbols := make([]string, 0)
	for _, rule := range enabledRules {
		if _, seen := bySymbol[rule.Symbol]; !seen {
			symbols = append(symbols, rule.Symbol)
		}
		bySymbol[rule.Symbol] = append(bySymbol[rule.Symbol], rule)
	}

	for _, symbol := range symbols {
		quote, err := s.quoter.GetQuote(ctx, symbol)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("fetch price for %s: %v", symbol, err))
			s.logger.Warn().Err(err).Str("symbol", symbol).Msg("price resolution failed, skipping symbol")
			continue
		}
		result.SymbolsProcessed++
		if s.recorder != nil {
			s.recorder.MarkSymbolPriced(ctx, symbol)
		}

		for _, rule := range bySymbol[symbol] {
			result.RulesScanned++

			match, matchErr := rules.Match(rule, quote.Price, quote.Previous)
			if matchErr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("evaluate rule %s: %v", rule.ID, matchErr))
				continue
			}
			if !match.Matched {
				continue
			}
			result.RulesMatched++

			outcome := s.guard.EnsureNotified(ctx, NotifyRequest{
				UserID:       rule.UserID,
				RuleID:       rule.ID,
				Symbol:       rule.Symbol,
				RuleType:     rule.RuleType,
				TriggerPrice: rule.Threshold,
				CurrentPrice: quote.Price,
				Title:        rules.Title(rule),
				Message:      match.Message,
			})
			if !outcome.Success {
				result.Errors = append(result.Errors, fmt.Sprintf("notify rule %s: %v", rule.ID, outcome.Err))
				continue
			}
			if outcome.WasDuplicate {
				result.DuplicatesSuppressed++
				s.logger.Debug().
					Str("rule_id", rule.ID).
					Str("symbol", rule.Symbol).
					Msg("notification suppressed, already sent today")
				continue
			}
			result.NotificationsCreated++

			if s.notifier != nil {
				notification := storage.Notification{
					ID:           outcome.NotificationID,
					UserID:       rule.UserID,
					RuleID:       rule.ID,
					Symbol:       rule.Symbol,
					RuleType:     rule.RuleType,
					TriggerPrice: rule.Threshold,
					CurrentPrice: quote.Price,
					Title:        rules.Title(rule),
					Message:      match.Message,
				}
				if sendErr := s.notifier.Send(ctx, notification); sendErr != nil {
					s.logger.Warn().Err(sendErr).Str("rule_id", rule.ID).Msg("notification dispatch failed")
				}
			}
		}
	}
}
