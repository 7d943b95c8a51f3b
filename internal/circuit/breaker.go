package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // calls fail fast
	StateHalfOpen State = "half_open" // probing recovery
)

// ErrOpen is the sentinel matched by errors.Is for fail-fast rejections.
var ErrOpen = errors.New("circuit open")

// OpenError reports a rejected call while the breaker is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrOpen) match OpenError values.
func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Config holds circuit breaker tuning.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	SuccessThreshold int           // consecutive half-open successes before closing
	MinimumRequests  int           // minimum window requests before rate-based trips
	RecoveryTimeout  time.Duration // open duration before a half-open probe
	MonitoringWindow time.Duration // rolling window for the failure-rate check
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		MinimumRequests:  10,
		RecoveryTimeout:  30 * time.Second,
		MonitoringWindow: time.Minute,
	}
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	TotalRequests        int       `json:"totalRequests"`
	FailedRequests       int       `json:"failedRequests"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	NextAttemptAt        time.Time `json:"nextAttemptAt,omitempty"`
}

// Breaker guards calls to one named flaky dependency.
type Breaker struct {
	name   string
	cfg    Config
	logger zerolog.Logger

	mu                   sync.Mutex
	state                State
	totalRequests        int
	failedRequests       int
	consecutiveFailures  int
	consecutiveSuccesses int
	windowStart          time.Time
	nextAttemptAt        time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker for a named dependency.
func NewBreaker(name string, cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.MonitoringWindow <= 0 {
		cfg.MonitoringWindow = DefaultConfig().MonitoringWindow
	}

	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("component", "circuit").Str("breaker", name).Logger(),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs op under the breaker's protection. While open it fails
// fast with an OpenError and never invokes op; once the recovery
// timeout elapses a single half-open probe is allowed through.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rotateWindow(now)

	if b.state == StateOpen {
		if now.Before(b.nextAttemptAt) {
			return &OpenError{Name: b.name, RetryAfter: b.nextAttemptAt.Sub(now)}
		}
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
		b.logger.Info().Msg("recovery timeout elapsed, probing half-open")
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.rotateWindow(now)
	b.totalRequests++

	if err != nil {
		b.failedRequests++
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0

		if b.state == StateHalfOpen {
			b.trip(now, "half-open probe failed")
			return
		}
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(now, fmt.Sprintf("%d consecutive failures", b.consecutiveFailures))
			return
		}
		if b.totalRequests >= b.cfg.MinimumRequests && b.failedRequests*2 > b.totalRequests {
			b.trip(now, fmt.Sprintf("failure rate %d/%d over window", b.failedRequests, b.totalRequests))
		}
		return
	}

	b.consecutiveSuccesses++
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.state = StateClosed
		b.totalRequests = 0
		b.failedRequests = 0
		b.consecutiveSuccesses = 0
		b.windowStart = now
		b.logger.Info().Msg("breaker closed after successful probes")
	}
}

func (b *Breaker) trip(now time.Time, reason string) {
	b.state = StateOpen
	b.nextAttemptAt = now.Add(b.cfg.RecoveryTimeout)
	b.logger.Warn().
		Str("reason", reason).
		Time("next_attempt_at", b.nextAttemptAt).
		Msg("breaker tripped open")
}

func (b *Breaker) rotateWindow(now time.Time) {
	if b.windowStart.IsZero() {
		b.windowStart = now
		return
	}
	if now.Sub(b.windowStart) >= b.cfg.MonitoringWindow {
		b.windowStart = now
		b.totalRequests = 0
		b.failedRequests = 0
	}
}

// GetState returns the current breaker state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns current counters for status reporting.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Name:                 b.name,
		State:                b.state,
		TotalRequests:        b.totalRequests,
		FailedRequests:       b.failedRequests,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
	}
	if b.state == StateOpen {
		stats.NextAttemptAt = b.nextAttemptAt
	}
	return stats
}
