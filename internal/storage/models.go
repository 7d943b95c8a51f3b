package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rule type discriminators for alert rules.
const (
	RuleTypePriceAbove  = "price_above"
	RuleTypePriceBelow  = "price_below"
	RuleTypePriceChange = "price_change"
)

// Scan execution lifecycle states.
const (
	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
)

// Scan trigger types.
const (
	ScanTypeScheduled = "scheduled"
	ScanTypeManual    = "manual"
)

// AlertRule is a user-defined price alert, read-only during a scan.
type AlertRule struct {
	ID            string
	UserID        string
	Symbol        string
	RuleType      string
	Threshold     decimal.Decimal
	ChangePercent *decimal.Decimal
	Enabled       bool
	Message       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Notification is the persisted outcome of a matched rule. The
// idempotency key carries the at-most-one-per-day uniqueness.
type Notification struct {
	ID             string
	UserID         string
	RuleID         string
	Symbol         string
	RuleType       string
	TriggerPrice   decimal.Decimal
	CurrentPrice   decimal.Decimal
	Title          string
	Message        string
	Read           bool
	IdempotencyKey string
	CreatedAt      time.Time
}

// ScanExecution records the lifecycle of one scan run.
type ScanExecution struct {
	ScanID               string
	ScanType             string
	Status               string
	StartTime            time.Time
	EndTime              *time.Time
	DurationMs           *int64
	RulesScanned         int
	RulesMatched         int
	NotificationsCreated int
	Errors               []string
	Metadata             map[string]any
	CreatedAt            time.Time
}
