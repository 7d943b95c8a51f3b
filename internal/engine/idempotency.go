package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stock-alert-engine/internal/storage"
)

// IdempotencyKey builds the per-day dedup key for a rule firing. The
// day component is always UTC so the dedup window does not shift with
// the server timezone.
func IdempotencyKey(userID, symbol, ruleID string, day time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s", userID, symbol, ruleID, day.UTC().Format("20060102"))
}

// NotifyRequest carries everything needed to persist one notification.
type NotifyRequest struct {
	UserID       string
	RuleID       string
	Symbol       string
	RuleType     string
	TriggerPrice decimal.Decimal
	CurrentPrice decimal.Decimal
	Title        string
	Message      string
}

// NotifyOutcome reports what happened to a notification attempt. A
// duplicate is a success: the user was already notified today.
type NotifyOutcome struct {
	Success        bool
	NotificationID string
	WasDuplicate   bool
	Err            error
}

// IdempotencyGuard funnels notification writes through the unique
// idempotency key so concurrent scans cannot double-notify.
type IdempotencyGuard struct {
	store storage.NotificationStore
	newID func() string
	now   func() time.Time
}

// NewIdempotencyGuard constructs a guard over the notification store.
func NewIdempotencyGuard(store storage.NotificationStore) *IdempotencyGuard {
	return &IdempotencyGuard{
		store: store,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// EnsureNotified persists a notification unless one with the same key
// already exists for today. The uniqueness decision happens inside a
// single insert statement, so racing callers resolve to exactly one
// created row.
func (g *IdempotencyGuard) EnsureNotified(ctx context.Context, req NotifyRequest) NotifyOutcome {
	key := IdempotencyKey(req.UserID, req.Symbol, req.RuleID, g.now())

	id, duplicate, err := g.store.CreateNotificationIdempotent(ctx, storage.Notification{
		ID:             g.newID(),
		UserID:         req.UserID,
		RuleID:         req.RuleID,
		Symbol:         req.Symbol,
		RuleType:       req.RuleType,
		TriggerPrice:   req.TriggerPrice,
		CurrentPrice:   req.CurrentPrice,
		Title:          req.Title,
		Message:        req.Message,
		IdempotencyKey: key,
	})
	if err != nil {
		return NotifyOutcome{Err: fmt.Errorf("ensure notified: %w", err)}
	}
	if duplicate {
		return NotifyOutcome{Success: true, WasDuplicate: true}
	}
	return NotifyOutcome{Success: true, NotificationID: id}
}
