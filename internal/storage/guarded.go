package storage

import (
	"context"

	"stock-alert-engine/internal/circuit"
)

// GuardedStore wraps the scan-path database reads and writes in a
// circuit breaker, so a struggling database fails scans fast instead
// of stalling every tick. Scan execution logging stays unguarded: the
// audit trail should outlive a tripped breaker.
type GuardedStore struct {
	rules         RuleStore
	notifications NotificationStore
	breaker       *circuit.Breaker
}

// NewGuardedStore wires the breaker around rule and notification access.
func NewGuardedStore(rules RuleStore, notifications NotificationStore, breaker *circuit.Breaker) *GuardedStore {
	return &GuardedStore{rules: rules, notifications: notifications, breaker: breaker}
}

// ListEnabledRules loads enabled rules through the breaker.
func (g *GuardedStore) ListEnabledRules(ctx context.Context) ([]AlertRule, error) {
	var rules []AlertRule
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		loaded, loadErr := g.rules.ListEnabledRules(ctx)
		if loadErr != nil {
			return loadErr
		}
		rules = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// CreateNotificationIdempotent inserts through the breaker. A duplicate
// is a successful call and never counts as a failure.
func (g *GuardedStore) CreateNotificationIdempotent(ctx context.Context, n Notification) (string, bool, error) {
	var id string
	var duplicate bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		createdID, dup, createErr := g.notifications.CreateNotificationIdempotent(ctx, n)
		if createErr != nil {
			return createErr
		}
		id = createdID
		duplicate = dup
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, duplicate, nil
}

// ListRecentNotifications reads through the breaker.
func (g *GuardedStore) ListRecentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	var notifications []Notification
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		loaded, loadErr := g.notifications.ListRecentNotifications(ctx, limit)
		if loadErr != nil {
			return loadErr
		}
		notifications = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return notifications, nil
}
