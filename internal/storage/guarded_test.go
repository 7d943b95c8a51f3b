package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stock-alert-engine/internal/circuit"
)

type stubRuleStore struct {
	rules []AlertRule
	err   error
	calls int
}

func (s *stubRuleStore) ListEnabledRules(ctx context.Context) ([]AlertRule, error) {
	s.calls++
	return s.rules, s.err
}

type stubNotificationStore struct {
	id        string
	duplicate bool
	err       error
	calls     int
}

func (s *stubNotificationStore) CreateNotificationIdempotent(ctx context.Context, n Notification) (string, bool, error) {
	s.calls++
	return s.id, s.duplicate, s.err
}

func (s *stubNotificationStore) ListRecentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	return nil, s.err
}

func dbBreaker(failureThreshold int) *circuit.Breaker {
	return circuit.NewBreaker("database", circuit.Config{
		FailureThreshold: failureThreshold,
		SuccessThreshold: 2,
		MinimumRequests:  100,
		RecoveryTimeout:  time.Minute,
	}, zerolog.Nop())
}

func TestGuardedStorePassesResultsThrough(t *testing.T) {
	rules := &stubRuleStore{rules: []AlertRule{{ID: "rule-1", Symbol: "AAPL"}}}
	notifications := &stubNotificationStore{id: "n-1"}
	guarded := NewGuardedStore(rules, notifications, dbBreaker(3))

	loaded, err := guarded.ListEnabledRules(context.Background())
	if err != nil {
		t.Fatalf("加载规则失败: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "rule-1" {
		t.Fatalf("unexpected rules: %+v", loaded)
	}

	id, duplicate, err := guarded.CreateNotificationIdempotent(context.Background(), Notification{})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if id != "n-1" || duplicate {
		t.Fatalf("unexpected insert result: id=%q duplicate=%v", id, duplicate)
	}
}

func TestGuardedStoreDuplicateIsNotAFailure(t *testing.T) {
	notifications := &stubNotificationStore{duplicate: true}
	guarded := NewGuardedStore(&stubRuleStore{}, notifications, dbBreaker(1))

	for i := 0; i < 5; i++ {
		_, duplicate, err := guarded.CreateNotificationIdempotent(context.Background(), Notification{})
		if err != nil {
			t.Fatalf("duplicate must never trip the breaker: %v", err)
		}
		if !duplicate {
			t.Fatal("duplicate flag lost through the guard")
		}
	}
	if notifications.calls != 5 {
		t.Fatalf("all calls should reach the store, got %d", notifications.calls)
	}
}

func TestGuardedStoreFailsFastWhenTripped(t *testing.T) {
	rules := &stubRuleStore{err: errors.New("connection refused")}
	guarded := NewGuardedStore(rules, &stubNotificationStore{}, dbBreaker(2))

	for i := 0; i < 2; i++ {
		if _, err := guarded.ListEnabledRules(context.Background()); err == nil {
			t.Fatal("store error must surface")
		}
	}

	_, err := guarded.ListEnabledRules(context.Background())
	if !errors.Is(err, circuit.ErrOpen) {
		t.Fatalf("tripped breaker must fail fast, got %v", err)
	}
	if rules.calls != 2 {
		t.Fatalf("open breaker must not reach the store, got %d calls", rules.calls)
	}
}
