package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"stock-alert-engine/internal/circuit"
	"stock-alert-engine/internal/engine"
	"stock-alert-engine/internal/stats"
	"stock-alert-engine/internal/storage"
)

// ScanTrigger is the engine surface the API needs for scan control.
type ScanTrigger interface {
	TriggerManual(ctx context.Context) (*engine.ScanResult, error)
	Status() engine.Status
}

// ScanHistory reads recent scan executions plus window aggregates.
type ScanHistory interface {
	Recent(ctx context.Context, limit int) ([]storage.ScanExecution, engine.WindowSummary, error)
}

// StatsReader exposes the aggregator read path.
type StatsReader interface {
	Overview(recentDays int) stats.Overview
}

// BreakerReader reports circuit breaker state.
type BreakerReader interface {
	Snapshot() []circuit.Stats
}

// NotificationReader lists persisted notifications.
type NotificationReader interface {
	ListRecentNotifications(ctx context.Context, limit int) ([]storage.Notification, error)
}

// Handlers binds engine components to HTTP endpoints.
type Handlers struct {
	scanner       ScanTrigger
	history       ScanHistory
	stats         StatsReader
	breakers      BreakerReader
	notifications NotificationReader
	startedAt     time.Time
}

// NewHandlers wires handler dependencies. Any reader may be nil; its
// endpoint then reports unavailable.
func NewHandlers(scanner ScanTrigger, history ScanHistory, statsReader StatsReader, breakers BreakerReader, notifications NotificationReader) *Handlers {
	return &Handlers{
		scanner:       scanner,
		history:       history,
		stats:         statsReader,
		breakers:      breakers,
		notifications: notifications,
		startedAt:     time.Now(),
	}
}

// Health reports liveness and scheduler state.
func (h *Handlers) Health(c *gin.Context) {
	payload := gin.H{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.scanner != nil {
		payload["scanner"] = h.scanner.Status()
	}
	c.JSON(http.StatusOK, payload)
}

// TriggerScan runs a manual scan. A scan already in flight yields 409.
func (h *Handlers) TriggerScan(c *gin.Context) {
	if h.scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scanner not available"})
		return
	}

	result, err := h.scanner.TriggerManual(c.Request.Context())
	if err != nil {
		if errors.Is(err, engine.ErrScanInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "scan already in progress"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ScanStatus reports the scheduler state.
func (h *Handlers) ScanStatus(c *gin.Context) {
	if h.scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scanner not available"})
		return
	}
	c.JSON(http.StatusOK, h.scanner.Status())
}

// historyTimeout bounds the database read behind the scan history
// endpoint. Past it the endpoint answers with an empty degraded window
// instead of hanging the client.
const historyTimeout = 5 * time.Second

type historyPage struct {
	Executions []storage.ScanExecution
	Summary    engine.WindowSummary
}

// ScanHistory lists recent scan executions with window aggregates.
func (h *Handlers) ScanHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan history not available"})
		return
	}

	limit := intQuery(c, "limit", 20)
	result := circuit.WithTimeout(c.Request.Context(), historyTimeout,
		func(ctx context.Context) (historyPage, error) {
			executions, summary, err := h.history.Recent(ctx, limit)
			return historyPage{Executions: executions, Summary: summary}, err
		},
		func(err error) historyPage { return historyPage{} },
	)

	payload := gin.H{
		"executions": toScanViews(result.Value.Executions),
		"summary":    result.Value.Summary,
	}
	if h.scanner != nil {
		payload["status"] = h.scanner.Status()
	}
	if h.stats != nil {
		payload["stats"] = h.stats.Overview(intQuery(c, "days", 7))
	}
	if result.Degraded {
		payload["degraded"] = true
		payload["error"] = result.Err.Error()
	}
	c.JSON(http.StatusOK, payload)
}

// Stats returns rollups, hot symbols, perf gauges, and breaker state.
func (h *Handlers) Stats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats not available"})
		return
	}

	days := intQuery(c, "days", 7)
	payload := gin.H{"stats": h.stats.Overview(days)}
	if h.breakers != nil {
		payload["breakers"] = h.breakers.Snapshot()
	}
	c.JSON(http.StatusOK, payload)
}

// Notifications lists the most recent notifications.
func (h *Handlers) Notifications(c *gin.Context) {
	if h.notifications == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifications not available"})
		return
	}

	limit := intQuery(c, "limit", 50)
	notifications, err := h.notifications.ListRecentNotifications(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": toNotificationViews(notifications)})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

type scanView struct {
	ScanID               string     `json:"scanId"`
	ScanType             string     `json:"scanType"`
	Status               string     `json:"status"`
	StartTime            time.Time  `json:"startTime"`
	EndTime              *time.Time `json:"endTime,omitempty"`
	DurationMs           *int64     `json:"durationMs,omitempty"`
	RulesScanned         int        `json:"rulesScanned"`
	RulesMatched         int        `json:"rulesMatched"`
	NotificationsCreated int        `json:"notificationsCreated"`
	Errors               []string   `json:"errors,omitempty"`
}

func toScanViews(executions []storage.ScanExecution) []scanView {
	views := make([]scanView, 0, len(executions))
	for _, exec := range executions {
		views = append(views, scanView{
			ScanID:               exec.ScanID,
			ScanType:             exec.ScanType,
			Status:               exec.Status,
			StartTime:            exec.StartTime,
			EndTime:              exec.EndTime,
			DurationMs:           exec.DurationMs,
			RulesScanned:         exec.RulesScanned,
			RulesMatched:         exec.RulesMatched,
			NotificationsCreated: exec.NotificationsCreated,
			Errors:               exec.Errors,
		})
	}
	return views
}

type notificationView struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	RuleID       string    `json:"ruleId"`
	Symbol       string    `json:"symbol"`
	RuleType     string    `json:"ruleType"`
	TriggerPrice string    `json:"triggerPrice"`
	CurrentPrice string    `json:"currentPrice"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Read         bool      `json:"read"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toNotificationViews(notifications []storage.Notification) []notificationView {
	views := make([]notificationView, 0, len(notifications))
	for _, n := range notifications {
		views = append(views, notificationView{
			ID:           n.ID,
			UserID:       n.UserID,
			RuleID:       n.RuleID,
			Symbol:       n.Symbol,
			RuleType:     n.RuleType,
			TriggerPrice: n.TriggerPrice.StringFixed(2),
			CurrentPrice: n.CurrentPrice.StringFixed(2),
			Title:        n.Title,
			Message:      n.Message,
			Read:         n.Read,
			CreatedAt:    n.CreatedAt,
		})
	}
	return views
}
