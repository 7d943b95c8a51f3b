package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listEnabledRulesSQL = `SELECT
        id,
        user_id,
        symbol,
        rule_type,
        threshold,
        change_percent,
        enabled,
        message,
        created_at,
        updated_at
    FROM alert_rules
    WHERE enabled = TRUE
    ORDER BY created_at;`

	insertNotificationSQL = `INSERT INTO notifications (
        id,
        user_id,
        rule_id,
        symbol,
        rule_type,
        trigger_price,
        current_price,
        title,
        message,
        idempotency_key
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (idempotency_key) DO NOTHING
    RETURNING id;`

	listRecentNotificationsSQL = `SELECT
        id,
        user_id,
        rule_id,
        symbol,
        rule_type,
        trigger_price,
        current_price,
        title,
        message,
        read,
        idempotency_key,
        created_at
    FROM notifications
    ORDER BY created_at DESC
    LIMIT $1;`

	insertScanExecutionSQL = `INSERT INTO scan_executions (
        scan_id,
        scan_type,
        status,
        start_time,
        rules_scanned,
        rules_matched,
        notifications_created,
        errors,
        metadata
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    );`

	finalizeScanExecutionSQL = `UPDATE scan_executions
    SET status = $2,
        end_time = $3,
        duration_ms = $4,
        rules_scanned = $5,
        rules_matched = $6,
        notifications_created = $7,
        errors = $8,
        metadata = $9
    WHERE scan_id = $1;`

	listRecentScanExecutionsSQL = `SELECT
        scan_id,
        scan_type,
        status,
        start_time,
        end_time,
        duration_ms,
        rules_scanned,
        rules_matched,
        notifications_created,
        errors,
        metadata,
        created_at
    FROM scan_executions
    ORDER BY start_time DESC
    LIMIT $1;`

	listScanExecutionsBetweenSQL = `SELECT
        scan_id,
        scan_type,
        status,
        start_time,
        end_time,
        duration_ms,
        rules_scanned,
        rules_matched,
        notifications_created,
        errors,
        metadata,
        created_at
    FROM scan_executions
    WHERE start_time >= $1
      AND start_time < $2
    ORDER BY start_time;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RuleStore loads alert rules for scanning.
type RuleStore interface {
	ListEnabledRules(ctx context.Context) ([]AlertRule, error)
}

// NotificationStore persists notifications with idempotency enforcement.
type NotificationStore interface {
	// CreateNotificationIdempotent inserts a notification unless one
	// already exists for the same idempotency key. A duplicate is a
	// successful no-op and returns an empty id with duplicate=true.
	CreateNotificationIdempotent(ctx context.Context, n Notification) (id string, duplicate bool, err error)
	ListRecentNotifications(ctx context.Context, limit int) ([]Notification, error)
}

// ScanExecutionStore records scan lifecycle entries.
type ScanExecutionStore interface {
	InsertScanExecution(ctx context.Context, exec ScanExecution) error
	FinalizeScanExecution(ctx context.Context, exec ScanExecution) error
	ListRecentScanExecutions(ctx context.Context, limit int) ([]ScanExecution, error)
	ListScanExecutionsBetween(ctx context.Context, from, to time.Time) ([]ScanExecution, error)
}

// AdvisoryLocker exposes advisory lock helpers for multi-instance deployments.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to rules, notifications, and scan executions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// ListEnabledRules loads all enabled alert rules.
func (s *Store) ListEnabledRules(ctx context.Context) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEnabledRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list enabled rules: %w", queryErr)
	}
	defer rows.Close()

	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, scanErr := scanAlertRule(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

// CreateNotificationIdempotent inserts a notification guarded by the
// unique idempotency key. The insert is a single statement, so two
// racing writers get exactly one inserted row and one duplicate.
func (s *Store) CreateNotificationIdempotent(ctx context.Context, n Notification) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}

	var id string
	scanErr := pool.QueryRow(ctx, insertNotificationSQL,
		n.ID,
		n.UserID,
		n.RuleID,
		n.Symbol,
		n.RuleType,
		n.TriggerPrice.String(),
		n.CurrentPrice.String(),
		n.Title,
		n.Message,
		n.IdempotencyKey,
	).Scan(&id)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", true, nil
		}
		return "", false, fmt.Errorf("insert notification: %w", scanErr)
	}
	return id, false, nil
}

// ListRecentNotifications lists the most recent notifications.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	notifications := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		var triggerStr, currentStr string
		if err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.RuleID,
			&n.Symbol,
			&n.RuleType,
			&triggerStr,
			&currentStr,
			&n.Title,
			&n.Message,
			&n.Read,
			&n.IdempotencyKey,
			&n.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		n.TriggerPrice, convErr = decimal.NewFromString(triggerStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse trigger price: %w", convErr)
		}
		n.CurrentPrice, convErr = decimal.NewFromString(currentStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse current price: %w", convErr)
		}

		notifications = append(notifications, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return notifications, nil
}

// InsertScanExecution records a freshly started scan.
func (s *Store) InsertScanExecution(ctx context.Context, exec ScanExecution) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	metadata, marshalErr := marshalMetadata(exec.Metadata)
	if marshalErr != nil {
		return marshalErr
	}

	if _, execErr := pool.Exec(ctx, insertScanExecutionSQL,
		exec.ScanID,
		exec.ScanType,
		exec.Status,
		exec.StartTime,
		exec.RulesScanned,
		exec.RulesMatched,
		exec.NotificationsCreated,
		exec.Errors,
		metadata,
	); execErr != nil {
		return fmt.Errorf("insert scan execution: %w", execErr)
	}
	return nil
}

// FinalizeScanExecution applies the single completion update for a scan.
func (s *Store) FinalizeScanExecution(ctx context.Context, exec ScanExecution) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	metadata, marshalErr := marshalMetadata(exec.Metadata)
	if marshalErr != nil {
		return marshalErr
	}

	var endTime interface{}
	if exec.EndTime != nil {
		endTime = *exec.EndTime
	}
	var duration interface{}
	if exec.DurationMs != nil {
		duration = *exec.DurationMs
	}

	cmdTag, execErr := pool.Exec(ctx, finalizeScanExecutionSQL,
		exec.ScanID,
		exec.Status,
		endTime,
		duration,
		exec.RulesScanned,
		exec.RulesMatched,
		exec.NotificationsCreated,
		exec.Errors,
		metadata,
	)
	if execErr != nil {
		return fmt.Errorf("finalize scan execution: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListRecentScanExecutions lists executions ordered by start time descending.
func (s *Store) ListRecentScanExecutions(ctx context.Context, limit int) ([]ScanExecution, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentScanExecutionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent scan executions: %w", queryErr)
	}
	defer rows.Close()

	return collectScanExecutions(rows, limit)
}

// ListScanExecutionsBetween lists executions within a start-time window.
func (s *Store) ListScanExecutionsBetween(ctx context.Context, from, to time.Time) ([]ScanExecution, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listScanExecutionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list scan executions between: %w", queryErr)
	}
	defer rows.Close()

	return collectScanExecutions(rows, 0)
}

func collectScanExecutions(rows pgx.Rows, capacity int) ([]ScanExecution, error) {
	executions := make([]ScanExecution, 0, capacity)
	for rows.Next() {
		exec, scanErr := scanScanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		executions = append(executions, exec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return executions, nil
}

func scanAlertRule(rows pgx.Rows) (AlertRule, error) {
	var (
		rule         AlertRule
		thresholdStr string
		changeStr    sql.NullString
		message      sql.NullString
	)

	if err := rows.Scan(
		&rule.ID,
		&rule.UserID,
		&rule.Symbol,
		&rule.RuleType,
		&thresholdStr,
		&changeStr,
		&rule.Enabled,
		&message,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return AlertRule{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return AlertRule{}, fmt.Errorf("parse threshold: %w", err)
	}
	rule.Threshold = threshold

	if changeStr.Valid {
		change, convErr := decimal.NewFromString(changeStr.String)
		if convErr != nil {
			return AlertRule{}, fmt.Errorf("parse change percent: %w", convErr)
		}
		rule.ChangePercent = &change
	}
	if message.Valid {
		rule.Message = message.String
	}

	return rule, nil
}

func scanScanExecution(rows pgx.Rows) (ScanExecution, error) {
	var (
		exec     ScanExecution
		endTime  sql.NullTime
		duration sql.NullInt64
		metadata []byte
	)

	if err := rows.Scan(
		&exec.ScanID,
		&exec.ScanType,
		&exec.Status,
		&exec.StartTime,
		&endTime,
		&duration,
		&exec.RulesScanned,
		&exec.RulesMatched,
		&exec.NotificationsCreated,
		&exec.Errors,
		&metadata,
		&exec.CreatedAt,
	); err != nil {
		return ScanExecution{}, err
	}

	if endTime.Valid {
		value := endTime.Time
		exec.EndTime = &value
	}
	if duration.Valid {
		value := duration.Int64
		exec.DurationMs = &value
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &exec.Metadata); err != nil {
			return ScanExecution{}, fmt.Errorf("parse scan metadata: %w", err)
		}
	}

	return exec, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal scan metadata: %w", err)
	}
	return payload, nil
}
