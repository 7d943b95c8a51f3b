package stats

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis key layout. Buckets expire on their own cadence; the engine
// keeps an authoritative in-memory copy for the read path.
const (
	keyOverall       = "stats:overall"
	keyDailyFormat   = "stats:daily:%s"
	keyWeeklyFormat  = "stats:weekly:%s"
	keyMonthlyFormat = "stats:monthly:%s"
	keyHotSymbols    = "stocks:hot"
	keyPerfFormat    = "perf:%s"

	dailyTTL      = 24 * time.Hour
	weeklyTTL     = 7 * 24 * time.Hour
	monthlyTTL    = 30 * 24 * time.Hour
	hotSymbolsTTL = 5 * time.Minute
	perfTTL       = 30 * time.Minute
)

// Perf gauge names.
const (
	GaugeCacheHitLatencyMs = "cache_hit_latency_ms"
	GaugeUpstreamLatencyMs = "upstream_latency_ms"
	GaugeScanDurationMs    = "scan_duration_ms"
	GaugeMatchRate         = "match_rate"
)

// ScanSummary is one finished scan's contribution to the rollups.
type ScanSummary struct {
	ScanID               string
	Succeeded            bool
	DurationMs           int64
	RulesScanned         int
	RulesMatched         int
	NotificationsCreated int
	SymbolsProcessed     int
	FinishedAt           time.Time
}

// PeriodStats accumulates scan outcomes for one calendar period.
type PeriodStats struct {
	Period                    string  `json:"period"`
	TotalScans                int64   `json:"totalScans"`
	TotalRulesScanned         int64   `json:"totalRulesScanned"`
	TotalRulesMatched         int64   `json:"totalRulesMatched"`
	TotalNotificationsCreated int64   `json:"totalNotificationsCreated"`
	TotalDurationMs           int64   `json:"totalDurationMs"`
	SuccessfulScans           int64   `json:"successfulScans"`
	FailedScans               int64   `json:"failedScans"`
	TotalSymbolsProcessed     int64   `json:"totalSymbolsProcessed"`
	AverageDurationMs         float64 `json:"averageDurationMs"`
}

// HotSymbol is a recently priced symbol ranked by access frequency.
type HotSymbol struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

// Gauge is a timestamped performance sample.
type Gauge struct {
	Value     float64   `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Overview is the aggregator read path.
type Overview struct {
	Overall    PeriodStats      `json:"overall"`
	Daily      []PeriodStats    `json:"daily"`
	Week       PeriodStats      `json:"week"`
	Month      PeriodStats      `json:"month"`
	HotSymbols []HotSymbol      `json:"hotSymbols"`
	Perf       map[string]Gauge `json:"perf"`
}

type hotEntry struct {
	count    float64
	lastSeen time.Time
}

type meanTracker struct {
	sum   float64
	count int64
}

// Aggregator merges scan outcomes into all-time, daily, ISO-week, and
// monthly rollups. Buckets are mirrored to Redis (best effort) so
// other processes can read them; when Redis is absent the aggregator
// degrades to memory only.
type Aggregator struct {
	mu      sync.Mutex
	overall PeriodStats
	daily   map[string]*PeriodStats
	weekly  map[string]*PeriodStats
	monthly map[string]*PeriodStats
	hot     map[string]*hotEntry
	perf    map[string]Gauge
	means   map[string]*meanTracker

	client *redis.Client
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs an aggregator. client may be nil.
func New(client *redis.Client, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		overall: PeriodStats{Period: "overall"},
		daily:   make(map[string]*PeriodStats),
		weekly:  make(map[string]*PeriodStats),
		monthly: make(map[string]*PeriodStats),
		hot:     make(map[string]*hotEntry),
		perf:    make(map[string]Gauge),
		means:   make(map[string]*meanTracker),
		client:  client,
		logger:  logger.With().Str("component", "stats").Logger(),
		now:     time.Now,
	}
}

// DayKey formats the daily bucket key for a UTC instant.
func DayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// WeekKey formats the ISO-week bucket key for a UTC instant.
func WeekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// MonthKey formats the monthly bucket key for a UTC instant.
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// RecordScan merges one scan's counters into every rollup bucket.
func (a *Aggregator) RecordScan(ctx context.Context, summary ScanSummary) {
	when := summary.FinishedAt
	if when.IsZero() {
		when = a.now()
	}

	a.mu.Lock()
	buckets := []*PeriodStats{
		&a.overall,
		a.bucket(a.daily, DayKey(when)),
		a.bucket(a.weekly, WeekKey(when)),
		a.bucket(a.monthly, MonthKey(when)),
	}
	for _, bucket := range buckets {
		mergeScan(bucket, summary)
	}
	matchRate := 0.0
	if summary.RulesScanned > 0 {
		matchRate = float64(summary.RulesMatched) / float64(summary.RulesScanned)
	}
	a.setGaugeLocked(GaugeScanDurationMs, float64(summary.DurationMs))
	a.setGaugeLocked(GaugeMatchRate, matchRate)
	a.mu.Unlock()

	a.mirrorScan(ctx, summary, when)
}

func (a *Aggregator) bucket(buckets map[string]*PeriodStats, key string) *PeriodStats {
	if bucket, ok := buckets[key]; ok {
		return bucket
	}
	bucket := &PeriodStats{Period: key}
	buckets[key] = bucket
	return bucket
}

func mergeScan(bucket *PeriodStats, summary ScanSummary) {
	bucket.TotalScans++
	bucket.TotalRulesScanned += int64(summary.RulesScanned)
	bucket.TotalRulesMatched += int64(summary.RulesMatched)
	bucket.TotalNotificationsCreated += int64(summary.NotificationsCreated)
	bucket.TotalDurationMs += summary.DurationMs
	bucket.TotalSymbolsProcessed += int64(summary.SymbolsProcessed)
	if summary.Succeeded {
		bucket.SuccessfulScans++
	} else {
		bucket.FailedScans++
	}
	bucket.AverageDurationMs = float64(bucket.TotalDurationMs) / float64(bucket.TotalScans)
}

// MarkSymbolPriced bumps the hot-symbol counter for a priced symbol.
func (a *Aggregator) MarkSymbolPriced(ctx context.Context, symbol string) {
	now := a.now()

	a.mu.Lock()
	entry, ok := a.hot[symbol]
	if !ok || now.Sub(entry.lastSeen) >= hotSymbolsTTL {
		entry = &hotEntry{}
		a.hot[symbol] = entry
	}
	entry.count++
	entry.lastSeen = now
	a.mu.Unlock()

	if a.client == nil {
		return
	}
	pipe := a.client.Pipeline()
	pipe.ZIncrBy(ctx, keyHotSymbols, 1, symbol)
	pipe.Expire(ctx, keyHotSymbols, hotSymbolsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("hot symbol mirror failed")
	}
}

// ObserveCacheHit implements pricing.LatencyObserver.
func (a *Aggregator) ObserveCacheHit(d time.Duration) {
	a.observeMean(GaugeCacheHitLatencyMs, float64(d.Microseconds())/1000.0)
}

// ObserveUpstreamCall implements pricing.LatencyObserver.
func (a *Aggregator) ObserveUpstreamCall(d time.Duration) {
	a.observeMean(GaugeUpstreamLatencyMs, float64(d.Microseconds())/1000.0)
}

func (a *Aggregator) observeMean(name string, value float64) {
	a.mu.Lock()
	tracker, ok := a.means[name]
	if !ok {
		tracker = &meanTracker{}
		a.means[name] = tracker
	}
	tracker.sum += value
	tracker.count++
	a.setGaugeLocked(name, tracker.sum/float64(tracker.count))
	a.mu.Unlock()
}

func (a *Aggregator) setGaugeLocked(name string, value float64) {
	a.perf[name] = Gauge{Value: value, UpdatedAt: a.now()}
	if a.client == nil {
		return
	}
	// Fire-and-forget mirror; gauges are advisory.
	key := fmt.Sprintf(keyPerfFormat, name)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.client.Set(ctx, key, value, perfTTL).Err(); err != nil {
			a.logger.Debug().Err(err).Str("gauge", name).Msg("perf gauge mirror failed")
		}
	}()
}

func (a *Aggregator) mirrorScan(ctx context.Context, summary ScanSummary, when time.Time) {
	if a.client == nil {
		return
	}

	type target struct {
		key string
		ttl time.Duration
	}
	targets := []target{
		{key: keyOverall},
		{key: fmt.Sprintf(keyDailyFormat, DayKey(when)), ttl: dailyTTL},
		{key: fmt.Sprintf(keyWeeklyFormat, WeekKey(when)), ttl: weeklyTTL},
		{key: fmt.Sprintf(keyMonthlyFormat, MonthKey(when)), ttl: monthlyTTL},
	}

	success := int64(0)
	failed := int64(0)
	if summary.Succeeded {
		success = 1
	} else {
		failed = 1
	}

	pipe := a.client.Pipeline()
	for _, tgt := range targets {
		pipe.HIncrBy(ctx, tgt.key, "totalScans", 1)
		pipe.HIncrBy(ctx, tgt.key, "totalRulesScanned", int64(summary.RulesScanned))
		pipe.HIncrBy(ctx, tgt.key, "totalRulesMatched", int64(summary.RulesMatched))
		pipe.HIncrBy(ctx, tgt.key, "totalNotificationsCreated", int64(summary.NotificationsCreated))
		pipe.HIncrBy(ctx, tgt.key, "totalDurationMs", summary.DurationMs)
		pipe.HIncrBy(ctx, tgt.key, "totalSymbolsProcessed", int64(summary.SymbolsProcessed))
		pipe.HIncrBy(ctx, tgt.key, "successfulScans", success)
		pipe.HIncrBy(ctx, tgt.key, "failedScans", failed)
		if tgt.ttl > 0 {
			pipe.Expire(ctx, tgt.key, tgt.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("stats mirror failed")
	}
}

// Overview returns all-time totals, the most recent N daily buckets,
// the current week/month buckets, hot symbols, and perf gauges.
func (a *Aggregator) Overview(recentDays int) Overview {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	if recentDays <= 0 {
		recentDays = 7
	}
	daily := make([]PeriodStats, 0, recentDays)
	for i := 0; i < recentDays; i++ {
		key := DayKey(now.AddDate(0, 0, -i))
		if bucket, ok := a.daily[key]; ok {
			daily = append(daily, *bucket)
		}
	}

	week := PeriodStats{Period: WeekKey(now)}
	if bucket, ok := a.weekly[week.Period]; ok {
		week = *bucket
	}
	month := PeriodStats{Period: MonthKey(now)}
	if bucket, ok := a.monthly[month.Period]; ok {
		month = *bucket
	}

	hot := make([]HotSymbol, 0, len(a.hot))
	for symbol, entry := range a.hot {
		if now.Sub(entry.lastSeen) >= hotSymbolsTTL {
			continue
		}
		hot = append(hot, HotSymbol{Symbol: symbol, Score: entry.count})
	}
	sort.Slice(hot, func(i, j int) bool {
		if hot[i].Score == hot[j].Score {
			return hot[i].Symbol < hot[j].Symbol
		}
		return hot[i].Score > hot[j].Score
	})

	perf := make(map[string]Gauge, len(a.perf))
	for name, gauge := range a.perf {
		perf[name] = gauge
	}

	return Overview{
		Overall:    a.overall,
		Daily:      daily,
		Week:       week,
		Month:      month,
		HotSymbols: hot,
		Perf:       perf,
	}
}
