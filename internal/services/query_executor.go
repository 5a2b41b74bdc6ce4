package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/cache"
	"github.com/mappy4ever/DexTrends-sub010/internal/metrics"
)

// ErrQueryTimeout marks an attempt that did not finish within its timeout.
var ErrQueryTimeout = errors.New("query timed out")

const (
	DefaultCacheTTL     = 5 * time.Minute
	DefaultRetryCount   = 3
	DefaultQueryTimeout = 30 * time.Second

	SlowQueryThreshold     = 2 * time.Second
	VerySlowQueryThreshold = 5 * time.Second

	queryRingSize   = 10
	reportRingLimit = 5
)

// QueryOptions tune one Execute call. Zero values select the defaults; caching and
// metrics are on unless skipped.
type QueryOptions struct {
	CacheKey    string
	CacheTTL    time.Duration
	RetryCount  int
	Timeout     time.Duration
	SkipCache   bool
	SkipMetrics bool
}

func (o QueryOptions) withDefaults() QueryOptions {
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	if o.RetryCount <= 0 {
		o.RetryCount = DefaultRetryCount
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultQueryTimeout
	}
	return o
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// QueryBackoff is the delay after failed attempt n (1-based): 1s, 2s, 4s, ...
func QueryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<(attempt-1)) * time.Second
}

type SlowQuery struct {
	Table      string    `json:"table"`
	DurationMS int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
}

type FailedQuery struct {
	Table      string    `json:"table"`
	Error      string    `json:"error"`
	DurationMS int64     `json:"duration_ms"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
}

// TableMetrics summarizes every call made against one table.
type TableMetrics struct {
	TotalQueries      int64         `json:"total_queries"`
	SuccessfulQueries int64         `json:"successful_queries"`
	AverageDurationMS float64       `json:"average_duration_ms"`
	SuccessRate       float64       `json:"success_rate"`
	SlowQueries       []SlowQuery   `json:"slow_queries"`
	FailedQueries     []FailedQuery `json:"failed_queries"`
}

// PerformanceReport is the snapshot returned by GetPerformanceMetrics.
type PerformanceReport struct {
	Tables            map[string]TableMetrics `json:"tables"`
	Cache             cache.Stats             `json:"cache"`
	AverageResponseMS float64                 `json:"average_response_ms"`
	ErrorRate         float64                 `json:"error_rate"`
}

// QueryExecutor runs persistence calls with caching, per-attempt timeouts and retry.
type QueryExecutor struct {
	cache *cache.TTLCache
	log   *zap.Logger
	sleep Sleeper
	now   func() time.Time

	mu     sync.Mutex
	tables map[string]*TableMetrics
}

func NewQueryExecutor(c *cache.TTLCache, log *zap.Logger) *QueryExecutor {
	return &QueryExecutor{
		cache:  c,
		log:    log,
		sleep:  sleepContext,
		now:    time.Now,
		tables: make(map[string]*TableMetrics),
	}
}

// SetSleeper replaces the backoff sleeper. Tests record delays with it.
func (q *QueryExecutor) SetSleeper(s Sleeper) {
	q.sleep = s
}

// Execute runs fn against table, retrying failed attempts with exponential backoff.
// A cache hit returns the stored value without calling fn.
func (q *QueryExecutor) Execute(ctx context.Context, table string, fn func(context.Context) (any, error), opts QueryOptions) (any, error) {
	opts = opts.withDefaults()
	useCache := !opts.SkipCache && opts.CacheKey != ""

	if useCache {
		if v, ok := q.cache.Get(opts.CacheKey); ok {
			metrics.QueryCacheLookups.WithLabelValues("hit").Inc()
			return v, nil
		}
		metrics.QueryCacheLookups.WithLabelValues("miss").Inc()
	}

	start := q.now()
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		attempts = attempt
		result, err := q.attempt(ctx, table, fn, opts.Timeout)
		if err == nil {
			if !opts.SkipMetrics {
				q.record(table, q.now().Sub(start), attempt, nil)
			}
			if useCache {
				q.cache.Set(opts.CacheKey, result, opts.CacheTTL)
			}
			return result, nil
		}

		lastErr = err
		q.log.Warn("Query attempt failed",
			zap.String("table", table),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", opts.RetryCount),
			zap.Error(err))

		if attempt == opts.RetryCount {
			break
		}
		if err := q.sleep(ctx, QueryBackoff(attempt)); err != nil {
			lastErr = err
			break
		}
	}

	if !opts.SkipMetrics {
		q.record(table, q.now().Sub(start), attempts, lastErr)
	}
	return nil, fmt.Errorf("query on %s failed after %d attempt(s): %w", table, attempts, lastErr)
}

func (q *QueryExecutor) attempt(ctx context.Context, table string, fn func(context.Context) (any, error), timeout time.Duration) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			metrics.QueryAttemptsTotal.WithLabelValues(table, "error").Inc()
		} else {
			metrics.QueryAttemptsTotal.WithLabelValues(table, "success").Inc()
		}
		return out.value, out.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		metrics.QueryAttemptsTotal.WithLabelValues(table, "timeout").Inc()
		return nil, fmt.Errorf("%w after %s", ErrQueryTimeout, timeout)
	}
}

func (q *QueryExecutor) record(table string, d time.Duration, attempts int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.tables[table]
	if !ok {
		m = &TableMetrics{}
		q.tables[table] = m
	}

	ms := float64(d.Milliseconds())
	m.TotalQueries++
	m.AverageDurationMS = (m.AverageDurationMS*float64(m.TotalQueries-1) + ms) / float64(m.TotalQueries)
	if err == nil {
		m.SuccessfulQueries++
	}
	m.SuccessRate = float64(m.SuccessfulQueries) / float64(m.TotalQueries) * 100

	metrics.QueryDuration.WithLabelValues(table).Observe(d.Seconds())

	if d > SlowQueryThreshold {
		m.SlowQueries = appendRing(m.SlowQueries, SlowQuery{
			Table:      table,
			DurationMS: d.Milliseconds(),
			Attempts:   attempts,
			At:         q.now(),
		})
		metrics.SlowQueriesTotal.WithLabelValues(table).Inc()
		if d > VerySlowQueryThreshold {
			q.log.Warn("Very slow query",
				zap.String("table", table),
				zap.Duration("duration", d),
				zap.Int("attempts", attempts))
		}
	}

	if err != nil {
		m.FailedQueries = appendRing(m.FailedQueries, FailedQuery{
			Table:      table,
			Error:      err.Error(),
			DurationMS: d.Milliseconds(),
			Attempts:   attempts,
			At:         q.now(),
		})
	}
}

func appendRing[T any](ring []T, item T) []T {
	ring = append(ring, item)
	if len(ring) > queryRingSize {
		ring = ring[len(ring)-queryRingSize:]
	}
	return ring
}

func lastN[T any](items []T, n int) []T {
	if len(items) > n {
		items = items[len(items)-n:]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}

// TableMetrics returns a copy of the metrics recorded for table.
func (q *QueryExecutor) TableMetrics(table string) (TableMetrics, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.tables[table]
	if !ok {
		return TableMetrics{}, false
	}
	out := *m
	out.SlowQueries = lastN(m.SlowQueries, queryRingSize)
	out.FailedQueries = lastN(m.FailedQueries, queryRingSize)
	return out, true
}

// GetPerformanceMetrics reports every table with its five most recent slow and failed calls.
func (q *QueryExecutor) GetPerformanceMetrics() PerformanceReport {
	q.mu.Lock()
	defer q.mu.Unlock()

	report := PerformanceReport{
		Tables: make(map[string]TableMetrics, len(q.tables)),
		Cache:  q.cache.Stats(),
	}

	var total, successful int64
	var durationSum float64
	for table, m := range q.tables {
		out := *m
		out.SlowQueries = lastN(m.SlowQueries, reportRingLimit)
		out.FailedQueries = lastN(m.FailedQueries, reportRingLimit)
		report.Tables[table] = out

		total += m.TotalQueries
		successful += m.SuccessfulQueries
		durationSum += m.AverageDurationMS * float64(m.TotalQueries)
	}
	if total > 0 {
		report.AverageResponseMS = durationSum / float64(total)
		report.ErrorRate = float64(total-successful) / float64(total)
	}
	return report
}

// ClearCache drops every cached query result.
func (q *QueryExecutor) ClearCache() {
	q.cache.Clear()
	q.log.Info("Query cache cleared")
}

// InvalidatePrefix drops cached results whose key starts with prefix.
func (q *QueryExecutor) InvalidatePrefix(prefix string) int {
	return q.cache.DeletePrefix(prefix)
}

// PurgeExpiredCache drops in-process entries past their TTL.
func (q *QueryExecutor) PurgeExpiredCache() int {
	return q.cache.PurgeExpired()
}

// Query is the typed form of Execute.
func Query[T any](ctx context.Context, q *QueryExecutor, table string, fn func(context.Context) (T, error), opts QueryOptions) (T, error) {
	var zero T
	v, err := q.Execute(ctx, table, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("query result for %s has unexpected type %T", table, v)
	}
	return typed, nil
}
