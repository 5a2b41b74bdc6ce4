package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/metrics"
)

// EventRetention is how long analytics events are kept.
const EventRetention = 90 * 24 * time.Hour

const (
	TaskExpiredCache   = "expired_cache"
	TaskOldAnalytics   = "old_analytics"
	TaskTableStats     = "table_stats"
	TaskOrphanedPrices = "orphaned_price_history"
)

// MaintenanceStore is the subset of the store maintenance touches.
type MaintenanceStore interface {
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountOrphanedPriceHistory(ctx context.Context) (int64, error)
}

type TaskResult struct {
	Task    string `json:"task"`
	Success bool   `json:"success"`
	Rows    int64  `json:"rows"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type MaintenanceReport struct {
	StartedAt  time.Time    `json:"started_at"`
	DurationMS int64        `json:"duration_ms"`
	Tasks      []TaskResult `json:"tasks"`
}

// Succeeded reports whether every task succeeded.
func (r *MaintenanceReport) Succeeded() bool {
	for _, t := range r.Tasks {
		if !t.Success {
			return false
		}
	}
	return true
}

type MaintenanceService struct {
	store    MaintenanceStore
	executor *QueryExecutor
	log      *zap.Logger
	now      func() time.Time
}

func NewMaintenanceService(store MaintenanceStore, executor *QueryExecutor, log *zap.Logger) *MaintenanceService {
	return &MaintenanceService{store: store, executor: executor, log: log, now: time.Now}
}

// PerformMaintenance runs every task concurrently. A failing task is reported in its own
// result and never affects the others.
func (m *MaintenanceService) PerformMaintenance(ctx context.Context) *MaintenanceReport {
	started := m.now()
	tasks := []struct {
		name string
		run  func(context.Context) (int64, string, error)
	}{
		{TaskExpiredCache, m.cleanupExpiredCache},
		{TaskOldAnalytics, m.cleanupOldAnalytics},
		{TaskTableStats, m.refreshTableStats},
		{TaskOrphanedPrices, m.detectOrphanedPrices},
	}

	results := make([]TaskResult, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, name string, run func(context.Context) (int64, string, error)) {
			defer wg.Done()
			rows, msg, err := run(ctx)
			results[i] = TaskResult{Task: name, Success: err == nil, Rows: rows, Message: msg}
			if err != nil {
				results[i].Error = err.Error()
				metrics.MaintenanceTaskRuns.WithLabelValues(name, "failed").Inc()
				m.log.Error("Maintenance task failed", zap.String("task", name), zap.Error(err))
				return
			}
			metrics.MaintenanceTaskRuns.WithLabelValues(name, "success").Inc()
			metrics.MaintenanceRowsAffected.WithLabelValues(name).Set(float64(rows))
		}(i, task.name, task.run)
	}
	wg.Wait()

	report := &MaintenanceReport{
		StartedAt:  started,
		DurationMS: m.now().Sub(started).Milliseconds(),
		Tasks:      results,
	}
	m.log.Info("Maintenance completed",
		zap.Bool("all_succeeded", report.Succeeded()),
		zap.Int64("duration_ms", report.DurationMS))
	return report
}

func (m *MaintenanceService) cleanupExpiredCache(ctx context.Context) (int64, string, error) {
	now := m.now()
	rows, err := Query(ctx, m.executor, database.TableCardCache, func(ctx context.Context) (int64, error) {
		return m.store.DeleteExpiredCache(ctx, now)
	}, QueryOptions{SkipCache: true})
	if err != nil {
		return 0, "", err
	}
	purged := m.executor.PurgeExpiredCache()
	return rows, fmt.Sprintf("deleted %d expired cache rows, purged %d in-memory entries", rows, purged), nil
}

func (m *MaintenanceService) cleanupOldAnalytics(ctx context.Context) (int64, string, error) {
	cutoff := m.now().Add(-EventRetention)
	rows, err := Query(ctx, m.executor, database.TableEvents, func(ctx context.Context) (int64, error) {
		return m.store.DeleteEventsBefore(ctx, cutoff)
	}, QueryOptions{SkipCache: true})
	if err != nil {
		return 0, "", err
	}
	return rows, fmt.Sprintf("deleted %d events older than %s", rows, cutoff.Format(time.DateOnly)), nil
}

// refreshTableStats is a placeholder: neither sqlite nor postgres needs a manual refresh here.
func (m *MaintenanceService) refreshTableStats(ctx context.Context) (int64, string, error) {
	return 0, "table statistics refresh skipped", nil
}

func (m *MaintenanceService) detectOrphanedPrices(ctx context.Context) (int64, string, error) {
	rows, err := Query(ctx, m.executor, database.TablePriceHistory, func(ctx context.Context) (int64, error) {
		return m.store.CountOrphanedPriceHistory(ctx)
	}, QueryOptions{SkipCache: true})
	if err != nil {
		return 0, "", err
	}
	if rows > 0 {
		m.log.Warn("Price history references cards missing from the card cache", zap.Int64("rows", rows))
	}
	return rows, fmt.Sprintf("found %d orphaned price history rows", rows), nil
}
