package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

type stubMaintenanceStore struct {
	expired, events, orphans int64
	eventsErr                error
	cutoff                   time.Time
}

func (s *stubMaintenanceStore) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	return s.expired, nil
}

func (s *stubMaintenanceStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.events, s.eventsErr
}

func (s *stubMaintenanceStore) CountOrphanedPriceHistory(ctx context.Context) (int64, error) {
	return s.orphans, nil
}

func taskByName(r *MaintenanceReport, name string) TaskResult {
	for _, t := range r.Tasks {
		if t.Task == name {
			return t
		}
	}
	return TaskResult{}
}

func TestPerformMaintenance_ReportsEachTask(t *testing.T) {
	store := &stubMaintenanceStore{expired: 4, events: 7, orphans: 2}
	executor, _ := newTestExecutor()
	executor.cache.Set("stale", 1, time.Nanosecond)
	m := NewMaintenanceService(store, executor, zap.NewNop())
	fixed := time.Date(2026, 10, 17, 3, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	report := m.PerformMaintenance(context.Background())

	require.Len(t, report.Tasks, 4)
	assert.True(t, report.Succeeded())
	assert.Equal(t, int64(4), taskByName(report, TaskExpiredCache).Rows)
	assert.Equal(t, int64(7), taskByName(report, TaskOldAnalytics).Rows)
	assert.True(t, taskByName(report, TaskTableStats).Success)
	assert.Equal(t, int64(2), taskByName(report, TaskOrphanedPrices).Rows)
	assert.Equal(t, fixed.Add(-EventRetention), store.cutoff)
}

func TestPerformMaintenance_FailureIsIsolated(t *testing.T) {
	store := &stubMaintenanceStore{expired: 1, eventsErr: errors.New("disk full")}
	executor, _ := newTestExecutor()
	m := NewMaintenanceService(store, executor, zap.NewNop())

	report := m.PerformMaintenance(context.Background())

	assert.False(t, report.Succeeded())
	failed := taskByName(report, TaskOldAnalytics)
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "disk full")
	assert.True(t, taskByName(report, TaskExpiredCache).Success)
	assert.True(t, taskByName(report, TaskOrphanedPrices).Success)
}

func TestPerformMaintenance_AgainstStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertCardCache(ctx, []models.CardCacheEntry{
		{CardID: "fresh", Name: "Fresh", ExpiresAt: now.Add(time.Hour)},
		{CardID: "expired", Name: "Expired", ExpiresAt: now.Add(-time.Hour)},
	}))
	_, err := store.InsertEvents(ctx, []models.AnalyticsEvent{
		{ID: "old", SessionID: "s", EventType: models.EventPageView, CreatedAt: now.AddDate(0, 0, -120)},
		{ID: "new", SessionID: "s", EventType: models.EventPageView, CreatedAt: now},
	})
	require.NoError(t, err)

	executor, _ := newTestExecutor()
	worker := NewMaintenanceWorker(NewMaintenanceService(store, executor, zap.NewNop()), 0, zap.NewNop())
	assert.Nil(t, worker.LastReport())

	report := worker.RunOnce(ctx)
	require.True(t, report.Succeeded())
	assert.Equal(t, int64(1), taskByName(report, TaskExpiredCache).Rows)
	assert.Equal(t, int64(1), taskByName(report, TaskOldAnalytics).Rows)
	assert.Same(t, report, worker.LastReport())

	n, err := store.CountRows(ctx, "user_analytics_events")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
