// Package database owns the gorm connection and every query the pipeline issues.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

var (
	// ErrJobFinalized is returned when updating a job that already completed or failed.
	ErrJobFinalized = errors.New("collection job is already finalized")
	// ErrUnknownTable is returned for batch operations against tables the store does not own.
	ErrUnknownTable = errors.New("unknown table")
)

// Table names. These are the store's public surface.
const (
	TablePriceHistory   = "card_price_history"
	TableCollectionJobs = "price_collection_jobs"
	TableEvents         = "user_analytics_events"
	TableCardCache      = "card_cache"
	TablePokemonCache   = "pokemon_cache"
)

var knownTables = map[string]bool{
	TablePriceHistory:   true,
	TableCollectionJobs: true,
	TableEvents:         true,
	TableCardCache:      true,
	TablePokemonCache:   true,
}

// ValidateTable reports ErrUnknownTable for names outside the store's tables.
func ValidateTable(table string) error {
	if !knownTables[table] {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

// Store wraps a gorm handle. It holds no other state and is safe for concurrent use.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping verifies the underlying connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateCollectionJob inserts a new job row.
func (s *Store) CreateCollectionJob(ctx context.Context, job *models.CollectionJob) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create collection job: %w", err)
	}
	return nil
}

// JobProgress carries the counters written on every flush and at completion.
type JobProgress struct {
	Processed int
	Updated   int
	Failed    int
}

// UpdateJobProgress writes counters to a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, p JobProgress) error {
	return s.updateRunningJob(ctx, id, map[string]any{
		"cards_processed": p.Processed,
		"cards_updated":   p.Updated,
		"cards_failed":    p.Failed,
	})
}

// FinishJob moves a running job to a terminal status. A job can only be finished once.
func (s *Store) FinishJob(ctx context.Context, id string, status models.JobStatus, p JobProgress, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.updateRunningJob(ctx, id, map[string]any{
		"status":          status,
		"cards_processed": p.Processed,
		"cards_updated":   p.Updated,
		"cards_failed":    p.Failed,
		"error_message":   errMsg,
		"completed_at":    time.Now(),
	})
}

func (s *Store) updateRunningJob(ctx context.Context, id string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&models.CollectionJob{}).
		Where("id = ? AND status = ?", id, models.JobRunning).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update collection job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobFinalized
	}
	return nil
}

// GetCollectionJob returns nil, nil if the job does not exist.
func (s *Store) GetCollectionJob(ctx context.Context, id string) (*models.CollectionJob, error) {
	var job models.CollectionJob
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// LatestCollectionJob returns the most recently started job, or nil if none exist.
func (s *Store) LatestCollectionJob(ctx context.Context) (*models.CollectionJob, error) {
	var job models.CollectionJob
	err := s.db.WithContext(ctx).Order("started_at DESC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ActiveJobSince returns a running job started after the given instant, if any.
// The collector uses it as a cross-instance lease.
func (s *Store) ActiveJobSince(ctx context.Context, since time.Time) (*models.CollectionJob, error) {
	var job models.CollectionJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND started_at >= ?", models.JobRunning, since).
		Order("started_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CountRows counts all rows in one of the store's tables.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if err := ValidateTable(table); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Table(table).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}
