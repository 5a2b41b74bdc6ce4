package database

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

// StaleJobAge is how long a job may sit in "running" before startup marks it failed.
const StaleJobAge = 6 * time.Hour

// RunMigrations runs data fixes after AutoMigrate
func RunMigrations(db *gorm.DB, log *zap.Logger) error {
	if err := normalizeTrendDirections(db, log); err != nil {
		return err
	}
	return failStaleJobs(db, time.Now().Add(-StaleJobAge), log)
}

// normalizeTrendDirections backfills rows written before trend direction was derived
func normalizeTrendDirections(db *gorm.DB, log *zap.Logger) error {
	result := db.Model(&models.PriceSample{}).
		Where("trend_direction IS NULL OR trend_direction = ''").
		Update("trend_direction", models.TrendNeutral)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		log.Info("Backfilled trend direction", zap.Int64("rows", result.RowsAffected))
	}
	return nil
}

// failStaleJobs closes out runs left "running" by a process that died mid-collection.
// Without this a crashed run would hold the lease forever.
func failStaleJobs(db *gorm.DB, startedBefore time.Time, log *zap.Logger) error {
	now := time.Now()
	result := db.Model(&models.CollectionJob{}).
		Where("status = ? AND started_at < ?", models.JobRunning, startedBefore).
		Updates(map[string]any{
			"status":        models.JobFailed,
			"error_message": "interrupted before completion",
			"completed_at":  now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		log.Warn("Marked interrupted collection jobs as failed", zap.Int64("jobs", result.RowsAffected))
	}
	return nil
}
