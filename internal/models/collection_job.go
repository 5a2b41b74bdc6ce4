package models

import (
	"time"
)

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// IsTerminal reports whether a job in this status may no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobTypeEnhancedTrending is the only job type the collector writes
const JobTypeEnhancedTrending = "enhanced_trending"

// CollectionJob is the durable record of one collector run
type CollectionJob struct {
	ID             string     `json:"id" gorm:"primaryKey"`
	JobType        string     `json:"job_type" gorm:"not null"`
	Status         JobStatus  `json:"status" gorm:"not null;index"`
	BatchID        string     `json:"batch_id"`
	CardsProcessed int        `json:"cards_processed"`
	CardsUpdated   int        `json:"cards_updated"`
	CardsFailed    int        `json:"cards_failed"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	StartedAt      time.Time  `json:"started_at" gorm:"not null;index"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (CollectionJob) TableName() string {
	return "price_collection_jobs"
}
