package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

// InsertEvents writes a batch of analytics events in one statement.
func (s *Store) InsertEvents(ctx context.Context, events []models.AnalyticsEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Create(&events)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert analytics events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// EventFilter narrows ListEvents. Zero values mean "no filter".
type EventFilter struct {
	Since  time.Time
	Types  []models.EventType
	CardID string
}

// ListEvents returns matching events, oldest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.AnalyticsEvent, error) {
	query := s.db.WithContext(ctx).Model(&models.AnalyticsEvent{})
	if !f.Since.IsZero() {
		query = query.Where("created_at >= ?", f.Since)
	}
	if len(f.Types) > 0 {
		query = query.Where("event_type IN ?", f.Types)
	}
	if f.CardID != "" {
		query = query.Where(datatypes.JSONQuery("event_data").Equals(f.CardID, "card_id"))
	}

	var events []models.AnalyticsEvent
	if err := query.Order("created_at ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list analytics events: %w", err)
	}
	return events, nil
}

// DeleteEventsBefore prunes events created before cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.AnalyticsEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune analytics events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
