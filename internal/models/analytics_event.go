package models

import (
	"time"

	"gorm.io/datatypes"
)

// EventType is one of the closed set of tracked actions
type EventType string

const (
	EventCardView          EventType = "card_view"
	EventCardFavorite      EventType = "card_favorite"
	EventCardPriceCheck    EventType = "card_price_check"
	EventSearch            EventType = "search"
	EventPokemonView       EventType = "pokemon_view"
	EventDeckAction        EventType = "deck_action"
	EventCollectionAction  EventType = "collection_action"
	EventPerformanceMetric EventType = "performance_metric"
	EventUserJourney       EventType = "user_journey"
	EventPageView          EventType = "page_view"
	EventPageHidden        EventType = "page_hidden"
	EventPageVisible       EventType = "page_visible"
)

// AllEventTypes returns every accepted event type
func AllEventTypes() []EventType {
	return []EventType{
		EventCardView,
		EventCardFavorite,
		EventCardPriceCheck,
		EventSearch,
		EventPokemonView,
		EventDeckAction,
		EventCollectionAction,
		EventPerformanceMetric,
		EventUserJourney,
		EventPageView,
		EventPageHidden,
		EventPageVisible,
	}
}

func (t EventType) Valid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// AnalyticsEvent is one tracked action. Rows are append-only.
type AnalyticsEvent struct {
	ID        string            `json:"id" gorm:"primaryKey"`
	SessionID string            `json:"session_id" gorm:"not null;index"`
	UserID    *string           `json:"user_id,omitempty" gorm:"index"`
	EventType EventType         `json:"event_type" gorm:"not null;index:idx_events_type_time,priority:1"`
	EventData datatypes.JSONMap `json:"event_data" gorm:"type:json"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null;index;index:idx_events_type_time,priority:2"`
}

func (AnalyticsEvent) TableName() string {
	return "user_analytics_events"
}

// StringField returns a payload field as a string, or "" when absent or not a string.
func (e AnalyticsEvent) StringField(key string) string {
	if v, ok := e.EventData[key].(string); ok {
		return v
	}
	return ""
}

// NumberField returns a numeric payload field. JSON decoding yields float64; ints
// appear when the event has not been round-tripped through the store yet.
func (e AnalyticsEvent) NumberField(key string) (float64, bool) {
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
