package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

// InsertPriceSamples appends samples to the price history.
func (s *Store) InsertPriceSamples(ctx context.Context, samples []models.PriceSample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Create(&samples)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to insert price samples: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PriceHistory returns samples for one card variant collected at or after since, oldest first.
func (s *Store) PriceHistory(ctx context.Context, cardID string, variant models.PriceVariant, since time.Time) ([]models.PriceSample, error) {
	var samples []models.PriceSample
	err := s.db.WithContext(ctx).
		Where("card_id = ? AND variant = ? AND collected_at >= ?", cardID, variant, since).
		Order("collected_at ASC").
		Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load price history: %w", err)
	}
	return samples, nil
}

// PriceHistorySince returns every sample collected at or after since, oldest first.
func (s *Store) PriceHistorySince(ctx context.Context, since time.Time) ([]models.PriceSample, error) {
	var samples []models.PriceSample
	err := s.db.WithContext(ctx).
		Where("collected_at >= ?", since).
		Order("collected_at ASC").
		Find(&samples).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load price history: %w", err)
	}
	return samples, nil
}

// UpsertCardCache inserts or refreshes card cache rows keyed by card_id.
func (s *Store) UpsertCardCache(ctx context.Context, entries []models.CardCacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "card_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "set_id", "set_name", "rarity", "supertype", "types",
			"market_price", "card_data", "expires_at",
		}),
	}).Create(&entries).Error
	if err != nil {
		return fmt.Errorf("failed to upsert card cache: %w", err)
	}
	return nil
}

// CardSearchParams filters the card cache. Zero values mean "no filter".
type CardSearchParams struct {
	Query    string   `json:"query,omitempty"`
	SetID    string   `json:"set_id,omitempty"`
	Rarity   string   `json:"rarity,omitempty"`
	Type     string   `json:"type,omitempty"`
	PriceMin *float64 `json:"price_min,omitempty"`
	PriceMax *float64 `json:"price_max,omitempty"`
	SortBy   string   `json:"sort_by,omitempty"` // "name" (default) or "price"
	Limit    int      `json:"limit,omitempty"`
	Offset   int      `json:"offset,omitempty"`
}

const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 250
)

// Normalize applies defaults and bounds.
func (p CardSearchParams) Normalize() CardSearchParams {
	p.Query = strings.TrimSpace(p.Query)
	if p.Limit <= 0 {
		p.Limit = DefaultSearchLimit
	}
	if p.Limit > MaxSearchLimit {
		p.Limit = MaxSearchLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.SortBy != "price" {
		p.SortBy = "name"
	}
	return p
}

// CardSearchResult is one page of matching cards plus the unpaged total.
type CardSearchResult struct {
	Cards []models.CardCacheEntry `json:"cards"`
	Total int64                   `json:"total"`
}

// SearchCardCache runs a filtered, paged search over unexpired card cache rows.
func (s *Store) SearchCardCache(ctx context.Context, params CardSearchParams, now time.Time) (*CardSearchResult, error) {
	p := params.Normalize()

	filtered := func() *gorm.DB {
		query := s.db.WithContext(ctx).Model(&models.CardCacheEntry{}).Where("expires_at > ?", now)
		if p.Query != "" {
			query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(p.Query)+"%")
		}
		if p.SetID != "" {
			query = query.Where("set_id = ?", p.SetID)
		}
		if p.Rarity != "" {
			query = query.Where("rarity = ?", p.Rarity)
		}
		if p.Type != "" {
			query = query.Where("types LIKE ?", "%"+p.Type+"%")
		}
		if p.PriceMin != nil {
			query = query.Where("market_price >= ?", *p.PriceMin)
		}
		if p.PriceMax != nil {
			query = query.Where("market_price <= ?", *p.PriceMax)
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count search results: %w", err)
	}

	order := "name ASC"
	if p.SortBy == "price" {
		order = "market_price DESC"
	}

	var cards []models.CardCacheEntry
	if err := filtered().Order(order).Limit(p.Limit).Offset(p.Offset).Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("failed to search card cache: %w", err)
	}

	return &CardSearchResult{Cards: cards, Total: total}, nil
}

// DeleteExpiredCache removes card and pokemon cache rows whose expiry has passed.
func (s *Store) DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error) {
	cards := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.CardCacheEntry{})
	if cards.Error != nil {
		return 0, fmt.Errorf("failed to delete expired card cache: %w", cards.Error)
	}
	pokemon := s.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&models.PokemonCacheEntry{})
	if pokemon.Error != nil {
		return cards.RowsAffected, fmt.Errorf("failed to delete expired pokemon cache: %w", pokemon.Error)
	}
	return cards.RowsAffected + pokemon.RowsAffected, nil
}

// CountOrphanedPriceHistory counts history rows whose card is no longer in the card cache.
func (s *Store) CountOrphanedPriceHistory(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.PriceSample{}).
		Where("card_id NOT IN (?)", s.db.Model(&models.CardCacheEntry{}).Select("card_id")).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count orphaned price history: %w", err)
	}
	return n, nil
}
