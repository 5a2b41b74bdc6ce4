package models

import (
	"time"

	"gorm.io/datatypes"
)

// CardCacheEntry is the searchable card snapshot the collector keeps warm
type CardCacheEntry struct {
	ID          uint              `json:"id" gorm:"primaryKey;autoIncrement"`
	CardID      string            `json:"card_id" gorm:"uniqueIndex;not null"`
	Name        string            `json:"name" gorm:"index"`
	SetID       string            `json:"set_id" gorm:"index"`
	SetName     string            `json:"set_name"`
	Rarity      string            `json:"rarity"`
	Supertype   string            `json:"supertype"`
	Types       string            `json:"types"` // comma-joined
	MarketPrice float64           `json:"market_price"`
	CardData    datatypes.JSONMap `json:"card_data" gorm:"type:json"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at" gorm:"index"`
}

func (CardCacheEntry) TableName() string {
	return "card_cache"
}

// PokemonCacheEntry caches species data fetched for the front end
type PokemonCacheEntry struct {
	ID        uint              `json:"id" gorm:"primaryKey;autoIncrement"`
	PokemonID int               `json:"pokemon_id" gorm:"uniqueIndex"`
	Name      string            `json:"name"`
	Data      datatypes.JSONMap `json:"data" gorm:"type:json"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at" gorm:"index"`
}

func (PokemonCacheEntry) TableName() string {
	return "pokemon_cache"
}
