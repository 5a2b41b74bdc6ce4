package models

import (
	"time"
)

// PriceVariant is the tcgplayer price bucket a sample was taken from
type PriceVariant string

const (
	VariantNormal             PriceVariant = "normal"
	VariantHolofoil           PriceVariant = "holofoil"
	VariantReverseHolofoil    PriceVariant = "reverseHolofoil"
	Variant1stEditionHolofoil PriceVariant = "1stEditionHolofoil"
	Variant1stEditionNormal   PriceVariant = "1stEditionNormal"
	VariantUnlimitedHolofoil  PriceVariant = "unlimitedHolofoil"
)

// AllPriceVariants returns every variant the collector stores
func AllPriceVariants() []PriceVariant {
	return []PriceVariant{
		VariantNormal,
		VariantHolofoil,
		VariantReverseHolofoil,
		Variant1stEditionHolofoil,
		Variant1stEditionNormal,
		VariantUnlimitedHolofoil,
	}
}

// ParsePriceVariant maps an API price key to a known variant.
func ParsePriceVariant(s string) (PriceVariant, bool) {
	for _, v := range AllPriceVariants() {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// TrendDirection summarizes where the market price sits inside the low-high range
type TrendDirection string

const (
	TrendBullish TrendDirection = "bullish"
	TrendBearish TrendDirection = "bearish"
	TrendNeutral TrendDirection = "neutral"
)

// PriceSample is one variant price snapshot of one card. Rows are append-only.
type PriceSample struct {
	ID       uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	CardID   string       `json:"card_id" gorm:"not null;index:idx_history_card_variant_time,priority:1"`
	CardName string       `json:"card_name" gorm:"not null"`
	SetID    string       `json:"set_id" gorm:"index"`
	SetName  string       `json:"set_name"`
	Variant  PriceVariant `json:"variant" gorm:"not null;index:idx_history_card_variant_time,priority:2"`

	PriceLow       float64 `json:"price_low"`
	PriceMid       float64 `json:"price_mid"`
	PriceHigh      float64 `json:"price_high"`
	PriceMarket    float64 `json:"price_market"`
	PriceDirectLow float64 `json:"price_direct_low"`

	Volatility     float64        `json:"volatility"`
	Spread         float64        `json:"spread"`
	StabilityScore float64        `json:"stability_score"`
	MarketCap      float64        `json:"market_cap"`
	Liquidity      float64        `json:"liquidity"`
	TrendDirection TrendDirection `json:"trend_direction"`

	Rarity          string    `json:"rarity"`
	Artist          string    `json:"artist"`
	ReleaseDate     string    `json:"release_date"`
	SourceURL       string    `json:"source_url"`
	SourceUpdatedAt string    `json:"source_updated_at"`
	CollectedAt     time.Time `json:"collected_at" gorm:"not null;index:idx_history_card_variant_time,priority:3"`
	BatchID         string    `json:"batch_id" gorm:"index"`
}

func (PriceSample) TableName() string {
	return "card_price_history"
}
