package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

const (
	SearchCacheTTL        = 10 * time.Minute
	HistoryCacheTTL       = 5 * time.Minute
	DefaultHistoryDays    = 30
	PriceHistoryKeyPrefix = "price_history_"
	CardSearchKeyPrefix   = "card_search_"
)

// CardStore is the subset of the store card reads use.
type CardStore interface {
	SearchCardCache(ctx context.Context, params database.CardSearchParams, now time.Time) (*database.CardSearchResult, error)
	PriceHistory(ctx context.Context, cardID string, variant models.PriceVariant, since time.Time) ([]models.PriceSample, error)
}

// CardQueries is the read API shared by HTTP handlers and any other adapter.
type CardQueries struct {
	store    CardStore
	executor *QueryExecutor
	now      func() time.Time
}

func NewCardQueries(store CardStore, executor *QueryExecutor) *CardQueries {
	return &CardQueries{store: store, executor: executor, now: time.Now}
}

// SearchKey derives the cache key for a normalized parameter set.
func SearchKey(params database.CardSearchParams) string {
	raw, _ := json.Marshal(params.Normalize())
	sum := sha1.Sum(raw)
	return CardSearchKeyPrefix + hex.EncodeToString(sum[:8])
}

func (c *CardQueries) SearchCards(ctx context.Context, params database.CardSearchParams) (*database.CardSearchResult, error) {
	params = params.Normalize()
	return Query(ctx, c.executor, database.TableCardCache, func(ctx context.Context) (*database.CardSearchResult, error) {
		return c.store.SearchCardCache(ctx, params, c.now().UTC())
	}, QueryOptions{CacheKey: SearchKey(params), CacheTTL: SearchCacheTTL})
}

// GetPriceHistory returns samples for one card variant over the last daysBack days.
// Empty variant means holofoil; non-positive daysBack means 30.
func (c *CardQueries) GetPriceHistory(ctx context.Context, cardID string, variant models.PriceVariant, daysBack int) ([]models.PriceSample, error) {
	if variant == "" {
		variant = models.VariantHolofoil
	}
	if daysBack <= 0 {
		daysBack = DefaultHistoryDays
	}
	since := c.now().UTC().AddDate(0, 0, -daysBack)
	key := fmt.Sprintf("%s%s_%s_%d", PriceHistoryKeyPrefix, cardID, variant, daysBack)

	return Query(ctx, c.executor, database.TablePriceHistory, func(ctx context.Context) ([]models.PriceSample, error) {
		return c.store.PriceHistory(ctx, cardID, variant, since)
	}, QueryOptions{CacheKey: key, CacheTTL: HistoryCacheTTL})
}
