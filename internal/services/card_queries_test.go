package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

func TestSearchKey(t *testing.T) {
	a := SearchKey(database.CardSearchParams{Query: "charizard"})
	b := SearchKey(database.CardSearchParams{Query: "charizard", Limit: database.DefaultSearchLimit})
	c := SearchKey(database.CardSearchParams{Query: "blastoise"})

	assert.True(t, strings.HasPrefix(a, CardSearchKeyPrefix))
	assert.Equal(t, a, b, "defaults are applied before hashing")
	assert.NotEqual(t, a, c)
}

func TestCardQueries_SearchCardsIsCached(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.UpsertCardCache(ctx, []models.CardCacheEntry{
		{CardID: "base1-4", Name: "Charizard", SetID: "base1", MarketPrice: 400, ExpiresAt: now.Add(time.Hour)},
		{CardID: "base1-2", Name: "Blastoise", SetID: "base1", MarketPrice: 150, ExpiresAt: now.Add(time.Hour)},
	}))

	executor, _ := newTestExecutor()
	queries := NewCardQueries(store, executor)

	first, err := queries.SearchCards(ctx, database.CardSearchParams{Query: "char"})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Total)
	assert.Equal(t, "base1-4", first.Cards[0].CardID)

	// a row added after the first read is invisible until the cached result expires
	require.NoError(t, store.UpsertCardCache(ctx, []models.CardCacheEntry{
		{CardID: "base2-4", Name: "Charizard Star", SetID: "base2", MarketPrice: 900, ExpiresAt: now.Add(time.Hour)},
	}))
	second, err := queries.SearchCards(ctx, database.CardSearchParams{Query: "char"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Total)

	executor.InvalidatePrefix(CardSearchKeyPrefix)
	third, err := queries.SearchCards(ctx, database.CardSearchParams{Query: "char"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), third.Total)
}

func TestCardQueries_GetPriceHistoryDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.InsertPriceSamples(ctx, []models.PriceSample{
		{CardID: "base1-4", Variant: models.VariantHolofoil, PriceMarket: 380, CollectedAt: now.AddDate(0, 0, -40), BatchID: "b0"},
		{CardID: "base1-4", Variant: models.VariantHolofoil, PriceMarket: 390, CollectedAt: now.AddDate(0, 0, -10), BatchID: "b1"},
		{CardID: "base1-4", Variant: models.VariantHolofoil, PriceMarket: 400, CollectedAt: now.AddDate(0, 0, -1), BatchID: "b2"},
		{CardID: "base1-4", Variant: models.VariantNormal, PriceMarket: 50, CollectedAt: now.AddDate(0, 0, -1), BatchID: "b2"},
	})
	require.NoError(t, err)

	executor, _ := newTestExecutor()
	queries := NewCardQueries(store, executor)

	history, err := queries.GetPriceHistory(ctx, "base1-4", "", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 390.0, history[0].PriceMarket)
	assert.Equal(t, 400.0, history[1].PriceMarket)

	_, cached := executor.cache.Get(PriceHistoryKeyPrefix + "base1-4_holofoil_30")
	assert.True(t, cached)

	normal, err := queries.GetPriceHistory(ctx, "base1-4", models.VariantNormal, 7)
	require.NoError(t, err)
	require.Len(t, normal, 1)
}
