package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/models"
	"github.com/mappy4ever/DexTrends-sub010/internal/pubsub"
)

const (
	MarketTrendsKeyPrefix = "market_trends_"
	MarketTrendsCacheTTL  = 5 * time.Minute
	DefaultTrendDays      = 7
	trendListSize         = 10
)

// CardTrend is the movement of one card variant across the analysis window.
type CardTrend struct {
	CardID             string                `json:"card_id"`
	CardName           string                `json:"card_name"`
	SetName            string                `json:"set_name"`
	Variant            models.PriceVariant   `json:"variant"`
	FirstPrice         float64               `json:"first_price"`
	CurrentPrice       float64               `json:"current_price"`
	PriceChange        float64               `json:"price_change"`
	PriceChangePercent float64               `json:"price_change_percent"`
	Volatility         float64               `json:"volatility"`
	TrendDirection     models.TrendDirection `json:"trend_direction"`
	Samples            int                   `json:"samples"`
}

type TrendDistribution struct {
	Bullish int `json:"bullish"`
	Bearish int `json:"bearish"`
	Neutral int `json:"neutral"`
}

type MarketOverview struct {
	TotalCards        int               `json:"total_cards"`
	AverageVolatility float64           `json:"average_volatility"`
	Distribution      TrendDistribution `json:"trend_distribution"`
}

type MarketTrendAnalysis struct {
	DaysBack     int            `json:"days_back"`
	GeneratedAt  time.Time      `json:"generated_at"`
	Overview     MarketOverview `json:"overview"`
	TopGainers   []CardTrend    `json:"top_gainers"`
	TopLosers    []CardTrend    `json:"top_losers"`
	MostVolatile []CardTrend    `json:"most_volatile"`
}

// GenerateMarketTrendAnalysis compares the earliest and latest sample of every card variant
// collected in the last daysBack days.
func (c *PriceCollector) GenerateMarketTrendAnalysis(ctx context.Context, daysBack int) (*MarketTrendAnalysis, error) {
	if daysBack <= 0 {
		daysBack = DefaultTrendDays
	}
	since := c.now().UTC().AddDate(0, 0, -daysBack)

	analysis, err := Query(ctx, c.executor, database.TablePriceHistory, func(ctx context.Context) (*MarketTrendAnalysis, error) {
		samples, err := c.store.PriceHistorySince(ctx, since)
		if err != nil {
			return nil, err
		}
		a := AnalyzeTrends(samples)
		a.DaysBack = daysBack
		a.GeneratedAt = c.now().UTC()
		return a, nil
	}, QueryOptions{
		CacheKey: fmt.Sprintf("%s%d", MarketTrendsKeyPrefix, daysBack),
		CacheTTL: MarketTrendsCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate market trends: %w", err)
	}

	c.bus.Publish(ctx, pubsub.TopicMarketTrendUpdate, analysis)
	return analysis, nil
}

type trendKey struct {
	cardID  string
	variant models.PriceVariant
}

// AnalyzeTrends expects samples in collection order. Groups with fewer than two samples are
// ignored.
func AnalyzeTrends(samples []models.PriceSample) *MarketTrendAnalysis {
	groups := make(map[trendKey][]models.PriceSample)
	var order []trendKey
	for _, s := range samples {
		k := trendKey{cardID: s.CardID, variant: s.Variant}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], s)
	}

	analysis := &MarketTrendAnalysis{
		TopGainers:   []CardTrend{},
		TopLosers:    []CardTrend{},
		MostVolatile: []CardTrend{},
	}

	var trends []CardTrend
	var volatilitySum float64
	for _, k := range order {
		group := groups[k]
		if len(group) < 2 {
			continue
		}
		first, latest := group[0], group[len(group)-1]

		t := CardTrend{
			CardID:         latest.CardID,
			CardName:       latest.CardName,
			SetName:        latest.SetName,
			Variant:        latest.Variant,
			FirstPrice:     first.PriceMarket,
			CurrentPrice:   latest.PriceMarket,
			PriceChange:    roundTo(latest.PriceMarket-first.PriceMarket, 2),
			Volatility:     latest.Volatility,
			TrendDirection: latest.TrendDirection,
			Samples:        len(group),
		}
		if first.PriceMarket > 0 {
			t.PriceChangePercent = roundTo((latest.PriceMarket-first.PriceMarket)/first.PriceMarket*100, 2)
		}
		trends = append(trends, t)
		volatilitySum += t.Volatility

		switch t.TrendDirection {
		case models.TrendBullish:
			analysis.Overview.Distribution.Bullish++
		case models.TrendBearish:
			analysis.Overview.Distribution.Bearish++
		default:
			analysis.Overview.Distribution.Neutral++
		}
	}

	analysis.Overview.TotalCards = len(trends)
	if len(trends) > 0 {
		analysis.Overview.AverageVolatility = roundTo(volatilitySum/float64(len(trends)), 4)
	}

	for _, t := range trends {
		if t.PriceChangePercent > 0 {
			analysis.TopGainers = append(analysis.TopGainers, t)
		} else if t.PriceChangePercent < 0 {
			analysis.TopLosers = append(analysis.TopLosers, t)
		}
	}
	sort.SliceStable(analysis.TopGainers, func(i, j int) bool {
		return analysis.TopGainers[i].PriceChangePercent > analysis.TopGainers[j].PriceChangePercent
	})
	sort.SliceStable(analysis.TopLosers, func(i, j int) bool {
		return analysis.TopLosers[i].PriceChangePercent < analysis.TopLosers[j].PriceChangePercent
	})

	analysis.MostVolatile = append(analysis.MostVolatile, trends...)
	sort.SliceStable(analysis.MostVolatile, func(i, j int) bool {
		return analysis.MostVolatile[i].Volatility > analysis.MostVolatile[j].Volatility
	})

	analysis.TopGainers = truncateTrends(analysis.TopGainers)
	analysis.TopLosers = truncateTrends(analysis.TopLosers)
	analysis.MostVolatile = truncateTrends(analysis.MostVolatile)
	return analysis
}

func truncateTrends(list []CardTrend) []CardTrend {
	if len(list) > trendListSize {
		return list[:trendListSize]
	}
	return list
}
