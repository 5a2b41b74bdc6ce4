package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/metrics"
)

const (
	DashboardDays              = 30
	engagementInsightThreshold = 10
	volatilityChartSize        = 10
)

// RowCounter counts rows in a store table.
type RowCounter interface {
	CountRows(ctx context.Context, table string) (int64, error)
}

type DashboardOverview struct {
	TotalUsers    int   `json:"total_users"`
	TotalSessions int   `json:"total_sessions"`
	TotalSearches int   `json:"total_searches"`
	CachedCards   int64 `json:"cached_cards"`
	CachedPokemon int64 `json:"cached_pokemon"`
}

type DashboardCharts struct {
	UserActivity    map[int]int    `json:"user_activity"`
	SearchTrends    map[string]int `json:"search_trends"`
	PriceVolatility []CardTrend    `json:"price_volatility"`
	PopularCards    []PopularCard  `json:"popular_cards"`
}

type DashboardMetrics struct {
	QueryPerformance  map[string]TableMetrics `json:"query_performance"`
	CacheHitRate      float64                 `json:"cache_hit_rate"`
	AverageResponseMS float64                 `json:"average_response_ms"`
	ErrorRate         float64                 `json:"error_rate"`
}

type Dashboard struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Overview    DashboardOverview `json:"overview"`
	Charts      DashboardCharts   `json:"charts"`
	Metrics     DashboardMetrics  `json:"metrics"`
	Insights    []Insight         `json:"insights"`
}

// DashboardService assembles the admin dashboard from the analytics, trend and query
// layers.
type DashboardService struct {
	analytics *AnalyticsEngine
	collector *PriceCollector
	counter   RowCounter
	executor  *QueryExecutor
	log       *zap.Logger
	now       func() time.Time
}

func NewDashboardService(analytics *AnalyticsEngine, collector *PriceCollector, counter RowCounter, executor *QueryExecutor, log *zap.Logger) *DashboardService {
	return &DashboardService{
		analytics: analytics,
		collector: collector,
		counter:   counter,
		executor:  executor,
		log:       log,
		now:       time.Now,
	}
}

// Generate gathers every component concurrently. Any failing component fails the call.
func (d *DashboardService) Generate(ctx context.Context) (*Dashboard, error) {
	var (
		behavior      *UserBehaviorReport
		search        *SearchReport
		trends        *MarketTrendAnalysis
		cachedCards   int64
		cachedPokemon int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		behavior, err = d.analytics.GetUserBehaviorAnalytics(gctx, DashboardDays)
		return err
	})
	g.Go(func() error {
		var err error
		search, err = d.analytics.GetSearchAnalytics(gctx, DashboardDays)
		return err
	})
	g.Go(func() error {
		var err error
		trends, err = d.collector.GenerateMarketTrendAnalysis(gctx, DashboardDays)
		return err
	})
	g.Go(func() error {
		var err error
		cachedCards, err = d.countRows(gctx, database.TableCardCache)
		return err
	})
	g.Go(func() error {
		var err error
		cachedPokemon, err = d.countRows(gctx, database.TablePokemonCache)
		return err
	})
	if err := g.Wait(); err != nil {
		d.log.Error("Failed to generate dashboard", zap.Error(err))
		return nil, fmt.Errorf("failed to generate dashboard: %w", err)
	}

	metrics.CardCacheSize.Set(float64(cachedCards))

	perf := d.executor.GetPerformanceMetrics()
	dashboard := &Dashboard{
		GeneratedAt: d.now().UTC(),
		Overview: DashboardOverview{
			TotalUsers:    behavior.Overview.UniqueUsers,
			TotalSessions: behavior.Overview.UniqueSessions,
			TotalSearches: search.Overview.TotalSearches,
			CachedCards:   cachedCards,
			CachedPokemon: cachedPokemon,
		},
		Charts: DashboardCharts{
			UserActivity:    behavior.HourlyDistribution,
			SearchTrends:    search.Trends.ByDay,
			PriceVolatility: truncateTrendsTo(trends.MostVolatile, volatilityChartSize),
			PopularCards:    behavior.PopularCards,
		},
		Metrics: DashboardMetrics{
			QueryPerformance:  perf.Tables,
			CacheHitRate:      perf.Cache.HitRate,
			AverageResponseMS: perf.AverageResponseMS,
			ErrorRate:         perf.ErrorRate,
		},
		Insights: dashboardInsights(behavior, search, trends),
	}
	return dashboard, nil
}

func (d *DashboardService) countRows(ctx context.Context, table string) (int64, error) {
	return Query(ctx, d.executor, table, func(ctx context.Context) (int64, error) {
		return d.counter.CountRows(ctx, table)
	}, QueryOptions{CacheKey: "table_count_" + table})
}

func dashboardInsights(behavior *UserBehaviorReport, search *SearchReport, trends *MarketTrendAnalysis) []Insight {
	insights := []Insight{}

	if behavior.Overview.AvgEventsPerSession > engagementInsightThreshold {
		insights = append(insights, engagementInsight(behavior.Overview.AvgEventsPerSession))
	}

	if n := len(search.EmptyResults); n > 0 {
		insights = append(insights, Insight{
			Type:       "search",
			Message:    fmt.Sprintf("%d distinct searches returned no results", n),
			Impact:     "negative",
			Suggestion: "Review catalog coverage for these queries",
		})
	}

	dist := trends.Overview.Distribution
	if dist.Bullish > 0 && dist.Bearish > 0 && dist.Bullish > 2*dist.Bearish {
		insights = append(insights, Insight{
			Type:       "market",
			Message:    fmt.Sprintf("Bullish cards outnumber bearish %d to %d", dist.Bullish, dist.Bearish),
			Impact:     "positive",
			Suggestion: "Prices are trending up; consider collecting more often",
		})
	}
	return insights
}

func engagementInsight(avg float64) Insight {
	return Insight{
		Type:       "engagement",
		Message:    fmt.Sprintf("Sessions average %.1f events", avg),
		Impact:     "positive",
		Suggestion: "High engagement; surface related cards to keep sessions going",
	}
}

func truncateTrendsTo(list []CardTrend, n int) []CardTrend {
	if len(list) > n {
		return list[:n]
	}
	return list
}
