package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

const (
	ReportCacheTTL        = 5 * time.Minute
	DefaultReportDays     = 7
	DefaultCardReportDays = 30
	AnalyticsKeyPrefix    = "analytics_"
	popularCardsLimit     = 20
	searchTermsLimit      = 50
	queryListLimit        = 20
	lowResultThreshold    = 5
	shortQueryShare       = 0.6
	highPopularityScore   = 100
	mediumPopularityScore = 50
	engagementViewCeiling = 50
	dayLayout             = "2006-01-02"
)

// TermCount is one entry of a ranked frequency list.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

type PopularCard struct {
	CardID   string `json:"card_id"`
	CardName string `json:"card_name"`
	Views    int    `json:"views"`
}

type BehaviorOverview struct {
	TotalEvents         int     `json:"total_events"`
	UniqueSessions      int     `json:"unique_sessions"`
	UniqueUsers         int     `json:"unique_users"`
	AvgEventsPerSession float64 `json:"avg_events_per_session"`
}

type UserBehaviorReport struct {
	DaysBack           int              `json:"days_back"`
	Overview           BehaviorOverview `json:"overview"`
	EventTypes         map[string]int   `json:"event_types"`
	HourlyDistribution map[int]int      `json:"hourly_distribution"`
	PopularCards       []PopularCard    `json:"popular_cards"`
	SearchTerms        []TermCount      `json:"search_terms"`
}

type SearchOverview struct {
	TotalSearches         int     `json:"total_searches"`
	UniqueQueries         int     `json:"unique_queries"`
	UniqueSessions        int     `json:"unique_sessions"`
	AvgSearchesPerSession float64 `json:"avg_searches_per_session"`
}

type SearchTrends struct {
	ByHour map[int]int    `json:"by_hour"`
	ByDay  map[string]int `json:"by_day"`
}

// Insight is a rule-based observation attached to a report.
type Insight struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	Impact     string `json:"impact"`
	Suggestion string `json:"suggestion"`
}

type SearchReport struct {
	DaysBack                int            `json:"days_back"`
	Overview                SearchOverview `json:"overview"`
	TopQueries              []TermCount    `json:"top_queries"`
	QueryLengthDistribution map[string]int `json:"query_length_distribution"`
	EmptyResults            []string       `json:"empty_results"`
	LowResultQueries        []string       `json:"low_result_queries"`
	Trends                  SearchTrends   `json:"search_trends"`
	Insights                []Insight      `json:"insights"`
}

type CardViews struct {
	Total          int            `json:"total"`
	UniqueSessions int            `json:"unique_sessions"`
	ByDay          map[string]int `json:"by_day"`
	DailyAverage   float64        `json:"daily_average"`
}

type CardFavorites struct {
	Total   int `json:"total"`
	Adds    int `json:"adds"`
	Removes int `json:"removes"`
	Net     int `json:"net"`
}

type CardPriceChecks struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

type CardPerformanceReport struct {
	CardID          string          `json:"card_id"`
	DaysBack        int             `json:"days_back"`
	Views           CardViews       `json:"views"`
	Favorites       CardFavorites   `json:"favorites"`
	PriceChecks     CardPriceChecks `json:"price_checks"`
	EngagementScore int             `json:"engagement_score"`
	Popularity      string          `json:"popularity"`
}

type ReportPeriod struct {
	Days      int       `json:"days"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

type AnalyticsReport struct {
	Period       ReportPeriod        `json:"period"`
	UserBehavior *UserBehaviorReport `json:"user_behavior"`
	Search       *SearchReport       `json:"search"`
	Insights     []Insight           `json:"insights"`
	GeneratedAt  time.Time           `json:"generated_at"`
}

func (e *AnalyticsEngine) listEvents(ctx context.Context, key string, f database.EventFilter) ([]models.AnalyticsEvent, error) {
	return Query(ctx, e.executor, database.TableEvents, func(ctx context.Context) ([]models.AnalyticsEvent, error) {
		return e.store.ListEvents(ctx, f)
	}, QueryOptions{CacheKey: AnalyticsKeyPrefix + key, CacheTTL: ReportCacheTTL})
}

func (e *AnalyticsEngine) GetUserBehaviorAnalytics(ctx context.Context, daysBack int) (*UserBehaviorReport, error) {
	if daysBack <= 0 {
		daysBack = DefaultReportDays
	}
	events, err := e.listEvents(ctx, fmt.Sprintf("events_%d", daysBack), database.EventFilter{
		Since: e.now().UTC().AddDate(0, 0, -daysBack),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load behavior events: %w", err)
	}
	report := AnalyzeUserBehavior(events)
	report.DaysBack = daysBack
	return report, nil
}

func (e *AnalyticsEngine) GetSearchAnalytics(ctx context.Context, daysBack int) (*SearchReport, error) {
	if daysBack <= 0 {
		daysBack = DefaultReportDays
	}
	events, err := e.listEvents(ctx, fmt.Sprintf("search_%d", daysBack), database.EventFilter{
		Since: e.now().UTC().AddDate(0, 0, -daysBack),
		Types: []models.EventType{models.EventSearch},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load search events: %w", err)
	}
	report := AnalyzeSearches(events)
	report.DaysBack = daysBack
	return report, nil
}

func (e *AnalyticsEngine) GetCardPerformanceAnalytics(ctx context.Context, cardID string, daysBack int) (*CardPerformanceReport, error) {
	if daysBack <= 0 {
		daysBack = DefaultCardReportDays
	}
	events, err := e.listEvents(ctx, fmt.Sprintf("card_%s_%d", cardID, daysBack), database.EventFilter{
		Since:  e.now().UTC().AddDate(0, 0, -daysBack),
		Types:  []models.EventType{models.EventCardView, models.EventCardFavorite, models.EventCardPriceCheck},
		CardID: cardID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load card events: %w", err)
	}
	report := AnalyzeCardPerformance(events)
	report.CardID = cardID
	report.DaysBack = daysBack
	return report, nil
}

// GenerateAnalyticsReport builds the behavior and search reports side by side.
func (e *AnalyticsEngine) GenerateAnalyticsReport(ctx context.Context, daysBack int) (*AnalyticsReport, error) {
	if daysBack <= 0 {
		daysBack = DefaultReportDays
	}
	now := e.now().UTC()
	report := &AnalyticsReport{
		Period: ReportPeriod{
			Days:      daysBack,
			StartDate: now.AddDate(0, 0, -daysBack),
			EndDate:   now,
		},
		GeneratedAt: now,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		behavior, err := e.GetUserBehaviorAnalytics(gctx, daysBack)
		report.UserBehavior = behavior
		return err
	})
	g.Go(func() error {
		search, err := e.GetSearchAnalytics(gctx, daysBack)
		report.Search = search
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Insights = append(report.Insights, report.Search.Insights...)
	if report.UserBehavior.Overview.AvgEventsPerSession > engagementInsightThreshold {
		report.Insights = append(report.Insights, engagementInsight(report.UserBehavior.Overview.AvgEventsPerSession))
	}
	if report.Insights == nil {
		report.Insights = []Insight{}
	}

	e.log.Info("Analytics report generated")
	return report, nil
}

// AnalyzeUserBehavior aggregates raw events into a behavior report. Hours are UTC.
func AnalyzeUserBehavior(events []models.AnalyticsEvent) *UserBehaviorReport {
	report := &UserBehaviorReport{
		EventTypes:         make(map[string]int),
		HourlyDistribution: make(map[int]int),
		PopularCards:       []PopularCard{},
		SearchTerms:        []TermCount{},
	}

	sessions := make(map[string]struct{})
	users := make(map[string]struct{})
	cardViews := make(map[[2]string]int)
	terms := make(map[string]int)

	for _, ev := range events {
		sessions[ev.SessionID] = struct{}{}
		if ev.UserID != nil && *ev.UserID != "" {
			users[*ev.UserID] = struct{}{}
		}
		report.EventTypes[string(ev.EventType)]++
		report.HourlyDistribution[ev.CreatedAt.UTC().Hour()]++

		switch ev.EventType {
		case models.EventCardView:
			if id := ev.StringField("card_id"); id != "" {
				cardViews[[2]string{id, ev.StringField("card_name")}]++
			}
		case models.EventSearch:
			if term := normalizeQuery(ev.StringField("query")); term != "" {
				terms[term]++
			}
		}
	}

	report.Overview = BehaviorOverview{
		TotalEvents:    len(events),
		UniqueSessions: len(sessions),
		UniqueUsers:    len(users),
	}
	if len(sessions) > 0 {
		report.Overview.AvgEventsPerSession = roundTo(float64(len(events))/float64(len(sessions)), 2)
	}

	for k, n := range cardViews {
		report.PopularCards = append(report.PopularCards, PopularCard{CardID: k[0], CardName: k[1], Views: n})
	}
	sort.Slice(report.PopularCards, func(i, j int) bool {
		a, b := report.PopularCards[i], report.PopularCards[j]
		if a.Views != b.Views {
			return a.Views > b.Views
		}
		return a.CardID < b.CardID
	})
	if len(report.PopularCards) > popularCardsLimit {
		report.PopularCards = report.PopularCards[:popularCardsLimit]
	}

	report.SearchTerms = rankTerms(terms, searchTermsLimit)
	return report
}

// AnalyzeSearches aggregates search events into a search report.
func AnalyzeSearches(events []models.AnalyticsEvent) *SearchReport {
	report := &SearchReport{
		QueryLengthDistribution: map[string]int{"short": 0, "medium": 0, "long": 0},
		EmptyResults:            []string{},
		LowResultQueries:        []string{},
		Trends: SearchTrends{
			ByHour: make(map[int]int),
			ByDay:  make(map[string]int),
		},
	}

	sessions := make(map[string]struct{})
	queries := make(map[string]int)
	seenEmpty := make(map[string]bool)
	seenLow := make(map[string]bool)

	for _, ev := range events {
		if ev.EventType != models.EventSearch {
			continue
		}
		report.Overview.TotalSearches++
		sessions[ev.SessionID] = struct{}{}

		raw := strings.TrimSpace(ev.StringField("query"))
		term := strings.ToLower(raw)
		queries[term]++

		switch n := utf8.RuneCountInString(raw); {
		case n < 5:
			report.QueryLengthDistribution["short"]++
		case n < 15:
			report.QueryLengthDistribution["medium"]++
		default:
			report.QueryLengthDistribution["long"]++
		}

		results, _ := ev.NumberField("results_count")
		switch {
		case results == 0:
			if !seenEmpty[term] && len(report.EmptyResults) < queryListLimit {
				seenEmpty[term] = true
				report.EmptyResults = append(report.EmptyResults, term)
			}
		case results < lowResultThreshold:
			if !seenLow[term] && len(report.LowResultQueries) < queryListLimit {
				seenLow[term] = true
				report.LowResultQueries = append(report.LowResultQueries, term)
			}
		}

		at := ev.CreatedAt.UTC()
		report.Trends.ByHour[at.Hour()]++
		report.Trends.ByDay[at.Format(dayLayout)]++
	}

	delete(queries, "")
	report.Overview.UniqueQueries = len(queries)
	report.Overview.UniqueSessions = len(sessions)
	if len(sessions) > 0 {
		report.Overview.AvgSearchesPerSession = roundTo(float64(report.Overview.TotalSearches)/float64(len(sessions)), 2)
	}
	report.TopQueries = rankTerms(queries, searchTermsLimit)
	report.Insights = searchInsights(report)
	return report
}

func searchInsights(r *SearchReport) []Insight {
	insights := []Insight{}

	if len(r.EmptyResults) > 0 {
		insights = append(insights, Insight{
			Type:       "empty_results",
			Message:    fmt.Sprintf("%d distinct searches returned no results", len(r.EmptyResults)),
			Impact:     "negative",
			Suggestion: "Review catalog coverage for these queries",
		})
	}

	total := r.Overview.TotalSearches
	if total > 0 && float64(r.QueryLengthDistribution["short"])/float64(total) > shortQueryShare {
		insights = append(insights, Insight{
			Type:       "short_queries",
			Message:    "Most searches use very short queries",
			Impact:     "neutral",
			Suggestion: "Offer suggestions for short queries",
		})
	}

	if hour, ok := peakHour(r.Trends.ByHour); ok {
		insights = append(insights, Insight{
			Type:       "peak_hour",
			Message:    fmt.Sprintf("Peak search time is %02d:00 UTC", hour),
			Impact:     "positive",
			Suggestion: "Schedule collection and maintenance away from this hour",
		})
	}
	return insights
}

// peakHour returns the busiest hour, the earliest one on ties.
func peakHour(byHour map[int]int) (int, bool) {
	best, bestCount := -1, 0
	for hour, n := range byHour {
		if n > bestCount || (n == bestCount && hour < best) {
			best, bestCount = hour, n
		}
	}
	return best, best >= 0
}

// AnalyzeCardPerformance aggregates card-scoped view, favorite and price-check events.
func AnalyzeCardPerformance(events []models.AnalyticsEvent) *CardPerformanceReport {
	report := &CardPerformanceReport{
		Views:       CardViews{ByDay: make(map[string]int)},
		PriceChecks: CardPriceChecks{ByType: make(map[string]int)},
	}

	viewSessions := make(map[string]struct{})
	for _, ev := range events {
		switch ev.EventType {
		case models.EventCardView:
			report.Views.Total++
			viewSessions[ev.SessionID] = struct{}{}
			report.Views.ByDay[ev.CreatedAt.UTC().Format(dayLayout)]++
		case models.EventCardFavorite:
			report.Favorites.Total++
			switch ev.StringField("action") {
			case "add":
				report.Favorites.Adds++
			case "remove":
				report.Favorites.Removes++
			}
		case models.EventCardPriceCheck:
			report.PriceChecks.Total++
			priceType := ev.StringField("price_type")
			if priceType == "" {
				priceType = "unknown"
			}
			report.PriceChecks.ByType[priceType]++
		}
	}

	report.Views.UniqueSessions = len(viewSessions)
	if days := len(report.Views.ByDay); days > 0 {
		report.Views.DailyAverage = roundTo(float64(report.Views.Total)/float64(days), 2)
	}
	report.Favorites.Net = report.Favorites.Adds - report.Favorites.Removes

	report.EngagementScore = EngagementScore(report.Views.Total, report.Favorites.Adds, report.PriceChecks.Total, report.Views.UniqueSessions)
	report.Popularity = Popularity(report.EngagementScore)
	return report
}

// EngagementScore is min(views,50) + 5*favoriteAdds + 2*priceChecks + 3*uniqueSessions.
func EngagementScore(views, favoriteAdds, priceChecks, uniqueSessions int) int {
	if views > engagementViewCeiling {
		views = engagementViewCeiling
	}
	return views + 5*favoriteAdds + 2*priceChecks + 3*uniqueSessions
}

func Popularity(score int) string {
	switch {
	case score >= highPopularityScore:
		return "high"
	case score >= mediumPopularityScore:
		return "medium"
	default:
		return "low"
	}
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func rankTerms(counts map[string]int, limit int) []TermCount {
	out := make([]TermCount, 0, len(counts))
	for term, n := range counts {
		out = append(out, TermCount{Term: term, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
