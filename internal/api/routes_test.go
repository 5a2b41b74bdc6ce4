package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/api/handlers"
	"github.com/mappy4ever/DexTrends-sub010/internal/cache"
	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/pubsub"
	"github.com/mappy4ever/DexTrends-sub010/internal/services"
)

const testToken = "s3cret"

type testApp struct {
	router *gin.Engine
	svc    Services
}

func newTestApp(t *testing.T, adminToken string) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name), log)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	store := database.NewStore(db)

	executor := services.NewQueryExecutor(cache.New(100), log)
	bus := pubsub.NewBus(log)
	source := services.NewPokemonTCGService("", "http://127.0.0.1:1", 1000)
	collector := services.NewPriceCollector(source, store, executor, bus, services.DefaultCollectorConfig(), log)
	engine := services.NewAnalyticsEngine(store, executor, services.AnalyticsConfig{}, log)
	maintenance := services.NewMaintenanceWorker(services.NewMaintenanceService(store, executor, log), 0, log)
	batch := services.NewBatchExecutor(store, log)
	batch.SetSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	svc := Services{
		Store:       store,
		Executor:    executor,
		Batch:       batch,
		Cards:       services.NewCardQueries(store, executor),
		Collector:   collector,
		Scheduler:   services.NewCollectionScheduler(collector, store, false, log),
		Analytics:   engine,
		Dashboard:   services.NewDashboardService(engine, collector, store, executor, log),
		Maintenance: maintenance,
		Bus:         bus,
	}
	router := SetupRouter(svc, RouterConfig{AdminToken: adminToken}, log)
	return &testApp{router: router, svc: svc}
}

func (a *testApp) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAdminRoutes_TokenRules(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		headers    map[string]string
		want       int
	}{
		{name: "token not configured", configured: "", headers: bearer("anything"), want: http.StatusServiceUnavailable},
		{name: "missing token", configured: testToken, want: http.StatusUnauthorized},
		{name: "wrong token", configured: testToken, headers: bearer("nope"), want: http.StatusUnauthorized},
		{name: "not a bearer header", configured: testToken, headers: map[string]string{"Authorization": testToken}, want: http.StatusUnauthorized},
		{name: "valid token", configured: testToken, headers: bearer(testToken), want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, tt.configured)
			w := app.do(http.MethodGet, "/api/admin/performance", nil, tt.headers)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCollectRequiresToken(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodPost, "/api/collector/collect", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, app.svc.Collector.IsRunning())
}

func TestTrackEvent_MintsSessionCookie(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodPost, "/api/analytics/events", map[string]any{
		"event_type": "card_view",
		"data":       map[string]any{"card_id": "base1-4", "card_name": "Charizard"},
	}, map[string]string{"User-Agent": "test-agent"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body["session_id"], "session_"))

	var cookie *http.Cookie
	for _, ck := range w.Result().Cookies() {
		if ck.Name == handlers.SessionCookieName {
			cookie = ck
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, body["session_id"], cookie.Value)
	assert.Equal(t, 365*24*60*60, cookie.MaxAge)
	assert.Equal(t, 1, app.svc.Analytics.QueueSize())
}

func TestTrackEvent_ReusesSession(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodPost, "/api/analytics/events", map[string]any{"event_type": "page_view"},
		map[string]string{"Cookie": handlers.SessionCookieName + "=session_existing"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Result().Cookies())

	w = app.do(http.MethodPost, "/api/analytics/events", map[string]any{"event_type": "page_view"},
		map[string]string{handlers.SessionHeader: "cli-session"})
	require.Equal(t, http.StatusAccepted, w.Code)

	s, ok := app.svc.Analytics.Session("session_existing")
	require.True(t, ok)
	assert.Equal(t, 1, s.EventCount)
	_, ok = app.svc.Analytics.Session("cli-session")
	assert.True(t, ok)
}

func TestTrackEvent_Validation(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodPost, "/api/analytics/events", map[string]any{"event_type": "card_explode"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.do(http.MethodPost, "/api/analytics/events", map[string]any{"data": map[string]any{}}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, app.svc.Analytics.QueueSize())
}

func TestAnalyticsFlushAndReports(t *testing.T) {
	app := newTestApp(t, testToken)
	headers := map[string]string{handlers.SessionHeader: "s1"}

	app.do(http.MethodPost, "/api/analytics/events", map[string]any{
		"event_type": "search",
		"data":       map[string]any{"query": "mew", "results_count": 0},
	}, headers)
	app.do(http.MethodPost, "/api/analytics/events", map[string]any{
		"event_type": "card_view",
		"data":       map[string]any{"card_id": "base1-4"},
	}, headers)

	w := app.do(http.MethodPost, "/api/analytics/flush", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, app.svc.Analytics.QueueSize())

	w = app.do(http.MethodGet, "/api/analytics/search?days=7", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var search services.SearchReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &search))
	assert.Equal(t, 1, search.Overview.TotalSearches)
	assert.Equal(t, []string{"mew"}, search.EmptyResults)

	w = app.do(http.MethodGet, "/api/analytics/cards/base1-4", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var card services.CardPerformanceReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	assert.Equal(t, 1, card.Views.Total)
	assert.Equal(t, services.DefaultCardReportDays, card.DaysBack)

	w = app.do(http.MethodGet, "/api/analytics/report?days=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLifecycleHooks(t *testing.T) {
	app := newTestApp(t, testToken)
	headers := map[string]string{handlers.SessionHeader: "s1"}

	w := app.do(http.MethodPost, "/api/analytics/lifecycle/suspend", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, app.svc.Analytics.QueueSize(), "suspend flushes")

	w = app.do(http.MethodPost, "/api/analytics/lifecycle/resume", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, app.svc.Analytics.QueueSize())

	w = app.do(http.MethodPost, "/api/analytics/lifecycle/explode", nil, headers)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedule(t *testing.T) {
	app := newTestApp(t, testToken)
	t.Cleanup(func() { app.svc.Scheduler.ScheduleCollection(0) })

	w := app.do(http.MethodPost, "/api/collector/schedule", map[string]any{"interval_hours": 12}, bearer(testToken))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"interval_hours":12}`, w.Body.String())

	w = app.do(http.MethodGet, "/api/collector/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status services.CollectorStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 12, status.IntervalHours)
	assert.False(t, status.HasAPIKey)

	w = app.do(http.MethodPost, "/api/collector/schedule", map[string]any{}, bearer(testToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = app.do(http.MethodPost, "/api/collector/schedule", map[string]any{"interval_hours": -1}, bearer(testToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrends_EmptyHistory(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodGet, "/api/collector/trends?days=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var analysis services.MarketTrendAnalysis
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &analysis))
	assert.Equal(t, 3, analysis.DaysBack)
	assert.Empty(t, analysis.TopGainers)
}

func TestCardRoutes_Validation(t *testing.T) {
	app := newTestApp(t, testToken)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "search", path: "/api/cards/search?q=char", want: http.StatusOK},
		{name: "bad sort", path: "/api/cards/search?sort_by=rarity", want: http.StatusBadRequest},
		{name: "bad limit", path: "/api/cards/search?limit=-1", want: http.StatusBadRequest},
		{name: "history", path: "/api/cards/base1-4/history?variant=normal&days=7", want: http.StatusOK},
		{name: "bad variant", path: "/api/cards/base1-4/history?variant=shiny", want: http.StatusBadRequest},
		{name: "bad days", path: "/api/cards/base1-4/history?days=-3", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.do(http.MethodGet, tt.path, nil, nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestExecuteBatch(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodPost, "/api/admin/batch/pokemon_cache", map[string]any{
		"operations": []map[string]any{
			{"type": "insert", "data": map[string]any{"pokemon_id": 25, "name": "pikachu", "data": "{}"}},
			{"type": "delete"},
		},
	}, bearer(testToken))
	require.Equal(t, http.StatusOK, w.Code)

	var result services.BatchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.SuccessCount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)

	w = app.do(http.MethodPost, "/api/admin/batch/card_price_history", map[string]any{
		"operations": []map[string]any{
			{"type": "update", "data": map[string]any{"price_market": 9999}, "conditions": map[string]any{"card_id": "base1-4"}},
		},
	}, bearer(testToken))
	require.Equal(t, http.StatusOK, w.Code)
	result = services.BatchResult{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 0, result.SuccessCount)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Error, "append-only")

	w = app.do(http.MethodPost, "/api/admin/batch/users", map[string]any{
		"operations": []map[string]any{{"type": "insert", "data": map[string]any{"a": 1}}},
	}, bearer(testToken))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = app.do(http.MethodPost, "/api/admin/batch/pokemon_cache", map[string]any{
		"operations": []map[string]any{{"type": "upsert"}},
	}, bearer(testToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaintenanceAndDashboard(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodGet, "/api/admin/maintenance", nil, bearer(testToken))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = app.do(http.MethodPost, "/api/admin/maintenance", nil, bearer(testToken))
	require.Equal(t, http.StatusOK, w.Code)
	var report services.MaintenanceReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Len(t, report.Tasks, 4)

	w = app.do(http.MethodGet, "/api/admin/maintenance", nil, bearer(testToken))
	assert.Equal(t, http.StatusOK, w.Code)

	w = app.do(http.MethodGet, "/api/admin/dashboard", nil, bearer(testToken))
	require.Equal(t, http.StatusOK, w.Code)
	var dashboard services.Dashboard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dashboard))
	assert.Equal(t, int64(0), dashboard.Overview.CachedCards)
	assert.Empty(t, dashboard.Insights)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, testToken)
	app.do(http.MethodGet, "/health", nil, nil)

	w := app.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tcg_http_requests_total")
}

func TestStream_UnknownTopic(t *testing.T) {
	app := newTestApp(t, testToken)

	w := app.do(http.MethodGet, "/api/stream/NOT_A_TOPIC", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream_RelaysMessages(t *testing.T) {
	app := newTestApp(t, testToken)
	server := httptest.NewServer(app.router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/stream/PRICE_UPDATE", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return app.svc.Bus.SubscriberCount(pubsub.TopicPriceUpdate) == 1
	}, 2*time.Second, 5*time.Millisecond)

	app.svc.Bus.Publish(context.Background(), pubsub.TopicPriceUpdate, map[string]any{"stored": 3})

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data:") {
				lines <- line
				return
			}
		}
	}()

	select {
	case line := <-lines:
		var msg pubsub.Message
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &msg))
		assert.Equal(t, pubsub.TopicPriceUpdate, msg.Topic)
		assert.Equal(t, map[string]any{"stored": float64(3)}, msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}
