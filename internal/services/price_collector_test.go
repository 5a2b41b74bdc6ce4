package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/models"
	"github.com/mappy4ever/DexTrends-sub010/internal/pubsub"
)

type fakePriceSource struct {
	mu       sync.Mutex
	catalog  map[string]pokemonCard
	searches map[string][]pokemonCard
	// failures[id] errors are returned, in order, before the card is served
	failures map[string][]error
	calls    map[string]int
}

func newFakePriceSource() *fakePriceSource {
	return &fakePriceSource{
		catalog:  make(map[string]pokemonCard),
		searches: make(map[string][]pokemonCard),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

func (f *fakePriceSource) add(query string, cards ...pokemonCard) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cards {
		if _, ok := f.catalog[c.ID]; !ok {
			f.catalog[c.ID] = c
		}
	}
	f.searches[query] = append(f.searches[query], cards...)
}

func (f *fakePriceSource) SearchCards(ctx context.Context, query string, pageSize int, orderBy string) ([]pokemonCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches[query], nil
}

func (f *fakePriceSource) GetCard(ctx context.Context, id string) (*pokemonCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if errs := f.failures[id]; len(errs) > 0 {
		f.failures[id] = errs[1:]
		return nil, errs[0]
	}
	card, ok := f.catalog[id]
	if !ok {
		return nil, nil
	}
	return &card, nil
}

func (f *fakePriceSource) Calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func pricedCard(id string, prices map[string]pokemonPriceSet) pokemonCard {
	return pokemonCard{
		ID:     id,
		Name:   "Card " + id,
		Rarity: "Rare Holo",
		Set:    pokemonSet{ID: "base1", Name: "Base", ReleaseDate: "1999/01/09"},
		TCGPlayer: &pokemonTCGPrice{
			URL:       "https://prices.example/" + id,
			UpdatedAt: "2026/10/01",
			Prices:    prices,
		},
	}
}

func testCollectorConfig() CollectorConfig {
	return CollectorConfig{
		BatchSize:      2,
		MaxRetries:     3,
		FlushThreshold: 100,
		StoreChunkSize: 50,
	}
}

func newTestCollector(t *testing.T, source priceSource, cfg CollectorConfig) (*PriceCollector, *pubsub.Bus, *sleepRecorder) {
	t.Helper()
	store := newTestStore(t)
	executor, _ := newTestExecutor()
	bus := pubsub.NewBus(zap.NewNop())
	c := NewPriceCollector(source, store, executor, bus, cfg, zap.NewNop())
	rec := &sleepRecorder{}
	c.SetSleeper(rec.Sleep)
	return c, bus, rec
}

func TestCollect_StoresSamplesForTopCards(t *testing.T) {
	source := newFakePriceSource()
	source.add(trendingQueries[0],
		pricedCard("base1-4", map[string]pokemonPriceSet{
			"holofoil":        {Low: 300, Mid: 350, High: 500, Market: 400},
			"reverseHolofoil": {Low: 20, Mid: 25, High: 30, Market: 26},
		}),
		pricedCard("base1-58", map[string]pokemonPriceSet{
			"normal": {Low: 1, Mid: 2, High: 3, Market: 2},
		}),
		pokemonCard{ID: "unpriced", Name: "No Prices"},
	)
	source.add(trendingQueries[1],
		pricedCard("neo1-9", map[string]pokemonPriceSet{
			"normal":       {Low: 50, Mid: 60, High: 80, Market: 70},
			"mysteryPrint": {Low: 1, Market: 1},
		}),
		// duplicates across segments are collected once
		pricedCard("base1-4", map[string]pokemonPriceSet{
			"holofoil": {Low: 300, Mid: 350, High: 500, Market: 400},
		}),
	)

	collector, bus, _ := newTestCollector(t, source, testCollectorConfig())
	updates, cancel := bus.Subscribe(pubsub.TopicCollectionUpdate, 4)
	defer cancel()

	result := collector.Collect(context.Background(), 2)
	require.True(t, result.Success, result.Error)
	assert.NotEmpty(t, result.JobID)
	assert.Regexp(t, `^batch_\d+$`, result.BatchID)
	assert.Equal(t, 2, result.Stats.Processed)
	assert.Equal(t, 2, result.Stats.Successful)
	assert.Equal(t, 0, result.Stats.Errors)
	// holofoil + reverseHolofoil for base1-4, normal for neo1-9; unknown variant skipped
	assert.Equal(t, int64(3), result.Stats.Stored)

	assert.Equal(t, 1, source.Calls("base1-4"))
	assert.Equal(t, 1, source.Calls("neo1-9"))
	assert.Equal(t, 0, source.Calls("base1-58"), "lowest priced card is outside the limit")
	assert.False(t, collector.IsRunning())

	job, err := collector.store.LatestCollectionJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobCompleted, job.Status)
	assert.Equal(t, 2, job.CardsProcessed)
	assert.Equal(t, 2, job.CardsUpdated)
	assert.NotNil(t, job.CompletedAt)

	samples, err := collector.store.PriceHistorySince(context.Background(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for _, s := range samples {
		assert.Equal(t, result.BatchID, s.BatchID)
		assert.Equal(t, "1999/01/09", s.ReleaseDate)
	}

	select {
	case msg := <-updates:
		notice, ok := msg.Payload.(CollectionNotice)
		require.True(t, ok)
		assert.Equal(t, models.JobCompleted, notice.Status)
		assert.Equal(t, result.JobID, notice.JobID)
	default:
		t.Fatal("expected a collection update")
	}
}

func TestCollect_RejectsConcurrentRun(t *testing.T) {
	collector, _, _ := newTestCollector(t, newFakePriceSource(), testCollectorConfig())

	collector.mu.Lock()
	collector.running = true
	collector.mu.Unlock()

	result := collector.Collect(context.Background(), 10)
	assert.False(t, result.Success)
	assert.True(t, result.Rejected)
	assert.Equal(t, "collection already in progress", result.Error)
	assert.Empty(t, result.JobID)

	job, err := collector.store.LatestCollectionJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job, "rejected run must not create a job")
}

func TestCollect_LeaseRejectsWhenAnotherJobRuns(t *testing.T) {
	cfg := testCollectorConfig()
	cfg.LeaseEnabled = true
	collector, _, _ := newTestCollector(t, newFakePriceSource(), cfg)

	require.NoError(t, collector.store.CreateCollectionJob(context.Background(), &models.CollectionJob{
		ID:        "other-instance",
		JobType:   models.JobTypeEnhancedTrending,
		Status:    models.JobRunning,
		BatchID:   "batch_1",
		StartedAt: time.Now().UTC(),
	}))

	result := collector.Collect(context.Background(), 10)
	assert.False(t, result.Success)
	assert.True(t, result.Rejected)
	assert.Contains(t, result.Error, "collection already in progress")
	assert.Contains(t, result.Error, "other-instance")
}

func TestCollect_RetriesRateLimitedCards(t *testing.T) {
	source := newFakePriceSource()
	source.add(trendingQueries[0], pricedCard("base1-4", map[string]pokemonPriceSet{
		"holofoil": {Low: 300, Mid: 350, High: 500, Market: 400},
	}))
	source.failures["base1-4"] = []error{ErrRateLimited, ErrRateLimited}

	collector, _, rec := newTestCollector(t, source, testCollectorConfig())

	result := collector.Collect(context.Background(), 1)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.Stats.Successful)
	assert.Equal(t, 3, source.Calls("base1-4"))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, rec.Delays())
}

func TestCollect_GivesUpAfterMaxRetries(t *testing.T) {
	source := newFakePriceSource()
	source.add(trendingQueries[0], pricedCard("base1-4", map[string]pokemonPriceSet{
		"holofoil": {Low: 300, Mid: 350, High: 500, Market: 400},
	}))
	boom := errors.New("connection reset")
	source.failures["base1-4"] = []error{boom, boom, boom, boom, boom}

	cfg := testCollectorConfig()
	cfg.MaxRetries = 2
	collector, _, rec := newTestCollector(t, source, cfg)

	result := collector.Collect(context.Background(), 1)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, 1, result.Stats.Processed)
	assert.Equal(t, 0, result.Stats.Successful)
	assert.Equal(t, 1, result.Stats.Errors)
	assert.Equal(t, int64(0), result.Stats.Stored)
	assert.Equal(t, 3, source.Calls("base1-4"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.Delays())
}

func TestCollect_FlushesAtThreshold(t *testing.T) {
	source := newFakePriceSource()
	source.add(trendingQueries[0],
		pricedCard("a", map[string]pokemonPriceSet{"holofoil": {Low: 1, High: 3, Market: 30}}),
		pricedCard("b", map[string]pokemonPriceSet{"holofoil": {Low: 1, High: 3, Market: 20}}),
		pricedCard("c", map[string]pokemonPriceSet{"holofoil": {Low: 1, High: 3, Market: 10}}),
	)

	cfg := testCollectorConfig()
	cfg.BatchSize = 1
	cfg.FlushThreshold = 2
	collector, bus, _ := newTestCollector(t, source, cfg)
	updates, cancel := bus.Subscribe(pubsub.TopicPriceUpdate, 8)
	defer cancel()

	result := collector.Collect(context.Background(), 3)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, int64(3), result.Stats.Stored)

	// one threshold flush after the second card and a final flush for the third
	var stored []int64
	for len(updates) > 0 {
		msg := <-updates
		stored = append(stored, msg.Payload.(PriceUpdateNotice).Stored)
	}
	assert.Equal(t, []int64{2, 1}, stored)
}

func TestCollect_InvalidatesCachedHistory(t *testing.T) {
	source := newFakePriceSource()
	source.add(trendingQueries[0], pricedCard("base1-4", map[string]pokemonPriceSet{
		"holofoil": {Low: 300, Mid: 350, High: 500, Market: 400},
	}))
	collector, _, _ := newTestCollector(t, source, testCollectorConfig())
	collector.executor.cache.Set(PriceHistoryKeyPrefix+"base1-4_holofoil_30", []models.PriceSample{}, time.Minute)
	collector.executor.cache.Set(MarketTrendsKeyPrefix+"7", &MarketTrendAnalysis{}, time.Minute)

	result := collector.Collect(context.Background(), 1)
	require.True(t, result.Success, result.Error)

	_, ok := collector.executor.cache.Get(PriceHistoryKeyPrefix + "base1-4_holofoil_30")
	assert.False(t, ok)
	_, ok = collector.executor.cache.Get(MarketTrendsKeyPrefix + "7")
	assert.False(t, ok)
}

func TestDiscoverTrendingCards_RanksByRepresentativePrice(t *testing.T) {
	source := newFakePriceSource()
	source.add(trendingQueries[3],
		pricedCard("no-holo", map[string]pokemonPriceSet{
			"normal":          {Market: 5},
			"reverseHolofoil": {Market: 15},
		}),
		pricedCard("holo", map[string]pokemonPriceSet{"holofoil": {Market: 10}}),
	)
	collector, _, rec := newTestCollector(t, source, CollectorConfig{QueryDelay: 200 * time.Millisecond})

	cards, err := collector.discoverTrendingCards(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "no-holo", cards[0].ID)
	assert.Equal(t, "holo", cards[1].ID)
	assert.Len(t, rec.Delays(), len(trendingQueries)-1)
}

func TestBackoffSchedules(t *testing.T) {
	assert.Equal(t, 2*time.Second, RateLimitBackoff(0))
	assert.Equal(t, 4*time.Second, RateLimitBackoff(1))
	assert.Equal(t, 8*time.Second, RateLimitBackoff(2))
	assert.Equal(t, time.Second, TransientBackoff(0))
	assert.Equal(t, 3*time.Second, TransientBackoff(2))
}

// cancellingSource cancels the run context on the first card fetch.
type cancellingSource struct {
	*fakePriceSource
	cancel context.CancelFunc
}

func (s *cancellingSource) GetCard(ctx context.Context, id string) (*pokemonCard, error) {
	s.cancel()
	return nil, ctx.Err()
}

func TestCollect_CancelledRunMarksJobFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := newFakePriceSource()
	fake.add(trendingQueries[0], pricedCard("base1-4", map[string]pokemonPriceSet{
		"holofoil": {Low: 300, Mid: 350, High: 500, Market: 400},
	}))
	collector, bus, _ := newTestCollector(t, &cancellingSource{fakePriceSource: fake, cancel: cancel}, testCollectorConfig())
	updates, unsubscribe := bus.Subscribe(pubsub.TopicCollectionUpdate, 4)
	defer unsubscribe()

	result := collector.Collect(ctx, 1)
	assert.False(t, result.Success)
	assert.False(t, result.Rejected)
	assert.Contains(t, result.Error, context.Canceled.Error())
	require.NotEmpty(t, result.JobID)
	assert.False(t, collector.IsRunning())

	job, err := collector.store.LatestCollectionJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, result.JobID, job.ID)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, context.Canceled.Error())
	assert.NotNil(t, job.CompletedAt)

	select {
	case msg := <-updates:
		notice, ok := msg.Payload.(CollectionNotice)
		require.True(t, ok)
		assert.Equal(t, models.JobFailed, notice.Status)
		assert.Equal(t, job.ID, notice.JobID)
	default:
		t.Fatal("expected a failed collection update")
	}
}

// failingInsertStore refuses every price sample write.
type failingInsertStore struct {
	CollectorStore
	err error
}

func (s *failingInsertStore) InsertPriceSamples(ctx context.Context, samples []models.PriceSample) (int64, error) {
	return 0, s.err
}

func TestCollect_StoreFailureMarksJobFailed(t *testing.T) {
	source := newFakePriceSource()
	source.add(trendingQueries[0], pricedCard("base1-4", map[string]pokemonPriceSet{
		"holofoil": {Low: 300, Mid: 350, High: 500, Market: 400},
	}))

	store := newTestStore(t)
	executor, _ := newTestExecutor()
	bus := pubsub.NewBus(zap.NewNop())
	failing := &failingInsertStore{CollectorStore: store, err: errors.New("disk full")}
	collector := NewPriceCollector(source, failing, executor, bus, testCollectorConfig(), zap.NewNop())
	collector.SetSleeper((&sleepRecorder{}).Sleep)
	updates, unsubscribe := bus.Subscribe(pubsub.TopicCollectionUpdate, 4)
	defer unsubscribe()

	result := collector.Collect(context.Background(), 1)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "disk full")

	job, err := store.GetCollectionJob(context.Background(), result.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "failed to store price samples")
	assert.Equal(t, 1, job.CardsProcessed)

	msg := <-updates
	notice, ok := msg.Payload.(CollectionNotice)
	require.True(t, ok)
	assert.Equal(t, models.JobFailed, notice.Status)
}
