package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/metrics"
	"github.com/mappy4ever/DexTrends-sub010/internal/models"
	"github.com/mappy4ever/DexTrends-sub010/internal/pubsub"
)

// ErrCollectionRunning rejects a run while another one is in progress.
var ErrCollectionRunning = errors.New("collection already in progress")

// trendingQueries each cover one era of catalog segments.
var trendingQueries = []string{
	"set.id:base1 OR set.id:base2 OR set.id:base3",
	"set.id:neo1 OR set.id:neo2 OR set.id:neo3",
	"set.id:ex1 OR set.id:ex2 OR set.id:ex3",
	"set.id:dp1 OR set.id:dp2 OR set.id:dp3",
	"set.id:hgss1 OR set.id:hgss2 OR set.id:hgss3",
	"set.id:bw1 OR set.id:bw2 OR set.id:bw3",
	"set.id:xy1 OR set.id:xy2 OR set.id:xy3",
	"set.id:sm1 OR set.id:sm2 OR set.id:sm3",
	"set.id:swsh1 OR set.id:swsh2 OR set.id:swsh3",
	"set.id:sv1 OR set.id:sv2 OR set.id:sv3",
}

const trendingOrderBy = "-tcgplayer.prices.holofoil.market"

// priceSource is the external API the collector polls. *PokemonTCGService implements it.
type priceSource interface {
	SearchCards(ctx context.Context, query string, pageSize int, orderBy string) ([]pokemonCard, error)
	GetCard(ctx context.Context, id string) (*pokemonCard, error)
}

// CollectorStore is the subset of the store the collector writes to.
type CollectorStore interface {
	CreateCollectionJob(ctx context.Context, job *models.CollectionJob) error
	UpdateJobProgress(ctx context.Context, id string, p database.JobProgress) error
	FinishJob(ctx context.Context, id string, status models.JobStatus, p database.JobProgress, errMsg string) error
	LatestCollectionJob(ctx context.Context) (*models.CollectionJob, error)
	ActiveJobSince(ctx context.Context, since time.Time) (*models.CollectionJob, error)
	InsertPriceSamples(ctx context.Context, samples []models.PriceSample) (int64, error)
	UpsertCardCache(ctx context.Context, entries []models.CardCacheEntry) error
	PriceHistorySince(ctx context.Context, since time.Time) ([]models.PriceSample, error)
}

type CollectorConfig struct {
	DefaultLimit    int
	BatchSize       int
	BatchDelay      time.Duration
	MaxRetries      int
	QueryDelay      time.Duration
	FlushThreshold  int
	StoreChunkSize  int
	StoreChunkDelay time.Duration
	CardCacheTTL    time.Duration
	// LeaseEnabled also refuses a run while another instance has a recent running job.
	LeaseEnabled bool
	LeaseWindow  time.Duration
}

func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		DefaultLimit:    200,
		BatchSize:       25,
		BatchDelay:      800 * time.Millisecond,
		MaxRetries:      3,
		QueryDelay:      200 * time.Millisecond,
		FlushThreshold:  100,
		StoreChunkSize:  50,
		StoreChunkDelay: 100 * time.Millisecond,
		CardCacheTTL:    24 * time.Hour,
		LeaseWindow:     2 * time.Hour,
	}
}

type CollectionStats struct {
	Processed  int       `json:"processed"`
	Successful int       `json:"successful"`
	Errors     int       `json:"errors"`
	Stored     int64     `json:"stored"`
	StartedAt  time.Time `json:"started_at"`
}

type CollectResult struct {
	Success bool `json:"success"`
	// Rejected is set when another collection already holds the run lock.
	Rejected bool            `json:"rejected,omitempty"`
	JobID    string          `json:"job_id,omitempty"`
	BatchID  string          `json:"batch_id,omitempty"`
	Stats    CollectionStats `json:"stats"`
	Error    string          `json:"error,omitempty"`
}

// PriceUpdateNotice is published on TopicPriceUpdate after each flush.
type PriceUpdateNotice struct {
	BatchID string   `json:"batch_id"`
	Stored  int64    `json:"stored"`
	CardIDs []string `json:"card_ids"`
}

// CollectionNotice is published on TopicCollectionUpdate when a run ends.
type CollectionNotice struct {
	JobID   string           `json:"job_id"`
	BatchID string           `json:"batch_id"`
	Status  models.JobStatus `json:"status"`
	Stats   CollectionStats  `json:"stats"`
}

// PriceCollector polls the price API for trending cards and records price history.
type PriceCollector struct {
	source   priceSource
	store    CollectorStore
	executor *QueryExecutor
	bus      *pubsub.Bus
	log      *zap.Logger
	cfg      CollectorConfig
	sleep    Sleeper
	now      func() time.Time

	mu      sync.Mutex
	running bool
	stats   CollectionStats
}

func NewPriceCollector(source priceSource, store CollectorStore, executor *QueryExecutor, bus *pubsub.Bus, cfg CollectorConfig, log *zap.Logger) *PriceCollector {
	defaults := DefaultCollectorConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = defaults.DefaultLimit
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = defaults.FlushThreshold
	}
	if cfg.StoreChunkSize <= 0 {
		cfg.StoreChunkSize = defaults.StoreChunkSize
	}
	if cfg.CardCacheTTL <= 0 {
		cfg.CardCacheTTL = defaults.CardCacheTTL
	}
	if cfg.LeaseWindow <= 0 {
		cfg.LeaseWindow = defaults.LeaseWindow
	}
	return &PriceCollector{
		source:   source,
		store:    store,
		executor: executor,
		bus:      bus,
		log:      log,
		cfg:      cfg,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func (c *PriceCollector) SetSleeper(s Sleeper) {
	c.sleep = s
}

// IsRunning returns whether a collection is currently in progress
func (c *PriceCollector) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// CurrentStats returns the counters of the running (or last) collection.
func (c *PriceCollector) CurrentStats() CollectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// DefaultLimit is used by callers that do not pass one.
func (c *PriceCollector) DefaultLimit() int {
	return c.cfg.DefaultLimit
}

// RateLimitBackoff is the wait after a 429 on retry attempt n (0-based): 2s, 4s, 8s, ...
func RateLimitBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 2 * time.Second
}

// TransientBackoff is the wait after any other failure on retry attempt n (0-based): 1s, 2s, 3s, ...
func TransientBackoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * time.Second
}

// run carries per-collection state that only the collecting goroutine touches.
type run struct {
	job     *models.CollectionJob
	pending []models.PriceSample
}

// Collect fetches up to limit trending cards and stores their price samples. A call made
// while another collection is running returns immediately with Success false.
func (c *PriceCollector) Collect(ctx context.Context, limit int) *CollectResult {
	if limit <= 0 {
		limit = c.cfg.DefaultLimit
	}

	c.mu.Lock()
	if c.running {
		stats := c.stats
		c.mu.Unlock()
		metrics.CollectorRunsTotal.WithLabelValues("rejected").Inc()
		return &CollectResult{Success: false, Rejected: true, Error: ErrCollectionRunning.Error(), Stats: stats}
	}
	c.running = true
	c.stats = CollectionStats{StartedAt: c.now().UTC()}
	c.mu.Unlock()

	metrics.CollectorRunning.Set(1)
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		metrics.CollectorRunning.Set(0)
		metrics.CollectorLastRunTimestamp.Set(float64(c.now().Unix()))
	}()

	if c.cfg.LeaseEnabled {
		active, err := Query(ctx, c.executor, database.TableCollectionJobs, func(ctx context.Context) (*models.CollectionJob, error) {
			return c.store.ActiveJobSince(ctx, c.now().UTC().Add(-c.cfg.LeaseWindow))
		}, QueryOptions{SkipCache: true})
		if err != nil {
			return c.failure(nil, fmt.Errorf("failed to check collection lease: %w", err))
		}
		if active != nil {
			metrics.CollectorRunsTotal.WithLabelValues("rejected").Inc()
			return &CollectResult{Success: false, Rejected: true, Error: fmt.Sprintf("%s (job %s)", ErrCollectionRunning, active.ID), Stats: c.CurrentStats()}
		}
	}

	startedAt := c.now().UTC()
	job := &models.CollectionJob{
		ID:        uuid.New().String(),
		JobType:   models.JobTypeEnhancedTrending,
		Status:    models.JobRunning,
		BatchID:   fmt.Sprintf("batch_%d", startedAt.UnixMilli()),
		StartedAt: startedAt,
	}
	_, err := Query(ctx, c.executor, database.TableCollectionJobs, func(ctx context.Context) (bool, error) {
		return true, c.store.CreateCollectionJob(ctx, job)
	}, QueryOptions{SkipCache: true})
	if err != nil {
		return c.failure(nil, err)
	}

	c.log.Info("Price collection started",
		zap.String("job_id", job.ID),
		zap.String("batch_id", job.BatchID),
		zap.Int("limit", limit))

	r := &run{job: job}
	if err := c.collect(ctx, r, limit); err != nil {
		return c.failure(job, err)
	}

	stats := c.CurrentStats()
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.finishJob(finishCtx, job, models.JobCompleted, stats, ""); err != nil {
		c.log.Error("Failed to mark collection job completed", zap.String("job_id", job.ID), zap.Error(err))
	}
	metrics.CollectorRunsTotal.WithLabelValues("completed").Inc()
	c.bus.Publish(finishCtx, pubsub.TopicCollectionUpdate, CollectionNotice{
		JobID:   job.ID,
		BatchID: job.BatchID,
		Status:  models.JobCompleted,
		Stats:   stats,
	})

	c.log.Info("Price collection completed",
		zap.String("job_id", job.ID),
		zap.Int("processed", stats.Processed),
		zap.Int("successful", stats.Successful),
		zap.Int("errors", stats.Errors),
		zap.Int64("stored", stats.Stored))

	return &CollectResult{Success: true, JobID: job.ID, BatchID: job.BatchID, Stats: stats}
}

func (c *PriceCollector) failure(job *models.CollectionJob, cause error) *CollectResult {
	stats := c.CurrentStats()
	metrics.CollectorRunsTotal.WithLabelValues("failed").Inc()
	c.log.Error("Price collection failed", zap.Error(cause))

	result := &CollectResult{Success: false, Stats: stats, Error: cause.Error()}
	if job == nil {
		return result
	}
	result.JobID = job.ID
	result.BatchID = job.BatchID

	// The run context may be what failed; the terminal status must still be written.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.finishJob(finishCtx, job, models.JobFailed, stats, cause.Error()); err != nil {
		c.log.Error("Failed to mark collection job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	c.bus.Publish(finishCtx, pubsub.TopicCollectionUpdate, CollectionNotice{
		JobID:   job.ID,
		BatchID: job.BatchID,
		Status:  models.JobFailed,
		Stats:   stats,
	})
	return result
}

func (c *PriceCollector) finishJob(ctx context.Context, job *models.CollectionJob, status models.JobStatus, stats CollectionStats, errMsg string) error {
	progress := database.JobProgress{Processed: stats.Processed, Updated: stats.Successful, Failed: stats.Errors}
	_, err := Query(ctx, c.executor, database.TableCollectionJobs, func(ctx context.Context) (bool, error) {
		err := c.store.FinishJob(ctx, job.ID, status, progress, errMsg)
		if errors.Is(err, database.ErrJobFinalized) {
			return false, nil
		}
		return err == nil, err
	}, QueryOptions{SkipCache: true})
	return err
}

func (c *PriceCollector) collect(ctx context.Context, r *run, limit int) error {
	cards, err := c.discoverTrendingCards(ctx, limit)
	if err != nil {
		return err
	}
	c.log.Info("Discovered trending cards", zap.Int("count", len(cards)))

	for start := 0; start < len(cards); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(cards) {
			end = len(cards)
		}
		batchStart := time.Now()

		fetched := c.fetchBatch(ctx, cards[start:end])
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("collection interrupted: %w", err)
		}
		collectedAt := c.now().UTC()

		var cacheRows []models.CardCacheEntry
		processed, successful, failed := 0, 0, 0
		for _, card := range fetched {
			processed++
			if card == nil {
				failed++
				continue
			}
			samples := buildPriceSamples(*card, r.job.BatchID, collectedAt)
			if len(samples) == 0 {
				failed++
			} else {
				successful++
				r.pending = append(r.pending, samples...)
			}
			cacheRows = append(cacheRows, buildCardCacheEntry(*card, collectedAt, c.cfg.CardCacheTTL))
		}
		c.addStats(processed, successful, failed, 0)
		metrics.CollectorCardsTotal.WithLabelValues("success").Add(float64(successful))
		metrics.CollectorCardsTotal.WithLabelValues("failed").Add(float64(failed))

		if len(cacheRows) > 0 {
			if err := c.store.UpsertCardCache(ctx, cacheRows); err != nil {
				c.log.Warn("Failed to refresh card cache", zap.Error(err))
			}
		}

		if len(r.pending) >= c.cfg.FlushThreshold {
			if err := c.flush(ctx, r); err != nil {
				return err
			}
		}

		metrics.PriceBatchDuration.Observe(time.Since(batchStart).Seconds())
		c.log.Debug("Processed card batch",
			zap.Int("from", start),
			zap.Int("to", end),
			zap.Int("total", len(cards)))

		if end < len(cards) {
			if err := c.sleep(ctx, c.cfg.BatchDelay); err != nil {
				return err
			}
		}
	}

	if len(r.pending) > 0 {
		return c.flush(ctx, r)
	}
	return nil
}

// discoverTrendingCards queries every catalog segment, keeps priced cards once each and
// ranks them by representative price.
func (c *PriceCollector) discoverTrendingCards(ctx context.Context, limit int) ([]pokemonCard, error) {
	pageSize := (limit + len(trendingQueries) - 1) / len(trendingQueries)

	seen := make(map[string]bool)
	var cards []pokemonCard
	for i, query := range trendingQueries {
		found, err := c.source.SearchCards(ctx, query, pageSize, trendingOrderBy)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.Warn("Trending query failed", zap.String("query", query), zap.Error(err))
		}
		for _, card := range found {
			if seen[card.ID] || !card.hasPrices() {
				continue
			}
			seen[card.ID] = true
			cards = append(cards, card)
		}

		if i < len(trendingQueries)-1 {
			if err := c.sleep(ctx, c.cfg.QueryDelay); err != nil {
				return nil, err
			}
		}
	}

	sort.SliceStable(cards, func(i, j int) bool {
		return cards[i].representativePrice() > cards[j].representativePrice()
	})
	if len(cards) > limit {
		cards = cards[:limit]
	}
	return cards, nil
}

// fetchBatch fetches every card concurrently. The result keeps input order; nil marks a
// card that could not be fetched.
func (c *PriceCollector) fetchBatch(ctx context.Context, batch []pokemonCard) []*pokemonCard {
	out := make([]*pokemonCard, len(batch))
	var wg sync.WaitGroup
	for i, card := range batch {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			out[i] = c.fetchCardWithRetry(ctx, id)
		}(i, card.ID)
	}
	wg.Wait()
	return out
}

func (c *PriceCollector) fetchCardWithRetry(ctx context.Context, id string) *pokemonCard {
	for attempt := 0; ; attempt++ {
		card, err := c.source.GetCard(ctx, id)
		if err == nil {
			return card
		}
		if ctx.Err() != nil {
			return nil
		}
		if attempt >= c.cfg.MaxRetries {
			c.log.Warn("Giving up on card after retries",
				zap.String("card_id", id),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return nil
		}

		delay := TransientBackoff(attempt)
		if errors.Is(err, ErrRateLimited) {
			delay = RateLimitBackoff(attempt)
		}
		c.log.Debug("Retrying card fetch",
			zap.String("card_id", id),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// flush writes pending samples in chunks and records progress on the job.
func (c *PriceCollector) flush(ctx context.Context, r *run) error {
	samples := r.pending
	r.pending = nil

	var stored int64
	for start := 0; start < len(samples); start += c.cfg.StoreChunkSize {
		end := start + c.cfg.StoreChunkSize
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[start:end]

		n, err := Query(ctx, c.executor, database.TablePriceHistory, func(ctx context.Context) (int64, error) {
			return c.store.InsertPriceSamples(ctx, chunk)
		}, QueryOptions{SkipCache: true})
		if err != nil {
			return fmt.Errorf("failed to store price samples: %w", err)
		}
		stored += n
		c.addStats(0, 0, 0, n)
		metrics.PriceSamplesStored.Add(float64(n))

		if end < len(samples) {
			if err := c.sleep(ctx, c.cfg.StoreChunkDelay); err != nil {
				return err
			}
		}
	}

	stats := c.CurrentStats()
	if err := c.store.UpdateJobProgress(ctx, r.job.ID, database.JobProgress{
		Processed: stats.Processed,
		Updated:   stats.Successful,
		Failed:    stats.Errors,
	}); err != nil {
		c.log.Warn("Failed to record job progress", zap.String("job_id", r.job.ID), zap.Error(err))
	}

	c.executor.InvalidatePrefix(PriceHistoryKeyPrefix)
	c.executor.InvalidatePrefix(MarketTrendsKeyPrefix)

	c.bus.Publish(ctx, pubsub.TopicPriceUpdate, PriceUpdateNotice{
		BatchID: r.job.BatchID,
		Stored:  stored,
		CardIDs: distinctCardIDs(samples),
	})
	c.log.Info("Stored price samples", zap.Int64("stored", stored), zap.String("batch_id", r.job.BatchID))
	return nil
}

func (c *PriceCollector) addStats(processed, successful, failed int, stored int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Processed += processed
	c.stats.Successful += successful
	c.stats.Errors += failed
	c.stats.Stored += stored
}

// buildPriceSamples turns each known price variant of a card into a sample.
func buildPriceSamples(card pokemonCard, batchID string, collectedAt time.Time) []models.PriceSample {
	if !card.hasPrices() {
		return nil
	}

	variants := make([]string, 0, len(card.TCGPlayer.Prices))
	for v := range card.TCGPlayer.Prices {
		variants = append(variants, v)
	}
	sort.Strings(variants)

	samples := make([]models.PriceSample, 0, len(variants))
	for _, name := range variants {
		variant, ok := models.ParsePriceVariant(name)
		if !ok {
			continue
		}
		prices := card.TCGPlayer.Prices[name]
		m := DeriveMetrics(prices)
		samples = append(samples, models.PriceSample{
			CardID:          card.ID,
			CardName:        card.Name,
			SetID:           card.Set.ID,
			SetName:         card.Set.Name,
			Variant:         variant,
			PriceLow:        prices.Low,
			PriceMid:        prices.Mid,
			PriceHigh:       prices.High,
			PriceMarket:     prices.Market,
			PriceDirectLow:  prices.DirectLow,
			Volatility:      m.Volatility,
			Spread:          m.Spread,
			StabilityScore:  m.StabilityScore,
			MarketCap:       m.MarketCap,
			Liquidity:       m.Liquidity,
			TrendDirection:  m.TrendDirection,
			Rarity:          card.Rarity,
			Artist:          card.Artist,
			ReleaseDate:     card.Set.ReleaseDate,
			SourceURL:       card.TCGPlayer.URL,
			SourceUpdatedAt: card.TCGPlayer.UpdatedAt,
			CollectedAt:     collectedAt,
			BatchID:         batchID,
		})
	}
	return samples
}

func buildCardCacheEntry(card pokemonCard, now time.Time, ttl time.Duration) models.CardCacheEntry {
	data := datatypes.JSONMap{
		"number":       card.Number,
		"image_small":  card.Images.Small,
		"image_large":  card.Images.Large,
		"artist":       card.Artist,
		"release_date": card.Set.ReleaseDate,
	}
	if card.TCGPlayer != nil {
		data["tcgplayer_url"] = card.TCGPlayer.URL
	}
	return models.CardCacheEntry{
		CardID:      card.ID,
		Name:        card.Name,
		SetID:       card.Set.ID,
		SetName:     card.Set.Name,
		Rarity:      card.Rarity,
		Supertype:   card.Supertype,
		Types:       strings.Join(card.Types, ","),
		MarketPrice: card.representativePrice(),
		CardData:    data,
		ExpiresAt:   now.Add(ttl),
	}
}

func distinctCardIDs(samples []models.PriceSample) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range samples {
		if !seen[s.CardID] {
			seen[s.CardID] = true
			ids = append(ids, s.CardID)
		}
	}
	return ids
}
