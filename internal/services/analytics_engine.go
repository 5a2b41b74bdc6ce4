package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/metrics"
	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

// ErrUnknownEventType rejects events outside the tracked set.
var ErrUnknownEventType = errors.New("unknown analytics event type")

const (
	DefaultMaxQueueSize  = 100
	DefaultFlushInterval = 30 * time.Second
	DefaultSessionIdle   = 4 * time.Hour

	eventTimestampLayout = "2006-01-02T15:04:05.000Z07:00"
	finalFlushTimeout    = 10 * time.Second
)

// EventStore persists and reads analytics events.
type EventStore interface {
	InsertEvents(ctx context.Context, events []models.AnalyticsEvent) (int64, error)
	ListEvents(ctx context.Context, f database.EventFilter) ([]models.AnalyticsEvent, error)
}

// ClientContext describes the browser an event came from. A zero value means a server
// originated event.
type ClientContext struct {
	SessionID string
	UserAgent string
	URL       string
	Referrer  string
}

type AnalyticsConfig struct {
	MaxQueueSize  int
	FlushInterval time.Duration
	// SessionIdle is how long a session aggregate survives without activity.
	SessionIdle time.Duration
}

// SessionAggregate is the in-memory summary of one session.
type SessionAggregate struct {
	StartedAt     time.Time
	LastActivity  time.Time
	EventCount    int
	CardsViewed   map[string]struct{}
	SearchQueries []string
	Pages         map[string]struct{}
}

// SessionSummary is a copy of a SessionAggregate safe to hand out.
type SessionSummary struct {
	StartedAt     time.Time `json:"started_at"`
	LastActivity  time.Time `json:"last_activity"`
	EventCount    int       `json:"event_count"`
	CardsViewed   int       `json:"cards_viewed"`
	SearchQueries []string  `json:"search_queries"`
	Pages         int       `json:"pages"`
}

// AnalyticsEngine queues tracked events and writes them in bulk.
type AnalyticsEngine struct {
	store    EventStore
	executor *QueryExecutor
	log      *zap.Logger
	cfg      AnalyticsConfig
	now      func() time.Time

	mu       sync.Mutex
	queue    []models.AnalyticsEvent
	sessions map[string]*SessionAggregate

	flushing atomic.Bool
	async    sync.WaitGroup

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	stopped     chan struct{}
}

func NewAnalyticsEngine(store EventStore, executor *QueryExecutor, cfg AnalyticsConfig, log *zap.Logger) *AnalyticsEngine {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = DefaultSessionIdle
	}
	return &AnalyticsEngine{
		store:    store,
		executor: executor,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*SessionAggregate),
	}
}

// TrackEvent records a server-side event.
func (e *AnalyticsEngine) TrackEvent(eventType models.EventType, data map[string]any, userID *string) error {
	return e.TrackClientEvent(ClientContext{}, eventType, data, userID)
}

// TrackClientEvent enriches and queues an event. It never waits on the store; a full
// queue starts a flush in the background.
func (e *AnalyticsEngine) TrackClientEvent(client ClientContext, eventType models.EventType, data map[string]any, userID *string) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	now := e.now().UTC()
	sessionID := client.SessionID
	if sessionID == "" {
		sessionID = fmt.Sprintf("server_%d", now.UnixMilli())
	}

	payload := make(datatypes.JSONMap, len(data)+5)
	for k, v := range data {
		payload[k] = v
	}
	payload["timestamp"] = now.Format(eventTimestampLayout)
	if client.UserAgent != "" {
		payload["user_agent"] = client.UserAgent
	}
	if client.URL != "" {
		payload["url"] = client.URL
	}
	if client.Referrer != "" {
		payload["referrer"] = client.Referrer
	}

	e.mu.Lock()
	count := e.touchSession(sessionID, eventType, payload, now)
	payload["session_event_count"] = count
	e.queue = append(e.queue, models.AnalyticsEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		EventType: eventType,
		EventData: payload,
		CreatedAt: now,
	})
	queued := len(e.queue)
	sessions := len(e.sessions)
	e.mu.Unlock()

	metrics.AnalyticsEventsTracked.WithLabelValues(string(eventType)).Inc()
	metrics.AnalyticsQueueSize.Set(float64(queued))
	metrics.AnalyticsActiveSessions.Set(float64(sessions))

	if queued >= e.cfg.MaxQueueSize && !e.flushing.Load() {
		e.async.Add(1)
		go func() {
			defer e.async.Done()
			ctx, cancel := context.WithTimeout(context.Background(), DefaultQueryTimeout)
			defer cancel()
			if err := e.FlushEvents(ctx); err != nil {
				e.log.Warn("Background analytics flush failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// touchSession must be called with e.mu held. It returns the session's event count.
func (e *AnalyticsEngine) touchSession(sessionID string, eventType models.EventType, payload datatypes.JSONMap, now time.Time) int {
	s, ok := e.sessions[sessionID]
	if !ok {
		s = &SessionAggregate{
			StartedAt:   now,
			CardsViewed: make(map[string]struct{}),
			Pages:       make(map[string]struct{}),
		}
		e.sessions[sessionID] = s
	}
	s.EventCount++
	s.LastActivity = now

	switch eventType {
	case models.EventCardView:
		if id, ok := payload["card_id"].(string); ok && id != "" {
			s.CardsViewed[id] = struct{}{}
		}
	case models.EventSearch:
		if q, ok := payload["query"].(string); ok && q != "" {
			s.SearchQueries = append(s.SearchQueries, q)
		}
	case models.EventPageView:
		page, _ := payload["page"].(string)
		if page == "" {
			page, _ = payload["url"].(string)
		}
		if page != "" {
			s.Pages[page] = struct{}{}
		}
	}
	return s.EventCount
}

// FlushEvents writes every queued event in one statement. On failure the batch goes back
// to the front of the queue. A call made while another flush runs returns nil at once.
func (e *AnalyticsEngine) FlushEvents(ctx context.Context) error {
	if !e.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.flushing.Store(false)

	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	_, err := Query(ctx, e.executor, database.TableEvents, func(ctx context.Context) (int64, error) {
		return e.store.InsertEvents(ctx, batch)
	}, QueryOptions{RetryCount: 1, SkipCache: true})
	if err != nil {
		e.mu.Lock()
		requeued := make([]models.AnalyticsEvent, 0, len(batch)+len(e.queue))
		requeued = append(requeued, batch...)
		requeued = append(requeued, e.queue...)
		e.queue = requeued
		queued := len(e.queue)
		e.mu.Unlock()

		metrics.AnalyticsFlushFailures.Inc()
		metrics.AnalyticsQueueSize.Set(float64(queued))
		e.log.Error("Failed to flush analytics events",
			zap.Int("events", len(batch)),
			zap.Error(err))
		return fmt.Errorf("failed to flush analytics events: %w", err)
	}

	e.executor.InvalidatePrefix(AnalyticsKeyPrefix)
	metrics.AnalyticsEventsFlushed.Add(float64(len(batch)))
	metrics.AnalyticsQueueSize.Set(float64(e.QueueSize()))
	e.log.Debug("Flushed analytics events", zap.Int("events", len(batch)))
	return nil
}

// QueueSize returns the number of events waiting to be written.
func (e *AnalyticsEngine) QueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Session returns a copy of one session's aggregate.
func (e *AnalyticsEngine) Session(sessionID string) (SessionSummary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return SessionSummary{}, false
	}
	queries := make([]string, len(s.SearchQueries))
	copy(queries, s.SearchQueries)
	return SessionSummary{
		StartedAt:     s.StartedAt,
		LastActivity:  s.LastActivity,
		EventCount:    s.EventCount,
		CardsViewed:   len(s.CardsViewed),
		SearchQueries: queries,
		Pages:         len(s.Pages),
	}, true
}

// SweepSessions drops sessions idle for longer than the configured window.
func (e *AnalyticsEngine) SweepSessions() int {
	cutoff := e.now().UTC().Add(-e.cfg.SessionIdle)

	e.mu.Lock()
	evicted := 0
	for id, s := range e.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(e.sessions, id)
			evicted++
		}
	}
	remaining := len(e.sessions)
	e.mu.Unlock()

	metrics.AnalyticsActiveSessions.Set(float64(remaining))
	if evicted > 0 {
		metrics.AnalyticsSessionsEvicted.Add(float64(evicted))
		e.log.Debug("Evicted idle analytics sessions", zap.Int("evicted", evicted), zap.Int("remaining", remaining))
	}
	return evicted
}

// Start flushes on the configured interval and sweeps idle sessions until ctx is done or
// OnShutdown is called. Queued events get a final flush on the way out.
func (e *AnalyticsEngine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})

	e.lifecycleMu.Lock()
	e.cancel = cancel
	e.stopped = stopped
	e.lifecycleMu.Unlock()
	defer close(stopped)

	e.log.Info("Analytics engine started",
		zap.Duration("flush_interval", e.cfg.FlushInterval),
		zap.Int("max_queue", e.cfg.MaxQueueSize))

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Analytics engine stopping...")
			flushCtx, cancelFlush := context.WithTimeout(context.Background(), finalFlushTimeout)
			if err := e.FlushEvents(flushCtx); err != nil {
				e.log.Error("Final analytics flush failed", zap.Error(err))
			}
			cancelFlush()
			return
		case <-ticker.C:
			if err := e.FlushEvents(ctx); err != nil {
				e.log.Warn("Scheduled analytics flush failed", zap.Error(err))
			}
			e.SweepSessions()
		}
	}
}

// OnSuspend is called when a client goes to the background.
func (e *AnalyticsEngine) OnSuspend(ctx context.Context, client ClientContext) error {
	if err := e.TrackClientEvent(client, models.EventPageHidden, nil, nil); err != nil {
		return err
	}
	return e.FlushEvents(ctx)
}

// OnResume is called when a client comes back to the foreground.
func (e *AnalyticsEngine) OnResume(client ClientContext) error {
	return e.TrackClientEvent(client, models.EventPageVisible, nil, nil)
}

// OnShutdown stops the scheduled flush and writes whatever is still queued.
func (e *AnalyticsEngine) OnShutdown(ctx context.Context) error {
	e.lifecycleMu.Lock()
	cancel, stopped := e.cancel, e.stopped
	e.cancel, e.stopped = nil, nil
	e.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.async.Wait()
	return e.FlushEvents(ctx)
}

// TrackCardView records a card detail view.
func (e *AnalyticsEngine) TrackCardView(client ClientContext, cardID, cardName, setName, source string, userID *string) error {
	if source == "" {
		source = "unknown"
	}
	return e.TrackClientEvent(client, models.EventCardView, map[string]any{
		"card_id":   cardID,
		"card_name": cardName,
		"set_name":  setName,
		"source":    source,
	}, userID)
}

func (e *AnalyticsEngine) TrackCardFavorite(client ClientContext, cardID, cardName string, add bool, userID *string) error {
	action := "remove"
	if add {
		action = "add"
	}
	return e.TrackClientEvent(client, models.EventCardFavorite, map[string]any{
		"card_id":   cardID,
		"card_name": cardName,
		"action":    action,
	}, userID)
}

// TrackPriceCheck records a price lookup; priceType is history, current or alert.
func (e *AnalyticsEngine) TrackPriceCheck(client ClientContext, cardID, cardName, priceType string, userID *string) error {
	return e.TrackClientEvent(client, models.EventCardPriceCheck, map[string]any{
		"card_id":    cardID,
		"card_name":  cardName,
		"price_type": priceType,
	}, userID)
}

func (e *AnalyticsEngine) TrackSearch(client ClientContext, query string, resultsCount int, filters map[string]any, userID *string) error {
	if filters == nil {
		filters = map[string]any{}
	}
	return e.TrackClientEvent(client, models.EventSearch, map[string]any{
		"query":         query,
		"results_count": resultsCount,
		"filters":       filters,
		"search_type":   "cards",
	}, userID)
}

func (e *AnalyticsEngine) TrackPageView(client ClientContext, page, title string, userID *string) error {
	return e.TrackClientEvent(client, models.EventPageView, map[string]any{
		"page":  page,
		"title": title,
	}, userID)
}

// TrackPerformance records a client timing such as lcp or fid.
func (e *AnalyticsEngine) TrackPerformance(client ClientContext, metric string, value float64, extra map[string]any) error {
	data := map[string]any{}
	for k, v := range extra {
		data[k] = v
	}
	data["metric"] = metric
	data["value"] = value
	return e.TrackClientEvent(client, models.EventPerformanceMetric, data, nil)
}
