package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/models"
)

// CollectorStatus is returned by the status endpoint.
type CollectorStatus struct {
	Running       bool                  `json:"running"`
	Stats         CollectionStats       `json:"stats"`
	IntervalHours int                   `json:"interval_hours"`
	NextRunAt     *time.Time            `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time            `json:"last_run_at,omitempty"`
	LastJob       *models.CollectionJob `json:"last_job,omitempty"`
	HasAPIKey     bool                  `json:"has_api_key"`
}

// CollectionScheduler runs the collector on a fixed interval. Rescheduling replaces the
// previous ticker; a run already in progress keeps going under the scheduler's base context.
type CollectionScheduler struct {
	collector *PriceCollector
	store     CollectorStore
	hasAPIKey bool
	log       *zap.Logger
	unit      time.Duration
	runs      sync.WaitGroup

	mu            sync.Mutex
	base          context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	intervalHours int
	nextRun       time.Time
	lastRun       time.Time
}

func NewCollectionScheduler(collector *PriceCollector, store CollectorStore, hasAPIKey bool, log *zap.Logger) *CollectionScheduler {
	return &CollectionScheduler{
		collector: collector,
		store:     store,
		hasAPIKey: hasAPIKey,
		log:       log,
		unit:      time.Hour,
		base:      context.Background(),
	}
}

// Start binds scheduled runs to ctx and schedules the first interval. It blocks until ctx
// is done, like the other background workers.
func (s *CollectionScheduler) Start(ctx context.Context, intervalHours int) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	s.ScheduleCollection(intervalHours)
	s.log.Info("Collection scheduler started", zap.Int("interval_hours", intervalHours))

	<-ctx.Done()
	s.ScheduleCollection(0)
	s.runs.Wait()
	s.log.Info("Collection scheduler stopping...")
}

// ScheduleCollection replaces the active schedule. Zero or negative hours stops it.
func (s *CollectionScheduler) ScheduleCollection(intervalHours int) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.intervalHours = 0
	s.nextRun = time.Time{}
	base := s.base
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if intervalHours <= 0 || base.Err() != nil {
		return
	}

	interval := time.Duration(intervalHours) * s.unit
	ctx, cancel := context.WithCancel(base)
	done = make(chan struct{})

	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.intervalHours = intervalHours
	s.nextRun = time.Now().Add(interval)
	s.mu.Unlock()

	go s.loop(ctx, base, interval, done)
}

// loop owns the ticker only. Collections run under base, so replacing the schedule never
// interrupts one.
func (s *CollectionScheduler) loop(ctx, base context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.lastRun = time.Now()
			s.nextRun = s.lastRun.Add(interval)
			s.mu.Unlock()

			if s.collector.IsRunning() {
				s.log.Info("Scheduled collection skipped: previous run still in progress")
				continue
			}
			s.runs.Add(1)
			go func() {
				defer s.runs.Done()
				result := s.collector.Collect(base, s.collector.DefaultLimit())
				if result.Rejected {
					s.log.Info("Scheduled collection skipped", zap.String("reason", result.Error))
				} else if !result.Success {
					s.log.Warn("Scheduled collection failed", zap.String("error", result.Error))
				}
			}()
		}
	}
}

// IntervalHours returns the active schedule, 0 when none.
func (s *CollectionScheduler) IntervalHours() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalHours
}

func (s *CollectionScheduler) Status(ctx context.Context) (*CollectorStatus, error) {
	last, err := Query(ctx, s.collector.executor, database.TableCollectionJobs, func(ctx context.Context) (*models.CollectionJob, error) {
		return s.store.LatestCollectionJob(ctx)
	}, QueryOptions{SkipCache: true})
	if err != nil {
		return nil, err
	}

	status := &CollectorStatus{
		Running:   s.collector.IsRunning(),
		Stats:     s.collector.CurrentStats(),
		LastJob:   last,
		HasAPIKey: s.hasAPIKey,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	status.IntervalHours = s.intervalHours
	if !s.nextRun.IsZero() {
		next := s.nextRun
		status.NextRunAt = &next
	}
	if !s.lastRun.IsZero() {
		lastRun := s.lastRun
		status.LastRunAt = &lastRun
	}
	return status, nil
}
