package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaintenanceInterval = 24 * time.Hour
	maintenanceInitialDelay    = 5 * time.Minute
)

// MaintenanceWorker runs PerformMaintenance on a fixed interval.
type MaintenanceWorker struct {
	service      *MaintenanceService
	log          *zap.Logger
	interval     time.Duration
	initialDelay time.Duration

	mu         sync.RWMutex
	lastReport *MaintenanceReport
}

func NewMaintenanceWorker(service *MaintenanceService, interval time.Duration, log *zap.Logger) *MaintenanceWorker {
	if interval <= 0 {
		interval = DefaultMaintenanceInterval
	}
	return &MaintenanceWorker{
		service:      service,
		log:          log,
		interval:     interval,
		initialDelay: maintenanceInitialDelay,
	}
}

// Start waits out the initial delay, runs maintenance once, then repeats every interval
func (w *MaintenanceWorker) Start(ctx context.Context) {
	w.log.Info("Maintenance worker started",
		zap.Duration("interval", w.interval),
		zap.Duration("initial_delay", w.initialDelay))

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.initialDelay):
		w.RunOnce(ctx)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Maintenance worker stopping...")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs maintenance now and logs each task.
func (w *MaintenanceWorker) RunOnce(ctx context.Context) *MaintenanceReport {
	report := w.service.PerformMaintenance(ctx)
	for _, task := range report.Tasks {
		if task.Success {
			w.log.Info("Maintenance task finished",
				zap.String("task", task.Task),
				zap.Int64("rows", task.Rows),
				zap.String("message", task.Message))
		} else {
			w.log.Warn("Maintenance task failed",
				zap.String("task", task.Task),
				zap.String("error", task.Error))
		}
	}

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent report, or nil before the first run.
func (w *MaintenanceWorker) LastReport() *MaintenanceReport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}
