package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
	"github.com/mappy4ever/DexTrends-sub010/internal/metrics"
)

const (
	DefaultBatchSize  = 100
	DefaultChunkDelay = 100 * time.Millisecond
)

// OperationApplier executes one mutation. *database.Store implements it.
type OperationApplier interface {
	ApplyOperation(ctx context.Context, table string, op database.Operation) error
}

type BatchSuccess struct {
	Index     int                `json:"index"`
	Operation database.Operation `json:"operation"`
}

type BatchFailure struct {
	Index     int                `json:"index"`
	Operation database.Operation `json:"operation"`
	Error     string             `json:"error"`
}

// BatchResult lists every operation exactly once, in Successful or Failed, in input order.
type BatchResult struct {
	Successful   []BatchSuccess `json:"successful"`
	Failed       []BatchFailure `json:"failed"`
	Total        int            `json:"total"`
	SuccessCount int            `json:"success_count"`
	FailureCount int            `json:"failure_count"`
	SuccessRate  float64        `json:"success_rate"`
}

// BatchExecutor applies mutations in chunks. Operations in a chunk run concurrently and
// chunks are separated by a fixed pause.
type BatchExecutor struct {
	applier    OperationApplier
	log        *zap.Logger
	sleep      Sleeper
	chunkDelay time.Duration
}

func NewBatchExecutor(applier OperationApplier, log *zap.Logger) *BatchExecutor {
	return &BatchExecutor{
		applier:    applier,
		log:        log,
		sleep:      sleepContext,
		chunkDelay: DefaultChunkDelay,
	}
}

func (b *BatchExecutor) SetSleeper(s Sleeper) {
	b.sleep = s
}

// Execute applies ops against table. One failing operation never stops the others.
func (b *BatchExecutor) Execute(ctx context.Context, table string, ops []database.Operation, batchSize int) *BatchResult {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	errs := make([]error, len(ops))
	for start := 0; start < len(ops); start += batchSize {
		end := start + batchSize
		if end > len(ops) {
			end = len(ops)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = b.applier.ApplyOperation(ctx, table, ops[i])
			}(i)
		}
		wg.Wait()

		if end < len(ops) {
			if err := b.sleep(ctx, b.chunkDelay); err != nil {
				for i := end; i < len(ops); i++ {
					errs[i] = err
				}
				break
			}
		}
	}

	result := &BatchResult{
		Successful: []BatchSuccess{},
		Failed:     []BatchFailure{},
		Total:      len(ops),
	}
	for i, err := range errs {
		if err != nil {
			result.Failed = append(result.Failed, BatchFailure{Index: i, Operation: ops[i], Error: err.Error()})
			metrics.BatchOperationsTotal.WithLabelValues(table, "failed").Inc()
			continue
		}
		result.Successful = append(result.Successful, BatchSuccess{Index: i, Operation: ops[i]})
		metrics.BatchOperationsTotal.WithLabelValues(table, "success").Inc()
	}
	result.SuccessCount = len(result.Successful)
	result.FailureCount = len(result.Failed)
	if result.Total > 0 {
		result.SuccessRate = float64(result.SuccessCount) / float64(result.Total) * 100
	}

	if result.FailureCount > 0 {
		b.log.Warn("Batch completed with failures",
			zap.String("table", table),
			zap.Int("failed", result.FailureCount),
			zap.Int("total", result.Total))
	}
	return result
}
