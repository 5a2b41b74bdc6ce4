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

	"github.com/mappy4ever/DexTrends-sub010/internal/database"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied []int
	failOn  map[int]bool
}

func (f *fakeApplier) ApplyOperation(ctx context.Context, table string, op database.Operation) error {
	idx := op.Data["idx"].(int)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, idx)
	if f.failOn[idx] {
		return errors.New("constraint violation")
	}
	return nil
}

func numberedOps(n int) []database.Operation {
	ops := make([]database.Operation, n)
	for i := range ops {
		ops[i] = database.Operation{Type: database.OpInsert, Data: map[string]any{"idx": i + 1}}
	}
	return ops
}

func TestBatchExecute_IsolatesFailures(t *testing.T) {
	applier := &fakeApplier{failOn: map[int]bool{5: true}}
	b := NewBatchExecutor(applier, zap.NewNop())
	rec := &sleepRecorder{}
	b.SetSleeper(rec.Sleep)

	ops := numberedOps(10)
	result := b.Execute(context.Background(), "card_cache", ops, 0)

	assert.Equal(t, 10, result.Total)
	assert.Equal(t, 9, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, 90.0, result.SuccessRate)

	require.Len(t, result.Failed, 1)
	assert.Equal(t, 4, result.Failed[0].Index)
	assert.Equal(t, ops[4], result.Failed[0].Operation)
	assert.Equal(t, "constraint violation", result.Failed[0].Error)
	assert.Len(t, applier.applied, 10)
	assert.Empty(t, rec.Delays(), "a single chunk needs no pause")
}

func TestBatchExecute_PausesBetweenChunks(t *testing.T) {
	applier := &fakeApplier{}
	b := NewBatchExecutor(applier, zap.NewNop())
	rec := &sleepRecorder{}
	b.SetSleeper(rec.Sleep)

	result := b.Execute(context.Background(), "card_cache", numberedOps(7), 3)

	assert.Equal(t, 7, result.SuccessCount)
	assert.Equal(t, []time.Duration{DefaultChunkDelay, DefaultChunkDelay}, rec.Delays())
	for i, s := range result.Successful {
		assert.Equal(t, i, s.Index, "results keep input order")
	}
}

func TestBatchExecute_Empty(t *testing.T) {
	b := NewBatchExecutor(&fakeApplier{}, zap.NewNop())
	result := b.Execute(context.Background(), "card_cache", nil, 10)
	assert.Equal(t, 0, result.Total)
	assert.Equal(t, 0.0, result.SuccessRate)
	assert.NotNil(t, result.Successful)
	assert.NotNil(t, result.Failed)
}

func TestBatchExecute_AgainstStore(t *testing.T) {
	store := newTestStore(t)
	b := NewBatchExecutor(store, zap.NewNop())
	rec := &sleepRecorder{}
	b.SetSleeper(rec.Sleep)

	now := time.Now().UTC()
	ops := []database.Operation{
		{Type: database.OpInsert, Data: map[string]any{"pokemon_id": 25, "name": "Pikachu", "created_at": now, "expires_at": now.Add(time.Hour)}},
		{Type: database.OpUpdate, Data: map[string]any{"name": "Raichu"}},
		{Type: database.OpDelete, Conditions: map[string]any{"pokemon_id": 9999}},
	}
	result := b.Execute(context.Background(), database.TablePokemonCache, ops, 1)

	assert.Equal(t, 2, result.SuccessCount)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)
	assert.Contains(t, result.Failed[0].Error, "require conditions")
}
