package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mappy4ever/DexTrends-sub010/internal/cache"
	"github.com/mappy4ever/DexTrends-sub010/internal/database"
)

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return database.NewStore(db)
}

func newTestExecutor() (*QueryExecutor, *sleepRecorder) {
	q := NewQueryExecutor(cache.New(100), zap.NewNop())
	rec := &sleepRecorder{}
	q.SetSleeper(rec.Sleep)
	return q, rec
}

// sleepRecorder records non-zero waits instead of sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *sleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.delays))
	copy(out, r.delays)
	return out
}
