package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-agents/internal/storage"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	t0  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	key = storage.StatsKey{AccountKey: "0xabc", AgentType: storage.AgentArbitrage}
)

func opts() StatsOptions {
	return StatsOptions{CapitalBase: d("10000"), APYWindow: 240 * time.Hour}
}

func record(id string, profit string, status storage.ExecutionStatus, at time.Time) storage.ExecutionRecord {
	return storage.ExecutionRecord{
		ExecutionID: id,
		AccountKey:  key.AccountKey,
		AgentType:   key.AgentType,
		Instrument:  "X/Y",
		Mode:        "simulate",
		AmountIn:    d("400"),
		AmountOut:   d("400").Add(d(profit)),
		FeePaid:     decimal.Zero,
		Profit:      d(profit),
		Status:      status,
		CreatedAt:   at,
	}
}

func newLedger() (*Ledger, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return New(store, opts(), zerolog.Nop()), store
}

func TestRecordIsIdempotent(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()
	rec := record("e1", "10", storage.StatusConfirmed, t0)

	first, err := l.Record(ctx, rec)
	require.NoError(t, err)
	second, err := l.Record(ctx, rec)
	require.NoError(t, err)

	assert.EqualValues(t, 1, first.TotalTrades)
	assert.EqualValues(t, 1, second.TotalTrades)
	assert.True(t, second.TotalPnL.Equal(d("10")))
}

func TestIncrementalMatchesReplay(t *testing.T) {
	l, store := newLedger()
	ctx := context.Background()

	profits := []string{"10", "-3", "0", "25.5", "-7.25", "4", "0.01", "-100", "60"}
	statuses := []storage.ExecutionStatus{storage.StatusConfirmed, storage.StatusConfirmed, storage.StatusConfirmed, storage.StatusFailed, storage.StatusConfirmed, storage.StatusPending, storage.StatusConfirmed, storage.StatusConfirmed, storage.StatusConfirmed}
	var history []storage.ExecutionRecord
	var incremental storage.AgentStats
	for i, p := range profits {
		rec := record(fmt.Sprintf("e%d", i), p, statuses[i], t0.Add(time.Duration(i)*36*time.Hour))
		if rec.Status == storage.StatusFailed {
			rec.Profit = decimal.Zero
		}
		history = append(history, rec)
		stats, err := l.Record(ctx, rec)
		require.NoError(t, err)
		incremental = stats
	}

	fromScratch := ComputeStats(key, history, opts())
	assertSameStats(t, fromScratch, incremental)

	// Wipe stats and rebuild from the stored history.
	require.NoError(t, store.UpsertStats(ctx, storage.AgentStats{AccountKey: key.AccountKey, AgentType: key.AgentType}))
	agentType := key.AgentType
	replayed, err := l.Replay(ctx, key.AccountKey, &agentType)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assertSameStats(t, fromScratch, replayed[0])

	stored, err := l.Stats(ctx, key)
	require.NoError(t, err)
	assertSameStats(t, fromScratch, stored)
	assert.EqualValues(t, 7, stored.TotalTrades)
	assert.EqualValues(t, 3, stored.WinningTrades)
}

func assertSameStats(t *testing.T, want, got storage.AgentStats) {
	t.Helper()
	assert.Equal(t, want.TotalTrades, got.TotalTrades)
	assert.Equal(t, want.WinningTrades, got.WinningTrades)
	assert.True(t, want.TotalPnL.Equal(got.TotalPnL), "pnl %s vs %s", want.TotalPnL, got.TotalPnL)
	assert.True(t, want.APYEstimate.Equal(got.APYEstimate), "apy %s vs %s", want.APYEstimate, got.APYEstimate)
	assert.True(t, want.LastUpdated.Equal(got.LastUpdated))
}

func TestConcurrentRoundsSameKey(t *testing.T) {
	for i := 0; i < 25; i++ {
		l, _ := newLedger()
		ctx := context.Background()

		var wg sync.WaitGroup
		for j, p := range []string{"10", "-3"} {
			wg.Add(1)
			go func(j int, p string) {
				defer wg.Done()
				_, err := l.Record(ctx, record(fmt.Sprintf("r%d-%d", i, j), p, storage.StatusConfirmed, t0.Add(time.Duration(j)*time.Minute)))
				assert.NoError(t, err)
			}(j, p)
		}
		wg.Wait()

		stats, err := l.Stats(ctx, key)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.TotalTrades)
		assert.EqualValues(t, 1, stats.WinningTrades)
		assert.True(t, stats.TotalPnL.Equal(d("7")), "pnl %s", stats.TotalPnL)
	}
}

func TestStoreFailureLeavesStatsUntouched(t *testing.T) {
	l, store := newLedger()
	ctx := context.Background()
	_, err := l.Record(ctx, record("e1", "10", storage.StatusConfirmed, t0))
	require.NoError(t, err)

	store.FailWrites = errors.New("disk full")
	_, err = l.Record(ctx, record("e2", "50", storage.StatusConfirmed, t0.Add(time.Hour)))
	require.Error(t, err)
	store.FailWrites = nil

	stats, err := l.Stats(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalTrades)
	assert.True(t, stats.TotalPnL.Equal(d("10")))
}

// flakyStatsStore fails the next stats upsert only; execution writes succeed.
type flakyStatsStore struct {
	*storage.MemoryStore
	failNext error
}

func (f *flakyStatsStore) UpsertStats(ctx context.Context, stats storage.AgentStats) error {
	if err := f.failNext; err != nil {
		f.failNext = nil
		return err
	}
	return f.MemoryStore.UpsertStats(ctx, stats)
}

func TestRetryAfterStatsFailureCatchesUp(t *testing.T) {
	store := &flakyStatsStore{MemoryStore: storage.NewMemoryStore()}
	l := New(store, opts(), zerolog.Nop())
	ctx := context.Background()

	var changes []storage.AgentStats
	l.OnChange(func(_ context.Context, _ storage.ExecutionRecord, stats storage.AgentStats) {
		changes = append(changes, stats)
	})

	rec := record("e1", "10", storage.StatusConfirmed, t0)
	store.failNext = errors.New("store unavailable")
	_, err := l.Record(ctx, rec)
	require.Error(t, err)
	assert.Empty(t, changes)

	history, err := l.History(ctx, storage.ExecutionFilter{AccountKey: key.AccountKey})
	require.NoError(t, err)
	require.Len(t, history, 1, "the execution row survives the failed upsert")

	stats, err := l.Record(ctx, rec)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalTrades)
	assert.True(t, stats.TotalPnL.Equal(d("10")), "pnl %s", stats.TotalPnL)

	stored, err := l.Stats(ctx, key)
	require.NoError(t, err)
	assertSameStats(t, ComputeStats(key, history, opts()), stored)
	require.Len(t, changes, 1)
	assert.EqualValues(t, 1, changes[0].TotalTrades)

	// once caught up, further retries change nothing
	_, err = l.Record(ctx, rec)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestOnChangeRunsWithoutKeyLock(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	nested := make(chan error, 1)
	l.OnChange(func(ctx context.Context, rec storage.ExecutionRecord, _ storage.AgentStats) {
		if rec.ExecutionID != "e1" {
			return
		}
		done := make(chan error, 1)
		go func() {
			_, err := l.Record(ctx, record("e2", "5", storage.StatusConfirmed, t0.Add(time.Minute)))
			done <- err
		}()
		select {
		case err := <-done:
			nested <- err
		case <-time.After(2 * time.Second):
			nested <- errors.New("writer for the same key blocked by the change hook")
		}
	})

	_, err := l.Record(ctx, record("e1", "10", storage.StatusConfirmed, t0))
	require.NoError(t, err)
	require.NoError(t, <-nested)

	stats, err := l.Stats(ctx, key)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalTrades)
	assert.True(t, stats.TotalPnL.Equal(d("15")))
}

func TestPendingRecordsDoNotCountUntilConfirmed(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()

	var changes int
	l.OnChange(func(context.Context, storage.ExecutionRecord, storage.AgentStats) { changes++ })

	stats, err := l.Record(ctx, record("p1", "10", storage.StatusPending, t0))
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.TotalTrades)

	stats, err = l.UpdateStatus(ctx, "p1", storage.StatusConfirmed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalTrades)
	assert.True(t, stats.TotalPnL.Equal(d("10")))

	_, err = l.UpdateStatus(ctx, "p1", storage.StatusFailed)
	assert.Error(t, err, "settled records cannot transition again")

	_, err = l.Record(ctx, record("p2", "30", storage.StatusPending, t0.Add(time.Hour)))
	require.NoError(t, err)
	stats, err = l.UpdateStatus(ctx, "p2", storage.StatusFailed)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalTrades)

	failed, err := l.History(ctx, storage.ExecutionFilter{AccountKey: key.AccountKey, Newest: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, storage.StatusFailed, failed[0].Status)
	assert.True(t, failed[0].Profit.IsZero())
	assert.True(t, failed[0].AmountOut.Equal(failed[0].AmountIn))

	assert.Equal(t, 4, changes)

	_, err = l.UpdateStatus(ctx, "missing", storage.StatusConfirmed)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = l.UpdateStatus(ctx, "p1", storage.StatusPending)
	assert.Error(t, err)
}

func TestQueryReadsStore(t *testing.T) {
	l, _ := newLedger()
	ctx := context.Background()
	_, err := l.Record(ctx, record("e1", "10", storage.StatusConfirmed, t0))
	require.NoError(t, err)
	yieldRec := record("e2", "3", storage.StatusConfirmed, t0)
	yieldRec.AgentType = storage.AgentYield
	_, err = l.Record(ctx, yieldRec)
	require.NoError(t, err)

	all, err := l.Query(ctx, key.AccountKey, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	yieldType := storage.AgentYield
	only, err := l.Query(ctx, key.AccountKey, &yieldType)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.True(t, only[0].TotalPnL.Equal(d("3")))

	empty, err := l.Stats(ctx, storage.StatsKey{AccountKey: "0xnobody", AgentType: storage.AgentYield})
	require.NoError(t, err)
	assert.Zero(t, empty.TotalTrades)
}

type countingLocker struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (c *countingLocker) Lock(_ context.Context, key string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, key)
	if c.fail != nil {
		return nil, c.fail
	}
	return func() {}, nil
}

func TestRemoteLockerWrapsWrites(t *testing.T) {
	store := storage.NewMemoryStore()
	locker := &countingLocker{}
	l := New(store, opts(), zerolog.Nop()).WithLocker(locker)

	_, err := l.Record(context.Background(), record("e1", "10", storage.StatusConfirmed, t0))
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger:0xabc:arbitrage"}, locker.calls)

	locker.fail = errors.New("redis down")
	_, err = l.Record(context.Background(), record("e2", "10", storage.StatusConfirmed, t0))
	require.Error(t, err)
	_, err = store.GetExecution(context.Background(), "e2")
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing is written without the lock")
}

func TestComputeStatsAPYWindow(t *testing.T) {
	history := []storage.ExecutionRecord{
		record("old", "50", storage.StatusConfirmed, t0),
		record("a", "60", storage.StatusConfirmed, t0.Add(20*24*time.Hour)),
		record("b", "40", storage.StatusConfirmed, t0.Add(25*24*time.Hour)),
		record("f", "0", storage.StatusFailed, t0.Add(26*24*time.Hour)),
	}
	stats := ComputeStats(key, history, opts())
	assert.EqualValues(t, 3, stats.TotalTrades)
	assert.True(t, stats.TotalPnL.Equal(d("150")))
	// (60 + 40) * 365 / (10000 * 10)
	assert.True(t, stats.APYEstimate.Equal(d("0.365")), "apy %s", stats.APYEstimate)
	assert.True(t, stats.LastUpdated.Equal(t0.Add(25*24*time.Hour)))

	empty := ComputeStats(key, nil, opts())
	assert.Zero(t, empty.TotalTrades)
	assert.True(t, empty.LastUpdated.IsZero())
}
