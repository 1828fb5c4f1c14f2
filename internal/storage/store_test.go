package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"defi-agents/internal/config"
)

func sampleExecution(id string, status ExecutionStatus, profit int64, at time.Time) ExecutionRecord {
	return ExecutionRecord{
		ExecutionID:    id,
		AccountKey:     "0xabc",
		AgentType:      AgentArbitrage,
		CandidateID:    "arb:ETH/USDC",
		Instrument:     "ETH/USDC",
		Mode:           "simulate",
		ChainsInvolved: []string{"ethereum"},
		AmountIn:       decimal.NewFromInt(400),
		AmountOut:      decimal.NewFromInt(400 + profit - 1),
		FeePaid:        decimal.NewFromInt(1),
		Profit:         decimal.NewFromInt(profit),
		TxReference:    "0x" + id,
		Status:         status,
		CreatedAt:      at,
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	gormStore, err := NewGormStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = gormStore.Close() })
	return map[string]Backend{
		"memory": NewMemoryStore(),
		"sqlite": gormStore,
	}
}

func TestBackendInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := sampleExecution("e1", StatusConfirmed, 10, now)
			require.NoError(t, store.InsertExecution(ctx, rec))
			err := store.InsertExecution(ctx, rec)
			assert.True(t, errors.Is(err, ErrDuplicate), "second insert should be a duplicate, got %v", err)

			got, err := store.GetExecution(ctx, "e1")
			require.NoError(t, err)
			assert.True(t, got.Profit.Equal(decimal.NewFromInt(10)))
			assert.Equal(t, []string{"ethereum"}, got.ChainsInvolved)
			assert.True(t, got.CreatedAt.Equal(now))

			_, err = store.GetExecution(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackendUpdateOnlyPending(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			pending := sampleExecution("p1", StatusPending, 0, now)
			require.NoError(t, store.InsertExecution(ctx, pending))

			pending.Status = StatusConfirmed
			pending.Profit = decimal.NewFromInt(5)
			require.NoError(t, store.UpdateExecution(ctx, pending))

			got, err := store.GetExecution(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, StatusConfirmed, got.Status)

			got.Status = StatusFailed
			assert.ErrorIs(t, store.UpdateExecution(ctx, got), ErrNotFound)
		})
	}
}

func TestBackendListExecutionsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.InsertExecution(ctx, sampleExecution("b", StatusConfirmed, 1, base.Add(time.Minute))))
			require.NoError(t, store.InsertExecution(ctx, sampleExecution("a", StatusConfirmed, 2, base)))
			require.NoError(t, store.InsertExecution(ctx, sampleExecution("c", StatusFailed, 0, base.Add(2*time.Minute))))

			all, err := store.ListExecutions(ctx, ExecutionFilter{AccountKey: "0xabc"})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "a", all[0].ExecutionID)
			assert.Equal(t, "c", all[2].ExecutionID)

			confirmed := StatusConfirmed
			onlyConfirmed, err := store.ListExecutions(ctx, ExecutionFilter{AccountKey: "0xabc", Status: &confirmed})
			require.NoError(t, err)
			assert.Len(t, onlyConfirmed, 2)

			newest, err := store.ListExecutions(ctx, ExecutionFilter{AccountKey: "0xabc", Newest: true, Limit: 1})
			require.NoError(t, err)
			require.Len(t, newest, 1)
			assert.Equal(t, "c", newest[0].ExecutionID)
		})
	}
}

func TestBackendStatsUpsert(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			key := StatsKey{AccountKey: "0xabc", AgentType: AgentYield}
			_, err := store.GetStats(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			st := AgentStats{AccountKey: "0xabc", AgentType: AgentYield, TotalTrades: 1, WinningTrades: 1, TotalPnL: decimal.NewFromInt(3), APYEstimate: decimal.Zero, LastUpdated: time.Now().UTC()}
			require.NoError(t, store.UpsertStats(ctx, st))
			st.TotalTrades = 2
			require.NoError(t, store.UpsertStats(ctx, st))

			got, err := store.GetStats(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, int64(2), got.TotalTrades)

			list, err := store.ListStats(ctx, "0xabc", nil)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestBackendRounds(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			start := time.Now().UTC()
			require.NoError(t, store.InsertRound(ctx, RoundLog{AccountKey: "0xabc", AgentType: AgentArbitrage, Outcome: "ok", StartedAt: start}))
			require.NoError(t, store.InsertRound(ctx, RoundLog{AccountKey: "0xabc", AgentType: AgentArbitrage, Outcome: "failed", Failures: []string{"uni: timeout"}, StartedAt: start.Add(time.Second)}))

			rounds, err := store.ListRounds(ctx, "0xabc", 10)
			require.NoError(t, err)
			require.Len(t, rounds, 2)
			assert.Equal(t, "failed", rounds[0].Outcome)
			assert.Equal(t, []string{"uni: timeout"}, rounds[0].Failures)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "mongo"})
	assert.Error(t, err)
}
