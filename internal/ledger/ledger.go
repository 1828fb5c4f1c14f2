// Package ledger persists execution records and keeps per-agent statistics
// derived from them.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-agents/internal/storage"
)

// Locker serialises writers of one stats key across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// ChangeFunc observes every ledger mutation.
type ChangeFunc func(ctx context.Context, rec storage.ExecutionRecord, stats storage.AgentStats)

// Ledger owns execution history and AgentStats. Stats are never incremented
// in place; they are recomputed from the confirmed history of their key.
type Ledger struct {
	store    storage.LedgerStore
	opts     StatsOptions
	locks    *keyedMutex
	remote   Locker
	onChange ChangeFunc
	logger   zerolog.Logger
}

// New constructs a Ledger over store.
func New(store storage.LedgerStore, opts StatsOptions, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		opts:   opts,
		locks:  newKeyedMutex(),
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// WithLocker adds a cross-process lock taken after the in-process one.
func (l *Ledger) WithLocker(locker Locker) *Ledger {
	l.remote = locker
	return l
}

// OnChange registers fn to run after each successful mutation.
func (l *Ledger) OnChange(fn ChangeFunc) {
	l.onChange = fn
}

func (l *Ledger) lock(ctx context.Context, key storage.StatsKey) (func(), error) {
	name := "ledger:" + key.String()
	unlock := l.locks.Lock(name)
	if l.remote == nil {
		return unlock, nil
	}
	remoteUnlock, err := l.remote.Lock(ctx, name)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	return func() {
		remoteUnlock()
		unlock()
	}, nil
}

// Record appends rec and returns the stats of its key. A record whose id is
// already stored is not written again; if the stored stats lag its confirmed
// history they are recomputed, otherwise the current stats are returned.
func (l *Ledger) Record(ctx context.Context, rec storage.ExecutionRecord) (storage.AgentStats, error) {
	stored, stats, changed, err := l.record(ctx, rec)
	if err != nil {
		return storage.AgentStats{}, err
	}
	if changed {
		l.notify(ctx, stored, stats)
	}
	return stats, nil
}

func (l *Ledger) record(ctx context.Context, rec storage.ExecutionRecord) (storage.ExecutionRecord, storage.AgentStats, bool, error) {
	key := rec.Key()
	unlock, err := l.lock(ctx, key)
	if err != nil {
		return rec, storage.AgentStats{}, false, err
	}
	defer unlock()

	if err := l.store.InsertExecution(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			l.logger.Warn().Str("execution_id", rec.ExecutionID).Str("key", key.String()).Msg("duplicate execution ignored")
			return l.reconcile(ctx, rec.ExecutionID, key)
		}
		return rec, storage.AgentStats{}, false, fmt.Errorf("record execution: %w", err)
	}

	var stats storage.AgentStats
	if rec.Status == storage.StatusConfirmed {
		stats, err = l.recompute(ctx, key)
	} else {
		stats, err = l.current(ctx, key)
	}
	if err != nil {
		return rec, storage.AgentStats{}, false, err
	}
	return rec, stats, true, nil
}

// reconcile handles a re-recorded execution. An earlier attempt may have
// stored the record but failed before its stats were written; in that case
// the stats are rebuilt and reported as a change. Must hold the key lock.
func (l *Ledger) reconcile(ctx context.Context, executionID string, key storage.StatsKey) (storage.ExecutionRecord, storage.AgentStats, bool, error) {
	stored, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return stored, storage.AgentStats{}, false, fmt.Errorf("load execution: %w", err)
	}
	current, err := l.current(ctx, key)
	if err != nil {
		return stored, storage.AgentStats{}, false, err
	}
	if stored.Status != storage.StatusConfirmed {
		return stored, current, false, nil
	}
	fresh, err := l.compute(ctx, key)
	if err != nil {
		return stored, storage.AgentStats{}, false, err
	}
	if sameStats(current, fresh) {
		return stored, current, false, nil
	}
	l.logger.Warn().Str("execution_id", executionID).Str("key", key.String()).Msg("stats behind history, recomputed")
	if err := l.store.UpsertStats(ctx, fresh); err != nil {
		return stored, storage.AgentStats{}, false, fmt.Errorf("upsert stats: %w", err)
	}
	return stored, fresh, true, nil
}

func sameStats(a, b storage.AgentStats) bool {
	return a.TotalTrades == b.TotalTrades &&
		a.WinningTrades == b.WinningTrades &&
		a.TotalPnL.Equal(b.TotalPnL) &&
		a.APYEstimate.Equal(b.APYEstimate)
}

// UpdateStatus settles a pending execution. Failed executions book no profit
// and pay no fee.
func (l *Ledger) UpdateStatus(ctx context.Context, executionID string, status storage.ExecutionStatus) (storage.AgentStats, error) {
	if status != storage.StatusConfirmed && status != storage.StatusFailed {
		return storage.AgentStats{}, fmt.Errorf("invalid target status %q", status)
	}
	rec, err := l.store.GetExecution(ctx, executionID)
	if err != nil {
		return storage.AgentStats{}, fmt.Errorf("load execution: %w", err)
	}

	rec, stats, err := l.settle(ctx, rec, status)
	if err != nil {
		return storage.AgentStats{}, err
	}
	l.notify(ctx, rec, stats)
	return stats, nil
}

func (l *Ledger) settle(ctx context.Context, rec storage.ExecutionRecord, status storage.ExecutionStatus) (storage.ExecutionRecord, storage.AgentStats, error) {
	key := rec.Key()
	unlock, err := l.lock(ctx, key)
	if err != nil {
		return rec, storage.AgentStats{}, err
	}
	defer unlock()

	if rec.Status != storage.StatusPending {
		return rec, storage.AgentStats{}, fmt.Errorf("execution %s is already %s", rec.ExecutionID, rec.Status)
	}
	rec.Status = status
	if status == storage.StatusFailed {
		rec.Profit = decimal.Zero
		rec.FeePaid = decimal.Zero
		rec.AmountOut = rec.AmountIn
	}
	if err := l.store.UpdateExecution(ctx, rec); err != nil {
		return rec, storage.AgentStats{}, fmt.Errorf("update execution: %w", err)
	}

	stats, err := l.recompute(ctx, key)
	if err != nil {
		return rec, storage.AgentStats{}, err
	}
	return rec, stats, nil
}

// Query reads stored stats for an account, optionally for one agent type.
func (l *Ledger) Query(ctx context.Context, accountKey string, agentType *storage.AgentType) ([]storage.AgentStats, error) {
	return l.store.ListStats(ctx, accountKey, agentType)
}

// Stats returns the stored stats of key, or empty stats if none exist yet.
func (l *Ledger) Stats(ctx context.Context, key storage.StatsKey) (storage.AgentStats, error) {
	return l.current(ctx, key)
}

// History lists execution records.
func (l *Ledger) History(ctx context.Context, filter storage.ExecutionFilter) ([]storage.ExecutionRecord, error) {
	return l.store.ListExecutions(ctx, filter)
}

// Replay rebuilds the stats of every agent type of an account, or just
// agentType, from stored history and writes them back.
func (l *Ledger) Replay(ctx context.Context, accountKey string, agentType *storage.AgentType) ([]storage.AgentStats, error) {
	types := []storage.AgentType{storage.AgentArbitrage, storage.AgentYield, storage.AgentRebalance, storage.AgentRisk}
	if agentType != nil {
		types = []storage.AgentType{*agentType}
	}
	out := make([]storage.AgentStats, 0, len(types))
	for _, t := range types {
		key := storage.StatsKey{AccountKey: accountKey, AgentType: t}
		stats, err := l.replayKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if stats.TotalTrades > 0 {
			out = append(out, stats)
		}
	}
	return out, nil
}

func (l *Ledger) replayKey(ctx context.Context, key storage.StatsKey) (storage.AgentStats, error) {
	unlock, err := l.lock(ctx, key)
	if err != nil {
		return storage.AgentStats{}, err
	}
	defer unlock()
	stats, err := l.compute(ctx, key)
	if err != nil {
		return storage.AgentStats{}, err
	}
	if stats.TotalTrades == 0 {
		return stats, nil
	}
	if err := l.store.UpsertStats(ctx, stats); err != nil {
		return storage.AgentStats{}, fmt.Errorf("upsert stats: %w", err)
	}
	return stats, nil
}

func (l *Ledger) compute(ctx context.Context, key storage.StatsKey) (storage.AgentStats, error) {
	agentType := key.AgentType
	confirmed := storage.StatusConfirmed
	history, err := l.store.ListExecutions(ctx, storage.ExecutionFilter{
		AccountKey: key.AccountKey,
		AgentType:  &agentType,
		Status:     &confirmed,
	})
	if err != nil {
		return storage.AgentStats{}, fmt.Errorf("load history: %w", err)
	}
	return ComputeStats(key, history, l.opts), nil
}

// recompute must be called with the key lock held.
func (l *Ledger) recompute(ctx context.Context, key storage.StatsKey) (storage.AgentStats, error) {
	stats, err := l.compute(ctx, key)
	if err != nil {
		return storage.AgentStats{}, err
	}
	if err := l.store.UpsertStats(ctx, stats); err != nil {
		return storage.AgentStats{}, fmt.Errorf("upsert stats: %w", err)
	}
	return stats, nil
}

func (l *Ledger) current(ctx context.Context, key storage.StatsKey) (storage.AgentStats, error) {
	stats, err := l.store.GetStats(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.AgentStats{AccountKey: key.AccountKey, AgentType: key.AgentType, TotalPnL: decimal.Zero, APYEstimate: decimal.Zero}, nil
	}
	if err != nil {
		return storage.AgentStats{}, fmt.Errorf("load stats: %w", err)
	}
	return stats, nil
}

func (l *Ledger) notify(ctx context.Context, rec storage.ExecutionRecord, stats storage.AgentStats) {
	if l.onChange != nil {
		l.onChange(ctx, rec, stats)
	}
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
