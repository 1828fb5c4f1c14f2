package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory. Used for demos, simulate and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]ExecutionRecord
	order      []string
	stats      map[StatsKey]AgentStats
	rounds     []RoundLog
	nextRound  int64

	// FailWrites makes every mutating call fail with the given error.
	FailWrites error
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]ExecutionRecord),
		stats:      make(map[StatsKey]AgentStats),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) InsertExecution(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, ok := m.executions[rec.ExecutionID]; ok {
		return ErrDuplicate
	}
	rec.ChainsInvolved = append([]string(nil), rec.ChainsInvolved...)
	m.executions[rec.ExecutionID] = rec
	m.order = append(m.order, rec.ExecutionID)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, executionID string) (ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.executions[executionID]
	if !ok {
		return ExecutionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	current, ok := m.executions[rec.ExecutionID]
	if !ok || current.Status != StatusPending {
		return ErrNotFound
	}
	current.Status = rec.Status
	current.AmountOut = rec.AmountOut
	current.FeePaid = rec.FeePaid
	current.Profit = rec.Profit
	current.TxReference = rec.TxReference
	m.executions[rec.ExecutionID] = current
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	m.mu.RLock()
	out := make([]ExecutionRecord, 0, len(m.order))
	for _, id := range m.order {
		rec := m.executions[id]
		if matchesFilter(rec, filter) {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ExecutionID < out[j].ExecutionID
	})
	if filter.Newest {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(rec ExecutionRecord, f ExecutionFilter) bool {
	if f.AccountKey != "" && rec.AccountKey != f.AccountKey {
		return false
	}
	if f.AgentType != nil && rec.AgentType != *f.AgentType {
		return false
	}
	if f.Status != nil && rec.Status != *f.Status {
		return false
	}
	if f.From != nil && rec.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !rec.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func (m *MemoryStore) UpsertStats(_ context.Context, stats AgentStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.stats[StatsKey{AccountKey: stats.AccountKey, AgentType: stats.AgentType}] = stats
	return nil
}

func (m *MemoryStore) GetStats(_ context.Context, key StatsKey) (AgentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.stats[key]
	if !ok {
		return AgentStats{}, ErrNotFound
	}
	return st, nil
}

func (m *MemoryStore) ListStats(_ context.Context, accountKey string, agentType *AgentType) ([]AgentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentStats, 0)
	for key, st := range m.stats {
		if key.AccountKey != accountKey {
			continue
		}
		if agentType != nil && key.AgentType != *agentType {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out, nil
}

func (m *MemoryStore) InsertRound(_ context.Context, round RoundLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	m.nextRound++
	round.ID = m.nextRound
	m.rounds = append(m.rounds, round)
	return nil
}

func (m *MemoryStore) ListRounds(_ context.Context, accountKey string, limit int) ([]RoundLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoundLog, 0)
	for i := len(m.rounds) - 1; i >= 0; i-- {
		if m.rounds[i].AccountKey != accountKey {
			continue
		}
		out = append(out, m.rounds[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

var _ Backend = (*MemoryStore)(nil)
