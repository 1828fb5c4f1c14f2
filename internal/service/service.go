package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-agents/internal/alerting"
	"defi-agents/internal/broadcast"
	"defi-agents/internal/executor"
	"defi-agents/internal/fetcher"
	"defi-agents/internal/ledger"
	"defi-agents/internal/market"
	"defi-agents/internal/metrics"
	"defi-agents/internal/policy"
	"defi-agents/internal/scheduler"
	"defi-agents/internal/storage"
)

// SnapshotSource produces one market snapshot per round.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, specs []market.SourceSpec) market.Snapshot
}

// Executor carries out accepted decisions.
type Executor interface {
	Execute(ctx context.Context, acct executor.Account, decision market.Decision, cand market.Candidate, mode executor.Mode) (storage.ExecutionRecord, error)
	CheckStatus(ctx context.Context, txRef string) (storage.ExecutionStatus, error)
}

var (
	_ SnapshotSource = (*fetcher.Gateway)(nil)
	_ Executor       = (*executor.Executor)(nil)
)

// Deps are the collaborators of the round loop. Rounds, Locker, Publisher,
// Alerts and Metrics are optional.
type Deps struct {
	Gateway   SnapshotSource
	GasOracle fetcher.GasOracle
	Executor  Executor
	Ledger    *ledger.Ledger
	Rounds    storage.RoundStore
	Locker    storage.AdvisoryLocker
	Publisher broadcast.Publisher
	Alerts    *alerting.Dispatcher
	Metrics   *metrics.Metrics
}

// Options tune the round loop.
type Options struct {
	Policy        policy.Config
	Mode          executor.Mode
	RoundDeadline time.Duration
	// AdvisoryLockKey seeds the per-agent Postgres advisory lock. Zero disables it.
	AdvisoryLockKey int64
	AlignToStart    bool
	StartupDelay    time.Duration
	Now             func() time.Time
}

// Service runs the agents' rounds.
type Service struct {
	agents []Agent
	names  map[storage.StatsKey]string
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// New wires the service and subscribes to ledger changes so every recorded
// execution is broadcast, alerted and counted exactly once.
func New(agents []Agent, deps Deps, opts Options, logger zerolog.Logger) (*Service, error) {
	if deps.Gateway == nil || deps.Executor == nil || deps.Ledger == nil {
		return nil, errors.New("service: gateway, executor and ledger are required")
	}
	if deps.GasOracle == nil {
		deps.GasOracle = fetcher.StaticGasOracle{}
	}
	if opts.Mode == "" {
		opts.Mode = executor.ModeSimulate
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	names := make(map[storage.StatsKey]string, len(agents))
	for _, a := range agents {
		if _, ok := names[a.Key()]; !ok {
			names[a.Key()] = a.Name
		}
	}

	s := &Service{
		agents: agents,
		names:  names,
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
	}
	deps.Ledger.OnChange(s.onLedgerChange)
	return s, nil
}

// Agents returns the configured agents.
func (s *Service) Agents() []Agent { return s.agents }

// Agent looks an agent up by name.
func (s *Service) Agent(name string) (Agent, bool) {
	for _, a := range s.agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// Run starts one scheduler per agent and blocks until ctx is cancelled.
// Agents run independently; a slow round delays only its own agent.
func (s *Service) Run(ctx context.Context) error {
	if len(s.agents) == 0 {
		return errors.New("service: no agents configured")
	}
	group, gctx := errgroup.WithContext(ctx)
	for _, agent := range s.agents {
		sched, err := scheduler.New(scheduler.Options{
			Name:         agent.Name,
			Interval:     agent.Interval,
			AlignToStart: s.opts.AlignToStart,
			StartupDelay: s.opts.StartupDelay,
			Immediate:    true,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		group.Go(func() error {
			return sched.Run(gctx, func(ctx context.Context, _ time.Time) error {
				return s.RunRound(ctx, agent).Err
			})
		})
	}
	s.logger.Info().Int("agents", len(s.agents)).Str("mode", string(s.opts.Mode)).Msg("agents started")

	err := group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Service) acquireLock(ctx context.Context, agent Agent) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, agentLockKey(s.opts.AdvisoryLockKey, agent.Name))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// agentLockKey derives a distinct advisory lock per agent from the base key.
func agentLockKey(base int64, name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return base ^ int64(h.Sum64()>>1)
}

func (s *Service) onLedgerChange(ctx context.Context, rec storage.ExecutionRecord, stats storage.AgentStats) {
	agent := s.names[rec.Key()]
	s.deps.Metrics.RecordTrade(string(rec.AgentType), string(rec.Status), rec.FeePaid)
	s.deps.Metrics.RecordPnL(rec.AccountKey, string(rec.AgentType), stats.TotalPnL)

	s.publish(rec.AccountKey, broadcast.EventExecution, rec)
	s.publish(rec.AccountKey, broadcast.EventStats, stats)

	if _, err := s.deps.Alerts.Dispatch(ctx, agent, rec, stats); err != nil {
		s.logger.Error().Err(err).Str("execution_id", rec.ExecutionID).Msg("failed to dispatch alert")
	}
}

func (s *Service) publish(accountKey string, typ broadcast.EventType, payload any) {
	if s.deps.Publisher == nil {
		return
	}
	ev, err := broadcast.NewEvent(typ, accountKey, payload, s.opts.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(typ)).Msg("build event")
		return
	}
	s.deps.Publisher.Publish(accountKey, ev)
}
