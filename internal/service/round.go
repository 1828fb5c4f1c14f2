package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-agents/internal/broadcast"
	"defi-agents/internal/detector"
	"defi-agents/internal/executor"
	"defi-agents/internal/market"
	"defi-agents/internal/policy"
	"defi-agents/internal/portfolio"
	"defi-agents/internal/risk"
	"defi-agents/internal/storage"
)

// Outcome classifies a finished round.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeNoOpportunity Outcome = "no-opportunity"
	OutcomeFailed        Outcome = "failed"
	// OutcomeSkipped means another instance holds the agent's advisory lock.
	// Skipped rounds are neither logged nor broadcast.
	OutcomeSkipped Outcome = "skipped"
)

const defaultGasChain = "ethereum"

// RoundResult is everything one round produced. Decisions[i] belongs to
// Candidates[i].
type RoundResult struct {
	Agent      string                    `json:"agent"`
	AccountKey string                    `json:"account_key"`
	AgentType  storage.AgentType         `json:"agent_type"`
	Outcome    Outcome                   `json:"status"`
	Candidates []market.Candidate        `json:"candidates"`
	Decisions  []market.Decision         `json:"decisions"`
	Records    []storage.ExecutionRecord `json:"records"`
	Failures   []market.SourceFailure    `json:"failures,omitempty"`
	Assessment *risk.Assessment          `json:"assessment,omitempty"`
	StartedAt  time.Time                 `json:"started_at"`
	Duration   time.Duration             `json:"duration"`
	Err        error                     `json:"-"`
}

// Accepted counts accepted decisions.
func (r RoundResult) Accepted() int {
	n := 0
	for _, d := range r.Decisions {
		if d.Accepted {
			n++
		}
	}
	return n
}

// roundEvent is the payload of a round broadcast.
type roundEvent struct {
	Agent      string                 `json:"agent"`
	AgentType  storage.AgentType      `json:"agent_type"`
	Status     Outcome                `json:"status"`
	Candidates int                    `json:"candidates"`
	Accepted   int                    `json:"accepted"`
	Executions int                    `json:"executions"`
	Failures   []market.SourceFailure `json:"failures,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
}

// RunRound executes one fetch, detect, decide, execute and record pass for
// agent. Only a ledger failure fails the round; everything else degrades it.
func (s *Service) RunRound(ctx context.Context, agent Agent) RoundResult {
	started := s.opts.Now()
	res := RoundResult{
		Agent:      agent.Name,
		AccountKey: agent.AccountKey,
		AgentType:  agent.Type,
		StartedAt:  started,
	}
	log := s.logger.With().Str("agent", agent.Name).Str("account", agent.AccountKey).Logger()

	if s.opts.RoundDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RoundDeadline)
		defer cancel()
	}

	unlock, proceed, err := s.acquireLock(ctx, agent)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		s.finish(ctx, &res, log)
		return res
	}
	if !proceed {
		log.Debug().Msg("skip round because advisory lock held elsewhere")
		res.Outcome = OutcomeSkipped
		return res
	}
	if unlock != nil {
		defer unlock()
	}

	if s.opts.Mode == executor.ModeSubmit {
		s.reconcilePending(ctx, agent, log)
	}

	snap := s.deps.Gateway.FetchSnapshot(ctx, agent.Sources)
	res.Failures = snap.Failures

	if agent.Type == storage.AgentRisk {
		s.assessRisk(agent, snap, &res)
		s.finish(ctx, &res, log)
		return res
	}

	res.Candidates = s.detect(agent, snap)
	res.Decisions = make([]market.Decision, len(res.Candidates))
	gasPrices := make(map[string]gasReading)
	for i, cand := range res.Candidates {
		s.deps.Metrics.RecordCandidate(string(cand.Kind))
		decision := s.decide(ctx, cand, gasPrices, log)
		res.Decisions[i] = decision
		s.deps.Metrics.RecordDecision(agent.Name, string(decision.Reason))
		if !decision.Accepted {
			continue
		}

		rec, err := s.deps.Executor.Execute(ctx, executor.Account{Key: agent.AccountKey, AgentType: agent.Type}, decision, cand, s.opts.Mode)
		if err != nil {
			log.Error().Err(err).Str("candidate", cand.ID).Msg("execution failed")
			continue
		}
		if _, err := s.deps.Ledger.Record(ctx, rec); err != nil {
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("record execution %s: %w", rec.ExecutionID, err)
			break
		}
		res.Records = append(res.Records, rec)
	}

	if res.Outcome == "" {
		if len(res.Records) > 0 {
			res.Outcome = OutcomeOK
		} else {
			res.Outcome = OutcomeNoOpportunity
		}
	}
	s.finish(ctx, &res, log)
	return res
}

func (s *Service) detect(agent Agent, snap market.Snapshot) []market.Candidate {
	var cands []market.Candidate
	switch agent.Type {
	case storage.AgentArbitrage:
		cands = agent.Detector.Arbitrage(snap)
	case storage.AgentYield:
		cands = agent.Detector.Yield(snap)
	case storage.AgentRebalance:
		// Rebalance candidates keep their priority order.
		return agent.Detector.Rebalance(portfolio.Value(agent.Holdings, snap), agent.Targets)
	}
	detector.Rank(cands)
	return cands
}

type gasReading struct {
	price decimal.Decimal
	err   error
}

// decide applies the policy with the gas price of the candidate's first chain.
// When the oracle fails and a gas ceiling is configured the candidate is
// rejected rather than judged on a guess.
func (s *Service) decide(ctx context.Context, cand market.Candidate, cache map[string]gasReading, log zerolog.Logger) market.Decision {
	chain := defaultGasChain
	if len(cand.Chains) > 0 {
		chain = cand.Chains[0]
	}
	reading, ok := cache[chain]
	if !ok {
		price, err := s.deps.GasOracle.GasPrice(ctx, chain)
		reading = gasReading{price: price, err: err}
		cache[chain] = reading
		if err != nil {
			log.Warn().Err(err).Str("chain", chain).Msg("gas price unavailable")
		}
	}
	if reading.err != nil {
		if s.opts.Policy.MaxGasPrice.IsPositive() {
			return market.Reject(market.ReasonGasPriceExceeded)
		}
		reading.price = decimal.Zero
	}
	return policy.Decide(cand, s.opts.Policy, reading.price)
}

func (s *Service) assessRisk(agent Agent, snap market.Snapshot, res *RoundResult) {
	assessment := risk.Assess(portfolio.Value(agent.Holdings, snap))
	assessment.AccountKey = agent.AccountKey
	assessment.AssessedAt = s.opts.Now()
	res.Assessment = &assessment
	if assessment.TotalValue.IsPositive() {
		res.Outcome = OutcomeOK
	} else {
		res.Outcome = OutcomeNoOpportunity
	}
	s.publish(agent.AccountKey, broadcast.EventRiskAssessment, assessment)
}

// reconcilePending settles records a previous round left pending.
func (s *Service) reconcilePending(ctx context.Context, agent Agent, log zerolog.Logger) {
	pending := storage.StatusPending
	agentType := agent.Type
	records, err := s.deps.Ledger.History(ctx, storage.ExecutionFilter{
		AccountKey: agent.AccountKey,
		AgentType:  &agentType,
		Status:     &pending,
	})
	if err != nil {
		log.Warn().Err(err).Msg("list pending executions")
		return
	}
	for _, rec := range records {
		status, err := s.deps.Executor.CheckStatus(ctx, rec.TxReference)
		if err != nil {
			log.Debug().Err(err).Str("execution_id", rec.ExecutionID).Msg("status check failed")
			continue
		}
		if status != storage.StatusConfirmed && status != storage.StatusFailed {
			continue
		}
		if _, err := s.deps.Ledger.UpdateStatus(ctx, rec.ExecutionID, status); err != nil {
			log.Warn().Err(err).Str("execution_id", rec.ExecutionID).Msg("settle pending execution")
			continue
		}
		log.Info().Str("execution_id", rec.ExecutionID).Str("status", string(status)).Msg("pending execution settled")
	}
}

// finish logs, persists and broadcasts the round summary.
func (s *Service) finish(ctx context.Context, res *RoundResult, log zerolog.Logger) {
	res.Duration = s.opts.Now().Sub(res.StartedAt)
	if res.Duration < 0 {
		res.Duration = 0
	}
	s.deps.Metrics.RecordRound(res.Agent, string(res.Outcome), res.Duration, s.opts.Now())
	for _, f := range res.Failures {
		s.deps.Metrics.RecordSourceFailure(f.SourceID, f.ChainID)
	}

	event := roundEvent{
		Agent:      res.Agent,
		AgentType:  res.AgentType,
		Status:     res.Outcome,
		Candidates: len(res.Candidates),
		Accepted:   res.Accepted(),
		Executions: len(res.Records),
		Failures:   res.Failures,
		DurationMs: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		event.Error = res.Err.Error()
	}

	entry := log.Info()
	if res.Outcome == OutcomeFailed {
		entry = log.Error().Err(res.Err)
	}
	entry.Str("status", string(res.Outcome)).
		Int("candidates", event.Candidates).
		Int("accepted", event.Accepted).
		Int("executions", event.Executions).
		Int("source_failures", len(res.Failures)).
		Dur("took", res.Duration).
		Msg("round completed")

	if s.deps.Rounds != nil {
		s.storeRound(ctx, res, event, log)
	}
	s.publish(res.AccountKey, broadcast.EventRound, event)
}

func (s *Service) storeRound(ctx context.Context, res *RoundResult, event roundEvent, log zerolog.Logger) {
	entry := storage.RoundLog{
		AccountKey: res.AccountKey,
		AgentType:  res.AgentType,
		Outcome:    string(res.Outcome),
		Candidates: event.Candidates,
		Accepted:   event.Accepted,
		StartedAt:  res.StartedAt,
		DurationMs: event.DurationMs,
	}
	for _, f := range res.Failures {
		entry.Failures = append(entry.Failures, fmt.Sprintf("%s@%s %s: %s", f.SourceID, f.ChainID, f.Target, f.Error))
	}
	if event.Error != "" {
		msg := event.Error
		entry.Error = &msg
	}
	// The round context may already be past its deadline.
	storeCtx := ctx
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := s.deps.Rounds.InsertRound(storeCtx, entry); err != nil {
		log.Error().Err(err).Msg("failed to persist round log")
	}
}
