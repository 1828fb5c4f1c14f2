package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"defi-agents/internal/config"
	"defi-agents/internal/detector"
	"defi-agents/internal/market"
	"defi-agents/internal/portfolio"
	"defi-agents/internal/storage"
)

// Agent is one configured agent bound to an account.
type Agent struct {
	Name       string
	Type       storage.AgentType
	AccountKey string
	Interval   time.Duration
	Sources    []market.SourceSpec
	Detector   *detector.Detector
	Holdings   []portfolio.Holding
	Targets    []detector.Allocation
}

// Key is the ledger key the agent writes to.
func (a Agent) Key() storage.StatsKey {
	return storage.StatsKey{AccountKey: a.AccountKey, AgentType: a.Type}
}

// GasModelFromConfig builds the per-chain gas cost table.
func GasModelFromConfig(cfg config.GasConfig) detector.GasModel {
	model := detector.DefaultGasModel()
	if len(cfg.BaseCostUSD) > 0 {
		model.BaseCost = make(map[string]decimal.Decimal, len(cfg.BaseCostUSD))
		for chain, cost := range cfg.BaseCostUSD {
			model.BaseCost[strings.ToLower(chain)] = cost
		}
	}
	if cfg.DefaultCostUSD.IsPositive() {
		model.Default = cfg.DefaultCostUSD
	}
	if cfg.CrossChainMultiplier.IsPositive() {
		model.CrossChainMultiplier = cfg.CrossChainMultiplier
	}
	return model
}

// AgentsFromConfig resolves every configured agent.
func AgentsFromConfig(cfg *config.Config) ([]Agent, error) {
	gas := GasModelFromConfig(cfg.Gas)
	agents := make([]Agent, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		agent, err := agentFromConfig(cfg, ac, gas)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func agentFromConfig(cfg *config.Config, ac config.AgentConfig, gas detector.GasModel) (Agent, error) {
	agentType, ok := storage.ParseAgentType(ac.Type)
	if !ok {
		return Agent{}, fmt.Errorf("agent %s: unsupported type %q", ac.Name, ac.Type)
	}
	specs, err := ac.SourceSpecs()
	if err != nil {
		return Agent{}, err
	}

	agent := Agent{
		Name:       ac.Name,
		Type:       agentType,
		AccountKey: ac.AccountKey,
		Interval:   cfg.AgentInterval(ac),
		Sources:    specs,
		Detector: detector.New(detector.Config{
			MaxPositionSize:       cfg.Policy.MaxPositionSize,
			HorizonDays:           cfg.Policy.RebalanceHorizonDays,
			CurrentProtocol:       ac.CurrentProtocol,
			RebalanceThresholdPct: cfg.Policy.RebalanceThresholdPct,
			Gas:                   gas,
		}),
	}
	for _, h := range ac.Holdings {
		agent.Holdings = append(agent.Holdings, portfolio.Holding{
			Asset:  strings.ToUpper(h.Asset),
			Chain:  strings.ToLower(h.Chain),
			Amount: h.Amount,
		})
	}
	for _, t := range ac.Targets {
		agent.Targets = append(agent.Targets, detector.Allocation{Asset: strings.ToUpper(t.Asset), Pct: t.Pct})
	}
	if (agentType == storage.AgentRebalance || agentType == storage.AgentRisk) && len(agent.Holdings) == 0 {
		return Agent{}, fmt.Errorf("agent %s: %s agents need holdings", ac.Name, agentType)
	}
	if agentType == storage.AgentRebalance && len(agent.Targets) == 0 {
		return Agent{}, fmt.Errorf("agent %s: rebalance agents need target allocations", ac.Name)
	}
	return agent, nil
}
