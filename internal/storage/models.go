package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AgentType identifies the agent that produced an execution.
type AgentType string

const (
	AgentArbitrage AgentType = "arbitrage"
	AgentYield     AgentType = "yield"
	AgentRebalance AgentType = "rebalance"
	AgentRisk      AgentType = "risk"
)

// ParseAgentType validates a raw agent type.
func ParseAgentType(raw string) (AgentType, bool) {
	switch t := AgentType(raw); t {
	case AgentArbitrage, AgentYield, AgentRebalance, AgentRisk:
		return t, true
	default:
		return "", false
	}
}

// ExecutionStatus tracks the lifecycle of a recorded execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusConfirmed ExecutionStatus = "confirmed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionRecord is the append-only artifact of an accepted decision.
type ExecutionRecord struct {
	ExecutionID    string          `json:"execution_id"`
	AccountKey     string          `json:"account_key"`
	AgentType      AgentType       `json:"agent_type"`
	CandidateID    string          `json:"candidate_id"`
	Instrument     string          `json:"instrument"`
	Mode           string          `json:"mode"`
	ChainsInvolved []string        `json:"chains_involved"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	FeePaid        decimal.Decimal `json:"fee_paid"`
	Profit         decimal.Decimal `json:"profit"`
	TxReference    string          `json:"tx_reference"`
	Status         ExecutionStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// StatsKey scopes cumulative statistics.
type StatsKey struct {
	AccountKey string
	AgentType  AgentType
}

// Key returns the stats key of the record.
func (r ExecutionRecord) Key() StatsKey {
	return StatsKey{AccountKey: r.AccountKey, AgentType: r.AgentType}
}

// String renders the key for lock names and logs.
func (k StatsKey) String() string {
	return k.AccountKey + ":" + string(k.AgentType)
}

// AgentStats is the cumulative aggregate of confirmed executions for one key.
type AgentStats struct {
	AccountKey    string          `json:"account_key"`
	AgentType     AgentType       `json:"agent_type"`
	TotalTrades   int64           `json:"total_trades"`
	WinningTrades int64           `json:"winning_trades"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	APYEstimate   decimal.Decimal `json:"apy_estimate"`
	LastUpdated   time.Time       `json:"last_updated"`
}

// WinRate returns winning/total as a fraction.
func (s AgentStats) WinRate() decimal.Decimal {
	if s.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(s.WinningTrades).Div(decimal.NewFromInt(s.TotalTrades))
}

// RoundLog summarises one completed round for dashboards.
type RoundLog struct {
	ID         int64     `json:"id"`
	AccountKey string    `json:"account_key"`
	AgentType  AgentType `json:"agent_type"`
	Outcome    string    `json:"outcome"`
	Candidates int       `json:"candidates"`
	Accepted   int       `json:"accepted"`
	Failures   []string  `json:"failures,omitempty"`
	Error      *string   `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}
