// Package executor turns accepted decisions into execution records, either by
// simulating them locally or by handing them to a chain submission relay.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
	"defi-agents/internal/storage"
)

// ErrNotAccepted is returned when asked to execute a rejected decision.
var ErrNotAccepted = errors.New("executor: decision not accepted")

var bpsDivisor = decimal.NewFromInt(10_000)

// Mode selects how accepted decisions are carried out.
type Mode string

const (
	ModeSimulate Mode = "simulate"
	ModeSubmit   Mode = "submit"
)

// ParseMode validates a raw mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeSimulate:
		return ModeSimulate, nil
	case ModeSubmit:
		return ModeSubmit, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", raw)
	}
}

// FeeModel charges a fixed fee plus basis points of the amount traded.
type FeeModel struct {
	Fixed decimal.Decimal
	Bps   decimal.Decimal
}

// Fee returns the fee charged on amount.
func (f FeeModel) Fee(amount decimal.Decimal) decimal.Decimal {
	return f.Fixed.Add(amount.Mul(f.Bps).Div(bpsDivisor))
}

// Account identifies who an execution is recorded for.
type Account struct {
	Key       string
	AgentType storage.AgentType
}

// Options configure an Executor.
type Options struct {
	Fees FeeModel
	// Seed is mixed into simulated transaction references.
	Seed           string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	Now            func() time.Time
}

// Executor carries out accepted decisions.
type Executor struct {
	opts      Options
	submitter Submitter
	counter   atomic.Uint64
	logger    zerolog.Logger
}

// New constructs an Executor. submitter may be nil when only simulation is used.
func New(opts Options, submitter Submitter, logger zerolog.Logger) *Executor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	e := &Executor{
		opts:      opts,
		submitter: submitter,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
	// Start from the clock so references stay unique across restarts.
	e.counter.Store(uint64(opts.Now().UnixNano()))
	return e
}

// Execute records the outcome of acting on an accepted candidate. Submission
// failures are returned as failed records, not errors.
func (e *Executor) Execute(ctx context.Context, acct Account, decision market.Decision, cand market.Candidate, mode Mode) (storage.ExecutionRecord, error) {
	if !decision.Accepted {
		return storage.ExecutionRecord{}, ErrNotAccepted
	}
	switch mode {
	case ModeSimulate:
		return e.simulate(acct, cand), nil
	case ModeSubmit:
		if e.submitter == nil {
			return storage.ExecutionRecord{}, errors.New("executor: no submitter configured")
		}
		return e.submit(ctx, acct, cand), nil
	default:
		return storage.ExecutionRecord{}, fmt.Errorf("executor: unknown mode %q", mode)
	}
}

func (e *Executor) simulate(acct Account, cand market.Candidate) storage.ExecutionRecord {
	rec := e.newRecord(acct, cand, ModeSimulate)
	rec.TxReference = e.mockReference(acct.Key, cand.ID)
	e.settle(&rec, cand)
	return rec
}

// mockReference hashes account, candidate, seed and a never-reused counter.
func (e *Executor) mockReference(accountKey, candidateID string) string {
	n := e.counter.Add(1)
	payload := fmt.Sprintf("%s|%s|%s|%d", accountKey, candidateID, e.opts.Seed, n)
	return crypto.Keccak256Hash([]byte(payload)).Hex()
}

func (e *Executor) newRecord(acct Account, cand market.Candidate, mode Mode) storage.ExecutionRecord {
	chains := make([]string, len(cand.Chains))
	copy(chains, cand.Chains)
	return storage.ExecutionRecord{
		ExecutionID:    uuid.NewString(),
		AccountKey:     acct.Key,
		AgentType:      acct.AgentType,
		CandidateID:    cand.ID,
		Instrument:     cand.Instrument(),
		Mode:           string(mode),
		ChainsInvolved: chains,
		AmountIn:       cand.TradeSize,
		AmountOut:      cand.TradeSize,
		FeePaid:        decimal.Zero,
		Profit:         decimal.Zero,
		Status:         storage.StatusPending,
		CreatedAt:      e.opts.Now(),
	}
}

// settle marks rec confirmed with the expected profit and the modelled fee.
func (e *Executor) settle(rec *storage.ExecutionRecord, cand market.Candidate) {
	rec.Status = storage.StatusConfirmed
	rec.Profit = ExpectedProfit(cand)
	rec.FeePaid = e.opts.Fees.Fee(rec.AmountIn)
	rec.AmountOut = rec.AmountIn.Add(rec.Profit).Sub(rec.FeePaid)
}

// fail marks rec failed: nothing earned, nothing charged.
func fail(rec *storage.ExecutionRecord) {
	rec.Status = storage.StatusFailed
	rec.Profit = decimal.Zero
	rec.FeePaid = decimal.Zero
	rec.AmountOut = rec.AmountIn
}

// ExpectedProfit is the profit booked for a confirmed execution. Rebalances
// move value without earning, so they book zero.
func ExpectedProfit(cand market.Candidate) decimal.Decimal {
	if cand.Kind == market.KindRebalance {
		return decimal.Zero
	}
	return cand.NetProfitEstimate
}
