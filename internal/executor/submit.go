package executor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
	"defi-agents/internal/storage"
)

// Action is what gets handed to the chain submission collaborator.
type Action struct {
	CandidateID    string          `json:"candidate_id"`
	Kind           string          `json:"kind"`
	Instrument     string          `json:"instrument"`
	BuySource      string          `json:"buy_source,omitempty"`
	SellSource     string          `json:"sell_source,omitempty"`
	Chains         []string        `json:"chains"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
}

// Receipt acknowledges a submission.
type Receipt struct {
	TxRef  string                  `json:"tx_ref"`
	Status storage.ExecutionStatus `json:"status"`
}

// Submitter sends actions on-chain and reports their status.
type Submitter interface {
	Submit(ctx context.Context, accountKey string, action Action) (Receipt, error)
	Status(ctx context.Context, txRef string) (storage.ExecutionStatus, error)
}

// ActionFor builds the submission payload for a candidate.
func ActionFor(cand market.Candidate) Action {
	return Action{
		CandidateID:    cand.ID,
		Kind:           string(cand.Kind),
		Instrument:     cand.Instrument(),
		BuySource:      cand.BuySource,
		SellSource:     cand.SellSource,
		Chains:         cand.Chains,
		AmountIn:       cand.TradeSize,
		ExpectedProfit: ExpectedProfit(cand),
	}
}

// submit hands the candidate to the submitter and polls until it settles or
// the confirm timeout passes. A record still pending at the timeout keeps its
// expected figures so a later status update can confirm it as-is.
func (e *Executor) submit(ctx context.Context, acct Account, cand market.Candidate) storage.ExecutionRecord {
	rec := e.newRecord(acct, cand, ModeSubmit)
	log := e.logger.With().Str("account", acct.Key).Str("candidate", cand.ID).Logger()

	receipt, err := e.submitter.Submit(ctx, acct.Key, ActionFor(cand))
	if err != nil {
		log.Warn().Err(err).Msg("submission failed")
		fail(&rec)
		return rec
	}
	rec.TxReference = receipt.TxRef

	status := receipt.Status
	if status == "" || status == storage.StatusPending {
		status = e.waitForConfirmation(ctx, receipt.TxRef)
	}

	switch status {
	case storage.StatusConfirmed:
		e.settle(&rec, cand)
	case storage.StatusFailed:
		log.Warn().Str("tx", receipt.TxRef).Msg("transaction reverted")
		fail(&rec)
	default:
		e.settle(&rec, cand)
		rec.Status = storage.StatusPending
		log.Info().Str("tx", receipt.TxRef).Msg("transaction still pending at confirm timeout")
	}
	return rec
}

func (e *Executor) waitForConfirmation(ctx context.Context, txRef string) storage.ExecutionStatus {
	deadline := time.NewTimer(e.opts.ConfirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return storage.StatusPending
		case <-deadline.C:
			return storage.StatusPending
		case <-ticker.C:
			status, err := e.submitter.Status(ctx, txRef)
			if err != nil {
				e.logger.Debug().Err(err).Str("tx", txRef).Msg("status poll failed")
				continue
			}
			if status == storage.StatusConfirmed || status == storage.StatusFailed {
				return status
			}
		}
	}
}

// CheckStatus asks the submitter where a previously submitted transaction
// stands. It is used to settle records left pending by the confirm timeout.
func (e *Executor) CheckStatus(ctx context.Context, txRef string) (storage.ExecutionStatus, error) {
	if e.submitter == nil {
		return "", errors.New("executor: no submitter configured")
	}
	if txRef == "" {
		return "", errors.New("executor: empty transaction reference")
	}
	return e.submitter.Status(ctx, txRef)
}
