package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

// StaticQuote is a fixed observation.
type StaticQuote struct {
	Price     decimal.Decimal
	Liquidity decimal.Decimal
	APY       decimal.Decimal
	Err       error
	Delay     time.Duration
}

// StaticSource serves configured quotes. Used by simulate, demos and tests.
type StaticSource struct {
	quotes map[string]StaticQuote
}

// NewStaticSource returns an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{quotes: make(map[string]StaticQuote)}
}

func staticKey(chainID string, target market.Target) string {
	return strings.ToLower(chainID) + "|" + target.Key()
}

// Set registers a quote for target on chainID.
func (s *StaticSource) Set(chainID string, target market.Target, q StaticQuote) *StaticSource {
	s.quotes[staticKey(chainID, target)] = q
	return s
}

// FetchQuote returns the configured quote, honouring Delay against ctx.
func (s *StaticSource) FetchQuote(ctx context.Context, chainID string, target market.Target) (market.Quote, error) {
	q, ok := s.quotes[staticKey(chainID, target)]
	if !ok {
		return market.Quote{}, fmt.Errorf("no static quote for %s on %s", target.Key(), chainID)
	}
	if q.Delay > 0 {
		timer := time.NewTimer(q.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return market.Quote{}, ctx.Err()
		case <-timer.C:
		}
	}
	if q.Err != nil {
		return market.Quote{}, q.Err
	}
	return market.Quote{
		Pair:      target.Pair,
		Protocol:  target.Protocol,
		Price:     q.Price,
		Liquidity: q.Liquidity,
		APY:       q.APY,
	}, nil
}

var _ QuoteFetcher = (*StaticSource)(nil)
