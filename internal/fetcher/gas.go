package fetcher

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GasOracle reports the current network gas price in gwei.
type GasOracle interface {
	GasPrice(ctx context.Context, chainID string) (decimal.Decimal, error)
}

// EthGasOracle asks the chain RPC for its suggested gas price.
type EthGasOracle struct {
	clients  *ChainClients
	timeout  time.Duration
	fallback decimal.Decimal
}

// NewEthGasOracle builds an RPC-backed oracle. Chains without RPC report fallback.
func NewEthGasOracle(clients *ChainClients, timeout time.Duration, fallback decimal.Decimal) *EthGasOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EthGasOracle{clients: clients, timeout: timeout, fallback: fallback}
}

// GasPrice returns SuggestGasPrice converted from wei to gwei.
func (o *EthGasOracle) GasPrice(ctx context.Context, chainID string) (decimal.Decimal, error) {
	if !o.clients.Has(chainID) {
		return o.fallback, nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	client, err := o.clients.Reader(ctx, chainID)
	if err != nil {
		return decimal.Zero, err
	}
	wei, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, -9), nil
}

// StaticGasOracle returns fixed prices, per chain when configured.
type StaticGasOracle struct {
	Default decimal.Decimal
	ByChain map[string]decimal.Decimal
}

// GasPrice returns the configured price for chainID.
func (s StaticGasOracle) GasPrice(_ context.Context, chainID string) (decimal.Decimal, error) {
	if p, ok := s.ByChain[strings.ToLower(chainID)]; ok {
		return p, nil
	}
	return s.Default, nil
}

var (
	_ GasOracle = (*EthGasOracle)(nil)
	_ GasOracle = StaticGasOracle{}
)
