package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

const (
	uniswapV2PairABIJSON = `[{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"}]`
)

var (
	uniswapV2PairABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(uniswapV2PairABIJSON))
	if err != nil {
		panic("failed to parse UniswapV2Pair ABI: " + err.Error())
	}
	uniswapV2PairABI = parsed
}

// PoolRef locates a V2 pair contract for one asset pair on one chain.
type PoolRef struct {
	Chain     string
	Pair      market.AssetPair
	Address   string
	Decimals0 int32
	Decimals1 int32
	// Inverted is set when token0 is the quote asset.
	Inverted bool
}

// UniswapV2Options parameterise the reserves adapter.
type UniswapV2Options struct {
	Pools   []PoolRef
	Timeout time.Duration
}

// UniswapV2Pool prices pairs from constant-product pool reserves.
type UniswapV2Pool struct {
	opts    UniswapV2Options
	clients *ChainClients
	pools   map[string]PoolRef
	logger  zerolog.Logger
}

// NewUniswapV2Pool builds the adapter.
func NewUniswapV2Pool(opts UniswapV2Options, clients *ChainClients, logger zerolog.Logger) *UniswapV2Pool {
	pools := make(map[string]PoolRef, len(opts.Pools))
	for _, p := range opts.Pools {
		pools[poolKey(p.Chain, p.Pair)] = p
	}
	return &UniswapV2Pool{
		opts:    opts,
		clients: clients,
		pools:   pools,
		logger:  logger.With().Str("component", "uniswap_v2").Logger(),
	}
}

func poolKey(chain string, pair market.AssetPair) string {
	return strings.ToLower(chain) + ":" + pair.String()
}

// FetchQuote reads getReserves and returns price in quote units per base.
// Liquidity is the quote-side reserve.
func (u *UniswapV2Pool) FetchQuote(ctx context.Context, chainID string, target market.Target) (market.Quote, error) {
	if target.IsYield() {
		return market.Quote{}, errors.New("uniswap v2 adapter serves price targets only")
	}
	pool, ok := u.pools[poolKey(chainID, target.Pair)]
	if !ok {
		return market.Quote{}, fmt.Errorf("no pool configured for %s on %s", target.Pair, chainID)
	}
	if pool.Address == "" {
		return market.Quote{}, errors.New("pool contract address not configured")
	}

	timeout := u.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := u.clients.Reader(ctx, chainID)
	if err != nil {
		return market.Quote{}, err
	}

	addr := common.HexToAddress(pool.Address)
	payload, err := uniswapV2PairABI.Pack("getReserves")
	if err != nil {
		return market.Quote{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return market.Quote{}, err
	}

	outputs, err := uniswapV2PairABI.Unpack("getReserves", res)
	if err != nil {
		return market.Quote{}, err
	}
	if len(outputs) != 3 {
		return market.Quote{}, errors.New("unexpected getReserves response")
	}

	raw0, ok0 := outputs[0].(*big.Int)
	raw1, ok1 := outputs[1].(*big.Int)
	if !ok0 || !ok1 {
		return market.Quote{}, errors.New("failed to decode getReserves output")
	}

	reserve0 := decimal.NewFromBigInt(raw0, -pool.Decimals0)
	reserve1 := decimal.NewFromBigInt(raw1, -pool.Decimals1)
	base, quote := reserve0, reserve1
	if pool.Inverted {
		base, quote = reserve1, reserve0
	}
	if base.Sign() <= 0 || quote.Sign() <= 0 {
		return market.Quote{}, errors.New("pool has no liquidity")
	}

	observed := time.Now().UTC()
	if ts, ok := outputs[2].(uint32); ok && ts > 0 {
		observed = time.Unix(int64(ts), 0).UTC()
	}

	return market.Quote{
		Pair:       target.Pair,
		Price:      quote.Div(base),
		Liquidity:  quote,
		ObservedAt: observed,
	}, nil
}

var _ QuoteFetcher = (*UniswapV2Pool)(nil)
