package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"defi-agents/internal/market"
	"defi-agents/internal/version"
)

const llamaPoolsPath = "/pools"

// LlamaOptions parameterise the DefiLlama yields adapter.
type LlamaOptions struct {
	BaseURL string
	Timeout time.Duration
	// PoolIDs pins a protocol id to a specific DefiLlama pool.
	PoolIDs  map[string]string
	CacheTTL time.Duration
}

// LlamaYields reads protocol APYs from the DefiLlama yields API.
type LlamaYields struct {
	opts   LlamaOptions
	client *http.Client
	logger zerolog.Logger

	mu        sync.Mutex
	payload   []byte
	fetchedAt time.Time
}

// NewLlamaYields constructs the adapter.
func NewLlamaYields(opts LlamaOptions, logger zerolog.Logger) *LlamaYields {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://yields.llama.fi"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &LlamaYields{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "llama_yields").Logger(),
	}
}

// FetchQuote returns the APY (as a fraction) and TVL of the protocol's pool on chainID.
func (l *LlamaYields) FetchQuote(ctx context.Context, chainID string, target market.Target) (market.Quote, error) {
	if !target.IsYield() {
		return market.Quote{}, errors.New("llama adapter serves protocol targets only")
	}

	body, err := l.pools(ctx)
	if err != nil {
		return market.Quote{}, err
	}

	pool, err := l.findPool(body, chainID, target.Protocol)
	if err != nil {
		return market.Quote{}, err
	}

	apyPct := pool.Get("apy")
	if !apyPct.Exists() {
		return market.Quote{}, fmt.Errorf("pool for %s has no apy", target.Protocol)
	}
	apy, err := decimal.NewFromString(apyPct.Raw)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse apy: %w", err)
	}
	tvl, err := decimal.NewFromString(pool.Get("tvlUsd").Raw)
	if err != nil {
		tvl = decimal.Zero
	}

	return market.Quote{
		Protocol:   target.Protocol,
		APY:        apy.Div(decimal.NewFromInt(100)),
		Liquidity:  tvl,
		ObservedAt: time.Now().UTC(),
	}, nil
}

func (l *LlamaYields) findPool(body []byte, chainID, protocol string) (gjson.Result, error) {
	if id, ok := l.opts.PoolIDs[protocol]; ok {
		res := gjson.GetBytes(body, fmt.Sprintf(`data.#(pool==%q)`, id))
		if !res.Exists() {
			return gjson.Result{}, fmt.Errorf("pool %s not found", id)
		}
		return res, nil
	}

	var best gjson.Result
	var bestTVL float64
	gjson.GetBytes(body, "data").ForEach(func(_, value gjson.Result) bool {
		if !strings.EqualFold(value.Get("project").String(), protocol) {
			return true
		}
		if !strings.EqualFold(value.Get("chain").String(), chainID) {
			return true
		}
		if tvl := value.Get("tvlUsd").Float(); !best.Exists() || tvl > bestTVL {
			best, bestTVL = value, tvl
		}
		return true
	})
	if !best.Exists() {
		return gjson.Result{}, fmt.Errorf("no %s pool on %s", protocol, chainID)
	}
	return best, nil
}

func (l *LlamaYields) pools(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.payload != nil && time.Since(l.fetchedAt) < l.opts.CacheTTL {
		return l.payload, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.opts.BaseURL+llamaPoolsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llama api error (%d)", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("llama api returned malformed json")
	}

	l.payload = body
	l.fetchedAt = time.Now()
	l.logger.Debug().Int("bytes", len(body)).Msg("refreshed pools payload")
	return body, nil
}

var _ QuoteFetcher = (*LlamaYields)(nil)
