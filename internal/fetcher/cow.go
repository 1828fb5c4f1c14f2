package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
	"defi-agents/internal/version"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
	networkToken   = "{network}"
)

// cowNetworks maps chain ids to CoW API network path segments.
var cowNetworks = map[string]string{
	"ethereum": "mainnet",
	"gnosis":   "xdai",
	"arbitrum": "arbitrum_one",
	"base":     "base",
}

// Token is an ERC-20 known to an adapter.
type Token struct {
	Symbol   string
	Chain    string
	Address  string
	Decimals int32
}

// TokenBook resolves symbols to token metadata per chain.
type TokenBook map[string]Token

func tokenKey(chain, symbol string) string {
	return strings.ToLower(chain) + ":" + strings.ToUpper(symbol)
}

// NewTokenBook indexes tokens by chain and symbol.
func NewTokenBook(tokens []Token) TokenBook {
	book := make(TokenBook, len(tokens))
	for _, t := range tokens {
		book[tokenKey(t.Chain, t.Symbol)] = t
	}
	return book
}

// Lookup finds a token on chain.
func (b TokenBook) Lookup(chain, symbol string) (Token, bool) {
	t, ok := b[tokenKey(chain, symbol)]
	return t, ok
}

// CowOptions parameterise the CoW Protocol quoter.
type CowOptions struct {
	// BaseURL may contain {network}, replaced with the CoW network of the chain.
	BaseURL      string
	PriceQuality string
	// Notional is the base-asset amount sold to obtain a quote.
	Notional  decimal.Decimal
	Timeout   time.Duration
	UserAgent string
	Tokens    TokenBook
}

// CowQuoter prices pairs through CoW Protocol sell quotes.
type CowQuoter struct {
	opts   CowOptions
	logger zerolog.Logger
	client *http.Client
}

// NewCowQuoter constructs a CoW quote adapter.
func NewCowQuoter(opts CowOptions, logger zerolog.Logger) *CowQuoter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.cow.fi/" + networkToken + "/api/v1"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &CowQuoter{
		opts:   opts,
		logger: logger.With().Str("component", "cow_quoter").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *CowQuoter) endpoint(chainID string) (string, error) {
	if !strings.Contains(c.opts.BaseURL, networkToken) {
		return c.opts.BaseURL + cowQuotePath, nil
	}
	network, ok := cowNetworks[strings.ToLower(chainID)]
	if !ok {
		return "", fmt.Errorf("cow protocol does not support chain %s", chainID)
	}
	return strings.ReplaceAll(c.opts.BaseURL, networkToken, network) + cowQuotePath, nil
}

// FetchQuote sells Notional units of the base token for the quote token.
// Price is quote per base; liquidity is the quoted notional in quote units.
func (c *CowQuoter) FetchQuote(ctx context.Context, chainID string, target market.Target) (market.Quote, error) {
	if target.IsYield() {
		return market.Quote{}, errors.New("cow quoter serves price targets only")
	}
	if c.opts.Notional.Sign() <= 0 {
		return market.Quote{}, errors.New("notional must be greater than zero")
	}

	sell, ok := c.opts.Tokens.Lookup(chainID, target.Pair.Base)
	if !ok {
		return market.Quote{}, fmt.Errorf("token %s not configured on %s", target.Pair.Base, chainID)
	}
	buy, ok := c.opts.Tokens.Lookup(chainID, target.Pair.Quote)
	if !ok {
		return market.Quote{}, fmt.Errorf("token %s not configured on %s", target.Pair.Quote, chainID)
	}

	sellAtoms := c.opts.Notional.Shift(sell.Decimals).Round(0)
	if sellAtoms.IsZero() {
		return market.Quote{}, errors.New("sell amount rounded to zero")
	}

	reqPayload := quoteRequest{
		SellToken:           sell.Address,
		BuyToken:            buy.Address,
		Kind:                "sell",
		From:                zeroAddressHex,
		AppData:             `{"version":"0.7.0","appCode":"defi-agents","metadata":{}}`,
		PriceQuality:        c.opts.PriceQuality,
		SellAmountBeforeFee: sellAtoms.StringFixed(0),
		ValidTo:             uint64(time.Now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return market.Quote{}, err
	}

	endpoint, err := c.endpoint(chainID)
	if err != nil {
		return market.Quote{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return market.Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return market.Quote{}, err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return market.Quote{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return market.Quote{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return market.Quote{}, fmt.Errorf("decode cow quote: %w", err)
	}

	buyAtoms, err := decimal.NewFromString(quoteRes.Quote.BuyAmount)
	if err != nil {
		return market.Quote{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if buyAtoms.Sign() <= 0 {
		return market.Quote{}, errors.New("buy amount returned zero")
	}

	received := buyAtoms.Shift(-buy.Decimals)
	price := received.Div(c.opts.Notional)

	c.logger.Debug().
		Str("chain", chainID).
		Str("pair", target.Pair.String()).
		Str("price", price.String()).
		Msg("cow quote")

	return market.Quote{
		Pair:       target.Pair,
		Price:      price,
		Liquidity:  received,
		ObservedAt: time.Now().UTC(),
	}, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
	} `json:"quote"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}

var _ QuoteFetcher = (*CowQuoter)(nil)
