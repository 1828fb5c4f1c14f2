package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

func cowTokens() TokenBook {
	return NewTokenBook([]Token{
		{Symbol: "ETH", Chain: "ethereum", Address: "0x1", Decimals: 18},
		{Symbol: "USDC", Chain: "ethereum", Address: "0x2", Decimals: 6},
	})
}

func TestCowQuoterMissingTokens(t *testing.T) {
	c := NewCowQuoter(CowOptions{Notional: decimal.NewFromInt(1), Tokens: TokenBook{}}, noopLogger())
	if _, err := c.FetchQuote(context.Background(), "ethereum", market.PairTarget(ethUSDC)); err == nil {
		t.Fatal("缺少 token 时应返回错误")
	}
}

func TestCowQuoterHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "bad"})
	}))
	defer srv.Close()

	c := NewCowQuoter(CowOptions{
		BaseURL:  srv.URL,
		Notional: decimal.NewFromInt(1),
		Timeout:  time.Second,
		Tokens:   cowTokens(),
	}, noopLogger())

	if _, err := c.FetchQuote(context.Background(), "ethereum", market.PairTarget(ethUSDC)); err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
}

func TestCowQuoterSuccess(t *testing.T) {
	var got quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]string{
				"sellAmount": "2000000000000000000",
				"buyAmount":  "6000000000",
				"feeAmount":  "0",
			},
		})
	}))
	defer srv.Close()

	c := NewCowQuoter(CowOptions{
		BaseURL:   srv.URL,
		Notional:  decimal.NewFromInt(2),
		Timeout:   time.Second,
		UserAgent: "test",
		Tokens:    cowTokens(),
	}, noopLogger())

	q, err := c.FetchQuote(context.Background(), "ethereum", market.PairTarget(ethUSDC))
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("期望价格 3000, 实际 %s", q.Price)
	}
	if !q.Liquidity.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("期望流动性 6000, 实际 %s", q.Liquidity)
	}
	if got.SellAmountBeforeFee != "2000000000000000000" || got.SellToken != "0x1" {
		t.Fatalf("request payload wrong: %+v", got)
	}
}

func TestCowEndpointNetwork(t *testing.T) {
	c := NewCowQuoter(CowOptions{}, noopLogger())
	ep, err := c.endpoint("arbitrum")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if ep != "https://api.cow.fi/arbitrum_one/api/v1/quote" {
		t.Fatalf("unexpected endpoint %s", ep)
	}
	if _, err := c.endpoint("solana"); err == nil {
		t.Fatal("unsupported chain should error")
	}
}
