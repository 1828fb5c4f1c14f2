package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

const llamaPayload = `{"status":"success","data":[
 {"pool":"p-aave-eth","chain":"Ethereum","project":"aave-v3","symbol":"USDC","tvlUsd":5000000,"apy":3.5},
 {"pool":"p-aave-eth-small","chain":"Ethereum","project":"aave-v3","symbol":"DAI","tvlUsd":1000,"apy":9.0},
 {"pool":"p-aave-arb","chain":"Arbitrum","project":"aave-v3","symbol":"USDC","tvlUsd":2000000,"apy":4.25},
 {"pool":"p-comp","chain":"Ethereum","project":"compound-v3","symbol":"USDC","tvlUsd":3000000,"apy":5}
]}`

func llamaServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.URL.Path != "/pools" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(llamaPayload))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLlamaYieldsByProjectAndChain(t *testing.T) {
	var hits int32
	srv := llamaServer(t, &hits)
	l := NewLlamaYields(LlamaOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())

	q, err := l.FetchQuote(context.Background(), "ethereum", market.ProtocolTarget("aave-v3"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !q.APY.Equal(decimal.RequireFromString("0.035")) {
		t.Fatalf("largest ethereum aave pool should win, apy %s", q.APY)
	}
	if !q.Liquidity.Equal(decimal.NewFromInt(5_000_000)) {
		t.Fatalf("tvl: %s", q.Liquidity)
	}

	q, err = l.FetchQuote(context.Background(), "arbitrum", market.ProtocolTarget("aave-v3"))
	if err != nil {
		t.Fatalf("fetch arbitrum: %v", err)
	}
	if !q.APY.Equal(decimal.RequireFromString("0.0425")) {
		t.Fatalf("arbitrum apy %s", q.APY)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("payload should be cached within ttl, hits=%d", hits)
	}
}

func TestLlamaYieldsPinnedPool(t *testing.T) {
	var hits int32
	srv := llamaServer(t, &hits)
	l := NewLlamaYields(LlamaOptions{BaseURL: srv.URL, PoolIDs: map[string]string{"aave-v3": "p-aave-eth-small"}}, noopLogger())

	q, err := l.FetchQuote(context.Background(), "ethereum", market.ProtocolTarget("aave-v3"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !q.APY.Equal(decimal.RequireFromString("0.09")) {
		t.Fatalf("pinned pool apy %s", q.APY)
	}
}

func TestLlamaYieldsMissingAndMalformed(t *testing.T) {
	var hits int32
	srv := llamaServer(t, &hits)
	l := NewLlamaYields(LlamaOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := l.FetchQuote(context.Background(), "ethereum", market.ProtocolTarget("morpho")); err == nil {
		t.Fatal("unknown protocol should error")
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[`))
	}))
	defer bad.Close()
	l = NewLlamaYields(LlamaOptions{BaseURL: bad.URL}, noopLogger())
	if _, err := l.FetchQuote(context.Background(), "ethereum", market.ProtocolTarget("aave-v3")); err == nil {
		t.Fatal("malformed payload should error")
	}
}
