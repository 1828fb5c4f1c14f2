package market

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSnapshotAddReplacesInPlace(t *testing.T) {
	pair := AssetPair{Base: "ETH", Quote: "USDC"}
	var snap Snapshot
	snap.Add(Quote{SourceID: "a", ChainID: "ethereum", Pair: pair, Price: decimal.NewFromInt(100)})
	snap.Add(Quote{SourceID: "b", ChainID: "ethereum", Pair: pair, Price: decimal.NewFromInt(101)})
	snap.Add(Quote{SourceID: "a", ChainID: "ethereum", Pair: pair, Price: decimal.NewFromInt(102)})

	if snap.Len() != 2 {
		t.Fatalf("expected 2 quotes, got %d", snap.Len())
	}
	if snap.Quotes[0].SourceID != "a" || !snap.Quotes[0].Price.Equal(decimal.NewFromInt(102)) {
		t.Fatalf("last quote for a key should win in its original slot: %+v", snap.Quotes[0])
	}
}

func TestSnapshotSameSourceDifferentChain(t *testing.T) {
	pair := AssetPair{Base: "ETH", Quote: "USDC"}
	var snap Snapshot
	snap.Add(Quote{SourceID: "a", ChainID: "ethereum", Pair: pair})
	snap.Add(Quote{SourceID: "a", ChainID: "polygon", Pair: pair})
	if snap.Len() != 2 {
		t.Fatalf("chain is part of the key, got %d quotes", snap.Len())
	}
	if got := snap.Sources(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected sources %v", got)
	}
}

func TestParsePair(t *testing.T) {
	cases := map[string]string{
		"eth/usdc": "ETH/USDC",
		"WBTC-DAI": "WBTC/DAI",
	}
	for raw, want := range cases {
		p, err := ParsePair(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if p.String() != want {
			t.Fatalf("parse %q: want %s got %s", raw, want, p.String())
		}
	}
	if _, err := ParsePair("ETH"); err == nil {
		t.Fatal("single token should not parse")
	}
}

func TestTargetKey(t *testing.T) {
	if k := ProtocolTarget("aave-v3").Key(); k != "aave-v3" {
		t.Fatalf("protocol key: %s", k)
	}
	if k := PairTarget(AssetPair{Base: "x", Quote: "y"}).Key(); k != "X/Y" {
		t.Fatalf("pair key: %s", k)
	}
}
