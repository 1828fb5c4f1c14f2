package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetPair names a base/quote token pair, e.g. ETH/USDC.
type AssetPair struct {
	Base  string `json:"base" mapstructure:"base"`
	Quote string `json:"quote" mapstructure:"quote"`
}

// String renders the pair as BASE/QUOTE.
func (p AssetPair) String() string {
	return strings.ToUpper(p.Base) + "/" + strings.ToUpper(p.Quote)
}

// IsZero reports whether the pair is unset.
func (p AssetPair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// ParsePair parses "ETH/USDC" or "eth-usdc".
func ParsePair(raw string) (AssetPair, error) {
	sep := "/"
	if !strings.Contains(raw, sep) {
		sep = "-"
	}
	parts := strings.Split(strings.TrimSpace(raw), sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return AssetPair{}, fmt.Errorf("invalid asset pair %q", raw)
	}
	return AssetPair{Base: strings.ToUpper(parts[0]), Quote: strings.ToUpper(parts[1])}, nil
}

// Target is what a source is asked for: a price pair or a yield protocol.
type Target struct {
	Pair     AssetPair
	Protocol string
}

// PairTarget builds a price target.
func PairTarget(p AssetPair) Target { return Target{Pair: p} }

// ProtocolTarget builds a yield target.
func ProtocolTarget(protocol string) Target { return Target{Protocol: protocol} }

// IsYield reports whether the target asks for a protocol APY.
func (t Target) IsYield() bool { return t.Protocol != "" }

// Key returns the pair string or protocol id.
func (t Target) Key() string {
	if t.IsYield() {
		return t.Protocol
	}
	return t.Pair.String()
}

// Quote is a point-in-time observation from one source on one chain.
type Quote struct {
	SourceID       string          `json:"source_id"`
	ChainID        string          `json:"chain_id"`
	Pair           AssetPair       `json:"pair"`
	Protocol       string          `json:"protocol,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Liquidity      decimal.Decimal `json:"liquidity"`
	APY            decimal.Decimal `json:"apy"`
	ObservedAt     time.Time       `json:"observed_at"`
	FetchLatencyMs int64           `json:"fetch_latency_ms"`
}

// Target reconstructs what the quote answers.
func (q Quote) Target() Target {
	return Target{Pair: q.Pair, Protocol: q.Protocol}
}

// QuoteKey identifies a quote slot within a snapshot.
type QuoteKey struct {
	SourceID string
	ChainID  string
	Target   string
}

// Key returns the snapshot slot of the quote.
func (q Quote) Key() QuoteKey {
	return QuoteKey{SourceID: q.SourceID, ChainID: q.ChainID, Target: q.Target().Key()}
}

// SourceFailure records a fetch that did not produce a quote.
type SourceFailure struct {
	SourceID string `json:"source_id"`
	ChainID  string `json:"chain_id"`
	Target   string `json:"target"`
	Error    string `json:"error"`
}

// Snapshot is the ordered set of quotes gathered in one round.
type Snapshot struct {
	Quotes   []Quote         `json:"quotes"`
	Failures []SourceFailure `json:"failures,omitempty"`
	TakenAt  time.Time       `json:"taken_at"`
	index    map[QuoteKey]int
}

// Add inserts q, replacing an existing quote for the same key in place.
func (s *Snapshot) Add(q Quote) {
	if s.index == nil {
		s.index = make(map[QuoteKey]int, len(s.Quotes))
		for i, existing := range s.Quotes {
			s.index[existing.Key()] = i
		}
	}
	key := q.Key()
	if pos, ok := s.index[key]; ok {
		s.Quotes[pos] = q
		return
	}
	s.index[key] = len(s.Quotes)
	s.Quotes = append(s.Quotes, q)
}

// Fail records a failed fetch.
func (s *Snapshot) Fail(f SourceFailure) {
	s.Failures = append(s.Failures, f)
}

// Len returns the number of quotes.
func (s Snapshot) Len() int { return len(s.Quotes) }

// Sources returns the distinct source ids that contributed quotes, in order.
func (s Snapshot) Sources() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, q := range s.Quotes {
		if _, ok := seen[q.SourceID]; ok {
			continue
		}
		seen[q.SourceID] = struct{}{}
		out = append(out, q.SourceID)
	}
	return out
}

// SourceSpec names a source adapter and what it covers on one chain.
type SourceSpec struct {
	SourceID  string      `mapstructure:"source"`
	ChainID   string      `mapstructure:"chain"`
	Pairs     []AssetPair `mapstructure:"pairs"`
	Protocols []string    `mapstructure:"protocols"`
}

// Targets expands the spec into individual fetch targets, pairs first.
func (s SourceSpec) Targets() []Target {
	out := make([]Target, 0, len(s.Pairs)+len(s.Protocols))
	for _, p := range s.Pairs {
		out = append(out, PairTarget(p))
	}
	for _, proto := range s.Protocols {
		out = append(out, ProtocolTarget(proto))
	}
	return out
}
