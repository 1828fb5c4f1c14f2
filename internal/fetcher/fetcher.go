package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"defi-agents/internal/market"
)

// ErrUnknownSource is reported when a SourceSpec names an unregistered source.
var ErrUnknownSource = errors.New("fetcher: unknown source")

// QuoteFetcher is implemented once per market data provider.
// Implementations must honour ctx and return errors instead of panicking.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, chainID string, target market.Target) (market.Quote, error)
}

// SourceError describes a single failed fetch.
type SourceError struct {
	SourceID string
	ChainID  string
	Target   string
	Err      error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s on %s for %s: %v", e.SourceID, e.ChainID, e.Target, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Registry maps source ids to adapters. Populated at configuration time.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]QuoteFetcher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]QuoteFetcher)}
}

// Register binds id to f, replacing any previous binding.
func (r *Registry) Register(id string, f QuoteFetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[id] = f
}

// Lookup returns the adapter registered for id.
func (r *Registry) Lookup(id string) (QuoteFetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	return f, nil
}

// IDs lists registered source ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.fetchers))
	for id := range r.fetchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
