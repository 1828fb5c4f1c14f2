package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainReader is the subset of ethclient used by the on-chain adapters.
type ChainReader interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainClients lazily dials one RPC client per chain and caches it.
type ChainClients struct {
	urls    map[string]string
	mu      sync.Mutex
	clients map[string]ChainReader
}

// NewChainClients builds a cache over chain -> RPC URL.
func NewChainClients(urls map[string]string) *ChainClients {
	normalised := make(map[string]string, len(urls))
	for chain, url := range urls {
		normalised[strings.ToLower(chain)] = url
	}
	return &ChainClients{urls: normalised, clients: make(map[string]ChainReader)}
}

// Use installs a pre-built reader for chain. Intended for tests.
func (c *ChainClients) Use(chain string, reader ChainReader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[strings.ToLower(chain)] = reader
}

// Has reports whether chain has an RPC endpoint or reader.
func (c *ChainClients) Has(chain string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	chain = strings.ToLower(chain)
	if _, ok := c.clients[chain]; ok {
		return true
	}
	return c.urls[chain] != ""
}

// Reader returns the client for chain, dialing on first use.
func (c *ChainClients) Reader(ctx context.Context, chain string) (ChainReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chain = strings.ToLower(chain)
	if client, ok := c.clients[chain]; ok {
		return client, nil
	}
	url := c.urls[chain]
	if url == "" {
		return nil, fmt.Errorf("rpc url for chain %s not configured", chain)
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", chain, err)
	}
	c.clients[chain] = client
	return client, nil
}

// Close closes every dialed client.
func (c *ChainClients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for chain, client := range c.clients {
		if closer, ok := client.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(c.clients, chain)
	}
}
