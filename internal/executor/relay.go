package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"defi-agents/internal/fetcher"
	"defi-agents/internal/storage"
	"defi-agents/internal/version"
)

// RelayOptions configure the HTTP relay submitter.
type RelayOptions struct {
	BaseURL string
	Timeout time.Duration
}

// RelaySubmitter forwards actions to an HTTP relay that owns signing and
// broadcasting. POST {base}/submit returns a receipt; GET {base}/status/{tx}
// reports progress.
type RelaySubmitter struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewRelaySubmitter constructs a relay client.
func NewRelaySubmitter(opts RelayOptions, logger zerolog.Logger) *RelaySubmitter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RelaySubmitter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "relay_submitter").Logger(),
	}
}

type submitRequest struct {
	AccountKey string `json:"account_key"`
	Action     Action `json:"action"`
}

type statusResponse struct {
	Status storage.ExecutionStatus `json:"status"`
	Error  string                  `json:"error,omitempty"`
}

// Submit posts the action to the relay.
func (r *RelaySubmitter) Submit(ctx context.Context, accountKey string, action Action) (Receipt, error) {
	body, err := json.Marshal(submitRequest{AccountKey: accountKey, Action: action})
	if err != nil {
		return Receipt{}, err
	}
	payload, err := r.do(ctx, http.MethodPost, r.baseURL+"/submit", body)
	if err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	if err := json.Unmarshal(payload, &receipt); err != nil {
		return Receipt{}, fmt.Errorf("decode relay receipt: %w", err)
	}
	if receipt.TxRef == "" {
		return Receipt{}, errors.New("relay returned empty tx reference")
	}
	r.logger.Debug().Str("tx", receipt.TxRef).Str("status", string(receipt.Status)).Msg("relay accepted action")
	return receipt, nil
}

// Status asks the relay for the state of txRef.
func (r *RelaySubmitter) Status(ctx context.Context, txRef string) (storage.ExecutionStatus, error) {
	payload, err := r.do(ctx, http.MethodGet, r.baseURL+"/status/"+url.PathEscape(txRef), nil)
	if err != nil {
		return "", err
	}
	var res statusResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return "", fmt.Errorf("decode relay status: %w", err)
	}
	switch res.Status {
	case storage.StatusPending, storage.StatusConfirmed, storage.StatusFailed:
		return res.Status, nil
	default:
		return "", fmt.Errorf("relay returned unknown status %q", res.Status)
	}
}

func (r *RelaySubmitter) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr statusResponse
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("relay error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("relay error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

// ReceiptChecker submits through an inner Submitter but reads status from the
// chain receipt, falling back to the inner Submitter when no RPC is set up.
type ReceiptChecker struct {
	Submitter
	clients *fetcher.ChainClients
	chain   string
}

// WithReceipts wraps sub so status comes from chain receipts on chain.
func WithReceipts(sub Submitter, clients *fetcher.ChainClients, chain string) Submitter {
	if clients == nil || !clients.Has(chain) {
		return sub
	}
	return &ReceiptChecker{Submitter: sub, clients: clients, chain: chain}
}

// Status maps the receipt of txRef to an execution status.
func (c *ReceiptChecker) Status(ctx context.Context, txRef string) (storage.ExecutionStatus, error) {
	if !strings.HasPrefix(txRef, "0x") || len(txRef) != 66 {
		return c.Submitter.Status(ctx, txRef)
	}
	reader, err := c.clients.Reader(ctx, c.chain)
	if err != nil {
		return "", err
	}
	receipt, err := reader.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return storage.StatusPending, nil
		}
		return "", fmt.Errorf("fetch receipt: %w", err)
	}
	return receiptStatus(receipt), nil
}

func receiptStatus(receipt *types.Receipt) storage.ExecutionStatus {
	if receipt == nil || receipt.BlockNumber == nil || receipt.BlockNumber.Cmp(big.NewInt(0)) == 0 {
		return storage.StatusPending
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return storage.StatusConfirmed
	}
	return storage.StatusFailed
}

var (
	_ Submitter = (*RelaySubmitter)(nil)
	_ Submitter = (*ReceiptChecker)(nil)
)
