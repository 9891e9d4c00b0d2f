// Package ledgerrpc is the JSON-RPC client for the external ledger node.
//
// The verifier consumes only finalized transactions; anything not yet
// finalized is reported as not found and the caller retries on its own
// schedule.
package ledgerrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig    = errors.New("ledgerrpc: invalid config")
	ErrRPC              = errors.New("ledgerrpc: rpc error")
	ErrTransport        = errors.New("ledgerrpc: transport failure")
	ErrResponseTooLarge = errors.New("ledgerrpc: response too large")
	ErrTxNotFound       = errors.New("ledgerrpc: transaction not found")
)

// RPCError is a structured error returned by the ledger node.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "ledgerrpc: nil rpc error"
	}
	return fmt.Sprintf("ledgerrpc: rpc error code %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithBasicAuth(user, pass string) Option {
	return func(c *Client) error {
		if user == "" || pass == "" {
			return fmt.Errorf("%w: missing rpc credentials", ErrInvalidConfig)
		}
		c.user, c.pass = user, pass
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	url          string
	user         string
	pass         string
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64
}

func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		hc:           &http.Client{Timeout: 15 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

// Transfer is one value-transfer instruction inside a finalized transaction.
// Amounts are denominated in quote-asset units.
type Transfer struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount float64        `json:"amount"`
}

// FinalizedTransaction is the finalized view of a transaction by signature.
type FinalizedTransaction struct {
	Signature common.Hash `json:"signature"`
	Succeeded bool        `json:"succeeded"`
	Transfers []Transfer  `json:"transfers"`
}

// GetFinalizedTransaction fetches the finalized transaction for a fee payment
// signature. A null result means the ledger has no finalized transaction under
// that signature (ErrTxNotFound).
func (c *Client) GetFinalizedTransaction(ctx context.Context, sig common.Hash) (FinalizedTransaction, error) {
	raw, err := c.call(ctx, "getFinalizedTransaction", []any{sig.Hex()})
	if err != nil {
		return FinalizedTransaction{}, err
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return FinalizedTransaction{}, ErrTxNotFound
	}
	var tx FinalizedTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return FinalizedTransaction{}, fmt.Errorf("ledgerrpc: decode transaction: %w", err)
	}
	if tx.Signature == (common.Hash{}) {
		tx.Signature = sig
	}
	return tx, nil
}

// QuotePrice fetches the reward asset's current price in quote units.
func (c *Client) QuotePrice(ctx context.Context) (float64, error) {
	raw, err := c.call(ctx, "getRewardAssetPrice", nil)
	if err != nil {
		return 0, err
	}
	var price float64
	if err := json.Unmarshal(raw, &price); err != nil {
		return 0, fmt.Errorf("ledgerrpc: decode price: %w", err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive price %v", ErrRPC, price)
	}
	return price, nil
}

// call performs one JSON-RPC round trip and returns the raw result payload.
func (c *Client) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c == nil || c.hc == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}

	id := strconv.FormatUint(c.nextID.Add(1), 10)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("ledgerrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ledgerrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limited := io.LimitReader(resp.Body, c.maxRespBytes+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}
	if int64(len(respBody)) > c.maxRespBytes {
		return nil, ErrResponseTooLarge
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrTransport, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("ledgerrpc: decode response: %w", err)
	}
	if out.Error != nil {
		return nil, &RPCError{Code: out.Error.Code, Message: out.Error.Message}
	}
	if out.ID != id {
		return nil, fmt.Errorf("ledgerrpc: response id mismatch: got %q want %q", out.ID, id)
	}
	return out.Result, nil
}

// PriceSource quotes the reward asset's price in quote units. It is an
// external collaborator; the service only consumes it when locking a
// position's price.
type PriceSource interface {
	QuotePrice(ctx context.Context) (float64, error)
}

// FixedPriceSource returns a constant price. Used by tests and operator
// tooling where a live oracle is unavailable.
type FixedPriceSource float64

func (p FixedPriceSource) QuotePrice(context.Context) (float64, error) {
	if p <= 0 {
		return 0, fmt.Errorf("%w: fixed price must be > 0", ErrInvalidConfig)
	}
	return float64(p), nil
}

var _ PriceSource = (*Client)(nil)
var _ PriceSource = FixedPriceSource(0)
