// Package remote implements the HTLC adapter for chain families whose signing
// happens in an external sidecar reached over JSON-RPC 2.0.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Sidecar methods.
const (
	MethodCreatePreHTLC = "htlc_createPreHTLC"
	MethodAddLock       = "htlc_addLock"
	MethodGetDetails    = "htlc_getDetails"
	MethodClaim         = "htlc_claim"
	MethodRefund        = "htlc_refund"
	MethodSwitchChain   = "wallet_switchChain"
)

// Error codes a sidecar uses to classify failures.
const (
	CodeInvalidParams      = -32602
	CodePreconditionFailed = -32010
	CodeUserRejected       = 4001
)

var ErrNoURL = errors.New("sidecar URL is not configured")

// RPCError is an error object returned by the sidecar.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sidecar error %d: %s", e.Code, e.Message)
}

// Config holds configuration for a sidecar adapter.
type Config struct {
	Network *chain.Network
	URL     string
	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration
	// ReadRetry bounds the total time spent retrying a read.
	ReadRetry time.Duration
}

// Adapter forwards HTLC calls for one network to a sidecar.
type Adapter struct {
	network    *chain.Network
	url        string
	readRetry  time.Duration
	httpClient *http.Client
	requestID  atomic.Uint64
	log        *logging.Logger
}

// New creates a sidecar adapter.
func New(cfg *Config) (*Adapter, error) {
	if cfg.Network == nil {
		return nil, chain.ErrUnknownNetwork
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w for %s", ErrNoURL, cfg.Network.Group)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	a := &Adapter{
		network:    cfg.Network,
		url:        strings.TrimRight(cfg.URL, "/"),
		readRetry:  cfg.ReadRetry,
		httpClient: &http.Client{Timeout: timeout},
		log:        logging.GetDefault().Component("adapter-remote").With("network", cfg.Network.Name),
	}
	if a.readRetry == 0 {
		a.readRetry = 10 * time.Second
	}
	return a, nil
}

// URL returns the sidecar endpoint.
func (a *Adapter) URL() string {
	return a.url
}

// =============================================================================
// Wire types
// =============================================================================

type wireDetails struct {
	Sender   string          `json:"sender"`
	Receiver string          `json:"receiver"`
	Hashlock string          `json:"hashlock"`
	Secret   string          `json:"secret"`
	Amount   json.RawMessage `json:"amount"`
	Timelock int64           `json:"timelock"`
	Claimed  uint8           `json:"claimed"`
}

func (w *wireDetails) details() (*htlc.Details, error) {
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, err
	}
	d := &htlc.Details{
		Sender:   w.Sender,
		Receiver: w.Receiver,
		Amount:   amount,
		Timelock: w.Timelock,
		Claimed:  htlc.ClaimedState(w.Claimed),
	}
	if !helpers.IsZeroHex(w.Hashlock) {
		d.Hashlock = w.Hashlock
	}
	if !helpers.IsZeroHex(w.Secret) {
		d.Secret = w.Secret
	}
	if d.Claimed > htlc.Redeemed {
		return nil, fmt.Errorf("unknown claimed state %d", w.Claimed)
	}
	return d, nil
}

// parseAmount accepts a JSON number, a decimal string or a 0x-prefixed hex string.
func parseAmount(raw json.RawMessage) (*big.Int, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(s, "0x") {
		return helpers.HexToBigInt(s), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

type commitRequest struct {
	ChainID            string `json:"chainId"`
	ContractAddress    string `json:"contractAddress"`
	TokenContract      string `json:"tokenContract,omitempty"`
	Amount             string `json:"amount"`
	Decimals           uint8  `json:"decimals"`
	SourceAsset        string `json:"sourceAsset"`
	SourceAddress      string `json:"sourceAddress"`
	SourceLPAddress    string `json:"srcLpAddress"`
	DestinationChain   string `json:"destinationChain"`
	DestinationAsset   string `json:"destinationAsset"`
	DestinationAddress string `json:"destinationAddress"`
	Timelock           int64  `json:"timelock"`
}

// =============================================================================
// htlc.Adapter
// =============================================================================

// CreatePreHTLC asks the sidecar to commit funds. Never retried.
func (a *Adapter) CreatePreHTLC(ctx context.Context, p htlc.CommitParams) (*htlc.CommitReceipt, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, htlc.Errorf(htlc.InvalidInput, "commit", "amount must be positive")
	}
	if p.SourceLPAddress == "" {
		return nil, htlc.Errorf(htlc.InvalidInput, "commit", "solver address is required")
	}
	req := commitRequest{
		ChainID:            p.ChainID,
		ContractAddress:    p.ContractAddress,
		TokenContract:      p.TokenContract,
		Amount:             p.Amount.String(),
		Decimals:           p.Decimals,
		SourceAsset:        p.SourceAsset,
		SourceAddress:      p.SourceAddress,
		SourceLPAddress:    p.SourceLPAddress,
		DestinationChain:   p.DestinationChain,
		DestinationAsset:   p.DestinationAsset,
		DestinationAddress: p.DestinationAddress,
		Timelock:           p.Timelock,
	}
	var receipt htlc.CommitReceipt
	if err := a.write(ctx, "commit", MethodCreatePreHTLC, req, &receipt); err != nil {
		return nil, err
	}
	if receipt.CommitID == "" {
		return nil, fmt.Errorf("sidecar returned no commit id")
	}
	return &receipt, nil
}

// AddLock asks the sidecar to set the hashlock. Sidecars whose lock is an
// off-chain signature return it in the receipt.
func (a *Adapter) AddLock(ctx context.Context, p htlc.LockParams) (*htlc.LockReceipt, error) {
	if helpers.IsZeroHex(p.Hashlock) {
		return nil, htlc.Errorf(htlc.PreconditionFailed, "add_lock", "hashlock is required")
	}
	req := map[string]interface{}{
		"chainId":         p.ChainID,
		"contractAddress": p.ContractAddress,
		"id":              p.CommitID,
		"hashlock":        p.Hashlock,
		"timelock":        p.Timelock,
	}
	var receipt htlc.LockReceipt
	if err := a.write(ctx, "add_lock", MethodAddLock, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// GetDetails reads a record, retrying transport failures.
func (a *Adapter) GetDetails(ctx context.Context, p htlc.DetailsParams) (*htlc.Details, error) {
	req := map[string]interface{}{
		"type":            p.Type,
		"chainId":         p.ChainID,
		"id":              p.ID,
		"contractAddress": p.ContractAddress,
	}

	var raw json.RawMessage
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = a.readRetry
	err := backoff.Retry(func() error {
		result, err := a.call(ctx, MethodGetDetails, req)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				return backoff.Permanent(err)
			}
			return err
		}
		raw = result
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, classify("details", err)
	}

	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var w wireDetails
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to parse details: %w", err)
	}
	return w.details()
}

// Claim asks the sidecar to redeem with the secret. Never retried.
func (a *Adapter) Claim(ctx context.Context, p htlc.ClaimParams) (string, error) {
	if helpers.IsZeroHex(p.Secret) {
		return "", htlc.Errorf(htlc.PreconditionFailed, "redeem", "secret is required")
	}
	req := map[string]interface{}{
		"type":            p.Type,
		"chainId":         p.ChainID,
		"contractAddress": p.ContractAddress,
		"id":              p.ID,
		"secret":          p.Secret,
		"tokenContract":   p.TokenContract,
		"sourceAsset":     p.SourceAsset,
	}
	var tx string
	if err := a.write(ctx, "redeem", MethodClaim, req, &tx); err != nil {
		return "", err
	}
	return tx, nil
}

// Refund asks the sidecar to refund an expired HTLC. Never retried.
func (a *Adapter) Refund(ctx context.Context, p htlc.RefundParams) (string, error) {
	req := map[string]interface{}{
		"type":            p.Type,
		"chainId":         p.ChainID,
		"contractAddress": p.ContractAddress,
		"id":              p.ID,
		"hashlock":        p.Hashlock,
		"tokenContract":   p.TokenContract,
		"sourceAsset":     p.SourceAsset,
	}
	var tx string
	if err := a.write(ctx, "refund", MethodRefund, req, &tx); err != nil {
		return "", err
	}
	return tx, nil
}

// SwitchChain asks the sidecar's wallet to move to chainID.
func (a *Adapter) SwitchChain(ctx context.Context, chainID string) error {
	return a.write(ctx, "switch_chain", MethodSwitchChain, map[string]string{"chainId": chainID}, nil)
}

// =============================================================================
// Transport
// =============================================================================

func (a *Adapter) write(ctx context.Context, op, method string, params, out interface{}) error {
	result, err := a.call(ctx, method, params)
	if err != nil {
		a.log.Warn("Sidecar call failed", "method", method, "error", err)
		return classify(op, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to parse %s result: %w", method, err)
	}
	return nil
}

func (a *Adapter) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := a.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  []interface{}{params},
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("sidecar returned HTTP %d", resp.StatusCode)
	}

	var response struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      uint64          `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

// classify maps sidecar error codes onto the action error kinds.
func classify(op string, err error) error {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case CodeInvalidParams:
		return htlc.NewError(htlc.InvalidInput, op, err)
	case CodePreconditionFailed:
		return htlc.NewError(htlc.PreconditionFailed, op, err)
	case CodeUserRejected:
		return htlc.NewError(htlc.UserRejected, op, err)
	}
	return err
}

var (
	_ htlc.Adapter       = (*Adapter)(nil)
	_ htlc.ChainSwitcher = (*Adapter)(nil)
)
