// Package evm implements the HTLC adapter for EVM chains using go-ethereum.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Adapter errors
var (
	ErrNoNodes         = errors.New("no RPC nodes configured")
	ErrNoSigner        = errors.New("no EVM private key configured")
	ErrChainMismatch   = errors.New("chain id mismatch")
	ErrNodesDisagree   = errors.New("RPC nodes returned different records")
	ErrNotEnoughNodes  = errors.New("secure read needs at least two nodes")
	ErrInvalidHashlock = errors.New("invalid hashlock")
)

// Config holds configuration for an EVM adapter.
type Config struct {
	Network *chain.Network
	// PrivateKey is hex encoded. Without it the adapter is read only.
	PrivateKey string
	// DialTimeout bounds the retries when connecting to a node.
	DialTimeout time.Duration
}

// Adapter talks to the HTLC contracts of one EVM network.
type Adapter struct {
	network *chain.Network
	chainID *big.Int
	key     *ecdsa.PrivateKey
	dial    time.Duration
	log     *logging.Logger

	mu      sync.Mutex
	clients []*ethclient.Client
}

// New creates an adapter. Nodes are dialled on first use.
func New(cfg *Config) (*Adapter, error) {
	if cfg.Network == nil {
		return nil, chain.ErrUnknownNetwork
	}
	if len(cfg.Network.Nodes) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoNodes, cfg.Network.Name)
	}
	chainID, ok := new(big.Int).SetString(cfg.Network.ChainID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid chain id %q for %s", cfg.Network.ChainID, cfg.Network.Name)
	}

	a := &Adapter{
		network: cfg.Network,
		chainID: chainID,
		dial:    cfg.DialTimeout,
		log:     logging.GetDefault().Component("adapter-evm").With("network", cfg.Network.Name),
	}
	if a.dial == 0 {
		a.dial = 30 * time.Second
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		a.key = key
	}
	return a, nil
}

// Address returns the signer address, or the zero address for a read only adapter.
func (a *Adapter) Address() common.Address {
	if a.key == nil {
		return common.Address{}
	}
	return addressOf(a.key)
}

// Close closes every node connection.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.clients {
		c.Close()
	}
	a.clients = nil
}

// connect dials every configured node, retrying transient failures. Nodes
// that report a different chain id are rejected.
func (a *Adapter) connect(ctx context.Context) ([]*ethclient.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.clients) > 0 {
		return a.clients, nil
	}

	var clients []*ethclient.Client
	var lastErr error
	for _, url := range a.network.Nodes {
		c, err := a.dialNode(ctx, url)
		if err != nil {
			a.log.Warn("Failed to connect to node", "url", url, "error", err)
			lastErr = err
			continue
		}
		clients = append(clients, c)
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("failed to connect to %s: %w", a.network.Name, lastErr)
	}
	a.clients = clients
	return clients, nil
}

func (a *Adapter) dialNode(ctx context.Context, url string) (*ethclient.Client, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = a.dial

	var client *ethclient.Client
	err := backoff.Retry(func() error {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return err
		}
		id, err := c.ChainID(ctx)
		if err != nil {
			c.Close()
			return err
		}
		if id.Cmp(a.chainID) != 0 {
			c.Close()
			return backoff.Permanent(fmt.Errorf("%w: node %s reports %s, want %s", ErrChainMismatch, url, id, a.chainID))
		}
		client = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *Adapter) primary(ctx context.Context) (*ethclient.Client, error) {
	clients, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	return clients[0], nil
}

func (a *Adapter) isToken(contractAddr, tokenContract string) bool {
	if tokenContract != "" {
		return true
	}
	tokenHTLC := a.network.Contract(chain.HTLCTokenContractAddress)
	return tokenHTLC != "" && strings.EqualFold(tokenHTLC, contractAddr)
}

func (a *Adapter) signer() (*ecdsa.PrivateKey, error) {
	if a.key == nil {
		return nil, ErrNoSigner
	}
	return a.key, nil
}

// =============================================================================
// htlc.Adapter
// =============================================================================

// CreatePreHTLC commits funds on the source chain without a hashlock. Token
// commits approve the HTLC contract first when needed.
func (a *Adapter) CreatePreHTLC(ctx context.Context, p htlc.CommitParams) (*htlc.CommitReceipt, error) {
	if p.SourceLPAddress == "" {
		return nil, htlc.Errorf(htlc.InvalidInput, "commit", "solver address is required")
	}
	if err := chain.ValidateAddress(chain.FamilyEVM, p.SourceLPAddress); err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "commit", err)
	}
	if p.DestinationFamily != "" {
		family, err := chain.ParseFamily(p.DestinationFamily)
		if err != nil {
			return nil, htlc.NewError(htlc.InvalidInput, "commit", err)
		}
		if err := chain.ValidateAddress(family, p.DestinationAddress); err != nil {
			return nil, htlc.NewError(htlc.InvalidInput, "commit", err)
		}
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, htlc.Errorf(htlc.InvalidInput, "commit", "amount must be positive")
	}

	key, err := a.signer()
	if err != nil {
		return nil, err
	}
	client, err := a.primary(ctx)
	if err != nil {
		return nil, err
	}

	id, err := helpers.RandomBytes32()
	if err != nil {
		return nil, err
	}

	token := a.isToken(p.ContractAddress, p.TokenContract)
	htlcAddr := common.HexToAddress(p.ContractAddress)
	if token {
		if err := ensureAllowance(ctx, client, key, a.chainID, common.HexToAddress(p.TokenContract), htlcAddr, p.Amount); err != nil {
			return nil, err
		}
	}

	auth, err := newTransactor(ctx, key, a.chainID)
	if err != nil {
		return nil, err
	}
	tx, err := newContract(htlcAddr, token, client).commit(auth, p, id)
	if err != nil {
		return nil, fmt.Errorf("failed to send commit: %w", err)
	}
	a.log.Info("Commit sent", "id", helpers.Bytes32ToHex(id), "tx", tx.Hash().Hex())

	receipt := &htlc.CommitReceipt{CommitID: helpers.Bytes32ToHex(id), TxHash: tx.Hash().Hex()}
	if _, err := waitMined(ctx, client, tx); err != nil {
		if errors.Is(err, ErrReverted) {
			return nil, err
		}
		// Sent but unconfirmed: the id may still land on chain.
		return receipt, err
	}
	return receipt, nil
}

// AddLock sets the hashlock on a committed HTLC.
func (a *Adapter) AddLock(ctx context.Context, p htlc.LockParams) (*htlc.LockReceipt, error) {
	if helpers.IsZeroHex(p.Hashlock) {
		return nil, htlc.Errorf(htlc.PreconditionFailed, "add_lock", "hashlock is required")
	}
	id, err := helpers.HexToBytes32(p.CommitID)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "add_lock", err)
	}
	hashlock, err := helpers.HexToBytes32(p.Hashlock)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "add_lock", fmt.Errorf("%w: %v", ErrInvalidHashlock, err))
	}

	key, err := a.signer()
	if err != nil {
		return nil, err
	}
	client, err := a.primary(ctx)
	if err != nil {
		return nil, err
	}
	auth, err := newTransactor(ctx, key, a.chainID)
	if err != nil {
		return nil, err
	}

	c := newContract(common.HexToAddress(p.ContractAddress), a.isToken(p.ContractAddress, ""), client)
	tx, err := c.addLock(auth, id, hashlock, p.Timelock)
	if err != nil {
		return nil, fmt.Errorf("failed to send addLock: %w", err)
	}
	if _, err := waitMined(ctx, client, tx); err != nil {
		return nil, err
	}
	return &htlc.LockReceipt{TxHash: tx.Hash().Hex()}, nil
}

// GetDetails reads a record from the first node.
func (a *Adapter) GetDetails(ctx context.Context, p htlc.DetailsParams) (*htlc.Details, error) {
	id, err := helpers.HexToBytes32(p.ID)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "details", err)
	}
	client, err := a.primary(ctx)
	if err != nil {
		return nil, err
	}
	c := newContract(common.HexToAddress(p.ContractAddress), a.isToken(p.ContractAddress, ""), client)
	return c.details(ctx, id)
}

// SecureGetDetails reads the record from every node and returns it only when
// all of them agree.
func (a *Adapter) SecureGetDetails(ctx context.Context, p htlc.DetailsParams) (*htlc.Details, error) {
	id, err := helpers.HexToBytes32(p.ID)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "details", err)
	}
	clients, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	if len(clients) < 2 {
		return nil, ErrNotEnoughNodes
	}

	token := a.isToken(p.ContractAddress, "")
	addr := common.HexToAddress(p.ContractAddress)
	results := make([]*htlc.Details, len(clients))

	g, gctx := errgroup.WithContext(ctx)
	for i, client := range clients {
		g.Go(func() error {
			d, err := newContract(addr, token, client).details(gctx, id)
			if err != nil {
				return err
			}
			results[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, d := range results[1:] {
		if !sameRecord(results[0], d) {
			return nil, ErrNodesDisagree
		}
	}
	return results[0], nil
}

// Claim redeems an HTLC with its secret.
func (a *Adapter) Claim(ctx context.Context, p htlc.ClaimParams) (string, error) {
	id, err := helpers.HexToBytes32(p.ID)
	if err != nil {
		return "", htlc.NewError(htlc.InvalidInput, "redeem", err)
	}
	if helpers.IsZeroHex(p.Secret) {
		return "", htlc.Errorf(htlc.PreconditionFailed, "redeem", "secret is required")
	}

	key, err := a.signer()
	if err != nil {
		return "", err
	}
	client, err := a.primary(ctx)
	if err != nil {
		return "", err
	}
	auth, err := newTransactor(ctx, key, a.chainID)
	if err != nil {
		return "", err
	}

	c := newContract(common.HexToAddress(p.ContractAddress), a.isToken(p.ContractAddress, p.TokenContract), client)
	tx, err := c.redeem(auth, id, helpers.HexToBigInt(p.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to send redeem: %w", err)
	}
	if _, err := waitMined(ctx, client, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// Refund refunds an expired HTLC to its sender.
func (a *Adapter) Refund(ctx context.Context, p htlc.RefundParams) (string, error) {
	id, err := helpers.HexToBytes32(p.ID)
	if err != nil {
		return "", htlc.NewError(htlc.InvalidInput, "refund", err)
	}

	key, err := a.signer()
	if err != nil {
		return "", err
	}
	client, err := a.primary(ctx)
	if err != nil {
		return "", err
	}
	auth, err := newTransactor(ctx, key, a.chainID)
	if err != nil {
		return "", err
	}

	c := newContract(common.HexToAddress(p.ContractAddress), a.isToken(p.ContractAddress, p.TokenContract), client)
	tx, err := c.refund(auth, id)
	if err != nil {
		return "", fmt.Errorf("failed to send refund: %w", err)
	}
	if _, err := waitMined(ctx, client, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// SwitchChain verifies that the adapter's nodes serve chainID. An EVM key
// signs for any chain, so there is nothing to switch.
func (a *Adapter) SwitchChain(ctx context.Context, chainID string) error {
	want, ok := new(big.Int).SetString(chainID, 10)
	if !ok {
		return fmt.Errorf("invalid chain id %q", chainID)
	}
	if want.Cmp(a.chainID) != 0 {
		return fmt.Errorf("%w: adapter serves %s, requested %s", ErrChainMismatch, a.chainID, want)
	}
	client, err := a.primary(ctx)
	if err != nil {
		return err
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		return err
	}
	if got.Cmp(want) != 0 {
		return fmt.Errorf("%w: node reports %s, requested %s", ErrChainMismatch, got, want)
	}
	return nil
}

func sameRecord(a, b *htlc.Details) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Sender != b.Sender || a.Receiver != b.Receiver || a.Hashlock != b.Hashlock ||
		a.Secret != b.Secret || a.Timelock != b.Timelock || a.Claimed != b.Claimed {
		return false
	}
	if a.Amount == nil || b.Amount == nil {
		return a.Amount == b.Amount
	}
	return a.Amount.Cmp(b.Amount) == 0
}

func addressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

var (
	_ htlc.Adapter        = (*Adapter)(nil)
	_ htlc.SecureDetailer = (*Adapter)(nil)
	_ htlc.ChainSwitcher  = (*Adapter)(nil)
)
