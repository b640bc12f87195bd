package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
)

// Contract ABIs. The token contract takes the token and amount on commit and
// reports the token contract in its records.
const (
	nativeHTLCABI = `[
{"type":"function","name":"commit","stateMutability":"payable","inputs":[
 {"name":"dstChain","type":"string"},{"name":"dstAsset","type":"string"},{"name":"dstAddress","type":"string"},
 {"name":"srcAsset","type":"string"},{"name":"Id","type":"bytes32"},{"name":"srcReceiver","type":"address"},
 {"name":"timelock","type":"uint48"}],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"addLock","stateMutability":"nonpayable","inputs":[
 {"name":"Id","type":"bytes32"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint48"}],
 "outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
 {"name":"Id","type":"bytes32"},{"name":"secret","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
 {"name":"Id","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getHTLCDetails","stateMutability":"view","inputs":[{"name":"Id","type":"bytes32"}],
 "outputs":[{"name":"","type":"tuple","components":[
  {"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"secret","type":"uint256"},
  {"name":"sender","type":"address"},{"name":"srcReceiver","type":"address"},{"name":"timelock","type":"uint48"},
  {"name":"claimed","type":"uint8"}]}]}
]`

	tokenHTLCABI = `[
{"type":"function","name":"commit","stateMutability":"nonpayable","inputs":[
 {"name":"dstChain","type":"string"},{"name":"dstAsset","type":"string"},{"name":"dstAddress","type":"string"},
 {"name":"srcAsset","type":"string"},{"name":"Id","type":"bytes32"},{"name":"srcReceiver","type":"address"},
 {"name":"timelock","type":"uint48"},{"name":"amount","type":"uint256"},{"name":"tokenContract","type":"address"}],
 "outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"addLock","stateMutability":"nonpayable","inputs":[
 {"name":"Id","type":"bytes32"},{"name":"hashlock","type":"bytes32"},{"name":"timelock","type":"uint48"}],
 "outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[
 {"name":"Id","type":"bytes32"},{"name":"secret","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
 {"name":"Id","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getHTLCDetails","stateMutability":"view","inputs":[{"name":"Id","type":"bytes32"}],
 "outputs":[{"name":"","type":"tuple","components":[
  {"name":"amount","type":"uint256"},{"name":"hashlock","type":"bytes32"},{"name":"secret","type":"uint256"},
  {"name":"sender","type":"address"},{"name":"srcReceiver","type":"address"},{"name":"timelock","type":"uint48"},
  {"name":"claimed","type":"uint8"},{"name":"tokenContract","type":"address"}]}]}
]`

	erc20ABI = `[
{"type":"function","name":"allowance","stateMutability":"view","inputs":[
 {"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
 {"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`
)

var (
	nativeABI = mustParseABI(nativeHTLCABI)
	tokenABI  = mustParseABI(tokenHTLCABI)
	tokenERC  = mustParseABI(erc20ABI)
)

// ErrReverted is returned when a mined transaction failed.
var ErrReverted = errors.New("transaction reverted")

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// nativeRecord and tokenRecord mirror the getHTLCDetails tuples field by field.
type nativeRecord struct {
	Amount      *big.Int
	Hashlock    [32]byte
	Secret      *big.Int
	Sender      common.Address
	SrcReceiver common.Address
	Timelock    *big.Int
	Claimed     uint8
}

type tokenRecord struct {
	Amount        *big.Int
	Hashlock      [32]byte
	Secret        *big.Int
	Sender        common.Address
	SrcReceiver   common.Address
	Timelock      *big.Int
	Claimed       uint8
	TokenContract common.Address
}

func (r nativeRecord) details() *htlc.Details {
	if r.Sender == (common.Address{}) {
		return nil
	}
	d := &htlc.Details{
		Sender:   r.Sender.Hex(),
		Receiver: r.SrcReceiver.Hex(),
		Amount:   r.Amount,
		Claimed:  htlc.ClaimedState(r.Claimed),
	}
	if r.Hashlock != ([32]byte{}) {
		d.Hashlock = helpers.Bytes32ToHex(r.Hashlock)
	}
	if r.Secret != nil && r.Secret.Sign() > 0 {
		d.Secret = common.BigToHash(r.Secret).Hex()
	}
	if r.Timelock != nil {
		d.Timelock = r.Timelock.Int64()
	}
	return d
}

// contract binds one HTLC deployment.
type contract struct {
	address common.Address
	token   bool
	bound   *bind.BoundContract
	abi     abi.ABI
}

func newContract(address common.Address, token bool, backend bind.ContractBackend) *contract {
	parsed := nativeABI
	if token {
		parsed = tokenABI
	}
	return &contract{
		address: address,
		token:   token,
		bound:   bind.NewBoundContract(address, parsed, backend, backend, backend),
		abi:     parsed,
	}
}

func (c *contract) details(ctx context.Context, id [32]byte) (*htlc.Details, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getHTLCDetails", id); err != nil {
		return nil, fmt.Errorf("failed to get HTLC details: %w", err)
	}
	if len(out) == 0 {
		return nil, errors.New("empty getHTLCDetails result")
	}
	return decodeRecord(out[0], c.token), nil
}

func decodeRecord(raw interface{}, token bool) *htlc.Details {
	if token {
		r := *abi.ConvertType(raw, new(tokenRecord)).(*tokenRecord)
		return nativeRecord{
			Amount:      r.Amount,
			Hashlock:    r.Hashlock,
			Secret:      r.Secret,
			Sender:      r.Sender,
			SrcReceiver: r.SrcReceiver,
			Timelock:    r.Timelock,
			Claimed:     r.Claimed,
		}.details()
	}
	return abi.ConvertType(raw, new(nativeRecord)).(*nativeRecord).details()
}

func (c *contract) commit(auth *bind.TransactOpts, p htlc.CommitParams, id [32]byte) (*types.Transaction, error) {
	receiver := common.HexToAddress(p.SourceLPAddress)
	timelock := big.NewInt(p.Timelock)
	if c.token {
		return c.bound.Transact(auth, "commit", p.DestinationChain, p.DestinationAsset, p.DestinationAddress,
			p.SourceAsset, id, receiver, timelock, p.Amount, common.HexToAddress(p.TokenContract))
	}
	auth.Value = p.Amount
	return c.bound.Transact(auth, "commit", p.DestinationChain, p.DestinationAsset, p.DestinationAddress,
		p.SourceAsset, id, receiver, timelock)
}

func (c *contract) addLock(auth *bind.TransactOpts, id, hashlock [32]byte, timelock int64) (*types.Transaction, error) {
	return c.bound.Transact(auth, "addLock", id, hashlock, big.NewInt(timelock))
}

func (c *contract) redeem(auth *bind.TransactOpts, id [32]byte, secret *big.Int) (*types.Transaction, error) {
	return c.bound.Transact(auth, "redeem", id, secret)
}

func (c *contract) refund(auth *bind.TransactOpts, id [32]byte) (*types.Transaction, error) {
	return c.bound.Transact(auth, "refund", id)
}

// =============================================================================
// ERC20 Helpers
// =============================================================================

// ensureAllowance approves the HTLC contract to spend amount of token when the
// current allowance is lower.
func ensureAllowance(ctx context.Context, client *ethclient.Client, key *ecdsa.PrivateKey, chainID *big.Int,
	token, spender common.Address, amount *big.Int) error {
	erc20 := bind.NewBoundContract(token, tokenERC, client, client, client)
	owner := addressOf(key)

	var out []interface{}
	if err := erc20.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, spender); err != nil {
		return fmt.Errorf("failed to read allowance: %w", err)
	}
	if len(out) > 0 {
		if current, ok := out[0].(*big.Int); ok && current.Cmp(amount) >= 0 {
			return nil
		}
	}

	auth, err := newTransactor(ctx, key, chainID)
	if err != nil {
		return err
	}
	tx, err := erc20.Transact(auth, "approve", spender, amount)
	if err != nil {
		return fmt.Errorf("failed to approve token: %w", err)
	}
	_, err = waitMined(ctx, client, tx)
	return err
}

// =============================================================================
// Transaction Helpers
// =============================================================================

func newTransactor(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// waitMined waits for tx to be mined and fails if it reverted.
func waitMined(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return receipt, nil
}
