// Package solana implements the HTLC adapter for the Solana HTLC programs.
package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Adapter errors
var (
	ErrNoNodes        = errors.New("no RPC nodes configured")
	ErrNoSigner       = errors.New("no Solana private key configured")
	ErrTxFailed       = errors.New("transaction failed")
	ErrAmountTooLarge = errors.New("amount does not fit in u64")
)

// Config holds configuration for a Solana adapter.
type Config struct {
	Network *chain.Network
	// PrivateKey is base58 encoded. Without it the adapter is read only.
	PrivateKey string
	// ConfirmInterval is how often a sent transaction's status is polled.
	ConfirmInterval time.Duration
	// ConfirmTimeout bounds the wait for a transaction to confirm.
	ConfirmTimeout time.Duration
}

// Adapter talks to the HTLC programs of one Solana cluster.
type Adapter struct {
	network *chain.Network
	client  *rpc.Client
	key     *solana.PrivateKey

	confirmInterval time.Duration
	confirmTimeout  time.Duration
	log             *logging.Logger
}

// New creates an adapter against the network's first node.
func New(cfg *Config) (*Adapter, error) {
	if cfg.Network == nil {
		return nil, chain.ErrUnknownNetwork
	}
	if len(cfg.Network.Nodes) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoNodes, cfg.Network.Name)
	}

	a := &Adapter{
		network:         cfg.Network,
		client:          rpc.New(cfg.Network.Nodes[0]),
		confirmInterval: cfg.ConfirmInterval,
		confirmTimeout:  cfg.ConfirmTimeout,
		log:             logging.GetDefault().Component("adapter-solana").With("network", cfg.Network.Name),
	}
	if a.confirmInterval == 0 {
		a.confirmInterval = 2 * time.Second
	}
	if a.confirmTimeout == 0 {
		a.confirmTimeout = 90 * time.Second
	}

	if cfg.PrivateKey != "" {
		key, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		a.key = &key
	}
	return a, nil
}

// Address returns the signer's public key, or the zero key for a read only adapter.
func (a *Adapter) Address() solana.PublicKey {
	if a.key == nil {
		return solana.PublicKey{}
	}
	return a.key.PublicKey()
}

// Close releases the RPC client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) signer() (*solana.PrivateKey, error) {
	if a.key == nil {
		return nil, ErrNoSigner
	}
	return a.key, nil
}

func parseProgram(op, addr string) (solana.PublicKey, error) {
	program, err := solana.PublicKeyFromBase58(addr)
	if err != nil {
		return solana.PublicKey{}, htlc.NewError(htlc.InvalidInput, op, fmt.Errorf("invalid program address %q: %w", addr, err))
	}
	return program, nil
}

func parseID(op, id string) ([32]byte, error) {
	b, err := helpers.HexToBytes32(id)
	if err != nil {
		return b, htlc.NewError(htlc.InvalidInput, op, err)
	}
	return b, nil
}

// =============================================================================
// htlc.Adapter
// =============================================================================

// CreatePreHTLC commits funds without a hashlock.
func (a *Adapter) CreatePreHTLC(ctx context.Context, p htlc.CommitParams) (*htlc.CommitReceipt, error) {
	if p.SourceLPAddress == "" {
		return nil, htlc.Errorf(htlc.InvalidInput, "commit", "solver address is required")
	}
	receiver, err := solana.PublicKeyFromBase58(p.SourceLPAddress)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "commit", fmt.Errorf("invalid solver address: %w", err))
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
	if !p.Amount.IsUint64() {
		return nil, htlc.NewError(htlc.InvalidInput, "commit", ErrAmountTooLarge)
	}
	program, err := parseProgram("commit", p.ContractAddress)
	if err != nil {
		return nil, err
	}
	key, err := a.signer()
	if err != nil {
		return nil, err
	}

	id, err := helpers.RandomBytes32()
	if err != nil {
		return nil, err
	}
	pda, bump, err := htlcAddress(program, id)
	if err != nil {
		return nil, err
	}

	data, err := encodeInstruction("commit", &commitArgs{
		ID:          id,
		DstChain:    p.DestinationChain,
		DstAsset:    p.DestinationAsset,
		DstAddress:  p.DestinationAddress,
		SrcAsset:    p.SourceAsset,
		SrcReceiver: receiver,
		Timelock:    uint64(p.Timelock),
		Amount:      p.Amount.Uint64(),
		Bump:        bump,
	})
	if err != nil {
		return nil, err
	}

	sender := key.PublicKey()
	accounts := solana.AccountMetaSlice{
		solana.Meta(sender).WRITE().SIGNER(),
		solana.Meta(pda).WRITE(),
	}
	if p.TokenContract != "" {
		extra, err := tokenAccounts(program, id, sender, p.TokenContract)
		if err != nil {
			return nil, htlc.NewError(htlc.InvalidInput, "commit", err)
		}
		accounts = append(accounts, extra...)
	}
	accounts = append(accounts, solana.Meta(solana.SystemProgramID))

	sig, err := a.send(ctx, key, solana.NewInstruction(program, accounts, data))
	if sig.IsZero() || errors.Is(err, ErrTxFailed) {
		return nil, err
	}
	receipt := &htlc.CommitReceipt{CommitID: helpers.Bytes32ToHex(id), TxHash: sig.String()}
	if err != nil {
		// Sent but unconfirmed: the id may still land on chain.
		return receipt, err
	}
	a.log.Info("Commit sent", "id", receipt.CommitID, "tx", receipt.TxHash)
	return receipt, nil
}

// AddLock sets the hashlock on a committed HTLC.
func (a *Adapter) AddLock(ctx context.Context, p htlc.LockParams) (*htlc.LockReceipt, error) {
	if helpers.IsZeroHex(p.Hashlock) {
		return nil, htlc.Errorf(htlc.PreconditionFailed, "add_lock", "hashlock is required")
	}
	id, err := parseID("add_lock", p.CommitID)
	if err != nil {
		return nil, err
	}
	hashlock, err := helpers.HexToBytes32(p.Hashlock)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "add_lock", err)
	}
	program, err := parseProgram("add_lock", p.ContractAddress)
	if err != nil {
		return nil, err
	}
	key, err := a.signer()
	if err != nil {
		return nil, err
	}
	pda, _, err := htlcAddress(program, id)
	if err != nil {
		return nil, err
	}

	data, err := encodeInstruction("add_lock", &addLockArgs{ID: id, Hashlock: hashlock, Timelock: uint64(p.Timelock)})
	if err != nil {
		return nil, err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(key.PublicKey()).SIGNER(),
		solana.Meta(pda).WRITE(),
	}
	sig, err := a.send(ctx, key, solana.NewInstruction(program, accounts, data))
	if err != nil {
		return nil, err
	}
	return &htlc.LockReceipt{TxHash: sig.String()}, nil
}

// GetDetails reads the HTLC account. A missing account is not an error.
func (a *Adapter) GetDetails(ctx context.Context, p htlc.DetailsParams) (*htlc.Details, error) {
	acc, err := a.account(ctx, "details", p.ContractAddress, p.ID)
	if err != nil || acc == nil {
		return nil, err
	}
	return acc.details(), nil
}

func (a *Adapter) account(ctx context.Context, op, contract, rawID string) (*htlcAccount, error) {
	id, err := parseID(op, rawID)
	if err != nil {
		return nil, err
	}
	program, err := parseProgram(op, contract)
	if err != nil {
		return nil, err
	}
	pda, _, err := htlcAddress(program, id)
	if err != nil {
		return nil, err
	}

	out, err := a.client.GetAccountInfoWithOpts(ctx, pda, &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: rpc.CommitmentConfirmed,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read HTLC account: %w", err)
	}
	if out.Value == nil || out.Value.Data == nil {
		return nil, nil
	}
	if !out.Value.Owner.Equals(program) {
		return nil, fmt.Errorf("%w: owned by %s", ErrNotHTLCAccount, out.Value.Owner)
	}
	return decodeAccount(out.Value.Data.GetBinary())
}

// Claim redeems an HTLC with its secret. Funds go to the HTLC's receiver.
func (a *Adapter) Claim(ctx context.Context, p htlc.ClaimParams) (string, error) {
	if helpers.IsZeroHex(p.Secret) {
		return "", htlc.Errorf(htlc.PreconditionFailed, "redeem", "secret is required")
	}
	secret, err := helpers.HexToBytes32(p.Secret)
	if err != nil {
		return "", htlc.NewError(htlc.InvalidInput, "redeem", err)
	}
	key, err := a.signer()
	if err != nil {
		return "", err
	}
	acc, err := a.account(ctx, "redeem", p.ContractAddress, p.ID)
	if err != nil {
		return "", err
	}
	if acc == nil {
		return "", htlc.NewError(htlc.PreconditionFailed, "redeem", htlc.ErrNotFound)
	}

	id, _ := helpers.HexToBytes32(p.ID)
	program, _ := solana.PublicKeyFromBase58(p.ContractAddress)
	pda, _, err := htlcAddress(program, id)
	if err != nil {
		return "", err
	}

	data, err := encodeInstruction("redeem", &redeemArgs{ID: id, Secret: secret})
	if err != nil {
		return "", err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(key.PublicKey()).WRITE().SIGNER(),
		solana.Meta(acc.SrcReceiver).WRITE(),
		solana.Meta(pda).WRITE(),
	}
	if p.TokenContract != "" {
		extra, err := tokenAccounts(program, id, acc.SrcReceiver, p.TokenContract)
		if err != nil {
			return "", htlc.NewError(htlc.InvalidInput, "redeem", err)
		}
		accounts = append(accounts, extra...)
	}
	accounts = append(accounts, solana.Meta(solana.SystemProgramID))

	sig, err := a.send(ctx, key, solana.NewInstruction(program, accounts, data))
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// Refund returns an expired HTLC's funds to its sender.
func (a *Adapter) Refund(ctx context.Context, p htlc.RefundParams) (string, error) {
	key, err := a.signer()
	if err != nil {
		return "", err
	}
	acc, err := a.account(ctx, "refund", p.ContractAddress, p.ID)
	if err != nil {
		return "", err
	}
	if acc == nil {
		return "", htlc.NewError(htlc.PreconditionFailed, "refund", htlc.ErrNotFound)
	}

	id, _ := helpers.HexToBytes32(p.ID)
	program, _ := solana.PublicKeyFromBase58(p.ContractAddress)
	pda, _, err := htlcAddress(program, id)
	if err != nil {
		return "", err
	}

	data, err := encodeInstruction("refund", &refundArgs{ID: id})
	if err != nil {
		return "", err
	}
	accounts := solana.AccountMetaSlice{
		solana.Meta(key.PublicKey()).WRITE().SIGNER(),
		solana.Meta(pda).WRITE(),
		solana.Meta(acc.Sender).WRITE(),
	}
	if p.TokenContract != "" {
		extra, err := tokenAccounts(program, id, acc.Sender, p.TokenContract)
		if err != nil {
			return "", htlc.NewError(htlc.InvalidInput, "refund", err)
		}
		accounts = append(accounts, extra...)
	}
	accounts = append(accounts, solana.Meta(solana.SystemProgramID))

	sig, err := a.send(ctx, key, solana.NewInstruction(program, accounts, data))
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// tokenAccounts lists the extra accounts SPL HTLC instructions take: the
// vault, the mint, the owner's associated token account and the token program.
func tokenAccounts(program solana.PublicKey, id [32]byte, owner solana.PublicKey, mintAddr string) (solana.AccountMetaSlice, error) {
	mint, err := solana.PublicKeyFromBase58(mintAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid token mint %q: %w", mintAddr, err)
	}
	vault, err := tokenVault(program, id)
	if err != nil {
		return nil, err
	}
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, err
	}
	return solana.AccountMetaSlice{
		solana.Meta(vault).WRITE(),
		solana.Meta(mint),
		solana.Meta(ata).WRITE(),
		solana.Meta(solana.TokenProgramID),
		solana.Meta(solana.SysVarRentPubkey),
	}, nil
}

// send signs and submits a single instruction transaction, then waits for it
// to reach confirmed commitment.
func (a *Adapter) send(ctx context.Context, key *solana.PrivateKey, ix solana.Instruction) (solana.Signature, error) {
	recent, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	payer := key.PublicKey()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, recent.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(payer) {
			return key
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, a.confirm(ctx, sig)
}

func (a *Adapter) confirm(ctx context.Context, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, a.confirmTimeout)
	defer cancel()

	return backoff.Retry(func() error {
		out, err := a.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			return fmt.Errorf("transaction %s not yet seen", sig)
		}
		st := out.Value[0]
		if st.Err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s: %v", ErrTxFailed, sig, st.Err))
		}
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return nil
		}
		return fmt.Errorf("transaction %s is %s", sig, st.ConfirmationStatus)
	}, backoff.WithContext(backoff.NewConstantBackOff(a.confirmInterval), ctx))
}

var _ htlc.Adapter = (*Adapter)(nil)
