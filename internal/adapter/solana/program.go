package solana

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
)

// Seeds used to derive program accounts.
var (
	seedTokenAccount = []byte("htlc_token_account")
)

var (
	htlcAccountDiscriminator = discriminator("account:HTLC")

	// ErrNotHTLCAccount is returned when account data does not hold an HTLC.
	ErrNotHTLCAccount = errors.New("account is not an HTLC")
)

// discriminator returns the 8-byte Anchor discriminator for a name such as
// "global:commit" or "account:HTLC".
func discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte(name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// htlcAccount is the on-chain HTLC record, Borsh encoded after the account
// discriminator.
type htlcAccount struct {
	DstAddress  string
	DstChain    string
	DstAsset    string
	SrcAsset    string
	Sender      solana.PublicKey
	SrcReceiver solana.PublicKey
	Hashlock    [32]byte
	Secret      [32]byte
	Amount      uint64
	Timelock    uint64
	Claimed     uint8
	Bump        uint8
}

func decodeAccount(data []byte) (*htlcAccount, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], htlcAccountDiscriminator[:]) {
		return nil, ErrNotHTLCAccount
	}
	var acc htlcAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&acc); err != nil {
		return nil, fmt.Errorf("failed to decode HTLC account: %w", err)
	}
	return &acc, nil
}

func encodeAccount(acc *htlcAccount) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(htlcAccountDiscriminator[:])
	if err := bin.NewBorshEncoder(buf).Encode(acc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (acc *htlcAccount) details() *htlc.Details {
	if acc.Sender.IsZero() {
		return nil
	}
	d := &htlc.Details{
		Sender:   acc.Sender.String(),
		Receiver: acc.SrcReceiver.String(),
		Amount:   new(big.Int).SetUint64(acc.Amount),
		Timelock: int64(acc.Timelock),
		Claimed:  htlc.ClaimedState(acc.Claimed),
	}
	if acc.Hashlock != ([32]byte{}) {
		d.Hashlock = helpers.Bytes32ToHex(acc.Hashlock)
	}
	if acc.Secret != ([32]byte{}) {
		d.Secret = helpers.Bytes32ToHex(acc.Secret)
	}
	return d
}

// Instruction arguments, Borsh encoded after the instruction discriminator.

type commitArgs struct {
	ID          [32]byte
	DstChain    string
	DstAsset    string
	DstAddress  string
	SrcAsset    string
	SrcReceiver solana.PublicKey
	Timelock    uint64
	Amount      uint64
	Bump        uint8
}

type addLockArgs struct {
	ID       [32]byte
	Hashlock [32]byte
	Timelock uint64
}

type redeemArgs struct {
	ID     [32]byte
	Secret [32]byte
}

type refundArgs struct {
	ID [32]byte
}

func encodeInstruction(name string, args interface{}) ([]byte, error) {
	d := discriminator("global:" + name)
	buf := new(bytes.Buffer)
	buf.Write(d[:])
	if err := bin.NewBorshEncoder(buf).Encode(args); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// htlcAddress derives the HTLC account for id.
func htlcAddress(program solana.PublicKey, id [32]byte) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{id[:]}, program)
}

// tokenVault derives the token account holding an SPL HTLC's funds.
func tokenVault(program solana.PublicKey, id [32]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{seedTokenAccount, id[:]}, program)
	return addr, err
}
