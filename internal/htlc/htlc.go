// Package htlc defines the chain-agnostic contract every chain adapter
// implements, along with the on-chain HTLC record and the action error
// taxonomy shared by the coordinator.
package htlc

import (
	"context"
	"math/big"
	"strings"
	"time"
)

// ClaimedState is the settlement state of one HTLC leg.
// The numeric values are the on-chain wire codes.
type ClaimedState uint8

const (
	Unlocked ClaimedState = 0
	Locked   ClaimedState = 1
	Refunded ClaimedState = 2
	Redeemed ClaimedState = 3
)

// String returns a human-readable name for the state.
func (s ClaimedState) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Locked:
		return "locked"
	case Refunded:
		return "refunded"
	case Redeemed:
		return "redeemed"
	default:
		return "unknown"
	}
}

// IsFinal reports whether the leg has settled.
func (s ClaimedState) IsFinal() bool {
	return s == Refunded || s == Redeemed
}

// CanAdvanceTo reports whether moving from s to next respects the
// Unlocked -> Locked -> {Refunded | Redeemed} ordering.
func (s ClaimedState) CanAdvanceTo(next ClaimedState) bool {
	if s == next {
		return true
	}
	if s.IsFinal() {
		return false
	}
	return next > s
}

// Details is the on-chain record of one HTLC leg.
// Hashlock and Secret are 0x-prefixed hex; an empty Hashlock means none
// has been set yet.
type Details struct {
	Sender   string       `json:"sender"`
	Receiver string       `json:"receiver"`
	Hashlock string       `json:"hashlock,omitempty"`
	Secret   string       `json:"secret,omitempty"`
	Amount   *big.Int     `json:"amount"`
	Timelock int64        `json:"timelock"`
	Claimed  ClaimedState `json:"claimed"`
}

// HasSender reports whether the record exists on chain.
func (d *Details) HasSender() bool {
	return d != nil && !isZeroAddress(d.Sender)
}

// HasHashlock reports whether a hashlock has been set.
func (d *Details) HasHashlock() bool {
	return d != nil && !isZeroHex(d.Hashlock)
}

// HasSecret reports whether the secret has been revealed.
func (d *Details) HasSecret() bool {
	return d != nil && !isZeroHex(d.Secret)
}

// TimelockTime returns the timelock as a wall-clock time.
func (d *Details) TimelockTime() time.Time {
	if d == nil || d.Timelock == 0 {
		return time.Time{}
	}
	return time.Unix(d.Timelock, 0)
}

// Clone returns a deep copy.
func (d *Details) Clone() *Details {
	if d == nil {
		return nil
	}
	c := *d
	if d.Amount != nil {
		c.Amount = new(big.Int).Set(d.Amount)
	}
	return &c
}

func isZeroHex(s string) bool {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	return strings.Trim(s, "0") == ""
}

func isZeroAddress(s string) bool {
	if isZeroHex(s) {
		return true
	}
	// Solana system program / default pubkey.
	return s == "11111111111111111111111111111111"
}

// LegType identifies which side of the swap a call targets.
type LegType string

const (
	LegSource      LegType = "source"
	LegDestination LegType = "destination"
)

// CommitParams are the inputs to CreatePreHTLC on the source chain.
type CommitParams struct {
	ChainID            string
	ContractAddress    string
	TokenContract      string
	Amount             *big.Int
	Decimals           uint8
	SourceAsset        string
	SourceAddress      string
	SourceLPAddress    string
	DestinationChain   string
	DestinationAsset   string
	DestinationAddress string
	DestinationFamily  string
	Timelock           int64
}

// CommitReceipt is returned by CreatePreHTLC.
type CommitReceipt struct {
	CommitID string `json:"commit_id"`
	TxHash   string `json:"tx_hash"`
}

// LockParams are the inputs to AddLock on the source chain.
type LockParams struct {
	ChainID         string
	ContractAddress string
	CommitID        string
	Hashlock        string
	Timelock        int64
}

// LockReceipt is returned by AddLock. Signature is set by adapters whose
// lock is an off-chain signature relayed by the solver.
type LockReceipt struct {
	TxHash    string `json:"tx_hash,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// DetailsParams identify an HTLC record to read.
type DetailsParams struct {
	Type            LegType
	ChainID         string
	ID              string
	ContractAddress string
}

// ClaimParams redeem an HTLC with its secret.
type ClaimParams struct {
	Type            LegType
	ChainID         string
	ContractAddress string
	ID              string
	Secret          string
	TokenContract   string
	SourceAsset     string
}

// RefundParams refund an HTLC after its timelock.
type RefundParams struct {
	Type            LegType
	ChainID         string
	ContractAddress string
	ID              string
	Hashlock        string
	TokenContract   string
	SourceAsset     string
}

// Adapter is the uniform interface over a chain family's HTLC contract.
// None of the write operations are idempotent on chain.
type Adapter interface {
	// CreatePreHTLC may return a receipt together with an error when the
	// transaction was sent but its confirmation could not be observed.
	// The commit id in such a receipt must be treated as taken.
	CreatePreHTLC(ctx context.Context, p CommitParams) (*CommitReceipt, error)
	AddLock(ctx context.Context, p LockParams) (*LockReceipt, error)
	// GetDetails returns nil, nil when the record does not exist yet.
	GetDetails(ctx context.Context, p DetailsParams) (*Details, error)
	Claim(ctx context.Context, p ClaimParams) (string, error)
	Refund(ctx context.Context, p RefundParams) (string, error)
}

// SecureDetailer is implemented by adapters that can cross-check a record
// across several endpoints.
type SecureDetailer interface {
	SecureGetDetails(ctx context.Context, p DetailsParams) (*Details, error)
}

// ChainSwitcher is implemented by adapters whose signer can move between
// networks of the same family.
type ChainSwitcher interface {
	SwitchChain(ctx context.Context, chainID string) error
}
