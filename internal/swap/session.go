// Package swap coordinates a two-leg HTLC swap: it keeps the session state,
// derives the swap status from both on-chain records, and executes the one
// user action that status permits.
package swap

import (
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
)

// Endpoint is one side of the swap, resolved from the network registry once
// at session creation.
type Endpoint struct {
	Network  string       `json:"network"`
	Family   chain.Family `json:"family"`
	ChainID  string       `json:"chain_id"`
	Asset    chain.Token  `json:"asset"`
	Contract string       `json:"contract"`
	Address  string       `json:"address"`
}

// Solver holds the liquidity provider addresses quoted for the swap.
type Solver struct {
	SourceLP      string `json:"source_lp"`
	DestinationLP string `json:"destination_lp"`
}

// ActionError is the last failed user action. It blocks further actions
// until cleared.
type ActionError struct {
	Kind    htlc.ErrorKind `json:"kind"`
	Action  Action         `json:"action"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
}

// Session is the coordinator's view of one swap.
type Session struct {
	ID       string `json:"id"`
	CommitID string `json:"commit_id,omitempty"`
	Amount   string `json:"amount"`

	Source      Endpoint `json:"source"`
	Destination Endpoint `json:"destination"`
	Solver      Solver   `json:"solver"`

	SourceLeg      *htlc.Details `json:"source_leg,omitempty"`
	DestinationLeg *htlc.Details `json:"destination_leg,omitempty"`

	UserLocked    bool   `json:"user_locked"`
	LockSignature string `json:"lock_signature,omitempty"`

	CommitTxHash          string `json:"commit_tx_hash,omitempty"`
	LockTxHash            string `json:"lock_tx_hash,omitempty"`
	RedeemTxHash          string `json:"redeem_tx_hash,omitempty"`
	RefundTxID            string `json:"refund_tx_id,omitempty"`
	DestinationRefundTxID string `json:"destination_refund_tx_id,omitempty"`

	// SourceRedeemedAt is when the source leg was first seen redeemed.
	SourceRedeemedAt time.Time `json:"source_redeemed_at,omitempty"`

	Error *ActionError `json:"error,omitempty"`

	// Version increases on every accepted write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.SourceLeg = s.SourceLeg.Clone()
	c.DestinationLeg = s.DestinationLeg.Clone()
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	return &c
}

// Leg returns the record for the given side.
func (s *Session) Leg(leg htlc.LegType) *htlc.Details {
	if leg == htlc.LegDestination {
		return s.DestinationLeg
	}
	return s.SourceLeg
}

// Endpoint returns the endpoint for the given side.
func (s *Session) Endpoint(leg htlc.LegType) Endpoint {
	if leg == htlc.LegDestination {
		return s.Destination
	}
	return s.Source
}

func (s *Session) sourceClaimed() htlc.ClaimedState {
	if s.SourceLeg == nil {
		return htlc.Unlocked
	}
	return s.SourceLeg.Claimed
}

func (s *Session) destinationClaimed() htlc.ClaimedState {
	if s.DestinationLeg == nil {
		return htlc.Unlocked
	}
	return s.DestinationLeg.Claimed
}
