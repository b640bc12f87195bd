package swap

import (
	"strings"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
)

// CommitStatus is the single status derived from both legs.
type CommitStatus string

const (
	StatusNone            CommitStatus = "none"
	StatusCommited        CommitStatus = "commited"
	StatusLpLockDetected  CommitStatus = "lp_lock_detected"
	StatusUserLocked      CommitStatus = "user_locked"
	StatusAssetsLocked    CommitStatus = "assets_locked"
	StatusRedeemCompleted CommitStatus = "redeem_completed"
	StatusTimelockExpired CommitStatus = "timelock_expired"
)

// Action is a user action the dispatcher can execute.
type Action string

const (
	ActionNone    Action = "none"
	ActionCommit  Action = "commit"
	ActionAddLock Action = "add_lock"
	ActionRedeem  Action = "redeem"
	ActionRefund  Action = "refund"
)

// DefaultManualClaimGrace is how long the solver gets to redeem the
// destination leg after the source leg is redeemed.
const DefaultManualClaimGrace = 30 * time.Second

// Resolution is the status of a session at a point in time together with
// the action it permits.
type Resolution struct {
	Status      CommitStatus `json:"status"`
	Action      Action       `json:"action"`
	Terminal    bool         `json:"terminal"`
	ManualClaim bool         `json:"manual_claim"`
}

// ResolveStatus derives the status from the session. First match wins.
func ResolveStatus(s *Session, now time.Time) CommitStatus {
	src, dst := s.SourceLeg, s.DestinationLeg

	switch {
	case s.destinationClaimed() == htlc.Redeemed:
		return StatusRedeemCompleted
	case timelockExpired(s, now):
		return StatusTimelockExpired
	case dst.HasHashlock() && (src.HasHashlock() || s.LockSignature != ""):
		return StatusAssetsLocked
	case s.UserLocked:
		return StatusUserLocked
	case dst.HasHashlock():
		return StatusLpLockDetected
	case s.CommitID != "":
		return StatusCommited
	default:
		return StatusNone
	}
}

func timelockExpired(s *Session, now time.Time) bool {
	src := s.SourceLeg
	if src == nil {
		return false
	}
	if src.Claimed == htlc.Refunded {
		return true
	}
	if src.Claimed == htlc.Redeemed || src.Timelock == 0 {
		return false
	}
	return !now.Before(src.TimelockTime())
}

// IsTerminal reports whether the session needs no further work.
func IsTerminal(s *Session, status CommitStatus) bool {
	switch status {
	case StatusRedeemCompleted:
		return true
	case StatusTimelockExpired:
		return s.sourceClaimed() == htlc.Refunded
	}
	return false
}

// ManualClaimAvailable reports whether the user may redeem the destination
// leg with the secret revealed on the source leg. The destination hashlock
// must be the one the source leg was locked with, the source leg must be
// redeemed with its secret visible, the destination leg must not be, and
// the grace period since the source redemption must have elapsed.
func ManualClaimAvailable(s *Session, now time.Time, grace time.Duration) bool {
	if !hashlocksAgree(s) || !s.SourceLeg.HasSecret() {
		return false
	}
	if s.sourceClaimed() != htlc.Redeemed || s.destinationClaimed() == htlc.Redeemed {
		return false
	}
	if s.SourceRedeemedAt.IsZero() {
		return false
	}
	return now.Sub(s.SourceRedeemedAt) >= grace
}

// hashlocksAgree reports whether the destination hashlock is the one locked
// on the source leg. A recorded lock signature stands in for a source
// hashlock that has not been read back yet.
func hashlocksAgree(s *Session) bool {
	if !s.DestinationLeg.HasHashlock() {
		return false
	}
	if s.SourceLeg.HasHashlock() {
		return strings.EqualFold(s.SourceLeg.Hashlock, s.DestinationLeg.Hashlock)
	}
	return s.LockSignature != ""
}

// RefundAvailable reports whether the source leg can be refunded.
func RefundAvailable(s *Session, now time.Time) bool {
	if s.RefundTxID != "" || s.SourceLeg == nil {
		return false
	}
	switch s.SourceLeg.Claimed {
	case htlc.Redeemed, htlc.Refunded:
		return false
	}
	return s.SourceLeg.Timelock != 0 && !now.Before(s.SourceLeg.TimelockTime())
}

// Resolve computes the full resolution. No action is permitted while a
// previous action error is set.
func Resolve(s *Session, now time.Time, grace time.Duration) Resolution {
	status := ResolveStatus(s, now)
	r := Resolution{
		Status:   status,
		Action:   ActionNone,
		Terminal: IsTerminal(s, status),
	}

	switch status {
	case StatusNone:
		r.Action = ActionCommit
	case StatusLpLockDetected:
		r.Action = ActionAddLock
	case StatusAssetsLocked:
		if ManualClaimAvailable(s, now, grace) {
			r.ManualClaim = true
			r.Action = ActionRedeem
		}
	case StatusTimelockExpired:
		if RefundAvailable(s, now) {
			r.Action = ActionRefund
		}
	}

	if s.Error != nil {
		r.Action = ActionNone
	}
	return r
}
