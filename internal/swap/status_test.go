package swap

import (
	"math/big"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
)

func leg(hashlock string, claimed htlc.ClaimedState, timelock int64) *htlc.Details {
	return &htlc.Details{
		Sender:   testEVMAddress,
		Receiver: testEVMLP,
		Hashlock: hashlock,
		Amount:   big.NewInt(1000),
		Timelock: timelock,
		Claimed:  claimed,
	}
}

func TestResolveStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := now.Add(time.Hour).Unix()
	past := now.Add(-time.Minute).Unix()

	tests := []struct {
		name    string
		session Session
		want    CommitStatus
	}{
		{"empty", Session{}, StatusNone},
		{"committed", Session{CommitID: "0x1"}, StatusCommited},
		{
			"lp lock detected",
			Session{CommitID: "0x1", SourceLeg: leg("", htlc.Locked, future), DestinationLeg: leg(testHashlock, htlc.Locked, future)},
			StatusLpLockDetected,
		},
		{
			"user locked without destination",
			Session{CommitID: "0x1", UserLocked: true},
			StatusUserLocked,
		},
		{
			"assets locked by hashlocks",
			Session{CommitID: "0x1", SourceLeg: leg(testHashlock, htlc.Locked, future), DestinationLeg: leg(testHashlock, htlc.Locked, future)},
			StatusAssetsLocked,
		},
		{
			"assets locked by signature",
			Session{CommitID: "0x1", LockSignature: "sig", SourceLeg: leg("", htlc.Locked, future), DestinationLeg: leg(testHashlock, htlc.Locked, future)},
			StatusAssetsLocked,
		},
		{
			"assets locked beats user locked",
			Session{CommitID: "0x1", UserLocked: true, SourceLeg: leg(testHashlock, htlc.Locked, future), DestinationLeg: leg(testHashlock, htlc.Locked, future)},
			StatusAssetsLocked,
		},
		{
			"redeem completed",
			Session{CommitID: "0x1", SourceLeg: leg(testHashlock, htlc.Redeemed, future), DestinationLeg: leg(testHashlock, htlc.Redeemed, future)},
			StatusRedeemCompleted,
		},
		{
			"redeem completed beats expiry",
			Session{CommitID: "0x1", SourceLeg: leg(testHashlock, htlc.Locked, past), DestinationLeg: leg(testHashlock, htlc.Redeemed, future)},
			StatusRedeemCompleted,
		},
		{
			"timelock passed",
			Session{CommitID: "0x1", SourceLeg: leg("", htlc.Locked, past)},
			StatusTimelockExpired,
		},
		{
			"source refunded",
			Session{CommitID: "0x1", SourceLeg: leg(testHashlock, htlc.Refunded, future)},
			StatusTimelockExpired,
		},
		{
			"source redeemed never expires",
			Session{CommitID: "0x1", SourceLeg: leg(testHashlock, htlc.Redeemed, past), DestinationLeg: leg(testHashlock, htlc.Locked, past)},
			StatusAssetsLocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveStatus(&tt.session, now); got != tt.want {
				t.Errorf("ResolveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResolveStatusDoesNotMutate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := &Session{CommitID: "0x1", SourceLeg: leg(testHashlock, htlc.Locked, now.Unix()), DestinationLeg: leg(testHashlock, htlc.Locked, 0)}
	before := s.Clone()

	first := Resolve(s, now, DefaultManualClaimGrace)
	second := Resolve(s, now, DefaultManualClaimGrace)
	if first != second {
		t.Errorf("Resolve is not deterministic: %+v vs %+v", first, second)
	}
	if !detailsEqual(before.SourceLeg, s.SourceLeg) || before.Version != s.Version {
		t.Error("Resolve mutated the session")
	}
}

func TestResolveActions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	future := now.Add(time.Hour).Unix()
	past := now.Add(-time.Minute).Unix()

	tests := []struct {
		name     string
		session  Session
		action   Action
		terminal bool
	}{
		{"commit", Session{}, ActionCommit, false},
		{"wait for lp", Session{CommitID: "0x1"}, ActionNone, false},
		{"add lock", Session{CommitID: "0x1", DestinationLeg: leg(testHashlock, htlc.Locked, future)}, ActionAddLock, false},
		{"refund", Session{CommitID: "0x1", SourceLeg: leg("", htlc.Locked, past)}, ActionRefund, false},
		{"refund already sent", Session{CommitID: "0x1", RefundTxID: "0xr", SourceLeg: leg("", htlc.Locked, past)}, ActionNone, false},
		{"refunded is terminal", Session{CommitID: "0x1", SourceLeg: leg("", htlc.Refunded, past)}, ActionNone, true},
		{"completed is terminal", Session{CommitID: "0x1", DestinationLeg: leg(testHashlock, htlc.Redeemed, future)}, ActionNone, true},
		{"error blocks commit", Session{Error: &ActionError{Kind: htlc.AdapterError}}, ActionNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Resolve(&tt.session, now, DefaultManualClaimGrace)
			if r.Action != tt.action {
				t.Errorf("Action = %s, want %s (status %s)", r.Action, tt.action, r.Status)
			}
			if r.Terminal != tt.terminal {
				t.Errorf("Terminal = %v, want %v", r.Terminal, tt.terminal)
			}
		})
	}
}

func TestManualClaimAvailable(t *testing.T) {
	redeemedAt := time.Unix(1_700_000_000, 0)
	future := redeemedAt.Add(time.Hour).Unix()

	base := func() *Session {
		s := &Session{
			CommitID:         "0x1",
			SourceLeg:        leg(testHashlock, htlc.Redeemed, future),
			DestinationLeg:   leg(testHashlock, htlc.Locked, future),
			SourceRedeemedAt: redeemedAt,
		}
		s.SourceLeg.Secret = testSecret
		return s
	}

	if ManualClaimAvailable(base(), redeemedAt.Add(29*time.Second), DefaultManualClaimGrace) {
		t.Error("manual claim must not be available inside the grace period")
	}
	if !ManualClaimAvailable(base(), redeemedAt.Add(31*time.Second), DefaultManualClaimGrace) {
		t.Error("manual claim should be available after the grace period")
	}

	s := base()
	s.DestinationLeg.Claimed = htlc.Redeemed
	if ManualClaimAvailable(s, redeemedAt.Add(time.Minute), DefaultManualClaimGrace) {
		t.Error("manual claim must not be offered once the destination is redeemed")
	}

	s = base()
	s.SourceLeg.Claimed = htlc.Locked
	if ManualClaimAvailable(s, redeemedAt.Add(time.Minute), DefaultManualClaimGrace) {
		t.Error("manual claim requires a redeemed source")
	}

	s = base()
	s.DestinationLeg.Hashlock = ""
	if ManualClaimAvailable(s, redeemedAt.Add(time.Minute), DefaultManualClaimGrace) {
		t.Error("manual claim requires both hashlocks")
	}

	s = base()
	s.DestinationLeg.Hashlock = "0xbeef"
	if ManualClaimAvailable(s, redeemedAt.Add(31*time.Second), DefaultManualClaimGrace) {
		t.Error("manual claim must not be offered for mismatched hashlocks")
	}
	if r := Resolve(s, redeemedAt.Add(31*time.Second), DefaultManualClaimGrace); r.ManualClaim || r.Action == ActionRedeem {
		t.Errorf("mismatched hashlocks resolved to %+v", r)
	}

	s = base()
	s.SourceLeg.Secret = ""
	if ManualClaimAvailable(s, redeemedAt.Add(time.Minute), DefaultManualClaimGrace) {
		t.Error("manual claim requires the source secret")
	}

	s = base()
	s.SourceLeg.Hashlock = ""
	if ManualClaimAvailable(s, redeemedAt.Add(time.Minute), DefaultManualClaimGrace) {
		t.Error("missing source hashlock without a lock signature must not allow a claim")
	}
	s.LockSignature = "sig"
	if !ManualClaimAvailable(s, redeemedAt.Add(time.Minute), DefaultManualClaimGrace) {
		t.Error("a recorded lock signature should stand in for the source hashlock")
	}

	s = base()
	r := Resolve(s, redeemedAt.Add(31*time.Second), DefaultManualClaimGrace)
	if !r.ManualClaim || r.Action != ActionRedeem {
		t.Errorf("expected redeem action, got %+v", r)
	}
}

func TestRefundNeverOfferedAfterRedeem(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	past := now.Add(-time.Hour).Unix()

	s := &Session{CommitID: "0x1", SourceLeg: leg(testHashlock, htlc.Redeemed, past), DestinationLeg: leg(testHashlock, htlc.Locked, past)}
	if RefundAvailable(s, now) {
		t.Error("refund must not be available for a redeemed source")
	}
	if r := Resolve(s, now, DefaultManualClaimGrace); r.Action == ActionRefund {
		t.Errorf("unexpected refund action in %+v", r)
	}
}
