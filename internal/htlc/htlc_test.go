package htlc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
)

func TestClaimedStateString(t *testing.T) {
	tests := []struct {
		state ClaimedState
		want  string
	}{
		{Unlocked, "unlocked"},
		{Locked, "locked"},
		{Refunded, "refunded"},
		{Redeemed, "redeemed"},
		{ClaimedState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("ClaimedState(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestClaimedStateWireCodes(t *testing.T) {
	if Unlocked != 0 || Locked != 1 || Refunded != 2 || Redeemed != 3 {
		t.Error("claimed state wire codes changed")
	}
}

func TestCanAdvanceTo(t *testing.T) {
	tests := []struct {
		from, to ClaimedState
		want     bool
	}{
		{Unlocked, Locked, true},
		{Locked, Redeemed, true},
		{Locked, Refunded, true},
		{Unlocked, Redeemed, true},
		{Locked, Unlocked, false},
		{Redeemed, Refunded, false},
		{Refunded, Redeemed, false},
		{Redeemed, Locked, false},
		{Redeemed, Redeemed, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDetailsPredicates(t *testing.T) {
	var nilDetails *Details
	if nilDetails.HasSender() || nilDetails.HasHashlock() {
		t.Error("nil details should have nothing")
	}

	d := &Details{
		Sender:   "0x0000000000000000000000000000000000000000",
		Hashlock: "0x0000000000000000000000000000000000000000000000000000000000000000",
	}
	if d.HasSender() {
		t.Error("zero sender should not count")
	}
	if d.HasHashlock() {
		t.Error("zero hashlock should not count")
	}

	d.Sender = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
	d.Hashlock = "0xabc"
	if !d.HasSender() || !d.HasHashlock() {
		t.Error("expected sender and hashlock")
	}

	if (&Details{Sender: "11111111111111111111111111111111"}).HasSender() {
		t.Error("default solana pubkey should not count as sender")
	}
}

func TestDetailsClone(t *testing.T) {
	d := &Details{Amount: big.NewInt(5), Hashlock: "0x1"}
	c := d.Clone()
	c.Amount.SetInt64(9)
	if d.Amount.Int64() != 5 {
		t.Error("clone shares amount")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"metamask", errors.New("MetaMask Tx Signature: User denied transaction signature."), UserRejected},
		{"phantom", errors.New("User rejected the request."), UserRejected},
		{"generic", errors.New("execution reverted"), AdapterError},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), AdapterError},
		{"classified", NewError(PreconditionFailed, "commit", errors.New("x")), PreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("op", tt.err)
			if got.Kind != tt.want {
				t.Errorf("Classify = %s, want %s", got.Kind, tt.want)
			}
		})
	}
	if Classify("op", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestErrorMessage(t *testing.T) {
	e := Classify("lock", errors.New("user rejected transaction"))
	if e.Message() != RejectedMessage {
		t.Errorf("expected rejection message, got %q", e.Message())
	}

	e = Classify("lock", errors.New("insufficient funds"))
	if e.Message() != "insufficient funds" {
		t.Errorf("expected raw message, got %q", e.Message())
	}

	wrapped := fmt.Errorf("dispatch: %w", NewError(InvalidInput, "commit", errors.New("bad amount")))
	if !IsKind(wrapped, InvalidInput) {
		t.Error("IsKind should see through wrapping")
	}
	if KindOf(errors.New("plain")) != AdapterError {
		t.Error("unclassified errors default to AdapterError")
	}
}
