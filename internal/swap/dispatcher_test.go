package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc/htlcmock"
)

type dispatcherFixture struct {
	store *Store
	clock *fakeClock
	src   *htlcmock.Adapter
	dst   *htlcmock.Adapter
	tel   *recorder
	d     *Dispatcher
}

func testSession() *Session {
	return &Session{
		ID:     "s1",
		Amount: "0.01",
		Source: Endpoint{
			Network:  "SRC",
			Family:   chain.FamilyEVM,
			ChainID:  "11155111",
			Asset:    chain.Token{Symbol: "ETH", Decimals: 18},
			Contract: "0x00000000000000000000000000000000000000aa",
			Address:  testEVMAddress,
		},
		Destination: Endpoint{
			Network:  "DST",
			Family:   chain.FamilySolana,
			ChainID:  "devnet",
			Asset:    chain.Token{Symbol: "SOL", Decimals: 9},
			Contract: "DSTprogram1111111111111111111111111111111111",
			Address:  testSolanaAddress,
		},
		Solver: Solver{SourceLP: testEVMLP, DestinationLP: testSolanaLP},
	}
}

func newDispatcherFixture(t *testing.T, s *Session) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{clock: newFakeClock(), tel: &recorder{}}
	f.src, f.dst = newMocks()
	f.store = NewStore(f.clock.Now)
	if err := f.store.Add(s); err != nil {
		t.Fatal(err)
	}
	f.d = NewDispatcher(&DispatcherConfig{
		Store:     f.store,
		Adapters:  lookup{a: Adapters{Source: f.src, Destination: f.dst}},
		Telemetry: f.tel,
		Clock:     f.clock.Now,
	})
	return f
}

func TestDispatcherCommit(t *testing.T) {
	f := newDispatcherFixture(t, testSession())

	s, err := f.d.Commit(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if s.CommitID == "" || s.CommitTxHash == "" {
		t.Fatalf("commit id not recorded: %+v", s)
	}
	if got := ResolveStatus(s, f.clock.Now()); got != StatusCommited {
		t.Errorf("status = %s, want %s", got, StatusCommited)
	}

	p := f.src.Commits[0]
	if p.Amount.String() != "10000000000000000" {
		t.Errorf("amount = %s, want 0.01 ETH in wei", p.Amount)
	}
	if p.SourceLPAddress != testEVMLP || p.DestinationAddress != testSolanaAddress {
		t.Errorf("unexpected commit params %+v", p)
	}
	if p.Timelock != f.clock.Now().Add(DefaultTiming().CommitTimelock).Unix() {
		t.Errorf("timelock = %d", p.Timelock)
	}

	if _, err := f.d.Commit(context.Background(), "s1"); !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Errorf("second commit: expected precondition failure, got %v", err)
	}
	if commits, _, _, _ := f.src.Counts(); commits != 1 {
		t.Errorf("CreatePreHTLC called %d times", commits)
	}

	waitFor(t, "commit telemetry", func() bool { return len(f.tel.list()) == 1 })
	if f.tel.list()[0] != "swap_commit:"+s.CommitID {
		t.Errorf("unexpected telemetry %v", f.tel.list())
	}
}

func TestDispatcherConcurrentCommit(t *testing.T) {
	f := newDispatcherFixture(t, testSession())
	f.src.Block = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := f.d.Commit(context.Background(), "s1")
		first <- err
	}()

	waitFor(t, "commit in flight", func() bool { return f.d.Pending("s1") == ActionCommit })

	if _, err := f.d.Commit(context.Background(), "s1"); !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Errorf("concurrent commit: expected precondition failure, got %v", err)
	}

	close(f.src.Block)
	if err := <-first; err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	if commits, _, _, _ := f.src.Counts(); commits != 1 {
		t.Errorf("CreatePreHTLC called %d times, want 1", commits)
	}
	if f.d.Pending("s1") != ActionNone {
		t.Error("pending action not released")
	}
}

func TestDispatcherCommitInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *Session)
	}{
		{"bad amount", func(s *Session) { s.Amount = "abc" }},
		{"zero amount", func(s *Session) { s.Amount = "0" }},
		{"bad source address", func(s *Session) { s.Source.Address = "0x12" }},
		{"bad destination address", func(s *Session) { s.Destination.Address = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238" }},
		{"missing solver", func(s *Session) { s.Solver = Solver{} }},
		{"missing contract", func(s *Session) { s.Source.Contract = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSession()
			tt.mutate(s)
			f := newDispatcherFixture(t, s)

			before, _ := f.store.Get("s1")
			_, err := f.d.Commit(context.Background(), "s1")
			if !htlc.IsKind(err, htlc.InvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			after, _ := f.store.Get("s1")
			if after.Version != before.Version || after.Error != nil {
				t.Error("invalid input must not modify the session")
			}
			if commits, _, _, _ := f.src.Counts(); commits != 0 {
				t.Error("adapter must not be called")
			}
		})
	}
}

func TestDispatcherAdapterErrorBlocksUntilCleared(t *testing.T) {
	f := newDispatcherFixture(t, testSession())
	f.src.CommitErr = errors.New("insufficient funds for gas")

	_, err := f.d.Commit(context.Background(), "s1")
	if !htlc.IsKind(err, htlc.AdapterError) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	s, _ := f.store.Get("s1")
	if s.Error == nil || s.Error.Action != ActionCommit {
		t.Fatalf("error not recorded: %+v", s.Error)
	}
	if s.CommitID != "" {
		t.Error("failed commit must not set a commit id")
	}

	f.src.CommitErr = nil
	if _, err := f.d.Commit(context.Background(), "s1"); !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Errorf("expected actions to be blocked, got %v", err)
	}

	if _, err := f.d.ClearError("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Commit(context.Background(), "s1"); err != nil {
		t.Errorf("retry after clear failed: %v", err)
	}
}

func TestDispatcherUserRejection(t *testing.T) {
	f := newDispatcherFixture(t, testSession())
	f.src.CommitErr = errors.New("MetaMask Tx Signature: User denied transaction signature.")

	_, err := f.d.Commit(context.Background(), "s1")
	if !htlc.IsKind(err, htlc.UserRejected) {
		t.Fatalf("expected user rejection, got %v", err)
	}
	s, _ := f.store.Get("s1")
	if s.Error == nil || s.Error.Message != htlc.RejectedMessage {
		t.Errorf("unexpected error %+v", s.Error)
	}
	if ErrorText(err) != htlc.RejectedMessage {
		t.Errorf("ErrorText() = %q", ErrorText(err))
	}
}

func TestDispatcherCommitTimeout(t *testing.T) {
	f := newDispatcherFixture(t, testSession())
	f.d.timing.ActionTimeout = 20 * time.Millisecond
	f.src.Block = make(chan struct{})
	defer close(f.src.Block)

	_, err := f.d.Commit(context.Background(), "s1")
	if !htlc.IsKind(err, htlc.AdapterError) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	s, _ := f.store.Get("s1")
	if s.Error == nil || s.Error.Kind != htlc.AdapterError {
		t.Errorf("deadline not recorded as adapter error: %+v", s.Error)
	}
}

func TestDispatcherCommitUnconfirmedKeepsID(t *testing.T) {
	f := newDispatcherFixture(t, testSession())
	f.src.CommitBroadcast = true
	f.src.CommitErr = fmt.Errorf("waiting for 0xdeadbeef: %w", context.DeadlineExceeded)

	if _, err := f.d.Commit(context.Background(), "s1"); !htlc.IsKind(err, htlc.AdapterError) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	s, _ := f.store.Get("s1")
	if s.CommitID == "" || s.CommitTxHash != "0xcommit1" {
		t.Fatalf("sent commit not recorded: id=%q tx=%q", s.CommitID, s.CommitTxHash)
	}
	if s.Error == nil || s.Error.Action != ActionCommit {
		t.Errorf("error not recorded: %+v", s.Error)
	}

	f.src.CommitErr = nil
	if _, err := f.d.ClearError("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Commit(context.Background(), "s1"); !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Errorf("second commit: expected precondition failure, got %v", err)
	}
	if commits, _, _, _ := f.src.Counts(); commits != 1 {
		t.Errorf("CreatePreHTLC called %d times, want 1", commits)
	}
}

func TestDispatcherCommitRevertedAllowsRetry(t *testing.T) {
	f := newDispatcherFixture(t, testSession())
	f.src.CommitErr = errors.New("execution reverted: 0xcommit1")

	if _, err := f.d.Commit(context.Background(), "s1"); !htlc.IsKind(err, htlc.AdapterError) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	s, _ := f.store.Get("s1")
	if s.CommitID != "" {
		t.Fatalf("reverted commit must not set a commit id, got %q", s.CommitID)
	}

	f.src.CommitErr = nil
	if _, err := f.d.ClearError("s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.d.Commit(context.Background(), "s1"); err != nil {
		t.Errorf("retry after revert failed: %v", err)
	}
}

func TestDispatcherAdapterRejectionLeavesSession(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid input", htlc.Errorf(htlc.InvalidInput, "commit", "solver address is required")},
		{"precondition", htlc.Errorf(htlc.PreconditionFailed, "commit", "network not selected")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, testSession())
			f.src.CommitErr = tt.err

			before, _ := f.store.Get("s1")
			_, err := f.d.Commit(context.Background(), "s1")
			if htlc.KindOf(err) != htlc.KindOf(tt.err) {
				t.Fatalf("kind = %s, want %s", htlc.KindOf(err), htlc.KindOf(tt.err))
			}
			after, _ := f.store.Get("s1")
			if after.Version != before.Version || after.Error != nil {
				t.Errorf("session modified: version %d -> %d, error %+v", before.Version, after.Version, after.Error)
			}

			f.src.CommitErr = nil
			if _, err := f.d.Commit(context.Background(), "s1"); err != nil {
				t.Errorf("commit after rejected input failed: %v", err)
			}
		})
	}
}

func TestDispatcherAddLock(t *testing.T) {
	s := testSession()
	s.CommitID = "0x01"
	f := newDispatcherFixture(t, s)

	// No destination hashlock yet.
	if _, err := f.d.AddLock(context.Background(), "s1"); !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}

	f.store.ApplyLeg("s1", htlc.LegDestination, leg(testHashlock, htlc.Locked, f.clock.Now().Add(time.Hour).Unix()), f.clock.Now())

	f.src.LockSignature = "sig"
	got, err := f.d.AddLock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("AddLock() error = %v", err)
	}
	if !got.UserLocked || got.LockSignature != "sig" || got.LockTxHash == "" {
		t.Errorf("lock not recorded: %+v", got)
	}
	if f.src.Locks[0].Hashlock != testHashlock || f.src.Locks[0].CommitID != "0x01" {
		t.Errorf("unexpected lock params %+v", f.src.Locks[0])
	}
	if st := ResolveStatus(got, f.clock.Now()); st != StatusAssetsLocked {
		t.Errorf("status = %s, want %s", st, StatusAssetsLocked)
	}
}

func TestDispatcherRedeem(t *testing.T) {
	s := testSession()
	s.CommitID = "0x01"
	f := newDispatcherFixture(t, s)
	future := f.clock.Now().Add(time.Hour).Unix()

	f.store.ApplyLeg("s1", htlc.LegDestination, leg(testHashlock, htlc.Locked, future), f.clock.Now())
	src := leg(testHashlock, htlc.Redeemed, future)
	src.Secret = testSecret
	f.store.ApplyLeg("s1", htlc.LegSource, src, f.clock.Now())

	if _, err := f.d.Redeem(context.Background(), "s1"); !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Fatalf("redeem inside grace period: expected precondition failure, got %v", err)
	}

	f.clock.Advance(31 * time.Second)
	got, err := f.d.Redeem(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if got.RedeemTxHash == "" {
		t.Error("redeem tx not recorded")
	}
	c := f.dst.Claims[0]
	if c.Type != htlc.LegDestination || c.ID != "0x01" || c.Secret != testSecret {
		t.Errorf("unexpected claim params %+v", c)
	}
}

func TestDispatcherRedeemHashlockMismatch(t *testing.T) {
	s := testSession()
	s.CommitID = "0x01"
	f := newDispatcherFixture(t, s)
	future := f.clock.Now().Add(time.Hour).Unix()

	f.store.ApplyLeg("s1", htlc.LegDestination, leg("0xdead", htlc.Locked, future), f.clock.Now())
	src := leg(testHashlock, htlc.Redeemed, future)
	src.Secret = testSecret
	f.store.ApplyLeg("s1", htlc.LegSource, src, f.clock.Now())
	f.clock.Advance(time.Minute)

	if _, err := f.d.Redeem(context.Background(), "s1"); !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if _, _, claims, _ := f.dst.Counts(); claims != 0 {
		t.Error("claim must not be sent")
	}
}

func TestDispatcherRefund(t *testing.T) {
	s := testSession()
	s.CommitID = "0x01"
	f := newDispatcherFixture(t, s)
	soon := f.clock.Now().Add(time.Minute).Unix()

	f.store.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Locked, soon), f.clock.Now())
	f.store.ApplyLeg("s1", htlc.LegDestination, leg(testHashlock, htlc.Locked, soon), f.clock.Now())

	if _, err := f.d.Refund(context.Background(), "s1"); !htlc.IsKind(err, htlc.PreconditionFailed) {
		t.Fatalf("refund before expiry: expected precondition failure, got %v", err)
	}

	f.clock.Advance(2 * time.Minute)
	got, err := f.d.Refund(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if got.RefundTxID != "0xrefundsource1" {
		t.Errorf("RefundTxID = %q", got.RefundTxID)
	}
	if got.DestinationRefundTxID != "0xrefunddestination1" {
		t.Errorf("DestinationRefundTxID = %q", got.DestinationRefundTxID)
	}

	if r := Resolve(got, f.clock.Now(), DefaultManualClaimGrace); r.Action != ActionNone {
		t.Errorf("refund must not be offered twice, got %s", r.Action)
	}
	waitFor(t, "refund telemetry", func() bool { return len(f.tel.list()) == 1 })
}

func TestDispatcherRefundDestinationFailureIgnored(t *testing.T) {
	s := testSession()
	s.CommitID = "0x01"
	f := newDispatcherFixture(t, s)
	past := f.clock.Now().Add(-time.Minute).Unix()

	f.store.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Locked, past), f.clock.Now())
	f.store.ApplyLeg("s1", htlc.LegDestination, leg(testHashlock, htlc.Locked, past), f.clock.Now())
	f.dst.RefundErr = errors.New("execution reverted")

	got, err := f.d.Refund(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if got.RefundTxID == "" || got.Error != nil {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestDispatcherRefundSourceFailure(t *testing.T) {
	s := testSession()
	s.CommitID = "0x01"
	f := newDispatcherFixture(t, s)
	past := f.clock.Now().Add(-time.Minute).Unix()

	f.store.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Locked, past), f.clock.Now())
	f.src.RefundErr = errors.New("execution reverted")

	if _, err := f.d.Refund(context.Background(), "s1"); !htlc.IsKind(err, htlc.AdapterError) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	got, _ := f.store.Get("s1")
	if got.RefundTxID != "" || got.Error == nil || got.Error.Action != ActionRefund {
		t.Errorf("unexpected session %+v", got)
	}
}

func TestDispatcherActionsSerialised(t *testing.T) {
	s := testSession()
	s.CommitID = "0x01"
	f := newDispatcherFixture(t, s)
	f.store.ApplyLeg("s1", htlc.LegDestination, leg(testHashlock, htlc.Locked, f.clock.Now().Add(time.Hour).Unix()), f.clock.Now())
	f.src.Block = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = f.d.AddLock(context.Background(), "s1")
	}()
	waitFor(t, "lock in flight", func() bool { return f.d.Pending("s1") == ActionAddLock })

	_, errs[1] = f.d.Refund(context.Background(), "s1")
	close(f.src.Block)
	wg.Wait()

	if errs[0] != nil {
		t.Errorf("AddLock() error = %v", errs[0])
	}
	if !htlc.IsKind(errs[1], htlc.PreconditionFailed) {
		t.Errorf("expected precondition failure while another action runs, got %v", errs[1])
	}
}
