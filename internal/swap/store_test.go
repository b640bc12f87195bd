package swap

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
)

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st := NewStore(clock.Now)
	if err := st.Add(&Session{ID: "s1", Amount: "1"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return st, clock
}

func TestStoreAddDuplicate(t *testing.T) {
	st, _ := newTestStore(t)
	if err := st.Add(&Session{ID: "s1"}); !errors.Is(err, ErrSessionExists) {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
	if _, err := st.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStoreClaimedStateIsMonotonic(t *testing.T) {
	st, clock := newTestStore(t)
	t0 := clock.Now()

	changed, err := st.ApplyLeg("s1", htlc.LegSource, leg(testHashlock, htlc.Redeemed, 100), t0)
	if err != nil || !changed {
		t.Fatalf("ApplyLeg() = %v, %v", changed, err)
	}

	// A later read that reports an earlier state must not move it back.
	changed, _ = st.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Locked, 100), t0.Add(time.Second))
	if changed {
		t.Error("regressing read should not change the session")
	}

	s, _ := st.Get("s1")
	if s.SourceLeg.Claimed != htlc.Redeemed {
		t.Errorf("claimed regressed to %s", s.SourceLeg.Claimed)
	}
	if s.SourceLeg.Hashlock != testHashlock {
		t.Errorf("hashlock was cleared")
	}
}

func TestStoreRefundedDoesNotBecomeRedeemed(t *testing.T) {
	st, clock := newTestStore(t)
	st.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Refunded, 100), clock.Now())
	st.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Redeemed, 100), clock.Now().Add(time.Second))

	s, _ := st.Get("s1")
	if s.SourceLeg.Claimed != htlc.Refunded {
		t.Errorf("expected refunded, got %s", s.SourceLeg.Claimed)
	}
}

func TestStoreDiscardsStaleReads(t *testing.T) {
	st, clock := newTestStore(t)
	t0 := clock.Now()

	st.ApplyLeg("s1", htlc.LegDestination, leg(testHashlock, htlc.Locked, 100), t0.Add(2*time.Second))

	stale := leg(testHashlock, htlc.Locked, 200)
	changed, err := st.ApplyLeg("s1", htlc.LegDestination, stale, t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("a read issued before the applied one must be discarded")
	}
	s, _ := st.Get("s1")
	if s.DestinationLeg.Timelock != 100 {
		t.Errorf("stale timelock applied: %d", s.DestinationLeg.Timelock)
	}

	// Ordering is tracked per leg.
	if changed, _ := st.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Locked, 100), t0); !changed {
		t.Error("source read should not be compared with destination reads")
	}
}

func TestStoreNilRecordIgnored(t *testing.T) {
	st, clock := newTestStore(t)
	changed, err := st.ApplyLeg("s1", htlc.LegSource, nil, clock.Now())
	if changed || err != nil {
		t.Errorf("ApplyLeg(nil) = %v, %v", changed, err)
	}
}

func TestStoreSourceRedeemedAt(t *testing.T) {
	st, clock := newTestStore(t)

	st.ApplyLeg("s1", htlc.LegSource, leg(testHashlock, htlc.Locked, 100), clock.Now())
	s, _ := st.Get("s1")
	if !s.SourceRedeemedAt.IsZero() {
		t.Fatal("SourceRedeemedAt set before redemption")
	}

	clock.Advance(10 * time.Second)
	redeemedAt := clock.Now()
	st.ApplyLeg("s1", htlc.LegSource, leg(testHashlock, htlc.Redeemed, 100), clock.Now())

	clock.Advance(10 * time.Second)
	src := leg(testHashlock, htlc.Redeemed, 100)
	src.Secret = testSecret
	st.ApplyLeg("s1", htlc.LegSource, src, clock.Now())

	s, _ = st.Get("s1")
	if !s.SourceRedeemedAt.Equal(redeemedAt) {
		t.Errorf("SourceRedeemedAt = %v, want %v", s.SourceRedeemedAt, redeemedAt)
	}
	if s.SourceLeg.Secret != testSecret {
		t.Error("secret not merged")
	}
}

func TestStoreCommitIDImmutable(t *testing.T) {
	st, _ := newTestStore(t)

	if _, err := st.Update("s1", func(s *Session) error { s.CommitID = "0xa"; return nil }); err != nil {
		t.Fatal(err)
	}
	_, err := st.Update("s1", func(s *Session) error { s.CommitID = "0xb"; return nil })
	if !errors.Is(err, ErrCommitIDSet) {
		t.Errorf("expected ErrCommitIDSet, got %v", err)
	}
	s, _ := st.Get("s1")
	if s.CommitID != "0xa" {
		t.Errorf("commit id changed to %s", s.CommitID)
	}
}

func TestStoreUpdateKeepsLegs(t *testing.T) {
	st, clock := newTestStore(t)
	st.ApplyLeg("s1", htlc.LegSource, leg(testHashlock, htlc.Locked, 100), clock.Now())

	before, _ := st.Get("s1")
	after, err := st.Update("s1", func(s *Session) error {
		s.SourceLeg = nil
		s.UserLocked = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if after.SourceLeg == nil || !after.UserLocked {
		t.Errorf("unexpected session %+v", after)
	}
	if after.Version != before.Version+1 {
		t.Errorf("Version = %d, want %d", after.Version, before.Version+1)
	}

	_, err = st.Update("s1", func(s *Session) error {
		s.UserLocked = false
		return errors.New("nope")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	s, _ := st.Get("s1")
	if !s.UserLocked || s.Version != after.Version {
		t.Error("failed update must leave the session unchanged")
	}
}

func TestStoreListeners(t *testing.T) {
	st, clock := newTestStore(t)

	var mu sync.Mutex
	var versions []int64
	st.OnChange(func(s *Session) {
		// Reading from inside a listener must not deadlock.
		if _, err := st.Get(s.ID); err != nil {
			t.Errorf("Get in listener: %v", err)
		}
		mu.Lock()
		versions = append(versions, s.Version)
		mu.Unlock()
	})

	st.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Locked, 100), clock.Now())
	st.ApplyLeg("s1", htlc.LegSource, leg("", htlc.Locked, 100), clock.Now())
	st.Update("s1", func(s *Session) error { s.UserLocked = true; return nil })

	mu.Lock()
	defer mu.Unlock()
	if len(versions) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(versions))
	}
	if versions[1] <= versions[0] {
		t.Errorf("versions not increasing: %v", versions)
	}
}

func TestStoreFindByCommitID(t *testing.T) {
	st, _ := newTestStore(t)
	st.Update("s1", func(s *Session) error { s.CommitID = "0xc"; return nil })

	s, err := st.FindByCommitID("0xc")
	if err != nil || s.ID != "s1" {
		t.Errorf("FindByCommitID() = %v, %v", s, err)
	}
	if _, err := st.FindByCommitID(""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("empty commit id must not match, got %v", err)
	}

	st.Delete("s1")
	if len(st.List()) != 0 {
		t.Error("Delete did not remove the session")
	}
}
