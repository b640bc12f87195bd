package swap

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
)

// Store errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrCommitIDSet     = errors.New("commit id already set")
)

// ChangeFunc is called after every accepted write with a snapshot of the
// session. It runs on the writer's goroutine, outside the store lock.
type ChangeFunc func(s *Session)

type entry struct {
	session *Session
	// Issue time of the last applied read per leg.
	applied map[htlc.LegType]time.Time
}

// Store holds live sessions and serialises writes to them. Pollers write
// leg details through ApplyLeg; the dispatcher writes ids, flags and errors
// through Update.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	listeners []ChangeFunc
	clock     Clock
}

// NewStore creates an empty store.
func NewStore(clock Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		sessions: make(map[string]*entry),
		clock:    clock,
	}
}

// OnChange registers a listener.
func (st *Store) OnChange(fn ChangeFunc) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.listeners = append(st.listeners, fn)
}

func (st *Store) notify(s *Session) {
	st.mu.RLock()
	listeners := make([]ChangeFunc, len(st.listeners))
	copy(listeners, st.listeners)
	st.mu.RUnlock()

	for _, fn := range listeners {
		fn(s.Clone())
	}
}

// Add inserts a new session.
func (st *Store) Add(s *Session) error {
	st.mu.Lock()
	if _, ok := st.sessions[s.ID]; ok {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	now := st.clock()
	c := s.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version++
	st.sessions[s.ID] = &entry{session: c, applied: make(map[htlc.LegType]time.Time)}
	snapshot := c.Clone()
	st.mu.Unlock()

	st.notify(snapshot)
	return nil
}

// Get returns a snapshot of the session.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.session.Clone(), nil
}

// FindByCommitID returns the session bound to commitID.
func (st *Store) FindByCommitID(commitID string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, e := range st.sessions {
		if e.session.CommitID != "" && e.session.CommitID == commitID {
			return e.session.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: commit %s", ErrSessionNotFound, commitID)
}

// List returns snapshots of every session, oldest first.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, e := range st.sessions {
		out = append(out, e.session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete removes a session. It does not notify listeners.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
}

// Update applies fn to the session under the store lock. When fn returns an
// error the session is left unchanged.
func (st *Store) Update(id string, fn func(s *Session) error) (*Session, error) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	work := e.session.Clone()
	if err := fn(work); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	if e.session.CommitID != "" && work.CommitID != e.session.CommitID {
		st.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCommitIDSet, e.session.CommitID)
	}
	// Legs belong to ApplyLeg.
	work.SourceLeg = e.session.SourceLeg
	work.DestinationLeg = e.session.DestinationLeg
	work.SourceRedeemedAt = e.session.SourceRedeemedAt
	work.Version = e.session.Version + 1
	work.UpdatedAt = st.clock()

	e.session = work
	snapshot := work.Clone()
	st.mu.Unlock()

	st.notify(snapshot)
	return snapshot, nil
}

// ApplyLeg merges a polled record into the session. Reads issued before the
// last applied read for the same leg are discarded. Reports whether the
// session changed.
func (st *Store) ApplyLeg(id string, leg htlc.LegType, d *htlc.Details, requestedAt time.Time) (bool, error) {
	if d == nil {
		return false, nil
	}

	st.mu.Lock()
	e, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if last, ok := e.applied[leg]; ok && requestedAt.Before(last) {
		st.mu.Unlock()
		return false, nil
	}
	e.applied[leg] = requestedAt

	s := e.session
	cur := s.Leg(leg)
	merged := mergeDetails(cur, d)
	if detailsEqual(cur, merged) {
		st.mu.Unlock()
		return false, nil
	}

	next := s.Clone()
	if leg == htlc.LegDestination {
		next.DestinationLeg = merged
	} else {
		next.SourceLeg = merged
		if merged.Claimed == htlc.Redeemed && next.SourceRedeemedAt.IsZero() {
			next.SourceRedeemedAt = st.clock()
		}
	}
	next.Version++
	next.UpdatedAt = st.clock()
	e.session = next
	snapshot := next.Clone()
	st.mu.Unlock()

	st.notify(snapshot)
	return true, nil
}

// mergeDetails folds next into cur without letting revealed data regress:
// the claimed state only moves forward and a hashlock or secret, once seen,
// is never cleared.
func mergeDetails(cur, next *htlc.Details) *htlc.Details {
	if cur == nil {
		return next.Clone()
	}
	m := cur.Clone()

	if cur.Claimed.CanAdvanceTo(next.Claimed) {
		m.Claimed = next.Claimed
	}
	if next.HasHashlock() {
		m.Hashlock = next.Hashlock
	}
	if next.HasSecret() {
		m.Secret = next.Secret
	}
	if next.HasSender() {
		m.Sender = next.Sender
	}
	if next.Receiver != "" {
		m.Receiver = next.Receiver
	}
	if next.Amount != nil && next.Amount.Sign() > 0 {
		m.Amount = new(big.Int).Set(next.Amount)
	}
	if next.Timelock != 0 {
		m.Timelock = next.Timelock
	}
	return m
}

func detailsEqual(a, b *htlc.Details) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Sender != b.Sender || a.Receiver != b.Receiver || a.Hashlock != b.Hashlock ||
		a.Secret != b.Secret || a.Timelock != b.Timelock || a.Claimed != b.Claimed {
		return false
	}
	if a.Amount == nil || b.Amount == nil {
		return a.Amount == b.Amount
	}
	return a.Amount.Cmp(b.Amount) == 0
}
