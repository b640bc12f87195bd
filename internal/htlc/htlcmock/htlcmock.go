// Package htlcmock provides a scriptable in-memory htlc.Adapter for tests.
package htlcmock

import (
	"context"
	"fmt"
	"sync"

	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
)

// Adapter is an in-memory htlc.Adapter. Records are keyed by leg and id.
// Write calls are recorded and can be made to fail or block.
type Adapter struct {
	mu      sync.Mutex
	records map[string]*htlc.Details
	seq     int

	// CommitID is returned by CreatePreHTLC; generated when empty.
	CommitID string
	// LockSignature is returned in the LockReceipt when non-empty.
	LockSignature string

	// CommitBroadcast makes CreatePreHTLC return its receipt alongside
	// CommitErr, as an adapter does when a sent commit is not confirmed.
	CommitBroadcast bool

	CommitErr  error
	LockErr    error
	ClaimErr   error
	RefundErr  error
	DetailsErr error

	// Block, when non-nil, makes write calls wait until it is closed.
	Block chan struct{}

	Commits []htlc.CommitParams
	Locks   []htlc.LockParams
	Claims  []htlc.ClaimParams
	Refunds []htlc.RefundParams
	Reads   int
}

// New creates an empty fake adapter.
func New() *Adapter {
	return &Adapter{records: make(map[string]*htlc.Details)}
}

func key(leg htlc.LegType, id string) string {
	return string(leg) + "/" + id
}

// SetDetails stores the record returned for leg/id.
func (a *Adapter) SetDetails(leg htlc.LegType, id string, d *htlc.Details) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[key(leg, id)] = d.Clone()
}

// Update mutates the stored record for leg/id, creating it if needed.
func (a *Adapter) Update(leg htlc.LegType, id string, fn func(d *htlc.Details)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.records[key(leg, id)]
	if !ok {
		d = &htlc.Details{}
		a.records[key(leg, id)] = d
	}
	fn(d)
}

// SetError sets the error returned by GetDetails.
func (a *Adapter) SetError(err error) {
	a.mu.Lock()
	a.DetailsErr = err
	a.mu.Unlock()
}

// Counts returns how many times each write was called.
func (a *Adapter) Counts() (commits, locks, claims, refunds int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Commits), len(a.Locks), len(a.Claims), len(a.Refunds)
}

// ReadCount returns how many GetDetails calls were made.
func (a *Adapter) ReadCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Reads
}

func (a *Adapter) wait(ctx context.Context) error {
	a.mu.Lock()
	block := a.Block
	a.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) CreatePreHTLC(ctx context.Context, p htlc.CommitParams) (*htlc.CommitReceipt, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Commits = append(a.Commits, p)
	if a.CommitErr != nil && !a.CommitBroadcast {
		return nil, a.CommitErr
	}
	id := a.CommitID
	if id == "" {
		a.seq++
		id = fmt.Sprintf("0x%064x", a.seq)
	}
	return &htlc.CommitReceipt{CommitID: id, TxHash: fmt.Sprintf("0xcommit%d", len(a.Commits))}, a.CommitErr
}

func (a *Adapter) AddLock(ctx context.Context, p htlc.LockParams) (*htlc.LockReceipt, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Locks = append(a.Locks, p)
	if a.LockErr != nil {
		return nil, a.LockErr
	}
	return &htlc.LockReceipt{TxHash: fmt.Sprintf("0xlock%d", len(a.Locks)), Signature: a.LockSignature}, nil
}

func (a *Adapter) GetDetails(ctx context.Context, p htlc.DetailsParams) (*htlc.Details, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Reads++
	if a.DetailsErr != nil {
		return nil, a.DetailsErr
	}
	d, ok := a.records[key(p.Type, p.ID)]
	if !ok {
		return nil, nil
	}
	return d.Clone(), nil
}

func (a *Adapter) Claim(ctx context.Context, p htlc.ClaimParams) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Claims = append(a.Claims, p)
	if a.ClaimErr != nil {
		return "", a.ClaimErr
	}
	return fmt.Sprintf("0xclaim%d", len(a.Claims)), nil
}

func (a *Adapter) Refund(ctx context.Context, p htlc.RefundParams) (string, error) {
	if err := a.wait(ctx); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Refunds = append(a.Refunds, p)
	if a.RefundErr != nil {
		return "", a.RefundErr
	}
	return fmt.Sprintf("0xrefund%s%d", p.Type, len(a.Refunds)), nil
}

// Secure wraps an Adapter and adds SecureGetDetails.
type Secure struct {
	*Adapter

	mu          sync.Mutex
	SecureErr   error
	SecureReads int
}

// NewSecure creates a fake adapter that also implements htlc.SecureDetailer.
func NewSecure() *Secure {
	return &Secure{Adapter: New()}
}

func (s *Secure) SecureGetDetails(ctx context.Context, p htlc.DetailsParams) (*htlc.Details, error) {
	s.mu.Lock()
	s.SecureReads++
	err := s.SecureErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Adapter.GetDetails(ctx, p)
}

// SecureCount returns how many SecureGetDetails calls were made.
func (s *Secure) SecureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SecureReads
}

var (
	_ htlc.Adapter        = (*Adapter)(nil)
	_ htlc.SecureDetailer = (*Secure)(nil)
)
