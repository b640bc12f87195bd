package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/internal/poller"
	"github.com/klingon-exchange/klingon-bridge/internal/storage"
	"github.com/klingon-exchange/klingon-bridge/internal/telemetry"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Coordinator errors
var (
	ErrNoAdapter = errors.New("adapter not available for network")
	ErrClosed    = errors.New("coordinator closed")
)

// AdapterFactory resolves the chain adapter for a network.
type AdapterFactory interface {
	AdapterFor(n *chain.Network) (htlc.Adapter, error)
}

// PollingConfig holds the poll loop intervals.
type PollingConfig struct {
	DiscoveryInterval time.Duration
	TrackingInterval  time.Duration
	ClockInterval     time.Duration
	RequestTimeout    time.Duration
}

// DefaultPolling returns the default intervals.
func DefaultPolling() PollingConfig {
	return PollingConfig{
		DiscoveryInterval: poller.DiscoveryInterval,
		TrackingInterval:  poller.TrackingInterval,
		ClockInterval:     time.Second,
		RequestTimeout:    poller.RequestTimeout,
	}
}

// EventType names a coordinator event.
type EventType string

const (
	EventCreated       EventType = "swap_created"
	EventStatusChanged EventType = "swap_status"
	EventError         EventType = "swap_error"
	EventDestroyed     EventType = "swap_destroyed"
)

// Event is emitted on session lifecycle changes.
type Event struct {
	Type       EventType  `json:"type"`
	SessionID  string     `json:"session_id"`
	Resolution Resolution `json:"resolution"`
	Session    *Session   `json:"session"`
	Reason     string     `json:"reason,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// EventHandler is called when coordinator events occur.
type EventHandler func(event Event)

// Snapshot is a session together with its current resolution.
type Snapshot struct {
	Session    *Session   `json:"session"`
	Resolution Resolution `json:"resolution"`
	Pending    Action     `json:"pending"`
	Resume     string     `json:"resume_query"`
}

// CreateRequest describes a new swap. CommitID and RefundTxID are set when
// resuming a swap that was committed elsewhere.
type CreateRequest struct {
	SourceNetwork      string `json:"source"`
	SourceAsset        string `json:"source_asset"`
	SourceAddress      string `json:"source_address"`
	DestinationNetwork string `json:"destination"`
	DestinationAsset   string `json:"destination_asset"`
	DestinationAddress string `json:"destination_address"`
	Amount             string `json:"amount"`
	SourceLP           string `json:"source_lp,omitempty"`
	DestinationLP      string `json:"destination_lp,omitempty"`
	CommitID           string `json:"commit_id,omitempty"`
	RefundTxID         string `json:"refund_tx_id,omitempty"`
}

// runtime is the per-session machinery: resolved adapters, poll loops and
// the clock that re-evaluates time based transitions.
type runtime struct {
	mu        sync.Mutex
	id        string
	adapters  Adapters
	polls     *poller.Group
	cancel    context.CancelFunc
	last      Resolution
	lastErr   *ActionError
	saved     int64
	destroyed bool
}

// Coordinator owns live sessions and drives them from creation to a
// terminal state.
type Coordinator struct {
	mu sync.RWMutex

	registry   *chain.Registry
	factory    AdapterFactory
	db         *storage.Storage
	telemetry  *telemetry.Emitter
	store      *Store
	dispatcher *Dispatcher

	polling PollingConfig
	timing  Timing
	clock   Clock

	runtimes      map[string]*runtime
	eventHandlers []EventHandler

	log    *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// CoordinatorConfig holds configuration for the Coordinator.
type CoordinatorConfig struct {
	Registry  *chain.Registry
	Adapters  AdapterFactory
	Storage   *storage.Storage   // optional
	Telemetry *telemetry.Emitter // optional
	Polling   PollingConfig
	Timing    Timing
	Clock     Clock
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg *CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	polling := cfg.Polling
	def := DefaultPolling()
	if polling.DiscoveryInterval == 0 {
		polling.DiscoveryInterval = def.DiscoveryInterval
	}
	if polling.TrackingInterval == 0 {
		polling.TrackingInterval = def.TrackingInterval
	}
	if polling.ClockInterval == 0 {
		polling.ClockInterval = def.ClockInterval
	}
	if polling.RequestTimeout == 0 {
		polling.RequestTimeout = def.RequestTimeout
	}
	registry := cfg.Registry
	if registry == nil {
		registry = chain.Default()
	}

	c := &Coordinator{
		registry:  registry,
		factory:   cfg.Adapters,
		db:        cfg.Storage,
		telemetry: cfg.Telemetry,
		store:     NewStore(clock),
		polling:   polling,
		clock:     clock,
		runtimes:  make(map[string]*runtime),
		log:       logging.GetDefault().Component("swap"),
		ctx:       ctx,
		cancel:    cancel,
	}

	var tel Telemetry
	if cfg.Telemetry != nil {
		tel = cfg.Telemetry
	}
	c.dispatcher = NewDispatcher(&DispatcherConfig{
		Store:     c.store,
		Adapters:  c,
		Telemetry: tel,
		Timing:    cfg.Timing,
		Clock:     clock,
	})
	c.timing = c.dispatcher.timing
	c.store.OnChange(func(s *Session) { c.reconcile(s.ID) })
	return c
}

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
func (c *Coordinator) emitEvent(eventType EventType, s *Session, res Resolution, reason string) {
	event := Event{
		Type:       eventType,
		SessionID:  s.ID,
		Resolution: res,
		Session:    s,
		Reason:     reason,
		Timestamp:  c.clock(),
	}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Registry returns the network registry.
func (c *Coordinator) Registry() *chain.Registry {
	return c.registry
}

// Timing returns the effective action timings.
func (c *Coordinator) Timing() Timing {
	return c.timing
}

// AdaptersFor implements AdapterLookup.
func (c *Coordinator) AdaptersFor(sessionID string) (Adapters, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rt, ok := c.runtimes[sessionID]
	if !ok {
		return Adapters{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return rt.adapters, nil
}

// =============================================================================
// Session lifecycle
// =============================================================================

func (c *Coordinator) resolveEndpoint(network, asset, address string) (Endpoint, *chain.Network, error) {
	n, err := c.registry.Get(network)
	if err != nil {
		return Endpoint{}, nil, err
	}
	token, err := n.Token(asset)
	if err != nil {
		return Endpoint{}, nil, err
	}
	// A missing contract is reported by commit validation.
	contract, _ := n.HTLCContract(token)
	return Endpoint{
		Network:  n.Name,
		Family:   n.Group,
		ChainID:  n.ChainID,
		Asset:    token,
		Contract: contract,
		Address:  strings.TrimSpace(address),
	}, n, nil
}

// CreateSession starts a new swap session. When req carries a commit id that
// is already tracked, the existing session is returned.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest) (*Snapshot, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if req.CommitID != "" {
		if s, err := c.store.FindByCommitID(req.CommitID); err == nil {
			return c.Get(s.ID)
		}
		if c.db != nil {
			if rec, err := c.db.GetSessionByCommitID(req.CommitID); err == nil {
				s, err := sessionFromRecord(rec)
				if err == nil {
					if err := c.start(s); err != nil {
						return nil, err
					}
					return c.Get(s.ID)
				}
			}
		}
	}

	src, _, err := c.resolveEndpoint(req.SourceNetwork, req.SourceAsset, req.SourceAddress)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "create", err)
	}
	dst, _, err := c.resolveEndpoint(req.DestinationNetwork, req.DestinationAsset, req.DestinationAddress)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "create", err)
	}

	s := &Session{
		ID:          uuid.New().String(),
		CommitID:    strings.TrimSpace(req.CommitID),
		Amount:      strings.TrimSpace(req.Amount),
		Source:      src,
		Destination: dst,
		Solver: Solver{
			SourceLP:      strings.TrimSpace(req.SourceLP),
			DestinationLP: strings.TrimSpace(req.DestinationLP),
		},
		RefundTxID: strings.TrimSpace(req.RefundTxID),
		CreatedAt:  c.clock(),
	}

	if err := c.start(s); err != nil {
		return nil, err
	}
	c.log.Info("Session created", "id", s.ID, "source", src.Network, "destination", dst.Network,
		"amount", s.Amount, "asset", src.Asset.Symbol, "commit_id", s.CommitID)
	return c.Get(s.ID)
}

// Resume recovers a session from a resume query string.
func (c *Coordinator) Resume(ctx context.Context, query string) (*Snapshot, error) {
	req, err := ParseResumeQuery(query)
	if err != nil {
		return nil, htlc.NewError(htlc.InvalidInput, "resume", err)
	}
	return c.CreateSession(ctx, req)
}

// start resolves adapters once and begins reconciling the session.
func (c *Coordinator) start(s *Session) error {
	srcNet, err := c.registry.Get(s.Source.Network)
	if err != nil {
		return htlc.NewError(htlc.InvalidInput, "create", err)
	}
	dstNet, err := c.registry.Get(s.Destination.Network)
	if err != nil {
		return htlc.NewError(htlc.InvalidInput, "create", err)
	}
	if c.factory == nil {
		return ErrNoAdapter
	}
	srcAdapter, err := c.factory.AdapterFor(srcNet)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrNoAdapter, srcNet.Name, err)
	}
	dstAdapter, err := c.factory.AdapterFor(dstNet)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrNoAdapter, dstNet.Name, err)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	rt := &runtime{
		id:       s.ID,
		adapters: Adapters{Source: srcAdapter, Destination: dstAdapter},
		cancel:   cancel,
	}
	rt.polls = poller.NewGroup(ctx, func(name string, u poller.Update) {
		if _, err := c.store.ApplyLeg(s.ID, u.Leg, u.Details, u.RequestedAt); err != nil {
			c.log.Debug("Dropped poll update", "session", s.ID, "loop", name, "error", err)
		}
	})

	c.mu.Lock()
	if _, exists := c.runtimes[s.ID]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	c.runtimes[s.ID] = rt
	c.mu.Unlock()

	if err := c.store.Add(s); err != nil {
		c.mu.Lock()
		delete(c.runtimes, s.ID)
		c.mu.Unlock()
		cancel()
		return err
	}

	snapshot, _ := c.store.Get(s.ID)
	if snapshot != nil {
		c.emitEvent(EventCreated, snapshot, Resolve(snapshot, c.clock(), c.timing.ManualClaimGrace), "")
	}
	go c.runClock(ctx, s.ID)
	return nil
}

// runClock re-evaluates time based transitions (timelock expiry and the
// manual claim grace window).
func (c *Coordinator) runClock(ctx context.Context, id string) {
	ticker := time.NewTicker(c.polling.ClockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcile(id)
		}
	}
}

// Tick re-evaluates every session immediately.
func (c *Coordinator) Tick() {
	for _, s := range c.store.List() {
		c.reconcile(s.ID)
	}
}

// reconcile recomputes the resolution of a session and brings its poll
// loops, persisted record and lifecycle in line with it.
func (c *Coordinator) reconcile(id string) {
	c.mu.RLock()
	rt, ok := c.runtimes[id]
	c.mu.RUnlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.destroyed {
		return
	}

	s, err := c.store.Get(id)
	if err != nil {
		return
	}
	res := Resolve(s, c.clock(), c.timing.ManualClaimGrace)

	if s.Version != rt.saved {
		c.persist(s, res)
		rt.saved = s.Version
	}

	if res != rt.last {
		if rt.last.Status != res.Status {
			c.log.Info("Status changed", "session", id, "commit_id", s.CommitID,
				"from", rt.last.Status, "to", res.Status, "action", res.Action)
		}
		rt.last = res
		c.emitEvent(EventStatusChanged, s, res, "")
	}

	if s.Error != nil && (rt.lastErr == nil || *rt.lastErr != *s.Error) {
		e := *s.Error
		rt.lastErr = &e
		c.emitEvent(EventError, s, res, s.Error.Message)
	} else if s.Error == nil {
		rt.lastErr = nil
	}

	if res.Terminal {
		c.log.Info("Session finished", "session", id, "commit_id", s.CommitID, "status", res.Status)
		c.destroyLocked(rt, s, res, string(res.Status))
		return
	}

	c.ensurePolls(rt, s)
}

// ensurePolls starts the loops the session currently needs and stops the rest.
func (c *Coordinator) ensurePolls(rt *runtime, s *Session) {
	if s.CommitID == "" {
		rt.polls.Retain()
		return
	}

	type loopSpec struct {
		leg      htlc.LegType
		until    poller.Predicate
		interval time.Duration
	}
	want := make(map[string]loopSpec)

	src := s.SourceLeg
	switch {
	case !src.HasSender():
		want["source-commit"] = loopSpec{htlc.LegSource, poller.HasSender, c.polling.DiscoveryInterval}
	case s.UserLocked && !src.HasHashlock() && s.LockSignature == "":
		want["source-lock"] = loopSpec{htlc.LegSource, poller.HasHashlock, c.polling.DiscoveryInterval}
	case !src.Claimed.IsFinal():
		want["source-settle"] = loopSpec{htlc.LegSource, poller.IsSettled, c.polling.TrackingInterval}
	}

	dst := s.DestinationLeg
	switch {
	case !dst.HasHashlock():
		want["destination-lock"] = loopSpec{htlc.LegDestination, poller.HasHashlock, c.polling.DiscoveryInterval}
	case !dst.Claimed.IsFinal():
		want["destination-settle"] = loopSpec{htlc.LegDestination, poller.IsSettled, c.polling.TrackingInterval}
	}

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	rt.polls.Retain(names...)

	for name, loop := range want {
		ep := s.Endpoint(loop.leg)
		adapter := rt.adapters.Source
		if loop.leg == htlc.LegDestination {
			adapter = rt.adapters.Destination
		}
		key := poller.Key{Network: ep.Network, ID: s.CommitID, Contract: ep.Contract}
		rt.polls.Ensure(name, key, poller.Request{
			Adapter: adapter,
			Params: htlc.DetailsParams{
				Type:            loop.leg,
				ChainID:         ep.ChainID,
				ID:              s.CommitID,
				ContractAddress: ep.Contract,
			},
			Until:    loop.until,
			Interval: loop.interval,
			Timeout:  c.polling.RequestTimeout,
		})
	}
}

func (c *Coordinator) persist(s *Session, res Resolution) {
	if c.db == nil {
		return
	}
	rec, err := sessionToRecord(s, res.Status)
	if err != nil {
		c.log.Warn("Failed to encode session", "session", s.ID, "error", err)
		return
	}
	if err := c.db.SaveSession(rec); err != nil {
		c.log.Warn("Failed to persist session", "session", s.ID, "error", err)
	}
}

// destroyLocked stops all work for a session and forgets it. rt.mu must be held.
func (c *Coordinator) destroyLocked(rt *runtime, s *Session, res Resolution, reason string) {
	rt.destroyed = true
	rt.polls.StopAll()
	rt.cancel()

	c.mu.Lock()
	delete(c.runtimes, rt.id)
	c.mu.Unlock()

	c.store.Delete(rt.id)
	if c.db != nil {
		if err := c.db.DeleteSession(rt.id); err != nil {
			c.log.Warn("Failed to delete session", "session", rt.id, "error", err)
		}
	}
	c.emitEvent(EventDestroyed, s, res, reason)
}

// Abandon stops tracking a session without touching the chain.
func (c *Coordinator) Abandon(id string) error {
	c.mu.RLock()
	rt, ok := c.runtimes[id]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.destroyed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s, err := c.store.Get(id)
	if err != nil {
		return err
	}
	c.log.Info("Session abandoned", "session", id, "commit_id", s.CommitID)
	c.destroyLocked(rt, s, Resolve(s, c.clock(), c.timing.ManualClaimGrace), "abandoned")
	return nil
}

// LoadPending restores persisted sessions. Sessions whose networks are no
// longer configured are skipped.
func (c *Coordinator) LoadPending(ctx context.Context) (int, error) {
	if c.db == nil {
		return 0, nil
	}
	recs, err := c.db.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		s, err := sessionFromRecord(rec)
		if err != nil {
			c.log.Warn("Skipping unreadable session", "session", rec.ID, "error", err)
			continue
		}
		if err := c.start(s); err != nil {
			c.log.Warn("Failed to restore session", "session", rec.ID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		c.log.Info("Restored sessions", "count", restored)
	}
	return restored, nil
}

// Close stops every session runtime. Persisted sessions are kept.
func (c *Coordinator) Close() error {
	c.cancel()

	c.mu.Lock()
	runtimes := make([]*runtime, 0, len(c.runtimes))
	for _, rt := range c.runtimes {
		runtimes = append(runtimes, rt)
	}
	c.runtimes = make(map[string]*runtime)
	c.mu.Unlock()

	for _, rt := range runtimes {
		rt.mu.Lock()
		rt.destroyed = true
		rt.polls.StopAll()
		rt.cancel()
		rt.mu.Unlock()
		rt.polls.Wait()
	}
	return nil
}

// =============================================================================
// Queries
// =============================================================================

// Get returns a snapshot of a live session.
func (c *Coordinator) Get(id string) (*Snapshot, error) {
	s, err := c.store.Get(id)
	if err != nil {
		return nil, err
	}
	return c.snapshot(s), nil
}

// GetByCommitID returns a snapshot of the live session bound to commitID.
func (c *Coordinator) GetByCommitID(commitID string) (*Snapshot, error) {
	s, err := c.store.FindByCommitID(commitID)
	if err != nil {
		return nil, err
	}
	return c.snapshot(s), nil
}

// List returns snapshots of every live session.
func (c *Coordinator) List() []*Snapshot {
	sessions := c.store.List()
	out := make([]*Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, c.snapshot(s))
	}
	return out
}

// Count returns the number of live sessions.
func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.runtimes)
}

func (c *Coordinator) snapshot(s *Session) *Snapshot {
	return &Snapshot{
		Session:    s,
		Resolution: Resolve(s, c.clock(), c.timing.ManualClaimGrace),
		Pending:    c.dispatcher.Pending(s.ID),
		Resume:     ResumeQuery(s),
	}
}

// =============================================================================
// Actions
// =============================================================================

// Commit creates the source-chain HTLC.
func (c *Coordinator) Commit(ctx context.Context, id string) (*Snapshot, error) {
	s, err := c.dispatcher.Commit(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.snapshot(s), nil
}

// AddLock locks the source HTLC with the solver's hashlock.
func (c *Coordinator) AddLock(ctx context.Context, id string) (*Snapshot, error) {
	s, err := c.dispatcher.AddLock(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.snapshot(s), nil
}

// Redeem claims the destination HTLC when the solver did not.
func (c *Coordinator) Redeem(ctx context.Context, id string) (*Snapshot, error) {
	s, err := c.dispatcher.Redeem(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.snapshot(s), nil
}

// Refund refunds expired HTLCs.
func (c *Coordinator) Refund(ctx context.Context, id string) (*Snapshot, error) {
	s, err := c.dispatcher.Refund(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.snapshot(s), nil
}

// ClearError clears the last action error.
func (c *Coordinator) ClearError(id string) (*Snapshot, error) {
	s, err := c.dispatcher.ClearError(id)
	if err != nil {
		return nil, err
	}
	return c.snapshot(s), nil
}
