package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/internal/telemetry"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Clock returns the current time.
type Clock func() time.Time

// Adapters are the chain adapters resolved for one session.
type Adapters struct {
	Source      htlc.Adapter
	Destination htlc.Adapter
}

// AdapterLookup returns the adapters bound to a session.
type AdapterLookup interface {
	AdaptersFor(sessionID string) (Adapters, error)
}

// Telemetry receives lifecycle events.
type Telemetry interface {
	Emit(ev telemetry.Event)
}

// Timing groups the durations the dispatcher needs.
type Timing struct {
	ManualClaimGrace time.Duration
	CommitTimelock   time.Duration
	LockTimelock     time.Duration
	ActionTimeout    time.Duration
}

// DefaultTiming returns the default action timings.
func DefaultTiming() Timing {
	return Timing{
		ManualClaimGrace: DefaultManualClaimGrace,
		CommitTimelock:   20 * time.Minute,
		LockTimelock:     20 * time.Minute,
		ActionTimeout:    2 * time.Minute,
	}
}

// Dispatcher executes user actions against the chain adapters. At most one
// action runs per session.
type Dispatcher struct {
	store     *Store
	adapters  AdapterLookup
	telemetry Telemetry
	timing    Timing
	clock     Clock
	log       *logging.Logger

	mu      sync.Mutex
	pending map[string]Action
}

// DispatcherConfig holds configuration for the Dispatcher.
type DispatcherConfig struct {
	Store     *Store
	Adapters  AdapterLookup
	Telemetry Telemetry
	Timing    Timing
	Clock     Clock
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg *DispatcherConfig) *Dispatcher {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timing := cfg.Timing
	def := DefaultTiming()
	if timing.ManualClaimGrace == 0 {
		timing.ManualClaimGrace = def.ManualClaimGrace
	}
	if timing.CommitTimelock == 0 {
		timing.CommitTimelock = def.CommitTimelock
	}
	if timing.LockTimelock == 0 {
		timing.LockTimelock = def.LockTimelock
	}
	if timing.ActionTimeout == 0 {
		timing.ActionTimeout = def.ActionTimeout
	}

	return &Dispatcher{
		store:     cfg.Store,
		adapters:  cfg.Adapters,
		telemetry: cfg.Telemetry,
		timing:    timing,
		clock:     clock,
		log:       logging.GetDefault().Component("dispatcher"),
		pending:   make(map[string]Action),
	}
}

// Pending returns the action in flight for a session, or ActionNone.
func (d *Dispatcher) Pending(id string) Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.pending[id]; ok {
		return a
	}
	return ActionNone
}

func (d *Dispatcher) begin(id string, action Action) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.pending[id]; ok {
		return nil, htlc.Errorf(htlc.PreconditionFailed, string(action), "%s already in progress", cur)
	}
	d.pending[id] = action
	return func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}, nil
}

// prepare loads the session and checks that action is the one it permits.
func (d *Dispatcher) prepare(id string, action Action) (*Session, Adapters, error) {
	s, err := d.store.Get(id)
	if err != nil {
		return nil, Adapters{}, err
	}
	if s.Error != nil {
		return nil, Adapters{}, htlc.Errorf(htlc.PreconditionFailed, string(action),
			"previous %s failed, clear the error before retrying", s.Error.Action)
	}
	res := Resolve(s, d.clock(), d.timing.ManualClaimGrace)
	if res.Action != action {
		return nil, Adapters{}, htlc.Errorf(htlc.PreconditionFailed, string(action),
			"%s not permitted in status %s", action, res.Status)
	}
	a, err := d.adapters.AdaptersFor(id)
	if err != nil {
		return nil, Adapters{}, htlc.NewError(htlc.PreconditionFailed, string(action), err)
	}
	return s, a, nil
}

// actionContext detaches the action from the caller's cancellation so a
// submitted transaction is never abandoned halfway.
func (d *Dispatcher) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.timing.ActionTimeout)
}

// fail records an adapter failure on the session and returns it.
func (d *Dispatcher) fail(id string, action Action, err error) error {
	return d.failWith(id, action, err, nil)
}

// failWith classifies err and records it on the session together with any
// changes made by fn. Invalid input and unmet preconditions leave the
// session untouched.
func (d *Dispatcher) failWith(id string, action Action, err error, fn func(s *Session)) error {
	he := htlc.Classify(string(action), err)
	d.log.Warn("Action failed", "session", id, "action", action, "kind", he.Kind, "error", err)

	if fn == nil && (he.Kind == htlc.InvalidInput || he.Kind == htlc.PreconditionFailed) {
		return he
	}
	_, uerr := d.store.Update(id, func(s *Session) error {
		if fn != nil {
			fn(s)
		}
		s.Error = &ActionError{
			Kind:    he.Kind,
			Action:  action,
			Message: he.Message(),
			At:      d.clock(),
		}
		return nil
	})
	if uerr != nil {
		d.log.Debug("Failed to record action error", "session", id, "error", uerr)
	}
	return he
}

func (d *Dispatcher) switchChain(ctx context.Context, a htlc.Adapter, chainID string) {
	cs, ok := a.(htlc.ChainSwitcher)
	if !ok {
		return
	}
	if err := cs.SwitchChain(ctx, chainID); err != nil {
		d.log.Debug("Chain switch failed", "chain", chainID, "error", err)
	}
}

func (d *Dispatcher) emit(t telemetry.EventType, s *Session, txHash string) {
	if d.telemetry == nil {
		return
	}
	d.telemetry.Emit(telemetry.Event{
		Type:               t,
		SessionID:          s.ID,
		CommitID:           s.CommitID,
		TxHash:             txHash,
		Amount:             s.Amount,
		SourceNetwork:      s.Source.Network,
		DestinationNetwork: s.Destination.Network,
		SourceAsset:        s.Source.Asset.Symbol,
		DestinationAsset:   s.Destination.Asset.Symbol,
		SourceAddress:      s.Source.Address,
		DestinationAddress: s.Destination.Address,
		Timestamp:          d.clock(),
	})
}

// ValidateCommit checks everything CreatePreHTLC needs before touching the chain.
func ValidateCommit(s *Session) error {
	invalid := func(format string, args ...interface{}) error {
		return htlc.Errorf(htlc.InvalidInput, string(ActionCommit), format, args...)
	}

	if s.Source.Asset.Symbol == "" || s.Destination.Asset.Symbol == "" {
		return invalid("source and destination assets are required")
	}
	if _, err := helpers.ParsePositiveAmount(s.Amount, s.Source.Asset.Decimals); err != nil {
		return invalid("invalid amount: %v", err)
	}
	if err := chain.ValidateAddress(s.Source.Family, s.Source.Address); err != nil {
		return invalid("source address: %v", err)
	}
	if err := chain.ValidateAddress(s.Destination.Family, s.Destination.Address); err != nil {
		return invalid("destination address: %v", err)
	}
	if s.Solver.SourceLP == "" || s.Solver.DestinationLP == "" {
		return invalid("solver addresses are required")
	}
	if err := chain.ValidateAddress(s.Source.Family, s.Solver.SourceLP); err != nil {
		return invalid("solver source address: %v", err)
	}
	if s.Source.Contract == "" {
		return invalid("no HTLC contract on %s", s.Source.Network)
	}
	if s.Destination.Contract == "" {
		return invalid("no HTLC contract on %s", s.Destination.Network)
	}
	return nil
}

// Commit creates the source-chain pre-HTLC. It runs at most once per session.
func (d *Dispatcher) Commit(ctx context.Context, id string) (*Session, error) {
	done, err := d.begin(id, ActionCommit)
	if err != nil {
		return nil, err
	}
	defer done()

	s, err := d.store.Get(id)
	if err != nil {
		return nil, err
	}
	if s.CommitID != "" {
		return nil, htlc.Errorf(htlc.PreconditionFailed, string(ActionCommit), "already committed as %s", s.CommitID)
	}
	s, a, err := d.prepare(id, ActionCommit)
	if err != nil {
		return nil, err
	}
	if err := ValidateCommit(s); err != nil {
		return nil, err
	}

	amount, _ := helpers.ParsePositiveAmount(s.Amount, s.Source.Asset.Decimals)
	actx, cancel := d.actionContext(ctx)
	defer cancel()

	d.switchChain(actx, a.Source, s.Source.ChainID)
	receipt, err := a.Source.CreatePreHTLC(actx, htlc.CommitParams{
		ChainID:            s.Source.ChainID,
		ContractAddress:    s.Source.Contract,
		TokenContract:      s.Source.Asset.ContractAddress,
		Amount:             amount,
		Decimals:           s.Source.Asset.Decimals,
		SourceAsset:        s.Source.Asset.Symbol,
		SourceAddress:      s.Source.Address,
		SourceLPAddress:    s.Solver.SourceLP,
		DestinationChain:   s.Destination.Network,
		DestinationAsset:   s.Destination.Asset.Symbol,
		DestinationAddress: s.Destination.Address,
		DestinationFamily:  string(s.Destination.Family),
		Timelock:           d.clock().Add(d.timing.CommitTimelock).Unix(),
	})
	if err != nil {
		if receipt == nil || receipt.CommitID == "" {
			return nil, d.fail(id, ActionCommit, err)
		}
		// The commit was sent; keep its id so it is never sent twice.
		d.log.Warn("Commit unconfirmed", "session", id, "commit_id", receipt.CommitID, "tx", receipt.TxHash)
		return nil, d.failWith(id, ActionCommit, err, func(s *Session) {
			if s.CommitID == "" {
				s.CommitID = receipt.CommitID
				s.CommitTxHash = receipt.TxHash
			}
		})
	}
	if receipt == nil || receipt.CommitID == "" {
		return nil, d.fail(id, ActionCommit, errors.New("adapter returned no commit id"))
	}

	updated, err := d.store.Update(id, func(s *Session) error {
		if s.CommitID != "" {
			return fmt.Errorf("%w: %s", ErrCommitIDSet, s.CommitID)
		}
		s.CommitID = receipt.CommitID
		s.CommitTxHash = receipt.TxHash
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.log.Info("Committed", "session", id, "commit_id", receipt.CommitID, "tx", receipt.TxHash)
	d.emit(telemetry.EventCommit, updated, receipt.TxHash)
	return updated, nil
}

// AddLock locks the source leg with the hashlock the solver set on the
// destination leg.
func (d *Dispatcher) AddLock(ctx context.Context, id string) (*Session, error) {
	done, err := d.begin(id, ActionAddLock)
	if err != nil {
		return nil, err
	}
	defer done()

	s, a, err := d.prepare(id, ActionAddLock)
	if err != nil {
		return nil, err
	}
	if !s.DestinationLeg.HasHashlock() {
		return nil, htlc.Errorf(htlc.PreconditionFailed, string(ActionAddLock), "destination hashlock unknown")
	}

	actx, cancel := d.actionContext(ctx)
	defer cancel()

	d.switchChain(actx, a.Source, s.Source.ChainID)
	receipt, err := a.Source.AddLock(actx, htlc.LockParams{
		ChainID:         s.Source.ChainID,
		ContractAddress: s.Source.Contract,
		CommitID:        s.CommitID,
		Hashlock:        s.DestinationLeg.Hashlock,
		Timelock:        d.clock().Add(d.timing.LockTimelock).Unix(),
	})
	if err != nil {
		return nil, d.fail(id, ActionAddLock, err)
	}

	updated, err := d.store.Update(id, func(s *Session) error {
		s.UserLocked = true
		if receipt != nil {
			s.LockTxHash = receipt.TxHash
			s.LockSignature = receipt.Signature
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.log.Info("Lock added", "session", id, "commit_id", s.CommitID, "tx", updated.LockTxHash)
	d.emit(telemetry.EventLock, updated, updated.LockTxHash)
	return updated, nil
}

// Redeem claims the destination leg with the secret revealed on the source
// leg. Only available once the solver has failed to do so within the grace
// period.
func (d *Dispatcher) Redeem(ctx context.Context, id string) (*Session, error) {
	done, err := d.begin(id, ActionRedeem)
	if err != nil {
		return nil, err
	}
	defer done()

	s, a, err := d.prepare(id, ActionRedeem)
	if err != nil {
		return nil, err
	}
	if !s.SourceLeg.HasSecret() {
		return nil, htlc.Errorf(htlc.PreconditionFailed, string(ActionRedeem), "source secret not yet observed")
	}
	if !hashlocksAgree(s) {
		return nil, htlc.Errorf(htlc.PreconditionFailed, string(ActionRedeem), "source and destination hashlocks differ")
	}

	actx, cancel := d.actionContext(ctx)
	defer cancel()

	d.switchChain(actx, a.Destination, s.Destination.ChainID)
	txHash, err := a.Destination.Claim(actx, htlc.ClaimParams{
		Type:            htlc.LegDestination,
		ChainID:         s.Destination.ChainID,
		ContractAddress: s.Destination.Contract,
		ID:              s.CommitID,
		Secret:          s.SourceLeg.Secret,
		TokenContract:   s.Destination.Asset.ContractAddress,
		SourceAsset:     s.Destination.Asset.Symbol,
	})
	if err != nil {
		return nil, d.fail(id, ActionRedeem, err)
	}

	updated, err := d.store.Update(id, func(s *Session) error {
		s.RedeemTxHash = txHash
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("Destination redeemed manually", "session", id, "commit_id", s.CommitID, "tx", txHash)
	return updated, nil
}

// Refund refunds the source leg and, when it is refundable, the destination
// leg. The two refunds are independent; only a source failure is reported.
func (d *Dispatcher) Refund(ctx context.Context, id string) (*Session, error) {
	done, err := d.begin(id, ActionRefund)
	if err != nil {
		return nil, err
	}
	defer done()

	s, a, err := d.prepare(id, ActionRefund)
	if err != nil {
		return nil, err
	}

	actx, cancel := d.actionContext(ctx)
	defer cancel()

	refundDestination := destinationRefundable(s, d.clock())

	var (
		wg             sync.WaitGroup
		srcTx, dstTx   string
		srcErr, dstErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.switchChain(actx, a.Source, s.Source.ChainID)
		srcTx, srcErr = a.Source.Refund(actx, htlc.RefundParams{
			Type:            htlc.LegSource,
			ChainID:         s.Source.ChainID,
			ContractAddress: s.Source.Contract,
			ID:              s.CommitID,
			Hashlock:        s.SourceLeg.Hashlock,
			TokenContract:   s.Source.Asset.ContractAddress,
			SourceAsset:     s.Source.Asset.Symbol,
		})
	}()

	if refundDestination {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dstTx, dstErr = a.Destination.Refund(actx, htlc.RefundParams{
				Type:            htlc.LegDestination,
				ChainID:         s.Destination.ChainID,
				ContractAddress: s.Destination.Contract,
				ID:              s.CommitID,
				Hashlock:        s.DestinationLeg.Hashlock,
				TokenContract:   s.Destination.Asset.ContractAddress,
				SourceAsset:     s.Destination.Asset.Symbol,
			})
		}()
	}
	wg.Wait()

	if dstErr != nil {
		d.log.Warn("Destination refund failed", "session", id, "commit_id", s.CommitID, "error", dstErr)
	}
	if srcErr != nil {
		if dstTx != "" {
			if _, err := d.store.Update(id, func(s *Session) error {
				s.DestinationRefundTxID = dstTx
				return nil
			}); err != nil {
				d.log.Debug("Failed to record destination refund", "session", id, "error", err)
			}
		}
		return nil, d.fail(id, ActionRefund, srcErr)
	}

	updated, err := d.store.Update(id, func(s *Session) error {
		s.RefundTxID = srcTx
		if dstTx != "" {
			s.DestinationRefundTxID = dstTx
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.log.Info("Refunded", "session", id, "commit_id", s.CommitID, "tx", srcTx)
	d.emit(telemetry.EventRefund, updated, srcTx)
	return updated, nil
}

func destinationRefundable(s *Session, now time.Time) bool {
	dst := s.DestinationLeg
	if dst == nil || !dst.HasSender() || dst.Claimed.IsFinal() || s.DestinationRefundTxID != "" {
		return false
	}
	return dst.Timelock != 0 && !now.Before(dst.TimelockTime())
}

// ClearError removes the last action error so the action can be retried.
func (d *Dispatcher) ClearError(id string) (*Session, error) {
	return d.store.Update(id, func(s *Session) error {
		s.Error = nil
		return nil
	})
}

// ErrorText returns a short description of a dispatcher error for clients.
func ErrorText(err error) string {
	var he *htlc.Error
	if errors.As(err, &he) {
		return strings.TrimSpace(he.Message())
	}
	return err.Error()
}
