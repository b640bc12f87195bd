// Package poller reads HTLC records on a fixed interval until a predicate
// holds, the context is cancelled, or the loop is replaced.
package poller

import (
	"context"
	"time"

	"github.com/klingon-exchange/klingon-bridge/internal/htlc"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Default intervals.
const (
	DiscoveryInterval = 3 * time.Second
	TrackingInterval  = 5 * time.Second
	RequestTimeout    = 15 * time.Second
)

// Predicate decides when a loop can stop.
type Predicate func(d *htlc.Details) bool

// HasSender holds once the record exists on chain.
func HasSender(d *htlc.Details) bool { return d.HasSender() }

// HasHashlock holds once a hashlock has been set.
func HasHashlock(d *htlc.Details) bool { return d.HasHashlock() }

// IsRedeemed holds once the leg is redeemed.
func IsRedeemed(d *htlc.Details) bool { return d != nil && d.Claimed == htlc.Redeemed }

// IsRefunded holds once the leg is refunded.
func IsRefunded(d *htlc.Details) bool { return d != nil && d.Claimed == htlc.Refunded }

// IsSettled holds once the leg is redeemed or refunded.
func IsSettled(d *htlc.Details) bool { return d != nil && d.Claimed.IsFinal() }

// Request describes one polling loop.
type Request struct {
	Adapter  htlc.Adapter
	Params   htlc.DetailsParams
	Until    Predicate
	Interval time.Duration
	Timeout  time.Duration
	Log      *logging.Logger
}

// Update is one successful read.
type Update struct {
	Leg         htlc.LegType
	Details     *htlc.Details
	RequestedAt time.Time
	// Done is set on the last update of a loop whose predicate held.
	Done bool
}

// Poll starts a loop and returns its update channel. The first read happens
// immediately. The channel is closed when the loop ends.
func Poll(ctx context.Context, req Request) <-chan Update {
	out := make(chan Update, 1)
	if req.Interval <= 0 {
		req.Interval = DiscoveryInterval
	}
	if req.Timeout <= 0 {
		req.Timeout = RequestTimeout
	}
	if req.Log == nil {
		req.Log = logging.GetDefault().Component("poller")
	}

	go func() {
		defer close(out)

		ticker := time.NewTicker(req.Interval)
		defer ticker.Stop()

		for {
			if done := pollOnce(ctx, req, out); done {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}

// pollOnce performs one read and reports whether the loop should end.
func pollOnce(ctx context.Context, req Request, out chan<- Update) bool {
	if ctx.Err() != nil {
		return true
	}

	requestedAt := time.Now()
	d, err := Fetch(ctx, req.Adapter, req.Params, req.Timeout)
	if err != nil {
		req.Log.Debug("HTLC read failed, retrying next tick",
			"leg", req.Params.Type, "id", req.Params.ID, "chain", req.Params.ChainID, "error", err)
		return false
	}
	if d == nil {
		return false
	}

	done := req.Until != nil && req.Until(d)
	select {
	case out <- Update{Leg: req.Params.Type, Details: d, RequestedAt: requestedAt, Done: done}:
	case <-ctx.Done():
		return true
	}
	return done
}

// Fetch reads a record once, preferring the cross-checked read when the
// adapter supports it and falling back to the single-endpoint read.
func Fetch(ctx context.Context, a htlc.Adapter, p htlc.DetailsParams, timeout time.Duration) (*htlc.Details, error) {
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if sd, ok := a.(htlc.SecureDetailer); ok {
		d, err := sd.SecureGetDetails(ctx, p)
		if err == nil && d != nil {
			return d, nil
		}
	}
	return a.GetDetails(ctx, p)
}
