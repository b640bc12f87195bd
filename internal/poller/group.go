package poller

import (
	"context"
	"sync"

	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Key identifies the record a loop reads. A loop is restarted when its
// key changes.
type Key struct {
	Network  string
	ID       string
	Contract string
}

// Sink receives updates from every loop in a group.
type Sink func(name string, u Update)

type loop struct {
	key      Key
	cancel   context.CancelFunc
	finished bool
}

// Group runs named loops for one session.
type Group struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	loops  map[string]*loop
	sink   Sink
	log    *logging.Logger
	wg     sync.WaitGroup
}

// NewGroup creates a group whose loops are children of ctx.
func NewGroup(ctx context.Context, sink Sink) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{
		ctx:    ctx,
		cancel: cancel,
		loops:  make(map[string]*loop),
		sink:   sink,
		log:    logging.GetDefault().Component("poller"),
	}
}

// Ensure keeps the named loop running for key. An existing loop with the same
// key (running or already satisfied) is left alone; a loop with a different
// key is cancelled and replaced. Reports whether a new loop was started.
func (g *Group) Ensure(name string, key Key, req Request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ctx.Err() != nil {
		return false
	}
	if l, ok := g.loops[name]; ok {
		if l.key == key {
			return false
		}
		l.cancel()
		g.log.Debug("Restarting poll loop", "loop", name, "id", key.ID, "network", key.Network)
	}

	if req.Log == nil {
		req.Log = g.log
	}
	ctx, cancel := context.WithCancel(g.ctx)
	l := &loop{key: key, cancel: cancel}
	g.loops[name] = l

	updates := Poll(ctx, req)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for u := range updates {
			g.sink(name, u)
			if u.Done {
				g.mu.Lock()
				l.finished = true
				g.mu.Unlock()
			}
		}
	}()
	return true
}

// Running reports whether the named loop exists and has not finished.
func (g *Group) Running(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.loops[name]
	return ok && !l.finished
}

// Stop cancels the named loop.
func (g *Group) Stop(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.loops[name]; ok {
		l.cancel()
		delete(g.loops, name)
	}
}

// StopAll cancels every loop. The group cannot be reused afterwards.
// It may be called from inside a Sink.
func (g *Group) StopAll() {
	g.mu.Lock()
	g.cancel()
	g.loops = make(map[string]*loop)
	g.mu.Unlock()
}

// Wait blocks until every loop goroutine has returned. It must not be
// called from inside a Sink.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Retain stops every loop whose name is not listed.
func (g *Group) Retain(names ...string) {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for name, l := range g.loops {
		if !keep[name] {
			l.cancel()
			delete(g.loops, name)
		}
	}
}
