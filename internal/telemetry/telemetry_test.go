package telemetry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

func TestEmitDoesNotBlock(t *testing.T) {
	e := NewEmitter()
	release := make(chan struct{})
	got := make(chan Event, 1)
	e.OnEvent(func(ev Event) {
		<-release
		got <- ev
	})

	done := make(chan struct{})
	go func() {
		e.Emit(Event{Type: EventCommit, CommitID: "0x1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow handler")
	}

	close(release)
	select {
	case ev := <-got:
		if ev.CommitID != "0x1" || ev.Timestamp.IsZero() {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestEmitSurvivesPanic(t *testing.T) {
	e := NewEmitter()
	var wg sync.WaitGroup
	wg.Add(2)
	e.OnEvent(func(Event) {
		defer wg.Done()
		panic("boom")
	})
	e.OnEvent(func(Event) { wg.Done() })

	e.Emit(Event{Type: EventLock})
	wg.Wait()
}

func TestNilEmitter(t *testing.T) {
	var e *Emitter
	e.Emit(Event{Type: EventRefund})
}

type fakeLog struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (f *fakeLog) AppendEvent(eventType, commitID string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType+":"+commitID)
	return f.err
}

func TestLogHandler(t *testing.T) {
	store := &fakeLog{}
	h := LogHandler(store, logging.Discard())
	h(Event{Type: EventRefund, CommitID: "0x9"})

	if len(store.events) != 1 || store.events[0] != "swap_refund:0x9" {
		t.Errorf("unexpected log %v", store.events)
	}

	store.err = errors.New("disk full")
	h(Event{Type: EventLock, CommitID: "0x9"})
}
