// Package telemetry emits fire-and-forget swap lifecycle events.
package telemetry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCommit EventType = "swap_commit"
	EventLock   EventType = "swap_lock"
	EventRefund EventType = "swap_refund"
)

// Event describes one user action that reached the chain.
type Event struct {
	Type               EventType `json:"type"`
	SessionID          string    `json:"session_id"`
	CommitID           string    `json:"commit_id"`
	TxHash             string    `json:"tx_hash,omitempty"`
	Amount             string    `json:"amount"`
	SourceNetwork      string    `json:"source_network"`
	DestinationNetwork string    `json:"destination_network"`
	SourceAsset        string    `json:"source_asset"`
	DestinationAsset   string    `json:"destination_asset"`
	SourceAddress      string    `json:"source_address"`
	DestinationAddress string    `json:"destination_address"`
	Timestamp          time.Time `json:"timestamp"`
}

// Handler consumes events. Handlers run on their own goroutine.
type Handler func(Event)

// Emitter fans events out to registered handlers without blocking the caller.
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler
	log      *logging.Logger
}

// NewEmitter creates an emitter with no handlers.
func NewEmitter() *Emitter {
	return &Emitter{log: logging.GetDefault().Component("telemetry")}
}

// OnEvent registers a handler.
func (e *Emitter) OnEvent(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit dispatches the event. It never blocks and never fails.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		go e.run(h, ev)
	}
}

func (e *Emitter) run(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("Telemetry handler panicked", "event", ev.Type, "panic", r)
		}
	}()
	h(ev)
}

// EventLog is the storage used by LogHandler.
type EventLog interface {
	AppendEvent(eventType, commitID string, payload json.RawMessage) error
}

// LogHandler returns a handler that appends events to an EventLog.
func LogHandler(store EventLog, log *logging.Logger) Handler {
	return func(ev Event) {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := store.AppendEvent(string(ev.Type), ev.CommitID, payload); err != nil {
			log.Debug("Failed to log telemetry event", "event", ev.Type, "error", err)
		}
	}
}
