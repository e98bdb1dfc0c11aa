// Package events dispatches the core's outbound notifications
// (OnMessageReceived, OnMessageSent, ...) through a buffered channel
// drained by a dedicated goroutine, so no caller ever runs a UI
// callback while holding a store or session lock. Grounded on the
// EventSink-channel pattern used for cross-goroutine UI notification in
// the broader example corpus, adapted here to a typed event struct
// instead of interface{}.
package events

import (
	"time"

	"github.com/zentalk/core/internal/model"
)

// Kind tags the closed set of events the core emits.
type Kind int

const (
	KindMessageReceived Kind = iota
	KindMessageSent
	KindMessageFailed
	KindSessionRenewalNeeded
	KindSessionAcceptNeeded
)

func (k Kind) String() string {
	switch k {
	case KindMessageReceived:
		return "MessageReceived"
	case KindMessageSent:
		return "MessageSent"
	case KindMessageFailed:
		return "MessageFailed"
	case KindSessionRenewalNeeded:
		return "SessionRenewalNeeded"
	case KindSessionAcceptNeeded:
		return "SessionAcceptNeeded"
	default:
		return "Unknown"
	}
}

// Event is the payload delivered to subscribers. Fields not relevant to
// Kind are left zero.
type Event struct {
	Kind      Kind
	Peer      model.UserId
	MessageID model.MessageId
	RowID     int64
	Content   string
	Err       error
	At        time.Time
}

// Handler receives dispatched events. It must not block for long: the
// dispatcher calls it sequentially from its single drain goroutine, so a
// slow handler delays every other pending event.
type Handler func(Event)

// Dispatcher buffers events from any number of producer goroutines and
// delivers them, in emission order, to a single Handler.
type Dispatcher struct {
	ch     chan Event
	done   chan struct{}
	handle Handler
}

// NewDispatcher starts the drain goroutine immediately. bufferSize bounds
// how many events can be pending before Emit blocks; a slow or absent
// subscriber should not be able to grow memory without bound.
func NewDispatcher(bufferSize int, handle Handler) *Dispatcher {
	d := &Dispatcher{
		ch:     make(chan Event, bufferSize),
		done:   make(chan struct{}),
		handle: handle,
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for evt := range d.ch {
		d.handle(evt)
	}
}

// Emit enqueues an event for delivery. It blocks if the buffer is full,
// applying backpressure to the producer rather than dropping events.
func (d *Dispatcher) Emit(evt Event) {
	d.ch <- evt
}

// Close stops accepting new events and waits for the drain goroutine to
// finish delivering everything already queued.
func (d *Dispatcher) Close() {
	close(d.ch)
	<-d.done
}
