// Package eventloop implements the single FIFO event queue that drives
// the core (§4.I): a bounded channel-backed mailbox safe to notify from
// any context, drained one event per turn by a single-threaded dispatch
// loop. This is the one sanctioned concurrency seam in the whole core
// (§5): everything downstream of Dispatch runs on the loop's own
// goroutine and needs no locking.
package eventloop

import (
	"context"
	"log/slog"
)

// Tag identifies the kind of event (§3 "Event").
type Tag uint8

const (
	// Continue re-enqueues work a handler split to avoid blocking the
	// loop mid-turn (§4.I "Long operations are split by re-enqueueing
	// CONTINUE").
	Continue Tag = iota

	// NewData signals bytes arrived on a connection's transport and
	// should be fed to its RX ring / FSM.
	NewData

	// NewCoreConnection signals an incoming core-to-core connection
	// completed its handshake.
	NewCoreConnection

	// FriendRequest signals an inbound friend-request connection; the
	// processor applies the configured accept policy.
	FriendRequest

	// AcceptFriendRequest advances a READ_FRIEND_CERT connection to
	// REPLY_FRIEND_REQ; any other state aborts the slot.
	AcceptFriendRequest

	// RequestConnectionClosing asks for a graceful close of a slot.
	RequestConnectionClosing

	// RequestConnectionAbort asks for an immediate abort of a slot.
	RequestConnectionAbort
)

// String returns the human-readable name of the tag.
func (t Tag) String() string {
	switch t {
	case Continue:
		return "CONTINUE"
	case NewData:
		return "NEW_DATA"
	case NewCoreConnection:
		return "NEW_CORE_CONNECTION"
	case FriendRequest:
		return "FRIEND_REQUEST"
	case AcceptFriendRequest:
		return "ACCEPT_FRIEND_REQUEST"
	case RequestConnectionClosing:
		return "REQUEST_CONNECTION_CLOSING"
	case RequestConnectionAbort:
		return "REQUEST_CONNECTION_ABORT"
	default:
		return "UNKNOWN"
	}
}

// Event is one FIFO entry (§3 "Event"): a tag, the connection slot it
// concerns (-1 if none), and an optional payload (e.g. newly-received
// bytes for NewData).
type Event struct {
	Tag  Tag
	Slot int
	Data []byte
}

// Processor handles one dequeued event. Implementations must not block:
// a long operation re-enqueues Continue instead (§4.I, §5 "Suspension
// points: None within a handler").
type Processor func(ev Event)

// defaultQueueCapacity bounds the channel so a runaway producer's events
// are dropped (and logged) rather than growing memory without limit; the core's
// own event volume per spec §5 is tiny (one per connection turn).
const defaultQueueCapacity = 256

// Loop is the single FIFO driving every state change in the core. notify
// is safe to call from any goroutine (transport callbacks, timers); Run
// must be called from exactly one goroutine and processes events until
// its context is canceled.
type Loop struct {
	ch     chan Event
	logger *slog.Logger
}

// New constructs a Loop with the default queue capacity.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		ch:     make(chan Event, defaultQueueCapacity),
		logger: logger.With("component", "eventloop"),
	}
}

// Notify enqueues ev. Safe to call from any goroutine (§5 "the *only*
// sanctioned cross-context entry point"). A full queue drops the event
// and logs at error level rather than blocking the caller indefinitely —
// the caller is very likely a transport I/O callback that must not stall.
func (l *Loop) Notify(ev Event) {
	select {
	case l.ch <- ev:
	default:
		l.logger.Error("event queue full, dropping event", "tag", ev.Tag.String(), "slot", ev.Slot)
	}
}

// Run drains the queue, calling process for each event, until ctx is
// canceled. Exactly one goroutine may call Run for a given Loop.
func (l *Loop) Run(ctx context.Context, process Processor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.ch:
			process(ev)
		}
	}
}

// Len reports the number of events currently queued, for diagnostics.
func (l *Loop) Len() int { return len(l.ch) }
