package courier

import (
	"context"
	"sync"
	"time"
)

// State is the connection lifecycle state. Exactly one state holds at any
// instant; Closed is terminal.
type State uint8

const (
	// Connecting is the initial state while the first handshake is running.
	Connecting State = iota
	// Connected means a handshake completed and the transport is writable.
	Connected
	// Reconnecting means the transport dropped and attempts are in progress.
	Reconnecting
	// Disconnected means the transport dropped and no reconnection will be
	// attempted; the connection is about to become Closed.
	Disconnected
	// Closed is terminal; no transition leaves it.
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Disconnected:
		return "Disconnected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// EventKind tags a lifecycle event.
type EventKind uint8

const (
	// EventConnect is emitted after the very first successful handshake.
	EventConnect EventKind = iota
	// EventDisconnect is emitted after the transport is confirmed closed
	// and staged writes for the epoch have been dropped.
	EventDisconnect
	// EventReconnecting is emitted when reconnection attempts begin.
	EventReconnecting
	// EventReconnect is emitted after a successful handshake that follows
	// an established session.
	EventReconnect
	// EventError carries a broker or protocol error that did not originate
	// from a specific caller.
	EventError
	// EventClosed is emitted exactly once, when the connection reaches the
	// terminal state.
	EventClosed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "Connect"
	case EventDisconnect:
		return "Disconnect"
	case EventReconnecting:
		return "Reconnecting"
	case EventReconnect:
		return "Reconnect"
	case EventError:
		return "Error"
	case EventClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Event is a single lifecycle event. Immutable once emitted.
type Event struct {
	Kind EventKind
	Time time.Time
	Err  error
}

// eventLog is an append-only broadcast log. Each watcher holds its own
// cursor, so a slow observer never delays another. Events are appended only
// after the state they report has taken effect.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{} // closed and replaced on every append
}

func newEventLog() *eventLog {
	return &eventLog{notify: make(chan struct{})}
}

func (l *eventLog) push(kind EventKind, err error) {
	l.mu.Lock()
	l.events = append(l.events, Event{Kind: kind, Time: time.Now(), Err: err})
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
}

// snapshot returns a copy of all events emitted so far.
func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// EventWatcher is an independent read cursor over the connection's event
// stream. Watchers created at any time observe the full history from the
// first event onward, in emission order.
type EventWatcher struct {
	log    *eventLog
	cursor int
}

// Next blocks until an unobserved event is available or the context ends.
func (w *EventWatcher) Next(ctx context.Context) (Event, error) {
	for {
		w.log.mu.Lock()
		if w.cursor < len(w.log.events) {
			e := w.log.events[w.cursor]
			w.cursor++
			w.log.mu.Unlock()
			return e, nil
		}
		notify := w.log.notify
		w.log.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Poll returns the next unobserved event without blocking.
func (w *EventWatcher) Poll() (Event, bool) {
	w.log.mu.Lock()
	defer w.log.mu.Unlock()
	if w.cursor >= len(w.log.events) {
		return Event{}, false
	}
	e := w.log.events[w.cursor]
	w.cursor++
	return e, true
}
