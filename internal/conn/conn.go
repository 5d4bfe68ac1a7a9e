// Package conn implements the secure remote-terminal connection core:
// an authenticated, encrypted session to a remote host with host-key
// trust verification, optional gateway tunneling, auxiliary channels
// (port/X11 forwarding, multiplexer re-attach), and a uniform duplex
// byte stream with terminal-resize signaling.
package conn

import (
	"context"
	"sync"
)

// ConnectionState tracks the lifecycle of a connection. Closed is
// terminal; a connection object is not reusable after Closed.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a message delivered on a connection's ordered event stream.
// Delivery order between data and closure is the order things happened.
type Event interface {
	isEvent()
}

// DataEvent carries one inbound chunk from the shell channel.
type DataEvent struct {
	Data []byte
}

// ErrorEvent reports a non-terminal failure in human-readable form.
type ErrorEvent struct {
	Err error
}

// ClosedEvent is emitted exactly once when the connection ends. Normal
// is true for a clean local disconnect or remote exit status zero.
type ClosedEvent struct {
	Normal bool
}

func (DataEvent) isEvent()   {}
func (ErrorEvent) isEvent()  {}
func (ClosedEvent) isEvent() {}

// TerminalConnection is the capability surface every connection
// implementation exposes to its consumer.
type TerminalConnection interface {
	// IsConnected reports whether the shell channel is usable. Never
	// blocks.
	IsConnected() bool

	// ConnectionName returns the display identity of the session.
	ConnectionName() string

	// State returns the current lifecycle state.
	State() ConnectionState

	// Connect establishes the session: optional gateway tunnel, then
	// handshake, trust verification, shell channel, and auxiliary
	// channels. Returns true when the session is usable. Expected
	// failures return false with detail on the event stream, never a
	// panic; the failed attempt's stream then ends, and a retry starts
	// a fresh one.
	Connect(ctx context.Context) bool

	// Disconnect releases every owned resource. Idempotent and safe
	// from any state, including before Connect completes.
	Disconnect(ctx context.Context) error

	// Write sends bytes to the shell channel. Fails fast when invoked
	// before Connected or after Closed.
	Write(p []byte) error

	// WriteString sends text to the shell channel.
	WriteString(s string) error

	// ResizeTerminal signals a terminal size change. Best effort:
	// failures are logged, never surfaced to the caller.
	ResizeTerminal(cols, rows int)

	// Events returns the ordered event stream of the most recent
	// Connect attempt. The channel is closed after the ClosedEvent,
	// or after the ErrorEvent reporting a failed attempt, so draining
	// it always terminates.
	Events() <-chan Event
}

// eventSink serializes all events onto one channel so ordering between
// data and closure is unambiguous. After the ClosedEvent the channel is
// closed and later emits are dropped. Emitters never block: when the
// buffer is full because the consumer stalled, the oldest pending event
// is dropped to make room, so teardown always makes progress.
type eventSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan Event, 256)}
}

func (s *eventSink) events() <-chan Event { return s.ch }

func (s *eventSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *eventSink) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.send(ev)
}

// emitClosed delivers the terminal event and closes the stream. Only
// the first call has any effect.
func (s *eventSink) emitClosed(normal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.send(ClosedEvent{Normal: normal})
	s.closed = true
	close(s.ch)
}

// send places ev on the channel without ever blocking. The mutex is
// held, so no other emitter can refill the slot freed by a drop.
func (s *eventSink) send(ev Event) {
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// closeQuiet closes the stream without a ClosedEvent. Used when a
// connection that never reached Connected is disposed.
func (s *eventSink) closeQuiet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
