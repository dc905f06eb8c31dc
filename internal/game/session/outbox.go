package session

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/highwizardry/internal/apperr"
)

// ErrOverflow is returned by Push when the outbound queue is full.
var ErrOverflow = apperr.New(apperr.Overflow, "send queue overflow")

// ErrClosed is returned by Push after Close.
var ErrClosed = apperr.New(apperr.Precondition, "session closed")

// CloseReason is the websocket close code and text sent when a session ends.
type CloseReason struct {
	Code int
	Text string
}

// Close reasons.
var (
	ReasonReplaced  = CloseReason{Code: websocket.CloseNormalClosure, Text: "session_replaced"}
	ReasonShutdown  = CloseReason{Code: websocket.CloseGoingAway, Text: "server_shutdown"}
	ReasonIdle      = CloseReason{Code: websocket.CloseNormalClosure, Text: "idle_timeout"}
	ReasonOverflow  = CloseReason{Code: websocket.CloseTryAgainLater, Text: "overflow"}
	ReasonBanned    = CloseReason{Code: websocket.ClosePolicyViolation, Text: "banned"}
	ReasonMalformed = CloseReason{Code: websocket.ClosePolicyViolation, Text: "malformed_messages"}
	ReasonFaults    = CloseReason{Code: websocket.CloseInternalServerErr, Text: "repeated_faults"}
	ReasonClient    = CloseReason{Code: websocket.CloseNormalClosure, Text: "client_closed"}
)

// Outbox is a bounded queue of encoded frames drained by the connection writer.
type Outbox struct {
	frames chan []byte
	mu     sync.Mutex
	closed bool
	reason CloseReason
	done   chan struct{}
}

// NewOutbox creates an Outbox holding at most depth frames.
//
// Postcondition: depth <= 0 selects a depth of 64.
func NewOutbox(depth int) *Outbox {
	if depth <= 0 {
		depth = 64
	}
	return &Outbox{
		frames: make(chan []byte, depth),
		done:   make(chan struct{}),
	}
}

// Push enqueues one frame without blocking.
//
// Postcondition: Returns ErrOverflow when full and ErrClosed after Close.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return ErrOverflow
	}
}

// Frames returns the queue the writer drains. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Done is closed when the Outbox is closed.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close stops accepting frames and records why.
//
// Postcondition: Returns true only for the call that closed the Outbox; later
// calls keep the first reason.
func (o *Outbox) Close(reason CloseReason) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	o.closed = true
	o.reason = reason
	close(o.frames)
	close(o.done)
	return true
}

// Reason returns the close reason, and whether the Outbox is closed.
func (o *Outbox) Reason() (CloseReason, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason, o.closed
}
