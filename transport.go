package roo

import (
	"fmt"
)

// Address is a transport-local destination. The protocol layer
// never interprets it; on the wire it travels in the
// transport's own wire format (see Transport.AddressToWire).
type Address uint64

// OutStatus is the progress of one outbound message.
type OutStatus int32

const (
	OutPending OutStatus = 0
	OutSent    OutStatus = 1
	OutFailed  OutStatus = 2
)

func (s OutStatus) String() string {
	switch s {
	case OutPending:
		return "OutPending"
	case OutSent:
		return "OutSent"
	case OutFailed:
		return "OutFailed"
	}
	return fmt.Sprintf("OutStatus(%d)", int32(s))
}

// RetryPolicy tells the transport what to do when
// a destination cannot currently be reached.
type RetryPolicy int

const (
	NoRetry        RetryPolicy = 0
	RetryUntilSent RetryPolicy = 1
)

// Transport is the unreliable, at-least-once, message-oriented
// network that a Socket owns exclusively. It is polled, not
// callback driven: all progress happens inside Poll.
type Transport interface {
	// ID is unique among all transports that can reach
	// each other; it becomes the SocketId.
	ID() uint64
	LocalAddress() Address

	Alloc() OutMessage
	Poll()

	// Receive returns nil when no inbound message is waiting.
	Receive() InMessage

	AddressToWire(a Address) []byte
	AddressFromWire(w []byte) (Address, error)
}

// OutMessage is an outbound message handle. Its Status moves
// from OutPending to OutSent or OutFailed exactly once.
type OutMessage interface {
	Append(p []byte)
	Send(dest Address, policy RetryPolicy)
	Status() OutStatus

	// Release returns the handle to the transport. An
	// unfinished send may still complete but is no longer observed.
	Release()
}

// InMessage is an inbound message handle.
type InMessage interface {
	Len() int

	// Get returns up to n bytes starting at offset.
	Get(offset, n int) []byte

	// Strip drops n leading bytes, typically a decoded header.
	Strip(n int)

	Acknowledge()
	Release()
}
