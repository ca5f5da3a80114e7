// Package dconn declares the contracts between the outbound dispatcher
// and the components that own the live connection to a cluster member.
package dconn

import (
	"context"

	"github.com/gordian-engine/dgrid/dcall"
)

// Handle is the opaque identity of one transport session to a cluster member.
//
// The dispatcher never mutates a Handle.
// It only compares handles for identity and logs them,
// so implementations must be comparable, typically pointer types.
type Handle interface {
	String() string
}

// Source owns the current connection.
type Source interface {
	// Current returns the live connection,
	// or nil if there is none or the current one is known to be dead.
	Current() Handle

	// FindAlive searches the cluster for a reachable member
	// and makes a connection to it the current one.
	// It returns nil without an error if no member could be reached.
	// It may block for as long as connecting takes.
	FindAlive(ctx context.Context) (Handle, error)

	// Destroy tears down h.
	// Destroying a nil or already destroyed handle is a no-op.
	Destroy(h Handle)

	// NotifyOpened reports that the current connection
	// has been confirmed usable, unblocking anything waiting on readiness.
	NotifyOpened()
}

// PacketWriter serializes calls onto a connection.
type PacketWriter interface {
	// Write serializes c's request onto h.
	// The write may be buffered until Flush.
	Write(h Handle, c *dcall.Call) error

	// Flush pushes any buffered output for h to the wire.
	Flush(h Handle) error
}

// ListenerSource supplies the calls that re-register
// server-side listeners after a reconnection.
type ListenerSource interface {
	// ListenerCalls returns a snapshot of fresh replay calls,
	// in the order they must be sent.
	ListenerCalls() []*dcall.Call
}

// DisconnectFunc is notified with the previous handle
// once the dispatcher observes that a new connection replaced it.
type DisconnectFunc func(old Handle)

// Change is the value sent to observers of connection changes.
type Change struct {
	// The connection involved in the change.
	Handle Handle

	// If true, the connection became current.
	// Otherwise, the connection was torn down.
	Adding bool
}
