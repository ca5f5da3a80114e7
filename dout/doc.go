// Package dout contains the outbound [Dispatcher] of a dgrid client.
//
// The dispatcher owns the send queue.
// A single goroutine drains the queue onto the current connection,
// detects when the connection is gone or has been replaced,
// and coordinates reconnection:
// only one recovery attempt runs at a time,
// and once a new connection appears, listener registrations are replayed
// before any queued or unanswered call is sent again.
package dout
