package dquictest

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gordian-engine/dgrid/dquic"
)

// StubConnection is an in-memory [dquic.Conn].
// Streams it opens are [*StubStream] values, retrievable through Opened.
type StubConnection struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	openErr   error
	opened    []*StubStream
	closed    bool
	closeCode dquic.ApplicationErrorCode

	LocalAddrValue, RemoteAddrValue StubNetAddr
}

var _ dquic.Conn = (*StubConnection)(nil)

func NewStubConnection() *StubConnection {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &StubConnection{
		ctx:    ctx,
		cancel: cancel,

		LocalAddrValue:  StubNetAddr{NetworkValue: "udp", StringValue: "127.0.0.1:1"},
		RemoteAddrValue: StubNetAddr{NetworkValue: "udp", StringValue: "127.0.0.1:2"},
	}
}

// FailOpen makes future OpenStreamSync calls return err.
func (c *StubConnection) FailOpen(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

// OpenStreamSync implements [dquic.Conn].
func (c *StubConnection) OpenStreamSync(ctx context.Context) (dquic.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openErr != nil {
		return nil, c.openErr
	}
	if c.closed {
		return nil, context.Cause(c.ctx)
	}

	s := NewStubStream()
	c.opened = append(c.opened, s)
	return s, nil
}

// AcceptStream implements [dquic.Conn].
// It blocks until ctx or the connection is done.
func (c *StubConnection) AcceptStream(ctx context.Context) (dquic.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	}
}

// CloseWithError implements [dquic.Conn].
// Only the first close is recorded.
func (c *StubConnection) CloseWithError(code dquic.ApplicationErrorCode, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.cancel(fmt.Errorf("closed with code 0x%x: %s", code, msg))

	for _, s := range c.opened {
		s.CloseRead(context.Cause(c.ctx))
	}
	return nil
}

// Context implements [dquic.Conn].
func (c *StubConnection) Context() context.Context { return c.ctx }

// LocalAddr implements [dquic.Conn].
func (c *StubConnection) LocalAddr() net.Addr { return c.LocalAddrValue }

// RemoteAddr implements [dquic.Conn].
func (c *StubConnection) RemoteAddr() net.Addr { return c.RemoteAddrValue }

// Closed reports whether CloseWithError was called, and with which code.
func (c *StubConnection) Closed() (dquic.ApplicationErrorCode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closed
}

// Opened returns the streams opened so far.
func (c *StubConnection) Opened() []*StubStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*StubStream(nil), c.opened...)
}

// StubNetAddr is used in [StubConnection]
// to hold the return values for
// [*StubConnection.LocalAddr] and [*StubConnection.RemoteAddr].
type StubNetAddr struct {
	NetworkValue string
	StringValue  string
}

var _ net.Addr = StubNetAddr{}

func (a StubNetAddr) Network() string { return a.NetworkValue }
func (a StubNetAddr) String() string  { return a.StringValue }
