package dcall

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ID identifies a call among all concurrently pending calls of one client.
type ID uint64

// IDSource hands out monotonically increasing call IDs, starting at 1.
// The zero value is ready to use.
type IDSource struct {
	last atomic.Uint64
}

// Next returns the next ID.
func (s *IDSource) Next() ID {
	return ID(s.last.Add(1))
}

// Call is one outbound request paired with a response slot.
//
// The response slot is written at most once,
// either with a value through [*Call.Resolve]
// or with a failure through [*Call.Fail].
type Call struct {
	id      ID
	request []byte

	once sync.Once
	done chan struct{}

	// Only read after done is closed.
	resp []byte
	err  error
}

// New returns a new unresolved call.
// The request bytes are owned by the call after this returns.
func New(id ID, request []byte) *Call {
	return &Call{
		id:      id,
		request: request,
		done:    make(chan struct{}),
	}
}

func (c *Call) ID() ID { return c.id }

// Request returns the opaque request payload.
func (c *Call) Request() []byte { return c.request }

// Resolve sets the successful response of c.
// It reports whether this call set the response;
// false means c was already resolved.
func (c *Call) Resolve(val []byte) bool {
	set := false
	c.once.Do(func() {
		c.resp = val
		close(c.done)
		set = true
	})
	return set
}

// Fail resolves c with err.
// It reports whether this call set the response.
func (c *Call) Fail(err error) bool {
	if err == nil {
		panic(fmt.Errorf("BUG: (*Call).Fail called with nil error for call %d", c.id))
	}

	set := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		set = true
	})
	return set
}

// Done returns a channel that is closed once c is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// HasResponse reports whether c has been resolved.
func (c *Call) HasResponse() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the resolved value and error.
// It panics if c is not yet resolved.
func (c *Call) Result() ([]byte, error) {
	if !c.HasResponse() {
		panic(fmt.Errorf("BUG: Result called on unresolved call %d", c.id))
	}
	return c.resp, c.err
}

// Wait blocks until c is resolved or ctx is done.
func (c *Call) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf(
			"context canceled while waiting for call %d: %w", c.id, context.Cause(ctx),
		)
	case <-c.done:
		return c.resp, c.err
	}
}

// Poll waits up to timeout for c to be resolved,
// reporting whether it was resolved.
func (c *Call) Poll(timeout time.Duration) bool {
	if c.HasResponse() {
		return true
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-c.done:
		return true
	case <-t.C:
		return false
	}
}

func (c *Call) String() string {
	return fmt.Sprintf("Call(%d)", c.id)
}
