// Package dmember owns the client's single QUIC connection to a cluster member.
//
// [*Source] implements [dconn.Source] over a static list of member addresses,
// tried in order.
package dmember

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/dpubsub"
	"github.com/gordian-engine/dgrid/dquic"
)

// DefaultDialTimeout bounds a single member dial, including opening the request stream.
const DefaultDialTimeout = 2 * time.Second

// Dialer opens QUIC connections. [dquic.Dialer] satisfies it.
type Dialer interface {
	Dial(ctx context.Context, addr string) (dquic.Conn, error)
}

// Config is the configuration for [NewSource].
type Config struct {
	// Member addresses, as host:port, in the order they are tried.
	Members []string

	Dialer Dialer

	// Zero uses DefaultDialTimeout.
	DialTimeout time.Duration

	// Optional. Called synchronously whenever a connection
	// becomes current or is torn down.
	// It must not call back into the Source.
	OnChange func(dconn.Change)
}

func (c Config) validate() {
	var panicErrs error

	if len(c.Members) == 0 {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Members may not be empty"))
	}
	if c.Dialer == nil {
		panicErrs = errors.Join(panicErrs, errors.New("Config.Dialer may not be nil"))
	}
	if c.DialTimeout < 0 {
		panicErrs = errors.Join(panicErrs, errors.New("Config.DialTimeout may not be negative"))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}

// Conn is a connection to one member,
// with the stream that carries requests and responses.
// It is the [dconn.Handle] handed out by [*Source].
type Conn struct {
	seq  uint64
	addr string

	qc dquic.Conn
	s  dquic.Stream

	destroyed atomic.Bool
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(%d, %s)", c.seq, c.addr)
}

// Addr is the member address that was dialed.
func (c *Conn) Addr() string { return c.addr }

// Stream returns the request stream.
func (c *Conn) Stream() dquic.Stream { return c.s }

// Alive reports whether the underlying QUIC connection is still open.
func (c *Conn) Alive() bool {
	return c.qc.Context().Err() == nil
}

// Source implements [dconn.Source].
//
// Create an instance with [NewSource].
type Source struct {
	log *slog.Logger

	members     []string
	dialer      Dialer
	dialTimeout time.Duration
	onChange    func(dconn.Change)

	changes *dpubsub.Publisher[dconn.Change]

	// Serializes FindAlive calls.
	findMu sync.Mutex

	mu        sync.Mutex
	current   *Conn
	confirmed bool
	closed    bool
	seq       uint64

	// Closed and replaced on every state change, to wake WaitOpened.
	changed chan struct{}

	done chan struct{}
}

var _ dconn.Source = (*Source)(nil)

// NewSource returns a Source with no connection.
// Nothing is dialed until the first FindAlive call.
//
// The ctx parameter controls the lifecycle of the source;
// once canceled, the current connection is closed
// and no new connection is made.
// Use [*Source.Wait] to block until that has happened.
//
// Configuration errors cause a panic.
func NewSource(ctx context.Context, log *slog.Logger, cfg Config) *Source {
	cfg.validate()

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = DefaultDialTimeout
	}

	s := &Source{
		log: log,

		members:     append([]string(nil), cfg.Members...),
		dialer:      cfg.Dialer,
		dialTimeout: dialTimeout,
		onChange:    cfg.OnChange,

		changes: dpubsub.NewPublisher[dconn.Change](),

		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go s.closeOnDone(ctx)

	return s
}

// Wait blocks until the source has shut down.
func (s *Source) Wait() {
	<-s.done
}

func (s *Source) closeOnDone(ctx context.Context) {
	defer close(s.done)

	<-ctx.Done()

	s.mu.Lock()
	c := s.current
	s.current = nil
	s.confirmed = false
	s.closed = true
	s.broadcastLocked()
	s.mu.Unlock()

	if c != nil {
		s.log.Info("Closing member connection due to context cancellation", "conn", c, "cause", context.Cause(ctx))
		s.teardown(c, dquic.ShutdownErrorCode, dquic.ShutdownMessage)
	}
}

// Current returns the current connection if it is still open.
func (s *Source) Current() dconn.Handle {
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()

	if c == nil || !c.Alive() {
		return nil
	}
	return c
}

// FindAlive returns the current connection if it is still open.
// Otherwise it dials each member in order,
// making the first one that answers the current connection.
//
// It returns nil and no error if every member failed.
func (s *Source) FindAlive(ctx context.Context) (dconn.Handle, error) {
	s.findMu.Lock()
	defer s.findMu.Unlock()

	if h := s.Current(); h != nil {
		return h, nil
	}

	for _, addr := range s.members {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("stopped searching for a member: %w", context.Cause(ctx))
		}

		c, err := s.dial(ctx, addr)
		if err != nil {
			s.log.Info("Member unreachable", "addr", addr, "err", err)
			continue
		}

		old, ok := s.install(c)
		if !ok {
			s.teardown(c, dquic.ShutdownErrorCode, dquic.ShutdownMessage)
			return nil, errors.New("source shut down while connecting")
		}
		if old != nil {
			// Dead, or Current would have returned it.
			s.teardown(old, dquic.DestroyedErrorCode, dquic.DestroyedMessage)
		}

		s.log.Info("Connected to member", "conn", c)
		s.notifyChange(dconn.Change{Handle: c, Adding: true})
		return c, nil
	}

	return nil, nil
}

func (s *Source) dial(ctx context.Context, addr string) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	qc, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(dquic.DestroyedErrorCode, "failed to open request stream")
		return nil, fmt.Errorf("failed to open request stream to %q: %w", addr, err)
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return &Conn{seq: seq, addr: addr, qc: qc, s: stream}, nil
}

// install makes c current, returning the connection it replaced.
// It reports false if the source is closed.
func (s *Source) install(c *Conn) (*Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	old := s.current
	s.current = c
	s.confirmed = false
	s.broadcastLocked()
	return old, true
}

// Destroy closes h and, if it is current, clears it.
func (s *Source) Destroy(h dconn.Handle) {
	c, ok := h.(*Conn)
	if !ok || c == nil {
		return
	}

	s.mu.Lock()
	if s.current == c {
		s.current = nil
		s.confirmed = false
		s.broadcastLocked()
	}
	s.mu.Unlock()

	s.teardown(c, dquic.DestroyedErrorCode, dquic.DestroyedMessage)
}

func (s *Source) teardown(c *Conn, code dquic.ApplicationErrorCode, msg string) {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}

	if err := c.qc.CloseWithError(code, msg); err != nil {
		s.log.Debug("Error closing member connection", "conn", c, "err", err)
	}

	s.notifyChange(dconn.Change{Handle: c})
}

func (s *Source) notifyChange(ch dconn.Change) {
	if s.onChange != nil {
		s.onChange(ch)
	}
	s.changes.Publish(ch)
}

// Changes returns the next unpublished node of the connection change stream.
// Every change after this call is observable by following the stream.
func (s *Source) Changes() *dpubsub.Stream[dconn.Change] {
	return s.changes.Tail()
}

// NotifyOpened marks the current connection as confirmed usable.
func (s *Source) NotifyOpened() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil || s.confirmed {
		return
	}
	s.confirmed = true
	s.broadcastLocked()
}

// WaitOpened blocks until there is a confirmed current connection,
// or until ctx is done.
func (s *Source) WaitOpened(ctx context.Context) error {
	for {
		s.mu.Lock()
		ready := s.current != nil && s.confirmed
		ch := s.changed
		s.mu.Unlock()

		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled while waiting for connection: %w", context.Cause(ctx))
		case <-ch:
		}
	}
}

func (s *Source) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
