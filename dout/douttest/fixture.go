// Package douttest contains in-memory collaborators
// for exercising a [dout.Dispatcher] without a network.
package douttest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/dlisten"
	"github.com/gordian-engine/dgrid/dout"
	"github.com/gordian-engine/dgrid/internal/dtest"
)

// Handle is a named fake connection.
type Handle struct {
	Name string
}

func (h *Handle) String() string { return h.Name }

// Source is a scripted [dconn.Source].
type Source struct {
	mu        sync.Mutex
	current   dconn.Handle
	alive     []dconn.Handle
	findErr   error
	destroyed []dconn.Handle

	// If set, FindAlive blocks until a value is received or ctx is done.
	Gate chan struct{}

	findCalls  atomic.Int32
	activeFind atomic.Int32
	maxFind    atomic.Int32

	opened   atomic.Int32
	OpenedCh chan struct{}
}

var _ dconn.Source = (*Source)(nil)

func NewSource() *Source {
	return &Source{OpenedCh: make(chan struct{}, 64)}
}

// SetCurrent replaces the current connection.
func (s *Source) SetCurrent(h dconn.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = h
}

// QueueAlive appends handles to be returned by successive FindAlive calls.
// Once the list is exhausted FindAlive returns nil.
func (s *Source) QueueAlive(hs ...dconn.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = append(s.alive, hs...)
}

// FailFind makes every FindAlive call return err.
func (s *Source) FailFind(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findErr = err
}

func (s *Source) Current() dconn.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Source) FindAlive(ctx context.Context) (dconn.Handle, error) {
	s.findCalls.Add(1)
	n := s.activeFind.Add(1)
	defer s.activeFind.Add(-1)
	for {
		m := s.maxFind.Load()
		if n <= m || s.maxFind.CompareAndSwap(m, n) {
			break
		}
	}

	if s.Gate != nil {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-s.Gate:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findErr != nil {
		return nil, s.findErr
	}
	if len(s.alive) == 0 {
		return nil, nil
	}

	h := s.alive[0]
	s.alive = s.alive[1:]
	s.current = h
	return h, nil
}

func (s *Source) Destroy(h dconn.Handle) {
	if h == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroyed = append(s.destroyed, h)
	if s.current == h {
		s.current = nil
	}
}

func (s *Source) NotifyOpened() {
	s.opened.Add(1)
	select {
	case s.OpenedCh <- struct{}{}:
	default:
	}
}

// Destroyed returns every handle passed to Destroy, in order.
func (s *Source) Destroyed() []dconn.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dconn.Handle(nil), s.destroyed...)
}

func (s *Source) FindCalls() int { return int(s.findCalls.Load()) }

// MaxConcurrentFinds is the largest number of FindAlive calls
// observed running at the same time.
func (s *Source) MaxConcurrentFinds() int { return int(s.maxFind.Load()) }

func (s *Source) OpenedCount() int { return int(s.opened.Load()) }

// Sent records one successful write.
type Sent struct {
	Handle dconn.Handle
	ID     dcall.ID
	Req    string
}

// ErrWriteFailed is returned for writes to a failing handle.
var ErrWriteFailed = errors.New("write failed")

// Writer is a recording [dconn.PacketWriter].
type Writer struct {
	mu      sync.Mutex
	sent    []Sent
	failing map[dconn.Handle]bool
	flushes int

	// Every successful write is also sent here, if there is room.
	SentCh chan Sent
}

var _ dconn.PacketWriter = (*Writer)(nil)

func NewWriter() *Writer {
	return &Writer{
		failing: make(map[dconn.Handle]bool),
		SentCh:  make(chan Sent, 1024),
	}
}

// FailWrites makes every write to h fail with [ErrWriteFailed].
func (w *Writer) FailWrites(h dconn.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failing[h] = true
}

func (w *Writer) Write(h dconn.Handle, c *dcall.Call) error {
	w.mu.Lock()
	if w.failing[h] {
		w.mu.Unlock()
		return ErrWriteFailed
	}
	s := Sent{Handle: h, ID: c.ID(), Req: string(c.Request())}
	w.sent = append(w.sent, s)
	w.mu.Unlock()

	select {
	case w.SentCh <- s:
	default:
	}
	return nil
}

func (w *Writer) Flush(h dconn.Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failing[h] {
		return ErrWriteFailed
	}
	w.flushes++
	return nil
}

// SentOn returns the requests written to h, in write order.
func (w *Writer) SentOn(h dconn.Handle) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	for _, s := range w.sent {
		if s.Handle == h {
			out = append(out, s.Req)
		}
	}
	return out
}

func (w *Writer) Flushes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushes
}

// Fixture bundles a dispatcher configuration with fakes.
type Fixture struct {
	Log *slog.Logger

	IDs       *dcall.IDSource
	Table     *dcall.Table
	Listeners *dlisten.Registry
	Source    *Source
	Writer    *Writer

	Disconnected chan dconn.Handle

	Cfg dout.Config
}

// NewFixture returns a fixture with short timings,
// so tests do not wait on production defaults.
func NewFixture(t *testing.T) *Fixture {
	t.Helper()

	ids := new(dcall.IDSource)
	f := &Fixture{
		Log: dtest.NewLogger(t),

		IDs:       ids,
		Table:     dcall.NewTable(),
		Listeners: dlisten.NewRegistry(ids),
		Source:    NewSource(),
		Writer:    NewWriter(),

		Disconnected: make(chan dconn.Handle, 16),
	}

	f.Cfg = dout.Config{
		Source:    f.Source,
		Writer:    f.Writer,
		Listeners: f.Listeners,
		Table:     f.Table,
		OnDisconnect: func(old dconn.Handle) {
			f.Disconnected <- old
		},

		DequeueTimeout:      10 * time.Millisecond,
		ReconnectPause:      2 * time.Millisecond,
		BacklogPollTimeout:  2 * time.Millisecond,
		BacklogPollAttempts: 1000,
	}

	return f
}

// NewDispatcher starts a dispatcher with f.Cfg
// and registers its Wait with t.Cleanup.
func (f *Fixture) NewDispatcher(t *testing.T, ctx context.Context) *dout.Dispatcher {
	t.Helper()

	d := dout.NewDispatcher(ctx, f.Log, f.Cfg)
	t.Cleanup(d.Wait)
	return d
}

// NewCall returns a call with the next ID and the given request text.
func (f *Fixture) NewCall(req string) *dcall.Call {
	return dcall.New(f.IDs.Next(), []byte(req))
}

// WaitSent returns the next n writes, failing the test if they take too long.
func (f *Fixture) WaitSent(t *testing.T, n int) []Sent {
	t.Helper()

	out := make([]Sent, n)
	for i := range out {
		out[i] = dtest.ReceiveSoon(t, f.Writer.SentCh)
	}
	return out
}
