package dout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/internal/dtask"
	"github.com/gordian-engine/dgrid/internal/dtrace"
)

// ErrNotRunning is returned from [*Dispatcher.Enqueue]
// once the dispatcher has stopped.
// The rejected call never enters the queue.
var ErrNotRunning = errors.New("dispatcher is not running")

// Dispatcher sends queued calls over the single current connection
// and coordinates recovery when that connection is lost.
//
// Create an instance with [NewDispatcher].
type Dispatcher struct {
	log    *slog.Logger
	tracer dtrace.Tracer

	src          dconn.Source
	w            dconn.PacketWriter
	listeners    dconn.ListenerSource
	table        *dcall.Table
	onDisconnect dconn.DisconnectFunc

	pool *dtask.Pool

	dequeueTimeout      time.Duration
	reconnectPause      time.Duration
	backlogPollTimeout  time.Duration
	backlogPollAttempts int

	m *Metrics

	q  *sendQueue
	bl backlog

	running      atomic.Bool
	reconnecting atomic.Bool

	// The last non-nil connection the loop observed.
	// Only the loop writes it; RequestReconnect reads it.
	conn atomic.Pointer[trackedConn]

	recoveryWG sync.WaitGroup
	done       chan struct{}
}

type trackedConn struct {
	h dconn.Handle
}

// NewDispatcher returns a running Dispatcher.
// The ctx parameter controls the lifecycle of the dispatcher;
// once it is canceled, the dispatcher stops accepting calls
// and fails every waiting call with a [dcall.NoMemberAvailableError].
// Use [*Dispatcher.Wait] to block until that has finished.
//
// Configuration errors cause a panic.
func NewDispatcher(ctx context.Context, log *slog.Logger, cfg Config) *Dispatcher {
	d := newDispatcher(ctx, log, cfg)
	d.running.Store(true)

	go d.mainLoop(ctx)

	return d
}

// newDispatcher builds a dispatcher without starting its loop
// or marking it running.
func newDispatcher(ctx context.Context, log *slog.Logger, cfg Config) *Dispatcher {
	cfg.validate()
	cfg = cfg.withDefaults()

	pool := cfg.Pool
	if pool == nil {
		pool = dtask.NewPool(ctx, 0)
	}

	return &Dispatcher{
		log:    log,
		tracer: dtrace.TracerOrNop(cfg.TracerProvider, "dgrid/dout"),

		src:          cfg.Source,
		w:            cfg.Writer,
		listeners:    cfg.Listeners,
		table:        cfg.Table,
		onDisconnect: cfg.OnDisconnect,

		pool: pool,

		dequeueTimeout:      cfg.DequeueTimeout,
		reconnectPause:      cfg.ReconnectPause,
		backlogPollTimeout:  cfg.BacklogPollTimeout,
		backlogPollAttempts: cfg.BacklogPollAttempts,

		m: cfg.Metrics,

		q: newSendQueue(),

		done: make(chan struct{}),
	}
}

// Wait blocks until the dispatch loop and any recovery task have stopped.
func (d *Dispatcher) Wait() {
	<-d.done
}

// Enqueue appends c to the send queue.
// It returns [ErrNotRunning] if the dispatcher has stopped.
func (d *Dispatcher) Enqueue(c *dcall.Call) error {
	if c == nil {
		panic(errors.New("BUG: Enqueue called with nil call"))
	}

	if !d.running.Load() || !d.q.push(entry{call: c}) {
		return ErrNotRunning
	}

	d.log.Debug("Enqueued call", "call_id", c.ID())
	return nil
}

// RequestReconnect asks the dispatcher to re-examine the connection,
// typically because a reader found h broken.
//
// The request is ignored, returning false, if the dispatcher is stopped,
// if a recovery is already running,
// if h is not the connection the dispatcher is currently using,
// or if a probe is already queued.
func (d *Dispatcher) RequestReconnect(h dconn.Handle) bool {
	if h == nil || !d.running.Load() || d.reconnecting.Load() {
		return false
	}

	if h != d.trackedConn() {
		return false
	}

	if !d.q.pushProbeIfAbsent() {
		return false
	}

	d.log.Debug("Reconnect probe queued", "conn", h)
	return true
}

// Probe queues a probe unless one is already queued,
// so the loop examines the connection even with no calls to send.
// A missing connection then starts a recovery.
// It reports whether a probe was queued.
func (d *Dispatcher) Probe() bool {
	if !d.running.Load() {
		return false
	}
	return d.q.pushProbeIfAbsent()
}

// QueueLen returns the number of entries in the send queue.
func (d *Dispatcher) QueueLen() int {
	return d.q.len()
}

// BacklogLen returns the number of listener replay calls
// still awaiting confirmation.
func (d *Dispatcher) BacklogLen() int {
	return d.bl.len()
}

// Reconnecting reports whether a recovery task is running.
func (d *Dispatcher) Reconnecting() bool {
	return d.reconnecting.Load()
}

func (d *Dispatcher) trackedConn() dconn.Handle {
	if tc := d.conn.Load(); tc != nil {
		return tc.h
	}
	return nil
}

func (d *Dispatcher) setTrackedConn(h dconn.Handle) {
	d.conn.Store(&trackedConn{h: h})
}

func (d *Dispatcher) mainLoop(ctx context.Context) {
	defer close(d.done)

	for ctx.Err() == nil {
		d.runIteration(ctx)
	}

	d.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))

	d.running.Store(false)
	d.q.close()

	if n := d.InterruptWaitingCalls("client is shut down"); n > 0 {
		d.log.Info("Failed waiting calls on shutdown", "n", n)
	}

	d.recoveryWG.Wait()
}

// runIteration handles at most one queue entry.
func (d *Dispatcher) runIteration(ctx context.Context) {
	if d.reconnecting.Load() {
		// Don't race the recovery task swapping the connection.
		select {
		case <-ctx.Done():
		case <-time.After(d.reconnectPause):
		}
		return
	}

	e, ok := d.q.pop(ctx, d.dequeueTimeout)
	d.m.observeQueue(d.q.len())
	if !ok {
		if d.bl.len() > 0 {
			d.checkBacklog(nil)
		}
		return
	}

	if !e.isProbe() {
		// Before sending, so a fast response can always find it.
		d.table.Put(e.call)
	}

	prev := d.trackedConn()
	cur := d.src.Current()
	if cur != nil {
		d.setTrackedConn(cur)
	}

	var sent *dcall.Call

	switch {
	case cur != nil && prev != nil && cur != prev:
		d.resubscribe(ctx, prev, cur, e)

	case cur != nil:
		if prev == nil {
			// The very first connection has nothing to replay.
			d.log.Info("Connected", "conn", cur)
			d.src.NotifyOpened()
		}

		if !e.isProbe() {
			if err := d.send(cur, e.call); err != nil {
				d.m.sendFailed()
				d.log.Warn(
					"Failed to send call; treating connection as lost",
					"conn", cur,
					"call_id", e.call.ID(),
					"err", err,
				)
				d.clusterIsDown(ctx, cur)
				return
			}
			sent = e.call
		}

	default:
		// Keep the entry so it is not lost, and go find a connection.
		d.q.push(e)
		d.clusterIsDown(ctx, prev)
		return
	}

	if d.bl.len() > 0 {
		d.checkBacklog(sent)
	}
}

func (d *Dispatcher) send(h dconn.Handle, c *dcall.Call) error {
	d.log.Debug("Sending call", "conn", h, "call_id", c.ID())

	if err := d.w.Write(h, c); err != nil {
		return fmt.Errorf("failed to write call %d: %w", c.ID(), err)
	}
	if err := d.w.Flush(h); err != nil {
		return fmt.Errorf("failed to flush after call %d: %w", c.ID(), err)
	}

	d.m.callSent()
	return nil
}

// checkBacklog gives listener replay calls a short chance to complete,
// and reports the connection as opened once none remain.
// sent is the call this iteration wrote, or nil.
// Poll outcomes are not errors; an unanswered replay call simply stays.
func (d *Dispatcher) checkBacklog(sent *dcall.Call) {
	if sent != nil && !d.bl.markSent(sent) {
		sent = nil
	}
	if d.bl.check(sent, d.backlogPollTimeout, d.backlogPollAttempts) {
		d.log.Info("Listener replay confirmed; connection is open")
		d.src.NotifyOpened()
	}
}
