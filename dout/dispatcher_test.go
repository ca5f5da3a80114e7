package dout_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gordian-engine/dgrid/dcall"
	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/dout"
	"github.com/gordian-engine/dgrid/dout/douttest"
	"github.com/gordian-engine/dgrid/internal/dtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func reqs(sent []douttest.Sent) []string {
	out := make([]string, len(sent))
	for i, s := range sent {
		out[i] = s.Req
	}
	return out
}

func TestDispatcher_sendsInFIFOOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	h1 := &douttest.Handle{Name: "h1"}
	fx.Source.SetCurrent(h1)

	d := fx.NewDispatcher(t, ctx)

	want := []string{"a", "b", "c", "d", "e", "f"}
	for _, r := range want {
		require.NoError(t, d.Enqueue(fx.NewCall(r)))
	}

	sent := fx.WaitSent(t, len(want))
	require.Equal(t, want, reqs(sent))
	for _, s := range sent {
		require.Equal(t, dconn.Handle(h1), s.Handle)
	}

	// Every send is flushed.
	require.Eventually(t, func() bool {
		return fx.Writer.Flushes() == len(want)
	}, dtest.ScaleDuration, 2*time.Millisecond, "every send should be flushed")

	// The first connection is reported open without any replay.
	dtest.ReceiveSoon(t, fx.Source.OpenedCh)
	dtest.NotSending(t, fx.Disconnected)
}

func TestDispatcher_sentCallsStayPendingUntilResolved(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	fx.Source.SetCurrent(&douttest.Handle{Name: "h1"})
	d := fx.NewDispatcher(t, ctx)

	c := fx.NewCall("a")
	require.NoError(t, d.Enqueue(c))
	fx.WaitSent(t, 1)

	require.Equal(t, 1, fx.Table.Len())
	require.True(t, fx.Table.Resolve(c.ID(), []byte("resp")))

	val, err := c.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("resp"), val)
}

func TestDispatcher_reconnect_replaysListenersThenUnanswered(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	h1 := &douttest.Handle{Name: "h1"}
	h2 := &douttest.Handle{Name: "h2"}

	fx.Listeners.Register([]byte("L1"))
	fx.Source.SetCurrent(h1)
	fx.Source.QueueAlive(h2)

	d := fx.NewDispatcher(t, ctx)

	require.NoError(t, d.Enqueue(fx.NewCall("A")))
	require.NoError(t, d.Enqueue(fx.NewCall("B")))
	fx.WaitSent(t, 2)

	// h1 fails after both calls went out on it.
	fx.Source.SetCurrent(nil)
	require.True(t, d.RequestReconnect(h1))

	sent := fx.WaitSent(t, 3)
	require.Equal(t, []string{"L1", "A", "B"}, reqs(sent))
	for _, s := range sent {
		require.Equal(t, dconn.Handle(h2), s.Handle)
	}

	require.Equal(t, []dconn.Handle{h1}, fx.Source.Destroyed())
	require.Equal(t, dconn.Handle(h1), dtest.ReceiveSoon(t, fx.Disconnected))
	require.Equal(t, 1, fx.Source.FindCalls())

	// Nothing more is sent.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"L1", "A", "B"}, fx.Writer.SentOn(h2))
}

func TestDispatcher_reconnect_unansweredRegistrationSentOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	h1 := &douttest.Handle{Name: "h1"}
	h2 := &douttest.Handle{Name: "h2"}
	fx.Source.SetCurrent(h1)
	fx.Source.QueueAlive(h2)

	d := fx.NewDispatcher(t, ctx)

	_, reg := fx.Listeners.Add([]byte("L1"))
	require.NoError(t, d.Enqueue(reg))
	require.NoError(t, d.Enqueue(fx.NewCall("A")))
	fx.WaitSent(t, 2)

	// Neither call was answered on h1.
	fx.Source.SetCurrent(nil)
	require.True(t, d.RequestReconnect(h1))

	sent := fx.WaitSent(t, 2)
	require.Equal(t, []string{"L1", "A"}, reqs(sent))
	require.Equal(t, reg.ID(), sent[0].ID)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"L1", "A"}, fx.Writer.SentOn(h2))
	require.Equal(t, 1, d.BacklogLen())

	require.True(t, fx.Table.Resolve(reg.ID(), nil))
	dtest.ReceiveSoon(t, fx.Source.OpenedCh) // h1.
	dtest.ReceiveSoon(t, fx.Source.OpenedCh) // h2, once the registration is answered.
}

func TestDispatcher_reconnect_queuedBeforeUnanswered(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	h1 := &douttest.Handle{Name: "h1"}
	h2 := &douttest.Handle{Name: "h2"}

	fx.Listeners.Register([]byte("L1"))
	fx.Listeners.Register([]byte("L2"))
	fx.Source.SetCurrent(h1)

	// Hold the recovery until the queue has been built up.
	fx.Source.Gate = make(chan struct{})
	fx.Source.QueueAlive(h2)

	d := fx.NewDispatcher(t, ctx)

	// Sent on h1 and never answered.
	u1 := fx.NewCall("U1")
	u2 := fx.NewCall("U2")
	require.NoError(t, d.Enqueue(u1))
	require.NoError(t, d.Enqueue(u2))
	fx.WaitSent(t, 2)

	// Now h1 dies underneath the dispatcher.
	fx.Writer.FailWrites(h1)
	require.NoError(t, d.Enqueue(fx.NewCall("Q1")))
	require.Eventually(t, d.Reconnecting, 2*dtest.ScaleDuration, 2*time.Millisecond, "dispatcher should start recovery")

	require.NoError(t, d.Enqueue(fx.NewCall("Q2")))
	require.NoError(t, d.Enqueue(fx.NewCall("Q3")))

	fx.Source.Gate <- struct{}{}

	sent := fx.WaitSent(t, 7)
	got := reqs(sent)

	require.Equal(t, []string{"L1", "L2"}, got[:2])

	// Q1 was attempted on h1, so it counts as unanswered.
	// Q2 revealed the new connection without being sent, so it leads the queued calls.
	// The queued calls keep their order; the unanswered ones follow by ID.
	require.Equal(t, []string{"Q2", "Q3", "U1", "U2", "Q1"}, got[2:])
}

func TestDispatcher_noMemberAvailable_failsWaitingCall(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	d := fx.NewDispatcher(t, ctx)

	c := fx.NewCall("C")
	require.NoError(t, d.Enqueue(c))

	_, err := c.Wait(ctx)
	require.True(t, dcall.IsNoMemberAvailable(err), "got %v", err)

	require.Eventually(t, func() bool { return !d.Reconnecting() }, 2*dtest.ScaleDuration, 2*time.Millisecond, "recovery should finish")
	require.Zero(t, fx.Table.Len())
	require.Zero(t, d.QueueLen())

	// The dispatcher keeps running and will try again for new calls.
	fx.Source.QueueAlive(&douttest.Handle{Name: "late"})
	c2 := fx.NewCall("C2")
	require.NoError(t, d.Enqueue(c2))
	s := dtest.ReceiveSoon(t, fx.Writer.SentCh)
	require.Equal(t, "C2", s.Req)
}

func TestDispatcher_discoveryError_treatedAsNotFound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	fx.Source.FailFind(errors.New("dial refused"))
	d := fx.NewDispatcher(t, ctx)

	c := fx.NewCall("C")
	require.NoError(t, d.Enqueue(c))

	_, err := c.Wait(ctx)
	require.True(t, dcall.IsNoMemberAvailable(err), "got %v", err)
}

func TestDispatcher_firstConnectionFoundByRecovery(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	h := &douttest.Handle{Name: "h"}
	fx.Source.QueueAlive(h)
	d := fx.NewDispatcher(t, ctx)

	for _, r := range []string{"a", "b"} {
		require.NoError(t, d.Enqueue(fx.NewCall(r)))
	}

	sent := fx.WaitSent(t, 2)
	require.ElementsMatch(t, []string{"a", "b"}, reqs(sent))

	// No old connection to report.
	dtest.NotSending(t, fx.Disconnected)
	dtest.ReceiveSoon(t, fx.Source.OpenedCh)
}

func TestDispatcher_backlogConfirmsConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	h1 := &douttest.Handle{Name: "h1"}
	h2 := &douttest.Handle{Name: "h2"}
	fx.Listeners.Register([]byte("L1"))
	fx.Source.SetCurrent(h1)
	fx.Source.QueueAlive(h2)

	d := fx.NewDispatcher(t, ctx)

	require.NoError(t, d.Enqueue(fx.NewCall("warmup")))
	fx.WaitSent(t, 1)
	dtest.ReceiveSoon(t, fx.Source.OpenedCh)

	fx.Writer.FailWrites(h1)
	require.NoError(t, d.Enqueue(fx.NewCall("x")))

	sent := fx.WaitSent(t, 1)
	require.Equal(t, "L1", sent[0].Req)

	// Not confirmed until the replay call has a response.
	require.Equal(t, 1, d.BacklogLen())
	dtest.NotSending(t, fx.Source.OpenedCh)

	require.True(t, fx.Table.Resolve(sent[0].ID, nil))
	dtest.ReceiveSoon(t, fx.Source.OpenedCh)
	require.Zero(t, d.BacklogLen())
}

func TestDispatcher_backlogGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	fx.Cfg.BacklogPollAttempts = 3

	h1 := &douttest.Handle{Name: "h1"}
	h2 := &douttest.Handle{Name: "h2"}
	fx.Listeners.Register([]byte("L1"))
	fx.Source.SetCurrent(h1)
	fx.Source.QueueAlive(h2)
	fx.Writer.FailWrites(h1)

	d := fx.NewDispatcher(t, ctx)
	require.NoError(t, d.Enqueue(fx.NewCall("x")))

	// Opened once for h1, once after the replay call is given up on.
	dtest.ReceiveSoon(t, fx.Source.OpenedCh)
	dtest.ReceiveSoon(t, fx.Source.OpenedCh)
	require.Zero(t, d.BacklogLen())
}

func TestDispatcher_backlogWaitsForEveryReplayCall(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	fx.Cfg.BacklogPollAttempts = 2
	fx.Cfg.BacklogPollTimeout = 200 * time.Millisecond

	// More listeners than poll attempts.
	const nListeners = 5
	for i := range nListeners {
		fx.Listeners.Register([]byte(fmt.Sprintf("L%d", i)))
	}

	h1 := &douttest.Handle{Name: "h1"}
	h2 := &douttest.Handle{Name: "h2"}
	fx.Source.SetCurrent(h1)
	fx.Source.QueueAlive(h2)

	d := fx.NewDispatcher(t, ctx)

	warmup := fx.NewCall("warmup")
	require.NoError(t, d.Enqueue(warmup))
	fx.WaitSent(t, 1)
	require.True(t, fx.Table.Resolve(warmup.ID(), nil))
	dtest.ReceiveSoon(t, fx.Source.OpenedCh)

	fx.Writer.FailWrites(h1)
	require.NoError(t, d.Enqueue(fx.NewCall("x")))

	for i := range nListeners {
		s := dtest.ReceiveSoon(t, fx.Writer.SentCh)
		require.Equal(t, fmt.Sprintf("L%d", i), s.Req)

		dtest.NotSending(t, fx.Source.OpenedCh)
		require.True(t, fx.Table.Resolve(s.ID, nil))
	}

	dtest.ReceiveSoon(t, fx.Source.OpenedCh)
	require.Equal(t, "x", dtest.ReceiveSoon(t, fx.Writer.SentCh).Req)
	require.Zero(t, d.BacklogLen())
}

func TestDispatcher_manyReplayCallsDoNotStallTheLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	fx.Cfg.BacklogPollTimeout = 20 * time.Millisecond

	const nListeners = 30
	for i := range nListeners {
		fx.Listeners.Register([]byte(fmt.Sprintf("L%d", i)))
	}

	h1 := &douttest.Handle{Name: "h1"}
	h2 := &douttest.Handle{Name: "h2"}
	fx.Source.SetCurrent(h1)
	fx.Source.QueueAlive(h2)

	d := fx.NewDispatcher(t, ctx)

	warmup := fx.NewCall("warmup")
	require.NoError(t, d.Enqueue(warmup))
	fx.WaitSent(t, 1)
	require.True(t, fx.Table.Resolve(warmup.ID(), nil))

	start := time.Now()
	fx.Writer.FailWrites(h1)
	require.NoError(t, d.Enqueue(fx.NewCall("x")))

	// None of the replay calls are answered.
	sent := fx.WaitSent(t, nListeners+1)
	require.Equal(t, "x", sent[nListeners].Req)

	// Each send waits on the backlog for at most two poll timeouts,
	// however many replay calls are outstanding.
	limit := time.Duration(nListeners+1) * 4 * fx.Cfg.BacklogPollTimeout
	require.Less(t, time.Since(start), limit)
	require.Equal(t, nListeners, d.BacklogLen())
}

func TestDispatcher_shutdown_failsEverythingExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	fx := douttest.NewFixture(t)
	h1 := &douttest.Handle{Name: "h1"}
	fx.Source.SetCurrent(h1)
	d := dout.NewDispatcher(ctx, fx.Log, fx.Cfg)

	// Sent but unanswered.
	sentCall := fx.NewCall("sent")
	require.NoError(t, d.Enqueue(sentCall))
	fx.WaitSent(t, 1)

	// Now make the dispatcher stall in recovery so calls stay queued.
	fx.Source.Gate = make(chan struct{})
	fx.Writer.FailWrites(h1)
	failing := fx.NewCall("failing")
	require.NoError(t, d.Enqueue(failing))
	require.Eventually(t, d.Reconnecting, 2*dtest.ScaleDuration, 2*time.Millisecond, "dispatcher should start recovery")

	queued := []*dcall.Call{fx.NewCall("q1"), fx.NewCall("q2")}
	for _, c := range queued {
		require.NoError(t, d.Enqueue(c))
	}

	cancel()
	d.Wait()

	all := append([]*dcall.Call{sentCall, failing}, queued...)
	for _, c := range all {
		require.True(t, c.HasResponse(), "call %s unresolved", c)
		_, err := c.Result()
		require.True(t, dcall.IsNoMemberAvailable(err), "call %s: %v", c, err)
	}
	require.Zero(t, fx.Table.Len())

	require.ErrorIs(t, d.Enqueue(fx.NewCall("late")), dout.ErrNotRunning)

	// Interrupting again finds nothing left.
	require.Zero(t, d.InterruptWaitingCalls("again"))
}

func TestDispatcher_RequestReconnect_staleHandleIgnored(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	h1 := &douttest.Handle{Name: "h1"}
	fx.Source.SetCurrent(h1)
	d := fx.NewDispatcher(t, ctx)

	require.NoError(t, d.Enqueue(fx.NewCall("a")))
	fx.WaitSent(t, 1)

	require.False(t, d.RequestReconnect(&douttest.Handle{Name: "old"}))
	require.False(t, d.RequestReconnect(nil))
}

func TestDispatcher_RequestReconnect_deadConnectionRecovers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	h1 := &douttest.Handle{Name: "h1"}
	h2 := &douttest.Handle{Name: "h2"}
	fx.Listeners.Register([]byte("L1"))
	fx.Source.SetCurrent(h1)
	fx.Source.QueueAlive(h2)
	d := fx.NewDispatcher(t, ctx)

	require.NoError(t, d.Enqueue(fx.NewCall("a")))
	fx.WaitSent(t, 1)

	// A reader notices h1 is gone; the source no longer reports it.
	fx.Source.SetCurrent(nil)
	require.True(t, d.RequestReconnect(h1))

	sent := fx.WaitSent(t, 2)
	require.Equal(t, []string{"L1", "a"}, reqs(sent))
	require.Equal(t, dconn.Handle(h2), sent[0].Handle)

	// h2 is now the tracked connection.
	require.False(t, d.RequestReconnect(h1))
}

func TestDispatcher_metrics(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	m := dout.NewMetrics("dgrid")
	reg := prometheus.NewPedanticRegistry()
	m.Register(reg)
	fx.Cfg.Metrics = m

	d := fx.NewDispatcher(t, ctx)

	c := fx.NewCall("C")
	require.NoError(t, d.Enqueue(c))
	_, err := c.Wait(ctx)
	require.Error(t, err)

	require.Eventually(t, func() bool { return !d.Reconnecting() }, 2*dtest.ScaleDuration, 2*time.Millisecond, "recovery should finish")

	n, err := testutil.GatherAndCount(reg,
		"dgrid_dispatcher_recoveries_started_total",
		"dgrid_dispatcher_recoveries_failed_total",
		"dgrid_dispatcher_calls_interrupted_total",
	)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP dgrid_dispatcher_calls_interrupted_total calls failed because no member was available
# TYPE dgrid_dispatcher_calls_interrupted_total counter
dgrid_dispatcher_calls_interrupted_total 1
# HELP dgrid_dispatcher_calls_sent_total calls written and flushed to a connection
# TYPE dgrid_dispatcher_calls_sent_total counter
dgrid_dispatcher_calls_sent_total 0
`), "dgrid_dispatcher_calls_interrupted_total", "dgrid_dispatcher_calls_sent_total"))
}

func TestNewDispatcher_panicsOnMissingCollaborators(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		dout.NewDispatcher(context.Background(), dtest.NewLogger(t), dout.Config{})
	})
}

func TestDispatcher_Probe_connectsWithoutCalls(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := douttest.NewFixture(t)
	fx.Source.QueueAlive(&douttest.Handle{Name: "h"})
	d := fx.NewDispatcher(t, ctx)

	require.True(t, d.Probe())

	// Recovery finds the member, and the first connection is reported open.
	dtest.ReceiveSoon(t, fx.Source.OpenedCh)
	require.Equal(t, 1, fx.Source.FindCalls())
	require.Zero(t, d.QueueLen())
}
