package dout

import (
	"context"

	"github.com/gordian-engine/dgrid/dconn"
	"github.com/gordian-engine/dgrid/internal/dtrace"
)

// clusterIsDown handles the loss of failed, which may be nil
// if there was no connection at all.
//
// It tears down the failed connection and,
// unless a recovery task is already running,
// starts one on the pool.
// It never blocks on connection discovery.
func (d *Dispatcher) clusterIsDown(ctx context.Context, failed dconn.Handle) {
	if !d.running.Load() {
		return
	}

	d.src.Destroy(failed)

	if !d.reconnecting.CompareAndSwap(false, true) {
		d.log.Debug("Recovery already in progress", "failed_conn", failed)
		return
	}

	d.m.recoveryStarted()
	d.log.Info("Connection lost; starting recovery", "failed_conn", failed)

	d.recoveryWG.Add(1)
	d.pool.Go(func(context.Context) {
		defer d.recoveryWG.Done()
		d.recover(ctx)
	})
}

// recover searches for an alive member.
// On success it queues a probe, so that the loop observes
// the new connection and replays listeners.
// On failure every waiting call is failed.
func (d *Dispatcher) recover(ctx context.Context) {
	// Runs last: a later failure may start a new recovery.
	defer d.reconnecting.CompareAndSwap(true, false)

	ctx, span := d.tracer.Start(ctx, "recover connection")
	defer span.End()

	h, err := d.src.FindAlive(ctx)
	if err != nil {
		d.log.Warn("Failed to search for an alive member", "err", err)
		dtrace.SpanError(span, err)
		span.AddEvent("member search failed", dtrace.WithAttributes(dtrace.ErrorAttr(err)))
		h = nil
	}

	if h == nil {
		d.log.Warn("No alive member found", "reconnecting", d.reconnecting.Load())
		d.m.recoveryFailed()

		if d.reconnecting.Load() {
			n := d.InterruptWaitingCalls("no alive member found while reconnecting")
			span.AddEvent("interrupted waiting calls", dtrace.WithAttributes(
				dtrace.CountAttr("calls", n),
			))
		}
		return
	}

	span.SetAttributes(dtrace.ConnAttr(h))

	if d.running.Load() {
		d.q.pushProbeIfAbsent()
		d.log.Info("Found alive member", "conn", h)
	}
}
